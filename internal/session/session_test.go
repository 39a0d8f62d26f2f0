package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"
	"time"

	"chartform/internal/chart"
	"chartform/internal/form"
	"chartform/internal/notify"
	"chartform/internal/storage"
	"chartform/internal/table"
)

const sampleJSON = `{"a":[1,2,3],"b":["x","y","x"],"c":[true,false,true]}`

// fakeSource answers every fetch with text/err. When gate is non-nil, Fetch
// signals entered and blocks until gate is closed.
type fakeSource struct {
	mu      sync.Mutex
	text    string
	err     error
	urls    []string
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeSource) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	return f.text, f.err
}

type fakeCharts struct {
	mu   sync.Mutex
	art  chart.Artifact
	err  error
	reqs []chart.Request
}

func (f *fakeCharts) RequestChart(ctx context.Context, req chart.Request) (chart.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.art, f.err
}

type fakeHistory struct {
	mu         sync.Mutex
	ingestions []storage.IngestionRecord
	charts     []storage.ChartRecord
	err        error
}

func (f *fakeHistory) RecordIngestion(ctx context.Context, rec storage.IngestionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingestions = append(f.ingestions, rec)
	return f.err
}

func (f *fakeHistory) RecordChart(ctx context.Context, rec storage.ChartRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charts = append(f.charts, rec)
	return f.err
}

type harness struct {
	s       *Session
	src     *fakeSource
	charts  *fakeCharts
	history *fakeHistory
	notes   *notify.Recorder

	ingested []table.Table
	args     []form.Arguments
	received []ChartReceived
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		src:     &fakeSource{text: sampleJSON},
		charts:  &fakeCharts{art: chart.Artifact{ImageBase64: "iVBORw==", SourceData: json.RawMessage(`{}`)}},
		history: &fakeHistory{},
		notes:   notify.NewRecorder(0),
	}
	s, err := New(Options{
		ID:      "s1",
		Source:  h.src,
		Charts:  h.charts,
		Notify:  h.notes,
		History: h.history,
		Logger:  log.New(io.Discard, "", 0),
		Events: Events{
			OnDataIngested:     func(t table.Table) { h.ingested = append(h.ingested, t) },
			OnArgumentsChanged: func(a form.Arguments) { h.args = append(h.args, a) },
			OnChartReceived:    func(c ChartReceived) { h.received = append(h.received, c) },
		},
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	h.s = s
	return h
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Charts: &fakeCharts{}}); err == nil {
		t.Fatalf("New() without Source err=nil")
	}
	if _, err := New(Options{Source: &fakeSource{}}); err == nil {
		t.Fatalf("New() without Charts err=nil")
	}
}

func TestLoadURL_IngestsAndResets(t *testing.T) {
	h := newHarness(t)

	got, err := h.s.LoadURL(context.Background(), "http://data/x.json")
	if err != nil {
		t.Fatalf("LoadURL() err=%v", err)
	}
	if !reflect.DeepEqual(got.Fields, []string{"a", "b", "c"}) || got.Len() != 3 {
		t.Fatalf("table=%+v", got)
	}
	if len(h.ingested) != 1 || len(h.args) != 1 {
		t.Fatalf("events: ingested=%d args=%d, want 1 and 1", len(h.ingested), len(h.args))
	}
	if len(h.args[0].XAxis) != 0 || h.args[0].ChartType != form.ChartLine {
		t.Fatalf("form not reset to defaults: %+v", h.args[0])
	}
	if ld, lc := h.s.Loading(); ld || lc {
		t.Fatalf("Loading()=(%v,%v) after completion", ld, lc)
	}
	if len(h.history.ingestions) != 1 {
		t.Fatalf("history ingestions=%d", len(h.history.ingestions))
	}
	rec := h.history.ingestions[0]
	if rec.SessionID != "s1" || rec.Source != "http://data/x.json" || rec.Format != "json" || rec.RowCount != 3 {
		t.Fatalf("ingestion record=%+v", rec)
	}
}

func TestLoadURL_NewDatasetClearsSelections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.s.LoadURL(ctx, "http://data/1"); err != nil {
		t.Fatalf("LoadURL() err=%v", err)
	}
	if err := h.s.Apply(form.AxisEdit(form.FieldXAxis, "a")); err != nil {
		t.Fatalf("Apply() err=%v", err)
	}

	h.src.text = "k,v\n1,2\n"
	if _, err := h.s.LoadURL(ctx, "http://data/2"); err != nil {
		t.Fatalf("LoadURL() err=%v", err)
	}
	snap := h.s.Snapshot()
	if len(snap.Form.XAxis) != 0 || snap.Form.XSelect.Enabled {
		t.Fatalf("stale selection survived: %+v", snap.Form)
	}
	if !reflect.DeepEqual(snap.Table.Fields, []string{"k", "v"}) {
		t.Fatalf("fields=%v", snap.Table.Fields)
	}
}

func TestSubmitData_FailureNotifiesAndKeepsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.s.LoadURL(ctx, "http://data/ok"); err != nil {
		t.Fatalf("LoadURL() err=%v", err)
	}

	h.src.err = errors.New("connection refused")
	_, err := h.s.LoadURL(ctx, "http://data/down")
	if err == nil {
		t.Fatalf("LoadURL() err=nil, want fetch error")
	}

	notes := h.notes.Recent()
	if len(notes) != 1 || notes[0].Title != TitleDataError || notes[0].Message != "connection refused" || notes[0].Status != notify.StatusDanger {
		t.Fatalf("notifications=%+v", notes)
	}
	if h.s.Snapshot().Table.Len() != 3 {
		t.Fatalf("previous table was discarded")
	}
	if ld, _ := h.s.Loading(); ld {
		t.Fatalf("loadingData still set after failure")
	}
}

func TestSubmitData_NoSource(t *testing.T) {
	h := newHarness(t)
	if _, err := h.s.SubmitData(context.Background()); !errors.Is(err, ErrNoSource) {
		t.Fatalf("SubmitData() err=%v, want ErrNoSource", err)
	}
	if n := len(h.notes.Recent()); n != 1 {
		t.Fatalf("notifications=%d, want 1", n)
	}
}

func TestSubmitData_BusyWhileInFlight(t *testing.T) {
	h := newHarness(t)
	h.src.entered = make(chan struct{})
	h.src.gate = make(chan struct{})
	h.s.SetURL("http://data/slow")

	done := make(chan error, 1)
	go func() {
		_, err := h.s.SubmitData(context.Background())
		done <- err
	}()
	<-h.src.entered

	if ld, lc := h.s.Loading(); !ld || lc {
		t.Fatalf("Loading()=(%v,%v), want (true,false)", ld, lc)
	}
	if _, err := h.s.SubmitData(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("second SubmitData() err=%v, want ErrBusy", err)
	}
	if _, err := h.s.AttachFile(context.Background(), "a.csv", "text/csv", []byte("a\n1\n")); !errors.Is(err, ErrBusy) {
		t.Fatalf("AttachFile() err=%v, want ErrBusy", err)
	}
	// Edits are not blocked by the fetch.
	if err := h.s.Apply(form.TextEdit(form.FieldChartType, "bar")); err != nil {
		t.Fatalf("Apply() during fetch err=%v", err)
	}

	close(h.src.gate)
	if err := <-done; err != nil {
		t.Fatalf("first SubmitData() err=%v", err)
	}
	if ld, _ := h.s.Loading(); ld {
		t.Fatalf("loadingData still set")
	}
	if len(h.notes.Recent()) != 0 {
		t.Fatalf("ErrBusy must not notify: %+v", h.notes.Recent())
	}
}

func TestAttachFile_ReplacesURL(t *testing.T) {
	h := newHarness(t)
	h.s.SetURL("http://data/x")

	got, err := h.s.AttachFile(context.Background(), "d.csv", "text/csv", []byte("a,b\n1,x\n2,y\n"))
	if err != nil {
		t.Fatalf("AttachFile() err=%v", err)
	}
	if got.Len() != 2 || got.Rows[0]["a"] != "1" {
		t.Fatalf("table=%+v", got)
	}
	d := h.s.Descriptor()
	if d.URL != nil || d.File == nil || d.File.Filename != "d.csv" || d.File.Value != "YSxiCjEseAoyLHkK" {
		t.Fatalf("descriptor=%+v", d)
	}
	if len(h.src.urls) != 0 {
		t.Fatalf("file upload fetched %v", h.src.urls)
	}

	// Resubmitting re-ingests the attached file without a fetch.
	if _, err := h.s.SubmitData(context.Background()); err != nil {
		t.Fatalf("SubmitData() err=%v", err)
	}
	if len(h.ingested) != 2 || len(h.src.urls) != 0 {
		t.Fatalf("ingested=%d fetches=%d", len(h.ingested), len(h.src.urls))
	}

	h.s.SetURL("http://data/y")
	if d := h.s.Descriptor(); d.File == nil || d.URL != nil {
		t.Fatalf("SetURL replaced the descriptor before a fetch: %+v", d)
	}
	if p := h.s.PendingURL(); p == nil || *p != "http://data/y" {
		t.Fatalf("PendingURL()=%v", p)
	}
	if _, err := h.s.SubmitData(context.Background()); err != nil {
		t.Fatalf("SubmitData(url) err=%v", err)
	}
	if d := h.s.Descriptor(); d.File != nil || d.URL == nil || *d.URL != "http://data/y" {
		t.Fatalf("successful fetch did not switch to the URL: %+v", d)
	}
	if p := h.s.PendingURL(); p != nil {
		t.Fatalf("PendingURL()=%q after success", *p)
	}
}

func TestLoadURL_FailureKeepsAttachedFile(t *testing.T) {
	h := newHarness(t)
	if _, err := h.s.AttachFile(context.Background(), "d.csv", "text/csv", []byte("a,b\n1,x\n2,y\n")); err != nil {
		t.Fatalf("AttachFile() err=%v", err)
	}
	if err := h.s.Apply(form.AxisEdit(form.FieldXAxis, "a")); err != nil {
		t.Fatalf("Apply(xAxis) err=%v", err)
	}
	if err := h.s.Apply(form.AxisEdit(form.FieldYAxis, "b")); err != nil {
		t.Fatalf("Apply(yAxis) err=%v", err)
	}

	h.src.err = errors.New("404 not found")
	if _, err := h.s.LoadURL(context.Background(), "http://bad"); err == nil {
		t.Fatalf("LoadURL() err=nil, want fetch error")
	}

	d := h.s.Descriptor()
	if d.File == nil || d.File.Filename != "d.csv" || d.URL != nil {
		t.Fatalf("descriptor after failed fetch=%+v", d)
	}
	snap := h.s.Snapshot()
	if !reflect.DeepEqual(snap.Table.Fields, []string{"a", "b"}) {
		t.Fatalf("table fields=%v", snap.Table.Fields)
	}
	if snap.PendingURL == nil || *snap.PendingURL != "http://bad" {
		t.Fatalf("PendingURL=%v", snap.PendingURL)
	}

	if _, err := h.s.SubmitChart(context.Background()); err != nil {
		t.Fatalf("SubmitChart() err=%v", err)
	}
	req := h.charts.reqs[len(h.charts.reqs)-1]
	if req.URL != nil || req.DataBase64 == nil || req.DataBase64.Filename != "d.csv" {
		t.Fatalf("chart request url=%v dataBase64=%+v", req.URL, req.DataBase64)
	}
}

func TestAttachFile_ReadErrorNotifies(t *testing.T) {
	h := newHarness(t)
	if _, err := h.s.LoadURL(context.Background(), "http://data/x"); err != nil {
		t.Fatalf("LoadURL() err=%v", err)
	}

	if _, err := h.s.AttachFile(context.Background(), "empty.csv", "text/csv", nil); err == nil {
		t.Fatalf("AttachFile(empty) err=nil")
	}
	notes := h.notes.Recent()
	if len(notes) != 1 || notes[0].Title != TitleFileError {
		t.Fatalf("notifications=%+v", notes)
	}
	if d := h.s.Descriptor(); d.URL == nil {
		t.Fatalf("failed upload replaced the descriptor: %+v", d)
	}
}

func loadAndSelect(t *testing.T, h *harness) {
	t.Helper()
	if _, err := h.s.LoadURL(context.Background(), "http://data/x.json"); err != nil {
		t.Fatalf("LoadURL() err=%v", err)
	}
	if err := h.s.Apply(form.AxisEdit(form.FieldXAxis, "a", "c")); err != nil {
		t.Fatalf("Apply(xAxis) err=%v", err)
	}
	if err := h.s.Apply(form.AxisEdit(form.FieldYAxis, "b")); err != nil {
		t.Fatalf("Apply(yAxis) err=%v", err)
	}
}

func TestSubmitChart_EmitsArtifactAndPayload(t *testing.T) {
	h := newHarness(t)
	loadAndSelect(t, h)

	got, err := h.s.SubmitChart(context.Background())
	if err != nil {
		t.Fatalf("SubmitChart() err=%v", err)
	}
	if len(h.charts.reqs) != 1 {
		t.Fatalf("chart requests=%d", len(h.charts.reqs))
	}
	sent := h.charts.reqs[0]
	if !reflect.DeepEqual(got.ChartArguments, sent) {
		t.Fatalf("emitted arguments differ from sent payload:\n%+v\n%+v", got.ChartArguments, sent)
	}
	if sent.URL == nil || *sent.URL != "http://data/x.json" || sent.DataBase64 != nil {
		t.Fatalf("descriptor in payload=%+v", sent)
	}
	if sent.Args.GroupBy == nil || *sent.Args.GroupBy != "b" {
		t.Fatalf("groupBy=%v, want b", sent.Args.GroupBy)
	}
	if len(h.received) != 1 || h.received[0].Response.ImageBase64 != "iVBORw==" {
		t.Fatalf("OnChartReceived=%+v", h.received)
	}

	if len(h.history.charts) != 1 || h.history.charts[0].ImageBytes != 4 {
		t.Fatalf("history charts=%+v", h.history.charts)
	}
	var payload map[string]any
	if err := json.Unmarshal(h.history.charts[0].Arguments, &payload); err != nil || payload["url"] != "http://data/x.json" {
		t.Fatalf("recorded arguments=%s (%v)", h.history.charts[0].Arguments, err)
	}
}

func TestSubmitChart_ValidationFailures(t *testing.T) {
	t.Run("no_source", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.s.SubmitChart(context.Background()); !errors.Is(err, ErrNoSource) || !IsValidation(err) {
			t.Fatalf("err=%v, want ErrNoSource", err)
		}
		if len(h.charts.reqs) != 0 {
			t.Fatalf("chart service called")
		}
	})

	t.Run("missing_axes", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.s.LoadURL(context.Background(), "http://data/x"); err != nil {
			t.Fatalf("LoadURL() err=%v", err)
		}
		_, err := h.s.SubmitChart(context.Background())
		var ve *form.ValidationError
		if !errors.As(err, &ve) || len(ve.Problems) != 2 || !IsValidation(err) {
			t.Fatalf("err=%v, want validation error with 2 problems", err)
		}
		notes := h.notes.Recent()
		if len(notes) != 1 || notes[0].Title != TitleInvalidChart {
			t.Fatalf("notifications=%+v", notes)
		}
	})
}

func TestSubmitChart_ServiceFailure(t *testing.T) {
	h := newHarness(t)
	loadAndSelect(t, h)
	h.charts.err = &chart.ServiceError{StatusCode: 400, Message: "Field 'q' not in dataframe"}

	if _, err := h.s.SubmitChart(context.Background()); err == nil {
		t.Fatalf("SubmitChart() err=nil")
	}
	notes := h.notes.Recent()
	if len(notes) != 1 || notes[0].Title != TitleChartError || notes[0].Message != "Field 'q' not in dataframe" {
		t.Fatalf("notifications=%+v", notes)
	}
	if _, lc := h.s.Loading(); lc {
		t.Fatalf("loadingChart still set after failure")
	}
	if len(h.received) != 0 || len(h.history.charts) != 0 {
		t.Fatalf("failure emitted or recorded a chart")
	}
}

type emptyErr struct{}

func (emptyErr) Error() string { return "" }

func TestNotify_UnknownErrorFallback(t *testing.T) {
	h := newHarness(t)
	loadAndSelect(t, h)
	h.charts.err = emptyErr{}

	_, _ = h.s.SubmitChart(context.Background())
	notes := h.notes.Recent()
	if len(notes) != 1 || notes[0].Message != "Unknown error" {
		t.Fatalf("notifications=%+v", notes)
	}
}

func TestHistoryFailureDoesNotFailFlow(t *testing.T) {
	h := newHarness(t)
	h.history.err = errors.New("disk full")
	loadAndSelect(t, h)

	if _, err := h.s.SubmitChart(context.Background()); err != nil {
		t.Fatalf("SubmitChart() err=%v", err)
	}
	if len(h.notes.Recent()) != 0 {
		t.Fatalf("history failure reached the user: %+v", h.notes.Recent())
	}
}

func TestDataAndChartWorkflowsAreIndependent(t *testing.T) {
	h := newHarness(t)
	loadAndSelect(t, h)

	h.src.entered = make(chan struct{})
	h.src.gate = make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.s.SubmitData(context.Background())
	}()
	<-h.src.entered

	if _, err := h.s.SubmitChart(context.Background()); err != nil {
		t.Fatalf("SubmitChart() during data fetch err=%v", err)
	}
	close(h.src.gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("data submission did not finish")
	}
}
