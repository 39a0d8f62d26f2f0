package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"

	"chartform/internal/chart"
	"chartform/internal/notify"
	"chartform/internal/session"
	"chartform/internal/source"
	"chartform/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
}

const sampleJSON = `{"year":[2020,2021,2022],"region":["n","s","n"],"sales":[10,20,30]}`

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
	mu      sync.Mutex
	art     chart.Artifact
	err     error
	reqs    []chart.Request
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeCharts) RequestChart(ctx context.Context, req chart.Request) (chart.Artifact, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	return f.art, f.err
}

type fakeHistory struct {
	mu        sync.Mutex
	charts    []storage.ChartRecord
	lastLimit int
	listErr   error
}

func (f *fakeHistory) RecordIngestion(ctx context.Context, rec storage.IngestionRecord) error {
	return nil
}

func (f *fakeHistory) RecordChart(ctx context.Context, rec storage.ChartRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charts = append(f.charts, rec)
	return nil
}

func (f *fakeHistory) ListCharts(ctx context.Context, limit int) ([]storage.ChartRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return f.charts, f.listErr
}

type fixture struct {
	srv     *Server
	src     *fakeSource
	charts  *fakeCharts
	history *fakeHistory
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	fx := &fixture{
		src:     &fakeSource{text: sampleJSON},
		charts:  &fakeCharts{art: chart.Artifact{ImageBase64: "iVBORw0K", SourceData: json.RawMessage(`{"ok":true}`)}},
		history: &fakeHistory{},
	}
	opts := Options{
		Source:      fx.src,
		Charts:      fx.charts,
		History:     fx.history,
		CORSOrigins: []string{"*"},
		Logger:      log.New(io.Discard, "", 0),
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	require.NoError(t, err)
	fx.srv = srv
	return fx
}

func (fx *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(w, req)
	return w
}

func (fx *fixture) create(t *testing.T) string {
	t.Helper()
	w := fx.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	snap := decodeSnapshot(t, w)
	require.NotEmpty(t, snap.ID)
	return snap.ID
}

// loaded returns a session with sampleJSON ingested from a URL.
func (fx *fixture) loaded(t *testing.T) string {
	t.Helper()
	id := fx.create(t)
	w := fx.do(t, http.MethodPut, "/api/sessions/"+id+"/source", gin.H{"url": "http://data.test/sales.json"})
	require.Equal(t, http.StatusOK, w.Code)
	w = fx.do(t, http.MethodPost, "/api/sessions/"+id+"/data", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return id
}

func (fx *fixture) edit(t *testing.T, id, field string, value any) *httptest.ResponseRecorder {
	t.Helper()
	return fx.do(t, http.MethodPatch, "/api/sessions/"+id+"/arguments", gin.H{"field": field, "value": value})
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap), w.Body.String())
	return snap
}

type sessionResponse struct {
	Session       session.Snapshot      `json:"session"`
	Notifications []notify.Notification `json:"notifications"`
}

func (fx *fixture) get(t *testing.T, id string) sessionResponse {
	t.Helper()
	w := fx.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out sessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out.Error
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{Charts: &fakeCharts{}})
	assert.Error(t, err)
	_, err = New(Options{Source: &fakeSource{}})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	fx := newFixture(t, nil)
	fx.create(t)

	w := fx.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["sessions"])
	assert.Equal(t, "configured", body["history"])
}

func TestSessionLifecycle(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.create(t)

	got := fx.get(t, id)
	assert.Equal(t, id, got.Session.ID)
	assert.True(t, got.Session.Descriptor.IsZero())
	assert.Empty(t, got.Notifications)

	w := fx.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = fx.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = fx.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnknownSession(t *testing.T) {
	fx := newFixture(t, nil)
	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/sessions/nope"},
		{http.MethodPut, "/api/sessions/nope/source"},
		{http.MethodPost, "/api/sessions/nope/data"},
		{http.MethodPost, "/api/sessions/nope/upload"},
		{http.MethodPatch, "/api/sessions/nope/arguments"},
		{http.MethodPost, "/api/sessions/nope/chart"},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			w := fx.do(t, r.method, r.path, nil)
			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, "session not found", errorBody(t, w))
		})
	}
}

func TestSetSourceAndSubmitData(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.loaded(t)

	assert.Equal(t, []string{"http://data.test/sales.json"}, fx.src.urls)
	got := fx.get(t, id)
	require.NotNil(t, got.Session.Descriptor.URL)
	assert.Equal(t, "http://data.test/sales.json", *got.Session.Descriptor.URL)
	assert.Equal(t, []string{"year", "region", "sales"}, got.Session.Table.Fields)
	assert.Len(t, got.Session.Table.Rows, 3)
	assert.False(t, got.Session.LoadingData)
}

func TestSetSource_BadBody(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.create(t)
	w := fx.do(t, http.MethodPut, "/api/sessions/"+id+"/source", gin.H{"link": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitData_NoSourceNotifiesOnce(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.create(t)

	w := fx.do(t, http.MethodPost, "/api/sessions/"+id+"/data", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	got := fx.get(t, id)
	require.Len(t, got.Notifications, 1)
	assert.Equal(t, session.TitleDataError, got.Notifications[0].Title)
	assert.Equal(t, notify.StatusDanger, got.Notifications[0].Status)

	assert.Empty(t, fx.get(t, id).Notifications)
}

func TestSubmitData_FetchError(t *testing.T) {
	fx := newFixture(t, nil)
	fx.src.err = &source.Error{URL: "http://data.test/x", StatusCode: 500, Message: "upstream exploded"}
	id := fx.create(t)
	fx.do(t, http.MethodPut, "/api/sessions/"+id+"/source", gin.H{"url": "http://data.test/x"})

	w := fx.do(t, http.MethodPost, "/api/sessions/"+id+"/data", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "upstream exploded", errorBody(t, w))

	got := fx.get(t, id)
	require.Len(t, got.Notifications, 1)
	assert.Equal(t, "upstream exploded", got.Notifications[0].Message)
}

func TestSubmitData_Busy(t *testing.T) {
	fx := newFixture(t, nil)
	fx.src.entered = make(chan struct{}, 1)
	fx.src.gate = make(chan struct{})
	id := fx.create(t)
	fx.do(t, http.MethodPut, "/api/sessions/"+id+"/source", gin.H{"url": "http://data.test/x"})

	done := make(chan int)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/data", nil)
		w := httptest.NewRecorder()
		fx.srv.Handler().ServeHTTP(w, req)
		done <- w.Code
	}()
	<-fx.src.entered

	w := fx.do(t, http.MethodPost, "/api/sessions/"+id+"/data", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(fx.src.gate)
	assert.Equal(t, http.StatusOK, <-done)
}

func multipartBody(t *testing.T, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (fx *fixture) upload(t *testing.T, id, filename, contentType string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, filename, contentType, content)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestUpload(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.create(t)
	fx.do(t, http.MethodPut, "/api/sessions/"+id+"/source", gin.H{"url": "http://data.test/old.json"})

	w := fx.upload(t, id, "data.csv", "text/csv", []byte("a,b\n1,x\n2,y\n"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snap := decodeSnapshot(t, w)
	assert.Nil(t, snap.Descriptor.URL)
	require.NotNil(t, snap.Descriptor.File)
	assert.Equal(t, "data.csv", snap.Descriptor.File.Filename)
	assert.Equal(t, "text/csv", snap.Descriptor.File.Filetype)
	assert.Equal(t, []string{"a", "b"}, snap.Table.Fields)
	assert.Empty(t, fx.src.urls, "upload must not fetch")
}

func TestUpload_Errors(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.create(t)

	w := fx.do(t, http.MethodPost, "/api/sessions/"+id+"/upload", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = fx.upload(t, id, "empty.csv", "text/csv", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	got := fx.get(t, id)
	require.Len(t, got.Notifications, 1)
	assert.Equal(t, session.TitleFileError, got.Notifications[0].Title)
}

func TestEditArguments(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.loaded(t)

	w := fx.edit(t, id, "xAxis", []string{"region"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decodeSnapshot(t, w)
	assert.Equal(t, []string{"region"}, snap.Form.XAxis)
	assert.True(t, snap.Form.XSelect.Enabled)
	assert.ElementsMatch(t, []any{"n", "s"}, snap.Form.XSelect.Options)
	assert.Equal(t, []string{"region"}, snap.Arguments.XAxis)

	w = fx.edit(t, id, "xSelect", []string{"n"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap = decodeSnapshot(t, w)
	assert.Equal(t, []any{"n"}, snap.Form.XSelect.Value)

	w = fx.edit(t, id, "chartType", "BAR")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "bar", string(decodeSnapshot(t, w).Form.ChartType))
}

func TestEditArguments_Errors(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.loaded(t)

	tests := []struct {
		name  string
		field string
		value any
		want  int
	}{
		{"unknown control", "colour", "red", http.StatusBadRequest},
		{"wrong value shape", "xAxis", "year", http.StatusBadRequest},
		{"unknown field", "xAxis", []string{"nope"}, http.StatusUnprocessableEntity},
		{"unknown chart type", "chartType", "pie", http.StatusUnprocessableEntity},
		{"disabled select", "ySelect", []string{"1"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := fx.get(t, id).Session.Form
			w := fx.edit(t, id, tt.field, tt.value)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, errorBody(t, w))
			assert.Equal(t, before, fx.get(t, id).Session.Form)
		})
	}

	w := fx.do(t, http.MethodPatch, "/api/sessions/"+id+"/arguments", gin.H{"value": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitChart(t *testing.T) {
	fx := newFixture(t, nil)
	id := fx.loaded(t)
	require.Equal(t, http.StatusOK, fx.edit(t, id, "xAxis", []string{"year"}).Code)
	require.Equal(t, http.StatusOK, fx.edit(t, id, "yAxis", []string{"sales"}).Code)

	w := fx.do(t, http.MethodPost, "/api/sessions/"+id+"/chart", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got session.ChartReceived
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "iVBORw0K", got.Response.ImageBase64)
	assert.JSONEq(t, `{"ok":true}`, string(got.Response.SourceData))
	require.NotNil(t, got.ChartArguments.URL)
	assert.Equal(t, "http://data.test/sales.json", *got.ChartArguments.URL)
	assert.Equal(t, []string{"year"}, got.ChartArguments.Args.XAxis)
	assert.Equal(t, []string{"sales"}, got.ChartArguments.Args.YAxis)

	require.Len(t, fx.charts.reqs, 1)
	assert.Len(t, fx.history.charts, 1)
}

func TestSubmitChart_Failures(t *testing.T) {
	t.Run("invalid arguments", func(t *testing.T) {
		fx := newFixture(t, nil)
		id := fx.loaded(t)
		w := fx.do(t, http.MethodPost, "/api/sessions/"+id+"/chart", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Empty(t, fx.charts.reqs)

		got := fx.get(t, id)
		require.Len(t, got.Notifications, 1)
		assert.Equal(t, session.TitleInvalidChart, got.Notifications[0].Title)
	})

	t.Run("service error", func(t *testing.T) {
		fx := newFixture(t, nil)
		fx.charts.err = &chart.ServiceError{StatusCode: 500, Message: "renderer down"}
		id := fx.loaded(t)
		fx.edit(t, id, "xAxis", []string{"year"})
		fx.edit(t, id, "yAxis", []string{"sales"})

		w := fx.do(t, http.MethodPost, "/api/sessions/"+id+"/chart", nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "renderer down", errorBody(t, w))

		got := fx.get(t, id)
		require.Len(t, got.Notifications, 1)
		assert.Equal(t, session.TitleChartError, got.Notifications[0].Title)
	})

	t.Run("busy", func(t *testing.T) {
		fx := newFixture(t, nil)
		fx.charts.entered = make(chan struct{}, 1)
		fx.charts.gate = make(chan struct{})
		id := fx.loaded(t)
		fx.edit(t, id, "xAxis", []string{"year"})
		fx.edit(t, id, "yAxis", []string{"sales"})

		done := make(chan int)
		go func() {
			req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/chart", nil)
			w := httptest.NewRecorder()
			fx.srv.Handler().ServeHTTP(w, req)
			done <- w.Code
		}()
		<-fx.charts.entered

		w := fx.do(t, http.MethodPost, "/api/sessions/"+id+"/chart", nil)
		assert.Equal(t, http.StatusConflict, w.Code)

		close(fx.charts.gate)
		assert.Equal(t, http.StatusOK, <-done)
	})
}

func TestListCharts(t *testing.T) {
	fx := newFixture(t, nil)
	fx.history.charts = []storage.ChartRecord{{ID: "c1", SessionID: "s1", Arguments: json.RawMessage(`{}`), ImageBytes: 3}}

	w := fx.do(t, http.MethodGet, "/api/charts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, storage.DefaultListLimit, fx.history.lastLimit)
	var body struct {
		Charts []storage.ChartRecord `json:"charts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Charts, 1)
	assert.Equal(t, "c1", body.Charts[0].ID)

	w = fx.do(t, http.MethodGet, "/api/charts?limit=100000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, storage.MaxListLimit, fx.history.lastLimit)

	w = fx.do(t, http.MethodGet, "/api/charts?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	fx.history.listErr = errors.New("db gone")
	w = fx.do(t, http.MethodGet, "/api/charts", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestListCharts_NoHistory(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.History = nil })
	w := fx.do(t, http.MethodGet, "/api/charts", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"any origin", []string{"*"}, "http://app.test", "*"},
		{"listed origin", []string{"http://app.test"}, "http://app.test", "http://app.test"},
		{"disabled", nil, "http://app.test", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, func(o *Options) { o.CORSOrigins = tt.origins })
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			fx.srv.Handler().ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrBusy, http.StatusConflict},
		{session.ErrNoSource, http.StatusUnprocessableEntity},
		{&source.Error{URL: "u", StatusCode: 404}, http.StatusBadGateway},
		{&chart.ServiceError{StatusCode: 500}, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
