package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"chartform/internal/form"
	"chartform/internal/metrics"
	"chartform/internal/source"
	"chartform/internal/storage"
	"chartform/internal/table"
)

// SubmitData runs the data workflow for the current descriptor: fetch the URL
// (or reuse the attached file's text), ingest it, reset the form and emit
// OnDataIngested.
//
// Errors:
//   - ErrBusy while another data submission is in flight (not notified).
//   - ErrNoSource when nothing is selected.
//   - Fetch failures, usually *source.Error.
//
// A URL chosen by SetURL takes precedence over the current descriptor and
// becomes the descriptor only when its fetch succeeds.
//
// Every failure except ErrBusy is also sent to the Notification Sink. The
// previous descriptor, table and form state are kept on failure. loadingData
// is cleared on every exit.
func (s *Session) SubmitData(ctx context.Context) (table.Table, error) {
	s.mu.Lock()
	if s.loadingData {
		s.mu.Unlock()
		return table.Table{}, ErrBusy
	}
	desc, fileText := s.desc.clone(), s.fileText
	if s.pendingURL != nil {
		desc = Descriptor{URL: cloneString(s.pendingURL)}
		fileText = ""
	}
	if desc.IsZero() {
		s.mu.Unlock()
		s.notify(TitleDataError, ErrNoSource)
		return table.Table{}, ErrNoSource
	}
	s.loadingData = true
	s.mu.Unlock()

	start := time.Now()
	status := "error"
	defer func() {
		s.mu.Lock()
		s.loadingData = false
		s.mu.Unlock()
		metrics.RecordSubmit("data", status, time.Since(start))
	}()

	text := fileText
	if desc.URL != nil {
		var err error
		text, err = s.src.Fetch(ctx, *desc.URL)
		if err != nil {
			s.logf("fetch %s failed: %v", *desc.URL, err)
			s.notify(TitleDataError, err)
			return table.Table{}, err
		}
		s.mu.Lock()
		s.desc = desc.clone()
		s.fileText = ""
		if s.pendingURL != nil && *s.pendingURL == *desc.URL {
			s.pendingURL = nil
		}
		s.mu.Unlock()
	}

	t := s.ingest(ctx, desc, text)
	status = "ok"
	return t, nil
}

// AttachFile selects an uploaded file as the data source, clears the URL and
// ingests the file. It runs as the data workflow: it shares SubmitData's
// in-flight flag and busy rule.
//
// Errors:
//   - ErrBusy while a data submission is in flight (not notified).
//   - Read failures from source.ReadUpload (notified). The previous
//     descriptor is kept.
func (s *Session) AttachFile(ctx context.Context, filename, filetype string, content []byte) (table.Table, error) {
	s.mu.Lock()
	if s.loadingData {
		s.mu.Unlock()
		return table.Table{}, ErrBusy
	}
	s.loadingData = true
	s.mu.Unlock()

	start := time.Now()
	status := "error"
	defer func() {
		s.mu.Lock()
		s.loadingData = false
		s.mu.Unlock()
		metrics.RecordSubmit("data", status, time.Since(start))
	}()

	text, payload, err := source.ReadUpload(filename, filetype, content)
	if err != nil {
		s.logf("read upload %s failed: %v", filename, err)
		s.notify(TitleFileError, err)
		return table.Table{}, err
	}

	desc := Descriptor{File: &payload}
	s.mu.Lock()
	s.desc = desc.clone()
	s.fileText = text
	s.pendingURL = nil
	s.mu.Unlock()

	t := s.ingest(ctx, desc, text)
	status = "ok"
	return t, nil
}

// ingest replaces the table, resets the form and emits OnDataIngested.
func (s *Session) ingest(ctx context.Context, desc Descriptor, text string) table.Table {
	t, format := table.Ingest(text)
	metrics.RecordIngest(string(format))

	s.mu.Lock()
	s.machine.Load(t)
	if s.events.OnDataIngested != nil {
		s.events.OnDataIngested(t)
	}
	s.mu.Unlock()

	s.logf("ingested %s as %s: %d fields, %d rows", desc.Label(), format, len(t.Fields), t.Len())

	if s.history != nil {
		err := s.history.RecordIngestion(ctx, storage.IngestionRecord{
			SessionID: s.id,
			Source:    desc.Label(),
			Format:    string(format),
			Fields:    append([]string{}, t.Fields...),
			RowCount:  t.Len(),
		})
		if err != nil {
			s.logf("record ingestion failed: %v", err)
		}
	}
	return t
}

// SubmitChart runs the chart workflow: validate the arguments, merge them with
// the descriptor, request a chart and emit OnChartReceived with the exact
// payload sent.
//
// Errors:
//   - ErrBusy while another chart request is in flight (not notified).
//   - ErrNoSource when no URL or file is selected.
//   - *form.ValidationError for incomplete arguments.
//   - Chart service failures, usually *chart.ServiceError.
//
// Every failure except ErrBusy is also sent to the Notification Sink.
// loadingChart is cleared on every exit.
func (s *Session) SubmitChart(ctx context.Context) (ChartReceived, error) {
	s.mu.Lock()
	if s.loadingChart {
		s.mu.Unlock()
		return ChartReceived{}, ErrBusy
	}
	if s.desc.IsZero() {
		s.mu.Unlock()
		s.notify(TitleInvalidChart, ErrNoSource)
		return ChartReceived{}, ErrNoSource
	}
	if err := s.machine.Validate(); err != nil {
		s.mu.Unlock()
		s.notify(TitleInvalidChart, err)
		return ChartReceived{}, err
	}
	req := s.desc.request(s.machine.Arguments())
	s.loadingChart = true
	s.mu.Unlock()

	start := time.Now()
	status := "error"
	defer func() {
		s.mu.Lock()
		s.loadingChart = false
		s.mu.Unlock()
		metrics.RecordSubmit("chart", status, time.Since(start))
	}()

	art, err := s.charts.RequestChart(ctx, req)
	if err != nil {
		s.logf("chart request failed: %v", err)
		s.notify(TitleChartError, err)
		return ChartReceived{}, err
	}
	status = "ok"

	got := ChartReceived{Response: art, ChartArguments: req}
	if s.events.OnChartReceived != nil {
		s.mu.Lock()
		s.events.OnChartReceived(got)
		s.mu.Unlock()
	}

	if s.history != nil {
		s.recordChart(ctx, got)
	}
	return got, nil
}

func (s *Session) recordChart(ctx context.Context, got ChartReceived) {
	args, err := json.Marshal(got.ChartArguments)
	if err != nil {
		s.logf("encode chart arguments: %v", err)
		return
	}
	n := 0
	if img, err := got.Response.Image(); err == nil {
		n = len(img)
	}
	if err := s.history.RecordChart(ctx, storage.ChartRecord{
		SessionID:  s.id,
		Arguments:  args,
		ImageBytes: n,
	}); err != nil {
		s.logf("record chart failed: %v", err)
	}
}

// IsValidation reports whether err is a submission-time argument failure.
func IsValidation(err error) bool {
	var ve *form.ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrNoSource)
}
