// Package metrics is the process-wide metrics facade used by the chart
// session and its HTTP collaborators. Callers record through the package
// functions; a backend (Datadog, or the default no-op) is installed once at
// startup with SetBackend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives recorded metrics.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

// Metric names. Backends ignore names they do not know.
const (
	IngestTotal             = "chartform_ingest_total"
	SubmitTotal             = "chartform_submit_total"
	SubmitDurationSeconds   = "chartform_submit_duration_seconds"
	HTTPRequestsTotal       = "chartform_http_requests_total"
	HTTPErrorsTotal         = "chartform_http_errors_total"
	HTTPRequestDurationSecs = "chartform_http_request_duration_seconds"
	HTTPResponseDurationSec = "chartform_http_response_duration_seconds"
	HTTPDownloadBytes       = "chartform_http_download_bytes"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend when it buffers; otherwise it is a no-op.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordIngest counts one ingestion by the strategy that produced the table.
func RecordIngest(format string) {
	IncCounter(IngestTotal, 1, Labels{"format": format})
}

// RecordSubmit counts one data or chart submission and its duration.
// kind is "data" or "chart"; status is "ok" or "error".
func RecordSubmit(kind, status string, d time.Duration) {
	l := Labels{"kind": kind, "status": status}
	IncCounter(SubmitTotal, 1, l)
	ObserveHistogram(SubmitDurationSeconds, d.Seconds(), l)
}

// RecordHTTP records one outbound HTTP request.
//
// Edge cases:
//   - status 0 (no response) is labelled "error".
//   - request/response durations and size < 0 mean "unknown" and are skipped.
func RecordHTTP(status int, err error, request, response time.Duration, size int64) {
	st := "error"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"status": st}

	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status == 0 || status >= 400 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	if request >= 0 {
		ObserveHistogram(HTTPRequestDurationSecs, request.Seconds(), l)
	}
	if response >= 0 {
		ObserveHistogram(HTTPResponseDurationSec, response.Seconds(), l)
	}
	if size >= 0 {
		ObserveHistogram(HTTPDownloadBytes, float64(size), l)
	}
}
