// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Flushing:
//   - metrics are buffered in memory under a mutex
//   - Flush() runs on a ticker (default once per minute) and once more on Close()
//
// The API server is long-running, so periodic submission gives a time series
// instead of one spike at shutdown. The one-shot CLI relies on the final flush.
//
// Concurrency model:
//   - request goroutines call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets buffers under the mutex, then submits out-of-lock
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"chartform/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "chartform".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:chartform"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams; production never sets them.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the one method of *datadogV2.MetricsApi the backend
// needs, so tests can capture payloads without HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	ingestCounts map[string]float64   // format -> count
	submitCounts map[string]float64   // kind\x00status -> count
	submitDur    map[string][]float64 // kind\x00status -> seconds

	httpReqCounts map[string]float64 // status -> count
	httpErrCounts map[string]float64 // status -> count
	httpReqDur    map[string][]float64
	httpRespDur   map[string][]float64
	httpDownloadB map[string][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client and starts
// its flush loop.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "chartform".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Client construction does not fail; network errors surface from Flush().
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "chartform"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
	}
	b.resetLocked()

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush().
// Close must be called once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend. Unknown names and non-positive
// deltas are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.IngestTotal:
		format := labels["format"]
		if format == "" {
			return
		}
		b.ingestCounts[format] += delta

	case metrics.SubmitTotal:
		b.submitCounts[pairKey(labels["kind"], labels["status"])] += delta

	case metrics.HTTPRequestsTotal:
		b.httpReqCounts[statusOf(labels)] += delta

	case metrics.HTTPErrorsTotal:
		b.httpErrCounts[statusOf(labels)] += delta
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names and negative
// values are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.SubmitDurationSeconds:
		k := pairKey(labels["kind"], labels["status"])
		b.submitDur[k] = append(b.submitDur[k], value)

	case metrics.HTTPRequestDurationSecs:
		s := statusOf(labels)
		b.httpReqDur[s] = append(b.httpReqDur[s], value)

	case metrics.HTTPResponseDurationSec:
		s := statusOf(labels)
		b.httpRespDur[s] = append(b.httpRespDur[s], value)

	case metrics.HTTPDownloadBytes:
		s := statusOf(labels)
		b.httpDownloadB[s] = append(b.httpDownloadB[s], value)
	}
}

func statusOf(l metrics.Labels) string {
	if s := l["status"]; s != "" {
		return s
	}
	return "unknown"
}

// snapshot is the detached buffer state of one flush window.
type snapshot struct {
	ingestCounts map[string]float64
	submitCounts map[string]float64
	submitDur    map[string][]float64

	httpReqCounts map[string]float64
	httpErrCounts map[string]float64
	httpReqDur    map[string][]float64
	httpRespDur   map[string][]float64
	httpDownloadB map[string][]float64
}

func (b *Backend) resetLocked() {
	b.ingestCounts = make(map[string]float64)
	b.submitCounts = make(map[string]float64)
	b.submitDur = make(map[string][]float64)
	b.httpReqCounts = make(map[string]float64)
	b.httpErrCounts = make(map[string]float64)
	b.httpReqDur = make(map[string][]float64)
	b.httpRespDur = make(map[string][]float64)
	b.httpDownloadB = make(map[string][]float64)
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		ingestCounts:  b.ingestCounts,
		submitCounts:  b.submitCounts,
		submitDur:     b.submitDur,
		httpReqCounts: b.httpReqCounts,
		httpErrCounts: b.httpErrCounts,
		httpReqDur:    b.httpReqDur,
		httpRespDur:   b.httpRespDur,
		httpDownloadB: b.httpDownloadB,
	}
	b.resetLocked()
	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.ingestCounts) == 0 &&
		len(s.submitCounts) == 0 &&
		len(s.submitDur) == 0 &&
		len(s.httpReqCounts) == 0 &&
		len(s.httpErrCounts) == 0 &&
		len(s.httpReqDur) == 0 &&
		len(s.httpRespDur) == 0 &&
		len(s.httpDownloadB) == 0
}

// Flush submits buffered metrics and resets local buffers.
//
// Errors:
//   - Returns any error from Datadog submission; nil when there is nothing to submit.
//
// Edge cases:
//   - Buffers are reset even if submission fails; delivery is at most once.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries turns a snapshot into Datadog series at a fixed timestamp. It is
// pure, and it owns the naming and tagging contract.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, 16)

	for format, v := range s.ingestCounts {
		series = append(series, countSeries("chartform.ingest.total", v, withTags(b.baseTags, "format:"+format), nowUnix))
	}

	for k, v := range s.submitCounts {
		kind, status := splitPairKey(k)
		tags := withTags(b.baseTags, "kind:"+kind, "status:"+status)
		series = append(series, countSeries("chartform.submit.total", v, tags, nowUnix))
	}
	for k, samples := range s.submitDur {
		kind, status := splitPairKey(k)
		tags := withTags(b.baseTags, "kind:"+kind, "status:"+status)
		addPercentiles(&series, "chartform.submit.duration_seconds", samples, tags, nowUnix)
	}

	for status, v := range s.httpReqCounts {
		series = append(series, countSeries("chartform.http.requests.total", v, withTags(b.baseTags, "status:"+status), nowUnix))
	}
	for status, v := range s.httpErrCounts {
		series = append(series, countSeries("chartform.http.errors.total", v, withTags(b.baseTags, "status:"+status), nowUnix))
	}

	httpHistograms := []struct {
		prefix string
		data   map[string][]float64
	}{
		{"chartform.http.request_duration_seconds", s.httpReqDur},
		{"chartform.http.response_duration_seconds", s.httpRespDur},
		{"chartform.http.download_bytes", s.httpDownloadB},
	}
	for _, h := range httpHistograms {
		for status, samples := range h.data {
			addPercentiles(&series, h.prefix, samples, withTags(b.baseTags, "status:"+status), nowUnix)
		}
	}

	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges for samples.
// It sorts a copy; samples is not mutated. Empty samples add nothing.
func addPercentiles(series *[]datadogV2.MetricSeries, prefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(prefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(prefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(prefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(prefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(prefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(prefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (a, b string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:chartform".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
