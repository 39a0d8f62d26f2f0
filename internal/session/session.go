// Package session ties one user's chart workflow together: the data source
// descriptor, the ingested table and its form, and the two submission paths
// (data and chart) with their in-flight flags.
//
// Collaborators are injected through Options:
//   - source.DataSource fetches URL content
//   - chart.Service renders charts
//   - notify.Sink receives user-facing failures
//   - History (optional) records successful ingestions and charts
//
// Concurrency:
//   - Session is safe for concurrent use. Edits and reads are serialized by a
//     mutex that is not held while a fetch or chart request is in flight.
//   - Each workflow admits one request at a time; a second submission of the
//     same workflow while one is in flight fails with ErrBusy. The data and
//     chart workflows run independently of each other.
//   - Event callbacks run synchronously while the mutex is held and must not
//     call back into the Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"chartform/internal/chart"
	"chartform/internal/form"
	"chartform/internal/notify"
	"chartform/internal/source"
	"chartform/internal/storage"
	"chartform/internal/table"
)

var (
	// ErrBusy is returned when the same workflow already has a request in flight.
	ErrBusy = errors.New("session: request already in flight")
	// ErrNoSource is returned when a submission needs a URL or file and has none.
	ErrNoSource = errors.New("session: no data source selected")
)

// Notification titles.
const (
	TitleDataError    = "Error fetching data"
	TitleFileError    = "Error reading file"
	TitleChartError   = "Error fetching chart"
	TitleInvalidChart = "Invalid chart arguments"
)

// ChartReceived pairs a chart with the exact payload that produced it.
type ChartReceived struct {
	Response       chart.Artifact `json:"response"`
	ChartArguments chart.Request  `json:"chartArguments"`
}

// Events are the session's outbound notifications. All are optional.
type Events struct {
	OnDataIngested     func(t table.Table)
	OnArgumentsChanged func(args form.Arguments)
	OnOptionsPublished func(axis form.Axis, options []any)
	OnChartReceived    func(c ChartReceived)
}

// History records successful work. storage.Repository satisfies it.
type History interface {
	RecordIngestion(ctx context.Context, rec storage.IngestionRecord) error
	RecordChart(ctx context.Context, rec storage.ChartRecord) error
}

// Options configures a Session.
type Options struct {
	ID      string
	Source  source.DataSource
	Charts  chart.Service
	Notify  notify.Sink
	History History
	Events  Events

	Logger *log.Logger
	Now    func() time.Time
}

// Session is one user's chart workflow.
type Session struct {
	id      string
	src     source.DataSource
	charts  chart.Service
	sink    notify.Sink
	history History
	events  Events
	logger  *log.Logger
	now     func() time.Time

	mu           sync.Mutex
	desc         Descriptor
	fileText     string
	pendingURL   *string
	machine      *form.Machine
	loadingData  bool
	loadingChart bool
}

// New builds a Session with default form state and no data source.
//
// Errors:
//   - Source and Charts are required.
func New(opts Options) (*Session, error) {
	if opts.Source == nil {
		return nil, errors.New("session: Source is required")
	}
	if opts.Charts == nil {
		return nil, errors.New("session: Charts is required")
	}
	s := &Session{
		id:      opts.ID,
		src:     opts.Source,
		charts:  opts.Charts,
		sink:    opts.Notify,
		history: opts.History,
		events:  opts.Events,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if s.sink == nil {
		s.sink = notify.LogSink{Logger: opts.Logger}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.machine = form.New(form.Hooks{
		OptionsPublished: s.events.OnOptionsPublished,
		ArgumentsChanged: s.events.OnArgumentsChanged,
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Snapshot is a consistent read of the whole session.
type Snapshot struct {
	ID           string         `json:"id"`
	Descriptor   Descriptor     `json:"descriptor"`
	PendingURL   *string        `json:"pendingUrl,omitempty"`
	Table        table.Table    `json:"table"`
	Form         form.State     `json:"form"`
	Arguments    form.Arguments `json:"arguments"`
	LoadingData  bool           `json:"loadingData"`
	LoadingChart bool           `json:"loadingChart"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		Descriptor:   s.desc.clone(),
		PendingURL:   cloneString(s.pendingURL),
		Table:        s.machine.Table(),
		Form:         s.machine.State(),
		Arguments:    s.machine.Arguments(),
		LoadingData:  s.loadingData,
		LoadingChart: s.loadingChart,
	}
}

// Loading reports the two in-flight flags.
func (s *Session) Loading() (loadingData, loadingChart bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadingData, s.loadingChart
}

func (s *Session) Descriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc.clone()
}

func (s *Session) Arguments() form.Arguments {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Arguments()
}

func (s *Session) Options(axis form.Axis) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Options(axis)
}

// Apply forwards one form edit. See form.Machine.Apply.
func (s *Session) Apply(e form.Edit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Apply(e)
}

// SetURL selects a URL for the next SubmitData. It does not fetch. The
// descriptor, and any attached file, is replaced only once that fetch
// succeeds; until then the URL is reported as PendingURL.
func (s *Session) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingURL = &url
}

// PendingURL returns the URL chosen by SetURL that has not been fetched
// successfully yet, or nil.
func (s *Session) PendingURL() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneString(s.pendingURL)
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// LoadURL is SetURL followed by SubmitData.
func (s *Session) LoadURL(ctx context.Context, url string) (table.Table, error) {
	s.SetURL(url)
	return s.SubmitData(ctx)
}

func (s *Session) notify(title string, err error) {
	msg := err.Error()
	if msg == "" {
		msg = "Unknown error"
	}
	s.sink.Notify(notify.Notification{
		Title:   title,
		Message: msg,
		Status:  notify.StatusDanger,
		At:      s.now(),
	})
}

func (s *Session) logf(format string, args ...any) {
	s.logger.Printf("session: %s: %s", s.id, fmt.Sprintf(format, args...))
}
