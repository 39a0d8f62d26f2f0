// Package notify carries user-facing error notifications out of the chart
// session. The session receives a Sink; it never looks one up globally.
package notify

import (
	"log"
	"sync"
	"time"
)

// Status is the severity shown with a notification.
type Status string

const (
	StatusDanger  Status = "danger"
	StatusWarning Status = "warning"
	StatusInfo    Status = "info"
)

// Notification is one message for the user.
type Notification struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Status  Status    `json:"status"`
	At      time.Time `json:"at"`
}

// Sink surfaces notifications to the user.
type Sink interface {
	Notify(n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(n Notification)

func (f SinkFunc) Notify(n Notification) { f(n) }

// LogSink writes notifications to a logger (log.Default when nil).
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Notify(n Notification) {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf("notify: %s: %s: %s", n.Status, n.Title, n.Message)
}

// Recorder keeps the most recent notifications in memory so a polling client
// can fetch them.
//
// Concurrency:
//   - Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	max   int
	items []Notification
}

// NewRecorder keeps at most max notifications (default 32 when max <= 0).
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 32
	}
	return &Recorder{max: max}
}

func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if over := len(r.items) - r.max; over > 0 {
		r.items = append([]Notification(nil), r.items[over:]...)
	}
}

// Recent returns a copy of the retained notifications, oldest first.
func (r *Recorder) Recent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Drain returns and forgets the retained notifications.
func (r *Recorder) Drain() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.items
	r.items = nil
	return out
}

// Tee fans a notification out to several sinks. nil sinks are skipped.
type Tee []Sink

func (t Tee) Notify(n Notification) {
	for _, s := range t {
		if s != nil {
			s.Notify(n)
		}
	}
}
