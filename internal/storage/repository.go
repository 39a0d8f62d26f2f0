// Package storage records ingestion and chart history behind a backend-agnostic
// Repository. Backends (sqlite, postgres, mssql) register themselves from
// init(); import internal/storage/all to get every backend and driver.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must match a registered backend kind.
//   - DSN is passed through to the backend; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// IngestionRecord describes one successfully ingested dataset.
type IngestionRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Source    string    `json:"source"` // URL, or the uploaded filename
	Format    string    `json:"format"` // "json" or "csv"
	Fields    []string  `json:"fields"`
	RowCount  int       `json:"rowCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChartRecord describes one chart returned by the chart service.
type ChartRecord struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	Arguments  json.RawMessage `json:"arguments"` // the exact payload sent
	ImageBytes int             `json:"imageBytes"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Repository persists history.
//
// Every backend implements the same semantics:
//   - EnsureSchema is idempotent (create-if-missing).
//   - Record* fill an empty ID with a new UUID and a zero CreatedAt with now.
//   - ListCharts returns newest first, at most limit records (see ClampLimit).
type Repository interface {
	// Close releases backend resources. Call once.
	Close()

	EnsureSchema(ctx context.Context) error
	RecordIngestion(ctx context.Context, rec IngestionRecord) error
	RecordChart(ctx context.Context, rec ChartRecord) error
	ListCharts(ctx context.Context, limit int) ([]ChartRecord, error)
}

// Table names shared by every backend.
const (
	IngestionsTable = "chartform_ingestions"
	ChartsTable     = "chartform_charts"
)

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under kind. Call it from init().
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens a Repository with the backend registered for cfg.Kind.
//
// Errors:
//   - cfg.Kind is empty or unregistered.
//   - Whatever the backend factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Open calls New and then EnsureSchema, closing the repository on failure.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	r, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := r.EnsureSchema(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("storage: ensure schema (%s): %w", cfg.Kind, err)
	}
	return r, nil
}
