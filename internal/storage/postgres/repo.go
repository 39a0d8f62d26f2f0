package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chartform/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

Schema:
  - fields are stored as TEXT[]
  - chart arguments as JSONB
  - timestamps as TIMESTAMPTZ

Tables are created unqualified; pick a schema with search_path in the DSN.
*/
type Repo struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pgx connection pool for cfg.DSN and verifies it with Ping.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool, now: time.Now}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureSchema runs every DDL statement in one transaction.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres schema: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range buildSchemaSQL() {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) RecordIngestion(ctx context.Context, rec storage.IngestionRecord) error {
	q, args := buildInsertIngestionSQL(rec.Prepare(r.now()))
	_, err := r.pool.Exec(ctx, q, args...)
	return err
}

func (r *Repo) RecordChart(ctx context.Context, rec storage.ChartRecord) error {
	q, args := buildInsertChartSQL(rec.Prepare(r.now()))
	_, err := r.pool.Exec(ctx, q, args...)
	return err
}

func (r *Repo) ListCharts(ctx context.Context, limit int) ([]storage.ChartRecord, error) {
	q, args := buildListChartsSQL(limit)
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.ChartRecord, error) {
		var (
			rec  storage.ChartRecord
			args []byte
		)
		if err := row.Scan(&rec.ID, &rec.SessionID, &args, &rec.ImageBytes, &rec.CreatedAt); err != nil {
			return rec, err
		}
		rec.Arguments = json.RawMessage(args)
		rec.CreatedAt = rec.CreatedAt.UTC()
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []storage.ChartRecord{}
	}
	return out, nil
}

// The builders below are pure so that DDL, placeholder numbering and casts can
// be tested without a database.

func buildSchemaSQL() []string {
	ing, ch := pgIdent(storage.IngestionsTable), pgIdent(storage.ChartsTable)
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + ing + ` (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	source TEXT NOT NULL,
	format TEXT NOT NULL,
	fields TEXT[] NOT NULL,
	row_count INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + ch + ` (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	arguments JSONB NOT NULL,
	image_bytes INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS ` + pgIdent(storage.ChartsTable+"_created_at_idx") + ` ON ` + ch + ` (created_at DESC)`,
	}
}

func buildInsertIngestionSQL(rec storage.IngestionRecord) (string, []any) {
	cols := []string{"id", "session_id", "source", "format", "fields", "row_count", "created_at"}
	args := []any{rec.ID, rec.SessionID, rec.Source, rec.Format, rec.Fields, rec.RowCount, rec.CreatedAt}
	return buildInsertSQL(storage.IngestionsTable, cols, nil, len(args)), args
}

func buildInsertChartSQL(rec storage.ChartRecord) (string, []any) {
	cols := []string{"id", "session_id", "arguments", "image_bytes", "created_at"}
	args := []any{rec.ID, rec.SessionID, string(rec.Arguments), rec.ImageBytes, rec.CreatedAt}
	return buildInsertSQL(storage.ChartsTable, cols, map[int]string{3: "jsonb"}, len(args)), args
}

// buildInsertSQL renders a single-row INSERT with $n placeholders. casts maps
// a 1-based placeholder number to a type cast.
func buildInsertSQL(table string, columns []string, casts map[int]string, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES (")
	for p := 1; p <= n; p++ {
		if p > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", p)
		if c, ok := casts[p]; ok {
			b.WriteString("::")
			b.WriteString(c)
		}
	}
	b.WriteString(")")
	return b.String()
}

func buildListChartsSQL(limit int) (string, []any) {
	q := `SELECT id, session_id, arguments, image_bytes, created_at FROM ` + pgIdent(storage.ChartsTable) +
		` ORDER BY created_at DESC, id DESC LIMIT $1`
	return q, []any{storage.ClampLimit(limit)}
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var _ storage.Repository = (*Repo)(nil)
