package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chartform/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Timestamps are stored as fixed-width UTC RFC3339 TEXT so that ORDER BY on
// the column is chronological and values round-trip through modernc.org/sqlite
// without affinity surprises.
type Repo struct {
	db  *sql.DB
	now func() time.Time
}

func init() {
	storage.Register("sqlite", New)
}

// New opens cfg.DSN. An empty DSN opens a private in-memory database.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db, now: time.Now}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaSQL() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

func schemaSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + sqlIdent(storage.IngestionsTable) + ` (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	source TEXT NOT NULL,
	format TEXT NOT NULL,
	fields TEXT NOT NULL,
	row_count INTEGER NOT NULL,
	created_at TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS ` + sqlIdent(storage.ChartsTable) + ` (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	arguments TEXT NOT NULL,
	image_bytes INTEGER NOT NULL,
	created_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS ` + sqlIdent(storage.ChartsTable+"_created_at") +
			` ON ` + sqlIdent(storage.ChartsTable) + ` (created_at)`,
	}
}

func (r *Repo) RecordIngestion(ctx context.Context, rec storage.IngestionRecord) error {
	rec = rec.Prepare(r.now())
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+sqlIdent(storage.IngestionsTable)+
			` (id, session_id, source, format, fields, row_count, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Source, rec.Format, storage.EncodeFields(rec.Fields), rec.RowCount, formatSQLiteTime(rec.CreatedAt),
	)
	return err
}

func (r *Repo) RecordChart(ctx context.Context, rec storage.ChartRecord) error {
	rec = rec.Prepare(r.now())
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO `+sqlIdent(storage.ChartsTable)+
			` (id, session_id, arguments, image_bytes, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, string(rec.Arguments), rec.ImageBytes, formatSQLiteTime(rec.CreatedAt),
	)
	return err
}

func (r *Repo) ListCharts(ctx context.Context, limit int) ([]storage.ChartRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, arguments, image_bytes, created_at FROM `+sqlIdent(storage.ChartsTable)+
			` ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		storage.ClampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []storage.ChartRecord{}
	for rows.Next() {
		var (
			rec     storage.ChartRecord
			args    string
			created string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &args, &rec.ImageBytes, &created); err != nil {
			return nil, err
		}
		rec.Arguments = json.RawMessage(args)
		if rec.CreatedAt, err = parseSQLiteTime(created); err != nil {
			return nil, fmt.Errorf("chart %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatSQLiteTime formats t in UTC with fixed-width nanoseconds.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339 with or without fractional seconds (what we write)
//   - "2006-01-02 15:04:05Z07:00" and its fractional variant
//   - "2006-01-02 15:04:05" (interpreted as UTC, the CURRENT_TIMESTAMP form)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var _ storage.Repository = (*Repo)(nil)
