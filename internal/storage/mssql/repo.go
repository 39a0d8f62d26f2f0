package mssql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chartform/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Schema:
//   - fields and arguments are NVARCHAR(MAX) JSON text
//   - timestamps are DATETIMEOFFSET
//
// Note on driver registration:
//   - This package does not blank-import a SQL Server driver. Import
//     internal/storage/all (or github.com/microsoft/go-mssqldb) so that the
//     "sqlserver" driver is registered before New runs.
type Repo struct {
	db  dbConn
	now func() time.Time
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and verifies it with PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: raw, now: time.Now}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range buildSchemaSQL() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("mssql schema: %w", err)
		}
	}
	return nil
}

func (r *Repo) RecordIngestion(ctx context.Context, rec storage.IngestionRecord) error {
	q, args := buildInsertIngestionSQL(rec.Prepare(r.now()))
	_, err := r.db.ExecContext(ctx, q, args...)
	return err
}

func (r *Repo) RecordChart(ctx context.Context, rec storage.ChartRecord) error {
	q, args := buildInsertChartSQL(rec.Prepare(r.now()))
	_, err := r.db.ExecContext(ctx, q, args...)
	return err
}

func (r *Repo) ListCharts(ctx context.Context, limit int) ([]storage.ChartRecord, error) {
	q, args := buildListChartsSQL(limit)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []storage.ChartRecord{}
	for rows.Next() {
		var (
			rec  storage.ChartRecord
			args string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &args, &rec.ImageBytes, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Arguments = json.RawMessage(args)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func buildSchemaSQL() []string {
	return []string{
		wrapCreateIfMissing(storage.IngestionsTable, `
	id NVARCHAR(64) NOT NULL PRIMARY KEY,
	session_id NVARCHAR(64) NOT NULL,
	source NVARCHAR(2048) NOT NULL,
	format NVARCHAR(16) NOT NULL,
	fields NVARCHAR(MAX) NOT NULL,
	row_count INT NOT NULL,
	created_at DATETIMEOFFSET NOT NULL`),
		wrapCreateIfMissing(storage.ChartsTable, `
	id NVARCHAR(64) NOT NULL PRIMARY KEY,
	session_id NVARCHAR(64) NOT NULL,
	arguments NVARCHAR(MAX) NOT NULL,
	image_bytes INT NOT NULL,
	created_at DATETIMEOFFSET NOT NULL`),
	}
}

// wrapCreateIfMissing guards CREATE TABLE with OBJECT_ID, since SQL Server has
// no CREATE TABLE IF NOT EXISTS.
func wrapCreateIfMissing(table, defs string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\nCREATE TABLE %s (%s\n)",
		strings.ReplaceAll(table, "'", "''"), mssqlTableIdent(table), defs)
}

func buildInsertIngestionSQL(rec storage.IngestionRecord) (string, []any) {
	cols := []string{"id", "session_id", "source", "format", "fields", "row_count", "created_at"}
	args := []any{rec.ID, rec.SessionID, rec.Source, rec.Format, storage.EncodeFields(rec.Fields), rec.RowCount, rec.CreatedAt}
	return buildInsertSQL(storage.IngestionsTable, cols), args
}

func buildInsertChartSQL(rec storage.ChartRecord) (string, []any) {
	cols := []string{"id", "session_id", "arguments", "image_bytes", "created_at"}
	args := []any{rec.ID, rec.SessionID, string(rec.Arguments), rec.ImageBytes, rec.CreatedAt}
	return buildInsertSQL(storage.ChartsTable, cols), args
}

// buildInsertSQL renders a single-row INSERT with @pN placeholders.
func buildInsertSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	b.WriteString(")")
	return b.String()
}

func buildListChartsSQL(limit int) (string, []any) {
	q := `SELECT TOP (@p1) id, session_id, arguments, image_bytes, created_at FROM ` + mssqlTableIdent(storage.ChartsTable) +
		` ORDER BY created_at DESC, id DESC`
	return q, []any{storage.ClampLimit(limit)}
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.charts" -> [dbo].[charts]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// dbConn is the subset of *sql.DB the repository uses.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

var _ storage.Repository = (*Repo)(nil)
