package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 500
)

// ClampLimit maps a caller-supplied limit into [1, MaxListLimit]; values <= 0
// mean DefaultListLimit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// Prepare fills ID and CreatedAt and normalizes Fields to a non-nil slice.
func (r IngestionRecord) Prepare(now time.Time) IngestionRecord {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if r.Fields == nil {
		r.Fields = []string{}
	}
	return r
}

// Prepare fills ID and CreatedAt and replaces empty Arguments with JSON null.
func (r ChartRecord) Prepare(now time.Time) ChartRecord {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if len(r.Arguments) == 0 {
		r.Arguments = json.RawMessage("null")
	}
	return r
}

// EncodeFields renders fields as a JSON array for text columns.
func EncodeFields(fields []string) string {
	if fields == nil {
		fields = []string{}
	}
	b, _ := json.Marshal(fields)
	return string(b)
}

// DecodeFields parses EncodeFields output. Invalid input yields an empty list.
func DecodeFields(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}
