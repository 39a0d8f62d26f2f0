// Package chart is the client side of the chart rendering service.
//
// The service receives one JSON argument payload and answers with a rendered
// image plus the aggregated data it was drawn from:
//
//	{"imageBase64": "<png>", "sourceData": {...}}
package chart

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"chartform/internal/form"
	"chartform/internal/source"
)

// Service renders charts.
type Service interface {
	RequestChart(ctx context.Context, req Request) (Artifact, error)
}

// Request is the full payload sent to the service: the data source descriptor
// merged with the form's argument set. Exactly one of URL and DataBase64 is set.
type Request struct {
	URL        *string
	DataBase64 *source.FilePayload
	Args       form.Arguments
}

type wireRequest struct {
	URL        *string             `json:"url"`
	DataBase64 *source.FilePayload `json:"dataBase64"`
	form.Arguments
}

// MarshalJSON flattens the descriptor and arguments into one object.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRequest{URL: r.URL, DataBase64: r.DataBase64, Arguments: r.Args})
}

func (r *Request) UnmarshalJSON(b []byte) error {
	var w wireRequest
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Request{URL: w.URL, DataBase64: w.DataBase64, Args: w.Arguments}
	return nil
}

// ErrNoDescriptor is returned for a Request with neither or both of URL and
// DataBase64.
var ErrNoDescriptor = errors.New("chart: exactly one of url or dataBase64 is required")

// Check reports whether the descriptor is well formed.
func (r Request) Check() error {
	hasURL := r.URL != nil && *r.URL != ""
	if hasURL == (r.DataBase64 != nil) {
		return ErrNoDescriptor
	}
	return nil
}

// Artifact is a rendered chart.
type Artifact struct {
	ImageBase64 string          `json:"imageBase64"`
	SourceData  json.RawMessage `json:"sourceData,omitempty"`
}

// Image decodes ImageBase64.
func (a Artifact) Image() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(a.ImageBase64)
	if err != nil {
		return nil, fmt.Errorf("chart: decode image: %w", err)
	}
	return b, nil
}

// ServiceError is a failed chart request.
type ServiceError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.StatusCode != 0:
		return fmt.Sprintf("chart service: HTTP %d", e.StatusCode)
	case e.Err != nil:
		return "chart service: " + e.Err.Error()
	}
	return "chart service: request failed"
}

func (e *ServiceError) Unwrap() error { return e.Err }
