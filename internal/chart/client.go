package chart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"chartform/internal/metrics"
)

// ClientOptions configures an HTTP chart client.
type ClientOptions struct {
	// Endpoint receives the POSTed Request. Required.
	Endpoint string
	// Client is used for requests. When nil, one with Timeout is built.
	Client *http.Client
	// Timeout bounds each request when Client is nil. Defaults to 60s; chart
	// rendering is slower than a data fetch.
	Timeout time.Duration
}

// Client talks to the chart service over HTTP JSON.
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient validates opts and builds a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("chart: endpoint is required")
	}
	c := opts.Client
	if c == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		c = &http.Client{Timeout: timeout}
	}
	return &Client{endpoint: opts.Endpoint, client: c}, nil
}

// RequestChart POSTs req and decodes the artifact.
//
// Errors:
//   - Every failure is a *ServiceError. Non-2xx responses carry StatusCode
//     and the body's "message" or "error" text when it is JSON.
//   - A 2xx response without imageBase64 is a failure.
func (c *Client) RequestChart(ctx context.Context, req Request) (Artifact, error) {
	start := time.Now()
	status := 0
	reqDur, respDur := time.Duration(-1), time.Duration(-1)
	size := int64(-1)
	var reqErr error
	defer func() {
		metrics.RecordHTTP(status, reqErr, reqDur, respDur, size)
	}()

	fail := func(err error, msg string) (Artifact, error) {
		reqErr = &ServiceError{StatusCode: status, Message: msg, Err: err}
		return Artifact{}, reqErr
	}

	if err := req.Check(); err != nil {
		return fail(err, "")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fail(err, "")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(err, "")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fail(err, "")
	}
	defer resp.Body.Close()
	reqDur = time.Since(start)
	status = resp.StatusCode

	raw, err := io.ReadAll(resp.Body)
	size = int64(len(raw))
	respDur = time.Since(start)
	if err != nil {
		return fail(err, "")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(nil, errorMessage(raw))
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return fail(err, "")
	}
	if a.ImageBase64 == "" {
		return fail(nil, "chart service returned no image")
	}
	return a, nil
}

func errorMessage(raw []byte) string {
	var v struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &v) != nil {
		return ""
	}
	if v.Message != "" {
		return v.Message
	}
	return v.Error
}

var _ Service = (*Client)(nil)
