// Package source fetches raw tabular text for ingestion.
//
// A DataSource turns a URL into text; the session hands that text to
// table.Ingest unchanged. The HTTP implementation also normalizes what
// servers actually return:
//   - non-UTF-8 bodies are decoded using the Content-Type charset
//   - HTML pages are reduced to their first <table>, rendered as CSV
//
// Uploaded files never go through a DataSource; see ReadUpload.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"chartform/internal/metrics"

	"golang.org/x/text/encoding/htmlindex"
)

// DataSource returns the raw text behind a URL.
type DataSource interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Error is a failed fetch. Message is the server-provided explanation when the
// response carried one.
type Error struct {
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return "fetch " + e.URL + ": failed"
}

func (e *Error) Unwrap() error { return e.Err }

// ErrTooLarge is wrapped by Error when a body exceeds MaxBytes.
var ErrTooLarge = errors.New("source: response too large")

// HTTPOptions configures an HTTP fetcher.
type HTTPOptions struct {
	// Client is used for requests. When nil, a client with Timeout is built.
	Client *http.Client
	// Timeout bounds each fetch when Client is nil. Defaults to 30s.
	Timeout time.Duration
	// MaxBytes caps the body size. Defaults to 32 MiB; negative disables the cap.
	MaxBytes int64
}

// HTTP fetches over net/http. It is safe for concurrent use.
type HTTP struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTP builds an HTTP fetcher, applying HTTPOptions defaults.
func NewHTTP(opts HTTPOptions) *HTTP {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
			},
		}
	}
	maxBytes := opts.MaxBytes
	if maxBytes == 0 {
		maxBytes = 32 << 20
	}
	return &HTTP{client: client, maxBytes: maxBytes}
}

// Fetch GETs rawURL and returns its body as text.
//
// Errors:
//   - Every failure is an *Error. Non-2xx responses carry StatusCode and, when
//     the body is JSON with "message" or "error", that text as Message.
//
// Metrics:
//   - One metrics.RecordHTTP per call, including failed requests.
func (h *HTTP) Fetch(ctx context.Context, rawURL string) (string, error) {
	start := time.Now()
	status := 0
	reqDur, respDur := time.Duration(-1), time.Duration(-1)
	size := int64(-1)
	var fetchErr error
	defer func() {
		metrics.RecordHTTP(status, fetchErr, reqDur, respDur, size)
	}()

	fail := func(err error, msg string) (string, error) {
		fetchErr = &Error{URL: rawURL, StatusCode: status, Message: msg, Err: err}
		return "", fetchErr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(err, "")
	}
	req.Header.Set("Accept", "application/json, text/csv, text/html;q=0.8, */*;q=0.5")

	resp, err := h.client.Do(req)
	if err != nil {
		return fail(err, "")
	}
	defer resp.Body.Close()
	reqDur = time.Since(start)
	status = resp.StatusCode

	body, err := h.readBody(resp.Body)
	size = int64(len(body))
	respDur = time.Since(start)
	if err != nil {
		return fail(err, "")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(nil, serverMessage(body))
	}

	text, err := decodeBody(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return fail(err, "")
	}
	return text, nil
}

func (h *HTTP) readBody(r io.Reader) ([]byte, error) {
	if h.maxBytes < 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, h.maxBytes+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > h.maxBytes {
		return body[:h.maxBytes], fmt.Errorf("%w: more than %d bytes", ErrTooLarge, h.maxBytes)
	}
	return body, nil
}

// serverMessage extracts {"message": ...} or {"error": ...} from an error body.
func serverMessage(body []byte) string {
	var v struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	if v.Message != "" {
		return v.Message
	}
	return v.Error
}

// decodeBody converts body to UTF-8 text and flattens HTML tables to CSV.
func decodeBody(body []byte, contentType string) (string, error) {
	mediaType, params, _ := mime.ParseMediaType(contentType)

	if cs := strings.ToLower(strings.TrimSpace(params["charset"])); cs != "" && cs != "utf-8" && cs != "utf8" {
		enc, err := htmlindex.Get(cs)
		if err != nil {
			return "", fmt.Errorf("source: unsupported charset %q: %w", cs, err)
		}
		decoded, err := enc.NewDecoder().Bytes(body)
		if err != nil {
			return "", fmt.Errorf("source: decode %s: %w", cs, err)
		}
		body = decoded
	}

	if mediaType == "text/html" || mediaType == "application/xhtml+xml" || looksLikeHTML(body) {
		if text, ok, err := htmlTableCSV(string(body)); err != nil {
			return "", err
		} else if ok {
			return text, nil
		}
	}
	return string(body), nil
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}
