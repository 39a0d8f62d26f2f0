package config

import (
	"net/url"
	"os"
	"strconv"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the environment variable name.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// StorageKinds are the history backends a build can register.
var StorageKinds = []string{"sqlite", "postgres", "mssql"}

// Validate checks c and returns every finding, errors and warnings mixed, in a
// stable order. Callers refuse to start when HasErrors is true.
func Validate(c Config) []Issue {
	issues := append([]Issue(nil), c.invalid...)
	add := func(sev Severity, path, msg string) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: msg})
	}

	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		add(SeverityError, "PORT", "must be a TCP port number, got "+strconv.Quote(c.Port))
	}

	if u, err := url.Parse(c.ChartServiceURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add(SeverityError, "CHART_SERVICE_URL", "must be an absolute http(s) URL, got "+strconv.Quote(c.ChartServiceURL))
	}
	if c.ChartServiceTimeout <= 0 {
		add(SeverityError, "CHART_SERVICE_TIMEOUT", "must be > 0")
	}
	if c.SourceTimeout <= 0 {
		add(SeverityError, "SOURCE_TIMEOUT", "must be > 0")
	}
	if c.SourceCacheTTL < 0 {
		add(SeverityError, "SOURCE_CACHE_TTL", "must be >= 0 (0 disables the cache)")
	}
	if c.SourceMaxBytes == 0 {
		add(SeverityWarning, "SOURCE_MAX_BYTES", "0 means the default limit; use a negative value to disable it")
	}

	switch c.StorageKind {
	case "":
		if c.StorageDSN != "" {
			add(SeverityWarning, "STORAGE_DSN", "set without STORAGE_KIND; history is disabled")
		}
	case "sqlite":
		if c.StorageDSN == "" {
			add(SeverityWarning, "STORAGE_DSN", "empty for sqlite; history is kept in memory only")
		}
	case "postgres", "mssql":
		if c.StorageDSN == "" {
			add(SeverityError, "STORAGE_DSN", "required for STORAGE_KIND="+c.StorageKind)
		}
	default:
		add(SeverityError, "STORAGE_KIND", "unsupported "+strconv.Quote(c.StorageKind)+"; want one of sqlite, postgres, mssql")
	}

	switch c.MetricsBackend {
	case "none", "":
	case "datadog":
		if os.Getenv("DD_API_KEY") == "" {
			add(SeverityWarning, "METRICS_BACKEND", "datadog selected but DD_API_KEY is not set; submissions will fail")
		}
		if c.MetricsFlushEvery <= 0 {
			add(SeverityError, "METRICS_FLUSH_EVERY", "must be > 0")
		}
	default:
		add(SeverityError, "METRICS_BACKEND", "unsupported "+strconv.Quote(c.MetricsBackend)+"; want none or datadog")
	}

	switch c.GinMode {
	case "debug", "release", "test":
	default:
		add(SeverityError, "GIN_MODE", "want debug, release or test, got "+strconv.Quote(c.GinMode))
	}

	if len(c.CORSOrigins) == 0 {
		add(SeverityWarning, "CORS_ORIGINS", "empty; browsers on other origins cannot call the API")
	}
	return issues
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
