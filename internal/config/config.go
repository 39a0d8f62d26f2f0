// Package config loads chartform settings from the environment, after an
// optional .env file, and validates them.
//
// Precedence: command-line flags (applied by the commands) > process
// environment > .env file > defaults.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the resolved runtime configuration.
type Config struct {
	Port string

	ChartServiceURL     string
	ChartServiceTimeout time.Duration

	SourceTimeout  time.Duration
	SourceCacheTTL time.Duration // 0, the default, disables the fetch cache
	SourceMaxBytes int64

	StorageKind string // empty disables history
	StorageDSN  string

	MetricsBackend    string // "none" or "datadog"
	MetricsTags       []string
	MetricsFlushEvery time.Duration

	GinMode     string
	CORSOrigins []string

	// invalid holds values that could not be parsed; Validate reports them.
	invalid []Issue
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:                "8080",
		ChartServiceURL:     "http://localhost:8000/chart",
		ChartServiceTimeout: 60 * time.Second,
		SourceTimeout:       30 * time.Second,
		SourceCacheTTL:      0,
		SourceMaxBytes:      32 << 20,
		MetricsBackend:      "none",
		MetricsFlushEvery:   60 * time.Second,
		GinMode:             "release",
		CORSOrigins:         []string{"*"},
	}
}

// Load reads the named .env files (".env" when none are named) into the
// process environment without overriding variables that are already set, then
// builds a Config from the environment.
//
// Errors:
//   - A missing default ".env" is not an error; a missing named file is.
//   - Malformed values are not errors here; Validate reports them.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else if err := godotenv.Load(files...); err != nil {
		return Config{}, err
	}
	return FromEnv(os.Getenv), nil
}

// FromEnv builds a Config from getenv, starting from Defaults.
func FromEnv(getenv func(string) string) Config {
	c := Defaults()
	e := env{get: getenv, c: &c}

	c.Port = e.str("PORT", c.Port)
	c.ChartServiceURL = e.str("CHART_SERVICE_URL", c.ChartServiceURL)
	c.ChartServiceTimeout = e.duration("CHART_SERVICE_TIMEOUT", c.ChartServiceTimeout)
	c.SourceTimeout = e.duration("SOURCE_TIMEOUT", c.SourceTimeout)
	c.SourceCacheTTL = e.duration("SOURCE_CACHE_TTL", c.SourceCacheTTL)
	c.SourceMaxBytes = e.int64("SOURCE_MAX_BYTES", c.SourceMaxBytes)
	c.StorageKind = strings.ToLower(e.str("STORAGE_KIND", c.StorageKind))
	c.StorageDSN = e.str("STORAGE_DSN", c.StorageDSN)
	c.MetricsBackend = strings.ToLower(e.str("METRICS_BACKEND", c.MetricsBackend))
	c.MetricsTags = e.list("METRICS_TAGS", c.MetricsTags)
	c.MetricsFlushEvery = e.duration("METRICS_FLUSH_EVERY", c.MetricsFlushEvery)
	c.GinMode = e.str("GIN_MODE", c.GinMode)
	c.CORSOrigins = e.list("CORS_ORIGINS", c.CORSOrigins)
	return c
}

type env struct {
	get func(string) string
	c   *Config
}

func (e env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.c.invalid = append(e.c.invalid, Issue{SeverityError, key, "invalid duration " + strconv.Quote(v)})
		return def
	}
	return d
}

func (e env) int64(key string, def int64) int64 {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.c.invalid = append(e.c.invalid, Issue{SeverityError, key, "invalid integer " + strconv.Quote(v)})
		return def
	}
	return n
}

// list splits a comma-separated value, trimming and dropping empty items.
func (e env) list(key string, def []string) []string {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
