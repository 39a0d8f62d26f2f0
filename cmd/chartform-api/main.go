// Command chartform-api serves chart sessions over HTTP.
//
// Configuration comes from the environment (and an optional .env file); the
// flags below override individual values. See internal/config for the keys.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chartform/internal/api"
	"chartform/internal/chart"
	"chartform/internal/config"
	"chartform/internal/metrics"
	"chartform/internal/metrics/datadog"
	"chartform/internal/source"
	"chartform/internal/storage"
	_ "chartform/internal/storage/all"

	"github.com/gin-gonic/gin"
)

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	LoadConfig     func(files ...string) (config.Config, error)
	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	OpenStorage    func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	Serve          func(ctx context.Context, addr string, h http.Handler) error
}

// runConfig holds the parsed flags. Empty values leave the environment's
// setting in place.
type runConfig struct {
	EnvFile        string
	Port           string
	ChartService   string
	StorageKind    string
	StorageDSN     string
	MetricsBackend string
	DDTagsCSV      string
	ValidateOnly   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], deps{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		LoadConfig: config.Load,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		OpenStorage: storage.Open,
		Serve:       serve,
	})
	os.Exit(code)
}

// run starts the API server and blocks until ctx is cancelled or the listener
// fails.
//
// Exit codes:
//   - 0: clean shutdown (or -validate with a valid configuration).
//   - 1: the server failed while running.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.LoadConfig == nil || d.OpenStorage == nil || d.Serve == nil || d.BackendFactory == nil {
		fmt.Fprintln(d.Stderr, "internal error: missing dependency")
		return 2
	}
	logger := log.New(d.Stderr, "", log.LstdFlags)

	rc, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	var files []string
	if rc.EnvFile != "" {
		files = append(files, rc.EnvFile)
	}
	cfg, err := d.LoadConfig(files...)
	if err != nil {
		fmt.Fprintf(d.Stderr, "config: %v\n", err)
		return 2
	}
	rc.apply(&cfg)

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(d.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintln(d.Stderr, "configuration is invalid")
		return 2
	}
	if rc.ValidateOnly {
		fmt.Fprintln(d.Stdout, "configuration is valid")
		return 0
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	switch cfg.MetricsBackend {
	case "datadog":
		tags := append(append([]string{}, cfg.MetricsTags...), datadog.ParseTagsCSV(rc.DDTagsCSV)...)
		tags = append(tags, "tool:chartform-api")
		backend, err := d.BackendFactory(ctx, "chartform", tags, cfg.MetricsFlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return 2
		}
		logger.Printf("metrics: backend=datadog flush_every=%v", cfg.MetricsFlushEvery)
		metrics.SetBackend(backend)
		defer func() {
			_ = metrics.Flush()
			_ = backend.Close()
		}()
	default:
		logger.Printf("metrics: backend=none")
	}

	var history api.History
	if cfg.StorageKind != "" {
		repo, err := d.OpenStorage(ctx, storage.Config{Kind: cfg.StorageKind, DSN: cfg.StorageDSN})
		if err != nil {
			fmt.Fprintf(d.Stderr, "storage init failed: %v\n", err)
			return 2
		}
		defer repo.Close()
		logger.Printf("storage: kind=%s", cfg.StorageKind)
		history = repo
	}

	var src source.DataSource = source.NewHTTP(source.HTTPOptions{
		Timeout:  cfg.SourceTimeout,
		MaxBytes: cfg.SourceMaxBytes,
	})
	if cfg.SourceCacheTTL > 0 {
		src = source.NewCached(src, cfg.SourceCacheTTL)
	}

	charts, err := chart.NewClient(chart.ClientOptions{
		Endpoint: cfg.ChartServiceURL,
		Timeout:  cfg.ChartServiceTimeout,
	})
	if err != nil {
		fmt.Fprintf(d.Stderr, "chart client init failed: %v\n", err)
		return 2
	}

	gin.SetMode(cfg.GinMode)
	srv, err := api.New(api.Options{
		Source:      src,
		Charts:      charts,
		History:     history,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(d.Stderr, "api init failed: %v\n", err)
		return 2
	}

	addr := ":" + cfg.Port
	logger.Printf("server starting on %s (chart service %s)", addr, cfg.ChartServiceURL)
	if err := d.Serve(ctx, addr, srv.Handler()); err != nil {
		fmt.Fprintf(d.Stderr, "server failed: %v\n", err)
		return 1
	}
	logger.Printf("server stopped")
	return 0
}

func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("chartform-api", flag.ContinueOnError)

	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var rc runConfig
	fs.StringVar(&rc.EnvFile, "env-file", "", "Load this .env file instead of ./.env")
	fs.StringVar(&rc.Port, "port", "", "Listen port (overrides PORT)")
	fs.StringVar(&rc.ChartService, "chart-service", "", "Chart rendering endpoint (overrides CHART_SERVICE_URL)")
	fs.StringVar(&rc.StorageKind, "storage", "", "History backend: sqlite, postgres or mssql (overrides STORAGE_KIND)")
	fs.StringVar(&rc.StorageDSN, "storage-dsn", "", "History DSN (overrides STORAGE_DSN)")
	fs.StringVar(&rc.MetricsBackend, "metrics-backend", "", "Metrics backend: none or datadog (overrides METRICS_BACKEND)")
	fs.StringVar(&rc.DDTagsCSV, "dd_tags", "", "Extra Datadog tags CSV (e.g. env:prod,team:data)")
	fs.BoolVar(&rc.ValidateOnly, "validate", false, "Validate the configuration and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}
	if fs.NArg() > 0 {
		return runConfig{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return rc, nil
}

// apply overrides cfg with every flag that was set.
func (rc runConfig) apply(cfg *config.Config) {
	if rc.Port != "" {
		cfg.Port = rc.Port
	}
	if rc.ChartService != "" {
		cfg.ChartServiceURL = rc.ChartService
	}
	if rc.StorageKind != "" {
		cfg.StorageKind = strings.ToLower(rc.StorageKind)
	}
	if rc.StorageDSN != "" {
		cfg.StorageDSN = rc.StorageDSN
	}
	if rc.MetricsBackend != "" {
		cfg.MetricsBackend = strings.ToLower(rc.MetricsBackend)
	}
}

// serve runs an http.Server until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
