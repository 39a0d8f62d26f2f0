// Command chartform loads one dataset, fills in the chart form from flags and
// asks the chart service for an image.
//
// Usage:
//
//	chartform -data https://example.com/sales.json -x-axis year -y-axis sales -out sales.png
//	chartform -data sales.csv -x-axis region -y-axis sales -chart-type bar -as-json
//	cat sales.csv | chartform -x-axis region -y-axis sales > sales.png
//
// Edits are applied in form order, so each flag sees the options the earlier
// ones unlocked: axes, chart type, group-by function, group-by, then selects.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chartform/internal/chart"
	"chartform/internal/config"
	"chartform/internal/form"
	"chartform/internal/metrics"
	"chartform/internal/metrics/datadog"
	"chartform/internal/notify"
	"chartform/internal/session"
	"chartform/internal/source"
	"chartform/internal/table"
)

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdin           io.Reader
	StdinIsTerminal func() bool
	Stdout          io.Writer
	Stderr          io.Writer

	LoadConfig     func(files ...string) (config.Config, error)
	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
}

// runConfig holds the parsed flags.
type runConfig struct {
	Data           string
	XAxis          []string
	YAxis          []string
	XSelect        []string
	YSelect        []string
	ChartType      string
	GroupBy        string
	GroupByFunc    string
	ChartService   string
	Timeout        time.Duration
	Out            string
	AsJSON         bool
	MetricsBackend string
	DDTagsCSV      string
}

func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdin:           os.Stdin,
		StdinIsTerminal: stdinIsTerminal,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
		LoadConfig:      config.Load,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
	})
	os.Exit(code)
}

func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// run executes one chart request and returns an exit code.
//
// Exit codes:
//   - 0: chart written.
//   - 1: data fetch or chart request failed.
//   - 2: usage/configuration error, including edits the form rejects.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.StdinIsTerminal == nil {
		d.StdinIsTerminal = func() bool { return d.Stdin == nil }
	}
	if d.LoadConfig == nil || d.BackendFactory == nil {
		fmt.Fprintln(d.Stderr, "internal error: missing dependency")
		return 2
	}
	logger := log.New(d.Stderr, "", 0)

	rc, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}
	if rc.Data == "" && (d.Stdin == nil || d.StdinIsTerminal()) {
		fmt.Fprintln(d.Stderr, "missing required -data <url|path> (or pipe data on stdin)")
		return 2
	}

	cfg, err := d.LoadConfig()
	if err != nil {
		fmt.Fprintf(d.Stderr, "config: %v\n", err)
		return 2
	}
	if rc.ChartService != "" {
		cfg.ChartServiceURL = rc.ChartService
	}
	if rc.Timeout > 0 {
		cfg.ChartServiceTimeout = rc.Timeout
		cfg.SourceTimeout = rc.Timeout
	}
	if rc.MetricsBackend != "" {
		cfg.MetricsBackend = strings.ToLower(rc.MetricsBackend)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MetricsBackend == "datadog" {
		tags := append(append([]string{}, cfg.MetricsTags...), datadog.ParseTagsCSV(rc.DDTagsCSV)...)
		tags = append(tags, "tool:chartform")
		backend, err := d.BackendFactory(ctx, "chartform", tags, cfg.MetricsFlushEvery)
		if err != nil {
			fmt.Fprintf(d.Stderr, "datadog backend init failed: %v\n", err)
			return 2
		}
		metrics.SetBackend(backend)
		defer func() {
			_ = metrics.Flush()
			_ = backend.Close()
		}()
	}

	charts, err := chart.NewClient(chart.ClientOptions{
		Endpoint: cfg.ChartServiceURL,
		Timeout:  cfg.ChartServiceTimeout,
	})
	if err != nil {
		fmt.Fprintf(d.Stderr, "chart client init failed: %v\n", err)
		return 2
	}
	sess, err := session.New(session.Options{
		ID:     "cli",
		Source: source.NewHTTP(source.HTTPOptions{Timeout: cfg.SourceTimeout, MaxBytes: cfg.SourceMaxBytes}),
		Charts: charts,
		Notify: notify.LogSink{Logger: logger},
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(d.Stderr, "session init failed: %v\n", err)
		return 2
	}

	t, err := loadData(ctx, sess, rc.Data, d.Stdin)
	if err != nil {
		fmt.Fprintf(d.Stderr, "load data: %v\n", err)
		return 1
	}
	if len(t.Fields) == 0 {
		fmt.Fprintln(d.Stderr, "load data: no fields found")
		return 1
	}

	if err := applyEdits(sess, rc); err != nil {
		fmt.Fprintf(d.Stderr, "%v\nfields: %s\n", err, strings.Join(t.Fields, ", "))
		return 2
	}

	got, err := sess.SubmitChart(ctx)
	if err != nil {
		if session.IsValidation(err) {
			fmt.Fprintf(d.Stderr, "%v\nfields: %s\n", err, strings.Join(t.Fields, ", "))
			return 2
		}
		fmt.Fprintf(d.Stderr, "chart request failed: %v\n", err)
		return 1
	}

	if err := writeArtifact(d.Stdout, rc, got.Response); err != nil {
		fmt.Fprintf(d.Stderr, "write output: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("chartform", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var rc runConfig
	var xAxis, yAxis, xSelect, ySelect string
	fs.StringVar(&rc.Data, "data", "", "Data URL (http/https) or file path; stdin when omitted")
	fs.StringVar(&xAxis, "x-axis", "", "Comma-separated X axis fields")
	fs.StringVar(&yAxis, "y-axis", "", "Comma-separated Y axis fields")
	fs.StringVar(&xSelect, "x-select", "", "Comma-separated X values to keep (single-field X axis only)")
	fs.StringVar(&ySelect, "y-select", "", "Comma-separated Y values to keep (single-field Y axis only)")
	fs.StringVar(&rc.ChartType, "chart-type", "", "Chart type: line, bar or scatter")
	fs.StringVar(&rc.GroupBy, "group-by", "", "Group-by field (scatter charts only)")
	fs.StringVar(&rc.GroupByFunc, "group-by-func", "", "Group-by function: sum, max, min, prod, first or last")
	fs.StringVar(&rc.ChartService, "chart-service", "", "Chart rendering endpoint (overrides CHART_SERVICE_URL)")
	fs.DurationVar(&rc.Timeout, "timeout", 0, "Per-request timeout for data and chart requests (e.g. 30s)")
	fs.StringVar(&rc.Out, "out", "", "Output file; stdout when empty or -")
	fs.BoolVar(&rc.AsJSON, "as-json", false, "Write {imageBase64, sourceData} JSON instead of PNG bytes")
	fs.StringVar(&rc.MetricsBackend, "metrics-backend", "", "Metrics backend: none or datadog (overrides METRICS_BACKEND)")
	fs.StringVar(&rc.DDTagsCSV, "dd_tags", "", "Extra Datadog tags CSV (e.g. env:prod,team:data)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}
	if fs.NArg() > 0 {
		return runConfig{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	rc.XAxis = splitList(xAxis)
	rc.YAxis = splitList(yAxis)
	rc.XSelect = splitList(xSelect)
	rc.YSelect = splitList(ySelect)

	if rc.ChartType != "" {
		if _, err := form.ParseChartType(rc.ChartType); err != nil {
			return runConfig{}, errors.New("-chart-type must be one of line, bar, scatter")
		}
	}
	if rc.GroupByFunc != "" {
		if _, err := form.ParseGroupByFunction(rc.GroupByFunc); err != nil {
			return runConfig{}, errors.New("-group-by-func must be one of sum, max, min, prod, first, last")
		}
	}
	if rc.Timeout < 0 {
		return runConfig{}, errors.New("-timeout must be >= 0")
	}
	return rc, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// loadData ingests from a URL, a file or stdin (data == "").
func loadData(ctx context.Context, sess *session.Session, data string, stdin io.Reader) (table.Table, error) {
	if isURL(data) {
		return sess.LoadURL(ctx, data)
	}

	var (
		name, filetype string
		content        []byte
		err            error
	)
	if data == "" {
		name = "stdin"
		content, err = io.ReadAll(stdin)
	} else {
		name = filepath.Base(data)
		filetype = mime.TypeByExtension(filepath.Ext(data))
		content, err = os.ReadFile(data)
	}
	if err != nil {
		return table.Table{}, err
	}
	return sess.AttachFile(ctx, name, filetype, content)
}

// applyEdits applies the flag values in form order.
func applyEdits(sess *session.Session, rc runConfig) error {
	if len(rc.XAxis) > 0 {
		if err := sess.Apply(form.AxisEdit(form.FieldXAxis, rc.XAxis...)); err != nil {
			return fmt.Errorf("-x-axis: %w", err)
		}
	}
	if len(rc.YAxis) > 0 {
		if err := sess.Apply(form.AxisEdit(form.FieldYAxis, rc.YAxis...)); err != nil {
			return fmt.Errorf("-y-axis: %w", err)
		}
	}
	if rc.ChartType != "" {
		if err := sess.Apply(form.TextEdit(form.FieldChartType, rc.ChartType)); err != nil {
			return fmt.Errorf("-chart-type: %w", err)
		}
	}
	if rc.GroupByFunc != "" {
		if err := sess.Apply(form.TextEdit(form.FieldGroupByFunction, rc.GroupByFunc)); err != nil {
			return fmt.Errorf("-group-by-func: %w", err)
		}
	}
	if rc.GroupBy != "" {
		if err := sess.Apply(form.TextEdit(form.FieldGroupBy, rc.GroupBy)); err != nil {
			return fmt.Errorf("-group-by: %w", err)
		}
	}
	if len(rc.XSelect) > 0 {
		values := matchOptions(sess.Options(form.AxisX), rc.XSelect)
		if err := sess.Apply(form.SelectEdit(form.FieldXSelect, values...)); err != nil {
			return fmt.Errorf("-x-select: %w", err)
		}
	}
	if len(rc.YSelect) > 0 {
		values := matchOptions(sess.Options(form.AxisY), rc.YSelect)
		if err := sess.Apply(form.SelectEdit(form.FieldYSelect, values...)); err != nil {
			return fmt.Errorf("-y-select: %w", err)
		}
	}
	return nil
}

// matchOptions maps flag tokens onto option values by their printed form, so
// "2021" selects a numeric 2021. Unmatched tokens pass through and are
// rejected by the form.
func matchOptions(options []any, tokens []string) []any {
	byText := make(map[string]any, len(options))
	for _, o := range options {
		k := fmt.Sprint(o)
		if _, dup := byText[k]; !dup {
			byText[k] = o
		}
	}
	out := make([]any, 0, len(tokens))
	for _, tok := range tokens {
		if v, ok := byText[tok]; ok {
			out = append(out, v)
		} else {
			out = append(out, tok)
		}
	}
	return out
}

func writeArtifact(stdout io.Writer, rc runConfig, art chart.Artifact) error {
	var body []byte
	if rc.AsJSON {
		b, err := json.Marshal(art)
		if err != nil {
			return err
		}
		body = append(b, '\n')
	} else {
		img, err := art.Image()
		if err != nil {
			return err
		}
		body = img
	}

	if rc.Out == "" || rc.Out == "-" {
		_, err := stdout.Write(body)
		return err
	}
	if dir := filepath.Dir(rc.Out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(rc.Out, body, 0o644)
}
