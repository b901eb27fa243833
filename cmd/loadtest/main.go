package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/tiered-segment-store/internal/loadtest"
)

type options struct {
	baseURL        string
	testType       string
	duration       time.Duration
	workers        int
	qps            int
	segmentSize    int64
	chunkSize      int64
	baselineDir    string
	threshold      float64
	prometheusURL  string
	verbose        bool
	updateBaseline bool
}

var errRegression = errors.New("significant regression detected")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Run load tests against a tiered segment store",
		Long: `Run range and upload load tests against a running segment store and
compare the results with stored baselines.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "url", "http://localhost:8080", "Segment store URL")
	f.StringVar(&opts.testType, "test-type", "both", "Test type: range, upload, or both")
	f.DurationVar(&opts.duration, "duration", 30*time.Second, "Test duration")
	f.IntVar(&opts.workers, "workers", 5, "Number of worker goroutines")
	f.IntVar(&opts.qps, "qps", 25, "Requests per second per worker")
	f.Int64Var(&opts.segmentSize, "segment-size", 16*1024*1024, "Segment size in bytes")
	f.Int64Var(&opts.chunkSize, "chunk-size", 4*1024*1024, "Chunk size configured on the server")
	f.StringVar(&opts.baselineDir, "baseline-dir", "testdata/baselines", "Directory for baseline files")
	f.Float64Var(&opts.threshold, "threshold", 10.0, "Regression threshold percentage")
	f.StringVar(&opts.prometheusURL, "prometheus-url", "", "Prometheus URL for server-side metrics")
	f.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	f.BoolVar(&opts.updateBaseline, "update-baseline", false, "Update baseline files instead of checking regression")
	return cmd
}

func run(ctx context.Context, out io.Writer, opts *options) error {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if opts.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	switch opts.testType {
	case "range", "upload", "both":
	default:
		return fmt.Errorf("invalid test type %q", opts.testType)
	}

	fmt.Fprintln(out, "=== Tiered Segment Store Load Test Runner ===")
	fmt.Fprintf(out, "URL: %s\n", opts.baseURL)
	fmt.Fprintf(out, "Test Type: %s\n", opts.testType)
	fmt.Fprintf(out, "Duration: %v\n", opts.duration)
	fmt.Fprintf(out, "Workers: %d\n", opts.workers)
	fmt.Fprintf(out, "QPS per Worker: %d\n", opts.qps)
	fmt.Fprintf(out, "Regression Threshold: %.1f%%\n\n", opts.threshold)

	cfg := loadtest.Config{
		BaseURL:             opts.baseURL,
		NumWorkers:          opts.workers,
		Duration:            opts.duration,
		QPS:                 opts.qps,
		SegmentSize:         opts.segmentSize,
		ChunkSize:           opts.chunkSize,
		RegressionThreshold: opts.threshold,
	}

	type testRun struct {
		name string
		fn   func(context.Context, loadtest.Config, logrus.FieldLogger) (*loadtest.Metrics, error)
	}
	var runs []testRun
	if opts.testType != "upload" {
		runs = append(runs, testRun{"range", loadtest.RunRangeLoadTest})
	}
	if opts.testType != "range" {
		runs = append(runs, testRun{"upload", loadtest.RunUploadLoadTest})
	}

	started := time.Now()
	var errs []error
	for _, r := range runs {
		fmt.Fprintf(out, "--- Running %s load test ---\n", r.name)
		c := cfg
		c.BaselineFile = filepath.Join(opts.baselineDir, r.name+"_load_test_baseline.json")
		if err := runOne(ctx, out, c, r.fn, opts, logger); err != nil {
			errs = append(errs, fmt.Errorf("%s load test: %w", r.name, err))
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "=== Load Tests Complete (Total Time: %v) ===\n", time.Since(started).Round(time.Millisecond))
	return errors.Join(errs...)
}

func runOne(ctx context.Context, out io.Writer, cfg loadtest.Config,
	fn func(context.Context, loadtest.Config, logrus.FieldLogger) (*loadtest.Metrics, error),
	opts *options, logger *logrus.Logger) error {

	results, err := fn(ctx, cfg, logger)
	if err != nil {
		return err
	}
	loadtest.PrintResults(out, results)

	if opts.prometheusURL != "" {
		promMetrics, err := loadtest.QueryPrometheusMetrics(ctx, opts.prometheusURL, time.Now(), logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			fmt.Fprintln(out, "--- Prometheus Metrics ---")
			for name, value := range promMetrics {
				fmt.Fprintf(out, "%s: %v\n", name, value)
			}
			fmt.Fprintln(out)
		}
	}

	if opts.updateBaseline {
		if err := loadtest.SaveBaseline(results, cfg.BaselineFile); err != nil {
			return fmt.Errorf("failed to save baseline: %w", err)
		}
		fmt.Fprintf(out, "Baseline updated: %s\n", cfg.BaselineFile)
		return nil
	}

	regression, err := loadtest.AnalyzeRegression(results, cfg.BaselineFile, cfg.RegressionThreshold)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(out, "No baseline found, run with --update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis failed: %w", err)
	}
	loadtest.PrintRegression(out, regression)
	if regression.SignificantRegression {
		return errRegression
	}
	return nil
}
