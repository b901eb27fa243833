// Package loadtest drives upload and ranged-read traffic against a running
// segment store and tracks latency baselines between runs.
package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds configuration for a load test run.
type Config struct {
	BaseURL             string
	SegmentPrefix       string // Segment keys are created under this prefix
	NumWorkers          int
	Duration            time.Duration
	QPS                 int   // Requests per second per worker
	SegmentSize         int64 // Size of test segments in bytes
	ChunkSize           int64 // Server chunk size, used to aim ranges at chunk boundaries
	BaselineFile        string
	RegressionThreshold float64 // Max allowed regression percentage
	Client              *http.Client
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SegmentPrefix == "" {
		out.SegmentPrefix = "loadtest"
	}
	if out.NumWorkers <= 0 {
		out.NumWorkers = 1
	}
	if out.QPS <= 0 {
		out.QPS = 1
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = 4 * 1024 * 1024
	}
	if out.Client == nil {
		out.Client = &http.Client{Timeout: 60 * time.Second}
	}
	return out
}

// Scenario is one kind of ranged read.
type Scenario struct {
	Name         string
	RangeHeader  string
	ExpectedCode int
	// start and end select the expected body from the test segment.
	start, end int64
}

// RangeScenarios returns the ranged reads issued against a segment of the
// given size.
func RangeScenarios(segmentSize, chunkSize int64) []Scenario {
	span := min(int64(1024), segmentSize)
	boundary := min(chunkSize, segmentSize/2)
	crossStart := max(0, boundary-span/2)
	crossEnd := min(segmentSize, crossStart+span)

	return []Scenario{
		{
			Name:         "first_chunk",
			RangeHeader:  fmt.Sprintf("bytes=0-%d", span-1),
			ExpectedCode: http.StatusPartialContent,
			start:        0,
			end:          span,
		},
		{
			Name:         "last_chunk",
			RangeHeader:  fmt.Sprintf("bytes=%d-%d", segmentSize-span, segmentSize-1),
			ExpectedCode: http.StatusPartialContent,
			start:        segmentSize - span,
			end:          segmentSize,
		},
		{
			Name:         "suffix",
			RangeHeader:  fmt.Sprintf("bytes=-%d", span),
			ExpectedCode: http.StatusPartialContent,
			start:        segmentSize - span,
			end:          segmentSize,
		},
		{
			Name:         "cross_chunk",
			RangeHeader:  fmt.Sprintf("bytes=%d-%d", crossStart, crossEnd-1),
			ExpectedCode: http.StatusPartialContent,
			start:        crossStart,
			end:          crossEnd,
		},
		{
			Name:         "large_range",
			RangeHeader:  fmt.Sprintf("bytes=%d-%d", segmentSize/4, segmentSize/2),
			ExpectedCode: http.StatusPartialContent,
			start:        segmentSize / 4,
			end:          segmentSize/2 + 1,
		},
		{
			Name:         "invalid_range",
			RangeHeader:  fmt.Sprintf("bytes=%d-", segmentSize),
			ExpectedCode: http.StatusRequestedRangeNotSatisfiable,
		},
	}
}

// Metrics holds the results of one run.
type Metrics struct {
	Timestamp          time.Time      `json:"timestamp"`
	TestName           string         `json:"test_name"`
	Duration           time.Duration  `json:"duration"`
	TotalRequests      int64          `json:"total_requests"`
	SuccessfulRequests int64          `json:"successful_requests"`
	FailedRequests     int64          `json:"failed_requests"`
	P50Latency         time.Duration  `json:"p50_latency"`
	P95Latency         time.Duration  `json:"p95_latency"`
	P99Latency         time.Duration  `json:"p99_latency"`
	AvgLatency         time.Duration  `json:"avg_latency"`
	MinLatency         time.Duration  `json:"min_latency"`
	MaxLatency         time.Duration  `json:"max_latency"`
	Throughput         float64        `json:"throughput_req_per_sec"`
	TotalBytesSent     int64          `json:"total_bytes_sent"`
	TotalBytesReceived int64          `json:"total_bytes_received"`
	ErrorRate          float64        `json:"error_rate"`
	RangeSpecific      *RangeMetrics  `json:"range_specific,omitempty"`
	UploadSpecific     *UploadMetrics `json:"upload_specific,omitempty"`
}

// RangeMetrics counts ranged reads per scenario.
type RangeMetrics struct {
	FirstChunkRanges int64 `json:"first_chunk_ranges"`
	LastChunkRanges  int64 `json:"last_chunk_ranges"`
	SuffixRanges     int64 `json:"suffix_ranges"`
	CrossChunkRanges int64 `json:"cross_chunk_ranges"`
	LargeRanges      int64 `json:"large_ranges"`
	InvalidRanges    int64 `json:"invalid_ranges"`
	// Responses whose body differed from the uploaded bytes.
	ContentMismatches int64 `json:"content_mismatches"`
}

// UploadMetrics describes upload runs.
type UploadMetrics struct {
	TotalUploads  int64 `json:"total_uploads"`
	FailedDeletes int64 `json:"failed_deletes"`
}

// RegressionResult holds the result of regression analysis.
type RegressionResult struct {
	TestName              string
	BaselineMetrics       *Metrics
	CurrentMetrics        *Metrics
	LatencyRegression     float64 // Percentage change in latency
	ThroughputRegression  float64 // Percentage change in throughput
	ErrorRateRegression   float64 // Percentage points
	SignificantRegression bool
	Details               []string
}

// recorder accumulates per-request results from all workers.
type recorder struct {
	total, ok, failed atomic.Int64
	sent, received    atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (r *recorder) success(latency time.Duration) {
	r.ok.Add(1)
	r.mu.Lock()
	r.latencies = append(r.latencies, latency)
	r.mu.Unlock()
}

func (r *recorder) metrics(name string, elapsed time.Duration) *Metrics {
	m := &Metrics{
		Timestamp:          time.Now(),
		TestName:           name,
		Duration:           elapsed,
		TotalRequests:      r.total.Load(),
		SuccessfulRequests: r.ok.Load(),
		FailedRequests:     r.failed.Load(),
		TotalBytesSent:     r.sent.Load(),
		TotalBytesReceived: r.received.Load(),
	}

	r.mu.Lock()
	latencies := slices.Clone(r.latencies)
	r.mu.Unlock()
	if len(latencies) > 0 {
		slices.Sort(latencies)
		m.MinLatency = latencies[0]
		m.MaxLatency = latencies[len(latencies)-1]
		m.AvgLatency = averageLatency(latencies)
		m.P50Latency = percentileLatency(latencies, 0.5)
		m.P95Latency = percentileLatency(latencies, 0.95)
		m.P99Latency = percentileLatency(latencies, 0.99)
	}
	if elapsed > 0 {
		m.Throughput = float64(m.TotalRequests) / elapsed.Seconds()
	}
	if m.TotalRequests > 0 {
		m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests)
	}
	return m
}

// runWorkers calls fn from NumWorkers goroutines at the configured rate
// until the duration elapses or ctx is cancelled.
func runWorkers(ctx context.Context, cfg Config, fn func(ctx context.Context, worker int, seq int64)) time.Duration {
	interval := time.Second / time.Duration(cfg.QPS)
	if interval <= 0 {
		interval = time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			var seq int64
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn(ctx, worker, seq)
					seq++
				}
			}
		}(i)
	}
	wg.Wait()
	return time.Since(start)
}

// segmentData returns the deterministic contents of a test segment.
func segmentData(size int64, seed int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i + seed) % 251)
	}
	return data
}

func (c *Config) segmentURL(key string) string {
	return fmt.Sprintf("%s/segments/%s/%s", c.BaseURL, c.SegmentPrefix, key)
}

func putSegment(ctx context.Context, client *http.Client, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload failed with status %d", resp.StatusCode)
	}
	return nil
}

func deleteSegment(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("delete failed with status %d", resp.StatusCode)
	}
	return nil
}

// RunRangeLoadTest uploads one segment and reads ranges of it until the
// configured duration elapses. Every partial response is compared with
// the uploaded bytes.
func RunRangeLoadTest(ctx context.Context, config Config, logger logrus.FieldLogger) (*Metrics, error) {
	cfg := config.withDefaults()
	if cfg.SegmentSize <= 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", cfg.SegmentSize)
	}

	logger.WithFields(logrus.Fields{
		"workers":      cfg.NumWorkers,
		"duration":     cfg.Duration,
		"qps":          cfg.QPS,
		"segment_size": cfg.SegmentSize,
		"chunk_size":   cfg.ChunkSize,
	}).Info("Starting range load test")

	data := segmentData(cfg.SegmentSize, 0)
	url := cfg.segmentURL("range-segment")
	if err := putSegment(ctx, cfg.Client, url, data); err != nil {
		return nil, fmt.Errorf("failed to prepare test segment: %w", err)
	}
	defer func() {
		if err := deleteSegment(context.Background(), cfg.Client, url); err != nil {
			logger.WithError(err).Warn("Failed to delete test segment")
		}
	}()
	logger.Info("Prepared test segment for range testing")

	scenarios := RangeScenarios(cfg.SegmentSize, cfg.ChunkSize)
	rec := &recorder{}
	ranges := &RangeMetrics{}

	elapsed := runWorkers(ctx, cfg, func(ctx context.Context, worker int, seq int64) {
		scenario := scenarios[(int64(worker)+seq)%int64(len(scenarios))]

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			rec.failed.Add(1)
			return
		}
		req.Header.Set("Range", scenario.RangeHeader)

		start := time.Now()
		resp, err := cfg.Client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				rec.total.Add(1)
				rec.failed.Add(1)
			}
			return
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		latency := time.Since(start)
		if err != nil && ctx.Err() != nil {
			return
		}
		rec.total.Add(1)
		rec.received.Add(int64(len(body)))

		if err != nil || resp.StatusCode != scenario.ExpectedCode {
			rec.failed.Add(1)
			logger.WithFields(logrus.Fields{
				"scenario": scenario.Name,
				"status":   resp.StatusCode,
			}).Debug("Unexpected range response")
			return
		}
		if scenario.ExpectedCode == http.StatusPartialContent && !bytes.Equal(body, data[scenario.start:scenario.end]) {
			atomic.AddInt64(&ranges.ContentMismatches, 1)
			rec.failed.Add(1)
			return
		}

		recordRangeMetrics(ranges, scenario)
		rec.success(latency)
	})

	results := rec.metrics("range_load_test", elapsed)
	results.RangeSpecific = ranges
	return results, nil
}

// RunUploadLoadTest uploads and deletes fresh segments until the
// configured duration elapses. Latency covers the upload only.
func RunUploadLoadTest(ctx context.Context, config Config, logger logrus.FieldLogger) (*Metrics, error) {
	cfg := config.withDefaults()
	if cfg.SegmentSize <= 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", cfg.SegmentSize)
	}

	logger.WithFields(logrus.Fields{
		"workers":      cfg.NumWorkers,
		"duration":     cfg.Duration,
		"qps":          cfg.QPS,
		"segment_size": cfg.SegmentSize,
	}).Info("Starting upload load test")

	rec := &recorder{}
	uploads := &UploadMetrics{}

	elapsed := runWorkers(ctx, cfg, func(ctx context.Context, worker int, seq int64) {
		key := fmt.Sprintf("worker-%d/%020d", worker, seq)
		url := cfg.segmentURL(key)
		data := segmentData(cfg.SegmentSize, worker+int(seq))

		start := time.Now()
		err := putSegment(ctx, cfg.Client, url, data)
		latency := time.Since(start)
		if err != nil && ctx.Err() != nil {
			return
		}
		rec.total.Add(1)
		if err != nil {
			rec.failed.Add(1)
			logger.WithError(err).WithField("segment", key).Debug("Segment upload failed")
			return
		}
		rec.sent.Add(cfg.SegmentSize)
		atomic.AddInt64(&uploads.TotalUploads, 1)
		rec.success(latency)

		if err := deleteSegment(context.Background(), cfg.Client, url); err != nil {
			atomic.AddInt64(&uploads.FailedDeletes, 1)
		}
	})

	results := rec.metrics("upload_load_test", elapsed)
	results.UploadSpecific = uploads
	return results, nil
}

func recordRangeMetrics(m *RangeMetrics, scenario Scenario) {
	switch scenario.Name {
	case "first_chunk":
		atomic.AddInt64(&m.FirstChunkRanges, 1)
	case "last_chunk":
		atomic.AddInt64(&m.LastChunkRanges, 1)
	case "suffix":
		atomic.AddInt64(&m.SuffixRanges, 1)
	case "cross_chunk":
		atomic.AddInt64(&m.CrossChunkRanges, 1)
	case "large_range":
		atomic.AddInt64(&m.LargeRanges, 1)
	case "invalid_range":
		atomic.AddInt64(&m.InvalidRanges, 1)
	}
}

func averageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range latencies {
		total += lat
	}
	return total / time.Duration(len(latencies))
}

// percentileLatency expects sorted input.
func percentileLatency(sorted []time.Duration, percentile float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*percentile)]
}

// SaveBaseline writes metrics as the baseline for later runs.
func SaveBaseline(m *Metrics, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// LoadBaseline reads a baseline written by SaveBaseline.
func LoadBaseline(filename string) (*Metrics, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse baseline %s: %w", filename, err)
	}
	return &m, nil
}

// AnalyzeRegression compares current metrics against the baseline file.
// threshold is a percentage.
func AnalyzeRegression(current *Metrics, baselineFile string, threshold float64) (*RegressionResult, error) {
	baseline, err := LoadBaseline(baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline metrics: %w", err)
	}
	return compare(current, baseline, threshold), nil
}

func compare(current, baseline *Metrics, threshold float64) *RegressionResult {
	result := &RegressionResult{
		TestName:        current.TestName,
		BaselineMetrics: baseline,
		CurrentMetrics:  current,
	}

	if baseline.AvgLatency > 0 {
		change := float64(current.AvgLatency-baseline.AvgLatency) / float64(baseline.AvgLatency) * 100
		result.LatencyRegression = change
		if change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Latency regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	if baseline.Throughput > 0 {
		change := (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		result.ThroughputRegression = change
		if -change > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", change, threshold))
		}
	}

	change := current.ErrorRate - baseline.ErrorRate
	result.ErrorRateRegression = change * 100
	if change*100 > threshold {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", change*100))
	}

	return result
}

// PrintResults writes a human readable summary.
func PrintResults(w io.Writer, m *Metrics) {
	fmt.Fprintf(w, "\n=== %s Results ===\n", m.TestName)
	fmt.Fprintf(w, "Timestamp: %s\n", m.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %v\n", m.Duration)
	fmt.Fprintf(w, "Total Requests: %d\n", m.TotalRequests)
	fmt.Fprintf(w, "Successful: %d\n", m.SuccessfulRequests)
	fmt.Fprintf(w, "Failed: %d\n", m.FailedRequests)
	fmt.Fprintf(w, "Error Rate: %.2f%%\n", m.ErrorRate*100)
	fmt.Fprintf(w, "Throughput: %.2f req/s\n", m.Throughput)
	fmt.Fprintf(w, "Latency (avg): %v\n", m.AvgLatency)
	fmt.Fprintf(w, "Latency (p50): %v\n", m.P50Latency)
	fmt.Fprintf(w, "Latency (p95): %v\n", m.P95Latency)
	fmt.Fprintf(w, "Latency (p99): %v\n", m.P99Latency)
	fmt.Fprintf(w, "Min Latency: %v\n", m.MinLatency)
	fmt.Fprintf(w, "Max Latency: %v\n", m.MaxLatency)
	fmt.Fprintf(w, "Total Bytes Sent: %d\n", m.TotalBytesSent)
	fmt.Fprintf(w, "Total Bytes Received: %d\n", m.TotalBytesReceived)

	if r := m.RangeSpecific; r != nil {
		fmt.Fprintf(w, "\n--- Range-Specific Metrics ---\n")
		fmt.Fprintf(w, "First Chunk Ranges: %d\n", r.FirstChunkRanges)
		fmt.Fprintf(w, "Last Chunk Ranges: %d\n", r.LastChunkRanges)
		fmt.Fprintf(w, "Suffix Ranges: %d\n", r.SuffixRanges)
		fmt.Fprintf(w, "Cross-Chunk Ranges: %d\n", r.CrossChunkRanges)
		fmt.Fprintf(w, "Large Ranges: %d\n", r.LargeRanges)
		fmt.Fprintf(w, "Invalid Ranges: %d\n", r.InvalidRanges)
		fmt.Fprintf(w, "Content Mismatches: %d\n", r.ContentMismatches)
	}
	if u := m.UploadSpecific; u != nil {
		fmt.Fprintf(w, "\n--- Upload-Specific Metrics ---\n")
		fmt.Fprintf(w, "Total Uploads: %d\n", u.TotalUploads)
		fmt.Fprintf(w, "Failed Deletes: %d\n", u.FailedDeletes)
	}
	fmt.Fprintf(w, "==============================\n\n")
}

// PrintRegression writes regression analysis results.
func PrintRegression(w io.Writer, r *RegressionResult) {
	fmt.Fprintf(w, "\n=== Regression Analysis for %s ===\n", r.TestName)
	fmt.Fprintf(w, "Significant Regression: %t\n", r.SignificantRegression)
	fmt.Fprintf(w, "Latency Regression: %.2f%%\n", r.LatencyRegression)
	fmt.Fprintf(w, "Throughput Regression: %.2f%%\n", r.ThroughputRegression)
	fmt.Fprintf(w, "Error Rate Regression: %.2f percentage points\n", r.ErrorRateRegression)
	if len(r.Details) > 0 {
		fmt.Fprintf(w, "\nDetails:\n")
		for _, detail := range r.Details {
			fmt.Fprintf(w, "- %s\n", detail)
		}
	}
	fmt.Fprintf(w, "=====================================\n\n")
}
