package loadtest

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
)

// serverQueries are evaluated against the segment store's own metrics at
// the end of a run.
var serverQueries = map[string]string{
	"http_request_duration_p95":      `histogram_quantile(0.95, sum by (le) (rate(segment_store_http_request_duration_seconds_bucket[5m])))`,
	"storage_operation_duration_p95": `histogram_quantile(0.95, sum by (le) (rate(segment_store_storage_operation_duration_seconds_bucket[5m])))`,
	"segment_fetch_duration_p95":     `histogram_quantile(0.95, sum by (le) (rate(segment_store_segment_fetch_duration_seconds_bucket[5m])))`,
	"key_wrap_duration_p95":          `histogram_quantile(0.95, sum by (le) (rate(segment_store_key_wrap_duration_seconds_bucket[5m])))`,
	"chunks_fetched_rate":            `sum(rate(segment_store_chunks_fetched_total[5m]))`,
	"memory_alloc_bytes":             `avg_over_time(segment_store_memory_alloc_bytes[5m])`,
	"goroutines":                     `avg_over_time(segment_store_goroutines_total[5m])`,
}

// QueryPrometheusMetrics evaluates the server queries at the given time.
// Queries without a result are left out of the returned map.
func QueryPrometheusMetrics(ctx context.Context, prometheusURL string, at time.Time, logger logrus.FieldLogger) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, err
	}
	promAPI := v1.NewAPI(client)

	results := make(map[string]float64, len(serverQueries))
	for name, query := range serverQueries {
		value, warnings, err := promAPI.Query(ctx, query, at)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}
		if len(warnings) > 0 {
			logger.WithFields(logrus.Fields{
				"query":    name,
				"warnings": warnings,
			}).Warn("Prometheus returned warnings")
		}

		switch v := value.(type) {
		case model.Vector:
			if len(v) > 0 {
				results[name] = float64(v[0].Value)
			}
		case *model.Scalar:
			results[name] = float64(v.Value)
		}
	}
	return results, nil
}
