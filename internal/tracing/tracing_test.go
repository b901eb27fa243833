package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/kenneth/tiered-segment-store/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), &config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetup_Stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := setup(context.Background(), &config.TracingConfig{
		Enabled:        true,
		ServiceName:    "segment-store-test",
		ServiceVersion: "test",
		Exporter:       "stdout",
		SamplingRatio:  1.0,
	}, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer(TracerName).Start(context.Background(), "segment.upload")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "segment.upload")
	assert.Contains(t, buf.String(), "segment-store-test")
}

func TestSetup_UnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), &config.TracingConfig{
		Enabled:     true,
		ServiceName: "svc",
		Exporter:    "zipkin",
	})
	assert.Error(t, err)
}
