package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingProvider() (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return tp, recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingMiddleware_RouteTemplate(t *testing.T) {
	tp, recorder := newRecordingProvider()

	router := mux.NewRouter()
	router.Use(TracingMiddleware(tp, false))
	router.HandleFunc("/segments/{key:.+}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
	}).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodGet, "/segments/topic-0/00042", nil)
	req.Header.Set("Range", "bytes=0-99")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusPartialContent, rr.Code)
	spans := recorder.Ended()
	require.Len(t, spans, 1)

	span := spans[0]
	assert.Equal(t, "GET /segments/{key:.+}", span.Name())
	key, ok := spanAttr(span, "segment.key")
	require.True(t, ok)
	assert.Equal(t, "topic-0/00042", key.AsString())
	rng, ok := spanAttr(span, "http.request.header.range")
	require.True(t, ok)
	assert.Equal(t, "bytes=0-99", rng.AsString())
	assert.Equal(t, codes.Unset, span.Status().Code)
}

func TestTracingMiddleware_RedactsKeys(t *testing.T) {
	tp, recorder := newRecordingProvider()

	handler := TracingMiddleware(tp, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/segments/secret-topic/1", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	_, ok := spanAttr(spans[0], "segment.key")
	assert.False(t, ok)
	assert.Equal(t, "DELETE /segments/secret-topic/1", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestTracingMiddleware_PropagatesContext(t *testing.T) {
	tp, recorder := newRecordingProvider()

	var sawSpan bool
	handler := TracingMiddleware(tp, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, span := tp.Tracer("test").Start(r.Context(), "child")
		sawSpan = span.SpanContext().IsValid()
		span.End()
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.True(t, sawSpan)
	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[1].SpanContext().TraceID(), spans[0].SpanContext().TraceID())
}
