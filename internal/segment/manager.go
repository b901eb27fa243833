// Package segment stores log segments as chunked, optionally compressed
// and encrypted objects next to a manifest, and serves logical byte
// ranges from them with a single ranged read.
package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/tiered-segment-store/internal/audit"
	"github.com/kenneth/tiered-segment-store/internal/cache"
	"github.com/kenneth/tiered-segment-store/internal/config"
	"github.com/kenneth/tiered-segment-store/internal/crypto"
	"github.com/kenneth/tiered-segment-store/internal/manifest"
	"github.com/kenneth/tiered-segment-store/internal/metrics"
	"github.com/kenneth/tiered-segment-store/internal/storage"
	"github.com/kenneth/tiered-segment-store/internal/transform"
)

// MaxManifestSize bounds the manifest object read from storage.
const MaxManifestSize = 16 << 20

var (
	// ErrSegmentNotFound is returned when a segment has no manifest.
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrEmptySegment is returned when uploading a zero length segment.
	ErrEmptySegment = errors.New("segment is empty")
	// ErrCorruptSegment is returned when stored chunks do not match the manifest.
	ErrCorruptSegment = errors.New("segment data does not match manifest")
)

// Manager uploads, reads and deletes segments.
type Manager struct {
	store   storage.ObjectStore
	keys    storage.Keys
	wrapper crypto.KeyWrapper

	mu       sync.RWMutex
	cfg      *config.Config
	policies *config.PolicyManager

	cache    cache.Cache
	cacheTTL time.Duration
	metrics  *metrics.Metrics
	audit    audit.Logger
	logger   logrus.FieldLogger
	tracer   trace.Tracer
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithKeyWrapper sets the wrapper protecting data keys. Required when
// encryption is enabled and for reading encrypted segments.
func WithKeyWrapper(w crypto.KeyWrapper) Option {
	return func(m *Manager) { m.wrapper = w }
}

// WithCache caches decoded manifests. A zero ttl uses the cache default.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(m *Manager) {
		m.cache = c
		m.cacheTTL = ttl
	}
}

// WithPolicies applies per-segment chunking and compression overrides.
func WithPolicies(pm *config.PolicyManager) Option {
	return func(m *Manager) { m.policies = pm }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithAuditLogger records audit events.
func WithAuditLogger(a audit.Logger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTracerProvider sets the provider spans are created from. The
// global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer("tiered-segment-store/segment") }
}

// NewManager creates a manager writing to store under the configured
// prefix.
func NewManager(cfg *config.Config, store storage.ObjectStore, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:  store,
		keys:   storage.Keys{Prefix: cfg.Storage.Prefix},
		cfg:    cfg,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = otel.GetTracerProvider().Tracer("tiered-segment-store/segment")
	}

	if cfg.Encryption.Enabled && m.wrapper == nil {
		return nil, fmt.Errorf("encryption is enabled but no key wrapper is configured")
	}
	if _, err := m.transformOptions(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateConfig swaps the configuration used for new uploads. Settings
// that affect reads are guarded by the config reloader.
func (m *Manager) UpdateConfig(cfg *config.Config) error {
	if _, err := m.transformOptions(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// SetPolicies replaces the policy manager.
func (m *Manager) SetPolicies(pm *config.PolicyManager) {
	m.mu.Lock()
	m.policies = pm
	m.mu.Unlock()
}

// uploadConfig returns the effective configuration for a segment key.
func (m *Manager) uploadConfig(segmentKey string) *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.policies != nil {
		if p := m.policies.GetPolicyForSegment(segmentKey); p != nil {
			return p.ApplyToConfig(m.cfg)
		}
	}
	return m.cfg
}

func (m *Manager) transformOptions(cfg *config.Config) (transform.Options, error) {
	level, err := transform.ParseCompressionLevel(cfg.Compression.Level)
	if err != nil {
		return transform.Options{}, err
	}
	if cfg.Chunking.ChunkSize <= 0 {
		return transform.Options{}, fmt.Errorf("%w: chunk size must be positive", transform.ErrInvalidOptions)
	}
	return transform.Options{
		ChunkSize:        cfg.Chunking.ChunkSize,
		Compression:      cfg.Compression.Enabled,
		CompressionLevel: level,
	}, nil
}

// codec returns a codec whose key wrapper reports to metrics and audit
// on behalf of the given segment.
func (m *Manager) codec(ctx context.Context, segmentKey string) *manifest.Codec {
	if m.wrapper == nil {
		return manifest.NewCodec()
	}
	return manifest.NewCodec(manifest.WithKeyWrapper(&observedWrapper{
		inner:      m.wrapper,
		ctx:        ctx,
		segmentKey: segmentKey,
		metrics:    m.metrics,
		audit:      m.audit,
	}))
}

// Upload transforms size bytes read from r and stores the segment data
// followed by its manifest. The manifest is written last so that a
// segment becomes visible only once complete.
func (m *Manager) Upload(ctx context.Context, segmentKey string, r io.Reader, size int64) (_ *manifest.SegmentManifest, err error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "segment.Upload", trace.WithAttributes(
		attribute.String("segment.key", segmentKey),
		attribute.Int64("segment.size", size),
	))
	defer func() { endSpan(span, err) }()
	defer func() {
		m.auditSegment(ctx, audit.EventTypeUpload, segmentKey, err, time.Since(start), map[string]interface{}{"size": size})
	}()

	if err := storage.ValidateSegmentKey(segmentKey); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySegment, segmentKey)
	}

	cfg := m.uploadConfig(segmentKey)
	opts, err := m.transformOptions(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Encryption.Enabled {
		dataKey, err := crypto.NewDataKey()
		if err != nil {
			return nil, err
		}
		aad, err := crypto.NewAAD()
		if err != nil {
			return nil, err
		}
		opts.Encryption = manifest.NewEncryptionMetadata(dataKey, aad)
	}

	var buf bytes.Buffer
	buf.Grow(int(min(size, opts.ChunkSize*4)))
	ci, err := transform.Transform(r, size, &buf, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to transform segment %s: %w", segmentKey, err)
	}

	sm := manifest.New(ci, opts.Compression, opts.Encryption)
	encoded, err := m.codec(ctx, segmentKey).Encode(sm)
	if err != nil {
		m.recordManifestError("encode", err)
		return nil, fmt.Errorf("failed to encode manifest for %s: %w", segmentKey, err)
	}
	m.recordManifestOperation("encode")

	dataKey := m.keys.Segment(segmentKey)
	if err := m.put(ctx, "put_segment", dataKey, buf.Bytes()); err != nil {
		return nil, err
	}
	if err := m.put(ctx, "put_manifest", m.keys.Manifest(segmentKey), encoded); err != nil {
		if delErr := m.store.DeleteObject(ctx, dataKey); delErr != nil {
			m.logger.WithError(delErr).WithField("segment_key", segmentKey).Warn("Failed to remove segment data after manifest upload failure")
		}
		return nil, err
	}

	if m.cache != nil {
		_ = m.cache.Set(ctx, segmentKey, sm, m.cacheTTL)
	}
	if m.metrics != nil {
		m.metrics.RecordSegmentUpload(ci.Type(), sm.Compression(), sm.Encrypted(), size, ci.TransformedSize())
	}

	span.SetAttributes(
		attribute.String("segment.index_type", ci.Type()),
		attribute.Int("segment.chunks", ci.ChunkCount()),
	)
	m.logger.WithFields(logrus.Fields{
		"segment_key":      segmentKey,
		"size":             size,
		"transformed_size": ci.TransformedSize(),
		"chunks":           ci.ChunkCount(),
		"index_type":       ci.Type(),
		"compression":      sm.Compression(),
		"encrypted":        sm.Encrypted(),
	}).Debug("Uploaded segment")
	return sm, nil
}

// Manifest returns the decoded manifest of a segment, from the cache
// when possible.
func (m *Manager) Manifest(ctx context.Context, segmentKey string) (_ *manifest.SegmentManifest, err error) {
	ctx, span := m.tracer.Start(ctx, "segment.Manifest", trace.WithAttributes(
		attribute.String("segment.key", segmentKey),
	))
	defer func() { endSpan(span, err) }()

	if err := storage.ValidateSegmentKey(segmentKey); err != nil {
		return nil, err
	}

	if m.cache != nil {
		sm, ok := m.cache.Get(ctx, segmentKey)
		m.recordCacheLookup(ok)
		span.SetAttributes(attribute.Bool("cache.hit", ok))
		if ok {
			return sm, nil
		}
	}

	data, err := m.get(ctx, segmentKey)
	if err != nil {
		return nil, err
	}

	sm, err := m.codec(ctx, segmentKey).Decode(data)
	if err != nil {
		m.recordManifestError("decode", err)
		return nil, fmt.Errorf("failed to decode manifest for %s: %w", segmentKey, err)
	}
	m.recordManifestOperation("decode")

	if m.cache != nil {
		_ = m.cache.Set(ctx, segmentKey, sm, m.cacheTTL)
	}
	return sm, nil
}

// Fetch returns the logical bytes [start, endExclusive) of a segment. The
// covering chunks are read with one ranged request and detransformed
// individually.
func (m *Manager) Fetch(ctx context.Context, segmentKey string, start, endExclusive int64) (_ []byte, err error) {
	began := time.Now()
	ctx, span := m.tracer.Start(ctx, "segment.Fetch", trace.WithAttributes(
		attribute.String("segment.key", segmentKey),
		attribute.Int64("range.start", start),
		attribute.Int64("range.end", endExclusive),
	))
	defer func() { endSpan(span, err) }()
	defer func() {
		m.auditSegment(ctx, audit.EventTypeFetch, segmentKey, err, time.Since(began), map[string]interface{}{
			"start": start,
			"end":   endExclusive,
		})
	}()

	sm, err := m.Manifest(ctx, segmentKey)
	if err != nil {
		return nil, err
	}
	ci := sm.ChunkIndex()

	seq, err := ci.ChunksForOriginalRange(start, endExclusive)
	if err != nil {
		return nil, err
	}
	first, last := -1, -1
	for id := range seq {
		if first < 0 {
			first = id
		}
		last = id
	}
	if first < 0 {
		return []byte{}, nil
	}

	spanStart, _, err := ci.ChunkPhysicalRange(first)
	if err != nil {
		return nil, err
	}
	lastStart, lastLen, err := ci.ChunkPhysicalRange(last)
	if err != nil {
		return nil, err
	}
	spanLen := lastStart + lastLen - spanStart

	raw, err := m.getRange(ctx, segmentKey, spanStart, spanLen)
	if err != nil {
		return nil, err
	}

	pipeline, err := transform.NewPipeline(transform.OptionsFromManifest(sm))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, endExclusive-start)
	for id := range seq {
		physStart, physLen, _ := ci.ChunkPhysicalRange(id)
		origStart, origLen, _ := ci.ChunkOriginalRange(id)

		rel := physStart - spanStart
		chunk, err := pipeline.Reverse(raw[rel : rel+physLen])
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d of %s: %w", ErrCorruptSegment, id, segmentKey, err)
		}
		if int64(len(chunk)) != origLen {
			return nil, fmt.Errorf("%w: chunk %d of %s restored to %d bytes, expected %d",
				ErrCorruptSegment, id, segmentKey, len(chunk), origLen)
		}

		lo := max(start, origStart) - origStart
		hi := min(endExclusive, origStart+origLen) - origStart
		out = append(out, chunk[lo:hi]...)
	}

	chunks := last - first + 1
	if m.metrics != nil {
		m.metrics.RecordChunkFetch(chunks, spanLen, time.Since(began))
	}
	span.SetAttributes(
		attribute.Int("segment.chunks_fetched", chunks),
		attribute.Int64("segment.bytes_fetched", spanLen),
	)
	return out, nil
}

// Delete removes a segment's manifest and data. Deleting a missing
// segment succeeds.
func (m *Manager) Delete(ctx context.Context, segmentKey string) (err error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "segment.Delete", trace.WithAttributes(
		attribute.String("segment.key", segmentKey),
	))
	defer func() { endSpan(span, err) }()
	defer func() {
		m.auditSegment(ctx, audit.EventTypeDelete, segmentKey, err, time.Since(start), nil)
	}()

	if err := storage.ValidateSegmentKey(segmentKey); err != nil {
		return err
	}
	if m.cache != nil {
		_ = m.cache.Delete(ctx, segmentKey)
	}

	for _, key := range []string{m.keys.Manifest(segmentKey), m.keys.Segment(segmentKey)} {
		opStart := time.Now()
		if err := m.store.DeleteObject(ctx, key); err != nil {
			m.recordStorageError("delete", err)
			return err
		}
		m.recordStorageOperation("delete", time.Since(opStart))
	}
	// A concurrent Manifest call may have cached the segment while the
	// objects were being removed.
	if m.cache != nil {
		_ = m.cache.Delete(ctx, segmentKey)
	}
	return nil
}

func (m *Manager) put(ctx context.Context, op, key string, data []byte) error {
	start := time.Now()
	if err := m.store.PutObject(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		m.recordStorageError(op, err)
		return err
	}
	m.recordStorageOperation(op, time.Since(start))
	return nil
}

func (m *Manager) get(ctx context.Context, segmentKey string) ([]byte, error) {
	start := time.Now()
	rc, err := m.store.GetObject(ctx, m.keys.Manifest(segmentKey))
	if err != nil {
		m.recordStorageError("get_manifest", err)
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s: %w", ErrSegmentNotFound, segmentKey, err)
		}
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxManifestSize+1))
	if err != nil {
		m.recordStorageError("get_manifest", err)
		return nil, fmt.Errorf("failed to read manifest for %s: %w", segmentKey, err)
	}
	if len(data) > MaxManifestSize {
		return nil, fmt.Errorf("%w: manifest for %s exceeds %d bytes", manifest.ErrMalformedManifest, segmentKey, MaxManifestSize)
	}
	m.recordStorageOperation("get_manifest", time.Since(start))
	return data, nil
}

func (m *Manager) getRange(ctx context.Context, segmentKey string, start, length int64) ([]byte, error) {
	opStart := time.Now()
	rc, err := m.store.GetObjectRange(ctx, m.keys.Segment(segmentKey), start, length)
	if err != nil {
		m.recordStorageError("get_range", err)
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: data object of %s is missing: %w", ErrCorruptSegment, segmentKey, err)
		}
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, length)
	if _, err := io.ReadFull(rc, buf); err != nil {
		m.recordStorageError("get_range", err)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: data object of %s is shorter than its manifest", ErrCorruptSegment, segmentKey)
		}
		return nil, fmt.Errorf("failed to read segment %s: %w", segmentKey, err)
	}
	m.recordStorageOperation("get_range", time.Since(opStart))
	return buf, nil
}

func (m *Manager) auditSegment(ctx context.Context, eventType audit.EventType, segmentKey string, err error, d time.Duration, metadata map[string]interface{}) {
	if m.audit != nil {
		m.audit.LogSegment(ctx, eventType, segmentKey, err, d, metadata)
	}
}

func (m *Manager) recordStorageOperation(op string, d time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordStorageOperation(op, d)
	}
}

func (m *Manager) recordStorageError(op string, err error) {
	if m.metrics == nil {
		return
	}
	errType := "other"
	if errors.Is(err, storage.ErrObjectNotFound) {
		errType = "not_found"
	}
	m.metrics.RecordStorageError(op, errType)
}

func (m *Manager) recordManifestOperation(op string) {
	if m.metrics != nil {
		m.metrics.RecordManifestOperation(op)
	}
}

func (m *Manager) recordManifestError(op string, err error) {
	if m.metrics != nil {
		m.metrics.RecordManifestError(op, manifestErrorType(err))
	}
}

func (m *Manager) recordCacheLookup(hit bool) {
	if m.metrics != nil {
		m.metrics.RecordCacheLookup(hit)
	}
}

func manifestErrorType(err error) string {
	switch {
	case errors.Is(err, manifest.ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, manifest.ErrUnsupportedChunkIndexType):
		return "unsupported_chunk_index_type"
	case errors.Is(err, manifest.ErrMissingKeyWrapper):
		return "missing_key_wrapper"
	case errors.Is(err, crypto.ErrKeyUnwrap):
		return "key_unwrap"
	case errors.Is(err, manifest.ErrMalformedManifest):
		return "malformed"
	default:
		return "other"
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
