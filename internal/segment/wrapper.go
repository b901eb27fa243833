package segment

import (
	"context"
	"time"

	"github.com/kenneth/tiered-segment-store/internal/audit"
	"github.com/kenneth/tiered-segment-store/internal/crypto"
	"github.com/kenneth/tiered-segment-store/internal/metrics"
)

// observedWrapper reports every wrap and unwrap of a segment's data key.
type observedWrapper struct {
	inner      crypto.KeyWrapper
	ctx        context.Context
	segmentKey string
	metrics    *metrics.Metrics
	audit      audit.Logger
}

func (w *observedWrapper) Wrap(dataKey []byte) ([]byte, error) {
	start := time.Now()
	out, err := w.inner.Wrap(dataKey)
	w.observe("wrap", audit.EventTypeKeyWrap, err, time.Since(start))
	return out, err
}

func (w *observedWrapper) Unwrap(wrapped []byte) ([]byte, error) {
	start := time.Now()
	out, err := w.inner.Unwrap(wrapped)
	w.observe("unwrap", audit.EventTypeKeyUnwrap, err, time.Since(start))
	return out, err
}

func (w *observedWrapper) observe(op string, eventType audit.EventType, err error, d time.Duration) {
	if w.metrics != nil {
		w.metrics.RecordKeyWrap(op, d)
	}
	if w.audit != nil {
		w.audit.LogKey(w.ctx, eventType, w.segmentKey, wrapperAlgorithm(w.inner), err, d)
	}
}

func wrapperAlgorithm(w crypto.KeyWrapper) string {
	switch w.(type) {
	case *crypto.RSAKeyWrapper:
		return "RSA-OAEP-SHA256"
	case *crypto.AgeKeyWrapper:
		return "age-X25519"
	default:
		return "custom"
	}
}
