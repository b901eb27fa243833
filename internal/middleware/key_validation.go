package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/tiered-segment-store/internal/storage"
)

const (
	segmentsPrefix = "/segments/"
	manifestSuffix = "/manifest"
)

// SegmentKeyValidationMiddleware rejects requests under /segments/ whose
// segment key cannot be mapped to an object key. Other routes pass through.
func SegmentKeyValidationMiddleware(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := segmentKeyFromPath(r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if err := storage.ValidateSegmentKey(key); err != nil {
				logger.WithFields(logrus.Fields{
					"path":   r.URL.Path,
					"method": r.Method,
				}).WithError(err).Warn("Rejected invalid segment key")
				writeInvalidKeyError(w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// segmentKeyFromPath returns the segment key addressed by path, with the
// manifest suffix removed.
func segmentKeyFromPath(path string) (string, bool) {
	if !strings.HasPrefix(path, segmentsPrefix) {
		return "", false
	}
	key := strings.TrimPrefix(path, segmentsPrefix)
	if trimmed, found := strings.CutSuffix(key, manifestSuffix); found && trimmed != "" {
		key = trimmed
	}
	return key, true
}

func writeInvalidKeyError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    "InvalidSegmentKey",
		"message": err.Error(),
	})
}
