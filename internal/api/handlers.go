package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/tiered-segment-store/internal/audit"
	"github.com/kenneth/tiered-segment-store/internal/index"
	"github.com/kenneth/tiered-segment-store/internal/manifest"
	"github.com/kenneth/tiered-segment-store/internal/segment"
)

// Response headers describing a stored segment.
const (
	HeaderChunkCount  = "X-Segment-Chunks"
	HeaderChunkSize   = "X-Segment-Chunk-Size"
	HeaderIndexType   = "X-Segment-Index-Type"
	HeaderCompression = "X-Segment-Compression"
	HeaderEncrypted   = "X-Segment-Encrypted"
	HeaderStoredSize  = "X-Segment-Stored-Size"
)

// DefaultMaxSegmentSize bounds upload bodies when no limit is configured.
const DefaultMaxSegmentSize int64 = 1 << 30

// Handler serves the segment HTTP API.
type Handler struct {
	manager        *segment.Manager
	logger         logrus.FieldLogger
	maxSegmentSize int64
}

// NewHandler creates a new API handler. maxSegmentSize <= 0 selects
// DefaultMaxSegmentSize.
func NewHandler(manager *segment.Manager, logger logrus.FieldLogger, maxSegmentSize int64) *Handler {
	if maxSegmentSize <= 0 {
		maxSegmentSize = DefaultMaxSegmentSize
	}
	return &Handler{
		manager:        manager,
		logger:         logger,
		maxSegmentSize: maxSegmentSize,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleHealth).Methods("GET")

	// The manifest route must precede the generic segment routes.
	r.HandleFunc("/segments/{key:.+}/manifest", h.handleGetManifest).Methods("GET")

	r.HandleFunc("/segments/{key:.+}", h.handlePutSegment).Methods("PUT")
	r.HandleFunc("/segments/{key:.+}", h.handleGetSegment).Methods("GET")
	r.HandleFunc("/segments/{key:.+}", h.handleHeadSegment).Methods("HEAD")
	r.HandleFunc("/segments/{key:.+}", h.handleDeleteSegment).Methods("DELETE")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "healthy")
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// handlePutSegment stores a segment and returns its redacted manifest.
func (h *Handler) handlePutSegment(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if r.ContentLength < 0 {
		h.writeError(w, r, key, ErrMissingContentLength, nil)
		return
	}
	if r.ContentLength > h.maxSegmentSize {
		h.writeError(w, r, key, ErrSegmentTooLarge, nil)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxSegmentSize)
	defer body.Close()

	sm, err := h.manager.Upload(r.Context(), key, body, r.ContentLength)
	if err != nil {
		h.writeError(w, r, key, TranslateError(err), err)
		return
	}

	h.writeManifest(w, r, key, sm, http.StatusCreated)
}

// handleGetSegment returns the whole segment or the byte range named by
// the Range header.
func (h *Handler) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	ctx := r.Context()

	sm, err := h.manager.Manifest(ctx, key)
	if err != nil {
		h.writeError(w, r, key, TranslateError(err), err)
		return
	}
	size := sm.ChunkIndex().OriginalFileSize()

	start, end := int64(0), size
	status := http.StatusOK
	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" {
		start, end, err = parseRange(rangeHeader, size)
		if err != nil {
			if errors.Is(err, index.ErrOutOfRange) {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			}
			h.writeError(w, r, key, TranslateError(err), err)
			return
		}
		status = http.StatusPartialContent
	}

	data, err := h.manager.Fetch(ctx, key, start, end)
	if err != nil {
		h.writeError(w, r, key, TranslateError(err), err)
		return
	}

	setSegmentHeaders(w, sm)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, size))
	}
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.logger.WithError(err).WithField("segment_key", key).Debug("Failed to write segment body")
	}
}

func (h *Handler) handleHeadSegment(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	sm, err := h.manager.Manifest(r.Context(), key)
	if err != nil {
		apiErr := TranslateError(err)
		h.logError(r, key, apiErr, err)
		w.WriteHeader(apiErr.HTTPStatus)
		return
	}

	setSegmentHeaders(w, sm)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(sm.ChunkIndex().OriginalFileSize(), 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if err := h.manager.Delete(r.Context(), key); err != nil {
		h.writeError(w, r, key, TranslateError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetManifest returns the manifest without its wrapped data key.
func (h *Handler) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	sm, err := h.manager.Manifest(r.Context(), key)
	if err != nil {
		h.writeError(w, r, key, TranslateError(err), err)
		return
	}
	h.writeManifest(w, r, key, sm, http.StatusOK)
}

func (h *Handler) writeManifest(w http.ResponseWriter, r *http.Request, key string, sm *manifest.SegmentManifest, status int) {
	body, err := manifest.NewCodec().EncodeRedacted(sm)
	if err != nil {
		h.writeError(w, r, key, ErrInternal, err)
		return
	}
	setSegmentHeaders(w, sm)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func setSegmentHeaders(w http.ResponseWriter, sm *manifest.SegmentManifest) {
	ci := sm.ChunkIndex()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set(HeaderChunkCount, strconv.Itoa(ci.ChunkCount()))
	w.Header().Set(HeaderChunkSize, strconv.FormatInt(ci.OriginalChunkSize(), 10))
	w.Header().Set(HeaderIndexType, ci.Type())
	w.Header().Set(HeaderStoredSize, strconv.FormatInt(ci.TransformedSize(), 10))
	w.Header().Set(HeaderCompression, strconv.FormatBool(sm.Compression()))
	w.Header().Set(HeaderEncrypted, strconv.FormatBool(sm.Encrypted()))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, key string, apiErr *APIError, cause error) {
	h.logError(r, key, apiErr, cause)
	info := audit.RequestInfoFromContext(r.Context())
	apiErr.withResource(key, info.RequestID).WriteJSON(w)
}

func (h *Handler) logError(r *http.Request, key string, apiErr *APIError, cause error) {
	entry := h.logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"segment_key": key,
		"code":        apiErr.Code,
		"status":      apiErr.HTTPStatus,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Segment request failed")
		return
	}
	entry.Debug("Segment request rejected")
}

// parseRange parses a single-range header ("bytes=a-b", "bytes=a-" or
// "bytes=-n") against a segment of the given size and returns the
// half-open range it selects. An end past the segment is clamped.
func parseRange(rangeHeader string, size int64) (start, endExclusive int64, err error) {
	byteRange, ok := strings.CutPrefix(rangeHeader, "bytes=")
	if !ok || byteRange == "" || strings.Contains(byteRange, ",") {
		return 0, 0, fmt.Errorf("%w: %q", errRangeSyntax, rangeHeader)
	}
	first, last, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", errRangeSyntax, rangeHeader)
	}

	if first == "" {
		// Suffix range: the last n bytes.
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("%w: invalid suffix %q", errRangeSyntax, last)
		}
		if n == 0 {
			return 0, 0, fmt.Errorf("%w: empty suffix range", index.ErrOutOfRange)
		}
		return max(0, size-n), size, nil
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("%w: invalid start %q", errRangeSyntax, first)
	}
	end := size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("%w: invalid end %q", errRangeSyntax, last)
		}
		end = min(end, size-1)
	}
	if start >= size {
		return 0, 0, fmt.Errorf("%w: range start %d, segment size %d", index.ErrOutOfRange, start, size)
	}
	return start, end + 1, nil
}
