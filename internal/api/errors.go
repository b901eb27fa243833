package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/kenneth/tiered-segment-store/internal/crypto"
	"github.com/kenneth/tiered-segment-store/internal/index"
	"github.com/kenneth/tiered-segment-store/internal/manifest"
	"github.com/kenneth/tiered-segment-store/internal/segment"
	"github.com/kenneth/tiered-segment-store/internal/storage"
	"github.com/kenneth/tiered-segment-store/internal/transform"
)

// APIError is the JSON error body returned by every endpoint.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Resource   string `json:"resource,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

// withResource returns a copy of e naming the affected segment.
func (e *APIError) withResource(resource, requestID string) *APIError {
	out := *e
	out.Resource = resource
	out.RequestID = requestID
	return &out
}

// Predefined errors
var (
	ErrInvalidSegmentKey = &APIError{
		Code:       "InvalidSegmentKey",
		Message:    "The segment key is not valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidSegment = &APIError{
		Code:       "InvalidSegment",
		Message:    "The segment body is empty or does not match its declared length.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidRangeHeader = &APIError{
		Code:       "InvalidRange",
		Message:    "The Range header is malformed.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingContentLength = &APIError{
		Code:       "MissingContentLength",
		Message:    "Uploads must declare Content-Length.",
		HTTPStatus: http.StatusLengthRequired,
	}

	ErrSegmentTooLarge = &APIError{
		Code:       "SegmentTooLarge",
		Message:    "The segment exceeds the maximum allowed size.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrAccessDenied = &APIError{
		Code:       "AccessDenied",
		Message:    "The object store denied access.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrNoSuchSegment = &APIError{
		Code:       "NoSuchSegment",
		Message:    "The specified segment does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrRangeNotSatisfiable = &APIError{
		Code:       "RangeNotSatisfiable",
		Message:    "The requested range lies outside the segment.",
		HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
	}

	ErrUnreadableManifest = &APIError{
		Code:       "UnreadableManifest",
		Message:    "The segment manifest cannot be decoded with the configured keys.",
		HTTPStatus: http.StatusUnprocessableEntity,
	}

	ErrCorruptSegment = &APIError{
		Code:       "CorruptSegment",
		Message:    "The stored segment data does not match its manifest.",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrInternal = &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// errRangeSyntax marks Range headers that could not be parsed.
var errRangeSyntax = errors.New("malformed range header")

// TranslateError maps package sentinel errors to API errors.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrInvalidSegmentKey):
		return ErrInvalidSegmentKey
	case errors.Is(err, segment.ErrEmptySegment), errors.Is(err, transform.ErrSizeMismatch):
		return ErrInvalidSegment
	case errors.As(err, &maxBytesErr):
		return ErrSegmentTooLarge
	case errors.Is(err, errRangeSyntax):
		return ErrInvalidRangeHeader
	case errors.Is(err, index.ErrOutOfRange):
		return ErrRangeNotSatisfiable
	case errors.Is(err, segment.ErrCorruptSegment):
		return ErrCorruptSegment
	case errors.Is(err, segment.ErrSegmentNotFound), errors.Is(err, storage.ErrObjectNotFound):
		return ErrNoSuchSegment
	case errors.Is(err, manifest.ErrUnsupportedVersion),
		errors.Is(err, manifest.ErrUnsupportedChunkIndexType),
		errors.Is(err, manifest.ErrMalformedManifest),
		errors.Is(err, manifest.ErrMissingKeyWrapper),
		errors.Is(err, crypto.ErrKeyUnwrap):
		return ErrUnreadableManifest
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDenied" {
		return ErrAccessDenied
	}
	return ErrInternal
}
