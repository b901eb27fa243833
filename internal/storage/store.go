// Package storage holds the remote object store that segments and their
// manifests are written to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidSegmentKey is returned for segment keys that cannot be mapped
// to object keys.
var ErrInvalidSegmentKey = errors.New("invalid segment key")

// MaxSegmentKeyLength leaves room for the prefix and suffix within the
// 1024 byte S3 key limit.
const MaxSegmentKeyLength = 900

// Object key suffixes.
const (
	SegmentSuffix  = ".log"
	ManifestSuffix = ".rsm-manifest"
)

// ObjectStore is the backend interface used by the segment manager.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	// GetObjectRange returns length bytes starting at start.
	GetObjectRange(ctx context.Context, key string, start, length int64) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, key string) error
}

// Keys maps segment keys to object keys under a common prefix.
type Keys struct {
	Prefix string
}

// Segment returns the key of a segment's transformed data.
func (k Keys) Segment(segmentKey string) string {
	return k.Prefix + segmentKey + SegmentSuffix
}

// Manifest returns the key of a segment's manifest.
func (k Keys) Manifest(segmentKey string) string {
	return k.Prefix + segmentKey + ManifestSuffix
}

// ValidateSegmentKey checks that key is a relative slash-separated path
// without empty, "." or ".." elements and without control characters.
// The final element may not be "manifest" since that name addresses the
// manifest of the parent key over HTTP.
func ValidateSegmentKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSegmentKey)
	}
	if len(key) > MaxSegmentKeyLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidSegmentKey, MaxSegmentKeyLength)
	}
	if strings.IndexFunc(key, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: contains control characters", ErrInvalidSegmentKey)
	}

	elems := strings.Split(key, "/")
	for _, elem := range elems {
		switch elem {
		case "", ".", "..":
			return fmt.Errorf("%w: %q has an empty or relative path element", ErrInvalidSegmentKey, key)
		}
	}
	if elems[len(elems)-1] == "manifest" {
		return fmt.Errorf("%w: %q ends in the reserved element \"manifest\"", ErrInvalidSegmentKey, key)
	}
	return nil
}

// rangeHeader formats an HTTP Range header for [start, start+length).
func rangeHeader(start, length int64) string {
	return fmt.Sprintf("bytes=%d-%d", start, start+length-1)
}

func validateRange(start, length int64) error {
	if start < 0 || length <= 0 {
		return fmt.Errorf("invalid range: start %d, length %d", start, length)
	}
	return nil
}
