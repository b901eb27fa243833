package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestKeys(t *testing.T) {
	keys := Keys{Prefix: "tiered/"}
	assert.Equal(t, "tiered/topic-0/00000000000000000042.log", keys.Segment("topic-0/00000000000000000042"))
	assert.Equal(t, "tiered/topic-0/00000000000000000042.rsm-manifest", keys.Manifest("topic-0/00000000000000000042"))
	assert.Equal(t, "a.log", Keys{}.Segment("a"))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutObject(ctx, "segment.log", strings.NewReader("0123456789"), 10))
	assert.Equal(t, 1, store.Len())

	rc, err := store.GetObject(ctx, "segment.log")
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), readAll(t, rc))

	rc, err = store.GetObjectRange(ctx, "segment.log", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("3456"), readAll(t, rc))

	// Ranges past the end are clipped.
	rc, err = store.GetObjectRange(ctx, "segment.log", 8, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), readAll(t, rc))

	_, err = store.GetObjectRange(ctx, "segment.log", 10, 1)
	assert.Error(t, err)
	_, err = store.GetObjectRange(ctx, "segment.log", -1, 1)
	assert.Error(t, err)
	_, err = store.GetObjectRange(ctx, "segment.log", 0, 0)
	assert.Error(t, err)

	_, err = store.GetObject(ctx, "missing.log")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, err = store.GetObjectRange(ctx, "missing.log", 0, 1)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, store.DeleteObject(ctx, "segment.log"))
	require.NoError(t, store.DeleteObject(ctx, "segment.log"))
	assert.Equal(t, 0, store.Len())

	assert.Error(t, store.PutObject(ctx, "short.log", strings.NewReader("abc"), 5))
}

// fakeS3 records requests and serves objects from a map.
type fakeS3 struct {
	objects map[string][]byte
	ranges  []string
	err     error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	f.ranges = append(f.ranges, aws.ToString(params.Range))
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	delete(f.objects, aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_Requests(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	store := newS3Store(fake, "tiered")

	require.NoError(t, store.PutObject(ctx, "a.log", strings.NewReader("payload"), 7))
	assert.Equal(t, []byte("payload"), fake.objects["tiered/a.log"])

	rc, err := store.GetObject(ctx, "a.log")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), readAll(t, rc))

	rc, err = store.GetObjectRange(ctx, "a.log", 100, 50)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, []string{"", "bytes=100-149"}, fake.ranges)

	_, err = store.GetObject(ctx, "missing.log")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, store.DeleteObject(ctx, "a.log"))
	assert.Empty(t, fake.objects)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantNotFound bool
	}{
		{name: "typed no such key", err: &types.NoSuchKey{}, wantNotFound: true},
		{name: "generic not found", err: &smithy.GenericAPIError{Code: "NotFound"}, wantNotFound: true},
		{name: "generic no such key", err: &smithy.GenericAPIError{Code: "NoSuchKey"}, wantNotFound: true},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}},
		{name: "plain error", err: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translateError("failed", tt.err)
			assert.Equal(t, tt.wantNotFound, errors.Is(err, ErrObjectNotFound))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestValidateSegmentKey(t *testing.T) {
	valid := []string{
		"topic-0/00000000000000000042",
		"a",
		"tenant/topic/partition-3/00000000000000001000-uuid",
		"manifests/seg",
	}
	for _, key := range valid {
		assert.NoError(t, ValidateSegmentKey(key), key)
	}

	invalid := []string{
		"",
		"/leading",
		"trailing/",
		"double//slash",
		"dot/./seg",
		"../escape",
		"ctrl\x00char",
		"seg/manifest",
		"manifest",
		strings.Repeat("a", MaxSegmentKeyLength+1),
	}
	for _, key := range invalid {
		assert.ErrorIs(t, ValidateSegmentKey(key), ErrInvalidSegmentKey, "%q", key)
	}
}
