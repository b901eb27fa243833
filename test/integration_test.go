package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kenneth/tiered-segment-store/internal/storage"
)

func TestMain(m *testing.M) {
	code := m.Run()
	if minioServer != nil {
		minioServer.Stop()
	}
	os.Exit(code)
}

func testPrefix(t *testing.T) string {
	return fmt.Sprintf("it-%d/%s/", time.Now().UnixNano(), t.Name())
}

func do(t *testing.T, client *http.Client, method, url string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("Failed to create %s request: %v", method, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s request failed: %v", method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp, data
}

// counterTotal sums every series of the named counter.
func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// TestSegmentStore_EndToEnd uploads segments through the API, reads them
// back whole and by range, and checks what landed in the bucket.
func TestSegmentStore_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	minio := StartMinIOServer(t)
	prefix := testPrefix(t)
	gateway := StartGateway(t, TestConfig(minio.StorageConfig(prefix)))
	defer gateway.Close()
	client := gateway.Client()

	tests := []struct {
		name string
		key  string
		data []byte
	}{
		{"single chunk", "topic-a-0/00000000000000000000", []byte("one small segment")},
		{"many chunks", "topic-a-0/00000000000000001000", bytes.Repeat([]byte("offset=1 key=k value=v\n"), 20000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := fmt.Sprintf("%s/segments/%s", gateway.URL, tt.key)

			resp, body := do(t, client, "PUT", url, tt.data, nil)
			if resp.StatusCode != http.StatusCreated {
				t.Fatalf("PUT failed with status %d: %s", resp.StatusCode, body)
			}

			resp, body = do(t, client, "GET", url, nil, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("GET failed with status %d: %s", resp.StatusCode, body)
			}
			if !bytes.Equal(body, tt.data) {
				t.Errorf("Data mismatch: got %d bytes, want %d", len(body), len(tt.data))
			}

			start, end := len(tt.data)/3, len(tt.data)/3+len(tt.data)/2
			resp, body = do(t, client, "GET", url, nil, map[string]string{
				"Range": fmt.Sprintf("bytes=%d-%d", start, end-1),
			})
			if resp.StatusCode != http.StatusPartialContent {
				t.Fatalf("Range GET failed with status %d: %s", resp.StatusCode, body)
			}
			if !bytes.Equal(body, tt.data[start:end]) {
				t.Errorf("Range data mismatch for bytes %d-%d", start, end-1)
			}

			resp, body = do(t, client, "GET", url+"/manifest", nil, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("Manifest GET failed with status %d: %s", resp.StatusCode, body)
			}
			var manifest map[string]any
			if err := json.Unmarshal(body, &manifest); err != nil {
				t.Fatalf("Manifest is not JSON: %v", err)
			}
			if enc, ok := manifest["encryption"].(map[string]any); !ok || enc["secretKey"] != nil {
				t.Errorf("Expected redacted encryption metadata, got %v", manifest["encryption"])
			}
		})
	}

	// The data object is stored encrypted.
	store, err := storage.NewS3Store(context.Background(), &gateway.Config.Storage)
	if err != nil {
		t.Fatalf("Failed to create S3 store: %v", err)
	}
	keys := storage.Keys{Prefix: prefix}
	rc, err := store.GetObject(context.Background(), keys.Segment(tests[0].key))
	if err != nil {
		t.Fatalf("Failed to read stored segment: %v", err)
	}
	stored, _ := io.ReadAll(rc)
	rc.Close()
	if bytes.Contains(stored, tests[0].data) {
		t.Error("Stored segment contains plaintext")
	}

	if got := counterTotal(t, gateway.Registry, "segment_store_segment_uploads_total"); got != float64(len(tests)) {
		t.Errorf("Expected %d uploads recorded, got %v", len(tests), got)
	}
}

func TestSegmentStore_DeleteAndMissing(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	minio := StartMinIOServer(t)
	gateway := StartGateway(t, TestConfig(minio.StorageConfig(testPrefix(t))))
	defer gateway.Close()
	client := gateway.Client()

	url := gateway.URL + "/segments/topic-b-3/00000000000000000007"
	resp, body := do(t, client, "GET", url, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 for missing segment, got %d: %s", resp.StatusCode, body)
	}

	resp, body = do(t, client, "PUT", url, bytes.Repeat([]byte{7}, 1000), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("PUT failed with status %d: %s", resp.StatusCode, body)
	}

	resp, _ = do(t, client, "GET", url, nil, map[string]string{"Range": "bytes=1000-"})
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("Expected 416, got %d", resp.StatusCode)
	}

	for i := 0; i < 2; i++ {
		resp, _ = do(t, client, "DELETE", url, nil, nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("DELETE %d failed with status %d", i, resp.StatusCode)
		}
	}

	resp, _ = do(t, client, "HEAD", url, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
}
