package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSegmentKeyFromPath(t *testing.T) {
	tests := []struct {
		path   string
		key    string
		routed bool
	}{
		{path: "/segments/topic-0/00042", key: "topic-0/00042", routed: true},
		{path: "/segments/topic-0/00042/manifest", key: "topic-0/00042", routed: true},
		{path: "/segments/", key: "", routed: true},
		{path: "/healthz", routed: false},
		{path: "/metrics", routed: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			key, routed := segmentKeyFromPath(tt.path)
			assert.Equal(t, tt.routed, routed)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestSegmentKeyValidationMiddleware(t *testing.T) {
	called := false
	handler := SegmentKeyValidationMiddleware(quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCalled bool
	}{
		{name: "valid key", path: "/segments/topic-0/00042", wantStatus: http.StatusOK, wantCalled: true},
		{name: "valid manifest", path: "/segments/topic-0/00042/manifest", wantStatus: http.StatusOK, wantCalled: true},
		{name: "dot segment", path: "/segments/topic-0/./00042", wantStatus: http.StatusBadRequest},
		{name: "empty element", path: "/segments/topic-0//00042", wantStatus: http.StatusBadRequest},
		{name: "unrelated route", path: "/healthz", wantStatus: http.StatusOK, wantCalled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.URL.Path = tt.path
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantCalled, called)
			if tt.wantStatus == http.StatusBadRequest {
				assert.Contains(t, rr.Body.String(), "InvalidSegmentKey")
			}
		})
	}
}
