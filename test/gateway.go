package test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/tiered-segment-store/internal/api"
	"github.com/kenneth/tiered-segment-store/internal/config"
	"github.com/kenneth/tiered-segment-store/internal/crypto"
	"github.com/kenneth/tiered-segment-store/internal/metrics"
	"github.com/kenneth/tiered-segment-store/internal/middleware"
	"github.com/kenneth/tiered-segment-store/internal/segment"
	"github.com/kenneth/tiered-segment-store/internal/storage"
)

// TestGateway is a segment store server running against a real backend.
type TestGateway struct {
	Addr     string
	URL      string
	Config   *config.Config
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	server   *http.Server
	client   *http.Client
	listener net.Listener
}

// TestConfig returns a server configuration using the given store with
// compression and age encryption enabled.
func TestConfig(storageCfg config.StorageConfig) *config.Config {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.LogLevel = "error"
	cfg.Storage = storageCfg
	cfg.Chunking.ChunkSize = 64 * 1024
	cfg.Compression.Enabled = true
	cfg.Encryption.Enabled = true
	cfg.Encryption.KeyWrapper = config.KeyWrapperAge
	return cfg
}

// StartGateway starts a server for cfg with a fresh age key wrapper.
func StartGateway(t *testing.T, cfg *config.Config) *TestGateway {
	t.Helper()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("Failed to listen on %s: %v", cfg.ListenAddr, err)
	}
	addr := listener.Addr().String()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	// Custom registry to avoid conflicts between tests
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	store, err := storage.NewS3Store(context.Background(), &cfg.Storage)
	if err != nil {
		listener.Close()
		t.Fatalf("Failed to create S3 store: %v", err)
	}

	identity, recipient, err := crypto.GenerateAgeIdentity()
	if err != nil {
		listener.Close()
		t.Fatalf("Failed to generate age identity: %v", err)
	}
	wrapper, err := crypto.NewAgeKeyWrapper([]string{recipient}, identity)
	if err != nil {
		listener.Close()
		t.Fatalf("Failed to create key wrapper: %v", err)
	}

	manager, err := segment.NewManager(cfg, store,
		segment.WithKeyWrapper(wrapper),
		segment.WithMetrics(m),
		segment.WithLogger(logger),
	)
	if err != nil {
		listener.Close()
		t.Fatalf("Failed to create segment manager: %v", err)
	}

	router := mux.NewRouter()
	router.Use(middleware.MetricsMiddleware(m), middleware.SegmentKeyValidationMiddleware(logger))
	router.Handle("/metrics", m.Handler()).Methods("GET")
	api.NewHandler(manager, logger, cfg.Server.MaxSegmentSize).RegisterRoutes(router)

	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)

	server := &http.Server{
		Handler:           httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("Server error: %v", err)
		}
	}()

	g := &TestGateway{
		Addr:     addr,
		URL:      "http://" + addr,
		Config:   cfg,
		Metrics:  m,
		Registry: reg,
		server:   server,
		client:   &http.Client{Timeout: 30 * time.Second},
		listener: listener,
	}
	if err := g.waitReady(5 * time.Second); err != nil {
		g.Close()
		t.Fatal(err)
	}
	return g
}

func (g *TestGateway) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := g.client.Get(g.URL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return errors.New("timeout waiting for gateway to start")
}

// Close shuts down the server.
func (g *TestGateway) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = g.server.Shutdown(ctx)
}

// Client returns the HTTP client for making requests.
func (g *TestGateway) Client() *http.Client {
	return g.client
}
