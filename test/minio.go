package test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kenneth/tiered-segment-store/internal/config"
)

// MinIOTestServer manages a MinIO server for integration tests.
type MinIOTestServer struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	DataDir   string
	cmd       *exec.Cmd
	once      sync.Once
	cleanup   func()
}

var (
	minioServer *MinIOTestServer
	minioOnce   sync.Once
)

// StartMinIOServer returns a running MinIO server. MINIO_ENDPOINT selects
// an existing server; otherwise Docker or a local minio binary is used and
// the test is skipped when neither is available.
func StartMinIOServer(t *testing.T) *MinIOTestServer {
	t.Helper()

	minioOnce.Do(func() {
		server := &MinIOTestServer{
			AccessKey: envOr("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: envOr("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    "tiered-segments-test",
		}

		switch {
		case os.Getenv("MINIO_ENDPOINT") != "":
			server.Endpoint = os.Getenv("MINIO_ENDPOINT")
			server.cleanup = func() {}
		case hasDocker():
			if err := server.startDockerMinIO(); err != nil {
				t.Logf("Failed to start MinIO in Docker: %v", err)
				return
			}
		case hasMinIOBinary():
			if err := server.startBinaryMinIO(); err != nil {
				t.Logf("Failed to start MinIO binary: %v", err)
				return
			}
		default:
			return
		}

		if err := server.waitForMinIO(); err != nil {
			server.Stop()
			t.Logf("MinIO did not become ready: %v", err)
			return
		}
		if err := server.createBucket(context.Background()); err != nil {
			server.Stop()
			t.Logf("Failed to create test bucket: %v", err)
			return
		}
		minioServer = server
	})

	if minioServer == nil {
		t.Skip("MinIO server not available. Set MINIO_ENDPOINT or install Docker or MinIO for integration tests.")
	}
	return minioServer
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hasDocker() bool {
	return exec.Command("docker", "version").Run() == nil
}

func hasMinIOBinary() bool {
	return exec.Command("minio", "--version").Run() == nil
}

func (m *MinIOTestServer) startDockerMinIO() error {
	containerName := fmt.Sprintf("minio-segment-test-%d", time.Now().Unix())
	m.Endpoint = "http://localhost:9000"

	cmd := exec.Command("docker", "run", "--rm", "-d",
		"-p", "9000:9000",
		"-e", "MINIO_ROOT_USER="+m.AccessKey,
		"-e", "MINIO_ROOT_PASSWORD="+m.SecretKey,
		"--name", containerName,
		"minio/minio:latest",
		"server", "/data",
	)
	if err := cmd.Run(); err != nil {
		return err
	}
	m.cleanup = func() {
		_ = exec.Command("docker", "stop", containerName).Run()
	}
	return nil
}

func (m *MinIOTestServer) startBinaryMinIO() error {
	dataDir, err := os.MkdirTemp("", "minio-test-*")
	if err != nil {
		return err
	}
	m.DataDir = dataDir
	m.Endpoint = "http://localhost:9000"

	cmd := exec.Command("minio", "server", dataDir, "--address", ":9000")
	cmd.Env = append(os.Environ(),
		"MINIO_ROOT_USER="+m.AccessKey,
		"MINIO_ROOT_PASSWORD="+m.SecretKey,
	)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return err
	}

	m.cmd = cmd
	m.cleanup = func() {
		if m.cmd.Process != nil {
			_ = m.cmd.Process.Kill()
		}
		os.RemoveAll(dataDir)
	}
	return nil
}

func (m *MinIOTestServer) waitForMinIO() error {
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return errors.New("timeout waiting for MinIO")
		case <-ticker.C:
			resp, err := http.Get(m.Endpoint + "/minio/health/live")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}

// createBucket creates the test bucket unless it already exists.
func (m *MinIOTestServer) createBucket(ctx context.Context) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(m.AccessKey, m.SecretKey, "")),
	)
	if err != nil {
		return err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(m.Endpoint)
		o.UsePathStyle = true
	})

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(m.Bucket)})
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		return err
	}
	return nil
}

// Stop stops the MinIO server and cleans up resources.
func (m *MinIOTestServer) Stop() {
	m.once.Do(func() {
		if m.cleanup != nil {
			m.cleanup()
		}
	})
}

// StorageConfig returns the store configuration for this server. Each
// caller gets its own prefix so tests do not see each other's segments.
func (m *MinIOTestServer) StorageConfig(prefix string) config.StorageConfig {
	return config.StorageConfig{
		Backend:      "s3",
		Bucket:       m.Bucket,
		Prefix:       prefix,
		Endpoint:     m.Endpoint,
		Region:       "us-east-1",
		AccessKey:    m.AccessKey,
		SecretKey:    m.SecretKey,
		UsePathStyle: true,
	}
}
