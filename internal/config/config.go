package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Chunk size bounds. They mirror the transform package limits.
const (
	DefaultChunkSize int64 = 4 * 1024 * 1024
	MinChunkSize     int64 = 1024
	MaxChunkSize     int64 = 64 * 1024 * 1024
)

// Key wrapper kinds.
const (
	KeyWrapperRSA = "rsa"
	KeyWrapperAge = "age"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr  string            `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel    string            `yaml:"log_level" env:"LOG_LEVEL"`
	Storage     StorageConfig     `yaml:"storage"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Compression CompressionConfig `yaml:"compression"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	Cache       CacheConfig       `yaml:"cache"`
	Audit       AuditConfig       `yaml:"audit"`
	TLS         TLSConfig         `yaml:"tls"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	PolicyFiles []string          `yaml:"policies" env:"POLICY_FILES"` // Glob patterns of segment policy files
}

// StorageConfig holds the remote object store configuration.
type StorageConfig struct {
	Backend      string `yaml:"backend" env:"STORAGE_BACKEND"` // s3 or memory
	Bucket       string `yaml:"bucket" env:"STORAGE_BUCKET"`
	Prefix       string `yaml:"prefix" env:"STORAGE_PREFIX"` // Prepended to every object key
	Endpoint     string `yaml:"endpoint" env:"STORAGE_ENDPOINT"`
	Region       string `yaml:"region" env:"STORAGE_REGION"`
	AccessKey    string `yaml:"access_key" env:"STORAGE_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"STORAGE_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"STORAGE_USE_PATH_STYLE"`
}

// ChunkingConfig controls how segments are cut before transformation.
type ChunkingConfig struct {
	ChunkSize int64 `yaml:"chunk_size" env:"CHUNKING_CHUNK_SIZE"`
}

// CompressionConfig holds compression settings.
type CompressionConfig struct {
	Enabled bool   `yaml:"enabled" env:"COMPRESSION_ENABLED"`
	Level   string `yaml:"level" env:"COMPRESSION_LEVEL"` // fastest, default, better, best
}

// EncryptionConfig selects the key wrapper protecting per-segment data keys.
type EncryptionConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENCRYPTION_ENABLED"`
	KeyWrapper      string `yaml:"key_wrapper" env:"ENCRYPTION_KEY_WRAPPER"` // rsa or age
	PublicKeyFile   string `yaml:"public_key_file" env:"ENCRYPTION_PUBLIC_KEY_FILE"`
	PrivateKeyFile  string `yaml:"private_key_file" env:"ENCRYPTION_PRIVATE_KEY_FILE"`
	AgeRecipient    string `yaml:"age_recipient" env:"ENCRYPTION_AGE_RECIPIENT"`
	AgeIdentityFile string `yaml:"age_identity_file" env:"ENCRYPTION_AGE_IDENTITY_FILE"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxSegmentSize    int64         `yaml:"max_segment_size" env:"SERVER_MAX_SEGMENT_SIZE"` // Largest accepted upload body
}

// CacheConfig holds manifest cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// LoggingConfig controls request logging.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter       string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout or otlp
	OtlpEndpoint   string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactKeys     bool    `yaml:"redact_keys" env:"TRACING_REDACT_KEYS"` // Omit segment keys from span attributes
}

// RateLimitConfig holds per-client request rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Storage: StorageConfig{
			Backend: "s3",
			Prefix:  "segments/",
			Region:  "us-east-1",
		},
		Chunking: ChunkingConfig{
			ChunkSize: DefaultChunkSize,
		},
		Compression: CompressionConfig{
			Enabled: false,
			Level:   "default",
		},
		Encryption: EncryptionConfig{
			Enabled:    false,
			KeyWrapper: KeyWrapperRSA,
		},
		Server: ServerConfig{
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			MaxSegmentSize:    1 << 30, // 1GB
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxItems:   1000,
			DefaultTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization"},
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "tiered-segment-store",
			ServiceVersion: "dev",
			Exporter:       "stdout",
			SamplingRatio:  1.0,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  time.Minute,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func envList(v string) []string {
	parts := strings.Split(v, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	// Storage
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		config.Storage.Bucket = v
	}
	if v := os.Getenv("STORAGE_PREFIX"); v != "" {
		config.Storage.Prefix = v
	}
	if v := os.Getenv("STORAGE_ENDPOINT"); v != "" {
		config.Storage.Endpoint = v
	}
	if v := os.Getenv("STORAGE_REGION"); v != "" {
		config.Storage.Region = v
	}
	if v := os.Getenv("STORAGE_ACCESS_KEY"); v != "" {
		config.Storage.AccessKey = v
	}
	if v := os.Getenv("STORAGE_SECRET_KEY"); v != "" {
		config.Storage.SecretKey = v
	}
	if v := os.Getenv("STORAGE_USE_PATH_STYLE"); v != "" {
		config.Storage.UsePathStyle = envBool(v)
	}
	// Chunking and compression
	if v := os.Getenv("CHUNKING_CHUNK_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Chunking.ChunkSize = size
		}
	}
	if v := os.Getenv("COMPRESSION_ENABLED"); v != "" {
		config.Compression.Enabled = envBool(v)
	}
	if v := os.Getenv("COMPRESSION_LEVEL"); v != "" {
		config.Compression.Level = v
	}
	// Encryption
	if v := os.Getenv("ENCRYPTION_ENABLED"); v != "" {
		config.Encryption.Enabled = envBool(v)
	}
	if v := os.Getenv("ENCRYPTION_KEY_WRAPPER"); v != "" {
		config.Encryption.KeyWrapper = v
	}
	if v := os.Getenv("ENCRYPTION_PUBLIC_KEY_FILE"); v != "" {
		config.Encryption.PublicKeyFile = v
	}
	if v := os.Getenv("ENCRYPTION_PRIVATE_KEY_FILE"); v != "" {
		config.Encryption.PrivateKeyFile = v
	}
	if v := os.Getenv("ENCRYPTION_AGE_RECIPIENT"); v != "" {
		config.Encryption.AgeRecipient = v
	}
	if v := os.Getenv("ENCRYPTION_AGE_IDENTITY_FILE"); v != "" {
		config.Encryption.AgeIdentityFile = v
	}
	// TLS
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = envBool(v)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}
	// Server timeouts from environment
	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		var maxBytes int
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxHeaderBytes = maxBytes
		}
	}
	if v := os.Getenv("SERVER_MAX_SEGMENT_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil && size > 0 {
			config.Server.MaxSegmentSize = size
		}
	}
	// Cache configuration
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		config.Cache.Enabled = envBool(v)
	}
	if v := os.Getenv("CACHE_MAX_ITEMS"); v != "" {
		var maxItems int
		if _, err := fmt.Sscanf(v, "%d", &maxItems); err == nil && maxItems > 0 {
			config.Cache.MaxItems = maxItems
		}
	}
	if v := os.Getenv("CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Cache.DefaultTTL = d
		}
	}
	// Audit configuration
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = envBool(v)
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	// Logging configuration
	if v := os.Getenv("LOGGING_ACCESS_LOG_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = envList(v)
	}
	if v := os.Getenv("POLICY_FILES"); v != "" {
		config.PolicyFiles = envList(v)
	}
	// Tracing configuration
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_KEYS"); v != "" {
		config.Tracing.RedactKeys = envBool(v)
	}
	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = envBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			config.RateLimit.Limit = limit
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Storage.Backend {
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
		// Credentials are optional; the default AWS chain is used when both are empty.
		if (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
			return fmt.Errorf("storage.access_key and storage.secret_key must be set together")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be s3 or memory)", c.Storage.Backend)
	}

	if c.Chunking.ChunkSize < MinChunkSize || c.Chunking.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunking.chunk_size must be between %d and %d bytes, got %d",
			MinChunkSize, MaxChunkSize, c.Chunking.ChunkSize)
	}

	validLevels := map[string]bool{"": true, "fastest": true, "default": true, "better": true, "best": true}
	if !validLevels[c.Compression.Level] {
		return fmt.Errorf("invalid compression.level: %s (must be fastest, default, better, or best)", c.Compression.Level)
	}

	if c.Encryption.Enabled {
		switch c.Encryption.KeyWrapper {
		case KeyWrapperRSA:
			if c.Encryption.PublicKeyFile == "" && c.Encryption.PrivateKeyFile == "" {
				return fmt.Errorf("encryption.public_key_file or encryption.private_key_file is required for the rsa key wrapper")
			}
		case KeyWrapperAge:
			if c.Encryption.AgeRecipient == "" && c.Encryption.AgeIdentityFile == "" {
				return fmt.Errorf("encryption.age_recipient or encryption.age_identity_file is required for the age key wrapper")
			}
		default:
			return fmt.Errorf("invalid encryption.key_wrapper: %s (must be rsa or age)", c.Encryption.KeyWrapper)
		}
	}

	// Validate TLS configuration
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.Cache.Enabled && c.Cache.MaxItems <= 0 {
		return fmt.Errorf("cache.max_items must be positive when the cache is enabled")
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	// Validate tracing configuration
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate_limit.limit must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive when rate limiting is enabled")
		}
	}

	return nil
}
