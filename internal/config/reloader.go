package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked with the previous and the newly loaded
// configuration after a successful reload.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration file on change or SIGHUP.
// Settings that affect how stored segments are read or written cannot
// change at runtime; reloads touching them are rejected.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal
	done    chan struct{}

	mu       sync.RWMutex
	current  *Config
	callback ReloadCallback

	stopOnce sync.Once
}

// NewConfigReloader creates a reloader. With an empty path only SIGHUP
// triggers reloads.
func NewConfigReloader(path string, initial *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: initial,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the callback run after each reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.clone()
}

// Start processes reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-r.done:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				r.logger.WithField("event", event.Op.String()).Info("Configuration file changed, reloading")
				r.reload()
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Stop ends Start and releases the watcher. It is safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	if r.path == "" {
		r.logger.Warn("No configuration file to reload")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping current settings")
		return
	}

	r.mu.Lock()
	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		r.mu.Unlock()
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	r.current = next
	cb := r.callback
	r.mu.Unlock()

	if cb != nil {
		if err := cb(old.clone(), next.clone()); err != nil {
			r.logger.WithError(err).Error("Configuration reload callback failed")
			return
		}
	}
	r.logger.Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that would make stored segments
// unreadable or change where they are written.
func (r *ConfigReloader) validateReloadSafety(old, next *Config) error {
	checks := []struct {
		name    string
		changed bool
	}{
		{"storage.backend", old.Storage.Backend != next.Storage.Backend},
		{"storage.bucket", old.Storage.Bucket != next.Storage.Bucket},
		{"storage.prefix", old.Storage.Prefix != next.Storage.Prefix},
		{"storage.endpoint", old.Storage.Endpoint != next.Storage.Endpoint},
		{"encryption.enabled", old.Encryption.Enabled != next.Encryption.Enabled},
		{"encryption.key_wrapper", old.Encryption.KeyWrapper != next.Encryption.KeyWrapper},
		{"encryption.public_key_file", old.Encryption.PublicKeyFile != next.Encryption.PublicKeyFile},
		{"encryption.private_key_file", old.Encryption.PrivateKeyFile != next.Encryption.PrivateKeyFile},
		{"encryption.age_recipient", old.Encryption.AgeRecipient != next.Encryption.AgeRecipient},
		{"encryption.age_identity_file", old.Encryption.AgeIdentityFile != next.Encryption.AgeIdentityFile},
		{"chunking.chunk_size", old.Chunking.ChunkSize != next.Chunking.ChunkSize},
		{"compression.enabled", old.Compression.Enabled != next.Compression.Enabled},
	}
	for _, c := range checks {
		if c.changed {
			return fmt.Errorf("%s cannot be changed during hot reload", c.name)
		}
	}
	return nil
}

func (c *Config) clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Logging.RedactHeaders = slices.Clone(c.Logging.RedactHeaders)
	out.PolicyFiles = slices.Clone(c.PolicyFiles)
	return &out
}
