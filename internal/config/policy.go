package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// PolicyConfig overrides upload settings for segments whose key matches
// one of its glob patterns. Encryption is global and cannot be overridden.
type PolicyConfig struct {
	ID          string             `yaml:"id"`
	Segments    []string           `yaml:"segments"` // Glob patterns for segment keys
	Chunking    *ChunkingConfig    `yaml:"chunking,omitempty"`
	Compression *CompressionConfig `yaml:"compression,omitempty"`
}

// PolicyManager manages loading and matching policies
type PolicyManager struct {
	policies []*PolicyConfig
	mu       sync.RWMutex
}

// NewPolicyManager creates a new policy manager
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: make([]*PolicyConfig, 0),
	}
}

// LoadPolicies loads policies from the specified file patterns
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	policies := make([]*PolicyConfig, 0)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy PolicyConfig
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}
			if err := policy.Validate(); err != nil {
				return fmt.Errorf("invalid policy file %s: %w", match, err)
			}

			policies = append(policies, &policy)
		}
	}

	pm.mu.Lock()
	pm.policies = policies
	pm.mu.Unlock()
	return nil
}

// Validate checks the policy on its own; overrides are validated again
// once applied to a full configuration.
func (p *PolicyConfig) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy must have an ID")
	}
	if len(p.Segments) == 0 {
		return fmt.Errorf("policy %s must specify at least one segment pattern", p.ID)
	}
	if p.Chunking != nil && (p.Chunking.ChunkSize < MinChunkSize || p.Chunking.ChunkSize > MaxChunkSize) {
		return fmt.Errorf("policy %s: chunking.chunk_size must be between %d and %d bytes", p.ID, MinChunkSize, MaxChunkSize)
	}
	return nil
}

// GetPolicyForSegment returns the first policy matching the segment key,
// in load order.
func (pm *PolicyManager) GetPolicyForSegment(segmentKey string) *PolicyConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		for _, pattern := range policy.Segments {
			if glob.Glob(pattern, segmentKey) {
				return policy
			}
		}
	}
	return nil
}

// Len returns the number of loaded policies.
func (pm *PolicyManager) Len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.policies)
}

// ApplyToConfig applies policy overrides to a copy of the base configuration
func (p *PolicyConfig) ApplyToConfig(base *Config) *Config {
	newConfig := base.clone()

	if p.Chunking != nil {
		newConfig.Chunking = *p.Chunking
	}
	if p.Compression != nil {
		newConfig.Compression = *p.Compression
	}

	return newConfig
}
