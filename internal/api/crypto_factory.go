package api

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/tiered-segment-store/internal/config"
	"github.com/kenneth/tiered-segment-store/internal/crypto"
)

// BuildKeyWrapper builds the data key wrapper from configuration. It
// returns nil when no key material is configured, in which case only
// unencrypted segments can be written and read.
func BuildKeyWrapper(cfg *config.EncryptionConfig, logger logrus.FieldLogger) (crypto.KeyWrapper, error) {
	kind := strings.ToLower(cfg.KeyWrapper)
	if kind == "" {
		kind = config.KeyWrapperRSA
	}

	switch kind {
	case config.KeyWrapperRSA:
		if cfg.PublicKeyFile == "" && cfg.PrivateKeyFile == "" {
			return nil, nil
		}
		w, err := crypto.LoadRSAKeyWrapper(cfg.PublicKeyFile, cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load RSA key wrapper: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"key_wrapper": kind,
			"can_unwrap":  w.CanUnwrap(),
		}).Info("Key wrapper initialized")
		return w, nil

	case config.KeyWrapperAge:
		if cfg.AgeRecipient == "" && cfg.AgeIdentityFile == "" {
			return nil, nil
		}
		var recipients []string
		if cfg.AgeRecipient != "" {
			recipients = []string{cfg.AgeRecipient}
		}
		w, err := crypto.LoadAgeKeyWrapper(recipients, cfg.AgeIdentityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load age key wrapper: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"key_wrapper": kind,
			"can_unwrap":  cfg.AgeIdentityFile != "",
		}).Info("Key wrapper initialized")
		return w, nil

	default:
		return nil, fmt.Errorf("unsupported key wrapper %q", cfg.KeyWrapper)
	}
}
