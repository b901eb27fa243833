package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// AgeKeyWrapper wraps data keys to one or more age X25519 recipients and
// unwraps them with an age identity.
type AgeKeyWrapper struct {
	recipients []age.Recipient
	identity   *age.X25519Identity
}

// NewAgeKeyWrapper parses age1... recipient strings and an optional
// AGE-SECRET-KEY-1... identity. When recipients is empty the identity's own
// recipient is used.
func NewAgeKeyWrapper(recipientKeys []string, identityKey string) (*AgeKeyWrapper, error) {
	var identity *age.X25519Identity
	if identityKey = strings.TrimSpace(identityKey); identityKey != "" {
		parsed, err := age.ParseX25519Identity(identityKey)
		if err != nil {
			return nil, fmt.Errorf("age: parsing identity: %w", err)
		}
		identity = parsed
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys)+1)
	for _, key := range recipientKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("age: parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	if len(recipients) == 0 && identity != nil {
		recipients = append(recipients, identity.Recipient())
	}
	if len(recipients) == 0 {
		return nil, errors.New("age: at least one recipient or an identity is required")
	}

	return &AgeKeyWrapper{recipients: recipients, identity: identity}, nil
}

// LoadAgeKeyWrapper reads the identity from identityPath (may be empty) and
// combines it with the given recipients.
func LoadAgeKeyWrapper(recipientKeys []string, identityPath string) (*AgeKeyWrapper, error) {
	var identityKey string
	if identityPath != "" {
		data, err := os.ReadFile(identityPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read age identity file: %w", err)
		}
		identityKey = firstIdentityLine(string(data))
	}
	return NewAgeKeyWrapper(recipientKeys, identityKey)
}

// firstIdentityLine skips the comment lines age-keygen writes above the key.
func firstIdentityLine(data string) string {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return line
		}
	}
	return ""
}

// Wrap encrypts the data key to every configured recipient.
func (w *AgeKeyWrapper) Wrap(dataKey []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, w.recipients...)
	if err != nil {
		return nil, fmt.Errorf("age: creating encryptor: %w", err)
	}
	if _, err := writer.Write(dataKey); err != nil {
		return nil, fmt.Errorf("age: writing data key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("age: finalizing encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// Unwrap decrypts a wrapped data key with the configured identity.
func (w *AgeKeyWrapper) Unwrap(wrapped []byte) ([]byte, error) {
	if w.identity == nil {
		return nil, fmt.Errorf("%w: no age identity configured", ErrKeyUnwrap)
	}
	reader, err := age.Decrypt(bytes.NewReader(wrapped), w.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	dataKey, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	return dataKey, nil
}

// GenerateAgeIdentity returns a new identity and its recipient string.
func GenerateAgeIdentity() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("age: generating identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}
