package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for key wrapping.
const MinRSAKeyBits = 2048

// RSAKeyWrapper wraps data keys with RSA-OAEP (SHA-256).
//
// A wrapper built without a private key can wrap but not unwrap, which is
// enough for upload-only brokers.
type RSAKeyWrapper struct {
	public  *rsa.PublicKey
	private *rsa.PrivateKey
}

// NewRSAKeyWrapper returns a wrapper for the given key pair. private may be nil.
func NewRSAKeyWrapper(public *rsa.PublicKey, private *rsa.PrivateKey) (*RSAKeyWrapper, error) {
	if public == nil && private != nil {
		public = &private.PublicKey
	}
	if public == nil {
		return nil, errors.New("rsa: public key is required")
	}
	if public.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("rsa: key size %d is below minimum %d", public.N.BitLen(), MinRSAKeyBits)
	}
	if private != nil && !private.PublicKey.Equal(public) {
		return nil, errors.New("rsa: public and private keys do not form a pair")
	}
	return &RSAKeyWrapper{public: public, private: private}, nil
}

// NewRSAKeyWrapperFromPEM parses PEM encoded keys. Either may be empty;
// the public key is derived from the private key when missing.
func NewRSAKeyWrapperFromPEM(publicPEM, privatePEM []byte) (*RSAKeyWrapper, error) {
	var public *rsa.PublicKey
	var err error
	if len(publicPEM) > 0 {
		public, err = ParseRSAPublicKeyPEM(publicPEM)
		if err != nil {
			return nil, err
		}
	}
	var private *rsa.PrivateKey
	if len(privatePEM) > 0 {
		private, err = ParseRSAPrivateKeyPEM(privatePEM)
		if err != nil {
			return nil, err
		}
	}
	return NewRSAKeyWrapper(public, private)
}

// LoadRSAKeyWrapper reads PEM key files. Either path may be empty.
func LoadRSAKeyWrapper(publicPath, privatePath string) (*RSAKeyWrapper, error) {
	var publicPEM, privatePEM []byte
	var err error
	if publicPath != "" {
		publicPEM, err = os.ReadFile(publicPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key file: %w", err)
		}
	}
	if privatePath != "" {
		privatePEM, err = os.ReadFile(privatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key file: %w", err)
		}
	}
	return NewRSAKeyWrapperFromPEM(publicPEM, privatePEM)
}

// Wrap encrypts the data key under the public key.
func (w *RSAKeyWrapper) Wrap(dataKey []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, w.public, dataKey, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa: failed to wrap key: %w", err)
	}
	return wrapped, nil
}

// Unwrap decrypts a wrapped data key with the private key.
func (w *RSAKeyWrapper) Unwrap(wrapped []byte) ([]byte, error) {
	if w.private == nil {
		return nil, fmt.Errorf("%w: no private key configured", ErrKeyUnwrap)
	}
	dataKey, err := rsa.DecryptOAEP(sha256.New(), nil, w.private, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	return dataKey, nil
}

// CanUnwrap reports whether a private key is configured.
func (w *RSAKeyWrapper) CanUnwrap() bool {
	return w.private != nil
}

// ParseRSAPublicKeyPEM accepts "PUBLIC KEY" (PKIX) and "RSA PUBLIC KEY" (PKCS#1) blocks.
func ParseRSAPublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("rsa: no PEM block found in public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("rsa: failed to parse public key: %w", err)
		}
		public, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("rsa: public key is %T, not RSA", key)
		}
		return public, nil
	case "RSA PUBLIC KEY":
		public, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("rsa: failed to parse public key: %w", err)
		}
		return public, nil
	default:
		return nil, fmt.Errorf("rsa: unexpected PEM block type %q", block.Type)
	}
}

// ParseRSAPrivateKeyPEM accepts "PRIVATE KEY" (PKCS#8) and "RSA PRIVATE KEY" (PKCS#1) blocks.
func ParseRSAPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("rsa: no PEM block found in private key")
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("rsa: failed to parse private key: %w", err)
		}
		private, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("rsa: private key is %T, not RSA", key)
		}
		return private, nil
	case "RSA PRIVATE KEY":
		private, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("rsa: failed to parse private key: %w", err)
		}
		return private, nil
	default:
		return nil, fmt.Errorf("rsa: unexpected PEM block type %q", block.Type)
	}
}

// GenerateRSAKeyPair returns a new key pair as PKIX public and PKCS#8 private PEM.
func GenerateRSAKeyPair(bits int) (publicPEM, privatePEM []byte, err error) {
	if bits < MinRSAKeyBits {
		return nil, nil, fmt.Errorf("rsa: key size %d is below minimum %d", bits, MinRSAKeyBits)
	}
	private, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("rsa: failed to generate key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("rsa: failed to marshal public key: %w", err)
	}
	privateDER, err := x509.MarshalPKCS8PrivateKey(private)
	if err != nil {
		return nil, nil, fmt.Errorf("rsa: failed to marshal private key: %w", err)
	}
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER})
	return publicPEM, privatePEM, nil
}
