// Package encryption provides AES-256-GCM authenticated encryption for sensitive fields
// stored at rest.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/GabrielFerla/xp/internal/pkg/metrics"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	ErrEncryption = errors.New("encryption failed")
	ErrDecryption = errors.New("decryption failed")
	ErrInvalidKey = errors.New("encryption key must be 32 bytes (256 bits)")
)

// Service encrypts and decrypts field values. The key is read-only after construction,
// so a Service is safe for concurrent use.
type Service struct {
	aead      cipher.AEAD
	ephemeral bool
	log       *zap.Logger
}

// New builds a Service from a base64 encoded 256-bit key. An empty key generates a fresh
// key for this process only; data encrypted with it cannot be decrypted after a restart.
func New(keyBase64 string, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var key []byte
	ephemeral := false
	if keyBase64 = strings.TrimSpace(keyBase64); keyBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(keyBase64)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key format: %w", err)
		}
		key = decoded
	} else {
		generated, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		key, _ = base64.StdEncoding.DecodeString(generated)
		ephemeral = true
		log.Warn("generated new encryption key; add it to configuration to keep encrypted data readable across restarts",
			zap.String("encryption.key", generated))
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Service{aead: aead, ephemeral: ephemeral, log: log}, nil
}

// Ephemeral reports whether the key was generated at startup instead of configured.
func (s *Service) Ephemeral() bool {
	return s.ephemeral
}

// Encrypt returns base64(nonce || ciphertext || tag). Empty input is returned unchanged.
func (s *Service) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		metrics.CryptoOperationsTotal.WithLabelValues("encrypt", "error").Inc()
		return "", fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryption, err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	metrics.CryptoOperationsTotal.WithLabelValues("encrypt", "success").Inc()
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any malformed, truncated or tampered input fails with
// ErrDecryption; unauthenticated plaintext is never returned.
func (s *Service) Decrypt(blob string) (string, error) {
	if blob == "" {
		return blob, nil
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", s.decryptFailure(fmt.Errorf("%w: invalid ciphertext format: %v", ErrDecryption, err))
	}
	if len(raw) < NonceSize+TagSize {
		return "", s.decryptFailure(fmt.Errorf("%w: ciphertext too short", ErrDecryption))
	}

	nonce, ciphertext := raw[:NonceSize], raw[NonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", s.decryptFailure(fmt.Errorf("%w: %v", ErrDecryption, err))
	}
	metrics.CryptoOperationsTotal.WithLabelValues("decrypt", "success").Inc()
	return string(plaintext), nil
}

func (s *Service) decryptFailure(err error) error {
	metrics.CryptoOperationsTotal.WithLabelValues("decrypt", "error").Inc()
	s.log.Warn("field decryption failed", zap.Error(err))
	return err
}

// EncryptPII encrypts personal data; label names the field for debug logs only.
func (s *Service) EncryptPII(value, label string) (string, error) {
	s.log.Debug("encrypting PII", zap.String("context", label))
	return s.Encrypt(value)
}

// DecryptPII decrypts personal data; label names the field for debug logs only.
func (s *Service) DecryptPII(value, label string) (string, error) {
	s.log.Debug("decrypting PII", zap.String("context", label))
	return s.Decrypt(value)
}

// IsEncrypted is a heuristic: data is at least 16 characters and valid base64. It must
// not drive security decisions.
func IsEncrypted(data string) bool {
	if len(data) < 16 {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(data)
	return err == nil
}

// GenerateKey returns a random base64 encoded AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
