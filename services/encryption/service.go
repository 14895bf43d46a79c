// Package encryption provides AES-256-GCM envelope encryption for values
// stored at rest, and a keyring of versioned keys per data class.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/services"
)

const (
	// KeySize is the decoded key length for AES-256.
	KeySize = 32
	// IVSize is the per-call nonce length.
	IVSize = 16
	// TagSize is the GCM authentication tag length.
	TagSize = 16

	envelopeSeparator = ":"
)

// Service encrypts and decrypts with a single key.
type Service struct {
	namespace models.KeyNamespace
	version   int
	aead      cipher.AEAD
	keyDigest string
}

// NewService creates a service from base64-encoded key material.
func NewService(namespace models.KeyNamespace, version int, key string) (*Service, error) {
	raw, err := decodeKey(key)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeEncryption, "failed to initialize cipher", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeEncryption, "failed to initialize GCM", err)
	}

	sum := sha256.Sum256(raw)
	return &Service{
		namespace: namespace,
		version:   version,
		aead:      aead,
		keyDigest: hex.EncodeToString(sum[:]),
	}, nil
}

// Namespace returns the data class this key belongs to.
func (s *Service) Namespace() models.KeyNamespace {
	return s.namespace
}

// Version returns the key version.
func (s *Service) Version() int {
	return s.version
}

// Encrypt returns an iv:tag:ciphertext envelope, or nil for empty plaintext.
func (s *Service) Encrypt(plaintext string) (*string, error) {
	if plaintext == "" {
		return nil, nil
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeEncryption, "failed to generate IV", err)
	}

	sealed := s.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	envelope := strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, envelopeSeparator)
	return &envelope, nil
}

// Decrypt opens an envelope produced by Encrypt. Tampering or a wrong key
// yields an error and no plaintext.
func (s *Service) Decrypt(envelope string) (string, error) {
	iv, tag, ct, err := splitEnvelope(envelope)
	if err != nil {
		return "", err
	}
	if len(iv) != IVSize || len(tag) != TagSize {
		return "", services.ErrMalformedPayload
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := s.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", services.NewDomainError(services.ErrorTypeEncryption, services.ErrDecryptFailed.Message, err)
	}
	return string(plain), nil
}

// EncryptFields encrypts the named string fields of obj in place. Nil values
// pass through; non-string values are rejected before anything is modified.
func (s *Service) EncryptFields(obj map[string]interface{}, fields ...string) error {
	return s.applyFields(obj, fields, func(v string) (interface{}, error) {
		out, err := s.Encrypt(v)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		return *out, nil
	})
}

// DecryptFields decrypts the named string fields of obj in place.
func (s *Service) DecryptFields(obj map[string]interface{}, fields ...string) error {
	return s.applyFields(obj, fields, func(v string) (interface{}, error) {
		if v == "" {
			return v, nil
		}
		return s.Decrypt(v)
	})
}

func (s *Service) applyFields(obj map[string]interface{}, fields []string, fn func(string) (interface{}, error)) error {
	if obj == nil {
		return nil
	}

	for _, f := range fields {
		v, ok := obj[f]
		if !ok || v == nil {
			continue
		}
		if _, isString := v.(string); !isString {
			return services.NewValidationError(f, fmt.Sprintf("field %q must be a string, got %T", f, v))
		}
	}

	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		v, ok := obj[f]
		if !ok || v == nil {
			continue
		}
		converted, err := fn(v.(string))
		if err != nil {
			return fmt.Errorf("field %q: %w", f, err)
		}
		out[f] = converted
	}

	for k, v := range out {
		obj[k] = v
	}
	return nil
}

// Hash returns the SHA-256 hex digest of data.
func Hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns fresh base64-encoded 256-bit key material.
func GenerateKey() (string, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", services.NewDomainError(services.ErrorTypeEncryption, "failed to generate key", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// IsValidKey reports whether key is base64 that decodes to exactly 32 bytes.
func IsValidKey(key string) bool {
	_, err := decodeKey(key)
	return err == nil
}

// IsEncrypted reports whether value has the envelope shape. It does not
// attempt decryption.
func IsEncrypted(value string) bool {
	iv, tag, _, err := splitEnvelope(value)
	return err == nil && len(iv) == IVSize && len(tag) == TagSize
}

func decodeKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, services.NewDomainError(services.ErrorTypeEncryption, "encryption key is empty", nil)
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypeEncryption, services.ErrInvalidKey.Message, err)
	}
	if len(raw) != KeySize {
		return nil, services.NewDomainError(services.ErrorTypeEncryption,
			fmt.Sprintf("encryption key must decode to %d bytes, got %d", KeySize, len(raw)), nil)
	}
	return raw, nil
}

func splitEnvelope(envelope string) (iv, tag, ct []byte, err error) {
	parts := strings.Split(envelope, envelopeSeparator)
	if len(parts) != 3 {
		return nil, nil, nil, services.ErrMalformedPayload
	}

	decoded := make([][]byte, 3)
	for i, p := range parts {
		b, decErr := base64.StdEncoding.DecodeString(p)
		if decErr != nil {
			return nil, nil, nil, services.NewDomainError(services.ErrorTypeEncryption, services.ErrMalformedPayload.Message, decErr)
		}
		decoded[i] = b
	}
	return decoded[0], decoded[1], decoded[2], nil
}
