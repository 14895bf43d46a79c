package models

import (
	"fmt"
	"time"
)

// KeyStatus is the lifecycle state of an encryption key version
type KeyStatus string

const (
	KeyStatusActive     KeyStatus = "active"
	KeyStatusRotated    KeyStatus = "rotated"
	KeyStatusDeprecated KeyStatus = "deprecated"
)

// KeyNamespace separates data classes that must never share a key.
type KeyNamespace string

const (
	KeyNamespacePHISample KeyNamespace = "phi_sample"
	KeyNamespaceToken     KeyNamespace = "third_party_token"
)

// IsValid reports whether n is a known namespace.
func (n KeyNamespace) IsValid() bool {
	return n == KeyNamespacePHISample || n == KeyNamespaceToken
}

// KeyAlgorithmAES256GCM is the only supported cipher.
const KeyAlgorithmAES256GCM = "aes-256-gcm"

// EncryptionKey is operational metadata about a key version. Key material
// is never stored in this record.
type EncryptionKey struct {
	Namespace    KeyNamespace `json:"namespace" db:"namespace"`
	Version      int          `json:"version" db:"version"`
	Algorithm    string       `json:"algorithm" db:"algorithm"`
	Status       KeyStatus    `json:"status" db:"status"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	RotatedAt    *time.Time   `json:"rotated_at,omitempty" db:"rotated_at"`
	DeprecatedAt *time.Time   `json:"deprecated_at,omitempty" db:"deprecated_at"`
}

// TableName returns the table name for the EncryptionKey model
func (EncryptionKey) TableName() string {
	return "encryption_keys"
}

// NewEncryptionKey creates active key metadata
func NewEncryptionKey(namespace KeyNamespace, version int) *EncryptionKey {
	return &EncryptionKey{
		Namespace: namespace,
		Version:   version,
		Algorithm: KeyAlgorithmAES256GCM,
		Status:    KeyStatusActive,
		CreatedAt: time.Now().UTC(),
	}
}

func (s KeyStatus) rank() int {
	switch s {
	case KeyStatusActive:
		return 0
	case KeyStatusRotated:
		return 1
	case KeyStatusDeprecated:
		return 2
	}
	return -1
}

// CanTransition reports whether the status may move from s to next.
// Progression is strictly forward, one step at a time.
func (s KeyStatus) CanTransition(next KeyStatus) bool {
	from, to := s.rank(), next.rank()
	return from >= 0 && to == from+1
}

// Transition advances the key status and stamps the matching timestamp.
func (k *EncryptionKey) Transition(next KeyStatus, at time.Time) error {
	if !k.Status.CanTransition(next) {
		return fmt.Errorf("invalid key status transition %s -> %s", k.Status, next)
	}
	k.Status = next
	switch next {
	case KeyStatusRotated:
		k.RotatedAt = &at
	case KeyStatusDeprecated:
		k.DeprecatedAt = &at
	}
	return nil
}

// GraceExpired reports whether a rotated key has outlived its grace window.
func (k *EncryptionKey) GraceExpired(grace time.Duration, now time.Time) bool {
	if k.Status != KeyStatusRotated || k.RotatedAt == nil {
		return false
	}
	return now.Sub(*k.RotatedAt) >= grace
}
