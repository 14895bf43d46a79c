package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeEncryption   ErrorType = "encryption"
	ErrorTypePersistence  ErrorType = "persistence"
	ErrorTypeExportLimit  ErrorType = "export_limit"
	ErrorTypeInternal     ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables. These are sentinels for errors.Is; build fresh
// errors with NewDomainError or the helpers below when details are needed.

var (
	ErrAuditRecordNotFound = NewDomainError(ErrorTypeNotFound, "audit record not found", nil)
	ErrKeyNotFound         = NewDomainError(ErrorTypeNotFound, "encryption key not found", nil)

	ErrInvalidInput   = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrEmptyText      = NewDomainError(ErrorTypeValidation, "text cannot be empty", nil)
	ErrTextTooLarge   = NewDomainError(ErrorTypeValidation, "text exceeds maximum size", nil)
	ErrInvalidAction  = NewDomainError(ErrorTypeValidation, "unrecognized audit action", nil)
	ErrInvalidFilter  = NewDomainError(ErrorTypeValidation, "invalid audit filter", nil)
	ErrInvalidTier    = NewDomainError(ErrorTypeValidation, "invalid risk tier", nil)
	ErrInvalidRange   = NewDomainError(ErrorTypeValidation, "invalid date range", nil)

	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrForbidden    = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)

	ErrKeyConflict = NewDomainError(ErrorTypeConflict, "encryption key version conflict", nil)

	ErrInvalidKey       = NewDomainError(ErrorTypeEncryption, "invalid encryption key", nil)
	ErrMalformedPayload = NewDomainError(ErrorTypeEncryption, "malformed ciphertext envelope", nil)
	ErrDecryptFailed    = NewDomainError(ErrorTypeEncryption, "decryption failed", nil)

	ErrPersistence = NewDomainError(ErrorTypePersistence, "audit persistence failed", nil)

	ErrExportLimitExceeded = NewDomainError(ErrorTypeExportLimit, "export exceeds record ceiling", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// Error type checking helper functions

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool { return hasType(err, ErrorTypeUnauthorized) }

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool { return hasType(err, ErrorTypeForbidden) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return hasType(err, ErrorTypeConflict) }

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool { return hasType(err, ErrorTypeEncryption) }

// IsPersistenceError checks if an error is a persistence error
func IsPersistenceError(err error) bool { return hasType(err, ErrorTypePersistence) }

// IsExportLimitError checks if an error is an export limit error
func IsExportLimitError(err error) bool { return hasType(err, ErrorTypeExportLimit) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return hasType(err, ErrorTypeInternal) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapPersistence wraps a storage failure
func WrapPersistence(message string, err error) error {
	return NewDomainError(ErrorTypePersistence, message, err)
}

// NewValidationError builds a validation error naming the offending field
func NewValidationError(field, message string) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, nil).WithDetail("field", field)
}

// NewExportLimitError reports an export that matched more records than allowed
func NewExportLimitError(ceiling, matched int) *DomainError {
	return NewDomainError(ErrorTypeExportLimit,
		fmt.Sprintf("export matched %d records, exceeding the ceiling of %d; narrow the date range", matched, ceiling), nil).
		WithDetail("ceiling", ceiling).
		WithDetail("matched", matched)
}
