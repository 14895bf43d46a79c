package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/phi-audit-core/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// AuditRepository handles audit record storage. Records are append-only:
// the only permitted mutation is ReplaceSample during key rotation.
type AuditRepository interface {
	// Insert appends a record and sets its ID and CreatedAt
	Insert(ctx context.Context, record *models.AuditRecord) error

	// GetByEventID retrieves a record by its event identifier
	GetByEventID(ctx context.Context, eventID uuid.UUID) (*models.AuditRecord, error)

	// Query returns one page of records matching the filter, newest first
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditRecord, error)

	// Count returns the size of the full filtered set, ignoring pagination
	Count(ctx context.Context, filter models.AuditFilter) (int, error)

	// Summary aggregates PHI, failure and tier counts over the filtered set
	Summary(ctx context.Context, filter models.AuditFilter) (*models.AuditSummary, error)

	// Statistics aggregates a date window
	Statistics(ctx context.Context, window models.DateRange) (*models.AuditStatistics, error)

	// ActivityByAction groups a date window by action
	ActivityByAction(ctx context.Context, window models.DateRange) ([]*models.ActionActivity, error)

	// TopActors ranks actors by event count within a window
	TopActors(ctx context.Context, opts models.TopActorsOptions) ([]*models.ActorActivity, error)

	// ListSamplesForRotation returns records whose sample was encrypted with
	// keyVersion, ordered by ID and starting after afterID
	ListSamplesForRotation(ctx context.Context, keyVersion int, afterID int64, limit int) ([]*models.AuditRecord, error)

	// ReplaceSample swaps a record's sample only if it is still at
	// expectedVersion. It reports whether the row was updated.
	ReplaceSample(ctx context.Context, id int64, expectedVersion int, sample string, newVersion int) (bool, error)

	// CountSamplesByVersion counts records still encrypted with keyVersion
	CountSamplesByVersion(ctx context.Context, keyVersion int) (int, error)
}

// EncryptionKeyRepository stores key metadata, never key material
type EncryptionKeyRepository interface {
	// Create inserts key metadata
	Create(ctx context.Context, key *models.EncryptionKey) error

	// Get retrieves a key version
	Get(ctx context.Context, namespace models.KeyNamespace, version int) (*models.EncryptionKey, error)

	// GetActive retrieves the active key of a namespace
	GetActive(ctx context.Context, namespace models.KeyNamespace) (*models.EncryptionKey, error)

	// ListByStatus lists keys of a namespace in a given status
	ListByStatus(ctx context.Context, namespace models.KeyNamespace, status models.KeyStatus) ([]*models.EncryptionKey, error)

	// UpdateStatus persists a status transition
	UpdateStatus(ctx context.Context, key *models.EncryptionKey) error
}

// UsageRepository stores windowed usage counters
type UsageRepository interface {
	// Increment atomically adds delta and returns the new count
	Increment(ctx context.Context, key string, windowStart time.Time, delta int64) (int64, error)

	// Get retrieves a counter, returning a zero counter when absent
	Get(ctx context.Context, key string, windowStart time.Time) (*models.UsageCounter, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	AuditRecords   AuditRepository
	EncryptionKeys EncryptionKeyRepository
	UsageCounters  UsageRepository
}
