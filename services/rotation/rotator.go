// Package rotation re-encrypts stored PHI samples under a new key and
// retires old keys once their grace window has passed.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories"
	"github.com/upb/phi-audit-core/services"
	"github.com/upb/phi-audit-core/services/encryption"
)

// DefaultBatchSize is the number of records migrated per page
const DefaultBatchSize = 500

// Keys resolves key versions of a namespace
type Keys interface {
	Active(namespace models.KeyNamespace) (*encryption.Service, error)
	Get(namespace models.KeyNamespace, version int) (*encryption.Service, error)
	Remove(namespace models.KeyNamespace, version int) error
}

// Config holds rotation settings
type Config struct {
	BatchSize   int
	GracePeriod time.Duration
}

// RecordError is a single record that could not be migrated. The record
// keeps its old ciphertext.
type RecordError struct {
	RecordID int64     `json:"record_id"`
	EventID  uuid.UUID `json:"event_id"`
	Error    string    `json:"error"`
}

// Report summarizes one rotation run
type Report struct {
	Namespace   models.KeyNamespace `json:"namespace"`
	FromVersion int                 `json:"from_version"`
	ToVersion   int                 `json:"to_version"`
	Scanned     int                 `json:"scanned"`
	Migrated    int                 `json:"migrated"`
	// Skipped records were migrated by a concurrent run.
	Skipped    int           `json:"skipped"`
	Failed     []RecordError `json:"failed"`
	Remaining  int           `json:"remaining"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Partial reports whether any record failed to migrate
func (r *Report) Partial() bool {
	return len(r.Failed) > 0
}

// Rotator migrates samples from a previous key version to the active one
type Rotator struct {
	audit   repositories.AuditRepository
	keyMeta repositories.EncryptionKeyRepository
	tx      repositories.TransactionManager
	keys    Keys
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
}

// NewRotator creates a new Rotator
func NewRotator(
	repos *repositories.Repositories,
	tx repositories.TransactionManager,
	keys Keys,
	logger *zap.Logger,
	cfg Config,
) *Rotator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Rotator{
		audit:   repos.AuditRecords,
		keyMeta: repos.EncryptionKeys,
		tx:      tx,
		keys:    keys,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Rotate re-encrypts every PHI sample still under fromVersion with the
// active key. Each record is swapped individually, guarded by its key
// version, so a run can be interrupted and resumed at any point. Records
// that fail keep their old ciphertext and are listed in the report.
func (r *Rotator) Rotate(ctx context.Context, fromVersion int) (*Report, error) {
	ns := models.KeyNamespacePHISample

	from, err := r.keys.Get(ns, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous key: %w", err)
	}
	to, err := r.keys.Active(ns)
	if err != nil {
		return nil, fmt.Errorf("failed to load active key: %w", err)
	}
	if to.Version() <= fromVersion {
		return nil, services.NewValidationError("from_version",
			fmt.Sprintf("previous key version must be older than the active version %d", to.Version()))
	}

	report := &Report{
		Namespace:   ns,
		FromVersion: fromVersion,
		ToVersion:   to.Version(),
		Failed:      []RecordError{},
		StartedAt:   r.now(),
	}

	if err := r.recordKeyTransition(ctx, ns, fromVersion, to.Version()); err != nil {
		return nil, err
	}

	r.logger.Info("starting sample re-encryption",
		zap.Int("from_version", fromVersion),
		zap.Int("to_version", to.Version()),
		zap.Int("batch_size", r.cfg.BatchSize))

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = r.now()
			return report, fmt.Errorf("rotation interrupted after record %d: %w", afterID, err)
		}

		batch, err := r.audit.ListSamplesForRotation(ctx, fromVersion, afterID, r.cfg.BatchSize)
		if err != nil {
			report.FinishedAt = r.now()
			return report, fmt.Errorf("failed to list samples for rotation: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, rec := range batch {
			afterID = rec.ID
			report.Scanned++

			migrated, err := r.migrate(ctx, rec, from, to)
			switch {
			case err != nil:
				report.Failed = append(report.Failed, RecordError{
					RecordID: rec.ID,
					EventID:  rec.EventID,
					Error:    err.Error(),
				})
				r.logger.Warn("failed to re-encrypt sample",
					zap.Int64("record_id", rec.ID),
					zap.String("event_id", rec.EventID.String()),
					zap.Error(err))
			case migrated:
				report.Migrated++
			default:
				report.Skipped++
			}
		}

		if len(batch) < r.cfg.BatchSize {
			break
		}
	}

	remaining, err := r.audit.CountSamplesByVersion(ctx, fromVersion)
	if err != nil {
		r.logger.Warn("failed to count remaining samples", zap.Error(err))
	} else {
		report.Remaining = remaining
	}
	report.FinishedAt = r.now()

	r.logger.Info("sample re-encryption finished",
		zap.Int("from_version", report.FromVersion),
		zap.Int("to_version", report.ToVersion),
		zap.Int("scanned", report.Scanned),
		zap.Int("migrated", report.Migrated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", len(report.Failed)),
		zap.Int("remaining", report.Remaining))

	return report, nil
}

// migrate swaps one record's sample. It returns false when another run got
// there first.
func (r *Rotator) migrate(ctx context.Context, rec *models.AuditRecord, from, to *encryption.Service) (bool, error) {
	if !rec.HasEncryptedSample() {
		return false, nil
	}

	plaintext, err := from.Decrypt(*rec.EncryptedSample)
	if err != nil {
		return false, err
	}

	envelope, err := to.Encrypt(plaintext)
	if err != nil {
		return false, err
	}
	if envelope == nil {
		return false, services.NewDomainError(services.ErrorTypeEncryption, "decrypted sample is empty", nil)
	}

	return r.audit.ReplaceSample(ctx, rec.ID, from.Version(), *envelope, to.Version())
}

// recordKeyTransition marks fromVersion rotated and toVersion active in
// one transaction. Re-running it after a partial rotation is a no-op.
func (r *Rotator) recordKeyTransition(ctx context.Context, ns models.KeyNamespace, fromVersion, toVersion int) error {
	return r.tx.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		current, err := r.keyMeta.Get(ctx, ns, toVersion)
		switch {
		case errors.Is(err, services.ErrKeyNotFound):
			if err := r.keyMeta.Create(ctx, models.NewEncryptionKey(ns, toVersion)); err != nil {
				return fmt.Errorf("failed to record active key: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to load active key metadata: %w", err)
		case current.Status != models.KeyStatusActive:
			return services.NewDomainError(services.ErrorTypeConflict,
				fmt.Sprintf("%s key version %d is %s and cannot become active", ns, toVersion, current.Status), nil)
		}

		previous, err := r.keyMeta.Get(ctx, ns, fromVersion)
		switch {
		case errors.Is(err, services.ErrKeyNotFound):
			previous = models.NewEncryptionKey(ns, fromVersion)
			if err := previous.Transition(models.KeyStatusRotated, r.now()); err != nil {
				return err
			}
			if err := r.keyMeta.Create(ctx, previous); err != nil {
				return fmt.Errorf("failed to record previous key: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to load previous key metadata: %w", err)
		case previous.Status == models.KeyStatusActive:
			if err := previous.Transition(models.KeyStatusRotated, r.now()); err != nil {
				return err
			}
			if err := r.keyMeta.UpdateStatus(ctx, previous); err != nil {
				return fmt.Errorf("failed to mark previous key rotated: %w", err)
			}
		case previous.Status == models.KeyStatusDeprecated:
			return services.NewDomainError(services.ErrorTypeConflict,
				fmt.Sprintf("%s key version %d is already deprecated", ns, fromVersion), nil)
		}
		return nil
	})
}
