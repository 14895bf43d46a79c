package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories"
	"github.com/upb/phi-audit-core/services"
	"go.uber.org/zap"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// EncryptionKeyRepository implements repositories.EncryptionKeyRepository
type EncryptionKeyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEncryptionKeyRepository creates a new encryption key repository
func NewEncryptionKeyRepository(db *DB, logger *zap.Logger) repositories.EncryptionKeyRepository {
	return &EncryptionKeyRepository{
		db:     db,
		logger: logger,
	}
}

const keyColumns = `namespace, version, algorithm, status, created_at, rotated_at, deprecated_at`

func scanEncryptionKey(row rowScanner) (*models.EncryptionKey, error) {
	key := &models.EncryptionKey{}
	err := row.Scan(
		&key.Namespace,
		&key.Version,
		&key.Algorithm,
		&key.Status,
		&key.CreatedAt,
		&key.RotatedAt,
		&key.DeprecatedAt,
	)
	return key, err
}

// Create inserts key metadata. A second active key in a namespace, or a
// duplicate version, is a conflict.
func (r *EncryptionKeyRepository) Create(ctx context.Context, key *models.EncryptionKey) error {
	query := `
		INSERT INTO encryption_keys (` + keyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		key.Namespace,
		key.Version,
		key.Algorithm,
		key.Status,
		key.CreatedAt,
		key.RotatedAt,
		key.DeprecatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return services.NewDomainError(services.ErrorTypeConflict,
				fmt.Sprintf("%s key version %d conflicts with an existing key", key.Namespace, key.Version), err)
		}
		return fmt.Errorf("failed to create encryption key: %w", err)
	}

	r.logger.Info("encryption key registered",
		zap.String("namespace", string(key.Namespace)),
		zap.Int("version", key.Version),
		zap.String("status", string(key.Status)))
	return nil
}

// Get retrieves a key version
func (r *EncryptionKeyRepository) Get(ctx context.Context, namespace models.KeyNamespace, version int) (*models.EncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM encryption_keys WHERE namespace = $1 AND version = $2`

	key, err := scanEncryptionKey(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, namespace, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return key, nil
}

// GetActive retrieves the active key of a namespace
func (r *EncryptionKeyRepository) GetActive(ctx context.Context, namespace models.KeyNamespace) (*models.EncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM encryption_keys WHERE namespace = $1 AND status = $2`

	key, err := scanEncryptionKey(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, namespace, models.KeyStatusActive))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get active encryption key: %w", err)
	}
	return key, nil
}

// ListByStatus lists keys of a namespace in a given status, oldest first
func (r *EncryptionKeyRepository) ListByStatus(ctx context.Context, namespace models.KeyNamespace, status models.KeyStatus) ([]*models.EncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM encryption_keys WHERE namespace = $1 AND status = $2 ORDER BY version ASC`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, namespace, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list encryption keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*models.EncryptionKey, 0)
	for rows.Next() {
		key, err := scanEncryptionKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan encryption key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating encryption keys: %w", err)
	}
	return keys, nil
}

// UpdateStatus persists a forward status transition. The previous status is
// used as a guard so concurrent transitions cannot both succeed.
func (r *EncryptionKeyRepository) UpdateStatus(ctx context.Context, key *models.EncryptionKey) error {
	previous, ok := previousStatus(key.Status)
	if !ok {
		return services.NewValidationError("status", fmt.Sprintf("cannot transition a key into %s", key.Status))
	}

	query := `
		UPDATE encryption_keys
		SET status = $1, rotated_at = $2, deprecated_at = $3
		WHERE namespace = $4 AND version = $5 AND status = $6
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		key.Status,
		key.RotatedAt,
		key.DeprecatedAt,
		key.Namespace,
		key.Version,
		previous,
	)
	if err != nil {
		return fmt.Errorf("failed to update encryption key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return services.NewDomainError(services.ErrorTypeConflict,
			fmt.Sprintf("%s key version %d is not in status %s", key.Namespace, key.Version, previous), nil)
	}

	r.logger.Info("encryption key status updated",
		zap.String("namespace", string(key.Namespace)),
		zap.Int("version", key.Version),
		zap.String("status", string(key.Status)))
	return nil
}

func previousStatus(s models.KeyStatus) (models.KeyStatus, bool) {
	for _, candidate := range []models.KeyStatus{models.KeyStatusActive, models.KeyStatusRotated} {
		if candidate.CanTransition(s) {
			return candidate, true
		}
	}
	return "", false
}
