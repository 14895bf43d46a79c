package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories"
	"go.uber.org/zap"
)

// UsageRepository implements repositories.UsageRepository
type UsageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageRepository creates a new usage counter repository
func NewUsageRepository(db *DB, logger *zap.Logger) repositories.UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger,
	}
}

// Increment adds delta in a single upsert so concurrent callers across
// processes never lose updates.
func (r *UsageRepository) Increment(ctx context.Context, key string, windowStart time.Time, delta int64) (int64, error) {
	query := `
		INSERT INTO usage_counters (key, window_start, count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key, window_start)
		DO UPDATE SET count = usage_counters.count + EXCLUDED.count, updated_at = NOW()
		RETURNING count
	`

	var count int64
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, key, windowStart.UTC(), delta).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return count, nil
}

// Get retrieves a counter. A missing row is a zero count.
func (r *UsageRepository) Get(ctx context.Context, key string, windowStart time.Time) (*models.UsageCounter, error) {
	query := `
		SELECT key, window_start, count, updated_at
		FROM usage_counters
		WHERE key = $1 AND window_start = $2
	`

	counter := &models.UsageCounter{}
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, key, windowStart.UTC()).Scan(
		&counter.Key,
		&counter.WindowStart,
		&counter.Count,
		&counter.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.UsageCounter{Key: key, WindowStart: windowStart.UTC()}, nil
		}
		return nil, fmt.Errorf("failed to get usage counter: %w", err)
	}
	return counter, nil
}
