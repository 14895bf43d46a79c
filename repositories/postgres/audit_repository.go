package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories"
	"github.com/upb/phi-audit-core/services"
	"go.uber.org/zap"
)

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(row rowScanner) (*models.AuditRecord, error) {
	rec := &models.AuditRecord{}
	var metadata []byte
	err := row.Scan(
		&rec.ID,
		&rec.EventID,
		&rec.ActorID,
		&rec.ActorEmail,
		&rec.Action,
		&rec.ResourceType,
		&rec.ResourceID,
		&rec.InputDigest,
		&rec.ContainsPHI,
		&rec.PHIScore,
		&rec.EncryptedSample,
		&rec.SampleKeyVersion,
		&rec.Success,
		&rec.ErrorSummary,
		&rec.CallerIP,
		&rec.CallerAgent,
		&rec.DurationMillis,
		&metadata,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		rec.Metadata = metadata
	}
	return rec, nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Insert appends a record. ID and CreatedAt are assigned by the database.
func (r *AuditRepository) Insert(ctx context.Context, rec *models.AuditRecord) error {
	query := `
		INSERT INTO audit_records (
			event_id, actor_id, actor_email, action, resource_type, resource_id,
			input_digest, contains_potential_phi, phi_score, encrypted_sample, sample_key_version,
			success, error_summary, caller_ip, caller_agent, duration_ms, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		RETURNING id, created_at
	`

	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx, query,
		rec.EventID,
		rec.ActorID,
		rec.ActorEmail,
		rec.Action,
		rec.ResourceType,
		rec.ResourceID,
		rec.InputDigest,
		rec.ContainsPHI,
		rec.PHIScore,
		rec.EncryptedSample,
		rec.SampleKeyVersion,
		rec.Success,
		rec.ErrorSummary,
		rec.CallerIP,
		rec.CallerAgent,
		rec.DurationMillis,
		nullableJSON(rec.Metadata),
	).Scan(&rec.ID, &rec.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	r.logger.Debug("audit record inserted",
		zap.Int64("id", rec.ID),
		zap.String("event_id", rec.EventID.String()),
		zap.String("action", string(rec.Action)))
	return nil
}

// GetByEventID retrieves a record by its event identifier
func (r *AuditRepository) GetByEventID(ctx context.Context, eventID uuid.UUID) (*models.AuditRecord, error) {
	query, args, err := builder().
		Select(auditColumns...).
		From(auditTable).
		Where("event_id = ?", eventID).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit record query: %w", err)
	}

	rec, err := scanAuditRecord(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.ErrAuditRecordNotFound
		}
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return rec, nil
}

// Query returns one page of records, newest first. Ties on created_at are
// broken by id so consecutive pages never overlap.
func (r *AuditRepository) Query(ctx context.Context, f models.AuditFilter) ([]*models.AuditRecord, error) {
	q := applyAuditFilter(builder().Select(auditColumns...).From(auditTable), f).
		OrderBy("created_at DESC", "id DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit query: %w", err)
	}
	return r.queryRecords(ctx, query, args...)
}

// Count returns the size of the filtered set, ignoring Limit and Offset
func (r *AuditRepository) Count(ctx context.Context, f models.AuditFilter) (int, error) {
	query, args, err := applyAuditFilter(builder().Select("COUNT(*)").From(auditTable), f).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build audit count: %w", err)
	}

	var count int
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit records: %w", err)
	}
	return count, nil
}

// Summary aggregates the filtered set
func (r *AuditRepository) Summary(ctx context.Context, f models.AuditFilter) (*models.AuditSummary, error) {
	cols := append([]string{
		"COUNT(*) FILTER (WHERE contains_potential_phi)",
		"COUNT(*) FILTER (WHERE NOT success)",
	}, tierCountColumns()...)

	query, args, err := applyAuditFilter(builder().Select(cols...).From(auditTable), f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit summary: %w", err)
	}

	summary := &models.AuditSummary{}
	tierCounts := make([]int, len(models.AllRiskTiers()))
	dest := []interface{}{&summary.PHIEventCount, &summary.FailedEventCount}
	for i := range tierCounts {
		dest = append(dest, &tierCounts[i])
	}

	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, args...).Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to summarize audit records: %w", err)
	}
	summary.RiskTierBreakdown = breakdownFromCounts(tierCounts)
	return summary, nil
}

// Statistics aggregates a date window. Empty windows yield zeros.
func (r *AuditRepository) Statistics(ctx context.Context, window models.DateRange) (*models.AuditStatistics, error) {
	cols := append([]string{
		"COUNT(*)",
		"COUNT(DISTINCT COALESCE(actor_id::text, actor_email))",
		"COUNT(*) FILTER (WHERE contains_potential_phi)",
		"COUNT(*) FILTER (WHERE NOT success)",
		"COALESCE(AVG(duration_ms), 0)::float8",
		"COALESCE(MAX(duration_ms), 0)",
	}, tierCountColumns()...)

	query, args, err := applyDateRange(builder().Select(cols...).From(auditTable), window).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit statistics: %w", err)
	}

	stats := &models.AuditStatistics{}
	tierCounts := make([]int, len(models.AllRiskTiers()))
	dest := []interface{}{
		&stats.TotalEvents,
		&stats.UniqueActors,
		&stats.PHIEventCount,
		&stats.FailedEventCount,
		&stats.AverageDurationMillis,
		&stats.MaxDurationMillis,
	}
	for i := range tierCounts {
		dest = append(dest, &tierCounts[i])
	}

	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, args...).Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to compute audit statistics: %w", err)
	}
	stats.RiskTierBreakdown = breakdownFromCounts(tierCounts)
	return stats, nil
}

// ActivityByAction groups a date window by action, busiest first
func (r *AuditRepository) ActivityByAction(ctx context.Context, window models.DateRange) ([]*models.ActionActivity, error) {
	q := applyDateRange(builder().
		Select(
			"action",
			"COUNT(*)",
			"COUNT(*) FILTER (WHERE contains_potential_phi)",
			"COALESCE(AVG(duration_ms), 0)::float8",
		).
		From(auditTable), window).
		GroupBy("action").
		OrderBy("COUNT(*) DESC", "action ASC")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build activity query: %w", err)
	}

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity by action: %w", err)
	}
	defer rows.Close()

	activity := make([]*models.ActionActivity, 0)
	for rows.Next() {
		a := &models.ActionActivity{}
		if err := rows.Scan(&a.Action, &a.Count, &a.PHIEventCount, &a.AverageDurationMillis); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		activity = append(activity, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity rows: %w", err)
	}
	return activity, nil
}

// TopActors ranks identified actors by event count. Records are grouped by
// actor id, falling back to email, so a changed email snapshot counts once.
func (r *AuditRepository) TopActors(ctx context.Context, opts models.TopActorsOptions) ([]*models.ActorActivity, error) {
	q := applyDateRange(builder().
		Select(
			"MAX(actor_id::text)::uuid",
			"COALESCE(MAX(actor_email), '')",
			"COUNT(*)",
			"COUNT(*) FILTER (WHERE contains_potential_phi)",
			"MAX(created_at)",
		).
		From(auditTable), opts.Range).
		Where("(actor_id IS NOT NULL OR actor_email IS NOT NULL)").
		GroupBy("COALESCE(actor_id::text, actor_email)").
		OrderBy("COUNT(*) DESC", "MAX(created_at) DESC")
	if opts.Limit > 0 {
		q = q.Limit(uint64(opts.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build top actors query: %w", err)
	}

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top actors: %w", err)
	}
	defer rows.Close()

	actors := make([]*models.ActorActivity, 0)
	for rows.Next() {
		a := &models.ActorActivity{}
		if err := rows.Scan(&a.ActorID, &a.ActorEmail, &a.EventCount, &a.PHIEventCount, &a.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan actor row: %w", err)
		}
		actors = append(actors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actor rows: %w", err)
	}
	return actors, nil
}

// ListSamplesForRotation returns a batch of records still encrypted with keyVersion
func (r *AuditRepository) ListSamplesForRotation(ctx context.Context, keyVersion int, afterID int64, limit int) ([]*models.AuditRecord, error) {
	query, args, err := builder().
		Select(auditColumns...).
		From(auditTable).
		Where(sampleVersionEq(keyVersion)).
		Where("encrypted_sample IS NOT NULL").
		Where("id > ?", afterID).
		OrderBy("id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build rotation batch query: %w", err)
	}
	return r.queryRecords(ctx, query, args...)
}

// ReplaceSample swaps the sample only while it is still at expectedVersion
func (r *AuditRepository) ReplaceSample(ctx context.Context, id int64, expectedVersion int, sample string, newVersion int) (bool, error) {
	query := `
		UPDATE audit_records
		SET encrypted_sample = $1, sample_key_version = $2
		WHERE id = $3 AND sample_key_version = $4
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, sample, newVersion, id, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to replace audit sample: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// CountSamplesByVersion counts records still encrypted with keyVersion
func (r *AuditRepository) CountSamplesByVersion(ctx context.Context, keyVersion int) (int, error) {
	query, args, err := builder().
		Select("COUNT(*)").
		From(auditTable).
		Where(sampleVersionEq(keyVersion)).
		Where("encrypted_sample IS NOT NULL").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build sample count: %w", err)
	}

	var count int
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count samples: %w", err)
	}
	return count, nil
}

func (r *AuditRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.AuditRecord, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	records := make([]*models.AuditRecord, 0)
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, nil
}

func breakdownFromCounts(counts []int) map[models.RiskTier]int {
	breakdown := models.NewTierBreakdown()
	for i, t := range models.AllRiskTiers() {
		if i < len(counts) {
			breakdown[t] = counts[i]
		}
	}
	return breakdown
}
