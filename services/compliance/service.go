// Package compliance serves audit trail queries, aggregates and CSV exports
// to privileged callers.
package compliance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/internal/observability"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories"
	"github.com/upb/phi-audit-core/services"
)

const (
	// DefaultPageSize applies when a query does not set a limit.
	DefaultPageSize = 50

	// MaxPageSize caps the limit of a single page.
	MaxPageSize = 200

	// ExportCeiling is the largest number of records a single export may contain.
	ExportCeiling = 10000

	// DefaultTopActors and MaxTopActors bound the actor ranking size.
	DefaultTopActors = 10
	MaxTopActors     = 100
)

// Authorizer decides whether the caller in ctx may read the audit trail.
// The decision itself belongs to the authentication layer.
type Authorizer interface {
	IsAuthorized(ctx context.Context) bool
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(ctx context.Context) bool

// IsAuthorized calls f(ctx)
func (f AuthorizerFunc) IsAuthorized(ctx context.Context) bool { return f(ctx) }

// Service implements the compliance query engine
type Service struct {
	repo   repositories.AuditRepository
	authz  Authorizer
	logger observability.Logger
}

// NewService creates a new compliance service. A nil authorizer denies
// every call.
func NewService(repo repositories.AuditRepository, authz Authorizer, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		authz:  authz,
		logger: observability.NewLogger(logger),
	}
}

func (s *Service) authorize(ctx context.Context) error {
	if s.authz == nil || !s.authz.IsAuthorized(ctx) {
		s.logger.Warn(ctx, "audit trail access denied", zap.Bool("authorizer_configured", s.authz != nil))
		return services.ErrForbidden
	}
	return nil
}

// Query returns one page of records, the size of the whole filtered set and
// a summary of it. Limits above MaxPageSize are capped.
func (s *Service) Query(ctx context.Context, filter models.AuditFilter) (*models.AuditQueryResult, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}

	filter, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}

	records, err := s.repo.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}

	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}

	summary, err := s.repo.Summary(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize audit records: %w", err)
	}

	if records == nil {
		records = []*models.AuditRecord{}
	}

	return &models.AuditQueryResult{
		Records:    records,
		TotalCount: total,
		Summary:    *summary,
	}, nil
}

// GetStatistics aggregates a date window. Empty windows yield zeros.
func (s *Service) GetStatistics(ctx context.Context, window models.DateRange) (*models.AuditStatistics, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if err := validateRange(window.From, window.To); err != nil {
		return nil, err
	}

	stats, err := s.repo.Statistics(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("failed to compute audit statistics: %w", err)
	}
	if stats.RiskTierBreakdown == nil {
		stats.RiskTierBreakdown = models.NewTierBreakdown()
	}
	return stats, nil
}

// GetActivityByAction groups a date window by action
func (s *Service) GetActivityByAction(ctx context.Context, window models.DateRange) ([]*models.ActionActivity, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if err := validateRange(window.From, window.To); err != nil {
		return nil, err
	}

	activity, err := s.repo.ActivityByAction(ctx, window)
	if err != nil {
		return nil, fmt.Errorf("failed to group audit activity: %w", err)
	}
	if activity == nil {
		activity = []*models.ActionActivity{}
	}
	return activity, nil
}

// GetTopActors ranks actors by event count
func (s *Service) GetTopActors(ctx context.Context, opts models.TopActorsOptions) ([]*models.ActorActivity, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if err := validateRange(opts.Range.From, opts.Range.To); err != nil {
		return nil, err
	}

	switch {
	case opts.Limit < 0:
		return nil, services.NewValidationError("limit", "limit cannot be negative")
	case opts.Limit == 0:
		opts.Limit = DefaultTopActors
	case opts.Limit > MaxTopActors:
		opts.Limit = MaxTopActors
	}

	actors, err := s.repo.TopActors(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to rank audit actors: %w", err)
	}
	if actors == nil {
		actors = []*models.ActorActivity{}
	}
	return actors, nil
}

// normalizeFilter validates f and applies the pagination defaults
func normalizeFilter(f models.AuditFilter) (models.AuditFilter, error) {
	if err := validateFilter(f); err != nil {
		return f, err
	}

	switch {
	case f.Limit < 0:
		return f, services.NewValidationError("limit", "limit cannot be negative")
	case f.Limit == 0:
		f.Limit = DefaultPageSize
	case f.Limit > MaxPageSize:
		f.Limit = MaxPageSize
	}
	if f.Offset < 0 {
		return f, services.NewValidationError("offset", "offset cannot be negative")
	}
	return f, nil
}

// validateFilter checks everything except pagination
func validateFilter(f models.AuditFilter) error {
	if f.Action != nil && !f.Action.IsValid() {
		return services.NewValidationError("action", fmt.Sprintf("unrecognized audit action %q", *f.Action))
	}
	if f.RiskTier != nil && !f.RiskTier.IsValid() {
		return services.NewValidationError("risk_tier", fmt.Sprintf("unknown risk tier %q", *f.RiskTier))
	}
	return validateRange(f.From, f.To)
}
