// Package usage keeps per-caller usage counters over fixed time windows.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/repositories"
	"github.com/upb/phi-audit-core/services"
)

// Window represents the bucket size of a counter
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// PHIScanPrefix namespaces PHI detection counters
const PHIScanPrefix = "phi_scan"

// Result is the state of a counter after an increment
type Result struct {
	Key         string
	Count       int64
	WindowStart time.Time
	ResetAt     time.Time
	// Allowed is false once Count exceeds a configured limit.
	Allowed bool
	Limit   int64
}

// Service increments and reads usage counters
type Service struct {
	repo   repositories.UsageRepository
	logger *zap.Logger
	now    func() time.Time

	phiScanLimit int64
}

// NewService creates a new usage Service. A phiScanLimit of zero disables
// the daily PHI scan limit.
func NewService(repo repositories.UsageRepository, logger *zap.Logger, phiScanLimit int64) *Service {
	return &Service{
		repo:         repo,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		phiScanLimit: phiScanLimit,
	}
}

// Increment adds one to key in the current window
func (s *Service) Increment(ctx context.Context, key string, window Window, limit int64) (*Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, services.NewValidationError("key", "usage key cannot be empty")
	}

	start, reset, err := windowBounds(s.now(), window)
	if err != nil {
		return nil, err
	}

	count, err := s.repo.Increment(ctx, key, start, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage counter: %w", err)
	}

	result := &Result{
		Key:         key,
		Count:       count,
		WindowStart: start,
		ResetAt:     reset,
		Allowed:     limit <= 0 || count <= limit,
		Limit:       limit,
	}
	if !result.Allowed {
		s.logger.Warn("usage limit exceeded",
			zap.String("key", key),
			zap.String("window", string(window)),
			zap.Int64("count", count),
			zap.Int64("limit", limit))
	}
	return result, nil
}

// Current returns the count of key in the current window without changing it
func (s *Service) Current(ctx context.Context, key string, window Window) (int64, error) {
	start, _, err := windowBounds(s.now(), window)
	if err != nil {
		return 0, err
	}

	counter, err := s.repo.Get(ctx, key, start)
	if err != nil {
		return 0, fmt.Errorf("failed to read usage counter: %w", err)
	}
	return counter.Count, nil
}

// RecordPHIScan counts a PHI detection request from callerIP in the daily window
func (s *Service) RecordPHIScan(ctx context.Context, callerIP string) (*Result, error) {
	if callerIP == "" {
		callerIP = "unknown"
	}
	return s.Increment(ctx, PHIScanKey(callerIP), WindowDay, s.phiScanLimit)
}

// PHIScanKey is the counter key for a caller's PHI scans
func PHIScanKey(callerIP string) string {
	return PHIScanPrefix + ":" + callerIP
}

// windowBounds returns the start of the window containing now and the
// moment it resets
func windowBounds(now time.Time, window Window) (time.Time, time.Time, error) {
	switch window {
	case WindowMinute:
		start := now.Truncate(time.Minute)
		return start, start.Add(time.Minute), nil
	case WindowHour:
		start := now.Truncate(time.Hour)
		return start, start.Add(time.Hour), nil
	case WindowDay:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, start.AddDate(0, 0, 1), nil
	default:
		return time.Time{}, time.Time{}, services.NewValidationError("window", fmt.Sprintf("unknown usage window %q", window))
	}
}
