package rotation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/models"
)

// SweepReport lists the key versions a sweep deprecated or kept
type SweepReport struct {
	Deprecated []int `json:"deprecated"`
	// Retained versions are past their grace window but still protect samples.
	Retained []int `json:"retained"`
}

// Sweep deprecates rotated keys whose grace window has expired and drops
// them from the keyring. A key that still protects samples is retained so
// no record becomes unreadable.
func (r *Rotator) Sweep(ctx context.Context) (*SweepReport, error) {
	ns := models.KeyNamespacePHISample
	report := &SweepReport{Deprecated: []int{}, Retained: []int{}}

	rotated, err := r.keyMeta.ListByStatus(ctx, ns, models.KeyStatusRotated)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotated keys: %w", err)
	}

	now := r.now()
	for _, key := range rotated {
		if !key.GraceExpired(r.cfg.GracePeriod, now) {
			continue
		}

		remaining, err := r.audit.CountSamplesByVersion(ctx, key.Version)
		if err != nil {
			return report, fmt.Errorf("failed to count samples for key version %d: %w", key.Version, err)
		}
		if remaining > 0 {
			report.Retained = append(report.Retained, key.Version)
			r.logger.Warn("retaining expired key that still protects samples",
				zap.Int("version", key.Version),
				zap.Int("remaining", remaining))
			continue
		}

		if err := key.Transition(models.KeyStatusDeprecated, now); err != nil {
			return report, err
		}
		if err := r.keyMeta.UpdateStatus(ctx, key); err != nil {
			return report, fmt.Errorf("failed to deprecate key version %d: %w", key.Version, err)
		}
		if err := r.keys.Remove(ns, key.Version); err != nil {
			r.logger.Warn("failed to drop deprecated key from keyring",
				zap.Int("version", key.Version),
				zap.Error(err))
		}
		report.Deprecated = append(report.Deprecated, key.Version)
	}

	r.logger.Info("key sweep finished",
		zap.Ints("deprecated", report.Deprecated),
		zap.Ints("retained", report.Retained))

	return report, nil
}
