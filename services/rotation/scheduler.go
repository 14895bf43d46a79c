package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs the key sweep on a cron schedule
type Scheduler struct {
	cron    *cron.Cron
	rotator *Rotator
	logger  *zap.Logger
	timeout time.Duration
}

// NewScheduler creates a scheduler that sweeps on schedule, a standard
// five-field cron expression or descriptor such as "@daily".
func NewScheduler(rotator *Rotator, schedule string, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		rotator: rotator,
		logger:  logger,
		timeout: 10 * time.Minute,
	}

	if _, err := s.cron.AddFunc(schedule, s.runSweep); err != nil {
		return nil, fmt.Errorf("invalid key sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("key sweep scheduler started")
}

// Stop stops the scheduler and returns a context done when running sweeps finish
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.rotator.Sweep(ctx); err != nil {
		s.logger.Error("scheduled key sweep failed", zap.Error(err))
	}
}
