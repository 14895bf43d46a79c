// Package audit records sensitive actions as append-only audit records.
// Recording is fire-and-forget: callers get an event ID immediately and
// persistence happens on a bounded worker pool.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/phi-audit-core/internal/observability"
	"github.com/upb/phi-audit-core/internal/phi"
	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/repositories"
	"github.com/upb/phi-audit-core/services"
	"github.com/upb/phi-audit-core/services/encryption"
)

// SampleLength is the number of characters of input kept, encrypted, as a
// sample when PHI is suspected.
const SampleLength = 500

// SampleKeys resolves the active key of a namespace.
type SampleKeys interface {
	Active(namespace models.KeyNamespace) (*encryption.Service, error)
}

// Options describes one audited action.
type Options struct {
	ActorID      *uuid.UUID
	ActorEmail   string
	Action       models.AuditAction
	ResourceType string
	ResourceID   string
	// Input is hashed and, when PHI is suspected, sampled. It is never stored
	// verbatim. Nil means no input.
	Input     *string
	Success   bool
	ErrorText string
	Caller    CallerInfo
	PHIResult *phi.Result
	Duration  *time.Duration
	Metadata  map[string]interface{}
}

// Config holds configuration for the Logger
type Config struct {
	BufferSize   int           // Size of the record buffer channel
	WorkerCount  int           // Number of concurrent writers
	WriteTimeout time.Duration // Per-record persistence timeout
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   10000,
		WorkerCount:  5,
		WriteTimeout: 5 * time.Second,
	}
}

// Logger validates and builds audit records synchronously and persists them
// asynchronously. Persistence failures are logged and counted, never returned.
type Logger struct {
	repo    repositories.AuditRepository
	keys    SampleKeys
	logger  *zap.Logger
	metrics observability.Metrics
	cfg     Config

	records chan *models.AuditRecord
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool

	enqueued  atomic.Int64
	persisted atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewLogger creates a new audit Logger. keys may be nil, in which case no
// samples are stored.
func NewLogger(repo repositories.AuditRepository, keys SampleKeys, logger *zap.Logger, cfg Config) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}

	return &Logger{
		repo:    repo,
		keys:    keys,
		logger:  logger,
		metrics: observability.NopMetrics(),
		cfg:     cfg,
		records: make(chan *models.AuditRecord, cfg.BufferSize),
	}
}

// WithMetrics sets the collector for persistence outcomes
func (l *Logger) WithMetrics(m observability.Metrics) *Logger {
	if m != nil {
		l.metrics = m
	}
	return l
}

// Start starts the background workers
func (l *Logger) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return fmt.Errorf("audit logger already started")
	}

	for i := 0; i < l.cfg.WorkerCount; i++ {
		l.wg.Add(1)
		go l.worker(i)
	}

	l.started = true
	l.logger.Info("started audit logger",
		zap.Int("worker_count", l.cfg.WorkerCount),
		zap.Int("buffer_size", l.cfg.BufferSize))

	return nil
}

// Stop stops accepting records and waits for queued ones to be written
func (l *Logger) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return fmt.Errorf("audit logger not started")
	}
	if l.stopped {
		l.mu.Unlock()
		return fmt.Errorf("audit logger already stopped")
	}
	l.stopped = true
	close(l.records)
	l.mu.Unlock()

	l.logger.Info("stopping audit logger", zap.Int("pending_records", len(l.records)))

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("audit logger stopped gracefully",
			zap.Int64("persisted", l.persisted.Load()),
			zap.Int64("failed", l.failed.Load()),
			zap.Int64("dropped", l.dropped.Load()))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit logger stop timeout after %v", timeout)
	}
}

// Record validates opts, builds the record and queues it. Only malformed
// options produce an error; a full queue or a stopped logger drops the
// record with an operational log entry.
func (l *Logger) Record(ctx context.Context, opts Options) (uuid.UUID, error) {
	rec, err := l.build(ctx, opts)
	if err != nil {
		return uuid.Nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.started || l.stopped {
		l.drop(ctx, rec, "audit logger not running")
		return rec.EventID, nil
	}

	select {
	case l.records <- rec:
		l.enqueued.Add(1)
	default:
		l.drop(ctx, rec, "audit buffer full")
	}
	return rec.EventID, nil
}

// RecordBlocking is Record for background jobs that prefer waiting for
// queue space over dropping. It gives up when ctx is done.
func (l *Logger) RecordBlocking(ctx context.Context, opts Options) (uuid.UUID, error) {
	rec, err := l.build(ctx, opts)
	if err != nil {
		return uuid.Nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.started || l.stopped {
		l.drop(ctx, rec, "audit logger not running")
		return rec.EventID, nil
	}

	select {
	case l.records <- rec:
		l.enqueued.Add(1)
	case <-ctx.Done():
		l.drop(ctx, rec, "context done before audit record was queued")
	}
	return rec.EventID, nil
}

func (l *Logger) drop(ctx context.Context, rec *models.AuditRecord, reason string) {
	l.dropped.Add(1)
	l.metrics.RecordAuditOutcome(ctx, observability.AuditLabels{Action: string(rec.Action), Outcome: "dropped"})
	l.logger.Warn("dropping audit record",
		zap.String("reason", reason),
		zap.String("action", string(rec.Action)),
		zap.String("event_id", rec.EventID.String()))
}

// build performs every synchronous step: validation, digest, sample
// encryption and error sanitizing.
func (l *Logger) build(ctx context.Context, opts Options) (*models.AuditRecord, error) {
	if !opts.Action.IsValid() {
		return nil, services.NewValidationError("action", fmt.Sprintf("unrecognized audit action %q", opts.Action))
	}
	if opts.Duration != nil && *opts.Duration < 0 {
		return nil, services.NewValidationError("duration", "duration cannot be negative")
	}

	rec := models.NewAuditRecord(opts.Action, opts.Success).
		WithActor(opts.ActorID, opts.ActorEmail).
		WithResource(opts.ResourceType, opts.ResourceID).
		WithCaller(opts.Caller.IP, opts.Caller.UserAgent)

	if opts.Duration != nil {
		rec.WithDuration(*opts.Duration)
	}

	hasInput := opts.Input != nil && *opts.Input != ""
	if hasInput {
		digest := encryption.Hash(*opts.Input)
		rec.InputDigest = &digest
	}

	if opts.PHIResult != nil {
		rec.WithPHI(opts.PHIResult.Score)
	}

	if rec.ContainsPHI && hasInput {
		l.attachSample(rec, *opts.Input)
	}

	if opts.ErrorText != "" {
		summary := phi.SanitizeErrorText(opts.ErrorText)
		rec.ErrorSummary = &summary
	}

	metadata := opts.Metadata
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		metadata = withRequestID(metadata, reqID)
	}
	if len(metadata) > 0 {
		rec.WithMetadata(metadata)
	}

	return rec, nil
}

// attachSample encrypts the sample. A missing key leaves the sample empty;
// the record itself is still written.
func (l *Logger) attachSample(rec *models.AuditRecord, input string) {
	if l.keys == nil {
		l.logger.Error("no sample key configured, storing record without sample",
			zap.String("event_id", rec.EventID.String()))
		return
	}

	key, err := l.keys.Active(models.KeyNamespacePHISample)
	if err != nil {
		l.logger.Error("failed to resolve sample key, storing record without sample",
			zap.String("event_id", rec.EventID.String()),
			zap.Error(err))
		return
	}

	envelope, err := key.Encrypt(phi.Truncate(input, SampleLength))
	if err != nil || envelope == nil {
		l.logger.Error("failed to encrypt sample, storing record without sample",
			zap.String("event_id", rec.EventID.String()),
			zap.Error(err))
		return
	}

	version := key.Version()
	rec.EncryptedSample = envelope
	rec.SampleKeyVersion = &version
}

func withRequestID(metadata map[string]interface{}, reqID string) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["request_id"] = reqID
	return out
}

// worker persists records from the channel
func (l *Logger) worker(id int) {
	defer l.wg.Done()

	l.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for rec := range l.records {
		if err := l.persist(rec); err != nil {
			l.failed.Add(1)
			l.metrics.RecordAuditOutcome(context.Background(), observability.AuditLabels{Action: string(rec.Action), Outcome: "failed"})
			l.logger.Error("failed to persist audit record",
				zap.Int("worker_id", id),
				zap.String("action", string(rec.Action)),
				zap.String("event_id", rec.EventID.String()),
				zap.Error(err))
			continue
		}
		l.persisted.Add(1)
		l.metrics.RecordAuditOutcome(context.Background(), observability.AuditLabels{Action: string(rec.Action), Outcome: "persisted"})
	}

	l.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

// persist writes one record. A panicking repository is converted to an error
// so one bad write cannot take the worker down.
func (l *Logger) persist(rec *models.AuditRecord) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit repository panic: %v", r)
		}
	}()

	if err := l.repo.Insert(ctx, rec); err != nil {
		return services.WrapPersistence("failed to insert audit record", err)
	}
	return nil
}

// Stats represents audit logger statistics
type Stats struct {
	BufferSize    int   `json:"buffer_size"`
	PendingEvents int   `json:"pending_events"`
	WorkerCount   int   `json:"worker_count"`
	Started       bool  `json:"started"`
	Enqueued      int64 `json:"enqueued"`
	Persisted     int64 `json:"persisted"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
}

// GetStats returns statistics about the audit logger
func (l *Logger) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		BufferSize:    l.cfg.BufferSize,
		PendingEvents: len(l.records),
		WorkerCount:   l.cfg.WorkerCount,
		Started:       l.started && !l.stopped,
		Enqueued:      l.enqueued.Load(),
		Persisted:     l.persisted.Load(),
		Failed:        l.failed.Load(),
		Dropped:       l.dropped.Load(),
	}
}
