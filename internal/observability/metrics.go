package observability

import (
	"context"
	"sync"
)

// Metrics collects operational counters for the audit pipeline and scanner.
type Metrics interface {
	RecordAuditOutcome(ctx context.Context, labels AuditLabels)
	RecordScan(ctx context.Context, tier string)
}

// AuditLabels contains metric dimensions for one audit write.
type AuditLabels struct {
	Action  string
	Outcome string // persisted, failed, dropped
}

// CounterMetrics keeps counters in memory. It is safe for concurrent use.
type CounterMetrics struct {
	mu     sync.Mutex
	audits map[AuditLabels]int64
	scans  map[string]int64
}

// NewCounterMetrics creates an empty in-memory collector
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{
		audits: make(map[AuditLabels]int64),
		scans:  make(map[string]int64),
	}
}

func (m *CounterMetrics) RecordAuditOutcome(_ context.Context, labels AuditLabels) {
	m.mu.Lock()
	m.audits[labels]++
	m.mu.Unlock()
}

func (m *CounterMetrics) RecordScan(_ context.Context, tier string) {
	m.mu.Lock()
	m.scans[tier]++
	m.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	AuditOutcomes map[string]int64 `json:"audit_outcomes"`
	ScansByTier   map[string]int64 `json:"scans_by_tier"`
}

// Snapshot aggregates audit outcomes across actions.
func (m *CounterMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		AuditOutcomes: make(map[string]int64),
		ScansByTier:   make(map[string]int64, len(m.scans)),
	}
	for k, v := range m.audits {
		s.AuditOutcomes[k.Outcome] += v
	}
	for k, v := range m.scans {
		s.ScansByTier[k] = v
	}
	return s
}

// AuditCount returns the counter for a single label set.
func (m *CounterMetrics) AuditCount(labels AuditLabels) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audits[labels]
}

type nopMetrics struct{}

// NopMetrics discards everything.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) RecordAuditOutcome(context.Context, AuditLabels) {}
func (nopMetrics) RecordScan(context.Context, string)              {}
