package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditFilter selects audit records. Nil fields do not constrain the query.
// From and To are inclusive.
type AuditFilter struct {
	ActorID     *uuid.UUID
	ActorEmail  string
	Action      *AuditAction
	ContainsPHI *bool
	RiskTier    *RiskTier
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// DateRange is an inclusive time window; either end may be open.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

// Filter converts the range into an otherwise unconstrained filter.
func (r DateRange) Filter() AuditFilter {
	return AuditFilter{From: r.From, To: r.To}
}

// AuditSummary is returned alongside a page of query results.
type AuditSummary struct {
	PHIEventCount     int              `json:"phi_event_count"`
	FailedEventCount  int              `json:"failed_event_count"`
	RiskTierBreakdown map[RiskTier]int `json:"risk_tier_breakdown"`
}

// AuditQueryResult is a page of records with the size of the full filtered set.
type AuditQueryResult struct {
	Records    []*AuditRecord `json:"records"`
	TotalCount int            `json:"total_count"`
	Summary    AuditSummary   `json:"summary"`
}

// AuditStatistics holds aggregates over a date window.
type AuditStatistics struct {
	TotalEvents           int              `json:"total_events"`
	UniqueActors          int              `json:"unique_actors"`
	PHIEventCount         int              `json:"phi_event_count"`
	RiskTierBreakdown     map[RiskTier]int `json:"risk_tier_breakdown"`
	FailedEventCount      int              `json:"failed_event_count"`
	AverageDurationMillis float64          `json:"average_duration_ms"`
	MaxDurationMillis     int64            `json:"max_duration_ms"`
}

// ActionActivity aggregates events sharing one action.
type ActionActivity struct {
	Action                AuditAction `json:"action"`
	Count                 int         `json:"count"`
	PHIEventCount         int         `json:"phi_event_count"`
	AverageDurationMillis float64     `json:"average_duration_ms"`
}

// ActorActivity ranks a single actor within a window.
type ActorActivity struct {
	ActorID       *uuid.UUID `json:"actor_id,omitempty"`
	ActorEmail    string     `json:"actor_email"`
	EventCount    int        `json:"event_count"`
	PHIEventCount int        `json:"phi_event_count"`
	LastActivity  time.Time  `json:"last_activity"`
}

// TopActorsOptions configures an actor ranking.
type TopActorsOptions struct {
	Range DateRange
	Limit int
}

// NewTierBreakdown returns a breakdown with every tier present at zero.
func NewTierBreakdown() map[RiskTier]int {
	breakdown := make(map[RiskTier]int, len(tierBands))
	for _, t := range AllRiskTiers() {
		breakdown[t] = 0
	}
	return breakdown
}
