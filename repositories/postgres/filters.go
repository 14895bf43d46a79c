package postgres

import (
	"strconv"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/upb/phi-audit-core/models"
)

const auditTable = "audit_records"

// auditColumns is the select list shared by every record query
var auditColumns = []string{
	"id", "event_id", "actor_id", "actor_email", "action", "resource_type", "resource_id",
	"input_digest", "contains_potential_phi", "phi_score", "encrypted_sample", "sample_key_version",
	"success", "error_summary", "caller_ip", "caller_agent", "duration_ms", "metadata", "created_at",
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// tierPredicate translates a risk tier into a phi_score range using the
// shared threshold table.
func tierPredicate(tier models.RiskTier) (squirrel.Sqlizer, bool) {
	lo, hi, hasMax, ok := tier.ScoreRange()
	if !ok {
		return nil, false
	}
	if !hasMax {
		return squirrel.GtOrEq{"phi_score": lo}, true
	}
	if lo == hi {
		return squirrel.Eq{"phi_score": lo}, true
	}
	return squirrel.And{
		squirrel.GtOrEq{"phi_score": lo},
		squirrel.LtOrEq{"phi_score": hi},
	}, true
}

// tierCountColumns returns one COUNT(*) FILTER column per tier, in
// ascending tier order.
func tierCountColumns() []string {
	tiers := models.AllRiskTiers()
	cols := make([]string, 0, len(tiers))
	for _, t := range tiers {
		lo, hi, hasMax, _ := t.ScoreRange()
		var cond string
		switch {
		case !hasMax:
			cond = "phi_score >= " + strconv.Itoa(lo)
		case lo == hi:
			cond = "phi_score = " + strconv.Itoa(lo)
		default:
			cond = "phi_score BETWEEN " + strconv.Itoa(lo) + " AND " + strconv.Itoa(hi)
		}
		cols = append(cols, "COUNT(*) FILTER (WHERE "+cond+")")
	}
	return cols
}

// escapeLike escapes LIKE metacharacters so the email filter matches literally
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// applyAuditFilter adds the WHERE clauses for f. Pagination is applied by
// the caller.
func applyAuditFilter(q squirrel.SelectBuilder, f models.AuditFilter) squirrel.SelectBuilder {
	if f.ActorID != nil {
		q = q.Where(squirrel.Eq{"actor_id": *f.ActorID})
	}
	if email := strings.TrimSpace(f.ActorEmail); email != "" {
		q = q.Where(squirrel.ILike{"actor_email": "%" + escapeLike(email) + "%"})
	}
	if f.Action != nil {
		q = q.Where(squirrel.Eq{"action": string(*f.Action)})
	}
	if f.ContainsPHI != nil {
		q = q.Where(squirrel.Eq{"contains_potential_phi": *f.ContainsPHI})
	}
	if f.RiskTier != nil {
		if pred, ok := tierPredicate(*f.RiskTier); ok {
			q = q.Where(pred)
		}
	}
	if f.From != nil {
		q = q.Where(squirrel.GtOrEq{"created_at": *f.From})
	}
	if f.To != nil {
		q = q.Where(squirrel.LtOrEq{"created_at": *f.To})
	}
	return q
}

func applyDateRange(q squirrel.SelectBuilder, r models.DateRange) squirrel.SelectBuilder {
	return applyAuditFilter(q, r.Filter())
}

func sampleVersionEq(version int) squirrel.Eq {
	return squirrel.Eq{"sample_key_version": version}
}
