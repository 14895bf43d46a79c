package models

// RiskTier is the coarse bucket derived from a PHI score.
// It is never stored; it is always computed from the score.
type RiskTier string

const (
	RiskTierNone   RiskTier = "none"
	RiskTierLow    RiskTier = "low"
	RiskTierMedium RiskTier = "medium"
	RiskTierHigh   RiskTier = "high"
)

const (
	// MinPHIScore and MaxPHIScore bound a persisted phi_score.
	MinPHIScore = 0
	MaxPHIScore = 100

	// PHIScoreThreshold is the score a text must exceed to be flagged as
	// containing potential PHI. Low tier scores do not set the flag.
	PHIScoreThreshold = 5
)

// tierBand is one row of the canonical threshold table. Max is inclusive;
// a negative Max means unbounded.
type tierBand struct {
	Tier RiskTier
	Min  int
	Max  int
}

// tierBands is shared by detection-time confidence and query-time tier
// filtering. Bands are ordered, contiguous and non-overlapping.
var tierBands = []tierBand{
	{Tier: RiskTierNone, Min: 0, Max: 0},
	{Tier: RiskTierLow, Min: 1, Max: 5},
	{Tier: RiskTierMedium, Min: 6, Max: 15},
	{Tier: RiskTierHigh, Min: 16, Max: -1},
}

// AllRiskTiers returns the tiers in ascending order.
func AllRiskTiers() []RiskTier {
	tiers := make([]RiskTier, len(tierBands))
	for i, b := range tierBands {
		tiers[i] = b.Tier
	}
	return tiers
}

// TierForScore maps a score to its tier. Negative scores map to none.
func TierForScore(score int) RiskTier {
	for i := len(tierBands) - 1; i >= 0; i-- {
		if score >= tierBands[i].Min {
			return tierBands[i].Tier
		}
	}
	return RiskTierNone
}

// ScoreRange returns the inclusive score bounds of a tier. hasMax is false
// for the open-ended top tier.
func (t RiskTier) ScoreRange() (min, max int, hasMax bool, ok bool) {
	for _, b := range tierBands {
		if b.Tier == t {
			return b.Min, b.Max, b.Max >= 0, true
		}
	}
	return 0, 0, false, false
}

// IsValid reports whether t is a known tier.
func (t RiskTier) IsValid() bool {
	_, _, _, ok := t.ScoreRange()
	return ok
}

// Rank orders tiers so that higher risk compares greater.
func (t RiskTier) Rank() int {
	for i, b := range tierBands {
		if b.Tier == t {
			return i
		}
	}
	return -1
}

// ContainsPHI reports whether a score crosses the PHI flag threshold.
func ContainsPHI(score int) bool {
	return score > PHIScoreThreshold
}

// ClampScore bounds a score to [MinPHIScore, MaxPHIScore].
func ClampScore(score int) int {
	if score < MinPHIScore {
		return MinPHIScore
	}
	if score > MaxPHIScore {
		return MaxPHIScore
	}
	return score
}
