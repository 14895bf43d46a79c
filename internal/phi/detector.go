// Package phi scans text for content resembling Protected Health Information
// and scores it.
package phi

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/upb/phi-audit-core/models"
	"github.com/upb/phi-audit-core/services"
)

const (
	// MaxTextLength is the largest input, in characters, the detector accepts.
	MaxTextLength = 100000

	// MaxSamplesPerPattern caps the samples kept per pattern for display.
	MaxSamplesPerPattern = 3
)

// Finding describes the matches of one pattern type.
type Finding struct {
	Count       int      `json:"count"`
	Weight      int      `json:"weight"`
	Description string   `json:"description"`
	Samples     []string `json:"samples"`
}

// Result is the detector verdict.
type Result struct {
	ContainsPHI  bool                     `json:"contains_phi"`
	Confidence   models.RiskTier          `json:"confidence"`
	Score        int                      `json:"score"`
	RawScore     int                      `json:"raw_score"`
	TestDataHint bool                     `json:"test_data_hint"`
	Findings     map[PatternType]*Finding `json:"findings"`
}

// Detector applies a pattern table to text
type Detector struct {
	patterns []Pattern
	markers  []string
}

// NewDetector creates a detector with the default pattern table
func NewDetector() *Detector {
	return NewDetectorWithPatterns(DefaultPatterns())
}

// NewDetectorWithPatterns creates a detector with a custom pattern table
func NewDetectorWithPatterns(patterns []Pattern) *Detector {
	return &Detector{
		patterns: patterns,
		markers:  testDataMarkers,
	}
}

// Patterns returns the pattern table in evaluation order.
func (d *Detector) Patterns() []Pattern {
	return d.patterns
}

// Detect scans text and returns the weighted verdict. Empty, oversized or
// non-UTF-8 input is a validation error, never a zero score.
func (d *Detector) Detect(text string) (*Result, error) {
	if err := ValidateText(text); err != nil {
		return nil, err
	}

	result := &Result{
		Findings: make(map[PatternType]*Finding),
	}

	for _, p := range d.patterns {
		matches := uniqueMatches(p, text)
		if len(matches) == 0 {
			continue
		}

		samples := matches
		if len(samples) > MaxSamplesPerPattern {
			samples = samples[:MaxSamplesPerPattern]
		}

		result.Findings[p.Type] = &Finding{
			Count:       len(matches),
			Weight:      p.Weight,
			Description: p.Description,
			Samples:     append([]string(nil), samples...),
		}
		result.RawScore += len(matches) * p.Weight
	}

	result.Score = result.RawScore
	if d.hasTestMarker(text) {
		result.TestDataHint = true
		// integer halving rounds down
		result.Score = result.RawScore / 2
	}

	result.Confidence = models.TierForScore(result.Score)
	result.ContainsPHI = models.ContainsPHI(result.Score)

	return result, nil
}

// ValidateText checks the detector's input contract.
func ValidateText(text string) error {
	if !utf8.ValidString(text) {
		return services.NewValidationError("text", "text must be valid UTF-8")
	}
	if strings.TrimSpace(text) == "" {
		return services.NewValidationError("text", services.ErrEmptyText.Message)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return services.NewDomainError(services.ErrorTypeValidation,
			fmt.Sprintf("text is %d characters, maximum is %d", n, MaxTextLength), nil).
			WithDetail("field", "text").
			WithDetail("max_length", MaxTextLength)
	}
	return nil
}

// uniqueMatches returns the distinct non-empty matches in first-seen order.
func uniqueMatches(p Pattern, text string) []string {
	all := p.Matcher.FindAllString(text, -1)
	if len(all) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(all))
	out := make([]string, 0, len(all))
	for _, m := range all {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func (d *Detector) hasTestMarker(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range d.markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Suggestion is a remediation hint for one pattern type.
type Suggestion struct {
	Type       PatternType `json:"type"`
	Priority   int         `json:"priority"`
	Suggestion string      `json:"suggestion"`
	Examples   []string    `json:"examples"`
}

// SuggestSanitizations maps findings to remediation hints ordered by
// descending pattern weight. The findings are not modified.
func (d *Detector) SuggestSanitizations(findings map[PatternType]*Finding) []Suggestion {
	suggestions := make([]Suggestion, 0, len(findings))
	if len(findings) == 0 {
		return suggestions
	}

	for _, p := range d.patterns {
		f, ok := findings[p.Type]
		if !ok || f == nil || f.Count == 0 {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			Type:       p.Type,
			Priority:   p.Weight,
			Suggestion: p.Remedy,
			Examples:   append([]string(nil), f.Samples...),
		})
	}

	// stable keeps table order for equal weights
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Priority > suggestions[j].Priority
	})
	return suggestions
}

var defaultDetector = NewDetector()

// Detect runs the default detector.
func Detect(text string) (*Result, error) {
	return defaultDetector.Detect(text)
}

// SuggestSanitizations runs the default detector's suggestion mapping.
func SuggestSanitizations(findings map[PatternType]*Finding) []Suggestion {
	return defaultDetector.SuggestSanitizations(findings)
}
