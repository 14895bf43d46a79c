package phi

import "regexp"

// PatternType identifies a class of PHI-like content
type PatternType string

const (
	PatternSSN               PatternType = "ssn"
	PatternMedicalRecord     PatternType = "mrn"
	PatternICD10             PatternType = "icd10"
	PatternDateOfBirth       PatternType = "dob"
	PatternNPI               PatternType = "npi"
	PatternPhone             PatternType = "phone"
	PatternEmail             PatternType = "email"
	PatternHealthcareKeyword PatternType = "healthcare_keyword"
)

// Pattern is one row of the detection table.
type Pattern struct {
	Type        PatternType
	Matcher     *regexp.Regexp
	Weight      int
	Description string
	// Remedy is the remediation suggested when the pattern is found.
	Remedy string
}

// DefaultPatterns returns the detection table in evaluation order.
func DefaultPatterns() []Pattern {
	defs := []struct {
		typ         PatternType
		expr        string
		weight      int
		description string
		remedy      string
	}{
		// 123-45-6789
		{PatternSSN, `\b\d{3}-\d{2}-\d{4}\b`, 10,
			"Social Security Number",
			"Replace SSNs with a fixed placeholder such as 000-00-0000"},
		// MRN: 00123456, medical record #1234567
		{PatternMedicalRecord, `(?i)\b(?:mrn|medical[\s_-]*record(?:[\s_-]*(?:number|num|no|id))?)\b["'\s:#=_-]*[A-Z]{0,3}\d{4,12}\b`, 8,
			"Medical Record Number",
			"Replace medical record numbers with synthetic identifiers such as MRN-TEST-0001"},
		// E11.9, J45.909
		{PatternICD10, `\b[A-TV-Z][0-9][0-9A-Z]\.[0-9A-Z]{1,4}\b`, 7,
			"ICD-10 diagnosis code",
			"Use an obviously fictional diagnosis code or a named constant instead of real ICD-10 codes"},
		// DOB: 01/02/1980, date of birth = 1980-01-02
		{PatternDateOfBirth, `(?i)\b(?:dob|date[\s_-]*of[\s_-]*birth|birth[\s_-]*date|birthday)\b["'\s:=]*\d{1,4}[/.-]\d{1,2}[/.-]\d{1,4}\b`, 6,
			"Date of birth",
			"Replace dates of birth with a fixed synthetic date such as 1900-01-01"},
		// NPI 1234567890
		{PatternNPI, `(?i)\bnpi\b["'\s:#=]*\d{10}\b`, 5,
			"National Provider Identifier",
			"Replace provider identifiers with a placeholder such as 0000000000"},
		// (555) 123-4567, 555-123-4567, 555.123.4567
		{PatternPhone, `(?:\(\d{3}\)\s*\d{3}[-.\s]\d{4}\b|\b\d{3}[-.]\d{3}[-.]\d{4}\b)`, 3,
			"Phone number",
			"Replace phone numbers with reserved fictional numbers such as 555-0100"},
		{PatternEmail, `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, 2,
			"Email address",
			"Replace email addresses with addresses on a reserved domain such as user@example.invalid"},
		{PatternHealthcareKeyword, `(?i)\b(?:patients?|diagnos[ie]s|prescriptions?|medications?|hipaa|clinical|treatments?|symptoms?|allerg(?:y|ies)|insurance|physician)\b`, 2,
			"Healthcare keyword",
			"Review healthcare-related identifiers and comments for real patient context"},
	}

	patterns := make([]Pattern, 0, len(defs))
	for _, d := range defs {
		patterns = append(patterns, Pattern{
			Type:        d.typ,
			Matcher:     regexp.MustCompile(d.expr),
			Weight:      d.weight,
			Description: d.description,
			Remedy:      d.remedy,
		})
	}
	return patterns
}

// testDataMarkers halve the score when any appears in the text.
var testDataMarkers = []string{"test", "example", "mock", "dummy", "sample", "fixture"}
