package qa

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// sensitivePatterns flag guidance the response must never present as
// professional advice, plus PII and absolute claims.
var sensitivePatterns = []struct {
	re       *regexp.Regexp
	issue    string
	severity string
}{
	{regexp.MustCompile(`\b(you should sue|file a lawsuit|legal action)\b`), "legal_advice", "high"},
	{regexp.MustCompile(`\b(breach of contract|liable for|damages claim)\b`), "legal_advice", "medium"},
	{regexp.MustCompile(`\b(diagnos|treatment|prescription|medical advice)\b`), "medical_advice", "high"},
	{regexp.MustCompile(`\b(guaranteed return|investment advice|financial planning)\b`), "financial_advice", "medium"},
	{regexp.MustCompile(`\b(discriminat|racial|ethnic group|gender-based)\b`), "discrimination", "high"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "ssn_pattern", "critical"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "email_pattern", "low"},
	{regexp.MustCompile(`\b(guaranteed|100% certain|definitely will|always works)\b`), "absolute_claim", "medium"},
}

// requiredDisclaimers define, per content type, the phrases at least one of
// which must appear in the disclaimers or limitations.
var requiredDisclaimers = map[string][]*regexp.Regexp{
	"legal": {
		regexp.MustCompile(`not legal advice`),
		regexp.MustCompile(`consult.*attorney`),
		regexp.MustCompile(`consult.*lawyer`),
	},
	"financial": {
		regexp.MustCompile(`not financial advice`),
		regexp.MustCompile(`consult.*accountant`),
		regexp.MustCompile(`consult.*financial advisor`),
	},
	"compliance": {
		regexp.MustCompile(`not legal advice`),
		regexp.MustCompile(`not tax advice`),
		regexp.MustCompile(`verify.*official`),
	},
}

var ssnPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

// Violation is one policy finding.
type Violation struct {
	Issue          string   `json:"issue"`
	Matches        []string `json:"matches,omitempty"`
	Details        []string `json:"details,omitempty"`
	Severity       string   `json:"severity"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// PolicyResult is the policy guard verdict.
type PolicyResult struct {
	Valid       bool        `json:"is_valid"`
	Violations  []Violation `json:"violations"`
	Warnings    []Violation `json:"warnings"`
	ContentType string      `json:"content_type"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// PolicyGuard scans generated text for non-compliant guidance and missing
// disclaimers. Strict mode promotes medium-severity warnings to violations.
type PolicyGuard struct {
	strict bool
}

func NewPolicyGuard(strict bool) *PolicyGuard {
	return &PolicyGuard{strict: strict}
}

// Validate scans the content's JSON rendering against the sensitive
// patterns and checks required disclaimers for the content type.
func (p *PolicyGuard) Validate(content any, contentType string, limitations, disclaimers []string) PolicyResult {
	text := strings.ToLower(flatten(content))

	violations := []Violation{}
	warnings := []Violation{}
	for _, sp := range sensitivePatterns {
		matches := sp.re.FindAllString(text, 5)
		if len(matches) == 0 {
			continue
		}
		v := Violation{
			Issue:          sp.issue,
			Matches:        dedupe(matches),
			Severity:       sp.severity,
			Recommendation: recommendation(sp.issue),
		}
		if sp.severity == "critical" || sp.severity == "high" {
			violations = append(violations, v)
		} else {
			warnings = append(warnings, v)
		}
	}

	if missing := missingDisclaimers(contentType, limitations, disclaimers); len(missing) > 0 {
		violations = append(violations, Violation{
			Issue:          "missing_disclaimers",
			Details:        missing,
			Severity:       "high",
			Recommendation: "Add required disclaimers to output",
		})
	}

	if p.strict {
		kept := warnings[:0]
		for _, w := range warnings {
			if w.Severity == "medium" {
				violations = append(violations, w)
			} else {
				kept = append(kept, w)
			}
		}
		warnings = kept
	}

	return PolicyResult{
		Valid:       len(violations) == 0,
		Violations:  violations,
		Warnings:    warnings,
		ContentType: contentType,
		CheckedAt:   time.Now().UTC(),
	}
}

// Disclaimers returns the disclaimer set required for the content type,
// always including the general verification note.
func Disclaimers(contentType string) []string {
	out := []string{}
	switch contentType {
	case "legal", "compliance":
		out = append(out,
			"This is not legal advice. Consult a licensed attorney for legal matters.",
			"This is not tax advice. Consult a licensed accountant or tax professional.")
	case "financial":
		out = append(out,
			"This is not financial advice. Consult a licensed financial advisor.")
	}
	out = append(out,
		"Information provided is for educational purposes only. Verify with official sources.")
	return out
}

// MaskPII masks SSN-shaped sequences in a string.
func MaskPII(s string) string {
	return ssnPattern.ReplaceAllString(s, "XXX-XX-XXXX")
}

func missingDisclaimers(contentType string, limitations, disclaimers []string) []string {
	required, ok := requiredDisclaimers[contentType]
	if !ok {
		return nil
	}

	text := strings.ToLower(strings.Join(disclaimers, " ") + " " + strings.Join(limitations, " "))
	missing := []string{}
	for _, re := range required {
		if !re.MatchString(text) {
			missing = append(missing, re.String())
		}
	}
	return missing
}

func recommendation(issue string) string {
	switch issue {
	case "legal_advice":
		return "Rephrase as general information; direct users to a licensed attorney"
	case "medical_advice":
		return "Remove medical guidance"
	case "financial_advice":
		return "Add a financial-advice disclaimer"
	case "discrimination":
		return "Remove language referencing protected characteristics"
	case "ssn_pattern":
		return "Mask or remove the SSN-shaped value"
	case "email_pattern":
		return "Confirm the email address is not personal data"
	case "absolute_claim":
		return "Qualify the claim or tie it to evidence"
	default:
		return ""
	}
}

func dedupe(values []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// flatten renders arbitrary content as text for pattern scanning.
func flatten(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	}
	b, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	return string(b)
}
