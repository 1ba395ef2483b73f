// Package qa is the final quality gate: it validates an assembled
// assessment against evidence-coverage, driver-alignment, uncertainty
// and schema rules, and applies an additive patch plan on failure.
package qa

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/storage/models"
)

const GateVersion = "1.0.0"

const (
	// Strict thresholds apply to fully generated strategies.
	strictEvidenceCoverage = 0.80
	strictDriverAlignment  = 0.70

	// Fallback strategies are validated against relaxed thresholds.
	minEvidenceCoverage = 0.50
	minDriverAlignment  = 0.30
)

// Patch is one additive repair operation.
type Patch struct {
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	ActionIndex int    `json:"action_index,omitempty"`
}

// Issue is one failed check with its patch suggestions.
type Issue struct {
	Check    string   `json:"check"`
	Severity string   `json:"severity"`
	Score    float64  `json:"score,omitempty"`
	Details  []string `json:"details,omitempty"`
	Patches  []Patch  `json:"-"`
}

// Result is the gate verdict for one assessment.
type Result struct {
	Status        string    `json:"status"`
	Issues        []Issue   `json:"issues"`
	CriticalCount int       `json:"critical_count"`
	PatchPlan     []Patch   `json:"patch_plan"`
	ValidatedAt   time.Time `json:"validated_at"`
}

type Gate struct {
	logger *zap.Logger
}

func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{logger: logger}
}

// Validate runs the four checks. Fallback strategies get relaxed
// thresholds and only fail on critical issues; full strategies fail on
// any critical issue or three or more issues of any severity.
func (g *Gate) Validate(a *models.Assessment) Result {
	fallback := a.Strategy != nil && a.Strategy.IsFallback

	evidenceThreshold := strictEvidenceCoverage
	driverThreshold := strictDriverAlignment
	if fallback {
		evidenceThreshold = minEvidenceCoverage
		driverThreshold = minDriverAlignment
	}

	issues := []Issue{}
	for _, issue := range []*Issue{
		checkEvidenceCoverage(a, evidenceThreshold),
		checkDriverAlignment(a, driverThreshold),
		checkUncertaintyDisclosure(a),
		checkSchemaCompleteness(a),
	} {
		if issue != nil {
			issues = append(issues, *issue)
		}
	}

	critical := 0
	patchPlan := []Patch{}
	for _, issue := range issues {
		if issue.Severity == "critical" {
			critical++
		}
		patchPlan = append(patchPlan, issue.Patches...)
	}

	status := "PASS"
	if critical > 0 || (!fallback && len(issues) >= 3) {
		status = "FAIL"
	}

	if status == "FAIL" {
		g.logger.Warn("quality gate failed",
			zap.String("case_id", a.CaseID),
			zap.Int("issues", len(issues)),
			zap.Int("critical", critical))
	}

	return Result{
		Status:        status,
		Issues:        issues,
		CriticalCount: critical,
		PatchPlan:     patchPlan,
		ValidatedAt:   time.Now().UTC(),
	}
}

// ApplyPatches applies the plan in place. All operations are additive and
// idempotent: re-applying a plan never duplicates a limitation.
func (g *Gate) ApplyPatches(a *models.Assessment, plan []Patch) {
	for _, patch := range plan {
		switch patch.Type {
		case "add_limitation":
			appendUnique(&a.Limitations, patch.Content)
		case "add_evidence_warning":
			a.Audit.EvidenceCoverageWarning = patch.Content
		case "flag_action":
			if a.Strategy != nil && patch.ActionIndex < len(a.Strategy.Actions) {
				a.Strategy.Actions[patch.ActionIndex].NeedsEvidence = true
			}
		case "add_data_gap":
			appendUnique(&a.Limitations, "Data gap: "+patch.Content)
		}
	}

	a.Audit.QAPatched = true
	a.Audit.PatchesApplied = len(plan)
}

// checkEvidenceCoverage verifies strategy actions and risk drivers carry
// evidence references.
func checkEvidenceCoverage(a *models.Assessment, threshold float64) *Issue {
	checked := 0
	covered := 0
	missing := []string{}
	flagActions := []Patch{}

	if a.Strategy != nil {
		for i, action := range a.Strategy.Actions {
			checked++
			if len(action.EvidenceRefs) > 0 {
				covered++
			} else {
				missing = append(missing, fmt.Sprintf("action_%d: %s", i, truncate(action.Action, 50)))
				flagActions = append(flagActions, Patch{Type: "flag_action", ActionIndex: i})
			}
		}
	}
	if a.Evidence != nil {
		for i, driver := range a.Evidence.TopDrivers {
			checked++
			if len(driver.EvidenceRefs) > 0 {
				covered++
			} else {
				missing = append(missing, fmt.Sprintf("driver_%d: %s", i, driver.Driver))
			}
		}
	}

	coverage := 1.0
	if checked > 0 {
		coverage = float64(covered) / float64(checked)
	}
	if coverage >= threshold {
		return nil
	}

	severity := "warning"
	if coverage < 0.3 {
		severity = "critical"
	}

	patches := []Patch{{
		Type:    "add_evidence_warning",
		Content: fmt.Sprintf("Evidence coverage is %.0f%%, below %.0f%% threshold", coverage*100, threshold*100),
	}}
	for i, item := range missing {
		if i == 3 {
			break
		}
		patches = append(patches, Patch{
			Type:    "add_limitation",
			Content: "Recommendation lacks evidence support: " + item,
		})
	}
	patches = append(patches, flagActions...)

	return &Issue{
		Check:    "evidence_coverage",
		Severity: severity,
		Score:    coverage,
		Details:  cap5(missing),
		Patches:  patches,
	}
}

// checkDriverAlignment verifies recommendations mention the identified
// risk drivers. Passes vacuously with no drivers.
func checkDriverAlignment(a *models.Assessment, threshold float64) *Issue {
	driverNames := []string{}
	for _, d := range a.Risk.Drivers {
		driverNames = append(driverNames, strings.ToLower(d.Feature))
	}
	if len(driverNames) == 0 || a.Strategy == nil || len(a.Strategy.Actions) == 0 {
		return nil
	}

	aligned := 0
	unaligned := []string{}
	for i, action := range a.Strategy.Actions {
		text := strings.ToLower(action.Action + " " + action.Why)
		hit := false
		for _, name := range driverNames {
			if name != "" && strings.Contains(text, driverTopic(name)) {
				hit = true
				break
			}
		}
		if hit {
			aligned++
		} else {
			unaligned = append(unaligned, fmt.Sprintf("action_%d", i))
		}
	}

	alignment := float64(aligned) / float64(len(a.Strategy.Actions))
	if alignment >= threshold {
		return nil
	}

	return &Issue{
		Check:    "driver_alignment",
		Severity: "warning",
		Score:    alignment,
		Details:  cap5(unaligned),
		Patches: []Patch{{
			Type:    "add_limitation",
			Content: "Some recommendations may not directly address identified risk drivers",
		}},
	}
}

// driverTopic reduces a feature name to the keyword actions talk about.
func driverTopic(feature string) string {
	for _, topic := range []string{"complaint", "permit", "incident", "eviction", "vacancy", "violation", "age", "stress", "corridor"} {
		if strings.Contains(feature, topic) {
			return topic
		}
	}
	return feature
}

// checkUncertaintyDisclosure requires a limitation whenever data gaps or
// low match confidence exist.
func checkUncertaintyDisclosure(a *models.Assessment) *Issue {
	gaps := []string{}
	for name, env := range a.Signals {
		gaps = append(gaps, env.DataGaps...)
		if env.Freshness == "stale" {
			gaps = append(gaps, name+" data is stale")
		}
	}
	if a.Entity.MatchConfidence < 0.8 {
		gaps = append(gaps, fmt.Sprintf("Low entity match confidence (%.0f%%)", a.Entity.MatchConfidence*100))
	}

	if len(gaps) == 0 {
		return nil
	}

	disclosed := len(a.Limitations) > 0
	for _, lim := range a.Limitations {
		lower := strings.ToLower(lim)
		for _, word := range []string{"uncertain", "gap", "missing", "incomplete", "stale"} {
			if strings.Contains(lower, word) {
				disclosed = true
			}
		}
	}
	if disclosed {
		return nil
	}

	severity := "warning"
	if len(gaps) > 2 {
		severity = "critical"
	}

	patches := []Patch{}
	for i, gap := range gaps {
		if i == 3 {
			break
		}
		patches = append(patches, Patch{Type: "add_data_gap", Content: gap})
	}

	return &Issue{
		Check:    "uncertainty_disclosure",
		Severity: severity,
		Details:  cap5(gaps),
		Patches:  patches,
	}
}

// checkSchemaCompleteness verifies the response carries its required
// top-level fields.
func checkSchemaCompleteness(a *models.Assessment) *Issue {
	missing := []string{}
	if a.CaseID == "" {
		missing = append(missing, "case_id")
	}
	if a.Entity.EntityID == "" {
		missing = append(missing, "entity")
	}
	if a.Risk.Band == "" {
		missing = append(missing, "risk.band")
	}
	if a.Risk.ModelVersion == "" {
		missing = append(missing, "risk")
	}
	if a.Strategy == nil {
		missing = append(missing, "strategy")
	}

	if len(missing) == 0 {
		return nil
	}

	severity := "warning"
	if len(missing) > 2 {
		severity = "critical"
	}

	return &Issue{
		Check:    "schema_completeness",
		Severity: severity,
		Details:  missing,
		Patches: []Patch{{
			Type:    "add_limitation",
			Content: "Analysis is incomplete: missing " + strings.Join(missing, ", "),
		}},
	}
}

func appendUnique(list *[]string, value string) {
	if value == "" {
		return
	}
	for _, existing := range *list {
		if existing == value {
			return
		}
	}
	*list = append(*list, value)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func cap5(values []string) []string {
	if len(values) > 5 {
		return values[:5]
	}
	return values
}
