package models

import (
	"time"

	"github.com/closurewatch/backend/internal/entity"
	"github.com/closurewatch/backend/internal/evidence"
	"github.com/closurewatch/backend/internal/freshness"
	"github.com/closurewatch/backend/internal/risk"
	"github.com/closurewatch/backend/internal/signal"
)

// Action is one recommended step in a strategy plan.
type Action struct {
	Horizon        string   `json:"horizon"`
	Action         string   `json:"action"`
	Why            string   `json:"why"`
	ExpectedImpact string   `json:"expected_impact"`
	Effort         string   `json:"effort"`
	EvidenceRefs   []string `json:"evidence_refs"`
	SuccessMetric  string   `json:"success_metric,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty"`
	NeedsEvidence  bool     `json:"needs_evidence,omitempty"`
}

// Strategy is the prioritized action plan for one assessment.
type Strategy struct {
	Summary           string   `json:"summary"`
	Actions           []Action `json:"actions"`
	QuestionsForUser  []string `json:"questions_for_user"`
	PriorityRationale string   `json:"priority_rationale,omitempty"`
	RiskIfNoAction    string   `json:"risk_if_no_action,omitempty"`
	IsFallback        bool     `json:"is_fallback"`
}

// Audit records provenance and quality-gate outcome for an assessment.
type Audit struct {
	QAStatus                string            `json:"qa_status"`
	QAPatched               bool              `json:"qa_patched"`
	PatchesApplied          int               `json:"patches_applied,omitempty"`
	EvidenceCoverageWarning string            `json:"evidence_coverage_warning,omitempty"`
	DatasetVersions         map[string]string `json:"dataset_versions,omitempty"`
	AgentVersions           map[string]string `json:"agent_versions,omitempty"`
	StageErrors             []StageError      `json:"stage_errors,omitempty"`
}

// StageError records a pipeline stage failure.
type StageError struct {
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Assessment is the complete response for one closure-risk case.
type Assessment struct {
	CaseID        string                     `json:"case_id"`
	AsOf          string                     `json:"as_of"`
	HorizonMonths int                        `json:"horizon_months"`
	Entity        entity.ResolvedEntity      `json:"entity"`
	Risk          risk.Score                 `json:"risk"`
	Calibration   *risk.CalibratedScore      `json:"calibration,omitempty"`
	Signals       map[string]signal.Envelope `json:"signals"`
	Freshness     *freshness.Report          `json:"freshness,omitempty"`
	Evidence      *evidence.Pack             `json:"evidence,omitempty"`
	Strategy      *Strategy                  `json:"strategy"`
	Explanation   string                     `json:"explanation,omitempty"`
	Limitations   []string                   `json:"limitations"`
	Errors        []string                   `json:"errors,omitempty"`
	Audit         Audit                      `json:"audit"`
	CreatedAt     time.Time                  `json:"created_at"`
}

// AssessmentRecord is the sqlite row for a stored assessment.
type AssessmentRecord struct {
	CaseID       string
	Query        string
	EntityID     string
	BusinessName string
	RiskScore    float64
	RiskBand     string
	QAStatus     string
	Payload      string
	CreatedAt    time.Time
}

// ReferenceDistribution is a stored feature distribution used as the
// drift-monitor baseline.
type ReferenceDistribution struct {
	ID          int
	FeatureName string
	Values      []float64
	Period      string
	CreatedAt   time.Time
}

// CalibrationRecord persists fitted calibration parameters.
type CalibrationRecord struct {
	ID        int
	Method    string
	A         float64
	B         float64
	Mapping   string
	FittedAt  time.Time
	SampleN   int
}
