package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/evidence"
)

const ExplainerVersion = "1.0.0"

// Change is one recent development affecting risk.
type Change struct {
	Change       string   `json:"change"`
	Timeframe    string   `json:"timeframe,omitempty"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// Insight explains why a change matters.
type Insight struct {
	Insight      string   `json:"insight"`
	Impact       string   `json:"impact"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

// Watch is a metric worth tracking going forward.
type Watch struct {
	Metric       string   `json:"metric"`
	Reason       string   `json:"reason"`
	Threshold    string   `json:"threshold,omitempty"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

// Explanation is the plain-language reading of an assessment.
type Explanation struct {
	WhatChanged   []Change  `json:"what_changed"`
	WhyItMatters  []Insight `json:"why_it_matters"`
	WhatToMonitor []Watch   `json:"what_to_monitor"`
	Summary       string    `json:"summary"`
	Limitations   []string  `json:"limitations,omitempty"`
	IsFallback    bool      `json:"is_fallback,omitempty"`
}

// Explainer converts drivers and evidence into what changed / why it
// matters / what to monitor. Like the planner, it never fails.
type Explainer struct {
	client *Client
	logger *zap.Logger
}

func NewExplainer(client *Client, logger *zap.Logger) *Explainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Explainer{client: client, logger: logger}
}

func (e *Explainer) Explain(ctx context.Context, pack *evidence.Pack) *Explanation {
	if e.client == nil {
		return FallbackExplanation(pack)
	}

	resp, err := e.client.Complete(ctx, CompletionRequest{
		SystemPrompt: explanationSystemPrompt,
		UserPrompt:   explanationPrompt(pack),
		Temperature:  0.2,
		MaxTokens:    2000,
	})
	if err != nil {
		e.logger.Warn("explanation generation failed, using fallback", zap.Error(err))
		return FallbackExplanation(pack)
	}

	raw := extractJSON(resp.Content)
	if raw == "" {
		e.logger.Warn("explanation response carried no JSON, using fallback")
		return FallbackExplanation(pack)
	}

	var explanation Explanation
	if err := json.Unmarshal([]byte(raw), &explanation); err != nil {
		e.logger.Warn("explanation response unparseable, using fallback", zap.Error(err))
		return FallbackExplanation(pack)
	}

	fixExplanation(&explanation)
	return &explanation
}

// FallbackExplanation derives a minimal explanation directly from the
// pack's drivers and summaries.
func FallbackExplanation(pack *evidence.Pack) *Explanation {
	var changes []Change
	for _, d := range pack.TopDrivers {
		changes = append(changes, Change{
			Change:       fmt.Sprintf("%s is trending %s (contribution %.2f)", d.Driver, d.Direction, d.Contribution),
			Timeframe:    fmt.Sprintf("Last %d months", pack.HorizonMonths),
			EvidenceRefs: d.EvidenceRefs,
		})
	}
	if len(changes) == 0 {
		changes = []Change{{
			Change:       "Risk analysis completed but no dominant drivers were identified",
			Timeframe:    fmt.Sprintf("Last %d months", pack.HorizonMonths),
			EvidenceRefs: []string{},
		}}
	}

	insights := []Insight{{
		Insight:      fmt.Sprintf("Current risk level is %s", pack.RiskBand),
		Impact:       impactOfBand(pack.RiskBand),
		EvidenceRefs: []string{},
	}}

	watches := []Watch{{
		Metric: "Overall risk score",
		Reason: "Track changes in business risk profile",
	}}
	for _, d := range pack.TopDrivers {
		watches = append(watches, Watch{
			Metric:       d.Driver,
			Reason:       "Top contributor to the current score",
			EvidenceRefs: d.EvidenceRefs,
		})
		if len(watches) >= 4 {
			break
		}
	}

	limitations := []string{"Detailed explanation could not be generated"}
	limitations = append(limitations, pack.DataGaps...)

	return &Explanation{
		WhatChanged:   changes,
		WhyItMatters:  insights,
		WhatToMonitor: watches,
		Summary:       fmt.Sprintf("Business risk score is %.2f (%s risk). Please review the detailed signals for more information.", pack.RiskScore, pack.RiskBand),
		Limitations:   limitations,
		IsFallback:    true,
	}
}

func impactOfBand(band string) string {
	switch band {
	case "high":
		return "negative"
	case "low":
		return "positive"
	default:
		return "neutral"
	}
}

var validImpacts = map[string]bool{"positive": true, "negative": true, "neutral": true}

func fixExplanation(e *Explanation) {
	for i := range e.WhatChanged {
		if e.WhatChanged[i].EvidenceRefs == nil {
			e.WhatChanged[i].EvidenceRefs = []string{}
		}
	}
	for i := range e.WhyItMatters {
		if !validImpacts[e.WhyItMatters[i].Impact] {
			e.WhyItMatters[i].Impact = "neutral"
		}
	}
	if e.Summary == "" {
		e.Summary = "Explanation generated - review sections for details"
	}
}
