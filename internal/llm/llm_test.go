package llm

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/closurewatch/backend/internal/evidence"
)

func samplePack() *evidence.Pack {
	return &evidence.Pack{
		EntitySummary: "Golden Dragon Bakery, 966 Grant Ave, Chinatown (match confidence 0.92)",
		RiskScore:     0.55,
		RiskBand:      "medium",
		HorizonMonths: 6,
		TopDrivers: []evidence.DriverEvidence{
			{Driver: "complaint_count_3m", Direction: "up", Contribution: 0.18, EvidenceRefs: []string{"e:complaints_311-001"}},
		},
		SignalSummaries: map[string]string{
			"permits":        "3 permits filed in last 12 months, trend up",
			"complaints_311": "8 complaints in last 12 months, trend up",
			"evictions":      "2.1% eviction rate, above citywide average",
			"vacancy":        "15.0% commercial vacancy, corridor health moderate",
		},
		Items: []evidence.Item{
			{ID: "e:permits-001", Content: "3 permits filed", Source: "permits"},
			{ID: "e:complaints_311-001", Content: "8 complaints", Source: "complaints_311"},
			{ID: "e:evictions-001", Content: "2.1% eviction rate", Source: "evictions"},
		},
		DataGaps: []string{"Query error (news): timeout"},
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bare object", `{"summary": "x"}`, `{"summary": "x"}`},
		{"fenced", "```json\n{\"summary\": \"x\"}\n```", `{"summary": "x"}`},
		{"surrounding prose", `Here is the plan: {"summary": "x"} Hope it helps.`, `{"summary": "x"}`},
		{"no object", "I cannot produce a plan.", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.content); got != tt.want {
				t.Errorf("extractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseStrategyFixesEnums(t *testing.T) {
	content := `{
		"summary": "Do the work",
		"actions": [
			{"horizon": "next_year", "action": "A", "why": "W", "expected_impact": "huge", "effort": "low", "evidence_refs": ["e:permits-001"]}
		],
		"questions_for_user": null
	}`

	strategy, err := parseStrategy(content)
	if err != nil {
		t.Fatalf("parseStrategy() error = %v", err)
	}
	fixStrategy(strategy)

	a := strategy.Actions[0]
	if a.Horizon != "60_days" {
		t.Errorf("Horizon = %q, want 60_days", a.Horizon)
	}
	if a.ExpectedImpact != "medium" {
		t.Errorf("ExpectedImpact = %q, want medium", a.ExpectedImpact)
	}
	if strategy.QuestionsForUser == nil {
		t.Error("QuestionsForUser not initialized")
	}
}

func TestParseStrategyRejectsEmptyActions(t *testing.T) {
	if _, err := parseStrategy(`{"summary": "x", "actions": []}`); err == nil {
		t.Error("expected error for strategy with no actions")
	}
}

func TestFlagUnsupportedActions(t *testing.T) {
	pack := samplePack()
	strategy, err := parseStrategy(`{
		"summary": "s",
		"actions": [
			{"horizon": "2_weeks", "action": "A", "why": "W", "expected_impact": "low", "effort": "low", "evidence_refs": ["e:permits-001"]},
			{"horizon": "2_weeks", "action": "B", "why": "W", "expected_impact": "low", "effort": "low", "evidence_refs": ["e:made-up-999"]}
		]
	}`)
	if err != nil {
		t.Fatalf("parseStrategy() error = %v", err)
	}

	flagUnsupportedActions(strategy, pack)

	if strategy.Actions[0].NeedsEvidence {
		t.Error("action with known ref flagged as needing evidence")
	}
	if !strategy.Actions[1].NeedsEvidence {
		t.Error("action with unknown ref not flagged")
	}
}

func TestFallbackStrategyIsDeterministic(t *testing.T) {
	pack := samplePack()

	first := FallbackStrategy(pack)
	second := FallbackStrategy(pack)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("fallback strategy not deterministic (-first +second):\n%s", diff)
	}
}

func TestFallbackStrategyShape(t *testing.T) {
	pack := samplePack()
	strategy := FallbackStrategy(pack)

	if !strategy.IsFallback {
		t.Error("IsFallback = false")
	}
	if len(strategy.QuestionsForUser) != 5 {
		t.Errorf("QuestionsForUser count = %d, want 5", len(strategy.QuestionsForUser))
	}
	if !strings.Contains(strategy.PriorityRationale, "quick wins first") {
		t.Errorf("PriorityRationale = %q, missing framework name", strategy.PriorityRationale)
	}

	byHorizon := map[string]int{}
	for _, a := range strategy.Actions {
		byHorizon[a.Horizon]++
	}
	for _, h := range []string{"2_weeks", "60_days", "6_months"} {
		if byHorizon[h] < 2 {
			t.Errorf("horizon %s has %d actions, want at least 2", h, byHorizon[h])
		}
	}
}

func TestFallbackStrategyBandSummaries(t *testing.T) {
	tests := []struct {
		band string
		want string
	}{
		{"low", "low risk profile"},
		{"medium", "moderate risk profile"},
		{"high", "elevated risk"},
	}

	for _, tt := range tests {
		t.Run(tt.band, func(t *testing.T) {
			pack := samplePack()
			pack.RiskBand = tt.band
			strategy := FallbackStrategy(pack)
			if !strings.Contains(strategy.Summary, tt.want) {
				t.Errorf("Summary = %q, want substring %q", strategy.Summary, tt.want)
			}
		})
	}
}

func TestFallbackStrategyReactsToOpenComplaints(t *testing.T) {
	pack := samplePack()
	strategy := FallbackStrategy(pack)

	var found bool
	for _, a := range strategy.Actions {
		if strings.Contains(a.Action, "address any open complaints") {
			found = true
			if a.ExpectedImpact != "high" {
				t.Errorf("complaint resolution impact = %q, want high", a.ExpectedImpact)
			}
		}
	}
	if !found {
		t.Error("pack with complaints produced no complaint-resolution action")
	}

	clean := samplePack()
	clean.SignalSummaries["complaints_311"] = "0 complaints in last 12 months"
	clean.SignalSummaries["dbi"] = "0 DBI complaints"
	strategy = FallbackStrategy(clean)
	for _, a := range strategy.Actions {
		if strings.Contains(a.Action, "clean record") {
			return
		}
	}
	t.Error("clean pack produced no baseline-documentation action")
}

func TestFallbackExplanationUsesDrivers(t *testing.T) {
	pack := samplePack()
	explanation := FallbackExplanation(pack)

	if !explanation.IsFallback {
		t.Error("IsFallback = false")
	}
	if len(explanation.WhatChanged) != 1 {
		t.Fatalf("WhatChanged count = %d, want 1", len(explanation.WhatChanged))
	}
	change := explanation.WhatChanged[0]
	if !strings.Contains(change.Change, "complaint_count_3m") {
		t.Errorf("Change = %q, missing driver name", change.Change)
	}
	if diff := cmp.Diff([]string{"e:complaints_311-001"}, change.EvidenceRefs); diff != "" {
		t.Errorf("EvidenceRefs mismatch (-want +got):\n%s", diff)
	}
	if explanation.WhyItMatters[0].Impact != "neutral" {
		t.Errorf("Impact = %q, want neutral for medium band", explanation.WhyItMatters[0].Impact)
	}
	wantSummary := "Business risk score is 0.55 (medium risk). Please review the detailed signals for more information."
	if explanation.Summary != wantSummary {
		t.Errorf("Summary = %q, want %q", explanation.Summary, wantSummary)
	}
}

func TestFallbackExplanationCarriesDataGaps(t *testing.T) {
	pack := samplePack()
	explanation := FallbackExplanation(pack)

	var found bool
	for _, l := range explanation.Limitations {
		if strings.Contains(l, "news") {
			found = true
		}
	}
	if !found {
		t.Errorf("Limitations = %v, missing propagated data gap", explanation.Limitations)
	}
}

func TestFixExplanationDefaults(t *testing.T) {
	e := &Explanation{
		WhatChanged:  []Change{{Change: "x"}},
		WhyItMatters: []Insight{{Insight: "y", Impact: "catastrophic"}},
	}
	fixExplanation(e)

	if e.WhatChanged[0].EvidenceRefs == nil {
		t.Error("EvidenceRefs not initialized")
	}
	if e.WhyItMatters[0].Impact != "neutral" {
		t.Errorf("Impact = %q, want neutral", e.WhyItMatters[0].Impact)
	}
	if e.Summary == "" {
		t.Error("Summary not defaulted")
	}
}
