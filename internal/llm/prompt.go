package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/closurewatch/backend/internal/evidence"
)

const strategySystemPrompt = `You are a strategic advisor for small businesses in San Francisco. Your task is to create a prioritized action plan to reduce business closure risk. You must respond with ONLY a valid JSON object. Do not include any text before or after the JSON.`

const strategyUserTemplate = `## Business Context
%s

## Risk Assessment
Score: %.2f (%s risk)
Horizon: %d months

## Top Risk Drivers
%s

## Signal Summaries
%s

## Evidence Items (MUST reference these in recommendations)
%s

## Data Gaps & Limitations
%s

## Confidence Notes
%s

## Instructions
Create a strategic action plan as JSON with:

1. "summary": Brief executive summary (2-3 sentences)

2. "actions": Array of recommended actions. For each action include:
   - "horizon": "2_weeks" | "60_days" | "6_months"
   - "action": Specific, actionable recommendation
   - "why": Why this helps address the risk (connect to evidence)
   - "expected_impact": "low" | "medium" | "high"
   - "effort": "low" | "medium" | "high"
   - "evidence_refs": REQUIRED array of evidence IDs supporting this action
   - "success_metric": How to measure success
   - "dependencies": Any prerequisites

3. "questions_for_user": Questions to refine the strategy

4. "priority_rationale": Why you ordered actions this way

5. "risk_if_no_action": Consequences of inaction

## CRITICAL RULES
- Every action MUST have evidence_refs with at least one evidence ID (e.g., ["e:complaints_311-001"])
- Do NOT recommend actions without evidence support
- Prioritize high-impact, low-effort actions first
- Be specific and actionable, not generic
- If data is insufficient, say so and ask clarifying questions
- Include at least 2 actions per time horizon (6 total minimum)`

const explanationSystemPrompt = `You are an expert business risk analyst explaining risk factors to a small business owner. Output ONLY valid JSON, no markdown or explanation.`

const explanationUserTemplate = `## Business Context
%s

## Risk Score
Score: %.2f (%s risk)
Analysis horizon: %d months

## Top Risk Drivers
%s

## Signal Summaries
%s

## Evidence Items
%s

## Data Gaps
%s

## Instructions
Generate a JSON response with these sections:
1. "what_changed": Recent changes affecting risk (MUST reference evidence IDs)
2. "why_it_matters": Why these changes impact the business (include impact: positive/negative/neutral)
3. "what_to_monitor": Key metrics to watch going forward
4. "summary": One paragraph executive summary
5. "limitations": Any caveats about the analysis

CRITICAL RULES:
- Every claim MUST include "evidence_refs" with relevant evidence IDs (e.g., ["e:complaints_311-001"])
- If data is missing, say so explicitly in limitations
- Do not make claims without evidence support
- Use plain language, avoid jargon
- Be specific about timeframes and numbers`

func driversText(pack *evidence.Pack) string {
	if len(pack.TopDrivers) == 0 {
		return "No drivers identified"
	}
	var b strings.Builder
	for i, d := range pack.TopDrivers {
		fmt.Fprintf(&b, "%d. %s (%s, contribution: %.2f) - refs: %s\n",
			i+1, d.Driver, d.Direction, d.Contribution, strings.Join(d.EvidenceRefs, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func signalsText(pack *evidence.Pack) string {
	if len(pack.SignalSummaries) == 0 {
		return "No signals available"
	}
	var b strings.Builder
	for _, source := range summaryOrder(pack) {
		fmt.Fprintf(&b, "- %s: %s\n", source, pack.SignalSummaries[source])
	}
	return strings.TrimRight(b.String(), "\n")
}

func evidenceText(pack *evidence.Pack) string {
	if len(pack.Items) == 0 {
		return "No evidence items"
	}
	var b strings.Builder
	for _, item := range pack.Items {
		fmt.Fprintf(&b, "- %s: %s (source: %s)\n", item.ID, item.Content, item.Source)
	}
	return strings.TrimRight(b.String(), "\n")
}

func bulletList(lines []string, empty string) string {
	if len(lines) == 0 {
		return empty
	}
	var b strings.Builder
	for _, line := range lines {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	return strings.TrimRight(b.String(), "\n")
}

// summaryOrder keeps the prompt stable across runs: map iteration order
// would otherwise reshuffle the summaries between identical requests.
func summaryOrder(pack *evidence.Pack) []string {
	order := []string{
		"permits", "complaints_311", "dbi", "sfpd",
		"evictions", "vacancy", "licenses", "news", "registry",
	}
	var out []string
	seen := make(map[string]bool)
	for _, s := range order {
		if _, ok := pack.SignalSummaries[s]; ok {
			out = append(out, s)
			seen[s] = true
		}
	}
	var rest []string
	for s := range pack.SignalSummaries {
		if !seen[s] {
			rest = append(rest, s)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func strategyPrompt(pack *evidence.Pack) string {
	return fmt.Sprintf(strategyUserTemplate,
		entitySummaryOr(pack), pack.RiskScore, pack.RiskBand, pack.HorizonMonths,
		driversText(pack), signalsText(pack), evidenceText(pack),
		bulletList(pack.DataGaps, "None identified"),
		bulletList(pack.ConfidenceNotes, "Standard confidence"),
	)
}

func explanationPrompt(pack *evidence.Pack) string {
	return fmt.Sprintf(explanationUserTemplate,
		entitySummaryOr(pack), pack.RiskScore, pack.RiskBand, pack.HorizonMonths,
		driversText(pack), signalsText(pack), evidenceText(pack),
		bulletList(pack.DataGaps, "None identified"),
	)
}

func entitySummaryOr(pack *evidence.Pack) string {
	if pack.EntitySummary == "" {
		return "Unknown business"
	}
	return pack.EntitySummary
}
