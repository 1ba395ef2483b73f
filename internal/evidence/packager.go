// Package evidence assembles the compact evidence pack that grounds
// strategy and explanation generation. Everything here is deterministic.
package evidence

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/closurewatch/backend/internal/entity"
	"github.com/closurewatch/backend/internal/risk"
	"github.com/closurewatch/backend/internal/signal"
)

// Item is one evidence snippet with a stable reference id.
type Item struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Source  string `json:"source"`
	Date    string `json:"date,omitempty"`
}

// DriverEvidence is a risk driver linked to the evidence supporting it.
type DriverEvidence struct {
	Driver       string   `json:"driver"`
	Direction    string   `json:"direction"`
	Contribution float64  `json:"contribution"`
	EvidenceRefs []string `json:"evidence_refs"`
}

// Pack is the read-only input handed to strategy and explanation
// generation and to the quality gate.
type Pack struct {
	EntitySummary   string            `json:"entity_summary"`
	RiskScore       float64           `json:"risk_score"`
	RiskBand        string            `json:"risk_band"`
	TopDrivers      []DriverEvidence  `json:"top_drivers"`
	AsOf            string            `json:"as_of"`
	HorizonMonths   int               `json:"horizon_months"`
	SignalSummaries map[string]string `json:"signal_summaries"`
	Items           []Item            `json:"evidence_items"`
	DataGaps        []string          `json:"data_gaps"`
	ConfidenceNotes []string          `json:"confidence_notes"`
}

// driverCategories maps driver-name keywords to the source whose evidence
// backs them. First keyword hit wins.
var driverCategories = []struct {
	keyword string
	source  string
}{
	{"311", "complaints_311"},
	{"complaint", "complaints_311"},
	{"permit", "permits"},
	{"dbi", "dbi"},
	{"sfpd", "sfpd"},
	{"incident", "sfpd"},
	{"crime", "sfpd"},
	{"eviction", "evictions"},
	{"vacancy", "vacancy"},
}

var sourceLabels = map[string]string{
	"permits":        "Building Permits",
	"complaints_311": "311 Cases",
	"dbi":            "DBI Complaints",
	"sfpd":           "SFPD Incidents",
	"evictions":      "Eviction Notices",
	"vacancy":        "Commercial Vacancy",
	"registry":       "Registered Businesses",
	"licenses":       "Business Licenses",
	"news":           "Local News",
}

// summarizedSources fixes the order evidence and summaries are emitted in.
var summarizedSources = []string{
	"permits", "complaints_311", "dbi", "sfpd", "evictions", "vacancy", "licenses", "news",
}

type Packager struct {
	maxItems int
}

func NewPackager(maxItems int) *Packager {
	if maxItems <= 0 {
		maxItems = 12
	}
	return &Packager{maxItems: maxItems}
}

// Package assembles the pack from the resolved entity, the normalized
// source envelopes, and the risk score.
func (p *Packager) Package(
	ent entity.ResolvedEntity,
	envelopes map[string]signal.Envelope,
	score risk.Score,
	asOf time.Time,
	horizonMonths int,
) Pack {
	counter := 0
	nextRef := func(source string) string {
		counter++
		return signal.EvidenceRef(source, counter)
	}

	drivers := make([]DriverEvidence, 0, len(score.Drivers))
	for _, d := range score.Drivers {
		refs := []string{}
		if source := driverSource(d.Feature); source != "" {
			if _, ok := envelopes[source]; ok {
				refs = append(refs, nextRef(source))
			}
		}
		drivers = append(drivers, DriverEvidence{
			Driver:       d.Feature,
			Direction:    d.Direction,
			Contribution: d.Contribution,
			EvidenceRefs: refs,
		})
	}

	return Pack{
		EntitySummary:   entitySummary(ent),
		RiskScore:       score.Score,
		RiskBand:        score.Band,
		TopDrivers:      drivers,
		AsOf:            asOf.Format(time.RFC3339),
		HorizonMonths:   horizonMonths,
		SignalSummaries: summarizeSignals(envelopes),
		Items:           p.collectItems(envelopes),
		DataGaps:        collectDataGaps(envelopes),
		ConfidenceNotes: confidenceNotes(ent),
	}
}

func driverSource(name string) string {
	lower := strings.ToLower(name)
	for _, c := range driverCategories {
		if strings.Contains(lower, c.keyword) {
			return c.source
		}
	}
	return ""
}

func entitySummary(ent entity.ResolvedEntity) string {
	parts := []string{}
	if ent.BusinessName != "" {
		parts = append(parts, ent.BusinessName)
	}
	if ent.Address != "" {
		parts = append(parts, "at "+ent.Address)
	}
	if ent.Neighborhood != "" {
		parts = append(parts, "in "+ent.Neighborhood)
	}
	if len(parts) == 0 {
		return "Unknown business"
	}
	return strings.Join(parts, " ")
}

// summarizeSignals produces one line per source from its headline counts.
func summarizeSignals(envelopes map[string]signal.Envelope) map[string]string {
	summaries := map[string]string{}

	if env, ok := envelopes["permits"]; ok {
		summaries["permits"] = fmt.Sprintf("%.0f permits in last 12mo, trend: %s",
			env.Float("permit_count_12m"), trendOf(env, "permit_trend"))
	}
	if env, ok := envelopes["complaints_311"]; ok {
		summaries["complaints_311"] = fmt.Sprintf("%.0f complaints in 6mo; top: %s",
			env.Float("complaint_count_6m"), topCategories(env, 3))
	}
	if env, ok := envelopes["dbi"]; ok {
		summaries["dbi"] = fmt.Sprintf("%.0f DBI complaints in 12mo, open ratio: %.2f",
			env.Float("dbi_count_12m"), env.Float("open_closed_ratio"))
	}
	if env, ok := envelopes["sfpd"]; ok {
		summaries["sfpd"] = fmt.Sprintf("%.0f incidents nearby in 6mo; top: %s",
			env.Float("incident_count_6m"), topCategories(env, 2))
	}
	if env, ok := envelopes["evictions"]; ok {
		summaries["evictions"] = fmt.Sprintf("Neighborhood evictions at %.2fx the citywide rate, trend: %s",
			env.Float("relative_to_citywide"), trendOf(env, "eviction_trend"))
	}
	if env, ok := envelopes["vacancy"]; ok {
		summaries["vacancy"] = fmt.Sprintf("Corridor vacancy rate: %.1f%%, trend: %s",
			env.Float("vacancy_rate_pct"), trendOf(env, "vacancy_trend"))
	}
	if env, ok := envelopes["licenses"]; ok {
		summaries["licenses"] = fmt.Sprintf("%.0f active licenses on record", env.Float("active_license_count"))
	}
	if env, ok := envelopes["news"]; ok {
		summaries["news"] = fmt.Sprintf("%.0f recent local news mentions", env.Float("mention_count"))
	}

	return summaries
}

func trendOf(env signal.Envelope, key string) string {
	if t := env.String(key); t != "" {
		return t
	}
	return "stable"
}

func topCategories(env signal.Envelope, limit int) string {
	raw, ok := env.Signals["top_categories"]
	if !ok {
		return "various"
	}

	cats := []string{}
	switch v := raw.(type) {
	case []string:
		cats = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				cats = append(cats, s)
			}
		}
	}
	if len(cats) == 0 {
		return "various"
	}
	if len(cats) > limit {
		cats = cats[:limit]
	}
	return strings.Join(cats, ", ")
}

// collectItems emits up to maxItems snippets in fixed source order, one
// generic line per source plus category breakdowns where available.
func (p *Packager) collectItems(envelopes map[string]signal.Envelope) []Item {
	items := []Item{}
	summaries := summarizeSignals(envelopes)

	for _, source := range summarizedSources {
		env, ok := envelopes[source]
		if !ok {
			continue
		}
		label := sourceLabels[source]

		n := 0
		if source == "complaints_311" || source == "sfpd" {
			for _, cat := range categoryList(env, 3) {
				n++
				items = append(items, Item{
					ID:      signal.EvidenceRef(source, n),
					Content: cat,
					Source:  label,
				})
			}
		}
		if n == 0 {
			content := summaries[source]
			if content == "" {
				content = "Data from " + label + ": available"
			}
			items = append(items, Item{
				ID:      signal.EvidenceRef(source, 1),
				Content: content,
				Source:  label,
				Date:    env.PulledAt.Format("2006-01-02"),
			})
		}

		if len(items) >= p.maxItems {
			break
		}
	}

	if len(items) > p.maxItems {
		items = items[:p.maxItems]
	}
	return items
}

func categoryList(env signal.Envelope, limit int) []string {
	raw, ok := env.Signals["top_categories"]
	if !ok {
		return nil
	}

	counts := map[string]float64{}
	if rawCounts, ok := env.Signals["category_counts"].(map[string]any); ok {
		for k, v := range rawCounts {
			if f, isNum := v.(float64); isNum {
				counts[k] = f
			}
		}
	}

	out := []string{}
	add := func(cat string) {
		if count, ok := counts[cat]; ok {
			out = append(out, fmt.Sprintf("%s: %.0f cases", cat, count))
		} else {
			out = append(out, "Category: "+cat)
		}
	}

	switch v := raw.(type) {
	case []string:
		for _, cat := range v {
			add(cat)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// collectDataGaps merges per-source gaps with missing-source notices.
func collectDataGaps(envelopes map[string]signal.Envelope) []string {
	gaps := []string{}

	for _, source := range summarizedSources {
		env, ok := envelopes[source]
		if !ok {
			gaps = append(gaps, "Missing data: "+source)
			continue
		}
		gaps = append(gaps, env.DataGaps...)
		if env.Freshness == "stale" {
			gaps = append(gaps, fmt.Sprintf("Stale data: %s (last updated: %s)",
				source, env.PulledAt.Format("2006-01-02")))
		}
	}

	sort.Strings(gaps)
	return dedupe(gaps)
}

func confidenceNotes(ent entity.ResolvedEntity) []string {
	notes := []string{}

	if ent.MatchConfidence < 0.8 {
		notes = append(notes, fmt.Sprintf(
			"Entity match confidence: %.0f%% - some uncertainty in business identification",
			ent.MatchConfidence*100))
	} else if ent.MatchConfidence < 0.95 {
		notes = append(notes, fmt.Sprintf("Entity match confidence: %.0f%%", ent.MatchConfidence*100))
	}

	if ent.NeedsConfirmation {
		notes = append(notes, "Business identification needs confirmation before acting on results")
	}

	switch ent.JoinStrategy {
	case entity.JoinSpatialRadius:
		notes = append(notes, "Analysis based on spatial proximity (exact address match not available)")
	case entity.JoinNeighborhood:
		notes = append(notes, "Using neighborhood-level aggregates (no direct address match)")
	}

	return notes
}

func dedupe(values []string) []string {
	seen := map[string]struct{}{}
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
