package features

import (
	"strings"
	"time"

	"github.com/closurewatch/backend/internal/signal"
)

const SchemaVersion = "v1"

// Definitions is the authoritative feature list. Every name here is present
// in the built feature map; inputs that cannot be computed are zero-filled
// and recorded in MissingFeatures.
var Definitions = []string{
	// business age and registration status
	"business_age_years",
	"is_active",
	"has_naic_code",
	"has_parking_tax",
	"has_transient_tax",

	// building permits
	"permit_count_3m",
	"permit_count_6m",
	"permit_count_12m",
	"permit_trend",
	"avg_permit_cost_12m",
	"has_recent_permits",

	// 311 complaints
	"complaint_count_3m",
	"complaint_count_6m",
	"complaint_count_12m",
	"complaint_trend",
	"open_closed_ratio",
	"business_relevant_complaints_6m",

	// building-inspection complaints
	"dbi_count_6m",
	"dbi_trend",
	"has_open_violations",

	// police incidents
	"incident_count_6m",
	"incident_trend",
	"business_relevant_incidents_6m",

	// neighborhood stress
	"eviction_rate_relative",
	"neighborhood_stress_level",

	// commercial corridor
	"vacancy_rate_pct",
	"corridor_health",
}

// ModelFeatures is the flat feature vector handed to the risk model.
type ModelFeatures struct {
	Features        map[string]float64 `json:"features"`
	SchemaVersion   string             `json:"feature_version"`
	AsOf            time.Time          `json:"as_of"`
	EntityID        string             `json:"entity_id"`
	EvidenceRefs    []string           `json:"evidence_refs"`
	MissingFeatures []string           `json:"missing_features"`
}

// aliases map trained-model feature names onto builder feature names.
var aliases = map[string]string{
	"business_age":           "business_age_years",
	"neighborhood_permits":   "permit_count_6m",
	"avg_permit_cost":        "avg_permit_cost_12m",
	"neighborhood_311_cases": "complaint_count_6m",
}

// ToArray orders the features for a trained model's input vector, resolving
// aliases and defaulting unknown names to 0.
func (m ModelFeatures) ToArray(order []string) []float64 {
	out := make([]float64, len(order))
	for i, name := range order {
		if actual, ok := aliases[name]; ok {
			name = actual
		}
		out[i] = m.Features[name]
	}
	return out
}

type Builder struct{}

func NewBuilder() *Builder {
	return &Builder{}
}

// recorder accumulates feature values and tracks which ones fell back to a
// default because the input was absent.
type recorder struct {
	features map[string]float64
	missing  []string
}

func (r *recorder) set(name string, v float64) {
	r.features[name] = v
}

func (r *recorder) markMissing(name string) {
	for _, m := range r.missing {
		if m == name {
			return
		}
	}
	r.missing = append(r.missing, name)
}

func (r *recorder) setOrDefault(name string, signals map[string]any, key string, fallback float64) {
	if _, ok := signals[key]; !ok {
		r.features[name] = fallback
		r.markMissing(name)
		return
	}
	r.features[name] = signal.Float(signals, key, fallback)
}

func (r *recorder) setTrend(name string, signals map[string]any, key string) {
	if _, ok := signals[key]; !ok {
		r.features[name] = 0.0
		r.markMissing(name)
		return
	}
	r.features[name] = EncodeTrend(signal.String(signals, key, "stable"))
}

// setLevel encodes an ordinal level signal. An absent key or the "unknown"
// sentinel still produces the midpoint encoding, but the feature is recorded
// as missing so the model can refuse to score on it.
func (r *recorder) setLevel(name string, signals map[string]any, key string, encode func(string) float64) {
	level := signal.String(signals, key, "unknown")
	r.features[name] = encode(level)

	if _, ok := signals[key]; !ok || strings.EqualFold(level, "unknown") || level == "" {
		r.markMissing(name)
	}
}

// Build converts canonical signal envelopes into the model feature vector.
// Envelopes are already normalized at the orchestrator boundary, so each
// source's values are read flat. Business age is computed against asOf, never
// the wall clock.
func (b *Builder) Build(entityID string, envelopes map[string]signal.Envelope, asOf time.Time) ModelFeatures {
	rec := &recorder{
		features: make(map[string]float64, len(Definitions)),
		missing:  []string{},
	}

	evidenceRefs := []string{}
	for _, env := range envelopes {
		evidenceRefs = append(evidenceRefs, env.EvidenceRefs...)
	}

	registry := sourceSignals(envelopes, "registry", "business_registry")
	permits := sourceSignals(envelopes, "permits")
	complaints := sourceSignals(envelopes, "complaints_311")
	dbi := sourceSignals(envelopes, "dbi", "dbi_complaints")
	sfpd := sourceSignals(envelopes, "sfpd", "sfpd_incidents")
	evictions := sourceSignals(envelopes, "evictions")
	vacancy := sourceSignals(envelopes, "vacancy")

	primary := primaryRecord(registry)

	rec.set("business_age_years", businessAge(primary, asOf))
	rec.set("is_active", boolFeature(primary, "is_active"))
	rec.set("has_naic_code", presenceFeature(primary, "naic_code"))
	rec.set("has_parking_tax", boolFeature(primary, "parking_tax"))
	rec.set("has_transient_tax", boolFeature(primary, "transient_tax"))

	rec.setOrDefault("permit_count_3m", permits, "permit_count_3m", 0)
	rec.setOrDefault("permit_count_6m", permits, "permit_count_6m", 0)
	rec.setOrDefault("permit_count_12m", permits, "permit_count_12m", 0)
	rec.setTrend("permit_trend", permits, "permit_trend")
	rec.setOrDefault("avg_permit_cost_12m", permits, "avg_permit_cost_12m", 0)
	rec.setOrDefault("has_recent_permits", permits, "has_recent_permits", 0)

	rec.setOrDefault("complaint_count_3m", complaints, "complaint_count_3m", 0)
	rec.setOrDefault("complaint_count_6m", complaints, "complaint_count_6m", 0)
	rec.setOrDefault("complaint_count_12m", complaints, "complaint_count_12m", 0)
	rec.setTrend("complaint_trend", complaints, "complaint_trend")
	rec.setOrDefault("open_closed_ratio", complaints, "open_closed_ratio", 0)
	rec.setOrDefault("business_relevant_complaints_6m", complaints, "business_relevant_count_6m", 0)

	rec.setOrDefault("dbi_count_6m", dbi, "dbi_count_6m", 0)
	rec.setTrend("dbi_trend", dbi, "dbi_trend")
	rec.setOrDefault("has_open_violations", dbi, "has_open_violations", 0)

	rec.setOrDefault("incident_count_6m", sfpd, "incident_count_6m", 0)
	rec.setTrend("incident_trend", sfpd, "incident_trend")
	rec.setOrDefault("business_relevant_incidents_6m", sfpd, "business_relevant_count_6m", 0)

	// The eviction adapter computes the relative rate and the stress level
	// together; an unknown stress level means the relative rate is the
	// 1.0 no-data sentinel, not a measurement.
	rec.setOrDefault("eviction_rate_relative", evictions, "relative_to_citywide", 1.0)
	rec.setLevel("neighborhood_stress_level", evictions, "neighborhood_stress_level", EncodeStressLevel)
	if strings.EqualFold(signal.String(evictions, "neighborhood_stress_level", "unknown"), "unknown") {
		rec.markMissing("eviction_rate_relative")
	}

	rec.setOrDefault("vacancy_rate_pct", vacancy, "vacancy_rate_pct", 0)
	rec.setLevel("corridor_health", vacancy, "corridor_health", EncodeCorridorHealth)

	// Definitions is the contract: anything not covered above still gets a
	// zero default so the model never sees a missing key.
	for _, name := range Definitions {
		if _, ok := rec.features[name]; !ok {
			rec.markMissing(name)
			rec.features[name] = 0.0
		}
	}

	return ModelFeatures{
		Features:        rec.features,
		SchemaVersion:   SchemaVersion,
		AsOf:            asOf,
		EntityID:        entityID,
		EvidenceRefs:    evidenceRefs,
		MissingFeatures: rec.missing,
	}
}

func sourceSignals(envelopes map[string]signal.Envelope, names ...string) map[string]any {
	for _, name := range names {
		if env, ok := envelopes[name]; ok {
			return env.Signals
		}
	}
	return map[string]any{}
}

func primaryRecord(registry map[string]any) map[string]any {
	if primary, ok := registry["primary"].(map[string]any); ok {
		return primary
	}
	return map[string]any{}
}

func businessAge(primary map[string]any, asOf time.Time) float64 {
	startStr, _ := primary["location_start_date"].(string)
	if startStr == "" {
		return 0.0
	}

	start, err := parseDate(startStr)
	if err != nil {
		return 0.0
	}

	ageDays := asOf.Sub(start).Hours() / 24
	if ageDays < 0 {
		return 0.0
	}
	return ageDays / 365.25
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSuffix(s, "Z")); err == nil {
			return t, nil
		}
	}
	return time.Parse(time.RFC3339, s)
}

func boolFeature(m map[string]any, key string) float64 {
	if b, ok := m[key].(bool); ok && b {
		return 1.0
	}
	return 0.0
}

func presenceFeature(m map[string]any, key string) float64 {
	v, ok := m[key]
	if !ok || v == nil {
		return 0.0
	}
	if s, isStr := v.(string); isStr && s == "" {
		return 0.0
	}
	return 1.0
}

func EncodeTrend(trend string) float64 {
	switch strings.ToLower(trend) {
	case "up":
		return 1.0
	case "down":
		return -1.0
	default:
		return 0.0
	}
}

func EncodeStressLevel(level string) float64 {
	switch strings.ToLower(level) {
	case "very_low":
		return 0.0
	case "low":
		return 1.0
	case "moderate":
		return 2.0
	case "high":
		return 3.0
	default:
		return 1.5
	}
}

func EncodeCorridorHealth(health string) float64 {
	switch strings.ToLower(health) {
	case "excellent":
		return 0.0
	case "good":
		return 1.0
	case "moderate":
		return 2.0
	case "poor":
		return 3.0
	case "critical":
		return 4.0
	default:
		return 2.0
	}
}

// Names returns a copy of the feature definition list.
func Names() []string {
	out := make([]string, len(Definitions))
	copy(out, Definitions)
	return out
}
