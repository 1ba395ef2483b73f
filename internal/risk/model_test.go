package risk

import (
	"math"
	"testing"
	"time"

	"github.com/closurewatch/backend/internal/features"
	"github.com/closurewatch/backend/internal/signal"
)

func featureVector(vals map[string]float64) features.ModelFeatures {
	return features.ModelFeatures{
		Features:      vals,
		SchemaVersion: features.SchemaVersion,
		AsOf:          time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		EntityID:      "ent_test1234",
	}
}

func TestHeuristicQuietNeighborhoodScoresLow(t *testing.T) {
	m := NewModel(0.4, 0.7)
	score := m.Predict(featureVector(map[string]float64{
		"complaint_count_6m": 0,
		"incident_count_6m":  1,
		"business_age_years": 12,
		"has_recent_permits": 1,
		"permit_trend":       1,
	}))

	if score.Band != "low" {
		t.Errorf("band = %q, want low (score %v)", score.Band, score.Score)
	}
	if score.ModelVersion != "v1-heuristic" {
		t.Errorf("version = %q, want v1-heuristic", score.ModelVersion)
	}
}

func TestHeuristicStressedCorridorScoresHigh(t *testing.T) {
	m := NewModel(0.4, 0.7)
	score := m.Predict(featureVector(map[string]float64{
		"complaint_count_6m":              60,
		"business_relevant_complaints_6m": 1,
		"has_open_violations":             1,
		"dbi_count_6m":                    55,
		"incident_count_6m":               50,
		"business_relevant_incidents_6m":  1,
		"vacancy_rate_pct":                25,
		"eviction_rate_relative":          2.5,
		"neighborhood_stress_level":       3,
		"corridor_health":                 4,
		"complaint_trend":                 1,
	}))

	if score.Band != "high" {
		t.Errorf("band = %q, want high (score %v)", score.Band, score.Score)
	}
	if score.Score > 1.0 || score.Score < 0.0 {
		t.Errorf("score %v out of [0,1]", score.Score)
	}
}

func TestHeuristicDriversSortedAndCapped(t *testing.T) {
	m := NewModel(0.4, 0.7)
	score := m.Predict(featureVector(map[string]float64{
		"complaint_count_6m":              50,
		"business_relevant_complaints_6m": 1,
		"has_open_violations":             1,
		"dbi_count_6m":                    50,
		"incident_count_6m":               50,
		"vacancy_rate_pct":                20,
		"eviction_rate_relative":          2,
		"neighborhood_stress_level":       3,
		"corridor_health":                 4,
		"business_age_years":              10,
	}))

	if len(score.Drivers) != 5 {
		t.Fatalf("got %d drivers, want 5", len(score.Drivers))
	}
	for i := 1; i < len(score.Drivers); i++ {
		if score.Drivers[i].Contribution > score.Drivers[i-1].Contribution {
			t.Errorf("drivers not sorted at %d: %v > %v",
				i, score.Drivers[i].Contribution, score.Drivers[i-1].Contribution)
		}
	}
	for _, d := range score.Drivers {
		if d.Contribution <= 0.02 {
			t.Errorf("driver %s contribution %v below cutoff", d.Feature, d.Contribution)
		}
		if d.Direction != "up" && d.Direction != "down" {
			t.Errorf("driver %s direction %q", d.Feature, d.Direction)
		}
	}
}

func TestHeuristicNegativeWeightsLowerScore(t *testing.T) {
	m := NewModel(0.4, 0.7)
	young := m.Predict(featureVector(map[string]float64{"complaint_count_6m": 30}))
	old := m.Predict(featureVector(map[string]float64{
		"complaint_count_6m": 30,
		"business_age_years": 15,
		"has_recent_permits": 1,
	}))

	if old.Score >= young.Score {
		t.Errorf("protective features did not lower score: %v >= %v", old.Score, young.Score)
	}
}

func TestBandThresholds(t *testing.T) {
	m := NewModel(0.4, 0.7)
	tests := []struct {
		score float64
		want  string
	}{
		{0.1, "low"},
		{0.39, "low"},
		{0.4, "medium"},
		{0.5, "medium"},
		{0.7, "high"},
		{0.9, "high"},
	}
	for _, tt := range tests {
		if got := m.Band(tt.score); got != tt.want {
			t.Errorf("Band(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestTrainedArtifactScoring(t *testing.T) {
	artifact := &Artifact{
		Version:      "v2",
		FeatureNames: []string{"complaint_count_6m", "business_age_years"},
		Coefficients: []float64{1.2, -0.8},
		Intercept:    -0.5,
		ScalerMean:   []float64{10, 5},
		ScalerScale:  []float64{8, 4},
	}
	m := NewModel(0.4, 0.7, WithArtifact(artifact))

	score := m.Predict(featureVector(map[string]float64{
		"complaint_count_6m": 40,
		"business_age_years": 1,
	}))

	if score.ModelVersion != "v2" {
		t.Errorf("version = %q, want v2", score.ModelVersion)
	}
	if score.Score <= 0 || score.Score >= 1 {
		t.Errorf("score %v not in (0,1)", score.Score)
	}
	if len(score.Drivers) == 0 {
		t.Error("expected drivers from trained path")
	}
}

func TestTrainedFallbackOnBadScaler(t *testing.T) {
	artifact := &Artifact{
		Version:      "v2",
		FeatureNames: []string{"complaint_count_6m"},
		Coefficients: []float64{1.0},
		ScalerMean:   []float64{0},
		ScalerScale:  []float64{0},
	}
	m := NewModel(0.4, 0.7, WithArtifact(artifact))

	score := m.Predict(featureVector(map[string]float64{"complaint_count_6m": 5}))
	if score.ModelVersion != "v1-heuristic" {
		t.Errorf("version = %q, want heuristic fallback", score.ModelVersion)
	}
}

func TestHeuristicDeterministic(t *testing.T) {
	m := NewModel(0.4, 0.7)
	f := featureVector(map[string]float64{
		"complaint_count_6m":  12,
		"vacancy_rate_pct":    8,
		"business_age_years":  3,
		"has_open_violations": 1,
	})

	first := m.Predict(f)
	for i := 0; i < 10; i++ {
		got := m.Predict(f)
		if got.Score != first.Score || got.Band != first.Band {
			t.Fatalf("run %d: score %v band %q, want %v %q", i, got.Score, got.Band, first.Score, first.Band)
		}
	}
}

func TestNormalizationCaps(t *testing.T) {
	m := NewModel(0.4, 0.7)
	at := m.Predict(featureVector(map[string]float64{"complaint_count_6m": 50}))
	beyond := m.Predict(featureVector(map[string]float64{"complaint_count_6m": 500}))

	if at.Score != beyond.Score {
		t.Errorf("count cap not applied: %v vs %v", at.Score, beyond.Score)
	}
}

func TestScoreRounding(t *testing.T) {
	m := NewModel(0.4, 0.7)
	score := m.Predict(featureVector(map[string]float64{"complaint_count_6m": 7}))

	if got := math.Round(score.Score*1000) / 1000; got != score.Score {
		t.Errorf("score %v not rounded to 3 places", score.Score)
	}
}

func TestHeuristicEmptySourcesScoreLow(t *testing.T) {
	// Every source degraded to its empty defaults must land on the base
	// rate, not accumulate risk from sentinel values.
	b := features.NewBuilder()
	envelopes := map[string]signal.Envelope{
		"registry":       {Signals: map[string]any{}},
		"permits":        {Signals: map[string]any{}},
		"complaints_311": {Signals: map[string]any{}},
		"dbi":            {Signals: map[string]any{}},
		"sfpd":           {Signals: map[string]any{}},
		"evictions": {Signals: map[string]any{
			"relative_to_citywide":      1.0,
			"neighborhood_stress_level": "unknown",
		}},
		"vacancy": {Signals: map[string]any{
			"vacancy_rate_pct": 0.0,
			"corridor_health":  "unknown",
		}},
	}
	f := b.Build("ent_empty001", envelopes, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	m := NewModel(0.4, 0.7)
	score := m.Predict(f)

	if score.Score != 0.3 {
		t.Errorf("score = %v, want base rate 0.3", score.Score)
	}
	if score.Band != "low" {
		t.Errorf("band = %q, want low", score.Band)
	}
	if len(score.Drivers) != 0 {
		t.Errorf("drivers = %v, want none from defaulted inputs", score.Drivers)
	}
}

func TestHeuristicSkipsMissingFeatures(t *testing.T) {
	m := NewModel(0.4, 0.7)
	f := featureVector(map[string]float64{
		"corridor_health":           2.0,
		"neighborhood_stress_level": 1.5,
		"eviction_rate_relative":    1.0,
	})
	f.MissingFeatures = []string{"corridor_health", "neighborhood_stress_level", "eviction_rate_relative"}

	score := m.Predict(f)
	if score.Score != 0.3 {
		t.Errorf("score = %v, want 0.3 with all inputs missing", score.Score)
	}
}

func TestDriversCarryRawValue(t *testing.T) {
	m := NewModel(0.4, 0.7)
	score := m.Predict(featureVector(map[string]float64{
		"complaint_count_6m":  40,
		"has_open_violations": 1,
	}))

	if len(score.Drivers) == 0 {
		t.Fatal("expected drivers")
	}
	values := map[string]float64{}
	for _, d := range score.Drivers {
		values[d.Feature] = d.Value
	}
	if values["complaint_count_6m"] != 40 {
		t.Errorf("complaint_count_6m value = %v, want raw 40", values["complaint_count_6m"])
	}
	if values["has_open_violations"] != 1 {
		t.Errorf("has_open_violations value = %v, want raw 1", values["has_open_violations"])
	}
}
