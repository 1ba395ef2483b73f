package risk

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/features"
)

const heuristicVersion = "v1-heuristic"

// Driver is one feature's contribution to a score, reported in order of
// influence so callers can explain the prediction.
type Driver struct {
	Feature      string  `json:"feature"`
	Direction    string  `json:"direction"`
	Contribution float64 `json:"contribution"`
	Value        float64 `json:"value"`
}

// Score is a closure-risk prediction for one entity.
type Score struct {
	EntityID     string   `json:"entity_id"`
	Score        float64  `json:"closure_risk_score"`
	Band         string   `json:"risk_band"`
	Drivers      []Driver `json:"drivers"`
	ModelVersion string   `json:"model_version"`
	AsOf         string   `json:"as_of"`
}

// weightEntry pairs a feature with its heuristic weight and the function
// that maps the raw value into [0, 1] before weighting.
type weightEntry struct {
	feature   string
	weight    float64
	normalize func(float64) float64
}

func capRatio(denom float64) func(float64) float64 {
	return func(v float64) float64 { return math.Min(v/denom, 1.0) }
}

func rawValue(v float64) float64 { return v }

// heuristicWeights encode the scoring rules used when no trained artifact
// is available. Positive weights raise risk, negative weights lower it.
var heuristicWeights = []weightEntry{
	{"complaint_count_6m", 0.15, capRatio(50)},
	{"business_relevant_complaints_6m", 0.12, rawValue},
	{"has_open_violations", 0.10, rawValue},
	{"dbi_count_6m", 0.10, capRatio(50)},
	{"incident_count_6m", 0.08, capRatio(50)},
	{"business_relevant_incidents_6m", 0.08, rawValue},
	{"vacancy_rate_pct", 0.07, capRatio(20)},
	{"eviction_rate_relative", 0.06, capRatio(2)},
	{"neighborhood_stress_level", 0.05, rawValue},
	{"corridor_health", 0.05, rawValue},
	{"complaint_trend", 0.04, rawValue},
	{"permit_trend", -0.03, rawValue},
	{"business_age_years", -0.04, capRatio(10)},
	{"has_recent_permits", -0.03, rawValue},
}

// Artifact is a trained logistic model loaded from a JSON file: feature
// order, standard scaler parameters, and the fitted coefficients.
type Artifact struct {
	Version      string    `json:"version"`
	FeatureNames []string  `json:"feature_names"`
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	ScalerMean   []float64 `json:"scaler_mean"`
	ScalerScale  []float64 `json:"scaler_scale"`
	Importance   []float64 `json:"importance,omitempty"`
}

// LoadArtifact reads and validates a trained model file. A missing or
// malformed file is an error; callers fall back to the heuristic.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse model artifact: %w", err)
	}

	n := len(a.FeatureNames)
	if n == 0 || len(a.Coefficients) != n {
		return nil, fmt.Errorf("model artifact: %d features, %d coefficients", n, len(a.Coefficients))
	}
	if len(a.ScalerMean) != n || len(a.ScalerScale) != n {
		return nil, fmt.Errorf("model artifact: scaler shape mismatch")
	}
	if a.Version == "" {
		a.Version = "v1"
	}
	return &a, nil
}

// Model scores feature vectors. It prefers a trained artifact and falls
// back to the heuristic weight table on any trained-path error.
type Model struct {
	artifact        *Artifact
	calibrator      *Calibrator
	calibrateMethod string
	thresholdMedium float64
	thresholdHigh   float64
	logger          *zap.Logger
}

type Option func(*Model)

func WithArtifact(a *Artifact) Option {
	return func(m *Model) { m.artifact = a }
}

func WithCalibration(c *Calibrator, method string) Option {
	return func(m *Model) {
		m.calibrator = c
		m.calibrateMethod = method
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Model) { m.logger = l }
}

func NewModel(thresholdMedium, thresholdHigh float64, opts ...Option) *Model {
	m := &Model{
		thresholdMedium: thresholdMedium,
		thresholdHigh:   thresholdHigh,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Predict scores one feature vector. It never fails: trained-path errors
// degrade to the heuristic, and the heuristic is total over its inputs.
func (m *Model) Predict(f features.ModelFeatures) Score {
	var (
		raw     float64
		drivers []Driver
		version string
	)

	trained := false
	if m.artifact != nil {
		var err error
		raw, drivers, err = m.predictTrained(f)
		if err != nil {
			m.logger.Warn("trained model failed, using heuristic", zap.Error(err))
		} else {
			trained = true
			version = m.artifact.Version
		}
	}
	if !trained {
		raw, drivers = m.predictHeuristic(f)
		version = heuristicVersion
	}

	score := raw
	if m.calibrator != nil {
		score = m.calibrator.Calibrate(raw, m.calibrateMethod).CalibratedScore
	}
	score = round3(clamp01(score))

	return Score{
		EntityID:     f.EntityID,
		Score:        score,
		Band:         m.Band(score),
		Drivers:      drivers,
		ModelVersion: version,
		AsOf:         f.AsOf.Format("2006-01-02"),
	}
}

// predictHeuristic applies the weight table to normalized feature values,
// starting from a base rate and clamping into [0, 1]. Features the builder
// recorded as missing carry defaulted values, not measurements; they are
// skipped so absent data cannot move the score off the base rate.
func (m *Model) predictHeuristic(f features.ModelFeatures) (float64, []Driver) {
	score := 0.3
	drivers := []Driver{}

	missing := make(map[string]bool, len(f.MissingFeatures))
	for _, name := range f.MissingFeatures {
		missing[name] = true
	}

	for _, entry := range heuristicWeights {
		value, ok := f.Features[entry.feature]
		if !ok || missing[entry.feature] {
			continue
		}
		contribution := entry.weight * entry.normalize(value)
		score += contribution

		if math.Abs(contribution) > 0.02 {
			direction := "up"
			if contribution < 0 {
				direction = "down"
			}
			drivers = append(drivers, Driver{
				Feature:      entry.feature,
				Direction:    direction,
				Contribution: round3(math.Abs(contribution)),
				Value:        round3(value),
			})
		}
	}

	sort.SliceStable(drivers, func(i, j int) bool {
		return drivers[i].Contribution > drivers[j].Contribution
	})
	if len(drivers) > 5 {
		drivers = drivers[:5]
	}

	return round3(clamp01(score)), drivers
}

// predictTrained standardizes the feature vector and applies the logistic
// coefficients. Any shape or numeric failure is returned for fallback.
func (m *Model) predictTrained(f features.ModelFeatures) (float64, []Driver, error) {
	a := m.artifact
	x := f.ToArray(a.FeatureNames)

	logit := a.Intercept
	for i, v := range x {
		scale := a.ScalerScale[i]
		if scale == 0 {
			return 0, nil, fmt.Errorf("zero scaler scale for %s", a.FeatureNames[i])
		}
		scaled := (v - a.ScalerMean[i]) / scale
		logit += a.Coefficients[i] * scaled
	}

	prob := 1.0 / (1.0 + math.Exp(-logit))
	if math.IsNaN(prob) || math.IsInf(prob, 0) {
		return 0, nil, fmt.Errorf("non-finite prediction")
	}

	return prob, m.trainedDrivers(f, x), nil
}

// trainedDrivers ranks features by importance, or by |coefficient| when the
// artifact carries no importance vector.
func (m *Model) trainedDrivers(f features.ModelFeatures, x []float64) []Driver {
	a := m.artifact

	type pair struct {
		name       string
		importance float64
		value      float64
	}
	pairs := make([]pair, len(a.FeatureNames))
	for i, name := range a.FeatureNames {
		imp := math.Abs(a.Coefficients[i])
		if i < len(a.Importance) {
			imp = a.Importance[i]
		}
		pairs[i] = pair{name: name, importance: imp, value: x[i]}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].importance > pairs[j].importance })

	drivers := []Driver{}
	for _, p := range pairs {
		if len(drivers) == 5 {
			break
		}
		direction := "stable"
		if p.value > 0 {
			direction = "up"
		}
		drivers = append(drivers, Driver{
			Feature:      p.name,
			Direction:    direction,
			Contribution: round3(p.importance),
			Value:        round3(p.value),
		})
	}
	return drivers
}

// Band maps a score to its risk band using the configured thresholds.
func (m *Model) Band(score float64) string {
	switch {
	case score >= m.thresholdHigh:
		return "high"
	case score >= m.thresholdMedium:
		return "medium"
	default:
		return "low"
	}
}

// Version reports the active model version string.
func (m *Model) Version() string {
	if m.artifact != nil {
		return m.artifact.Version
	}
	return heuristicVersion
}

// HeuristicFeatureNames lists the features the heuristic consults, for
// drift monitoring over the same vocabulary the model scores on.
func HeuristicFeatureNames() []string {
	names := make([]string, len(heuristicWeights))
	for i, entry := range heuristicWeights {
		names[i] = entry.feature
	}
	return names
}

func clamp01(v float64) float64 {
	return math.Max(0.0, math.Min(1.0, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
