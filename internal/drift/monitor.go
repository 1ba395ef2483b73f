// Package drift detects distribution shift between a stored reference
// period and recent assessments using the Population Stability Index.
package drift

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

const (
	thresholdWarning  = 0.1
	thresholdCritical = 0.25
)

// FeatureDrift is the drift verdict for one feature.
type FeatureDrift struct {
	FeatureName   string  `json:"feature_name"`
	ReferenceMean float64 `json:"reference_mean"`
	CurrentMean   float64 `json:"current_mean"`
	ReferenceStd  float64 `json:"reference_std"`
	CurrentStd    float64 `json:"current_std"`
	PSI           float64 `json:"psi_score"`
	Drifted       bool    `json:"is_drifted"`
	DriftType     string  `json:"drift_type,omitempty"`
}

// Report summarizes drift across all monitored features and the score.
type Report struct {
	CheckTime       time.Time      `json:"check_time"`
	ReferencePeriod string         `json:"reference_period"`
	CurrentPeriod   string         `json:"current_period"`
	FeatureDrifts   []FeatureDrift `json:"feature_drifts"`
	ScoreDrift      *FeatureDrift  `json:"score_drift,omitempty"`
	OverallHealth   string         `json:"overall_health"`
	Alerts          []string       `json:"alerts"`
}

type Monitor struct {
	logger *zap.Logger
}

func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{logger: logger}
}

// CheckDrift compares reference and current distributions per feature and,
// optionally, over the score distribution. Features present only on one
// side are skipped.
func (m *Monitor) CheckDrift(
	referenceFeatures, currentFeatures map[string][]float64,
	referenceScores, currentScores []float64,
) Report {
	drifts := []FeatureDrift{}
	alerts := []string{}

	for name, refValues := range referenceFeatures {
		curValues, ok := currentFeatures[name]
		if !ok || len(refValues) == 0 || len(curValues) == 0 {
			continue
		}

		d := checkFeature(name, refValues, curValues)
		drifts = append(drifts, d)

		if d.Drifted {
			alerts = append(alerts, fmt.Sprintf(
				"Feature %q has drifted: PSI=%.3f (%s)", name, d.PSI, d.DriftType))
		}
	}

	var scoreDrift *FeatureDrift
	if len(referenceScores) > 0 && len(currentScores) > 0 {
		d := checkFeature("risk_score", referenceScores, currentScores)
		scoreDrift = &d
		if d.Drifted {
			alerts = append(alerts, fmt.Sprintf(
				"Risk score distribution has drifted: PSI=%.3f", d.PSI))
		}
	}

	report := Report{
		CheckTime:       time.Now().UTC(),
		ReferencePeriod: "reference",
		CurrentPeriod:   "recent",
		FeatureDrifts:   drifts,
		ScoreDrift:      scoreDrift,
		OverallHealth:   overallHealth(drifts, scoreDrift),
		Alerts:          alerts,
	}

	if report.OverallHealth != "healthy" {
		m.logger.Warn("drift detected",
			zap.String("overall_health", report.OverallHealth),
			zap.Int("alerts", len(report.Alerts)))
	}
	return report
}

// checkFeature computes PSI plus summary statistics and classifies the
// drift mode when the warning threshold is crossed.
func checkFeature(name string, refValues, curValues []float64) FeatureDrift {
	refMean, refStd := meanStd(refValues)
	curMean, curStd := meanStd(curValues)
	psi := PSI(refValues, curValues, 10)

	drifted := psi >= thresholdWarning
	driftType := ""
	if drifted {
		meanDiff := math.Abs(curMean-refMean) / (refStd + 1e-10)
		stdRatio := curStd / (refStd + 1e-10)
		switch {
		case meanDiff > 1.0:
			driftType = "mean_shift"
		case stdRatio < 0.5 || stdRatio > 2.0:
			driftType = "variance_change"
		default:
			driftType = "distribution_shift"
		}
	}

	return FeatureDrift{
		FeatureName:   name,
		ReferenceMean: roundTo(refMean, 4),
		CurrentMean:   roundTo(curMean, 4),
		ReferenceStd:  roundTo(refStd, 4),
		CurrentStd:    roundTo(curStd, 4),
		PSI:           roundTo(psi, 4),
		Drifted:       drifted,
		DriftType:     driftType,
	}
}

// PSI bins both samples over their combined range and sums
// (cur% - ref%) * ln(cur% / ref%). Identical constant samples score 0.
func PSI(reference, current []float64, nBins int) float64 {
	if len(reference) == 0 || len(current) == 0 {
		return 0.0
	}
	if nBins <= 0 {
		nBins = 10
	}

	minVal := math.Min(minOf(reference), minOf(current))
	maxVal := math.Max(maxOf(reference), maxOf(current))
	if minVal == maxVal {
		return 0.0
	}

	refCounts := histogram(reference, minVal, maxVal, nBins)
	curCounts := histogram(current, minVal, maxVal, nBins)

	const epsilon = 1e-10
	psi := 0.0
	for i := 0; i < nBins; i++ {
		refProp := float64(refCounts[i])/float64(len(reference)) + epsilon
		curProp := float64(curCounts[i])/float64(len(current)) + epsilon
		psi += (curProp - refProp) * math.Log(curProp/refProp)
	}
	return psi
}

func histogram(values []float64, minVal, maxVal float64, nBins int) []int {
	counts := make([]int, nBins)
	width := (maxVal - minVal) / float64(nBins)
	for _, v := range values {
		idx := int((v - minVal) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= nBins {
			idx = nBins - 1
		}
		counts[idx]++
	}
	return counts
}

func overallHealth(drifts []FeatureDrift, scoreDrift *FeatureDrift) string {
	criticalCount := 0
	warningCount := 0
	for _, d := range drifts {
		if d.PSI >= thresholdCritical {
			criticalCount++
		}
		if d.Drifted {
			warningCount++
		}
	}

	scoreCritical := scoreDrift != nil && scoreDrift.PSI >= thresholdCritical
	switch {
	case criticalCount > 0 || scoreCritical:
		return "critical"
	case float64(warningCount) > float64(len(drifts))*0.3:
		return "warning"
	default:
		return "healthy"
	}
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
