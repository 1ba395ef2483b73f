package risk

import (
	"math"
	"sort"
)

// CalibratedScore carries a score through calibration with the applied
// adjustment, so audits can see how far the raw model output moved.
type CalibratedScore struct {
	OriginalScore     float64 `json:"original_score"`
	CalibratedScore   float64 `json:"calibrated_score"`
	CalibrationMethod string  `json:"calibration_method"`
	Adjustment        float64 `json:"adjustment"`
}

// MappingPoint is one knot of a fitted isotonic mapping.
type MappingPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CalibrationParams hold pre-fitted parameters. Method selects which set is
// read; unset parameters fall back to identity-like defaults.
type CalibrationParams struct {
	Method      string         `json:"method"`
	A           float64        `json:"a"`
	B           float64        `json:"b"`
	Mapping     []MappingPoint `json:"mapping,omitempty"`
	Temperature float64        `json:"temperature"`
}

type Calibrator struct {
	params CalibrationParams
}

func NewCalibrator(params CalibrationParams) *Calibrator {
	if params.Method == "" {
		params.Method = "identity"
	}
	return &Calibrator{params: params}
}

// Calibrate maps a raw score through the selected method. Unknown methods
// behave as identity.
func (c *Calibrator) Calibrate(score float64, method string) CalibratedScore {
	if method == "" {
		method = c.params.Method
	}

	var calibrated float64
	switch method {
	case "platt":
		calibrated = c.platt(score)
	case "isotonic":
		calibrated = c.isotonic(score)
	case "temperature":
		calibrated = c.temperature(score)
	default:
		calibrated = score
	}

	return CalibratedScore{
		OriginalScore:     score,
		CalibratedScore:   round4(calibrated),
		CalibrationMethod: method,
		Adjustment:        round4(calibrated - score),
	}
}

func (c *Calibrator) CalibrateBatch(scores []float64, method string) []CalibratedScore {
	out := make([]CalibratedScore, len(scores))
	for i, s := range scores {
		out[i] = c.Calibrate(s, method)
	}
	return out
}

// platt applies logistic calibration: 1 / (1 + exp(A*score + B)). The logit
// is clamped at ±20 to avoid overflow on saturated inputs.
func (c *Calibrator) platt(score float64) float64 {
	a := c.params.A
	b := c.params.B
	if a == 0 && b == 0 {
		a = -1.0
	}

	logit := a*score + b
	switch {
	case logit > 20:
		return 0.0
	case logit < -20:
		return 1.0
	default:
		return 1.0 / (1.0 + math.Exp(logit))
	}
}

// isotonic interpolates linearly over the fitted monotone mapping; scores
// outside the fitted range clamp to the nearest endpoint.
func (c *Calibrator) isotonic(score float64) float64 {
	if len(c.params.Mapping) == 0 {
		return score
	}

	mapping := make([]MappingPoint, len(c.params.Mapping))
	copy(mapping, c.params.Mapping)
	sort.Slice(mapping, func(i, j int) bool { return mapping[i].X < mapping[j].X })

	for i := 0; i < len(mapping)-1; i++ {
		x1, y1 := mapping[i].X, mapping[i].Y
		x2, y2 := mapping[i+1].X, mapping[i+1].Y
		if x1 <= score && score <= x2 {
			if x2 == x1 {
				return y1
			}
			t := (score - x1) / (x2 - x1)
			return y1 + t*(y2-y1)
		}
	}

	if score < mapping[0].X {
		return mapping[0].Y
	}
	return mapping[len(mapping)-1].Y
}

// temperature divides the logit by T. Scores are clamped into (0, 1) before
// the logit so saturated probabilities cannot produce ±Inf.
func (c *Calibrator) temperature(score float64) float64 {
	t := c.params.Temperature
	if t <= 0 {
		return score
	}

	clamped := math.Max(0.001, math.Min(0.999, score))
	logit := math.Log(clamped / (1 - clamped))
	return 1.0 / (1.0 + math.Exp(-logit/t))
}

// FitPlatt fits A and B by gradient descent over historical (score, label)
// pairs and installs them as the calibrator's parameters.
func (c *Calibrator) FitPlatt(scores []float64, labels []int) CalibrationParams {
	a := -1.0
	b := 0.0
	const lr = 0.01
	n := float64(len(scores))
	if n == 0 {
		return c.params
	}

	for iter := 0; iter < 1000; iter++ {
		var gradA, gradB float64
		for i, s := range scores {
			logit := a*s + b
			prob := 1.0 / (1.0 + math.Exp(-logit))
			err := prob - float64(labels[i])
			gradA += err * s
			gradB += err
		}
		a -= lr * gradA / n
		b -= lr * gradB / n
	}

	c.params = CalibrationParams{Method: "platt", A: -a, B: -b}
	return c.params
}

// ReliabilityBin is one bucket of a reliability diagram.
type ReliabilityBin struct {
	Midpoint          float64 `json:"bin_midpoint"`
	ObservedFrequency float64 `json:"observed_frequency"`
	PredictedMean     float64 `json:"predicted_mean"`
	Count             int     `json:"count"`
}

// ReliabilityDiagram buckets scores into n equal-width bins and reports mean
// predicted probability vs observed positive frequency per occupied bin.
func ReliabilityDiagram(scores []float64, labels []int, nBins int) []ReliabilityBin {
	if nBins <= 0 {
		nBins = 10
	}

	bins := []ReliabilityBin{}
	width := 1.0 / float64(nBins)

	for i := 0; i < nBins; i++ {
		lo := float64(i) * width
		hi := lo + width

		var sumScore, sumLabel float64
		count := 0
		for j, s := range scores {
			inBin := s >= lo && s < hi
			if i == nBins-1 {
				inBin = s >= lo && s <= hi
			}
			if inBin {
				sumScore += s
				sumLabel += float64(labels[j])
				count++
			}
		}

		if count > 0 {
			bins = append(bins, ReliabilityBin{
				Midpoint:          lo + width/2,
				ObservedFrequency: sumLabel / float64(count),
				PredictedMean:     sumScore / float64(count),
				Count:             count,
			})
		}
	}

	return bins
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
