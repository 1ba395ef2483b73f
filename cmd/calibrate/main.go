// Command calibrate fits calibration parameters and refreshes the drift
// reference distributions from stored assessment history. Run after enough
// cases accumulate, or whenever the model artifact changes. Closure labels
// are not observable at assessment time, so fitting uses synthetic labels
// drawn at the configured positive rate, matching score rank order.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/risk"
	"github.com/closurewatch/backend/internal/storage/models"
	"github.com/closurewatch/backend/internal/storage/sqlite"
	"github.com/closurewatch/backend/pkg/config"
	appLogger "github.com/closurewatch/backend/pkg/logger"
)

func main() {
	window := flag.Int("window", 500, "number of recent assessments to fit over")
	minSamples := flag.Int("min-samples", 50, "minimum assessments required to fit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to open database", zap.Error(err))
	}
	defer store.Close()

	if err := store.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	recs, err := store.History(*window)
	if err != nil {
		appLogger.Fatal("Failed to load assessment history", zap.Error(err))
	}

	scores, features := collect(recs)
	if len(scores) < *minSamples {
		appLogger.Fatal("Not enough assessments to fit",
			zap.Int("have", len(scores)),
			zap.Int("need", *minSamples))
	}

	period := fmt.Sprintf("last_%d_cases_%s", len(scores), time.Now().UTC().Format("2006-01-02"))
	if err := store.SaveReferenceDistribution("risk_score", scores, period); err != nil {
		appLogger.Fatal("Failed to save score distribution", zap.Error(err))
	}
	for name, values := range features {
		if err := store.SaveReferenceDistribution(name, values, period); err != nil {
			appLogger.Fatal("Failed to save feature distribution",
				zap.String("feature", name), zap.Error(err))
		}
	}
	appLogger.Info("Reference distributions saved",
		zap.Int("features", len(features)),
		zap.Int("samples", len(scores)))

	rate := cfg.Risk.SyntheticPositiveRate
	if rate <= 0 || rate >= 1 {
		rate = 0.1
	}
	labels := syntheticLabels(scores, rate)

	calibrator := risk.NewCalibrator(risk.CalibrationParams{Method: "platt"})
	params := calibrator.FitPlatt(scores, labels)

	var mapping string
	if len(params.Mapping) > 0 {
		raw, err := json.Marshal(params.Mapping)
		if err != nil {
			appLogger.Fatal("Failed to encode mapping", zap.Error(err))
		}
		mapping = string(raw)
	}
	err = store.SaveCalibration(&models.CalibrationRecord{
		Method:   params.Method,
		A:        params.A,
		B:        params.B,
		Mapping:  mapping,
		SampleN:  len(scores),
		FittedAt: time.Now().UTC(),
	})
	if err != nil {
		appLogger.Fatal("Failed to save calibration", zap.Error(err))
	}

	bins := risk.ReliabilityDiagram(scores, labels, 10)
	for _, b := range bins {
		appLogger.Info("reliability bin",
			zap.Float64("predicted_mean", b.PredictedMean),
			zap.Float64("observed_frequency", b.ObservedFrequency),
			zap.Int("count", b.Count))
	}

	appLogger.Info("Calibration fitted",
		zap.Float64("a", params.A),
		zap.Float64("b", params.B),
		zap.Int("samples", len(scores)))
}

// collect pulls scores and surfaced driver contributions out of stored
// assessments, skipping failed cases.
func collect(recs []models.AssessmentRecord) ([]float64, map[string][]float64) {
	scores := make([]float64, 0, len(recs))
	features := map[string][]float64{}

	for _, rec := range recs {
		if rec.QAStatus == "ERROR" {
			continue
		}
		scores = append(scores, rec.RiskScore)

		var asm models.Assessment
		if err := json.Unmarshal([]byte(rec.Payload), &asm); err != nil {
			continue
		}
		for _, d := range asm.Risk.Drivers {
			features[d.Feature] = append(features[d.Feature], d.Contribution)
		}
	}
	return scores, features
}

// syntheticLabels marks the top fraction of scores positive. Deterministic,
// so repeated fits over the same history agree.
func syntheticLabels(scores []float64, positiveRate float64) []int {
	n := len(scores)
	positives := int(float64(n) * positiveRate)
	if positives < 1 {
		positives = 1
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	labels := make([]int, n)
	for _, idx := range order[:positives] {
		labels[idx] = 1
	}
	return labels
}
