package handlers

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/drift"
	"github.com/closurewatch/backend/internal/metrics"
	"github.com/closurewatch/backend/internal/storage/models"
	"github.com/closurewatch/backend/internal/storage/sqlite"
)

// driftWindow is how many recent assessments form the current-period sample.
const driftWindow = 100

// DriftHandler compares stored reference distributions against recent
// assessments. The reference side is seeded offline from historical runs;
// the current side is rebuilt from the assessment table on every call.
// Per-feature drift uses driver contributions as the monitored statistic,
// since those are the feature values the model actually surfaced.
type DriftHandler struct {
	store   *sqlite.Client
	monitor *drift.Monitor
	logger  *zap.Logger
}

func NewDriftHandler(store *sqlite.Client, monitor *drift.Monitor, logger *zap.Logger) *DriftHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if monitor == nil {
		monitor = drift.NewMonitor(logger)
	}
	return &DriftHandler{
		store:   store,
		monitor: monitor,
		logger:  logger,
	}
}

func (h *DriftHandler) HandleDrift(c *fiber.Ctx) error {
	refFeatures, err := h.store.ReferenceDistributions()
	if err != nil {
		h.logger.Error("failed to load reference distributions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load reference distributions",
		})
	}
	refScores := refFeatures["risk_score"]
	delete(refFeatures, "risk_score")

	recs, err := h.store.History(driftWindow)
	if err != nil {
		h.logger.Error("failed to load recent assessments", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load recent assessments",
		})
	}

	curScores, curFeatures := currentDistributions(recs)
	if len(curScores) == 0 {
		return c.JSON(drift.Report{
			CheckTime:     time.Now().UTC(),
			OverallHealth: "unknown",
			Alerts:        []string{"No recent assessments to evaluate"},
		})
	}

	report := h.monitor.CheckDrift(refFeatures, curFeatures, refScores, curScores)
	metrics.SetDriftStatus(report.OverallHealth)
	return c.JSON(report)
}

func currentDistributions(recs []models.AssessmentRecord) ([]float64, map[string][]float64) {
	scores := make([]float64, 0, len(recs))
	features := map[string][]float64{}

	for _, rec := range recs {
		// Failed cases score 0.0 and would skew the distribution.
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
