package handlers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/pipeline"
	"github.com/closurewatch/backend/internal/storage/sqlite"
)

const maxHorizonMonths = 24

// AssessHandler serves the assessment endpoints: running a new case and
// reading stored ones back.
type AssessHandler struct {
	orch   *pipeline.Orchestrator
	store  *sqlite.Client
	logger *zap.Logger
}

func NewAssessHandler(orch *pipeline.Orchestrator, store *sqlite.Client, logger *zap.Logger) *AssessHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssessHandler{
		orch:   orch,
		store:  store,
		logger: logger,
	}
}

// HandleAssess runs the full pipeline for one business query.
func (h *AssessHandler) HandleAssess(c *fiber.Ctx) error {
	var req pipeline.AssessRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if req.HorizonMonths < 0 || req.HorizonMonths > maxHorizonMonths {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "horizon_months must be between 1 and 24",
		})
	}

	h.logger.Info("assessment requested",
		zap.String("query", req.Query),
		zap.String("ip", c.IP()))

	assessment := h.orch.Assess(c.Context(), req, nil)
	return c.JSON(assessment)
}

// HandleGetAssessment returns a previously stored assessment by case ID.
func (h *AssessHandler) HandleGetAssessment(c *fiber.Ctx) error {
	caseID := c.Params("id")
	if caseID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Case ID is required",
		})
	}

	rec, err := h.store.GetAssessment(caseID)
	if err != nil {
		h.logger.Error("failed to load assessment",
			zap.String("case_id", caseID),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load assessment",
		})
	}
	if rec == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Assessment not found",
		})
	}

	c.Set("Content-Type", "application/json")
	return c.SendString(rec.Payload)
}

// HandleHistory lists recent assessments, newest first. The stored payload
// is omitted; callers fetch individual cases for the full document.
func (h *AssessHandler) HandleHistory(c *fiber.Ctx) error {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be between 1 and 200",
			})
		}
		limit = n
	}

	recs, err := h.store.History(limit)
	if err != nil {
		h.logger.Error("failed to load history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	entries := make([]fiber.Map, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, fiber.Map{
			"case_id":       rec.CaseID,
			"query":         rec.Query,
			"entity_id":     rec.EntityID,
			"business_name": rec.BusinessName,
			"risk_score":    rec.RiskScore,
			"risk_band":     rec.RiskBand,
			"qa_status":     rec.QAStatus,
			"created_at":    rec.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"assessments": entries,
		"count":       len(entries),
	})
}
