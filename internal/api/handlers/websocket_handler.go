package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/pipeline"
)

// assessTimeout bounds one streamed assessment, LLM stages included.
const assessTimeout = 5 * time.Minute

// WebSocketHandler streams per-stage progress while an assessment runs,
// then the finished document. One connection can run cases sequentially.
type WebSocketHandler struct {
	orch   *pipeline.Orchestrator
	logger *zap.Logger
}

func NewWebSocketHandler(orch *pipeline.Orchestrator, logger *zap.Logger) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketHandler{
		orch:   orch,
		logger: logger,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	defer c.Close()

	h.logger.Info("websocket connection established",
		zap.String("remote", c.RemoteAddr().String()))

	for {
		var req pipeline.AssessRequest
		if err := c.ReadJSON(&req); err != nil {
			h.logger.Debug("websocket closed", zap.Error(err))
			return
		}

		req.Query = strings.TrimSpace(req.Query)
		if req.Query == "" {
			h.sendError(c, "query is required")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), assessTimeout)
		assessment := h.orch.Assess(ctx, req, func(stage, status string) {
			h.sendProgress(c, stage, status)
		})
		cancel()

		if err := c.WriteJSON(map[string]any{
			"type":       "complete",
			"assessment": assessment,
		}); err != nil {
			h.logger.Warn("failed to send assessment", zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) sendProgress(c *websocket.Conn, stage, status string) {
	// Progress is advisory; a failed write surfaces on the next read.
	_ = c.WriteJSON(map[string]any{
		"type":   "progress",
		"stage":  stage,
		"status": status,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, msg string) {
	_ = c.WriteJSON(map[string]any{
		"type":  "error",
		"error": msg,
	})
}
