// Package pipeline runs the seven-stage closure-risk assessment:
// acquire, resolve, features, score, freshness, strategy, qa_assemble.
package pipeline

import (
	"time"

	"github.com/closurewatch/backend/internal/storage/models"
)

// Stages lists the pipeline stages in execution order.
var Stages = []string{
	"acquire", "resolve", "features", "score", "freshness", "strategy", "qa_assemble",
}

// AssessRequest is one closure-risk query.
type AssessRequest struct {
	Query         string `json:"query"`
	AsOf          string `json:"as_of,omitempty"`
	HorizonMonths int    `json:"horizon_months,omitempty"`
	UseSynthetic  *bool  `json:"use_synthetic,omitempty"`
}

// ProgressFunc receives stage lifecycle events; status is one of
// running, complete, failed.
type ProgressFunc func(stage, status string)

// EntityKeys carries the identifying keys extracted during acquisition.
type EntityKeys struct {
	ID           string
	Address      string
	Lat          float64
	Lon          float64
	HaveCoords   bool
	Neighborhood string
}

// CaseContext is the per-request working state. Stage functions return
// derived values; only the orchestrator appends to the bookkeeping
// lists.
type CaseContext struct {
	CaseID          string
	Query           string
	AsOf            time.Time
	HorizonMonths   int
	BusinessName    string
	Address         string
	Keys            EntityKeys
	Synthetic       bool
	StagesCompleted []string
	Warnings        []string
	Errors          []models.StageError
}

func (c *CaseContext) recordError(stage string, err error) {
	c.Errors = append(c.Errors, models.StageError{
		Stage:   stage,
		Message: err.Error(),
		At:      time.Now().UTC(),
	})
}
