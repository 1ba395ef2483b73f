package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/evidence"
	"github.com/closurewatch/backend/internal/storage/models"
)

const PlannerVersion = "1.0.0"

// Planner turns an evidence pack into a prioritized action plan across
// three horizons (2 weeks, 60 days, 6 months). With no client, or when
// generation fails, it falls back to the deterministic plan so an
// assessment always carries a strategy.
type Planner struct {
	client *Client
	logger *zap.Logger
}

func NewPlanner(client *Client, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{client: client, logger: logger}
}

// Plan never fails: generation errors degrade to the fallback strategy.
func (p *Planner) Plan(ctx context.Context, pack *evidence.Pack) *models.Strategy {
	if p.client == nil {
		return FallbackStrategy(pack)
	}

	resp, err := p.client.Complete(ctx, CompletionRequest{
		SystemPrompt: strategySystemPrompt,
		UserPrompt:   strategyPrompt(pack),
		Temperature:  0.2,
		MaxTokens:    3000,
	})
	if err != nil {
		p.logger.Warn("strategy generation failed, using fallback", zap.Error(err))
		return FallbackStrategy(pack)
	}

	strategy, err := parseStrategy(resp.Content)
	if err != nil {
		p.logger.Warn("strategy response unparseable, using fallback", zap.Error(err))
		return FallbackStrategy(pack)
	}

	fixStrategy(strategy)
	flagUnsupportedActions(strategy, pack)
	return strategy
}

// parseStrategy extracts the JSON object from a completion, tolerating
// markdown fences and surrounding prose.
func parseStrategy(content string) (*models.Strategy, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in completion")
	}

	var strategy models.Strategy
	if err := json.Unmarshal([]byte(raw), &strategy); err != nil {
		return nil, fmt.Errorf("failed to decode strategy: %w", err)
	}
	if len(strategy.Actions) == 0 {
		return nil, fmt.Errorf("strategy has no actions")
	}
	return &strategy, nil
}

func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

var validHorizons = map[string]bool{"2_weeks": true, "60_days": true, "6_months": true}
var validLevels = map[string]bool{"low": true, "medium": true, "high": true}

// fixStrategy normalizes out-of-vocabulary enum values instead of
// rejecting the whole plan.
func fixStrategy(s *models.Strategy) {
	if s.Summary == "" {
		s.Summary = "Strategy plan generated - review actions below"
	}
	if s.QuestionsForUser == nil {
		s.QuestionsForUser = []string{}
	}
	for i := range s.Actions {
		a := &s.Actions[i]
		if !validHorizons[a.Horizon] {
			a.Horizon = "60_days"
		}
		if !validLevels[a.ExpectedImpact] {
			a.ExpectedImpact = "medium"
		}
		if !validLevels[a.Effort] {
			a.Effort = "medium"
		}
		if a.EvidenceRefs == nil {
			a.EvidenceRefs = []string{}
		}
	}
}

// flagUnsupportedActions marks actions whose evidence refs don't appear
// in the pack. The quality gate downstream counts these.
func flagUnsupportedActions(s *models.Strategy, pack *evidence.Pack) {
	available := make(map[string]bool, len(pack.Items))
	for _, item := range pack.Items {
		available[item.ID] = true
	}

	for i := range s.Actions {
		supported := false
		for _, ref := range s.Actions[i].EvidenceRefs {
			if available[ref] {
				supported = true
				break
			}
		}
		s.Actions[i].NeedsEvidence = !supported
	}
}
