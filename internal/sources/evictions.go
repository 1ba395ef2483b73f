package sources

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/socrata"
)

// evictionReasonFields are the boolean reason columns in the eviction
// notices dataset.
var evictionReasonFields = []string{
	"non_payment", "breach", "nuisance", "illegal_use",
	"owner_move_in", "demolition", "capital_improvement",
	"ellis_act_withdrawal", "condo_conversion", "roommate_same_unit",
}

// EvictionsAdapter queries SF eviction notices as a neighborhood economic
// stress signal. Analysis is neighborhood-level only. The dataset had a
// historic duplicate-row issue, so counts dedupe on eviction_id.
type EvictionsAdapter struct {
	client    DataAPI
	datasetID string
	logger    *zap.Logger
}

func NewEvictionsAdapter(client DataAPI, datasetID string, logger *zap.Logger) *EvictionsAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvictionsAdapter{client: client, datasetID: datasetID, logger: logger}
}

func (a *EvictionsAdapter) Name() string { return "evictions" }

func (a *EvictionsAdapter) EmptySignals() signal.Envelope {
	env := signal.NewEnvelope(a.Name())
	env.Signals = map[string]any{
		"eviction_count_3m":         0,
		"eviction_count_6m":         0,
		"eviction_count_12m":        0,
		"eviction_trend":            "stable",
		"eviction_reasons":          []string{},
		"citywide_avg_12m":          0.0,
		"relative_to_citywide":      1.0,
		"neighborhood_stress_level": "unknown",
	}
	return env
}

func (a *EvictionsAdapter) Fetch(ctx context.Context, req Request) signal.Envelope {
	if req.Neighborhood == "" {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, "Neighborhood required for eviction analysis")
	}

	asOf := asOfOrNow(req)
	env := signal.NewEnvelope(a.Name())

	count3m, err := a.evictionCount(ctx, req.Neighborhood, 3, asOf)
	if err != nil {
		a.logger.Warn("eviction count query failed", zap.Error(err))
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	count6m, err := a.evictionCount(ctx, req.Neighborhood, 6, asOf)
	if err != nil {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	count12m, err := a.evictionCount(ctx, req.Neighborhood, 12, asOf)
	if err != nil {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	for i := 1; i <= 4; i++ {
		env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), i))
	}

	citywideAvg := a.citywideAverage(ctx, asOf)
	relative := 1.0
	if citywideAvg > 0 {
		relative = math.Round(float64(count12m)/citywideAvg*100) / 100
	}

	env.Signals = map[string]any{
		"eviction_count_3m":         count3m,
		"eviction_count_6m":         count6m,
		"eviction_count_12m":        count12m,
		"eviction_trend":            trendOfCounts(count3m, count6m),
		"eviction_reasons":          a.evictionReasons(ctx, req.Neighborhood, asOf),
		"citywide_avg_12m":          citywideAvg,
		"relative_to_citywide":      relative,
		"neighborhood_stress_level": stressLevel(relative),
	}
	return env
}

func stressLevel(relativeRate float64) string {
	switch {
	case relativeRate > 1.5:
		return "high"
	case relativeRate > 1.0:
		return "moderate"
	case relativeRate > 0.5:
		return "low"
	default:
		return "very_low"
	}
}

func (a *EvictionsAdapter) evictionCount(ctx context.Context, neighborhood string, monthsBack int, asOf time.Time) (int, error) {
	result, err := a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
		MonthsBack: monthsBack,
		DateField:  "file_date",
		Select:     "eviction_id, address, file_date",
		Where:      fmt.Sprintf("neighborhood = '%s'", socrata.SanitizeForSoQL(neighborhood)),
		AsOf:       asOf,
	})
	if err != nil {
		return 0, err
	}

	seen := map[string]struct{}{}
	for _, row := range result.Data {
		id := asString(row["eviction_id"])
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
	}
	return len(seen), nil
}

func (a *EvictionsAdapter) evictionReasons(ctx context.Context, neighborhood string, asOf time.Time) []string {
	result, err := a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
		MonthsBack: 12,
		DateField:  "file_date",
		Where:      fmt.Sprintf("neighborhood = '%s'", socrata.SanitizeForSoQL(neighborhood)),
		AsOf:       asOf,
	})
	if err != nil || result == nil {
		return []string{}
	}

	counts := map[string]int{}
	for _, row := range result.Data {
		for _, field := range evictionReasonFields {
			if isTruthy(row[field]) {
				counts[field]++
			}
		}
	}

	reasons := make([]string, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if counts[reasons[i]] != counts[reasons[j]] {
			return counts[reasons[i]] > counts[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})
	if len(reasons) > 5 {
		reasons = reasons[:5]
	}
	return reasons
}

func (a *EvictionsAdapter) citywideAverage(ctx context.Context, asOf time.Time) float64 {
	result, err := a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
		MonthsBack: 12,
		DateField:  "file_date",
		Select:     "neighborhood, count(*) as count",
		Group:      "neighborhood",
		AsOf:       asOf,
	})
	if err != nil || result == nil || len(result.Data) == 0 {
		return 0
	}

	total := 0
	for _, row := range result.Data {
		total += asInt(row["count"])
	}
	return float64(total) / float64(len(result.Data))
}

func isTruthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "True" || b == "1"
	case float64:
		return b == 1
	case int:
		return b == 1
	}
	return false
}
