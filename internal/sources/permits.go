package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/socrata"
)

// PermitsAdapter queries SF Building Permits around a location. Heavy permit
// activity nearby is a weak positive signal; the absence of any permits in a
// struggling corridor is not.
type PermitsAdapter struct {
	client    DataAPI
	datasetID string
	logger    *zap.Logger
}

func NewPermitsAdapter(client DataAPI, datasetID string, logger *zap.Logger) *PermitsAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PermitsAdapter{client: client, datasetID: datasetID, logger: logger}
}

func (a *PermitsAdapter) Name() string { return "permits" }

func (a *PermitsAdapter) EmptySignals() signal.Envelope {
	env := signal.NewEnvelope(a.Name())
	env.Signals = map[string]any{
		"permit_count_3m":       0,
		"permit_count_6m":       0,
		"permit_count_12m":      0,
		"permit_trend":          "stable",
		"avg_permit_cost_12m":   0.0,
		"total_permit_cost_12m": 0.0,
		"permit_types":          []string{},
		"has_recent_permits":    false,
	}
	return env
}

func (a *PermitsAdapter) Fetch(ctx context.Context, req Request) signal.Envelope {
	if !req.HaveCoords && req.Address == "" {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, "No location provided (lat/lon or address required)")
	}

	asOf := asOfOrNow(req)
	env := signal.NewEnvelope(a.Name())

	count3m, err := a.permitCount(ctx, req, 3, asOf)
	if err != nil {
		a.logger.Warn("permit count query failed", zap.Error(err))
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	count6m, err := a.permitCount(ctx, req, 6, asOf)
	if err != nil {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	count12m, err := a.permitCount(ctx, req, 12, asOf)
	if err != nil {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	for i := 1; i <= 3; i++ {
		env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), i))
	}

	avgCost, totalCost := a.permitCosts(ctx, req, asOf)
	env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), 4))

	env.Signals = map[string]any{
		"permit_count_3m":       count3m,
		"permit_count_6m":       count6m,
		"permit_count_12m":      count12m,
		"permit_trend":          trendOfCounts(count3m, count6m),
		"avg_permit_cost_12m":   avgCost,
		"total_permit_cost_12m": totalCost,
		"permit_types":          a.permitTypes(ctx, req, asOf),
		"has_recent_permits":    count3m > 0,
	}
	return env
}

func (a *PermitsAdapter) permitCount(ctx context.Context, req Request, monthsBack int, asOf time.Time) (int, error) {
	if req.HaveCoords {
		result, err := a.client.QuerySpatial(ctx, a.datasetID, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: defaultRadiusMeters,
			PointField:   "location",
			DateField:    "filed_date",
			MonthsBack:   monthsBack,
			Select:       "count(*) as count",
			AsOf:         asOf,
		})
		if err != nil {
			return 0, err
		}
		return countOf(result), nil
	}

	where := ""
	if req.Address != "" {
		where = fmt.Sprintf("upper(street_name) LIKE '%%%s%%'", strings.ToUpper(socrata.SanitizeForSoQL(req.Address)))
	}
	result, err := a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
		MonthsBack: monthsBack,
		DateField:  "filed_date",
		Select:     "count(*) as count",
		Where:      where,
		AsOf:       asOf,
	})
	if err != nil {
		return 0, err
	}
	return countOf(result), nil
}

// permitCosts computes valuation stats locally: estimated_cost is stored as
// text in the dataset, so aggregates cannot run server-side.
func (a *PermitsAdapter) permitCosts(ctx context.Context, req Request, asOf time.Time) (avg, total float64) {
	var result *socrata.QueryResult
	var err error
	if req.HaveCoords {
		result, err = a.client.QuerySpatial(ctx, a.datasetID, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: defaultRadiusMeters,
			PointField:   "location",
			DateField:    "filed_date",
			MonthsBack:   12,
			Select:       "estimated_cost",
			AsOf:         asOf,
		})
	} else {
		result, err = a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
			MonthsBack: 12,
			DateField:  "filed_date",
			Select:     "estimated_cost",
			AsOf:       asOf,
		})
	}
	if err != nil || result == nil {
		return 0, 0
	}

	n := 0
	for _, row := range result.Data {
		raw := asString(row["estimated_cost"])
		raw = strings.NewReplacer(",", "", "$", "").Replace(raw)
		if cost := asFloat(raw); cost > 0 {
			total += cost
			n++
		}
	}
	if n > 0 {
		avg = total / float64(n)
	}
	return avg, total
}

func (a *PermitsAdapter) permitTypes(ctx context.Context, req Request, asOf time.Time) []string {
	var result *socrata.QueryResult
	var err error
	if req.HaveCoords {
		result, err = a.client.QuerySpatial(ctx, a.datasetID, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: defaultRadiusMeters,
			PointField:   "location",
			DateField:    "filed_date",
			MonthsBack:   12,
			Select:       "permit_type, count(*) as count",
			Group:        "permit_type",
			Order:        "count DESC",
			AsOf:         asOf,
		})
	} else {
		result, err = a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
			MonthsBack: 12,
			DateField:  "filed_date",
			Select:     "permit_type, count(*) as count",
			Group:      "permit_type",
			Order:      "count DESC",
			AsOf:       asOf,
		})
	}
	if err != nil || result == nil {
		return []string{}
	}

	types := []string{}
	for i, row := range result.Data {
		if i >= 10 {
			break
		}
		if t := asString(row["permit_type"]); t != "" {
			types = append(types, t)
		}
	}
	return types
}
