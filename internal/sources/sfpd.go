package sources

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/socrata"
)

const sfpdMutableWarning = "SFPD data may be modified/removed for legal reasons"

// businessRelevantIncidents are the incident categories most correlated with
// storefront distress.
var businessRelevantIncidents = []string{
	"Larceny Theft",
	"Burglary",
	"Vandalism",
	"Robbery",
	"Motor Vehicle Theft",
	"Assault",
	"Drug Offense",
	"Disorderly Conduct",
}

// SFPDAdapter queries SFPD incident reports. Records can be removed after
// the fact for court orders, so every pull is timestamped and flagged as
// mutable for the audit trail.
type SFPDAdapter struct {
	client    DataAPI
	datasetID string
	logger    *zap.Logger
}

func NewSFPDAdapter(client DataAPI, datasetID string, logger *zap.Logger) *SFPDAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SFPDAdapter{client: client, datasetID: datasetID, logger: logger}
}

func (a *SFPDAdapter) Name() string { return "sfpd" }

func (a *SFPDAdapter) EmptySignals() signal.Envelope {
	env := signal.NewEnvelope(a.Name())
	env.Signals = map[string]any{
		"incident_count_3m":          0,
		"incident_count_6m":          0,
		"incident_count_12m":         0,
		"incident_trend":             "stable",
		"top_categories":             []string{},
		"category_counts":            map[string]float64{},
		"business_relevant_count_6m": 0,
		"has_recent_incidents":       false,
		"data_mutable_warning":       sfpdMutableWarning,
	}
	return env
}

func (a *SFPDAdapter) Fetch(ctx context.Context, req Request) signal.Envelope {
	if !req.HaveCoords && req.Neighborhood == "" {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, "No location or neighborhood provided")
	}

	asOf := asOfOrNow(req)
	env := signal.NewEnvelope(a.Name())

	count3m, err := a.incidentCount(ctx, req, 3, asOf, "")
	if err != nil {
		a.logger.Warn("sfpd count query failed", zap.Error(err))
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	count6m, err := a.incidentCount(ctx, req, 6, asOf, "")
	if err != nil {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	count12m, err := a.incidentCount(ctx, req, 12, asOf, "")
	if err != nil {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	for i := 1; i <= 4; i++ {
		env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), i))
	}

	topCategories, categoryCounts := a.categoryDistribution(ctx, req, asOf)

	bizCount, err := a.incidentCount(ctx, req, 6, asOf, categoryFilter("incident_category", businessRelevantIncidents))
	if err != nil {
		bizCount = 0
		env.DataGaps = append(env.DataGaps, queryGap(a.Name(), err))
	}

	env.Signals = map[string]any{
		"incident_count_3m":          count3m,
		"incident_count_6m":          count6m,
		"incident_count_12m":         count12m,
		"incident_trend":             trendOfCounts(count3m, count6m),
		"top_categories":             topCategories,
		"category_counts":            categoryCounts,
		"business_relevant_count_6m": bizCount,
		"has_recent_incidents":       count3m > 0,
		"data_mutable_warning":       sfpdMutableWarning,
	}
	return env
}

func (a *SFPDAdapter) incidentCount(ctx context.Context, req Request, monthsBack int, asOf time.Time, extraWhere string) (int, error) {
	if req.HaveCoords {
		result, err := a.client.QuerySpatial(ctx, a.datasetID, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: defaultRadiusMeters,
			PointField:   "point",
			DateField:    "incident_date",
			MonthsBack:   monthsBack,
			Select:       "count(*) as count",
			Where:        extraWhere,
			AsOf:         asOf,
		})
		if err != nil {
			return 0, err
		}
		return countOf(result), nil
	}

	where := fmt.Sprintf("analysis_neighborhood = '%s'", socrata.SanitizeForSoQL(req.Neighborhood))
	if extraWhere != "" {
		where = fmt.Sprintf("%s AND (%s)", where, extraWhere)
	}
	result, err := a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
		MonthsBack: monthsBack,
		DateField:  "incident_date",
		Select:     "count(*) as count",
		Where:      where,
		AsOf:       asOf,
	})
	if err != nil {
		return 0, err
	}
	return countOf(result), nil
}

func (a *SFPDAdapter) categoryDistribution(ctx context.Context, req Request, asOf time.Time) ([]string, map[string]float64) {
	var result *socrata.QueryResult
	var err error
	if req.HaveCoords {
		result, err = a.client.QuerySpatial(ctx, a.datasetID, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: defaultRadiusMeters,
			PointField:   "point",
			DateField:    "incident_date",
			MonthsBack:   6,
			Select:       "incident_category, count(*) as count",
			Group:        "incident_category",
			Order:        "count DESC",
			AsOf:         asOf,
		})
	} else {
		result, err = a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
			MonthsBack: 6,
			DateField:  "incident_date",
			Select:     "incident_category, count(*) as count",
			Where:      fmt.Sprintf("analysis_neighborhood = '%s'", socrata.SanitizeForSoQL(req.Neighborhood)),
			Group:      "incident_category",
			Order:      "count DESC",
			AsOf:       asOf,
		})
	}
	if err != nil || result == nil {
		return []string{}, map[string]float64{}
	}

	top := []string{}
	counts := map[string]float64{}
	for i, row := range result.Data {
		name := asString(row["incident_category"])
		if name == "" {
			continue
		}
		counts[name] = float64(asInt(row["count"]))
		if i < 5 {
			top = append(top, name)
		}
	}
	return top, counts
}
