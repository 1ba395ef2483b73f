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

// businessRelevantComplaints are the 311 service categories that track the
// street conditions most correlated with storefront distress.
var businessRelevantComplaints = []string{
	"Homeless Concerns",
	"Street and Sidewalk Cleaning",
	"Graffiti",
	"Noise Report",
	"Illegal Dumping",
	"Encampment",
	"Damaged Property",
	"Abandoned Vehicle",
	"Streetlight",
}

// ComplaintsAdapter queries SF 311 cases around a location.
type ComplaintsAdapter struct {
	client    DataAPI
	datasetID string
	logger    *zap.Logger
}

func NewComplaintsAdapter(client DataAPI, datasetID string, logger *zap.Logger) *ComplaintsAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComplaintsAdapter{client: client, datasetID: datasetID, logger: logger}
}

func (a *ComplaintsAdapter) Name() string { return "complaints_311" }

func (a *ComplaintsAdapter) EmptySignals() signal.Envelope {
	env := signal.NewEnvelope(a.Name())
	env.Signals = map[string]any{
		"complaint_count_3m":         0,
		"complaint_count_6m":         0,
		"complaint_count_12m":        0,
		"complaint_trend":            "stable",
		"top_categories":             []string{},
		"category_counts":            map[string]float64{},
		"open_cases":                 0,
		"closed_cases":               0,
		"open_closed_ratio":          0.0,
		"business_relevant_count_6m": 0,
		"has_recent_complaints":      false,
	}
	return env
}

func (a *ComplaintsAdapter) Fetch(ctx context.Context, req Request) signal.Envelope {
	if !req.HaveCoords && req.Neighborhood == "" {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, "No location or neighborhood provided")
	}

	asOf := asOfOrNow(req)
	env := signal.NewEnvelope(a.Name())

	count3m, err := a.complaintCount(ctx, req, 3, asOf, "")
	if err != nil {
		a.logger.Warn("311 count query failed", zap.Error(err))
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	count6m, err := a.complaintCount(ctx, req, 6, asOf, "")
	if err != nil {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	count12m, err := a.complaintCount(ctx, req, 12, asOf, "")
	if err != nil {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	for i := 1; i <= 4; i++ {
		env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), i))
	}

	topCategories, categoryCounts := a.categoryDistribution(ctx, req, asOf)
	open, closed := a.statusDistribution(ctx, req, asOf)

	bizFilter := categoryFilter("service_name", businessRelevantComplaints)
	bizCount, err := a.complaintCount(ctx, req, 6, asOf, bizFilter)
	if err != nil {
		bizCount = 0
		env.DataGaps = append(env.DataGaps, queryGap(a.Name(), err))
	}

	env.Signals = map[string]any{
		"complaint_count_3m":         count3m,
		"complaint_count_6m":         count6m,
		"complaint_count_12m":        count12m,
		"complaint_trend":            trendOfCounts(count3m, count6m),
		"top_categories":             topCategories,
		"category_counts":            categoryCounts,
		"open_cases":                 open,
		"closed_cases":               closed,
		"open_closed_ratio":          safeRatio(open, closed),
		"business_relevant_count_6m": bizCount,
		"has_recent_complaints":      count3m > 0,
	}
	return env
}

func (a *ComplaintsAdapter) complaintCount(ctx context.Context, req Request, monthsBack int, asOf time.Time, extraWhere string) (int, error) {
	if req.HaveCoords {
		result, err := a.client.QuerySpatial(ctx, a.datasetID, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: defaultRadiusMeters,
			PointField:   "point",
			DateField:    "requested_datetime",
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

	where := fmt.Sprintf("neighborhoods_sffind_boundaries = '%s'", socrata.SanitizeForSoQL(req.Neighborhood))
	if extraWhere != "" {
		where = fmt.Sprintf("%s AND (%s)", where, extraWhere)
	}
	result, err := a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
		MonthsBack: monthsBack,
		DateField:  "requested_datetime",
		Select:     "count(*) as count",
		Where:      where,
		AsOf:       asOf,
	})
	if err != nil {
		return 0, err
	}
	return countOf(result), nil
}

func (a *ComplaintsAdapter) categoryDistribution(ctx context.Context, req Request, asOf time.Time) ([]string, map[string]float64) {
	var result *socrata.QueryResult
	var err error
	if req.HaveCoords {
		result, err = a.client.QuerySpatial(ctx, a.datasetID, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: defaultRadiusMeters,
			PointField:   "point",
			DateField:    "requested_datetime",
			MonthsBack:   6,
			Select:       "service_name, count(*) as count",
			Group:        "service_name",
			Order:        "count DESC",
			AsOf:         asOf,
		})
	} else {
		result, err = a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
			MonthsBack: 6,
			DateField:  "requested_datetime",
			Select:     "service_name, count(*) as count",
			Where:      fmt.Sprintf("neighborhoods_sffind_boundaries = '%s'", socrata.SanitizeForSoQL(req.Neighborhood)),
			Group:      "service_name",
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
		name := asString(row["service_name"])
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

func (a *ComplaintsAdapter) statusDistribution(ctx context.Context, req Request, asOf time.Time) (open, closed int) {
	var result *socrata.QueryResult
	var err error
	if req.HaveCoords {
		result, err = a.client.QuerySpatial(ctx, a.datasetID, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: defaultRadiusMeters,
			PointField:   "point",
			DateField:    "requested_datetime",
			MonthsBack:   6,
			Select:       "status_description, count(*) as count",
			Group:        "status_description",
			AsOf:         asOf,
		})
	} else {
		result, err = a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
			MonthsBack: 6,
			DateField:  "requested_datetime",
			Select:     "status_description, count(*) as count",
			Where:      fmt.Sprintf("neighborhoods_sffind_boundaries = '%s'", socrata.SanitizeForSoQL(req.Neighborhood)),
			Group:      "status_description",
			AsOf:       asOf,
		})
	}
	if err != nil || result == nil {
		return 0, 0
	}

	for _, row := range result.Data {
		status := strings.ToLower(asString(row["status_description"]))
		count := asInt(row["count"])
		switch {
		case strings.Contains(status, "open"):
			open += count
		case strings.Contains(status, "closed"):
			closed += count
		}
	}
	return open, closed
}

func categoryFilter(field string, categories []string) string {
	clauses := make([]string, 0, len(categories))
	for _, cat := range categories {
		clauses = append(clauses, fmt.Sprintf("%s = '%s'", field, cat))
	}
	return strings.Join(clauses, " OR ")
}
