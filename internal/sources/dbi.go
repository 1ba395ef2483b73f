package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/address"
	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/socrata"
)

// DBIAdapter queries Department of Building Inspection complaints. These are
// filed against specific addresses, so the address path is primary and the
// spatial path is the fallback.
type DBIAdapter struct {
	client    DataAPI
	datasetID string
	addresses *address.Normalizer
	logger    *zap.Logger
}

func NewDBIAdapter(client DataAPI, datasetID string, logger *zap.Logger) *DBIAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DBIAdapter{
		client:    client,
		datasetID: datasetID,
		addresses: address.NewNormalizer(),
		logger:    logger,
	}
}

func (a *DBIAdapter) Name() string { return "dbi" }

func (a *DBIAdapter) EmptySignals() signal.Envelope {
	env := signal.NewEnvelope(a.Name())
	env.Signals = map[string]any{
		"dbi_count_3m":        0,
		"dbi_count_6m":        0,
		"dbi_count_12m":       0,
		"dbi_trend":           "stable",
		"division_breakdown":  map[string]float64{},
		"open_complaints":     0,
		"closed_complaints":   0,
		"open_closed_ratio":   0.0,
		"has_open_violations": false,
	}
	return env
}

func (a *DBIAdapter) Fetch(ctx context.Context, req Request) signal.Envelope {
	if req.Address == "" && !req.HaveCoords {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, "No address or location provided")
	}

	asOf := asOfOrNow(req)
	env := signal.NewEnvelope(a.Name())

	count3m, err := a.complaintCount(ctx, req, 3, asOf)
	if err != nil {
		a.logger.Warn("dbi count query failed", zap.Error(err))
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	count6m, err := a.complaintCount(ctx, req, 6, asOf)
	if err != nil {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	count12m, err := a.complaintCount(ctx, req, 12, asOf)
	if err != nil {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	for i := 1; i <= 4; i++ {
		env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), i))
	}

	divisions := a.divisionBreakdown(ctx, req, asOf)
	open, closed := a.statusDistribution(ctx, req, asOf)

	env.Signals = map[string]any{
		"dbi_count_3m":        count3m,
		"dbi_count_6m":        count6m,
		"dbi_count_12m":       count12m,
		"dbi_trend":           trendOfCounts(count3m, count6m),
		"division_breakdown":  divisions,
		"open_complaints":     open,
		"closed_complaints":   closed,
		"open_closed_ratio":   safeRatio(open, closed),
		"has_open_violations": open > 0,
	}
	return env
}

// addressWhere narrows to the parcel: street number plus the first word of
// the street name, which survives the dataset's inconsistent suffixes.
func (a *DBIAdapter) addressWhere(addr string) string {
	parsed := a.addresses.Normalize(addr)
	nameWord := ""
	if fields := strings.Fields(parsed.StreetName); len(fields) > 0 {
		nameWord = fields[0]
		if len(nameWord) > 15 {
			nameWord = nameWord[:15]
		}
	}

	switch {
	case parsed.StreetNumber != "" && nameWord != "":
		return fmt.Sprintf("street_number = '%s' AND upper(street_name) LIKE '%%%s%%'",
			socrata.SanitizeForSoQL(parsed.StreetNumber), strings.ToUpper(socrata.SanitizeForSoQL(nameWord)))
	case nameWord != "":
		return fmt.Sprintf("upper(street_name) LIKE '%%%s%%'", strings.ToUpper(socrata.SanitizeForSoQL(nameWord)))
	}
	return ""
}

func (a *DBIAdapter) complaintCount(ctx context.Context, req Request, monthsBack int, asOf time.Time) (int, error) {
	if req.Address == "" && req.HaveCoords {
		result, err := a.client.QuerySpatial(ctx, a.datasetID, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: defaultRadiusMeters,
			PointField:   "location",
			DateField:    "date_filed",
			MonthsBack:   monthsBack,
			Select:       "count(*) as count",
			AsOf:         asOf,
		})
		if err != nil {
			return 0, err
		}
		return countOf(result), nil
	}

	result, err := a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
		MonthsBack: monthsBack,
		DateField:  "date_filed",
		Select:     "count(*) as count",
		Where:      a.addressWhere(req.Address),
		AsOf:       asOf,
	})
	if err != nil {
		return 0, err
	}
	return countOf(result), nil
}

func (a *DBIAdapter) divisionBreakdown(ctx context.Context, req Request, asOf time.Time) map[string]float64 {
	where := ""
	if req.Address != "" {
		where = a.addressWhere(req.Address)
	}
	result, err := a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
		MonthsBack: 12,
		DateField:  "date_filed",
		Select:     "receiving_division as division, count(*) as count",
		Where:      where,
		Group:      "receiving_division",
		Order:      "count DESC",
		AsOf:       asOf,
	})
	if err != nil || result == nil {
		return map[string]float64{}
	}

	divisions := map[string]float64{}
	for i, row := range result.Data {
		if i >= 10 {
			break
		}
		if div := asString(row["division"]); div != "" {
			divisions[div] = float64(asInt(row["count"]))
		}
	}
	return divisions
}

func (a *DBIAdapter) statusDistribution(ctx context.Context, req Request, asOf time.Time) (open, closed int) {
	where := ""
	if req.Address != "" {
		where = a.addressWhere(req.Address)
	}
	result, err := a.client.QueryTimeWindow(ctx, a.datasetID, socrata.TimeWindowOptions{
		MonthsBack: 12,
		DateField:  "date_filed",
		Select:     "status, count(*) as count",
		Where:      where,
		Group:      "status",
		AsOf:       asOf,
	})
	if err != nil || result == nil {
		return 0, 0
	}

	for _, row := range result.Data {
		status := strings.ToLower(asString(row["status"]))
		count := asInt(row["count"])
		switch {
		case strings.Contains(status, "open"), strings.Contains(status, "active"), strings.Contains(status, "pending"):
			open += count
		case strings.Contains(status, "closed"), strings.Contains(status, "complete"):
			closed += count
		}
	}
	return open, closed
}
