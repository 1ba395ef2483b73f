package sources

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/socrata"
)

const vacancyPrivacyNote = "Filer/owner names are not used in this analysis"

// corridorRadiusMeters is wider than the per-parcel default: vacancy is a
// corridor-level condition.
const corridorRadiusMeters = 1000

// VacancyAdapter combines the taxable commercial spaces inventory with the
// commercial vacancy tax filings to estimate a corridor vacancy rate.
//
// The vacancy tax dataset carries filer names. Those are PII and are never
// selected or surfaced.
type VacancyAdapter struct {
	client        DataAPI
	spacesDataset string
	taxDataset    string
	logger        *zap.Logger
}

func NewVacancyAdapter(client DataAPI, spacesDataset, taxDataset string, logger *zap.Logger) *VacancyAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VacancyAdapter{
		client:        client,
		spacesDataset: spacesDataset,
		taxDataset:    taxDataset,
		logger:        logger,
	}
}

func (a *VacancyAdapter) Name() string { return "vacancy" }

func (a *VacancyAdapter) EmptySignals() signal.Envelope {
	env := signal.NewEnvelope(a.Name())
	env.Signals = map[string]any{
		"total_commercial_spaces": 0,
		"vacant_spaces":           0,
		"vacancy_rate_pct":        0.0,
		"vacancy_trend":           "stable",
		"corridor_health":         "unknown",
		"avg_space_sqft":          0.0,
		"space_types":             []string{},
		"has_high_vacancy":        false,
		"privacy_note":            vacancyPrivacyNote,
	}
	return env
}

func (a *VacancyAdapter) Fetch(ctx context.Context, req Request) signal.Envelope {
	if req.Neighborhood == "" && !req.HaveCoords {
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, "No area (corridor, neighborhood, or location) provided")
	}

	env := signal.NewEnvelope(a.Name())

	totalSpaces, avgSqft, err := a.commercialSpaces(ctx, req)
	if err != nil {
		a.logger.Warn("commercial spaces query failed", zap.Error(err))
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), 1))

	vacantSpaces, err := a.vacantCount(ctx, req)
	if err != nil {
		a.logger.Warn("vacancy tax query failed", zap.Error(err))
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}
	env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), 2))

	vacancyRate := 0.0
	if totalSpaces > 0 {
		vacancyRate = math.Round(float64(vacantSpaces)/float64(totalSpaces)*1000) / 10
	}

	env.Signals = map[string]any{
		"total_commercial_spaces": totalSpaces,
		"vacant_spaces":           vacantSpaces,
		"vacancy_rate_pct":        vacancyRate,
		"vacancy_trend":           "stable",
		"corridor_health":         corridorHealth(vacancyRate),
		"avg_space_sqft":          avgSqft,
		"space_types":             []string{},
		"has_high_vacancy":        vacancyRate > 10,
		"privacy_note":            vacancyPrivacyNote,
	}
	return env
}

func corridorHealth(vacancyRate float64) string {
	switch {
	case vacancyRate > 20:
		return "critical"
	case vacancyRate > 15:
		return "poor"
	case vacancyRate > 10:
		return "moderate"
	case vacancyRate > 5:
		return "good"
	default:
		return "excellent"
	}
}

func (a *VacancyAdapter) commercialSpaces(ctx context.Context, req Request) (total int, avgSqft float64, err error) {
	var result *socrata.QueryResult
	if req.HaveCoords {
		result, err = a.client.QuerySpatial(ctx, a.spacesDataset, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: corridorRadiusMeters,
			PointField:   "location",
			Select:       "count(*) as count, avg(square_feet) as avg_sqft",
		})
	} else {
		soql := fmt.Sprintf("$select=count(*) as count, avg(square_feet) as avg_sqft&$where=neighborhood = '%s'",
			socrata.SanitizeForSoQL(req.Neighborhood))
		result, err = a.client.Query(ctx, a.spacesDataset, soql)
	}
	if err != nil {
		return 0, 0, err
	}
	if len(result.Data) == 0 {
		return 0, 0, nil
	}
	return asInt(result.Data[0]["count"]), asFloat(result.Data[0]["avg_sqft"]), nil
}

func (a *VacancyAdapter) vacantCount(ctx context.Context, req Request) (int, error) {
	var result *socrata.QueryResult
	var err error
	if req.HaveCoords {
		result, err = a.client.QuerySpatial(ctx, a.taxDataset, socrata.SpatialOptions{
			Lat:          req.Lat,
			Lon:          req.Lon,
			RadiusMeters: corridorRadiusMeters,
			PointField:   "location",
			Select:       "count(*) as count",
			Where:        "vacancy_status = 'Vacant'",
		})
	} else {
		soql := fmt.Sprintf("$select=count(*) as count&$where=neighborhood = '%s' AND vacancy_status = 'Vacant'",
			socrata.SanitizeForSoQL(req.Neighborhood))
		result, err = a.client.Query(ctx, a.taxDataset, soql)
	}
	if err != nil {
		return 0, err
	}
	return countOf(result), nil
}
