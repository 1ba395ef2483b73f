package sources

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/socrata"
)

const defaultRadiusMeters = 500

// Request carries the resolved identifiers an adapter can key its queries on.
// HaveCoords distinguishes missing coordinates from a genuine (0, 0).
type Request struct {
	EntityID      string
	BusinessName  string
	Address       string
	Lat           float64
	Lon           float64
	HaveCoords    bool
	Neighborhood  string
	AsOf          time.Time
	HorizonMonths int
}

// Adapter is one upstream data source. Fetch never fails: on any error it
// returns a degraded envelope carrying the adapter's empty signal defaults
// and the gap that caused them.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, req Request) signal.Envelope
	EmptySignals() signal.Envelope
}

// DataAPI is the slice of the Socrata client adapters depend on. The
// synthetic client implements the same surface.
type DataAPI interface {
	Query(ctx context.Context, datasetID, soql string) (*socrata.QueryResult, error)
	QueryTimeWindow(ctx context.Context, datasetID string, opts socrata.TimeWindowOptions) (*socrata.QueryResult, error)
	QuerySpatial(ctx context.Context, datasetID string, opts socrata.SpatialOptions) (*socrata.QueryResult, error)
}

func asOfOrNow(req Request) time.Time {
	if req.AsOf.IsZero() {
		return time.Now().UTC()
	}
	return req.AsOf
}

// countOf reads the single count(*) row a grouped-count query returns.
// Socrata serializes numbers as strings.
func countOf(result *socrata.QueryResult) int {
	if result == nil || len(result.Data) == 0 {
		return 0
	}
	return asInt(result.Data[0]["count"])
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return int(f)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// trendOfCounts compares the last 3 months against the 3 months before
// them. A flat first half of the window reads as stable.
func trendOfCounts(count3m, count6m int) string {
	if count6m == 0 {
		return "stable"
	}
	return signal.ComputeTrend(float64(count3m), float64(count6m-count3m))
}

func safeRatio(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0.0
	}
	return math.Round(float64(numerator)/float64(denominator)*100) / 100
}

func queryGap(source string, err error) string {
	return fmt.Sprintf("Query error (%s): %v", source, err)
}
