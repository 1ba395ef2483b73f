package sources

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/closurewatch/backend/internal/entity"
	"github.com/closurewatch/backend/internal/signal"
	"github.com/closurewatch/backend/internal/socrata"
)

var (
	streetNumRe   = regexp.MustCompile(`\b(\d+)\b`)
	addrInQueryRe = regexp.MustCompile(`(?i)(\d+\s+\w+(?:\s+\w+)?(?:\s+(?:st|ave|blvd|rd|dr|way|ct|ln|pl))?)`)
	citySuffixRe  = regexp.MustCompile(`(?i),?\s*(SAN FRANCISCO|SF|CA|CALIFORNIA).*$`)
)

// RegistryAdapter queries the Registered Business Locations dataset. It is
// the pipeline's first call: its candidates drive entity resolution, and its
// primary record supplies business age and neighborhood for everything else.
type RegistryAdapter struct {
	client    DataAPI
	datasetID string
	logger    *zap.Logger
}

func NewRegistryAdapter(client DataAPI, datasetID string, logger *zap.Logger) *RegistryAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryAdapter{client: client, datasetID: datasetID, logger: logger}
}

func (a *RegistryAdapter) Name() string { return "registry" }

func (a *RegistryAdapter) EmptySignals() signal.Envelope {
	env := signal.NewEnvelope(a.Name())
	env.Signals = map[string]any{
		"candidates":    []map[string]any{},
		"primary":       nil,
		"total_matches": 0,
	}
	return env
}

func (a *RegistryAdapter) Fetch(ctx context.Context, req Request) signal.Envelope {
	env := signal.NewEnvelope(a.Name())

	var rows []socrata.Record
	var err error
	switch {
	case req.BusinessName != "":
		rows, err = a.searchByName(ctx, req.BusinessName)
	case req.Address != "":
		rows, err = a.searchByAddress(ctx, req.Address)
	case req.HaveCoords:
		rows, err = a.searchByLocation(ctx, req.Lat, req.Lon)
	default:
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, "No search criteria provided (name, address, or location)")
	}
	if err != nil {
		a.logger.Warn("registry search failed", zap.Error(err))
		return signal.Degraded(a.Name(), a.EmptySignals().Signals, queryGap(a.Name(), err))
	}

	candidates := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		if i >= 10 {
			break
		}
		env.EvidenceRefs = append(env.EvidenceRefs, signal.EvidenceRef(a.Name(), i+1))
		candidates = append(candidates, parseBusinessRecord(row))
	}

	var primary map[string]any
	if len(candidates) > 0 {
		primary = candidates[0]
	} else {
		env.DataGaps = append(env.DataGaps, "No business records found for query")
	}

	env.Signals = map[string]any{
		"candidates":    candidates,
		"primary":       primary,
		"total_matches": len(rows),
	}
	return env
}

// searchByName tries three strategies in order: street-number match when the
// query embeds an address, then dba_name, then ownership_name.
func (a *RegistryAdapter) searchByName(ctx context.Context, query string) ([]socrata.Record, error) {
	name, addrPart := SplitQuery(query)
	streetNum := ""
	if m := streetNumRe.FindStringSubmatch(addrPart); m != nil {
		streetNum = m[1]
	}

	var rows []socrata.Record
	if streetNum != "" {
		soql := fmt.Sprintf("$where=full_business_address like '%%%s%%' AND city='San Francisco'&$order=location_start_date DESC&$limit=50", streetNum)
		result, err := a.client.Query(ctx, a.datasetID, soql)
		if err == nil {
			rows = filterByNameOverlap(result.Data, name, streetNum)
		}
	}

	firstWord := firstSearchWord(name)
	if len(rows) == 0 && firstWord != "" {
		for _, field := range []string{"dba_name", "ownership_name"} {
			soql := fmt.Sprintf("$where=upper(%s) like '%%%s%%' AND city='San Francisco'&$order=location_start_date DESC&$limit=30",
				field, strings.ToUpper(socrata.SanitizeForSoQL(firstWord)))
			result, err := a.client.Query(ctx, a.datasetID, soql)
			if err != nil {
				return nil, err
			}
			rows = append(rows, result.Data...)
			if len(rows) > 0 {
				break
			}
		}
	}
	return rows, nil
}

func (a *RegistryAdapter) searchByAddress(ctx context.Context, addr string) ([]socrata.Record, error) {
	cleaned := citySuffixRe.ReplaceAllString(strings.ToUpper(strings.TrimSpace(addr)), "")

	var soql string
	if m := streetNumRe.FindStringSubmatch(cleaned); m != nil {
		soql = fmt.Sprintf("$where=full_business_address like '%%%s%%' AND city='San Francisco'&$order=location_start_date DESC&$limit=30", m[1])
	} else if words := strings.Fields(cleaned); len(words) > 0 {
		soql = fmt.Sprintf("$where=full_business_address like '%%%s%%' AND city='San Francisco'&$order=location_start_date DESC&$limit=20",
			socrata.SanitizeForSoQL(words[0]))
	} else {
		return nil, nil
	}

	result, err := a.client.Query(ctx, a.datasetID, soql)
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

func (a *RegistryAdapter) searchByLocation(ctx context.Context, lat, lon float64) ([]socrata.Record, error) {
	result, err := a.client.QuerySpatial(ctx, a.datasetID, socrata.SpatialOptions{
		Lat:          lat,
		Lon:          lon,
		RadiusMeters: 100,
		PointField:   "business_location",
		Order:        "location_start_date DESC",
	})
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// SplitQuery separates "Name, 123 Street" style queries into the name and
// address parts. Without a comma it looks for a street-number pattern inside
// the query.
func SplitQuery(query string) (name, addr string) {
	parts := strings.SplitN(query, ",", 2)
	name = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		addr = strings.TrimSpace(parts[1])
		return name, addr
	}

	if m := addrInQueryRe.FindStringSubmatch(query); m != nil {
		addr = strings.TrimSpace(m[1])
		name = strings.TrimSpace(addrInQueryRe.ReplaceAllString(query, ""))
	}
	return name, addr
}

func firstSearchWord(name string) string {
	for _, w := range strings.Fields(name) {
		if len(w) >= 3 {
			return w
		}
	}
	return ""
}

// filterByNameOverlap keeps street-number matches whose dba or ownership
// name shares a word with the query, falling back to the first address
// match when nothing overlaps.
func filterByNameOverlap(rows []socrata.Record, name, streetNum string) []socrata.Record {
	nameWords := wordSet(name)
	matched := []socrata.Record{}
	var fallback []socrata.Record

	for _, row := range rows {
		addr := strings.ToUpper(asString(row["full_business_address"]))
		if !strings.Contains(addr, streetNum) {
			continue
		}
		dbaWords := wordSet(asString(row["dba_name"]))
		ownerWords := wordSet(asString(row["ownership_name"]))
		if overlaps(nameWords, dbaWords) || overlaps(nameWords, ownerWords) {
			matched = append(matched, row)
		} else if fallback == nil {
			fallback = []socrata.Record{row}
		}
	}

	if len(matched) > 0 {
		return matched
	}
	return fallback
}

func wordSet(s string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToUpper(strings.ReplaceAll(s, ",", " "))) {
		set[w] = struct{}{}
	}
	return set
}

func overlaps(a, b map[string]struct{}) bool {
	for w := range a {
		if _, ok := b[w]; ok {
			return true
		}
	}
	return false
}

// parseBusinessRecord flattens a raw registry row. Socrata emits the
// location either as business_location with latitude/longitude keys or as a
// GeoJSON point with [lon, lat] coordinates.
func parseBusinessRecord(row socrata.Record) map[string]any {
	var lat, lon float64
	hasCoords := false

	loc, _ := row["business_location"].(map[string]any)
	if loc == nil {
		loc, _ = row["location"].(map[string]any)
	}
	if loc != nil {
		if _, ok := loc["latitude"]; ok {
			lat = asFloat(loc["latitude"])
			lon = asFloat(loc["longitude"])
			hasCoords = lat != 0 || lon != 0
		} else if coords, ok := loc["coordinates"].([]any); ok && len(coords) >= 2 {
			lon = asFloat(coords[0])
			lat = asFloat(coords[1])
			hasCoords = lat != 0 || lon != 0
		}
	}

	endDate := asString(row["location_end_date"])
	name := asString(row["dba_name"])
	if name == "" {
		name = asString(row["ownership_name"])
	}
	businessID := asString(row["uniqueid"])
	if businessID == "" {
		businessID = asString(row["ttxid"])
	}

	return map[string]any{
		"business_name":       name,
		"ownership_name":      asString(row["ownership_name"]),
		"dba_name":            asString(row["dba_name"]),
		"address":             asString(row["full_business_address"]),
		"zip":                 asString(row["business_zip"]),
		"neighborhood":        asString(row["neighborhoods_analysis_boundaries"]),
		"supervisor_district": asString(row["supervisor_district"]),
		"latitude":            lat,
		"longitude":           lon,
		"has_coordinates":     hasCoords,
		"naic_code":           asString(row["naic_code"]),
		"location_start_date": asString(row["location_start_date"]),
		"location_end_date":   endDate,
		"is_active":           endDate == "",
		"business_id":         businessID,
	}
}

// Candidates converts a registry envelope's candidate maps into the typed
// form entity resolution scores.
func Candidates(env signal.Envelope) []entity.Candidate {
	raw, ok := env.Signals["candidates"].([]map[string]any)
	if !ok {
		return nil
	}

	out := make([]entity.Candidate, 0, len(raw))
	for _, c := range raw {
		hasCoords, _ := c["has_coordinates"].(bool)
		out = append(out, entity.Candidate{
			BusinessID:         asString(c["business_id"]),
			BusinessName:       asString(c["business_name"]),
			DBAName:            asString(c["dba_name"]),
			Address:            asString(c["address"]),
			Latitude:           asFloat(c["latitude"]),
			Longitude:          asFloat(c["longitude"]),
			HasCoordinates:     hasCoords,
			Neighborhood:       asString(c["neighborhood"]),
			SupervisorDistrict: asString(c["supervisor_district"]),
			LocationStartDate:  asString(c["location_start_date"]),
		})
	}
	return out
}
