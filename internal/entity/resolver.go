package entity

import (
	"fmt"
	"math"
	"strings"

	"github.com/closurewatch/backend/internal/address"
	"github.com/closurewatch/backend/internal/geo"
)

const (
	JoinExactAddress  = "exact_address"
	JoinSpatialRadius = "spatial_radius"
	JoinNeighborhood  = "neighborhood_aggregate"
)

// Candidate is a registry row considered for resolution.
type Candidate struct {
	BusinessID         string
	BusinessName       string
	DBAName            string
	Address            string
	Latitude           float64
	Longitude          float64
	HasCoordinates     bool
	Neighborhood       string
	SupervisorDistrict string
	LocationStartDate  string
}

// ResolvedEntity is the canonical business identity the rest of the pipeline
// keys on.
type ResolvedEntity struct {
	EntityID          string   `json:"entity_id"`
	BusinessName      string   `json:"business_name"`
	Address           string   `json:"address"`
	NormalizedAddress string   `json:"normalized_address"`
	Latitude          float64  `json:"latitude"`
	Longitude         float64  `json:"longitude"`
	HasCoordinates    bool     `json:"-"`
	Geohash           string   `json:"geohash"`
	Neighborhood      string   `json:"neighborhood"`
	MatchConfidence   float64  `json:"match_confidence"`
	JoinStrategy      string   `json:"join_strategy"`
	NeedsConfirmation bool     `json:"needs_confirmation"`
	DataGaps          []string `json:"-"`
}

// Input is the caller-supplied identifying information. HaveCoords
// distinguishes "no coordinates" from a genuine (0, 0).
type Input struct {
	BusinessName string
	Address      string
	Lat          float64
	Lon          float64
	HaveCoords   bool
}

var nameStopwords = map[string]struct{}{
	"THE": {}, "A": {}, "AN": {}, "OF": {}, "AND": {}, "&": {},
	"INC": {}, "LLC": {}, "CO": {}, "CORP": {},
}

type Resolver struct {
	addresses             *address.Normalizer
	geoResolver           *geo.Resolver
	confirmationThreshold float64
}

func NewResolver(addresses *address.Normalizer, geoResolver *geo.Resolver, confirmationThreshold float64) *Resolver {
	if confirmationThreshold <= 0 {
		confirmationThreshold = 0.6
	}
	return &Resolver{
		addresses:             addresses,
		geoResolver:           geoResolver,
		confirmationThreshold: confirmationThreshold,
	}
}

// Resolve scores every candidate against the input and picks the best one.
// With no candidates it synthesizes a low-confidence entity from the input,
// and with nothing usable at all it returns a zero-confidence sentinel with
// the gap recorded. It never fails.
func (r *Resolver) Resolve(in Input, candidates []Candidate) ResolvedEntity {
	var normalized *address.Normalized
	if in.Address != "" {
		n := r.addresses.Normalize(in.Address)
		normalized = &n
	}

	bestIdx := -1
	bestScore := math.Inf(-1)
	for i := range candidates {
		score := r.scoreCandidate(&candidates[i], in, normalized)
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}

	if bestIdx >= 0 {
		return r.buildFromCandidate(&candidates[bestIdx], bestScore, normalized)
	}

	if in.Address != "" || in.HaveCoords {
		return r.buildFromInput(in, normalized)
	}

	return ResolvedEntity{
		EntityID:          "ent_unresolved",
		BusinessName:      "Unresolved",
		JoinStrategy:      JoinNeighborhood,
		NeedsConfirmation: true,
		DataGaps:          []string{"Insufficient information to resolve entity"},
	}
}

func (r *Resolver) scoreCandidate(c *Candidate, in Input, normalized *address.Normalized) float64 {
	score := 0.0

	if in.BusinessName != "" {
		candidateName := c.BusinessName
		if candidateName == "" {
			candidateName = c.DBAName
		}
		score += 0.4 * nameSimilarity(in.BusinessName, candidateName)
	}

	if normalized != nil {
		score += 0.4 * r.addresses.MatchScore(normalized.Original, c.Address)
	}

	if in.HaveCoords && c.HasCoordinates {
		distance := geo.DistanceMeters(in.Lat, in.Lon, c.Latitude, c.Longitude)
		switch {
		case distance < 50:
			score += 0.2
		case distance < 500:
			score += 0.2 * (1 - distance/500)
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// nameSimilarity is token Jaccard over stopword-filtered uppercased words.
func nameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0.0
	}

	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(name string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, tok := range strings.Fields(strings.ToUpper(name)) {
		if _, stop := nameStopwords[tok]; stop {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

func (r *Resolver) buildFromCandidate(c *Candidate, score float64, normalized *address.Normalized) ResolvedEntity {
	loc := r.geoResolver.FromRegistry(&geo.RegistryRecord{
		Latitude:           c.Latitude,
		Longitude:          c.Longitude,
		HasCoordinates:     c.HasCoordinates,
		Neighborhood:       c.Neighborhood,
		SupervisorDistrict: c.SupervisorDistrict,
	})

	joinStrategy := JoinNeighborhood
	switch {
	case score > 0.8 && normalized != nil:
		joinStrategy = JoinExactAddress
	case loc.Resolved:
		joinStrategy = JoinSpatialRadius
	}

	entityID := c.BusinessID
	if entityID == "" {
		if normalized != nil && normalized.HashKey != "" {
			entityID = "ent_" + normalized.HashKey[:8]
		} else {
			entityID = "ent_unknown"
		}
	}

	name := c.BusinessName
	if name == "" {
		name = c.DBAName
	}
	if name == "" {
		name = "Unknown"
	}

	neighborhood := loc.Neighborhood
	if neighborhood == "" {
		neighborhood = c.Neighborhood
	}

	normalizedStr := ""
	if normalized != nil {
		normalizedStr = normalized.Canonical
	}

	confidence := round3(score)
	return ResolvedEntity{
		EntityID:          entityID,
		BusinessName:      name,
		Address:           c.Address,
		NormalizedAddress: normalizedStr,
		Latitude:          loc.Latitude,
		Longitude:         loc.Longitude,
		HasCoordinates:    loc.Resolved,
		Geohash:           loc.Geohash,
		Neighborhood:      neighborhood,
		MatchConfidence:   confidence,
		JoinStrategy:      joinStrategy,
		NeedsConfirmation: confidence < r.confirmationThreshold,
		DataGaps:          []string{},
	}
}

func (r *Resolver) buildFromInput(in Input, normalized *address.Normalized) ResolvedEntity {
	loc := r.geoResolver.Resolve(in.Lat, in.Lon, in.HaveCoords, in.Address, nil)

	joinStrategy := JoinNeighborhood
	if loc.Resolved {
		joinStrategy = JoinSpatialRadius
	}

	entityID := "ent_input"
	if normalized != nil && normalized.HashKey != "" {
		entityID = "ent_" + normalized.HashKey[:8]
	}

	name := in.BusinessName
	if name == "" {
		name = "Unknown Business"
	}

	normalizedStr := ""
	if normalized != nil {
		normalizedStr = normalized.Canonical
	}

	return ResolvedEntity{
		EntityID:          entityID,
		BusinessName:      name,
		Address:           in.Address,
		NormalizedAddress: normalizedStr,
		Latitude:          loc.Latitude,
		Longitude:         loc.Longitude,
		HasCoordinates:    loc.Resolved,
		Geohash:           loc.Geohash,
		Neighborhood:      loc.Neighborhood,
		MatchConfidence:   0.3,
		JoinStrategy:      joinStrategy,
		NeedsConfirmation: true,
		DataGaps:          []string{"No registry match found - using input data only"},
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Summary is the one-line entity description used in evidence packs.
func (e ResolvedEntity) Summary() string {
	parts := []string{e.BusinessName}
	if e.Address != "" {
		parts = append(parts, e.Address)
	}
	if e.Neighborhood != "" {
		parts = append(parts, e.Neighborhood)
	}
	return fmt.Sprintf("%s (match confidence %.2f)", strings.Join(parts, ", "), e.MatchConfidence)
}
