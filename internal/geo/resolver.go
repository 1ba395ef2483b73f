package geo

import (
	"math"

	"go.uber.org/zap"
)

// SF bounding box, approximate. Coordinates outside it are treated as bad
// data and discarded rather than trusted.
const (
	MinLat = 37.6
	MaxLat = 37.85
	MinLon = -122.55
	MaxLon = -122.35
)

const earthRadiusMeters = 6371000

// Location is a resolved geographic point with the method and confidence of
// its resolution.
type Location struct {
	Latitude           float64
	Longitude          float64
	Resolved           bool
	Geohash            string
	Neighborhood       string
	SupervisorDistrict string
	ResolutionMethod   string
	Confidence         float64
}

// RegistryRecord is the subset of a registry row the resolver reads.
type RegistryRecord struct {
	Latitude           float64
	Longitude          float64
	HasCoordinates     bool
	Neighborhood       string
	SupervisorDistrict string
}

type Resolver struct {
	precision int
	logger    *zap.Logger
}

func NewResolver(precision int, log *zap.Logger) *Resolver {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{precision: precision, logger: log}
}

// Resolve picks the best available source in priority order: explicit
// coordinates, then a registry record, then geocoding. Geocoding is a
// documented no-op seam until a real geocoder is plugged in.
func (r *Resolver) Resolve(lat, lon float64, haveCoords bool, address string, record *RegistryRecord) Location {
	if haveCoords && InBounds(lat, lon) {
		return Location{
			Latitude:         lat,
			Longitude:        lon,
			Resolved:         true,
			Geohash:          EncodeGeohash(lat, lon, r.precision),
			ResolutionMethod: "explicit",
			Confidence:       1.0,
		}
	}

	if record != nil {
		loc := r.FromRegistry(record)
		if loc.Resolved {
			return loc
		}
	}

	if address != "" {
		return r.Geocode(address)
	}

	return Location{ResolutionMethod: "unresolved"}
}

func (r *Resolver) FromRegistry(record *RegistryRecord) Location {
	if record == nil || !record.HasCoordinates {
		return Location{
			Neighborhood:       neighborhoodOf(record),
			SupervisorDistrict: districtOf(record),
			ResolutionMethod:   "unknown",
		}
	}

	lat, lon := record.Latitude, record.Longitude
	if !InBounds(lat, lon) {
		r.logger.Warn("Registry coordinates outside city bounds",
			zap.Float64("lat", lat),
			zap.Float64("lon", lon),
		)
		return Location{
			Neighborhood:       record.Neighborhood,
			SupervisorDistrict: record.SupervisorDistrict,
			ResolutionMethod:   "unknown",
		}
	}

	return Location{
		Latitude:           lat,
		Longitude:          lon,
		Resolved:           true,
		Geohash:            EncodeGeohash(lat, lon, r.precision),
		Neighborhood:       record.Neighborhood,
		SupervisorDistrict: record.SupervisorDistrict,
		ResolutionMethod:   "registry",
		Confidence:         0.95,
	}
}

// Geocode is the external-collaborator seam. No geocoding service is wired
// in, so it reports an unresolved location at zero confidence.
func (r *Resolver) Geocode(address string) Location {
	r.logger.Warn("Geocoding not available", zap.String("address", address))
	return Location{ResolutionMethod: "geocoding_unavailable"}
}

func InBounds(lat, lon float64) bool {
	return lat >= MinLat && lat <= MaxLat && lon >= MinLon && lon <= MaxLon
}

// DistanceMeters computes great-circle distance with the haversine formula.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func neighborhoodOf(record *RegistryRecord) string {
	if record == nil {
		return ""
	}
	return record.Neighborhood
}

func districtOf(record *RegistryRecord) string {
	if record == nil {
		return ""
	}
	return record.SupervisorDistrict
}
