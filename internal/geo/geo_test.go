package geo

import (
	"math"
	"testing"
)

func TestGeohashRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
	}{
		{"hayes valley", 37.7765, -122.4241},
		{"mission", 37.7599, -122.4148},
		{"equator", 0.0, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gh := EncodeGeohash(tt.lat, tt.lon, 7)
			if len(gh) != 7 {
				t.Fatalf("geohash length = %d, want 7", len(gh))
			}

			lat, lon, err := DecodeGeohash(gh)
			if err != nil {
				t.Fatal(err)
			}
			// Precision 7 cells are ~150m, so the center is within ~0.002 deg.
			if math.Abs(lat-tt.lat) > 0.002 || math.Abs(lon-tt.lon) > 0.002 {
				t.Errorf("decode(%q) = (%v, %v), want near (%v, %v)", gh, lat, lon, tt.lat, tt.lon)
			}
		})
	}
}

func TestDecodeGeohashInvalid(t *testing.T) {
	if _, _, err := DecodeGeohash("9q8yya!"); err == nil {
		t.Error("expected error for invalid geohash character")
	}
}

func TestGeohashKnownValue(t *testing.T) {
	// Hayes Valley should land in the SF 9q8y block.
	gh := EncodeGeohash(37.7765, -122.4241, 7)
	if gh[:4] != "9q8y" {
		t.Errorf("geohash = %q, want 9q8y prefix", gh)
	}
}

func TestDistanceMeters(t *testing.T) {
	// Same point.
	if d := DistanceMeters(37.77, -122.42, 37.77, -122.42); d != 0 {
		t.Errorf("distance to self = %v, want 0", d)
	}

	// One degree of latitude is about 111 km.
	d := DistanceMeters(37.0, -122.42, 38.0, -122.42)
	if d < 110000 || d > 112000 {
		t.Errorf("one degree latitude = %v m, want ~111000", d)
	}
}

func TestResolvePriority(t *testing.T) {
	r := NewResolver(7, nil)

	explicit := r.Resolve(37.7765, -122.4241, true, "300 Webster St", &RegistryRecord{
		Latitude: 37.76, Longitude: -122.41, HasCoordinates: true,
	})
	if explicit.ResolutionMethod != "explicit" || explicit.Confidence != 1.0 {
		t.Errorf("explicit coords: method=%q confidence=%v", explicit.ResolutionMethod, explicit.Confidence)
	}

	registry := r.Resolve(0, 0, false, "", &RegistryRecord{
		Latitude: 37.76, Longitude: -122.41, HasCoordinates: true,
		Neighborhood: "Mission",
	})
	if registry.ResolutionMethod != "registry" || registry.Confidence != 0.95 {
		t.Errorf("registry record: method=%q confidence=%v", registry.ResolutionMethod, registry.Confidence)
	}
	if registry.Neighborhood != "Mission" {
		t.Errorf("registry neighborhood = %q", registry.Neighborhood)
	}

	geocode := r.Resolve(0, 0, false, "300 Webster St", nil)
	if geocode.Confidence != 0.0 || geocode.Resolved {
		t.Errorf("geocode stub: confidence=%v resolved=%v", geocode.Confidence, geocode.Resolved)
	}
}

func TestResolveRejectsOutOfBounds(t *testing.T) {
	r := NewResolver(7, nil)

	// NYC coordinates must not be trusted.
	loc := r.Resolve(40.71, -74.0, true, "", nil)
	if loc.Resolved {
		t.Error("out-of-bounds explicit coordinates were accepted")
	}

	reg := r.FromRegistry(&RegistryRecord{Latitude: 40.71, Longitude: -74.0, HasCoordinates: true})
	if reg.Resolved {
		t.Error("out-of-bounds registry coordinates were accepted")
	}
}
