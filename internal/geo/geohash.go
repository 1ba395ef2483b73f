package geo

import (
	"fmt"
	"strings"
)

const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// DefaultPrecision of 7 gives roughly 150m x 150m cells, small enough to
// anchor a storefront to its block face.
const DefaultPrecision = 7

func EncodeGeohash(lat, lon float64, precision int) string {
	if precision <= 0 {
		precision = DefaultPrecision
	}

	latLo, latHi := -90.0, 90.0
	lonLo, lonHi := -180.0, 180.0

	var sb strings.Builder
	bits := []int{16, 8, 4, 2, 1}
	bit := 0
	ch := 0
	even := true

	for sb.Len() < precision {
		if even {
			mid := (lonLo + lonHi) / 2
			if lon >= mid {
				ch |= bits[bit]
				lonLo = mid
			} else {
				lonHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if lat >= mid {
				ch |= bits[bit]
				latLo = mid
			} else {
				latHi = mid
			}
		}

		even = !even

		if bit < 4 {
			bit++
		} else {
			sb.WriteByte(geohashAlphabet[ch])
			bit = 0
			ch = 0
		}
	}

	return sb.String()
}

// DecodeGeohash returns the center point of the geohash cell.
func DecodeGeohash(geohash string) (lat, lon float64, err error) {
	latLo, latHi := -90.0, 90.0
	lonLo, lonHi := -180.0, 180.0

	bits := []int{16, 8, 4, 2, 1}
	even := true

	for _, r := range strings.ToLower(geohash) {
		idx := strings.IndexRune(geohashAlphabet, r)
		if idx < 0 {
			return 0, 0, fmt.Errorf("invalid geohash character %q", r)
		}
		for _, bit := range bits {
			if even {
				mid := (lonLo + lonHi) / 2
				if idx&bit != 0 {
					lonLo = mid
				} else {
					lonHi = mid
				}
			} else {
				mid := (latLo + latHi) / 2
				if idx&bit != 0 {
					latLo = mid
				} else {
					latHi = mid
				}
			}
			even = !even
		}
	}

	return (latLo + latHi) / 2, (lonLo + lonHi) / 2, nil
}

// GeohashNeighbors returns the 8 surrounding cells keyed by compass
// direction.
func GeohashNeighbors(geohash string) (map[string]string, error) {
	lat, lon, err := DecodeGeohash(geohash)
	if err != nil {
		return nil, err
	}
	precision := len(geohash)

	latDelta := 180.0 / pow32(precision/2)
	lonDelta := 360.0 / pow32((precision+1)/2)

	return map[string]string{
		"n":  EncodeGeohash(lat+latDelta, lon, precision),
		"ne": EncodeGeohash(lat+latDelta, lon+lonDelta, precision),
		"e":  EncodeGeohash(lat, lon+lonDelta, precision),
		"se": EncodeGeohash(lat-latDelta, lon+lonDelta, precision),
		"s":  EncodeGeohash(lat-latDelta, lon, precision),
		"sw": EncodeGeohash(lat-latDelta, lon-lonDelta, precision),
		"w":  EncodeGeohash(lat, lon-lonDelta, precision),
		"nw": EncodeGeohash(lat+latDelta, lon-lonDelta, precision),
	}, nil
}

func pow32(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 32.0
	}
	return result
}
