// Package geo provides spatial bucketing and great-circle distance for the
// prediction caches
package geo

import (
	"encoding/hex"
	"fmt"
	"math"

	"golang.org/x/crypto/blake2b"

	"github.com/merchsense/merchsense/pkg"
)

const (
	// earthRadiusM is the mean Earth radius used by the haversine formula
	earthRadiusM = 6371000.0

	// metersPerDegree approximates one degree of latitude (~111 km)
	metersPerDegree = 111000.0

	// DefaultPrecisionMeters is the bucket size used by the location cache
	DefaultPrecisionMeters = 50.0
)

// Point is a WGS84 coordinate pair
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Distance returns the great-circle distance between two points in meters
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusM * c
}

// Bucket describes the spatial cell a coordinate falls into
type Bucket struct {
	Key             string  `json:"key"`
	CenterLat       float64 `json:"center_lat"`
	CenterLng       float64 `json:"center_lng"`
	PrecisionMeters float64 `json:"precision_meters"`
}

// Hash buckets a coordinate at the given precision and returns the stable
// cell key. Two points within the same cell always produce the same key;
// unrelated points may collide, which is acceptable for a lossy cache key.
func Hash(lat, lng, precisionMeters float64) (string, error) {
	b, err := BucketFor(lat, lng, precisionMeters)
	if err != nil {
		return "", err
	}
	return b.Key, nil
}

// BucketFor buckets a coordinate and also returns the cell's representative
// center point. The key is a BLAKE2b digest of the integer cell indices so it
// is stable across process restarts and independent of float formatting.
func BucketFor(lat, lng, precisionMeters float64) (Bucket, error) {
	if err := pkg.ValidateCoordinate(lat, lng); err != nil {
		return Bucket{}, err
	}
	if precisionMeters <= 0 {
		precisionMeters = DefaultPrecisionMeters
	}

	factor := precisionMeters / metersPerDegree
	latIdx := int64(math.Round(lat / factor))
	lngIdx := int64(math.Round(lng / factor))

	sum := blake2b.Sum256([]byte(fmt.Sprintf("%d:%d:%d", latIdx, lngIdx, int64(precisionMeters))))

	return Bucket{
		Key:             hex.EncodeToString(sum[:12]),
		CenterLat:       float64(latIdx) * factor,
		CenterLng:       float64(lngIdx) * factor,
		PrecisionMeters: precisionMeters,
	}, nil
}

// DegreesForMeters converts a distance in meters to latitude degrees
func DegreesForMeters(meters float64) float64 {
	return meters / metersPerDegree
}

// LngDegreesForMeters converts a distance in meters to longitude degrees at
// the given latitude. Near the poles the span is clamped to a full circle.
func LngDegreesForMeters(meters, lat float64) float64 {
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 1e-6 {
		return 360
	}
	deg := meters / (metersPerDegree * cos)
	if deg > 360 {
		deg = 360
	}
	return deg
}
