package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/merchsense/merchsense/pkg"
)

func TestDistanceKnownPairs(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Point
		wantM   float64
		within  float64 // acceptable relative error
	}{
		{
			name:   "same point",
			a:      Point{Lat: 40.758, Lng: -73.9851},
			b:      Point{Lat: 40.758, Lng: -73.9851},
			wantM:  0,
			within: 0,
		},
		{
			name:   "one degree of latitude",
			a:      Point{Lat: 0, Lng: 0},
			b:      Point{Lat: 1, Lng: 0},
			wantM:  111195, // 2*pi*R/360
			within: 0.01,
		},
		{
			name:   "times square to empire state",
			a:      Point{Lat: 40.758000, Lng: -73.985100},
			b:      Point{Lat: 40.748400, Lng: -73.985700},
			wantM:  1068,
			within: 0.01,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if tt.wantM == 0 {
				if got != 0 {
					t.Errorf("Distance = %v, want 0", got)
				}
				return
			}
			if math.Abs(got-tt.wantM)/tt.wantM > tt.within {
				t.Errorf("Distance = %v, want %v within %.0f%%", got, tt.wantM, tt.within*100)
			}
		})
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := Point{Lat: 59.3293, Lng: 18.0686}
	b := Point{Lat: 55.6761, Lng: 12.5683}
	if d1, d2 := Distance(a, b), Distance(b, a); d1 != d2 {
		t.Errorf("Distance not symmetric: %v vs %v", d1, d2)
	}
}

func TestHashDeterministic(t *testing.T) {
	k1, err := Hash(40.758000, -73.985100, 50)
	if err != nil {
		t.Fatalf("Hash should not error: %v", err)
	}
	k2, err := Hash(40.758000, -73.985100, 50)
	if err != nil {
		t.Fatalf("Hash should not error: %v", err)
	}
	if k1 != k2 {
		t.Errorf("Hash not deterministic: %s vs %s", k1, k2)
	}
}

func TestHashBucketMembership(t *testing.T) {
	base, err := Hash(40.758000, -73.985100, 50)
	if err != nil {
		t.Fatalf("Hash should not error: %v", err)
	}

	// Moving ~5m north stays in the same 50m cell
	near, err := Hash(40.758045, -73.985100, 50)
	if err != nil {
		t.Fatalf("Hash should not error: %v", err)
	}
	if near != base {
		t.Errorf("5m move should keep the same key, got %s vs %s", near, base)
	}

	// Moving ~200m north lands in a different cell
	far, err := Hash(40.759800, -73.985100, 50)
	if err != nil {
		t.Fatalf("Hash should not error: %v", err)
	}
	if far == base {
		t.Error("200m move should produce a different key")
	}
}

func TestHashPrecisionAffectsKey(t *testing.T) {
	k50, _ := Hash(40.758, -73.9851, 50)
	k500, _ := Hash(40.758, -73.9851, 500)
	if k50 == k500 {
		t.Error("different precisions should produce different keys")
	}
}

func TestHashInvalidCoordinate(t *testing.T) {
	tests := []struct {
		name     string
		lat, lng float64
	}{
		{"lat too high", 90.1, 0},
		{"lat too low", -90.1, 0},
		{"lng too high", 0, 180.1},
		{"lng too low", 0, -180.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Hash(tt.lat, tt.lng, 50); !errors.Is(err, pkg.ErrInvalidCoordinate) {
				t.Errorf("Hash(%v, %v) error = %v, want ErrInvalidCoordinate", tt.lat, tt.lng, err)
			}
		})
	}
}

func TestBucketForCenterIsInsideCell(t *testing.T) {
	b, err := BucketFor(40.758000, -73.985100, 50)
	if err != nil {
		t.Fatalf("BucketFor should not error: %v", err)
	}

	d := Distance(Point{Lat: 40.758000, Lng: -73.985100}, Point{Lat: b.CenterLat, Lng: b.CenterLng})
	// Center can be at most half a cell diagonal away
	if d > 50 {
		t.Errorf("bucket center %v m away from member point, want <= 50", d)
	}
}

func TestLngDegreesForMetersShrinksWithLatitude(t *testing.T) {
	atEquator := LngDegreesForMeters(1000, 0)
	atSixty := LngDegreesForMeters(1000, 60)
	if atSixty <= atEquator {
		t.Errorf("longitude span should grow with latitude: %v vs %v", atSixty, atEquator)
	}
	if polar := LngDegreesForMeters(1000, 89.99999); polar != 360 {
		t.Errorf("polar span should clamp to 360, got %v", polar)
	}
}
