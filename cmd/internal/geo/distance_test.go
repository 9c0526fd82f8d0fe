package geo

import "testing"

func TestDistanceKm_KnownCities(t *testing.T) {
	saoPaulo := Location{City: "Sao Paulo", Country: "Brazil", Latitude: -23.5505, Longitude: -46.6333}
	newYork := Location{City: "New York", Country: "United States", Latitude: 40.7128, Longitude: -74.0060}

	got := DistanceKm(saoPaulo, newYork)

	// Great-circle distance is about 7680 km; allow for rounding of the
	// reference coordinates.
	if got < 7630 || got > 7730 {
		t.Fatalf("DistanceKm(SP, NY) = %d, want ~7680", got)
	}
}

func TestDistanceKm_Symmetric(t *testing.T) {
	a := Location{Latitude: 51.5074, Longitude: -0.1278}
	b := Location{Latitude: 35.6762, Longitude: 139.6503}

	if d1, d2 := DistanceKm(a, b), DistanceKm(b, a); d1 != d2 {
		t.Fatalf("distance not symmetric: %d vs %d", d1, d2)
	}
}

func TestDistanceKm_SamePoint(t *testing.T) {
	p := Location{Latitude: 48.8566, Longitude: 2.3522}
	if d := DistanceKm(p, p); d != 0 {
		t.Fatalf("DistanceKm(p, p) = %d, want 0", d)
	}
}

func TestDistanceKm_NearbyPoints(t *testing.T) {
	// Two office buildings a few km apart must stay under any sharing threshold.
	a := Location{City: "Berlin", Latitude: 52.5200, Longitude: 13.4050}
	b := Location{City: "Berlin", Latitude: 52.4500, Longitude: 13.3800}

	d := DistanceKm(a, b)
	if d > 15 {
		t.Fatalf("nearby points too far apart: %d km", d)
	}
}

func TestDistanceKm_MissingCoordinates(t *testing.T) {
	withCoords := Location{Latitude: 10, Longitude: 10}
	tests := []struct {
		name string
		a, b Location
	}{
		{"both missing", Location{}, Location{}},
		{"first missing", Location{}, withCoords},
		{"second missing", withCoords, Location{City: "Somewhere"}},
		{"local sentinel", LocalLocation(), withCoords},
		{"unknown sentinel", UnknownLocation(), withCoords},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if d := DistanceKm(tc.a, tc.b); d != 0 {
				t.Fatalf("DistanceKm = %d, want 0", d)
			}
		})
	}
}
