package geo

import "math"

const earthRadiusKM = 6371.0

// DistanceKm returns the great-circle distance between two locations,
// rounded to the nearest integer kilometer. Symmetric; zero for identical
// points and whenever either side has no usable coordinates.
func DistanceKm(a, b Location) int {
	if !a.HasCoordinates() || !b.HasCoordinates() {
		return 0
	}
	return int(math.Round(haversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude)))
}

// haversineKm calculates the distance in kilometers between two geographic
// coordinates using the Haversine formula.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKM * c
}
