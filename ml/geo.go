package ml

import (
	"math"

	"argus/core"
)

const earthRadiusKm = 6371.0

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Haversine returns the great-circle distance between two points in kilometres
func Haversine(a, b core.Coordinates) float64 {
	lat1, lat2 := radians(a.Latitude), radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}
