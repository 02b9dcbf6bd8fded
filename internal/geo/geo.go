package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is the great-circle distance between from and to, or 0 when
// either side is unknown.
func Distance(from, to *models.Coord) float64 {
	if from == nil || to == nil {
		return 0
	}
	return Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
}
