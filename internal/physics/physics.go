package physics

import (
	"math"
	"time"

	"github.com/westphae/geomag/pkg/egm96"
	"github.com/westphae/geomag/pkg/wmm"
)

// Constants
const (
	EarthRadiusNM = 3440.065 // Mean Earth radius in nautical miles
	FeetToMeters  = 0.3048
)

// Haversine returns the great-circle distance in nautical miles between two points
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusNM * c
}

// ImpliedSpeedKts returns the average ground speed needed to cover the distance
// between two fixes in the elapsed time. Zero or negative elapsed time yields 0.
func ImpliedSpeedKts(lat1, lon1 float64, t1 time.Time, lat2, lon2 float64, t2 time.Time) float64 {
	hours := t2.Sub(t1).Hours()
	if hours <= 0 {
		return 0
	}
	return Haversine(lat1, lon1, lat2, lon2) / hours
}

// NormalizeHeading wraps a heading into [0, 360)
func NormalizeHeading(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// CalculateMagneticVariation calculates the magnetic declination for a given position and time
// Returns declination in degrees (+East, -West)
func CalculateMagneticVariation(lat, lon, altFt float64, date time.Time) float64 {
	// WMM takes geodetic altitude in meters
	loc := egm96.NewLocationGeodetic(lat, lon, altFt*FeetToMeters)

	mag, err := wmm.CalculateWMMMagneticField(loc, date)
	if err != nil {
		// Outside the model's validity window; report no variation
		return 0.0
	}

	return mag.D()
}

// MagneticHeading converts a true heading to magnetic using the local declination
func MagneticHeading(trueHeading, lat, lon, altFt float64, date time.Time) float64 {
	return NormalizeHeading(trueHeading - CalculateMagneticVariation(lat, lon, altFt, date))
}
