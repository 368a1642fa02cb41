package validation

import (
	"math"
	"time"

	"github.com/yegors/co-atc-positions/internal/position"
)

// Reason names why a sample was rejected
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonCoordinatesOutOfRange Reason = "coordinates_out_of_range"
	ReasonAltitudeOutOfRange    Reason = "altitude_out_of_range"
	ReasonSpeedOutOfRange       Reason = "speed_out_of_range"
	ReasonHeadingOutOfRange     Reason = "heading_out_of_range"
	ReasonStale                 Reason = "stale"
	ReasonFuture                Reason = "future"
	ReasonInconsistentMotion    Reason = "inconsistent_motion"
)

// Physical limits
const (
	MinAltitudeFt = -1000.0
	MaxAltitudeFt = 60000.0
)

// Result is the outcome of validating one sample
type Result struct {
	Accepted bool
	Reason   Reason
}

// Accept is the result for a valid sample
var Accept = Result{Accepted: true}

func reject(r Reason) Result {
	return Result{Reason: r}
}

// Config holds the tunable thresholds
type Config struct {
	FreshnessWindow   time.Duration // Maximum age relative to arrival
	FutureTolerance   time.Duration // Maximum skew into the future
	MaxGroundSpeedKts float64
}

// Validator enforces physical-range and freshness constraints. It keeps no
// state between samples.
type Validator struct {
	cfg Config
}

// New creates a validator, falling back to defaults for zero thresholds
func New(cfg Config) *Validator {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 30 * time.Second
	}
	if cfg.FutureTolerance <= 0 {
		cfg.FutureTolerance = 5 * time.Second
	}
	if cfg.MaxGroundSpeedKts <= 0 {
		cfg.MaxGroundSpeedKts = 1000
	}
	return &Validator{cfg: cfg}
}

// Validate checks a sample. Rules run in a fixed order and the first failure wins.
func (v *Validator) Validate(s position.Sample) Result {
	if !inRange(s.Latitude, -90, 90) || !inRange(s.Longitude, -180, 180) {
		return reject(ReasonCoordinatesOutOfRange)
	}
	if !inRange(s.Altitude, MinAltitudeFt, MaxAltitudeFt) {
		return reject(ReasonAltitudeOutOfRange)
	}
	if !inRange(s.GroundSpeed, 0, v.cfg.MaxGroundSpeedKts) {
		return reject(ReasonSpeedOutOfRange)
	}
	if math.IsNaN(s.Heading) || s.Heading < 0 || s.Heading >= 360 {
		return reject(ReasonHeadingOutOfRange)
	}

	age := s.Arrived.Sub(s.Recorded)
	if age > v.cfg.FreshnessWindow {
		return reject(ReasonStale)
	}
	if -age > v.cfg.FutureTolerance {
		return reject(ReasonFuture)
	}

	return Accept
}

// inRange is false for NaN
func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
