package position

import (
	"time"

	"github.com/google/uuid"
)

// Sample is a single unvalidated reading taken from the feed
type Sample struct {
	AircraftID  string    // Opaque aircraft identifier (usually ICAO hex)
	Latitude    float64   // Degrees, [-90, 90]
	Longitude   float64   // Degrees, [-180, 180]
	Altitude    float64   // Feet MSL, [-1000, 60000]
	GroundSpeed float64   // Knots, [0, 1000]
	Heading     float64   // Degrees true, [0, 360)
	Recorded    time.Time // Origin timestamp from the feed
	Arrived     time.Time // Assigned on receipt
}

// Position is a validated, persisted reading
type Position struct {
	ID              string    `json:"id"`
	AircraftID      string    `json:"aircraftId"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Altitude        float64   `json:"altitude"`
	GroundSpeed     float64   `json:"groundSpeed"`
	Heading         float64   `json:"heading"`
	MagneticHeading float64   `json:"magneticHeading"`
	Recorded        time.Time `json:"recorded"`
	Created         time.Time `json:"created"`
	Source          string    `json:"source"`
	Digest          string    `json:"digest"`
}

// New promotes an accepted sample to a Position
func New(s Sample, source string, created time.Time) Position {
	p := Position{
		ID:          uuid.NewString(),
		AircraftID:  s.AircraftID,
		Latitude:    s.Latitude,
		Longitude:   s.Longitude,
		Altitude:    s.Altitude,
		GroundSpeed: s.GroundSpeed,
		Heading:     s.Heading,
		Recorded:    s.Recorded.UTC(),
		Created:     created.UTC(),
		Source:      source,
	}
	p.Digest = Digest(p)
	return p
}

// SamePhysics reports whether two positions carry identical physical fields,
// ignoring timestamps and identity.
func (p Position) SamePhysics(o Position) bool {
	return p.AircraftID == o.AircraftID &&
		p.Latitude == o.Latitude &&
		p.Longitude == o.Longitude &&
		p.Altitude == o.Altitude &&
		p.GroundSpeed == o.GroundSpeed &&
		p.Heading == o.Heading
}

// HistoryQuery selects a page of positions for one aircraft
type HistoryQuery struct {
	AircraftID string
	From       time.Time
	To         time.Time
	Page       int // 1-based
	Limit      int
}

// HistoryPage is one page of a history query, ordered by recorded ascending
type HistoryPage struct {
	Positions []Position `json:"positions"`
	Total     int        `json:"total"`
	Page      int        `json:"page"`
	Limit     int        `json:"limit"`
	HasMore   bool       `json:"hasMore"`
}

// PruneResult summarises one retention pass
type PruneResult struct {
	Deleted  int64         `json:"deleted"`
	Batches  int           `json:"batches"`
	Duration time.Duration `json:"duration"`
}
