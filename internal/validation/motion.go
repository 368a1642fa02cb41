package validation

import (
	"github.com/yegors/co-atc-positions/internal/physics"
	"github.com/yegors/co-atc-positions/internal/position"
)

// MotionChecker flags samples whose implied speed from the previous accepted
// position is implausible. Positions recorded at the same instant or earlier
// than the previous one are not judged.
type MotionChecker struct {
	MaxImpliedSpeedKts float64
}

// Check compares a sample against the previous accepted position of the same aircraft
func (m MotionChecker) Check(prev position.Position, s position.Sample) Result {
	dt := s.Recorded.Sub(prev.Recorded).Hours()
	if dt <= 0 {
		return Accept
	}

	distNM := physics.Haversine(prev.Latitude, prev.Longitude, s.Latitude, s.Longitude)
	if distNM/dt > m.MaxImpliedSpeedKts {
		return reject(ReasonInconsistentMotion)
	}
	return Accept
}
