package position

import "errors"

var (
	// ErrDecode marks a malformed or incomplete feed message
	ErrDecode = errors.New("malformed position message")

	// ErrNotFound is returned when no position exists for an aircraft
	ErrNotFound = errors.New("position not found")

	// ErrInvalidRange is returned when a history query has from > to
	ErrInvalidRange = errors.New("invalid time range: from is after to")

	// ErrBeyondRetention is returned when a history query starts before the retention horizon
	ErrBeyondRetention = errors.New("time range starts before retention horizon")

	// ErrInvalidQuery covers malformed query parameters
	ErrInvalidQuery = errors.New("invalid query")
)
