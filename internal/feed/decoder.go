package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/validator/v10"

	"github.com/yegors/co-atc-positions/internal/position"
)

// Format is the encoding of one upstream frame
type Format int

const (
	FormatJSON Format = iota // Text frames
	FormatCBOR               // Binary frames
)

// String returns the format name
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("unknown(%d)", int(f))
	}
}

// wireRecord is one telemetry object as it appears on the wire. Several
// upstream dialects name the same field differently.
type wireRecord struct {
	AircraftID  string   `json:"aircraftId" cbor:"aircraftId"`
	Hex         string   `json:"hex" cbor:"hex"`
	ICAO24      string   `json:"icao24" cbor:"icao24"`
	Lat         *float64 `json:"lat" cbor:"lat"`
	Lon         *float64 `json:"lon" cbor:"lon"`
	Alt         *float64 `json:"alt" cbor:"alt"`
	Speed       *float64 `json:"speed" cbor:"speed"`
	GroundSpeed *float64 `json:"groundSpeed" cbor:"groundSpeed"`
	Heading     *float64 `json:"heading" cbor:"heading"`
	Track       *float64 `json:"track" cbor:"track"`
	Timestamp   any      `json:"timestamp" cbor:"timestamp"`
}

// record is the normalized form checked for required fields
type record struct {
	AircraftID  string     `validate:"required,max=64"`
	Latitude    *float64   `validate:"required"`
	Longitude   *float64   `validate:"required"`
	Altitude    *float64   `validate:"required"`
	GroundSpeed *float64   `validate:"required"`
	Heading     *float64   `validate:"required"`
	Timestamp   *time.Time `validate:"required"`
}

var (
	structValidate = validator.New()
	cborDecMode    cbor.DecMode
)

func init() {
	var err error
	cborDecMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("feed: CBOR decoder initialization failed: " + err.Error())
	}
}

// Decoder turns raw upstream frames into samples
type Decoder struct{}

// NewDecoder creates a decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes one frame holding a single telemetry object
func (d *Decoder) Decode(format Format, payload []byte, arrived time.Time) (position.Sample, error) {
	var w wireRecord
	if err := d.unmarshal(format, payload, &w); err != nil {
		return position.Sample{}, err
	}
	return normalize(w, arrived)
}

// DecodeFrame decodes a frame holding either one object or an array of
// objects. Elements fail independently.
func (d *Decoder) DecodeFrame(format Format, payload []byte, arrived time.Time) ([]position.Sample, []error) {
	if !isArray(format, payload) {
		s, err := d.Decode(format, payload, arrived)
		if err != nil {
			return nil, []error{err}
		}
		return []position.Sample{s}, nil
	}

	var elems [][]byte
	switch format {
	case FormatJSON:
		var raw []json.RawMessage
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, []error{fmt.Errorf("%w: %v", position.ErrDecode, err)}
		}
		for _, r := range raw {
			elems = append(elems, r)
		}
	case FormatCBOR:
		var raw []cbor.RawMessage
		if err := cborDecMode.Unmarshal(payload, &raw); err != nil {
			return nil, []error{fmt.Errorf("%w: %v", position.ErrDecode, err)}
		}
		for _, r := range raw {
			elems = append(elems, r)
		}
	}

	samples := make([]position.Sample, 0, len(elems))
	var errs []error
	for _, e := range elems {
		s, err := d.Decode(format, e, arrived)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		samples = append(samples, s)
	}
	return samples, errs
}

func (d *Decoder) unmarshal(format Format, payload []byte, w *wireRecord) error {
	switch format {
	case FormatJSON:
		trimmed := bytes.TrimSpace(payload)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return fmt.Errorf("%w: expected a JSON object", position.ErrDecode)
		}
		if err := json.Unmarshal(trimmed, w); err != nil {
			return fmt.Errorf("%w: %v", position.ErrDecode, err)
		}
	case FormatCBOR:
		if len(payload) == 0 || payload[0]>>5 != 5 {
			return fmt.Errorf("%w: expected a CBOR map", position.ErrDecode)
		}
		if err := cborDecMode.Unmarshal(payload, w); err != nil {
			return fmt.Errorf("%w: %v", position.ErrDecode, err)
		}
	default:
		return fmt.Errorf("%w: unsupported format %s", position.ErrDecode, format)
	}
	return nil
}

func isArray(format Format, payload []byte) bool {
	switch format {
	case FormatJSON:
		trimmed := bytes.TrimSpace(payload)
		return len(trimmed) > 0 && trimmed[0] == '['
	case FormatCBOR:
		return len(payload) > 0 && payload[0]>>5 == 4
	}
	return false
}

func normalize(w wireRecord, arrived time.Time) (position.Sample, error) {
	r := record{
		AircraftID:  strings.TrimSpace(firstNonEmpty(w.AircraftID, w.Hex, w.ICAO24)),
		Latitude:    w.Lat,
		Longitude:   w.Lon,
		Altitude:    w.Alt,
		GroundSpeed: firstNonNil(w.Speed, w.GroundSpeed),
		Heading:     firstNonNil(w.Heading, w.Track),
	}

	if w.Timestamp != nil {
		ts, err := parseTimestamp(w.Timestamp)
		if err != nil {
			return position.Sample{}, fmt.Errorf("%w: %v", position.ErrDecode, err)
		}
		r.Timestamp = &ts
	}

	if err := structValidate.Struct(r); err != nil {
		return position.Sample{}, fmt.Errorf("%w: %v", position.ErrDecode, err)
	}

	return position.Sample{
		AircraftID:  r.AircraftID,
		Latitude:    *r.Latitude,
		Longitude:   *r.Longitude,
		Altitude:    *r.Altitude,
		GroundSpeed: *r.GroundSpeed,
		Heading:     *r.Heading,
		Recorded:    r.Timestamp.UTC(),
		Arrived:     arrived.UTC(),
	}, nil
}

// parseTimestamp accepts RFC3339 strings, Unix seconds (possibly fractional)
// and Unix milliseconds.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", t, err)
		}
		return ts, nil
	case time.Time:
		return t, nil
	case float64:
		return fromEpoch(t)
	case float32:
		return fromEpoch(float64(t))
	case int64:
		return fromEpoch(float64(t))
	case uint64:
		return fromEpoch(float64(t))
	default:
		return time.Time{}, fmt.Errorf("invalid timestamp type %T", v)
	}
}

// Values above this are taken to be milliseconds (year 33658 in seconds)
const epochMillisThreshold = 1e12

func fromEpoch(v float64) (time.Time, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return time.Time{}, fmt.Errorf("invalid epoch timestamp %v", v)
	}
	if v >= epochMillisThreshold {
		ms := int64(v)
		return time.UnixMilli(ms), nil
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonNil(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
