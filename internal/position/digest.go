package position

import (
	"encoding/hex"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// digestKey separates position digests from any other BLAKE3 keyed use.
var digestKey = [32]byte{
	'c', 'o', '-', 'a', 't', 'c', '.', 'p', 'o', 's', 'i', 't', 'i', 'o', 'n', '.',
	'd', 'i', 'g', 'e', 's', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("position: CBOR encoder initialization failed: " + err.Error())
	}
}

// digestFields is the canonical content covered by the digest. Field keys
// are integers so the encoding does not depend on Go field names.
type digestFields struct {
	AircraftID  string  `cbor:"1,keyasint"`
	Latitude    float64 `cbor:"2,keyasint"`
	Longitude   float64 `cbor:"3,keyasint"`
	Altitude    float64 `cbor:"4,keyasint"`
	GroundSpeed float64 `cbor:"5,keyasint"`
	Heading     float64 `cbor:"6,keyasint"`
	Recorded    int64   `cbor:"7,keyasint"`
}

// Digest returns the hex encoded keyed BLAKE3 hash of the physical fields
// and recorded timestamp. Equal content always yields an equal digest.
func Digest(p Position) string {
	data, err := encMode.Marshal(digestFields{
		AircraftID:  p.AircraftID,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		Altitude:    p.Altitude,
		GroundSpeed: p.GroundSpeed,
		Heading:     p.Heading,
		Recorded:    p.Recorded.UnixNano(),
	})
	if err != nil {
		// Only fixed-shape scalars are encoded here.
		panic("position: digest encoding failed: " + err.Error())
	}

	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("position: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}
