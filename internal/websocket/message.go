package websocket

import (
	"time"

	"github.com/yegors/co-atc-positions/internal/position"
)

// Message types exchanged with subscribers
const (
	MessageTypeSubscribe      = "subscribe"       // Client subscribes to an aircraft
	MessageTypeUnsubscribe    = "unsubscribe"     // Client drops a subscription
	MessageTypeSubscribed     = "subscribed"      // Server acknowledges subscribe
	MessageTypeUnsubscribed   = "unsubscribed"    // Server acknowledges unsubscribe
	MessageTypePositionUpdate = "position_update" // Server pushes a position
	MessageTypeError          = "error"           // Server rejects a client message
)

// Message is the envelope of every frame
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ClientMessage is an inbound frame
type ClientMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// PositionUpdate is the payload of a position_update message
type PositionUpdate struct {
	AircraftID      string    `json:"aircraftId"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Altitude        float64   `json:"altitude"`
	GroundSpeed     float64   `json:"groundSpeed"`
	Heading         float64   `json:"heading"`
	MagneticHeading float64   `json:"magneticHeading"`
	Recorded        time.Time `json:"recorded"`
}

// NewPositionUpdate wraps a position for delivery
func NewPositionUpdate(p position.Position) *Message {
	return &Message{
		Type: MessageTypePositionUpdate,
		Data: PositionUpdate{
			AircraftID:      p.AircraftID,
			Latitude:        p.Latitude,
			Longitude:       p.Longitude,
			Altitude:        p.Altitude,
			GroundSpeed:     p.GroundSpeed,
			Heading:         p.Heading,
			MagneticHeading: p.MagneticHeading,
			Recorded:        p.Recorded,
		},
	}
}

func subscriptionAck(messageType, aircraftID string) *Message {
	return &Message{
		Type: messageType,
		Data: map[string]any{"aircraftId": aircraftID},
	}
}

func errorMessage(reason string) *Message {
	return &Message{
		Type: MessageTypeError,
		Data: map[string]any{"error": reason},
	}
}
