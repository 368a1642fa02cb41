package websocket

import (
	"context"
	"fmt"
	"time"

	"github.com/yegors/co-atc-positions/pkg/logger"
)

// SubscriptionHandler handles subscribe and unsubscribe requests
type SubscriptionHandler struct {
	hub     *Hub
	timeout time.Duration
	logger  *logger.Logger
}

// NewSubscriptionHandler creates the subscriber protocol handler
func NewSubscriptionHandler(hub *Hub, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		hub:     hub,
		timeout: 5 * time.Second,
		logger:  log.Named("ws-handler"),
	}
}

// HandleMessage handles incoming WebSocket messages
func (h *SubscriptionHandler) HandleMessage(client *Client, messageType string, data map[string]any) error {
	switch messageType {
	case MessageTypeSubscribe:
		return h.handleSubscribe(client, data)
	case MessageTypeUnsubscribe:
		return h.handleUnsubscribe(client, data)
	default:
		h.logger.Debug("Unhandled message type", logger.String("type", messageType))
		return h.hub.SendTo(client, errorMessage(fmt.Sprintf("unknown message type %q", messageType)))
	}
}

func (h *SubscriptionHandler) handleSubscribe(client *Client, data map[string]any) error {
	aircraftID, ok := aircraftIDFrom(data)
	if !ok {
		return h.hub.SendTo(client, errorMessage("aircraftId is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.logger.Debug("Client subscribed",
		logger.String("client_id", client.ID()),
		logger.String("aircraft_id", aircraftID))
	return h.hub.Subscribe(ctx, client, aircraftID)
}

func (h *SubscriptionHandler) handleUnsubscribe(client *Client, data map[string]any) error {
	aircraftID, ok := aircraftIDFrom(data)
	if !ok {
		return h.hub.SendTo(client, errorMessage("aircraftId is required"))
	}
	return h.hub.Unsubscribe(client, aircraftID)
}

func aircraftIDFrom(data map[string]any) (string, bool) {
	id, ok := data["aircraftId"].(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
