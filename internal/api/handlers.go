package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/co-atc-positions/internal/ingest"
	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

// LatestReader resolves the most recent position of an aircraft
type LatestReader interface {
	Latest(ctx context.Context, aircraftID string) (*position.Position, error)
}

// HistoryStore serves history pages and store health
type HistoryStore interface {
	History(ctx context.Context, q position.HistoryQuery) (position.HistoryPage, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// PipelineControl exposes the ingestion state machine
type PipelineControl interface {
	Status() ingest.Status
	Restart() error
}

// SubscriberCounter reports connected subscribers
type SubscriberCounter interface {
	ClientCount() int
}

// Handler contains the API handlers
type Handler struct {
	latest      LatestReader
	store       HistoryStore
	pipeline    PipelineControl
	subscribers SubscriberCounter
	timeout     time.Duration
	logger      *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(latest LatestReader, store HistoryStore, pipeline PipelineControl, subscribers SubscriberCounter, logger *logger.Logger) *Handler {
	return &Handler{
		latest:      latest,
		store:       store,
		pipeline:    pipeline,
		subscribers: subscribers,
		timeout:     5 * time.Second,
		logger:      logger.Named("api-handler"),
	}
}

// GetLatestPosition returns the most recent position of one aircraft
func (h *Handler) GetLatestPosition(w http.ResponseWriter, r *http.Request) {
	aircraftID := chi.URLParam(r, "aircraftId")
	if aircraftID == "" {
		http.Error(w, "Missing aircraft ID", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	pos, err := h.latest.Latest(ctx, aircraftID)
	if err != nil {
		if errors.Is(err, position.ErrNotFound) {
			http.Error(w, "Aircraft not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to get latest position",
			logger.Error(err),
			logger.String("aircraft_id", aircraftID))
		http.Error(w, "Failed to get latest position", http.StatusInternalServerError)
		return
	}

	WriteJSON(w, http.StatusOK, pos)
}

// GetPositionHistory returns one page of an aircraft's positions, oldest first
func (h *Handler) GetPositionHistory(w http.ResponseWriter, r *http.Request) {
	aircraftID := chi.URLParam(r, "aircraftId")
	if aircraftID == "" {
		http.Error(w, "Missing aircraft ID", http.StatusBadRequest)
		return
	}

	q, err := parseHistoryQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q.AircraftID = aircraftID

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	page, err := h.store.History(ctx, q)
	if err != nil {
		switch {
		case errors.Is(err, position.ErrInvalidRange),
			errors.Is(err, position.ErrBeyondRetention),
			errors.Is(err, position.ErrInvalidQuery):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			h.logger.Error("Failed to get position history",
				logger.Error(err),
				logger.String("aircraft_id", aircraftID))
			http.Error(w, "Failed to get position history", http.StatusInternalServerError)
		}
		return
	}

	if page.Positions == nil {
		page.Positions = []position.Position{}
	}
	WriteJSON(w, http.StatusOK, page)
}

// parseHistoryQuery reads from/to (RFC3339) and page/limit from the query string.
// Absent values are left zero so the store applies its defaults.
func parseHistoryQuery(r *http.Request) (position.HistoryQuery, error) {
	var q position.HistoryQuery
	values := r.URL.Query()

	if s := values.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, fmt.Errorf("%w: from must be RFC3339", position.ErrInvalidQuery)
		}
		q.From = t
	}
	if s := values.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, fmt.Errorf("%w: to must be RFC3339", position.ErrInvalidQuery)
		}
		q.To = t
	}
	if s := values.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, fmt.Errorf("%w: page must be an integer", position.ErrInvalidQuery)
		}
		q.Page = n
	}
	if s := values.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, fmt.Errorf("%w: limit must be an integer", position.ErrInvalidQuery)
		}
		q.Limit = n
	}
	return q, nil
}

// GetHealth returns the health status of the API
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := h.pipeline.Status()
	healthy := status.State != ingest.StateFailed

	response := map[string]interface{}{
		"pipeline_state": status.State,
		"subscribers":    h.subscribers.ClientCount(),
	}

	if err := h.store.Ping(ctx); err != nil {
		healthy = false
		response["store"] = err.Error()
	} else {
		response["store"] = "ok"
		if n, err := h.store.Count(ctx); err == nil {
			response["stored_positions"] = n
		}
	}

	code := http.StatusOK
	response["status"] = "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		response["status"] = "degraded"
	}

	WriteJSON(w, code, response)
}

// GetPipelineStatus returns the ingestion state machine snapshot
func (h *Handler) GetPipelineStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.pipeline.Status())
}

// RestartPipeline moves a FAILED pipeline back to CONNECTING
func (h *Handler) RestartPipeline(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.Restart(); err != nil {
		if errors.Is(err, ingest.ErrNotFailed) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("Failed to restart pipeline", logger.Error(err))
		http.Error(w, "Failed to restart pipeline", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Pipeline restart requested", logger.String("remote", r.RemoteAddr))
	WriteJSON(w, http.StatusAccepted, h.pipeline.Status())
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
