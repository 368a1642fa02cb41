package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yegors/co-atc-positions/pkg/logger"
)

// Router wires the query API, metrics and subscriber websocket onto one chi mux
type Router struct {
	handler  *Handler
	ws       http.HandlerFunc
	gatherer prometheus.Gatherer
	logger   *logger.Logger
}

// NewRouter creates a new router
func NewRouter(handler *Handler, ws http.HandlerFunc, gatherer prometheus.Gatherer, log *logger.Logger) *Router {
	return &Router{
		handler:  handler,
		ws:       ws,
		gatherer: gatherer,
		logger:   log.Named("api-router"),
	}
}

// Routes returns the HTTP handler
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(rt.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", rt.handler.GetHealth)

		r.Route("/aircraft/{aircraftId}", func(r chi.Router) {
			r.Get("/latest", rt.handler.GetLatestPosition)
			r.Get("/history", rt.handler.GetPositionHistory)
		})

		r.Route("/pipeline", func(r chi.Router) {
			r.Get("/status", rt.handler.GetPipelineStatus)
			r.Post("/restart", rt.handler.RestartPipeline)
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))

	// The websocket route stays outside the timeout middleware
	if rt.ws != nil {
		r.Get("/ws", rt.ws)
	}

	return r
}

func (rt *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		rt.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", ww.Status()),
			logger.Int("bytes", ww.BytesWritten()),
			logger.Duration("duration", time.Since(start)),
			logger.String("request_id", middleware.GetReqID(r.Context())))
	})
}
