package influx

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/yegors/co-atc-positions/internal/config"
	"github.com/yegors/co-atc-positions/internal/metrics"
	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

const measurement = "aircraft_position"

// Mirror copies saved positions into an InfluxDB bucket. It is a secondary
// sink: failures are logged and counted, never retried.
type Mirror struct {
	client  influxdb2.Client
	writer  api.WriteAPIBlocking
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// New connects to the InfluxDB server described by cfg
func New(cfg config.InfluxConfig, m *metrics.Metrics, log *logger.Logger) *Mirror {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	mirror := NewWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), m, log)
	mirror.client = client

	mirror.logger.Info("InfluxDB mirror enabled",
		logger.String("url", cfg.URL),
		logger.String("org", cfg.Org),
		logger.String("bucket", cfg.Bucket))
	return mirror
}

// NewWithWriter builds a mirror around an existing write API
func NewWithWriter(w api.WriteAPIBlocking, m *metrics.Metrics, log *logger.Logger) *Mirror {
	return &Mirror{
		writer:  w,
		logger:  log.Named("influx"),
		metrics: m,
	}
}

// Write sends one point per position
func (m *Mirror) Write(ctx context.Context, positions []position.Position) error {
	if len(positions) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(positions))
	for _, p := range positions {
		points = append(points, toPoint(p))
	}

	if err := m.writer.WritePoint(ctx, points...); err != nil {
		m.metrics.InfluxErrors.Inc()
		m.logger.Warn("Failed to mirror positions to InfluxDB",
			logger.Int("count", len(points)),
			logger.Error(err))
		return fmt.Errorf("failed to write %d points: %w", len(points), err)
	}
	return nil
}

// Close releases the underlying client, if this mirror owns one
func (m *Mirror) Close() {
	if m.client != nil {
		m.client.Close()
	}
}

func toPoint(p position.Position) *write.Point {
	return influxdb2.NewPoint(
		measurement,
		map[string]string{
			"aircraft_id": p.AircraftID,
			"source":      p.Source,
		},
		map[string]interface{}{
			"latitude":         p.Latitude,
			"longitude":        p.Longitude,
			"altitude":         p.Altitude,
			"ground_speed":     p.GroundSpeed,
			"heading":          p.Heading,
			"magnetic_heading": p.MagneticHeading,
			"digest":           p.Digest,
		},
		p.Recorded,
	)
}
