package ingest

import (
	"context"

	"github.com/yegors/co-atc-positions/internal/physics"
	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/internal/validation"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

// handleFrame decodes one feed frame and runs every sample it carries
// through the update path
func (p *Pipeline) handleFrame(ctx context.Context, f frame) {
	samples, errs := p.decoder.DecodeFrame(f.format, f.data, f.arrived)
	for _, err := range errs {
		p.metrics.DecodeErrors.Inc()
		p.logger.Debug("Dropped malformed feed message",
			logger.String("format", f.format.String()),
			logger.Error(err))
	}
	for _, s := range samples {
		p.process(ctx, s)
	}
}

// process validates a sample, promotes it and, unless it duplicates the
// cached position, caches, buffers and publishes it
func (p *Pipeline) process(ctx context.Context, s position.Sample) {
	p.metrics.Received.Inc()

	if res := p.validator.Validate(s); !res.Accepted {
		p.reject(s, res.Reason)
		return
	}

	if p.motion != nil {
		if prev, ok := p.cache.Get(s.AircraftID); ok {
			if res := p.motion.Check(prev, s); !res.Accepted {
				p.reject(s, res.Reason)
				return
			}
		}
	}

	pos := position.New(s, p.opts.SourceTag, p.now())
	pos.MagneticHeading = physics.MagneticHeading(pos.Heading, pos.Latitude, pos.Longitude, pos.Altitude, pos.Recorded)
	p.metrics.Accepted.Inc()

	if p.cache.IsDuplicate(pos, p.opts.DedupWindow) {
		p.metrics.Deduplicated.Inc()
		return
	}

	p.cache.Set(pos.AircraftID, pos)

	p.buffer = append(p.buffer, pos)
	if len(p.buffer) >= p.opts.BatchSize {
		p.flushBuffer()
	}

	if p.publisher != nil {
		p.publisher.Publish(ctx, pos)
	}
}

func (p *Pipeline) reject(s position.Sample, reason validation.Reason) {
	p.metrics.Rejected.WithLabelValues(string(reason)).Inc()
	p.logger.Debug("Rejected sample",
		logger.String("aircraft_id", s.AircraftID),
		logger.String("reason", string(reason)))
}
