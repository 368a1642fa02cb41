package ingest

import (
	"context"
	"time"

	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/internal/retry"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

// flushBuffer hands the buffered positions to the flusher. It blocks while
// the hand-off queue is full, unless the pipeline is stopping, in which case
// the batch is set aside for Stop.
func (p *Pipeline) flushBuffer() {
	if len(p.buffer) == 0 {
		return
	}
	batch := p.buffer
	p.buffer = make([]position.Position, 0, p.opts.BatchSize)

	if len(p.stranded) == 0 {
		select {
		case p.batches <- batch:
			return
		case <-p.stopping:
		}
	}
	p.stranded = append(p.stranded, batch)
}

// handOffStranded queues the batches set aside during shutdown. Whatever
// does not fit before ctx ends is data loss.
func (p *Pipeline) handOffStranded(ctx context.Context) {
	for i, batch := range p.stranded {
		select {
		case p.batches <- batch:
			continue
		case <-ctx.Done():
		}

		lost := 0
		for _, b := range p.stranded[i:] {
			lost += len(b)
		}
		p.metrics.DataLoss.Add(float64(lost))
		p.logger.Error("Dropped batches that could not be queued before shutdown",
			logger.Int("batches", len(p.stranded)-i),
			logger.Int("positions", lost))
		break
	}
	p.stranded = nil
}

func (p *Pipeline) flusher() {
	defer close(p.flushDone)
	for batch := range p.batches {
		p.persist(batch)
	}
}

// persist saves one batch, retrying with backoff. A batch that still fails
// after the retry budget is dropped and counted as data loss.
func (p *Pipeline) persist(batch []position.Position) {
	policy := retry.Policy{
		Attempts:  p.opts.FlushRetries,
		BaseDelay: p.opts.FlushRetryBase,
		MaxDelay:  p.opts.FlushRetryMax,
	}

	start := time.Now()
	var saved []position.Position
	err := retry.Do(p.flushCtx, policy, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			p.metrics.FlushRetries.Inc()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.FlushTimeout)
		defer cancel()

		var err error
		saved, err = p.store.SaveBatch(attemptCtx, batch)
		if err != nil {
			p.logger.Warn("Batch flush attempt failed",
				logger.Int("attempt", attempt+1),
				logger.Int("size", len(batch)),
				logger.Error(err))
		}
		return err
	})
	p.metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		p.metrics.DataLoss.Add(float64(len(batch)))
		p.logger.Error("Dropped batch after exhausting flush retries",
			logger.Int("size", len(batch)),
			logger.Error(err))
		return
	}

	p.metrics.Persisted.Add(float64(len(saved)))
	p.logger.Debug("Flushed batch",
		logger.Int("size", len(batch)),
		logger.Int("saved", len(saved)),
		logger.Duration("took", time.Since(start)))

	if p.mirror != nil && len(saved) > 0 {
		// Mirror failures are logged and counted by the mirror itself
		_ = p.mirror.Write(p.flushCtx, saved)
	}
}
