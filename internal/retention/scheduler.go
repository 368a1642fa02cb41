package retention

import (
	"context"
	"sync"
	"time"

	"github.com/yegors/co-atc-positions/internal/metrics"
	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/internal/retry"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

// Pruner deletes positions older than the retention window
type Pruner interface {
	Prune(ctx context.Context) (position.PruneResult, error)
}

// Scheduler runs the pruner once at start and then on a fixed interval
type Scheduler struct {
	pruner   Pruner
	interval time.Duration
	policy   retry.Policy
	metrics  *metrics.Metrics
	logger   *logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a retention scheduler
func NewScheduler(p Pruner, interval time.Duration, m *metrics.Metrics, log *logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		pruner:   p,
		interval: interval,
		policy:   retry.Policy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
		metrics:  m,
		logger:   log.Named("retention"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs a pass immediately, then one per interval
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting retention scheduler", logger.Duration("interval", s.interval))

	ctx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		s.RunOnce(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scheduler, interrupting a pass in progress
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.logger.Info("Retention scheduler stopped")
	})
}

// RunOnce prunes with retries. Failures are logged and counted; they never
// propagate to ingestion.
func (s *Scheduler) RunOnce(ctx context.Context) (position.PruneResult, error) {
	var result position.PruneResult
	err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		r, err := s.pruner.Prune(ctx)
		result.Deleted += r.Deleted
		result.Batches += r.Batches
		result.Duration += r.Duration
		if err != nil {
			s.logger.Warn("Prune attempt failed",
				logger.Int("attempt", attempt+1),
				logger.Error(err))
		}
		return err
	})

	s.metrics.Pruned.Add(float64(result.Deleted))
	if err != nil {
		s.metrics.PruneFailures.Inc()
		s.logger.Error("Retention pass failed", logger.Error(err))
		return result, err
	}
	return result, nil
}
