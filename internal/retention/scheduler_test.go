package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/co-atc-positions/internal/metrics"
	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/internal/retry"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

type fakePruner struct {
	mu    sync.Mutex
	calls int
	failN int // -1 fails forever
}

func (p *fakePruner) Prune(ctx context.Context) (position.PruneResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failN < 0 || p.calls <= p.failN {
		return position.PruneResult{}, errors.New("database is locked")
	}
	return position.PruneResult{Deleted: 7, Batches: 1, Duration: time.Millisecond}, nil
}

func (p *fakePruner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestScheduler(p Pruner, interval time.Duration) (*Scheduler, *metrics.Metrics) {
	m := metrics.NewUnregistered()
	s := NewScheduler(p, interval, m, logger.NewNop())
	s.policy = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return s, m
}

func TestRunOnceRetriesThenSucceeds(t *testing.T) {
	p := &fakePruner{failN: 2}
	s, m := newTestScheduler(p, time.Hour)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Deleted)
	assert.Equal(t, 3, p.callCount())
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Pruned))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PruneFailures))
}

func TestRunOnceCountsExhaustedFailure(t *testing.T) {
	p := &fakePruner{failN: -1}
	s, m := newTestScheduler(p, time.Hour)

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, p.callCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PruneFailures))
}

func TestStartRunsImmediatelyAndOnInterval(t *testing.T) {
	p := &fakePruner{}
	s, _ := newTestScheduler(p, 20*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return p.callCount() >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.callCount() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := newTestScheduler(&fakePruner{}, time.Hour)
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
