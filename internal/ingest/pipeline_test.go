package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/co-atc-positions/internal/cache"
	"github.com/yegors/co-atc-positions/internal/feed"
	"github.com/yegors/co-atc-positions/internal/metrics"
	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/internal/retry"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// --- fakes ---

type fakeFrame struct {
	format feed.Format
	data   []byte
}

type fakeConn struct {
	frames   chan fakeFrame
	closed   chan struct{}
	once     sync.Once
	pings    atomic.Int32
	mu       sync.Mutex
	activity func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan fakeFrame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (feed.Format, []byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return 0, nil, io.EOF
		}
		return f.format, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Ping(time.Duration) error {
	c.pings.Add(1)
	return nil
}

func (c *fakeConn) SetActivityHandler(fn func()) {
	c.mu.Lock()
	c.activity = fn
	c.mu.Unlock()
}

func (c *fakeConn) pong() {
	c.mu.Lock()
	fn := c.activity
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(payload string) {
	c.frames <- fakeFrame{format: feed.FormatJSON, data: []byte(payload)}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  atomic.Bool
	dials atomic.Int32

	// prime, when set, runs on each new connection before Dial returns
	prime func(n int32, c *fakeConn)
}

func (d *fakeDialer) Dial(ctx context.Context) (feed.Conn, error) {
	n := d.dials.Add(1)
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	if d.prime != nil {
		d.prime(n, c)
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) URL() string { return "ws://fake/feed" }

func (d *fakeDialer) current(t *testing.T) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.conns) == 0 {
			return false
		}
		c = d.conns[len(d.conns)-1]
		return true
	}, waitFor, tick)
	return c
}

type fakeStore struct {
	mu      sync.Mutex
	batches [][]position.Position
	calls   int
	failN   int // fail this many calls before succeeding; -1 fails forever
	hang    bool
}

func (s *fakeStore) SaveBatch(ctx context.Context, positions []position.Position) ([]position.Position, error) {
	s.mu.Lock()
	s.calls++
	if s.hang {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer s.mu.Unlock()
	if s.failN < 0 || s.calls <= s.failN {
		return nil, errors.New("database is locked")
	}
	s.batches = append(s.batches, positions)
	return positions, nil
}

func (s *fakeStore) saved() []position.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []position.Position
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakePublisher struct {
	mu        sync.Mutex
	published []position.Position
}

func (p *fakePublisher) Publish(ctx context.Context, pos position.Position) {
	p.mu.Lock()
	p.published = append(p.published, pos)
	p.mu.Unlock()
}

func (p *fakePublisher) all() []position.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]position.Position(nil), p.published...)
}

type fakeMirror struct {
	mu     sync.Mutex
	writes int
}

func (m *fakeMirror) Write(ctx context.Context, positions []position.Position) error {
	m.mu.Lock()
	m.writes++
	m.mu.Unlock()
	return nil
}

// --- harness ---

type harness struct {
	p         *Pipeline
	dialer    *fakeDialer
	store     *fakeStore
	publisher *fakePublisher
	cache     *cache.Cache
	metrics   *metrics.Metrics
}

func testOptions() Options {
	return Options{
		LivenessWindow: time.Minute,
		ProbeTimeout:   time.Minute,
		Backoff:        retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		BatchSize:      100,
		FlushInterval:  20 * time.Millisecond,
		FlushRetries:   3,
		FlushTimeout:   time.Second,
		FlushRetryBase: time.Millisecond,
		FlushRetryMax:  2 * time.Millisecond,
		DedupWindow:    5 * time.Second,
	}
}

func newHarness(t *testing.T, opts Options, store *fakeStore) *harness {
	t.Helper()
	if store == nil {
		store = &fakeStore{}
	}
	h := &harness{
		dialer:    &fakeDialer{},
		store:     store,
		publisher: &fakePublisher{},
		cache:     cache.New(time.Minute, logger.NewNop()),
		metrics:   metrics.NewUnregistered(),
	}
	h.p = New(Deps{
		Dialer:    h.dialer,
		Cache:     h.cache,
		Store:     h.store,
		Publisher: h.publisher,
		Metrics:   h.metrics,
		Logger:    logger.NewNop(),
	}, opts)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.p.Start(context.Background()))
	t.Cleanup(h.p.Stop)
}

func (h *harness) waitState(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.p.Status().State == s }, waitFor, tick,
		"expected state %s, have %s", s, h.p.Status().State)
}

func sampleJSON(id string, lat float64, recorded time.Time) string {
	return fmt.Sprintf(`{"aircraftId":%q,"lat":%v,"lon":-71.06,"alt":35000,"speed":450,"heading":90,"timestamp":%q}`,
		id, lat, recorded.UTC().Format(time.RFC3339Nano))
}

// --- tests ---

func TestScenarioA1AcceptedPersistedAndPublished(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	h.start(t)
	h.waitState(t, StateConnected)

	h.dialer.current(t).send(sampleJSON("A1", 42.36, time.Now()))

	require.Eventually(t, func() bool { return len(h.store.saved()) == 1 }, waitFor, tick)

	saved := h.store.saved()[0]
	assert.Equal(t, "A1", saved.AircraftID)
	assert.Equal(t, 42.36, saved.Latitude)
	assert.Equal(t, -71.06, saved.Longitude)
	assert.Equal(t, 35000.0, saved.Altitude)
	assert.Equal(t, 450.0, saved.GroundSpeed)
	assert.Equal(t, 90.0, saved.Heading)
	assert.Equal(t, "feed", saved.Source)
	assert.Len(t, saved.Digest, 64)

	published := h.publisher.all()
	require.Len(t, published, 1)
	assert.Equal(t, saved.ID, published[0].ID)

	cached, ok := h.cache.Get("A1")
	require.True(t, ok)
	assert.Equal(t, saved.ID, cached.ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Received))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Accepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Persisted))
}

func TestOutOfRangeLatitudeIsRejected(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	h.start(t)
	h.waitState(t, StateConnected)

	conn := h.dialer.current(t)
	conn.send(sampleJSON("A1", 200, time.Now()))

	rejected := h.metrics.Rejected.WithLabelValues("coordinates_out_of_range")
	require.Eventually(t, func() bool { return testutil.ToFloat64(rejected) == 1 }, waitFor, tick)

	// Give any erroneous flush a chance to happen
	time.Sleep(3 * testOptions().FlushInterval)
	assert.Empty(t, h.store.saved())
	assert.Empty(t, h.publisher.all())
	_, ok := h.cache.Get("A1")
	assert.False(t, ok)
}

func TestStaleSampleIsRejected(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	h.start(t)
	h.waitState(t, StateConnected)

	h.dialer.current(t).send(sampleJSON("A1", 42.36, time.Now().Add(-time.Minute)))

	stale := h.metrics.Rejected.WithLabelValues("stale")
	require.Eventually(t, func() bool { return testutil.ToFloat64(stale) == 1 }, waitFor, tick)
	assert.Empty(t, h.publisher.all())
}

func TestMalformedFrameIsCountedAndConnectionKept(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	h.start(t)
	h.waitState(t, StateConnected)

	conn := h.dialer.current(t)
	conn.send(`{"aircraftId":`)
	conn.send(sampleJSON("A1", 42.36, time.Now()))

	require.Eventually(t, func() bool { return len(h.store.saved()) == 1 }, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DecodeErrors))
	assert.Equal(t, StateConnected, h.p.Status().State)
	assert.Equal(t, int32(1), h.dialer.dials.Load())
}

func TestDuplicateWithinWindowIsNotPersistedOrPublished(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	h.start(t)
	h.waitState(t, StateConnected)

	now := time.Now()
	conn := h.dialer.current(t)
	conn.send(sampleJSON("A1", 42.36, now.Add(-time.Second)))
	conn.send(sampleJSON("A1", 42.36, now))

	require.Eventually(t, func() bool { return testutil.ToFloat64(h.metrics.Deduplicated) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.store.saved()) == 1 }, waitFor, tick)

	time.Sleep(3 * testOptions().FlushInterval)
	assert.Len(t, h.store.saved(), 1)
	assert.Len(t, h.publisher.all(), 1)
}

func TestChangedPositionInsideWindowIsKept(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	h.start(t)
	h.waitState(t, StateConnected)

	now := time.Now()
	conn := h.dialer.current(t)
	conn.send(sampleJSON("A1", 42.36, now.Add(-time.Second)))
	conn.send(sampleJSON("A1", 42.37, now))

	require.Eventually(t, func() bool { return len(h.store.saved()) == 2 }, waitFor, tick)
	assert.Len(t, h.publisher.all(), 2)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Deduplicated))
}

func TestFlushWhenBatchIsFull(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 3
	opts.FlushInterval = time.Hour
	h := newHarness(t, opts, nil)
	h.start(t)
	h.waitState(t, StateConnected)

	conn := h.dialer.current(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		conn.send(sampleJSON(fmt.Sprintf("AC%d", i), 42.36, now))
	}

	require.Eventually(t, func() bool { return h.store.batchCount() == 1 }, waitFor, tick)
	assert.Len(t, h.store.saved(), 3)
}

func TestFlushAfterInterval(t *testing.T) {
	opts := testOptions()
	opts.FlushInterval = 30 * time.Millisecond
	h := newHarness(t, opts, nil)
	h.start(t)
	h.waitState(t, StateConnected)

	h.dialer.current(t).send(sampleJSON("A1", 42.36, time.Now()))

	require.Eventually(t, func() bool { return h.store.batchCount() == 1 }, waitFor, tick)
}

func TestFlushRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, testOptions(), &fakeStore{failN: 2})
	h.start(t)
	h.waitState(t, StateConnected)

	h.dialer.current(t).send(sampleJSON("A1", 42.36, time.Now()))

	require.Eventually(t, func() bool { return len(h.store.saved()) == 1 }, waitFor, tick)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.FlushRetries))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.DataLoss))
}

func TestExhaustedFlushIsDataLossAndIngestionContinues(t *testing.T) {
	store := &fakeStore{failN: -1}
	h := newHarness(t, testOptions(), store)
	h.start(t)
	h.waitState(t, StateConnected)

	conn := h.dialer.current(t)
	conn.send(sampleJSON("A1", 42.36, time.Now()))
	require.Eventually(t, func() bool { return testutil.ToFloat64(h.metrics.DataLoss) == 1 }, waitFor, tick)

	conn.send(sampleJSON("B2", 10, time.Now()))
	require.Eventually(t, func() bool { return testutil.ToFloat64(h.metrics.DataLoss) == 2 }, waitFor, tick)

	assert.Equal(t, 2*testOptions().FlushRetries, store.callCount())
	assert.Equal(t, StateConnected, h.p.Status().State)
	assert.Len(t, h.publisher.all(), 2)
}

func TestStopDrainsBuffer(t *testing.T) {
	opts := testOptions()
	opts.FlushInterval = time.Hour
	h := newHarness(t, opts, nil)
	require.NoError(t, h.p.Start(context.Background()))
	h.waitState(t, StateConnected)

	conn := h.dialer.current(t)
	now := time.Now()
	conn.send(sampleJSON("A1", 42.36, now))
	conn.send(sampleJSON("B2", 10, now))
	require.Eventually(t, func() bool { return testutil.ToFloat64(h.metrics.Accepted) == 2 }, waitFor, tick)

	h.p.Stop()
	assert.Len(t, h.store.saved(), 2)
	assert.Equal(t, StateDisconnected, h.p.Status().State)

	select {
	case <-conn.closed:
	default:
		t.Fatal("upstream connection was not closed")
	}

	// Idempotent
	h.p.Stop()
}

func TestMirrorReceivesSavedBatches(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	mirror := &fakeMirror{}
	h.p.mirror = mirror
	h.start(t)
	h.waitState(t, StateConnected)

	h.dialer.current(t).send(sampleJSON("A1", 42.36, time.Now()))

	require.Eventually(t, func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		return mirror.writes == 1
	}, waitFor, tick)
}

func TestMotionCheckRejectsTeleport(t *testing.T) {
	opts := testOptions()
	opts.MotionCheck = true
	h := newHarness(t, opts, nil)
	h.start(t)
	h.waitState(t, StateConnected)

	now := time.Now()
	conn := h.dialer.current(t)
	conn.send(sampleJSON("A1", 42.36, now.Add(-2*time.Second)))
	conn.send(sampleJSON("A1", 45.00, now))

	motion := h.metrics.Rejected.WithLabelValues("inconsistent_motion")
	require.Eventually(t, func() bool { return testutil.ToFloat64(motion) == 1 }, waitFor, tick)
	assert.Len(t, h.publisher.all(), 1)
}

func TestSilenceDegradesAndPongRecovers(t *testing.T) {
	opts := testOptions()
	opts.LivenessWindow = 100 * time.Millisecond
	opts.ProbeTimeout = time.Minute
	h := newHarness(t, opts, nil)
	h.start(t)

	conn := h.dialer.current(t)
	h.waitState(t, StateDegraded)
	assert.GreaterOrEqual(t, conn.pings.Load(), int32(1))

	conn.pong()
	h.waitState(t, StateConnected)
	assert.Equal(t, int32(1), h.dialer.dials.Load())
}

func TestFrameRecoversDegradedConnection(t *testing.T) {
	opts := testOptions()
	opts.LivenessWindow = 100 * time.Millisecond
	opts.ProbeTimeout = time.Minute
	h := newHarness(t, opts, nil)
	h.start(t)

	conn := h.dialer.current(t)
	h.waitState(t, StateDegraded)

	conn.send(sampleJSON("A1", 42.36, time.Now()))
	h.waitState(t, StateConnected)
	require.Eventually(t, func() bool { return len(h.store.saved()) == 1 }, waitFor, tick)
}

func TestUnansweredProbeReconnects(t *testing.T) {
	opts := testOptions()
	opts.LivenessWindow = 20 * time.Millisecond
	opts.ProbeTimeout = 20 * time.Millisecond
	h := newHarness(t, opts, nil)
	h.start(t)

	require.Eventually(t, func() bool { return h.dialer.dials.Load() >= 2 }, waitFor, tick)
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.Reconnects), 1.0)
	assert.Contains(t, h.p.Status().LastError, "liveness probe")
}

func TestDroppedConnectionReconnectsAndResumes(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	h.start(t)
	h.waitState(t, StateConnected)

	first := h.dialer.current(t)
	first.send(sampleJSON("A1", 42.36, time.Now()))
	require.Eventually(t, func() bool { return len(h.store.saved()) == 1 }, waitFor, tick)

	// Upstream goes away
	close(first.frames)

	require.Eventually(t, func() bool { return h.dialer.dials.Load() == 2 }, waitFor, tick)
	h.waitState(t, StateConnected)
	assert.Equal(t, 0, h.p.Status().Attempts)

	h.dialer.current(t).send(sampleJSON("B2", 10, time.Now()))
	require.Eventually(t, func() bool { return len(h.store.saved()) == 2 }, waitFor, tick)
}

func TestUpstreamCloseKeepsQueuedFrames(t *testing.T) {
	const n = 10
	h := newHarness(t, testOptions(), nil)

	// Everything is already queued when the upstream hangs up
	now := time.Now()
	h.dialer.prime = func(dial int32, c *fakeConn) {
		if dial != 1 {
			return
		}
		for i := 0; i < n; i++ {
			c.send(sampleJSON(fmt.Sprintf("A%d", i), 42.36, now))
		}
		close(c.frames)
	}
	h.start(t)

	require.Eventually(t, func() bool { return h.dialer.dials.Load() >= 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.store.saved()) == n }, waitFor, tick)
	assert.Equal(t, float64(n), testutil.ToFloat64(h.metrics.Received))
	assert.Equal(t, float64(n), testutil.ToFloat64(h.metrics.Accepted))

	saved := h.store.saved()
	published := h.publisher.all()
	require.Len(t, published, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("A%d", i)
		assert.Equal(t, id, saved[i].AircraftID)
		assert.Equal(t, id, published[i].AircraftID)
	}
	assert.Contains(t, h.p.Status().LastError, io.EOF.Error())
}

func TestStopDoesNotWaitOnHungStore(t *testing.T) {
	opts := testOptions()
	opts.BatchSize = 1
	opts.QueueSize = 1
	opts.FlushRetries = 1
	opts.FlushTimeout = time.Minute
	opts.DrainTimeout = 50 * time.Millisecond
	store := &fakeStore{hang: true}
	h := newHarness(t, opts, store)
	require.NoError(t, h.p.Start(context.Background()))
	h.waitState(t, StateConnected)

	// One batch in the store, one queued, one waiting for queue room
	conn := h.dialer.current(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		conn.send(sampleJSON(fmt.Sprintf("A%d", i), 42.36, now))
	}
	require.Eventually(t, func() bool { return testutil.ToFloat64(h.metrics.Accepted) == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return store.callCount() == 1 }, waitFor, tick)
	time.Sleep(10 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		h.p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Stop blocked on a hung store")
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.DataLoss))
	assert.Empty(t, store.saved())
}

func TestFailedAfterMaxAttemptsThenRestart(t *testing.T) {
	opts := testOptions()
	opts.MaxReconnectAttempts = 3
	h := newHarness(t, opts, nil)
	h.dialer.fail.Store(true)

	assert.ErrorIs(t, h.p.Restart(), ErrNotFailed)

	h.start(t)
	h.waitState(t, StateFailed)

	status := h.p.Status()
	assert.Equal(t, 3, status.Attempts)
	assert.Contains(t, status.LastError, "connection refused")
	assert.Equal(t, int32(3), h.dialer.dials.Load())
	assert.Equal(t, float64(StateFailed), testutil.ToFloat64(h.metrics.PipelineState))

	// Stays failed without intervention
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), h.dialer.dials.Load())

	h.dialer.fail.Store(false)
	require.NoError(t, h.p.Restart())
	h.waitState(t, StateConnected)
	assert.Equal(t, 0, h.p.Status().Attempts)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	h.start(t)
	assert.ErrorIs(t, h.p.Start(context.Background()), ErrAlreadyStarted)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "FAILED", StateFailed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())

	text, err := StateDegraded.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "DEGRADED", string(text))
}

// The upstream is a real websocket server that hangs up after every message
func TestWebsocketFeedDropAndReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var served atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := served.Add(1)
		id := fmt.Sprintf("WS%d", n)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(sampleJSON(id, 42.36, time.Now())))
		if n >= 2 {
			// Keep the second connection open until the test ends
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		conn.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	store := &fakeStore{}
	m := metrics.NewUnregistered()
	p := New(Deps{
		Dialer:  feed.NewClient(url, time.Second, logger.NewNop()),
		Cache:   cache.New(time.Minute, logger.NewNop()),
		Store:   store,
		Metrics: m,
		Logger:  logger.NewNop(),
	}, testOptions())

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	require.Eventually(t, func() bool { return len(store.saved()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return p.Status().State == StateConnected }, waitFor, tick)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Reconnects), 1.0)

	ids := map[string]bool{}
	for _, pos := range store.saved() {
		ids[pos.AircraftID] = true
	}
	assert.True(t, ids["WS1"])
	assert.True(t, ids["WS2"])
}
