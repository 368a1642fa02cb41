package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yegors/co-atc-positions/internal/cache"
	"github.com/yegors/co-atc-positions/internal/config"
	"github.com/yegors/co-atc-positions/internal/feed"
	"github.com/yegors/co-atc-positions/internal/metrics"
	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/internal/retry"
	"github.com/yegors/co-atc-positions/internal/validation"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

var (
	// ErrNotFailed is returned by Restart when the pipeline is not in FAILED
	ErrNotFailed = errors.New("pipeline is not in FAILED state")

	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("pipeline already started")

	errProbeTimeout = errors.New("no response to liveness probe")
)

// Dialer opens upstream feed connections
type Dialer interface {
	Dial(ctx context.Context) (feed.Conn, error)
	URL() string
}

// Store persists batches of accepted positions
type Store interface {
	SaveBatch(ctx context.Context, positions []position.Position) ([]position.Position, error)
}

// Mirror receives a copy of every saved batch
type Mirror interface {
	Write(ctx context.Context, positions []position.Position) error
}

// Publisher delivers accepted positions to live subscribers
type Publisher interface {
	Publish(ctx context.Context, pos position.Position)
}

// Options tunes the pipeline
type Options struct {
	SourceTag string

	LivenessWindow       time.Duration
	ProbeTimeout         time.Duration
	Backoff              retry.Policy // Attempts is unused; see MaxReconnectAttempts
	MaxReconnectAttempts int          // 0 retries forever

	BatchSize      int
	FlushInterval  time.Duration
	FlushRetries   int
	FlushTimeout   time.Duration
	FlushRetryBase time.Duration
	FlushRetryMax  time.Duration
	QueueSize      int
	DrainTimeout   time.Duration

	DedupWindow        time.Duration
	MotionCheck        bool
	MaxImpliedSpeedKts float64
}

// OptionsFromConfig maps validated configuration onto pipeline options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SourceTag:      cfg.Feed.SourceTag,
		LivenessWindow: cfg.Feed.LivenessWindow(),
		ProbeTimeout:   cfg.Feed.ProbeTimeout(),
		Backoff: retry.Policy{
			BaseDelay: cfg.Feed.BackoffBase(),
			MaxDelay:  cfg.Feed.BackoffMax(),
		},
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		BatchSize:            cfg.Ingest.BatchSize,
		FlushInterval:        cfg.Ingest.FlushInterval(),
		FlushRetries:         cfg.Ingest.FlushRetries,
		FlushTimeout:         cfg.Ingest.FlushTimeout(),
		QueueSize:            cfg.Ingest.QueueSize,
		DedupWindow:          cfg.Cache.DedupWindow(),
		MotionCheck:          cfg.Validation.MotionCheck,
		MaxImpliedSpeedKts:   cfg.Validation.MaxImpliedSpeedKts,
	}
}

func (o Options) withDefaults() Options {
	if o.SourceTag == "" {
		o.SourceTag = "feed"
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.Backoff.BaseDelay <= 0 {
		o.Backoff.BaseDelay = time.Second
	}
	if o.Backoff.MaxDelay <= 0 {
		o.Backoff.MaxDelay = time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.FlushRetries <= 0 {
		o.FlushRetries = 5
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.FlushRetryBase <= 0 {
		o.FlushRetryBase = 100 * time.Millisecond
	}
	if o.FlushRetryMax <= 0 {
		o.FlushRetryMax = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 16
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = o.FlushTimeout
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Second
	}
	if o.MaxImpliedSpeedKts <= 0 {
		o.MaxImpliedSpeedKts = 1200
	}
	return o
}

// Deps are the collaborators the pipeline drives. Mirror and Publisher may be nil.
type Deps struct {
	Dialer    Dialer
	Decoder   *feed.Decoder
	Validator *validation.Validator
	Cache     *cache.Cache
	Store     Store
	Mirror    Mirror
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// Pipeline owns the upstream connection. A single goroutine reads, decodes,
// validates and buffers samples in arrival order; a second goroutine
// persists the batches it hands off.
type Pipeline struct {
	dialer    Dialer
	decoder   *feed.Decoder
	validator *validation.Validator
	motion    *validation.MotionChecker
	cache     *cache.Cache
	store     Store
	mirror    Mirror
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *logger.Logger
	opts      Options
	now       func() time.Time

	mu       sync.RWMutex
	status   Status
	started  bool
	stopOnce sync.Once

	restartCh chan struct{}

	// owned by the run goroutine until runDone
	buffer   []position.Position
	stranded [][]position.Position

	batches     chan []position.Position
	flushCtx    context.Context
	flushCancel context.CancelFunc
	flushDone   chan struct{}

	stopping chan struct{}
	cancel   context.CancelFunc
	runDone  chan struct{}
}

// New creates a pipeline. Call Start to connect.
func New(deps Deps, opts Options) *Pipeline {
	opts = opts.withDefaults()

	p := &Pipeline{
		dialer:    deps.Dialer,
		decoder:   deps.Decoder,
		validator: deps.Validator,
		cache:     deps.Cache,
		store:     deps.Store,
		mirror:    deps.Mirror,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger.Named("ingest"),
		opts:      opts,
		now:       time.Now,
		restartCh: make(chan struct{}, 1),
		buffer:    make([]position.Position, 0, opts.BatchSize),
		batches:   make(chan []position.Position, opts.QueueSize),
		flushDone: make(chan struct{}),
		stopping:  make(chan struct{}),
		runDone:   make(chan struct{}),
	}
	if p.decoder == nil {
		p.decoder = feed.NewDecoder()
	}
	if p.validator == nil {
		p.validator = validation.New(validation.Config{})
	}
	if opts.MotionCheck {
		p.motion = &validation.MotionChecker{MaxImpliedSpeedKts: opts.MaxImpliedSpeedKts}
	}
	p.status = Status{State: StateDisconnected, Since: p.now(), FeedURL: p.dialer.URL()}
	return p
}

// Start connects to the feed in the background
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	p.logger.Info("Starting ingestion pipeline",
		logger.String("feed_url", p.dialer.URL()),
		logger.Int("batch_size", p.opts.BatchSize),
		logger.Duration("flush_interval", p.opts.FlushInterval),
		logger.Duration("dedup_window", p.opts.DedupWindow))

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.flushCtx, p.flushCancel = context.WithCancel(context.Background())

	go p.flusher()
	go p.run(runCtx)
	return nil
}

// Stop closes the upstream connection and drains buffered positions
func (p *Pipeline) Stop() {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}

	p.stopOnce.Do(func() {
		p.logger.Info("Stopping ingestion pipeline")
		close(p.stopping)
		p.cancel()
		<-p.runDone

		drainCtx, drainCancel := context.WithTimeout(context.Background(), p.opts.DrainTimeout)
		defer drainCancel()

		p.handOffStranded(drainCtx)
		close(p.batches)
		select {
		case <-p.flushDone:
		case <-drainCtx.Done():
			p.logger.Warn("Flush drain timed out, abandoning pending batches",
				logger.Duration("timeout", p.opts.DrainTimeout))
			p.flushCancel()
			<-p.flushDone
		}
		p.flushCancel()

		p.logger.Info("Ingestion pipeline stopped")
	})
}

// Restart leaves the FAILED state and resumes connecting
func (p *Pipeline) Restart() error {
	if p.Status().State != StateFailed {
		return ErrNotFailed
	}
	select {
	case p.restartCh <- struct{}{}:
	default:
	}
	p.logger.Info("Pipeline restart requested")
	return nil
}

// Status returns a snapshot of the connection state
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Pipeline) setState(s State, cause error) {
	p.mu.Lock()
	prev := p.status.State
	if prev != s {
		p.status.State = s
		p.status.Since = p.now()
	}
	if cause != nil {
		p.status.LastError = cause.Error()
	}
	p.mu.Unlock()

	if prev == s {
		return
	}
	p.metrics.PipelineState.Set(float64(s))

	fields := []logger.Field{
		logger.String("from", prev.String()),
		logger.String("to", s.String()),
	}
	if cause != nil {
		fields = append(fields, logger.Error(cause))
	}
	if s == StateFailed || s == StateDegraded || s == StateReconnecting {
		p.logger.Warn("Pipeline state changed", fields...)
	} else {
		p.logger.Info("Pipeline state changed", fields...)
	}
}

func (p *Pipeline) setAttempts(n int) {
	p.mu.Lock()
	p.status.Attempts = n
	p.mu.Unlock()
}

// run is the connection loop. It is the only goroutine that touches the
// connection and the sample buffer.
func (p *Pipeline) run(ctx context.Context) {
	defer close(p.runDone)

	attempt := 0
	for {
		if ctx.Err() != nil {
			p.setState(StateDisconnected, nil)
			return
		}

		p.setState(StateConnecting, nil)
		conn, err := p.dialer.Dial(ctx)
		if err == nil {
			attempt = 0
			p.setAttempts(0)
			p.setState(StateConnected, nil)

			err = p.consume(ctx, conn)
			p.flushBuffer()
			conn.Close()
		}

		if ctx.Err() != nil {
			p.setState(StateDisconnected, nil)
			return
		}

		attempt++
		p.setAttempts(attempt)
		p.metrics.Reconnects.Inc()

		if p.opts.MaxReconnectAttempts > 0 && attempt >= p.opts.MaxReconnectAttempts {
			p.setState(StateFailed, err)
			p.logger.Error("Giving up on feed after repeated failures; restart required",
				logger.Int("attempts", attempt))

			select {
			case <-p.restartCh:
				attempt = 0
				p.setAttempts(0)
				continue
			case <-ctx.Done():
				p.setState(StateDisconnected, nil)
				return
			}
		}

		p.setState(StateReconnecting, err)
		delay := p.opts.Backoff.Delay(attempt - 1)
		p.logger.Info("Reconnecting to feed",
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay))
		if err := retry.Sleep(ctx, delay); err != nil {
			p.setState(StateDisconnected, nil)
			return
		}
	}
}

type frame struct {
	format  feed.Format
	data    []byte
	arrived time.Time
}

// consume processes frames from conn until it fails, falls silent or ctx ends
func (p *Pipeline) consume(ctx context.Context, conn feed.Conn) error {
	frames := make(chan frame, 64)
	var readErr error
	activity := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)

	conn.SetActivityHandler(func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	})

	// frames is closed only after the last frame read before the error has
	// been queued, so the error is seen after every earlier frame
	go func() {
		defer close(frames)
		for {
			format, data, err := conn.ReadFrame()
			if err != nil {
				readErr = err
				return
			}
			select {
			case frames <- frame{format: format, data: data, arrived: p.now()}:
			case <-done:
				return
			}
		}
	}()

	liveness := time.NewTimer(p.opts.LivenessWindow)
	defer liveness.Stop()

	flushTimer := time.NewTimer(p.opts.FlushInterval)
	flushTimer.Stop()
	defer flushTimer.Stop()
	var flushC <-chan time.Time

	alive := func() {
		if p.Status().State == StateDegraded {
			p.setState(StateConnected, nil)
		}
		resetTimer(liveness, p.opts.LivenessWindow)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case f, ok := <-frames:
			if !ok {
				return fmt.Errorf("feed read failed: %w", readErr)
			}
			alive()
			p.handleFrame(ctx, f)

		case <-activity:
			alive()

		case <-flushC:
			flushC = nil
			p.flushBuffer()

		case <-liveness.C:
			if p.Status().State == StateDegraded {
				return errProbeTimeout
			}
			p.setState(StateDegraded, nil)
			if err := conn.Ping(p.opts.ProbeTimeout); err != nil {
				return fmt.Errorf("failed to send liveness probe: %w", err)
			}
			liveness.Reset(p.opts.ProbeTimeout)
		}

		// The flush interval runs from the oldest buffered sample
		switch {
		case len(p.buffer) > 0 && flushC == nil:
			resetTimer(flushTimer, p.opts.FlushInterval)
			flushC = flushTimer.C
		case len(p.buffer) == 0 && flushC != nil:
			flushTimer.Stop()
			flushC = nil
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
