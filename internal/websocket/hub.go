package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yegors/co-atc-positions/internal/config"
	"github.com/yegors/co-atc-positions/internal/metrics"
	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/internal/retry"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

// Disconnect causes, used as the metric label
const (
	causeClientClosed = "client_closed"
	causeLiveness     = "liveness"
	causeSendFailed   = "send_failed"
	causeWriteFailed  = "write_failed"
	causeShutdown     = "shutdown"
)

var (
	errClientClosed = errors.New("client closed")
	errSendTimeout  = errors.New("send queue full")
	errBacklogFull  = errors.New("client backlog full")
)

// MessageHandler handles inbound client messages
type MessageHandler interface {
	HandleMessage(client *Client, messageType string, data map[string]any) error
}

// LatestReader returns the latest known position of an aircraft
type LatestReader interface {
	Latest(ctx context.Context, aircraftID string) (*position.Position, error)
}

// Options tunes the hub
type Options struct {
	PingInterval         time.Duration
	LivenessWindow       time.Duration
	SendTimeout          time.Duration
	SendRetries          int
	SendRetryDelay       time.Duration
	Compression          Compression
	CompressionThreshold int
	ClientRateLimit      float64
	ClientBurst          int
	PublishConcurrency   int
	ClientQueueSize      int
	UpdateQueueSize      int
}

// OptionsFromConfig maps validated configuration onto hub options
func OptionsFromConfig(cfg config.BroadcastConfig) (Options, error) {
	alg, err := ParseCompression(cfg.Compression)
	if err != nil {
		return Options{}, err
	}
	return Options{
		PingInterval:         cfg.PingInterval(),
		LivenessWindow:       cfg.LivenessWindow(),
		SendTimeout:          cfg.SendTimeout(),
		SendRetries:          cfg.SendRetries,
		SendRetryDelay:       cfg.SendRetryDelay(),
		Compression:          alg,
		CompressionThreshold: cfg.CompressionThreshold,
		ClientRateLimit:      float64(cfg.ClientRateLimit),
		ClientBurst:          cfg.ClientBurst,
		PublishConcurrency:   cfg.PublishConcurrency,
	}, nil
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 30 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 2 * time.Second
	}
	if o.SendRetries <= 0 {
		o.SendRetries = 3
	}
	if o.SendRetryDelay <= 0 {
		o.SendRetryDelay = 50 * time.Millisecond
	}
	if o.ClientRateLimit <= 0 {
		o.ClientRateLimit = 20
	}
	if o.ClientBurst <= 0 {
		o.ClientBurst = 40
	}
	if o.PublishConcurrency <= 0 {
		o.PublishConcurrency = 64
	}
	if o.ClientQueueSize <= 0 {
		o.ClientQueueSize = 256
	}
	if o.UpdateQueueSize <= 0 {
		o.UpdateQueueSize = 1024
	}
	return o
}

// Client is one subscriber connection
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan outbound
	hub      *Hub
	limiter  *rate.Limiter
	lastSeen atomic.Int64

	// guarded by hub.mu
	subscriptions map[string]struct{}

	// Frames that did not fit in send wait here, in order, for drainBacklog.
	// guarded by qmu
	qmu          sync.Mutex
	backlog      []outbound
	draining     bool
	lastRecorded map[string]time.Time

	closeOnce sync.Once
	closeChan chan struct{}
}

// ID returns the connection identifier assigned on connect
func (c *Client) ID() string {
	return c.id
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastSeen.Load()))
}

// Hub tracks subscriber connections and routes position updates to the
// subscribers of each aircraft
type Hub struct {
	clients       map[string]*Client
	subscriptions map[string]map[string]*Client // aircraft id -> client id -> client
	mu            sync.RWMutex

	updates    chan position.Position
	upgrader   websocket.Upgrader
	handler    MessageHandler
	latest     LatestReader
	compressor *compressor
	opts       Options
	logger     *logger.Logger
	metrics    *metrics.Metrics

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewHub creates a hub. latest may be nil, in which case subscribing does
// not replay the current position.
func NewHub(opts Options, latest LatestReader, m *metrics.Metrics, log *logger.Logger) (*Hub, error) {
	opts = opts.withDefaults()

	comp, err := newCompressor(opts.Compression, opts.CompressionThreshold)
	if err != nil {
		return nil, err
	}

	return &Hub{
		clients:       make(map[string]*Client),
		subscriptions: make(map[string]map[string]*Client),
		updates:       make(chan position.Position, opts.UpdateQueueSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		latest:     latest,
		compressor: comp,
		opts:       opts,
		logger:     log.Named("web-socket"),
		metrics:    m,
		stopCh:     make(chan struct{}),
	}, nil
}

// SetMessageHandler sets the handler for inbound client messages
func (h *Hub) SetMessageHandler(handler MessageHandler) {
	h.handler = handler
}

// Start runs the dispatcher and the liveness sweep
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.logger.Info("Starting broadcast hub",
			logger.String("compression", h.opts.Compression.String()),
			logger.Duration("ping_interval", h.opts.PingInterval),
			logger.Duration("liveness_window", h.opts.LivenessWindow))

		h.wg.Add(2)
		go h.dispatchLoop()
		go h.livenessLoop()
	})
}

// Shutdown stops background work and closes every subscriber connection
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.wg.Wait()

		h.mu.RLock()
		clients := make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.RUnlock()

		for _, c := range clients {
			h.disconnect(c, causeShutdown)
		}
		h.logger.Info("Broadcast hub stopped", logger.Int("closed_connections", len(clients)))
	})
}

// HandleConnection upgrades an HTTP request and registers the connection
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}
	h.OnConnect(conn)
}

// OnConnect registers a connection, assigns its id and starts its pumps
func (h *Hub) OnConnect(conn *websocket.Conn) *Client {
	client := &Client{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan outbound, h.opts.ClientQueueSize),
		hub:           h,
		limiter:       rate.NewLimiter(rate.Limit(h.opts.ClientRateLimit), h.opts.ClientBurst),
		subscriptions: make(map[string]struct{}),
		lastRecorded:  make(map[string]time.Time),
		closeChan:     make(chan struct{}),
	}
	client.touch()

	h.mu.Lock()
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.Subscribers.Set(float64(count))
	h.logger.Debug("Client registered",
		logger.String("client_id", client.id),
		logger.String("remote_addr", conn.RemoteAddr().String()),
		logger.Int("client_count", count))

	go client.readPump()
	go client.writePump()
	return client
}

// OnDisconnect removes a client and all of its subscriptions
func (h *Hub) OnDisconnect(c *Client) {
	h.disconnect(c, causeClientClosed)
}

func (h *Hub) disconnect(c *Client, cause string) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	for aircraftID := range c.subscriptions {
		h.removeSubscriptionLocked(aircraftID, c.id)
	}
	c.subscriptions = make(map[string]struct{})
	count := len(h.clients)
	h.mu.Unlock()

	c.close()

	h.metrics.Subscribers.Set(float64(count))
	h.metrics.Disconnects.WithLabelValues(cause).Inc()
	h.logger.Debug("Client unregistered",
		logger.String("client_id", c.id),
		logger.String("cause", cause),
		logger.Int("client_count", count))
}

func (h *Hub) removeSubscriptionLocked(aircraftID, clientID string) {
	subs, ok := h.subscriptions[aircraftID]
	if !ok {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.subscriptions, aircraftID)
	}
}

// Subscribe adds the relation and sends the aircraft's current position,
// if one is known. The replay is skipped when a newer update already went
// out on the new subscription.
func (h *Hub) Subscribe(ctx context.Context, c *Client, aircraftID string) error {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return errClientClosed
	}
	subs, ok := h.subscriptions[aircraftID]
	if !ok {
		subs = make(map[string]*Client)
		h.subscriptions[aircraftID] = subs
	}
	subs[c.id] = c
	c.subscriptions[aircraftID] = struct{}{}
	h.mu.Unlock()

	if err := h.SendTo(c, subscriptionAck(MessageTypeSubscribed, aircraftID)); err != nil {
		return err
	}

	if h.latest == nil {
		return nil
	}
	pos, err := h.latest.Latest(ctx, aircraftID)
	if errors.Is(err, position.ErrNotFound) {
		return nil
	}
	if err != nil {
		h.logger.Warn("Failed to load latest position for new subscriber",
			logger.String("aircraft_id", aircraftID),
			logger.Error(err))
		return nil
	}
	frame, err := h.encode(NewPositionUpdate(*pos))
	if err != nil {
		return err
	}
	return h.enqueueUpdate(c, *pos, frame, true)
}

// Unsubscribe removes the relation
func (h *Hub) Unsubscribe(c *Client, aircraftID string) error {
	h.mu.Lock()
	delete(c.subscriptions, aircraftID)
	h.removeSubscriptionLocked(aircraftID, c.id)
	h.mu.Unlock()

	c.qmu.Lock()
	delete(c.lastRecorded, aircraftID)
	c.qmu.Unlock()

	return h.SendTo(c, subscriptionAck(MessageTypeUnsubscribed, aircraftID))
}

// Publish queues a position for delivery. It never blocks; when the queue
// is full the update is dropped and counted.
func (h *Hub) Publish(ctx context.Context, pos position.Position) {
	select {
	case <-h.stopCh:
		return
	default:
	}

	select {
	case h.updates <- pos:
	default:
		h.metrics.PublishDropped.Inc()
		h.logger.Warn("Broadcast queue full, dropping update",
			logger.String("aircraft_id", pos.AircraftID))
	}
}

func (h *Hub) dispatchLoop() {
	defer h.wg.Done()
	for {
		select {
		case pos := <-h.updates:
			h.dispatch(pos)
		case <-h.stopCh:
			return
		}
	}
}

// dispatch serializes an update once and fans it out to its subscribers.
// Enqueueing never waits on a client, so a stalled subscriber only delays
// itself.
func (h *Hub) dispatch(pos position.Position) {
	subscribers := h.subscribersOf(pos.AircraftID)
	if len(subscribers) == 0 {
		return
	}

	frame, err := h.encode(NewPositionUpdate(pos))
	if err != nil {
		h.logger.Error("Failed to encode position update", logger.Error(err))
		return
	}

	var g errgroup.Group
	g.SetLimit(h.opts.PublishConcurrency)
	for _, c := range subscribers {
		g.Go(func() error {
			if err := h.enqueueUpdate(c, pos, frame, false); err != nil && !errors.Is(err, errClientClosed) {
				h.logger.Warn("Dropping unresponsive subscriber",
					logger.String("client_id", c.id),
					logger.String("aircraft_id", pos.AircraftID),
					logger.Error(err))
				h.disconnect(c, causeSendFailed)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Hub) subscribersOf(aircraftID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.subscriptions[aircraftID]
	out := make([]*Client, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}

func (h *Hub) encode(msg *Message) (outbound, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return outbound{}, fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return h.compressor.frame(payload), nil
}

// SendTo queues a single message for one client
func (h *Hub) SendTo(c *Client, msg *Message) error {
	frame, err := h.encode(msg)
	if err != nil {
		return err
	}
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return h.enqueueLocked(c, frame)
}

// enqueueUpdate queues a position update and remembers the newest recorded
// time sent per aircraft. A replay that is not newer than what was already
// queued is dropped.
func (h *Hub) enqueueUpdate(c *Client, pos position.Position, frame outbound, replay bool) error {
	c.qmu.Lock()
	defer c.qmu.Unlock()

	last, seen := c.lastRecorded[pos.AircraftID]
	if replay && seen && !pos.Recorded.After(last) {
		return nil
	}
	if !seen || pos.Recorded.After(last) {
		c.lastRecorded[pos.AircraftID] = pos.Recorded
	}
	return h.enqueueLocked(c, frame)
}

// enqueueLocked hands a frame to the write pump without waiting. When the
// send queue is full the frame goes to the backlog and a drainer takes over
// the retries for this client alone. Once a backlog exists every later frame
// queues behind it so the client sees frames in order.
func (h *Hub) enqueueLocked(c *Client, frame outbound) error {
	select {
	case <-c.closeChan:
		return errClientClosed
	default:
	}

	if !c.draining {
		select {
		case c.send <- frame:
			return nil
		default:
		}
	}

	if len(c.backlog) >= h.opts.ClientQueueSize {
		h.metrics.SendFailures.Inc()
		return errBacklogFull
	}
	c.backlog = append(c.backlog, frame)
	if !c.draining {
		c.draining = true
		go h.drainBacklog(c)
	}
	return nil
}

func (h *Hub) drainBacklog(c *Client) {
	for {
		c.qmu.Lock()
		if len(c.backlog) == 0 {
			c.draining = false
			c.qmu.Unlock()
			return
		}
		frame := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.qmu.Unlock()

		if err := h.deliver(c, frame); err != nil {
			if !errors.Is(err, errClientClosed) {
				h.logger.Warn("Dropping unresponsive subscriber",
					logger.String("client_id", c.id),
					logger.Error(err))
			}
			c.qmu.Lock()
			c.backlog = nil
			c.qmu.Unlock()
			h.disconnect(c, causeSendFailed)
			return
		}
	}
}

// deliver waits for room in the client's send queue. Each attempt waits up
// to SendTimeout.
func (h *Hub) deliver(c *Client, frame outbound) error {
	policy := retry.Policy{
		Attempts:  h.opts.SendRetries,
		BaseDelay: h.opts.SendRetryDelay,
		MaxDelay:  h.opts.SendRetryDelay,
	}
	return retry.Do(context.Background(), policy, func(ctx context.Context, attempt int) error {
		timer := time.NewTimer(h.opts.SendTimeout)
		defer timer.Stop()

		select {
		case c.send <- frame:
			return nil
		case <-c.closeChan:
			return errClientClosed
		case <-timer.C:
			h.metrics.SendFailures.Inc()
			return errSendTimeout
		}
	})
}

// livenessLoop pings every connection and drops the ones that stopped answering
func (h *Hub) livenessLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) sweep() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if idle := c.idleFor(); idle > h.opts.LivenessWindow {
			h.logger.Info("Disconnecting silent subscriber",
				logger.String("client_id", c.id),
				logger.Duration("idle", idle))
			h.disconnect(c, causeLiveness)
			continue
		}
		deadline := time.Now().Add(h.opts.SendTimeout)
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.disconnect(c, causeWriteFailed)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients subscribed to an aircraft
func (h *Hub) SubscriberCount(aircraftID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[aircraftID])
}

// readPump reads client messages until the connection fails
func (c *Client) readPump() {
	defer c.hub.OnDisconnect(c)

	// The sweep normally fires first; the deadline catches a stalled sweep
	readWindow := c.hub.opts.LivenessWindow + c.hub.opts.PingInterval
	c.conn.SetReadDeadline(time.Now().Add(readWindow))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("WebSocket read error", logger.String("client_id", c.id), logger.Error(err))
			}
			return
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(readWindow))

		if !c.limiter.Allow() {
			_ = c.trySend(errorMessage("rate limit exceeded"))
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.trySend(errorMessage("malformed message"))
			continue
		}

		if c.hub.handler == nil {
			continue
		}
		if err := c.hub.handler.HandleMessage(c, msg.Type, msg.Data); err != nil {
			c.hub.logger.Debug("Failed to handle WebSocket message",
				logger.String("type", msg.Type),
				logger.Error(err))
		}
	}
}

// trySend queues a message without waiting
func (c *Client) trySend(msg *Message) error {
	frame, err := c.hub.encode(msg)
	if err != nil {
		return err
	}
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.draining {
		return errSendTimeout
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendTimeout
	}
}

// writePump is the only writer of data frames on the connection
func (c *Client) writePump() {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.SendTimeout))
			if err := c.conn.WriteMessage(frame.kind, frame.data); err != nil {
				c.hub.metrics.SendFailures.Inc()
				c.hub.disconnect(c, causeWriteFailed)
				return
			}
			c.hub.metrics.MessagesSent.Inc()

		case <-c.closeChan:
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}
