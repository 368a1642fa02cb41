package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

const maxFrameBytes = 1 << 20

// Conn is one live upstream connection
type Conn interface {
	// ReadFrame blocks until the next data frame arrives
	ReadFrame() (Format, []byte, error)
	// Ping sends a liveness probe
	Ping(timeout time.Duration) error
	// SetActivityHandler registers a callback run on every ping or pong control frame
	SetActivityHandler(func())
	Close() error
}

// Client dials the upstream telemetry websocket
type Client struct {
	url    string
	header http.Header
	dialer websocket.Dialer
	logger *logger.Logger
}

// NewClient creates a feed client for the given websocket URL
func NewClient(url string, handshakeTimeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		url:    url,
		header: http.Header{},
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
		logger: log.Named("feed"),
	}
}

// SetHeader adds a header sent with every handshake (e.g. an API key)
func (c *Client) SetHeader(key, value string) {
	c.header.Set(key, value)
}

// URL returns the upstream URL
func (c *Client) URL() string {
	return c.url
}

// Dial performs the websocket handshake
func (c *Client) Dial(ctx context.Context) (Conn, error) {
	c.logger.Debug("Connecting to feed", logger.String("url", c.url))

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to feed (status %s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to feed: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	c.logger.Info("Connected to feed", logger.String("url", c.url))
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a gorilla connection. Reads happen on one goroutine; pings
// are control frames, which gorilla allows concurrently with reads.
type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (w *wsConn) ReadFrame() (Format, []byte, error) {
	mt, data, err := w.conn.ReadMessage()
	if err != nil {
		return 0, nil, err
	}
	switch mt {
	case websocket.TextMessage:
		return FormatJSON, data, nil
	case websocket.BinaryMessage:
		return FormatCBOR, data, nil
	default:
		return 0, nil, fmt.Errorf("unexpected message type %d", mt)
	}
}

func (w *wsConn) Ping(timeout time.Duration) error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (w *wsConn) SetActivityHandler(fn func()) {
	w.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
	w.conn.SetPingHandler(func(data string) error {
		fn()
		err := w.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.conn.Close()
	})
	return err
}
