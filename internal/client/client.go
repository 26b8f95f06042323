// Package client is the realtime engine a device runs against the relay
// server: one websocket with automatic reconnect, a bounded offline queue,
// heartbeats and visibility reporting.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/wisplink/wisp/internal/proto"
)

var log = logging.Logger("client")

var (
	// ErrQueueFull means the offline queue hit its cap; the caller decides
	// whether to drop or surface the failure.
	ErrQueueFull = errors.New("offline queue full")

	ErrClosed = errors.New("client closed")
)

// Config tunes the realtime client.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://relay.example.com/ws.
	URL string
	// Token is the session token presented during the handshake.
	Token string
	// HeartbeatInterval paces application-level heartbeat frames.
	HeartbeatInterval time.Duration
	// QueueLimit caps frames buffered while disconnected.
	QueueLimit int
	// ReconnectBase and ReconnectJitter shape the delay between reconnect
	// attempts: base plus a uniform random jitter, so a relay restart does
	// not get a synchronized stampede.
	ReconnectBase   time.Duration
	ReconnectJitter time.Duration
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 200
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 1500 * time.Millisecond
	}
	if c.ReconnectJitter <= 0 {
		c.ReconnectJitter = time.Second
	}
}

// Client maintains one authenticated websocket to the relay. Handlers run on
// the read goroutine; keep them fast or hand off to your own channel.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending [][]byte
	visible bool
	closed  bool

	writeMu sync.Mutex

	handlerMu  sync.RWMutex
	onPresence func(online []string)
	onSignal   func(from string, p *proto.Payload)
	onConnect  func()
}

func New(cfg Config) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		visible: true,
	}
}

// OnPresence sets the handler for online-list updates.
func (c *Client) OnPresence(fn func(online []string)) {
	c.handlerMu.Lock()
	c.onPresence = fn
	c.handlerMu.Unlock()
}

// OnSignal sets the handler for signals delivered to this identity.
func (c *Client) OnSignal(fn func(from string, p *proto.Payload)) {
	c.handlerMu.Lock()
	c.onSignal = fn
	c.handlerMu.Unlock()
}

// OnConnect sets a handler fired after each successful (re)connect, once the
// offline queue has been flushed.
func (c *Client) OnConnect(fn func()) {
	c.handlerMu.Lock()
	c.onConnect = fn
	c.handlerMu.Unlock()
}

// Run connects and keeps reconnecting until ctx is canceled or Close is
// called. It returns the last connection error only when the context ends.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.isClosed() {
			return ErrClosed
		}

		if err := c.connect(ctx); err != nil {
			log.Debugf("connect: %v", err)
		} else {
			c.serve(ctx)
		}

		if c.isClosed() {
			return ErrClosed
		}
		delay := c.cfg.ReconnectBase + time.Duration(rand.Int63n(int64(c.cfg.ReconnectJitter)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	conn.SetReadLimit(proto.MaxFrameBytes)

	log.Infof("connected to %s", c.cfg.URL)

	// Drain the offline queue in arrival order before anything new goes
	// out. The connection is not published until the backlog is empty, so a
	// concurrent SendSignal keeps landing behind it in the queue instead of
	// overtaking it mid-flush.
	var visible bool
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return ErrClosed
		}
		if len(c.pending) == 0 {
			c.conn = conn
			visible = c.visible
			c.mu.Unlock()
			break
		}
		queued := c.pending
		c.pending = nil
		c.mu.Unlock()

		for i, frame := range queued {
			if err := c.writeTo(conn, frame); err != nil {
				c.mu.Lock()
				c.pending = append(queued[i:], c.pending...)
				c.mu.Unlock()
				conn.Close()
				return err
			}
		}
	}

	// The server assumes visible until told otherwise.
	if !visible {
		c.sendVisibility(false)
	}

	c.handlerMu.RLock()
	fn := c.onConnect
	c.handlerMu.RUnlock()
	if fn != nil {
		fn()
	}
	return nil
}

// serve runs the read loop and heartbeat for the current connection and
// returns when it dies.
func (c *Client) serve(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	done := make(chan struct{})
	go c.heartbeatLoop(ctx, done)
	defer close(done)
	defer c.dropConn(conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("read: %v", err)
			}
			return
		}

		var frame proto.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Debugf("malformed frame: %v", err)
			continue
		}

		switch frame.Type {
		case proto.FramePresence:
			c.handlerMu.RLock()
			fn := c.onPresence
			c.handlerMu.RUnlock()
			if fn != nil {
				fn(frame.Online)
			}
		case proto.FrameSignal:
			if frame.Payload == nil || frame.From == "" {
				continue
			}
			c.handlerMu.RLock()
			fn := c.onSignal
			c.handlerMu.RUnlock()
			if fn != nil {
				fn(frame.From, frame.Payload)
			}
		default:
			log.Debugf("unknown frame type %q", frame.Type)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	beat, _ := json.Marshal(proto.Frame{Type: proto.FrameHeartbeat})
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(beat); err != nil {
				return
			}
		}
	}
}

// SendSignal validates and sends one signal, queueing it when disconnected.
// Queued signals flush in order on reconnect; a full queue returns
// ErrQueueFull and the signal is not recorded anywhere.
func (c *Client) SendSignal(to string, payload *proto.Payload) error {
	if err := proto.ValidateSignal(payload); err != nil {
		return err
	}
	frame, err := json.Marshal(proto.Frame{Type: proto.FrameSignal, To: to, Payload: payload})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		err := c.enqueueLocked(frame)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if err := c.write(frame); err != nil {
		// The read loop will notice the dead connection; keep the frame.
		c.mu.Lock()
		err = c.enqueueLocked(frame)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) enqueueLocked(frame []byte) error {
	if len(c.pending) >= c.cfg.QueueLimit {
		return ErrQueueFull
	}
	c.pending = append(c.pending, frame)
	return nil
}

// SetVisible reports UI visibility to the relay. The value sticks across
// reconnects.
func (c *Client) SetVisible(v bool) {
	c.mu.Lock()
	c.visible = v
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		c.sendVisibility(v)
	}
}

func (c *Client) sendVisibility(v bool) {
	frame, _ := json.Marshal(proto.Frame{Type: proto.FrameVisibility, Visible: &v})
	if err := c.write(frame); err != nil {
		log.Debugf("send visibility: %v", err)
	}
}

// RequestPresence asks the relay for the current online list; the reply
// arrives through the OnPresence handler.
func (c *Client) RequestPresence() error {
	frame, _ := json.Marshal(proto.Frame{Type: proto.FrameList})
	return c.write(frame)
}

// Queued reports how many frames wait in the offline queue.
func (c *Client) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close tells the relay we are going invisible, closes the connection and
// stops the reconnect loop. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		// Best effort; the server treats an abrupt close the same way.
		c.writeMu.Lock()
		v := false
		frame, _ := json.Marshal(proto.Frame{Type: proto.FrameVisibility, Visible: &v})
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	return c.writeTo(conn, frame)
}

func (c *Client) writeTo(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// dropConn clears the current connection if it is still conn.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}
