package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wisplink/wisp/internal/identity"
	"github.com/wisplink/wisp/internal/presence"
	"github.com/wisplink/wisp/internal/proto"
	"github.com/wisplink/wisp/internal/session"
)

const writeTimeout = 10 * time.Second

// GatewayConfig tunes the websocket endpoint.
type GatewayConfig struct {
	// CookieName is the session cookie checked during the handshake.
	CookieName string
	// Origin, when non-empty, is the only Origin header accepted.
	Origin string
	// HeartbeatInterval is the server ping cadence.
	HeartbeatInterval time.Duration
	// LivenessTimeout marks a connection dead when no heartbeat or pong
	// arrived within it. Must exceed HeartbeatInterval.
	LivenessTimeout time.Duration
}

func (c *GatewayConfig) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = 75 * time.Second
	}
}

// Gateway upgrades authenticated HTTP requests to websocket connections and
// feeds their frames into the relay. One reader goroutine per connection.
type Gateway struct {
	reg      *presence.Registry
	relay    *Relay
	sessions session.Validator
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

func NewGateway(reg *presence.Registry, rel *Relay, sessions session.Validator, cfg GatewayConfig) *Gateway {
	cfg.withDefaults()
	g := &Gateway{reg: reg, relay: rel, sessions: sessions, cfg: cfg}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.Origin == "" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == cfg.Origin
		},
	}
	return g
}

// Handler serves the websocket endpoint. The transport layer authenticates
// here; the registry trusts whatever identity it is handed.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := g.token(r)
		id, err := g.sessions.Validate(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("upgrade failed for %s: %v", id, err)
			return
		}

		c := &wsConn{
			id:       id,
			ws:       ws,
			visible:  true,
			lastBeat: time.Now(),
		}
		ws.SetReadLimit(proto.MaxFrameBytes)
		ws.SetPongHandler(func(string) error {
			c.markAlive()
			return nil
		})

		g.reg.Register(id, c)
		log.Infof("connection opened for %s", id)

		done := make(chan struct{})
		go g.livenessLoop(c, done)

		g.readLoop(c)

		close(done)
		g.reg.Unregister(id, c)
		c.close()
		log.Infof("connection closed for %s", id)
	}
}

// token resolves the session token from the cookie or, for non-browser
// clients, a bearer Authorization header.
func (g *Gateway) token(r *http.Request) string {
	if cookie, err := r.Cookie(g.cfg.CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (g *Gateway) readLoop(c *wsConn) {
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("read from %s: %v", c.id, err)
			}
			return
		}

		var frame proto.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Debugf("malformed frame from %s: %v", c.id, err)
			continue
		}

		switch frame.Type {
		case proto.FrameSignal:
			to, err := identity.Parse(frame.To)
			if err != nil {
				log.Debugf("signal from %s with bad recipient: %v", c.id, err)
				continue
			}
			if _, err := g.relay.Relay(proto.Envelope{From: c.id, To: to, Payload: frame.Payload}); err != nil {
				log.Debugf("rejected signal from %s: %v", c.id, err)
			}

		case proto.FrameHeartbeat:
			c.markAlive()

		case proto.FrameVisibility:
			if frame.Visible != nil {
				c.setVisible(*frame.Visible)
			}

		case proto.FrameList:
			if frame := g.reg.PresenceFrame(); frame != nil {
				if err := c.Send(frame); err != nil {
					log.Debugf("list reply to %s failed: %v", c.id, err)
				}
			}

		default:
			log.Debugf("unknown frame type %q from %s", frame.Type, c.id)
		}
	}
}

// livenessLoop pings on a cadence and terminates connections whose last
// heartbeat is older than the liveness timeout. A dead connection goes
// through the same unregister path as a clean close.
func (g *Gateway) livenessLoop(c *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if time.Since(c.beatTime()) > g.cfg.LivenessTimeout {
				log.Infof("liveness timeout for %s", c.id)
				c.close()
				return
			}
			c.ping()
		}
	}
}

// wsConn adapts one gorilla websocket connection to presence.Conn.
// gorilla allows a single concurrent writer, so every write goes through
// writeMu.
type wsConn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	visible  bool
	lastBeat time.Time
	closed   bool
}

func (c *wsConn) Identity() string { return c.id }

func (c *wsConn) Visible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visible
}

func (c *wsConn) setVisible(v bool) {
	c.mu.Lock()
	c.visible = v
	c.mu.Unlock()
}

func (c *wsConn) markAlive() {
	c.mu.Lock()
	c.lastBeat = time.Now()
	c.mu.Unlock()
}

func (c *wsConn) beatTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBeat
}

func (c *wsConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) ping() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.ws.Close()
}
