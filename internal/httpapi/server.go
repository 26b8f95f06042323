// Package httpapi exposes the relay's HTTP surface: the public-key
// directory, push subscription management, TURN credential handout and the
// websocket mount point.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/wisplink/wisp/internal/identity"
	"github.com/wisplink/wisp/internal/presence"
	"github.com/wisplink/wisp/internal/proto"
	"github.com/wisplink/wisp/internal/relay"
	"github.com/wisplink/wisp/internal/session"
	"github.com/wisplink/wisp/internal/storage"
)

var log = logging.Logger("httpapi")

type ctxKey int

const identityKey ctxKey = 0

// TurnConfig is the static ICE server set handed to clients.
type TurnConfig struct {
	StunURLs   []string `json:"stunUrls"`
	TurnURLs   []string `json:"turnUrls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

// Config tunes the HTTP surface.
type Config struct {
	// CookieName is the session cookie checked on protected routes.
	CookieName string
	// AllowedOrigin, when non-empty, is the single CORS origin.
	AllowedOrigin string
	// RequestsPerMinute is the per-IP rate limit.
	RequestsPerMinute int
	// VapidPublicKey is served to clients so they can subscribe.
	VapidPublicKey string
	Turn           TurnConfig
}

// Server wires the handlers to their collaborators.
type Server struct {
	cfg      Config
	sessions session.Validator
	db       *storage.DB
	reg      *presence.Registry
	audit    *relay.AuditTrail
	ws       http.Handler

	turnMu sync.RWMutex
	turn   TurnConfig
}

func NewServer(cfg Config, sessions session.Validator, db *storage.DB, reg *presence.Registry, audit *relay.AuditTrail, ws http.Handler) *Server {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 300
	}
	return &Server{cfg: cfg, sessions: sessions, db: db, reg: reg, audit: audit, ws: ws, turn: cfg.Turn}
}

// UpdateTurn swaps the ICE server set handed to clients; config hot reload
// calls this so rotated TURN credentials take effect without a restart.
func (s *Server) UpdateTurn(t TurnConfig) {
	s.turnMu.Lock()
	s.turn = t
	s.turnMu.Unlock()
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(s.cfg.RequestsPerMinute, time.Minute))

	origins := []string{"*"}
	if s.cfg.AllowedOrigin != "" {
		origins = []string{s.cfg.AllowedOrigin}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: s.cfg.AllowedOrigin != "",
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/vapidPublicKey", s.handleVapidKey)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.authenticate)

		r.Get("/session", s.handleSession)
		r.Get("/pubkey", s.handlePubkeyLookup)
		r.Post("/upload-pubkey", s.handlePubkeyUpload)
		r.Post("/subscribe", s.handleSubscribe)
		r.Get("/has-subscription", s.handleHasSubscription)
		r.Post("/push-received", s.handlePushReceived)
		r.Get("/get-turn-credentials", s.handleTurnCredentials)
		r.Get("/debug/outcomes", s.handleOutcomes)
	})

	// The websocket handshake authenticates itself.
	if s.ws != nil {
		r.Get("/ws", s.ws.ServeHTTP)
	}
	return r
}

// authenticate resolves the session token (cookie or bearer header) to an
// identity and stores it on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.sessions.Validate(s.token(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func (s *Server) token(r *http.Request) string {
	if cookie, err := r.Cookie(s.cfg.CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func requestIdentity(r *http.Request) string {
	id, _ := r.Context().Value(identityKey).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVapidKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.VapidPublicKey == "" {
		writeError(w, http.StatusNotFound, "push not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.cfg.VapidPublicKey})
}

// handleSession lets a client confirm its token before opening a websocket.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"user": requestIdentity(r)})
}

func (s *Server) handlePubkeyLookup(w http.ResponseWriter, r *http.Request) {
	id, err := identity.Parse(r.URL.Query().Get("user"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user")
		return
	}
	pk, err := s.db.GetPubkey(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no key published")
		return
	}
	if err != nil {
		log.Errorf("pubkey lookup for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": pk})
}

// handlePubkeyUpload stores a public key under the session's own identity;
// nobody can publish a key for someone else.
func (s *Server) handlePubkeyUpload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "publicKey required")
		return
	}
	if err := s.db.UpsertPubkey(requestIdentity(r), body.PublicKey); err != nil {
		log.Errorf("pubkey upload: %v", err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EndpointID   string          `json:"endpointId"`
		Subscription json.RawMessage `json:"subscription"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Subscription) == 0 {
		writeError(w, http.StatusBadRequest, "subscription required")
		return
	}
	var sub struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.Unmarshal(body.Subscription, &sub); err != nil || sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "subscription missing endpoint")
		return
	}
	if body.EndpointID == "" {
		body.EndpointID = uuid.NewString()
	}

	err := s.db.AddSubscription(storage.Subscription{
		Identity:   requestIdentity(r),
		EndpointID: body.EndpointID,
		Endpoint:   sub.Endpoint,
		Payload:    string(body.Subscription),
	})
	if err != nil {
		log.Errorf("subscribe: %v", err)
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"endpointId": body.EndpointID})
}

func (s *Server) handleHasSubscription(w http.ResponseWriter, r *http.Request) {
	ok, endpoints, err := s.db.HasSubscription(requestIdentity(r))
	if err != nil {
		log.Errorf("has-subscription: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribed": ok, "endpoints": endpoints})
}

// handlePushReceived closes the fallback loop: a client that surfaced a
// message via push acknowledges here, and the relay forwards a delivery
// receipt to the original sender's visible connections.
func (s *Server) handlePushReceived(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From string `json:"from"`
		TS   int64  `json:"ts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TS == 0 {
		writeError(w, http.StatusBadRequest, "from and ts required")
		return
	}
	sender, err := identity.Parse(body.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}

	frame, err := json.Marshal(proto.Frame{
		Type: proto.FrameSignal,
		From: requestIdentity(r),
		Payload: &proto.Payload{
			Type:   proto.PayloadChatReceipt,
			TS:     body.TS,
			Status: proto.StatusDelivered,
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode failed")
		return
	}

	sent := 0
	for _, c := range s.reg.ConnectionsOf(sender) {
		if !c.Visible() {
			continue
		}
		if err := c.Send(frame); err == nil {
			sent++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"notified": sent})
}

func (s *Server) handleTurnCredentials(w http.ResponseWriter, r *http.Request) {
	type iceServer struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username,omitempty"`
		Credential string   `json:"credential,omitempty"`
	}
	s.turnMu.RLock()
	turn := s.turn
	s.turnMu.RUnlock()

	servers := []iceServer{}
	if len(turn.StunURLs) > 0 {
		servers = append(servers, iceServer{URLs: turn.StunURLs})
	}
	if len(turn.TurnURLs) > 0 {
		servers = append(servers, iceServer{
			URLs:       turn.TurnURLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.audit.Recent())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
