package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wisplink/wisp/internal/presence"
	"github.com/wisplink/wisp/internal/proto"
	"github.com/wisplink/wisp/internal/relay"
	"github.com/wisplink/wisp/internal/session"
	"github.com/wisplink/wisp/internal/storage"
)

type apiFixture struct {
	srv      *httptest.Server
	sessions *session.Manager
	db       *storage.DB
	reg      *presence.Registry
	audit    *relay.AuditTrail
	api      *Server
}

func newAPIFixture(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if cfg.CookieName == "" {
		cfg.CookieName = "wisp_session"
	}
	f := &apiFixture{
		sessions: session.NewManager("test-secret", time.Hour),
		db:       db,
		reg:      presence.NewRegistry(),
		audit:    relay.NewAuditTrail(16),
	}
	f.api = NewServer(cfg, f.sessions, f.db, f.reg, f.audit, nil)
	f.srv = httptest.NewServer(f.api.Router())
	t.Cleanup(f.srv.Close)
	return f
}

// request issues an HTTP call as the given identity; empty identity means
// unauthenticated.
func (f *apiFixture) request(t *testing.T, method, path, as, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if as != "" {
		token, err := f.sessions.Issue(as)
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPIFixture(t, Config{})
	resp, body := f.request(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	f := newAPIFixture(t, Config{})
	for _, path := range []string{"/session", "/pubkey?user=bob", "/has-subscription", "/get-turn-credentials"} {
		resp, _ := f.request(t, http.MethodGet, path, "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: status %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestSessionEcho(t *testing.T) {
	f := newAPIFixture(t, Config{})
	resp, body := f.request(t, http.MethodGet, "/session", "Alice", "")
	if resp.StatusCode != http.StatusOK || body["user"] != "alice" {
		t.Fatalf("status %d body %v; identity must be normalized", resp.StatusCode, body)
	}
}

func TestSessionCookieAccepted(t *testing.T) {
	f := newAPIFixture(t, Config{CookieName: "wisp_session"})
	token, _ := f.sessions.Issue("alice")

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/session", nil)
	req.AddCookie(&http.Cookie{Name: "wisp_session", Value: token})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want cookie auth to work", resp.StatusCode)
	}
}

func TestPubkeyUploadAndLookup(t *testing.T) {
	f := newAPIFixture(t, Config{})

	resp, _ := f.request(t, http.MethodPost, "/upload-pubkey", "alice", `{"publicKey":"alice-pk"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: status %d", resp.StatusCode)
	}

	resp, body := f.request(t, http.MethodGet, "/pubkey?user=Alice", "bob", "")
	if resp.StatusCode != http.StatusOK || body["publicKey"] != "alice-pk" {
		t.Fatalf("lookup: status %d body %v", resp.StatusCode, body)
	}

	t.Run("missing key is 404", func(t *testing.T) {
		resp, _ := f.request(t, http.MethodGet, "/pubkey?user=nobody", "bob", "")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})

	t.Run("invalid user is 400", func(t *testing.T) {
		resp, _ := f.request(t, http.MethodGet, "/pubkey?user=", "bob", "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})

	t.Run("upload requires a key", func(t *testing.T) {
		resp, _ := f.request(t, http.MethodPost, "/upload-pubkey", "alice", `{}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestUploadScopedToOwnIdentity(t *testing.T) {
	f := newAPIFixture(t, Config{})
	// The body carries no identity field at all; the key lands under the
	// session's identity and nobody else's.
	f.request(t, http.MethodPost, "/upload-pubkey", "mallory", `{"publicKey":"evil-pk"}`)

	resp, _ := f.request(t, http.MethodGet, "/pubkey?user=alice", "bob", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d; mallory's upload must not shadow alice", resp.StatusCode)
	}
	resp, body := f.request(t, http.MethodGet, "/pubkey?user=mallory", "bob", "")
	if resp.StatusCode != http.StatusOK || body["publicKey"] != "evil-pk" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestSubscribeFlow(t *testing.T) {
	f := newAPIFixture(t, Config{})
	sub := `{"subscription":{"endpoint":"https://push.example/ep1","keys":{"p256dh":"k","auth":"a"}}}`

	resp, body := f.request(t, http.MethodPost, "/subscribe", "alice", sub)
	if resp.StatusCode != http.StatusOK || body["endpointId"] == "" {
		t.Fatalf("subscribe: status %d body %v", resp.StatusCode, body)
	}

	resp, body = f.request(t, http.MethodGet, "/has-subscription", "alice", "")
	if resp.StatusCode != http.StatusOK || body["subscribed"] != true {
		t.Fatalf("has-subscription: status %d body %v", resp.StatusCode, body)
	}

	t.Run("other identity has none", func(t *testing.T) {
		resp, body := f.request(t, http.MethodGet, "/has-subscription", "bob", "")
		if resp.StatusCode != http.StatusOK || body["subscribed"] != false {
			t.Fatalf("status %d body %v", resp.StatusCode, body)
		}
	})

	t.Run("subscription without endpoint rejected", func(t *testing.T) {
		resp, _ := f.request(t, http.MethodPost, "/subscribe", "alice", `{"subscription":{"keys":{}}}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestVapidKey(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		f := newAPIFixture(t, Config{VapidPublicKey: "vapid-pk"})
		resp, body := f.request(t, http.MethodGet, "/vapidPublicKey", "", "")
		if resp.StatusCode != http.StatusOK || body["publicKey"] != "vapid-pk" {
			t.Fatalf("status %d body %v", resp.StatusCode, body)
		}
	})
	t.Run("not configured", func(t *testing.T) {
		f := newAPIFixture(t, Config{})
		resp, _ := f.request(t, http.MethodGet, "/vapidPublicKey", "", "")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestTurnCredentialsAndHotReload(t *testing.T) {
	f := newAPIFixture(t, Config{Turn: TurnConfig{
		StunURLs: []string{"stun:stun.example:3478"},
		TurnURLs: []string{"turn:turn.example:3478"},
		Username: "u1", Credential: "c1",
	}})

	resp, body := f.request(t, http.MethodGet, "/get-turn-credentials", "alice", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	servers := body["iceServers"].([]any)
	if len(servers) != 2 {
		t.Fatalf("iceServers = %v", servers)
	}
	turn := servers[1].(map[string]any)
	if turn["username"] != "u1" || turn["credential"] != "c1" {
		t.Fatalf("turn entry = %v", turn)
	}

	f.api.UpdateTurn(TurnConfig{TurnURLs: []string{"turn:turn.example:3478"}, Username: "u2", Credential: "c2"})

	_, body = f.request(t, http.MethodGet, "/get-turn-credentials", "alice", "")
	servers = body["iceServers"].([]any)
	if len(servers) != 1 {
		t.Fatalf("iceServers after reload = %v", servers)
	}
	turn = servers[0].(map[string]any)
	if turn["username"] != "u2" || turn["credential"] != "c2" {
		t.Fatalf("rotated credentials not served: %v", turn)
	}
}

// receiptConn records frames pushed at it, standing in for a websocket
// connection of the original sender.
type receiptConn struct {
	id      string
	visible bool
	mu      sync.Mutex
	frames  [][]byte
}

func (c *receiptConn) Identity() string { return c.id }
func (c *receiptConn) Visible() bool    { return c.visible }
func (c *receiptConn) Send(frame []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
	return nil
}

func (c *receiptConn) received() []proto.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]proto.Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f proto.Frame
		if json.Unmarshal(raw, &f) == nil {
			out = append(out, f)
		}
	}
	return out
}

func TestPushReceived(t *testing.T) {
	f := newAPIFixture(t, Config{})

	visible := &receiptConn{id: "bob", visible: true}
	hidden := &receiptConn{id: "bob", visible: false}
	f.reg.Register("bob", visible)
	f.reg.Register("bob", hidden)

	resp, body := f.request(t, http.MethodPost, "/push-received", "alice", `{"from":"Bob","ts":1234}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if notified, _ := body["notified"].(float64); notified != 1 {
		t.Fatalf("notified = %v, want only the visible connection", body["notified"])
	}

	var receipt *proto.Frame
	for _, fr := range visible.received() {
		if fr.Type == proto.FrameSignal {
			fr := fr
			receipt = &fr
		}
	}
	if receipt == nil {
		t.Fatal("no receipt reached the sender")
	}
	if receipt.From != "alice" || receipt.Payload.Type != proto.PayloadChatReceipt ||
		receipt.Payload.TS != 1234 || receipt.Payload.Status != proto.StatusDelivered {
		t.Fatalf("receipt = %+v", receipt)
	}
	for _, fr := range hidden.received() {
		if fr.Type == proto.FrameSignal {
			t.Fatal("hidden connection received the receipt")
		}
	}

	t.Run("missing ts rejected", func(t *testing.T) {
		resp, _ := f.request(t, http.MethodPost, "/push-received", "alice", `{"from":"bob"}`)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestDebugOutcomes(t *testing.T) {
	f := newAPIFixture(t, Config{})
	f.audit.Record("alice", "bob", &proto.Payload{Type: proto.PayloadChatMessage}, true)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/debug/outcomes", nil)
	token, _ := f.sessions.Issue("admin")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var outcomes []relay.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&outcomes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].From != "alice" || !outcomes[0].Delivered {
		t.Fatalf("outcomes = %+v", outcomes)
	}
}

func TestRateLimit(t *testing.T) {
	f := newAPIFixture(t, Config{RequestsPerMinute: 5})
	limited := false
	for i := 0; i < 10; i++ {
		resp, _ := f.request(t, http.MethodGet, fmt.Sprintf("/healthz?i=%d", i), "", "")
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("rate limit never engaged")
	}
}
