// Package config loads the JSON configuration, layers .env and environment
// overrides for secrets on top, and watches the file for hot reload.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/wisplink/wisp/internal/util"
)

type Config struct {
	Server   Server   `json:"server"`
	Session  Session  `json:"session"`
	Push     Push     `json:"push"`
	Turn     Turn     `json:"turn"`
	Presence Presence `json:"presence"`
	Call     Call     `json:"call"`
	Client   Client   `json:"client"`
}

type Server struct {
	Addr string `json:"addr"`
	// Origin, when non-empty, is the only browser origin accepted for CORS
	// and websocket handshakes.
	Origin  string `json:"origin"`
	DataDir string `json:"data_dir"`
	// RequestsPerMinute is the per-IP HTTP rate limit.
	RequestsPerMinute int `json:"requests_per_minute"`
}

type Session struct {
	// Secret signs session tokens. Usually supplied via WISP_SESSION_SECRET
	// rather than the config file.
	Secret     string `json:"secret"`
	TTLHours   int    `json:"ttl_hours"`
	CookieName string `json:"cookie_name"`
}

type Push struct {
	VapidPublicKey  string `json:"vapid_public_key"`
	VapidPrivateKey string `json:"vapid_private_key"`
	// Contact is the mailto: or https: subscriber URL VAPID requires.
	Contact string `json:"contact"`
}

type Turn struct {
	StunURLs   []string `json:"stun_urls"`
	TurnURLs   []string `json:"turn_urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

type Presence struct {
	HeartbeatSec       int `json:"heartbeat_seconds"`
	LivenessTimeoutSec int `json:"liveness_timeout_seconds"`
}

type Call struct {
	RingTimeoutSec int `json:"ring_timeout_seconds"`
}

type Client struct {
	// ServerURL is the relay base URL, e.g. https://relay.example.com.
	ServerURL string `json:"server_url"`
	// Token is the session token; usually supplied via WISP_TOKEN.
	Token              string `json:"token"`
	DataDir            string `json:"data_dir"`
	HeartbeatSec       int    `json:"heartbeat_seconds"`
	MaxPending         int    `json:"max_pending"`
	ReconnectBaseMs    int    `json:"reconnect_base_ms"`
	ReconnectJitterMs  int    `json:"reconnect_jitter_ms"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:              ":8787",
			DataDir:           "data",
			RequestsPerMinute: 300,
		},
		Session: Session{
			TTLHours:   24,
			CookieName: "wisp_session",
		},
		Presence: Presence{
			HeartbeatSec:       30,
			LivenessTimeoutSec: 75,
		},
		Call: Call{
			RingTimeoutSec: 30,
		},
		Client: Client{
			ServerURL:         "http://127.0.0.1:8787",
			DataDir:           "data",
			HeartbeatSec:      20,
			MaxPending:        200,
			ReconnectBaseMs:   1500,
			ReconnectJitterMs: 1000,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if strings.TrimSpace(c.Server.DataDir) == "" {
		return errors.New("server.data_dir is required")
	}
	if c.Session.TTLHours <= 0 {
		return errors.New("session.ttl_hours must be > 0")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return errors.New("session.cookie_name is required")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.LivenessTimeoutSec <= c.Presence.HeartbeatSec {
		return errors.New("presence.liveness_timeout_seconds must exceed presence.heartbeat_seconds")
	}
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	if c.Client.MaxPending <= 0 {
		return errors.New("client.max_pending must be > 0")
	}
	if c.Client.ReconnectBaseMs <= 0 || c.Client.ReconnectJitterMs <= 0 {
		return errors.New("client reconnect timings must be > 0")
	}
	if u := strings.TrimSpace(c.Client.ServerURL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return errors.New("client.server_url must be an http(s) URL")
		}
	}
	// One VAPID key without the other can never work.
	if (c.Push.VapidPublicKey == "") != (c.Push.VapidPrivateKey == "") {
		return errors.New("push.vapid_public_key and push.vapid_private_key must be set together")
	}
	return nil
}

// Load reads and validates the config file, layering environment overrides
// on top. A .env file next to the working directory is honored first, the
// Klickk-style dotenv convention.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets secrets live in the environment instead of the config file.
func (c *Config) applyEnv() {
	override(&c.Session.Secret, "WISP_SESSION_SECRET")
	override(&c.Push.VapidPublicKey, "WISP_VAPID_PUBLIC_KEY")
	override(&c.Push.VapidPrivateKey, "WISP_VAPID_PRIVATE_KEY")
	override(&c.Push.Contact, "WISP_VAPID_CONTACT")
	override(&c.Turn.Username, "WISP_TURN_USERNAME")
	override(&c.Turn.Credential, "WISP_TURN_CREDENTIAL")
	override(&c.Client.Token, "WISP_TOKEN")
	override(&c.Client.ServerURL, "WISP_SERVER_URL")
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
