// wisp is the terminal client: encrypted chat and call negotiation against a
// wispd relay.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/wisplink/wisp/internal/call"
	"github.com/wisplink/wisp/internal/chat"
	"github.com/wisplink/wisp/internal/client"
	"github.com/wisplink/wisp/internal/config"
	"github.com/wisplink/wisp/internal/directory"
	"github.com/wisplink/wisp/internal/keyring"
	"github.com/wisplink/wisp/internal/proto"
	"github.com/wisplink/wisp/internal/storage"
	"github.com/wisplink/wisp/internal/util"
)

var log = logging.Logger("wisp")

func main() {
	var (
		configPath = flag.String("config", "wisp.json", "path to config file")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logging.SetAllLoggers(logging.LevelError)
	if *verbose {
		logging.SetAllLoggers(logging.LevelDebug)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "wisp:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, _, err := config.Ensure(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Client.Token == "" {
		return fmt.Errorf("session token required (set WISP_TOKEN or client.token)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The session endpoint doubles as the connect gate: a bad token fails
	// here instead of in a websocket close code.
	self, err := whoami(ctx, cfg.Client.ServerURL, cfg.Client.Token)
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s\n", self)

	// A relative data dir lives next to the config file, not the cwd.
	db, err := storage.Open(util.ResolvePath(filepath.Dir(configPath), cfg.Client.DataDir))
	if err != nil {
		return err
	}
	defer db.Close()

	dir := directory.NewClient(cfg.Client.ServerURL, cfg.Client.Token)
	ring := keyring.New(self, db, dir)
	if _, err := ring.Ensure(ctx); err != nil {
		return fmt.Errorf("device keypair: %w", err)
	}

	rt := client.New(client.Config{
		URL:               wsURL(cfg.Client.ServerURL) + "/ws",
		Token:             cfg.Client.Token,
		HeartbeatInterval: time.Duration(cfg.Client.HeartbeatSec) * time.Second,
		QueueLimit:        cfg.Client.MaxPending,
		ReconnectBase:     time.Duration(cfg.Client.ReconnectBaseMs) * time.Millisecond,
		ReconnectJitter:   time.Duration(cfg.Client.ReconnectJitterMs) * time.Millisecond,
	})

	chats := chat.New(self, ring, db, rt)

	ice, err := fetchICEServers(ctx, cfg.Client.ServerURL, cfg.Client.Token)
	if err != nil {
		log.Warnf("turn credentials unavailable: %v", err)
	}
	calls := call.NewManager(rt, call.NewPionFactory(ice))
	calls.SetRingTimeout(time.Duration(cfg.Call.RingTimeoutSec) * time.Second)
	defer calls.Close()

	ui := &console{calls: calls}

	rt.OnSignal(func(from string, p *proto.Payload) {
		if p.IsCall() {
			calls.HandleSignal(ctx, from, p)
			return
		}
		chats.HandleSignal(ctx, from, p)
	})
	rt.OnPresence(func(online []string) {
		fmt.Printf("* online: %s\n", strings.Join(online, ", "))
	})
	calls.OnIncoming(ui.incoming)
	calls.OnEnded(func(id, peerID, reason string) {
		ui.ended(id)
		fmt.Printf("* call with %s ended (%s)\n", peerID, reason)
	})

	events, stopEvents := chats.Subscribe()
	defer stopEvents()
	go func() {
		for evt := range events {
			line := evt.Text
			if evt.KeyRotated {
				line += " (device key changed; older history is unrecoverable)"
			}
			fmt.Printf("%s> %s\n", evt.From, line)
		}
	}()

	go func() {
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("transport stopped: %v", err)
		}
	}()
	defer rt.Close()

	return repl(ctx, cancel, self, rt, chats, ui)
}

// console tracks the single call the terminal UI can juggle at a time.
type console struct {
	calls *call.Manager

	mu      sync.Mutex
	ringing *call.IncomingCall
	active  string
}

func (c *console) incoming(ic *call.IncomingCall) {
	c.mu.Lock()
	c.ringing = ic
	c.mu.Unlock()
	fmt.Printf("* incoming call from %s: /answer or /reject\n", ic.From)
}

func (c *console) answer(ctx context.Context) {
	c.mu.Lock()
	ic := c.ringing
	c.ringing = nil
	c.mu.Unlock()
	if ic == nil {
		fmt.Println("no ringing call")
		return
	}
	if err := ic.Accept(ctx); err != nil {
		fmt.Println("answer failed:", err)
		return
	}
	c.mu.Lock()
	c.active = ic.ID
	c.mu.Unlock()
}

func (c *console) reject() {
	c.mu.Lock()
	ic := c.ringing
	c.ringing = nil
	c.mu.Unlock()
	if ic == nil {
		fmt.Println("no ringing call")
		return
	}
	ic.Reject()
}

func (c *console) hangup() {
	c.mu.Lock()
	id := c.active
	c.active = ""
	c.mu.Unlock()
	if id == "" {
		fmt.Println("no active call")
		return
	}
	c.calls.Hangup(id)
}

func (c *console) started(id string) {
	c.mu.Lock()
	c.active = id
	c.mu.Unlock()
}

func (c *console) ended(id string) {
	c.mu.Lock()
	if c.active == id {
		c.active = ""
	}
	if c.ringing != nil && c.ringing.ID == id {
		c.ringing = nil
	}
	c.mu.Unlock()
}

func repl(ctx context.Context, cancel context.CancelFunc, self string, rt *client.Client, chats *chat.Manager, ui *console) error {
	fmt.Println("commands: /msg <user> <text>, /history <user>, /call <user>, /answer, /reject, /hangup, /who, /away, /back, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")

		switch cmd {
		case "/msg":
			to, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: /msg <user> <text>")
				continue
			}
			if err := chats.Send(ctx, strings.ToLower(to), text); err != nil {
				fmt.Println("send failed:", err)
			}

		case "/history":
			msgs, err := chats.History(strings.ToLower(strings.TrimSpace(rest)))
			if err != nil {
				fmt.Println("history failed:", err)
				continue
			}
			for _, m := range msgs {
				body := m.Body
				if m.Encrypted {
					body = "(encrypted)"
				}
				fmt.Printf("  [%s] %s -> %s: %s\n",
					time.UnixMilli(m.TS).Format("15:04"), m.Sender, m.Recipient, body)
			}

		case "/call":
			id, err := ui.calls.Start(ctx, strings.ToLower(strings.TrimSpace(rest)))
			if err != nil {
				fmt.Println("call failed:", err)
				continue
			}
			ui.started(id)
			fmt.Println("ringing...")

		case "/answer":
			ui.answer(ctx)
		case "/reject":
			ui.reject()
		case "/hangup":
			ui.hangup()

		case "/who":
			if err := rt.RequestPresence(); err != nil {
				fmt.Println("not connected")
			}
		case "/away":
			rt.SetVisible(false)
		case "/back":
			rt.SetVisible(true)

		case "/quit":
			cancel()
			return nil

		default:
			fmt.Println("unknown command:", cmd)
		}
	}
	cancel()
	return scanner.Err()
}

func whoami(ctx context.Context, baseURL, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/session", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return "", fmt.Errorf("reach relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session rejected (status %d)", resp.StatusCode)
	}

	var body struct {
		User string `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.User, nil
}

func fetchICEServers(ctx context.Context, baseURL, token string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/get-turn-credentials", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(body.ICEServers))
	for _, s := range body.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out, nil
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
