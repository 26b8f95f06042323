// wispd is the relay server: presence, signal relay, push fallback, the
// public-key directory and TURN credential handout.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/wisplink/wisp/internal/config"
	"github.com/wisplink/wisp/internal/httpapi"
	"github.com/wisplink/wisp/internal/presence"
	"github.com/wisplink/wisp/internal/push"
	"github.com/wisplink/wisp/internal/relay"
	"github.com/wisplink/wisp/internal/session"
	"github.com/wisplink/wisp/internal/storage"
	"github.com/wisplink/wisp/internal/util"
)

var log = logging.Logger("wispd")

func main() {
	var (
		configPath = flag.String("config", "wispd.json", "path to config file")
		issueToken = flag.String("issue-token", "", "mint a session token for an identity and exit")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logging.SetAllLoggers(logging.LevelInfo)
	if *verbose {
		logging.SetAllLoggers(logging.LevelDebug)
	}

	if err := run(*configPath, *issueToken); err != nil {
		fmt.Fprintln(os.Stderr, "wispd:", err)
		os.Exit(1)
	}
}

func run(configPath, issueToken string) error {
	cfg, created, err := config.Ensure(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		log.Infof("wrote default config to %s", configPath)
	}
	if cfg.Session.Secret == "" {
		return fmt.Errorf("session secret required (set WISP_SESSION_SECRET or session.secret)")
	}

	sessions := session.NewManager(cfg.Session.Secret, time.Duration(cfg.Session.TTLHours)*time.Hour)

	// Operator-side token minting; there is no self-serve signup surface.
	if issueToken != "" {
		token, err := sessions.Issue(issueToken)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	// A relative data dir lives next to the config file, not the cwd.
	db, err := storage.Open(util.ResolvePath(filepath.Dir(configPath), cfg.Server.DataDir))
	if err != nil {
		return err
	}
	defer db.Close()

	reg := presence.NewRegistry()
	rel := relay.New(reg)

	audit := relay.NewAuditTrail(256)
	rel.OnOutcome(audit.Record)

	if cfg.Push.VapidPublicKey != "" {
		provider := push.NewWebPushProvider(cfg.Push.VapidPublicKey, cfg.Push.VapidPrivateKey, cfg.Push.Contact)
		dispatcher := push.NewDispatcher(db, provider)
		rel.OnOutcome(dispatcher.OnDeliveryOutcome)
		log.Info("push fallback enabled")
	} else {
		log.Info("push fallback disabled: no VAPID keys configured")
	}

	gateway := relay.NewGateway(reg, rel, sessions, relay.GatewayConfig{
		CookieName:        cfg.Session.CookieName,
		Origin:            cfg.Server.Origin,
		HeartbeatInterval: time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
		LivenessTimeout:   time.Duration(cfg.Presence.LivenessTimeoutSec) * time.Second,
	})

	api := httpapi.NewServer(httpapi.Config{
		CookieName:        cfg.Session.CookieName,
		AllowedOrigin:     cfg.Server.Origin,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		VapidPublicKey:    cfg.Push.VapidPublicKey,
		Turn: httpapi.TurnConfig{
			StunURLs:   cfg.Turn.StunURLs,
			TurnURLs:   cfg.Turn.TurnURLs,
			Username:   cfg.Turn.Username,
			Credential: cfg.Turn.Credential,
		},
	}, sessions, db, reg, audit, gateway.Handler())

	// Hot reload covers what can change without a restart; anything else
	// just logs so the operator knows a restart is due.
	watcher, err := config.Watch(configPath, func(next config.Config) {
		api.UpdateTurn(httpapi.TurnConfig{
			StunURLs:   next.Turn.StunURLs,
			TurnURLs:   next.Turn.TurnURLs,
			Username:   next.Turn.Username,
			Credential: next.Turn.Credential,
		})
		if next.Server.Addr != cfg.Server.Addr || next.Session.Secret != cfg.Session.Secret {
			log.Warn("server.addr / session.secret changes need a restart")
		}
	})
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Infof("shutting down on %s", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
