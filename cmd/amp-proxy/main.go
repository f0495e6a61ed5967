package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/pi-cli/amp-proxy/internal/affinity"
	"github.com/pi-cli/amp-proxy/internal/config"
	"github.com/pi-cli/amp-proxy/internal/cooldown"
	"github.com/pi-cli/amp-proxy/internal/credstore"
	"github.com/pi-cli/amp-proxy/internal/events"
	"github.com/pi-cli/amp-proxy/internal/oauth"
	"github.com/pi-cli/amp-proxy/internal/provider"
	"github.com/pi-cli/amp-proxy/internal/relay"
	"github.com/pi-cli/amp-proxy/internal/router"
	"github.com/pi-cli/amp-proxy/internal/server"
	"github.com/pi-cli/amp-proxy/internal/stats"
	"github.com/pi-cli/amp-proxy/internal/transport"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve":
		os.Exit(runServe(cfg, logHandler))
	case "login":
		os.Exit(runLogin(cfg, os.Args[2:]))
	case "logout":
		os.Exit(runLogout(cfg, os.Args[2:]))
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `amp-proxy %s

Usage:
  amp-proxy [serve]             run the proxy (default)
  amp-proxy login <provider>    log in a provider account (anthropic|codex|google)
  amp-proxy logout <provider> [account]
                                remove one account, or all for the provider
  amp-proxy help                show this help
`, version)
}

func runServe(cfg *config.Config, logHandler *events.LogHandler) int {
	slog.Info("amp-proxy starting", "version", version)

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("credential store init failed", "error", err)
		return 1
	}
	defer store.Close()
	slog.Info("credential store ready", "path", cfg.DBPath)

	tm, err := transport.NewManager(cfg)
	if err != nil {
		slog.Error("transport init failed", "error", err)
		return 1
	}
	defer tm.Close()

	engine := oauth.NewEngine(store, tm.Client())

	var adapters []provider.Adapter
	if cfg.EnableAnthropic {
		adapters = append(adapters, provider.NewAnthropic(engine, store, tm))
	}
	if cfg.EnableCodex {
		adapters = append(adapters, provider.NewCodex(engine, store, tm))
	}
	if cfg.EnableGoogle {
		adapters = append(adapters,
			provider.NewGemini(engine, store, tm),
			provider.NewAntigravity(engine, store, tm),
		)
	}

	cd := cooldown.NewTracker()
	aff := affinity.NewTable()
	relayEngine := relay.NewEngine(router.New(adapters, cd, aff, store), cd)

	srv := server.New(cfg, relayEngine, engine, aff, stats.NewCollector(), logHandler)
	if err := srv.Run(context.Background()); err != nil {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}

func runLogin(cfg *config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: amp-proxy login <anthropic|codex|google>")
		return 1
	}
	p := oauth.ByName(args[0])
	if p == nil {
		fmt.Fprintf(os.Stderr, "unknown provider: %s\n", args[0])
		return 1
	}

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("credential store init failed", "error", err)
		return 1
	}
	defer store.Close()

	tm, err := transport.NewManager(cfg)
	if err != nil {
		slog.Error("transport init failed", "error", err)
		return 1
	}
	defer tm.Close()

	engine := oauth.NewEngine(store, tm.Client())
	creds, account, err := engine.Login(context.Background(), p)
	if err != nil {
		slog.Error("login failed", "provider", p.Name, "error", err)
		return 1
	}

	who := creds.Email
	if who == "" {
		who = creds.AccountID
	}
	fmt.Printf("logged in %s account %d", p.Name, account)
	if who != "" {
		fmt.Printf(" (%s)", who)
	}
	fmt.Println()
	return 0
}

func runLogout(cfg *config.Config, args []string) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(os.Stderr, "usage: amp-proxy logout <anthropic|codex|google> [account]")
		return 1
	}
	p := oauth.ByName(args[0])
	if p == nil {
		fmt.Fprintf(os.Stderr, "unknown provider: %s\n", args[0])
		return 1
	}

	store, err := openStore(cfg)
	if err != nil {
		slog.Error("credential store init failed", "error", err)
		return 1
	}
	defer store.Close()

	ctx := context.Background()
	if len(args) == 2 {
		account, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid account: %s\n", args[1])
			return 1
		}
		if err := store.Remove(ctx, p.Name, account); err != nil {
			slog.Error("logout failed", "provider", p.Name, "account", account, "error", err)
			return 1
		}
		fmt.Printf("removed %s account %d\n", p.Name, account)
		return 0
	}

	if err := store.RemoveAll(ctx, p.Name); err != nil {
		slog.Error("logout failed", "provider", p.Name, "error", err)
		return 1
	}
	fmt.Printf("removed all %s accounts\n", p.Name)
	return 0
}

func openStore(cfg *config.Config) (*credstore.Store, error) {
	var crypto *credstore.Crypto
	if cfg.EncryptionKey != "" {
		crypto = credstore.NewCrypto(cfg.EncryptionKey)
	}
	return credstore.Open(cfg.DBPath, crypto)
}
