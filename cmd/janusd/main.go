// Janus — multi-broker order execution middleware. One process connects to
// every configured brokerage account, normalizes their events onto a shared
// bus, and exposes a JSON-RPC/WebSocket surface for terminal clients.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires adapters, waits for SIGINT/SIGTERM
//	server/server.go       — orchestrator: bus + OMS + registry + router lifecycle, RPC operations
//	server/harmony.go      — registry backfill: resolves missing broker identifiers once per broker kind
//	router/router.go       — intent routing: symbol resolution, short-sale policy, capability gate
//	registry/registry.go   — canonical symbol registry over sqlite with broker identifier auto-fill
//	gateway/ibkr/          — socket-protocol adapter: async frames, reconnect, tick merging
//	gateway/webull/        — HTTP adapter with gRPC trade-events stream and quote polling
//	oms/cache.go           — bus-fed cache of orders, trades, positions, accounts
//	rpc/                   — request/reply endpoints plus the WebSocket event publisher
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rfzwl/janus/internal/bus"
	"github.com/rfzwl/janus/internal/config"
	"github.com/rfzwl/janus/internal/gateway/ibkr"
	"github.com/rfzwl/janus/internal/gateway/webull"
	"github.com/rfzwl/janus/internal/oms"
	"github.com/rfzwl/janus/internal/registry"
	"github.com/rfzwl/janus/internal/router"
	"github.com/rfzwl/janus/internal/rpc"
	"github.com/rfzwl/janus/internal/server"
	"github.com/rfzwl/janus/pkg/types"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("JANUS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Symbol registry: a missing or unreadable database is fatal, running
	// without symbol resolution would misroute orders.
	store, err := registry.OpenSQL(cfg.Registry.Path)
	if err != nil {
		logger.Error("failed to open registry database", "error", err, "path", cfg.Registry.Path)
		os.Exit(1)
	}
	defer store.Close()

	reg := registry.New(store, logger)
	if err := reg.Load(context.Background()); err != nil {
		logger.Error("failed to load symbol registry", "error", err)
		os.Exit(1)
	}

	b := bus.New(logger)
	cache := oms.New()
	rt := router.New(reg, cache, logger)

	for _, acct := range cfg.Accounts {
		if err := buildAdapter(acct, cfg, b, rt, reg, logger); err != nil {
			logger.Error("failed to build adapter", "account", acct.Alias, "error", err)
			os.Exit(1)
		}
	}

	core := server.New(cfg, b, cache, reg, rt, logger)
	rpcServer := rpc.NewServer(cfg.RPC.Addr, core, logger)

	if err := core.Start(context.Background()); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := rpcServer.Start(); err != nil {
			logger.Error("rpc server failed", "error", err)
		}
	}()

	logger.Info("janus started",
		"accounts", len(cfg.Accounts),
		"default_account", cfg.DefaultAccount(),
		"rpc_addr", cfg.RPC.Addr,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop accepting RPC traffic first, then drain the core.
	if err := rpcServer.Stop(); err != nil {
		logger.Error("failed to stop rpc server", "error", err)
	}
	core.Stop()
}

// buildAdapter constructs one broker adapter from its account config and
// registers it on the router with the account's policy.
func buildAdapter(acct config.AccountConfig, cfg *config.Config, b *bus.Bus, rt *router.Router, reg *registry.Registry, logger *slog.Logger) error {
	policy := router.Policy{
		AllowShort:     acct.AllowShort,
		AutoFill:       acct.AutoFill,
		LocateRequired: acct.LocateRequired,
	}

	switch acct.Broker {
	case "ibkr":
		adapter := ibkr.New(ibkr.Config{
			Alias:          acct.Alias,
			Host:           acct.Host,
			Port:           acct.Port,
			ClientID:       acct.ClientID,
			ReconnectTicks: cfg.Reconnect.IntervalSeconds,
		}, b, logger)
		adapter.SetHarvest(func(symbol string, conid int64, currency, description string) {
			if _, err := reg.EnsureIB(context.Background(), symbol, conid, currency, description); err != nil {
				logger.Warn("holding harvest skipped", "symbol", symbol, "error", err)
			}
		})
		rt.Register(adapter, policy)

	case "webull":
		adapter := webull.New(webull.Config{
			Alias:   acct.Alias,
			BaseURL: acct.BaseURL,
			Credentials: webull.Credentials{
				AppKey:    acct.AppKey,
				AppSecret: acct.AppSecret,
				AccountID: acct.AccountID,
			},
			TradeEvents:     acct.TradeEvents.Enable,
			EventsAddr:      acct.TradeEvents.Host,
			ExtendedHours:   !cfg.MarketData.UseRTH,
			RefreshDebounce: time.Duration(cfg.RefreshDebounceMs) * time.Millisecond,
		}, b, logger)
		adapter.SetHarvest(func(ticker, description string) {
			if _, err := reg.EnsureWebull(context.Background(), ticker, types.AssetEquity, "USD", description); err != nil {
				logger.Warn("position harvest skipped", "ticker", ticker, "error", err)
			}
		})
		rt.Register(adapter, policy)

	default:
		return fmt.Errorf("unknown broker %q", acct.Broker)
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
