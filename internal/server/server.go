// Package server owns the running system: the event bus, the OMS cache, the
// symbol registry and the broker adapters, plus the operations the RPC layer
// exposes (intent routing, cancel, sync, harmony, subscriptions).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rfzwl/janus/internal/bus"
	"github.com/rfzwl/janus/internal/config"
	"github.com/rfzwl/janus/internal/oms"
	"github.com/rfzwl/janus/internal/registry"
	"github.com/rfzwl/janus/internal/router"
	"github.com/rfzwl/janus/pkg/types"
)

// timerSubscriber is implemented by adapters that run periodic health checks.
type timerSubscriber interface {
	OnTimer()
}

// Server glues the subsystems together.
type Server struct {
	cfg    *config.Config
	bus    *bus.Bus
	oms    *oms.Cache
	reg    *registry.Registry
	router *router.Router
	logger *slog.Logger
}

// New assembles a server over already-constructed subsystems. Adapters are
// registered on the router before Start.
func New(cfg *config.Config, b *bus.Bus, cache *oms.Cache, reg *registry.Registry, rt *router.Router, logger *slog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		bus:    b,
		oms:    cache,
		reg:    reg,
		router: rt,
		logger: logger.With("component", "server"),
	}
}

// Bus exposes the event bus to the RPC publisher.
func (s *Server) Bus() *bus.Bus { return s.bus }

// OMS exposes the cache to RPC queries.
func (s *Server) OMS() *oms.Cache { return s.oms }

// Registry exposes the symbol registry.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Router exposes the order router.
func (s *Server) Router() *router.Router { return s.router }

// DefaultAccount is the alias clients target when they name none.
func (s *Server) DefaultAccount() string { return s.cfg.DefaultAccount() }

// DefaultRTH is the regular-trading-hours flag used when a bars request
// carries none.
func (s *Server) DefaultRTH() bool { return s.cfg.MarketData.UseRTH }

// Start brings the bus up, connects every adapter and wires periodic health
// checks, then subscribes the configured default market data.
func (s *Server) Start(ctx context.Context) error {
	s.oms.Attach(s.bus)
	s.bus.Start()

	for _, gw := range s.router.Gateways() {
		if err := gw.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", gw.Alias(), err)
		}
		if ts, ok := gw.(timerSubscriber); ok {
			s.bus.Subscribe(bus.TypeTimer, func(bus.Event) { ts.OnTimer() })
		}
		s.logger.Info("adapter connected", "account", gw.Alias(), "broker", gw.Broker())
	}

	for _, symbol := range s.cfg.MarketData.DefaultSymbols {
		if err := s.SubscribeBars([]string{symbol}, s.DefaultAccount(), s.cfg.MarketData.UseRTH); err != nil {
			s.logger.Warn("default subscription failed", "symbol", symbol, "error", err)
		}
	}
	return nil
}

// Stop tears down in order: bus first (drains pending events), adapters last.
// The RPC listener stops before Stop is called.
func (s *Server) Stop() {
	s.bus.Stop()
	for _, gw := range s.router.Gateways() {
		if err := gw.Close(); err != nil {
			s.logger.Warn("adapter close failed", "account", gw.Alias(), "error", err)
		}
	}
}

// SendIntent routes one order intent; empty alias targets the default account.
func (s *Server) SendIntent(ctx context.Context, intent types.OrderIntent) (string, error) {
	if intent.AccountAlias == "" {
		intent.AccountAlias = s.DefaultAccount()
	}
	return s.router.Route(ctx, intent)
}

// CancelOrder cancels by vt_orderid ("{alias}.{orderid}").
func (s *Server) CancelOrder(vtOrderID string) error {
	alias, orderID, ok := strings.Cut(vtOrderID, ".")
	if !ok || alias == "" || orderID == "" {
		return fmt.Errorf("%w: malformed vt_orderid %q", types.ErrInvalidIntent, vtOrderID)
	}
	gw, found := s.router.Gateway(alias)
	if !found {
		return fmt.Errorf("%w: unknown account %q", types.ErrInvalidIntent, alias)
	}

	req := types.CancelRequest{OrderID: orderID}
	if order, cached := s.oms.Order(vtOrderID); cached {
		req.Symbol = order.Symbol
	}
	return gw.CancelOrder(req)
}

// Sync triggers a full snapshot refresh on every adapter.
func (s *Server) Sync() {
	for _, gw := range s.router.Gateways() {
		gw.QueryAccount()
		gw.QueryPosition()
		gw.QueryOpenOrders()
	}
	s.logger.Info("sync requested", "adapters", len(s.router.Gateways()))
}

// SubscribeBars subscribes market data for canonical symbols on one account.
// rth restricts the stream to regular trading hours.
func (s *Server) SubscribeBars(symbols []string, alias string, rth bool) error {
	if alias == "" {
		alias = s.DefaultAccount()
	}
	gw, found := s.router.Gateway(alias)
	if !found {
		return fmt.Errorf("%w: unknown account %q", types.ErrInvalidIntent, alias)
	}
	for _, symbol := range symbols {
		canonical := registry.Normalize(symbol)
		req := types.SubscribeRequest{Symbol: canonical, Exchange: "SMART", Rth: rth}
		if entry, ok := s.reg.ByCanonical(canonical); ok {
			req.Conid = entry.IBConid
		}
		if err := gw.Subscribe(req); err != nil {
			return fmt.Errorf("subscribe %s: %w", canonical, err)
		}
	}
	return nil
}

// UnsubscribeBars cancels market data for canonical symbols on one account.
func (s *Server) UnsubscribeBars(symbols []string, alias string) error {
	if alias == "" {
		alias = s.DefaultAccount()
	}
	gw, found := s.router.Gateway(alias)
	if !found {
		return fmt.Errorf("%w: unknown account %q", types.ErrInvalidIntent, alias)
	}
	for _, symbol := range symbols {
		canonical := registry.Normalize(symbol)
		if err := gw.Unsubscribe(types.SubscribeRequest{Symbol: canonical, Exchange: "SMART"}); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", canonical, err)
		}
	}
	return nil
}

// BrokerAccount is one row of the broker_list reply.
type BrokerAccount struct {
	Alias   string `json:"alias"`
	Broker  string `json:"broker"`
	Default bool   `json:"default"`
}

// BrokerList reports the configured accounts with the default marker.
func (s *Server) BrokerList() []BrokerAccount {
	def := s.DefaultAccount()
	out := make([]BrokerAccount, 0, len(s.cfg.Accounts))
	for _, acct := range s.cfg.Accounts {
		out = append(out, BrokerAccount{
			Alias:   acct.Alias,
			Broker:  acct.Broker,
			Default: acct.Alias == def,
		})
	}
	return out
}
