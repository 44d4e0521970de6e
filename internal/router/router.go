// Package router translates account-scoped order intents into broker-ready
// order requests: registry resolution with optional auto-fill, the short-sale
// position policy, and the capability gate.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rfzwl/janus/internal/gateway"
	"github.com/rfzwl/janus/internal/oms"
	"github.com/rfzwl/janus/internal/registry"
	"github.com/rfzwl/janus/pkg/types"
)

// Policy is the per-account routing policy from configuration.
type Policy struct {
	// AllowShort permits a SELL with zero net position to open a short.
	AllowShort bool

	// AutoFill permits writing missing broker ids through the registry's
	// auto-fill on first use.
	AutoFill bool

	// LocateRequired marks accounts whose broker demands a share locate
	// before shorting; the router logs it, locates happen out of band.
	LocateRequired bool
}

// Router owns the alias -> adapter map and routes intents.
type Router struct {
	reg    *registry.Registry
	oms    *oms.Cache
	logger *slog.Logger

	mu       sync.RWMutex
	gateways map[string]gateway.Gateway
	policies map[string]Policy
}

// New builds an empty router; adapters attach via Register.
func New(reg *registry.Registry, cache *oms.Cache, logger *slog.Logger) *Router {
	return &Router{
		reg:      reg,
		oms:      cache,
		logger:   logger.With("component", "router"),
		gateways: make(map[string]gateway.Gateway),
		policies: make(map[string]Policy),
	}
}

// Register attaches an adapter under its alias.
func (r *Router) Register(gw gateway.Gateway, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gateways[gw.Alias()] = gw
	r.policies[gw.Alias()] = p
}

// Gateway returns the adapter for an alias.
func (r *Router) Gateway(alias string) (gateway.Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, ok := r.gateways[alias]
	return gw, ok
}

// Gateways returns all registered adapters.
func (r *Router) Gateways() []gateway.Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gateway.Gateway, 0, len(r.gateways))
	for _, gw := range r.gateways {
		out = append(out, gw)
	}
	return out
}

// Route validates and dispatches one intent. The returned vt_orderid is live:
// a SUBMITTING snapshot was already emitted when Route returns.
func (r *Router) Route(ctx context.Context, intent types.OrderIntent) (string, error) {
	r.mu.RLock()
	gw, ok := r.gateways[intent.AccountAlias]
	policy := r.policies[intent.AccountAlias]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: unknown account %q", types.ErrInvalidIntent, intent.AccountAlias)
	}

	if intent.Qty <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive", types.ErrInvalidIntent)
	}
	if err := validatePrices(intent); err != nil {
		return "", err
	}

	canonical := registry.Normalize(intent.Symbol)
	entry, err := r.resolve(ctx, gw, canonical, policy.AutoFill)
	if err != nil {
		return "", err
	}

	direction, err := r.applyShortPolicy(intent, canonical, policy)
	if err != nil {
		return "", err
	}

	if !gw.Capabilities().Supports(intent.Type) {
		return "", fmt.Errorf("%w: %s cannot express %s orders",
			types.ErrCapabilityUnsupported, gw.Broker(), intent.Type)
	}

	req := types.OrderRequest{
		Direction: direction,
		Type:      intent.Type,
		Volume:    intent.Qty,
		Price:     intent.LimitPrice,
		StopPrice: intent.StopPrice,
		Tif:       intent.Tif,
	}
	switch gw.Broker() {
	case "ibkr":
		req.Symbol = entry.CanonicalSymbol
		req.Conid = entry.IBConid
		req.Exchange = "SMART"
	case "webull":
		req.Symbol = entry.WebullTicker
	default:
		req.Symbol = entry.CanonicalSymbol
	}

	return gw.SendOrder(req)
}

// resolve returns a registry entry carrying the broker id the target adapter
// needs, running auto-fill when permitted.
func (r *Router) resolve(ctx context.Context, gw gateway.Gateway, canonical string, autoFill bool) (registry.Entry, error) {
	entry, found := r.reg.ByCanonical(canonical)

	switch gw.Broker() {
	case "ibkr":
		if found && entry.IBConid != 0 {
			return entry, nil
		}
		if !autoFill {
			return registry.Entry{}, fmt.Errorf("%w: no conid for %s and auto-fill disabled",
				types.ErrRegistryMiss, canonical)
		}
		return r.reg.AutoFillIBConid(ctx, canonical, gw)
	case "webull":
		if found && entry.WebullTicker != "" {
			return entry, nil
		}
		if !autoFill {
			return registry.Entry{}, fmt.Errorf("%w: no ticker for %s and auto-fill disabled",
				types.ErrRegistryMiss, canonical)
		}
		return r.reg.AutoFillWebullTicker(ctx, canonical, gw)
	}

	if !found {
		return registry.Entry{}, fmt.Errorf("%w: unknown symbol %s", types.ErrRegistryMiss, canonical)
	}
	return entry, nil
}

// applyShortPolicy maps the intent side onto a direction. Explicit short and
// cover bypass the position check; a plain SELL consults the net position.
func (r *Router) applyShortPolicy(intent types.OrderIntent, canonical string, policy Policy) (types.Direction, error) {
	switch intent.Side {
	case types.SideBuy, types.SideCover:
		return types.DirectionLong, nil
	case types.SideShort:
		r.warnLocate(intent, policy)
		return types.DirectionShort, nil
	case types.SideSell:
		net := r.oms.NetPosition(intent.AccountAlias, canonical)
		switch {
		case net > 0:
			// reduces the long; partial over-sells flip per broker rules
			return types.DirectionShort, nil
		case net < 0:
			return types.DirectionShort, nil
		case policy.AllowShort:
			r.warnLocate(intent, policy)
			r.logger.Info("sell with flat position treated as open short",
				"account", intent.AccountAlias, "symbol", canonical)
			return types.DirectionShort, nil
		default:
			return "", fmt.Errorf("%w: selling %s with no position and shorting disabled",
				types.ErrInvalidIntent, canonical)
		}
	}
	return "", fmt.Errorf("%w: unknown side %q", types.ErrInvalidIntent, intent.Side)
}

func (r *Router) warnLocate(intent types.OrderIntent, policy Policy) {
	if policy.LocateRequired {
		r.logger.Warn("short requires a locate at this broker",
			"account", intent.AccountAlias, "symbol", intent.Symbol)
	}
}

func validatePrices(intent types.OrderIntent) error {
	switch intent.Type {
	case types.OrderTypeLimit:
		if intent.LimitPrice <= 0 {
			return fmt.Errorf("%w: limit order without limit price", types.ErrInvalidIntent)
		}
	case types.OrderTypeStop:
		if intent.StopPrice <= 0 {
			return fmt.Errorf("%w: stop order without stop price", types.ErrInvalidIntent)
		}
	case types.OrderTypeStopLimit:
		if intent.StopPrice <= 0 || intent.LimitPrice <= 0 {
			return fmt.Errorf("%w: stop-limit order needs both prices", types.ErrInvalidIntent)
		}
	}
	return nil
}
