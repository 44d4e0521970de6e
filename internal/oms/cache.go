// Package oms maintains the authoritative in-memory snapshot of orders,
// trades, positions, accounts and contracts.
//
// The cache is written exclusively by the event-bus worker (via the handlers
// registered in Attach) and read by anyone under a read lock. It derives the
// active-order set from order status and evicts zero-volume positions. It
// never calls back into adapters.
package oms

import (
	"sync"

	"github.com/rfzwl/janus/internal/bus"
	"github.com/rfzwl/janus/pkg/types"
)

// Cache is the order-management snapshot store.
type Cache struct {
	mu        sync.RWMutex
	orders    map[string]types.OrderData    // vt_orderid -> last snapshot
	active    map[string]types.OrderData    // vt_orderid -> active orders only
	trades    map[string]types.TradeData    // vt_tradeid -> fill
	positions map[string]types.PositionData // position key -> snapshot
	accounts  map[string]types.AccountData  // account_alias -> snapshot
	contracts map[string]types.ContractData // vt_symbol -> contract
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		orders:    make(map[string]types.OrderData),
		active:    make(map[string]types.OrderData),
		trades:    make(map[string]types.TradeData),
		positions: make(map[string]types.PositionData),
		accounts:  make(map[string]types.AccountData),
		contracts: make(map[string]types.ContractData),
	}
}

// Attach subscribes the cache to the bus. Must run before bus.Start so no
// event is missed.
func (c *Cache) Attach(b *bus.Bus) {
	b.Subscribe(bus.TypeOrder, func(e bus.Event) {
		if o, ok := e.Data.(types.OrderData); ok {
			c.applyOrder(o)
		}
	})
	b.Subscribe(bus.TypeTrade, func(e bus.Event) {
		if t, ok := e.Data.(types.TradeData); ok {
			c.applyTrade(t)
		}
	})
	b.Subscribe(bus.TypePosition, func(e bus.Event) {
		if p, ok := e.Data.(types.PositionData); ok {
			c.applyPosition(p)
		}
	})
	b.Subscribe(bus.TypeAccount, func(e bus.Event) {
		if a, ok := e.Data.(types.AccountData); ok {
			c.applyAccount(a)
		}
	})
	b.Subscribe(bus.TypeContract, func(e bus.Event) {
		if ct, ok := e.Data.(types.ContractData); ok {
			c.applyContract(ct)
		}
	})
}

func (c *Cache) applyOrder(o types.OrderData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := o.VtOrderID()
	c.orders[id] = o
	if o.Active() {
		c.active[id] = o
	} else {
		delete(c.active, id)
	}
}

func (c *Cache) applyTrade(t types.TradeData) {
	c.mu.Lock()
	c.trades[t.VtTradeID()] = t
	c.mu.Unlock()
}

func (c *Cache) applyPosition(p types.PositionData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.Volume == 0 {
		delete(c.positions, p.Key())
		return
	}
	c.positions[p.Key()] = p
}

func (c *Cache) applyAccount(a types.AccountData) {
	c.mu.Lock()
	c.accounts[a.AccountAlias] = a
	c.mu.Unlock()
}

func (c *Cache) applyContract(ct types.ContractData) {
	c.mu.Lock()
	c.contracts[ct.VtSymbol()] = ct
	c.mu.Unlock()
}

// Order returns the last snapshot for a vt_orderid.
func (c *Cache) Order(vtOrderID string) (types.OrderData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[vtOrderID]
	return o, ok
}

// ActiveOrders lists orders whose status is non-terminal.
func (c *Cache) ActiveOrders() []types.OrderData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.OrderData, 0, len(c.active))
	for _, o := range c.active {
		out = append(out, o)
	}
	return out
}

// Orders lists every order seen this session.
func (c *Cache) Orders() []types.OrderData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.OrderData, 0, len(c.orders))
	for _, o := range c.orders {
		out = append(out, o)
	}
	return out
}

// Trades lists every fill seen this session.
func (c *Cache) Trades() []types.TradeData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.TradeData, 0, len(c.trades))
	for _, t := range c.trades {
		out = append(out, t)
	}
	return out
}

// Position returns the snapshot for one account/symbol/direction slot.
func (c *Cache) Position(accountAlias, symbol string, direction types.Direction) (types.PositionData, bool) {
	key := types.PositionData{AccountAlias: accountAlias, Symbol: symbol, Direction: direction}.Key()
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[key]
	return p, ok
}

// NetPosition returns long volume minus short volume for an account/symbol.
func (c *Cache) NetPosition(accountAlias, symbol string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var net float64
	longKey := types.PositionData{AccountAlias: accountAlias, Symbol: symbol, Direction: types.DirectionLong}.Key()
	shortKey := types.PositionData{AccountAlias: accountAlias, Symbol: symbol, Direction: types.DirectionShort}.Key()
	if p, ok := c.positions[longKey]; ok {
		net += p.Volume
	}
	if p, ok := c.positions[shortKey]; ok {
		net -= p.Volume
	}
	return net
}

// Positions lists all non-zero position snapshots.
func (c *Cache) Positions() []types.PositionData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.PositionData, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}

// Account returns the balance snapshot for an alias.
func (c *Cache) Account(alias string) (types.AccountData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.accounts[alias]
	return a, ok
}

// Accounts lists all account snapshots.
func (c *Cache) Accounts() []types.AccountData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.AccountData, 0, len(c.accounts))
	for _, a := range c.accounts {
		out = append(out, a)
	}
	return out
}

// Contract returns the contract for a vt_symbol.
func (c *Cache) Contract(vtSymbol string) (types.ContractData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.contracts[vtSymbol]
	return ct, ok
}

// Contracts lists all known contracts.
func (c *Cache) Contracts() []types.ContractData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.ContractData, 0, len(c.contracts))
	for _, ct := range c.contracts {
		out = append(out, ct)
	}
	return out
}
