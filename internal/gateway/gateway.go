// Package gateway defines the capability contract every broker adapter
// implements, plus the small shared pieces (capability sets, the event sink).
//
// Adapters normalize broker callbacks into pkg/types snapshots and emit them
// through the EventBus; gateway methods themselves return promptly and never
// run blocking network I/O on the caller's goroutine.
package gateway

import (
	"context"
	"time"

	"github.com/rfzwl/janus/internal/bus"
	"github.com/rfzwl/janus/pkg/types"
)

// Gateway is the broker-agnostic capability surface.
//
// Universal preconditions: every method returns promptly; all side effects
// surface as events on the bus; Connect performs a first snapshot burst of
// account, positions, open orders and contracts.
type Gateway interface {
	// Alias is the account alias this adapter is registered under.
	Alias() string

	// Broker names the broker kind ("ibkr", "webull"); harmony iterates
	// per kind, not per account.
	Broker() string

	// Capabilities reports the order types this broker expresses natively.
	Capabilities() CapabilitySet

	Connect(ctx context.Context) error
	Close() error

	Subscribe(req types.SubscribeRequest) error
	Unsubscribe(req types.SubscribeRequest) error

	// SendOrder dispatches an order. A SUBMITTING OrderData for the returned
	// vt_orderid is emitted before SendOrder returns.
	SendOrder(req types.OrderRequest) (string, error)
	CancelOrder(req types.CancelRequest) error

	QueryAccount()
	QueryPosition()
	QueryOpenOrders()

	// RequestContractDetails is the one synchronous call: it blocks the
	// caller (with a bounded timeout via ctx) until the broker's result
	// stream completes. Used by the registry's auto-fill.
	RequestContractDetails(ctx context.Context, q types.ContractQuery) ([]types.ContractDetails, error)
}

// CapabilitySet is the order types an adapter can express. The router rejects
// anything absent; it never downgrades.
type CapabilitySet map[types.OrderType]bool

// Supports reports whether the order type is natively expressible.
func (c CapabilitySet) Supports(t types.OrderType) bool {
	return c[t]
}

// Sink is the emit side adapters write through. Wrapping the bus keeps the
// "clone then publish immutable value" discipline in one place.
type Sink struct {
	bus   *bus.Bus
	alias string
}

// NewSink binds an adapter's alias to the bus.
func NewSink(b *bus.Bus, alias string) *Sink {
	return &Sink{bus: b, alias: alias}
}

// OnTick publishes a merged tick snapshot.
func (s *Sink) OnTick(t types.TickData) {
	s.bus.Publish(bus.Event{Type: bus.TypeTick, Data: t.CloneExtra()})
}

// OnOrder publishes an order snapshot. The value is frozen from here on.
func (s *Sink) OnOrder(o types.OrderData) {
	s.bus.Publish(bus.Event{Type: bus.TypeOrder, Data: o})
}

// OnTrade publishes a fill.
func (s *Sink) OnTrade(t types.TradeData) {
	s.bus.Publish(bus.Event{Type: bus.TypeTrade, Data: t})
}

// OnPosition publishes a position snapshot.
func (s *Sink) OnPosition(p types.PositionData) {
	s.bus.Publish(bus.Event{Type: bus.TypePosition, Data: p})
}

// OnAccount publishes a balance snapshot.
func (s *Sink) OnAccount(a types.AccountData) {
	s.bus.Publish(bus.Event{Type: bus.TypeAccount, Data: a})
}

// OnContract publishes a contract definition.
func (s *Sink) OnContract(c types.ContractData) {
	s.bus.Publish(bus.Event{Type: bus.TypeContract, Data: c})
}

// OnLog publishes an adapter log line tagged with the account alias.
func (s *Sink) OnLog(level, msg string) {
	s.bus.Publish(bus.Event{Type: bus.TypeLog, Data: types.LogData{
		Msg:       msg,
		Source:    s.alias,
		Level:     level,
		Timestamp: time.Now(),
	}})
}
