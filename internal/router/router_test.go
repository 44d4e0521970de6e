package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/rfzwl/janus/internal/bus"
	"github.com/rfzwl/janus/internal/gateway"
	"github.com/rfzwl/janus/internal/oms"
	"github.com/rfzwl/janus/internal/registry"
	"github.com/rfzwl/janus/pkg/types"
)

const testSchema = `
CREATE TABLE symbol_registry (
    id               INTEGER PRIMARY KEY,
    canonical_symbol TEXT NOT NULL UNIQUE,
    asset_class      TEXT NOT NULL DEFAULT 'EQUITY',
    currency         TEXT NOT NULL DEFAULT 'USD',
    ib_conid         INTEGER UNIQUE,
    webull_ticker    TEXT UNIQUE,
    description      TEXT
);`

func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	store, err := registry.OpenSQL(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.DB().Exec(testSchema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	r := registry.New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

// fakeGateway records routed orders and serves scripted contract lookups.
type fakeGateway struct {
	alias   string
	broker  string
	caps    gateway.CapabilitySet
	details []types.ContractDetails

	sent []types.OrderRequest
}

func (f *fakeGateway) Alias() string                          { return f.alias }
func (f *fakeGateway) Broker() string                         { return f.broker }
func (f *fakeGateway) Capabilities() gateway.CapabilitySet    { return f.caps }
func (f *fakeGateway) Connect(ctx context.Context) error      { return nil }
func (f *fakeGateway) Close() error                           { return nil }
func (f *fakeGateway) Subscribe(types.SubscribeRequest) error { return nil }
func (f *fakeGateway) Unsubscribe(types.SubscribeRequest) error {
	return nil
}
func (f *fakeGateway) CancelOrder(types.CancelRequest) error { return nil }
func (f *fakeGateway) QueryAccount()                         {}
func (f *fakeGateway) QueryPosition()                        {}
func (f *fakeGateway) QueryOpenOrders()                      {}

func (f *fakeGateway) SendOrder(req types.OrderRequest) (string, error) {
	f.sent = append(f.sent, req)
	return fmt.Sprintf("%s.%d", f.alias, len(f.sent)), nil
}

func (f *fakeGateway) RequestContractDetails(ctx context.Context, q types.ContractQuery) ([]types.ContractDetails, error) {
	return f.details, nil
}

func allTypes() gateway.CapabilitySet {
	return gateway.CapabilitySet{
		types.OrderTypeMarket:    true,
		types.OrderTypeLimit:     true,
		types.OrderTypeStop:      true,
		types.OrderTypeStopLimit: true,
	}
}

// testEnv wires a router over a live bus-fed OMS cache.
type testEnv struct {
	router *Router
	reg    *registry.Registry
	bus    *bus.Bus
	cache  *oms.Cache
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(logger)
	cache := oms.New()
	cache.Attach(b)
	b.Start()
	t.Cleanup(b.Stop)

	reg := openTestRegistry(t)
	return &testEnv{
		router: New(reg, cache, logger),
		reg:    reg,
		bus:    b,
		cache:  cache,
	}
}

// setPosition feeds a position through the bus and waits for the cache.
func (e *testEnv) setPosition(t *testing.T, alias, symbol string, direction types.Direction, volume float64) {
	t.Helper()
	e.bus.Publish(bus.Event{Type: bus.TypePosition, Data: types.PositionData{
		AccountAlias: alias,
		Symbol:       symbol,
		Exchange:     "SMART",
		Direction:    direction,
		Volume:       volume,
	}})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.cache.NetPosition(alias, symbol) != 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("position never reached the cache")
}

func TestRouteComposesIBRequest(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	if _, err := env.reg.EnsureIB(context.Background(), "AAPL", 265598, "USD", "Apple Inc"); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	gw := &fakeGateway{alias: "ib_main", broker: "ibkr", caps: allTypes()}
	env.router.Register(gw, Policy{AutoFill: true})

	vt, err := env.router.Route(context.Background(), types.OrderIntent{
		AccountAlias: "ib_main",
		Symbol:       "aapl",
		Side:         types.SideBuy,
		Type:         types.OrderTypeLimit,
		Qty:          10,
		LimitPrice:   150,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if vt != "ib_main.1" {
		t.Fatalf("vt_orderid = %q", vt)
	}

	req := gw.sent[0]
	if req.Symbol != "AAPL" || req.Conid != 265598 || req.Exchange != "SMART" {
		t.Fatalf("request = %+v", req)
	}
	if req.Direction != types.DirectionLong || req.Volume != 10 || req.Price != 150 {
		t.Fatalf("request = %+v", req)
	}
}

func TestRouteAutoFillsMissingConid(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	gw := &fakeGateway{
		alias:  "ib_main",
		broker: "ibkr",
		caps:   allTypes(),
		details: []types.ContractDetails{
			{Conid: 4391, Symbol: "AMD", Exchange: "SMART", Currency: "USD", SecType: "STK"},
		},
	}
	env.router.Register(gw, Policy{AutoFill: true})

	_, err := env.router.Route(context.Background(), types.OrderIntent{
		AccountAlias: "ib_main",
		Symbol:       "AMD",
		Side:         types.SideBuy,
		Type:         types.OrderTypeMarket,
		Qty:          1,
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if gw.sent[0].Conid != 4391 {
		t.Fatalf("conid = %d, want auto-filled 4391", gw.sent[0].Conid)
	}
	entry, ok := env.reg.ByCanonical("AMD")
	if !ok || entry.IBConid != 4391 {
		t.Fatalf("registry entry = %+v, %v", entry, ok)
	}
}

func TestRouteRejectsAmbiguousAutoFill(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	gw := &fakeGateway{
		alias:  "ib_main",
		broker: "ibkr",
		caps:   allTypes(),
		details: []types.ContractDetails{
			{Conid: 1, Symbol: "PLTR", Exchange: "SMART"},
			{Conid: 2, Symbol: "PLTR", Exchange: "MEXI"},
		},
	}
	env.router.Register(gw, Policy{AutoFill: true})

	_, err := env.router.Route(context.Background(), types.OrderIntent{
		AccountAlias: "ib_main",
		Symbol:       "PLTR",
		Side:         types.SideBuy,
		Type:         types.OrderTypeMarket,
		Qty:          1,
	})
	if !errors.Is(err, types.ErrRegistryAmbiguous) {
		t.Fatalf("err = %v, want RegistryAmbiguous", err)
	}
	if len(gw.sent) != 0 {
		t.Fatal("ambiguous intent still reached the broker")
	}
	if _, ok := env.reg.ByCanonical("PLTR"); ok {
		t.Fatal("ambiguous lookup wrote to the registry")
	}
}

func TestRouteRejectsMissWhenAutoFillDisabled(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	gw := &fakeGateway{alias: "ib_main", broker: "ibkr", caps: allTypes(),
		details: []types.ContractDetails{{Conid: 1, Symbol: "AMD"}}}
	env.router.Register(gw, Policy{AutoFill: false})

	_, err := env.router.Route(context.Background(), types.OrderIntent{
		AccountAlias: "ib_main",
		Symbol:       "AMD",
		Side:         types.SideBuy,
		Type:         types.OrderTypeMarket,
		Qty:          1,
	})
	if !errors.Is(err, types.ErrRegistryMiss) {
		t.Fatalf("err = %v, want RegistryMiss", err)
	}
}

func TestCapabilityGateNeverDowngrades(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	if _, err := env.reg.EnsureWebull(context.Background(), "TSLA", types.AssetEquity, "USD", ""); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	gw := &fakeGateway{alias: "wb_main", broker: "webull", caps: gateway.CapabilitySet{
		types.OrderTypeMarket: true,
		types.OrderTypeLimit:  true,
		types.OrderTypeStop:   true,
	}}
	env.router.Register(gw, Policy{AllowShort: true, AutoFill: true})

	_, err := env.router.Route(context.Background(), types.OrderIntent{
		AccountAlias: "wb_main",
		Symbol:       "TSLA",
		Side:         types.SideBuy,
		Type:         types.OrderTypeStopLimit,
		Qty:          5,
		LimitPrice:   200,
		StopPrice:    199,
	})
	if !errors.Is(err, types.ErrCapabilityUnsupported) {
		t.Fatalf("err = %v, want CapabilityUnsupported", err)
	}
	if len(gw.sent) != 0 {
		t.Fatal("unsupported order type was sent anyway")
	}
}

func TestShortSalePolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		side       types.Side
		net        float64
		allowShort bool
		wantDir    types.Direction
		wantErr    bool
	}{
		{"sell reduces long", types.SideSell, 8, false, types.DirectionShort, false},
		{"sell increases short", types.SideSell, -3, false, types.DirectionShort, false},
		{"flat sell opens short when allowed", types.SideSell, 0, true, types.DirectionShort, false},
		{"flat sell rejected when shorting off", types.SideSell, 0, false, "", true},
		{"explicit short bypasses position check", types.SideShort, 0, false, types.DirectionShort, false},
		{"cover buys back", types.SideCover, -3, false, types.DirectionLong, false},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			env := newEnv(t)
			if _, err := env.reg.EnsureWebull(context.Background(), "TSLA", types.AssetEquity, "USD", ""); err != nil {
				t.Fatalf("seed registry: %v", err)
			}
			gw := &fakeGateway{alias: "wb_main", broker: "webull", caps: allTypes()}
			env.router.Register(gw, Policy{AllowShort: c.allowShort, AutoFill: true})

			if c.net > 0 {
				env.setPosition(t, "wb_main", "TSLA", types.DirectionLong, c.net)
			} else if c.net < 0 {
				env.setPosition(t, "wb_main", "TSLA", types.DirectionShort, -c.net)
			}

			_, err := env.router.Route(context.Background(), types.OrderIntent{
				AccountAlias: "wb_main",
				Symbol:       "TSLA",
				Side:         c.side,
				Type:         types.OrderTypeMarket,
				Qty:          5,
			})
			if c.wantErr {
				if !errors.Is(err, types.ErrInvalidIntent) {
					t.Fatalf("err = %v, want InvalidIntent", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("route: %v", err)
			}
			if gw.sent[0].Direction != c.wantDir {
				t.Fatalf("direction = %s, want %s", gw.sent[0].Direction, c.wantDir)
			}
		})
	}
}

func TestRouteRejectsBadIntents(t *testing.T) {
	t.Parallel()

	env := newEnv(t)
	gw := &fakeGateway{alias: "ib_main", broker: "ibkr", caps: allTypes()}
	env.router.Register(gw, Policy{})

	bad := []types.OrderIntent{
		{AccountAlias: "nobody", Symbol: "AAPL", Side: types.SideBuy, Type: types.OrderTypeMarket, Qty: 1},
		{AccountAlias: "ib_main", Symbol: "AAPL", Side: types.SideBuy, Type: types.OrderTypeMarket, Qty: 0},
		{AccountAlias: "ib_main", Symbol: "AAPL", Side: types.SideBuy, Type: types.OrderTypeLimit, Qty: 1},
		{AccountAlias: "ib_main", Symbol: "AAPL", Side: types.SideBuy, Type: types.OrderTypeStop, Qty: 1},
	}
	for i, intent := range bad {
		if _, err := env.router.Route(context.Background(), intent); !errors.Is(err, types.ErrInvalidIntent) {
			t.Errorf("case %d: err = %v, want InvalidIntent", i, err)
		}
	}
}

func TestIntentFromVerb(t *testing.T) {
	t.Parallel()

	cases := []struct {
		verb     string
		limit    float64
		stop     float64
		wantSide types.Side
		wantType types.OrderType
		wantErr  bool
	}{
		{"buy", 0, 0, types.SideBuy, types.OrderTypeMarket, false},
		{"buy", 150, 0, types.SideBuy, types.OrderTypeLimit, false},
		{"sell", 0, 0, types.SideSell, types.OrderTypeMarket, false},
		{"short", 42.5, 0, types.SideShort, types.OrderTypeLimit, false},
		{"cover", 0, 0, types.SideCover, types.OrderTypeMarket, false},
		{"bstop", 0, 151, types.SideBuy, types.OrderTypeStop, false},
		{"bstop", 152, 151, types.SideBuy, types.OrderTypeStopLimit, false},
		{"sstop", 0, 149, types.SideSell, types.OrderTypeStop, false},
		{"sstop", 148, 149, types.SideSell, types.OrderTypeStopLimit, false},
		{"bstop", 0, 0, "", "", true},
		{"buy", 0, 99, "", "", true},
		{"yolo", 0, 0, "", "", true},
	}
	for _, c := range cases {
		intent, err := IntentFromVerb("acct", c.verb, "AAPL", 10, c.limit, c.stop)
		if c.wantErr {
			if !errors.Is(err, types.ErrInvalidIntent) {
				t.Errorf("verb %q: err = %v, want InvalidIntent", c.verb, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("verb %q: %v", c.verb, err)
			continue
		}
		if intent.Side != c.wantSide || intent.Type != c.wantType {
			t.Errorf("verb %q = (%s, %s), want (%s, %s)", c.verb, intent.Side, intent.Type, c.wantSide, c.wantType)
		}
	}
}
