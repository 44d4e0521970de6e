package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rfzwl/janus/internal/bus"
	"github.com/rfzwl/janus/internal/config"
	"github.com/rfzwl/janus/internal/gateway"
	"github.com/rfzwl/janus/internal/oms"
	"github.com/rfzwl/janus/internal/registry"
	"github.com/rfzwl/janus/internal/router"
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

// fakeGateway serves scripted contract lookups and counts snapshot queries.
type fakeGateway struct {
	alias     string
	broker    string
	perSymbol map[string][]types.ContractDetails

	accountQueries atomic.Int64
	posQueries     atomic.Int64
	orderQueries   atomic.Int64
	cancels        []types.CancelRequest
	subscribed     []types.SubscribeRequest
}

func (f *fakeGateway) Alias() string                       { return f.alias }
func (f *fakeGateway) Broker() string                      { return f.broker }
func (f *fakeGateway) Capabilities() gateway.CapabilitySet { return nil }
func (f *fakeGateway) Connect(ctx context.Context) error   { return nil }
func (f *fakeGateway) Close() error                        { return nil }
func (f *fakeGateway) Subscribe(req types.SubscribeRequest) error {
	f.subscribed = append(f.subscribed, req)
	return nil
}
func (f *fakeGateway) Unsubscribe(types.SubscribeRequest) error { return nil }
func (f *fakeGateway) SendOrder(types.OrderRequest) (string, error) {
	return f.alias + ".1", nil
}
func (f *fakeGateway) CancelOrder(req types.CancelRequest) error {
	f.cancels = append(f.cancels, req)
	return nil
}
func (f *fakeGateway) QueryAccount()    { f.accountQueries.Add(1) }
func (f *fakeGateway) QueryPosition()   { f.posQueries.Add(1) }
func (f *fakeGateway) QueryOpenOrders() { f.orderQueries.Add(1) }

func (f *fakeGateway) RequestContractDetails(ctx context.Context, q types.ContractQuery) ([]types.ContractDetails, error) {
	return f.perSymbol[q.Symbol], nil
}

func newTestServer(t *testing.T, accounts ...config.AccountConfig) (*Server, *registry.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := registry.OpenSQL(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQL: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.DB().Exec(testSchema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	reg := registry.New(store, logger)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	b := bus.New(logger)
	cache := oms.New()
	rt := router.New(reg, cache, logger)
	cfg := &config.Config{
		Accounts: accounts,
		RPC:      config.RPCConfig{Addr: "127.0.0.1:0"},
	}
	return New(cfg, b, cache, reg, rt, logger), reg
}

func TestHarmonyAggregates(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, config.AccountConfig{Broker: "ibkr", Alias: "ib_main"})
	ctx := context.Background()

	// Three symbols missing conids: one unique match, one ambiguous, one miss.
	for _, sym := range []string{"AMD", "PLTR", "ZZZQ"} {
		if _, err := reg.EnsureWebull(ctx, sym, types.AssetEquity, "USD", ""); err != nil {
			t.Fatalf("seed %s: %v", sym, err)
		}
	}
	gw := &fakeGateway{alias: "ib_main", broker: "ibkr", perSymbol: map[string][]types.ContractDetails{
		"AMD": {{Conid: 4391, Symbol: "AMD", Currency: "USD"}},
		"PLTR": {
			{Conid: 1, Symbol: "PLTR"},
			{Conid: 2, Symbol: "PLTR"},
		},
	}}
	srv.Router().Register(gw, router.Policy{AutoFill: true})

	result, err := srv.Harmony(ctx)
	if err != nil {
		t.Fatalf("harmony: %v", err)
	}
	if result.Filled != 1 || result.SkippedAmbiguous != 1 || result.SkippedNoMatch != 1 || result.Errors != 0 {
		t.Fatalf("result = %+v", result)
	}

	entry, ok := reg.ByCanonical("AMD")
	if !ok || entry.IBConid != 4391 {
		t.Fatalf("AMD entry = %+v", entry)
	}
	if entry, _ := reg.ByCanonical("PLTR"); entry.IBConid != 0 {
		t.Fatal("ambiguous symbol was written")
	}
}

func TestHarmonyAbortsOnStoreError(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, config.AccountConfig{Broker: "ibkr", Alias: "ib_main"})
	ctx := context.Background()

	// AAPL owns conid 100; the resolver claims MSFT maps to the same conid,
	// which the registry refuses as a store-level conflict.
	if _, err := reg.EnsureIB(ctx, "AAPL", 100, "USD", ""); err != nil {
		t.Fatalf("seed AAPL: %v", err)
	}
	if _, err := reg.EnsureWebull(ctx, "MSFT", types.AssetEquity, "USD", ""); err != nil {
		t.Fatalf("seed MSFT: %v", err)
	}
	gw := &fakeGateway{alias: "ib_main", broker: "ibkr", perSymbol: map[string][]types.ContractDetails{
		"MSFT": {{Conid: 100, Symbol: "MSFT", Currency: "USD"}},
	}}
	srv.Router().Register(gw, router.Policy{AutoFill: true})

	_, err := srv.Harmony(ctx)
	if !errors.Is(err, types.ErrRegistryStore) {
		t.Fatalf("err = %v, want RegistryStore abort", err)
	}
	if entry, _ := reg.ByCanonical("MSFT"); entry.IBConid != 0 {
		t.Fatal("aborted run still wrote MSFT")
	}
}

func TestHarmonyOncePerBrokerKind(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t,
		config.AccountConfig{Broker: "ibkr", Alias: "ib_main"},
		config.AccountConfig{Broker: "ibkr", Alias: "ib_second"},
	)
	ctx := context.Background()
	if _, err := reg.EnsureWebull(ctx, "AMD", types.AssetEquity, "USD", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	details := map[string][]types.ContractDetails{
		"AMD": {{Conid: 4391, Symbol: "AMD", Currency: "USD"}},
	}
	srv.Router().Register(&fakeGateway{alias: "ib_main", broker: "ibkr", perSymbol: details}, router.Policy{})
	srv.Router().Register(&fakeGateway{alias: "ib_second", broker: "ibkr", perSymbol: details}, router.Policy{})

	result, err := srv.Harmony(ctx)
	if err != nil {
		t.Fatalf("harmony: %v", err)
	}
	// One fill total, not one per account.
	if result.Filled != 1 {
		t.Fatalf("filled = %d, want 1", result.Filled)
	}
}

func TestSyncFansOut(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t,
		config.AccountConfig{Broker: "ibkr", Alias: "ib_main"},
		config.AccountConfig{Broker: "webull", Alias: "wb_main"},
	)
	ib := &fakeGateway{alias: "ib_main", broker: "ibkr"}
	wb := &fakeGateway{alias: "wb_main", broker: "webull"}
	srv.Router().Register(ib, router.Policy{})
	srv.Router().Register(wb, router.Policy{})

	srv.Sync()

	for _, gw := range []*fakeGateway{ib, wb} {
		if gw.accountQueries.Load() != 1 || gw.posQueries.Load() != 1 || gw.orderQueries.Load() != 1 {
			t.Fatalf("%s queries = %d/%d/%d", gw.alias,
				gw.accountQueries.Load(), gw.posQueries.Load(), gw.orderQueries.Load())
		}
	}
}

func TestCancelOrderParsesVtOrderID(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, config.AccountConfig{Broker: "ibkr", Alias: "ib_main"})
	gw := &fakeGateway{alias: "ib_main", broker: "ibkr"}
	srv.Router().Register(gw, router.Policy{})

	if err := srv.CancelOrder("ib_main.42"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(gw.cancels) != 1 || gw.cancels[0].OrderID != "42" {
		t.Fatalf("cancels = %+v", gw.cancels)
	}

	for _, bad := range []string{"", "ib_main", "nobody.42"} {
		if err := srv.CancelOrder(bad); !errors.Is(err, types.ErrInvalidIntent) {
			t.Errorf("CancelOrder(%q) = %v, want InvalidIntent", bad, err)
		}
	}
}

func TestBrokerListMarksDefault(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t,
		config.AccountConfig{Broker: "ibkr", Alias: "ib_main"},
		config.AccountConfig{Broker: "webull", Alias: "wb_main", Default: true},
	)
	list := srv.BrokerList()
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
	for _, row := range list {
		wantDefault := row.Alias == "wb_main"
		if row.Default != wantDefault {
			t.Fatalf("row %+v: default = %v", row, row.Default)
		}
	}
}

func TestSubscribeBarsResolvesConid(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, config.AccountConfig{Broker: "ibkr", Alias: "ib_main"})
	if _, err := reg.EnsureIB(context.Background(), "AAPL", 265598, "USD", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	gw := &fakeGateway{alias: "ib_main", broker: "ibkr"}
	srv.Router().Register(gw, router.Policy{})

	if err := srv.SubscribeBars([]string{"aapl"}, "ib_main", true); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(gw.subscribed) != 1 {
		t.Fatalf("subscribed = %+v", gw.subscribed)
	}
	if req := gw.subscribed[0]; req.Symbol != "AAPL" || req.Conid != 265598 || !req.Rth {
		t.Fatalf("request = %+v", req)
	}
}
