package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rfzwl/janus/internal/bus"
	"github.com/rfzwl/janus/internal/config"
	"github.com/rfzwl/janus/internal/gateway"
	"github.com/rfzwl/janus/internal/oms"
	"github.com/rfzwl/janus/internal/registry"
	"github.com/rfzwl/janus/internal/router"
	"github.com/rfzwl/janus/internal/server"
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

type fakeGateway struct {
	alias  string
	broker string

	mu         sync.Mutex
	sent       []types.OrderRequest
	subscribed []types.SubscribeRequest
}

func (f *fakeGateway) Alias() string  { return f.alias }
func (f *fakeGateway) Broker() string { return f.broker }
func (f *fakeGateway) Capabilities() gateway.CapabilitySet {
	return gateway.CapabilitySet{
		types.OrderTypeMarket: true,
		types.OrderTypeLimit:  true,
	}
}
func (f *fakeGateway) Connect(ctx context.Context) error { return nil }
func (f *fakeGateway) Close() error                      { return nil }
func (f *fakeGateway) Subscribe(req types.SubscribeRequest) error {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, req)
	f.mu.Unlock()
	return nil
}
func (f *fakeGateway) Unsubscribe(types.SubscribeRequest) error { return nil }
func (f *fakeGateway) CancelOrder(types.CancelRequest) error    { return nil }
func (f *fakeGateway) QueryAccount()                            {}
func (f *fakeGateway) QueryPosition()                           {}
func (f *fakeGateway) QueryOpenOrders()                         {}
func (f *fakeGateway) SendOrder(req types.OrderRequest) (string, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	return f.alias + ".1", nil
}

func (f *fakeGateway) sentOrders() []types.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.OrderRequest(nil), f.sent...)
}

func (f *fakeGateway) subscriptions() []types.SubscribeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.SubscribeRequest(nil), f.subscribed...)
}
func (f *fakeGateway) RequestContractDetails(ctx context.Context, q types.ContractQuery) ([]types.ContractDetails, error) {
	return nil, nil
}

// newTestRPC stands up the full stack behind an httptest listener.
func newTestRPC(t *testing.T) (*Server, *httptest.Server, *fakeGateway, *registry.Registry) {
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
	cache.Attach(b)
	b.Start()
	t.Cleanup(b.Stop)

	rt := router.New(reg, cache, logger)
	gw := &fakeGateway{alias: "ib_main", broker: "ibkr"}
	rt.Register(gw, router.Policy{AllowShort: true, AutoFill: false})

	cfg := &config.Config{
		Accounts:   []config.AccountConfig{{Broker: "ibkr", Alias: "ib_main", Default: true}},
		RPC:        config.RPCConfig{Addr: "127.0.0.1:0"},
		MarketData: config.MarketDataConfig{UseRTH: true},
	}
	core := server.New(cfg, b, cache, reg, rt, logger)

	s := NewServer(cfg.RPC.Addr, core, logger)
	go s.hub.Run()
	t.Cleanup(s.hub.Stop)
	core.Bus().SubscribeAll(s.publish)

	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)
	return s, ts, gw, reg
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSendOrderIntentVerb(t *testing.T) {
	t.Parallel()

	_, ts, gw, reg := newTestRPC(t)
	if _, err := reg.EnsureIB(context.Background(), "AAPL", 265598, "USD", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := postJSON(t, ts.URL+"/rpc/send_order_intent", map[string]any{
		"verb":   "buy",
		"symbol": "aapl",
		"qty":    10,
		"price":  150.0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var reply orderReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.VtOrderID != "ib_main.1" {
		t.Fatalf("vt_orderid = %q", reply.VtOrderID)
	}
	if sent := gw.sentOrders(); len(sent) != 1 || sent[0].Conid != 265598 {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestSubscribeBarsEndpointThreadsRth(t *testing.T) {
	t.Parallel()

	_, ts, gw, _ := newTestRPC(t)

	// No rth in the request: the configured use_rth default applies.
	resp := postJSON(t, ts.URL+"/rpc/subscribe_bars", map[string]any{
		"symbols": []string{"AAPL"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// Explicit rth overrides the default.
	resp = postJSON(t, ts.URL+"/rpc/subscribe_bars", map[string]any{
		"symbols": []string{"MSFT"},
		"rth":     false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	subs := gw.subscriptions()
	if len(subs) != 2 {
		t.Fatalf("subscriptions = %+v", subs)
	}
	if subs[0].Symbol != "AAPL" || !subs[0].Rth {
		t.Fatalf("default subscription = %+v, want rth from use_rth", subs[0])
	}
	if subs[1].Symbol != "MSFT" || subs[1].Rth {
		t.Fatalf("override subscription = %+v, want rth false", subs[1])
	}
}

func TestPublishIgnoresMistypedPayload(t *testing.T) {
	t.Parallel()

	s, _, _, _ := newTestRPC(t)

	// A payload that does not match its event type must be dropped, not
	// panic the bus worker.
	s.publish(bus.Event{Type: bus.TypeOrder, Data: "garbage"})
	s.publish(bus.Event{Type: bus.TypeTick, Data: 42})
	s.publish(bus.Event{Type: bus.TypeTrade, Data: nil})
	s.publish(bus.Event{Type: bus.TypePosition, Data: struct{}{}})
}

func TestErrorsWrapAsCodeMessage(t *testing.T) {
	t.Parallel()

	_, ts, _, _ := newTestRPC(t)

	// Unknown symbol with auto-fill off: registry miss.
	resp := postJSON(t, ts.URL+"/rpc/send_order_intent", map[string]any{
		"verb":   "buy",
		"symbol": "ZZZQ",
		"qty":    1,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var reply errorReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Error.Code != "registry_miss" || reply.Error.Message == "" {
		t.Fatalf("error = %+v", reply.Error)
	}

	// Bad verb: invalid intent.
	resp = postJSON(t, ts.URL+"/rpc/send_order_intent", map[string]any{
		"verb":   "yolo",
		"symbol": "AAPL",
		"qty":    1,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBrokerListEndpoint(t *testing.T) {
	t.Parallel()

	_, ts, _, _ := newTestRPC(t)

	resp, err := http.Get(ts.URL + "/rpc/broker_list")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var reply struct {
		Accounts []server.BrokerAccount `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(reply.Accounts) != 1 || !reply.Accounts[0].Default || reply.Accounts[0].Alias != "ib_main" {
		t.Fatalf("accounts = %+v", reply.Accounts)
	}
}

func TestPublisherFansOutTopics(t *testing.T) {
	t.Parallel()

	s, ts, _, _ := newTestRPC(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// Give the hub time to register the client before publishing.
	time.Sleep(50 * time.Millisecond)

	s.core.Bus().Publish(bus.Event{Type: bus.TypeOrder, Data: types.OrderData{
		AccountAlias: "ib_main",
		OrderID:      "7",
		Symbol:       "AAPL",
		Exchange:     "SMART",
		Status:       types.StatusNotTraded,
	}})

	topics := map[string]bool{}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(topics) < 2 {
		var evt Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v (topics so far %v)", err, topics)
		}
		if evt.Topic == "heartbeat" {
			continue
		}
		topics[evt.Topic] = true
	}
	if !topics["eOrder"] || !topics["eOrder.ib_main.7"] {
		t.Fatalf("topics = %v", topics)
	}
}
