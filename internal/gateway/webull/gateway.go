package webull

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rfzwl/janus/internal/bus"
	"github.com/rfzwl/janus/internal/gateway"
	"github.com/rfzwl/janus/pkg/types"
)

const (
	defaultWorkers         = 4
	defaultPollInterval    = 3 * time.Second
	defaultRefreshDebounce = 1500 * time.Millisecond
	taskBuffer             = 128

	// US equities route through the broker's smart router.
	defaultExchange = "SMART"
)

// Config is the per-account setup.
type Config struct {
	Alias       string
	BaseURL     string
	EventsAddr  string
	Credentials Credentials

	// TradeEvents enables the gRPC status stream. Off, order state only
	// advances through snapshot refreshes.
	TradeEvents bool

	// ExtendedHours routes orders for pre/post-market eligibility.
	ExtendedHours bool

	Workers         int
	PollInterval    time.Duration
	RefreshDebounce time.Duration
}

// HarvestFunc receives tickers observed in the position snapshot so the
// registry can adopt them. Must not block.
type HarvestFunc func(ticker, description string)

// Adapter is the broker-A gateway. The REST SDK is synchronous, so every
// gateway method that touches it runs on the worker pool; the trade-events
// stream feeds order updates from its own goroutine. Order state lives in a
// mutex-guarded cache of immutable snapshots keyed by client order id.
type Adapter struct {
	cfg    Config
	client *Client
	stream *eventStream
	sink   *gateway.Sink
	caps   gateway.CapabilitySet
	logger *slog.Logger

	harvest HarvestFunc

	tasks   chan func()
	done    chan struct{}
	wg      sync.WaitGroup
	started sync.Once

	tradeSeq atomic.Int64

	mu             sync.Mutex
	orders         map[string]types.OrderData // client order id -> last snapshot
	brokerToClient map[string]string          // broker order id -> client order id
	subs           map[string]types.SubscribeRequest
	refreshArmed   bool
}

// New wires an adapter to the bus. Call Connect to go live.
func New(cfg Config, b *bus.Bus, logger *slog.Logger) *Adapter {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RefreshDebounce <= 0 {
		cfg.RefreshDebounce = defaultRefreshDebounce
	}
	logger = logger.With("component", "webull", "account", cfg.Alias)

	a := &Adapter{
		cfg:    cfg,
		client: NewClient(cfg.BaseURL, cfg.Credentials, logger),
		sink:   gateway.NewSink(b, cfg.Alias),
		caps: gateway.CapabilitySet{
			types.OrderTypeMarket: true,
			types.OrderTypeLimit:  true,
			types.OrderTypeStop:   true,
			// No native stop-limit; the router rejects rather than downgrade.
		},
		logger:         logger,
		tasks:          make(chan func(), taskBuffer),
		done:           make(chan struct{}),
		orders:         make(map[string]types.OrderData),
		brokerToClient: make(map[string]string),
		subs:           make(map[string]types.SubscribeRequest),
	}
	if cfg.TradeEvents {
		a.stream = newEventStream(cfg.EventsAddr, cfg.Credentials, logger)
		a.stream.handler = a.applyEvent
		a.stream.onFatal = func(reason string) {
			a.sink.OnLog("ERROR", fmt.Sprintf("trade-events stream stopped: %s", reason))
		}
	}
	return a
}

// Alias implements gateway.Gateway.
func (a *Adapter) Alias() string { return a.cfg.Alias }

// Broker implements gateway.Gateway.
func (a *Adapter) Broker() string { return "webull" }

// Capabilities implements gateway.Gateway.
func (a *Adapter) Capabilities() gateway.CapabilitySet { return a.caps }

// SetHarvest installs the registry adoption hook. Call before Connect.
func (a *Adapter) SetHarvest(fn HarvestFunc) { a.harvest = fn }

// Connect starts the worker pool, the quote poller and the trade-events
// stream, then schedules the first snapshot burst.
func (a *Adapter) Connect(ctx context.Context) error {
	a.started.Do(func() {
		for i := 0; i < a.cfg.Workers; i++ {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.worker()
			}()
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.pollQuotes()
		}()
		if a.stream != nil {
			a.stream.Start()
		}
	})

	a.QueryAccount()
	a.QueryPosition()
	a.QueryOpenOrders()
	a.sink.OnLog("INFO", "broker connected")
	return nil
}

// Close drains the pool and stops the stream.
func (a *Adapter) Close() error {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	if a.stream != nil {
		a.stream.Stop()
	}
	a.wg.Wait()
	return nil
}

// Subscribe starts quote polling for the ticker.
func (a *Adapter) Subscribe(req types.SubscribeRequest) error {
	a.mu.Lock()
	a.subs[req.Symbol] = req
	a.mu.Unlock()
	return nil
}

// Unsubscribe stops quote polling for the ticker.
func (a *Adapter) Unsubscribe(req types.SubscribeRequest) error {
	a.mu.Lock()
	delete(a.subs, req.Symbol)
	a.mu.Unlock()
	return nil
}

// SendOrder generates a client order id, emits the SUBMITTING snapshot, and
// schedules the HTTP placement on the pool. The vt_orderid is final before
// this returns.
func (a *Adapter) SendOrder(req types.OrderRequest) (string, error) {
	clientID := uuid.NewString()
	order := types.OrderData{
		AccountAlias: a.cfg.Alias,
		OrderID:      clientID,
		Symbol:       req.Symbol,
		Exchange:     defaultExchange,
		Direction:    req.Direction,
		Type:         req.Type,
		Volume:       req.Volume,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		Status:       types.StatusSubmitting,
		Tif:          req.Tif,
		Timestamp:    time.Now(),
	}

	a.mu.Lock()
	a.orders[clientID] = order
	a.mu.Unlock()
	a.sink.OnOrder(order)

	accepted := a.trySubmit(func() {
		wire := placeOrderRequest{
			ClientOrderID: clientID,
			Ticker:        req.Symbol,
			Side:          sideToWire[req.Direction],
			OrderType:     orderTypeToWire[req.Type],
			Qty:           decimal.NewFromFloat(req.Volume),
			Tif:           mapTif(req.Tif),
			ExtendedHours: a.cfg.ExtendedHours,
		}
		if req.Price != 0 {
			wire.LimitPrice = decimal.NewFromFloat(req.Price)
		}
		if req.StopPrice != 0 {
			wire.StopPrice = decimal.NewFromFloat(req.StopPrice)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		resp, err := a.client.PlaceOrder(ctx, wire)
		if err != nil {
			a.rejectOrder(clientID, err.Error())
			return
		}
		a.mu.Lock()
		if resp.OrderID != "" {
			a.brokerToClient[resp.OrderID] = clientID
		}
		a.mu.Unlock()
	})
	if !accepted {
		// Never strand a SUBMITTING order: if the pool cannot take the
		// placement, the order terminates right here.
		a.rejectOrder(clientID, "task queue full")
	}

	return order.VtOrderID(), nil
}

// CancelOrder schedules the HTTP cancel.
func (a *Adapter) CancelOrder(req types.CancelRequest) error {
	if !a.trySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.client.CancelOrder(ctx, req.OrderID); err != nil {
			a.sink.OnLog("WARN", fmt.Sprintf("cancel %s failed: %v", req.OrderID, err))
		}
	}) {
		return fmt.Errorf("%w: task queue full", types.ErrBrokerTransient)
	}
	return nil
}

// QueryAccount implements gateway.Gateway.
func (a *Adapter) QueryAccount() {
	a.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		bal, err := a.client.Balance(ctx)
		if err != nil {
			a.logger.Warn("balance query failed", "error", err)
			return
		}
		a.sink.OnAccount(types.AccountData{
			AccountAlias: a.cfg.Alias,
			Balance:      bal.TotalAsset.InexactFloat64(),
			Available:    bal.BuyingPower.InexactFloat64(),
			Currency:     bal.Currency,
		})
	})
}

// QueryPosition implements gateway.Gateway. Holdings feed the registry
// adoption hook.
func (a *Adapter) QueryPosition() {
	a.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		positions, err := a.client.Positions(ctx)
		if err != nil {
			a.logger.Warn("position query failed", "error", err)
			return
		}
		for _, p := range positions {
			qty := p.Qty.InexactFloat64()
			direction := types.DirectionLong
			if qty < 0 {
				direction = types.DirectionShort
				qty = -qty
			}
			a.sink.OnPosition(types.PositionData{
				AccountAlias: a.cfg.Alias,
				Symbol:       p.Ticker,
				Exchange:     defaultExchange,
				Direction:    direction,
				Volume:       qty,
				Price:        p.AvgCost.InexactFloat64(),
				PnL:          p.UnrealizedPnL.InexactFloat64(),
			})
			if a.harvest != nil {
				a.harvest(p.Ticker, "")
			}
		}
	})
}

// QueryOpenOrders implements gateway.Gateway. Working orders placed outside
// this session are adopted into the cache.
func (a *Adapter) QueryOpenOrders() {
	a.submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		items, err := a.client.OpenOrders(ctx)
		if err != nil {
			a.logger.Warn("open-orders query failed", "error", err)
			return
		}
		for _, item := range items {
			a.adoptOpenOrder(item)
		}
	})
}

// RequestContractDetails looks up instruments by ticker. The registry's
// auto-fill treats zero matches as a miss and several as ambiguous.
func (a *Adapter) RequestContractDetails(ctx context.Context, q types.ContractQuery) ([]types.ContractDetails, error) {
	instruments, err := a.client.LookupInstrument(ctx, q.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBrokerTransient, err)
	}
	details := make([]types.ContractDetails, 0, len(instruments))
	for _, ins := range instruments {
		details = append(details, types.ContractDetails{
			Symbol:   ins.Ticker,
			Exchange: ins.Exchange,
			Currency: ins.Currency,
			SecType:  ins.Type,
			LongName: ins.Name,
		})
	}
	return details, nil
}

// submit enqueues work on the pool without blocking the caller. Only
// droppable tasks go through here: queries retry on the next sync, quote
// polls repeat next interval. Order placement and cancels use trySubmit so
// the caller can fail loudly instead.
func (a *Adapter) submit(fn func()) {
	if !a.trySubmit(fn) {
		a.logger.Warn("task queue full, dropping task")
	}
}

// trySubmit enqueues fn and reports whether the pool accepted it.
func (a *Adapter) trySubmit(fn func()) bool {
	select {
	case a.tasks <- fn:
		return true
	case <-a.done:
		return false
	default:
		return false
	}
}

func (a *Adapter) worker() {
	for {
		select {
		case <-a.done:
			return
		case fn := <-a.tasks:
			fn()
		}
	}
}

// pollQuotes fetches a quote per subscribed ticker each interval and emits
// merged ticks.
func (a *Adapter) pollQuotes() {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		subs := make([]types.SubscribeRequest, 0, len(a.subs))
		for _, req := range a.subs {
			subs = append(subs, req)
		}
		a.mu.Unlock()

		for _, req := range subs {
			req := req
			a.submit(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				q, err := a.client.Quote(ctx, req.Symbol, !req.Rth)
				if err != nil {
					a.logger.Debug("quote failed", "ticker", req.Symbol, "error", err)
					return
				}
				a.sink.OnTick(types.TickData{
					Symbol:    req.Symbol,
					Exchange:  defaultExchange,
					Last:      q.Last.InexactFloat64(),
					Bid:       q.Bid.InexactFloat64(),
					Ask:       q.Ask.InexactFloat64(),
					BidSize:   q.BidSize.InexactFloat64(),
					AskSize:   q.AskSize.InexactFloat64(),
					Volume:    q.Volume.InexactFloat64(),
					Timestamp: time.Now(),
				})
			})
		}
	}
}

// resolveClientID maps a stream event onto the cache key: the payload's
// broker order id through the placement map first, then the raw client order
// id carried by the event.
func (a *Adapter) resolveClientID(ev orderEvent) string {
	if ev.OrderID != "" {
		if clientID, ok := a.brokerToClient[ev.OrderID]; ok {
			return clientID
		}
	}
	return ev.ClientOrderID
}

// applyEvent folds one stream event into the order cache: clone, apply the
// delta, store, emit. Fill increments additionally emit a trade. Terminal
// orders never change again.
func (a *Adapter) applyEvent(ev orderEvent) {
	a.mu.Lock()
	clientID := a.resolveClientID(ev)
	if clientID == "" {
		a.mu.Unlock()
		a.logger.Warn("order event without resolvable id", "orderId", ev.OrderID)
		return
	}
	order, ok := a.orders[clientID]
	if !ok || !order.Status.Active() {
		a.mu.Unlock()
		return
	}

	filled := ev.FilledQty.InexactFloat64()
	qty := ev.Qty.InexactFloat64()
	if qty == 0 {
		qty = order.Volume
	}

	status, known := mapOrderStatus(ev.OrderStatus, filled, qty)
	if !known {
		status, known = mapSceneType(ev.SceneType, order.Status)
	}
	if !known {
		a.mu.Unlock()
		a.logger.Warn("unmapped order event", "orderStatus", ev.OrderStatus, "sceneType", ev.SceneType)
		return
	}

	fillDelta := filled - order.Traded
	order.Status = status
	if filled > order.Traded {
		order.Traded = filled
	}
	order.Timestamp = time.Now()
	a.orders[clientID] = order
	a.mu.Unlock()

	a.sink.OnOrder(order)
	if fillDelta > 0 {
		a.sink.OnTrade(types.TradeData{
			AccountAlias: a.cfg.Alias,
			TradeID:      fmt.Sprintf("%s-%d", clientID, a.tradeSeq.Add(1)),
			OrderID:      clientID,
			Symbol:       order.Symbol,
			Exchange:     order.Exchange,
			Direction:    order.Direction,
			Price:        ev.FilledPrice.InexactFloat64(),
			Volume:       fillDelta,
			Timestamp:    time.Now(),
		})
	}
	if refreshScene(ev.SceneType) {
		a.scheduleRefresh()
	}
}

// adoptOpenOrder merges a snapshot row. Unknown orders enter the cache keyed
// by their client order id (or broker id when the row carries none).
func (a *Adapter) adoptOpenOrder(item orderItem) {
	clientID := item.ClientOrderID
	if clientID == "" {
		clientID = item.OrderID
	}

	a.mu.Lock()
	if item.OrderID != "" && clientID != item.OrderID {
		a.brokerToClient[item.OrderID] = clientID
	}
	order, ok := a.orders[clientID]
	if ok && !order.Status.Active() {
		a.mu.Unlock()
		return
	}

	filled := item.FilledQty.InexactFloat64()
	qty := item.Qty.InexactFloat64()
	status, known := mapOrderStatus(item.Status, filled, qty)
	if !known {
		status = types.StatusNotTraded
	}

	if !ok {
		order = types.OrderData{
			AccountAlias: a.cfg.Alias,
			OrderID:      clientID,
			Symbol:       item.Ticker,
			Exchange:     defaultExchange,
			Direction:    sideFromWire[item.Side],
			Volume:       qty,
			Price:        item.LimitPrice.InexactFloat64(),
			StopPrice:    item.StopPrice.InexactFloat64(),
			Tif:          types.Tif(item.Tif),
		}
	}
	changed := !ok || order.Status != status || order.Traded != filled
	order.Status = status
	order.Traded = filled
	order.Timestamp = time.Now()
	a.orders[clientID] = order
	a.mu.Unlock()

	if changed {
		a.sink.OnOrder(order)
	}
}

func (a *Adapter) rejectOrder(clientID, reason string) {
	a.mu.Lock()
	order, ok := a.orders[clientID]
	if !ok || !order.Status.Active() {
		a.mu.Unlock()
		return
	}
	order.Status = types.StatusRejected
	order.Timestamp = time.Now()
	a.orders[clientID] = order
	a.mu.Unlock()

	a.sink.OnOrder(order)
	a.sink.OnLog("WARN", fmt.Sprintf("order %s rejected: %s", order.VtOrderID(), reason))
}

// scheduleRefresh coalesces snapshot refreshes: however many fill events land
// inside the debounce window, one refresh runs.
func (a *Adapter) scheduleRefresh() {
	a.mu.Lock()
	if a.refreshArmed {
		a.mu.Unlock()
		return
	}
	a.refreshArmed = true
	a.mu.Unlock()

	time.AfterFunc(a.cfg.RefreshDebounce, func() {
		a.mu.Lock()
		a.refreshArmed = false
		a.mu.Unlock()

		select {
		case <-a.done:
			return
		default:
		}
		a.QueryOpenOrders()
		a.QueryPosition()
		a.QueryAccount()
	})
}
