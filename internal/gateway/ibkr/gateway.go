package ibkr

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rfzwl/janus/internal/bus"
	"github.com/rfzwl/janus/internal/gateway"
	"github.com/rfzwl/janus/pkg/types"
)

const (
	cmdBuffer              = 256
	inboundBuffer          = 1024
	contractDetailsTimeout = 10 * time.Second
	defaultReconnectTicks  = 10 // health check every N TIMER events (~10s at 1s cadence)
)

// Config is the per-account connection setup.
type Config struct {
	Alias          string
	Host           string
	Port           int
	ClientID       int
	ReconnectTicks int
}

// HarvestFunc receives equity holdings observed at connect time so the
// symbol registry can backfill conids. Must not block.
type HarvestFunc func(symbol string, conid int64, currency, description string)

// pendingDetails buffers one in-flight contract-details request until its
// end-of-stream marker resolves the completion.
type pendingDetails struct {
	buf  []types.ContractDetails
	done chan struct{}
}

// Adapter is the broker-B gateway. One loop goroutine owns the socket and
// every map below; gateway methods post tasks onto the loop via cmds.
type Adapter struct {
	cfg    Config
	sink   *gateway.Sink
	caps   gateway.CapabilitySet
	logger *slog.Logger

	harvest HarvestFunc

	cmds    chan func()
	inbound chan message
	done    chan struct{}
	wg      sync.WaitGroup
	started sync.Once

	// nextOrderID is read outside the loop (SendOrder allocates before
	// scheduling the network send), hence atomic.
	nextOrderID atomic.Int64

	// Everything below is loop-owned. No locks: only the loop touches it.
	conn      *socketConn
	connected bool
	reqID     int64
	slots     map[int64]*tickSlot               // reqid -> market data merge slot
	subReqIDs map[string]int64                  // vt_symbol -> active reqid
	subs      map[string]types.SubscribeRequest // vt_symbol -> resubscribe set
	pending   map[int64]*pendingDetails
	orders    map[string]types.OrderData // broker orderid -> last snapshot
	accounts  map[string]types.AccountData
	contracts map[string]bool // vt_symbols already announced
	warnedSts map[string]bool // unknown broker statuses logged once
	ticks     int             // TIMER events since last health check
}

// New wires an adapter to the bus. Call Connect to go live.
func New(cfg Config, b *bus.Bus, logger *slog.Logger) *Adapter {
	if cfg.ReconnectTicks <= 0 {
		cfg.ReconnectTicks = defaultReconnectTicks
	}
	return &Adapter{
		cfg:  cfg,
		sink: gateway.NewSink(b, cfg.Alias),
		caps: gateway.CapabilitySet{
			types.OrderTypeMarket:    true,
			types.OrderTypeLimit:     true,
			types.OrderTypeStop:      true,
			types.OrderTypeStopLimit: true,
		},
		logger:    logger.With("component", "ibkr", "account", cfg.Alias),
		cmds:      make(chan func(), cmdBuffer),
		inbound:   make(chan message, inboundBuffer),
		done:      make(chan struct{}),
		slots:     make(map[int64]*tickSlot),
		subReqIDs: make(map[string]int64),
		subs:      make(map[string]types.SubscribeRequest),
		pending:   make(map[int64]*pendingDetails),
		orders:    make(map[string]types.OrderData),
		accounts:  make(map[string]types.AccountData),
		contracts: make(map[string]bool),
		warnedSts: make(map[string]bool),
	}
}

// Alias implements gateway.Gateway.
func (a *Adapter) Alias() string { return a.cfg.Alias }

// Broker implements gateway.Gateway.
func (a *Adapter) Broker() string { return "ibkr" }

// Capabilities implements gateway.Gateway.
func (a *Adapter) Capabilities() gateway.CapabilitySet { return a.caps }

// SetHarvest installs the registry backfill hook. Call before Connect.
func (a *Adapter) SetHarvest(fn HarvestFunc) { a.harvest = fn }

// Connect starts the adapter loop and schedules the first dial. Dial failures
// are not fatal here: the TIMER health check keeps retrying.
func (a *Adapter) Connect(ctx context.Context) error {
	a.started.Do(func() {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.loop()
		}()
	})
	a.post(a.reconnect)
	return nil
}

// Close stops the loop and tears down the socket.
func (a *Adapter) Close() error {
	close(a.done)
	a.wg.Wait()
	if a.conn != nil {
		a.conn.close()
	}
	return nil
}

// OnTimer is subscribed to the bus TIMER stream: every ReconnectTicks events
// it schedules a connection health check.
func (a *Adapter) OnTimer() {
	a.post(func() {
		a.ticks++
		if a.ticks < a.cfg.ReconnectTicks {
			return
		}
		a.ticks = 0
		if !a.connected {
			a.reconnect()
		}
	})
}

// Subscribe registers a market-data subscription. The request is retained so
// a reconnect replays it.
func (a *Adapter) Subscribe(req types.SubscribeRequest) error {
	a.post(func() {
		vt := req.VtSymbol()
		a.subs[vt] = req
		if a.connected {
			a.openMktData(req)
		}
	})
	return nil
}

// Unsubscribe cancels the stream. The merge slot is retained (known
// limitation) so a later resubscribe resumes from the last snapshot.
func (a *Adapter) Unsubscribe(req types.SubscribeRequest) error {
	a.post(func() {
		vt := req.VtSymbol()
		delete(a.subs, vt)
		if reqID, ok := a.subReqIDs[vt]; ok {
			delete(a.subReqIDs, vt)
			if a.connected {
				a.send(message{Type: msgCancelMktData, ReqID: reqID})
			}
		}
	})
	return nil
}

// SendOrder emits a SUBMITTING snapshot synchronously, then schedules the
// network send on the loop. The vt_orderid is final before this returns.
func (a *Adapter) SendOrder(req types.OrderRequest) (string, error) {
	id := a.nextOrderID.Add(1)
	order := types.OrderData{
		AccountAlias: a.cfg.Alias,
		OrderID:      strconv.FormatInt(id, 10),
		Symbol:       req.Symbol,
		Exchange:     req.Exchange,
		Direction:    req.Direction,
		Type:         req.Type,
		Volume:       req.Volume,
		Price:        req.Price,
		StopPrice:    req.StopPrice,
		Status:       types.StatusSubmitting,
		Tif:          req.Tif,
		Timestamp:    time.Now(),
	}
	a.sink.OnOrder(order)

	accepted := a.tryPost(func() {
		a.orders[order.OrderID] = order
		if !a.connected {
			a.rejectOrder(order.OrderID, "not connected")
			return
		}
		err := a.send(message{
			Type:     msgPlaceOrder,
			OrderID:  id,
			Conid:    req.Conid,
			Symbol:   req.Symbol,
			Exchange: req.Exchange,
			Action:   directionToWire[req.Direction],
			OrdType:  orderTypeToWire[req.Type],
			TotalQty: req.Volume,
			LmtPrice: req.Price,
			AuxPrice: req.StopPrice,
			Tif:      mapTif(req.Tif),
		})
		if err != nil {
			a.rejectOrder(order.OrderID, err.Error())
		}
	})
	if !accepted {
		// Never strand a SUBMITTING order: if the loop cannot take the
		// placement, the order terminates right here.
		order.Status = types.StatusRejected
		order.Timestamp = time.Now()
		a.sink.OnOrder(order)
		a.sink.OnLog("WARN", fmt.Sprintf("order %s rejected: command queue full", order.VtOrderID()))
	}

	return order.VtOrderID(), nil
}

// CancelOrder implements gateway.Gateway.
func (a *Adapter) CancelOrder(req types.CancelRequest) error {
	id, err := strconv.ParseInt(req.OrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad broker order id %q", types.ErrInvalidIntent, req.OrderID)
	}
	if !a.tryPost(func() {
		if a.connected {
			a.send(message{Type: msgCancelOrder, OrderID: id})
		}
	}) {
		return fmt.Errorf("%w: command queue full", types.ErrBrokerTransient)
	}
	return nil
}

// QueryAccount implements gateway.Gateway.
func (a *Adapter) QueryAccount() {
	a.post(func() {
		if a.connected {
			a.send(message{Type: msgReqAccountUpdates})
		}
	})
}

// QueryPosition implements gateway.Gateway.
func (a *Adapter) QueryPosition() {
	a.post(func() {
		if a.connected {
			a.send(message{Type: msgReqPositions})
		}
	})
}

// QueryOpenOrders implements gateway.Gateway.
func (a *Adapter) QueryOpenOrders() {
	a.post(func() {
		if a.connected {
			a.send(message{Type: msgReqOpenOrders})
		}
	})
}

// RequestContractDetails blocks until the broker's contractDetailsEnd marker
// or the timeout, whichever first. Timeouts return no results.
func (a *Adapter) RequestContractDetails(ctx context.Context, q types.ContractQuery) ([]types.ContractDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, contractDetailsTimeout)
	defer cancel()

	p := &pendingDetails{done: make(chan struct{})}
	var reqID int64
	posted := make(chan struct{})

	a.post(func() {
		defer close(posted)
		if !a.connected {
			close(p.done)
			return
		}
		reqID = a.nextReqID()
		a.pending[reqID] = p
		if err := a.send(message{
			Type:     msgReqContractDetails,
			ReqID:    reqID,
			Symbol:   q.Symbol,
			Exchange: q.Exchange,
			Currency: q.Currency,
			SecType:  q.SecType,
		}); err != nil {
			delete(a.pending, reqID)
			close(p.done)
		}
	})

	select {
	case <-posted:
	case <-ctx.Done():
		return nil, nil
	}

	select {
	case <-p.done:
		return p.buf, nil
	case <-ctx.Done():
		a.post(func() { delete(a.pending, reqID) })
		return nil, nil
	}
}

// post schedules fn on the loop without blocking the caller. Only droppable
// tasks go through here: queries retry on the next sync, subscriptions replay
// on reconnect. Order placement and cancels use tryPost so the caller can
// fail loudly instead.
func (a *Adapter) post(fn func()) {
	if !a.tryPost(fn) {
		a.logger.Warn("command queue full, dropping task")
	}
}

// tryPost schedules fn and reports whether the loop accepted it.
func (a *Adapter) tryPost(fn func()) bool {
	select {
	case a.cmds <- fn:
		return true
	case <-a.done:
		return false
	default:
		return false
	}
}

func (a *Adapter) loop() {
	for {
		select {
		case <-a.done:
			return
		case fn := <-a.cmds:
			fn()
		case msg := <-a.inbound:
			a.handle(msg)
		}
	}
}

func (a *Adapter) nextReqID() int64 {
	a.reqID++
	return a.reqID
}

func (a *Adapter) send(msg message) error {
	if a.conn == nil {
		return fmt.Errorf("%w: socket down", types.ErrBrokerTransient)
	}
	if err := a.conn.send(msg); err != nil {
		a.logger.Warn("send failed", "type", msg.Type, "error", err)
		return fmt.Errorf("%w: %v", types.ErrBrokerTransient, err)
	}
	return nil
}

// reconnect dials and, on success, waits for connectAck before any traffic.
// A socket left over from a dial that never reached connectAck is closed
// first; its read pump drains out via a sentinel that onDisconnected ignores.
func (a *Adapter) reconnect() {
	if a.connected {
		return
	}
	if a.conn != nil {
		a.conn.close()
		a.conn = nil
	}
	conn, err := dial(a.cfg.Host, a.cfg.Port, a.inbound)
	if err != nil {
		a.logger.Warn("dial failed", "error", err)
		a.sink.OnLog("WARN", fmt.Sprintf("broker connection failed: %v", err))
		return
	}
	a.conn = conn
	a.conn.send(message{Type: msgConnect, ClientID: a.cfg.ClientID})
}

// onReady runs once the broker acknowledges the session: snapshot burst plus
// replay of the retained subscription set.
func (a *Adapter) onReady() {
	a.connected = true
	a.sink.OnLog("INFO", "broker connected")

	a.send(message{Type: msgReqAccountUpdates})
	a.send(message{Type: msgReqPositions})
	a.send(message{Type: msgReqOpenOrders})
	a.resubscribeAll()
}

// resubscribeAll replays exactly the retained subscription set.
func (a *Adapter) resubscribeAll() {
	for _, req := range a.subs {
		a.openMktData(req)
	}
}

// openMktData issues reqMktData for one subscription, reusing the merge slot
// when the symbol was subscribed before.
func (a *Adapter) openMktData(req types.SubscribeRequest) {
	vt := req.VtSymbol()
	reqID := a.nextReqID()

	if old, ok := a.subReqIDs[vt]; ok {
		if slot, found := a.slots[old]; found {
			delete(a.slots, old)
			a.slots[reqID] = slot
		}
	}
	if _, ok := a.slots[reqID]; !ok {
		a.slots[reqID] = newTickSlot(req)
	}
	a.subReqIDs[vt] = reqID

	a.send(message{
		Type:     msgReqMktData,
		ReqID:    reqID,
		Conid:    req.Conid,
		Symbol:   req.Symbol,
		Exchange: req.Exchange,
		UseRTH:   req.Rth,
	})
}

func (a *Adapter) handle(msg message) {
	switch msg.Type {
	case msgConnectAck:
		a.onReady()
	case msgNextValidID:
		a.seedOrderID(msg.OrderID)
	case msgTickPrice:
		a.onTickField(msg.ReqID, func(s *tickSlot) bool { return s.applyPrice(msg.Field, msg.Price) })
	case msgTickSize:
		a.onTickField(msg.ReqID, func(s *tickSlot) bool { return s.applySize(msg.Field, msg.Size) })
	case msgTickString:
		a.onTickField(msg.ReqID, func(s *tickSlot) bool { return s.applyString(msg.Field, msg.Value) })
	case msgTickOption:
		a.onTickField(msg.ReqID, func(s *tickSlot) bool { return s.applyGreeks(msg.Greeks) })
	case msgOrderStatus:
		a.onOrderStatus(msg)
	case msgOpenOrder:
		a.onOpenOrder(msg)
	case msgExecDetails:
		a.onExecDetails(msg)
	case msgContractDetails:
		a.onContractDetails(msg)
	case msgContractDetailsEnd:
		a.onContractDetailsEnd(msg.ReqID)
	case msgPosition:
		a.onPosition(msg)
	case msgAccountSummary:
		a.onAccountSummary(msg)
	case msgError:
		a.onError(msg)
	case msgDisconnected:
		a.onDisconnected(msg)
	default:
		a.logger.Debug("unknown frame", "type", msg.Type)
	}
}

// seedOrderID raises the local order counter to the broker's floor. Never
// lowers it: locally allocated ids must stay unique.
func (a *Adapter) seedOrderID(next int64) {
	floor := next - 1
	for {
		cur := a.nextOrderID.Load()
		if floor <= cur || a.nextOrderID.CompareAndSwap(cur, floor) {
			return
		}
	}
}

func (a *Adapter) onTickField(reqID int64, apply func(*tickSlot) bool) {
	slot, ok := a.slots[reqID]
	if !ok {
		return
	}
	if apply(slot) {
		a.sink.OnTick(slot.snapshot())
	}
}

// onOrderStatus merges only (status, traded). Unknown broker statuses leave
// the order unchanged and log once. Terminal orders never change again.
func (a *Adapter) onOrderStatus(msg message) {
	idStr := strconv.FormatInt(msg.OrderID, 10)
	order, ok := a.orders[idStr]
	if !ok {
		return
	}
	if !order.Status.Active() {
		return
	}

	status, known := mapStatus(msg.Status, msg.Filled, order.Volume)
	if !known {
		if !a.warnedSts[msg.Status] {
			a.warnedSts[msg.Status] = true
			a.logger.Warn("unmapped broker order status", "status", msg.Status)
		}
		return
	}
	if status == order.Status && msg.Filled == order.Traded {
		return
	}

	order.Status = status
	order.Traded = msg.Filled
	order.Timestamp = time.Now()
	a.orders[idStr] = order
	a.sink.OnOrder(order)
}

// onOpenOrder backfills descriptive fields; it never advances status or
// traded volume (that is orderStatus's job). Orders placed outside this
// session are adopted here.
func (a *Adapter) onOpenOrder(msg message) {
	idStr := strconv.FormatInt(msg.OrderID, 10)
	order, ok := a.orders[idStr]
	if !ok {
		order = types.OrderData{
			AccountAlias: a.cfg.Alias,
			OrderID:      idStr,
			Symbol:       msg.Symbol,
			Exchange:     msg.Exchange,
			Direction:    directionFromWire[msg.Action],
			Type:         orderTypeFromWire[msg.OrdType],
			Volume:       msg.TotalQty,
			Price:        msg.LmtPrice,
			StopPrice:    msg.AuxPrice,
			Status:       types.StatusNotTraded,
			Tif:          types.Tif(msg.Tif),
			Timestamp:    time.Now(),
		}
		a.orders[idStr] = order
		a.sink.OnOrder(order)
		return
	}
	if !order.Status.Active() {
		return
	}

	changed := false
	if msg.Exchange != "" && order.Exchange != msg.Exchange {
		order.Exchange = msg.Exchange
		changed = true
	}
	if order.Price == 0 && msg.LmtPrice != 0 {
		order.Price = msg.LmtPrice
		changed = true
	}
	if order.StopPrice == 0 && msg.AuxPrice != 0 {
		order.StopPrice = msg.AuxPrice
		changed = true
	}
	if msg.Tif != "" && order.Tif == "" {
		order.Tif = types.Tif(msg.Tif)
		changed = true
	}
	if !changed {
		return
	}
	a.orders[idStr] = order
	a.sink.OnOrder(order)
}

// onExecDetails emits the fill. Order status is untouched: the broker's
// orderStatus stream is the only status authority.
func (a *Adapter) onExecDetails(msg message) {
	a.sink.OnTrade(types.TradeData{
		AccountAlias: a.cfg.Alias,
		TradeID:      msg.ExecID,
		OrderID:      strconv.FormatInt(msg.OrderID, 10),
		Symbol:       msg.Symbol,
		Exchange:     msg.Exchange,
		Direction:    directionFromWire[msg.Side],
		Price:        msg.Price,
		Volume:       msg.Shares,
		Timestamp:    time.Now(),
	})
}

func (a *Adapter) onContractDetails(msg message) {
	p, ok := a.pending[msg.ReqID]
	if !ok {
		return
	}
	p.buf = append(p.buf, types.ContractDetails{
		Conid:    msg.Conid,
		Symbol:   msg.Symbol,
		Exchange: msg.Exchange,
		Currency: msg.Currency,
		SecType:  msg.SecType,
		LongName: msg.LongName,
		MinTick:  msg.MinTick,
		MinSize:  msg.MinSize,
	})
}

func (a *Adapter) onContractDetailsEnd(reqID int64) {
	p, ok := a.pending[reqID]
	if !ok {
		return
	}
	delete(a.pending, reqID)
	close(p.done)
}

func (a *Adapter) onPosition(msg message) {
	direction := types.DirectionLong
	volume := msg.Pos
	if volume < 0 {
		direction = types.DirectionShort
		volume = -volume
	}
	a.sink.OnPosition(types.PositionData{
		AccountAlias: a.cfg.Alias,
		Symbol:       msg.Symbol,
		Exchange:     msg.Exchange,
		Direction:    direction,
		Volume:       volume,
		Price:        msg.AvgCost,
		PnL:          msg.PnL,
	})

	a.announceContract(msg)
	a.harvestPosition(msg)
}

// announceContract emits a contract definition the first time a symbol shows
// up in the position stream, so the connect burst covers contracts too.
func (a *Adapter) announceContract(msg message) {
	vt := types.VtSymbol(msg.Symbol, msg.Exchange)
	if a.contracts[vt] {
		return
	}
	a.contracts[vt] = true
	a.sink.OnContract(types.ContractData{
		Symbol:    msg.Symbol,
		Exchange:  msg.Exchange,
		Product:   types.ProductEquity,
		MinVolume: 1,
		PriceTick: 0.01,
		Currency:  msg.Currency,
	})
}

// harvestPosition feeds US equity holdings into the registry backfill hook.
// Non-equity and non-USD holdings are skipped.
func (a *Adapter) harvestPosition(msg message) {
	if a.harvest == nil || msg.Conid == 0 {
		return
	}
	if msg.SecType != "" && msg.SecType != "STK" {
		a.logger.Debug("holding skipped (non-equity)", "symbol", msg.Symbol, "secType", msg.SecType)
		return
	}
	if msg.Currency != "" && msg.Currency != "USD" {
		a.logger.Debug("holding skipped (non-USD)", "symbol", msg.Symbol, "currency", msg.Currency)
		return
	}
	a.harvest(msg.Symbol, msg.Conid, msg.Currency, msg.LongName)
}

func (a *Adapter) onAccountSummary(msg message) {
	acct := a.accounts[msg.Account]
	acct.AccountAlias = a.cfg.Alias
	if msg.Currency != "" {
		acct.Currency = msg.Currency
	}
	value, err := strconv.ParseFloat(msg.Value, 64)
	if err != nil {
		return
	}
	switch msg.Tag {
	case "NetLiquidation":
		acct.Balance = value
	case "AvailableFunds":
		acct.Available = value
	default:
		return
	}
	a.accounts[msg.Account] = acct
	a.sink.OnAccount(acct)
}

func (a *Adapter) onError(msg message) {
	if isDataFarmNotice(msg.Code) {
		// Broker restored its data farm: streams went stale, replay them.
		a.sink.OnLog("INFO", fmt.Sprintf("data farm restored (%d), resubscribing", msg.Code))
		a.resubscribeAll()
		return
	}

	// Informational notice band.
	if msg.Code >= 2100 && msg.Code < 2200 {
		a.logger.Info("broker notice", "code", msg.Code, "msg", msg.Msg)
		return
	}

	// Request-scoped error: resolve the pending completion empty.
	if p, ok := a.pending[msg.ReqID]; ok {
		delete(a.pending, msg.ReqID)
		close(p.done)
		return
	}

	// Order-scoped error: reject.
	if msg.OrderID != 0 {
		a.rejectOrder(strconv.FormatInt(msg.OrderID, 10), msg.Msg)
		return
	}

	a.sink.OnLog("WARN", fmt.Sprintf("broker error %d: %s", msg.Code, msg.Msg))
}

func (a *Adapter) rejectOrder(orderID, reason string) {
	order, ok := a.orders[orderID]
	if !ok || !order.Status.Active() {
		return
	}
	order.Status = types.StatusRejected
	order.Timestamp = time.Now()
	a.orders[orderID] = order
	a.sink.OnOrder(order)
	a.sink.OnLog("WARN", fmt.Sprintf("order %s rejected: %s", order.VtOrderID(), reason))
}

func (a *Adapter) onDisconnected(msg message) {
	// A sentinel from a connection that was already replaced must not tear
	// down the live socket.
	if msg.src != nil && msg.src != a.conn {
		return
	}
	if a.conn != nil {
		a.conn.close()
		a.conn = nil
	}
	if !a.connected {
		return
	}
	a.connected = false
	a.sink.OnLog("WARN", fmt.Sprintf("broker disconnected: %s", msg.Msg))

	// Fail in-flight synchronous requests; their callers time out otherwise.
	for id, p := range a.pending {
		delete(a.pending, id)
		close(p.done)
	}
}
