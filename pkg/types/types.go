// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the server — order, trade, position,
// account, tick and contract snapshots, plus the wire-level OrderIntent. It has
// no dependencies on internal packages, so it can be imported by any layer.
//
// Values of these types are treated as immutable once dispatched: adapters build
// a fresh value for every update and pass it by copy. Nothing downstream mutates
// a dispatched snapshot.
package types

import (
	"fmt"
	"time"
)

// Direction is the position side of an order or holding.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Side is the wire-level intent verb. SHORT and COVER bypass the router's
// position check; BUY and SELL are interpreted against the current position.
type Side string

const (
	SideBuy   Side = "BUY"
	SideSell  Side = "SELL"
	SideShort Side = "SHORT"
	SideCover Side = "COVER"
)

// OrderType enumerates the order lifecycles the router understands.
// Brokers declare which of these they can express natively; the router
// rejects anything a broker cannot, it never downgrades.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// Tif is the time-in-force of an order.
type Tif string

const (
	TifDay Tif = "DAY"
	TifGTC Tif = "GTC"
)

// Status is the normalized order status shared by all brokers.
type Status string

const (
	StatusSubmitting Status = "SUBMITTING"
	StatusNotTraded  Status = "NOTTRADED"
	StatusPartTraded Status = "PARTTRADED"
	StatusAllTraded  Status = "ALLTRADED"
	StatusCancelled  Status = "CANCELLED"
	StatusRejected   Status = "REJECTED"
)

// Active reports whether an order in this status still rests with the broker.
func (s Status) Active() bool {
	switch s {
	case StatusSubmitting, StatusNotTraded, StatusPartTraded:
		return true
	}
	return false
}

// AssetClass categorizes a registry entry. Only equities flow through the MVP,
// but ETFs are treated as equity-like everywhere.
type AssetClass string

const (
	AssetEquity AssetClass = "EQUITY"
	AssetETF    AssetClass = "ETF"
)

// Product is the broker-reported instrument type on a contract.
type Product string

const (
	ProductEquity Product = "EQUITY"
	ProductFX     Product = "FX"
	ProductFuture Product = "FUTURE"
	ProductOption Product = "OPTION"
)

// VtSymbol builds the internal routing key "{symbol}.{exchange}".
func VtSymbol(symbol, exchange string) string {
	return symbol + "." + exchange
}

// VtOrderID builds the server-lifetime-unique order key "{account_alias}.{broker_orderid}".
func VtOrderID(accountAlias, orderID string) string {
	return accountAlias + "." + orderID
}

// OrderData is the normalized snapshot of one order. Once dispatched through
// the event bus an OrderData is frozen; updates are new values under the same
// VtOrderID.
type OrderData struct {
	AccountAlias string    `json:"account_alias"`
	OrderID      string    `json:"orderid"` // broker-assigned or locally generated id
	Symbol       string    `json:"symbol"`  // canonical symbol
	Exchange     string    `json:"exchange"`
	Direction    Direction `json:"direction"`
	Type         OrderType `json:"type"`
	Volume       float64   `json:"volume"`
	Price        float64   `json:"price"`
	StopPrice    float64   `json:"stop_price"`
	Traded       float64   `json:"traded"`
	Status       Status    `json:"status"`
	Tif          Tif       `json:"tif"`
	Timestamp    time.Time `json:"timestamp"`
}

// VtOrderID returns "{account_alias}.{orderid}".
func (o OrderData) VtOrderID() string {
	return VtOrderID(o.AccountAlias, o.OrderID)
}

// VtSymbol returns "{symbol}.{exchange}".
func (o OrderData) VtSymbol() string {
	return VtSymbol(o.Symbol, o.Exchange)
}

// Active reports whether the order still rests with the broker.
func (o OrderData) Active() bool {
	return o.Status.Active()
}

// TradeData is one fill. Fills are append-only; they never modify order status
// themselves (the broker's order status stream is authoritative).
type TradeData struct {
	AccountAlias string    `json:"account_alias"`
	TradeID      string    `json:"tradeid"`
	OrderID      string    `json:"orderid"`
	Symbol       string    `json:"symbol"`
	Exchange     string    `json:"exchange"`
	Direction    Direction `json:"direction"`
	Price        float64   `json:"price"`
	Volume       float64   `json:"volume"`
	Timestamp    time.Time `json:"timestamp"`
}

// VtTradeID returns "{account_alias}.{tradeid}".
func (t TradeData) VtTradeID() string {
	return VtOrderID(t.AccountAlias, t.TradeID)
}

// VtOrderID returns the id of the order this fill belongs to.
func (t TradeData) VtOrderID() string {
	return VtOrderID(t.AccountAlias, t.OrderID)
}

// PositionData is the last position snapshot pushed by a broker. The core never
// recomputes positions from fills; the broker is authoritative.
type PositionData struct {
	AccountAlias string    `json:"account_alias"`
	Symbol       string    `json:"symbol"`
	Exchange     string    `json:"exchange"`
	Direction    Direction `json:"direction"`
	Volume       float64   `json:"volume"`
	Price        float64   `json:"price"` // average cost
	PnL          float64   `json:"pnl"`
	Frozen       float64   `json:"frozen"`
}

// Key uniquely identifies a position slot within the OMS.
func (p PositionData) Key() string {
	return fmt.Sprintf("%s.%s.%s", p.AccountAlias, p.Symbol, p.Direction)
}

// AccountData is a balance snapshot for one account.
type AccountData struct {
	AccountAlias string  `json:"account_alias"`
	Balance      float64 `json:"balance"`
	Available    float64 `json:"available"`
	Currency     string  `json:"currency"`
}

// ContractData describes a tradeable instrument, produced at connect time and
// on demand from contract-details lookups.
type ContractData struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Product   Product `json:"product"`
	MinVolume float64 `json:"min_volume"`
	PriceTick float64 `json:"price_tick"`
	Currency  string  `json:"currency"`
}

// VtSymbol returns "{symbol}.{exchange}".
func (c ContractData) VtSymbol() string {
	return VtSymbol(c.Symbol, c.Exchange)
}

// TickData is a merged market-data snapshot for one symbol. Brokers deliver
// partial field updates; the adapter merges them into the last snapshot and
// emits a fresh value, so no single tick is guaranteed complete.
type TickData struct {
	Symbol    string             `json:"symbol"`
	Exchange  string             `json:"exchange"`
	Last      float64            `json:"last"`
	Bid       float64            `json:"bid"`
	Ask       float64            `json:"ask"`
	BidSize   float64            `json:"bid_size"`
	AskSize   float64            `json:"ask_size"`
	Volume    float64            `json:"volume"`
	Timestamp time.Time          `json:"timestamp"`
	Extra     map[string]float64 `json:"extra,omitempty"` // option greeks etc.
}

// VtSymbol returns "{symbol}.{exchange}".
func (t TickData) VtSymbol() string {
	return VtSymbol(t.Symbol, t.Exchange)
}

// CloneExtra returns a copy of the tick with its Extra map duplicated, so a
// merged successor never aliases the dispatched predecessor.
func (t TickData) CloneExtra() TickData {
	if t.Extra == nil {
		return t
	}
	extra := make(map[string]float64, len(t.Extra))
	for k, v := range t.Extra {
		extra[k] = v
	}
	t.Extra = extra
	return t
}

// LogData is a structured log line routed through the event bus so subscribers
// (RPC clients included) see adapter activity.
type LogData struct {
	Msg       string    `json:"msg"`
	Source    string    `json:"source"` // component or account alias
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderIntent is the wire-level order input accepted by the RPC layer.
// Symbol is canonical (uppercased, trimmed by the registry before use).
type OrderIntent struct {
	AccountAlias string    `json:"account_alias"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Type         OrderType `json:"type"`
	Qty          float64   `json:"qty"`
	LimitPrice   float64   `json:"limit_price,omitempty"`
	StopPrice    float64   `json:"stop_price,omitempty"`
	Tif          Tif       `json:"tif,omitempty"`
}

// OrderRequest is the resolved, broker-ready order the router hands to an
// adapter. Conid is set when the target broker addresses instruments by
// contract id; otherwise Symbol (the broker ticker) is used.
type OrderRequest struct {
	Symbol    string
	Exchange  string
	Conid     int64
	Direction Direction
	Type      OrderType
	Volume    float64
	Price     float64
	StopPrice float64
	Tif       Tif
}

// CancelRequest asks an adapter to cancel a resting order.
type CancelRequest struct {
	OrderID string
	Symbol  string
}

// SubscribeRequest asks an adapter for streaming market data on one symbol.
// Adapters retain the request set so it can be replayed after a reconnect.
// Rth restricts the stream to regular trading hours.
type SubscribeRequest struct {
	Symbol   string
	Exchange string
	Conid    int64
	Rth      bool
}

// VtSymbol returns "{symbol}.{exchange}".
func (s SubscribeRequest) VtSymbol() string {
	return VtSymbol(s.Symbol, s.Exchange)
}

// ContractQuery filters a synchronous contract-details lookup.
type ContractQuery struct {
	Symbol   string
	Exchange string
	Currency string
	SecType  string
}

// DefaultContractQuery is the auto-fill filter: US equities on SMART in USD.
func DefaultContractQuery(symbol string) ContractQuery {
	return ContractQuery{
		Symbol:   symbol,
		Exchange: "SMART",
		Currency: "USD",
		SecType:  "STK",
	}
}

// ContractDetails is one match from a contract-details lookup.
type ContractDetails struct {
	Conid    int64
	Symbol   string
	Exchange string
	Currency string
	SecType  string
	LongName string
	MinTick  float64
	MinSize  float64
}
