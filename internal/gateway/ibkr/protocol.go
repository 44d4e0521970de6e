// Package ibkr implements the async socket-protocol broker adapter.
//
// The broker speaks a framed request/callback protocol over one TCP socket:
// newline-delimited JSON messages, multiplexed by a monotonically increasing
// reqId (requests and market-data subscriptions) and by orderId (orders).
// One goroutine owns the socket and all adapter state; gateway methods called
// from other goroutines post tasks onto that loop and, where a result is
// needed, await a completion with a bounded timeout.
package ibkr

// message is the flat wire frame, both directions. The broker's protocol is
// field-sparse: every message type populates only the fields it needs.
type message struct {
	Type string `json:"type"`

	ReqID    int64 `json:"reqId,omitempty"`
	OrderID  int64 `json:"orderId,omitempty"`
	ClientID int   `json:"clientId,omitempty"`

	// Instrument addressing
	Conid    int64  `json:"conid,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
	SecType  string `json:"secType,omitempty"`

	// Order fields
	Action   string  `json:"action,omitempty"`    // BUY / SELL
	OrdType  string  `json:"ordType,omitempty"`   // MKT / LMT / STP / STP LMT
	TotalQty float64 `json:"totalQty,omitempty"`
	LmtPrice float64 `json:"lmtPrice,omitempty"`
	AuxPrice float64 `json:"auxPrice,omitempty"` // stop trigger
	Tif      string  `json:"tif,omitempty"`
	Status   string  `json:"status,omitempty"`
	Filled   float64 `json:"filled,omitempty"`

	// Tick fields
	Field string  `json:"field,omitempty"` // last / bid / ask / bidSize / ...
	Price float64 `json:"price,omitempty"`
	Size  float64 `json:"size,omitempty"`
	Value string  `json:"value,omitempty"` // tickString payloads

	// Option computation
	Greeks map[string]float64 `json:"greeks,omitempty"`

	// Executions
	ExecID string  `json:"execId,omitempty"`
	Side   string  `json:"side,omitempty"`
	Shares float64 `json:"shares,omitempty"`
	Time   string  `json:"time,omitempty"`

	// Account / position
	Account string  `json:"account,omitempty"`
	Tag     string  `json:"tag,omitempty"`
	Pos     float64 `json:"pos,omitempty"`
	AvgCost float64 `json:"avgCost,omitempty"`
	PnL     float64 `json:"pnl,omitempty"`

	// Contract details
	LongName string  `json:"longName,omitempty"`
	MinTick  float64 `json:"minTick,omitempty"`
	MinSize  float64 `json:"minSize,omitempty"`

	// Market data
	UseRTH bool `json:"useRth,omitempty"`

	// Errors / notices
	Code int    `json:"code,omitempty"`
	Msg  string `json:"msg,omitempty"`

	// src identifies which socket a disconnect sentinel came from, so a
	// sentinel from a replaced connection cannot tear down the live one.
	// Never serialized.
	src *socketConn
}

// Inbound message types.
const (
	msgConnectAck         = "connectAck"
	msgNextValidID        = "nextValidId"
	msgTickPrice          = "tickPrice"
	msgTickSize           = "tickSize"
	msgTickString         = "tickString"
	msgTickOption         = "tickOptionComputation"
	msgOrderStatus        = "orderStatus"
	msgOpenOrder          = "openOrder"
	msgExecDetails        = "execDetails"
	msgContractDetails    = "contractDetails"
	msgContractDetailsEnd = "contractDetailsEnd"
	msgPosition           = "position"
	msgAccountSummary     = "accountSummary"
	msgError              = "error"

	// internal sentinel injected by the read loop when the socket dies
	msgDisconnected = "__disconnected"
)

// Outbound message types.
const (
	msgConnect            = "connect"
	msgReqMktData         = "reqMktData"
	msgCancelMktData      = "cancelMktData"
	msgPlaceOrder         = "placeOrder"
	msgCancelOrder        = "cancelOrder"
	msgReqContractDetails = "reqContractDetails"
	msgReqAccountUpdates  = "reqAccountUpdates"
	msgReqPositions       = "reqPositions"
	msgReqOpenOrders      = "reqOpenOrders"
)

// Informational error codes. The data-farm sentinels arrive after the broker
// side restores its market-data connection; they are a resubscribe trigger,
// not failures.
const (
	codeMarketDataFarmOK = 2104
	codeHistDataFarmOK   = 2106
	codeSecDefFarmOK     = 2158
)

func isDataFarmNotice(code int) bool {
	switch code {
	case codeMarketDataFarmOK, codeHistDataFarmOK, codeSecDefFarmOK:
		return true
	}
	return false
}
