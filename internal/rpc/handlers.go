package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/rfzwl/janus/internal/router"
	"github.com/rfzwl/janus/internal/server"
	"github.com/rfzwl/janus/pkg/types"
)

// Handlers binds the request/reply endpoints to the server core.
type Handlers struct {
	srv    *server.Server
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates the endpoint handlers.
func NewHandlers(srv *server.Server, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{srv: srv, hub: hub, logger: logger.With("component", "rpc")}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorReply struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError wraps a core error as {code, message}.
func writeError(w http.ResponseWriter, err error) {
	code := types.ErrorCode(err)
	writeJSON(w, statusFor(code), errorReply{Error: errorBody{
		Code:    code,
		Message: err.Error(),
	}})
}

func statusFor(code string) int {
	switch code {
	case "invalid_intent", "capability_unsupported":
		return http.StatusBadRequest
	case "registry_miss":
		return http.StatusNotFound
	case "registry_ambiguous":
		return http.StatusConflict
	case "broker_transient":
		return http.StatusServiceUnavailable
	case "broker_permanent":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// intentRequest accepts either a structured intent (side + type) or a
// terminal verb (buy/sell/short/cover/bstop/sstop) with prices.
type intentRequest struct {
	Account string  `json:"account,omitempty"`
	Verb    string  `json:"verb,omitempty"`
	Symbol  string  `json:"symbol"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price,omitempty"`
	Stop    float64 `json:"stop,omitempty"`

	Side types.Side      `json:"side,omitempty"`
	Type types.OrderType `json:"type,omitempty"`
	Tif  types.Tif       `json:"tif,omitempty"`
}

type orderReply struct {
	VtOrderID string `json:"vt_orderid"`
}

// HandleSendOrderIntent routes one intent and replies with the vt_orderid.
func (h *Handlers) HandleSendOrderIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: errorBody{
			Code: "invalid_intent", Message: "malformed request body",
		}})
		return
	}

	var intent types.OrderIntent
	if req.Verb != "" {
		parsed, err := router.IntentFromVerb(req.Account, req.Verb, req.Symbol, req.Qty, req.Price, req.Stop)
		if err != nil {
			writeError(w, err)
			return
		}
		intent = parsed
		intent.Tif = req.Tif
	} else {
		intent = types.OrderIntent{
			AccountAlias: req.Account,
			Symbol:       req.Symbol,
			Side:         req.Side,
			Type:         req.Type,
			Qty:          req.Qty,
			LimitPrice:   req.Price,
			StopPrice:    req.Stop,
			Tif:          req.Tif,
		}
	}

	vtOrderID, err := h.srv.SendIntent(r.Context(), intent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderReply{VtOrderID: vtOrderID})
}

type cancelRequest struct {
	VtOrderID string `json:"vt_orderid"`
}

// HandleCancelOrder acks a cancel by vt_orderid.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: errorBody{
			Code: "invalid_intent", Message: "malformed request body",
		}})
		return
	}
	if err := h.srv.CancelOrder(req.VtOrderID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSync triggers a snapshot refresh on every adapter.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	h.srv.Sync()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHarmony runs the registry backfill and replies with the summary.
func (h *Handlers) HandleHarmony(w http.ResponseWriter, r *http.Request) {
	result, err := h.srv.Harmony(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type barsRequest struct {
	Symbols []string `json:"symbols"`
	Account string   `json:"account,omitempty"`

	// Rth restricts the stream to regular trading hours. Absent, the
	// configured market_data.use_rth default applies.
	Rth *bool `json:"rth,omitempty"`
}

// HandleSubscribeBars subscribes market data for the given symbols.
func (h *Handlers) HandleSubscribeBars(w http.ResponseWriter, r *http.Request) {
	var req barsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: errorBody{
			Code: "invalid_intent", Message: "symbols required",
		}})
		return
	}
	rth := h.srv.DefaultRTH()
	if req.Rth != nil {
		rth = *req.Rth
	}
	if err := h.srv.SubscribeBars(req.Symbols, req.Account, rth); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleUnsubscribeBars cancels market data for the given symbols.
func (h *Handlers) HandleUnsubscribeBars(w http.ResponseWriter, r *http.Request) {
	var req barsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Symbols) == 0 {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: errorBody{
			Code: "invalid_intent", Message: "symbols required",
		}})
		return
	}
	if err := h.srv.UnsubscribeBars(req.Symbols, req.Account); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleBrokerList reports configured accounts with the default marker.
func (h *Handlers) HandleBrokerList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": h.srv.BrokerList()})
}

type snapshotReply struct {
	Orders    []types.OrderData    `json:"orders"`
	Active    []types.OrderData    `json:"active_orders"`
	Trades    []types.TradeData    `json:"trades"`
	Positions []types.PositionData `json:"positions"`
	Accounts  []types.AccountData  `json:"accounts"`
}

// HandleSnapshot dumps the OMS cache for terminal display.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	cache := h.srv.OMS()
	writeJSON(w, http.StatusOK, snapshotReply{
		Orders:    cache.Orders(),
		Active:    cache.ActiveOrders(),
		Trades:    cache.Trades(),
		Positions: cache.Positions(),
		Accounts:  cache.Accounts(),
	})
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Terminal clients connect from anywhere on the operator's machine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades and attaches a publisher client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	newHubClient(h.hub, conn)
}
