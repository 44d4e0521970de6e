package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rfzwl/janus/internal/bus"
	"github.com/rfzwl/janus/internal/server"
	"github.com/rfzwl/janus/pkg/types"
)

// Server runs the HTTP/WebSocket RPC surface.
type Server struct {
	core     *server.Server
	hub      *Hub
	handlers *Handlers
	http     *http.Server
	logger   *slog.Logger
}

// NewServer wires the endpoints and the event publisher over the core.
func NewServer(addr string, core *server.Server, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(core, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/rpc/send_order_intent", handlers.HandleSendOrderIntent)
	mux.HandleFunc("/rpc/cancel_order", handlers.HandleCancelOrder)
	mux.HandleFunc("/rpc/sync", handlers.HandleSync)
	mux.HandleFunc("/rpc/harmony", handlers.HandleHarmony)
	mux.HandleFunc("/rpc/subscribe_bars", handlers.HandleSubscribeBars)
	mux.HandleFunc("/rpc/unsubscribe_bars", handlers.HandleUnsubscribeBars)
	mux.HandleFunc("/rpc/broker_list", handlers.HandleBrokerList)
	mux.HandleFunc("/rpc/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		core:     core,
		hub:      hub,
		handlers: handlers,
		http:     httpServer,
		logger:   logger.With("component", "rpc-server"),
	}
}

// Start attaches the publisher to the bus and serves until Stop. Blocking.
func (s *Server) Start() error {
	go s.hub.Run()
	s.core.Bus().SubscribeAll(s.publish)

	s.logger.Info("rpc server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("rpc server: %w", err)
	}
	return nil
}

// Stop closes the listener first so no new requests land during teardown.
func (s *Server) Stop() error {
	s.logger.Info("stopping rpc server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.hub.Stop()
	return err
}

// publish maps a bus event onto its topic (and per-symbol variant) and fans
// it out. Runs on the bus worker: must not block, must not panic.
func (s *Server) publish(evt bus.Event) {
	now := time.Now()
	switch evt.Type {
	case bus.TypeTick:
		tick, ok := evt.Data.(types.TickData)
		if !ok {
			s.logger.Warn("mistyped bus payload", "type", evt.Type)
			return
		}
		s.hub.Publish(Event{Topic: "eTick", Timestamp: now, Data: tick})
		s.hub.Publish(Event{Topic: "eTick." + types.VtSymbol(tick.Symbol, tick.Exchange), Timestamp: now, Data: tick})
	case bus.TypeOrder:
		order, ok := evt.Data.(types.OrderData)
		if !ok {
			s.logger.Warn("mistyped bus payload", "type", evt.Type)
			return
		}
		s.hub.Publish(Event{Topic: "eOrder", Timestamp: now, Data: order})
		s.hub.Publish(Event{Topic: "eOrder." + order.VtOrderID(), Timestamp: now, Data: order})
	case bus.TypeTrade:
		trade, ok := evt.Data.(types.TradeData)
		if !ok {
			s.logger.Warn("mistyped bus payload", "type", evt.Type)
			return
		}
		s.hub.Publish(Event{Topic: "eTrade", Timestamp: now, Data: trade})
		s.hub.Publish(Event{Topic: "eTrade." + types.VtSymbol(trade.Symbol, trade.Exchange), Timestamp: now, Data: trade})
	case bus.TypePosition:
		pos, ok := evt.Data.(types.PositionData)
		if !ok {
			s.logger.Warn("mistyped bus payload", "type", evt.Type)
			return
		}
		s.hub.Publish(Event{Topic: "ePosition", Timestamp: now, Data: pos})
	case bus.TypeAccount:
		s.hub.Publish(Event{Topic: "eAccount", Timestamp: now, Data: evt.Data})
	case bus.TypeContract:
		s.hub.Publish(Event{Topic: "eContract", Timestamp: now, Data: evt.Data})
	case bus.TypeLog:
		s.hub.Publish(Event{Topic: "eLog", Timestamp: now, Data: evt.Data})
	}
}
