package webull

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/rfzwl/janus/pkg/types"
)

// The broker's event endpoint is gRPC-framed but speaks JSON message bodies.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() { encoding.RegisterCodec(jsonCodec{}) }

const eventsMethod = "/openapi.events.TradeEvents/Subscribe"

var eventsStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

type subscribeFrame struct {
	AccountID      string   `json:"account_id"`
	SubscribeTypes []string `json:"subscribe_types"`
}

type eventFrame struct {
	EventType     string      `json:"event_type"`
	SubscribeType string      `json:"subscribe_type"`
	Payload       *orderEvent `json:"payload,omitempty"`
	Msg           string      `json:"message,omitempty"`
}

type orderEvent struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Ticker        string          `json:"ticker"`
	Side          string          `json:"side"`
	OrderStatus   string          `json:"order_status"`
	SceneType     string          `json:"scene_type"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	FilledPrice   decimal.Decimal `json:"filled_price"`
}

// streamState is the trade-events connection lifecycle.
type streamState int32

const (
	stateIdle streamState = iota
	stateConnecting
	stateSubscribed
	stateReconnectWait
	stateStopped
)

func (s streamState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateConnecting:
		return "CONNECTING"
	case stateSubscribed:
		return "SUBSCRIBED"
	case stateReconnectWait:
		return "RECONNECT_WAIT"
	case stateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

const (
	streamBackoffBase = time.Second
	streamBackoffCap  = 30 * time.Second
)

// eventStream is the per-account trade-events manager. It owns one dedicated
// goroutine driving the IDLE/CONNECTING/SUBSCRIBED/RECONNECT_WAIT/STOPPED
// lifecycle; auth failures and connection-quota rejections stop it for good.
type eventStream struct {
	addr    string
	creds   Credentials
	handler func(orderEvent)
	onFatal func(reason string)
	logger  *slog.Logger

	mu    sync.Mutex
	state streamState

	done chan struct{}
	wg   sync.WaitGroup
}

func newEventStream(addr string, creds Credentials, logger *slog.Logger) *eventStream {
	return &eventStream{
		addr:   addr,
		creds:  creds,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (s *eventStream) setState(st streamState) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Info("trade-events state", "from", prev.String(), "to", st.String())
	}
}

// State reports the current lifecycle state.
func (s *eventStream) State() streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the stream goroutine. Idempotent stop via Stop.
func (s *eventStream) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Stop tears the stream down and joins the goroutine.
func (s *eventStream) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// permanentErr marks conditions that require operator action; the stream goes
// to STOPPED instead of retrying.
type permanentErr struct{ reason string }

func (e permanentErr) Error() string { return e.reason }
func (e permanentErr) Unwrap() error { return types.ErrBrokerPermanent }

func (s *eventStream) run() {
	backoff := streamBackoffBase
	for {
		select {
		case <-s.done:
			s.setState(stateStopped)
			return
		default:
		}

		s.setState(stateConnecting)
		subscribed, err := s.connectAndPump()
		if err != nil {
			var pe permanentErr
			if errors.As(err, &pe) {
				s.logger.Warn("trade-events stopped", "reason", pe.reason)
				if s.onFatal != nil {
					s.onFatal(pe.reason)
				}
				s.setState(stateStopped)
				return
			}
			s.logger.Warn("trade-events dropped", "error", err)
		}

		// A session that reached SUBSCRIBED earns a fresh backoff.
		if subscribed {
			backoff = streamBackoffBase
		}

		s.setState(stateReconnectWait)
		wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		select {
		case <-s.done:
			s.setState(stateStopped)
			return
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > streamBackoffCap {
			backoff = streamBackoffCap
		}
	}
}

// connectAndPump runs one stream session: dial, subscribe, receive until the
// stream dies or a control frame ends it. Returns whether the session reached
// SUBSCRIBED (resets the backoff).
func (s *eventStream) connectAndPump() (bool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := grpc.Dial(
		s.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return false, fmt.Errorf("dial events: %w", err)
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &eventsStreamDesc, eventsMethod)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}
	if err := stream.SendMsg(&subscribeFrame{
		AccountID:      s.creds.AccountID,
		SubscribeTypes: []string{"ORDER_STATUS_CHANGED"},
	}); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return false, fmt.Errorf("close send: %w", err)
	}

	subscribed := false
	for {
		var frame eventFrame
		if err := stream.RecvMsg(&frame); err != nil {
			return subscribed, fmt.Errorf("recv: %w", err)
		}
		switch frame.EventType {
		case "SubscribeSuccess":
			subscribed = true
			s.setState(stateSubscribed)
			s.logger.Info("trade-events subscribed")
		case "Ping":
			// keepalive, nothing to do
		case "AuthError":
			return subscribed, permanentErr{reason: "auth error: " + frame.Msg}
		case "NumOfConnExceed":
			return subscribed, permanentErr{reason: "connection quota exceeded: " + frame.Msg}
		case "SubscribeExpired":
			return subscribed, fmt.Errorf("subscription expired: %s", frame.Msg)
		case "ORDER":
			if frame.SubscribeType == "ORDER_STATUS_CHANGED" && frame.Payload != nil && s.handler != nil {
				s.handler(*frame.Payload)
			}
		default:
			s.logger.Debug("unknown event frame", "eventType", frame.EventType)
		}
	}
}
