// Package bus implements the ordered event spine of the server.
//
// Every broker callback is normalized into a typed Event and enqueued here;
// a single worker goroutine drains the queue and dispatches to subscribers.
// Because one goroutine owns dispatch, downstream consumers (the OMS cache,
// the RPC publisher) never need fine-grained locking: they observe a single
// serialized stream.
//
// Producers never block. The queue is unbounded for all event kinds except
// TICK, which is capped; on overflow the oldest TICK in the queue is dropped.
// A deep queue of non-tick events only produces a backpressure warning.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Type tags an event payload.
type Type string

const (
	TypeTick     Type = "TICK"
	TypeTrade    Type = "TRADE"
	TypeOrder    Type = "ORDER"
	TypePosition Type = "POSITION"
	TypeAccount  Type = "ACCOUNT"
	TypeContract Type = "CONTRACT"
	TypeLog      Type = "LOG"
	TypeTimer    Type = "TIMER"
)

// Event is one dispatched message. Data is an immutable snapshot from
// pkg/types; subscribers must not mutate it.
type Event struct {
	Type Type
	Data any
}

// Handler consumes one event on the bus worker goroutine. Handlers must not
// block: no network I/O, no waiting on other bus events.
type Handler func(Event)

const (
	defaultTickCap   = 4096
	defaultWarnDepth = 2048
	defaultInterval  = time.Second
)

// Bus is the single ordered event queue. One worker drains it; one timer
// goroutine feeds TIMER events at a fixed cadence.
type Bus struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []Event
	ticks int  // TICK events currently queued
	stop  bool // set by Stop; publishers refuse, worker drains then exits

	warned bool // backpressure warning latched until the queue recedes

	hmu      sync.RWMutex
	handlers map[Type][]Handler
	generic  []Handler

	tickCap   int
	warnDepth int
	interval  time.Duration

	timerDone chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// New creates a stopped bus with a 1s timer cadence.
func New(logger *slog.Logger) *Bus {
	b := &Bus{
		handlers:  make(map[Type][]Handler),
		tickCap:   defaultTickCap,
		warnDepth: defaultWarnDepth,
		interval:  defaultInterval,
		timerDone: make(chan struct{}),
		logger:    logger.With("component", "bus"),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// SetTimerInterval overrides the TIMER cadence. Call before Start.
func (b *Bus) SetTimerInterval(d time.Duration) {
	if d > 0 {
		b.interval = d
	}
}

// SetTickCap overrides the bounded TICK queue size. Call before Start.
func (b *Bus) SetTickCap(n int) {
	if n > 0 {
		b.tickCap = n
	}
}

// Subscribe registers a handler for one event type. Handlers registered for
// the same type run in registration order.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.hmu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.hmu.Unlock()
}

// SubscribeAll registers a handler that receives every event after the
// type-keyed handlers have run.
func (b *Bus) SubscribeAll(h Handler) {
	b.hmu.Lock()
	b.generic = append(b.generic, h)
	b.hmu.Unlock()
}

// Publish enqueues an event without blocking the caller. Events published
// after Stop are discarded.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	if b.stop {
		b.mu.Unlock()
		return
	}

	if evt.Type == TypeTick && b.ticks >= b.tickCap {
		b.dropOldestTickLocked()
	}

	b.queue = append(b.queue, evt)
	if evt.Type == TypeTick {
		b.ticks++
	}

	depth := len(b.queue)
	warn := false
	if depth > b.warnDepth && !b.warned {
		b.warned = true
		warn = true
	} else if depth <= b.warnDepth/2 {
		b.warned = false
	}
	b.mu.Unlock()

	b.cond.Signal()
	if warn {
		b.logger.Warn("event queue backpressure", "depth", depth)
	}
}

// dropOldestTickLocked removes the frontmost TICK from the queue. Only TICKs
// are ever dropped; every other kind is delivered.
func (b *Bus) dropOldestTickLocked() {
	for i, e := range b.queue {
		if e.Type == TypeTick {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			b.ticks--
			return
		}
	}
}

// Start spawns the dispatch worker and the timer source.
func (b *Bus) Start() {
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.run()
	}()
	go func() {
		defer b.wg.Done()
		b.timerLoop()
	}()
}

// Stop drains the queue, then joins the worker and timer. After Stop returns
// no handler will run again, so adapters can be torn down safely.
func (b *Bus) Stop() {
	close(b.timerDone)

	b.mu.Lock()
	b.stop = true
	b.mu.Unlock()
	b.cond.Broadcast()

	b.wg.Wait()
}

func (b *Bus) run() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stop {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.stop {
			b.mu.Unlock()
			return
		}
		evt := b.queue[0]
		b.queue = b.queue[1:]
		if evt.Type == TypeTick {
			b.ticks--
		}
		b.mu.Unlock()

		b.dispatch(evt)
	}
}

func (b *Bus) dispatch(evt Event) {
	b.hmu.RLock()
	typed := b.handlers[evt.Type]
	generic := b.generic
	b.hmu.RUnlock()

	for _, h := range typed {
		h(evt)
	}
	for _, h := range generic {
		h(evt)
	}
}

func (b *Bus) timerLoop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.timerDone:
			return
		case now := <-ticker.C:
			b.Publish(Event{Type: TypeTimer, Data: now})
		}
	}
}
