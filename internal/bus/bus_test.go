package bus

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector records dispatched events in order.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handler() Handler {
	return func(e Event) {
		c.mu.Lock()
		c.events = append(c.events, e)
		c.mu.Unlock()
	}
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestDispatchPreservesEnqueueOrder(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	b.SetTimerInterval(time.Hour) // keep TIMER out of the way

	c := &collector{}
	b.Subscribe(TypeOrder, c.handler())

	b.Start()
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: TypeOrder, Data: i})
	}
	b.Stop()

	got := c.snapshot()
	if len(got) != 100 {
		t.Fatalf("dispatched %d events, want 100", len(got))
	}
	for i, e := range got {
		if e.Data.(int) != i {
			t.Fatalf("event %d carries %v, order not preserved", i, e.Data)
		}
	}
}

func TestGenericSubscriberSeesAllTypes(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	b.SetTimerInterval(time.Hour)

	c := &collector{}
	b.SubscribeAll(c.handler())

	b.Start()
	b.Publish(Event{Type: TypeOrder, Data: "o"})
	b.Publish(Event{Type: TypeTrade, Data: "t"})
	b.Publish(Event{Type: TypeLog, Data: "l"})
	b.Stop()

	got := c.snapshot()
	if len(got) != 3 {
		t.Fatalf("generic subscriber saw %d events, want 3", len(got))
	}
	wantTypes := []Type{TypeOrder, TypeTrade, TypeLog}
	for i, e := range got {
		if e.Type != wantTypes[i] {
			t.Errorf("event %d type = %s, want %s", i, e.Type, wantTypes[i])
		}
	}
}

func TestTickOverflowDropsOldestTicksOnly(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	b.SetTimerInterval(time.Hour)
	b.SetTickCap(3)

	ticks := &collector{}
	orders := &collector{}
	b.Subscribe(TypeTick, ticks.handler())
	b.Subscribe(TypeOrder, orders.handler())

	// Publish before Start so the queue fills without being drained.
	for i := 0; i < 6; i++ {
		b.Publish(Event{Type: TypeTick, Data: i})
	}
	b.Publish(Event{Type: TypeOrder, Data: "kept"})

	b.Start()
	b.Stop()

	gotTicks := ticks.snapshot()
	if len(gotTicks) != 3 {
		t.Fatalf("delivered %d ticks, want 3 (cap)", len(gotTicks))
	}
	// Oldest ticks dropped: survivors are 3, 4, 5.
	for i, e := range gotTicks {
		if want := i + 3; e.Data.(int) != want {
			t.Errorf("tick %d = %v, want %d", i, e.Data, want)
		}
	}
	if len(orders.snapshot()) != 1 {
		t.Fatalf("ORDER event was dropped; only TICKs may be dropped")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	b.SetTimerInterval(time.Hour)

	c := &collector{}
	b.Subscribe(TypeLog, c.handler())

	for i := 0; i < 50; i++ {
		b.Publish(Event{Type: TypeLog, Data: i})
	}
	b.Start()
	b.Stop()

	if got := len(c.snapshot()); got != 50 {
		t.Fatalf("drained %d events on Stop, want 50", got)
	}

	// Publishing after Stop is a no-op, not a panic.
	b.Publish(Event{Type: TypeLog, Data: "late"})
	if got := len(c.snapshot()); got != 50 {
		t.Fatalf("event dispatched after Stop")
	}
}

func TestTimerFires(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	b.SetTimerInterval(10 * time.Millisecond)

	fired := make(chan struct{}, 1)
	b.Subscribe(TypeTimer, func(e Event) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	b.Start()
	defer b.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("no TIMER event within 2s")
	}
}
