package ibkr

import (
	"strconv"
	"time"

	"github.com/rfzwl/janus/pkg/types"
)

// tickSlot is the merge target for one market-data subscription. Partial
// field callbacks fold into the slot; every merge emits a fresh immutable
// snapshot. The slot survives unsubscribe so a resubscribe resumes from the
// last known state (known limitation: slots are never reclaimed).
type tickSlot struct {
	sub  types.SubscribeRequest
	tick types.TickData
}

func newTickSlot(sub types.SubscribeRequest) *tickSlot {
	return &tickSlot{
		sub: sub,
		tick: types.TickData{
			Symbol:   sub.Symbol,
			Exchange: sub.Exchange,
		},
	}
}

// applyPrice merges a tickPrice callback. Returns false when the field is
// unknown (nothing to emit).
func (s *tickSlot) applyPrice(field string, price float64) bool {
	switch field {
	case "last":
		s.tick.Last = price
	case "bid":
		s.tick.Bid = price
	case "ask":
		s.tick.Ask = price
	default:
		return false
	}
	s.synthesizeLast()
	s.tick.Timestamp = time.Now()
	return true
}

// applySize merges a tickSize callback.
func (s *tickSlot) applySize(field string, size float64) bool {
	switch field {
	case "bidSize":
		s.tick.BidSize = size
	case "askSize":
		s.tick.AskSize = size
	case "volume":
		s.tick.Volume = size
	default:
		return false
	}
	s.tick.Timestamp = time.Now()
	return true
}

// applyString merges a tickString callback; only LAST_TIMESTAMP matters.
func (s *tickSlot) applyString(field, value string) bool {
	if field != "lastTimestamp" {
		return false
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false
	}
	s.tick.Timestamp = time.Unix(secs, 0)
	return true
}

// applyGreeks merges an option-computation callback into the Extra map.
func (s *tickSlot) applyGreeks(greeks map[string]float64) bool {
	if len(greeks) == 0 {
		return false
	}
	if s.tick.Extra == nil {
		s.tick.Extra = make(map[string]float64, len(greeks))
	}
	for k, v := range greeks {
		s.tick.Extra[k] = v
	}
	s.tick.Timestamp = time.Now()
	return true
}

// synthesizeLast fills Last as the mid price for instruments that never print
// a last trade (FX, some commodities). A real last always wins.
func (s *tickSlot) synthesizeLast() {
	if s.tick.Last != 0 {
		return
	}
	if !hasLastTrade(s.sub.Exchange) && s.tick.Bid > 0 && s.tick.Ask > 0 {
		s.tick.Last = (s.tick.Bid + s.tick.Ask) / 2
	}
}

// hasLastTrade reports whether an exchange prints last-trade ticks. IDEALPRO
// (FX) and CMDTY quote two-sided only.
func hasLastTrade(exchange string) bool {
	switch exchange {
	case "IDEALPRO", "CMDTY":
		return false
	}
	return true
}

// snapshot returns the current merged tick as an independent value.
func (s *tickSlot) snapshot() types.TickData {
	return s.tick.CloneExtra()
}
