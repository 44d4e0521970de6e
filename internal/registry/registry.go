package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rfzwl/janus/pkg/types"
)

// snapshot is the immutable read index. Writers build a fresh snapshot and
// swap the pointer; readers never take a lock.
type snapshot struct {
	byCanonical map[string]Entry
	byConid     map[int64]Entry
	byTicker    map[string]Entry
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byCanonical: make(map[string]Entry, len(s.byCanonical)+1),
		byConid:     make(map[int64]Entry, len(s.byConid)+1),
		byTicker:    make(map[string]Entry, len(s.byTicker)+1),
	}
	for k, v := range s.byCanonical {
		next.byCanonical[k] = v
	}
	for k, v := range s.byConid {
		next.byConid[k] = v
	}
	for k, v := range s.byTicker {
		next.byTicker[k] = v
	}
	return next
}

func (s *snapshot) put(e Entry) {
	s.byCanonical[e.CanonicalSymbol] = e
	if e.IBConid != 0 {
		s.byConid[e.IBConid] = e
	}
	if e.WebullTicker != "" {
		s.byTicker[e.WebullTicker] = e
	}
}

// Registry fronts the store with a write-through cache. Writes go through one
// mutex; lookups read the current snapshot atomically.
type Registry struct {
	store   Store
	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// New wraps a store. Call Load before serving lookups.
func New(store Store, logger *slog.Logger) *Registry {
	r := &Registry{
		store:  store,
		logger: logger.With("component", "registry"),
	}
	r.snap.Store(&snapshot{
		byCanonical: map[string]Entry{},
		byConid:     map[int64]Entry{},
		byTicker:    map[string]Entry{},
	})
	return r
}

// Normalize trims and uppercases a symbol. Applied before every lookup and
// every write.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Load populates the cache from the store. A store failure here fails startup;
// there is no degraded mode.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrRegistryStore, err)
	}

	snap := &snapshot{
		byCanonical: make(map[string]Entry, len(entries)),
		byConid:     make(map[int64]Entry, len(entries)),
		byTicker:    make(map[string]Entry, len(entries)),
	}
	for _, e := range entries {
		e.CanonicalSymbol = Normalize(e.CanonicalSymbol)
		e.WebullTicker = Normalize(e.WebullTicker)
		snap.put(e)
	}
	r.snap.Store(snap)
	r.logger.Info("registry loaded", "entries", len(entries))
	return nil
}

// ByCanonical looks up an entry by canonical symbol.
func (r *Registry) ByCanonical(symbol string) (Entry, bool) {
	e, ok := r.snap.Load().byCanonical[Normalize(symbol)]
	return e, ok
}

// ByConid looks up an entry by its broker-B contract id.
func (r *Registry) ByConid(conid int64) (Entry, bool) {
	e, ok := r.snap.Load().byConid[conid]
	return e, ok
}

// ByWebullTicker looks up an entry by its broker-A ticker.
func (r *Registry) ByWebullTicker(ticker string) (Entry, bool) {
	e, ok := r.snap.Load().byTicker[Normalize(ticker)]
	return e, ok
}

// List returns every entry in the current snapshot.
func (r *Registry) List() []Entry {
	snap := r.snap.Load()
	out := make([]Entry, 0, len(snap.byCanonical))
	for _, e := range snap.byCanonical {
		out = append(out, e)
	}
	return out
}

// EnsureIB binds a conid to a canonical symbol, inserting the row if the
// symbol is new and filling ib_conid only when it is missing. Binding a conid
// that already belongs to a different symbol is an error and writes nothing.
func (r *Registry) EnsureIB(ctx context.Context, symbol string, conid int64, currency, description string) (Entry, error) {
	if conid == 0 {
		return Entry{}, fmt.Errorf("%w: conid required", types.ErrInvalidIntent)
	}
	canonical := Normalize(symbol)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	snap := r.snap.Load()
	if owner, ok := snap.byConid[conid]; ok && owner.CanonicalSymbol != canonical {
		return Entry{}, fmt.Errorf("%w: conid %d already bound to %s",
			types.ErrRegistryStore, conid, owner.CanonicalSymbol)
	}

	entry, exists := snap.byCanonical[canonical]
	switch {
	case !exists:
		entry = Entry{
			CanonicalSymbol: canonical,
			AssetClass:      types.AssetEquity,
			Currency:        defaultCurrency(currency),
			IBConid:         conid,
			Description:     description,
		}
		id, err := r.store.Insert(ctx, entry)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v", types.ErrRegistryStore, err)
		}
		entry.ID = id

	case entry.IBConid == 0:
		if err := r.store.UpdateIBConid(ctx, canonical, conid); err != nil {
			return Entry{}, fmt.Errorf("%w: %v", types.ErrRegistryStore, err)
		}
		entry.IBConid = conid

	case entry.IBConid != conid:
		return Entry{}, fmt.Errorf("%w: %s already bound to conid %d",
			types.ErrRegistryStore, canonical, entry.IBConid)
	}

	entry = r.fillDescription(ctx, entry, description)

	next := snap.clone()
	next.put(entry)
	r.snap.Store(next)
	return entry, nil
}

// EnsureWebull binds a broker-A ticker to its canonical symbol (they coincide
// for US equities), inserting the row when unknown and filling webull_ticker
// only when missing. A differing existing ticker logs a warning and leaves the
// row untouched.
func (r *Registry) EnsureWebull(ctx context.Context, ticker string, assetClass types.AssetClass, currency, description string) (Entry, error) {
	canonical := Normalize(ticker)
	if canonical == "" {
		return Entry{}, fmt.Errorf("%w: empty ticker", types.ErrInvalidIntent)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	snap := r.snap.Load()
	entry, exists := snap.byCanonical[canonical]
	switch {
	case !exists:
		if assetClass == "" {
			assetClass = types.AssetEquity
		}
		entry = Entry{
			CanonicalSymbol: canonical,
			AssetClass:      assetClass,
			Currency:        defaultCurrency(currency),
			WebullTicker:    canonical,
			Description:     description,
		}
		id, err := r.store.Insert(ctx, entry)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v", types.ErrRegistryStore, err)
		}
		entry.ID = id

	case entry.WebullTicker != "" && entry.WebullTicker != canonical:
		r.logger.Warn("webull ticker mismatch",
			"canonical", canonical, "registry", entry.WebullTicker)
		return entry, nil

	case entry.WebullTicker == "":
		if err := r.store.UpdateWebullTicker(ctx, canonical, canonical); err != nil {
			return Entry{}, fmt.Errorf("%w: %v", types.ErrRegistryStore, err)
		}
		entry.WebullTicker = canonical
	}

	entry = r.fillDescription(ctx, entry, description)

	next := snap.clone()
	next.put(entry)
	r.snap.Store(next)
	return entry, nil
}

// fillDescription writes description only when the row has none: first value
// wins. A failed description write is logged, not fatal; the binding already
// committed.
func (r *Registry) fillDescription(ctx context.Context, entry Entry, description string) Entry {
	if description == "" || entry.Description != "" {
		return entry
	}
	if err := r.store.UpdateDescription(ctx, entry.CanonicalSymbol, description); err != nil {
		r.logger.Warn("description update failed", "symbol", entry.CanonicalSymbol, "error", err)
		return entry
	}
	entry.Description = description
	return entry
}

func defaultCurrency(currency string) string {
	if currency == "" {
		return "USD"
	}
	return strings.ToUpper(currency)
}
