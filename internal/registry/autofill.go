package registry

import (
	"context"
	"fmt"

	"github.com/rfzwl/janus/pkg/types"
)

// ContractResolver is the slice of a broker gateway the auto-fill policy
// needs: a synchronous, bounded-timeout contract lookup.
type ContractResolver interface {
	RequestContractDetails(ctx context.Context, q types.ContractQuery) ([]types.ContractDetails, error)
}

// AutoFillIBConid resolves a missing broker-B conid with the default filter
// (US + SMART + USD, STK). Exactly one match is written through; zero or
// multiple matches write nothing and surface as RegistryMiss or
// RegistryAmbiguous.
func (r *Registry) AutoFillIBConid(ctx context.Context, symbol string, resolver ContractResolver) (Entry, error) {
	canonical := Normalize(symbol)

	details, err := resolver.RequestContractDetails(ctx, types.DefaultContractQuery(canonical))
	if err != nil {
		return Entry{}, fmt.Errorf("contract lookup for %s: %w", canonical, err)
	}

	switch len(details) {
	case 0:
		return Entry{}, fmt.Errorf("%w: no broker-B contract for %s", types.ErrRegistryMiss, canonical)
	case 1:
		d := details[0]
		return r.EnsureIB(ctx, canonical, d.Conid, d.Currency, d.LongName)
	default:
		return Entry{}, fmt.Errorf("%w: %d broker-B contracts for %s",
			types.ErrRegistryAmbiguous, len(details), canonical)
	}
}

// AutoFillWebullTicker resolves a missing broker-A ticker. Broker A addresses
// instruments by ticker only, so a unique instrument match binds the ticker.
func (r *Registry) AutoFillWebullTicker(ctx context.Context, symbol string, resolver ContractResolver) (Entry, error) {
	canonical := Normalize(symbol)

	details, err := resolver.RequestContractDetails(ctx, types.DefaultContractQuery(canonical))
	if err != nil {
		return Entry{}, fmt.Errorf("instrument lookup for %s: %w", canonical, err)
	}

	switch len(details) {
	case 0:
		return Entry{}, fmt.Errorf("%w: no broker-A instrument for %s", types.ErrRegistryMiss, canonical)
	case 1:
		d := details[0]
		return r.EnsureWebull(ctx, d.Symbol, types.AssetEquity, d.Currency, d.LongName)
	default:
		return Entry{}, fmt.Errorf("%w: %d broker-A instruments for %s",
			types.ErrRegistryAmbiguous, len(details), canonical)
	}
}
