package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/rfzwl/janus/internal/gateway"
	"github.com/rfzwl/janus/pkg/types"
)

// HarmonyResult aggregates one harmony run.
type HarmonyResult struct {
	Filled           int `json:"filled"`
	SkippedAmbiguous int `json:"skipped_ambiguous"`
	SkippedNoMatch   int `json:"skipped_no_match"`
	Errors           int `json:"errors"`
}

// Harmony walks the registry and auto-fills missing broker ids, once per
// connected broker kind (not per account). A store write error aborts the
// whole run: partially flushed rows stay, nothing further is attempted.
func (s *Server) Harmony(ctx context.Context) (HarmonyResult, error) {
	var result HarmonyResult

	for kind, gw := range s.resolverPerKind() {
		for _, entry := range s.reg.List() {
			var missing bool
			switch kind {
			case "ibkr":
				missing = entry.IBConid == 0
			case "webull":
				missing = entry.WebullTicker == ""
			}
			if !missing {
				continue
			}

			var err error
			switch kind {
			case "ibkr":
				_, err = s.reg.AutoFillIBConid(ctx, entry.CanonicalSymbol, gw)
			case "webull":
				_, err = s.reg.AutoFillWebullTicker(ctx, entry.CanonicalSymbol, gw)
			}

			switch {
			case err == nil:
				result.Filled++
			case errors.Is(err, types.ErrRegistryAmbiguous):
				result.SkippedAmbiguous++
			case errors.Is(err, types.ErrRegistryMiss):
				result.SkippedNoMatch++
			case errors.Is(err, types.ErrRegistryStore):
				return result, fmt.Errorf("harmony aborted on %s: %w", entry.CanonicalSymbol, err)
			default:
				result.Errors++
				s.logger.Warn("harmony lookup failed",
					"symbol", entry.CanonicalSymbol, "broker", kind, "error", err)
			}
		}
	}

	s.logger.Info("harmony complete",
		"filled", result.Filled,
		"ambiguous", result.SkippedAmbiguous,
		"noMatch", result.SkippedNoMatch,
		"errors", result.Errors)
	return result, nil
}

// resolverPerKind picks one adapter per broker kind to serve lookups.
func (s *Server) resolverPerKind() map[string]gateway.Gateway {
	resolvers := make(map[string]gateway.Gateway)
	for _, gw := range s.router.Gateways() {
		if _, ok := resolvers[gw.Broker()]; !ok {
			resolvers[gw.Broker()] = gw
		}
	}
	return resolvers
}
