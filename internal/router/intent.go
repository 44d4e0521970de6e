package router

import (
	"fmt"
	"strings"

	"github.com/rfzwl/janus/pkg/types"
)

// IntentFromVerb builds an OrderIntent from the terminal verb surface.
//
//	buy/sell/short/cover: no price -> MARKET, price -> LIMIT
//	bstop/sstop:          stop only -> STOP, stop + limit -> STOP_LIMIT
func IntentFromVerb(alias, verb, symbol string, qty, limitPrice, stopPrice float64) (types.OrderIntent, error) {
	intent := types.OrderIntent{
		AccountAlias: alias,
		Symbol:       symbol,
		Qty:          qty,
		LimitPrice:   limitPrice,
		StopPrice:    stopPrice,
	}

	switch strings.ToLower(verb) {
	case "buy":
		intent.Side = types.SideBuy
	case "sell":
		intent.Side = types.SideSell
	case "short":
		intent.Side = types.SideShort
	case "cover":
		intent.Side = types.SideCover
	case "bstop":
		intent.Side = types.SideBuy
		return stopIntent(intent)
	case "sstop":
		intent.Side = types.SideSell
		return stopIntent(intent)
	default:
		return types.OrderIntent{}, fmt.Errorf("%w: unknown verb %q", types.ErrInvalidIntent, verb)
	}

	if limitPrice > 0 {
		intent.Type = types.OrderTypeLimit
	} else {
		intent.Type = types.OrderTypeMarket
	}
	if stopPrice > 0 {
		return types.OrderIntent{}, fmt.Errorf("%w: %s takes no stop price (use bstop/sstop)",
			types.ErrInvalidIntent, verb)
	}
	return intent, nil
}

func stopIntent(intent types.OrderIntent) (types.OrderIntent, error) {
	if intent.StopPrice <= 0 {
		return types.OrderIntent{}, fmt.Errorf("%w: stop verb without stop price", types.ErrInvalidIntent)
	}
	if intent.LimitPrice > 0 {
		intent.Type = types.OrderTypeStopLimit
	} else {
		intent.Type = types.OrderTypeStop
	}
	return intent, nil
}
