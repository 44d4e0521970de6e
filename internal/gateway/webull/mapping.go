package webull

import "github.com/rfzwl/janus/pkg/types"

// mapOrderStatus translates an explicit order_status field. FILLED is partial
// until filled_qty reaches qty.
func mapOrderStatus(status string, filled, qty float64) (types.Status, bool) {
	switch status {
	case "SUBMITTED", "WORKING", "PENDING":
		return types.StatusNotTraded, true
	case "FILLED":
		if filled < qty {
			return types.StatusPartTraded, true
		}
		return types.StatusAllTraded, true
	case "CANCELLED":
		return types.StatusCancelled, true
	case "FAILED":
		return types.StatusRejected, true
	}
	return "", false
}

// mapSceneType is the fallback when the payload carries no usable
// order_status. MODIFY_SUCCESS preserves whatever status the order had.
func mapSceneType(scene string, current types.Status) (types.Status, bool) {
	switch scene {
	case "FILLED":
		return types.StatusPartTraded, true
	case "FINAL_FILLED":
		return types.StatusAllTraded, true
	case "PLACE_FAILED", "MODIFY_FAILED", "CANCEL_FAILED":
		return types.StatusRejected, true
	case "CANCEL_SUCCESS":
		return types.StatusCancelled, true
	case "MODIFY_SUCCESS":
		return current, true
	}
	return "", false
}

// refreshScene reports whether a scene warrants a snapshot refresh.
func refreshScene(scene string) bool {
	switch scene {
	case "FILLED", "FINAL_FILLED", "CANCEL_SUCCESS":
		return true
	}
	return false
}

var orderTypeToWire = map[types.OrderType]string{
	types.OrderTypeMarket: "MARKET",
	types.OrderTypeLimit:  "LIMIT",
	types.OrderTypeStop:   "STOP_LOSS",
}

var sideToWire = map[types.Direction]string{
	types.DirectionLong:  "BUY",
	types.DirectionShort: "SELL",
}

var sideFromWire = map[string]types.Direction{
	"BUY":  types.DirectionLong,
	"SELL": types.DirectionShort,
}

func mapTif(tif types.Tif) string {
	if tif == types.TifDay {
		return "DAY"
	}
	return "GTC"
}
