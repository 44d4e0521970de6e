package ibkr

import "github.com/rfzwl/janus/pkg/types"

// Broker status strings to normalized status. Statuses outside this table
// (PendingSubmit, PendingCancel, ...) leave the cached order unchanged.
var statusToVt = map[string]types.Status{
	"Submitted":    types.StatusNotTraded,
	"PreSubmitted": types.StatusNotTraded,
	"Filled":       types.StatusAllTraded,
	"Cancelled":    types.StatusCancelled,
	"ApiCancelled": types.StatusCancelled,
	"Inactive":     types.StatusRejected,
}

// mapStatus translates a broker order status. Filled with traded short of
// volume is a partial fill, not terminal.
func mapStatus(brokerStatus string, traded, volume float64) (types.Status, bool) {
	status, ok := statusToVt[brokerStatus]
	if !ok {
		return "", false
	}
	if status == types.StatusAllTraded && traded < volume {
		status = types.StatusPartTraded
	}
	return status, true
}

var orderTypeToWire = map[types.OrderType]string{
	types.OrderTypeMarket:    "MKT",
	types.OrderTypeLimit:     "LMT",
	types.OrderTypeStop:      "STP",
	types.OrderTypeStopLimit: "STP LMT",
}

var orderTypeFromWire = map[string]types.OrderType{
	"MKT":     types.OrderTypeMarket,
	"LMT":     types.OrderTypeLimit,
	"STP":     types.OrderTypeStop,
	"STP LMT": types.OrderTypeStopLimit,
}

var directionToWire = map[types.Direction]string{
	types.DirectionLong:  "BUY",
	types.DirectionShort: "SELL",
}

var directionFromWire = map[string]types.Direction{
	"BUY":  types.DirectionLong,
	"SELL": types.DirectionShort,
	"BOT":  types.DirectionLong,
	"SLD":  types.DirectionShort,
}

func mapTif(tif types.Tif) string {
	if tif == types.TifDay {
		return "DAY"
	}
	return "GTC" // default
}
