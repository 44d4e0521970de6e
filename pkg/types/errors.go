package types

import "errors"

// Domain error kinds. The router and registry return these wrapped with
// context via fmt.Errorf("...: %w", ...); callers test with errors.Is and the
// RPC layer maps each kind to a stable wire code.
var (
	// ErrRegistryMiss means a canonical symbol is unknown to the registry
	// (or an auto-fill lookup found no match).
	ErrRegistryMiss = errors.New("symbol not in registry")

	// ErrRegistryAmbiguous means an auto-fill lookup returned more than one
	// match; nothing was written.
	ErrRegistryAmbiguous = errors.New("ambiguous symbol lookup")

	// ErrRegistryStore means the registry's persistent store failed. Any
	// in-flight batch (harmony) aborts on this.
	ErrRegistryStore = errors.New("registry store error")

	// ErrCapabilityUnsupported means the target broker cannot natively
	// express the requested order type.
	ErrCapabilityUnsupported = errors.New("order type unsupported by broker")

	// ErrInvalidIntent means a required intent field is missing or malformed.
	ErrInvalidIntent = errors.New("invalid order intent")

	// ErrBrokerTransient is a recoverable connectivity failure. Adapters
	// retry these internally; order callers only ever see one as a
	// send-time failure.
	ErrBrokerTransient = errors.New("transient broker error")

	// ErrBrokerPermanent requires operator action (auth failure, connection
	// quota). The affected subsystem stops instead of retrying.
	ErrBrokerPermanent = errors.New("permanent broker error")
)

// ErrorCode maps a domain error to its stable RPC wire code. Unrecognized
// errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRegistryMiss):
		return "registry_miss"
	case errors.Is(err, ErrRegistryAmbiguous):
		return "registry_ambiguous"
	case errors.Is(err, ErrRegistryStore):
		return "registry_store"
	case errors.Is(err, ErrCapabilityUnsupported):
		return "capability_unsupported"
	case errors.Is(err, ErrInvalidIntent):
		return "invalid_intent"
	case errors.Is(err, ErrBrokerTransient):
		return "broker_transient"
	case errors.Is(err, ErrBrokerPermanent):
		return "broker_permanent"
	default:
		return "internal"
	}
}
