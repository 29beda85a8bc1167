package x402escrow

import "fmt"

// Scheme is the closed set of settlement paths. Dispatch over a Scheme is
// an exhaustive switch; there is no registry to miss at runtime, and an
// identifier outside the set is rejected at parse time.
type Scheme int

const (
	// SchemeImmediate settles synchronously on-chain via an EIP-3009
	// transfer and blocks until confirmation.
	SchemeImmediate Scheme = iota

	// SchemeEscrow queues the intent against the pooled vault for
	// deferred batch settlement and returns a pending status.
	SchemeEscrow

	// SchemeAgent forwards the intent to a custodial settlement agent
	// that re-verifies it, checks its private ledger, and withdraws from
	// the vault synchronously.
	SchemeAgent
)

// Wire identifiers for each scheme.
const (
	SchemeIDImmediate = "exact"
	SchemeIDEscrow    = "escrow"
	SchemeIDAgent     = "agent"
)

// ParseScheme maps a wire identifier to its scheme. Unknown identifiers
// are an error, never a default.
func ParseScheme(id string) (Scheme, error) {
	switch id {
	case SchemeIDImmediate:
		return SchemeImmediate, nil
	case SchemeIDEscrow:
		return SchemeEscrow, nil
	case SchemeIDAgent:
		return SchemeAgent, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownScheme, id)
	}
}

// String returns the wire identifier.
func (s Scheme) String() string {
	switch s {
	case SchemeImmediate:
		return SchemeIDImmediate
	case SchemeEscrow:
		return SchemeIDEscrow
	case SchemeAgent:
		return SchemeIDAgent
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

// SettlesImmediately reports whether a successful settlement response
// means funds have already moved. The escrow path releases content before
// its batch lands.
func (s Scheme) SettlesImmediately() bool {
	return s != SchemeEscrow
}
