package vault

import "math/big"

// Event is implemented by every vault event type.
type Event interface {
	EventName() string
}

// Deposited fires when a buyer funds the vault.
type Deposited struct {
	Buyer  string
	Amount *big.Int
}

func (Deposited) EventName() string { return "Deposited" }

// IntentSettled fires once per settled intent, on both the custodial and
// batch paths.
type IntentSettled struct {
	Seller     string
	Amount     *big.Int
	IntentHash string
}

func (IntentSettled) EventName() string { return "IntentSettled" }

// BatchWithdrawn fires once per executed batch.
type BatchWithdrawn struct {
	Count int
	Total *big.Int
}

func (BatchWithdrawn) EventName() string { return "BatchWithdrawn" }

// SellerAuthorized fires when the owner flips an allowlist entry.
type SellerAuthorized struct {
	Seller  string
	Allowed bool
}

func (SellerAuthorized) EventName() string { return "SellerAuthorized" }

// LedgerHashPublished fires when the agent publishes a ledger hash.
type LedgerHashPublished struct {
	Hash string
}

func (LedgerHashPublished) EventName() string { return "LedgerHashPublished" }

// Sink receives vault events. Emit must not block; implementations that
// need durable delivery should buffer internally.
type Sink interface {
	Emit(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MemorySink records events in order, for tests and local inspection.
type MemorySink struct {
	Events []Event
}

func (s *MemorySink) Emit(e Event) { s.Events = append(s.Events, e) }
