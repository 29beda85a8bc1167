// Package ledger tracks per-buyer, per-chain balances, deposits, and
// spends for the custodial settlement paths. Balance truth for those paths
// lives here, not on-chain; the vault only sees aggregate movements.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrReplayedNonce is returned when a spend carries a nonce that was
// already recorded for the account. Replays are rejected permanently and
// never mutate state.
var ErrReplayedNonce = errors.New("ledger: nonce already spent")

// InsufficientFundsError reports the account's current balance alongside
// the required amount so the caller can remediate.
type InsufficientFundsError struct {
	Balance  *big.Int
	Required *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds: balance %s, required %s", e.Balance, e.Required)
}

// Deposit is one recorded funding event.
type Deposit struct {
	Amount string    `json:"amount"`
	TxRef  string    `json:"txRef"`
	At     time.Time `json:"at"`
}

// Spend is one recorded settlement against an account.
type Spend struct {
	Seller     string    `json:"seller"`
	Amount     string    `json:"amount"`
	Resource   string    `json:"resource"`
	TxRef      string    `json:"txRef"`
	IntentHash string    `json:"intentHash"`
	Nonce      string    `json:"nonce"`
	At         time.Time `json:"at"`
}

// SpendParams identifies and quantifies a spend to record.
type SpendParams struct {
	Buyer      string
	ChainID    int64
	Seller     string
	Amount     *big.Int
	Resource   string
	TxRef      string
	IntentHash string
	Nonce      string
}

// Entry is one line of the global append-only activity log. Hash is the
// rolling integrity hash covering this entry and everything before it.
type Entry struct {
	Seq        uint64    `json:"seq"`
	Kind       string    `json:"kind"` // "deposit" or "spend"
	Buyer      string    `json:"buyer"`
	ChainID    int64     `json:"chainId"`
	Seller     string    `json:"seller,omitempty"`
	Amount     string    `json:"amount"`
	Resource   string    `json:"resource,omitempty"`
	TxRef      string    `json:"txRef"`
	IntentHash string    `json:"intentHash,omitempty"`
	At         time.Time `json:"at"`
	Hash       string    `json:"hash"`
}

// Stats aggregates ledger totals for observability.
type Stats struct {
	Accounts       int       `json:"accounts"`
	TotalDeposited *big.Int  `json:"totalDeposited"`
	TotalSpent     *big.Int  `json:"totalSpent"`
	Entries        int       `json:"entries"`
	LastUpdated    time.Time `json:"lastUpdated"`
	LedgerHash     string    `json:"ledgerHash"`
}

// Store is the account store contract. Implementations must provide
// atomic read-modify-write semantics per (buyer, chain) account key:
// RecordSpend's balance check and decrement execute as one indivisible
// step, concurrent spends against one account serialize, and spends
// against different accounts may proceed in parallel.
type Store interface {
	// Balance returns the spendable balance, zero for unseen accounts.
	Balance(buyer string, chainID int64) *big.Int

	// RecordDeposit credits an account, creating it on first use.
	RecordDeposit(buyer string, chainID int64, amount *big.Int, txRef string) error

	// RecordSpend debits an account and returns the new balance.
	// A previously recorded nonce yields ErrReplayedNonce; a balance
	// shortfall yields *InsufficientFundsError. Neither mutates state.
	RecordSpend(p SpendParams) (*big.Int, error)

	// NonceSpent reports whether a nonce was already recorded for the
	// account. Callers that move funds before recording use this to
	// reject replays while rejection is still side-effect free.
	NonceSpent(buyer string, chainID int64, nonce string) bool

	// Stats aggregates totals across all accounts.
	Stats() Stats

	// LedgerHash returns the current rolling integrity hash of the
	// activity log, suitable for on-chain publication.
	LedgerHash() string
}
