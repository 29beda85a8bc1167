package x402escrow

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/hamiha70/x402-escrow-sub002/ledger"
	"github.com/hamiha70/x402-escrow-sub002/vault"
)

// Machine-readable error codes carried in SettleResponse.ErrorCode and
// VerifyResponse.InvalidCode.
const (
	CodeMalformedPayload      = "malformed_payload"
	CodeFieldMismatch         = "field_mismatch"
	CodeIntentExpired         = "intent_expired"
	CodeNonceReplayed         = "nonce_replayed"
	CodeInsufficientFunds     = "insufficient_funds"
	CodeSellerNotAuthorized   = "seller_not_authorized"
	CodeSettlementFailed      = "settlement_failed"
	CodeReconciliationPending = "reconciliation_pending"
	CodeAgentUnavailable      = "agent_unavailable"
	CodeUnknownScheme         = "unknown_scheme"
)

var (
	// ErrMalformedPayload marks payloads that cannot be decoded or lack
	// required fields. Nothing is touched.
	ErrMalformedPayload = errors.New("malformed payment payload")

	// ErrFieldMismatch marks intents whose fields disagree with the
	// requirements they claim to satisfy.
	ErrFieldMismatch = errors.New("payload does not match requirements")

	// ErrIntentExpired marks permanently lapsed intents.
	ErrIntentExpired = errors.New("intent expired")

	// ErrSignerMismatch marks signatures that do not recover to the
	// declared buyer.
	ErrSignerMismatch = errors.New("signature does not recover to buyer")

	// ErrSellerNotAuthorized marks payouts to sellers missing from the
	// vault allowlist.
	ErrSellerNotAuthorized = errors.New("seller not authorized on vault")

	// ErrSettlementFailed marks on-chain execution failures. The ledger
	// never records a spend for a transfer that did not execute.
	ErrSettlementFailed = errors.New("settlement execution failed")

	// ErrReconciliationPending marks the one state that cannot be rolled
	// back: the transfer succeeded but the ledger write after it failed.
	ErrReconciliationPending = errors.New("transfer succeeded but ledger recording failed")

	// ErrAgentUnavailable marks an unreachable or timed-out settlement
	// agent. It is not a payment rejection; the agent-side outcome is
	// unknown.
	ErrAgentUnavailable = errors.New("settlement agent unavailable")

	// ErrUnknownScheme marks scheme identifiers outside the closed set.
	ErrUnknownScheme = errors.New("unknown payment scheme")
)

// ErrorForCode reconstructs the sentinel for a wire code, so remotely
// reported failures classify the same way local ones do.
func ErrorForCode(code, reason string) error {
	var base error
	switch code {
	case CodeMalformedPayload:
		base = ErrMalformedPayload
	case CodeFieldMismatch:
		base = ErrFieldMismatch
	case CodeIntentExpired:
		base = ErrIntentExpired
	case CodeNonceReplayed:
		base = ledger.ErrReplayedNonce
	case CodeSellerNotAuthorized:
		base = ErrSellerNotAuthorized
	case CodeReconciliationPending:
		base = ErrReconciliationPending
	case CodeAgentUnavailable:
		base = ErrAgentUnavailable
	case CodeUnknownScheme:
		base = ErrUnknownScheme
	case CodeInsufficientFunds:
		base = &ledger.InsufficientFundsError{Balance: new(big.Int), Required: new(big.Int)}
	default:
		base = ErrSettlementFailed
	}
	if reason == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, reason)
}

// CodeForError maps an error to its wire code. Typed ledger and vault
// errors classify by their underlying condition; anything unrecognized is
// a settlement failure.
func CodeForError(err error) string {
	var insufficientLedger *ledger.InsufficientFundsError
	var insolvent *vault.InsolventError

	switch {
	case errors.Is(err, ErrMalformedPayload):
		return CodeMalformedPayload
	case errors.Is(err, ErrFieldMismatch):
		return CodeFieldMismatch
	case errors.Is(err, ErrIntentExpired), errors.Is(err, vault.ErrIntentExpired):
		return CodeIntentExpired
	case errors.Is(err, ledger.ErrReplayedNonce), errors.Is(err, vault.ErrNonceUsed):
		return CodeNonceReplayed
	case errors.As(err, &insufficientLedger), errors.As(err, &insolvent):
		return CodeInsufficientFunds
	case errors.Is(err, ErrSellerNotAuthorized), errors.Is(err, vault.ErrSellerNotAuthorized):
		return CodeSellerNotAuthorized
	case errors.Is(err, ErrSignerMismatch), errors.Is(err, vault.ErrSignerMismatch):
		return CodeFieldMismatch
	case errors.Is(err, ErrReconciliationPending):
		return CodeReconciliationPending
	case errors.Is(err, ErrAgentUnavailable):
		return CodeAgentUnavailable
	case errors.Is(err, ErrUnknownScheme):
		return CodeUnknownScheme
	default:
		return CodeSettlementFailed
	}
}
