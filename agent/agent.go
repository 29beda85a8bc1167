// Package agent implements the custodial settlement agent: a privately
// operated component that holds buyers' balance truth in its own ledger
// and executes vault withdrawals on their behalf. It re-verifies every
// intent against the vault's signing domain rather than trusting the
// facilitator that forwarded it.
package agent

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	x402escrow "github.com/hamiha70/x402-escrow-sub002"
	"github.com/hamiha70/x402-escrow-sub002/intent"
	"github.com/hamiha70/x402-escrow-sub002/ledger"
	"github.com/hamiha70/x402-escrow-sub002/logger"
	"github.com/hamiha70/x402-escrow-sub002/metrics"
	"github.com/hamiha70/x402-escrow-sub002/vault"
)

// Config fixes an agent's identity and collaborators.
type Config struct {
	// Address is the agent's own address, the caller identity for
	// agent-restricted vault operations.
	Address string

	// ChainID is the single chain this agent settles on.
	ChainID int64

	// RetryLedgerWrites controls the reconciliation policy when the
	// ledger write after a successful transfer fails: retry once before
	// flagging the discrepancy, or flag immediately.
	RetryLedgerWrites bool
}

// Agent settles intents from its private ledger against a vault.
type Agent struct {
	cfg      Config
	vault    vault.Backend
	ledger   ledger.Store
	log      logger.Logger
	recorder metrics.Recorder

	// nonces being settled right now; a concurrent duplicate is a replay
	inFlightMu sync.Mutex
	inFlight   map[string]struct{}
}

var _ x402escrow.AgentSettler = (*Agent)(nil)

// New wires an agent to its vault and ledger. Nil logger or recorder fall
// back to no-ops.
func New(cfg Config, backend vault.Backend, store ledger.Store, log logger.Logger, recorder metrics.Recorder) *Agent {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if recorder == nil {
		recorder = metrics.NewNopRecorder()
	}
	return &Agent{
		cfg:      cfg,
		vault:    backend,
		ledger:   store,
		log:      log,
		recorder: recorder,
		inFlight: make(map[string]struct{}),
	}
}

// Settle executes one intent end to end: hash, recover, expiry, ledger
// balance, allowlist, withdrawal, spend recording. The ordering is the
// contract: no fund movement before every check passes, and no rollback
// after funds move. A ledger failure after a successful withdrawal is
// flagged as a reconciliation discrepancy on an otherwise settled
// response.
func (a *Agent) Settle(ctx context.Context, it intent.PaymentIntent, signature string) (*x402escrow.SettleResponse, error) {
	start := time.Now()

	if it.ChainID != a.cfg.ChainID {
		return nil, fmt.Errorf("%w: chain %d, agent settles %d",
			x402escrow.ErrFieldMismatch, it.ChainID, a.cfg.ChainID)
	}
	amount, ok := new(big.Int).SetString(it.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invalid amount %q", x402escrow.ErrMalformedPayload, it.Amount)
	}

	intentHash, err := intent.IntentHashHex(it, a.vault.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402escrow.ErrMalformedPayload, err)
	}
	signer, err := intent.RecoverIntentSigner(it, signature, a.vault.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402escrow.ErrMalformedPayload, err)
	}
	if !strings.EqualFold(signer, it.Buyer) {
		return nil, fmt.Errorf("%w: recovered %s, buyer %s", x402escrow.ErrSignerMismatch, signer, it.Buyer)
	}
	if intent.Expired(it, time.Now()) {
		return nil, fmt.Errorf("%w: expired at %d", x402escrow.ErrIntentExpired, it.Expiry)
	}

	// Replay detection before any fund movement: recorded nonces and
	// nonces mid-settlement both reject here.
	if a.ledger.NonceSpent(it.Buyer, it.ChainID, it.Nonce) {
		return nil, fmt.Errorf("intent %s: %w", it.Nonce, ledger.ErrReplayedNonce)
	}
	release, err := a.markInFlight(it.Nonce)
	if err != nil {
		return nil, err
	}
	defer release()

	balance := a.ledger.Balance(it.Buyer, it.ChainID)
	if balance.Cmp(amount) < 0 {
		return nil, &ledger.InsufficientFundsError{Balance: balance, Required: amount}
	}

	allowed, err := a.vault.IsAuthorizedSeller(ctx, it.Seller)
	if err != nil {
		return nil, fmt.Errorf("%w: allowlist check: %v", x402escrow.ErrSettlementFailed, err)
	}
	if !allowed {
		return nil, x402escrow.ErrSellerNotAuthorized
	}

	txRef, err := a.vault.WithdrawToSeller(ctx, a.cfg.Address, it.Seller, amount, intentHash)
	if err != nil {
		// Funds did not move; nothing to record.
		return nil, fmt.Errorf("%w: %v", x402escrow.ErrSettlementFailed, err)
	}

	newBalance, recordErr := a.recordSpend(it, amount, txRef, intentHash)
	a.recorder.ObserveLatency("agent_settle", time.Since(start), map[string]string{
		"operation": "agent_settle",
		"chain":     fmt.Sprintf("%d", it.ChainID),
		"scheme":    "agent",
	})

	response := &x402escrow.SettleResponse{
		Status:     x402escrow.StatusSettled,
		TxHash:     txRef,
		IntentHash: intentHash,
		Amount:     amount.String(),
		Seller:     it.Seller,
		ChainID:    it.ChainID,
	}
	if recordErr != nil {
		// The withdrawal cannot be reversed without a second signed
		// authorization; flag the discrepancy instead.
		a.log.Error("ledger write failed after settled transfer", map[string]any{
			"buyer":      it.Buyer,
			"chain":      it.ChainID,
			"txRef":      txRef,
			"intentHash": intentHash,
			"error":      recordErr.Error(),
		})
		a.recorder.IncCounter("reconciliation_pending", map[string]string{
			"type":  "ledger_write",
			"chain": fmt.Sprintf("%d", it.ChainID),
		})
		response.ErrorCode = x402escrow.CodeReconciliationPending
		response.ErrorReason = fmt.Sprintf("%v: %v", x402escrow.ErrReconciliationPending, recordErr)
		return response, nil
	}

	response.NewBalance = newBalance.String()
	a.log.Info("agent settled intent", map[string]any{
		"buyer":      it.Buyer,
		"seller":     it.Seller,
		"chain":      it.ChainID,
		"amount":     amount.String(),
		"newBalance": newBalance.String(),
		"txRef":      txRef,
	})
	return response, nil
}

func (a *Agent) recordSpend(it intent.PaymentIntent, amount *big.Int, txRef, intentHash string) (*big.Int, error) {
	params := ledger.SpendParams{
		Buyer:      it.Buyer,
		ChainID:    it.ChainID,
		Seller:     it.Seller,
		Amount:     amount,
		Resource:   it.Resource,
		TxRef:      txRef,
		IntentHash: intentHash,
		Nonce:      it.Nonce,
	}
	newBalance, err := a.ledger.RecordSpend(params)
	if err != nil && a.cfg.RetryLedgerWrites {
		newBalance, err = a.ledger.RecordSpend(params)
	}
	return newBalance, err
}

func (a *Agent) markInFlight(nonce string) (func(), error) {
	key := strings.ToLower(nonce)
	a.inFlightMu.Lock()
	defer a.inFlightMu.Unlock()
	if _, busy := a.inFlight[key]; busy {
		return nil, fmt.Errorf("intent %s: %w", nonce, ledger.ErrReplayedNonce)
	}
	a.inFlight[key] = struct{}{}
	return func() {
		a.inFlightMu.Lock()
		delete(a.inFlight, key)
		a.inFlightMu.Unlock()
	}, nil
}

// RecordDeposit credits a buyer's ledger account after an observed vault
// deposit.
func (a *Agent) RecordDeposit(buyer string, chainID int64, amount *big.Int, txRef string) error {
	if err := a.ledger.RecordDeposit(buyer, chainID, amount, txRef); err != nil {
		return err
	}
	a.recorder.IncCounter("deposit_recorded", map[string]string{
		"chain": fmt.Sprintf("%d", chainID),
	})
	return nil
}

// Emit lets the agent act as the vault's event sink: deposit events feed
// the ledger directly, everything else is ignored.
func (a *Agent) Emit(e vault.Event) {
	d, ok := e.(vault.Deposited)
	if !ok {
		return
	}
	if err := a.RecordDeposit(d.Buyer, a.cfg.ChainID, d.Amount, ""); err != nil {
		a.log.Error("failed to record observed deposit", map[string]any{
			"buyer": d.Buyer,
			"error": err.Error(),
		})
	}
}

// PublishLedgerHash writes the current ledger integrity hash to the vault
// for external audit.
func (a *Agent) PublishLedgerHash(ctx context.Context) error {
	return a.vault.PublishLedgerHash(ctx, a.cfg.Address, a.ledger.LedgerHash())
}

// Stats exposes the ledger's aggregate totals.
func (a *Agent) Stats() ledger.Stats {
	return a.ledger.Stats()
}

// Balance reads a buyer's ledger balance.
func (a *Agent) Balance(buyer string, chainID int64) *big.Int {
	return a.ledger.Balance(buyer, chainID)
}
