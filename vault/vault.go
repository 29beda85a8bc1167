// Package vault models the pooled custody contract: deposits, agent
// withdrawals, batched escrow settlement, and the seller allowlist. The
// in-process Vault mirrors the contract's state machine so the facilitator
// and tests can settle without a live chain; Binding drives the deployed
// contract through the same Backend surface.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/hamiha70/x402-escrow-sub002/intent"
	"github.com/hamiha70/x402-escrow-sub002/logger"
)

var (
	// ErrNotAgent is returned when an agent-restricted call comes from
	// any other address.
	ErrNotAgent = errors.New("vault: caller is not the settlement agent")

	// ErrNotOwner is returned when an owner-restricted call comes from
	// any other address.
	ErrNotOwner = errors.New("vault: caller is not the owner")

	// ErrSellerNotAuthorized is returned when the payout target is not
	// on the allowlist.
	ErrSellerNotAuthorized = errors.New("vault: seller not authorized")

	// ErrNonceUsed is returned when an intent nonce was already consumed.
	ErrNonceUsed = errors.New("vault: nonce already used")

	// ErrIntentExpired is returned for an intent past its expiry.
	ErrIntentExpired = errors.New("vault: intent expired")

	// ErrTokenMismatch is returned when an intent names a different token
	// than the vault custodies.
	ErrTokenMismatch = errors.New("vault: intent token does not match vault token")

	// ErrChainMismatch is returned when an intent targets a different chain.
	ErrChainMismatch = errors.New("vault: intent chain does not match vault chain")

	// ErrSignerMismatch is returned when the recovered signer is not the
	// intent's buyer.
	ErrSignerMismatch = errors.New("vault: recovered signer does not match buyer")
)

// InsolventError reports the buyer whose aggregate batch spend exceeds
// their deposited balance.
type InsolventError struct {
	Buyer     string
	Deposited *big.Int
	Requested *big.Int
}

func (e *InsolventError) Error() string {
	return fmt.Sprintf("vault: buyer %s insolvent: deposited %s, batch requests %s",
		e.Buyer, e.Deposited, e.Requested)
}

// Config fixes a vault's immutable parameters.
type Config struct {
	Address string
	Owner   string
	Agent   string
	Token   string
	ChainID int64
}

// SignedIntent pairs an intent with its resource-binding signature for
// batch submission.
type SignedIntent struct {
	Intent    intent.PaymentIntent `json:"intent"`
	Signature string               `json:"signature"`
}

// BatchResult summarizes an executed batch.
type BatchResult struct {
	Count  int
	Total  *big.Int
	Buyers int
	TxHash string
}

// Backend is the vault surface shared by the in-process Vault and the
// on-chain Binding. The caller argument names the invoking address; the
// in-process vault enforces access control against it, while the on-chain
// binding submits from its configured signer and lets the contract
// enforce. Mutating calls return a transaction reference.
type Backend interface {
	Deposit(ctx context.Context, caller string, amount *big.Int) (string, error)
	WithdrawToSeller(ctx context.Context, caller, seller string, amount *big.Int, intentHash string) (string, error)
	BatchWithdraw(ctx context.Context, caller string, items []SignedIntent) (*BatchResult, error)
	AuthorizeSeller(ctx context.Context, caller, seller string, allowed bool) error
	PublishLedgerHash(ctx context.Context, caller, hash string) error

	DepositOf(ctx context.Context, buyer string) (*big.Int, error)
	IsAuthorizedSeller(ctx context.Context, seller string) (bool, error)
	NonceUsed(ctx context.Context, nonce string) (bool, error)
	TotalDeposited(ctx context.Context) (*big.Int, error)
	TotalWithdrawn(ctx context.Context) (*big.Int, error)
	LedgerHash(ctx context.Context) (string, error)
	Address() string
}

// Vault is the in-process state machine.
type Vault struct {
	cfg  Config
	log  logger.Logger
	sink Sink

	mu             sync.Mutex
	allowedSellers map[string]bool
	deposits       map[string]*big.Int
	usedNonces     map[string]struct{}
	totalDeposited *big.Int
	totalWithdrawn *big.Int
	ledgerHash     string
	seq            uint64

	// test seam; defaults to time.Now
	now func() time.Time
}

var _ Backend = (*Vault)(nil)

// New constructs an empty vault. A nil sink and nil logger are replaced
// with no-ops.
func New(cfg Config, log logger.Logger, sink Sink) *Vault {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Vault{
		cfg:            cfg,
		log:            log,
		sink:           sink,
		allowedSellers: make(map[string]bool),
		deposits:       make(map[string]*big.Int),
		usedNonces:     make(map[string]struct{}),
		totalDeposited: new(big.Int),
		totalWithdrawn: new(big.Int),
		now:            time.Now,
	}
}

func addr(s string) string { return strings.ToLower(s) }

// nextRef synthesizes a transaction reference for in-process settlement.
// Callers hold v.mu.
func (v *Vault) nextRef(kind string) string {
	v.seq++
	return fmt.Sprintf("memvault:%s:%d", kind, v.seq)
}

// Deposit credits the caller's spendable balance. Purely additive.
func (v *Vault) Deposit(_ context.Context, caller string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("vault: deposit amount must be positive, got %s", amount)
	}
	buyer := addr(caller)

	v.mu.Lock()
	bal := v.deposits[buyer]
	if bal == nil {
		bal = new(big.Int)
		v.deposits[buyer] = bal
	}
	bal.Add(bal, amount)
	v.totalDeposited.Add(v.totalDeposited, amount)
	ref := v.nextRef("deposit")
	v.mu.Unlock()

	v.log.Debug("vault deposit", map[string]any{
		"buyer":  buyer,
		"amount": amount.String(),
	})
	v.sink.Emit(Deposited{Buyer: buyer, Amount: new(big.Int).Set(amount)})
	return ref, nil
}

// WithdrawToSeller pays a seller on the custodial path. Restricted to the
// settlement agent; the seller must be allowlisted. Buyer balances are not
// consulted here, that accounting lives in the agent's private ledger.
func (v *Vault) WithdrawToSeller(_ context.Context, caller, seller string, amount *big.Int, intentHash string) (string, error) {
	if addr(caller) != addr(v.cfg.Agent) {
		return "", ErrNotAgent
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("vault: withdraw amount must be positive, got %s", amount)
	}

	v.mu.Lock()
	if !v.allowedSellers[addr(seller)] {
		v.mu.Unlock()
		return "", ErrSellerNotAuthorized
	}
	v.totalWithdrawn.Add(v.totalWithdrawn, amount)
	ref := v.nextRef("withdraw")
	v.mu.Unlock()

	v.log.Info("vault withdrawal", map[string]any{
		"seller":     addr(seller),
		"amount":     amount.String(),
		"intentHash": intentHash,
	})
	v.sink.Emit(IntentSettled{
		Seller:     addr(seller),
		Amount:     new(big.Int).Set(amount),
		IntentHash: intentHash,
	})
	return ref, nil
}

// BatchWithdraw settles a batch of escrowed intents in three phases.
//
// Phase 1 validates every intent (token, chain, expiry, nonce freshness,
// seller allowlist, signature) and aborts the whole batch on the first
// failure, leaving all nonces unconsumed. Once every intent validates, all nonces are marked
// used and stay used regardless of later phases.
//
// Phase 2 aggregates the requested spend per distinct buyer and checks it
// against that buyer's deposit balance once. A shortfall aborts the batch
// before any balance mutation or transfer; otherwise each buyer's balance
// is decremented by their aggregate exactly once.
//
// Phase 3 transfers each intent's amount to its seller.
func (v *Vault) BatchWithdraw(_ context.Context, caller string, items []SignedIntent) (*BatchResult, error) {
	if len(items) == 0 {
		return nil, errors.New("vault: empty batch")
	}
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Phase 1: validate all before touching any state.
	batchNonces := make(map[string]struct{}, len(items))
	for i, item := range items {
		it := item.Intent
		if addr(it.Token) != addr(v.cfg.Token) {
			return nil, fmt.Errorf("intent %d: %w", i, ErrTokenMismatch)
		}
		if it.ChainID != v.cfg.ChainID {
			return nil, fmt.Errorf("intent %d: %w", i, ErrChainMismatch)
		}
		if intent.Expired(it, now) {
			return nil, fmt.Errorf("intent %d: %w", i, ErrIntentExpired)
		}
		nonce := strings.ToLower(it.Nonce)
		if _, used := v.usedNonces[nonce]; used {
			return nil, fmt.Errorf("intent %d: %w", i, ErrNonceUsed)
		}
		if _, dup := batchNonces[nonce]; dup {
			return nil, fmt.Errorf("intent %d: %w", i, ErrNonceUsed)
		}
		batchNonces[nonce] = struct{}{}
		if !v.allowedSellers[addr(it.Seller)] {
			return nil, fmt.Errorf("intent %d: %w", i, ErrSellerNotAuthorized)
		}
		signer, err := intent.RecoverIntentSigner(it, item.Signature, v.cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("intent %d: %w", i, err)
		}
		if addr(signer) != addr(it.Buyer) {
			return nil, fmt.Errorf("intent %d: %w", i, ErrSignerMismatch)
		}
	}
	for nonce := range batchNonces {
		v.usedNonces[nonce] = struct{}{}
	}

	// Phase 2: per-buyer aggregate solvency via a single accumulation pass.
	aggregate := make(map[string]*big.Int)
	for _, item := range items {
		buyer := addr(item.Intent.Buyer)
		amount, ok := new(big.Int).SetString(item.Intent.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("vault: invalid intent amount %q", item.Intent.Amount)
		}
		total := aggregate[buyer]
		if total == nil {
			total = new(big.Int)
			aggregate[buyer] = total
		}
		total.Add(total, amount)
	}
	for buyer, requested := range aggregate {
		deposited := v.deposits[buyer]
		if deposited == nil {
			deposited = new(big.Int)
		}
		if deposited.Cmp(requested) < 0 {
			return nil, &InsolventError{
				Buyer:     buyer,
				Deposited: new(big.Int).Set(deposited),
				Requested: new(big.Int).Set(requested),
			}
		}
	}
	for buyer, requested := range aggregate {
		v.deposits[buyer].Sub(v.deposits[buyer], requested)
	}

	// Phase 3: transfers.
	batchTotal := new(big.Int)
	for _, item := range items {
		amount, _ := new(big.Int).SetString(item.Intent.Amount, 10)
		v.totalWithdrawn.Add(v.totalWithdrawn, amount)
		batchTotal.Add(batchTotal, amount)
		hash, err := intent.IntentHashHex(item.Intent, v.cfg.Address)
		if err != nil {
			hash = ""
		}
		v.sink.Emit(IntentSettled{
			Seller:     addr(item.Intent.Seller),
			Amount:     amount,
			IntentHash: hash,
		})
	}

	result := &BatchResult{
		Count:  len(items),
		Total:  batchTotal,
		Buyers: len(aggregate),
		TxHash: v.nextRef("batch"),
	}
	v.log.Info("vault batch settled", map[string]any{
		"caller": addr(caller),
		"count":  result.Count,
		"total":  batchTotal.String(),
		"buyers": result.Buyers,
	})
	v.sink.Emit(BatchWithdrawn{Count: result.Count, Total: new(big.Int).Set(batchTotal)})
	return result, nil
}

// AuthorizeSeller flips a seller's allowlist entry. Owner only.
func (v *Vault) AuthorizeSeller(_ context.Context, caller, seller string, allowed bool) error {
	if addr(caller) != addr(v.cfg.Owner) {
		return ErrNotOwner
	}
	v.mu.Lock()
	v.allowedSellers[addr(seller)] = allowed
	v.mu.Unlock()
	v.sink.Emit(SellerAuthorized{Seller: addr(seller), Allowed: allowed})
	return nil
}

// PublishLedgerHash records the agent's ledger integrity hash for external
// audit. Agent only.
func (v *Vault) PublishLedgerHash(_ context.Context, caller, hash string) error {
	if addr(caller) != addr(v.cfg.Agent) {
		return ErrNotAgent
	}
	v.mu.Lock()
	v.ledgerHash = hash
	v.mu.Unlock()
	v.sink.Emit(LedgerHashPublished{Hash: hash})
	return nil
}

// DepositOf returns a buyer's spendable escrow balance.
func (v *Vault) DepositOf(_ context.Context, buyer string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.deposits[addr(buyer)]
	if bal == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

// IsAuthorizedSeller reports allowlist membership.
func (v *Vault) IsAuthorizedSeller(_ context.Context, seller string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.allowedSellers[addr(seller)], nil
}

// NonceUsed reports whether a nonce has been consumed.
func (v *Vault) NonceUsed(_ context.Context, nonce string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, used := v.usedNonces[strings.ToLower(nonce)]
	return used, nil
}

// TotalDeposited returns the lifetime deposit total.
func (v *Vault) TotalDeposited(_ context.Context) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalDeposited), nil
}

// TotalWithdrawn returns the lifetime withdrawal total.
func (v *Vault) TotalWithdrawn(_ context.Context) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalWithdrawn), nil
}

// LedgerHash returns the last published ledger hash.
func (v *Vault) LedgerHash(_ context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ledgerHash, nil
}

// Address returns the vault's contract address, used as the EIP-712
// verifying contract for escrow intents.
func (v *Vault) Address() string { return v.cfg.Address }
