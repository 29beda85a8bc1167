package x402escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hamiha70/x402-escrow-sub002/chainctx"
	"github.com/hamiha70/x402-escrow-sub002/intent"
	"github.com/hamiha70/x402-escrow-sub002/logger"
	"github.com/hamiha70/x402-escrow-sub002/metrics"
	"github.com/hamiha70/x402-escrow-sub002/vault"
)

// settlementCacheTTL bounds how long a settled response answers retries
// of the same payload.
const settlementCacheTTL = 5 * time.Minute

// AgentSettler is the custodial settlement agent as seen by the
// facilitator. The agent re-verifies the intent against the vault domain,
// checks its private ledger, executes the withdrawal, and records the
// spend; the facilitator only forwards and reports.
type AgentSettler interface {
	Settle(ctx context.Context, it intent.PaymentIntent, signature string) (*SettleResponse, error)
}

// Facilitator validates payment payloads against requirements and drives
// settlement. Chains, vaults, and the agent are registered once at
// startup; settlement itself is driven entirely by inbound calls.
type Facilitator struct {
	mu     sync.RWMutex
	chains map[int64]*chainctx.Context
	vaults map[int64]vault.Backend
	queues map[int64]*EscrowQueue
	agent  AgentSettler

	cache    *SettlementCache
	validate *validator.Validate
	log      logger.Logger
	recorder metrics.Recorder

	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// NewFacilitator constructs an empty facilitator. Nil logger or recorder
// fall back to no-ops.
func NewFacilitator(log logger.Logger, recorder metrics.Recorder) *Facilitator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if recorder == nil {
		recorder = metrics.NewNopRecorder()
	}
	return &Facilitator{
		chains:   make(map[int64]*chainctx.Context),
		vaults:   make(map[int64]vault.Backend),
		queues:   make(map[int64]*EscrowQueue),
		cache:    NewSettlementCache(settlementCacheTTL),
		validate: validator.New(),
		log:      log,
		recorder: recorder,
	}
}

// RegisterChain adds a per-chain signing context.
func (f *Facilitator) RegisterChain(chain *chainctx.Context) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[chain.ChainID()] = chain
	return f
}

// RegisterVault binds a vault backend to a chain and creates its escrow
// queue.
func (f *Facilitator) RegisterVault(chainID int64, backend vault.Backend) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vaults[chainID] = backend
	f.queues[chainID] = NewEscrowQueue()
	return f
}

// WithAgent sets the custodial settlement agent.
func (f *Facilitator) WithAgent(agent AgentSettler) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agent = agent
	return f
}

// OnBeforeSettle appends a before-settle hook.
func (f *Facilitator) OnBeforeSettle(hook BeforeSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

// OnAfterSettle appends an after-settle hook.
func (f *Facilitator) OnAfterSettle(hook AfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

// OnSettleFailure appends a settle-failure hook.
func (f *Facilitator) OnSettleFailure(hook OnSettleFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

func (f *Facilitator) chain(chainID int64) (*chainctx.Context, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	chain := f.chains[chainID]
	if chain == nil {
		return nil, fmt.Errorf("no signing context registered for chain %d", chainID)
	}
	return chain, nil
}

func (f *Facilitator) vaultBackend(chainID int64) vault.Backend {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.vaults[chainID]
}

// RequirementsParams carries the seller-side inputs for an offer.
type RequirementsParams struct {
	TokenSymbol    string
	TokenAddress   string
	Amount         string // decimal string, whole-token units
	Decimals       int32
	Seller         string
	Resource       string
	FacilitatorURL string
	AttestationURL string
	ChainID        int64
	Window         time.Duration // defaults to intent.ExpiryWindow
}

// GenerateRequirements builds the offer a seller attaches to a 402-style
// response. The token's EIP-712 domain is resolved on-chain and embedded
// in Extra so the buyer can sign the transfer authorization without a
// round trip of its own.
func (f *Facilitator) GenerateRequirements(ctx context.Context, scheme Scheme, p RequirementsParams) (*Requirements, error) {
	chain, err := f.chain(p.ChainID)
	if err != nil {
		return nil, err
	}
	domain, err := chain.ResolveTokenDomain(ctx, p.TokenAddress)
	if err != nil {
		return nil, fmt.Errorf("resolving token domain for %s: %w", p.TokenAddress, err)
	}

	window := p.Window
	if window <= 0 {
		window = intent.ExpiryWindow
	}

	req := &Requirements{
		Scheme:       scheme.String(),
		Token:        p.TokenSymbol,
		TokenAddress: p.TokenAddress,
		Amount:       p.Amount,
		Decimals:     p.Decimals,
		Seller:       p.Seller,
		Resource:     p.Resource,
		Facilitator:  p.FacilitatorURL,
		ChainID:      p.ChainID,
		ExpiresAt:    time.Now().Add(window).Unix(),
		Extra: map[string]interface{}{
			ExtraTokenName:    domain.Name,
			ExtraTokenVersion: domain.Version,
		},
	}

	switch scheme {
	case SchemeImmediate:
	case SchemeEscrow:
		backend := f.vaultBackend(p.ChainID)
		if backend == nil {
			return nil, fmt.Errorf("no vault registered for chain %d", p.ChainID)
		}
		req.Vault = backend.Address()
	case SchemeAgent:
		backend := f.vaultBackend(p.ChainID)
		if backend == nil {
			return nil, fmt.Errorf("no vault registered for chain %d", p.ChainID)
		}
		req.Vault = backend.Address()
		req.Attestation = p.AttestationURL
	}

	if err := f.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid requirements: %w", err)
	}
	return req, nil
}

// Verify validates a payload against requirements without moving funds.
func (f *Facilitator) Verify(ctx context.Context, payloadBytes []byte, req *Requirements) (VerifyResponse, error) {
	payload, scheme, err := f.decode(payloadBytes, req)
	if err != nil {
		return invalidResponse(err), nil
	}

	var payer string
	switch scheme {
	case SchemeImmediate:
		payer, err = f.verifyImmediate(ctx, payload, req)
	case SchemeEscrow:
		_, payer, err = f.checkEscrowPayload(ctx, payload, req)
	case SchemeAgent:
		payer, err = f.verifyAgentPayload(payload, req)
	}
	if err != nil {
		return invalidResponse(err), nil
	}
	return VerifyResponse{Valid: true, Payer: payer}, nil
}

// Settle validates and settles a payload against requirements. Retries of
// the same payload collapse onto the idempotency cache, so a client that
// resends after a timeout never causes a second transfer.
func (f *Facilitator) Settle(ctx context.Context, payloadBytes []byte, req *Requirements) (SettleResponse, error) {
	start := time.Now()
	payload, scheme, err := f.decode(payloadBytes, req)
	if err != nil {
		return f.failure(req, err), err
	}

	key := settlementKey(payloadBytes)
	status, cached, done := f.cache.CheckAndMark(key)
	switch status {
	case CacheHit:
		return *cached, nil
	case CacheInFlight:
		result, werr := f.cache.WaitForResult(ctx, key, done)
		if werr != nil {
			return f.failure(req, werr), werr
		}
		if result != nil {
			return *result, nil
		}
		// The in-flight attempt failed; fall through and try ourselves.
		status, cached, done = f.cache.CheckAndMark(key)
		if status == CacheHit {
			return *cached, nil
		}
		if status == CacheInFlight {
			err := fmt.Errorf("%w: concurrent settlement still in flight", ErrSettlementFailed)
			return f.failure(req, err), err
		}
	}

	hookCtx := SettleContext{
		Ctx:          ctx,
		Scheme:       scheme,
		Payload:      *payload,
		Requirements: *req,
		Timestamp:    start,
	}
	for _, hook := range f.beforeSettleHooks {
		result, herr := hook(hookCtx)
		if herr != nil {
			f.cache.Fail(key, done)
			return f.failure(req, herr), herr
		}
		if result != nil && result.Abort {
			f.cache.Fail(key, done)
			err := fmt.Errorf("settlement aborted: %s", result.Reason)
			return f.failure(req, err), err
		}
	}

	var response SettleResponse
	switch scheme {
	case SchemeImmediate:
		response, err = f.settleImmediate(ctx, payload, req)
	case SchemeEscrow:
		response, err = f.settleEscrow(ctx, payload, req)
	case SchemeAgent:
		response, err = f.settleAgent(ctx, payload, req)
	}

	labels := map[string]string{
		"chain":  fmt.Sprintf("%d", req.ChainID),
		"scheme": scheme.String(),
	}
	f.recorder.ObserveLatency("settle", time.Since(start), map[string]string{
		"operation": "settle",
		"chain":     labels["chain"],
		"scheme":    labels["scheme"],
	})

	if err != nil {
		f.cache.Fail(key, done)
		f.recorder.IncCounter("settle_failed", map[string]string{
			"type":   CodeForError(err),
			"chain":  labels["chain"],
			"scheme": labels["scheme"],
		})
		f.log.Warn("settlement failed", map[string]any{
			"scheme":  scheme.String(),
			"chain":   req.ChainID,
			"seller":  req.Seller,
			"error":   err.Error(),
			"code":    CodeForError(err),
			"elapsed": time.Since(start).String(),
		})
		failureCtx := SettleFailureContext{SettleContext: hookCtx, Error: err, Duration: time.Since(start)}
		for _, hook := range f.onSettleFailureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return result.Result, nil
			}
		}
		return f.failure(req, err), err
	}

	f.cache.Complete(key, &response, done)
	f.recorder.IncCounter("settle_ok", map[string]string{
		"type":   response.Status,
		"chain":  labels["chain"],
		"scheme": labels["scheme"],
	})
	f.log.Info("settlement complete", map[string]any{
		"scheme":  scheme.String(),
		"chain":   req.ChainID,
		"status":  response.Status,
		"txHash":  response.TxHash,
		"elapsed": time.Since(start).String(),
	})

	resultCtx := SettleResultContext{SettleContext: hookCtx, Result: response, Duration: time.Since(start)}
	for _, hook := range f.afterSettleHooks {
		if herr := hook(resultCtx); herr != nil {
			f.log.Warn("after-settle hook failed", map[string]any{"error": herr.Error()})
		}
	}
	return response, nil
}

// DrainBatch submits everything queued for a chain's vault as one batch.
// It is called by the external batch trigger; an empty queue is a no-op.
// A failed batch is not re-queued: phase-one failures point at a bad
// intent that would poison every retry, and later failures have already
// consumed the nonces.
func (f *Facilitator) DrainBatch(ctx context.Context, chainID int64) (*vault.BatchResult, error) {
	f.mu.RLock()
	backend := f.vaults[chainID]
	queue := f.queues[chainID]
	chain := f.chains[chainID]
	f.mu.RUnlock()
	if backend == nil || queue == nil {
		return nil, fmt.Errorf("no vault registered for chain %d", chainID)
	}

	items := queue.Drain()
	if len(items) == 0 {
		return nil, nil
	}

	caller := ""
	if chain != nil {
		caller = chain.Signer().Address()
	}
	result, err := backend.BatchWithdraw(ctx, caller, items)
	if err != nil {
		f.recorder.IncCounter("batch_failed", map[string]string{
			"type":  CodeForError(err),
			"chain": fmt.Sprintf("%d", chainID),
		})
		f.log.Error("batch settlement failed", map[string]any{
			"chain": chainID,
			"count": len(items),
			"error": err.Error(),
		})
		return nil, err
	}

	f.recorder.IncCounter("batch_settled", map[string]string{
		"chain": fmt.Sprintf("%d", chainID),
	})
	f.log.Info("batch settled", map[string]any{
		"chain":  chainID,
		"count":  result.Count,
		"total":  result.Total.String(),
		"buyers": result.Buyers,
		"txHash": result.TxHash,
	})
	return result, nil
}

// QueuedIntents reports how many escrow intents await the next batch.
func (f *Facilitator) QueuedIntents(chainID int64) int {
	f.mu.RLock()
	queue := f.queues[chainID]
	f.mu.RUnlock()
	if queue == nil {
		return 0
	}
	return queue.Len()
}

// decode parses the envelope and reconciles its scheme with the
// requirements.
func (f *Facilitator) decode(payloadBytes []byte, req *Requirements) (*PaymentPayload, Scheme, error) {
	if err := f.validate.Struct(req); err != nil {
		return nil, 0, fmt.Errorf("%w: invalid requirements: %v", ErrMalformedPayload, err)
	}
	scheme, err := ParseScheme(req.Scheme)
	if err != nil {
		return nil, 0, err
	}
	payload, err := ParsePayload(payloadBytes)
	if err != nil {
		return nil, 0, err
	}
	if payload.Scheme != req.Scheme {
		return nil, 0, fmt.Errorf("%w: payload scheme %q, requirements scheme %q",
			ErrFieldMismatch, payload.Scheme, req.Scheme)
	}
	return payload, scheme, nil
}

// failure renders an error as a failed settlement response.
func (f *Facilitator) failure(req *Requirements, err error) SettleResponse {
	return SettleResponse{
		Status:      StatusFailed,
		Amount:      req.Amount,
		Seller:      req.Seller,
		ChainID:     req.ChainID,
		ErrorCode:   CodeForError(err),
		ErrorReason: err.Error(),
	}
}

func invalidResponse(err error) VerifyResponse {
	return VerifyResponse{
		Valid:         false,
		InvalidCode:   CodeForError(err),
		InvalidReason: err.Error(),
	}
}

// settlementKey hashes the raw payload bytes; the signature and nonce
// inside make it unique per payment attempt.
func settlementKey(payloadBytes []byte) string {
	sum := sha256.Sum256(payloadBytes)
	return hex.EncodeToString(sum[:])
}

// checkIntentFields enforces field equality between a signed intent and
// the requirements it claims to satisfy. Mismatches reject before any
// signature work.
func checkIntentFields(it *intent.PaymentIntent, req *Requirements, amount *big.Int) error {
	if it.ChainID != req.ChainID {
		return fmt.Errorf("%w: chain %d != %d", ErrFieldMismatch, it.ChainID, req.ChainID)
	}
	if it.Resource != req.Resource {
		return fmt.Errorf("%w: resource %q != %q", ErrFieldMismatch, it.Resource, req.Resource)
	}
	if !equalAddr(it.Seller, req.Seller) {
		return fmt.Errorf("%w: seller %s != %s", ErrFieldMismatch, it.Seller, req.Seller)
	}
	if !equalAddr(it.Token, req.TokenAddress) {
		return fmt.Errorf("%w: token %s != %s", ErrFieldMismatch, it.Token, req.TokenAddress)
	}
	itAmount, ok := new(big.Int).SetString(it.Amount, 10)
	if !ok {
		return fmt.Errorf("%w: unparseable intent amount %q", ErrMalformedPayload, it.Amount)
	}
	if itAmount.Cmp(amount) != 0 {
		return fmt.Errorf("%w: amount %s != %s", ErrFieldMismatch, it.Amount, amount)
	}
	return nil
}

// checkIntentSignature recovers the resource-binding signer and enforces
// buyer identity, then expiry. Signature before expiry, both before any
// balance work.
func checkIntentSignature(it *intent.PaymentIntent, signature, verifyingContract string) error {
	signer, err := intent.RecoverIntentSigner(*it, signature, verifyingContract)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !equalAddr(signer, it.Buyer) {
		return fmt.Errorf("%w: recovered %s, buyer %s", ErrSignerMismatch, signer, it.Buyer)
	}
	if intent.Expired(*it, time.Now()) {
		return fmt.Errorf("%w: expired at %d", ErrIntentExpired, it.Expiry)
	}
	return nil
}
