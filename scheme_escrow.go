package x402escrow

import (
	"context"
	"fmt"

	"github.com/hamiha70/x402-escrow-sub002/intent"
	"github.com/hamiha70/x402-escrow-sub002/vault"
)

// checkEscrowPayload validates an escrow payload: field equality against
// the requirements, the resource-binding signature under the vault's
// domain, expiry, and nonce freshness on the vault. Returns the parsed
// payload and the buyer.
func (f *Facilitator) checkEscrowPayload(ctx context.Context, payload *PaymentPayload, req *Requirements) (*ExactPayload, string, error) {
	sp, err := f.parseExactPayload(payload)
	if err != nil {
		return nil, "", err
	}
	amount, err := req.AmountUnits()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := checkIntentFields(&sp.Intent, req, amount); err != nil {
		return nil, "", err
	}

	backend := f.vaultBackend(req.ChainID)
	if backend == nil {
		return nil, "", fmt.Errorf("no vault registered for chain %d", req.ChainID)
	}
	if req.Vault != "" && !equalAddr(req.Vault, backend.Address()) {
		return nil, "", fmt.Errorf("%w: vault %s != %s", ErrFieldMismatch, req.Vault, backend.Address())
	}

	// Escrow intents sign against the vault contract.
	if err := checkIntentSignature(&sp.Intent, sp.IntentSignature, backend.Address()); err != nil {
		return nil, "", err
	}

	used, err := backend.NonceUsed(ctx, sp.Intent.Nonce)
	if err != nil {
		return nil, "", fmt.Errorf("%w: nonce check: %v", ErrSettlementFailed, err)
	}
	if used {
		return nil, "", fmt.Errorf("intent %s: %w", sp.Intent.Nonce, vault.ErrNonceUsed)
	}
	return sp, sp.Intent.Buyer, nil
}

// settleEscrow queues a validated intent for the next batch and returns a
// pending receipt. Content may be released on this response; the transfer
// lands when the external trigger drains the batch.
func (f *Facilitator) settleEscrow(ctx context.Context, payload *PaymentPayload, req *Requirements) (SettleResponse, error) {
	sp, _, err := f.checkEscrowPayload(ctx, payload, req)
	if err != nil {
		return SettleResponse{}, err
	}

	f.mu.RLock()
	queue := f.queues[req.ChainID]
	backend := f.vaults[req.ChainID]
	f.mu.RUnlock()
	if queue == nil || backend == nil {
		return SettleResponse{}, fmt.Errorf("no vault registered for chain %d", req.ChainID)
	}

	if !queue.Enqueue(vault.SignedIntent{Intent: sp.Intent, Signature: sp.IntentSignature}) {
		return SettleResponse{}, fmt.Errorf("intent %s: %w", sp.Intent.Nonce, vault.ErrNonceUsed)
	}

	intentHash, err := intent.IntentHashHex(sp.Intent, backend.Address())
	if err != nil {
		intentHash = ""
	}
	f.log.Debug("escrow intent queued", map[string]any{
		"chain":      req.ChainID,
		"buyer":      sp.Intent.Buyer,
		"intentHash": intentHash,
		"queued":     queue.Len(),
	})
	return SettleResponse{
		Status:     StatusPending,
		IntentHash: intentHash,
		Amount:     sp.Intent.Amount,
		Seller:     req.Seller,
		ChainID:    req.ChainID,
	}, nil
}
