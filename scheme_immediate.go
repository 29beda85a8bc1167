package x402escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hamiha70/x402-escrow-sub002/chainctx"
	"github.com/hamiha70/x402-escrow-sub002/intent"
	"github.com/hamiha70/x402-escrow-sub002/ledger"
)

// parseExactPayload decodes the dual-signature payload carried by the
// direct and escrow schemes and checks the nonce binding between its two
// signed structures.
func (f *Facilitator) parseExactPayload(payload *PaymentPayload) (*ExactPayload, error) {
	var sp ExactPayload
	if err := json.Unmarshal(payload.Data, &sp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := f.validate.Struct(sp.Intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if sp.IntentSignature == "" || sp.AuthorizationSignature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrMalformedPayload)
	}
	if err := intent.VerifyNonceBinding(sp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFieldMismatch, err)
	}
	return &sp, nil
}

// checkImmediatePayload runs every validation of the direct path short of
// the transfer itself: field equality, both signatures, expiry, on-chain
// balance, and the vault allowlist when a vault is configured.
func (f *Facilitator) checkImmediatePayload(ctx context.Context, payload *PaymentPayload, req *Requirements) (*ExactPayload, *big.Int, error) {
	sp, err := f.parseExactPayload(payload)
	if err != nil {
		return nil, nil, err
	}
	amount, err := req.AmountUnits()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := checkIntentFields(&sp.Intent, req, amount); err != nil {
		return nil, nil, err
	}

	// The direct path signs against the token contract itself.
	if err := checkIntentSignature(&sp.Intent, sp.IntentSignature, req.TokenAddress); err != nil {
		return nil, nil, err
	}

	// The transfer authorization is what actually moves funds, so its
	// fields are held to the same equality standard as the intent's. A
	// buyer-signed authorization paying anyone but the seller is a
	// mismatch, not a valid payment.
	auth := sp.Authorization
	if !equalAddr(auth.From, sp.Intent.Buyer) {
		return nil, nil, fmt.Errorf("%w: authorization from %s, buyer %s", ErrFieldMismatch, auth.From, sp.Intent.Buyer)
	}
	if !equalAddr(auth.To, req.Seller) {
		return nil, nil, fmt.Errorf("%w: authorization pays %s, seller is %s", ErrFieldMismatch, auth.To, req.Seller)
	}
	authValue, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unparseable authorization value %q", ErrMalformedPayload, auth.Value)
	}
	if authValue.Cmp(amount) != 0 {
		return nil, nil, fmt.Errorf("%w: authorization value %s != %s", ErrFieldMismatch, auth.Value, amount)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, nil, fmt.Errorf("%w: unparseable validBefore %q", ErrMalformedPayload, auth.ValidBefore)
	}
	if validBefore.Cmp(big.NewInt(time.Now().Unix())) < 0 {
		return nil, nil, fmt.Errorf("%w: authorization lapsed at %s", ErrIntentExpired, auth.ValidBefore)
	}

	tokenName, tokenVersion, err := req.TokenDomainExtra()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	authSigner, err := intent.RecoverAuthorizationSigner(
		sp.Authorization, sp.AuthorizationSignature,
		tokenName, tokenVersion, req.ChainID, req.TokenAddress,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !equalAddr(authSigner, sp.Intent.Buyer) {
		return nil, nil, fmt.Errorf("%w: authorization recovered %s, buyer %s",
			ErrSignerMismatch, authSigner, sp.Intent.Buyer)
	}

	chain, err := f.chain(req.ChainID)
	if err != nil {
		return nil, nil, err
	}

	// EIP-3009 tokens track consumed nonces on chain; consulting
	// authorizationState up front turns a doomed submission into a
	// replay rejection.
	authNonce, err := nonceBytes32(auth.Nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	usedRes, err := chain.Read(ctx, req.TokenAddress, chainctx.AuthorizationStateABI,
		"authorizationState", common.HexToAddress(auth.From), authNonce)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: authorization state check: %v", ErrSettlementFailed, err)
	}
	if used, ok := usedRes.(bool); ok && used {
		return nil, nil, fmt.Errorf("%w: authorization nonce %s already consumed", ledger.ErrReplayedNonce, auth.Nonce)
	}

	balance, err := chain.TokenBalance(ctx, sp.Intent.Buyer, req.TokenAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: balance check: %v", ErrSettlementFailed, err)
	}
	if balance.Cmp(amount) < 0 {
		return nil, nil, &ledger.InsufficientFundsError{Balance: balance, Required: amount}
	}

	if backend := f.vaultBackend(req.ChainID); backend != nil {
		allowed, aerr := backend.IsAuthorizedSeller(ctx, req.Seller)
		if aerr != nil {
			return nil, nil, fmt.Errorf("%w: allowlist check: %v", ErrSettlementFailed, aerr)
		}
		if !allowed {
			return nil, nil, ErrSellerNotAuthorized
		}
	}
	return sp, amount, nil
}

// verifyImmediate is the verification-only entry for the direct path.
func (f *Facilitator) verifyImmediate(ctx context.Context, payload *PaymentPayload, req *Requirements) (string, error) {
	sp, _, err := f.checkImmediatePayload(ctx, payload, req)
	if err != nil {
		return "", err
	}
	return sp.Intent.Buyer, nil
}

// settleImmediate executes the direct path: after full validation, submit
// the EIP-3009 transfer and block until the receipt confirms it.
func (f *Facilitator) settleImmediate(ctx context.Context, payload *PaymentPayload, req *Requirements) (SettleResponse, error) {
	sp, amount, err := f.checkImmediatePayload(ctx, payload, req)
	if err != nil {
		return SettleResponse{}, err
	}
	chain, err := f.chain(req.ChainID)
	if err != nil {
		return SettleResponse{}, err
	}

	auth := sp.Authorization
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return SettleResponse{}, fmt.Errorf("%w: unparseable authorization value %q", ErrMalformedPayload, auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return SettleResponse{}, fmt.Errorf("%w: unparseable validAfter %q", ErrMalformedPayload, auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return SettleResponse{}, fmt.Errorf("%w: unparseable validBefore %q", ErrMalformedPayload, auth.ValidBefore)
	}
	nonce, err := nonceBytes32(auth.Nonce)
	if err != nil {
		return SettleResponse{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	v, r, s, err := splitSignature(sp.AuthorizationSignature)
	if err != nil {
		return SettleResponse{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	txHash, err := chain.Submit(ctx, req.TokenAddress, chainctx.TransferWithAuthorizationABI,
		"transferWithAuthorization",
		common.HexToAddress(auth.From), common.HexToAddress(auth.To),
		value, validAfter, validBefore, nonce, v, r, s,
	)
	if err != nil {
		return SettleResponse{}, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	receipt, err := chain.WaitMined(ctx, txHash)
	if err != nil {
		return SettleResponse{}, fmt.Errorf("%w: waiting for %s: %v", ErrSettlementFailed, txHash, err)
	}
	if receipt.Status != chainctx.TxStatusSuccess {
		return SettleResponse{}, fmt.Errorf("%w: transaction %s reverted", ErrSettlementFailed, txHash)
	}

	intentHash, err := intent.IntentHashHex(sp.Intent, req.TokenAddress)
	if err != nil {
		intentHash = ""
	}
	return SettleResponse{
		Status:     StatusSettled,
		TxHash:     receipt.TxHash,
		IntentHash: intentHash,
		Amount:     amount.String(),
		Seller:     req.Seller,
		ChainID:    req.ChainID,
	}, nil
}
