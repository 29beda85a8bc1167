package x402escrow_test

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402escrow "github.com/hamiha70/x402-escrow-sub002"
	"github.com/hamiha70/x402-escrow-sub002/intent"
	"github.com/hamiha70/x402-escrow-sub002/ledger"
	evm "github.com/hamiha70/x402-escrow-sub002/signers/evm"
	"github.com/hamiha70/x402-escrow-sub002/vault"
)

func TestParseScheme(t *testing.T) {
	tests := []struct {
		id     string
		scheme x402escrow.Scheme
	}{
		{"exact", x402escrow.SchemeImmediate},
		{"escrow", x402escrow.SchemeEscrow},
		{"agent", x402escrow.SchemeAgent},
	}
	for _, tt := range tests {
		scheme, err := x402escrow.ParseScheme(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.scheme, scheme)
		assert.Equal(t, tt.id, scheme.String())
	}

	_, err := x402escrow.ParseScheme("lightning")
	require.ErrorIs(t, err, x402escrow.ErrUnknownScheme)
}

func TestSchemeSettlesImmediately(t *testing.T) {
	assert.True(t, x402escrow.SchemeImmediate.SettlesImmediately())
	assert.True(t, x402escrow.SchemeAgent.SettlesImmediately())
	assert.False(t, x402escrow.SchemeEscrow.SettlesImmediately())
}

func TestAmountUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int32
		want     string
		wantErr  bool
	}{
		{"0.01", 6, "10000", false},
		{"1", 6, "1000000", false},
		{"0.000001", 6, "1", false},
		{"0.0000001", 6, "", true}, // below one unit
		{"0", 6, "", true},
		{"-1", 6, "", true},
		{"abc", 6, "", true},
	}
	for _, tt := range tests {
		req := &x402escrow.Requirements{Amount: tt.amount, Decimals: tt.decimals}
		units, err := req.AmountUnits()
		if tt.wantErr {
			assert.Error(t, err, "amount %s", tt.amount)
			continue
		}
		require.NoError(t, err, "amount %s", tt.amount)
		assert.Equal(t, tt.want, units.String())
	}
}

func TestParsePayload(t *testing.T) {
	p, err := x402escrow.ParsePayload([]byte(`{"scheme":"exact","data":{"x":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "exact", p.Scheme)

	_, err = x402escrow.ParsePayload([]byte(`{"scheme":"exact"}`))
	require.ErrorIs(t, err, x402escrow.ErrMalformedPayload)

	_, err = x402escrow.ParsePayload([]byte(`{`))
	require.ErrorIs(t, err, x402escrow.ErrMalformedPayload)
}

func TestCodeForErrorClassification(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{x402escrow.ErrMalformedPayload, x402escrow.CodeMalformedPayload},
		{x402escrow.ErrFieldMismatch, x402escrow.CodeFieldMismatch},
		{x402escrow.ErrSignerMismatch, x402escrow.CodeFieldMismatch},
		{x402escrow.ErrIntentExpired, x402escrow.CodeIntentExpired},
		{vault.ErrIntentExpired, x402escrow.CodeIntentExpired},
		{ledger.ErrReplayedNonce, x402escrow.CodeNonceReplayed},
		{vault.ErrNonceUsed, x402escrow.CodeNonceReplayed},
		{&ledger.InsufficientFundsError{Balance: big.NewInt(1), Required: big.NewInt(2)}, x402escrow.CodeInsufficientFunds},
		{&vault.InsolventError{Buyer: "0x1", Deposited: big.NewInt(1), Requested: big.NewInt(2)}, x402escrow.CodeInsufficientFunds},
		{x402escrow.ErrSellerNotAuthorized, x402escrow.CodeSellerNotAuthorized},
		{vault.ErrSellerNotAuthorized, x402escrow.CodeSellerNotAuthorized},
		{x402escrow.ErrAgentUnavailable, x402escrow.CodeAgentUnavailable},
		{x402escrow.ErrUnknownScheme, x402escrow.CodeUnknownScheme},
		{x402escrow.ErrSettlementFailed, x402escrow.CodeSettlementFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, x402escrow.CodeForError(tt.err), "error %v", tt.err)
	}
}

func TestErrorForCodeRoundTrip(t *testing.T) {
	// Codes received over the wire reconstruct errors that classify back
	// to the same code.
	codes := []string{
		x402escrow.CodeMalformedPayload,
		x402escrow.CodeFieldMismatch,
		x402escrow.CodeIntentExpired,
		x402escrow.CodeNonceReplayed,
		x402escrow.CodeInsufficientFunds,
		x402escrow.CodeSellerNotAuthorized,
		x402escrow.CodeAgentUnavailable,
		x402escrow.CodeUnknownScheme,
		x402escrow.CodeSettlementFailed,
	}
	for _, code := range codes {
		err := x402escrow.ErrorForCode(code, "remote reason")
		require.Error(t, err, "code %s", code)
		assert.Equal(t, code, x402escrow.CodeForError(err), "code %s", code)
	}
}

func TestEscrowQueue(t *testing.T) {
	q := x402escrow.NewEscrowQueue()
	first := vault.SignedIntent{Intent: intent.PaymentIntent{Nonce: "0xAB", Buyer: "0x1"}}
	second := vault.SignedIntent{Intent: intent.PaymentIntent{Nonce: "0xcd", Buyer: "0x2"}}

	assert.True(t, q.Enqueue(first))
	assert.True(t, q.Enqueue(second))
	assert.Equal(t, 2, q.Len())

	// Nonce comparison ignores hex case.
	dup := vault.SignedIntent{Intent: intent.PaymentIntent{Nonce: "0xab", Buyer: "0x3"}}
	assert.False(t, q.Enqueue(dup))
	assert.Equal(t, 2, q.Len())

	items := q.Drain()
	require.Len(t, items, 2)
	assert.Equal(t, "0xAB", items[0].Intent.Nonce)
	assert.Equal(t, 0, q.Len())

	// Draining resets the nonce guard.
	assert.True(t, q.Enqueue(dup))
}

func TestSettlementCache(t *testing.T) {
	cache := x402escrow.NewSettlementCache(time.Minute)
	response := &x402escrow.SettleResponse{Status: x402escrow.StatusSettled, TxHash: "0x1"}

	status, _, done := cache.CheckAndMark("key")
	require.Equal(t, x402escrow.CacheMiss, status)

	// A second caller sees the in-flight marker and waits.
	status2, _, done2 := cache.CheckAndMark("key")
	require.Equal(t, x402escrow.CacheInFlight, status2)

	go cache.Complete("key", response, done)
	got, err := cache.WaitForResult(context.Background(), "key", done2)
	require.NoError(t, err)
	assert.Equal(t, response, got)

	status3, cached, _ := cache.CheckAndMark("key")
	assert.Equal(t, x402escrow.CacheHit, status3)
	assert.Equal(t, response, cached)
}

func TestSettlementCacheFailAllowsRetry(t *testing.T) {
	cache := x402escrow.NewSettlementCache(time.Minute)

	status, _, done := cache.CheckAndMark("key")
	require.Equal(t, x402escrow.CacheMiss, status)
	cache.Fail("key", done)

	status, _, _ = cache.CheckAndMark("key")
	assert.Equal(t, x402escrow.CacheMiss, status)
}

func TestSettlementCacheWaitHonorsContext(t *testing.T) {
	cache := x402escrow.NewSettlementCache(time.Minute)
	_, _, done := cache.CheckAndMark("key")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.WaitForResult(ctx, "key", done)
	require.ErrorIs(t, err, context.Canceled)
}

func buyerClient(t *testing.T) *x402escrow.Client {
	t.Helper()
	signer, err := evm.NewLocalSigner(buyerKey)
	require.NoError(t, err)
	return x402escrow.NewClient(signer)
}

func immediateRequirements() *x402escrow.Requirements {
	return &x402escrow.Requirements{
		Scheme:       "exact",
		Token:        "USDC",
		TokenAddress: tokenAddr,
		Amount:       "0.01",
		Decimals:     6,
		Seller:       seller,
		Resource:     resource,
		ChainID:      testChain,
		Extra: map[string]interface{}{
			x402escrow.ExtraTokenName:    "USDC",
			x402escrow.ExtraTokenVersion: "2",
		},
	}
}

func TestBuildPaymentImmediate(t *testing.T) {
	client := buyerClient(t)
	payload, err := client.BuildPayment(context.Background(), immediateRequirements())
	require.NoError(t, err)
	assert.Equal(t, "exact", payload.Scheme)

	var sp x402escrow.ExactPayload
	require.NoError(t, json.Unmarshal(payload.Data, &sp))
	assert.Equal(t, buyerAddr, sp.Intent.Buyer)
	assert.Equal(t, "10000", sp.Intent.Amount)
	assert.Equal(t, "10000", sp.Authorization.Value)
	require.NoError(t, intent.VerifyNonceBinding(sp))
}

func TestBuildPaymentAgentSingleSignature(t *testing.T) {
	client := buyerClient(t)
	req := immediateRequirements()
	req.Scheme = "agent"
	req.Vault = vaultAddr

	payload, err := client.BuildPayment(context.Background(), req)
	require.NoError(t, err)

	var ap x402escrow.AgentPayload
	require.NoError(t, json.Unmarshal(payload.Data, &ap))
	assert.NotEmpty(t, ap.Signature)

	// The signature binds to the vault domain, not the token's.
	signer, err := intent.RecoverIntentSigner(ap.Intent, ap.Signature, vaultAddr)
	require.NoError(t, err)
	assert.Equal(t, buyerAddr, signer)
}

func TestBuildPaymentMissingVault(t *testing.T) {
	client := buyerClient(t)
	req := immediateRequirements()
	req.Scheme = "agent"

	_, err := client.BuildPayment(context.Background(), req)
	require.ErrorContains(t, err, "configuration incomplete")
}

func TestBuildPaymentExpiredRequirements(t *testing.T) {
	client := buyerClient(t)
	req := immediateRequirements()
	req.ExpiresAt = time.Now().Add(-time.Minute).Unix()

	_, err := client.BuildPayment(context.Background(), req)
	require.ErrorContains(t, err, "expired")
}

func TestBuildPaymentUnknownScheme(t *testing.T) {
	client := buyerClient(t)
	req := immediateRequirements()
	req.Scheme = "lightning"

	_, err := client.BuildPayment(context.Background(), req)
	require.ErrorIs(t, err, x402escrow.ErrUnknownScheme)
}
