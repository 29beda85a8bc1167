package agent

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
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

const (
	buyerKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	vaultAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	ownerAddr = "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
	agentAddr = "0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65"
	tokenAddr = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	seller    = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"

	testChain = int64(84532)
)

type fixture struct {
	agent  *Agent
	vault  *vault.Vault
	ledger *ledger.MemoryStore
	buyer  *evm.LocalSigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v := vault.New(vault.Config{
		Address: vaultAddr,
		Owner:   ownerAddr,
		Agent:   agentAddr,
		Token:   tokenAddr,
		ChainID: testChain,
	}, nil, nil)
	require.NoError(t, v.AuthorizeSeller(context.Background(), ownerAddr, seller, true))

	store := ledger.NewMemoryStore()
	a := New(Config{Address: agentAddr, ChainID: testChain}, v, store, nil, nil)

	buyer, err := evm.NewLocalSigner(buyerKey)
	require.NoError(t, err)
	return &fixture{agent: a, vault: v, ledger: store, buyer: buyer}
}

func (f *fixture) signedIntent(t *testing.T, amount int64, resource string) (intent.PaymentIntent, string) {
	t.Helper()
	it := intent.PaymentIntent{
		Buyer:    f.buyer.Address(),
		Seller:   seller,
		Amount:   big.NewInt(amount).String(),
		Token:    tokenAddr,
		Nonce:    intent.NewNonce(),
		Expiry:   time.Now().Add(2 * time.Minute).Unix(),
		Resource: resource,
		ChainID:  testChain,
	}
	sig, err := intent.SignIntent(context.Background(), f.buyer, it, vaultAddr)
	require.NoError(t, err)
	return it, sig
}

func TestSettleLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Buyer funds 1,000,000 units, spends 10,000 on a premium resource,
	// and is left with exactly 990,000.
	require.NoError(t, f.agent.RecordDeposit(f.buyer.Address(), testChain, big.NewInt(1_000_000), "0xdeposit"))

	it, sig := f.signedIntent(t, 10_000, "/api/content/premium/base-sepolia")
	response, err := f.agent.Settle(ctx, it, sig)
	require.NoError(t, err)

	assert.Equal(t, x402escrow.StatusSettled, response.Status)
	assert.NotEmpty(t, response.TxHash)
	assert.NotEmpty(t, response.IntentHash)
	assert.Equal(t, "10000", response.Amount)
	assert.Equal(t, "990000", response.NewBalance)
	assert.Equal(t, seller, response.Seller)
	assert.Equal(t, testChain, response.ChainID)
	assert.Equal(t, int64(990_000), f.agent.Balance(f.buyer.Address(), testChain).Int64())

	// Vault moved exactly the spent amount.
	withdrawn, err := f.vault.TotalWithdrawn(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), withdrawn.Int64())

	// Replaying the identical intent is rejected and the balance holds.
	_, err = f.agent.Settle(ctx, it, sig)
	require.ErrorIs(t, err, ledger.ErrReplayedNonce)
	assert.Equal(t, int64(990_000), f.agent.Balance(f.buyer.Address(), testChain).Int64())
	withdrawn, err = f.vault.TotalWithdrawn(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), withdrawn.Int64())
}

func TestSettleInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.agent.RecordDeposit(f.buyer.Address(), testChain, big.NewInt(5_000), "0x1"))

	it, sig := f.signedIntent(t, 10_000, "/api/content")
	_, err := f.agent.Settle(context.Background(), it, sig)

	var insufficient *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(5_000), insufficient.Balance.Int64())
	assert.Equal(t, int64(10_000), insufficient.Required.Int64())

	// Rejected before any movement: the vault saw nothing.
	withdrawn, verr := f.vault.TotalWithdrawn(context.Background())
	require.NoError(t, verr)
	assert.Equal(t, int64(0), withdrawn.Int64())
}

func TestSettleExpiredIntent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.agent.RecordDeposit(f.buyer.Address(), testChain, big.NewInt(100_000), "0x1"))

	it := intent.PaymentIntent{
		Buyer:    f.buyer.Address(),
		Seller:   seller,
		Amount:   "10000",
		Token:    tokenAddr,
		Nonce:    intent.NewNonce(),
		Expiry:   time.Now().Add(-time.Minute).Unix(),
		Resource: "/api/content",
		ChainID:  testChain,
	}
	sig, err := intent.SignIntent(context.Background(), f.buyer, it, vaultAddr)
	require.NoError(t, err)

	_, err = f.agent.Settle(context.Background(), it, sig)
	require.ErrorIs(t, err, x402escrow.ErrIntentExpired)
}

func TestSettleForgedBuyer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.agent.RecordDeposit(ownerAddr, testChain, big.NewInt(100_000), "0x1"))

	it, sig := f.signedIntent(t, 10_000, "/api/content")
	it.Buyer = ownerAddr // spend someone else's balance

	_, err := f.agent.Settle(context.Background(), it, sig)
	require.ErrorIs(t, err, x402escrow.ErrSignerMismatch)
}

func TestSettleUnauthorizedSeller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.agent.RecordDeposit(f.buyer.Address(), testChain, big.NewInt(100_000), "0x1"))
	require.NoError(t, f.vault.AuthorizeSeller(ctx, ownerAddr, seller, false))

	it, sig := f.signedIntent(t, 10_000, "/api/content")
	_, err := f.agent.Settle(ctx, it, sig)
	require.ErrorIs(t, err, x402escrow.ErrSellerNotAuthorized)

	// Distinct from insufficient funds.
	var insufficient *ledger.InsufficientFundsError
	assert.False(t, errors.As(err, &insufficient))
}

func TestSettleWrongChain(t *testing.T) {
	f := newFixture(t)
	it, sig := f.signedIntent(t, 10_000, "/api/content")
	it.ChainID = 80002

	_, err := f.agent.Settle(context.Background(), it, sig)
	require.ErrorIs(t, err, x402escrow.ErrFieldMismatch)
}

// failingStore passes through to a MemoryStore but fails spend recording
// on demand.
type failingStore struct {
	*ledger.MemoryStore
	failSpends int
}

func (s *failingStore) RecordSpend(p ledger.SpendParams) (*big.Int, error) {
	if s.failSpends > 0 {
		s.failSpends--
		return nil, errors.New("disk full")
	}
	return s.MemoryStore.RecordSpend(p)
}

func TestSettleReconciliationDiscrepancy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	store := &failingStore{MemoryStore: f.ledger, failSpends: 1}
	a := New(Config{Address: agentAddr, ChainID: testChain}, f.vault, store, nil, nil)
	require.NoError(t, a.RecordDeposit(f.buyer.Address(), testChain, big.NewInt(100_000), "0x1"))

	it, sig := f.signedIntent(t, 10_000, "/api/content")
	response, err := a.Settle(ctx, it, sig)

	// The transfer completed and is not reversed; the failure is flagged,
	// not returned as a settlement error.
	require.NoError(t, err)
	assert.Equal(t, x402escrow.StatusSettled, response.Status)
	assert.Equal(t, x402escrow.CodeReconciliationPending, response.ErrorCode)
	withdrawn, verr := f.vault.TotalWithdrawn(ctx)
	require.NoError(t, verr)
	assert.Equal(t, int64(10_000), withdrawn.Int64())
	// The spend was never recorded.
	assert.Equal(t, int64(100_000), a.Balance(f.buyer.Address(), testChain).Int64())
}

func TestSettleRetriesLedgerWriteWhenConfigured(t *testing.T) {
	f := newFixture(t)
	store := &failingStore{MemoryStore: f.ledger, failSpends: 1}
	a := New(Config{Address: agentAddr, ChainID: testChain, RetryLedgerWrites: true}, f.vault, store, nil, nil)
	require.NoError(t, a.RecordDeposit(f.buyer.Address(), testChain, big.NewInt(100_000), "0x1"))

	it, sig := f.signedIntent(t, 10_000, "/api/content")
	response, err := a.Settle(context.Background(), it, sig)
	require.NoError(t, err)
	assert.Empty(t, response.ErrorCode)
	assert.Equal(t, "90000", response.NewBalance)
}

func TestDepositEventFeedsLedger(t *testing.T) {
	f := newFixture(t)
	f.agent.Emit(vault.Deposited{Buyer: f.buyer.Address(), Amount: big.NewInt(777)})
	assert.Equal(t, int64(777), f.agent.Balance(f.buyer.Address(), testChain).Int64())
}

func TestPublishLedgerHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.agent.RecordDeposit(f.buyer.Address(), testChain, big.NewInt(100), "0x1"))

	require.NoError(t, f.agent.PublishLedgerHash(ctx))
	published, err := f.vault.LedgerHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.ledger.LedgerHash(), published)
	assert.NotEmpty(t, published)
}

func TestClientAgainstHandler(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.agent.RecordDeposit(f.buyer.Address(), testChain, big.NewInt(100_000), "0x1"))

	server := httptest.NewServer(NewHandler(f.agent, nil))
	defer server.Close()
	client := NewClient(server.URL, 5*time.Second)

	it, sig := f.signedIntent(t, 10_000, "/api/content")
	response, err := client.Settle(context.Background(), it, sig)
	require.NoError(t, err)
	assert.Equal(t, x402escrow.StatusSettled, response.Status)
	assert.Equal(t, "90000", response.NewBalance)

	// A replay over HTTP keeps its error class.
	_, err = client.Settle(context.Background(), it, sig)
	require.ErrorIs(t, err, ledger.ErrReplayedNonce)
}

func TestClientUnavailable(t *testing.T) {
	server := httptest.NewServer(nil)
	server.Close() // nothing listening anymore

	client := NewClient(server.URL, time.Second)
	f := newFixture(t)
	it, sig := f.signedIntent(t, 10, "/api/content")

	_, err := client.Settle(context.Background(), it, sig)
	require.ErrorIs(t, err, x402escrow.ErrAgentUnavailable)
}
