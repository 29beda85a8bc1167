package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBuyer  = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	testSeller = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

func spend(buyer string, chainID int64, amount int64, nonce string) SpendParams {
	return SpendParams{
		Buyer:      buyer,
		ChainID:    chainID,
		Seller:     testSeller,
		Amount:     big.NewInt(amount),
		Resource:   "https://api.example.com/weather",
		TxRef:      "0xabc",
		IntentHash: "0xdef",
		Nonce:      nonce,
	}
}

func TestBalanceUnseenAccountIsZero(t *testing.T) {
	s := NewMemoryStore()
	assert.Equal(t, int64(0), s.Balance(testBuyer, 84532).Int64())
}

func TestDepositThenSpend(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(1_000_000), "0xdeposit"))
	assert.Equal(t, int64(1_000_000), s.Balance(testBuyer, 84532).Int64())

	newBalance, err := s.RecordSpend(spend(testBuyer, 84532, 10_000, "0x01"))
	require.NoError(t, err)
	assert.Equal(t, int64(990_000), newBalance.Int64())
	assert.Equal(t, int64(990_000), s.Balance(testBuyer, 84532).Int64())
}

func TestBalanceInvariant(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(500), "0x1"))
	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(300), "0x2"))
	for i := 0; i < 5; i++ {
		_, err := s.RecordSpend(spend(testBuyer, 84532, 100, fmt.Sprintf("0x%02d", i)))
		require.NoError(t, err)
	}

	// balance == sum(deposits) - sum(spends)
	assert.Equal(t, int64(300), s.Balance(testBuyer, 84532).Int64())

	stats := s.Stats()
	assert.Equal(t, int64(800), stats.TotalDeposited.Int64())
	assert.Equal(t, int64(500), stats.TotalSpent.Int64())
	assert.Equal(t, 7, stats.Entries)
	assert.Equal(t, 1, stats.Accounts)
}

func TestReplayedNonceRejected(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(1000), "0x1"))

	_, err := s.RecordSpend(spend(testBuyer, 84532, 100, "0xAA"))
	require.NoError(t, err)

	// Same nonce, different casing: still a replay, and no balance change.
	_, err = s.RecordSpend(spend(testBuyer, 84532, 100, "0xaa"))
	require.ErrorIs(t, err, ErrReplayedNonce)
	assert.Equal(t, int64(900), s.Balance(testBuyer, 84532).Int64())
}

func TestInsufficientFunds(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(50), "0x1"))

	_, err := s.RecordSpend(spend(testBuyer, 84532, 100, "0x01"))
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(50), insufficient.Balance.Int64())
	assert.Equal(t, int64(100), insufficient.Required.Int64())

	// Failed spend must not consume the nonce.
	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(100), "0x2"))
	_, err = s.RecordSpend(spend(testBuyer, 84532, 100, "0x01"))
	require.NoError(t, err)
}

func TestSpendUnseenAccount(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.RecordSpend(spend(testBuyer, 84532, 100, "0x01"))
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(0), insufficient.Balance.Int64())
}

func TestChainIsolation(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(1000), "0x1"))
	require.NoError(t, s.RecordDeposit(testBuyer, 8453, big.NewInt(2000), "0x2"))

	_, err := s.RecordSpend(spend(testBuyer, 84532, 300, "0x01"))
	require.NoError(t, err)

	assert.Equal(t, int64(700), s.Balance(testBuyer, 84532).Int64())
	assert.Equal(t, int64(2000), s.Balance(testBuyer, 8453).Int64())

	// Nonces are scoped per account: the same nonce on another chain is fresh.
	_, err = s.RecordSpend(spend(testBuyer, 8453, 300, "0x01"))
	require.NoError(t, err)
}

func TestBuyerAddressCaseInsensitive(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(1000), "0x1"))
	assert.Equal(t, int64(1000), s.Balance("0x857B06519E91E3A54538791BDBB0E22373E36B66", 84532).Int64())
}

func TestConcurrentSpendsSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(100), "0x1"))

	// Balance covers exactly one of the competing spends.
	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.RecordSpend(spend(testBuyer, 84532, 100, fmt.Sprintf("0x%02d", i)))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			var insufficient *InsufficientFundsError
			require.ErrorAs(t, err, &insufficient)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(0), s.Balance(testBuyer, 84532).Int64())
}

func TestConcurrentReplaySingleWinner(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(1000), "0x1"))

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.RecordSpend(spend(testBuyer, 84532, 100, "0xshared"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.True(t, errors.Is(err, ErrReplayedNonce))
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(900), s.Balance(testBuyer, 84532).Int64())
}

func TestActivityLogRollingHash(t *testing.T) {
	s := NewMemoryStore()

	emptyHash := s.LedgerHash()
	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(1000), "0x1"))
	afterDeposit := s.LedgerHash()
	assert.NotEqual(t, emptyHash, afterDeposit)

	_, err := s.RecordSpend(spend(testBuyer, 84532, 100, "0x01"))
	require.NoError(t, err)
	afterSpend := s.LedgerHash()
	assert.NotEqual(t, afterDeposit, afterSpend)

	log := s.Activity()
	require.Len(t, log, 2)
	assert.Equal(t, uint64(1), log[0].Seq)
	assert.Equal(t, "deposit", log[0].Kind)
	assert.Equal(t, uint64(2), log[1].Seq)
	assert.Equal(t, "spend", log[1].Kind)
	assert.Equal(t, afterDeposit, log[0].Hash)
	assert.Equal(t, afterSpend, log[1].Hash)
}

func TestHistory(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.RecordDeposit(testBuyer, 84532, big.NewInt(1000), "0xd1"))
	_, err := s.RecordSpend(spend(testBuyer, 84532, 250, "0x01"))
	require.NoError(t, err)

	deposits, spends := s.History(testBuyer, 84532)
	require.Len(t, deposits, 1)
	require.Len(t, spends, 1)
	assert.Equal(t, "1000", deposits[0].Amount)
	assert.Equal(t, "250", spends[0].Amount)
	assert.Equal(t, "0x01", spends[0].Nonce)
}
