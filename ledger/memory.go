package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// account holds the mutable state for one (buyer, chain) pair. Its mutex
// serializes spends against this account without blocking other accounts.
type account struct {
	mu          sync.Mutex
	balance     *big.Int
	deposits    []Deposit
	spends      []Spend
	spentNonces map[string]struct{}
}

// MemoryStore is the in-process Store implementation. Accounts are keyed
// by lowercased buyer address plus chain id, created lazily on first
// deposit. The activity log is append-only and carries a rolling sha256
// hash chained across entries.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*account

	logMu          sync.Mutex
	log            []Entry
	seq            uint64
	rollingHash    [sha256.Size]byte
	totalDeposited *big.Int
	totalSpent     *big.Int
	lastUpdated    time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:       make(map[string]*account),
		totalDeposited: new(big.Int),
		totalSpent:     new(big.Int),
	}
}

func accountKey(buyer string, chainID int64) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(buyer), chainID)
}

// lookup returns the account for the key, or nil if it was never funded.
func (s *MemoryStore) lookup(buyer string, chainID int64) *account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[accountKey(buyer, chainID)]
}

// getOrCreate returns the account for the key, creating it if needed.
func (s *MemoryStore) getOrCreate(buyer string, chainID int64) *account {
	key := accountKey(buyer, chainID)
	s.mu.RLock()
	acct := s.accounts[key]
	s.mu.RUnlock()
	if acct != nil {
		return acct
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct = s.accounts[key]; acct == nil {
		acct = &account{
			balance:     new(big.Int),
			spentNonces: make(map[string]struct{}),
		}
		s.accounts[key] = acct
	}
	return acct
}

// Balance returns a copy of the account balance, zero for unseen accounts.
func (s *MemoryStore) Balance(buyer string, chainID int64) *big.Int {
	acct := s.lookup(buyer, chainID)
	if acct == nil {
		return new(big.Int)
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return new(big.Int).Set(acct.balance)
}

// RecordDeposit credits the account and appends a deposit entry to the
// activity log.
func (s *MemoryStore) RecordDeposit(buyer string, chainID int64, amount *big.Int, txRef string) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: deposit amount must be positive, got %s", amount)
	}

	now := time.Now().UTC()
	acct := s.getOrCreate(buyer, chainID)
	acct.mu.Lock()
	acct.balance.Add(acct.balance, amount)
	acct.deposits = append(acct.deposits, Deposit{
		Amount: amount.String(),
		TxRef:  txRef,
		At:     now,
	})
	acct.mu.Unlock()

	s.appendEntry(Entry{
		Kind:    "deposit",
		Buyer:   strings.ToLower(buyer),
		ChainID: chainID,
		Amount:  amount.String(),
		TxRef:   txRef,
		At:      now,
	}, amount, nil)
	return nil
}

// RecordSpend debits the account atomically. The nonce replay check runs
// first, then the balance check; failure in either leaves the account
// untouched. Returns the balance after the debit.
func (s *MemoryStore) RecordSpend(p SpendParams) (*big.Int, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: spend amount must be positive, got %s", p.Amount)
	}

	acct := s.lookup(p.Buyer, p.ChainID)
	if acct == nil {
		return nil, &InsufficientFundsError{Balance: new(big.Int), Required: new(big.Int).Set(p.Amount)}
	}

	nonce := strings.ToLower(p.Nonce)
	now := time.Now().UTC()

	acct.mu.Lock()
	if _, seen := acct.spentNonces[nonce]; seen {
		acct.mu.Unlock()
		return nil, ErrReplayedNonce
	}
	if acct.balance.Cmp(p.Amount) < 0 {
		bal := new(big.Int).Set(acct.balance)
		acct.mu.Unlock()
		return nil, &InsufficientFundsError{Balance: bal, Required: new(big.Int).Set(p.Amount)}
	}
	acct.balance.Sub(acct.balance, p.Amount)
	acct.spentNonces[nonce] = struct{}{}
	acct.spends = append(acct.spends, Spend{
		Seller:     strings.ToLower(p.Seller),
		Amount:     p.Amount.String(),
		Resource:   p.Resource,
		TxRef:      p.TxRef,
		IntentHash: p.IntentHash,
		Nonce:      nonce,
		At:         now,
	})
	newBalance := new(big.Int).Set(acct.balance)
	acct.mu.Unlock()

	s.appendEntry(Entry{
		Kind:       "spend",
		Buyer:      strings.ToLower(p.Buyer),
		ChainID:    p.ChainID,
		Seller:     strings.ToLower(p.Seller),
		Amount:     p.Amount.String(),
		Resource:   p.Resource,
		TxRef:      p.TxRef,
		IntentHash: p.IntentHash,
		At:         now,
	}, nil, p.Amount)

	return newBalance, nil
}

// NonceSpent reports whether the nonce was already recorded for the
// account.
func (s *MemoryStore) NonceSpent(buyer string, chainID int64, nonce string) bool {
	acct := s.lookup(buyer, chainID)
	if acct == nil {
		return false
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	_, seen := acct.spentNonces[strings.ToLower(nonce)]
	return seen
}

// appendEntry assigns the next sequence number, chains the rolling hash,
// and updates running totals under the log lock.
func (s *MemoryStore) appendEntry(e Entry, deposited, spent *big.Int) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	s.seq++
	e.Seq = s.seq

	h := sha256.New()
	h.Write(s.rollingHash[:])
	fmt.Fprintf(h, "%d|%s|%s|%d|%s|%s|%s|%s|%s|%d",
		e.Seq, e.Kind, e.Buyer, e.ChainID, e.Seller, e.Amount,
		e.Resource, e.TxRef, e.IntentHash, e.At.UnixNano())
	copy(s.rollingHash[:], h.Sum(nil))
	e.Hash = hex.EncodeToString(s.rollingHash[:])

	s.log = append(s.log, e)
	if deposited != nil {
		s.totalDeposited.Add(s.totalDeposited, deposited)
	}
	if spent != nil {
		s.totalSpent.Add(s.totalSpent, spent)
	}
	s.lastUpdated = e.At
}

// Stats returns aggregate totals across all accounts.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	accounts := len(s.accounts)
	s.mu.RUnlock()

	s.logMu.Lock()
	defer s.logMu.Unlock()
	return Stats{
		Accounts:       accounts,
		TotalDeposited: new(big.Int).Set(s.totalDeposited),
		TotalSpent:     new(big.Int).Set(s.totalSpent),
		Entries:        len(s.log),
		LastUpdated:    s.lastUpdated,
		LedgerHash:     hex.EncodeToString(s.rollingHash[:]),
	}
}

// LedgerHash returns the current rolling hash over the activity log.
// The zero-entry hash is all zero bytes.
func (s *MemoryStore) LedgerHash() string {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return hex.EncodeToString(s.rollingHash[:])
}

// Activity returns a snapshot of the activity log, newest last.
func (s *MemoryStore) Activity() []Entry {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	out := make([]Entry, len(s.log))
	copy(out, s.log)
	return out
}

// History returns the recorded deposits and spends for one account.
func (s *MemoryStore) History(buyer string, chainID int64) ([]Deposit, []Spend) {
	acct := s.lookup(buyer, chainID)
	if acct == nil {
		return nil, nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	deposits := make([]Deposit, len(acct.deposits))
	copy(deposits, acct.deposits)
	spends := make([]Spend, len(acct.spends))
	copy(spends, acct.spends)
	return deposits, spends
}
