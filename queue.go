package x402escrow

import (
	"strings"
	"sync"

	"github.com/hamiha70/x402-escrow-sub002/vault"
)

// EscrowQueue holds validated escrow intents awaiting batch settlement.
// Settlement is driven by an external trigger calling the facilitator's
// DrainBatch; the queue itself never schedules anything. Duplicate nonces
// are dropped at enqueue so one misbehaving client cannot poison a batch
// with an intra-batch replay.
type EscrowQueue struct {
	mu     sync.Mutex
	items  []vault.SignedIntent
	nonces map[string]struct{}
}

// NewEscrowQueue returns an empty queue.
func NewEscrowQueue() *EscrowQueue {
	return &EscrowQueue{nonces: make(map[string]struct{})}
}

// Enqueue appends an intent. Returns false when the nonce is already
// queued.
func (q *EscrowQueue) Enqueue(item vault.SignedIntent) bool {
	nonce := strings.ToLower(item.Intent.Nonce)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, queued := q.nonces[nonce]; queued {
		return false
	}
	q.nonces[nonce] = struct{}{}
	q.items = append(q.items, item)
	return true
}

// Drain removes and returns everything queued, in arrival order.
func (q *EscrowQueue) Drain() []vault.SignedIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	q.nonces = make(map[string]struct{})
	return items
}

// Len reports the number of queued intents.
func (q *EscrowQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
