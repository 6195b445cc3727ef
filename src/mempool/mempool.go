package mempool

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hashpool/ledgerd/src/chain"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidTx is returned when the ledger engine rejects a transaction.
	ErrInvalidTx = errors.New("transaction failed engine validation")

	// ErrLowPriority is returned when the mempool is full and the incoming
	// transaction's priority is below the current minimum. The transaction
	// is rejected instead of evicting a better one.
	ErrLowPriority = errors.New("mempool full and transaction priority too low")
)

type entry struct {
	tx      *chain.Transaction
	addedAt time.Time
	seq     uint64
}

// Mempool is the set of pending transactions. Membership is keyed by
// transaction ID. Inserts are idempotent, capacity-bounded with
// lowest-priority eviction, and gated by the ledger engine's transaction
// check. Entries older than the TTL are swept opportunistically on each
// insert.
//
// Reads are concurrent; every mutating operation holds the write lock.
type Mempool struct {
	mtx sync.RWMutex

	entries map[string]*entry

	capacity int
	ttl      time.Duration

	engine chain.Engine

	seq uint64

	logger *logrus.Entry
}

// NewMempool creates a mempool bounded to capacity entries, each kept at
// most ttl.
func NewMempool(capacity int, ttl time.Duration, engine chain.Engine, logger *logrus.Entry) *Mempool {
	return &Mempool{
		entries:  make(map[string]*entry),
		capacity: capacity,
		ttl:      ttl,
		engine:   engine,
		logger:   logger.WithField("component", "mempool"),
	}
}

// Insert adds a transaction to the pool. Duplicate IDs are a no-op, not an
// error. Transactions failing engine validation are rejected with
// ErrInvalidTx. When the pool is full, the lowest-priority entry is evicted
// to make room, unless the incoming transaction is itself the lowest, in
// which case ErrLowPriority is returned.
func (m *Mempool) Insert(tx *chain.Transaction) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.sweep(time.Now())

	id := tx.ID()

	if _, ok := m.entries[id]; ok {
		return nil
	}

	if !m.engine.VerifyTransaction(tx) {
		return ErrInvalidTx
	}

	if len(m.entries) >= m.capacity {
		victim := m.lowest()

		if victim == nil || victim.tx.Priority >= tx.Priority {
			return ErrLowPriority
		}

		m.logger.WithFields(logrus.Fields{
			"evicted":  victim.tx.ID(),
			"priority": victim.tx.Priority,
		}).Debug("Evicting lowest-priority transaction")

		delete(m.entries, victim.tx.ID())
	}

	m.seq++

	m.entries[id] = &entry{
		tx:      tx,
		addedAt: time.Now(),
		seq:     m.seq,
	}

	return nil
}

// Remove deletes a transaction, typically because it was included in an
// accepted block.
func (m *Mempool) Remove(id string) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	delete(m.entries, id)
}

// RemoveBatch deletes every transaction of an accepted block.
func (m *Mempool) RemoveBatch(txs []*chain.Transaction) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, tx := range txs {
		delete(m.entries, tx.ID())
	}
}

// Contains reports whether a transaction is pending.
func (m *Mempool) Contains(id string) bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	_, ok := m.entries[id]

	return ok
}

// Select returns up to max transactions ordered by descending priority,
// breaking ties by insertion order.
func (m *Mempool) Select(max int) []*chain.Transaction {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	sorted := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		sorted = append(sorted, e)
	}

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].tx.Priority != sorted[j].tx.Priority {
			return sorted[i].tx.Priority > sorted[j].tx.Priority
		}
		return sorted[i].seq < sorted[j].seq
	})

	if max > len(sorted) {
		max = len(sorted)
	}

	out := make([]*chain.Transaction, max)
	for i := 0; i < max; i++ {
		out[i] = sorted[i].tx
	}

	return out
}

// Size returns the number of pending transactions.
func (m *Mempool) Size() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	return len(m.entries)
}

// IDs returns the IDs of all pending transactions.
func (m *Mempool) IDs() []string {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := make([]string, 0, len(m.entries))
	for id := range m.entries {
		out = append(out, id)
	}

	return out
}

// sweep removes entries past their TTL. Caller must hold the write lock.
func (m *Mempool) sweep(now time.Time) {
	if m.ttl <= 0 {
		return
	}

	for id, e := range m.entries {
		if now.Sub(e.addedAt) > m.ttl {
			delete(m.entries, id)
		}
	}
}

// lowest returns the entry with the lowest priority, breaking ties by
// preferring the oldest. Caller must hold the write lock.
func (m *Mempool) lowest() *entry {
	var victim *entry

	for _, e := range m.entries {
		if victim == nil ||
			e.tx.Priority < victim.tx.Priority ||
			(e.tx.Priority == victim.tx.Priority && e.seq < victim.seq) {
			victim = e
		}
	}

	return victim
}
