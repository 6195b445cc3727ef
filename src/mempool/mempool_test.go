package mempool

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashpool/ledgerd/src/chain"
	"github.com/hashpool/ledgerd/src/common"
)

func newTestMempool(t *testing.T, capacity int, ttl time.Duration) *Mempool {
	genesis := chain.NewGenesisBlock("test")
	engine := chain.NewInmemEngine(genesis)

	return NewMempool(capacity, ttl, engine, common.NewTestLogger(t).WithField("test", t.Name()))
}

func tx(payload string, priority uint64) *chain.Transaction {
	return &chain.Transaction{Payload: []byte(payload), Priority: priority}
}

func TestInsertIdempotent(t *testing.T) {
	m := newTestMempool(t, 10, time.Minute)

	first := tx("hello", 1)

	require.NoError(t, m.Insert(first))
	assert.Equal(t, 1, m.Size())

	// Same payload, same ID: a silent no-op, never an error.
	require.NoError(t, m.Insert(tx("hello", 1)))
	assert.Equal(t, 1, m.Size())

	assert.True(t, m.Contains(first.ID()))
}

func TestInsertRejectsInvalid(t *testing.T) {
	m := newTestMempool(t, 10, time.Minute)

	err := m.Insert(&chain.Transaction{Payload: nil, Priority: 1})
	assert.ErrorIs(t, err, ErrInvalidTx)
	assert.Equal(t, 0, m.Size())
}

func TestCapacityEviction(t *testing.T) {
	m := newTestMempool(t, 3, time.Minute)

	require.NoError(t, m.Insert(tx("a", 5)))
	require.NoError(t, m.Insert(tx("b", 1)))
	require.NoError(t, m.Insert(tx("c", 3)))

	// Full. A higher-priority transaction evicts the lowest.
	require.NoError(t, m.Insert(tx("d", 4)))

	assert.Equal(t, 3, m.Size())
	assert.False(t, m.Contains(tx("b", 1).ID()), "lowest-priority entry must be evicted")
	assert.True(t, m.Contains(tx("d", 4).ID()))
}

func TestLowPriorityRejected(t *testing.T) {
	m := newTestMempool(t, 2, time.Minute)

	require.NoError(t, m.Insert(tx("a", 5)))
	require.NoError(t, m.Insert(tx("b", 4)))

	// Incoming priority is not higher than the current minimum: rejected,
	// nothing evicted.
	err := m.Insert(tx("c", 4))
	assert.ErrorIs(t, err, ErrLowPriority)

	assert.True(t, m.Contains(tx("a", 5).ID()))
	assert.True(t, m.Contains(tx("b", 4).ID()))
}

func TestTTLSweep(t *testing.T) {
	m := newTestMempool(t, 10, 50*time.Millisecond)

	require.NoError(t, m.Insert(tx("old", 1)))

	time.Sleep(80 * time.Millisecond)

	// The sweep happens on insert.
	require.NoError(t, m.Insert(tx("new", 1)))

	assert.False(t, m.Contains(tx("old", 1).ID()), "expired entry must be swept")
	assert.True(t, m.Contains(tx("new", 1).ID()))
}

func TestSelectOrdering(t *testing.T) {
	m := newTestMempool(t, 10, time.Minute)

	require.NoError(t, m.Insert(tx("low", 1)))
	require.NoError(t, m.Insert(tx("high", 9)))
	require.NoError(t, m.Insert(tx("mid-a", 5)))
	require.NoError(t, m.Insert(tx("mid-b", 5)))

	selected := m.Select(3)
	require.Len(t, selected, 3)

	assert.Equal(t, uint64(9), selected[0].Priority)
	// Equal priorities keep insertion order.
	assert.Equal(t, tx("mid-a", 5).ID(), selected[1].ID())
	assert.Equal(t, tx("mid-b", 5).ID(), selected[2].ID())
}

func TestRemoveBatch(t *testing.T) {
	m := newTestMempool(t, 10, time.Minute)

	var txs []*chain.Transaction
	for i := 0; i < 5; i++ {
		tr := tx(fmt.Sprintf("tx-%d", i), uint64(i))
		txs = append(txs, tr)
		require.NoError(t, m.Insert(tr))
	}

	m.RemoveBatch(txs[:3])

	assert.Equal(t, 2, m.Size())
	assert.False(t, m.Contains(txs[0].ID()))
	assert.True(t, m.Contains(txs[4].ID()))
}
