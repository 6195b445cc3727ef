package chain

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the Store contract against any backend.
func exerciseStore(t *testing.T, store Store, genesis *Block) {
	tip, err := store.TipHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tip)

	got, err := store.GetBlock(0)
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash(), got.Hash())

	run := makeRun(genesis, 4)
	for _, b := range run {
		require.NoError(t, store.PutBlock(b))
	}

	tip, err = store.TipHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), tip)

	got, err = store.GetBlock(3)
	require.NoError(t, err)
	assert.Equal(t, run[2].Hash(), got.Hash())

	_, err = store.GetBlock(99)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteFrom(2))

	tip, err = store.TipHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tip)

	_, err = store.GetBlock(2)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetBlock(1)
	assert.NoError(t, err)
}

func TestInmemStore(t *testing.T) {
	genesis := NewGenesisBlock("test")
	store := NewInmemStore(genesis)
	defer store.Close()

	assert.Equal(t, "", store.StorePath())

	exerciseStore(t, store, genesis)
}

func TestBoltStore(t *testing.T) {
	genesis := NewGenesisBlock("test")

	path := filepath.Join(t.TempDir(), "chain.bolt")

	store, err := NewBoltStore(genesis, path)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, path, store.StorePath())

	exerciseStore(t, store, genesis)
}

func TestBadgerStore(t *testing.T) {
	genesis := NewGenesisBlock("test")

	store, err := NewBadgerStore(genesis, t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store, genesis)
}

func TestBoltStoreReopen(t *testing.T) {
	genesis := NewGenesisBlock("test")
	path := filepath.Join(t.TempDir(), "chain.bolt")

	store, err := NewBoltStore(genesis, path)
	require.NoError(t, err)

	run := makeRun(genesis, 3)
	for _, b := range run {
		require.NoError(t, store.PutBlock(b))
	}

	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(genesis, path)
	require.NoError(t, err)
	defer reopened.Close()

	tip, err := reopened.TipHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tip)

	got, err := reopened.GetBlock(3)
	require.NoError(t, err)
	assert.Equal(t, run[2].Hash(), got.Hash())
}
