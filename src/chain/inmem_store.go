package chain

import (
	"sync"
)

// InmemStore implements the Store interface with a plain map. It is the
// default when persistence is not enabled, and the backend of choice for
// tests.
type InmemStore struct {
	mtx    sync.RWMutex
	blocks map[uint64]*Block
	tip    uint64
}

// NewInmemStore creates an empty in-memory store seeded with the genesis
// block.
func NewInmemStore(genesis *Block) *InmemStore {
	return &InmemStore{
		blocks: map[uint64]*Block{genesis.Height: genesis},
		tip:    genesis.Height,
	}
}

// GetBlock implements the Store interface.
func (s *InmemStore) GetBlock(height uint64) (*Block, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	b, ok := s.blocks[height]
	if !ok {
		return nil, ErrNotFound
	}

	return b, nil
}

// PutBlock implements the Store interface.
func (s *InmemStore) PutBlock(b *Block) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.blocks[b.Height] = b

	if b.Height > s.tip {
		s.tip = b.Height
	}

	return nil
}

// DeleteFrom implements the Store interface.
func (s *InmemStore) DeleteFrom(height uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for h := height; h <= s.tip; h++ {
		delete(s.blocks, h)
	}

	if height > 0 && s.tip >= height {
		s.tip = height - 1
	}

	return nil
}

// TipHeight implements the Store interface.
func (s *InmemStore) TipHeight() (uint64, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.tip, nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}
