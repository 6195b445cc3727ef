package chain

import (
	"bytes"
	"sync"

	"github.com/hashpool/ledgerd/src/common"
)

// Chain is the node's copy of the replicated ledger, from genesis to tip. It
// is an arena of blocks indexed by height, with a secondary index by hash.
//
// The chain is a single-writer resource: all structural mutation (append,
// truncate) is serialized through the block synchronizer, which is the only
// component holding a mutable handle. Reads are safe from any goroutine and
// always observe the last committed state: appends of a whole window happen
// under one write lock, so a concurrent reader sees either none or all of
// the window's blocks.
type Chain struct {
	mtx    sync.RWMutex
	blocks []*Block
	byHash map[string]*Block
}

// NewChain starts a chain at the given genesis block.
func NewChain(genesis *Block) *Chain {
	c := &Chain{
		blocks: []*Block{genesis},
		byHash: map[string]*Block{genesis.HashHex(): genesis},
	}

	return c
}

// Tip returns the highest block currently considered canonical.
func (c *Chain) Tip() *Block {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.blocks[len(c.blocks)-1]
}

// Height returns the height of the tip.
func (c *Chain) Height() uint64 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return uint64(len(c.blocks) - 1)
}

// GenesisHash returns the hash of the genesis block. It identifies the
// network during the handshake.
func (c *Chain) GenesisHash() []byte {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.blocks[0].Hash()
}

// BlockAt returns the block at the given height, if present.
func (c *Chain) BlockAt(height uint64) (*Block, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	if height >= uint64(len(c.blocks)) {
		return nil, false
	}

	return c.blocks[height], true
}

// BlockByHash returns the block with the given hash, if present.
func (c *Chain) BlockByHash(hash []byte) (*Block, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	b, ok := c.byHash[keyOf(hash)]

	return b, ok
}

// Range returns the blocks in [start, end], both inclusive, clamped to the
// current tip. The result is a copy of the index; blocks themselves are
// immutable.
func (c *Chain) Range(start, end uint64) []*Block {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	tip := uint64(len(c.blocks) - 1)

	if start > tip || end < start {
		return nil
	}

	if end > tip {
		end = tip
	}

	out := make([]*Block, 0, end-start+1)
	out = append(out, c.blocks[start:end+1]...)

	return out
}

// CommonAncestor returns the canonical block a competing branch attaches to:
// the block whose hash is the parent hash of the branch's first block. It
// returns false when the fork point is not part of the canonical chain.
func (c *Chain) CommonAncestor(branch []*Block) (*Block, bool) {
	if len(branch) == 0 {
		return nil, false
	}

	c.mtx.RLock()
	defer c.mtx.RUnlock()

	b, ok := c.byHash[keyOf(branch[0].ParentHash)]

	return b, ok
}

// Append adds a single block on top of the tip. The block's height must be
// tip+1 and its parent hash must equal the tip's hash.
func (c *Chain) Append(b *Block) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.append(b)
}

// AppendRun atomically adds a contiguous run of blocks on top of the tip.
// The run is validated for linkage as a whole before anything is inserted,
// so a concurrent reader observes either none or all of the blocks.
func (c *Chain) AppendRun(blocks []*Block) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	tip := c.blocks[len(c.blocks)-1]

	for _, b := range blocks {
		if err := checkLinkage(tip, b); err != nil {
			return err
		}
		tip = b
	}

	for _, b := range blocks {
		c.append(b)
	}

	return nil
}

// TruncateAbove removes all blocks above the given height and returns them
// in ascending order. It is the first half of a reorg.
func (c *Chain) TruncateAbove(height uint64) []*Block {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if height >= uint64(len(c.blocks)-1) {
		return nil
	}

	removed := make([]*Block, len(c.blocks)-int(height)-1)
	copy(removed, c.blocks[height+1:])

	for _, b := range removed {
		delete(c.byHash, b.HashHex())
	}

	c.blocks = c.blocks[:height+1]

	return removed
}

func (c *Chain) append(b *Block) error {
	tip := c.blocks[len(c.blocks)-1]

	if err := checkLinkage(tip, b); err != nil {
		return err
	}

	c.blocks = append(c.blocks, b)
	c.byHash[b.HashHex()] = b

	return nil
}

func checkLinkage(tip, b *Block) error {
	if b.Height != tip.Height+1 {
		return &ValidationError{
			Height: b.Height,
			Reason: "height does not extend the tip",
		}
	}

	if !bytes.Equal(b.ParentHash, tip.Hash()) {
		return &ValidationError{
			Height: b.Height,
			Reason: "parent hash does not match the tip",
		}
	}

	return nil
}

func keyOf(hash []byte) string {
	return common.EncodeToString(hash)
}
