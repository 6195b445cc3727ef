package chain

// Store is the interface for persistent block storage backends. The chain
// arena is the authoritative in-memory view; the store mirrors it so a node
// can restart without resyncing from genesis.
type Store interface {
	// GetBlock returns the block at the given height, or ErrNotFound.
	GetBlock(height uint64) (*Block, error)
	// PutBlock stores a block, keyed by height.
	PutBlock(b *Block) error
	// DeleteFrom removes all blocks at and above the given height. It is
	// used during reorgs.
	DeleteFrom(height uint64) error
	// TipHeight returns the highest stored height.
	TipHeight() (uint64, error)
	// Close closes the underlying database.
	Close() error
	// StorePath returns the filepath of the underlying database, or "" for
	// in-memory backends.
	StorePath() string
}
