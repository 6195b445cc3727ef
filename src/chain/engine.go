package chain

import (
	"bytes"
	"sync"
)

// Engine is the ledger engine capability: the external component performing
// cryptographic validation and state transition of blocks and transactions.
// The synchronizer treats its answers as authoritative and synchronous.
//
// ApplyBlock and RollbackTo return a *StorageError when the underlying state
// store is compromised, which halts the node.
type Engine interface {
	// VerifyBlock reports whether a block's proof and contents are valid.
	VerifyBlock(b *Block) bool
	// VerifyTransaction reports whether a transaction is valid on its own.
	VerifyTransaction(tx *Transaction) bool
	// ApplyBlock executes a validated block against the ledger state.
	ApplyBlock(b *Block) error
	// RollbackTo reverts the ledger state to the given height.
	RollbackTo(height uint64) error
}

// InmemEngine is a minimal ledger engine used in standalone mode and in
// tests. It only performs structural checks: block heights must be applied
// in order, and transactions must carry a payload. Proof verification is a
// no-op, which is appropriate for networks where proofs are checked by an
// external prover process.
type InmemEngine struct {
	mtx     sync.Mutex
	height  uint64
	applied [][]byte
}

// NewInmemEngine returns an engine anchored at the given genesis block.
func NewInmemEngine(genesis *Block) *InmemEngine {
	return &InmemEngine{
		height:  genesis.Height,
		applied: [][]byte{genesis.Hash()},
	}
}

// VerifyBlock implements the Engine interface.
func (e *InmemEngine) VerifyBlock(b *Block) bool {
	if b == nil || len(b.ParentHash) == 0 {
		return false
	}

	for _, tx := range b.Transactions {
		if !e.VerifyTransaction(tx) {
			return false
		}
	}

	return true
}

// VerifyTransaction implements the Engine interface.
func (e *InmemEngine) VerifyTransaction(tx *Transaction) bool {
	return tx != nil && len(tx.Payload) > 0
}

// ApplyBlock implements the Engine interface.
func (e *InmemEngine) ApplyBlock(b *Block) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if b.Height != e.height+1 {
		return &ValidationError{
			Height: b.Height,
			Reason: "applied out of order",
		}
	}

	if !bytes.Equal(b.ParentHash, e.applied[len(e.applied)-1]) {
		return &ValidationError{
			Height: b.Height,
			Reason: "parent hash does not match applied state",
		}
	}

	e.height = b.Height
	e.applied = append(e.applied, b.Hash())

	return nil
}

// RollbackTo implements the Engine interface.
func (e *InmemEngine) RollbackTo(height uint64) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if height > e.height {
		return &ValidationError{
			Height: height,
			Reason: "rollback above applied height",
		}
	}

	e.applied = e.applied[:height+1]
	e.height = height

	return nil
}

// Height returns the last applied height.
func (e *InmemEngine) Height() uint64 {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return e.height
}
