package chain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a block is absent.
var ErrNotFound = errors.New("block not found")

// ValidationError reports a block or transaction that failed linkage or
// ledger-engine validation. It is recoverable: the offending item is
// rejected and the source peer is sanctioned, but the node keeps running.
type ValidationError struct {
	Height uint64
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid block at height %d: %s", e.Height, e.Reason)
}

// StorageError reports an unrecoverable ledger store failure. It is the only
// fatal error class: the node halts rather than keep operating on a possibly
// inconsistent chain.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}
