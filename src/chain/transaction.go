package chain

import (
	"crypto/sha256"

	"github.com/hashpool/ledgerd/src/common"
)

// Transaction is an opaque payload with a fee-derived priority. It is
// immutable once accepted; the ID is derived from the payload, never set
// directly.
type Transaction struct {
	Payload  []byte
	Priority uint64
}

// NewTransaction wraps a payload and its priority value.
func NewTransaction(payload []byte, priority uint64) *Transaction {
	return &Transaction{
		Payload:  payload,
		Priority: priority,
	}
}

// IDBytes returns the SHA256 hash of the payload.
func (t *Transaction) IDBytes() []byte {
	hash := sha256.Sum256(t.Payload)
	return hash[:]
}

// ID returns the hex representation of IDBytes. It is the mempool and
// deduplication key.
func (t *Transaction) ID() string {
	return common.EncodeToString(t.IDBytes())
}
