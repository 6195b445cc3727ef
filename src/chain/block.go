package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/hashpool/ledgerd/src/common"
	"github.com/ugorji/go/codec"
)

// Block is one element of the replicated chain. It is immutable once
// constructed; the hash is derived from the other fields and is never set
// directly.
type Block struct {
	Height       uint64
	ParentHash   []byte
	Timestamp    int64
	Transactions []*Transaction
	Proof        []byte

	hashOnce sync.Once
	hash     []byte
}

// NewBlock assembles a block on top of the given parent hash.
func NewBlock(height uint64, parentHash []byte, timestamp int64, txs []*Transaction, proof []byte) *Block {
	return &Block{
		Height:       height,
		ParentHash:   parentHash,
		Timestamp:    timestamp,
		Transactions: txs,
		Proof:        proof,
	}
}

// NewGenesisBlock derives the deterministic genesis block of a network from
// its chain identifier. All nodes of the same network share its hash, which
// is checked during the handshake.
func NewGenesisBlock(chainID string) *Block {
	return &Block{
		Height:     0,
		ParentHash: make([]byte, sha256.Size),
		Timestamp:  0,
		Proof:      []byte(chainID),
	}
}

// Hash returns the SHA256 hash of the block header and transaction IDs. The
// result is computed once and cached.
func (b *Block) Hash() []byte {
	b.hashOnce.Do(func() {
		hasher := sha256.New()

		var scratch [8]byte

		binary.BigEndian.PutUint64(scratch[:], b.Height)
		hasher.Write(scratch[:])

		hasher.Write(b.ParentHash)

		binary.BigEndian.PutUint64(scratch[:], uint64(b.Timestamp))
		hasher.Write(scratch[:])

		for _, tx := range b.Transactions {
			hasher.Write(tx.IDBytes())
		}

		hasher.Write(b.Proof)

		b.hash = hasher.Sum(nil)
	})

	return b.hash
}

// HashHex returns the hex representation of the block hash. It is used as a
// map key and in log output.
func (b *Block) HashHex() string {
	return common.EncodeToString(b.Hash())
}

// Marshal serializes the block with the same CBOR encoding used on the wire.
func (b *Block) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	ch := new(codec.CborHandle)
	enc := codec.NewEncoder(&buf, ch)

	if err := enc.Encode(b); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal is the reverse of Marshal.
func (b *Block) Unmarshal(data []byte) error {
	ch := new(codec.CborHandle)
	dec := codec.NewDecoder(bytes.NewReader(data), ch)

	return dec.Decode(b)
}
