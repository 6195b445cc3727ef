package wire

import (
	"github.com/hashpool/ledgerd/src/chain"
)

// MsgType is the single-byte type tag of the wire envelope.
type MsgType uint8

const (
	TagHello MsgType = iota + 1
	TagHelloAck
	TagPing
	TagPong
	TagPeerListRequest
	TagPeerListResponse
	TagBlockRequest
	TagBlockResponse
	TagNewBlockAnnouncement
	TagTransactionBroadcast
)

// String ...
func (t MsgType) String() string {
	switch t {
	case TagHello:
		return "Hello"
	case TagHelloAck:
		return "HelloAck"
	case TagPing:
		return "Ping"
	case TagPong:
		return "Pong"
	case TagPeerListRequest:
		return "PeerListRequest"
	case TagPeerListResponse:
		return "PeerListResponse"
	case TagBlockRequest:
		return "BlockRequest"
	case TagBlockResponse:
		return "BlockResponse"
	case TagNewBlockAnnouncement:
		return "NewBlockAnnouncement"
	case TagTransactionBroadcast:
		return "TransactionBroadcast"
	default:
		return "Unknown"
	}
}

// Message is implemented by every wire message.
type Message interface {
	Type() MsgType
}

// Hello opens the handshake. Nonce is a random value used to detect
// self-connections: a node that receives its own nonce back is talking to
// itself. ListenAddr is the address on which the sender accepts connections;
// connections are deduplicated by this address, not by the ephemeral port of
// the socket.
type Hello struct {
	Version     uint32
	GenesisHash []byte
	Nonce       uint64
	ChainHeight uint64
	ListenAddr  string
}

// Type implements the Message interface.
func (m *Hello) Type() MsgType { return TagHello }

// HelloAck terminates a successful handshake.
type HelloAck struct{}

// Type implements the Message interface.
func (m *HelloAck) Type() MsgType { return TagHelloAck }

// Ping is a keepalive probe. The receiver must echo the nonce in a Pong.
type Ping struct {
	Nonce uint64
}

// Type implements the Message interface.
func (m *Ping) Type() MsgType { return TagPing }

// Pong answers a Ping.
type Pong struct {
	Nonce uint64
}

// Type implements the Message interface.
func (m *Pong) Type() MsgType { return TagPong }

// PeerListRequest asks a peer for addresses of other nodes it knows about.
type PeerListRequest struct{}

// Type implements the Message interface.
func (m *PeerListRequest) Type() MsgType { return TagPeerListRequest }

// PeerListResponse carries known peer addresses.
type PeerListResponse struct {
	Addresses []string
}

// Type implements the Message interface.
func (m *PeerListResponse) Type() MsgType { return TagPeerListResponse }

// BlockRequest asks for the blocks in the height range [StartHeight,
// EndHeight], both inclusive.
type BlockRequest struct {
	StartHeight uint64
	EndHeight   uint64
}

// Type implements the Message interface.
func (m *BlockRequest) Type() MsgType { return TagBlockRequest }

// BlockResponse answers a BlockRequest with blocks in ascending height order.
type BlockResponse struct {
	Blocks []*chain.Block
}

// Type implements the Message interface.
func (m *BlockResponse) Type() MsgType { return TagBlockResponse }

// NewBlockAnnouncement advertises a freshly minted or received block.
type NewBlockAnnouncement struct {
	Block *chain.Block
}

// Type implements the Message interface.
func (m *NewBlockAnnouncement) Type() MsgType { return TagNewBlockAnnouncement }

// TransactionBroadcast relays a pending transaction.
type TransactionBroadcast struct {
	Transaction *chain.Transaction
}

// Type implements the Message interface.
func (m *TransactionBroadcast) Type() MsgType { return TagTransactionBroadcast }
