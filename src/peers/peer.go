package peers

import (
	"time"
)

// ConnState is the lifecycle state of a peer connection.
type ConnState uint32

const (
	// Dialing is the initial state of an outbound connection attempt.
	Dialing ConnState = iota
	// Listening is the initial state of an inbound connection.
	Listening
	// Handshaking means the hello exchange is in progress.
	Handshaking
	// Connected means the handshake succeeded and the peer is eligible for
	// the connected-peer message set.
	Connected
	// Disconnected is terminal; the connection's resources are released.
	Disconnected
)

// String ...
func (s ConnState) String() string {
	switch s {
	case Dialing:
		return "Dialing"
	case Listening:
		return "Listening"
	case Handshaking:
		return "Handshaking"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Peer is a summary of a remote node. It is mirrored into the Registry by
// the connection that owns the underlying socket; the Registry copy is
// informational and never written to by anyone else.
type Peer struct {
	// Address is the peer's advertised listen address, which is also its
	// identity in the Registry. Connections are deduplicated by this
	// address, not by the ephemeral port of the socket.
	Address string `json:"address"`

	// ID is a compact identifier derived from the peer's handshake.
	ID uint32 `json:"id"`

	// Version is the protocol version announced in the peer's hello.
	Version uint32 `json:"version"`

	// Height is the peer's advertised chain height. It is updated by block
	// announcements.
	Height uint64 `json:"height"`

	// LastSeen is the time of the last message received from the peer.
	LastSeen time.Time `json:"last_seen"`

	// State is the connection lifecycle state.
	State ConnState `json:"state"`
}
