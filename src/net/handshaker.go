package net

import (
	"fmt"

	"github.com/hashpool/ledgerd/src/peers"
)

// Handshaker admits or rejects a fresh connection. It is implemented by the
// node package, which owns the hello protocol; the Manager only cares about
// the outcome.
type Handshaker interface {
	// Handshake runs the hello exchange on a fresh connection and returns
	// the remote peer's identity on success. On failure the connection is
	// torn down by the Manager.
	Handshake(c *Conn, inbound bool) (*peers.Peer, error)
}

// HandshakeError reports a rejected handshake. A rejection tears the
// connection down but does not by itself ban the address; Major rejections
// accumulate as registry violations instead.
type HandshakeError struct {
	// Addr is the remote's advertised address, when it got far enough to
	// tell us. Empty when the violation cannot be attributed.
	Addr string

	Reason string

	// Severity classifies the rejection for the registry. Genesis
	// mismatches are Major; timeouts and version skew are Minor.
	Severity peers.Severity
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s", e.Reason)
}
