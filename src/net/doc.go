// Package net implements the peer networking layer: the per-connection
// socket owner and the connection manager that dials, accepts, and retires
// connections.
//
// Each remote endpoint is owned by exactly one Conn, which runs the socket
// I/O and the framing codec. Inbound messages from every connected peer are
// funneled into a single consume channel, which the node's dispatch loop
// drains; this is the only coupling between the networking layer and the
// rest of the node.
//
// The Manager enforces the pool policy: a maximum concurrent connection
// count, at most one connection per advertised peer address (deduplicated by
// address, not by the ephemeral port of the socket), registry-driven ban and
// backoff checks before dialing or accepting, and teardown that releases the
// connection's resources while the registry entry survives for scoring
// continuity.
//
// The actual handshake protocol lives in the node package; the Manager only
// knows that a Handshaker must admit every fresh connection before it joins
// the connected set.
package net
