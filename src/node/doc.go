// Package node ties the networking and synchronization subsystems into a
// running ledger node.
//
// A single main-loop goroutine consumes every inbound message from the
// connection manager and dispatches it to the block synchronizer, the
// mempool, and the peer registry, so message handling needs no further
// locking. A jittered control timer drives the periodic work: sync window
// requests and timeouts, keepalive pings, peer discovery, and reconnection.
//
// The package also owns the handshake protocol run on every fresh
// connection, which establishes the peer's identity and checks that both
// sides speak the same protocol version over the same genesis.
package node
