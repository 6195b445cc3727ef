// Package peers tracks the identity, liveness, and reputation of remote
// nodes.
//
// A peer is identified by the address on which it accepts connections, as
// advertised in its handshake hello. Connection records are owned by the
// networking layer; this package only holds a summary mirror of each
// connected peer, plus a Score record that persists across disconnects so
// that reputation is not reset by reconnecting.
//
// Violations are classified Minor (dial failure, sync timeout) or Major
// (framing error, genesis mismatch, invalid block or transaction). A
// configurable number of Major violations within a sliding window bans the
// peer: its address is refused for new inbound and outbound connections
// until the ban expires. Ban state is explicit and queryable; scoring never
// silently erases history.
//
// Upon starting up, the node expects to find a peers.json file in its data
// directory, listing the addresses of peers to attempt to connect to.
package peers
