package net

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashpool/ledgerd/src/peers"
	"github.com/hashpool/ledgerd/src/wire"
	"github.com/sirupsen/logrus"
)

const bufSize = 64 * 1024

// Inbound is one message received from a connected peer, delivered on the
// Manager's consume channel.
type Inbound struct {
	// From is the advertised address of the sending peer.
	From string

	// Conn is the connection the message arrived on. Replies go through it.
	Conn *Conn

	// Msg is the decoded wire message.
	Msg wire.Message
}

// Conn owns the socket of one remote endpoint. All I/O for that endpoint
// goes through it: the read loop deframes inbound messages, and Send
// serializes outbound writes.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	wmtx sync.Mutex
	w    *bufio.Writer

	// peer is set once the handshake establishes the remote's identity.
	peerMtx sync.RWMutex
	peer    *peers.Peer

	inbound bool
	state   uint32

	timeout time.Duration

	closeOnce sync.Once
	closedCh  chan struct{}

	logger *logrus.Entry
}

// NewConn wraps a raw socket. The Manager calls this for every accepted and
// dialed connection; tests use it directly over net.Pipe.
func NewConn(raw net.Conn, inbound bool, timeout time.Duration, logger *logrus.Entry) *Conn {
	initial := peers.Dialing
	if inbound {
		initial = peers.Listening
	}

	c := &Conn{
		conn:     raw,
		r:        bufio.NewReaderSize(raw, bufSize),
		w:        bufio.NewWriterSize(raw, bufSize),
		inbound:  inbound,
		state:    uint32(initial),
		timeout:  timeout,
		closedCh: make(chan struct{}),
		logger:   logger.WithField("remote", raw.RemoteAddr().String()),
	}

	return c
}

// Send encodes and writes a message. Writes from concurrent goroutines are
// serialized. A write failure closes the connection.
func (c *Conn) Send(m wire.Message) error {
	c.wmtx.Lock()
	defer c.wmtx.Unlock()

	if c.timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}

	if err := wire.WriteMessage(c.w, m); err != nil {
		c.Close()
		return err
	}

	if err := c.w.Flush(); err != nil {
		c.Close()
		return err
	}

	return nil
}

// Recv reads a single message with a deadline. It is used during the
// handshake, before the read loop starts.
func (c *Conn) Recv(timeout time.Duration) (wire.Message, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	msg, err := wire.ReadMessage(c.r)

	c.conn.SetReadDeadline(time.Time{})

	return msg, err
}

// readLoop deframes inbound messages and forwards them to consume until the
// connection fails, a framing error occurs, or shutdownCh closes. It returns
// the terminating error.
func (c *Conn) readLoop(consume chan<- Inbound, shutdownCh <-chan struct{}) error {
	for {
		msg, err := wire.ReadMessage(c.r)
		if err != nil {
			return err
		}

		select {
		case consume <- Inbound{From: c.Addr(), Conn: c, Msg: msg}:
		case <-shutdownCh:
			return nil
		case <-c.closedCh:
			return nil
		}
	}
}

// SetPeer records the remote's identity after a successful handshake.
func (c *Conn) SetPeer(p *peers.Peer) {
	c.peerMtx.Lock()
	defer c.peerMtx.Unlock()

	c.peer = p
}

// Peer returns the remote's identity, or nil before the handshake completed.
func (c *Conn) Peer() *peers.Peer {
	c.peerMtx.RLock()
	defer c.peerMtx.RUnlock()

	return c.peer
}

// Addr returns the advertised address of the remote, falling back to the
// socket address before the handshake completed.
func (c *Conn) Addr() string {
	c.peerMtx.RLock()
	defer c.peerMtx.RUnlock()

	if c.peer != nil {
		return c.peer.Address
	}

	return c.conn.RemoteAddr().String()
}

// RemoteAddr returns the socket address of the remote.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Inbound reports whether the connection was accepted rather than dialed.
func (c *Conn) Inbound() bool {
	return c.inbound
}

// State returns the connection lifecycle state.
func (c *Conn) State() peers.ConnState {
	return peers.ConnState(atomic.LoadUint32(&c.state))
}

func (c *Conn) setState(s peers.ConnState) {
	atomic.StoreUint32(&c.state, uint32(s))
}

// Close releases the connection's resources and transitions it to
// Disconnected. It is safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.setState(peers.Disconnected)
		close(c.closedCh)
		c.conn.Close()
	})

	return nil
}

// Closed returns a channel that is closed when the connection is torn down.
func (c *Conn) Closed() <-chan struct{} {
	return c.closedCh
}
