package node

import (
	"bytes"
	"math/rand"
	"sync"
	"time"

	"github.com/hashpool/ledgerd/src/common"
	lnet "github.com/hashpool/ledgerd/src/net"
	"github.com/hashpool/ledgerd/src/peers"
	"github.com/hashpool/ledgerd/src/wire"
	"github.com/sirupsen/logrus"
)

// ProtocolVersion is the wire protocol version announced in hellos. Peers
// announcing a different version are rejected during the handshake.
const ProtocolVersion uint32 = 1

// HandshakeState tracks the progression of one hello exchange.
type HandshakeState uint32

const (
	// HandshakeIdle is the initial state.
	HandshakeIdle HandshakeState = iota
	// LocalHelloSent means our hello is on the wire.
	LocalHelloSent
	// RemoteHelloReceived means the remote's hello validated.
	RemoteHelloReceived
	// HandshakeEstablished is the success terminal state; only now is the
	// connection eligible for the connected-peer message set.
	HandshakeEstablished
	// HandshakeRejected is the failure terminal state; the connection is
	// always torn down.
	HandshakeRejected
)

// String ...
func (s HandshakeState) String() string {
	switch s {
	case HandshakeIdle:
		return "Idle"
	case LocalHelloSent:
		return "LocalHelloSent"
	case RemoteHelloReceived:
		return "RemoteHelloReceived"
	case HandshakeEstablished:
		return "Established"
	case HandshakeRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// nonceSet remembers the nonces this node recently put into outbound hellos.
// Receiving one of them back means we connected to ourselves.
type nonceSet struct {
	mtx    sync.Mutex
	nonces map[uint64]time.Time
	ttl    time.Duration
}

func newNonceSet(ttl time.Duration) *nonceSet {
	return &nonceSet{
		nonces: make(map[uint64]time.Time),
		ttl:    ttl,
	}
}

func (s *nonceSet) generate() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := time.Now()

	for n, t := range s.nonces {
		if now.Sub(t) > s.ttl {
			delete(s.nonces, n)
		}
	}

	n := rand.Uint64()
	s.nonces[n] = now

	return n
}

func (s *nonceSet) mine(n uint64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	_, ok := s.nonces[n]

	return ok
}

// Handshaker runs the hello protocol on fresh connections. The dialer sends
// its hello first; the acceptor validates it, answers with its own hello,
// and the dialer closes the exchange with a HelloAck.
type Handshaker struct {
	version       uint32
	genesisHash   []byte
	advertiseAddr string
	timeout       time.Duration

	// height reports the local chain tip for the hello.
	height func() uint64

	nonces *nonceSet

	logger *logrus.Entry
}

// NewHandshaker ...
func NewHandshaker(
	genesisHash []byte,
	advertiseAddr string,
	timeout time.Duration,
	height func() uint64,
	logger *logrus.Entry,
) *Handshaker {
	return &Handshaker{
		version:       ProtocolVersion,
		genesisHash:   genesisHash,
		advertiseAddr: advertiseAddr,
		timeout:       timeout,
		height:        height,
		nonces:        newNonceSet(time.Minute),
		logger:        logger.WithField("component", "handshake"),
	}
}

// Handshake implements the net.Handshaker interface.
func (h *Handshaker) Handshake(c *lnet.Conn, inbound bool) (*peers.Peer, error) {
	peer, state, err := h.exchange(c, inbound)

	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"remote": c.RemoteAddr(),
			"state":  state.String(),
		}).WithError(err).Debug("Handshake rejected")
		return nil, err
	}

	return peer, nil
}

// exchange runs the hello protocol and returns the terminal state it
// reached. Every failure path ends in HandshakeRejected.
func (h *Handshaker) exchange(c *lnet.Conn, inbound bool) (*peers.Peer, HandshakeState, error) {
	if inbound {
		return h.acceptSide(c)
	}

	return h.dialSide(c)
}

func (h *Handshaker) dialSide(c *lnet.Conn) (*peers.Peer, HandshakeState, error) {
	if err := c.Send(h.hello()); err != nil {
		return nil, HandshakeRejected, &lnet.HandshakeError{Reason: "sending hello: " + err.Error(), Severity: peers.Minor}
	}

	// LocalHelloSent
	remote, hsErr := h.expectHello(c)
	if hsErr != nil {
		return nil, HandshakeRejected, hsErr
	}

	// RemoteHelloReceived
	if err := c.Send(&wire.HelloAck{}); err != nil {
		return nil, HandshakeRejected, &lnet.HandshakeError{Addr: remote.ListenAddr, Reason: "sending hello ack: " + err.Error(), Severity: peers.Minor}
	}

	return peerFromHello(remote), HandshakeEstablished, nil
}

func (h *Handshaker) acceptSide(c *lnet.Conn) (*peers.Peer, HandshakeState, error) {
	remote, hsErr := h.expectHello(c)
	if hsErr != nil {
		return nil, HandshakeRejected, hsErr
	}

	// RemoteHelloReceived
	if err := c.Send(h.hello()); err != nil {
		return nil, HandshakeRejected, &lnet.HandshakeError{Addr: remote.ListenAddr, Reason: "sending hello: " + err.Error(), Severity: peers.Minor}
	}

	// LocalHelloSent
	msg, err := c.Recv(h.timeout)
	if err != nil {
		return nil, HandshakeRejected, &lnet.HandshakeError{Addr: remote.ListenAddr, Reason: "waiting for hello ack: " + err.Error(), Severity: peers.Minor}
	}

	if _, ok := msg.(*wire.HelloAck); !ok {
		return nil, HandshakeRejected, &lnet.HandshakeError{Addr: remote.ListenAddr, Reason: "unexpected " + msg.Type().String() + " instead of hello ack", Severity: peers.Major}
	}

	return peerFromHello(remote), HandshakeEstablished, nil
}

// expectHello reads and validates the remote hello.
func (h *Handshaker) expectHello(c *lnet.Conn) (*wire.Hello, *lnet.HandshakeError) {
	msg, err := c.Recv(h.timeout)
	if err != nil {
		return nil, &lnet.HandshakeError{Reason: "waiting for hello: " + err.Error(), Severity: peers.Minor}
	}

	hello, ok := msg.(*wire.Hello)
	if !ok {
		return nil, &lnet.HandshakeError{Reason: "unexpected " + msg.Type().String() + " instead of hello", Severity: peers.Major}
	}

	if hello.Version != h.version {
		return nil, &lnet.HandshakeError{Addr: hello.ListenAddr, Reason: "incompatible protocol version", Severity: peers.Minor}
	}

	if !bytes.Equal(hello.GenesisHash, h.genesisHash) {
		return nil, &lnet.HandshakeError{Addr: hello.ListenAddr, Reason: "genesis hash mismatch", Severity: peers.Major}
	}

	if h.nonces.mine(hello.Nonce) {
		// Connected to ourselves. No violation: there is no other peer to
		// attribute it to.
		return nil, &lnet.HandshakeError{Reason: "self connection detected", Severity: peers.Minor}
	}

	if hello.ListenAddr == "" {
		return nil, &lnet.HandshakeError{Reason: "hello without listen address", Severity: peers.Minor}
	}

	return hello, nil
}

func (h *Handshaker) hello() *wire.Hello {
	return &wire.Hello{
		Version:     h.version,
		GenesisHash: h.genesisHash,
		Nonce:       h.nonces.generate(),
		ChainHeight: h.height(),
		ListenAddr:  h.advertiseAddr,
	}
}

func peerFromHello(hello *wire.Hello) *peers.Peer {
	return &peers.Peer{
		Address:  hello.ListenAddr,
		ID:       common.Hash32([]byte(hello.ListenAddr)),
		Version:  hello.Version,
		Height:   hello.ChainHeight,
		LastSeen: time.Now(),
		State:    peers.Handshaking,
	}
}
