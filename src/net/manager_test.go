package net_test

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashpool/ledgerd/src/common"
	"github.com/hashpool/ledgerd/src/metrics"
	lnet "github.com/hashpool/ledgerd/src/net"
	"github.com/hashpool/ledgerd/src/node"
	"github.com/hashpool/ledgerd/src/peers"
	"github.com/hashpool/ledgerd/src/wire"
)

const managerTimeout = 2 * time.Second

var testGenesis = []byte("manager test genesis")

// testEndpoint is one Manager listening on a real TCP port with the full
// hello handshake wired in.
type testEndpoint struct {
	mgr  *lnet.Manager
	reg  *peers.Registry
	addr string
}

func startEndpoint(t *testing.T, genesis []byte, maxConns int) *testEndpoint {
	logger := common.NewTestLogger(t).WithField("test", t.Name())

	stream, err := lnet.NewTCPStreamLayer("127.0.0.1:0", "")
	require.NoError(t, err)

	reg := peers.NewRegistry(peers.DefaultOptions(), logger)

	hs := node.NewHandshaker(
		genesis,
		stream.AdvertiseAddr(),
		managerTimeout,
		func() uint64 { return 1 },
		logger,
	)

	mgr := lnet.NewManager(
		lnet.ManagerConfig{
			MaxConns:    maxConns,
			DialTimeout: managerTimeout,
			IOTimeout:   managerTimeout,
		},
		stream,
		reg,
		hs,
		metrics.Nop(),
		logger,
	)

	go mgr.Listen()

	t.Cleanup(func() { mgr.Close() })

	return &testEndpoint{mgr: mgr, reg: reg, addr: stream.AdvertiseAddr()}
}

// recvInbound reads one message from the endpoint's consume channel.
func recvInbound(t *testing.T, e *testEndpoint) lnet.Inbound {
	select {
	case in := <-e.mgr.Consumer():
		return in
	case <-time.After(managerTimeout):
		t.Fatalf("timed out waiting for inbound message on %s", e.addr)
		return lnet.Inbound{}
	}
}

func TestManagerDialAndSend(t *testing.T) {
	a := startEndpoint(t, testGenesis, 16)
	b := startEndpoint(t, testGenesis, 16)

	require.NoError(t, a.mgr.Dial(b.addr))

	// The handshake completes asynchronously on both ends.
	require.Eventually(t, func() bool {
		return a.mgr.Count() == 1 && b.mgr.Count() == 1
	}, managerTimeout, 10*time.Millisecond)

	assert.Contains(t, a.mgr.ConnectedAddrs(), b.addr)
	assert.Contains(t, b.mgr.ConnectedAddrs(), a.addr)

	// Both registries mirror the connected peer.
	assert.Equal(t, 1, a.reg.ConnectedCount())
	assert.Equal(t, 1, b.reg.ConnectedCount())

	require.NoError(t, a.mgr.SendTo(b.addr, &wire.Ping{Nonce: 42}))

	in := recvInbound(t, b)
	assert.Equal(t, a.addr, in.From)

	ping, ok := in.Msg.(*wire.Ping)
	require.True(t, ok)
	assert.Equal(t, uint64(42), ping.Nonce)

	// Replies flow back through the connection the message arrived on.
	require.NoError(t, in.Conn.Send(&wire.Pong{Nonce: ping.Nonce}))

	back := recvInbound(t, a)
	pong, ok := back.Msg.(*wire.Pong)
	require.True(t, ok)
	assert.Equal(t, uint64(42), pong.Nonce)
}

func TestManagerBroadcast(t *testing.T) {
	a := startEndpoint(t, testGenesis, 16)
	b := startEndpoint(t, testGenesis, 16)
	c := startEndpoint(t, testGenesis, 16)

	require.NoError(t, a.mgr.Dial(b.addr))
	require.NoError(t, a.mgr.Dial(c.addr))

	require.Eventually(t, func() bool {
		return a.mgr.Count() == 2
	}, managerTimeout, 10*time.Millisecond)

	a.mgr.Broadcast(&wire.Ping{Nonce: 7}, "")

	for _, e := range []*testEndpoint{b, c} {
		in := recvInbound(t, e)
		ping, ok := in.Msg.(*wire.Ping)
		require.True(t, ok)
		assert.Equal(t, uint64(7), ping.Nonce)
	}

	// Excluding an address skips it.
	a.mgr.Broadcast(&wire.Ping{Nonce: 8}, b.addr)

	in := recvInbound(t, c)
	ping, ok := in.Msg.(*wire.Ping)
	require.True(t, ok)
	assert.Equal(t, uint64(8), ping.Nonce)

	select {
	case extra := <-b.mgr.Consumer():
		t.Fatalf("excluded endpoint received %v", extra.Msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManagerDuplicateDial(t *testing.T) {
	a := startEndpoint(t, testGenesis, 16)
	b := startEndpoint(t, testGenesis, 16)

	require.NoError(t, a.mgr.Dial(b.addr))

	require.Eventually(t, func() bool {
		return a.mgr.Count() == 1
	}, managerTimeout, 10*time.Millisecond)

	assert.ErrorIs(t, a.mgr.Dial(b.addr), lnet.ErrAlreadyConnected)
}

func TestManagerMaxConns(t *testing.T) {
	a := startEndpoint(t, testGenesis, 1)
	b := startEndpoint(t, testGenesis, 16)
	c := startEndpoint(t, testGenesis, 16)

	require.NoError(t, a.mgr.Dial(b.addr))

	require.Eventually(t, func() bool {
		return a.mgr.Count() == 1
	}, managerTimeout, 10*time.Millisecond)

	assert.ErrorIs(t, a.mgr.Dial(c.addr), lnet.ErrPoolFull)
}

func TestManagerDialRefusedWhenBanned(t *testing.T) {
	a := startEndpoint(t, testGenesis, 16)
	b := startEndpoint(t, testGenesis, 16)

	for i := 0; i < peers.DefaultBanThreshold; i++ {
		a.reg.Violation(b.addr, peers.Major)
	}
	require.True(t, a.reg.IsBanned(b.addr))

	assert.ErrorIs(t, a.mgr.Dial(b.addr), lnet.ErrDialRefused)
	assert.Equal(t, 0, a.mgr.Count())
}

func TestManagerRefusesInboundFromBannedHost(t *testing.T) {
	a := startEndpoint(t, testGenesis, 16)
	b := startEndpoint(t, testGenesis, 16)

	// Ban any address on the loopback host; inbound sockets only expose the
	// host until the handshake would reveal the advertised address.
	for i := 0; i < peers.DefaultBanThreshold; i++ {
		b.reg.Violation("127.0.0.1:9999", peers.Major)
	}
	require.True(t, b.reg.IsBannedHost("127.0.0.1"))

	// The dial itself succeeds at the TCP level; the acceptor drops the
	// socket before the handshake, so no connection ever registers.
	a.mgr.Dial(b.addr)

	assert.Never(t, func() bool {
		return b.mgr.Count() > 0 || a.mgr.Count() > 0
	}, 300*time.Millisecond, 25*time.Millisecond)
}

func TestManagerRejectsMalformedHello(t *testing.T) {
	b := startEndpoint(t, testGenesis, 16)

	raw, err := net.Dial("tcp", b.addr)
	require.NoError(t, err)
	defer raw.Close()

	// Garbage instead of a framed hello. The acceptor must tear the
	// connection down without ever registering it.
	_, err = raw.Write([]byte("definitely not a frame, just noise padding."))
	require.NoError(t, err)

	assert.Never(t, func() bool {
		return b.mgr.Count() > 0
	}, 300*time.Millisecond, 25*time.Millisecond)
}

func TestManagerGenesisMismatchPunished(t *testing.T) {
	a := startEndpoint(t, []byte("genesis A"), 16)
	b := startEndpoint(t, []byte("genesis B"), 16)

	require.NoError(t, a.mgr.Dial(b.addr))

	// The acceptor attributes a Major violation to the dialer's advertised
	// address and never registers the connection.
	require.Eventually(t, func() bool {
		score, ok := b.reg.GetScore(a.addr)
		return ok && score.MajorCount >= 1
	}, managerTimeout, 10*time.Millisecond)

	assert.Equal(t, 0, b.mgr.Count())
	assert.Equal(t, 0, a.mgr.Count())
}

func TestManagerFramingViolation(t *testing.T) {
	b := startEndpoint(t, testGenesis, 16)

	logger := common.NewTestLogger(t).WithField("test", t.Name())

	raw, err := net.Dial("tcp", b.addr)
	require.NoError(t, err)
	defer raw.Close()

	// Complete a legitimate handshake so the violation is attributable.
	conn := lnet.NewConn(raw, false, managerTimeout, logger)
	defer conn.Close()

	hs := node.NewHandshaker(
		testGenesis,
		"9.9.9.9:9000",
		managerTimeout,
		func() uint64 { return 1 },
		logger,
	)

	_, err = hs.Handshake(conn, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.mgr.Count() == 1
	}, managerTimeout, 10*time.Millisecond)

	// Declare a frame bigger than the limit. The acceptor must reject it
	// from the length prefix alone, tear the connection down, and record a
	// Major violation.
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], wire.MaxFrameSize+1)
	_, err = raw.Write(hdr[:])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		score, ok := b.reg.GetScore("9.9.9.9:9000")
		return ok && score.MajorCount >= 1 && b.mgr.Count() == 0
	}, managerTimeout, 10*time.Millisecond)
}

func TestManagerClose(t *testing.T) {
	a := startEndpoint(t, testGenesis, 16)
	b := startEndpoint(t, testGenesis, 16)

	require.NoError(t, a.mgr.Dial(b.addr))

	require.Eventually(t, func() bool {
		return a.mgr.Count() == 1 && b.mgr.Count() == 1
	}, managerTimeout, 10*time.Millisecond)

	require.NoError(t, a.mgr.Close())

	assert.True(t, a.mgr.IsShutdown())
	assert.ErrorIs(t, a.mgr.Dial(b.addr), lnet.ErrManagerShutdown)

	// The peer observes the teardown and unregisters the connection.
	require.Eventually(t, func() bool {
		return b.mgr.Count() == 0
	}, managerTimeout, 10*time.Millisecond)

	assert.Equal(t, 0, b.reg.ConnectedCount())
}
