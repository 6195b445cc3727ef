package node

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashpool/ledgerd/src/common"
	lnet "github.com/hashpool/ledgerd/src/net"
	"github.com/hashpool/ledgerd/src/peers"
	"github.com/hashpool/ledgerd/src/wire"
)

const handshakeTimeout = 2 * time.Second

func testHandshaker(t *testing.T, genesis []byte, addr string) *Handshaker {
	return NewHandshaker(
		genesis,
		addr,
		handshakeTimeout,
		func() uint64 { return 7 },
		common.NewTestLogger(t).WithField("test", t.Name()),
	)
}

// runHandshake wires two handshakers over an in-memory pipe and returns both
// outcomes.
func runHandshake(t *testing.T, dialer, acceptor *Handshaker) (dialPeer, acceptPeer *peers.Peer, dialErr, acceptErr error) {
	logger := common.NewTestLogger(t).WithField("test", t.Name())

	rawDial, rawAccept := net.Pipe()

	dialConn := lnet.NewConn(rawDial, false, handshakeTimeout, logger)
	acceptConn := lnet.NewConn(rawAccept, true, handshakeTimeout, logger)

	defer dialConn.Close()
	defer acceptConn.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		acceptPeer, acceptErr = acceptor.Handshake(acceptConn, true)
	}()

	dialPeer, dialErr = dialer.Handshake(dialConn, false)

	<-done

	return dialPeer, acceptPeer, dialErr, acceptErr
}

func TestHandshakeEstablished(t *testing.T) {
	genesis := []byte("shared genesis")

	dialer := testHandshaker(t, genesis, "1.1.1.1:1000")
	acceptor := testHandshaker(t, genesis, "2.2.2.2:2000")

	dialPeer, acceptPeer, dialErr, acceptErr := runHandshake(t, dialer, acceptor)

	require.NoError(t, dialErr)
	require.NoError(t, acceptErr)

	assert.Equal(t, "2.2.2.2:2000", dialPeer.Address)
	assert.Equal(t, "1.1.1.1:1000", acceptPeer.Address)

	assert.Equal(t, uint64(7), dialPeer.Height)
	assert.Equal(t, ProtocolVersion, dialPeer.Version)
	assert.Equal(t, common.Hash32([]byte("2.2.2.2:2000")), dialPeer.ID)
}

func TestHandshakeGenesisMismatch(t *testing.T) {
	dialer := testHandshaker(t, []byte("genesis A"), "1.1.1.1:1000")
	acceptor := testHandshaker(t, []byte("genesis B"), "2.2.2.2:2000")

	dialPeer, acceptPeer, dialErr, acceptErr := runHandshake(t, dialer, acceptor)

	// Neither side may ever reach Established.
	assert.Nil(t, dialPeer)
	assert.Nil(t, acceptPeer)
	require.Error(t, dialErr)
	require.Error(t, acceptErr)

	// The acceptor sees the mismatch first and attributes a Major violation.
	var hsErr *lnet.HandshakeError
	require.True(t, errors.As(acceptErr, &hsErr))
	assert.Equal(t, peers.Major, hsErr.Severity)
	assert.Equal(t, "1.1.1.1:1000", hsErr.Addr)
}

func TestHandshakeVersionMismatch(t *testing.T) {
	genesis := []byte("shared genesis")

	dialer := testHandshaker(t, genesis, "1.1.1.1:1000")
	dialer.version = ProtocolVersion + 1

	acceptor := testHandshaker(t, genesis, "2.2.2.2:2000")

	dialPeer, acceptPeer, dialErr, acceptErr := runHandshake(t, dialer, acceptor)

	assert.Nil(t, dialPeer)
	assert.Nil(t, acceptPeer)
	require.Error(t, dialErr)
	require.Error(t, acceptErr)

	// Version skew is expected of honest but outdated peers: Minor only.
	var hsErr *lnet.HandshakeError
	require.True(t, errors.As(acceptErr, &hsErr))
	assert.Equal(t, peers.Minor, hsErr.Severity)
}

func TestHandshakeSelfConnection(t *testing.T) {
	genesis := []byte("shared genesis")

	// The same handshaker on both ends of the pipe: the hello comes back
	// with a nonce we generated ourselves.
	hs := testHandshaker(t, genesis, "1.1.1.1:1000")

	_, _, dialErr, acceptErr := runHandshake(t, hs, hs)

	require.Error(t, dialErr)
	require.Error(t, acceptErr)

	var hsErr *lnet.HandshakeError
	require.True(t, errors.As(acceptErr, &hsErr))
	// Self connections are nobody's fault: no attributable address.
	assert.Equal(t, "", hsErr.Addr)
}

func TestHandshakeRejectsNonHello(t *testing.T) {
	genesis := []byte("shared genesis")

	acceptor := testHandshaker(t, genesis, "2.2.2.2:2000")

	logger := common.NewTestLogger(t).WithField("test", t.Name())

	rawClient, rawServer := net.Pipe()
	defer rawClient.Close()

	serverConn := lnet.NewConn(rawServer, true, handshakeTimeout, logger)
	defer serverConn.Close()

	errCh := make(chan error, 1)

	go func() {
		_, err := acceptor.Handshake(serverConn, true)
		errCh <- err
	}()

	// Skip the hello and send something else entirely.
	require.NoError(t, wire.WriteMessage(rawClient, &wire.Ping{Nonce: 1}))

	err := <-errCh
	require.Error(t, err)

	var hsErr *lnet.HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, peers.Major, hsErr.Severity)
}

func TestHandshakeTimeout(t *testing.T) {
	genesis := []byte("shared genesis")

	acceptor := testHandshaker(t, genesis, "2.2.2.2:2000")
	acceptor.timeout = 50 * time.Millisecond

	logger := common.NewTestLogger(t).WithField("test", t.Name())

	rawClient, rawServer := net.Pipe()
	defer rawClient.Close()

	serverConn := lnet.NewConn(rawServer, true, 50*time.Millisecond, logger)
	defer serverConn.Close()

	// The client never says hello.
	_, err := acceptor.Handshake(serverConn, true)

	require.Error(t, err)

	var hsErr *lnet.HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, peers.Minor, hsErr.Severity)
}

func TestHandshakeStateString(t *testing.T) {
	assert.Equal(t, "Idle", HandshakeIdle.String())
	assert.Equal(t, "Established", HandshakeEstablished.String())
	assert.Equal(t, "Rejected", HandshakeRejected.String())
}
