package net

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashpool/ledgerd/src/common"
	"github.com/hashpool/ledgerd/src/metrics"
	"github.com/hashpool/ledgerd/src/peers"
)

// gateHandshaker holds every handshake until released, standing in for a
// slow remote.
type gateHandshaker struct {
	release chan struct{}
	addr    string
}

func (h *gateHandshaker) Handshake(c *Conn, inbound bool) (*peers.Peer, error) {
	<-h.release

	return &peers.Peer{Address: h.addr, Version: 1, LastSeen: time.Now()}, nil
}

func TestDialDeduplicatesInFlight(t *testing.T) {
	logger := common.NewTestLogger(t).WithField("test", t.Name())

	// A raw remote endpoint that accepts connections and says nothing.
	remote, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer remote.Close()

	go func() {
		for {
			if _, err := remote.Accept(); err != nil {
				return
			}
		}
	}()

	stream, err := NewTCPStreamLayer("127.0.0.1:0", "")
	require.NoError(t, err)

	hs := &gateHandshaker{release: make(chan struct{}), addr: "3.3.3.3:3000"}

	mgr := NewManager(
		ManagerConfig{MaxConns: 16, DialTimeout: time.Second, IOTimeout: time.Second},
		stream,
		peers.NewRegistry(peers.DefaultOptions(), logger),
		hs,
		metrics.Nop(),
		logger,
	)
	defer mgr.Close()

	addr := remote.Addr().String()

	require.NoError(t, mgr.Dial(addr))

	// The first handshake is still in flight: a second dial to the same
	// address must be refused instead of opening another socket.
	assert.ErrorIs(t, mgr.Dial(addr), ErrAlreadyConnected)
	assert.Equal(t, 0, mgr.Count(), "nothing registers before the handshake completes")

	close(hs.release)

	require.Eventually(t, func() bool {
		return mgr.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Still refused while the connection lives, even though it registered
	// under the advertised address rather than the dialed one.
	assert.ErrorIs(t, mgr.Dial(addr), ErrAlreadyConnected)
}
