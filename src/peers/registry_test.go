package peers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashpool/ledgerd/src/common"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	return NewRegistry(opts, common.NewTestLogger(t).WithField("test", t.Name()))
}

func testPeer(addr string, height uint64) *Peer {
	return &Peer{
		Address:  addr,
		ID:       common.Hash32([]byte(addr)),
		Version:  1,
		Height:   height,
		LastSeen: time.Now(),
		State:    Connected,
	}
}

func TestAddKnown(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())

	fresh := r.AddKnown("a:1", "b:2", "")
	assert.Equal(t, []string{"a:1", "b:2"}, fresh)

	// Already known addresses are not reported again.
	fresh = r.AddKnown("a:1", "c:3")
	assert.Equal(t, []string{"c:3"}, fresh)

	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, r.KnownAddresses())
}

func TestConnectedLifecycle(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())

	r.UpdatePeer(testPeer("a:1", 10))
	assert.Equal(t, 1, r.ConnectedCount())

	r.MarkDisconnected("a:1")
	assert.Equal(t, 0, r.ConnectedCount())

	// The score record survives the disconnect.
	r.Violation("a:1", Minor)
	score, ok := r.GetScore("a:1")
	require.True(t, ok)
	assert.Equal(t, 1, score.MinorCount)
}

func TestBanThreshold(t *testing.T) {
	opts := DefaultOptions()
	opts.BanThreshold = 3

	r := newTestRegistry(t, opts)

	r.Violation("a:1", Major)
	r.Violation("a:1", Major)
	assert.False(t, r.IsBanned("a:1"), "below the threshold")

	r.Violation("a:1", Major)
	assert.True(t, r.IsBanned("a:1"), "threshold reached within the window")

	assert.False(t, r.CanDial("a:1"))
}

func TestMinorViolationsNeverBan(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())

	for i := 0; i < 100; i++ {
		r.Violation("a:1", Minor)
	}

	assert.False(t, r.IsBanned("a:1"))
}

func TestViolationWindowSlides(t *testing.T) {
	opts := DefaultOptions()
	opts.BanThreshold = 3
	opts.ViolationWindow = 50 * time.Millisecond

	r := newTestRegistry(t, opts)

	r.Violation("a:1", Major)
	r.Violation("a:1", Major)

	// Let the first violations fall out of the window.
	time.Sleep(80 * time.Millisecond)

	r.Violation("a:1", Major)
	assert.False(t, r.IsBanned("a:1"), "stale violations must not count towards the ban")
}

func TestBanExpiry(t *testing.T) {
	opts := DefaultOptions()
	opts.BanThreshold = 1
	opts.BanDuration = 50 * time.Millisecond

	r := newTestRegistry(t, opts)

	r.Violation("a:1", Major)
	assert.True(t, r.IsBanned("a:1"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, r.IsBanned("a:1"), "bans expire")
	assert.True(t, r.CanDial("a:1"))
}

func TestIsBannedHost(t *testing.T) {
	opts := DefaultOptions()
	opts.BanThreshold = 1

	r := newTestRegistry(t, opts)

	r.Violation("10.0.0.1:1337", Major)

	assert.True(t, r.IsBannedHost("10.0.0.1"))
	assert.False(t, r.IsBannedHost("10.0.0.2"))
}

func TestDialBackoff(t *testing.T) {
	opts := DefaultOptions()
	opts.BaseBackoff = 50 * time.Millisecond
	opts.MaxBackoff = 200 * time.Millisecond

	r := newTestRegistry(t, opts)

	assert.True(t, r.CanDial("a:1"))

	r.DialFailed("a:1")
	assert.False(t, r.CanDial("a:1"), "backoff applies immediately")

	time.Sleep(80 * time.Millisecond)
	assert.True(t, r.CanDial("a:1"), "backoff deadline passed")

	// Backoff is capped at MaxBackoff no matter how many failures.
	for i := 0; i < 20; i++ {
		r.DialFailed("a:1")
	}

	score, ok := r.GetScore("a:1")
	require.True(t, ok)
	assert.LessOrEqual(t, time.Until(score.BackoffDeadline), opts.MaxBackoff)

	// Success resets the backoff.
	r.DialSucceeded("a:1")
	assert.True(t, r.CanDial("a:1"))
}

func TestBestPeersOrdering(t *testing.T) {
	r := newTestRegistry(t, DefaultOptions())

	r.UpdatePeer(testPeer("a:1", 10))
	r.UpdatePeer(testPeer("b:2", 10))
	r.UpdatePeer(testPeer("c:3", 10))

	r.Reward("b:2")
	r.Reward("b:2")
	r.Reward("c:3")
	r.Violation("a:1", Minor)

	best := r.BestPeers(2, nil)
	require.Len(t, best, 2)
	assert.Equal(t, "b:2", best[0])
	assert.Equal(t, "c:3", best[1])

	// Excluded addresses are skipped.
	best = r.BestPeers(2, map[string]bool{"b:2": true})
	require.Len(t, best, 2)
	assert.Equal(t, "c:3", best[0])
	assert.Equal(t, "a:1", best[1])
}

func TestBestPeersSkipsBanned(t *testing.T) {
	opts := DefaultOptions()
	opts.BanThreshold = 1

	r := newTestRegistry(t, opts)

	r.UpdatePeer(testPeer("a:1", 10))
	r.UpdatePeer(testPeer("b:2", 10))

	r.Violation("a:1", Major)

	best := r.BestPeers(5, nil)
	assert.Equal(t, []string{"b:2"}, best)
}
