package peers

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry configuration defaults.
const (
	DefaultBanThreshold    = 3
	DefaultViolationWindow = 10 * time.Minute
	DefaultBanDuration     = 30 * time.Minute
	DefaultBaseBackoff     = 5 * time.Second
	DefaultMaxBackoff      = 5 * time.Minute
)

// Options tunes the Registry's scoring and banning behavior.
type Options struct {
	// BanThreshold is the number of Major violations within ViolationWindow
	// that triggers a ban.
	BanThreshold int

	// ViolationWindow is the sliding window over which Major violations are
	// counted towards a ban.
	ViolationWindow time.Duration

	// BanDuration is how long a ban lasts.
	BanDuration time.Duration

	// BaseBackoff and MaxBackoff bound the exponential re-dial backoff
	// applied after dial failures and disconnects.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultOptions returns the default Registry options.
func DefaultOptions() Options {
	return Options{
		BanThreshold:    DefaultBanThreshold,
		ViolationWindow: DefaultViolationWindow,
		BanDuration:     DefaultBanDuration,
		BaseBackoff:     DefaultBaseBackoff,
		MaxBackoff:      DefaultMaxBackoff,
	}
}

// Registry tracks known and connected peers and their reputation. It is an
// explicitly owned instance passed to each component that needs it, rather
// than ambient global state, so lifetime and test isolation stay explicit.
//
// Reads are concurrent; every mutating operation holds the write lock.
type Registry struct {
	mtx sync.RWMutex

	opts Options

	// known is the set of addresses learned from configuration and peer
	// list gossip, whether or not a connection exists.
	known map[string]struct{}

	// connected mirrors the summaries of currently connected peers.
	connected map[string]*Peer

	// scores persist beyond connection teardown.
	scores map[string]*Score

	logger *logrus.Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options, logger *logrus.Entry) *Registry {
	return &Registry{
		opts:      opts,
		known:     make(map[string]struct{}),
		connected: make(map[string]*Peer),
		scores:    make(map[string]*Score),
		logger:    logger.WithField("component", "registry"),
	}
}

// AddKnown records addresses learned from configuration or peer-list gossip.
// It returns the addresses that were not known before.
func (r *Registry) AddKnown(addrs ...string) []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	var fresh []string

	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		if _, ok := r.known[addr]; !ok {
			r.known[addr] = struct{}{}
			fresh = append(fresh, addr)
		}
	}

	return fresh
}

// KnownAddresses returns every address the registry has heard of.
func (r *Registry) KnownAddresses() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	out := make([]string, 0, len(r.known))
	for addr := range r.known {
		out = append(out, addr)
	}

	sort.Strings(out)

	return out
}

// UpdatePeer mirrors a connected peer's summary. The connection owning the
// peer calls this on handshake completion and on height/liveness updates.
func (r *Registry) UpdatePeer(p *Peer) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.known[p.Address] = struct{}{}

	cpy := *p
	r.connected[p.Address] = &cpy

	if _, ok := r.scores[p.Address]; !ok {
		r.scores[p.Address] = &Score{}
	}
}

// MarkDisconnected removes the connected mirror but keeps the score record,
// preserving reputation across reconnects.
func (r *Registry) MarkDisconnected(addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	delete(r.connected, addr)
}

// ConnectedPeers returns the summaries of connected peers.
func (r *Registry) ConnectedPeers() []*Peer {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	out := make([]*Peer, 0, len(r.connected))
	for _, p := range r.connected {
		cpy := *p
		out = append(out, &cpy)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })

	return out
}

// ConnectedCount returns the number of connected peers.
func (r *Registry) ConnectedCount() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return len(r.connected)
}

// Violation records a peer violation. Enough Major violations within the
// sliding window ban the peer.
func (r *Registry) Violation(addr string, sev Severity) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	score := r.score(addr)

	now := time.Now()

	switch sev {
	case Minor:
		score.MinorCount++
		score.Reputation -= minorPenalty
	case Major:
		score.MajorCount++
		score.Reputation -= majorPenalty

		if score.recordMajor(now, r.opts.ViolationWindow) >= r.opts.BanThreshold && !score.Banned(now) {
			score.BannedUntil = now.Add(r.opts.BanDuration)

			r.logger.WithFields(logrus.Fields{
				"addr":         addr,
				"major_count":  score.MajorCount,
				"banned_until": score.BannedUntil,
			}).Warn("Banning peer")
		}
	}
}

// Reward credits a peer for a useful response, e.g. a sync window that
// validated cleanly.
func (r *Registry) Reward(addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.score(addr).Reputation += goodReward
}

// IsBanned reports whether an address is currently banned.
func (r *Registry) IsBanned(addr string) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	score, ok := r.scores[addr]

	return ok && score.Banned(time.Now())
}

// IsBannedHost reports whether any banned address resolves to the given
// host. It gates inbound connections, whose advertised address is unknown
// until the handshake completes.
func (r *Registry) IsBannedHost(host string) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	now := time.Now()

	for addr, score := range r.scores {
		if !score.Banned(now) {
			continue
		}

		h, _, err := net.SplitHostPort(addr)
		if err != nil {
			h = addr
		}

		if h == host {
			return true
		}
	}

	return false
}

// CanDial reports whether an outbound dial to addr is currently allowed,
// considering bans and backoff deadlines.
func (r *Registry) CanDial(addr string) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	score, ok := r.scores[addr]
	if !ok {
		return true
	}

	now := time.Now()

	return !score.Banned(now) && !now.Before(score.BackoffDeadline)
}

// DialFailed records a failed outbound dial: a Minor violation plus an
// exponentially growing backoff, capped at MaxBackoff.
func (r *Registry) DialFailed(addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	score := r.score(addr)

	score.MinorCount++
	score.Reputation -= minorPenalty
	score.dialFailures++

	backoff := r.opts.BaseBackoff << uint(score.dialFailures-1)
	if backoff > r.opts.MaxBackoff || backoff <= 0 {
		backoff = r.opts.MaxBackoff
	}

	score.BackoffDeadline = time.Now().Add(backoff)
}

// DialSucceeded resets the dial backoff for an address.
func (r *Registry) DialSucceeded(addr string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	score := r.score(addr)

	score.dialFailures = 0
	score.BackoffDeadline = time.Time{}
}

// GetScore returns a copy of the score record for an address.
func (r *Registry) GetScore(addr string) (Score, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	score, ok := r.scores[addr]
	if !ok {
		return Score{}, false
	}

	return *score, true
}

// BestPeers returns up to n connected peer addresses ordered by descending
// reputation, skipping banned peers and the excluded addresses. It drives
// sync-peer selection.
func (r *Registry) BestPeers(n int, exclude map[string]bool) []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	now := time.Now()

	type candidate struct {
		addr string
		rep  int
	}

	candidates := make([]candidate, 0, len(r.connected))

	for addr := range r.connected {
		if exclude[addr] {
			continue
		}

		score := r.scores[addr]
		if score == nil {
			candidates = append(candidates, candidate{addr: addr})
			continue
		}

		if score.Banned(now) {
			continue
		}

		candidates = append(candidates, candidate{addr: addr, rep: score.Reputation})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rep != candidates[j].rep {
			return candidates[i].rep > candidates[j].rep
		}
		return candidates[i].addr < candidates[j].addr
	})

	if n > len(candidates) {
		n = len(candidates)
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].addr
	}

	return out
}

// score returns the score record for addr, creating it if absent. Caller
// must hold the write lock.
func (r *Registry) score(addr string) *Score {
	s, ok := r.scores[addr]
	if !ok {
		s = &Score{}
		r.scores[addr] = s
		r.known[addr] = struct{}{}
	}

	return s
}
