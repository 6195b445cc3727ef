package peers

import (
	"time"
)

// Severity classifies peer misbehavior.
type Severity int

const (
	// Minor covers failures that honest peers exhibit under bad network
	// conditions: dial failures and sync timeouts.
	Minor Severity = iota
	// Major covers protocol violations: framing errors, handshake genesis
	// mismatches, invalid blocks and transactions.
	Major
)

// String ...
func (s Severity) String() string {
	switch s {
	case Minor:
		return "minor"
	case Major:
		return "major"
	default:
		return "unknown"
	}
}

// Reputation deltas per violation, and the reward for a useful response.
const (
	minorPenalty = 1
	majorPenalty = 10
	goodReward   = 1
)

// Score is the reputation record of a peer address. It outlives connections:
// a peer that disconnects and comes back carries its history with it.
type Score struct {
	// Reputation is a relative ordering value: higher is better. Peers with
	// higher reputation are preferred when issuing sync windows.
	Reputation int

	// MinorCount and MajorCount are cumulative violation tallies. They are
	// never reset; ban state is tracked separately and explicitly.
	MinorCount int
	MajorCount int

	// BackoffDeadline is the earliest time a new outbound dial may be
	// attempted, set after dial failures with exponential growth.
	BackoffDeadline time.Time

	// BannedUntil is non-zero while the peer is banned.
	BannedUntil time.Time

	// majorTimes holds the timestamps of recent Major violations, pruned to
	// the sliding ban window.
	majorTimes []time.Time

	// dialFailures counts consecutive dial failures; it resets on success.
	dialFailures int
}

// Banned reports whether the score is banned at the given time.
func (s *Score) Banned(now time.Time) bool {
	return now.Before(s.BannedUntil)
}

// recordMajor appends a Major violation timestamp and prunes entries older
// than window. It returns the number of Major violations remaining inside
// the window.
func (s *Score) recordMajor(now time.Time, window time.Duration) int {
	s.majorTimes = append(s.majorTimes, now)

	cutoff := now.Add(-window)

	kept := s.majorTimes[:0]
	for _, t := range s.majorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.majorTimes = kept

	return len(s.majorTimes)
}
