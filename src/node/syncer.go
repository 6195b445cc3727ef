package node

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/hashpool/ledgerd/src/chain"
	"github.com/hashpool/ledgerd/src/mempool"
	"github.com/hashpool/ledgerd/src/metrics"
	"github.com/hashpool/ledgerd/src/peers"
	"github.com/hashpool/ledgerd/src/sched"
	"github.com/hashpool/ledgerd/src/wire"
	"github.com/sirupsen/logrus"
)

// Sync configuration defaults.
const (
	DefaultWindowSize     = 32
	DefaultRequestTimeout = 10 * time.Second
)

// SyncState tracks what the synchronizer is currently doing.
type SyncState uint32

const (
	// SyncIdle means the tip matches the best known remote height.
	SyncIdle SyncState = iota
	// SyncRequestingBlocks means a window request is in flight.
	SyncRequestingBlocks
	// SyncApplying means a window response is being verified and applied.
	SyncApplying
	// SyncReorg means a competing branch is being fetched or switched to.
	SyncReorg
)

// String implements the Stringer interface.
func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "Idle"
	case SyncRequestingBlocks:
		return "RequestingBlocks"
	case SyncApplying:
		return "Applying"
	case SyncReorg:
		return "Reorg"
	default:
		return "Unknown"
	}
}

// ForkChoice decides whether a competing branch should replace the canonical
// one, given the current tip and the candidate branch's tip.
type ForkChoice func(current, candidate *chain.Block) bool

// LongestChain is the default fork choice: switch only when the candidate
// branch is strictly higher. Equal-height branches never trigger a reorg, so
// two nodes cannot flap between equally long forks.
func LongestChain(current, candidate *chain.Block) bool {
	return candidate.Height > current.Height
}

// Sender delivers a message to one connected peer. It is the slice of the
// connection manager the synchronizer needs.
type Sender interface {
	SendTo(addr string, msg wire.Message) error
}

// SyncConfig tunes the block synchronizer.
type SyncConfig struct {
	// WindowSize is the number of blocks requested per window.
	WindowSize uint64

	// RequestTimeout bounds how long a window request may stay unanswered
	// before the peer is sanctioned and the window reissued.
	RequestTimeout time.Duration

	// ForkChoice decides reorgs. Nil means LongestChain.
	ForkChoice ForkChoice
}

// DefaultSyncConfig returns the default synchronizer configuration.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		WindowSize:     DefaultWindowSize,
		RequestTimeout: DefaultRequestTimeout,
		ForkChoice:     LongestChain,
	}
}

// SyncWindow is one in-flight block request.
type SyncWindow struct {
	Start    uint64
	End      uint64
	PeerAddr string
	IssuedAt time.Time
	Deadline time.Time

	// reorg marks a window fetching a competing branch below the tip.
	reorg bool
}

// Syncer drives chain synchronization: it requests windows of blocks from
// reputable peers, verifies and applies them atomically, and performs reorgs
// when a competing branch wins the fork choice.
//
// At most one window is in flight at a time, and windows always start at
// tip+1 (or below it, when walking back to find a fork point). A window that
// fails verification is discarded wholesale: the tip never advances past a
// partially valid window.
type Syncer struct {
	conf SyncConfig

	chain   *chain.Chain
	engine  chain.Engine
	store   chain.Store
	txpool  *mempool.Mempool
	reg     *peers.Registry
	sender  Sender
	workers *sched.Pool

	forkChoice ForkChoice

	mtx    sync.Mutex
	state  SyncState
	window *SyncWindow

	// staged accumulates a competing branch across several windows. Serving
	// peers cap the span of each response, so a branch longer than one
	// window arrives in pieces; it is applied only once the fork choice
	// prefers its tip over ours.
	staged []*chain.Block

	// target is the highest chain height any peer has announced.
	target uint64

	fatalCh chan error

	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// NewSyncer creates a Syncer. The sender is typically the connection manager.
func NewSyncer(
	conf SyncConfig,
	c *chain.Chain,
	engine chain.Engine,
	store chain.Store,
	txpool *mempool.Mempool,
	reg *peers.Registry,
	sender Sender,
	workers *sched.Pool,
	m *metrics.Metrics,
	logger *logrus.Entry,
) *Syncer {
	if conf.WindowSize == 0 {
		conf.WindowSize = DefaultWindowSize
	}

	if conf.RequestTimeout == 0 {
		conf.RequestTimeout = DefaultRequestTimeout
	}

	fc := conf.ForkChoice
	if fc == nil {
		fc = LongestChain
	}

	return &Syncer{
		conf:       conf,
		chain:      c,
		engine:     engine,
		store:      store,
		txpool:     txpool,
		reg:        reg,
		sender:     sender,
		workers:    workers,
		forkChoice: fc,
		state:      SyncIdle,
		fatalCh:    make(chan error, 1),
		metrics:    m,
		logger:     logger.WithField("component", "syncer"),
	}
}

// State returns the current sync state.
func (s *Syncer) State() SyncState {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.state
}

// Target returns the highest height any peer has announced.
func (s *Syncer) Target() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.target
}

// Fatal returns a channel carrying the unrecoverable error, if any. Only
// storage failures are delivered here; everything else is handled in place.
func (s *Syncer) Fatal() <-chan error {
	return s.fatalCh
}

// NoteHeight records a peer's announced chain height.
func (s *Syncer) NoteHeight(addr string, height uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if height > s.target {
		s.target = height

		s.logger.WithFields(logrus.Fields{
			"addr":   addr,
			"target": height,
		}).Debug("New sync target")
	}
}

// Tick issues the next window request if the node is behind and no window is
// in flight. The node's control timer calls it periodically.
func (s *Syncer) Tick() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.window != nil {
		return
	}

	tip := s.chain.Height()

	if s.target <= tip {
		s.state = SyncIdle
		return
	}

	s.issueWindow(tip+1, s.clampEnd(tip+1), nil)
}

// CheckTimeout sanctions the serving peer of an expired window and reissues
// the window to a different one. The node's control timer calls it
// periodically.
func (s *Syncer) CheckTimeout() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.window == nil || time.Now().Before(s.window.Deadline) {
		return
	}

	expired := *s.window

	s.logger.WithFields(logrus.Fields{
		"addr":  expired.PeerAddr,
		"start": expired.Start,
		"end":   expired.End,
	}).Warn("Sync window timed out")

	s.punish(expired.PeerAddr, peers.Minor)

	s.window = nil

	if expired.reorg {
		// A branch fetch is tied to the peer serving it; restart from the
		// tip instead of reissuing a mid-branch window elsewhere.
		s.staged = nil
		s.advance()
		return
	}

	s.issueWindow(expired.Start, expired.End, map[string]bool{expired.PeerAddr: true})
}

// HandleBlockResponse processes a window of blocks from a peer. The window is
// verified as a whole before anything becomes visible: on the first failure
// the entire window is discarded, the peer sanctioned, and the window
// reissued elsewhere.
func (s *Syncer) HandleBlockResponse(from string, blocks []*chain.Block) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.window == nil || s.window.PeerAddr != from {
		s.logger.WithField("addr", from).Debug("Unsolicited block response")
		s.punish(from, peers.Minor)
		return
	}

	win := *s.window

	if len(blocks) == 0 {
		if win.reorg && len(s.staged) > 0 {
			// The peer's branch ended before it outgrew the tip. Nothing to
			// switch to; resume normal syncing.
			s.logger.WithField("addr", from).Debug("Competing branch exhausted below the tip")
			s.staged = nil
			s.window = nil
			s.advance()
			return
		}

		s.discardWindow(from, peers.Minor, "empty block response")
		return
	}

	s.state = SyncApplying

	if reason, ok := s.checkRun(win, blocks); !ok {
		s.staged = nil
		s.discardWindow(from, peers.Major, reason)
		return
	}

	if !s.verifyRun(blocks) {
		s.staged = nil
		s.discardWindow(from, peers.Major, "block failed engine verification")
		return
	}

	if win.reorg && len(s.staged) > 0 {
		last := s.staged[len(s.staged)-1]

		if !bytes.Equal(blocks[0].ParentHash, last.Hash()) {
			s.staged = nil
			s.discardWindow(from, peers.Major, "branch segments do not link")
			return
		}

		blocks = append(s.staged, blocks...)
	}

	anchor, ok := s.chain.CommonAncestor(blocks)
	if !ok {
		if len(s.staged) > 0 {
			// The fork point vanished under us: an announcement reorged the
			// chain while the branch was being fetched. Start over.
			s.staged = nil
			s.window = nil
			s.advance()
			return
		}

		// The run attaches below the requested span: the fork point is
		// further back. Walk back one window on the same peer. Genesis is
		// shared, so the walk terminates.
		if blocks[0].Height <= 1 {
			s.discardWindow(from, peers.Major, "run does not attach to genesis")
			return
		}

		s.walkBack(win, blocks[0].Height)
		return
	}

	tip := s.chain.Tip()

	if anchor.Height == tip.Height {
		s.staged = nil
		s.applyExtension(win, blocks)
		return
	}

	// A competing branch below the tip. The serving side caps each response,
	// so a long branch arrives across several windows: stage what we have and
	// keep fetching upward from the same peer until the fork choice prefers
	// the branch tip, or the branch runs out.
	if !s.forkChoice(tip, blocks[len(blocks)-1]) {
		s.staged = blocks
		s.extendBranch(win)
		return
	}

	s.staged = nil
	s.reorg(from, anchor, blocks)

	s.window = nil
	s.advance()
}

// HandleAnnouncement processes a freshly minted block announced by a peer. It
// returns true when the block extended the tip, in which case the caller
// should relay the announcement.
func (s *Syncer) HandleAnnouncement(from string, b *chain.Block) bool {
	if b == nil {
		s.punish(from, peers.Major)
		return false
	}

	s.NoteHeight(from, b.Height)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	tip := s.chain.Tip()

	switch {
	case b.Height == tip.Height+1:
		anchor, ok := s.chain.CommonAncestor([]*chain.Block{b})
		if !ok {
			// Competing branch with an unknown fork point. The next Tick
			// requests from tip+1 and the response walks back to it.
			return false
		}

		if anchor.Height != tip.Height {
			s.reorg(from, anchor, []*chain.Block{b})
			return false
		}

		if !s.engine.VerifyBlock(b) {
			s.punish(from, peers.Major)
			return false
		}

		if err := s.applyRun([]*chain.Block{b}); err != nil {
			s.checkFatal(err)
			s.punish(from, peers.Major)
			return false
		}

		return true

	case b.Height <= tip.Height:
		anchor, ok := s.chain.CommonAncestor([]*chain.Block{b})
		if !ok {
			return false
		}

		if !s.engine.VerifyBlock(b) {
			s.punish(from, peers.Major)
			return false
		}

		s.reorg(from, anchor, []*chain.Block{b})

		return false

	default:
		// More than one block ahead. The next Tick catches up by windows.
		return false
	}
}

// clampEnd returns the window end for a window starting at start, bounded by
// the window size and the sync target.
func (s *Syncer) clampEnd(start uint64) uint64 {
	end := start + s.conf.WindowSize - 1
	if end > s.target {
		end = s.target
	}

	return end
}

// issueWindow requests [start, end] from the best eligible peer. Caller must
// hold the lock.
func (s *Syncer) issueWindow(start, end uint64, exclude map[string]bool) {
	best := s.reg.BestPeers(1, exclude)
	if len(best) == 0 {
		s.logger.Debug("No eligible sync peer")
		s.state = SyncIdle
		return
	}

	addr := best[0]

	if err := s.sender.SendTo(addr, &wire.BlockRequest{StartHeight: start, EndHeight: end}); err != nil {
		s.logger.WithError(err).WithField("addr", addr).Debug("Failed to send block request")
		s.state = SyncIdle
		return
	}

	now := time.Now()

	s.window = &SyncWindow{
		Start:    start,
		End:      end,
		PeerAddr: addr,
		IssuedAt: now,
		Deadline: now.Add(s.conf.RequestTimeout),
	}

	s.state = SyncRequestingBlocks

	s.logger.WithFields(logrus.Fields{
		"addr":  addr,
		"start": start,
		"end":   end,
	}).Debug("Issued sync window")
}

// discardWindow drops the in-flight window and sanctions the serving peer.
// Extension windows are reissued to a different peer; branch windows are
// abandoned and syncing restarts from the tip. Caller must hold the lock.
func (s *Syncer) discardWindow(from string, sev peers.Severity, reason string) {
	win := *s.window

	s.logger.WithFields(logrus.Fields{
		"addr":   from,
		"start":  win.Start,
		"end":    win.End,
		"reason": reason,
	}).Warn("Discarding sync window")

	s.punish(from, sev)

	s.window = nil

	if win.reorg {
		s.staged = nil
		s.advance()
		return
	}

	s.issueWindow(win.Start, win.End, map[string]bool{from: true})
}

// walkBack requests the window of a competing branch directly below its
// lowest known block, looking for the fork point. Spans never exceed the
// window size, so the serving side's response cap cannot starve the search.
// Caller must hold the lock.
func (s *Syncer) walkBack(win SyncWindow, lowest uint64) {
	end := lowest - 1

	start := uint64(1)
	if end >= s.conf.WindowSize {
		start = end - s.conf.WindowSize + 1
	}

	s.issueBranchWindow(win.PeerAddr, start, end, "Walking back to find fork point")
}

// extendBranch requests the next window of the staged competing branch from
// the peer serving it. Caller must hold the lock.
func (s *Syncer) extendBranch(win SyncWindow) {
	start := s.staged[len(s.staged)-1].Height + 1
	end := start + s.conf.WindowSize - 1

	s.issueBranchWindow(win.PeerAddr, start, end, "Fetching next branch window")
}

// issueBranchWindow requests [start, end] of a competing branch from the peer
// serving it. Caller must hold the lock.
func (s *Syncer) issueBranchWindow(addr string, start, end uint64, what string) {
	if err := s.sender.SendTo(addr, &wire.BlockRequest{StartHeight: start, EndHeight: end}); err != nil {
		s.logger.WithError(err).WithField("addr", addr).Debug("Failed to send branch request")
		s.staged = nil
		s.window = nil
		s.state = SyncIdle
		return
	}

	now := time.Now()

	s.window = &SyncWindow{
		Start:    start,
		End:      end,
		PeerAddr: addr,
		IssuedAt: now,
		Deadline: now.Add(s.conf.RequestTimeout),
		reorg:    true,
	}

	s.state = SyncReorg

	s.logger.WithFields(logrus.Fields{
		"addr":  addr,
		"start": start,
		"end":   end,
	}).Debug(what)
}

// checkRun validates the structural integrity of a window response: heights
// within the requested span, ascending and contiguous, internally linked.
func (s *Syncer) checkRun(win SyncWindow, blocks []*chain.Block) (string, bool) {
	if blocks[0].Height < win.Start || blocks[len(blocks)-1].Height > win.End {
		return "blocks outside the requested span", false
	}

	for i := 1; i < len(blocks); i++ {
		if blocks[i].Height != blocks[i-1].Height+1 {
			return "non-contiguous heights", false
		}

		if !bytes.Equal(blocks[i].ParentHash, blocks[i-1].Hash()) {
			return "broken parent linkage", false
		}
	}

	return "", true
}

// verifyRun runs engine verification over the whole window on the worker
// pool. When the pool is saturated, verification falls back to the calling
// goroutine, which is the backpressure: intake slows instead of queueing
// unbounded work.
func (s *Syncer) verifyRun(blocks []*chain.Block) bool {
	var (
		wg     sync.WaitGroup
		mtx    sync.Mutex
		failed bool
	)

	for _, b := range blocks {
		b := b

		check := func() {
			defer wg.Done()

			if !s.engine.VerifyBlock(b) {
				mtx.Lock()
				failed = true
				mtx.Unlock()
			}
		}

		wg.Add(1)

		if err := s.workers.Submit(check); err != nil {
			if errors.Is(err, sched.ErrQueueFull) || errors.Is(err, sched.ErrClosed) {
				check()
				continue
			}

			wg.Done()

			mtx.Lock()
			failed = true
			mtx.Unlock()
		}
	}

	wg.Wait()

	return !failed
}

// applyExtension appends a verified window on top of the tip. Caller must
// hold the lock.
func (s *Syncer) applyExtension(win SyncWindow, blocks []*chain.Block) {
	if err := s.applyRun(blocks); err != nil {
		s.checkFatal(err)
		s.discardWindow(win.PeerAddr, peers.Major, err.Error())
		return
	}

	s.reg.Reward(win.PeerAddr)
	s.metrics.SyncWindowLatency.Observe(time.Since(win.IssuedAt).Seconds())

	s.logger.WithFields(logrus.Fields{
		"addr": win.PeerAddr,
		"tip":  s.chain.Height(),
	}).Debug("Applied sync window")

	s.window = nil
	s.advance()
}

// advance issues the next window if the node is still behind, otherwise goes
// idle. Caller must hold the lock.
func (s *Syncer) advance() {
	tip := s.chain.Height()

	if s.target <= tip {
		s.state = SyncIdle
		return
	}

	s.issueWindow(tip+1, s.clampEnd(tip+1), nil)
}

// applyRun appends a verified run of blocks and executes it against the
// ledger engine and the store. A mid-run failure undoes the whole run, so the
// visible chain moves atomically.
func (s *Syncer) applyRun(blocks []*chain.Block) error {
	base := s.chain.Height()

	if err := s.chain.AppendRun(blocks); err != nil {
		return err
	}

	for _, b := range blocks {
		if err := s.engine.ApplyBlock(b); err != nil {
			s.chain.TruncateAbove(base)
			s.engine.RollbackTo(base)
			return err
		}

		if err := s.store.PutBlock(b); err != nil {
			return &chain.StorageError{Op: "put block", Err: err}
		}

		s.txpool.RemoveBatch(b.Transactions)
		s.metrics.BlocksApplied.Inc()
	}

	s.metrics.MempoolSize.Set(float64(s.txpool.Size()))

	return nil
}

// reorg switches the canonical chain to a competing branch attaching at
// anchor, if the fork choice prefers it. On a mid-reorg failure the removed
// blocks are restored, so the chain never ends up between branches. Caller
// must hold the lock.
func (s *Syncer) reorg(from string, anchor *chain.Block, branch []*chain.Block) {
	tip := s.chain.Tip()
	candidate := branch[len(branch)-1]

	if !s.forkChoice(tip, candidate) {
		s.logger.WithFields(logrus.Fields{
			"addr":      from,
			"tip":       tip.Height,
			"candidate": candidate.Height,
		}).Debug("Fork choice keeps current branch")
		return
	}

	depth := tip.Height - anchor.Height

	s.logger.WithFields(logrus.Fields{
		"addr":   from,
		"anchor": anchor.Height,
		"depth":  depth,
		"to":     candidate.Height,
	}).Info("Reorganizing chain")

	removed := s.chain.TruncateAbove(anchor.Height)

	if err := s.engine.RollbackTo(anchor.Height); err != nil {
		s.fatal(&chain.StorageError{Op: "rollback", Err: err})
		return
	}

	if err := s.store.DeleteFrom(anchor.Height + 1); err != nil {
		s.fatal(&chain.StorageError{Op: "delete blocks", Err: err})
		return
	}

	if err := s.applyRun(branch); err != nil {
		s.checkFatal(err)
		s.punish(from, peers.Major)

		if rerr := s.applyRun(removed); rerr != nil {
			// Cannot even restore the branch we just removed. The chain
			// state is compromised.
			s.fatal(&chain.StorageError{Op: "reorg restore", Err: rerr})
		}

		return
	}

	// Transactions from abandoned blocks go back to the pool unless the new
	// branch also contains them.
	inBranch := make(map[string]bool)
	for _, b := range branch {
		for _, tx := range b.Transactions {
			inBranch[tx.ID()] = true
		}
	}

	for _, b := range removed {
		for _, tx := range b.Transactions {
			if !inBranch[tx.ID()] {
				s.txpool.Insert(tx)
			}
		}
	}

	s.metrics.ReorgDepth.Observe(float64(depth))
	s.metrics.MempoolSize.Set(float64(s.txpool.Size()))
	s.reg.Reward(from)
}

// punish records a violation in the registry and the violation metric.
func (s *Syncer) punish(addr string, sev peers.Severity) {
	if addr == "" {
		return
	}

	s.reg.Violation(addr, sev)
	s.metrics.Violations.WithLabelValues(sev.String()).Inc()
}

// checkFatal forwards storage errors to the fatal channel.
func (s *Syncer) checkFatal(err error) {
	var serr *chain.StorageError
	if errors.As(err, &serr) {
		s.fatal(err)
	}
}

// fatal delivers the first unrecoverable error to the fatal channel.
func (s *Syncer) fatal(err error) {
	s.logger.WithError(err).Error("Unrecoverable storage failure")

	select {
	case s.fatalCh <- err:
	default:
	}
}
