package node

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashpool/ledgerd/src/chain"
	"github.com/hashpool/ledgerd/src/mempool"
	"github.com/hashpool/ledgerd/src/metrics"
	lnet "github.com/hashpool/ledgerd/src/net"
	"github.com/hashpool/ledgerd/src/peers"
	"github.com/hashpool/ledgerd/src/sched"
	"github.com/hashpool/ledgerd/src/wire"
	"github.com/sirupsen/logrus"
)

// discoveryInterval is the number of heartbeat ticks between peer-list
// requests.
const discoveryInterval = 10

// responseByteBudget bounds the total encoded size of the blocks in one
// BlockResponse so the frame stays under the wire limit, with headroom for
// the envelope. Requesters tolerate responses shorter than the requested
// span and simply ask for the rest.
const responseByteBudget = wire.MaxFrameSize - 64*1024

// Config tunes the node's main loop.
type Config struct {
	// Heartbeat is the base period of the control timer driving sync ticks,
	// keepalive pings, and discovery. The actual period is jittered.
	Heartbeat time.Duration

	// MaxBlocksPerRequest caps the span served for one BlockRequest,
	// regardless of what the requester asked for.
	MaxBlocksPerRequest uint64

	// Sync configures the block synchronizer.
	Sync SyncConfig
}

// DefaultConfig returns the default node configuration.
func DefaultConfig() Config {
	return Config{
		Heartbeat:           1 * time.Second,
		MaxBlocksPerRequest: DefaultWindowSize,
		Sync:                DefaultSyncConfig(),
	}
}

// Node ties the subsystems together: the connection manager feeds inbound
// messages into the main loop, which dispatches them to the synchronizer,
// the mempool, and the registry. A single goroutine runs the loop, so message
// handling is serialized.
type Node struct {
	state

	conf Config

	chain  *chain.Chain
	engine chain.Engine
	store  chain.Store
	txpool *mempool.Mempool
	reg    *peers.Registry
	mgr    *lnet.Manager
	syncer *Syncer

	workers *sched.Pool

	controlTimer *ControlTimer

	// ticks counts heartbeats, driving the discovery cadence.
	ticks uint64

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	start time.Time

	metrics *metrics.Metrics
	logger  *logrus.Entry
}

// NewNode instantiates a Node and its synchronizer. Call Init to connect to
// bootstrap peers, then Run for the main loop.
func NewNode(
	conf Config,
	c *chain.Chain,
	engine chain.Engine,
	store chain.Store,
	txpool *mempool.Mempool,
	reg *peers.Registry,
	mgr *lnet.Manager,
	workers *sched.Pool,
	m *metrics.Metrics,
	logger *logrus.Entry,
) *Node {
	if conf.Heartbeat == 0 {
		conf.Heartbeat = 1 * time.Second
	}

	if conf.MaxBlocksPerRequest == 0 {
		conf.MaxBlocksPerRequest = DefaultWindowSize
	}

	node := &Node{
		conf:         conf,
		chain:        c,
		engine:       engine,
		store:        store,
		txpool:       txpool,
		reg:          reg,
		mgr:          mgr,
		workers:      workers,
		controlTimer: NewRandomControlTimer(),
		shutdownCh:   make(chan struct{}),
		metrics:      m,
		logger:       logger.WithField("component", "node"),
	}

	node.syncer = NewSyncer(conf.Sync, c, engine, store, txpool, reg, mgr, workers, m, logger)

	node.setState(Running)

	return node
}

// Init starts the listener and dials the bootstrap peers.
func (n *Node) Init() error {
	n.start = time.Now()

	n.goFunc(n.mgr.Listen)

	for _, addr := range n.reg.KnownAddresses() {
		if addr == n.mgr.AdvertiseAddr() {
			continue
		}

		addr := addr
		n.goFunc(func() {
			if err := n.mgr.Dial(addr); err != nil {
				n.logger.WithError(err).WithField("addr", addr).Debug("Bootstrap dial failed")
			}
		})
	}

	n.logger.WithFields(logrus.Fields{
		"advertise": n.mgr.AdvertiseAddr(),
		"tip":       n.chain.Height(),
	}).Info("Node initialized")

	return nil
}

// Run operates the main loop until Shutdown is called.
func (n *Node) Run() {
	n.goFunc(func() { n.controlTimer.Run(n.conf.Heartbeat) })

	for {
		select {
		case in := <-n.mgr.Consumer():
			n.processMessage(in)

		case <-n.controlTimer.tickCh:
			n.onTick()
			n.resetTimer()

		case err := <-n.syncer.Fatal():
			n.logger.WithError(err).Error("Halting on storage failure")
			go n.Shutdown()

		case <-n.shutdownCh:
			return
		}
	}
}

// onTick drives the periodic work: sync progress, window timeouts, keepalive
// pings, peer discovery, and reconnection.
func (n *Node) onTick() {
	n.ticks++

	n.syncer.CheckTimeout()
	n.syncer.Tick()

	if n.syncer.State() == SyncIdle {
		n.setState(Running)
	} else {
		n.setState(Syncing)
	}

	n.pingPeers()

	if n.ticks%discoveryInterval == 0 {
		n.requestPeerList()
	}

	n.reconnect()
}

func (n *Node) resetTimer() {
	if n.getState() == Shutdown {
		return
	}

	select {
	case n.controlTimer.resetCh <- n.conf.Heartbeat:
	case <-n.shutdownCh:
	}
}

// pingPeers sends a keepalive to every connected peer.
func (n *Node) pingPeers() {
	n.mgr.Broadcast(&wire.Ping{Nonce: uint64(time.Now().UnixNano())}, "")
}

// requestPeerList asks the most reputable peer for its known addresses.
func (n *Node) requestPeerList() {
	best := n.reg.BestPeers(1, nil)
	if len(best) == 0 {
		return
	}

	if err := n.mgr.SendTo(best[0], &wire.PeerListRequest{}); err != nil {
		n.logger.WithError(err).WithField("addr", best[0]).Debug("Peer list request failed")
	}
}

// reconnect dials known peers without an active connection. The registry's
// backoff and ban checks keep this from hammering dead or banned addresses.
func (n *Node) reconnect() {
	connected := make(map[string]bool)
	for _, addr := range n.mgr.ConnectedAddrs() {
		connected[addr] = true
	}

	for _, addr := range n.reg.KnownAddresses() {
		if connected[addr] || addr == n.mgr.AdvertiseAddr() {
			continue
		}

		addr := addr
		n.goFunc(func() {
			n.mgr.Dial(addr)
		})
	}
}

// processMessage dispatches one inbound message. It runs on the main loop
// goroutine.
func (n *Node) processMessage(in lnet.Inbound) {
	n.touch(in)

	switch msg := in.Msg.(type) {
	case *wire.Ping:
		if err := in.Conn.Send(&wire.Pong{Nonce: msg.Nonce}); err != nil {
			n.logger.WithError(err).WithField("addr", in.From).Debug("Pong failed")
		}

	case *wire.Pong:
		// Liveness already recorded by touch.

	case *wire.PeerListRequest:
		if err := in.Conn.Send(&wire.PeerListResponse{Addresses: n.reg.KnownAddresses()}); err != nil {
			n.logger.WithError(err).WithField("addr", in.From).Debug("Peer list response failed")
		}

	case *wire.PeerListResponse:
		fresh := n.reg.AddKnown(msg.Addresses...)
		for _, addr := range fresh {
			if addr == n.mgr.AdvertiseAddr() {
				continue
			}

			addr := addr
			n.goFunc(func() {
				n.mgr.Dial(addr)
			})
		}

	case *wire.BlockRequest:
		n.serveBlocks(in, msg)

	case *wire.BlockResponse:
		n.syncer.HandleBlockResponse(in.From, msg.Blocks)

	case *wire.NewBlockAnnouncement:
		if n.syncer.HandleAnnouncement(in.From, msg.Block) {
			n.mgr.Broadcast(msg, in.From)
		}

	case *wire.TransactionBroadcast:
		n.handleTransaction(in.From, msg)

	case *wire.Hello, *wire.HelloAck:
		// Handshake messages after the handshake are a protocol violation.
		n.punish(in.From, peers.Major)

	default:
		n.punish(in.From, peers.Major)
	}
}

// touch refreshes the sending peer's liveness in the registry.
func (n *Node) touch(in lnet.Inbound) {
	peer := in.Conn.Peer()
	if peer == nil {
		return
	}

	peer.LastSeen = time.Now()
	n.reg.UpdatePeer(peer)
}

// serveBlocks answers a BlockRequest with the canonical blocks in the
// requested span, clamped to the per-request cap, the response byte budget,
// and the current tip.
func (n *Node) serveBlocks(in lnet.Inbound, req *wire.BlockRequest) {
	if req.EndHeight < req.StartHeight {
		n.punish(in.From, peers.Minor)
		return
	}

	end := req.EndHeight
	if end-req.StartHeight+1 > n.conf.MaxBlocksPerRequest {
		end = req.StartHeight + n.conf.MaxBlocksPerRequest - 1
	}

	blocks := capBlocksBySize(n.chain.Range(req.StartHeight, end), responseByteBudget)

	if err := in.Conn.Send(&wire.BlockResponse{Blocks: blocks}); err != nil {
		n.logger.WithError(err).WithField("addr", in.From).Debug("Block response failed")
	}
}

// capBlocksBySize truncates a run of blocks so its total encoded size stays
// within budget. At least one block is always kept, so progress is possible
// even when a single block dominates the budget.
func capBlocksBySize(blocks []*chain.Block, budget int) []*chain.Block {
	size := 0

	for i, b := range blocks {
		data, err := b.Marshal()
		if err != nil {
			return blocks[:i]
		}

		size += len(data)

		if size > budget && i > 0 {
			return blocks[:i]
		}
	}

	return blocks
}

// handleTransaction admits a gossiped transaction and relays it onward when
// it is new and valid. Duplicates are dropped silently so gossip converges.
func (n *Node) handleTransaction(from string, msg *wire.TransactionBroadcast) {
	tx := msg.Transaction
	if tx == nil {
		n.punish(from, peers.Major)
		return
	}

	if n.txpool.Contains(tx.ID()) {
		return
	}

	if err := n.txpool.Insert(tx); err != nil {
		switch err {
		case mempool.ErrInvalidTx:
			n.punish(from, peers.Major)
		case mempool.ErrLowPriority:
			// Pool pressure is our condition, not the peer's fault.
		}

		return
	}

	n.metrics.MempoolSize.Set(float64(n.txpool.Size()))

	n.mgr.Broadcast(msg, from)
}

// punish records a violation in the registry and the violation metric.
func (n *Node) punish(addr string, sev peers.Severity) {
	n.reg.Violation(addr, sev)
	n.metrics.Violations.WithLabelValues(sev.String()).Inc()
}

// SubmitTransaction admits a locally submitted transaction and gossips it to
// every connected peer.
func (n *Node) SubmitTransaction(tx *chain.Transaction) error {
	if err := n.txpool.Insert(tx); err != nil {
		return err
	}

	n.metrics.MempoolSize.Set(float64(n.txpool.Size()))

	n.mgr.Broadcast(&wire.TransactionBroadcast{Transaction: tx}, "")

	return nil
}

// GetBlock returns the canonical block at the given height.
func (n *Node) GetBlock(height uint64) (*chain.Block, error) {
	b, ok := n.chain.BlockAt(height)
	if !ok {
		return nil, chain.ErrNotFound
	}

	return b, nil
}

// GetPeers returns the summaries of connected peers.
func (n *Node) GetPeers() []*peers.Peer {
	return n.reg.ConnectedPeers()
}

// GetState returns the node lifecycle state.
func (n *Node) GetState() State {
	return n.getState()
}

// GetStats returns a snapshot of node counters for the status endpoint.
func (n *Node) GetStats() map[string]string {
	uptime := time.Duration(0)
	if !n.start.IsZero() {
		uptime = time.Since(n.start)
	}

	return map[string]string{
		"state":           n.getState().String(),
		"sync_state":      n.syncer.State().String(),
		"tip":             strconv.FormatUint(n.chain.Height(), 10),
		"sync_target":     strconv.FormatUint(n.syncer.Target(), 10),
		"genesis":         fmt.Sprintf("0x%x", n.chain.GenesisHash()),
		"connected_peers": strconv.Itoa(n.reg.ConnectedCount()),
		"known_peers":     strconv.Itoa(len(n.reg.KnownAddresses())),
		"mempool_size":    strconv.Itoa(n.txpool.Size()),
		"uptime":          uptime.String(),
	}
}

// Syncer exposes the block synchronizer, mainly for tests and the status
// service.
func (n *Node) Syncer() *Syncer {
	return n.syncer
}

// Shutdown stops the main loop, closes every connection, and releases the
// store. It is safe to call multiple times.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Info("Shutting down")

		n.setState(Shutdown)

		close(n.shutdownCh)
		n.controlTimer.Shutdown()

		n.mgr.Close()
		n.workers.Close()

		n.waitRoutines()

		if err := n.store.Close(); err != nil {
			n.logger.WithError(err).Error("Failed to close store")
		}
	})
}
