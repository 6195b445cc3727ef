package net

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hashpool/ledgerd/src/metrics"
	"github.com/hashpool/ledgerd/src/peers"
	"github.com/hashpool/ledgerd/src/wire"
	"github.com/sirupsen/logrus"
)

var (
	// ErrManagerShutdown is returned when operations on a manager are
	// invoked after it's been terminated.
	ErrManagerShutdown = errors.New("connection manager shutdown")

	// ErrPoolFull is returned when the configured maximum connection count
	// is reached. No violation is attributed; the work is simply refused.
	ErrPoolFull = errors.New("connection pool full")

	// ErrAlreadyConnected is returned when dialing an address that already
	// has an active connection.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrDialRefused is returned when the registry refuses an address
	// because of a ban or a backoff deadline.
	ErrDialRefused = errors.New("dial refused by registry")

	// ErrNotConnected is returned when sending to an address without an
	// active connection.
	ErrNotConnected = errors.New("not connected")
)

// ManagerConfig bounds the Manager's resource usage.
type ManagerConfig struct {
	// MaxConns is the maximum number of concurrent connections, inbound
	// and outbound combined.
	MaxConns int

	// DialTimeout bounds outbound connection establishment.
	DialTimeout time.Duration

	// IOTimeout bounds individual message writes.
	IOTimeout time.Duration
}

// Manager owns every peer connection. It accepts inbound connections, dials
// outbound ones, runs the handshake on each, and funnels the messages of all
// connected peers into a single consume channel.
type Manager struct {
	conf ManagerConfig

	stream StreamLayer

	registry   *peers.Registry
	handshaker Handshaker

	consumeCh chan Inbound

	connsMtx sync.Mutex
	conns    map[string]*Conn

	// dialing tracks outbound dials by dialed address from the moment Dial
	// commits to one until its connection goroutine exits. It keeps periodic
	// reconnection from stacking concurrent dials to the same slow address.
	dialing map[string]struct{}

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	wg sync.WaitGroup

	metrics *metrics.Metrics

	logger *logrus.Entry
}

// NewManager creates a Manager on top of a stream layer.
func NewManager(
	conf ManagerConfig,
	stream StreamLayer,
	registry *peers.Registry,
	handshaker Handshaker,
	m *metrics.Metrics,
	logger *logrus.Entry,
) *Manager {
	return &Manager{
		conf:       conf,
		stream:     stream,
		registry:   registry,
		handshaker: handshaker,
		consumeCh:  make(chan Inbound),
		conns:      make(map[string]*Conn),
		dialing:    make(map[string]struct{}),
		shutdownCh: make(chan struct{}),
		metrics:    m,
		logger:     logger.WithField("component", "connmgr"),
	}
}

// Consumer returns the channel on which inbound messages from all connected
// peers are delivered.
func (m *Manager) Consumer() <-chan Inbound {
	return m.consumeCh
}

// AdvertiseAddr returns the address other peers can reach us on.
func (m *Manager) AdvertiseAddr() string {
	return m.stream.AdvertiseAddr()
}

// LocalAddr returns the bound listen address.
func (m *Manager) LocalAddr() string {
	addr := m.stream.Addr()
	if addr != nil {
		return addr.String()
	}

	return ""
}

// Listen accepts inbound connections until the manager is shut down.
func (m *Manager) Listen() {
	for {
		raw, err := m.stream.Accept()
		if err != nil {
			if m.IsShutdown() {
				return
			}
			m.logger.WithError(err).Error("Failed to accept connection")
			continue
		}

		m.logger.WithField("from", raw.RemoteAddr()).Debug("Accepted connection")

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(raw)
		}()
	}
}

// handleInbound admits one accepted socket: ban check, pool check,
// handshake, registration, then the read loop for the connection's lifespan.
func (m *Manager) handleInbound(raw net.Conn) {
	host, _, err := net.SplitHostPort(raw.RemoteAddr().String())
	if err == nil && m.registry.IsBannedHost(host) {
		m.logger.WithField("host", host).Debug("Refusing connection from banned host")
		raw.Close()
		return
	}

	if m.Count() >= m.conf.MaxConns {
		m.logger.Debug("Connection pool full, refusing inbound connection")
		raw.Close()
		return
	}

	conn := NewConn(raw, true, m.conf.IOTimeout, m.logger)

	m.admit(conn)
}

// Dial establishes, admits, and registers an outbound connection. It returns
// ErrAlreadyConnected both for registered connections and for dials still in
// flight, so repeated reconnection attempts collapse into one.
func (m *Manager) Dial(address string) error {
	if m.IsShutdown() {
		return ErrManagerShutdown
	}

	if !m.beginDial(address) {
		return ErrAlreadyConnected
	}

	if m.Count() >= m.conf.MaxConns {
		m.endDial(address)
		return ErrPoolFull
	}

	if !m.registry.CanDial(address) {
		m.endDial(address)
		return ErrDialRefused
	}

	raw, err := m.stream.Dial(address, m.conf.DialTimeout)
	if err != nil {
		m.endDial(address)

		// Dial failures are minor: they affect reconnection priority but
		// are not fatal to the node.
		m.registry.DialFailed(address)
		return err
	}

	m.registry.DialSucceeded(address)

	conn := NewConn(raw, false, m.conf.IOTimeout, m.logger)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.endDial(address)
		m.admit(conn)
	}()

	return nil
}

// beginDial claims the address for one outbound dial. It fails when the
// address already has a registered connection or a dial in flight.
func (m *Manager) beginDial(addr string) bool {
	m.connsMtx.Lock()
	defer m.connsMtx.Unlock()

	if _, ok := m.conns[addr]; ok {
		return false
	}

	if _, ok := m.dialing[addr]; ok {
		return false
	}

	m.dialing[addr] = struct{}{}

	return true
}

func (m *Manager) endDial(addr string) {
	m.connsMtx.Lock()
	defer m.connsMtx.Unlock()

	delete(m.dialing, addr)
}

// admit runs the handshake, registers the connection under the peer's
// advertised address, and runs the read loop until disconnect.
func (m *Manager) admit(conn *Conn) {
	conn.setState(peers.Handshaking)

	peer, err := m.handshaker.Handshake(conn, conn.Inbound())
	if err != nil {
		m.punishHandshake(err)

		m.logger.WithError(err).WithField("remote", conn.RemoteAddr()).Debug("Handshake failed")
		conn.Close()
		return
	}

	conn.SetPeer(peer)
	conn.setState(peers.Connected)

	if !m.register(peer.Address, conn) {
		m.logger.WithField("addr", peer.Address).Debug("Duplicate connection, dropping the new one")
		conn.Close()
		return
	}

	peer.State = peers.Connected
	m.registry.UpdatePeer(peer)
	m.metrics.ConnectedPeers.Set(float64(m.Count()))

	m.logger.WithFields(logrus.Fields{
		"addr":    peer.Address,
		"id":      peer.ID,
		"height":  peer.Height,
		"inbound": conn.Inbound(),
	}).Info("Peer connected")

	err = conn.readLoop(m.consumeCh, m.shutdownCh)

	var framing *wire.FramingError
	if errors.As(err, &framing) {
		m.logger.WithError(err).WithField("addr", peer.Address).Warn("Framing violation")
		m.registry.Violation(peer.Address, peers.Major)
		m.metrics.Violations.WithLabelValues(peers.Major.String()).Inc()
	}

	conn.Close()
	m.unregister(peer.Address, conn)
	m.registry.MarkDisconnected(peer.Address)
	m.metrics.ConnectedPeers.Set(float64(m.Count()))

	m.logger.WithField("addr", peer.Address).Info("Peer disconnected")
}

// punishHandshake attributes a registry violation for attributable
// handshake rejections.
func (m *Manager) punishHandshake(err error) {
	var hsErr *HandshakeError
	if !errors.As(err, &hsErr) || hsErr.Addr == "" {
		return
	}

	m.registry.Violation(hsErr.Addr, hsErr.Severity)
	m.metrics.Violations.WithLabelValues(hsErr.Severity.String()).Inc()
}

// register stores the connection unless the address already has one.
func (m *Manager) register(addr string, conn *Conn) bool {
	m.connsMtx.Lock()
	defer m.connsMtx.Unlock()

	if _, ok := m.conns[addr]; ok {
		return false
	}

	m.conns[addr] = conn

	return true
}

func (m *Manager) unregister(addr string, conn *Conn) {
	m.connsMtx.Lock()
	defer m.connsMtx.Unlock()

	if cur, ok := m.conns[addr]; ok && cur == conn {
		delete(m.conns, addr)
	}
}

// Count returns the number of registered connections.
func (m *Manager) Count() int {
	m.connsMtx.Lock()
	defer m.connsMtx.Unlock()

	return len(m.conns)
}

// ConnectedAddrs returns the advertised addresses of registered connections.
func (m *Manager) ConnectedAddrs() []string {
	m.connsMtx.Lock()
	defer m.connsMtx.Unlock()

	out := make([]string, 0, len(m.conns))
	for addr := range m.conns {
		out = append(out, addr)
	}

	return out
}

// SendTo delivers a message to one connected peer.
func (m *Manager) SendTo(addr string, msg wire.Message) error {
	m.connsMtx.Lock()
	conn, ok := m.conns[addr]
	m.connsMtx.Unlock()

	if !ok {
		return ErrNotConnected
	}

	return conn.Send(msg)
}

// Broadcast delivers a message to every connected peer except the excluded
// address.
func (m *Manager) Broadcast(msg wire.Message, except string) {
	m.connsMtx.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for addr, conn := range m.conns {
		if addr != except {
			conns = append(conns, conn)
		}
	}
	m.connsMtx.Unlock()

	for _, conn := range conns {
		if err := conn.Send(msg); err != nil {
			m.logger.WithError(err).WithField("addr", conn.Addr()).Debug("Broadcast send failed")
		}
	}
}

// Disconnect forcibly closes the connection to addr, if any.
func (m *Manager) Disconnect(addr string) {
	m.connsMtx.Lock()
	conn, ok := m.conns[addr]
	m.connsMtx.Unlock()

	if ok {
		conn.Close()
	}
}

// IsShutdown is used to check if the manager is shut down.
func (m *Manager) IsShutdown() bool {
	select {
	case <-m.shutdownCh:
		return true
	default:
		return false
	}
}

// Close stops the listener, closes every connection, and waits for the
// per-connection goroutines to exit.
func (m *Manager) Close() error {
	m.shutdownLock.Lock()

	if !m.shutdown {
		close(m.shutdownCh)
		m.stream.Close()
		m.shutdown = true
	}

	m.shutdownLock.Unlock()

	m.connsMtx.Lock()
	for _, conn := range m.conns {
		conn.Close()
	}
	m.connsMtx.Unlock()

	m.wg.Wait()

	return nil
}
