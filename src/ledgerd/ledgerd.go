package ledgerd

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/hashpool/ledgerd/src/chain"
	"github.com/hashpool/ledgerd/src/config"
	"github.com/hashpool/ledgerd/src/keys"
	"github.com/hashpool/ledgerd/src/mempool"
	"github.com/hashpool/ledgerd/src/metrics"
	lnet "github.com/hashpool/ledgerd/src/net"
	"github.com/hashpool/ledgerd/src/node"
	"github.com/hashpool/ledgerd/src/peers"
	"github.com/hashpool/ledgerd/src/sched"
	"github.com/hashpool/ledgerd/src/service"
)

// Ledgerd is the top-level assembly: it builds the chain, the store, the
// networking stack, and the node from a Config, and runs them.
type Ledgerd struct {
	Config   *config.Config
	Chain    *chain.Chain
	Engine   chain.Engine
	Store    chain.Store
	Mempool  *mempool.Mempool
	Registry *peers.Registry
	Manager  *lnet.Manager
	Node     *node.Node
	Service  *service.Service
	Workers  *sched.Pool
	Metrics  *metrics.Metrics
	Key      *ecdsa.PrivateKey

	promRegistry *prometheus.Registry

	logger *logrus.Entry
}

// NewLedgerd creates an unassembled Ledgerd. Call Init before Run.
func NewLedgerd(conf *config.Config) *Ledgerd {
	return &Ledgerd{
		Config: conf,
	}
}

// Init assembles all the subsystems.
func (l *Ledgerd) Init() error {
	l.logger = l.Config.Logger()

	l.promRegistry = prometheus.NewRegistry()
	l.Metrics = metrics.New(l.promRegistry)

	if err := l.initKey(); err != nil {
		return err
	}

	if err := l.initChain(); err != nil {
		return err
	}

	if err := l.initPeers(); err != nil {
		return err
	}

	if err := l.initTransport(); err != nil {
		return err
	}

	if err := l.initNode(); err != nil {
		return err
	}

	if err := l.initService(); err != nil {
		return err
	}

	return nil
}

func (l *Ledgerd) initKey() error {
	if l.Key != nil {
		return nil
	}

	privKey, err := keys.ReadKeyFile(l.Config.Keyfile())
	if err != nil {
		l.logger.WithError(err).Warn("Cannot read private key from file")

		privKey, err = Keygen(l.Config.Keyfile())
		if err != nil {
			l.logger.WithError(err).Error("Cannot generate a new private key")
			return err
		}

		l.logger.WithField("pub", keys.PublicKeyHex(&privKey.PublicKey)).Info("Created a new key")
	}

	l.Key = privKey

	return nil
}

func (l *Ledgerd) initChain() error {
	genesis := chain.NewGenesisBlock(l.Config.ChainID)

	l.Chain = chain.NewChain(genesis)
	l.Engine = chain.NewInmemEngine(genesis)

	var err error

	switch l.Config.Backend {
	case config.BadgerBackend:
		l.logger.WithField("path", l.Config.DatabaseDir).Debug("Attempting to load or create badger database")
		l.Store, err = chain.NewBadgerStore(genesis, l.Config.DatabaseDir)
	case config.BoltBackend:
		l.logger.WithField("path", l.Config.BoltFile()).Debug("Attempting to load or create bolt database")
		l.Store, err = chain.NewBoltStore(genesis, l.Config.BoltFile())
	case config.InmemBackend:
		l.Store = chain.NewInmemStore(genesis)
		l.logger.Debug("Created new in-mem store")
	default:
		return fmt.Errorf("unknown store backend: %s", l.Config.Backend)
	}

	if err != nil {
		return err
	}

	return l.bootstrap(genesis)
}

// bootstrap replays the persisted chain into the arena and the engine, so a
// restarted node resumes from its stored tip instead of genesis.
func (l *Ledgerd) bootstrap(genesis *chain.Block) error {
	tip, err := l.Store.TipHeight()
	if err != nil {
		return err
	}

	for height := genesis.Height + 1; height <= tip; height++ {
		b, err := l.Store.GetBlock(height)
		if err != nil {
			return &chain.StorageError{Op: "bootstrap", Err: err}
		}

		if err := l.Chain.Append(b); err != nil {
			return err
		}

		if err := l.Engine.ApplyBlock(b); err != nil {
			return err
		}
	}

	if tip > 0 {
		l.logger.WithField("tip", tip).Info("Bootstrapped chain from store")
	}

	return nil
}

func (l *Ledgerd) initPeers() error {
	l.Registry = peers.NewRegistry(l.Config.RegistryOptions(), l.logger)

	peerSet := peers.NewJSONPeerSet(l.Config.DataDir)

	addrs, err := peerSet.Addresses()
	if err != nil {
		l.logger.WithError(err).Warn("Cannot read peers.json, starting without bootstrap peers")
		return nil
	}

	l.Registry.AddKnown(addrs...)

	l.logger.WithField("count", len(addrs)).Debug("Loaded bootstrap peers")

	return nil
}

func (l *Ledgerd) initTransport() error {
	stream, err := lnet.NewTCPStreamLayer(l.Config.BindAddr, l.Config.AdvertiseAddr)
	if err != nil {
		return err
	}

	handshaker := node.NewHandshaker(
		l.Chain.GenesisHash(),
		stream.AdvertiseAddr(),
		l.Config.IOTimeout,
		l.Chain.Height,
		l.logger,
	)

	l.Manager = lnet.NewManager(
		l.Config.ManagerConfig(),
		stream,
		l.Registry,
		handshaker,
		l.Metrics,
		l.logger,
	)

	return nil
}

func (l *Ledgerd) initNode() error {
	l.Mempool = mempool.NewMempool(l.Config.MempoolSize, l.Config.MempoolTTL, l.Engine, l.logger)

	l.Workers = sched.NewPool(l.Config.VerificationWorkers, 0)

	l.Node = node.NewNode(
		l.Config.NodeConfig(),
		l.Chain,
		l.Engine,
		l.Store,
		l.Mempool,
		l.Registry,
		l.Manager,
		l.Workers,
		l.Metrics,
		l.logger,
	)

	return l.Node.Init()
}

func (l *Ledgerd) initService() error {
	if !l.Config.NoService && l.Config.ServiceAddr != "" {
		l.Service = service.NewService(l.Config.ServiceAddr, l.Node, l.promRegistry, l.logger)
	}

	return nil
}

// Run starts the service and blocks in the node's main loop.
func (l *Ledgerd) Run() {
	if l.Service != nil {
		go l.Service.Serve()
	}

	l.Node.Run()
}

// Keygen generates a new private key and writes it to the given path,
// refusing to overwrite an existing one.
func Keygen(keyfile string) (*ecdsa.PrivateKey, error) {
	if _, err := keys.ReadKeyFile(keyfile); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", keyfile)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := keys.WriteKeyFile(keyfile, privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
