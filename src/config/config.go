package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/hashpool/ledgerd/src/common"
	lnet "github.com/hashpool/ledgerd/src/net"
	"github.com/hashpool/ledgerd/src/node"
	"github.com/hashpool/ledgerd/src/peers"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key.
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database.
	DefaultBadgerFile = "badger_db"

	// DefaultBoltFile is the default name of the bbolt database file.
	DefaultBoltFile = "chain.bolt"
)

// Store backends.
const (
	BadgerBackend = "badger"
	BoltBackend   = "bolt"
	InmemBackend  = "inmem"
)

// Default configuration values.
const (
	DefaultLogLevel            = "debug"
	DefaultBindAddr            = "127.0.0.1:1337"
	DefaultServiceAddr         = "127.0.0.1:8000"
	DefaultHeartbeat           = 1000 * time.Millisecond
	DefaultTCPTimeout          = 1000 * time.Millisecond
	DefaultIOTimeout           = 5000 * time.Millisecond
	DefaultMaxConns            = 50
	DefaultSyncWindow          = 32
	DefaultSyncTimeout         = 10 * time.Second
	DefaultMempoolSize         = 10000
	DefaultMempoolTTL          = 30 * time.Minute
	DefaultChainID             = "ledgerd-main"
	DefaultStoreBackend        = InmemBackend
	DefaultVerificationWorkers = 0 // hardware parallelism
)

// Config contains all the configuration properties of a ledgerd node.
type Config struct {
	// DataDir is the top-level directory containing ledgerd configuration
	// and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, mirrors log output to a file via a logrus hook.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node listens for peers.
	// In some cases, there may be a routable address that cannot be bound.
	// Use AdvertiseAddr to advertise a different address to support this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes. It is the node's identity in the peer registry.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP status API.
	ServiceAddr string `mapstructure:"service-listen"`

	// Heartbeat is the base period of the control timer driving sync ticks,
	// pings, and peer discovery. The actual period is jittered.
	Heartbeat time.Duration `mapstructure:"heartbeat"`

	// TCPTimeout bounds outbound connection establishment.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// IOTimeout bounds individual message writes.
	IOTimeout time.Duration `mapstructure:"io-timeout"`

	// MaxConns is the maximum number of concurrent peer connections.
	MaxConns int `mapstructure:"max-conns"`

	// SyncWindow is the number of blocks requested per sync window. It also
	// caps the span served for one inbound block request.
	SyncWindow uint64 `mapstructure:"sync-window"`

	// SyncTimeout bounds how long a sync window may stay unanswered.
	SyncTimeout time.Duration `mapstructure:"sync-timeout"`

	// MempoolSize is the maximum number of pending transactions.
	MempoolSize int `mapstructure:"mempool-size"`

	// MempoolTTL is how long a pending transaction is kept.
	MempoolTTL time.Duration `mapstructure:"mempool-ttl"`

	// VerificationWorkers is the size of the verification worker pool. Zero
	// means the available hardware parallelism.
	VerificationWorkers int `mapstructure:"verification-workers"`

	// ChainID seeds the genesis block; all nodes of a network must use the
	// same value, which the handshake enforces through the genesis hash.
	ChainID string `mapstructure:"chain-id"`

	// Backend selects the block store: badger, bolt, or inmem.
	Backend string `mapstructure:"backend"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:             DefaultDataDir(),
		LogLevel:            DefaultLogLevel,
		BindAddr:            DefaultBindAddr,
		ServiceAddr:         DefaultServiceAddr,
		Heartbeat:           DefaultHeartbeat,
		TCPTimeout:          DefaultTCPTimeout,
		IOTimeout:           DefaultIOTimeout,
		MaxConns:            DefaultMaxConns,
		SyncWindow:          DefaultSyncWindow,
		SyncTimeout:         DefaultSyncTimeout,
		MempoolSize:         DefaultMempoolSize,
		MempoolTTL:          DefaultMempoolTTL,
		VerificationWorkers: DefaultVerificationWorkers,
		ChainID:             DefaultChainID,
		Backend:             DefaultStoreBackend,
		DatabaseDir:         DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level ledgerd directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// BoltFile returns the full path of the bbolt database file.
func (c *Config) BoltFile() string {
	return filepath.Join(c.DataDir, DefaultBoltFile)
}

// NodeConfig derives the node configuration.
func (c *Config) NodeConfig() node.Config {
	return node.Config{
		Heartbeat:           c.Heartbeat,
		MaxBlocksPerRequest: c.SyncWindow,
		Sync: node.SyncConfig{
			WindowSize:     c.SyncWindow,
			RequestTimeout: c.SyncTimeout,
		},
	}
}

// ManagerConfig derives the connection manager configuration.
func (c *Config) ManagerConfig() lnet.ManagerConfig {
	return lnet.ManagerConfig{
		MaxConns:    c.MaxConns,
		DialTimeout: c.TCPTimeout,
		IOTimeout:   c.IOTimeout,
	}
}

// RegistryOptions derives the peer registry options.
func (c *Config) RegistryOptions() peers.Options {
	return peers.DefaultOptions()
}

// Logger returns a formatted logrus Entry, with prefix set to "ledgerd".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			c.logger.Hooks.Add(lfshook.NewHook(
				lfshook.PathMap{
					logrus.InfoLevel:  c.LogFile,
					logrus.WarnLevel:  c.LogFile,
					logrus.ErrorLevel: c.LogFile,
					logrus.DebugLevel: c.LogFile,
				},
				&logrus.TextFormatter{},
			))
		}
	}
	return c.logger.WithField("prefix", "ledgerd")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level ledgerd
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Ledgerd")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Ledgerd")
		} else {
			return filepath.Join(home, ".ledgerd")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
