package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hashpool/ledgerd/src/ledgerd"
)

//NewRunCmd returns the command that starts a ledgerd node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runLedgerd,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runLedgerd(cmd *cobra.Command, args []string) error {
	engine := ledgerd.NewLedgerd(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize node:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Optional file to mirror log output to")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for the peer protocol")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for the peer protocol")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP dial timeout")
	cmd.Flags().Duration("io-timeout", _config.IOTimeout, "Message write timeout")
	cmd.Flags().Int("max-conns", _config.MaxConns, "Connection pool size max")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP status API")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP status API")

	// Chain
	cmd.Flags().String("chain-id", _config.ChainID, "Network identifier seeding the genesis block")
	cmd.Flags().String("backend", _config.Backend, "Block store backend: badger, bolt, inmem")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")

	// Sync
	cmd.Flags().Duration("heartbeat", _config.Heartbeat, "Base period of sync ticks and pings")
	cmd.Flags().Uint64("sync-window", _config.SyncWindow, "Blocks requested per sync window")
	cmd.Flags().Duration("sync-timeout", _config.SyncTimeout, "Sync window request timeout")
	cmd.Flags().Int("verification-workers", _config.VerificationWorkers, "Verification worker pool size, 0 for NumCPU")

	// Mempool
	cmd.Flags().Int("mempool-size", _config.MempoolSize, "Max number of pending transactions")
	cmd.Flags().Duration("mempool-ttl", _config.MempoolTTL, "How long a pending transaction is kept")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":       _config.DataDir,
		"BindAddr":      _config.BindAddr,
		"AdvertiseAddr": _config.AdvertiseAddr,
		"ServiceAddr":   _config.ServiceAddr,
		"NoService":     _config.NoService,
		"LogLevel":      _config.LogLevel,
		"Moniker":       _config.Moniker,
		"Heartbeat":     _config.Heartbeat,
		"TCPTimeout":    _config.TCPTimeout,
		"IOTimeout":     _config.IOTimeout,
		"MaxConns":      _config.MaxConns,
		"ChainID":       _config.ChainID,
		"Backend":       _config.Backend,
		"DatabaseDir":   _config.DatabaseDir,
		"SyncWindow":    _config.SyncWindow,
		"SyncTimeout":   _config.SyncTimeout,
		"MempoolSize":   _config.MempoolSize,
		"MempoolTTL":    _config.MempoolTTL,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/ledgerd.toml (.json, .yaml also work)
	viper.SetConfigName("ledgerd")      // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
