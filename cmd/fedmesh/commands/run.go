package commands

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fedmesh/fedmesh/src/crypto"
	fnet "github.com/fedmesh/fedmesh/src/net"
	"github.com/fedmesh/fedmesh/src/node"
	"github.com/fedmesh/fedmesh/src/peers"
	"github.com/fedmesh/fedmesh/src/proxy"
	"github.com/fedmesh/fedmesh/src/service"
	"github.com/fedmesh/fedmesh/src/store"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a fedmesh node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runFedmesh,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runFedmesh(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	keyfile := crypto.NewSimpleKeyfile(_config.Keyfile())
	key, err := keyfile.ReadKey()
	if err != nil {
		logger.Errorf("Cannot read private key from %s: %v. Run keygen first.", _config.Keyfile(), err)
		return err
	}
	_config.Key = key

	stream, err := fnet.NewTCPStreamLayer(_config.BindAddr, _config.AdvertiseAddr)
	if err != nil {
		logger.Error("Cannot bind network listener:", err)
		return err
	}

	pub, err := key.PublicBytes()
	if err != nil {
		return err
	}
	self := peers.NewIdentity(peers.PubKeyString(pub), stream.AdvertiseAddr())

	var str store.Store
	if _config.Store {
		str, err = store.NewBadgerStore(_config.DatabaseDir)
		if err != nil {
			logger.Error("Cannot open badger store:", err)
			return err
		}
	} else {
		str = store.NewInmemStore()
	}

	prx := proxy.NewInmemProxy(logger)

	n := node.NewNode(_config, key, self, stream, prx, str)

	if err := n.Init(); err != nil {
		logger.Error("Cannot initialize node:", err)
		return err
	}

	// Dial the peers listed in [datadir]/peers.json, if any. Liveness is the
	// failure detector's business from here on.
	ids, err := peers.NewJSONIdentitySet(_config.DataDir).Identities()
	if err != nil {
		logger.WithError(err).Debug("No peers.json found, starting alone")
	} else {
		addrs := []string{}
		for _, id := range ids {
			if id.UID() != self.UID() {
				addrs = append(addrs, id.NetAddr)
			}
		}
		n.Join(addrs)
	}

	if !_config.NoService {
		svc := service.NewService(_config.ServiceAddr, n, logger)
		go svc.Serve()
	}

	go n.Run()

	//Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh

	n.Shutdown()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for fedmesh node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for fedmesh node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP dial timeout")
	cmd.Flags().Int("send-queue", _config.SendQueueSize, "Per-priority connection send queue depth")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem journal")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")

	// Failure detector
	cmd.Flags().Duration("heartbeat", _config.HeartbeatPeriod, "Time between heartbeats")
	cmd.Flags().Duration("heartbeat-timeout", _config.HeartbeatTimeout, "Silence before a neighbor is Suspected")
	cmd.Flags().Duration("suspect-grace", _config.SuspectGrace, "Extra silence before a Suspected neighbor is Dead")
	cmd.Flags().Int("convergence-beats", _config.ConvergenceBeats, "Stable periods before the view is converged")

	// Gossip
	cmd.Flags().Duration("gossip-period", _config.GossipPeriod, "Time between gossip fan-out ticks")
	cmd.Flags().Int("gossip-per-tick", _config.GossipPerTick, "Max payloads fanned out per tick")
	cmd.Flags().Int("control-fanout", _config.ControlFanout, "Fan-out for control payloads")
	cmd.Flags().Int("model-fanout", _config.ModelFanout, "Fan-out for model payloads")
	cmd.Flags().Int("ttl", _config.TTL, "Default hop budget for originated payloads")
	cmd.Flags().Int("dedup-cache-size", _config.DedupCacheSize, "Number of message IDs kept for dedup")
	cmd.Flags().Int("gossip-quiet-ticks", _config.GossipQuietTicks, "Quiet ticks before a gossip phase converges")

	// Rounds
	cmd.Flags().Duration("cold-start-grace", _config.ColdStartGrace, "Boot grace before the first round")
	cmd.Flags().Duration("vote-timeout", _config.VoteTimeout, "Deadline for the Voting phase")
	cmd.Flags().Duration("aggregation-timeout", _config.AggregationTimeout, "Deadline for the Aggregating phase")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	addLogFileHooks()

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":            _config.DataDir,
		"BindAddr":           _config.BindAddr,
		"AdvertiseAddr":      _config.AdvertiseAddr,
		"ServiceAddr":        _config.ServiceAddr,
		"Store":              _config.Store,
		"LogLevel":           _config.LogLevel,
		"Moniker":            _config.Moniker,
		"HeartbeatPeriod":    _config.HeartbeatPeriod,
		"HeartbeatTimeout":   _config.HeartbeatTimeout,
		"SuspectGrace":       _config.SuspectGrace,
		"ConvergenceBeats":   _config.ConvergenceBeats,
		"GossipPeriod":       _config.GossipPeriod,
		"ControlFanout":      _config.ControlFanout,
		"ModelFanout":        _config.ModelFanout,
		"TTL":                _config.TTL,
		"ColdStartGrace":     _config.ColdStartGrace,
		"VoteTimeout":        _config.VoteTimeout,
		"AggregationTimeout": _config.AggregationTimeout,
		"TCPTimeout":         _config.TCPTimeout,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all
	// other persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/fedmesh.toml (.json, .yaml also work)
	viper.SetConfigName("fedmesh")       // name of config file (without extension)
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

// addLogFileHooks mirrors info and debug output into log files under the
// datadir, keeping stderr readable.
func addLogFileHooks() {
	logger := _config.Logger()

	pathMap := lfshook.PathMap{}

	infoPath := filepath.Join(_config.DataDir, "fedmesh_info.log")
	if _, err := os.OpenFile(infoPath, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open fedmesh_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = infoPath
	}

	debugPath := filepath.Join(_config.DataDir, "fedmesh_debug.log")
	if _, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open fedmesh_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = debugPath
	}

	if len(pathMap) > 0 {
		logger.Logger.Hooks.Add(lfshook.NewHook(
			pathMap,
			&logrus.JSONFormatter{},
		))
	}
}
