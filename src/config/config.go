package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/fedmesh/fedmesh/src/common"
	"github.com/fedmesh/fedmesh/src/crypto"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key.
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database.
	DefaultBadgerFile = "badger_db"
)

// Default configuration values.
const (
	DefaultLogLevel           = "debug"
	DefaultBindAddr           = "127.0.0.1:1337"
	DefaultServiceAddr        = "127.0.0.1:8000"
	DefaultHeartbeatPeriod    = 1000 * time.Millisecond
	DefaultHeartbeatTimeout   = 5000 * time.Millisecond
	DefaultSuspectGrace       = 5000 * time.Millisecond
	DefaultConvergenceBeats   = 3
	DefaultGossipPeriod       = 200 * time.Millisecond
	DefaultGossipPerTick      = 100
	DefaultControlFanout      = 4
	DefaultModelFanout        = 2
	DefaultTTL                = 10
	DefaultDedupCacheSize     = 10000
	DefaultGossipQuietTicks   = 3
	DefaultColdStartGrace     = 5000 * time.Millisecond
	DefaultVoteTimeout        = 60 * time.Second
	DefaultAggregationTimeout = 60 * time.Second
	DefaultTCPTimeout         = 1000 * time.Millisecond
	DefaultSendQueueSize      = 64
	DefaultStore              = false
)

// Config contains all the configuration properties of a fedmesh node. It is
// assembled by the launcher (CLI flags, config file) and consumed, immutable,
// by the core at startup.
type Config struct {
	// DataDir is the top-level directory containing fedmesh configuration
	// and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where this node talks to other
	// nodes.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP service exposing node
	// stats and prometheus metrics.
	ServiceAddr string `mapstructure:"service-listen"`

	// HeartbeatPeriod is the interval between liveness beacons.
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat"`

	// HeartbeatTimeout is how long a neighbor may stay silent before it is
	// Suspected.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat-timeout"`

	// SuspectGrace is the additional silent window after which a Suspected
	// neighbor is declared Dead.
	SuspectGrace time.Duration `mapstructure:"suspect-grace"`

	// ConvergenceBeats is the number of consecutive heartbeat periods the
	// alive-neighbor set must stay unchanged before the network view is
	// considered converged.
	ConvergenceBeats int `mapstructure:"convergence-beats"`

	// GossipPeriod is the interval between gossip fan-out ticks.
	GossipPeriod time.Duration `mapstructure:"gossip-period"`

	// GossipPerTick caps the number of pending payloads fanned out per tick.
	GossipPerTick int `mapstructure:"gossip-per-tick"`

	// ControlFanout is the max number of neighbors a control payload is
	// forwarded to per tick.
	ControlFanout int `mapstructure:"control-fanout"`

	// ModelFanout is the max number of neighbors a model payload is
	// forwarded to per tick. Typically smaller than ControlFanout because of
	// payload size.
	ModelFanout int `mapstructure:"model-fanout"`

	// TTL is the default hop budget assigned to originated payloads.
	TTL int `mapstructure:"ttl"`

	// DedupCacheSize is the number of recently-seen message IDs kept for
	// duplicate suppression.
	DedupCacheSize int `mapstructure:"dedup-cache-size"`

	// GossipQuietTicks is the number of consecutive ticks with no
	// dissemination growth after which a gossip phase is declared converged.
	GossipQuietTicks int `mapstructure:"gossip-quiet-ticks"`

	// ColdStartGrace is how long the node holds in ColdStart to let initial
	// connections form.
	ColdStartGrace time.Duration `mapstructure:"cold-start-grace"`

	// VoteTimeout bounds the Voting phase.
	VoteTimeout time.Duration `mapstructure:"vote-timeout"`

	// AggregationTimeout bounds the Aggregating phase.
	AggregationTimeout time.Duration `mapstructure:"aggregation-timeout"`

	// TCPTimeout is the dial timeout for outbound connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// SendQueueSize is the per-priority depth of a connection's outbound
	// queues.
	SendQueueSize int `mapstructure:"send-queue"`

	// Store activates the persistent badger journal instead of the
	// in-memory one.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// Key is the private key of the node.
	Key *crypto.Key

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:            DefaultDataDir(),
		LogLevel:           DefaultLogLevel,
		BindAddr:           DefaultBindAddr,
		ServiceAddr:        DefaultServiceAddr,
		HeartbeatPeriod:    DefaultHeartbeatPeriod,
		HeartbeatTimeout:   DefaultHeartbeatTimeout,
		SuspectGrace:       DefaultSuspectGrace,
		ConvergenceBeats:   DefaultConvergenceBeats,
		GossipPeriod:       DefaultGossipPeriod,
		GossipPerTick:      DefaultGossipPerTick,
		ControlFanout:      DefaultControlFanout,
		ModelFanout:        DefaultModelFanout,
		TTL:                DefaultTTL,
		DedupCacheSize:     DefaultDedupCacheSize,
		GossipQuietTicks:   DefaultGossipQuietTicks,
		ColdStartGrace:     DefaultColdStartGrace,
		VoteTimeout:        DefaultVoteTimeout,
		AggregationTimeout: DefaultAggregationTimeout,
		TCPTimeout:         DefaultTCPTimeout,
		SendQueueSize:      DefaultSendQueueSize,
		Store:              DefaultStore,
		DatabaseDir:        DefaultDatabaseDir(),
	}
}

// NewTestConfig returns a config object with very short periods and timeouts,
// and a logger that writes through to the test runner.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.HeartbeatPeriod = 50 * time.Millisecond
	config.HeartbeatTimeout = 200 * time.Millisecond
	config.SuspectGrace = 200 * time.Millisecond
	config.ConvergenceBeats = 2
	config.GossipPeriod = 20 * time.Millisecond
	config.GossipQuietTicks = 2
	config.ColdStartGrace = 50 * time.Millisecond
	config.VoteTimeout = 300 * time.Millisecond
	config.AggregationTimeout = 300 * time.Millisecond
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level fedmesh directory, and updates the database
// directory if it is currently set to the default value.
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

// Logger returns a formatted logrus Entry, with prefix set to "fedmesh".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "fedmesh")
}

// LogLevel parses a level string, defaulting to debug.
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

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level fedmesh
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Fedmesh")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Fedmesh")
		} else {
			return filepath.Join(home, ".fedmesh")
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
