// Package config defines the configuration surface of a fedmesh node.
//
// The core consumes the Config object; it never loads it. The CLI assembles
// it from flags and an optional config file (cf cmd package), simulations
// and tests build it directly. All periods, timeouts, fan-out limits, and
// cache bounds used by the gossip and heartbeat engines live here.
package config
