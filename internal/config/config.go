// Package config holds the daemon's own ambient configuration: identity,
// P2P network settings, the persistent state layout, logging, the RPC
// listen address, and the validator worker-pool sizing. It follows the
// teacher's internal/node/config.go pattern: a YAML file under the data
// directory, defaulted and written out on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkType selects the DHT namespace a node gossips on.
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
)

const (
	MainnetDHTPrefix   = "/credacash"
	MainnetDiscoveryNS = "credacash-mainnet"

	TestnetDHTPrefix   = "/credacash-testnet"
	TestnetDiscoveryNS = "credacash-testnet"
)

// Config is the root of the node's YAML configuration file.
type Config struct {
	NetworkType NetworkType    `yaml:"network_type"`
	Identity    IdentityConfig `yaml:"identity"`
	Network     NetworkConfig  `yaml:"network"`
	Storage     StorageConfig  `yaml:"storage"`
	Logging     LoggingConfig  `yaml:"logging"`
	RPC         RPCConfig      `yaml:"rpc"`
	Pipeline    PipelineConfig `yaml:"pipeline"`
	Relay       RelayConfig    `yaml:"relay"`
	Matcher     MatcherConfig  `yaml:"matcher"`
}

// DHTPrefix returns the libp2p DHT protocol prefix for the configured network.
func (c *Config) DHTPrefix() string {
	if c.NetworkType == NetworkTestnet {
		return TestnetDHTPrefix
	}
	return MainnetDHTPrefix
}

// DiscoveryNamespace returns the rendezvous namespace used for peer discovery.
func (c *Config) DiscoveryNamespace() string {
	if c.NetworkType == NetworkTestnet {
		return TestnetDiscoveryNS
	}
	return MainnetDiscoveryNS
}

// IsTestnet reports whether the node is configured for testnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == NetworkTestnet
}

// IdentityConfig holds the node's libp2p key material location.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds libp2p host/discovery settings.
type NetworkConfig struct {
	ListenAddrs        []string      `yaml:"listen_addrs"`
	BootstrapPeers     []string      `yaml:"bootstrap_peers"`
	EnableMDNS         bool          `yaml:"enable_mdns"`
	EnableDHT          bool          `yaml:"enable_dht"`
	EnableRelay        bool          `yaml:"enable_relay"`
	EnableNAT          bool          `yaml:"enable_nat"`
	EnableHolePunching bool          `yaml:"enable_hole_punching"`
	ConnMgr            ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig bounds the libp2p connection manager.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// StorageConfig names the data directory and the persistent state
// layout's five logical databases (spec §6: persistent, temp_serials,
// relay_objs, one process_q per queue type, valid_objs, xreqs).
type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	PersistentDB    string `yaml:"persistent_db"`
	TempSerialsDB   string `yaml:"temp_serials_db"`
	RelayObjsDB     string `yaml:"relay_objs_db"`
	ProcessQueueDB  string `yaml:"process_queue_db"`
	ValidObjsDB     string `yaml:"valid_objs_db"`
	XreqsDB         string `yaml:"xreqs_db"`
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// RPCConfig controls the query RPC surface.
type RPCConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// PipelineConfig sizes the validator worker pool (spec §4.13 glue).
type PipelineConfig struct {
	WorkersPerQueue int `yaml:"workers_per_queue"`
}

// RelayConfig controls the unicast object-relay listener RelayFSM's
// per-peer Advertise/DriveDownloads steps ride on, distinct from the
// libp2p gossip host used for Have announcements.
type RelayConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	MaxIncoming     int           `yaml:"max_incoming"`
	PoolCapacity    int           `yaml:"pool_capacity"`
	AdvertiseBytes  int           `yaml:"advertise_bytes"`
	DownloadObjects int           `yaml:"download_objects"`
	TickInterval    time.Duration `yaml:"tick_interval"`
}

// MatcherConfig paces the matcher's periodic RunPass sweep.
type MatcherConfig struct {
	PassInterval time.Duration `yaml:"pass_interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: NetworkMainnet,
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4431",
				"/ip4/0.0.0.0/udp/4431/quic-v1",
				"/ip6/::/tcp/4431",
				"/ip6/::/udp/4431/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         true,
			EnableDHT:          true,
			EnableRelay:        true,
			EnableNAT:          true,
			EnableHolePunching: true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		Storage: StorageConfig{
			DataDir:        "~/.ccnode",
			PersistentDB:   "persistent.db",
			TempSerialsDB:  "temp_serials.db",
			RelayObjsDB:    "relay_objs.db",
			ProcessQueueDB: "process_q.db",
			ValidObjsDB:    "valid_objs.db",
			XreqsDB:        "xreqs.db",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		RPC: RPCConfig{
			ListenAddr: "127.0.0.1:8737",
		},
		Pipeline: PipelineConfig{
			WorkersPerQueue: 4,
		},
		Relay: RelayConfig{
			ListenAddr:      "0.0.0.0:4432",
			MaxIncoming:     64,
			PoolCapacity:    256,
			AdvertiseBytes:  64 * 1024,
			DownloadObjects: 256,
			TickInterval:    2 * time.Second,
		},
		Matcher: MatcherConfig{
			PassInterval: 10 * time.Second,
		},
	}
}

// ConfigFileName is the default config file name under the data directory.
const ConfigFileName = "config.yaml"

// LoadConfig loads the YAML config from dataDir, creating a default one
// on first run.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := ExpandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("config: create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration out as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}

	header := []byte("# ccnoded configuration\n# generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
