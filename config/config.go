// Package config loads the five configuration groups of §6 from a JSON
// settings file, generalized from the teacher's config.Load (flat struct,
// encoding/json, Validate()) onto bitcoin/node/network/database/log
// groups, plus BN_-prefixed environment overrides (the narrow override
// surface certenIO-certen-validator's config loader exposes via
// os.Getenv, rather than reflecting over every field).
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// EnvPrefix is the environment-variable prefix every override key carries
// (§6: "Environment-variable prefix: BN_").
const EnvPrefix = "BN_"

// TLSConfig holds paths to the PEM files needed for peer mTLS. When nil or
// all paths empty, channels fall back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`
	NodeCert string `json:"node_cert"`
	NodeKey  string `json:"node_key"`
}

// Checkpoint pins a (height, hash) pair that bypasses full validation.
type Checkpoint struct {
	Height int32  `json:"height"`
	Hash   string `json:"hash"`
}

// BitcoinConfig is the `bitcoin` group of §6.
type BitcoinConfig struct {
	Network               string          `json:"network"` // mainnet | testnet3 | regtest | signet
	Checkpoints           []Checkpoint    `json:"checkpoints"`
	MinimumWork           string          `json:"minimum_work"` // hex-encoded 256-bit work floor
	Milestone             int32           `json:"milestone"`    // height at or below which blocks bypass revalidation
	SubsidyIntervalBlocks int32           `json:"subsidy_interval_blocks"`
	InitialSubsidy        int64           `json:"initial_subsidy"`
	TimestampLimitSeconds int64           `json:"timestamp_limit_seconds"`
	ProofOfWorkLimit      string          `json:"proof_of_work_limit"` // hex-encoded compact target
	Forks                 map[string]bool `json:"forks"`               // bip34, bip65, bip66, segwit, taproot, ...
}

// Params resolves the configured network name to btcd's chaincfg.Params,
// the concrete genesis block / POW limits / deployment table consulted
// throughout the check and validate chasers.
func (b *BitcoinConfig) Params() (*chaincfg.Params, error) {
	switch strings.ToLower(b.Network) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("config: unknown bitcoin network %q", b.Network)
	}
}

// NodeConfig is the `node` group of §6.
type NodeConfig struct {
	HeadersFirst          bool   `json:"headers_first"`
	MaximumConcurrency    int    `json:"maximum_concurrency"`
	MaximumHeight         int32  `json:"maximum_height"` // 0 == unbounded
	MaximumInventory      int    `json:"maximum_inventory"`
	CurrencyWindowMinutes int    `json:"currency_window_minutes"`
	AllowedDeviation      int    `json:"allowed_deviation"`
	ConcurrentValidation  bool   `json:"concurrent_validation"`
	MaximumBacklog        int    `json:"maximum_backlog"`
	Threads               int    `json:"threads"`
	Priority              string `json:"priority"` // normal | low | high
	TxIndex               bool   `json:"tx_index"`      // maintain txid -> height lookup (internal/index)
	AddressIndex          bool   `json:"address_index"` // maintain address -> txid lookup (internal/index)
}

// NetworkConfig is the `network` group of §6.
type NetworkConfig struct {
	OutboundConnections      int      `json:"outbound_connections"`
	InboundConnections       int      `json:"inbound_connections"`
	ServicesMin              uint64   `json:"services_min"`
	ServicesMax              uint64   `json:"services_max"`
	ChannelHeartbeatMinutes  int      `json:"channel_heartbeat_minutes"`
	ChannelInactivityMinutes int      `json:"channel_inactivity_minutes"`
	EnableIPv6               bool     `json:"enable_ipv6"`
	ListenAddr               string   `json:"listen_addr"`
	RPCAddr                  string   `json:"rpc_addr"`
	RPCAuthToken             string   `json:"rpc_auth_token"`
	Seeds                    []string `json:"seeds"`
	TLS                      *TLSConfig `json:"tls,omitempty"`
}

// TableConfig is one entry of the `database` group's per-table settings.
type TableConfig struct {
	Buckets uint32 `json:"buckets"`
	Size    uint64 `json:"size"`
	Rate    uint32 `json:"rate"`
}

// DatabaseConfig is the `database` group of §6.
type DatabaseConfig struct {
	Path   string                 `json:"path"`
	Tables map[string]TableConfig `json:"tables"`
}

// LogConfig is the `log` group of §6.
type LogConfig struct {
	Path        string   `json:"path"`
	MaximumSize uint64   `json:"maximum_size"`
	LogFile1    string   `json:"log_file1"`
	LogFile2    string   `json:"log_file2"`
	EventsFile  string   `json:"events_file"`
	Toggles     []string `json:"toggles"` // subset of {a,n,s,p,x,w,r,f,q,o,v}
	Level       string   `json:"level"`   // logrus level name
}

// Config is the full settings surface a node reads at startup.
type Config struct {
	Bitcoin  BitcoinConfig  `json:"bitcoin"`
	Node     NodeConfig     `json:"node"`
	Network  NetworkConfig  `json:"network"`
	Database DatabaseConfig `json:"database"`
	Log      LogConfig      `json:"log"`
}

// Default returns the configuration a fresh mainnet node starts from.
func Default() *Config {
	return &Config{
		Bitcoin: BitcoinConfig{
			Network:               "mainnet",
			Milestone:             0,
			SubsidyIntervalBlocks: 210000,
			InitialSubsidy:        5000000000,
			TimestampLimitSeconds: 2 * 60 * 60,
			Forks:                 map[string]bool{"bip34": true, "bip65": true, "bip66": true, "segwit": true},
		},
		Node: NodeConfig{
			HeadersFirst:          true,
			MaximumConcurrency:    8,
			MaximumInventory:      1000,
			CurrencyWindowMinutes: 60,
			AllowedDeviation:      2 * 60 * 60,
			ConcurrentValidation:  true,
			MaximumBacklog:        50,
			Threads:               4,
			Priority:              "normal",
		},
		Network: NetworkConfig{
			OutboundConnections:      8,
			InboundConnections:       32,
			ChannelHeartbeatMinutes:  5,
			ChannelInactivityMinutes: 10,
			ListenAddr:               ":8333",
			RPCAddr:                  ":8332",
		},
		Database: DatabaseConfig{
			Path: "./data",
		},
		Log: LogConfig{
			Path:        "./logs",
			MaximumSize: 100 << 20,
			Level:       "info",
		},
	}
}

// Load reads path (if non-empty), applies BN_-prefixed environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "NETWORK"); v != "" {
		cfg.Bitcoin.Network = v
	}
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.Network.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvPrefix + "MAXIMUM_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.MaximumConcurrency = n
		}
	}
	if v := os.Getenv(EnvPrefix + "MAXIMUM_HEIGHT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Node.MaximumHeight = int32(n)
		}
	}
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if _, err := c.Bitcoin.Params(); err != nil {
		return err
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Node.MaximumConcurrency < 0 {
		return fmt.Errorf("node.maximum_concurrency must be >= 0")
	}
	if c.Node.MaximumBacklog <= 0 {
		return fmt.Errorf("node.maximum_backlog must be > 0")
	}
	for _, cp := range c.Bitcoin.Checkpoints {
		if _, err := hex.DecodeString(cp.Hash); err != nil || len(cp.Hash) != 64 {
			return fmt.Errorf("bitcoin.checkpoints: invalid hash at height %d", cp.Height)
		}
	}
	if c.Network.TLS != nil {
		t := c.Network.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("network.tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes cfg to path as formatted JSON, the counterpart to Load.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
