// Package config holds the node's resolved configuration. A Config is
// assembled once during launch (defaults, persisted file, environment
// overrides, in that order) and is read-only afterwards.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"

	"github.com/quarrylabs/quarry/core/types"
)

// Default bounds applied by Validate.
const (
	DefaultEngineQueueSize = 256
	DefaultExExBuffer      = 128
	DefaultMaxReorgDepth   = 64
)

// Config is the full node configuration.
type Config struct {
	DataDir  string `toml:"data_dir" env:"QUARRY_DATA_DIR"`
	NodeName string `toml:"node_name" env:"QUARRY_NODE_NAME"`
	LogLevel string `toml:"log_level" env:"QUARRY_LOG_LEVEL"`

	// DevMode runs the node with a local block producer and no
	// networking requirements.
	DevMode          bool          `toml:"dev_mode" env:"QUARRY_DEV_MODE"`
	DevBlockInterval time.Duration `toml:"dev_block_interval" env:"QUARRY_DEV_BLOCK_INTERVAL"`

	// MetricsAddr, when set, serves the prometheus registry over HTTP.
	MetricsAddr string `toml:"metrics_addr" env:"QUARRY_METRICS_ADDR"`

	// EngineQueueSize bounds the consensus engine's inbound directive
	// channel.
	EngineQueueSize int `toml:"engine_queue_size" env:"QUARRY_ENGINE_QUEUE_SIZE"`

	Chain *ChainSpec  `toml:"chain"`
	P2P   PeerConfig  `toml:"p2p"`
	Prune PruneConfig `toml:"prune"`
	Debug DebugConfig `toml:"debug"`
}

// ChainSpec identifies the chain and its genesis parameters.
type ChainSpec struct {
	Name             string `toml:"name"`
	ChainID          uint64 `toml:"chain_id"`
	GenesisTimestamp uint64 `toml:"genesis_timestamp"`
	BlockGasLimit    uint64 `toml:"block_gas_limit"`

	// MaxReorgDepth is the deepest reorganization the chain tolerates;
	// it is the pruner's hard floor distance.
	MaxReorgDepth uint64 `toml:"max_reorg_depth"`
}

// Genesis returns the deterministic genesis block for the spec.
func (cs *ChainSpec) Genesis() *types.Block {
	return &types.Block{
		Header: &types.Header{
			Number:    0,
			Timestamp: cs.GenesisTimestamp,
			GasLimit:  cs.BlockGasLimit,
			Extra:     fmt.Appendf(nil, "%s/%d", cs.Name, cs.ChainID),
		},
	}
}

// PeerConfig configures networking.
type PeerConfig struct {
	// ListenAddr is the libp2p listen multiaddr.
	ListenAddr string `toml:"listen_addr" env:"QUARRY_P2P_LISTEN"`

	// BootstrapPeers are multiaddrs dialed at startup. Resolution
	// failure is fatal outside dev mode.
	BootstrapPeers []string `toml:"bootstrap_peers" env:"QUARRY_BOOTSTRAP_PEERS" envSeparator:","`
}

// PruneConfig is the per-segment retention policy. A distance of zero
// disables pruning for that segment.
type PruneConfig struct {
	Interval       time.Duration `toml:"interval" env:"QUARRY_PRUNE_INTERVAL"`
	EveryBlocks    uint64        `toml:"every_blocks"`
	Receipts       uint64        `toml:"receipts"`
	TxLookup       uint64        `toml:"tx_lookup"`
	AccountHistory uint64        `toml:"account_history"`
}

// DebugConfig carries the recognized debug overrides.
type DebugConfig struct {
	// SkipFCU drops every n-th ForkchoiceUpdated at ingress (0 = off).
	SkipFCU uint64 `toml:"skip_fcu" env:"QUARRY_SKIP_FCU"`
	// SkipNewPayload drops every n-th NewPayload at ingress (0 = off).
	SkipNewPayload uint64 `toml:"skip_new_payload" env:"QUARRY_SKIP_NEW_PAYLOAD"`
	// EngineAPIStore persists every directive observed after the skip
	// filters, for later replay.
	EngineAPIStore string `toml:"engine_api_store" env:"QUARRY_ENGINE_API_STORE"`
	// Tip overrides the implicit sync target (hex block hash).
	Tip string `toml:"tip" env:"QUARRY_TIP"`
	// Terminate exits the process once the pipeline reaches the tip.
	Terminate bool `toml:"terminate" env:"QUARRY_TERMINATE"`
}

// TipHash parses the Tip override, if set.
func (d *DebugConfig) TipHash() (*types.Hash, error) {
	if d.Tip == "" {
		return nil, nil
	}
	if !common.IsHexAddress(d.Tip) && len(d.Tip) != 66 && len(d.Tip) != 64 {
		return nil, fmt.Errorf("invalid tip hash %q", d.Tip)
	}
	h := common.HexToHash(d.Tip)
	return &h, nil
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		NodeName:         "quarry",
		LogLevel:         "info",
		DevBlockInterval: time.Second,
		EngineQueueSize:  DefaultEngineQueueSize,
		Chain: &ChainSpec{
			Name:          "quarry-dev",
			ChainID:       1337,
			BlockGasLimit: 30_000_000,
			MaxReorgDepth: DefaultMaxReorgDepth,
		},
		P2P: PeerConfig{
			ListenAddr: "/ip4/127.0.0.1/tcp/0",
		},
		Prune: PruneConfig{
			Interval:    5 * time.Minute,
			EveryBlocks: 128,
		},
	}
}

// ApplyEnv overlays QUARRY_* environment variables onto the config.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env overrides: %w", err)
	}
	return nil
}

// Validate normalizes the config against the chain spec and rejects
// combinations the node cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data directory not set")
	}
	if c.Chain == nil {
		return errors.New("chain spec not set")
	}
	if c.Chain.MaxReorgDepth == 0 {
		c.Chain.MaxReorgDepth = DefaultMaxReorgDepth
	}
	if c.EngineQueueSize <= 0 {
		c.EngineQueueSize = DefaultEngineQueueSize
	}
	// Retention shorter than the reorg window would prune data the
	// chain may still need to unwind; clamp up.
	for _, d := range []*uint64{&c.Prune.Receipts, &c.Prune.TxLookup, &c.Prune.AccountHistory} {
		if *d != 0 && *d < c.Chain.MaxReorgDepth {
			*d = c.Chain.MaxReorgDepth
		}
	}
	if _, err := c.Debug.TipHash(); err != nil {
		return err
	}
	if !c.DevMode && len(c.P2P.BootstrapPeers) == 0 {
		return errors.New("no bootstrap peers configured (set dev_mode to run without peers)")
	}
	return nil
}
