// Package config holds the node configuration, loaded from YAML with AURIC_*
// environment overrides.
package config

import (
	"auric/blockchain"
	"auric/events"
	"errors"
	"fmt"
	"net"
	"time"
)

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	P2P       P2PConfig       `yaml:"p2p"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Mining    MiningConfig    `yaml:"mining"`
	Mempool   MempoolConfig   `yaml:"mempool"`
	Events    EventsConfig    `yaml:"events"`
	API       APIConfig       `yaml:"api"`
}

type NodeConfig struct {
	// ID defaults to a random UUID
	ID string `yaml:"id"`
	// DataDir holds the ledger database; empty keeps the ledger in memory
	DataDir string `yaml:"data_dir"`
}

type P2PConfig struct {
	Listen           string        `yaml:"listen"`
	Seeds            []string      `yaml:"seeds"`
	MaxPeers         int           `yaml:"max_peers"`
	MaxMessageBytes  int64         `yaml:"max_message_bytes"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	SyncInterval     time.Duration `yaml:"sync_interval"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	RedialInterval   time.Duration `yaml:"redial_interval"`
	BanThreshold     int           `yaml:"ban_threshold"`
	BanDuration      time.Duration `yaml:"ban_duration"`
	// MessageRate is the sustained messages per second allowed per peer
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`
}

// ConsensusConfig must match across every node of a network.
type ConsensusConfig struct {
	MinDifficulty   uint32        `yaml:"min_difficulty"`
	BlockReward     uint64        `yaml:"block_reward"`
	HalvingInterval uint64        `yaml:"halving_interval"`
	MaxBlockBytes   int           `yaml:"max_block_bytes"`
	MaxBlockTxs     int           `yaml:"max_block_txs"`
	MaxTxInputs     int           `yaml:"max_tx_inputs"`
	MaxTxOutputs    int           `yaml:"max_tx_outputs"`
	MaxFutureDrift  time.Duration `yaml:"max_future_drift"`
	MaxReorgDepth   uint64        `yaml:"max_reorg_depth"`
	FinalityDepth   uint64        `yaml:"finality_depth"`
	CoinbasePolicy  string        `yaml:"coinbase_policy"`
}

type MiningConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Address    string        `yaml:"address"`
	Difficulty uint32        `yaml:"difficulty"`
	Pause      time.Duration `yaml:"pause"`
}

type MempoolConfig struct {
	MaxTxs      int    `yaml:"max_txs"`
	MinRelayFee uint64 `yaml:"min_relay_fee"`
	// FeePerByte adds a size-based charge on top of MinRelayFee
	FeePerByte uint64 `yaml:"fee_per_byte"`
}

type EventsConfig struct {
	Console      bool   `yaml:"console"`
	ConsoleLevel string `yaml:"console_level"`
	// JSONL is the append-only event log; empty disables it
	JSONL string `yaml:"jsonl"`
}

// APIConfig configures the read-mostly HTTP query endpoints.
type APIConfig struct {
	// Listen is empty to disable the API
	Listen string `yaml:"listen"`
}

// Default returns a configuration for a single node on the default network.
func Default() *Config {
	params := blockchain.DefaultParams()
	return &Config{
		P2P: P2PConfig{
			Listen:           ":7070",
			MaxPeers:         8,
			MaxMessageBytes:  10 << 20,
			ReadTimeout:      90 * time.Second,
			WriteTimeout:     10 * time.Second,
			RequestTimeout:   10 * time.Second,
			PingInterval:     30 * time.Second,
			SyncInterval:     10 * time.Second,
			AnnounceInterval: 30 * time.Second,
			RedialInterval:   30 * time.Second,
			BanThreshold:     5,
			BanDuration:      15 * time.Minute,
			MessageRate:      5,
			MessageBurst:     100,
		},
		Consensus: ConsensusConfig{
			MinDifficulty:   params.MinDifficulty,
			BlockReward:     params.BlockReward,
			HalvingInterval: params.HalvingInterval,
			MaxBlockBytes:   params.MaxBlockBytes,
			MaxBlockTxs:     params.MaxBlockTxs,
			MaxTxInputs:     params.MaxTxInputs,
			MaxTxOutputs:    params.MaxTxOutputs,
			MaxFutureDrift:  params.MaxFutureDrift,
			MaxReorgDepth:   params.MaxReorgDepth,
			FinalityDepth:   params.FinalityDepth,
			CoinbasePolicy:  string(params.CoinbasePolicy),
		},
		Mempool: MempoolConfig{MaxTxs: 5000},
		Events:  EventsConfig{Console: true, ConsoleLevel: "warning"},
	}
}

// Params converts the consensus section to protocol parameters.
func (c *Config) Params() *blockchain.Params {
	cc := c.Consensus
	return &blockchain.Params{
		MinDifficulty:   cc.MinDifficulty,
		BlockReward:     cc.BlockReward,
		HalvingInterval: cc.HalvingInterval,
		MaxBlockBytes:   cc.MaxBlockBytes,
		MaxBlockTxs:     cc.MaxBlockTxs,
		MaxTxInputs:     cc.MaxTxInputs,
		MaxTxOutputs:    cc.MaxTxOutputs,
		MaxFutureDrift:  cc.MaxFutureDrift,
		MaxReorgDepth:   cc.MaxReorgDepth,
		FinalityDepth:   cc.FinalityDepth,
		CoinbasePolicy:  blockchain.CoinbasePolicy(cc.CoinbasePolicy),
	}
}

// ConsoleSeverity is the lowest severity printed to the console.
func (c *Config) ConsoleSeverity() events.Severity {
	s, err := events.ParseSeverity(c.Events.ConsoleLevel)
	if err != nil {
		return events.SeverityWarning
	}
	return s
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Node.ID == "" {
		add("node.id is empty")
	}

	p := c.P2P
	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		add("p2p.listen %q: %v", p.Listen, err)
	}
	for _, seed := range p.Seeds {
		if _, _, err := net.SplitHostPort(seed); err != nil {
			add("p2p.seeds %q: %v", seed, err)
		}
	}
	if p.MaxPeers <= 0 {
		add("p2p.max_peers must be positive")
	}
	if p.MaxMessageBytes < 1024 {
		add("p2p.max_message_bytes %d is below 1024", p.MaxMessageBytes)
	}
	if p.MaxMessageBytes < int64(c.Consensus.MaxBlockBytes) {
		add("p2p.max_message_bytes %d cannot carry a %d byte block", p.MaxMessageBytes, c.Consensus.MaxBlockBytes)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"read_timeout", p.ReadTimeout},
		{"write_timeout", p.WriteTimeout},
		{"request_timeout", p.RequestTimeout},
		{"ping_interval", p.PingInterval},
		{"sync_interval", p.SyncInterval},
		{"announce_interval", p.AnnounceInterval},
		{"redial_interval", p.RedialInterval},
	} {
		if d.value <= 0 {
			add("p2p.%s must be positive", d.name)
		}
	}
	if p.PingInterval >= p.ReadTimeout {
		add("p2p.ping_interval %s must be shorter than read_timeout %s", p.PingInterval, p.ReadTimeout)
	}
	if p.BanThreshold <= 0 {
		add("p2p.ban_threshold must be positive")
	}
	if p.MessageRate <= 0 || p.MessageBurst <= 0 {
		add("p2p.message_rate and message_burst must be positive")
	}

	params := c.Params()
	if err := params.ValidateBasic(); err != nil {
		add("consensus: %v", err)
	}

	if c.Mining.Enabled {
		if c.Mining.Address == "" {
			add("mining.address is required when mining is enabled")
		} else if err := blockchain.Address(c.Mining.Address).Validate(); err != nil {
			add("mining.address: %v", err)
		}
	}

	if c.Mempool.MaxTxs <= 0 {
		add("mempool.max_txs must be positive")
	}
	if c.API.Listen != "" {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			add("api.listen %q: %v", c.API.Listen, err)
		}
	}
	if _, err := events.ParseSeverity(c.Events.ConsoleLevel); err != nil {
		add("events.console_level: %v", err)
	}
	return errors.Join(errs...)
}
