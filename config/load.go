package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AURIC_"

// Load reads path over the defaults, applies AURIC_* overrides, fills in a
// node id and validates the result. An empty path uses defaults only.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config unmarshal %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(c, os.LookupEnv); err != nil {
		return nil, err
	}
	if c.Node.ID == "" {
		c.Node.ID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Save writes c as YAML.
func Save(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

type lookupFunc func(key string) (string, bool)

// applyEnvOverrides replaces settings from AURIC_<SECTION>_<KEY> variables.
func applyEnvOverrides(c *Config, lookup lookupFunc) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	parse := func(key string, set func(string) error) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return
		}
		if err := set(v); err != nil {
			errs = append(errs, fmt.Sprintf("%s%s=%q: %v", EnvPrefix, key, v, err))
		}
	}
	integer := func(key string, dst *int) {
		parse(key, func(v string) error {
			n, err := strconv.Atoi(v)
			*dst = n
			return err
		})
	}
	uinteger := func(key string, dst *uint64) {
		parse(key, func(v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			*dst = n
			return err
		})
	}
	duration := func(key string, dst *time.Duration) {
		parse(key, func(v string) error {
			d, err := time.ParseDuration(v)
			*dst = d
			return err
		})
	}
	boolean := func(key string, dst *bool) {
		parse(key, func(v string) error {
			b, err := strconv.ParseBool(v)
			*dst = b
			return err
		})
	}

	str("NODE_ID", &c.Node.ID)
	str("NODE_DATA_DIR", &c.Node.DataDir)

	str("P2P_LISTEN", &c.P2P.Listen)
	if v, ok := lookup(EnvPrefix + "P2P_SEEDS"); ok {
		c.P2P.Seeds = splitList(v)
	}
	integer("P2P_MAX_PEERS", &c.P2P.MaxPeers)
	parse("P2P_MAX_MESSAGE_BYTES", func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		c.P2P.MaxMessageBytes = n
		return err
	})
	duration("P2P_READ_TIMEOUT", &c.P2P.ReadTimeout)
	duration("P2P_WRITE_TIMEOUT", &c.P2P.WriteTimeout)
	duration("P2P_REQUEST_TIMEOUT", &c.P2P.RequestTimeout)
	duration("P2P_SYNC_INTERVAL", &c.P2P.SyncInterval)
	integer("P2P_BAN_THRESHOLD", &c.P2P.BanThreshold)
	duration("P2P_BAN_DURATION", &c.P2P.BanDuration)

	parse("CONSENSUS_MIN_DIFFICULTY", func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		c.Consensus.MinDifficulty = uint32(n)
		return err
	})
	uinteger("CONSENSUS_MAX_REORG_DEPTH", &c.Consensus.MaxReorgDepth)
	uinteger("CONSENSUS_FINALITY_DEPTH", &c.Consensus.FinalityDepth)
	str("CONSENSUS_COINBASE_POLICY", &c.Consensus.CoinbasePolicy)

	boolean("MINING_ENABLED", &c.Mining.Enabled)
	str("MINING_ADDRESS", &c.Mining.Address)
	parse("MINING_DIFFICULTY", func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		c.Mining.Difficulty = uint32(n)
		return err
	})

	integer("MEMPOOL_MAX_TXS", &c.Mempool.MaxTxs)
	uinteger("MEMPOOL_MIN_RELAY_FEE", &c.Mempool.MinRelayFee)
	uinteger("MEMPOOL_FEE_PER_BYTE", &c.Mempool.FeePerByte)

	boolean("EVENTS_CONSOLE", &c.Events.Console)
	str("EVENTS_CONSOLE_LEVEL", &c.Events.ConsoleLevel)
	str("EVENTS_JSONL", &c.Events.JSONL)

	str("API_LISTEN", &c.API.Listen)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
