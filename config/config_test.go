package config

import (
	"auric/blockchain"
	"auric/mocks"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auric.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Node.ID == "" {
		t.Error("Load() left node id empty")
	}
	if c.P2P.Listen != ":7070" {
		t.Errorf("P2P.Listen = %q, want :7070", c.P2P.Listen)
	}
	if got, want := *c.Params(), *blockchain.DefaultParams(); got != want {
		t.Errorf("Params() = %+v, want %+v", got, want)
	}
}

func TestLoadFile(t *testing.T) {
	miner := blockchain.AddressOf(mocks.Key("miner"))
	path := writeConfig(t, `
node:
  id: node-1
  data_dir: /var/lib/auric
p2p:
  listen: 127.0.0.1:9000
  seeds: [10.0.0.1:7070, 10.0.0.2:7070]
  read_timeout: 2m
  ban_duration: 1h
consensus:
  min_difficulty: 20
  coinbase_policy: at-most
mining:
  enabled: true
  address: `+string(miner)+`
mempool:
  min_relay_fee: 1000
  fee_per_byte: 100
`)

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Node.ID != "node-1" || c.Node.DataDir != "/var/lib/auric" {
		t.Errorf("Node = %+v", c.Node)
	}
	if len(c.P2P.Seeds) != 2 || c.P2P.Seeds[1] != "10.0.0.2:7070" {
		t.Errorf("P2P.Seeds = %v", c.P2P.Seeds)
	}
	if c.P2P.ReadTimeout != 2*time.Minute || c.P2P.BanDuration != time.Hour {
		t.Errorf("durations = %s %s, want 2m0s 1h0m0s", c.P2P.ReadTimeout, c.P2P.BanDuration)
	}
	// unset keys keep their defaults
	if c.P2P.WriteTimeout != 10*time.Second {
		t.Errorf("P2P.WriteTimeout = %s, want default 10s", c.P2P.WriteTimeout)
	}
	params := c.Params()
	if params.MinDifficulty != 20 || params.CoinbasePolicy != blockchain.CoinbaseAtMost {
		t.Errorf("Params() = %+v", params)
	}
	if !c.Mining.Enabled || c.Mining.Address != string(miner) {
		t.Errorf("Mining = %+v", c.Mining)
	}
	if c.Mempool.MinRelayFee != 1000 || c.Mempool.FeePerByte != 100 {
		t.Errorf("Mempool = %+v", c.Mempool)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "p2p:\n  listne: :1\n", "listne"},
		{"bad listen", "p2p:\n  listen: nowhere\n", "p2p.listen"},
		{"bad seed", "p2p:\n  seeds: [peer]\n", "p2p.seeds"},
		{"bad policy", "consensus:\n  coinbase_policy: generous\n", "coinbase policy"},
		{"mining without address", "mining:\n  enabled: true\n", "mining.address"},
		{"ping after timeout", "p2p:\n  ping_interval: 2m\n  read_timeout: 1m\n", "ping_interval"},
		{"bad level", "events:\n  console_level: loud\n", "console_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"AURIC_NODE_ID":                   "from-env",
		"AURIC_P2P_SEEDS":                 "10.0.0.1:1, 10.0.0.2:2,",
		"AURIC_P2P_MAX_PEERS":             "3",
		"AURIC_P2P_REQUEST_TIMEOUT":       "3s",
		"AURIC_CONSENSUS_MAX_REORG_DEPTH": "7",
		"AURIC_MINING_ENABLED":            "true",
		"AURIC_EVENTS_JSONL":              "/tmp/events.jsonl",
		"AURIC_MEMPOOL_FEE_PER_BYTE":      "7",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	c := Default()
	if err := applyEnvOverrides(c, lookup); err != nil {
		t.Fatalf("applyEnvOverrides() error = %v", err)
	}
	if c.Node.ID != "from-env" {
		t.Errorf("Node.ID = %q, want from-env", c.Node.ID)
	}
	if len(c.P2P.Seeds) != 2 || c.P2P.Seeds[0] != "10.0.0.1:1" {
		t.Errorf("P2P.Seeds = %v", c.P2P.Seeds)
	}
	if c.P2P.MaxPeers != 3 || c.P2P.RequestTimeout != 3*time.Second {
		t.Errorf("P2P = %d %s", c.P2P.MaxPeers, c.P2P.RequestTimeout)
	}
	if c.Consensus.MaxReorgDepth != 7 {
		t.Errorf("Consensus.MaxReorgDepth = %d, want 7", c.Consensus.MaxReorgDepth)
	}
	if !c.Mining.Enabled || c.Events.JSONL != "/tmp/events.jsonl" {
		t.Errorf("Mining.Enabled = %v, Events.JSONL = %q", c.Mining.Enabled, c.Events.JSONL)
	}
	if c.Mempool.FeePerByte != 7 {
		t.Errorf("Mempool.FeePerByte = %d, want 7", c.Mempool.FeePerByte)
	}

	env = map[string]string{"AURIC_P2P_MAX_PEERS": "many", "AURIC_P2P_BAN_DURATION": "forever"}
	err := applyEnvOverrides(Default(), lookup)
	if err == nil || !strings.Contains(err.Error(), "AURIC_P2P_MAX_PEERS") || !strings.Contains(err.Error(), "AURIC_P2P_BAN_DURATION") {
		t.Errorf("applyEnvOverrides() error = %v, want both bad keys named", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	c := Default()
	c.Node.ID = "saved"
	c.P2P.Seeds = []string{"10.0.0.1:7070"}
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := Save(c, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Node.ID != "saved" || loaded.P2P.BanDuration != c.P2P.BanDuration {
		t.Errorf("Load(Save()) = %+v", loaded)
	}
}
