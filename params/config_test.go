package params

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestPresetSanity(t *testing.T) {
	for _, cfg := range []*ChainConfig{MainnetChainConfig, TestnetChainConfig, TestChainConfig} {
		if err := cfg.Sanity(); err != nil {
			t.Fatalf("%s: preset should be sane: %v", cfg.NetworkID, err)
		}
	}
	if MainnetChainConfig.FaucetEnabled {
		t.Fatalf("mainnet must not enable the faucet")
	}
}

func TestSanityRejections(t *testing.T) {
	mutate := func(f func(*ChainConfig)) *ChainConfig {
		cfg := TestChainConfig.Copy()
		f(cfg)
		return cfg
	}
	tests := []struct {
		name string
		cfg  *ChainConfig
	}{
		{"empty network id", mutate(func(c *ChainConfig) { c.NetworkID = "" })},
		{"zero pioneers", mutate(func(c *ChainConfig) { c.PioneerCount = 0 })},
		{"timeout above period", mutate(func(c *ChainConfig) { c.RoundTimeoutMs = c.BlockPeriodMs })},
		{"zero halving period", mutate(func(c *ChainConfig) { c.HalvingPeriodBlocks = 0 })},
		{"negative reward", mutate(func(c *ChainConfig) { c.InitialReward = big.NewInt(-1) })},
		{"nil reward", mutate(func(c *ChainConfig) { c.InitialReward = nil })},
		{"split sum off", mutate(func(c *ChainConfig) { c.InitialSplit.BurnBps = 6001 })},
		{"zero decrement", mutate(func(c *ChainConfig) { c.SplitDecrementBps = 0 })},
		{"zero block txs", mutate(func(c *ChainConfig) { c.MaxTxsPerBlock = 0 })},
	}
	for _, tc := range tests {
		if err := tc.cfg.Sanity(); err == nil {
			t.Errorf("%s: expected sanity error", tc.name)
		}
	}
}

func TestHalvingsUntilBurnFloor(t *testing.T) {
	tests := []struct {
		burnBps, decrementBps uint64
		want                  uint64
	}{
		{6_000, 1_000, 6},
		{6_000, 2_500, 3},
		{100, 10_000, 1},
		{10_000, 10_000, 1},
	}
	for _, tc := range tests {
		cfg := TestChainConfig.Copy()
		cfg.InitialSplit.BurnBps = tc.burnBps
		cfg.SplitDecrementBps = tc.decrementBps
		if got := cfg.HalvingsUntilBurnFloor(); got != tc.want {
			t.Errorf("burn %d dec %d: have %d want %d", tc.burnBps, tc.decrementBps, got, tc.want)
		}
	}
}

func TestCheckCompatible(t *testing.T) {
	if err := TestChainConfig.CheckCompatible(TestChainConfig.Copy()); err != nil {
		t.Fatalf("identical config should be compatible: %v", err)
	}

	other := TestChainConfig.Copy()
	other.NetworkID = "prgld-other"
	err := TestChainConfig.CheckCompatible(other)
	if err == nil {
		t.Fatalf("network id mismatch should be incompatible")
	}
	if err.What != "network id" {
		t.Fatalf("unexpected mismatch field: %q", err.What)
	}

	reward := TestChainConfig.Copy()
	reward.InitialReward = big.NewInt(2048)
	if err := TestChainConfig.CheckCompatible(reward); err == nil {
		t.Fatalf("reward mismatch should be incompatible")
	}

	// Local tuning knobs may change between restarts.
	tuned := TestChainConfig.Copy()
	tuned.RoundRestartDelayMs = 42
	tuned.MaxTxsPerBlock = 7
	if err := TestChainConfig.CheckCompatible(tuned); err != nil {
		t.Fatalf("local knobs should stay compatible: %v", err)
	}
}

func TestChainConfigCopyIsolation(t *testing.T) {
	cfg := TestChainConfig.Copy()
	cfg.InitialReward.SetInt64(1)
	if TestChainConfig.InitialReward.Int64() != 1024 {
		t.Fatalf("copy shares the reward big.Int")
	}
}

func TestChainConfigJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(TestChainConfig)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	var back ChainConfig
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if back.NetworkID != TestChainConfig.NetworkID {
		t.Fatalf("network id mismatch: have %q want %q", back.NetworkID, TestChainConfig.NetworkID)
	}
	if back.InitialSplit != TestChainConfig.InitialSplit {
		t.Fatalf("split mismatch: have %v want %v", back.InitialSplit, TestChainConfig.InitialSplit)
	}
	if back.InitialReward.Cmp(TestChainConfig.InitialReward) != 0 {
		t.Fatalf("reward mismatch: have %v want %v", back.InitialReward, TestChainConfig.InitialReward)
	}
	if err := TestChainConfig.CheckCompatible(&back); err != nil {
		t.Fatalf("round tripped config should be compatible: %v", err)
	}
}

func TestSystemAddressSet(t *testing.T) {
	addrs := SystemAddresses()
	if len(addrs) != 4 {
		t.Fatalf("have %d system addresses, want 4", len(addrs))
	}
	seen := make(map[string]bool)
	for _, addr := range addrs {
		if !IsSystemAddress(addr) {
			t.Fatalf("%v should be a system address", addr)
		}
		if seen[addr.Hex()] {
			t.Fatalf("duplicate system address %v", addr)
		}
		seen[addr.Hex()] = true
	}
	if addrs[0] != LiquidityPoolAddress {
		t.Fatalf("liquidity pool must come first in the genesis order")
	}
}
