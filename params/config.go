package params

import (
	"fmt"
	"math/big"

	"github.com/Zollkron/gamerchain-sub000/common"
)

// Network identifiers. Peers advertising a different identifier during the
// handshake are rejected before they ever become a peer entry.
const (
	MainnetNetworkID = "prgld-mainnet"
	TestnetNetworkID = "prgld-testnet"
)

// NetworkNames are user friendly names to use in the chain banner.
var NetworkNames = map[string]string{
	MainnetNetworkID: "mainnet",
	TestnetNetworkID: "testnet",
}

// SplitDenominatorBps is the fixed-point denominator of fee split shares.
// Shares are expressed in basis points so split arithmetic stays exact.
const SplitDenominatorBps = 10_000

// Split is the three-way division of collected fees between the burn,
// maintenance and liquidity system accounts, in basis points.
type Split struct {
	BurnBps        uint64 `json:"burnBps"`
	MaintenanceBps uint64 `json:"maintenanceBps"`
	LiquidityBps   uint64 `json:"liquidityBps"`
}

// DefaultSplit is the genesis fee split: 60% burn, 30% maintenance,
// 10% liquidity.
var DefaultSplit = Split{BurnBps: 6_000, MaintenanceBps: 3_000, LiquidityBps: 1_000}

// Sum returns the total share in basis points. A well-formed split sums to
// SplitDenominatorBps at all times.
func (s Split) Sum() uint64 {
	return s.BurnBps + s.MaintenanceBps + s.LiquidityBps
}

// String implements fmt.Stringer, rendering percentages.
func (s Split) String() string {
	return fmt.Sprintf("%.2f%%/%.2f%%/%.2f%%",
		float64(s.BurnBps)/100, float64(s.MaintenanceBps)/100, float64(s.LiquidityBps)/100)
}

// ChainConfig is the protocol configuration that every node on a network must
// agree on. It is fixed at genesis: the bootstrap commit covers it, and a node
// restarted against a datadir whose stored config differs refuses to start.
type ChainConfig struct {
	NetworkID string `json:"networkId"` // chain identifier exchanged in the handshake

	// Genesis formation.
	PioneerCount     int      `json:"pioneerCount"`     // exact number of pioneer nodes required to form genesis
	InitialLiquidity *big.Int `json:"initialLiquidity"` // base units credited to the liquidity pool at genesis

	// Block production and consensus timing, all in milliseconds.
	BlockPeriodMs       uint64 `json:"blockPeriodMs"`       // target interval between blocks
	RoundTimeoutMs      uint64 `json:"roundTimeoutMs"`      // proposal round timeout, strictly below BlockPeriodMs
	RoundRestartDelayMs uint64 `json:"roundRestartDelayMs"` // pause before the next proposer retries an aborted height

	// Emission schedule.
	HalvingPeriodBlocks uint64   `json:"halvingPeriodBlocks"` // blocks between reward halvings
	InitialReward       *big.Int `json:"initialReward"`       // block reward before the first halving, base units
	InitialSplit        Split    `json:"initialSplit"`        // fee split before the first halving
	SplitDecrementBps   uint64   `json:"splitDecrementBps"`   // burn share reduction per halving

	// Block and pool bounds.
	MaxTxsPerBlock int `json:"maxTxsPerBlock"` // user transactions per block, system entries excluded

	// Reputation decay applied to voluntary-burn scores, basis points per day.
	ReputationDecayPerDayBps uint64 `json:"reputationDecayPerDayBps"`

	// FaucetEnabled permits FaucetMint transactions. Never set on mainnet.
	FaucetEnabled bool `json:"faucetEnabled,omitempty"`
}

var (
	// MainnetChainConfig is the protocol configuration of the main network.
	MainnetChainConfig = &ChainConfig{
		NetworkID:                MainnetNetworkID,
		PioneerCount:             5,
		InitialLiquidity:         new(big.Int).Mul(big.NewInt(1_048_576), big.NewInt(PRGLD)),
		BlockPeriodMs:            10_000,
		RoundTimeoutMs:           3_000,
		RoundRestartDelayMs:      1_000,
		HalvingPeriodBlocks:      12_614_400, // four years at the 10 s block target
		InitialReward:            new(big.Int).Mul(big.NewInt(1024), big.NewInt(PRGLD)),
		InitialSplit:             DefaultSplit,
		SplitDecrementBps:        1_000,
		MaxTxsPerBlock:           4096,
		ReputationDecayPerDayBps: 100,
	}

	// TestnetChainConfig is the protocol configuration of the public test
	// network. Same shape as mainnet, faster halvings, faucet on.
	TestnetChainConfig = &ChainConfig{
		NetworkID:                TestnetNetworkID,
		PioneerCount:             2,
		InitialLiquidity:         new(big.Int).Mul(big.NewInt(1_048_576), big.NewInt(PRGLD)),
		BlockPeriodMs:            10_000,
		RoundTimeoutMs:           3_000,
		RoundRestartDelayMs:      1_000,
		HalvingPeriodBlocks:      100_000,
		InitialReward:            new(big.Int).Mul(big.NewInt(1024), big.NewInt(PRGLD)),
		InitialSplit:             DefaultSplit,
		SplitDecrementBps:        1_000,
		MaxTxsPerBlock:           4096,
		ReputationDecayPerDayBps: 100,
		FaucetEnabled:            true,
	}

	// TestChainConfig is the calibration configuration used across the unit
	// tests: two pioneers, three-block halvings and small integer amounts so
	// expected balances stay readable.
	TestChainConfig = &ChainConfig{
		NetworkID:                "prgld-test",
		PioneerCount:             2,
		InitialLiquidity:         big.NewInt(1_048_576),
		BlockPeriodMs:            10_000,
		RoundTimeoutMs:           3_000,
		RoundRestartDelayMs:      500,
		HalvingPeriodBlocks:      3,
		InitialReward:            big.NewInt(1024),
		InitialSplit:             DefaultSplit,
		SplitDecrementBps:        1_000,
		MaxTxsPerBlock:           128,
		ReputationDecayPerDayBps: 100,
		FaucetEnabled:            true,
	}
)

// Sanity validates the internal consistency of the configuration. It is run
// before a node starts and before a bootstrap commit is signed.
func (c *ChainConfig) Sanity() error {
	if c.NetworkID == "" {
		return fmt.Errorf("network id must not be empty")
	}
	if c.PioneerCount < 1 {
		return fmt.Errorf("pioneer count must be at least 1, have %d", c.PioneerCount)
	}
	if c.InitialLiquidity == nil || c.InitialLiquidity.Sign() < 0 {
		return fmt.Errorf("initial liquidity must be a non-negative amount")
	}
	if c.BlockPeriodMs == 0 {
		return fmt.Errorf("block period must be positive")
	}
	if c.RoundTimeoutMs == 0 || c.RoundTimeoutMs >= c.BlockPeriodMs {
		return fmt.Errorf("round timeout %dms must be positive and below the block period %dms",
			c.RoundTimeoutMs, c.BlockPeriodMs)
	}
	if c.HalvingPeriodBlocks == 0 {
		return fmt.Errorf("halving period must be positive")
	}
	if c.InitialReward == nil || c.InitialReward.Sign() < 0 {
		return fmt.Errorf("initial reward must be a non-negative amount")
	}
	if sum := c.InitialSplit.Sum(); sum != SplitDenominatorBps {
		return fmt.Errorf("initial split must sum to %d basis points, have %d", SplitDenominatorBps, sum)
	}
	if c.SplitDecrementBps == 0 || c.SplitDecrementBps > SplitDenominatorBps {
		return fmt.Errorf("split decrement %d out of range (0, %d]", c.SplitDecrementBps, SplitDenominatorBps)
	}
	if c.MaxTxsPerBlock <= 0 {
		return fmt.Errorf("max txs per block must be positive, have %d", c.MaxTxsPerBlock)
	}
	if c.ReputationDecayPerDayBps > SplitDenominatorBps {
		return fmt.Errorf("reputation decay %d exceeds %d basis points", c.ReputationDecayPerDayBps, SplitDenominatorBps)
	}
	return nil
}

// HalvingsUntilBurnFloor returns the number of halving transitions after
// which the burn share reaches zero and voluntary burning unlocks.
func (c *ChainConfig) HalvingsUntilBurnFloor() uint64 {
	return (c.InitialSplit.BurnBps + c.SplitDecrementBps - 1) / c.SplitDecrementBps
}

// Copy returns a deep copy of the configuration.
func (c *ChainConfig) Copy() *ChainConfig {
	cpy := *c
	if c.InitialReward != nil {
		cpy.InitialReward = new(big.Int).Set(c.InitialReward)
	}
	if c.InitialLiquidity != nil {
		cpy.InitialLiquidity = new(big.Int).Set(c.InitialLiquidity)
	}
	return &cpy
}

// String implements the fmt.Stringer interface.
func (c *ChainConfig) String() string {
	network := NetworkNames[c.NetworkID]
	if network == "" {
		network = "unknown"
	}
	var banner string
	banner += fmt.Sprintf("Network:   %s (%s)\n", c.NetworkID, network)
	banner += "Consensus: PoAIP (proof of AI participation)\n"
	banner += fmt.Sprintf(" - Block period:   %dms (round timeout %dms)\n", c.BlockPeriodMs, c.RoundTimeoutMs)
	banner += fmt.Sprintf(" - Halving every:  %d blocks\n", c.HalvingPeriodBlocks)
	banner += fmt.Sprintf(" - Initial reward: %v (split %v, decrement %d bps)\n", c.InitialReward, c.InitialSplit, c.SplitDecrementBps)
	banner += fmt.Sprintf(" - Pioneers:       %d", c.PioneerCount)
	return banner
}

// CheckCompatible checks whether the configuration a node was started with
// matches the one stored in its database. The fields checked here are fixed
// at genesis, so any mismatch is fatal: there is no rewind that can repair
// it. Local tuning knobs (restart delay, pool bounds, decay) may change
// between restarts.
func (c *ChainConfig) CheckCompatible(newcfg *ChainConfig) *ConfigCompatError {
	if c.NetworkID != newcfg.NetworkID {
		return newCompatError("network id", c.NetworkID, newcfg.NetworkID)
	}
	if c.PioneerCount != newcfg.PioneerCount {
		return newCompatError("pioneer count", c.PioneerCount, newcfg.PioneerCount)
	}
	if !configNumEqual(c.InitialLiquidity, newcfg.InitialLiquidity) {
		return newCompatError("initial liquidity", c.InitialLiquidity, newcfg.InitialLiquidity)
	}
	if c.BlockPeriodMs != newcfg.BlockPeriodMs {
		return newCompatError("block period", c.BlockPeriodMs, newcfg.BlockPeriodMs)
	}
	if c.RoundTimeoutMs != newcfg.RoundTimeoutMs {
		return newCompatError("round timeout", c.RoundTimeoutMs, newcfg.RoundTimeoutMs)
	}
	if c.HalvingPeriodBlocks != newcfg.HalvingPeriodBlocks {
		return newCompatError("halving period", c.HalvingPeriodBlocks, newcfg.HalvingPeriodBlocks)
	}
	if !configNumEqual(c.InitialReward, newcfg.InitialReward) {
		return newCompatError("initial reward", c.InitialReward, newcfg.InitialReward)
	}
	if c.InitialSplit != newcfg.InitialSplit {
		return newCompatError("initial split", c.InitialSplit, newcfg.InitialSplit)
	}
	if c.SplitDecrementBps != newcfg.SplitDecrementBps {
		return newCompatError("split decrement", c.SplitDecrementBps, newcfg.SplitDecrementBps)
	}
	return nil
}

func configNumEqual(x, y *big.Int) bool {
	if x == nil || y == nil {
		return x == y
	}
	return x.Cmp(y) == 0
}

// ConfigCompatError is raised if a node is started with a ChainConfig that
// contradicts the one its database was initialised with.
type ConfigCompatError struct {
	What        string
	Stored, New string
}

func newCompatError(what string, stored, updated any) *ConfigCompatError {
	return &ConfigCompatError{
		What:   what,
		Stored: fmt.Sprintf("%v", stored),
		New:    fmt.Sprintf("%v", updated),
	}
}

func (err *ConfigCompatError) Error() string {
	return fmt.Sprintf("mismatching %s in database (have %s, want %s)", err.What, err.Stored, err.New)
}

// SystemAddresses returns the well-known system account set in the canonical
// genesis order: liquidity pool, burn, maintenance, developer.
func SystemAddresses() []common.Address {
	return []common.Address{
		LiquidityPoolAddress,
		BurnAddress,
		MaintenanceAddress,
		DeveloperAddress,
	}
}
