// Package emission implements the halving schedule of gamerchain: the block
// reward halves every HalvingPeriodBlocks, and with every halving a slice of
// the burn share of transaction fees moves to maintenance and liquidity until
// burning stops entirely.
package emission

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/params"
)

var ErrCorruptState = errors.New("emission: corrupt state encoding")

// stateVersion tags the persisted encoding of State.
const stateVersion byte = 1

// State is the emission position as of a committed tip: the reward the next
// block pays, the fee split it applies and how many halvings have elapsed.
// It is persisted in the same batch as the block that advanced it.
type State struct {
	RewardNow       *big.Int
	Split           params.Split
	HalvingsElapsed uint64
}

// GenesisState returns the emission position before the first block.
func GenesisState(cfg *params.ChainConfig) *State {
	return &State{
		RewardNow: new(big.Int).Set(cfg.InitialReward),
		Split:     cfg.InitialSplit,
	}
}

// Copy returns a deep copy of the state.
func (s *State) Copy() *State {
	return &State{
		RewardNow:       new(big.Int).Set(s.RewardNow),
		Split:           s.Split,
		HalvingsElapsed: s.HalvingsElapsed,
	}
}

// MarshalBinary encodes the state for persistence.
func (s *State) MarshalBinary() ([]byte, error) {
	reward := s.RewardNow.Bytes()
	out := make([]byte, 0, 1+4+len(reward)+3*4+8)
	out = append(out, stateVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(reward)))
	out = append(out, reward...)
	out = binary.BigEndian.AppendUint32(out, uint32(s.Split.BurnBps))
	out = binary.BigEndian.AppendUint32(out, uint32(s.Split.MaintenanceBps))
	out = binary.BigEndian.AppendUint32(out, uint32(s.Split.LiquidityBps))
	out = binary.BigEndian.AppendUint64(out, s.HalvingsElapsed)
	return out, nil
}

// UnmarshalBinary decodes a persisted state, rejecting trailing bytes.
func (s *State) UnmarshalBinary(b []byte) error {
	if len(b) < 5 {
		return ErrCorruptState
	}
	if b[0] != stateVersion {
		return fmt.Errorf("%w: version %d", ErrCorruptState, b[0])
	}
	n := int(binary.BigEndian.Uint32(b[1:5]))
	rest := b[5:]
	if len(rest) != n+3*4+8 {
		return ErrCorruptState
	}
	s.RewardNow = new(big.Int).SetBytes(rest[:n])
	rest = rest[n:]
	s.Split = params.Split{
		BurnBps:        uint64(binary.BigEndian.Uint32(rest[0:4])),
		MaintenanceBps: uint64(binary.BigEndian.Uint32(rest[4:8])),
		LiquidityBps:   uint64(binary.BigEndian.Uint32(rest[8:12])),
	}
	s.HalvingsElapsed = binary.BigEndian.Uint64(rest[12:20])
	return nil
}

// RewardFor derives the reward paid by the block at height from the schedule
// alone. The transition at a halving height applies to later blocks only, so
// the block at the halving height itself still pays the old reward.
func RewardFor(cfg *params.ChainConfig, height uint64) *big.Int {
	if height == 0 {
		return new(big.Int)
	}
	halvings := (height - 1) / cfg.HalvingPeriodBlocks
	reward := new(big.Int).Set(cfg.InitialReward)
	if halvings >= uint64(reward.BitLen()) {
		return new(big.Int)
	}
	return reward.Rsh(reward, uint(halvings))
}

// SplitFor derives the fee split applied by the block at height, following
// the same boundary rule as RewardFor.
func SplitFor(cfg *params.ChainConfig, height uint64) params.Split {
	if height == 0 {
		return cfg.InitialSplit
	}
	halvings := (height - 1) / cfg.HalvingPeriodBlocks
	split := cfg.InitialSplit
	for i := uint64(0); i < halvings && split.BurnBps > 0; i++ {
		split = shiftSplit(split, cfg.SplitDecrementBps)
	}
	return split
}

// shiftSplit moves one decrement of the burn share to maintenance and
// liquidity, clamping at zero. The removed share is redistributed half and
// half, an odd basis point going to liquidity, so the split keeps summing to
// the full denominator.
func shiftSplit(s params.Split, decrementBps uint64) params.Split {
	removed := decrementBps
	if removed > s.BurnBps {
		removed = s.BurnBps
	}
	half := removed / 2
	return params.Split{
		BurnBps:        s.BurnBps - removed,
		MaintenanceBps: s.MaintenanceBps + half,
		LiquidityBps:   s.LiquidityBps + (removed - half),
	}
}

// Engine tracks the live emission position of a chain. All methods are safe
// for concurrent use.
type Engine struct {
	cfg *params.ChainConfig

	mu    sync.RWMutex
	state *State
}

// New creates an engine at the given persisted position, or at the genesis
// position when state is nil.
func New(cfg *params.ChainConfig, state *State) *Engine {
	if state == nil {
		state = GenesisState(cfg)
	}
	return &Engine{cfg: cfg, state: state.Copy()}
}

// State returns a copy of the current emission position.
func (e *Engine) State() *State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Copy()
}

// Reward returns the block reward the next committed block pays.
func (e *Engine) Reward() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return new(big.Int).Set(e.state.RewardNow)
}

// FeeSplit returns the fee split the next committed block applies.
func (e *Engine) FeeSplit() params.Split {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Split
}

// VoluntaryBurnUnlocked reports whether the burn share has reached zero,
// which is the point from which voluntary burn transactions are accepted.
func (e *Engine) VoluntaryBurnUnlocked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Split.BurnBps == 0
}

// SplitFees divides total collected fees by the current split. The three
// amounts sum to the input exactly: burn and maintenance round down and the
// remainder, dust included, goes to liquidity.
func (e *Engine) SplitFees(total *big.Int) (burn, maintenance, liquidity *big.Int) {
	e.mu.RLock()
	split := e.state.Split
	e.mu.RUnlock()
	return SplitAmounts(total, split)
}

// SplitAmounts divides total by the given split with exact conservation.
func SplitAmounts(total *big.Int, split params.Split) (burn, maintenance, liquidity *big.Int) {
	denom := big.NewInt(params.SplitDenominatorBps)
	burn = new(big.Int).Mul(total, new(big.Int).SetUint64(split.BurnBps))
	burn.Div(burn, denom)
	maintenance = new(big.Int).Mul(total, new(big.Int).SetUint64(split.MaintenanceBps))
	maintenance.Div(maintenance, denom)
	liquidity = new(big.Int).Sub(total, burn)
	liquidity.Sub(liquidity, maintenance)
	return burn, maintenance, liquidity
}

// ObserveCommitted advances the schedule for a block committed at height.
// A transition fires when height is a positive multiple of the halving
// period; it affects the blocks after height, never height itself. The
// caller persists the returned state in the block's commit batch.
func (e *Engine) ObserveCommitted(height uint64) *State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if height > 0 && height%e.cfg.HalvingPeriodBlocks == 0 {
		e.state.RewardNow.Rsh(e.state.RewardNow, 1)
		oldSplit := e.state.Split
		if oldSplit.BurnBps > 0 {
			e.state.Split = shiftSplit(oldSplit, e.cfg.SplitDecrementBps)
		}
		e.state.HalvingsElapsed++

		log.Info("Emission halving", "height", height,
			"reward", e.state.RewardNow, "split", e.state.Split,
			"halvings", e.state.HalvingsElapsed)
		if oldSplit.BurnBps > 0 && e.state.Split.BurnBps == 0 {
			log.Info("Fee burning retired, voluntary burn unlocked", "height", height)
		}
	}
	return e.state.Copy()
}
