// Package reputation keeps the voluntary-burn scores of accounts. Burning
// whole tokens once fee burning has retired earns one point per token; points
// decay daily and map to a bounded multiplier that biases transaction pool
// ordering. Reputation never changes consensus validity.
package reputation

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/params"
)

var ErrCorruptRecord = errors.New("reputation: corrupt record encoding")

const (
	// MinMultiplier and MaxMultiplier bound the pool-ordering boost.
	MinMultiplier = 1.0
	MaxMultiplier = 10.0

	msPerDay = 86_400_000
)

// Record is the persisted reputation of one account. RawScore is the score
// as of LastActivity; decay between then and now is applied lazily on read.
type Record struct {
	RawScore     uint64
	LastActivity uint64 // unix milliseconds of the last scoring block
}

// MarshalBinary encodes the record for persistence.
func (r Record) MarshalBinary() ([]byte, error) {
	out := make([]byte, 16)
	binary.BigEndian.PutUint64(out[0:8], r.RawScore)
	binary.BigEndian.PutUint64(out[8:16], r.LastActivity)
	return out, nil
}

// UnmarshalBinary decodes a persisted record.
func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) != 16 {
		return ErrCorruptRecord
	}
	r.RawScore = binary.BigEndian.Uint64(b[0:8])
	r.LastActivity = binary.BigEndian.Uint64(b[8:16])
	return nil
}

// decayed returns the score after applying daily decay from the record's
// last activity to now. Partial days do not decay; a clock running behind
// the record decays nothing.
func (r Record) decayed(decayPerDayBps, nowMs uint64) float64 {
	if r.RawScore == 0 {
		return 0
	}
	if nowMs <= r.LastActivity || decayPerDayBps == 0 {
		return float64(r.RawScore)
	}
	days := (nowMs - r.LastActivity) / msPerDay
	if days == 0 {
		return float64(r.RawScore)
	}
	keep := 1 - float64(decayPerDayBps)/params.SplitDenominatorBps
	return float64(r.RawScore) * math.Pow(keep, float64(days))
}

// Scores tracks the live reputation of all accounts.
type Scores struct {
	cfg *params.ChainConfig

	mu      sync.RWMutex
	records map[common.Address]Record
}

// New creates a score tracker seeded with the persisted records.
func New(cfg *params.ChainConfig, records map[common.Address]Record) *Scores {
	if records == nil {
		records = make(map[common.Address]Record)
	}
	return &Scores{cfg: cfg, records: records}
}

// Observe credits wholeTokens points to addr for a voluntary burn committed
// at blockTimeMs, folding the accrued decay into the stored score, rounded
// to the nearest point. The returned record is what the caller persists with
// the block.
func (s *Scores) Observe(addr common.Address, wholeTokens uint64, blockTimeMs uint64) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[addr]
	folded := uint64(math.Round(rec.decayed(s.cfg.ReputationDecayPerDayBps, blockTimeMs)))
	rec.RawScore = folded + wholeTokens
	if blockTimeMs > rec.LastActivity {
		rec.LastActivity = blockTimeMs
	}
	s.records[addr] = rec
	return rec
}

// EffectiveScore returns the decayed score of addr as of nowMs.
func (s *Scores) EffectiveScore(addr common.Address, nowMs uint64) float64 {
	s.mu.RLock()
	rec, ok := s.records[addr]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return rec.decayed(s.cfg.ReputationDecayPerDayBps, nowMs)
}

// Multiplier returns the pool-ordering boost of addr in [MinMultiplier,
// MaxMultiplier]. The mapping is logarithmic in the effective score and
// saturates at the score ceiling, so early burns move the needle and whales
// cannot run away with ordering.
func (s *Scores) Multiplier(addr common.Address, nowMs uint64) float64 {
	return MultiplierForScore(s.EffectiveScore(addr, nowMs))
}

// Tier buckets the multiplier into an integer the pool sorts on.
func (s *Scores) Tier(addr common.Address, nowMs uint64) int {
	return int(s.Multiplier(addr, nowMs))
}

// MultiplierForScore maps an effective score to the bounded multiplier.
func MultiplierForScore(score float64) float64 {
	if score <= 0 {
		return MinMultiplier
	}
	span := MaxMultiplier - MinMultiplier
	m := MinMultiplier + span*math.Log10(1+score)/math.Log10(1+params.ReputationScoreCeiling)
	if m > MaxMultiplier {
		return MaxMultiplier
	}
	return m
}

// Snapshot copies all records, for shutdown persistence.
func (s *Scores) Snapshot() map[common.Address]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.Address]Record, len(s.records))
	for addr, rec := range s.records {
		out[addr] = rec
	}
	return out
}

// Len returns the number of tracked accounts.
func (s *Scores) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
