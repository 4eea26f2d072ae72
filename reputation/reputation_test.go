package reputation

import (
	"math"
	"testing"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/params"
)

var (
	addrA = common.BytesToAddress([]byte{0xaa})
	addrB = common.BytesToAddress([]byte{0xbb})
)

func TestObserveAccumulatesPoints(t *testing.T) {
	s := New(params.TestChainConfig, nil)

	rec := s.Observe(addrA, 100, 1000)
	if rec.RawScore != 100 || rec.LastActivity != 1000 {
		t.Fatalf("have %+v, want raw 100 at 1000", rec)
	}
	rec = s.Observe(addrA, 50, 2000)
	if rec.RawScore != 150 {
		t.Fatalf("have raw %d, want 150", rec.RawScore)
	}
}

func TestEffectiveScoreDecaysDaily(t *testing.T) {
	s := New(params.TestChainConfig, nil) // 100 bps per day = 1%

	s.Observe(addrA, 10_000, 0)

	if have := s.EffectiveScore(addrA, msPerDay-1); have != 10_000 {
		t.Fatalf("partial day decayed: have %v, want 10000", have)
	}
	if have, want := s.EffectiveScore(addrA, msPerDay), 9_900.0; math.Abs(have-want) > 1e-6 {
		t.Fatalf("one day: have %v, want %v", have, want)
	}
	if have, want := s.EffectiveScore(addrA, 2*msPerDay), 9_801.0; math.Abs(have-want) > 1e-6 {
		t.Fatalf("two days: have %v, want %v", have, want)
	}
}

func TestEffectiveScoreNeverMutates(t *testing.T) {
	s := New(params.TestChainConfig, nil)
	s.Observe(addrA, 10_000, 0)

	for i := 0; i < 5; i++ {
		s.EffectiveScore(addrA, 100*msPerDay)
	}
	snap := s.Snapshot()
	if rec := snap[addrA]; rec.RawScore != 10_000 || rec.LastActivity != 0 {
		t.Fatalf("read path mutated record: %+v", rec)
	}
}

func TestObserveFoldsDecay(t *testing.T) {
	s := New(params.TestChainConfig, nil)
	s.Observe(addrA, 10_000, 0)

	// One day later a fresh burn folds the decayed 9900 and adds 100.
	rec := s.Observe(addrA, 100, msPerDay)
	if rec.RawScore != 10_000 {
		t.Fatalf("have raw %d, want 10000", rec.RawScore)
	}
	if rec.LastActivity != msPerDay {
		t.Fatalf("have last activity %d, want %d", rec.LastActivity, msPerDay)
	}
}

func TestMultiplierBounds(t *testing.T) {
	if have := MultiplierForScore(0); have != MinMultiplier {
		t.Fatalf("zero score: have %v, want %v", have, MinMultiplier)
	}
	if have := MultiplierForScore(-5); have != MinMultiplier {
		t.Fatalf("negative score: have %v, want %v", have, MinMultiplier)
	}
	if have := MultiplierForScore(params.ReputationScoreCeiling); math.Abs(have-MaxMultiplier) > 1e-9 {
		t.Fatalf("ceiling score: have %v, want %v", have, MaxMultiplier)
	}
	if have := MultiplierForScore(1e12); have != MaxMultiplier {
		t.Fatalf("beyond ceiling: have %v, want %v", have, MaxMultiplier)
	}
}

func TestMultiplierMonotone(t *testing.T) {
	prev := MultiplierForScore(0)
	for _, score := range []float64{1, 10, 100, 1_000, 10_000, 100_000, params.ReputationScoreCeiling} {
		m := MultiplierForScore(score)
		if m < prev {
			t.Fatalf("multiplier not monotone at score %v: %v < %v", score, m, prev)
		}
		prev = m
	}
}

func TestTierBuckets(t *testing.T) {
	s := New(params.TestChainConfig, nil)
	if have := s.Tier(addrA, 0); have != 1 {
		t.Fatalf("unknown address tier: have %d, want 1", have)
	}
	s.Observe(addrB, params.ReputationScoreCeiling, 0)
	if have := s.Tier(addrB, 0); have != 10 {
		t.Fatalf("saturated tier: have %d, want 10", have)
	}
}

func TestRecordBinaryRoundTrip(t *testing.T) {
	rec := Record{RawScore: 12345, LastActivity: 1_700_000_000_000}
	blob, err := rec.MarshalBinary()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var decoded Record
	if err := decoded.UnmarshalBinary(blob); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != rec {
		t.Fatalf("have %+v, want %+v", decoded, rec)
	}
	if err := decoded.UnmarshalBinary(blob[:15]); err == nil {
		t.Fatalf("expected short record rejection")
	}
}

func TestNewSeedsPersistedRecords(t *testing.T) {
	seed := map[common.Address]Record{
		addrA: {RawScore: 777, LastActivity: 42},
	}
	s := New(params.TestChainConfig, seed)
	if have := s.EffectiveScore(addrA, 42); have != 777 {
		t.Fatalf("have %v, want 777", have)
	}
	if s.Len() != 1 {
		t.Fatalf("have %d records, want 1", s.Len())
	}
}
