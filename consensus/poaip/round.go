package poaip

import (
	"sort"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/consensus"
	"github.com/Zollkron/gamerchain-sub000/core/types"
)

// maxPendingVotes bounds the votes buffered while the proposal is still in
// flight. Anything beyond is early enough to be re-gossiped.
const maxPendingVotes = 128

// round is the live agreement attempt for one height. All access is guarded
// by the engine mutex.
type round struct {
	height  uint64
	attempt uint64

	parentHash common.Hash
	parentTs   uint64

	validators []common.Address
	quorum     int
	proposer   common.Address

	phase    consensus.Phase
	proposal *types.Block
	votes    map[common.Address]types.VoteDecision
	pending  []*types.Vote

	timer *time.Timer
}

// newRound freezes the validator set and derives the rotation slot for the
// given attempt. Aborted attempts shift the proposer index by one.
func newRound(parent *types.Block, attempt uint64, validators []common.Address) *round {
	r := &round{
		height:     parent.Height() + 1,
		attempt:    attempt,
		parentHash: parent.Hash(),
		parentTs:   parent.Timestamp(),
		validators: validators,
		quorum:     quorumOf(len(validators)),
		phase:      consensus.PhaseAwaitingProposal,
		votes:      make(map[common.Address]types.VoteDecision),
	}
	if n := uint64(len(validators)); n > 0 {
		// Height 1 goes to the sorted-first validator, aborted attempts
		// shift the slot by one.
		r.proposer = validators[(r.height-1+attempt)%n]
	}
	return r
}

// quorumOf returns the supermajority threshold ceil(2n/3).
func quorumOf(n int) int {
	return (2*n + 2) / 3
}

func (r *round) hasValidator(addr common.Address) bool {
	for _, v := range r.validators {
		if v == addr {
			return true
		}
	}
	return false
}

// tally counts the verdicts recorded so far.
func (r *round) tally() (approvals, rejects int) {
	for _, decision := range r.votes {
		if decision == types.VoteApprove {
			approvals++
		} else {
			rejects++
		}
	}
	return approvals, rejects
}

// buffer holds a vote that arrived ahead of the proposal.
func (r *round) buffer(v *types.Vote) {
	if len(r.pending) < maxPendingVotes {
		r.pending = append(r.pending, v)
	}
}

// takePending drains the buffered votes for replay after the proposal
// arrives.
func (r *round) takePending() []*types.Vote {
	pending := r.pending
	r.pending = nil
	return pending
}

func (r *round) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *round) status() consensus.RoundStatus {
	return consensus.RoundStatus{
		Height:     r.height,
		Attempt:    r.attempt,
		Phase:      r.phase,
		Proposer:   r.proposer,
		Validators: len(r.validators),
		Quorum:     r.quorum,
	}
}

func (r *round) event() consensus.RoundEvent {
	return consensus.RoundEvent{
		Height:          r.height,
		Attempt:         r.attempt,
		Phase:           r.phase,
		Proposer:        r.proposer,
		ParentTimestamp: r.parentTs,
	}
}

// sortedValidators dedupes and orders the roster. Every honest node derives
// the same slice, so the rotation index agrees network-wide.
func sortedValidators(addrs []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(addrs))
	out := make([]common.Address, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IsZero() {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	sort.Sort(common.AddressAscending(out))
	return out
}
