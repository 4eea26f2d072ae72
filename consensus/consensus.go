// Package consensus defines the surface between the chain, the networking
// layer and the agreement engine.
package consensus

import (
	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/event"
	"github.com/Zollkron/gamerchain-sub000/params"
)

// Chain is the committed-chain surface the engine drives. Implemented by
// core.BlockChain.
type Chain interface {
	// Config returns the chain configuration.
	Config() *params.ChainConfig

	// CurrentBlock returns the committed tip.
	CurrentBlock() *types.Block

	// ValidateProposal fully validates a candidate block against the tip
	// without committing anything.
	ValidateProposal(block *types.Block) error

	// InsertBlock appends a block to the committed chain.
	InsertBlock(block *types.Block) error
}

// Roster reports the validator set: the addresses of the connected
// artificial-intelligence nodes, the local node included when it holds that
// role. The engine reads it once per round, so membership changes take
// effect at the next round boundary.
type Roster interface {
	AINodes() []common.Address
}

// Broadcaster hands consensus messages to the networking layer for fan-out.
// Implemented by the p2p server; calls must not block on slow peers.
type Broadcaster interface {
	BroadcastProposal(block *types.Block)
	BroadcastVote(vote *types.Vote)
	BroadcastCommitted(block *types.Block)
}

// Phase is the position of a round in its lifecycle.
type Phase byte

const (
	// PhaseAwaitingProposal means the round is open and the expected
	// proposer has not delivered yet.
	PhaseAwaitingProposal Phase = iota
	// PhaseCollecting means a proposal was accepted for voting.
	PhaseCollecting
	// PhaseCommitted means the round's block reached quorum and was
	// appended.
	PhaseCommitted
	// PhaseAborted means the round ended without a block and a restart is
	// scheduled.
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingProposal:
		return "awaiting-proposal"
	case PhaseCollecting:
		return "collecting"
	case PhaseCommitted:
		return "committed"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// RoundStatus is a point-in-time snapshot of the live round.
type RoundStatus struct {
	Height     uint64
	Attempt    uint64
	Phase      Phase
	Proposer   common.Address
	Validators int
	Quorum     int
}

// RoundEvent is posted on every phase transition. The miner keys its
// proposal schedule off these.
type RoundEvent struct {
	Height   uint64
	Attempt  uint64
	Phase    Phase
	Proposer common.Address

	// ParentTimestamp carries the tip timestamp at round start so the
	// proposer can honor the block period without re-reading the chain.
	ParentTimestamp uint64
}

// Engine runs the agreement protocol for one node. All handlers are safe for
// concurrent use; the networking layer calls them from its dispatch
// goroutines.
type Engine interface {
	// Start opens the first round on top of the current tip.
	Start() error

	// Stop cancels the live round and releases timers.
	Stop()

	// Propose submits the local node's own candidate for the live round.
	Propose(block *types.Block) error

	// HandleProposal ingests a proposal received from the network.
	HandleProposal(block *types.Block) error

	// HandleVote ingests a vote received from the network.
	HandleVote(vote *types.Vote) error

	// HandleCommitted ingests a block announced as committed. Returns
	// ErrFutureBlock when the local chain is behind by more than one
	// block and a range sync is needed.
	HandleCommitted(block *types.Block) error

	// CurrentRound reports the live round.
	CurrentRound() RoundStatus

	// SubscribeRoundEvent registers for phase transitions.
	SubscribeRoundEvent(ch chan<- RoundEvent) event.Subscription
}
