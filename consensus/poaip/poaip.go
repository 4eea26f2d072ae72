// Package poaip implements the proof-of-AI-participation agreement engine.
//
// The chain advances in fixed-interval rounds. At each height the connected
// AI node set is frozen, one member is selected by rotation to propose a
// block, and the others vote on it. A supermajority of approvals (ceil(2N/3))
// commits the block; a supermajority of rejections, or silence past the round
// timeout, aborts the attempt and hands the height to the next proposer after
// a short pause. Every attempt re-freezes the roster, so a dropped validator
// shrinks the quorum instead of stalling the chain.
package poaip

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/consensus"
	"github.com/Zollkron/gamerchain-sub000/core"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/event"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/metrics"
	"github.com/Zollkron/gamerchain-sub000/params"
)

const sealCacheLimit = 4096 // verified vote seals to keep cached

var (
	roundOpenedMeter    = metrics.NewRegisteredMeter("poaip/rounds/opened", nil)
	roundCommittedMeter = metrics.NewRegisteredMeter("poaip/rounds/committed", nil)
	roundAbortedMeter   = metrics.NewRegisteredMeter("poaip/rounds/aborted", nil)
	voteDroppedMeter    = metrics.NewRegisteredMeter("poaip/votes/dropped", nil)
)

// Engine drives the agreement protocol for one node. All message handlers
// run synchronously under one mutex; timers fire through generation-checked
// callbacks so a timer armed for an abandoned round can never touch a later
// one.
type Engine struct {
	config *params.ChainConfig
	chain  consensus.Chain
	roster consensus.Roster
	net    consensus.Broadcaster

	self   common.Address
	priv   crypto.PrivateKey
	voting bool

	mu      sync.Mutex
	round   *round
	gen     uint64 // bumped on every round transition, stale timers check it
	started bool
	stopped bool

	sigcache *lru.ARCCache // vote id -> verified, skips repeat seal checks

	roundFeed event.Feed[consensus.RoundEvent]
	scope     event.SubscriptionScope
}

// outbox collects the messages and events a state transition produced while
// the engine mutex was held. Feeds and broadcasts deliver after unlock; a
// subscriber calling back into the engine must not deadlock.
type outbox struct {
	events    []consensus.RoundEvent
	proposal  *types.Block
	vote      *types.Vote
	committed *types.Block
}

// New creates an agreement engine. A voting engine seals votes and proposals
// with priv; a non-voting one only follows committed blocks.
func New(config *params.ChainConfig, chain consensus.Chain, roster consensus.Roster, net consensus.Broadcaster, priv crypto.PrivateKey, voting bool) (*Engine, error) {
	if voting && len(priv) == 0 {
		return nil, errors.New("poaip: voting engine needs a sealing key")
	}
	sigcache, _ := lru.NewARC(sealCacheLimit)
	e := &Engine{
		config:   config,
		chain:    chain,
		roster:   roster,
		net:      net,
		priv:     priv,
		voting:   voting,
		sigcache: sigcache,
	}
	if len(priv) > 0 {
		e.self = crypto.PubkeyToAddress(crypto.PublicFromPrivate(priv))
	}
	return e, nil
}

// Start opens the first round on top of the current tip. Calling Start on a
// running engine is a no-op.
func (e *Engine) Start() error {
	out := new(outbox)
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return consensus.ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.startRoundLocked(0, out)
	e.mu.Unlock()

	e.dispatch(out)
	return nil
}

// Stop terminates the engine. Outstanding timers are disarmed and further
// calls fail with ErrStopped. Stop does not block on in-flight handlers.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.gen++
	if e.round != nil {
		e.round.stopTimer()
	}
	e.mu.Unlock()

	e.scope.Close()
	log.Info("Agreement engine stopped")
}

// Propose submits a locally built block for the round this node leads. The
// engine validates it, broadcasts it and casts its own approval.
func (e *Engine) Propose(block *types.Block) error {
	out := new(outbox)
	e.mu.Lock()
	err := e.proposeLocked(block, out)
	e.mu.Unlock()

	e.dispatch(out)
	return err
}

func (e *Engine) proposeLocked(block *types.Block, out *outbox) error {
	if e.stopped || e.round == nil {
		return consensus.ErrStopped
	}
	r := e.round
	if !e.voting || !r.hasValidator(e.self) {
		return consensus.ErrNotValidator
	}
	switch {
	case block.Height() < r.height:
		return consensus.ErrStaleMessage
	case block.Height() > r.height:
		return consensus.ErrFutureBlock
	}
	if r.phase != consensus.PhaseAwaitingProposal {
		return consensus.ErrStaleMessage
	}
	if r.proposer != e.self || block.Proposer() != e.self {
		return consensus.ErrWrongProposer
	}
	if err := e.chain.ValidateProposal(block); err != nil {
		return err
	}
	out.proposal = block
	e.adoptProposalLocked(r, block, types.VoteApprove, out)
	return nil
}

// HandleProposal processes a proposal received from the network. A valid
// proposal from the expected proposer moves the round to vote collection and
// triggers this node's own vote; an invalid one triggers a rejection vote.
func (e *Engine) HandleProposal(block *types.Block) error {
	out := new(outbox)
	e.mu.Lock()
	err := e.handleProposalLocked(block, out)
	e.mu.Unlock()

	e.dispatch(out)
	return err
}

func (e *Engine) handleProposalLocked(block *types.Block, out *outbox) error {
	if e.stopped || e.round == nil {
		return consensus.ErrStopped
	}
	r := e.round
	switch {
	case block.Height() < r.height:
		return consensus.ErrStaleMessage
	case block.Height() > r.height:
		return consensus.ErrFutureBlock
	}
	if r.phase != consensus.PhaseAwaitingProposal {
		// Relay duplicate for the proposal already under vote.
		return nil
	}
	if block.Proposer() != r.proposer {
		return consensus.ErrWrongProposer
	}
	// Authenticate before adopting: a forged header must not consume the
	// round while the genuine proposal is still in flight.
	if err := block.Header().CheckSeal(); err != nil {
		return err
	}
	decision := types.VoteApprove
	if err := e.chain.ValidateProposal(block); err != nil {
		log.Warn("Rejecting invalid proposal", "height", block.Height(), "hash", block.Hash(), "proposer", block.Proposer(), "err", err)
		decision = types.VoteReject
	}
	e.adoptProposalLocked(r, block, decision, out)
	return nil
}

// adoptProposalLocked installs the round's proposal, casts this node's vote
// and replays any votes that arrived ahead of the proposal.
func (e *Engine) adoptProposalLocked(r *round, block *types.Block, decision types.VoteDecision, out *outbox) {
	r.proposal = block
	r.phase = consensus.PhaseCollecting
	out.events = append(out.events, r.event())

	e.castVoteLocked(r, decision, out)
	for _, vote := range r.takePending() {
		if err := e.recordVoteLocked(r, vote); err != nil {
			voteDroppedMeter.Mark(1)
		}
	}
	e.tallyLocked(r, out)
}

// castVoteLocked records and broadcasts this node's own vote, if it is a
// validator of the round and has not voted yet.
func (e *Engine) castVoteLocked(r *round, decision types.VoteDecision, out *outbox) {
	if !e.voting || !r.hasValidator(e.self) {
		return
	}
	if _, ok := r.votes[e.self]; ok {
		return
	}
	r.votes[e.self] = decision
	out.vote = types.SignVote(&types.Vote{
		Height:    r.height,
		BlockHash: r.proposal.Hash(),
		Voter:     e.self,
		Decision:  decision,
	}, e.priv)
}

// HandleVote processes a vote received from the network. Votes ahead of the
// proposal are buffered; the first vote per validator counts, a repeat is
// reported as duplicate or equivocation.
func (e *Engine) HandleVote(vote *types.Vote) error {
	out := new(outbox)
	e.mu.Lock()
	err := e.handleVoteLocked(vote, out)
	e.mu.Unlock()

	e.dispatch(out)
	return err
}

func (e *Engine) handleVoteLocked(vote *types.Vote, out *outbox) error {
	if e.stopped || e.round == nil {
		return consensus.ErrStopped
	}
	r := e.round
	if !vote.Decision.Valid() {
		return consensus.ErrInvalidVote
	}
	switch {
	case vote.Height < r.height:
		return consensus.ErrStaleMessage
	case vote.Height > r.height:
		return consensus.ErrFutureBlock
	}
	if err := e.checkVoteSeal(vote); err != nil {
		return err
	}
	if !r.hasValidator(vote.Voter) {
		return consensus.ErrUnknownValidator
	}
	switch r.phase {
	case consensus.PhaseAwaitingProposal:
		r.buffer(vote)
		return nil
	case consensus.PhaseCollecting:
		if err := e.recordVoteLocked(r, vote); err != nil {
			return err
		}
		e.tallyLocked(r, out)
		return nil
	default:
		return consensus.ErrStaleMessage
	}
}

// recordVoteLocked counts a vote against the round's proposal. The first
// decision per validator stands.
func (e *Engine) recordVoteLocked(r *round, vote *types.Vote) error {
	if r.proposal == nil || vote.BlockHash != r.proposal.Hash() {
		return consensus.ErrStaleMessage
	}
	if prev, ok := r.votes[vote.Voter]; ok {
		if prev == vote.Decision {
			return consensus.ErrDuplicateVote
		}
		return consensus.ErrEquivocation
	}
	r.votes[vote.Voter] = vote.Decision
	return nil
}

// checkVoteSeal verifies the vote seal, short-circuiting through the cache
// for votes seen on multiple gossip paths.
func (e *Engine) checkVoteSeal(vote *types.Vote) error {
	hash := vote.Hash()
	if _, ok := e.sigcache.Get(hash); ok {
		return nil
	}
	if err := vote.CheckSeal(); err != nil {
		return err
	}
	e.sigcache.Add(hash, struct{}{})
	return nil
}

// tallyLocked checks the verdict counts against the quorum and settles the
// round when either side reaches it.
func (e *Engine) tallyLocked(r *round, out *outbox) {
	if r.phase != consensus.PhaseCollecting {
		return
	}
	approvals, rejects := r.tally()
	if approvals >= r.quorum {
		e.commitLocked(r, out)
	} else if rejects >= r.quorum {
		e.abortLocked(r, "rejected", out)
	}
}

// commitLocked appends the agreed block and opens the next round. The local
// chain refusing a block the network agreed on is unrecoverable.
func (e *Engine) commitLocked(r *round, out *outbox) {
	r.stopTimer()
	block := r.proposal
	if err := e.chain.InsertBlock(block); err != nil && !errors.Is(err, core.ErrKnownBlock) {
		if errors.Is(err, core.ErrSideChainBlock) {
			log.Crit("Local fork detected", "height", block.Height(), "hash", block.Hash())
		}
		log.Crit("Failed to append agreed block", "height", block.Height(), "hash", block.Hash(), "err", err)
	}
	r.phase = consensus.PhaseCommitted
	roundCommittedMeter.Mark(1)

	approvals, _ := r.tally()
	log.Info("Committed block", "height", block.Height(), "hash", block.Hash(), "txs", len(block.Transactions()),
		"attempt", r.attempt, "approvals", approvals, "quorum", r.quorum)
	out.events = append(out.events, r.event())
	out.committed = block

	e.startRoundLocked(0, out)
}

// abortLocked abandons the attempt and schedules the next one after the
// restart delay. The rotation hands the retry to the next validator.
func (e *Engine) abortLocked(r *round, reason string, out *outbox) {
	r.stopTimer()
	r.phase = consensus.PhaseAborted
	roundAbortedMeter.Mark(1)

	log.Warn("Agreement round aborted", "height", r.height, "attempt", r.attempt, "proposer", r.proposer, "reason", reason)
	out.events = append(out.events, r.event())

	e.gen++
	gen := e.gen
	next := r.attempt + 1
	time.AfterFunc(time.Duration(e.config.RoundRestartDelayMs)*time.Millisecond, func() {
		e.onRestart(gen, next)
	})
}

// HandleCommitted processes a committed block announced by a peer. Blocks at
// or below the tip are checked for consistency, the next block is adopted
// after full validation, anything further ahead reports ErrFutureBlock so
// the caller can range-sync.
func (e *Engine) HandleCommitted(block *types.Block) error {
	out := new(outbox)
	e.mu.Lock()
	err := e.handleCommittedLocked(block, out)
	e.mu.Unlock()

	e.dispatch(out)
	return err
}

func (e *Engine) handleCommittedLocked(block *types.Block, out *outbox) error {
	if e.stopped {
		return consensus.ErrStopped
	}
	tip := e.chain.CurrentBlock()
	switch {
	case block.Height() <= tip.Height():
		err := e.chain.InsertBlock(block)
		if err == nil || errors.Is(err, core.ErrKnownBlock) {
			return nil
		}
		if errors.Is(err, core.ErrSideChainBlock) {
			// A peer committed a different block at a height we hold. The
			// network split; refusing to run is the only safe answer.
			log.Crit("Local fork detected", "height", block.Height(), "hash", block.Hash())
		}
		return err
	case block.Height() == tip.Height()+1:
		if err := e.chain.InsertBlock(block); err != nil {
			if errors.Is(err, core.ErrKnownBlock) {
				return nil
			}
			if errors.Is(err, core.ErrSideChainBlock) {
				log.Crit("Local fork detected", "height", block.Height(), "hash", block.Hash())
			}
			// Gossip is unauthenticated beyond the proposer seal; a bad
			// block from a peer must not take the node down.
			log.Warn("Dropping invalid committed block", "height", block.Height(), "hash", block.Hash(), "err", err)
			return err
		}
		log.Info("Adopted committed block", "height", block.Height(), "hash", block.Hash(), "txs", len(block.Transactions()))
		if r := e.round; r != nil {
			r.stopTimer()
			// The network settled the height without the local round. Close
			// it out so subscribers can reclaim whatever they staged for it.
			if r.phase == consensus.PhaseAwaitingProposal || r.phase == consensus.PhaseCollecting {
				r.phase = consensus.PhaseAborted
				out.events = append(out.events, r.event())
			}
			e.startRoundLocked(0, out)
		}
		return nil
	default:
		return consensus.ErrFutureBlock
	}
}

// startRoundLocked freezes the roster and opens a fresh attempt on top of the
// current tip. Previously armed timers are invalidated by the generation
// bump. With an empty roster no timer is armed; the round only moves through
// committed blocks adopted from peers.
func (e *Engine) startRoundLocked(attempt uint64, out *outbox) {
	parent := e.chain.CurrentBlock()
	validators := sortedValidators(e.roster.AINodes())
	r := newRound(parent, attempt, validators)
	e.round = r
	e.gen++
	roundOpenedMeter.Mark(1)

	if len(r.validators) > 0 {
		gen := e.gen
		r.timer = time.AfterFunc(e.roundDeadline(r), func() { e.onTimeout(gen) })
	}

	log.Debug("Opened agreement round", "height", r.height, "attempt", r.attempt, "proposer", r.proposer,
		"validators", len(r.validators), "quorum", r.quorum)
	out.events = append(out.events, r.event())
}

// roundDeadline computes how long to wait before declaring the attempt dead.
// A first attempt is due one block period after the parent, so the timeout
// counts from there; retries are due immediately.
func (e *Engine) roundDeadline(r *round) time.Duration {
	timeout := time.Duration(e.config.RoundTimeoutMs) * time.Millisecond
	if r.attempt > 0 {
		return timeout
	}
	wait := time.Until(time.UnixMilli(int64(r.parentTs + e.config.BlockPeriodMs)))
	if wait < 0 {
		wait = 0
	}
	return wait + timeout
}

// onTimeout fires when a round outlives its deadline without settling.
func (e *Engine) onTimeout(gen uint64) {
	out := new(outbox)
	e.mu.Lock()
	if e.stopped || gen != e.gen || e.round == nil {
		e.mu.Unlock()
		return
	}
	r := e.round
	if r.phase != consensus.PhaseAwaitingProposal && r.phase != consensus.PhaseCollecting {
		e.mu.Unlock()
		return
	}
	e.abortLocked(r, "timeout", out)
	e.mu.Unlock()

	e.dispatch(out)
}

// onRestart opens the follow-up attempt after an abort, unless the round
// moved on in the meantime.
func (e *Engine) onRestart(gen, attempt uint64) {
	out := new(outbox)
	e.mu.Lock()
	if e.stopped || gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.startRoundLocked(attempt, out)
	e.mu.Unlock()

	e.dispatch(out)
}

// CurrentRound returns a snapshot of the live round.
func (e *Engine) CurrentRound() consensus.RoundStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.round == nil {
		return consensus.RoundStatus{}
	}
	return e.round.status()
}

// SubscribeRoundEvent registers a channel for round transitions.
func (e *Engine) SubscribeRoundEvent(ch chan<- consensus.RoundEvent) event.Subscription {
	return e.scope.Track(e.roundFeed.Subscribe(ch))
}

// dispatch delivers broadcasts and feed events produced under the mutex.
// Feed sends block until every subscriber has received, so they must never
// run with the engine locked.
func (e *Engine) dispatch(out *outbox) {
	if out.proposal != nil {
		e.net.BroadcastProposal(out.proposal)
	}
	if out.vote != nil {
		e.net.BroadcastVote(out.vote)
	}
	if out.committed != nil {
		e.net.BroadcastCommitted(out.committed)
	}
	for _, ev := range out.events {
		e.roundFeed.Send(ev)
	}
}
