package consensus

import "errors"

var (
	// ErrStopped is returned by handlers after Stop.
	ErrStopped = errors.New("consensus: engine stopped")

	// ErrNotValidator is returned when the local node tries to act in a
	// round it is not part of.
	ErrNotValidator = errors.New("consensus: local node not in validator set")

	// ErrStaleMessage is returned for proposals and votes below the live
	// round. Gossip replays old heights constantly; callers drop these
	// silently.
	ErrStaleMessage = errors.New("consensus: message for a settled height")

	// ErrWrongProposer is returned for a proposal signed by anyone but the
	// rotation's expected proposer.
	ErrWrongProposer = errors.New("consensus: proposal from unexpected proposer")

	// ErrUnknownValidator is returned for votes from outside the round's
	// validator set.
	ErrUnknownValidator = errors.New("consensus: vote from unknown validator")

	// ErrInvalidVote is returned for votes that fail structural or seal
	// checks.
	ErrInvalidVote = errors.New("consensus: invalid vote")

	// ErrDuplicateVote is returned when a validator votes twice in one
	// round with the same verdict.
	ErrDuplicateVote = errors.New("consensus: duplicate vote")

	// ErrEquivocation is returned when a validator contradicts its earlier
	// vote in the same round. The first vote stands.
	ErrEquivocation = errors.New("consensus: equivocating vote")

	// ErrFutureBlock is returned by HandleCommitted when the block does
	// not extend the local tip and a catch-up sync must fill the gap.
	ErrFutureBlock = errors.New("consensus: block beyond local tip")
)
