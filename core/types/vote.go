package types

import (
	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
)

// VoteDecision is a validator's verdict on a proposed block.
type VoteDecision byte

const (
	VoteApprove VoteDecision = 0x01
	VoteReject  VoteDecision = 0x02
)

// Valid reports whether the decision is one of the defined verdicts.
func (d VoteDecision) Valid() bool {
	return d == VoteApprove || d == VoteReject
}

func (d VoteDecision) String() string {
	switch d {
	case VoteApprove:
		return "approve"
	case VoteReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Vote is a validator's sealed verdict on the proposal for one height. A
// validator casts at most one vote per height.
type Vote struct {
	Height    uint64
	BlockHash common.Hash
	Voter     common.Address
	Decision  VoteDecision
	Seal      []byte
}

// Hash returns the vote id: the digest of the full canonical encoding. Used
// for gossip duplicate suppression.
func (v *Vote) Hash() common.Hash {
	return crypto.Sha3Hash(encodeVote(v, true))
}

// SigHash returns the digest the voter seal signs.
func (v *Vote) SigHash() common.Hash {
	return crypto.Sha3Hash(encodeVote(v, false))
}

// CheckSeal verifies the voter seal.
func (v *Vote) CheckSeal() error {
	if len(v.Seal) == 0 {
		return ErrMissingSeal
	}
	sig := v.SigHash()
	return crypto.VerifySeal(v.Voter, sig[:], v.Seal)
}

// SignVote seals the vote with the voter's key.
func SignVote(v *Vote, priv crypto.PrivateKey) *Vote {
	cpy := *v
	sig := v.SigHash()
	cpy.Seal = crypto.Seal(priv, sig[:])
	return &cpy
}
