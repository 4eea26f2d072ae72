// Package poai defines the pluggable challenge solver behind the AI
// participation proof. The committed-block path never consults the solver;
// the interface exists so a validator can run a model, measure it and weigh
// its own votes by the timings without any change to the protocol.
package poai

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/metrics"
)

var (
	solveMeter        = metrics.NewRegisteredMeter("poai/solves", nil)
	solveFailMeter    = metrics.NewRegisteredMeter("poai/solves/failed", nil)
	solveLatencyGauge = metrics.NewRegisteredGauge("poai/solves/latency", nil)
)

// ErrNoSolution is returned by solvers that cannot produce an output for a
// challenge they otherwise accept.
var ErrNoSolution = errors.New("poai: no solution")

// Challenge is one unit of work handed to the model. The payload derivation
// is up to the caller; block hashes make convenient unpredictable seeds.
type Challenge struct {
	ID       uuid.UUID
	Payload  []byte
	IssuedAt int64 // unix milliseconds
}

// NewChallenge wraps a payload with a fresh random identity.
func NewChallenge(payload []byte) Challenge {
	id, err := uuid.NewRandom()
	if err != nil {
		panic(fmt.Sprintf("Could not create random uuid: %v", err))
	}
	return Challenge{ID: id, Payload: payload, IssuedAt: time.Now().UnixMilli()}
}

// Solution is a solver's output for one challenge, sealed by the node that
// produced it.
type Solution struct {
	ChallengeID uuid.UUID
	Solver      common.Address
	Output      []byte
	ElapsedMs   uint64
	Seal        []byte
}

// SigHash returns the digest the solution seal signs.
func (s *Solution) SigHash() common.Hash {
	var elapsed [8]byte
	binary.BigEndian.PutUint64(elapsed[:], s.ElapsedMs)
	return crypto.Sha3Hash(s.ChallengeID[:], s.Solver[:], elapsed[:], s.Output)
}

// CheckSeal verifies the solver seal.
func (s *Solution) CheckSeal() error {
	sig := s.SigHash()
	return crypto.VerifySeal(s.Solver, sig[:], s.Seal)
}

// Solver runs the AI model. Implementations fill the challenge id and the
// output; identity, timing and seal are stamped by the Prover driving them.
type Solver interface {
	Solve(ctx context.Context, c Challenge) (Solution, time.Duration, error)
}

// NullSolver is the default model: it answers every challenge immediately
// with an empty output, keeping a validator protocol-compatible when no
// model is wired in.
type NullSolver struct{}

func (NullSolver) Solve(_ context.Context, c Challenge) (Solution, time.Duration, error) {
	return Solution{ChallengeID: c.ID}, 0, nil
}

// Prover runs a solver under the node identity. It measures the wall-clock
// solve time, seals the solution with the node key and keeps the latency
// gauge current.
type Prover struct {
	solver Solver
	priv   crypto.PrivateKey
	self   common.Address
}

// NewProver wraps solver, falling back to the NullSolver when none is
// given. The key is required; solutions travel under its address.
func NewProver(solver Solver, priv crypto.PrivateKey) (*Prover, error) {
	if len(priv) == 0 {
		return nil, errors.New("poai: sealing key required")
	}
	if solver == nil {
		solver = NullSolver{}
	}
	return &Prover{
		solver: solver,
		priv:   priv,
		self:   crypto.PubkeyToAddress(crypto.PublicFromPrivate(priv)),
	}, nil
}

// Self returns the address solutions are sealed under.
func (p *Prover) Self() common.Address { return p.self }

// Solve runs the model on the challenge and returns the sealed, timed
// solution. The reported duration is the measured wall clock, not whatever
// the model claims.
func (p *Prover) Solve(ctx context.Context, c Challenge) (Solution, time.Duration, error) {
	start := time.Now()
	solution, _, err := p.solver.Solve(ctx, c)
	elapsed := time.Since(start)
	if err != nil {
		solveFailMeter.Mark(1)
		return Solution{}, elapsed, err
	}
	solution.ChallengeID = c.ID
	solution.Solver = p.self
	solution.ElapsedMs = uint64(elapsed.Milliseconds())
	sig := solution.SigHash()
	solution.Seal = crypto.Seal(p.priv, sig[:])

	solveMeter.Mark(1)
	solveLatencyGauge.Update(elapsed.Milliseconds())
	return solution, elapsed, nil
}
