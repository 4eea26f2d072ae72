// Package bootstrap implements network formation. A fresh network has no
// genesis block; instead, a configured number of pioneer nodes connect to
// each other, exchange sealed endorsements of the genesis parameters, and
// derive the identical first block independently once every endorsement
// agrees. The formation runs exactly once per database: after the genesis
// is durable, all further endorsements are rejected.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/event"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/metrics"
	"github.com/Zollkron/gamerchain-sub000/p2p"
	"github.com/Zollkron/gamerchain-sub000/params"
	"github.com/Zollkron/gamerchain-sub000/prgldb"
)

const (
	// defaultRestartDelay spaces out formation attempts after a parameter
	// disagreement, so two misconfigured pioneers do not flood each other.
	defaultRestartDelay = 2 * time.Second

	// maxBufferedCommits bounds the endorsements held for pioneers that are
	// not part of the current roster. Sealing a commit needs a real key, but
	// any key seals its own commit, so the buffer cannot grow unchecked.
	maxBufferedCommits = 64
)

var (
	// ErrBootstrapComplete is returned for endorsements arriving after the
	// genesis block has been formed. The network forms at most once.
	ErrBootstrapComplete = errors.New("bootstrap: network already formed")

	// ErrStopped is returned when the manager has been shut down before the
	// network formed.
	ErrStopped = errors.New("bootstrap: manager stopped")
)

var (
	readyMeter       = metrics.NewRegisteredMeter("bootstrap/ready", nil)
	abortMeter       = metrics.NewRegisteredMeter("bootstrap/aborts", nil)
	staleCommitMeter = metrics.NewRegisteredMeter("bootstrap/commits/stale", nil)
	extraCommitMeter = metrics.NewRegisteredMeter("bootstrap/commits/extra", nil)
)

// State is the formation progress of the local pioneer.
type State int

const (
	// StateIdle means no remote pioneer has ever been seen.
	StateIdle State = iota
	// StateCollecting means at least one pioneer has connected but the set
	// has not reached the configured size.
	StateCollecting
	// StateReady means the full pioneer set is connected and endorsements
	// are being exchanged.
	StateReady
	// StateGenesis means every endorsement agreed and the genesis block is
	// being persisted.
	StateGenesis
	// StateDone means the network has formed. Terminal.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateReady:
		return "ready"
	case StateGenesis:
		return "genesis"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Network is the peer surface the manager drives formation over.
type Network interface {
	// Pioneers returns the currently connected pioneer addresses, the local
	// node included.
	Pioneers() []common.Address

	// BroadcastBootstrapCommit floods a sealed endorsement to the peers.
	BroadcastBootstrapCommit(*types.BootstrapCommit)

	// SubscribePeerEvent registers for peer add and drop notifications.
	SubscribePeerEvent(ch chan<- p2p.PeerEvent) event.Subscription
}

// Manager forms the genesis block of a new network together with the other
// pioneers. The machine starts Idle, begins collecting when the first pioneer
// connects, freezes the roster once exactly the configured number of pioneers
// are online, and forms the genesis when all of them endorse the same system
// account set and initial liquidity. The genesis timestamp is the median of
// the endorsed ones, so every pioneer derives the same block.
//
// All transitions run under one mutex; broadcasts and the database write
// happen after unlock. Restart timers are generation checked so a timer armed
// for an abandoned attempt can never touch a later one.
type Manager struct {
	config *params.ChainConfig
	net    Network
	db     prgldb.Database

	self common.Address
	priv crypto.PrivateKey

	restartDelay time.Duration

	mu        sync.Mutex
	state     State
	gen       uint64 // bumped on every attempt transition, stale timers check it
	contacted bool   // a remote pioneer has been seen at least once

	// roster is the frozen pioneer set of the current attempt; commits holds
	// its agreeing endorsements and paramsRef the digest they must match.
	roster    map[common.Address]struct{}
	paramsRef common.Hash
	commits   map[common.Address]*types.BootstrapCommit

	// buffered keeps the latest endorsement per remote pioneer. It survives
	// attempt resets because the network delivers each endorsement once.
	buffered map[common.Address]*types.BootstrapCommit

	genesis *types.Block
	failure error
	started bool
	stopped bool

	done chan struct{} // closed when the genesis write finished, success or not
	quit chan struct{}
	wg   sync.WaitGroup
}

// outbox collects the actions a state transition produced while the manager
// mutex was held. Broadcasts and the genesis write happen after unlock.
type outbox struct {
	commit  *types.BootstrapCommit // own endorsement to broadcast
	genesis *core.Genesis          // agreed parameters to persist
}

// NewManager creates a formation manager for a pioneer node. The key seals
// the local endorsement and derives the pioneer address; the database is
// where the formed genesis block is committed.
func NewManager(config *params.ChainConfig, priv crypto.PrivateKey, net Network, db prgldb.Database) (*Manager, error) {
	if config == nil {
		return nil, errors.New("bootstrap: nil chain configuration")
	}
	if err := config.Sanity(); err != nil {
		return nil, err
	}
	if len(priv) == 0 {
		return nil, errors.New("bootstrap: endorsement signing key required")
	}
	if net == nil {
		return nil, errors.New("bootstrap: network surface required")
	}
	if db == nil {
		return nil, errors.New("bootstrap: database required")
	}
	return &Manager{
		config:       config,
		net:          net,
		db:           db,
		self:         crypto.PubkeyToAddress(crypto.PublicFromPrivate(priv)),
		priv:         priv,
		restartDelay: defaultRestartDelay,
		buffered:     make(map[common.Address]*types.BootstrapCommit),
		done:         make(chan struct{}),
		quit:         make(chan struct{}),
	}, nil
}

// Start subscribes to peer events and evaluates the already connected
// pioneers, so pioneers that arrived before Start are counted. Calling Start
// on a running manager is a no-op.
func (m *Manager) Start() error {
	out := new(outbox)
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	events := make(chan p2p.PeerEvent, 16)
	sub := m.net.SubscribePeerEvent(events)
	m.evaluateLocked(out)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(sub, events)

	m.dispatch(out)
	log.Info("Bootstrap manager started", "self", m.self, "pioneers", m.config.PioneerCount)
	return nil
}

// Stop shuts the manager down. Outstanding restart timers are disarmed and
// further endorsements fail with ErrStopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.gen++
	m.mu.Unlock()

	close(m.quit)
	m.wg.Wait()
	log.Info("Bootstrap manager stopped")
}

// State returns the current formation state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Wait blocks until the network has formed, returning the genesis block. It
// fails with ErrStopped when the manager shuts down first, or with the
// database error if persisting the agreed genesis failed.
func (m *Manager) Wait(ctx context.Context) (*types.Block, error) {
	select {
	case <-m.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.genesis, m.failure
	case <-m.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleCommit ingests a pioneer endorsement received from the network. A
// seal failure or ErrBootstrapComplete tells the caller to suppress the
// message; nil means the commit is well formed and worth relaying even when
// this node buffered or ignored it.
func (m *Manager) HandleCommit(from common.Address, commit *types.BootstrapCommit) error {
	if err := commit.CheckSeal(); err != nil {
		return fmt.Errorf("bootstrap commit from %s: %w", from, err)
	}
	out := new(outbox)
	m.mu.Lock()
	switch {
	case m.state == StateDone:
		m.mu.Unlock()
		return ErrBootstrapComplete
	case m.stopped:
		m.mu.Unlock()
		return ErrStopped
	}
	if commit.Pioneer != m.self {
		m.bufferLocked(commit)
		if m.state == StateReady {
			if _, ok := m.roster[commit.Pioneer]; ok {
				m.processCommitLocked(commit, out)
			} else {
				extraCommitMeter.Mark(1)
				log.Debug("Endorsement from pioneer outside the roster", "pioneer", commit.Pioneer)
			}
		}
	}
	m.mu.Unlock()

	m.dispatch(out)
	return nil
}

// loop drains peer events until the network forms or the manager stops.
// Every pioneer add or drop re-evaluates the machine.
func (m *Manager) loop(sub event.Subscription, events chan p2p.PeerEvent) {
	defer m.wg.Done()
	defer sub.Unsubscribe()

	for {
		select {
		case ev := <-events:
			if !ev.Pioneer {
				continue
			}
			out := new(outbox)
			m.mu.Lock()
			m.evaluateLocked(out)
			m.mu.Unlock()
			m.dispatch(out)
		case <-sub.Err():
			return
		case <-m.done:
			return
		case <-m.quit:
			return
		}
	}
}

// evaluateLocked advances the machine from the connected pioneer set. While
// the roster is frozen, a member falling away regresses the machine to
// collecting; joins are ignored until the attempt resolves.
func (m *Manager) evaluateLocked(out *outbox) {
	if m.state == StateGenesis || m.state == StateDone || m.stopped {
		return
	}
	pioneers := m.net.Pioneers()
	if len(pioneers) > 1 {
		m.contacted = true
	}
	if m.state == StateReady {
		for addr := range m.roster {
			if addr != m.self && !containsAddress(pioneers, addr) {
				log.Warn("Pioneer disconnected during formation", "pioneer", addr)
				m.resetLocked()
				break
			}
		}
		if m.state == StateReady {
			return
		}
	}
	if m.contacted && m.state == StateIdle {
		m.state = StateCollecting
		log.Info("Collecting pioneers", "connected", len(pioneers), "required", m.config.PioneerCount)
	}
	if len(pioneers) == m.config.PioneerCount {
		m.enterReadyLocked(pioneers, out)
	}
}

// enterReadyLocked freezes the roster, seals and stages the local
// endorsement, and folds in endorsements that arrived early.
func (m *Manager) enterReadyLocked(pioneers []common.Address, out *outbox) {
	m.state = StateReady
	m.roster = make(map[common.Address]struct{}, len(pioneers))
	for _, addr := range pioneers {
		m.roster[addr] = struct{}{}
	}
	// A fresh endorsement per attempt: the new timestamp gives it a new
	// identity, so gossip duplicate suppression does not swallow the
	// re-broadcast after a restart.
	own := types.SignBootstrapCommit(&types.BootstrapCommit{
		Pioneer:          m.self,
		SystemAccounts:   params.SystemAddresses(),
		InitialLiquidity: m.config.InitialLiquidity,
		TimestampMs:      uint64(time.Now().UnixMilli()),
	}, m.priv)
	m.paramsRef = own.ParamsHash()
	m.commits = map[common.Address]*types.BootstrapCommit{m.self: own}
	out.commit = own
	readyMeter.Mark(1)
	log.Info("Pioneer roster complete", "pioneers", len(pioneers), "proposed", own.TimestampMs)

	for addr, c := range m.buffered {
		if _, ok := m.roster[addr]; !ok {
			continue
		}
		m.processCommitLocked(c, out)
		if m.state != StateReady {
			return
		}
	}
}

// processCommitLocked folds one roster endorsement into the current attempt.
// Called with state Ready and commit.Pioneer in the roster. A parameter
// mismatch aborts the attempt; agreement by the full roster forms the
// genesis.
func (m *Manager) processCommitLocked(commit *types.BootstrapCommit, out *outbox) {
	if prev, ok := m.commits[commit.Pioneer]; ok && prev.TimestampMs >= commit.TimestampMs {
		staleCommitMeter.Mark(1)
		return
	}
	if commit.ParamsHash() != m.paramsRef {
		log.Warn("Genesis parameter disagreement", "pioneer", commit.Pioneer,
			"liquidity", commit.InitialLiquidity, "want", m.config.InitialLiquidity,
			"accounts", len(commit.SystemAccounts))
		m.abortLocked()
		return
	}
	m.commits[commit.Pioneer] = commit
	log.Info("Pioneer endorsed genesis", "pioneer", commit.Pioneer,
		"endorsed", len(m.commits), "required", m.config.PioneerCount)
	if len(m.commits) == m.config.PioneerCount {
		m.formLocked(out)
	}
}

// formLocked stages the agreed genesis for persisting. The timestamp is the
// median of the endorsed ones, making the block identical on every pioneer.
func (m *Manager) formLocked(out *outbox) {
	m.state = StateGenesis
	m.gen++
	median := medianTimestamp(m.commits)
	out.genesis = &core.Genesis{Config: m.config, Timestamp: median}
	log.Info("Genesis endorsed by all pioneers", "pioneers", m.config.PioneerCount, "timestamp", median)
}

// abortLocked discards the current attempt and arms a delayed re-evaluation.
// The machine re-enters Ready while the full roster stays connected, so a
// persistent disagreement surfaces as a warn loop until the configurations
// are reconciled.
func (m *Manager) abortLocked() {
	abortMeter.Mark(1)
	m.resetLocked()
	gen := m.gen
	time.AfterFunc(m.restartDelay, func() { m.onRestart(gen) })
}

// resetLocked returns the machine to collecting and discards the frozen
// roster and its endorsements. Buffered endorsements are kept; the network
// delivers each one only once.
func (m *Manager) resetLocked() {
	m.state = StateCollecting
	m.gen++
	m.roster = nil
	m.commits = nil
	m.paramsRef = common.Hash{}
}

// onRestart re-evaluates the machine after an abort pause, unless a newer
// transition already superseded the attempt.
func (m *Manager) onRestart(gen uint64) {
	out := new(outbox)
	m.mu.Lock()
	if m.gen != gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.evaluateLocked(out)
	m.mu.Unlock()
	m.dispatch(out)
}

// bufferLocked records the latest endorsement of a remote pioneer. The
// buffer survives attempt resets so an endorsement arriving before the
// roster freezes is not lost.
func (m *Manager) bufferLocked(commit *types.BootstrapCommit) {
	if prev, ok := m.buffered[commit.Pioneer]; ok {
		if commit.TimestampMs > prev.TimestampMs {
			m.buffered[commit.Pioneer] = commit
		} else {
			staleCommitMeter.Mark(1)
		}
		return
	}
	if len(m.buffered) >= maxBufferedCommits {
		log.Debug("Endorsement buffer full, dropping", "pioneer", commit.Pioneer)
		return
	}
	m.buffered[commit.Pioneer] = commit
}

// dispatch performs the actions staged while the mutex was held.
func (m *Manager) dispatch(out *outbox) {
	if out.commit != nil {
		m.net.BroadcastBootstrapCommit(out.commit)
	}
	if out.genesis != nil {
		m.finalize(out.genesis)
	}
}

// finalize persists the agreed genesis block and resolves the formation.
// The write validates the block through the regular processing path before
// anything touches the database.
func (m *Manager) finalize(genesis *core.Genesis) {
	block, err := genesis.Commit(m.db)

	m.mu.Lock()
	m.state = StateDone
	if err != nil {
		m.failure = err
	} else {
		m.genesis = block
	}
	close(m.done)
	m.mu.Unlock()

	if err != nil {
		log.Error("Failed to persist genesis block", "err", err)
		return
	}
	log.Info("Network formed", "hash", block.Hash().TerminalString(),
		"timestamp", block.Timestamp(), "pioneers", m.config.PioneerCount)
}

// medianTimestamp returns the median of the endorsed genesis timestamps,
// averaging the middle pair for even rosters.
func medianTimestamp(commits map[common.Address]*types.BootstrapCommit) uint64 {
	stamps := make([]uint64, 0, len(commits))
	for _, c := range commits {
		stamps = append(stamps, c.TimestampMs)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	mid := len(stamps) / 2
	if len(stamps)%2 == 1 {
		return stamps[mid]
	}
	lo, hi := stamps[mid-1], stamps[mid]
	return lo + (hi-lo)/2
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
