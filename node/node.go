// Package node assembles the pieces of one running blockchain node: the
// database, the networking layer, the bootstrap manager, the agreement
// engine and the HTTP query surface, supervised as a unit.
//
// A node starts in one of three modes depending on its database and flags.
// With a committed genesis it loads the chain and rejoins the network. A
// pioneer without one runs the formation procedure and brings the chain
// online over the fresh genesis. Anyone else waits, adopts the genesis off
// the first verified announcement and follows from there.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/tsdb/fileutil"
	"golang.org/x/sync/errgroup"

	"github.com/Zollkron/gamerchain-sub000/bootstrap"
	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/consensus/poaip"
	"github.com/Zollkron/gamerchain-sub000/core"
	"github.com/Zollkron/gamerchain-sub000/core/rawdb"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/miner"
	"github.com/Zollkron/gamerchain-sub000/p2p"
	"github.com/Zollkron/gamerchain-sub000/params"
	"github.com/Zollkron/gamerchain-sub000/poai"
	"github.com/Zollkron/gamerchain-sub000/prgldb"
	"github.com/Zollkron/gamerchain-sub000/prgldb/leveldb"
	"github.com/Zollkron/gamerchain-sub000/prgldb/memorydb"
)

const (
	chainDataDir = "chaindata" // chain database under the instance directory
	lockFile     = "LOCK"      // instance exclusion lock
)

var (
	ErrNodeRunning = errors.New("node: already running")
	ErrNodeStopped = errors.New("node: not started")
	ErrDatadirUsed = errors.New("node: datadir already used by another instance")
)

// datadirInUseErrnos are the flock errors that mean another instance holds
// the datadir.
var datadirInUseErrnos = map[uint]bool{11: true, 32: true, 35: true}

func convertFileLockError(err error) error {
	if errno, ok := err.(syscall.Errno); ok && datadirInUseErrnos[uint(errno)] {
		return ErrDatadirUsed
	}
	return err
}

// Node lifecycle states.
const (
	initializingState = iota
	runningState
	closedState
)

// Lifecycle encompasses the behavior of services that can be started and
// stopped on top of a running node. Registered lifecycles start after the
// node's own components and stop before them.
type Lifecycle interface {
	Start() error
	Stop() error
}

// Node is a container of one running blockchain node.
type Node struct {
	config *Config
	self   common.Address

	// startStop serializes Start and Close against each other; mu guards
	// the mutable fields below it.
	startStop sync.Mutex
	mu        sync.Mutex

	state      int
	lifecycles []Lifecycle
	runErr     error

	dirLock fileutil.Releaser
	db      prgldb.Database

	server  *p2p.Server
	backend *backend
	http    *apiServer
	boot    *bootstrap.Manager

	// The chain stack stays nil until a genesis exists, which in pioneer
	// mode happens only once the formation completes.
	chain  *core.BlockChain
	pool   *core.TxPool
	engine *poaip.Engine
	worker *miner.Worker

	quitOnce sync.Once
	quit     chan struct{} // closes when shutdown begins
	stop     chan struct{} // closes when shutdown completes
	wg       sync.WaitGroup
}

// New creates a node from the given configuration. Start brings it online.
func New(conf *Config) (*Node, error) {
	confCopy := *conf
	conf = &confCopy
	if err := conf.sanity(); err != nil {
		return nil, err
	}
	if conf.DataDir != "" {
		absdatadir, err := filepath.Abs(conf.DataDir)
		if err != nil {
			return nil, err
		}
		conf.DataDir = absdatadir
	}
	n := &Node{
		config: conf,
		self:   crypto.PubkeyToAddress(crypto.PublicFromPrivate(conf.Key)),
		quit:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	n.backend = newBackend(n)
	return n, nil
}

// Self returns the node identity address derived from its key.
func (n *Node) Self() common.Address { return n.self }

// ChainConfig returns the protocol configuration the node runs with.
func (n *Node) ChainConfig() *params.ChainConfig { return n.config.Chain }

// RegisterLifecycle registers the given Lifecycle on the node.
func (n *Node) RegisterLifecycle(lc Lifecycle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != initializingState {
		panic("node: can't register lifecycle on running/stopped node")
	}
	if containsLifecycle(n.lifecycles, lc) {
		panic(fmt.Sprintf("node: attempt to register lifecycle %T more than once", lc))
	}
	n.lifecycles = append(n.lifecycles, lc)
}

func containsLifecycle(lfs []Lifecycle, l Lifecycle) bool {
	for _, obj := range lfs {
		if obj == l {
			return true
		}
	}
	return false
}

// Start brings the node online: it locks the datadir, opens the database
// and starts the networking, consensus and API layers. A failed start
// leaves the node closed.
func (n *Node) Start() error {
	n.startStop.Lock()
	defer n.startStop.Unlock()

	n.mu.Lock()
	switch n.state {
	case runningState:
		n.mu.Unlock()
		return ErrNodeRunning
	case closedState:
		n.mu.Unlock()
		return ErrNodeStopped
	}
	n.state = runningState
	err := n.openServices()
	lifecycles := make([]Lifecycle, len(n.lifecycles))
	copy(lifecycles, n.lifecycles)
	n.mu.Unlock()

	if err == nil {
		// Start the registered lifecycles on top of the running stack.
		var started []Lifecycle
		for _, lc := range lifecycles {
			if err = lc.Start(); err != nil {
				break
			}
			started = append(started, lc)
		}
		if err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if serr := started[i].Stop(); serr != nil {
					log.Warn("Lifecycle stop failed during unwind", "err", serr)
				}
			}
		}
	}
	if err != nil {
		n.mu.Lock()
		n.state = closedState
		n.mu.Unlock()
		n.stopServices()
		n.doClose()
		return err
	}
	log.Info("Node started", "instance", n.config.name(), "id", n.self,
		"network", n.config.Chain.NetworkID, "role", n.config.role(), "pioneer", n.config.Pioneer)
	return nil
}

// openServices opens every resource and starts the node's own components.
// Called with the node lock held; any error leaves cleanup to the caller.
func (n *Node) openServices() error {
	if err := n.openDataDir(); err != nil {
		return err
	}
	db, err := n.openDatabase()
	if err != nil {
		return err
	}
	n.db = db

	srv, err := p2p.NewServer(p2p.Config{
		Key:               n.config.Key,
		NetworkID:         n.config.Chain.NetworkID,
		Role:              n.config.role(),
		Pioneer:           n.config.Pioneer,
		ListenAddr:        n.config.ListenAddr,
		AdvertiseAddr:     n.config.AdvertiseAddr,
		MaxPeers:          n.config.MaxPeers,
		LowWater:          n.config.LowWater,
		EvictWhenFull:     n.config.EvictWhenFull,
		HeartbeatInterval: n.config.HeartbeatInterval,
		DialBackoffMin:    n.config.DialBackoffMin,
		DialBackoffMax:    n.config.DialBackoffMax,
		StaticNodes:       n.config.StaticNodes,
		Directory:         n.config.Directory,
		Location:          n.config.Location,
	}, n.backend)
	if err != nil {
		return err
	}
	n.server = srv

	// A formed network loads its chain before the first handshake, so the
	// advertised genesis hash is final from the start.
	if _, ok := rawdb.ReadGenesisHash(db); ok {
		if err := n.buildChainStack(); err != nil {
			return err
		}
	}
	if err := srv.Start(); err != nil {
		return err
	}

	switch {
	case n.chain != nil:
		if err := n.startAgreement(); err != nil {
			return err
		}
	case n.config.Pioneer:
		boot, err := bootstrap.NewManager(n.config.Chain, n.config.Key, srv, db)
		if err != nil {
			return err
		}
		n.boot = boot
		if err := boot.Start(); err != nil {
			return err
		}
		n.wg.Add(1)
		go n.bootstrapLoop()
	default:
		log.Info("No local chain yet, waiting to join the network", "network", n.config.Chain.NetworkID)
	}

	if n.config.HTTPAddr != "" {
		n.http = newAPIServer(n, n.config.HTTPAddr, n.config.HTTPCors)
		n.lifecycles = append(n.lifecycles, n.http)
	}
	return nil
}

// buildChainStack constructs the chain, the transaction pool and the
// agreement engine over the opened database. The database must hold a
// committed genesis. Called with the node lock held.
func (n *Node) buildChainStack() error {
	stored, _, err := core.SetupGenesisBlock(n.db, nil)
	if err != nil {
		return err
	}
	if compat := stored.CheckCompatible(n.config.Chain); compat != nil {
		return compat
	}
	chain, err := core.NewBlockChain(n.db, n.config.Chain)
	if err != nil {
		return err
	}
	pool := core.NewTxPool(n.config.Pool, n.config.Chain, chain)
	engine, err := poaip.New(n.config.Chain, chain, n.server, n.server, n.config.Key, n.config.Validator)
	if err != nil {
		pool.Stop()
		chain.Stop()
		return err
	}
	n.chain, n.pool, n.engine = chain, pool, engine
	if n.config.Validator {
		n.worker = miner.New(n.config.Chain, engine, services{chain: chain, pool: pool}, n.config.Key)
	}
	return nil
}

// startAgreement opens the first round. The worker subscribes before the
// engine starts so the opening transition is not missed. Called with the
// node lock held.
func (n *Node) startAgreement() error {
	if n.worker != nil {
		n.worker.Start()
	}
	if err := n.engine.Start(); err != nil {
		return err
	}
	if n.config.Solver != nil {
		prover, err := poai.NewProver(n.config.Solver, n.config.Key)
		if err != nil {
			return err
		}
		n.wg.Add(1)
		go n.proofLoop(prover, n.chain)
	}
	return nil
}

// bootstrapLoop waits for the network formation to finish and brings the
// chain stack online over the fresh genesis.
func (n *Node) bootstrapLoop() {
	defer n.wg.Done()

	block, err := n.boot.Wait(context.Background())
	if err != nil {
		if errors.Is(err, bootstrap.ErrStopped) {
			return
		}
		n.fatal(fmt.Errorf("network formation failed: %w", err))
		return
	}

	n.mu.Lock()
	if n.state != runningState {
		n.mu.Unlock()
		log.Debug("Discarding formed network, node closing", "genesis", block.Hash())
		return
	}
	err = n.buildChainStack()
	if err == nil {
		err = n.startAgreement()
	}
	n.mu.Unlock()
	if err != nil {
		n.fatal(fmt.Errorf("starting over fresh genesis: %w", err))
		return
	}
	log.Info("Chain online", "genesis", block.Hash(), "network", n.config.Chain.NetworkID)
}

// joinNetwork adopts a genesis block announced by an already formed
// network. The block must equal the canonical derivation for this node's
// configuration at its advertised timestamp; everything else about the
// network is pinned by that equality.
func (n *Node) joinNetwork(block *types.Block) error {
	genesis := &core.Genesis{Config: n.config.Chain, Timestamp: block.Timestamp()}
	if have, want := block.Hash(), genesis.ToBlock().Hash(); have != want {
		return fmt.Errorf("node: genesis %s does not match the local configuration (want %s)",
			have.TerminalString(), want.TerminalString())
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != runningState {
		return ErrNodeStopped
	}
	if n.chain != nil {
		return nil
	}
	if _, _, err := core.SetupGenesisBlock(n.db, genesis); err != nil {
		return err
	}
	if err := n.buildChainStack(); err != nil {
		return err
	}
	if err := n.startAgreement(); err != nil {
		return err
	}
	log.Info("Joined network", "genesis", block.Hash(), "network", n.config.Chain.NetworkID)
	return nil
}

// proofLoop exercises the configured challenge solver once per committed
// head, keeping the participation latency gauge fresh. Consensus never
// waits for the result.
func (n *Node) proofLoop(prover *poai.Prover, chain *core.BlockChain) {
	defer n.wg.Done()

	heads := make(chan core.ChainHeadEvent, 16)
	sub := chain.SubscribeChainHeadEvent(heads)
	defer sub.Unsubscribe()

	budget := time.Duration(n.config.Chain.BlockPeriodMs) * time.Millisecond
	for {
		select {
		case ev := <-heads:
			hash := ev.Block.Hash()
			ctx, cancel := context.WithTimeout(context.Background(), budget)
			sol, elapsed, err := prover.Solve(ctx, poai.NewChallenge(hash.Bytes()))
			cancel()
			if err != nil {
				log.Debug("Challenge solve failed", "height", ev.Block.Height(), "err", err)
				continue
			}
			log.Trace("Challenge solved", "height", ev.Block.Height(),
				"challenge", sol.ChallengeID, "elapsed", elapsed)
		case <-sub.Err():
			return
		case <-n.quit:
			return
		}
	}
}

// fatal records a fatal background error and closes the node: flush what we
// can, close the transports and make Wait return.
func (n *Node) fatal(err error) {
	n.mu.Lock()
	if n.runErr == nil {
		n.runErr = err
	}
	n.mu.Unlock()
	log.Error("Shutting down on fatal error", "err", err)
	go n.Close()
}

// Close stops the node: registered lifecycles first, then the agreement
// stack, the transports and finally the database.
func (n *Node) Close() error {
	n.startStop.Lock()
	defer n.startStop.Unlock()

	n.mu.Lock()
	state := n.state
	n.state = closedState
	lifecycles := make([]Lifecycle, len(n.lifecycles))
	copy(lifecycles, n.lifecycles)
	n.mu.Unlock()

	switch state {
	case initializingState:
		// The node was never started.
		return n.doClose()
	case runningState:
		// Stop the intake surfaces together, then the stack underneath.
		var g errgroup.Group
		for _, lc := range lifecycles {
			lc := lc
			g.Go(lc.Stop)
		}
		err := g.Wait()
		n.stopServices()
		if cerr := n.doClose(); err == nil {
			err = cerr
		}
		return err
	case closedState:
		return ErrNodeStopped
	default:
		panic(fmt.Sprintf("node: unknown state %d", state))
	}
}

// stopServices winds the running stack down: agreement first so no new
// blocks are produced, then the networking layer, and the chain last so its
// final snapshot covers everything the rounds committed.
func (n *Node) stopServices() {
	n.quitOnce.Do(func() { close(n.quit) })

	n.mu.Lock()
	worker, engine, boot, pool := n.worker, n.engine, n.boot, n.pool
	srv, chain := n.server, n.chain
	n.mu.Unlock()

	if worker != nil {
		worker.Stop()
	}
	if engine != nil {
		engine.Stop()
	}
	if boot != nil {
		boot.Stop()
	}
	if pool != nil {
		pool.Stop()
	}
	if srv != nil {
		srv.Stop()
	}
	n.wg.Wait()
	if chain != nil {
		chain.Stop()
	}
}

// doClose releases the resources opened in Start and makes Wait return.
func (n *Node) doClose() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var err error
	if n.db != nil {
		err = n.db.Close()
		n.db = nil
	}
	n.closeDataDir()
	close(n.stop)
	return err
}

// Wait blocks until the node has been closed and returns the fatal error
// that brought it down, if any.
func (n *Node) Wait() error {
	<-n.stop
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.runErr
}

// openDataDir creates the instance directory and takes its exclusive lock,
// so a second node cannot open the same database.
func (n *Node) openDataDir() error {
	if n.config.DataDir == "" {
		return nil // ephemeral
	}
	instdir := n.config.instanceDir()
	if err := os.MkdirAll(instdir, 0700); err != nil {
		return err
	}
	release, _, err := fileutil.Flock(filepath.Join(instdir, lockFile))
	if err != nil {
		return convertFileLockError(err)
	}
	n.dirLock = release
	return nil
}

func (n *Node) closeDataDir() {
	if n.dirLock != nil {
		if err := n.dirLock.Release(); err != nil {
			log.Error("Can't release datadir lock", "err", err)
		}
		n.dirLock = nil
	}
}

// openDatabase opens the chain database, or an in-memory one when no
// datadir is configured.
func (n *Node) openDatabase() (prgldb.Database, error) {
	if n.config.DataDir == "" {
		return memorydb.New(), nil
	}
	return leveldb.New(n.config.chainDataDir(), n.config.DatabaseCache, n.config.DatabaseHandles,
		"prgld/db/chaindata/", false)
}

// Server returns the networking layer.
func (n *Node) Server() *p2p.Server {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.server
}

// BlockChain returns the chain, or nil while the network is still forming.
func (n *Node) BlockChain() *core.BlockChain {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.chain
}

// TxPool returns the transaction pool, or nil while the network is still
// forming.
func (n *Node) TxPool() *core.TxPool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pool
}

// Engine returns the agreement engine, or nil while the network is still
// forming.
func (n *Node) Engine() *poaip.Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine
}

// bootManager returns the formation manager, nil outside pioneer starts.
func (n *Node) bootManager() *bootstrap.Manager {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.boot
}

// HTTPEndpoint returns the bound address of the HTTP API, empty when the
// API is disabled.
func (n *Node) HTTPEndpoint() string {
	n.mu.Lock()
	http := n.http
	n.mu.Unlock()
	if http == nil {
		return ""
	}
	return http.endpoint()
}

// services bundles the chain handles for the block producer.
type services struct {
	chain *core.BlockChain
	pool  *core.TxPool
}

func (s services) BlockChain() *core.BlockChain { return s.chain }
func (s services) TxPool() *core.TxPool         { return s.pool }
