// Package miner assembles and proposes blocks for the rounds this node
// leads. It stays quiescent while other validators hold the proposer slot.
package miner

import (
	"sync"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/consensus"
	"github.com/Zollkron/gamerchain-sub000/core"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/emission"
	"github.com/Zollkron/gamerchain-sub000/event"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/metrics"
	"github.com/Zollkron/gamerchain-sub000/params"
)

// roundChanSize is the size of channel listening to RoundEvent.
const roundChanSize = 16

var (
	proposedBlockMeter = metrics.NewRegisteredMeter("miner/proposed", nil)
	skippedTxMeter     = metrics.NewRegisteredMeter("miner/skipped", nil)
	requeuedTxMeter    = metrics.NewRegisteredMeter("miner/requeued", nil)
)

// Backend provides the chain and pool handles the worker builds from.
type Backend interface {
	BlockChain() *core.BlockChain
	TxPool() *core.TxPool
}

// proposedWork remembers the user transactions inside a handed-off proposal
// so an aborted round can return them to the pool.
type proposedWork struct {
	height  uint64
	attempt uint64
	txs     types.Transactions
}

// Worker follows the agreement rounds and produces a block whenever this
// node holds the proposer slot. A first attempt is held back until one block
// period after the parent; retry attempts build immediately. Transactions
// drained into a proposal that never commits are handed back to the pool.
type Worker struct {
	config *params.ChainConfig
	engine consensus.Engine
	chain  *core.BlockChain
	pool   *core.TxPool

	key  crypto.PrivateKey
	self common.Address

	mu       sync.Mutex
	running  bool
	quit     chan struct{}
	roundSub event.Subscription
	wg       sync.WaitGroup

	proposed proposedWork // owned by the loop goroutine

	newWorkHook func(*types.Block) // test hook, called after a proposal is handed off
}

// New creates a production worker sealing with key.
func New(config *params.ChainConfig, engine consensus.Engine, backend Backend, key crypto.PrivateKey) *Worker {
	return &Worker{
		config: config,
		engine: engine,
		chain:  backend.BlockChain(),
		pool:   backend.TxPool(),
		key:    key,
		self:   crypto.PubkeyToAddress(crypto.PublicFromPrivate(key)),
	}
}

// Self returns the proposer address the worker seals with.
func (w *Worker) Self() common.Address { return w.self }

// Start subscribes to round transitions and begins producing. Call before
// the engine opens its first round so no proposer slot is missed.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.quit = make(chan struct{})
	roundCh := make(chan consensus.RoundEvent, roundChanSize)
	w.roundSub = w.engine.SubscribeRoundEvent(roundCh)
	w.wg.Add(1)
	go w.loop(roundCh)
}

// Stop halts production. A block assembly already underway finishes first.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.roundSub.Unsubscribe()
	close(w.quit)
	w.mu.Unlock()
	w.wg.Wait()
}

// Running reports whether the worker is following rounds.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) loop(roundCh <-chan consensus.RoundEvent) {
	defer w.wg.Done()

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	var building *consensus.RoundEvent
	for {
		select {
		case ev := <-roundCh:
			stopTimer(timer)
			building = nil
			switch ev.Phase {
			case consensus.PhaseAwaitingProposal:
				if ev.Proposer == w.self {
					pending := ev
					building = &pending
					timer.Reset(w.buildDelay(ev))
				}
			case consensus.PhaseCommitted:
				if w.proposed.height == ev.Height {
					w.proposed = proposedWork{}
				}
			case consensus.PhaseAborted:
				w.requeueAborted(ev)
			}
		case <-timer.C:
			if building != nil {
				w.buildAndPropose(*building)
				building = nil
			}
		case <-w.quit:
			return
		}
	}
}

// buildDelay returns how long to hold a proposal back. First attempts are
// due one block period after the parent, measured in block time; retries of
// an aborted height go out immediately.
func (w *Worker) buildDelay(ev consensus.RoundEvent) time.Duration {
	if ev.Attempt > 0 {
		return 0
	}
	delay := time.Until(time.UnixMilli(int64(ev.ParentTimestamp + w.config.BlockPeriodMs)))
	if delay < 0 {
		delay = 0
	}
	return delay
}

// buildAndPropose drains the pool, assembles the block and hands it to the
// engine. The round is re-checked first; the chain may have moved while the
// block period ran down.
func (w *Worker) buildAndPropose(ev consensus.RoundEvent) {
	parent := w.chain.CurrentBlock()
	if parent.Height()+1 != ev.Height {
		return
	}
	round := w.engine.CurrentRound()
	if round.Height != ev.Height || round.Attempt != ev.Attempt || round.Phase != consensus.PhaseAwaitingProposal {
		return
	}

	drained := w.pool.Drain(w.config.MaxTxsPerBlock)
	txs, skipped := w.applicable(ev.Height, drained)
	if len(skipped) > 0 {
		skippedTxMeter.Mark(int64(len(skipped)))
		w.requeue(skipped)
	}

	block := w.assemble(parent, ev.Height, txs)
	if err := w.engine.Propose(block); err != nil {
		log.Warn("Failed to propose block", "height", ev.Height, "attempt", ev.Attempt, "err", err)
		w.requeue(txs)
		return
	}
	w.proposed = proposedWork{height: ev.Height, attempt: ev.Attempt, txs: txs}
	proposedBlockMeter.Mark(1)
	log.Info("Proposed block", "height", ev.Height, "hash", block.Hash(), "txs", len(txs), "attempt", ev.Attempt)

	if w.newWorkHook != nil {
		w.newWorkHook(block)
	}
}

// applicable dry-runs the drained transactions in pool order against a copy
// of the tip state with the block reward already credited, the exact
// sequence validators will replay. Transactions that no longer apply,
// typically one sender overspending across several pooled transactions, are
// split off for the pool to re-judge.
func (w *Worker) applicable(height uint64, txs types.Transactions) (kept, skipped types.Transactions) {
	if len(txs) == 0 {
		return nil, nil
	}
	state := w.chain.State()
	state.AddBalance(w.self, emission.RewardFor(w.config, height))
	burnRetired := emission.SplitFor(w.config, height).BurnBps == 0
	for _, tx := range txs {
		if err := core.ApplyTransaction(w.config, state, tx, burnRetired); err != nil {
			log.Debug("Skipping unapplicable transaction", "hash", tx.Hash(), "err", err)
			skipped = append(skipped, tx)
			continue
		}
		kept = append(kept, tx)
	}
	return kept, skipped
}

// assemble builds the sealed block: the four system head entries derived
// from the emission schedule and the drained fees, then the user
// transactions.
func (w *Worker) assemble(parent *types.Block, height uint64, txs types.Transactions) *types.Block {
	// Wall clock, floored at one past the parent so a fast recovery
	// round never violates the strict timestamp increase.
	ts := uint64(time.Now().UnixMilli())
	if ts <= parent.Timestamp() {
		ts = parent.Timestamp() + 1
	}

	burn, maintenance, liquidity := emission.SplitAmounts(txs.TotalFees(), emission.SplitFor(w.config, height))
	body := types.Transactions{
		types.NewSystemTransaction(types.TxBlockReward, common.Address{}, w.self, emission.RewardFor(w.config, height), ts),
		types.NewSystemTransaction(types.TxFeeBurn, common.Address{}, params.BurnAddress, burn, ts),
		types.NewSystemTransaction(types.TxFeeMaintenance, common.Address{}, params.MaintenanceAddress, maintenance, ts),
		types.NewSystemTransaction(types.TxFeeLiquidity, common.Address{}, params.LiquidityPoolAddress, liquidity, ts),
	}
	body = append(body, txs...)

	header := &types.Header{
		Height:     height,
		ParentHash: parent.Hash(),
		Proposer:   w.self,
		Timestamp:  ts,
	}
	block := types.NewBlock(header, body)
	return block.WithSeal(types.SealHeader(block.Header(), w.key))
}

// requeueAborted returns the transactions of the aborted proposal to the
// pool. Admission re-validates each one, so anything the network committed
// in the meantime bounces off.
func (w *Worker) requeueAborted(ev consensus.RoundEvent) {
	if w.proposed.txs == nil || w.proposed.height != ev.Height || w.proposed.attempt != ev.Attempt {
		return
	}
	log.Debug("Returning transactions of aborted proposal", "height", ev.Height, "attempt", ev.Attempt, "count", len(w.proposed.txs))
	w.requeue(w.proposed.txs)
	w.proposed = proposedWork{}
}

func (w *Worker) requeue(txs types.Transactions) {
	requeued := 0
	for _, tx := range txs {
		if err := w.pool.Add(tx); err == nil {
			requeued++
		}
	}
	requeuedTxMeter.Mark(int64(requeued))
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
