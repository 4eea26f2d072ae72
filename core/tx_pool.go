package core

import (
	"container/heap"
	"math/big"
	"sync"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/event"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/metrics"
	"github.com/Zollkron/gamerchain-sub000/params"
	"github.com/Zollkron/gamerchain-sub000/reputation"
)

var (
	// evictionInterval is how often stale transactions are checked for.
	evictionInterval = time.Minute
)

var (
	knownTxMeter      = metrics.NewRegisteredMeter("txpool/known", nil)
	invalidTxMeter    = metrics.NewRegisteredMeter("txpool/invalid", nil)
	overflowedTxMeter = metrics.NewRegisteredMeter("txpool/overflowed", nil)
	addedTxMeter      = metrics.NewRegisteredMeter("txpool/added", nil)
	drainedTxMeter    = metrics.NewRegisteredMeter("txpool/drained", nil)
	evictedTxMeter    = metrics.NewRegisteredMeter("txpool/evicted", nil)
	demotedTxMeter    = metrics.NewRegisteredMeter("txpool/demoted", nil)

	pendingTxGauge = metrics.NewRegisteredGauge("txpool/pending", nil)
)

// blockChain is the chain surface the pool validates against and follows for
// head events.
type blockChain interface {
	CurrentBlock() *types.Block
	BalanceOf(addr common.Address) *big.Int
	NonceOf(addr common.Address) uint64
	HasAccount(addr common.Address) bool
	VoluntaryBurnUnlocked() bool
	Reputation() *reputation.Scores
	SubscribeChainHeadEvent(ch chan<- ChainHeadEvent) event.Subscription
}

// TxPoolConfig are the tuning parameters of the transaction pool.
type TxPoolConfig struct {
	Capacity uint64        // maximum number of pooled transactions
	Lifetime time.Duration // how long a transaction may wait for inclusion
}

// DefaultTxPoolConfig contains the default configuration of the transaction
// pool.
var DefaultTxPoolConfig = TxPoolConfig{
	Capacity: 4096,
	Lifetime: 3 * time.Hour,
}

// sanitize checks the provided configuration and changes anything that is
// unreasonable or unworkable.
func (config *TxPoolConfig) sanitize() TxPoolConfig {
	conf := *config
	if conf.Capacity == 0 {
		log.Warn("Sanitizing invalid txpool capacity", "provided", conf.Capacity, "updated", DefaultTxPoolConfig.Capacity)
		conf.Capacity = DefaultTxPoolConfig.Capacity
	}
	if conf.Lifetime <= 0 {
		log.Warn("Sanitizing invalid txpool lifetime", "provided", conf.Lifetime, "updated", DefaultTxPoolConfig.Lifetime)
		conf.Lifetime = DefaultTxPoolConfig.Lifetime
	}
	return conf
}

// TxPool holds the uncommitted account transactions of the node, validated
// against the committed chain and ordered for block inclusion.
//
// Every rejection is one of the typed errors in this package, so submitters
// can act on the class. Ordering for inclusion weighs the sender's reputation
// tier first, the declared fee second and the submission order third; inside
// one sender nonces always leave in ascending order. Committed blocks evict
// their transactions through the chain head subscription, which also drops
// entries whose nonce or funding a new block invalidated.
type TxPool struct {
	config      TxPoolConfig
	chainconfig *params.ChainConfig
	chain       blockChain

	txFeed event.Feed[NewTxsEvent]
	scope  event.SubscriptionScope

	mu      sync.RWMutex
	all     map[common.Hash]*poolTx
	senders map[common.Address]*txList
	seq     uint64

	chainHeadCh  chan ChainHeadEvent
	chainHeadSub event.Subscription

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewTxPool creates a transaction pool tracking the given chain.
func NewTxPool(config TxPoolConfig, chainconfig *params.ChainConfig, chain blockChain) *TxPool {
	config = config.sanitize()

	pool := &TxPool{
		config:      config,
		chainconfig: chainconfig,
		chain:       chain,
		all:         make(map[common.Hash]*poolTx),
		senders:     make(map[common.Address]*txList),
		chainHeadCh: make(chan ChainHeadEvent, 8),
		quit:        make(chan struct{}),
	}
	pool.chainHeadSub = chain.SubscribeChainHeadEvent(pool.chainHeadCh)

	pool.wg.Add(1)
	go pool.loop()
	return pool
}

// loop reacts to chain head events and runs the periodic stale eviction.
func (pool *TxPool) loop() {
	defer pool.wg.Done()

	evict := time.NewTicker(evictionInterval)
	defer evict.Stop()

	for {
		select {
		case ev := <-pool.chainHeadCh:
			pool.reset(ev.Block)

		case <-pool.chainHeadSub.Err():
			return

		case <-evict.C:
			pool.evictStale()

		case <-pool.quit:
			return
		}
	}
}

// Stop terminates the transaction pool.
func (pool *TxPool) Stop() {
	pool.scope.Close()
	pool.chainHeadSub.Unsubscribe()
	close(pool.quit)
	pool.wg.Wait()
	log.Info("Transaction pool stopped")
}

// SubscribeNewTxsEvent registers a subscription for newly accepted
// transactions, typically the gossip rebroadcaster.
func (pool *TxPool) SubscribeNewTxsEvent(ch chan<- NewTxsEvent) event.Subscription {
	return pool.scope.Track(pool.txFeed.Subscribe(ch))
}

// Add validates a locally submitted transaction and admits it to the pool.
func (pool *TxPool) Add(tx *types.Transaction) error {
	return pool.addTxs(types.Transactions{tx})[0]
}

// AddRemote validates a transaction received from the network and admits it
// to the pool.
func (pool *TxPool) AddRemote(tx *types.Transaction) error {
	return pool.addTxs(types.Transactions{tx})[0]
}

// AddRemotes admits a batch of network transactions, returning one error slot
// per input.
func (pool *TxPool) AddRemotes(txs types.Transactions) []error {
	return pool.addTxs(txs)
}

func (pool *TxPool) addTxs(txs types.Transactions) []error {
	errs := make([]error, len(txs))
	var accepted types.Transactions

	pool.mu.Lock()
	for i, tx := range txs {
		if errs[i] = pool.add(tx); errs[i] == nil {
			accepted = append(accepted, tx)
		}
	}
	pending := len(pool.all)
	pool.mu.Unlock()

	if len(accepted) > 0 {
		addedTxMeter.Mark(int64(len(accepted)))
		pendingTxGauge.Update(int64(pending))
		pool.txFeed.Send(NewTxsEvent{Txs: accepted})
	}
	return errs
}

// add validates one transaction against the committed chain and the pool
// content. The caller holds the pool lock.
func (pool *TxPool) add(tx *types.Transaction) error {
	hash := tx.Hash()
	if pool.all[hash] != nil {
		knownTxMeter.Mark(1)
		return ErrAlreadyKnown
	}
	if err := pool.validateTx(tx); err != nil {
		invalidTxMeter.Mark(1)
		log.Trace("Discarding invalid transaction", "hash", hash.TerminalString(), "err", err)
		return err
	}
	if uint64(len(pool.all)) >= pool.config.Capacity {
		overflowedTxMeter.Mark(1)
		return ErrPoolFull
	}
	sender := tx.Sender()
	list := pool.senders[sender]
	if list == nil {
		list = newTxList()
		pool.senders[sender] = list
	}
	if list.Overlaps(tx.Nonce()) {
		invalidTxMeter.Mark(1)
		return ErrDuplicateNonce
	}
	pool.seq++
	ptx := &poolTx{tx: tx, seq: pool.seq, arrived: time.Now()}
	list.Put(ptx)
	pool.all[hash] = ptx

	log.Trace("Pooled new transaction", "hash", hash.TerminalString(),
		"sender", sender, "nonce", tx.Nonce(), "fee", tx.Fee())
	return nil
}

// validateTx checks a single transaction against the committed state. Checks
// run cheapest first; the returned error is the first failure.
func (pool *TxPool) validateTx(tx *types.Transaction) error {
	if err := userTxValid(tx); err != nil {
		return err
	}
	sender := tx.Sender()
	if params.IsSystemAddress(sender) {
		return ErrSystemAddressSender
	}
	switch tx.Tag() {
	case types.TxFaucetMint:
		if !pool.chainconfig.FaucetEnabled || tx.Fee().Sign() != 0 {
			return ErrFaucetDisabled
		}
	case types.TxVoluntaryBurn:
		if tx.Recipient() != params.BurnAddress {
			return ErrBurnRecipient
		}
		if !pool.chain.VoluntaryBurnUnlocked() {
			return ErrBurnLocked
		}
	}
	if tx.Tag() != types.TxFaucetMint {
		if !pool.chain.HasAccount(sender) {
			return ErrUnknownSender
		}
	}
	if tx.Nonce() <= pool.chain.NonceOf(sender) {
		return ErrDuplicateNonce
	}
	if tx.Tag() != types.TxFaucetMint {
		if pool.chain.BalanceOf(sender).Cmp(tx.Cost()) < 0 {
			return ErrInsufficientBalance
		}
	}
	return nil
}

// Drain removes and returns up to max transactions in inclusion order. The
// reputation tier of each sender is read once, at the committed tip's
// timestamp, so one drain sees one consistent ordering.
func (pool *TxPool) Drain(max int) types.Transactions {
	if max <= 0 {
		return nil
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()

	nowMs := pool.chain.CurrentBlock().Timestamp()
	scores := pool.chain.Reputation()

	heads := make(headHeap, 0, len(pool.senders))
	tiers := make(map[common.Address]int, len(pool.senders))
	for sender, list := range pool.senders {
		head := list.Head()
		if head == nil {
			continue
		}
		tier := scores.Tier(sender, nowMs)
		tiers[sender] = tier
		heads = append(heads, &senderHead{ptx: head, tier: tier})
	}
	heap.Init(&heads)

	drained := make(types.Transactions, 0, max)
	for len(drained) < max && heads.Len() > 0 {
		best := heap.Pop(&heads).(*senderHead)
		sender := best.ptx.tx.Sender()
		list := pool.senders[sender]
		ptx := list.PopHead()
		delete(pool.all, ptx.tx.Hash())
		drained = append(drained, ptx.tx)
		if next := list.Head(); next != nil {
			heap.Push(&heads, &senderHead{ptx: next, tier: tiers[sender]})
		} else {
			delete(pool.senders, sender)
		}
	}
	if len(drained) > 0 {
		drainedTxMeter.Mark(int64(len(drained)))
		pendingTxGauge.Update(int64(len(pool.all)))
	}
	return drained
}

// reset drops everything a newly committed block invalidated: its own
// transactions, entries at or below the sender's committed nonce, and
// transactions the sender can no longer fund.
func (pool *TxPool) reset(block *types.Block) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	var evicted, demoted int
	for _, tx := range block.Transactions() {
		if ptx := pool.all[tx.Hash()]; ptx != nil {
			if list := pool.senders[ptx.tx.Sender()]; list != nil {
				list.Remove(ptx.tx.Nonce())
			}
			delete(pool.all, tx.Hash())
			evicted++
		}
	}
	for sender, list := range pool.senders {
		for _, ptx := range list.Forward(pool.chain.NonceOf(sender)) {
			delete(pool.all, ptx.tx.Hash())
			demoted++
		}
		if list.Len() == 0 {
			delete(pool.senders, sender)
			continue
		}
		balance := pool.chain.BalanceOf(sender)
		for _, ptx := range list.Drop(func(ptx *poolTx) bool {
			return ptx.tx.Tag() != types.TxFaucetMint && ptx.tx.Cost().Cmp(balance) > 0
		}) {
			delete(pool.all, ptx.tx.Hash())
			demoted++
		}
		if list.Len() == 0 {
			delete(pool.senders, sender)
		}
	}
	if evicted > 0 || demoted > 0 {
		demotedTxMeter.Mark(int64(demoted))
		log.Debug("Transaction pool reset", "height", block.Height(),
			"committed", evicted, "demoted", demoted, "pending", len(pool.all))
	}
	pendingTxGauge.Update(int64(len(pool.all)))
}

// evictStale drops transactions that waited longer than the configured
// lifetime.
func (pool *TxPool) evictStale() {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	deadline := time.Now().Add(-pool.config.Lifetime)
	var evicted int
	for sender, list := range pool.senders {
		for _, ptx := range list.Drop(func(ptx *poolTx) bool {
			return ptx.arrived.Before(deadline)
		}) {
			delete(pool.all, ptx.tx.Hash())
			evicted++
		}
		if list.Len() == 0 {
			delete(pool.senders, sender)
		}
	}
	if evicted > 0 {
		evictedTxMeter.Mark(int64(evicted))
		pendingTxGauge.Update(int64(len(pool.all)))
		log.Debug("Evicted stale transactions", "count", evicted, "pending", len(pool.all))
	}
}

// Get returns a pooled transaction by id, nil when not pooled.
func (pool *TxPool) Get(hash common.Hash) *types.Transaction {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	if ptx := pool.all[hash]; ptx != nil {
		return ptx.tx
	}
	return nil
}

// Pending returns the pooled transactions grouped by sender, nonces
// ascending.
func (pool *TxPool) Pending() map[common.Address]types.Transactions {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	pending := make(map[common.Address]types.Transactions, len(pool.senders))
	for sender, list := range pool.senders {
		pending[sender] = list.Flatten()
	}
	return pending
}

// Len returns the number of pooled transactions.
func (pool *TxPool) Len() int {
	pool.mu.RLock()
	defer pool.mu.RUnlock()
	return len(pool.all)
}
