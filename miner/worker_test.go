package miner

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/consensus"
	"github.com/Zollkron/gamerchain-sub000/core"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/emission"
	"github.com/Zollkron/gamerchain-sub000/event"
	"github.com/Zollkron/gamerchain-sub000/params"
	"github.com/Zollkron/gamerchain-sub000/prgldb/memorydb"
)

// mockEngine replays scripted round transitions to the worker and records
// what it proposes.
type mockEngine struct {
	mu       sync.Mutex
	status   consensus.RoundStatus
	fail     error
	proposed chan *types.Block

	feed  event.Feed[consensus.RoundEvent]
	scope event.SubscriptionScope
}

func newMockEngine() *mockEngine {
	return &mockEngine{proposed: make(chan *types.Block, 8)}
}

func (m *mockEngine) Start() error { return nil }
func (m *mockEngine) Stop()        { m.scope.Close() }

func (m *mockEngine) Propose(block *types.Block) error {
	m.mu.Lock()
	fail := m.fail
	m.mu.Unlock()
	if fail != nil {
		return fail
	}
	m.proposed <- block
	return nil
}

func (m *mockEngine) HandleProposal(block *types.Block) error  { return nil }
func (m *mockEngine) HandleVote(vote *types.Vote) error        { return nil }
func (m *mockEngine) HandleCommitted(block *types.Block) error { return nil }

func (m *mockEngine) CurrentRound() consensus.RoundStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockEngine) SubscribeRoundEvent(ch chan<- consensus.RoundEvent) event.Subscription {
	return m.scope.Track(m.feed.Subscribe(ch))
}

// emit publishes a round transition and aligns the reported live round with
// it, the way the real engine does.
func (m *mockEngine) emit(ev consensus.RoundEvent) {
	m.mu.Lock()
	m.status = consensus.RoundStatus{
		Height:   ev.Height,
		Attempt:  ev.Attempt,
		Phase:    ev.Phase,
		Proposer: ev.Proposer,
	}
	m.mu.Unlock()
	m.feed.Send(ev)
}

func (m *mockEngine) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *mockEngine) setStatus(status consensus.RoundStatus) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
}

type testBackend struct {
	chain *core.BlockChain
	pool  *core.TxPool
}

func (b *testBackend) BlockChain() *core.BlockChain { return b.chain }
func (b *testBackend) TxPool() *core.TxPool         { return b.pool }

func testKey(t testing.TB, seed byte) (crypto.PrivateKey, common.Address) {
	t.Helper()
	priv := crypto.NewKeyFromSeed(bytes.Repeat([]byte{seed}, crypto.SeedLength))
	return priv, crypto.PubkeyToAddress(crypto.PublicFromPrivate(priv))
}

func makeFaucet(t testing.TB, key crypto.PrivateKey, amount int64, nonce uint64) *types.Transaction {
	t.Helper()
	addr := crypto.PubkeyToAddress(crypto.PublicFromPrivate(key))
	signed, err := types.SignTx(types.NewTransaction(types.TxFaucetMint, addr, addr, big.NewInt(amount), new(big.Int), nonce, nil), key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return signed
}

func makeTransfer(t testing.TB, key crypto.PrivateKey, to common.Address, amount, fee int64, nonce uint64) *types.Transaction {
	t.Helper()
	from := crypto.PubkeyToAddress(crypto.PublicFromPrivate(key))
	signed, err := types.SignTx(types.NewTransaction(types.TxTransfer, from, to, big.NewInt(amount), big.NewInt(fee), nonce, nil), key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return signed
}

// makeCommittedBlock assembles a valid block extending parent so tests can
// fund accounts on the committed chain.
func makeCommittedBlock(t testing.TB, cfg *params.ChainConfig, parent *types.Block, proposerKey crypto.PrivateKey, txs types.Transactions) *types.Block {
	t.Helper()
	height := parent.Height() + 1
	ts := parent.Timestamp() + cfg.BlockPeriodMs
	proposer := crypto.PubkeyToAddress(crypto.PublicFromPrivate(proposerKey))

	burn, maintenance, liquidity := emission.SplitAmounts(txs.TotalFees(), emission.SplitFor(cfg, height))
	body := types.Transactions{
		types.NewSystemTransaction(types.TxBlockReward, common.Address{}, proposer, emission.RewardFor(cfg, height), ts),
		types.NewSystemTransaction(types.TxFeeBurn, common.Address{}, params.BurnAddress, burn, ts),
		types.NewSystemTransaction(types.TxFeeMaintenance, common.Address{}, params.MaintenanceAddress, maintenance, ts),
		types.NewSystemTransaction(types.TxFeeLiquidity, common.Address{}, params.LiquidityPoolAddress, liquidity, ts),
	}
	body = append(body, txs...)
	header := &types.Header{
		Height:     height,
		ParentHash: parent.Hash(),
		Proposer:   proposer,
		Timestamp:  ts,
	}
	block := types.NewBlock(header, body)
	return block.WithSeal(types.SealHeader(block.Header(), proposerKey))
}

// newTestWorker wires a worker over a fresh single-block chain and a live
// pool. The worker is not started; tests start it themselves.
func newTestWorker(t testing.TB, cfg *params.ChainConfig) (*Worker, *mockEngine, *testBackend) {
	t.Helper()
	db := memorydb.New()
	core.DefaultTestGenesis().MustCommit(db)
	chain, err := core.NewBlockChain(db, params.TestChainConfig)
	if err != nil {
		t.Fatalf("opening chain: %v", err)
	}
	pool := core.NewTxPool(core.DefaultTxPoolConfig, params.TestChainConfig, chain)
	backend := &testBackend{chain: chain, pool: pool}
	engine := newMockEngine()
	key, _ := testKey(t, 0x01)
	w := New(cfg, engine, backend, key)
	t.Cleanup(func() {
		w.Stop()
		pool.Stop()
		chain.Stop()
	})
	return w, engine, backend
}

func awaiting(height, attempt uint64, proposer common.Address, parentTs uint64) consensus.RoundEvent {
	return consensus.RoundEvent{
		Height:          height,
		Attempt:         attempt,
		Phase:           consensus.PhaseAwaitingProposal,
		Proposer:        proposer,
		ParentTimestamp: parentTs,
	}
}

func waitBlock(t *testing.T, ch <-chan *types.Block) *types.Block {
	t.Helper()
	select {
	case block := <-ch:
		return block
	case <-time.After(2 * time.Second):
		t.Fatalf("no block proposed in time")
		return nil
	}
}

func expectQuiet(t *testing.T, ch <-chan *types.Block, d time.Duration) {
	t.Helper()
	select {
	case block := <-ch:
		t.Fatalf("unexpected proposal at height %d", block.Height())
	case <-time.After(d):
	}
}

func waitPoolLen(t *testing.T, pool *core.TxPool, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pool.Len() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pool size: have %d, want %d", pool.Len(), want)
}

func TestWorkerProposesWhenLeading(t *testing.T) {
	w, engine, backend := newTestWorker(t, params.TestChainConfig)

	userKey, _ := testKey(t, 0xaa)
	tx := makeFaucet(t, userKey, 1000, 1)
	if err := backend.pool.Add(tx); err != nil {
		t.Fatalf("pooling faucet mint: %v", err)
	}

	w.Start()
	genesis := backend.chain.Genesis()
	engine.emit(awaiting(1, 0, w.Self(), genesis.Timestamp()))

	block := waitBlock(t, engine.proposed)
	if block.Height() != 1 {
		t.Fatalf("proposed height: have %d, want 1", block.Height())
	}
	if block.ParentHash() != genesis.Hash() {
		t.Fatalf("parent hash: have %v, want %v", block.ParentHash(), genesis.Hash())
	}
	if block.Proposer() != w.Self() {
		t.Fatalf("proposer: have %v, want %v", block.Proposer(), w.Self())
	}
	if block.Timestamp() <= genesis.Timestamp() {
		t.Fatalf("timestamp %d not after parent %d", block.Timestamp(), genesis.Timestamp())
	}
	if err := block.Header().CheckSeal(); err != nil {
		t.Fatalf("proposed block seal: %v", err)
	}

	txs := block.Transactions()
	if len(txs) != 5 {
		t.Fatalf("transactions: have %d, want 5", len(txs))
	}
	wantTags := []types.TxTag{types.TxBlockReward, types.TxFeeBurn, types.TxFeeMaintenance, types.TxFeeLiquidity}
	for i, tag := range wantTags {
		if txs[i].Tag() != tag {
			t.Fatalf("head entry %d: have %v, want %v", i, txs[i].Tag(), tag)
		}
	}
	if txs[0].Recipient() != w.Self() {
		t.Fatalf("reward recipient: have %v, want %v", txs[0].Recipient(), w.Self())
	}
	if want := emission.RewardFor(params.TestChainConfig, 1); txs[0].Amount().Cmp(want) != 0 {
		t.Fatalf("reward amount: have %v, want %v", txs[0].Amount(), want)
	}
	if txs[4].Hash() != tx.Hash() {
		t.Fatalf("user transaction: have %v, want %v", txs[4].Hash(), tx.Hash())
	}
	if backend.pool.Len() != 0 {
		t.Fatalf("pool after drain: have %d transactions, want 0", backend.pool.Len())
	}

	// Commit settles the proposal; a late abort of the same round must not
	// resurrect its transactions.
	engine.emit(consensus.RoundEvent{Height: 1, Attempt: 0, Phase: consensus.PhaseCommitted})
	engine.emit(consensus.RoundEvent{Height: 1, Attempt: 0, Phase: consensus.PhaseAborted})
	time.Sleep(100 * time.Millisecond)
	if backend.pool.Len() != 0 {
		t.Fatalf("pool after committed proposal: have %d transactions, want 0", backend.pool.Len())
	}
}

func TestWorkerQuiescentWhenNotLeading(t *testing.T) {
	w, engine, backend := newTestWorker(t, params.TestChainConfig)

	_, other := testKey(t, 0x02)
	w.Start()
	engine.emit(awaiting(1, 0, other, backend.chain.Genesis().Timestamp()))

	expectQuiet(t, engine.proposed, 200*time.Millisecond)
	if backend.pool.Len() != 0 {
		t.Fatalf("pool touched while not leading: %d transactions", backend.pool.Len())
	}
}

func TestWorkerWaitsBlockPeriod(t *testing.T) {
	cfg := *params.TestChainConfig
	cfg.BlockPeriodMs = 300
	w, engine, _ := newTestWorker(t, &cfg)

	w.Start()
	start := time.Now()
	engine.emit(awaiting(1, 0, w.Self(), uint64(start.UnixMilli())))

	waitBlock(t, engine.proposed)
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("proposed after %v, want the full block period held back", elapsed)
	}
}

func TestWorkerRetriesImmediately(t *testing.T) {
	cfg := *params.TestChainConfig
	cfg.BlockPeriodMs = 60_000
	w, engine, _ := newTestWorker(t, &cfg)

	w.Start()
	// A restarted round ignores the block period even with the parent
	// timestamp in the near past.
	start := time.Now()
	engine.emit(awaiting(1, 1, w.Self(), uint64(start.UnixMilli())))

	waitBlock(t, engine.proposed)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("retry held back %v, want immediate", elapsed)
	}
}

func TestAssembleTimestamp(t *testing.T) {
	w, _, _ := newTestWorker(t, params.TestChainConfig)

	// A parent far in the past must not drag the block timestamp ahead
	// of the wall clock by a full block period.
	past := types.NewBlock(&types.Header{Height: 3, Timestamp: 1_700_000_000_000}, nil)
	before := uint64(time.Now().UnixMilli())
	block := w.assemble(past, 4, nil)
	after := uint64(time.Now().UnixMilli())
	if ts := block.Timestamp(); ts < before || ts > after {
		t.Fatalf("timestamp %d outside wall clock window [%d,%d]", ts, before, after)
	}

	// A parent at or past the wall clock still yields a strict increase.
	future := types.NewBlock(&types.Header{Height: 3, Timestamp: uint64(time.Now().UnixMilli()) + 60_000}, nil)
	block = w.assemble(future, 4, nil)
	if ts := block.Timestamp(); ts != future.Timestamp()+1 {
		t.Fatalf("timestamp %d, want parent+1 = %d", ts, future.Timestamp()+1)
	}
}

func TestBuildDelay(t *testing.T) {
	w := &Worker{config: params.TestChainConfig}

	if d := w.buildDelay(consensus.RoundEvent{Attempt: 2, ParentTimestamp: uint64(time.Now().UnixMilli())}); d != 0 {
		t.Fatalf("retry delay: have %v, want 0", d)
	}
	if d := w.buildDelay(consensus.RoundEvent{Attempt: 0, ParentTimestamp: 1_700_000_000_000}); d != 0 {
		t.Fatalf("overdue delay: have %v, want 0", d)
	}
	parentTs := uint64(time.Now().UnixMilli()) + 60_000
	d := w.buildDelay(consensus.RoundEvent{Attempt: 0, ParentTimestamp: parentTs})
	if d <= 60*time.Second || d > 70*time.Second+time.Second {
		t.Fatalf("future delay: have %v, want about the block period past the parent", d)
	}
}

func TestWorkerFiltersOverdraft(t *testing.T) {
	w, engine, backend := newTestWorker(t, params.TestChainConfig)

	aliceKey, _ := testKey(t, 0xaa)
	_, bob := testKey(t, 0xbb)

	// Fund alice on the committed chain so both transfers clear pool
	// admission on their own.
	proposerKey, _ := testKey(t, 0x07)
	fund := makeFaucet(t, aliceKey, 1000, 1)
	block1 := makeCommittedBlock(t, params.TestChainConfig, backend.chain.Genesis(), proposerKey, types.Transactions{fund})
	if err := backend.chain.InsertBlock(block1); err != nil {
		t.Fatalf("inserting funding block: %v", err)
	}

	tx1 := makeTransfer(t, aliceKey, bob, 600, 0, 2)
	tx2 := makeTransfer(t, aliceKey, bob, 600, 0, 3)
	for _, tx := range []*types.Transaction{tx1, tx2} {
		if err := backend.pool.Add(tx); err != nil {
			t.Fatalf("pooling transfer: %v", err)
		}
	}

	w.Start()
	engine.emit(awaiting(2, 0, w.Self(), block1.Timestamp()))

	block := waitBlock(t, engine.proposed)
	txs := block.Transactions()
	if len(txs) != 5 {
		t.Fatalf("transactions: have %d, want 5", len(txs))
	}
	if txs[4].Hash() != tx1.Hash() {
		t.Fatalf("included transfer: have %v, want first nonce", txs[4].Hash())
	}

	// The overspending second transfer went back to the pool for the next
	// block to pick up.
	waitPoolLen(t, backend.pool, 1)
	if backend.pool.Get(tx2.Hash()) == nil {
		t.Fatalf("second transfer not returned to the pool")
	}
}

func TestWorkerRequeuesOnAbort(t *testing.T) {
	w, engine, backend := newTestWorker(t, params.TestChainConfig)

	userKey, _ := testKey(t, 0xaa)
	tx := makeFaucet(t, userKey, 1000, 1)
	if err := backend.pool.Add(tx); err != nil {
		t.Fatalf("pooling faucet mint: %v", err)
	}

	w.Start()
	parentTs := backend.chain.Genesis().Timestamp()
	engine.emit(awaiting(1, 0, w.Self(), parentTs))
	waitBlock(t, engine.proposed)
	if backend.pool.Len() != 0 {
		t.Fatalf("pool after proposal: have %d transactions, want 0", backend.pool.Len())
	}

	engine.emit(consensus.RoundEvent{Height: 1, Attempt: 0, Phase: consensus.PhaseAborted})
	waitPoolLen(t, backend.pool, 1)
	if backend.pool.Get(tx.Hash()) == nil {
		t.Fatalf("aborted proposal's transaction not returned to the pool")
	}

	// The restarted round proposes it again.
	engine.emit(awaiting(1, 1, w.Self(), parentTs))
	block := waitBlock(t, engine.proposed)
	if txs := block.Transactions(); len(txs) != 5 || txs[4].Hash() != tx.Hash() {
		t.Fatalf("retry proposal missing the requeued transaction")
	}
}

func TestWorkerProposeFailureRequeues(t *testing.T) {
	w, engine, backend := newTestWorker(t, params.TestChainConfig)

	userKey, _ := testKey(t, 0xaa)
	tx := makeFaucet(t, userKey, 1000, 1)
	if err := backend.pool.Add(tx); err != nil {
		t.Fatalf("pooling faucet mint: %v", err)
	}
	engine.setFail(errors.New("round already closed"))

	w.Start()
	engine.emit(awaiting(1, 0, w.Self(), backend.chain.Genesis().Timestamp()))

	// The engine rejected the hand-off, so the drained transaction must
	// come back.
	waitPoolLen(t, backend.pool, 1)
	if backend.pool.Get(tx.Hash()) == nil {
		t.Fatalf("transaction lost after rejected proposal")
	}
}

func TestWorkerStaleRound(t *testing.T) {
	w, engine, backend := newTestWorker(t, params.TestChainConfig)

	userKey, _ := testKey(t, 0xaa)
	if err := backend.pool.Add(makeFaucet(t, userKey, 1000, 1)); err != nil {
		t.Fatalf("pooling faucet mint: %v", err)
	}

	w.Start()
	// A round far past the local tip: the worker must not build on a
	// parent it does not have.
	engine.emit(awaiting(5, 0, w.Self(), backend.chain.Genesis().Timestamp()))

	expectQuiet(t, engine.proposed, 200*time.Millisecond)
	if backend.pool.Len() != 1 {
		t.Fatalf("pool drained for a stale round: have %d transactions, want 1", backend.pool.Len())
	}
}

func TestWorkerSkipsSupersededRound(t *testing.T) {
	w, engine, backend := newTestWorker(t, params.TestChainConfig)

	w.Start()
	// Hold the build back a moment, then move the live round on before the
	// timer fires. The re-check must drop the stale build.
	parentTs := uint64(time.Now().UnixMilli()) - params.TestChainConfig.BlockPeriodMs + 150
	engine.emit(awaiting(1, 0, w.Self(), parentTs))
	engine.setStatus(consensus.RoundStatus{Height: 1, Attempt: 0, Phase: consensus.PhaseCollecting})

	expectQuiet(t, engine.proposed, 400*time.Millisecond)
	if backend.pool.Len() != 0 {
		t.Fatalf("pool after superseded round: have %d transactions, want 0", backend.pool.Len())
	}
}

func TestWorkerCancelsBuildOnRoundChange(t *testing.T) {
	w, engine, _ := newTestWorker(t, params.TestChainConfig)

	w.Start()
	parentTs := uint64(time.Now().UnixMilli()) - params.TestChainConfig.BlockPeriodMs + 150
	engine.emit(awaiting(1, 0, w.Self(), parentTs))
	engine.emit(consensus.RoundEvent{Height: 1, Attempt: 0, Phase: consensus.PhaseAborted})

	expectQuiet(t, engine.proposed, 400*time.Millisecond)
}

func TestWorkerStartStop(t *testing.T) {
	w, engine, _ := newTestWorker(t, params.TestChainConfig)

	if w.Running() {
		t.Fatalf("running before start")
	}
	w.Start()
	if !w.Running() {
		t.Fatalf("not running after start")
	}
	w.Start() // idempotent
	if have := engine.scope.Count(); have != 1 {
		t.Fatalf("round subscriptions: have %d, want 1", have)
	}

	w.Stop()
	if w.Running() {
		t.Fatalf("still running after stop")
	}
	w.Stop() // idempotent
	if have := engine.scope.Count(); have != 0 {
		t.Fatalf("round subscriptions after stop: have %d, want 0", have)
	}

	// A stopped worker can be started again.
	w.Start()
	if !w.Running() {
		t.Fatalf("not running after restart")
	}
	engine.emit(awaiting(1, 0, w.Self(), 1_700_000_000_000))
	waitBlock(t, engine.proposed)
}
