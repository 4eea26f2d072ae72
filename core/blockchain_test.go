package core

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/emission"
	"github.com/Zollkron/gamerchain-sub000/params"
	"github.com/Zollkron/gamerchain-sub000/prgldb"
	"github.com/Zollkron/gamerchain-sub000/prgldb/memorydb"
)

func testKey(t testing.TB, seed byte) (crypto.PrivateKey, common.Address) {
	t.Helper()
	priv := crypto.NewKeyFromSeed(bytes.Repeat([]byte{seed}, crypto.SeedLength))
	return priv, crypto.PubkeyToAddress(crypto.PublicFromPrivate(priv))
}

// makeBlock assembles and seals a block extending parent, deriving the
// mandatory system head from the emission schedule the same way a proposer
// does.
func makeBlock(t testing.TB, cfg *params.ChainConfig, parent *types.Block, proposerKey crypto.PrivateKey, txs types.Transactions) *types.Block {
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

func makeTx(t testing.TB, tag types.TxTag, key crypto.PrivateKey, to common.Address, amount, fee *big.Int, nonce uint64) *types.Transaction {
	t.Helper()
	from := crypto.PubkeyToAddress(crypto.PublicFromPrivate(key))
	signed, err := types.SignTx(types.NewTransaction(tag, from, to, amount, fee, nonce, nil), key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return signed
}

func makeTransfer(t testing.TB, key crypto.PrivateKey, to common.Address, amount, fee int64, nonce uint64) *types.Transaction {
	t.Helper()
	return makeTx(t, types.TxTransfer, key, to, big.NewInt(amount), big.NewInt(fee), nonce)
}

// newTestChain commits the deterministic test genesis into a fresh in-memory
// database and opens a chain over it.
func newTestChain(t testing.TB) (*BlockChain, prgldb.Database) {
	t.Helper()
	db := memorydb.New()
	DefaultTestGenesis().MustCommit(db)
	chain, err := NewBlockChain(db, params.TestChainConfig)
	if err != nil {
		t.Fatalf("opening chain: %v", err)
	}
	return chain, db
}

func checkBalance(t testing.TB, chain *BlockChain, addr common.Address, want int64) {
	t.Helper()
	if have := chain.BalanceOf(addr); have.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance of %v: have %v, want %v", addr, have, want)
	}
}

// The first block after bootstrap pays the full initial reward to its
// proposer and splits no fees.
func TestChainFirstBlock(t *testing.T) {
	chain, _ := newTestChain(t)
	defer chain.Stop()

	p1Key, p1 := testKey(t, 0x01)
	block1 := makeBlock(t, chain.Config(), chain.Genesis(), p1Key, nil)
	if err := chain.InsertBlock(block1); err != nil {
		t.Fatalf("inserting block 1: %v", err)
	}
	if have := chain.CurrentBlock().Height(); have != 1 {
		t.Fatalf("tip height: have %d, want 1", have)
	}
	checkBalance(t, chain, p1, 1024)
	checkBalance(t, chain, params.LiquidityPoolAddress, 1_048_576)
	checkBalance(t, chain, params.BurnAddress, 0)
}

// A user transfer's fee is debited with the amount and reappears through the
// split entries of the same block.
func TestChainFeeSplit(t *testing.T) {
	chain, _ := newTestChain(t)
	defer chain.Stop()

	p1Key, p1 := testKey(t, 0x01)
	p2Key, p2 := testKey(t, 0x02)
	_, x := testKey(t, 0x03)

	block1 := makeBlock(t, chain.Config(), chain.Genesis(), p1Key, nil)
	if err := chain.InsertBlock(block1); err != nil {
		t.Fatalf("inserting block 1: %v", err)
	}
	tx := makeTransfer(t, p1Key, x, 100, 10, 1)
	block2 := makeBlock(t, chain.Config(), block1, p2Key, types.Transactions{tx})
	if err := chain.InsertBlock(block2); err != nil {
		t.Fatalf("inserting block 2: %v", err)
	}
	checkBalance(t, chain, p1, 914)
	checkBalance(t, chain, x, 100)
	checkBalance(t, chain, p2, 1024)
	checkBalance(t, chain, params.BurnAddress, 6)
	checkBalance(t, chain, params.MaintenanceAddress, 3)
	checkBalance(t, chain, params.LiquidityPoolAddress, 1_048_577)

	if have := chain.NonceOf(p1); have != 1 {
		t.Fatalf("nonce of sender: have %d, want 1", have)
	}
}

// The halving at block 3 changes what block 4 must emit; block 3 itself is
// still paid at the old schedule. A block 4 built on the stale schedule is an
// invariant violation.
func TestChainHalvingTransition(t *testing.T) {
	chain, _ := newTestChain(t)
	defer chain.Stop()

	cfg := chain.Config()
	proposerKey, proposer := testKey(t, 0x01)

	parent := chain.Genesis()
	for h := uint64(1); h <= 3; h++ {
		block := makeBlock(t, cfg, parent, proposerKey, nil)
		if err := chain.InsertBlock(block); err != nil {
			t.Fatalf("inserting block %d: %v", h, err)
		}
		parent = block
	}
	checkBalance(t, chain, proposer, 3*1024)

	state := chain.EmissionState()
	if state.RewardNow.Cmp(big.NewInt(512)) != 0 {
		t.Fatalf("reward after halving: have %v, want 512", state.RewardNow)
	}
	if want := (params.Split{BurnBps: 5_000, MaintenanceBps: 3_500, LiquidityBps: 1_500}); state.Split != want {
		t.Fatalf("split after halving: have %v, want %v", state.Split, want)
	}

	// A proposer still paying itself 1024 at height 4 must be rejected.
	ts := parent.Timestamp() + cfg.BlockPeriodMs
	stale := types.Transactions{
		types.NewSystemTransaction(types.TxBlockReward, common.Address{}, proposer, big.NewInt(1024), ts),
		types.NewSystemTransaction(types.TxFeeBurn, common.Address{}, params.BurnAddress, new(big.Int), ts),
		types.NewSystemTransaction(types.TxFeeMaintenance, common.Address{}, params.MaintenanceAddress, new(big.Int), ts),
		types.NewSystemTransaction(types.TxFeeLiquidity, common.Address{}, params.LiquidityPoolAddress, new(big.Int), ts),
	}
	header := &types.Header{Height: 4, ParentHash: parent.Hash(), Proposer: proposer, Timestamp: ts}
	bad := types.NewBlock(header, stale)
	bad = bad.WithSeal(types.SealHeader(bad.Header(), proposerKey))
	if err := chain.InsertBlock(bad); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("stale reward: have %v, want %v", err, ErrInvariantViolation)
	}

	block4 := makeBlock(t, cfg, parent, proposerKey, nil)
	if err := chain.InsertBlock(block4); err != nil {
		t.Fatalf("inserting block 4: %v", err)
	}
	checkBalance(t, chain, proposer, 3*1024+512)
}

// Spending the whole balance down to zero is allowed; one unit more is a
// double spend and leaves the chain untouched. The spending blocks are
// proposed by someone else so the sender is not mid-block credited its own
// reward.
func TestChainDoubleSpendBoundary(t *testing.T) {
	chain, _ := newTestChain(t)
	defer chain.Stop()

	p1Key, p1 := testKey(t, 0x01)
	p2Key, _ := testKey(t, 0x02)
	_, x := testKey(t, 0x03)

	block1 := makeBlock(t, chain.Config(), chain.Genesis(), p1Key, nil)
	if err := chain.InsertBlock(block1); err != nil {
		t.Fatalf("inserting block 1: %v", err)
	}

	over := makeTransfer(t, p1Key, x, 1015, 10, 1)
	bad := makeBlock(t, chain.Config(), block1, p2Key, types.Transactions{over})
	if err := chain.InsertBlock(bad); !errors.Is(err, ErrDoubleSpend) {
		t.Fatalf("overspend: have %v, want %v", err, ErrDoubleSpend)
	}
	if have := chain.CurrentBlock().Height(); have != 1 {
		t.Fatalf("tip moved on rejected block: height %d", have)
	}
	checkBalance(t, chain, p1, 1024)

	exact := makeTransfer(t, p1Key, x, 1014, 10, 1)
	block2 := makeBlock(t, chain.Config(), block1, p2Key, types.Transactions{exact})
	if err := chain.InsertBlock(block2); err != nil {
		t.Fatalf("inserting exact spend: %v", err)
	}
	checkBalance(t, chain, p1, 0)
	checkBalance(t, chain, x, 1014)
}

// Re-inserting a committed block is a no-op; a different block at a committed
// height is a fork and must never displace anything.
func TestChainReinsertAndSideChain(t *testing.T) {
	chain, _ := newTestChain(t)
	defer chain.Stop()

	p1Key, _ := testKey(t, 0x01)
	p2Key, _ := testKey(t, 0x02)

	block1 := makeBlock(t, chain.Config(), chain.Genesis(), p1Key, nil)
	if err := chain.InsertBlock(block1); err != nil {
		t.Fatalf("inserting block 1: %v", err)
	}
	block2 := makeBlock(t, chain.Config(), block1, p1Key, nil)
	if err := chain.InsertBlock(block2); err != nil {
		t.Fatalf("inserting block 2: %v", err)
	}

	if err := chain.InsertBlock(block2); !errors.Is(err, ErrKnownBlock) {
		t.Fatalf("tip reinsert: have %v, want %v", err, ErrKnownBlock)
	}
	if err := chain.InsertBlock(block1); !errors.Is(err, ErrKnownBlock) {
		t.Fatalf("old reinsert: have %v, want %v", err, ErrKnownBlock)
	}

	rival := makeBlock(t, chain.Config(), block1, p2Key, nil)
	if err := chain.InsertBlock(rival); !errors.Is(err, ErrSideChainBlock) {
		t.Fatalf("side chain: have %v, want %v", err, ErrSideChainBlock)
	}
	if have := chain.CurrentBlock().Hash(); have != block2.Hash() {
		t.Fatalf("tip changed by side chain insert: %v", have)
	}
}

// A voluntary burn before the burn share has retired violates the schedule.
func TestChainBurnLockedRejected(t *testing.T) {
	chain, _ := newTestChain(t)
	defer chain.Stop()

	p1Key, _ := testKey(t, 0x01)
	burnerKey, burner := testKey(t, 0x07)
	nodeKey, _ := testKey(t, 0x05)

	mint := makeTx(t, types.TxFaucetMint, nodeKey, burner, big.NewInt(500), new(big.Int), 1)
	block1 := makeBlock(t, chain.Config(), chain.Genesis(), p1Key, types.Transactions{mint})
	if err := chain.InsertBlock(block1); err != nil {
		t.Fatalf("inserting faucet block: %v", err)
	}
	checkBalance(t, chain, burner, 500)

	early := makeTx(t, types.TxVoluntaryBurn, burnerKey, params.BurnAddress, big.NewInt(100), new(big.Int), 1)
	bad := makeBlock(t, chain.Config(), block1, p1Key, types.Transactions{early})
	if err := chain.InsertBlock(bad); !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("early burn: have %v, want %v", err, ErrInvariantViolation)
	}
}

// After six halvings the burn share reaches zero: voluntary burns commit,
// score whole tokens and raise the sender's ordering multiplier.
func TestChainVoluntaryBurnScoresReputation(t *testing.T) {
	chain, _ := newTestChain(t)
	defer chain.Stop()

	cfg := chain.Config()
	proposerKey, _ := testKey(t, 0x01)
	nodeKey, _ := testKey(t, 0x05)
	burnerKey, burner := testKey(t, 0x07)

	// Six halvings at three blocks apiece retire the burn share.
	parent := chain.Genesis()
	for h := uint64(1); h <= 18; h++ {
		block := makeBlock(t, cfg, parent, proposerKey, nil)
		if err := chain.InsertBlock(block); err != nil {
			t.Fatalf("inserting block %d: %v", h, err)
		}
		parent = block
	}
	if !chain.VoluntaryBurnUnlocked() {
		t.Fatalf("burn share not retired after 18 blocks: %v", chain.EmissionState().Split)
	}

	grant := new(big.Int).Mul(big.NewInt(501), big.NewInt(params.PRGLD))
	mint := makeTx(t, types.TxFaucetMint, nodeKey, burner, grant, new(big.Int), 1)
	block19 := makeBlock(t, cfg, parent, proposerKey, types.Transactions{mint})
	if err := chain.InsertBlock(block19); err != nil {
		t.Fatalf("inserting faucet block: %v", err)
	}

	burnAmount := new(big.Int).Mul(big.NewInt(500), big.NewInt(params.PRGLD))
	burnBefore := chain.BalanceOf(params.BurnAddress)
	burn := makeTx(t, types.TxVoluntaryBurn, burnerKey, params.BurnAddress, burnAmount, new(big.Int), 1)
	block20 := makeBlock(t, cfg, block19, proposerKey, types.Transactions{burn})
	if err := chain.InsertBlock(block20); err != nil {
		t.Fatalf("inserting burn block: %v", err)
	}

	wantBurner := new(big.Int).Mul(big.NewInt(1), big.NewInt(params.PRGLD))
	if have := chain.BalanceOf(burner); have.Cmp(wantBurner) != 0 {
		t.Fatalf("burner balance: have %v, want %v", have, wantBurner)
	}
	wantPool := new(big.Int).Add(burnBefore, burnAmount)
	if have := chain.BalanceOf(params.BurnAddress); have.Cmp(wantPool) != 0 {
		t.Fatalf("burn address balance: have %v, want %v", have, wantPool)
	}

	nowMs := chain.CurrentBlock().Timestamp()
	if have := chain.Reputation().EffectiveScore(burner, nowMs); have != 500 {
		t.Fatalf("burn score: have %v, want 500", have)
	}
	mult := chain.Reputation().Multiplier(burner, nowMs)
	if mult <= 1 || mult > 10 {
		t.Fatalf("multiplier out of range: %v", mult)
	}
	if tier := chain.Reputation().Tier(burner, nowMs); tier < 2 {
		t.Fatalf("tier not raised by burn: %d", tier)
	}
}

// A clean shutdown snapshots the tip state; reopening needs no replay and
// reproduces balances and nonces exactly.
func TestChainRestartAfterStop(t *testing.T) {
	chain, db := newTestChain(t)

	p1Key, p1 := testKey(t, 0x01)
	_, x := testKey(t, 0x03)

	parent := chain.Genesis()
	for h := uint64(1); h <= 4; h++ {
		var txs types.Transactions
		if h == 2 {
			txs = types.Transactions{makeTransfer(t, p1Key, x, 100, 10, 1)}
		}
		block := makeBlock(t, chain.Config(), parent, p1Key, txs)
		if err := chain.InsertBlock(block); err != nil {
			t.Fatalf("inserting block %d: %v", h, err)
		}
		parent = block
	}
	before := chain.statedb.Accounts()
	tip := chain.CurrentBlock().Hash()
	chain.Stop()

	reopened, err := NewBlockChain(db, params.TestChainConfig)
	if err != nil {
		t.Fatalf("reopening chain: %v", err)
	}
	defer reopened.Stop()

	if have := reopened.CurrentBlock().Hash(); have != tip {
		t.Fatalf("tip after restart: have %v, want %v", have, tip)
	}
	after := reopened.statedb.Accounts()
	if len(after) != len(before) {
		t.Fatalf("account set changed across restart:\nbefore: %safter: %s", spew.Sdump(before), spew.Sdump(after))
	}
	for addr, want := range before {
		have, ok := after[addr]
		if !ok || have.Nonce != want.Nonce || have.Balance.Cmp(want.Balance) != 0 {
			t.Fatalf("account %v diverged across restart:\nbefore: %safter: %s", addr, spew.Sdump(want), spew.Sdump(have))
		}
	}
	if have := reopened.NonceOf(p1); have != 1 {
		t.Fatalf("nonce lost across restart: have %d, want 1", have)
	}
}

// Without a clean shutdown the chain replays every block above the last
// snapshot and arrives at the same state.
func TestChainCrashReplay(t *testing.T) {
	chain, db := newTestChain(t)

	p1Key, p1 := testKey(t, 0x01)
	_, x := testKey(t, 0x03)

	parent := chain.Genesis()
	for h := uint64(1); h <= 5; h++ {
		var txs types.Transactions
		if h == 3 {
			txs = types.Transactions{makeTransfer(t, p1Key, x, 250, 5, 1)}
		}
		block := makeBlock(t, chain.Config(), parent, p1Key, txs)
		if err := chain.InsertBlock(block); err != nil {
			t.Fatalf("inserting block %d: %v", h, err)
		}
		parent = block
	}
	wantTip := chain.CurrentBlock().Hash()
	wantBalance := chain.BalanceOf(p1)
	// No Stop: simulate a crash by reopening the database as is.

	reopened, err := NewBlockChain(db, params.TestChainConfig)
	if err != nil {
		t.Fatalf("reopening chain after crash: %v", err)
	}
	defer reopened.Stop()

	if have := reopened.CurrentBlock().Hash(); have != wantTip {
		t.Fatalf("tip after crash replay: have %v, want %v", have, wantTip)
	}
	if have := reopened.BalanceOf(p1); have.Cmp(wantBalance) != 0 {
		t.Fatalf("balance after crash replay: have %v, want %v", have, wantBalance)
	}
	if have := reopened.NonceOf(p1); have != 1 {
		t.Fatalf("nonce after crash replay: have %d, want 1", have)
	}
}

func TestChainGetTransaction(t *testing.T) {
	chain, _ := newTestChain(t)
	defer chain.Stop()

	p1Key, _ := testKey(t, 0x01)
	_, x := testKey(t, 0x03)

	block1 := makeBlock(t, chain.Config(), chain.Genesis(), p1Key, nil)
	if err := chain.InsertBlock(block1); err != nil {
		t.Fatalf("inserting block 1: %v", err)
	}
	tx := makeTransfer(t, p1Key, x, 10, 1, 1)
	block2 := makeBlock(t, chain.Config(), block1, p1Key, types.Transactions{tx})
	if err := chain.InsertBlock(block2); err != nil {
		t.Fatalf("inserting block 2: %v", err)
	}
	block3 := makeBlock(t, chain.Config(), block2, p1Key, nil)
	if err := chain.InsertBlock(block3); err != nil {
		t.Fatalf("inserting block 3: %v", err)
	}

	found, height, confirmations := chain.GetTransaction(tx.Hash())
	if found == nil || found.Hash() != tx.Hash() {
		t.Fatalf("transaction not found by id")
	}
	if height != 2 || confirmations != 2 {
		t.Fatalf("lookup position: have height %d confirmations %d, want 2 and 2", height, confirmations)
	}
	if missing, _, _ := chain.GetTransaction(common.Hash{0xff}); missing != nil {
		t.Fatalf("lookup of unknown id returned %v", missing)
	}
}

func TestChainEncodedBlock(t *testing.T) {
	chain, _ := newTestChain(t)
	defer chain.Stop()

	p1Key, _ := testKey(t, 0x01)
	block1 := makeBlock(t, chain.Config(), chain.Genesis(), p1Key, nil)
	if err := chain.InsertBlock(block1); err != nil {
		t.Fatalf("inserting block 1: %v", err)
	}
	want, err := block1.MarshalBinary()
	if err != nil {
		t.Fatalf("encoding block: %v", err)
	}
	if have := chain.EncodedBlock(1); !bytes.Equal(have, want) {
		t.Fatalf("encoded block mismatch: have %d bytes, want %d", len(have), len(want))
	}
	if have := chain.EncodedBlock(99); have != nil {
		t.Fatalf("encoding of unknown height returned %d bytes", len(have))
	}
}

// Opening a database without a genesis must fail.
func TestChainRequiresGenesis(t *testing.T) {
	if _, err := NewBlockChain(memorydb.New(), params.TestChainConfig); !errors.Is(err, ErrNoGenesis) {
		t.Fatalf("virgin database: have %v, want %v", err, ErrNoGenesis)
	}
}
