package core

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"
	lru "github.com/hashicorp/golang-lru"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/rawdb"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/emission"
	"github.com/Zollkron/gamerchain-sub000/event"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/metrics"
	"github.com/Zollkron/gamerchain-sub000/params"
	"github.com/Zollkron/gamerchain-sub000/prgldb"
	"github.com/Zollkron/gamerchain-sub000/reputation"
)

var (
	headBlockGauge   = metrics.NewRegisteredGauge("chain/head/block", nil)
	blockInsertMeter = metrics.NewRegisteredMeter("chain/inserts", nil)
	blockTxsMeter    = metrics.NewRegisteredMeter("chain/txs", nil)
	blockReplayMeter = metrics.NewRegisteredMeter("chain/replays", nil)
)

const (
	// blockCacheLimit bounds the decoded blocks kept hot for lookups.
	blockCacheLimit = 256

	// encodedCacheBytes sizes the cache of canonical block encodings kept
	// around for serving catch-up requests without a decode round trip.
	encodedCacheBytes = 16 * 1024 * 1024
)

// BlockChain is the committed chain of a node: a fork-free sequence of blocks
// with the account state, emission position and reputation scores they imply.
//
// Blocks enter through InsertBlock only after consensus committed them; the
// chain revalidates everything regardless and never reorganises. A block, its
// indexes, the emission state and the touched reputation records go to disk in
// one atomic batch, so a crash leaves the database at a block boundary. Account
// balances are persisted as periodic snapshots; a restart replays the blocks
// past the latest snapshot to rebuild the exact tip state.
type BlockChain struct {
	chainConfig *params.ChainConfig
	db          prgldb.Database

	processor *StateProcessor
	emission  *emission.Engine
	scores    *reputation.Scores

	chainHeadFeed event.Feed[ChainHeadEvent]
	scope         event.SubscriptionScope

	chainmu sync.RWMutex // guards statedb and insertion ordering

	genesisBlock *types.Block
	currentBlock atomic.Value // *types.Block
	statedb      *StateDB     // committed account view at the tip

	blockCache   *lru.Cache      // height -> *types.Block, committed heights never change
	encodedCache *fastcache.Cache

	lastSnapshot uint64 // height of the latest persisted account snapshot
	running      int32  // 0 while the chain accepts inserts, 1 after Stop
}

// NewBlockChain opens the chain stored in db. The database must already hold
// a committed genesis block (see SetupGenesisBlock); ErrNoGenesis is returned
// otherwise. The account view is rebuilt from the latest balance snapshot by
// replaying the blocks above it.
func NewBlockChain(db prgldb.Database, config *params.ChainConfig) (*BlockChain, error) {
	genesis := rawdb.ReadBlock(db, 0)
	if genesis == nil {
		return nil, ErrNoGenesis
	}
	blockCache, _ := lru.New(blockCacheLimit)
	bc := &BlockChain{
		chainConfig:  config,
		db:           db,
		processor:    NewStateProcessor(config),
		genesisBlock: genesis,
		blockCache:   blockCache,
		encodedCache: fastcache.New(encodedCacheBytes),
	}
	if err := bc.loadLastState(); err != nil {
		return nil, err
	}
	tip := bc.CurrentBlock()

	emState := rawdb.ReadEmissionState(db)
	if emState == nil {
		log.Warn("Emission state missing, deriving from height", "height", tip.Height())
		emState = &emission.State{
			RewardNow:       emission.RewardFor(config, tip.Height()+1),
			Split:           emission.SplitFor(config, tip.Height()+1),
			HalvingsElapsed: tip.Height() / config.HalvingPeriodBlocks,
		}
	}
	bc.emission = emission.New(config, emState)
	bc.scores = reputation.New(config, rawdb.ReadAllReputation(db))

	headBlockGauge.Update(int64(tip.Height()))
	log.Info("Loaded committed chain", "height", tip.Height(), "hash", tip.Hash().TerminalString(),
		"accounts", bc.statedb.Len(), "scored", bc.scores.Len())
	return bc, nil
}

// loadLastState rebuilds the tip account view: seed from the latest balance
// snapshot, then replay every block above it through full validation. A replay
// failure means the database contradicts itself and the node must not start.
func (bc *BlockChain) loadLastState() error {
	tipHeight, tipHash, ok := rawdb.ReadTipBlock(bc.db)
	if !ok {
		log.Warn("Tip pointer missing, falling back to genesis")
		tipHeight, tipHash = 0, bc.genesisBlock.Hash()
	}
	statedb := NewStateDB()
	replayFrom := uint64(0)
	if snapHeight, ok := rawdb.ReadBalanceSnapshotHeight(bc.db); ok && snapHeight <= tipHeight {
		statedb = NewStateDBFromAccounts(rawdb.ReadAllAccounts(bc.db))
		replayFrom = snapHeight + 1
		bc.lastSnapshot = snapHeight
	} else {
		log.Warn("Balance snapshot missing, replaying from genesis")
	}
	var parent *types.Block
	if replayFrom > 0 {
		if parent = rawdb.ReadBlock(bc.db, replayFrom-1); parent == nil {
			return fmt.Errorf("database corrupt: missing block %d below tip %d", replayFrom-1, tipHeight)
		}
	}
	for h := replayFrom; h <= tipHeight; h++ {
		block := rawdb.ReadBlock(bc.db, h)
		if block == nil {
			return fmt.Errorf("database corrupt: missing block %d below tip %d", h, tipHeight)
		}
		if err := bc.processor.Process(block, parent, statedb); err != nil {
			return fmt.Errorf("database corrupt: replay of block %d: %w", h, err)
		}
		blockReplayMeter.Mark(1)
		parent = block
	}
	if parent.Hash() != tipHash {
		return fmt.Errorf("database corrupt: tip pointer %s does not match block %d (%s)",
			tipHash.TerminalString(), tipHeight, parent.Hash().TerminalString())
	}
	if replayFrom <= tipHeight {
		log.Info("Replayed blocks above balance snapshot", "from", replayFrom, "tip", tipHeight)
	}
	bc.statedb = statedb
	bc.currentBlock.Store(parent)
	return nil
}

// InsertBlock appends a consensus-committed block to the chain. Re-inserting
// an already committed block returns ErrKnownBlock and changes nothing; a
// different block at a committed height returns ErrSideChainBlock. The block
// is fully revalidated; on success it is durable before InsertBlock returns
// and a ChainHeadEvent is delivered to subscribers.
func (bc *BlockChain) InsertBlock(block *types.Block) error {
	if atomic.LoadInt32(&bc.running) != 0 {
		return fmt.Errorf("blockchain stopped")
	}
	bc.chainmu.Lock()
	current := bc.CurrentBlock()
	if block.Height() <= current.Height() {
		existing := bc.getBlock(block.Height())
		bc.chainmu.Unlock()
		if existing != nil && existing.Hash() == block.Hash() {
			return ErrKnownBlock
		}
		return fmt.Errorf("%w: height %d already committed", ErrSideChainBlock, block.Height())
	}
	statedb := bc.statedb.Copy()
	if err := bc.processor.Process(block, current, statedb); err != nil {
		bc.chainmu.Unlock()
		return err
	}
	bc.commit(block, statedb)
	bc.chainmu.Unlock()

	bc.chainHeadFeed.Send(ChainHeadEvent{Block: block})
	return nil
}

// ValidateProposal fully validates a block that would extend the current tip
// without committing anything. Voters run proposals through this before
// approving them.
func (bc *BlockChain) ValidateProposal(block *types.Block) error {
	bc.chainmu.RLock()
	defer bc.chainmu.RUnlock()
	return bc.processor.Process(block, bc.CurrentBlock(), bc.statedb.Copy())
}

// commit makes a fully validated block durable and swaps in its state. The
// block, its indexes, the advanced emission state, the touched reputation
// records and (periodically) a full account snapshot share one batch. Called
// with chainmu held; a write failure here is unrecoverable.
func (bc *BlockChain) commit(block *types.Block, statedb *StateDB) {
	batch := bc.db.NewBatch()
	rawdb.WriteBlock(batch, block)
	rawdb.WriteBlockHashIndex(batch, block.Hash(), block.Height())
	rawdb.WriteTxLookups(batch, block)
	rawdb.WriteTipBlock(batch, block.Height(), block.Hash())
	rawdb.WriteEmissionState(batch, bc.emission.ObserveCommitted(block.Height()))

	for _, tx := range block.Transactions() {
		if tx.Tag() != types.TxVoluntaryBurn {
			continue
		}
		rec := bc.scores.Observe(tx.Sender(), wholeTokens(tx.Amount()), block.Timestamp())
		rawdb.WriteReputation(batch, tx.Sender(), rec)
	}
	if block.Height()-bc.lastSnapshot >= params.BalanceSnapshotInterval {
		bc.writeAccountSnapshot(batch, block.Height(), statedb)
	}
	if err := batch.Write(); err != nil {
		log.Crit("Failed to write block to database", "height", block.Height(),
			"hash", block.Hash().TerminalString(), "err", err)
	}
	bc.statedb = statedb
	bc.currentBlock.Store(block)
	bc.blockCache.Add(block.Height(), block)
	if enc, err := block.MarshalBinary(); err == nil {
		bc.encodedCache.Set(encodedCacheKey(block.Height()), enc)
	}
	headBlockGauge.Update(int64(block.Height()))
	blockInsertMeter.Mark(1)
	blockTxsMeter.Mark(int64(len(block.Transactions())))
}

// writeAccountSnapshot persists every account record at the given height so a
// restart replays from here instead of from genesis.
func (bc *BlockChain) writeAccountSnapshot(w prgldb.KeyValueWriter, height uint64, statedb *StateDB) {
	for addr, account := range statedb.Accounts() {
		rawdb.WriteAccount(w, addr, account)
	}
	rawdb.WriteBalanceSnapshotHeight(w, height)
	bc.lastSnapshot = height
	log.Debug("Wrote balance snapshot", "height", height, "accounts", statedb.Len())
}

// Stop terminates the chain, persisting a final account snapshot so the next
// start needs no replay. Safe to call more than once.
func (bc *BlockChain) Stop() {
	if !atomic.CompareAndSwapInt32(&bc.running, 0, 1) {
		return
	}
	bc.scope.Close()

	bc.chainmu.Lock()
	defer bc.chainmu.Unlock()
	tip := bc.CurrentBlock()
	if bc.lastSnapshot < tip.Height() {
		batch := bc.db.NewBatch()
		bc.writeAccountSnapshot(batch, tip.Height(), bc.statedb)
		if err := batch.Write(); err != nil {
			log.Error("Failed to write final balance snapshot", "err", err)
		}
	}
	log.Info("Blockchain stopped", "height", tip.Height(), "hash", tip.Hash().TerminalString())
}

// Config returns the chain configuration.
func (bc *BlockChain) Config() *params.ChainConfig { return bc.chainConfig }

// Genesis returns the genesis block.
func (bc *BlockChain) Genesis() *types.Block { return bc.genesisBlock }

// CurrentBlock returns the tip of the committed chain.
func (bc *BlockChain) CurrentBlock() *types.Block {
	return bc.currentBlock.Load().(*types.Block)
}

// GetBlockByHeight returns the committed block at the given height, or nil if
// the chain has not reached it.
func (bc *BlockChain) GetBlockByHeight(height uint64) *types.Block {
	return bc.getBlock(height)
}

func (bc *BlockChain) getBlock(height uint64) *types.Block {
	if cached, ok := bc.blockCache.Get(height); ok {
		return cached.(*types.Block)
	}
	block := rawdb.ReadBlock(bc.db, height)
	if block == nil {
		return nil
	}
	bc.blockCache.Add(height, block)
	return block
}

// GetBlockByHash returns the committed block with the given hash, or nil.
func (bc *BlockChain) GetBlockByHash(hash common.Hash) *types.Block {
	height, ok := rawdb.ReadBlockHeight(bc.db, hash)
	if !ok {
		return nil
	}
	block := bc.getBlock(height)
	if block == nil || block.Hash() != hash {
		return nil
	}
	return block
}

// HasBlock reports whether the exact block is committed.
func (bc *BlockChain) HasBlock(hash common.Hash, height uint64) bool {
	block := bc.getBlock(height)
	return block != nil && block.Hash() == hash
}

// EncodedBlock returns the canonical encoding of the committed block at the
// given height, or nil. Encodings are cached so catch-up bursts do not decode
// and re-encode the same blocks over and over.
func (bc *BlockChain) EncodedBlock(height uint64) []byte {
	key := encodedCacheKey(height)
	if enc, ok := bc.encodedCache.HasGet(nil, key); ok {
		return enc
	}
	block := bc.getBlock(height)
	if block == nil {
		return nil
	}
	enc, err := block.MarshalBinary()
	if err != nil {
		log.Error("Failed to encode committed block", "height", height, "err", err)
		return nil
	}
	bc.encodedCache.Set(key, enc)
	return enc
}

func encodedCacheKey(height uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], height)
	return key[:]
}

// GetTransaction looks up a committed transaction by id. It returns the
// transaction, the height of its block and the confirmation count (1 for the
// tip). A nil transaction means the id is unknown to the committed chain.
func (bc *BlockChain) GetTransaction(hash common.Hash) (*types.Transaction, uint64, uint64) {
	height, ok := rawdb.ReadTxLookup(bc.db, hash)
	if !ok {
		return nil, 0, 0
	}
	block := bc.getBlock(height)
	if block == nil {
		return nil, 0, 0
	}
	tx := block.Transaction(hash)
	if tx == nil {
		return nil, 0, 0
	}
	return tx, height, bc.CurrentBlock().Height() - height + 1
}

// State returns a disposable copy of the ledger at the tip. Writes to the
// copy never reach the chain.
func (bc *BlockChain) State() *StateDB {
	bc.chainmu.RLock()
	defer bc.chainmu.RUnlock()
	return bc.statedb.Copy()
}

// BalanceOf returns the committed balance of addr at the tip.
func (bc *BlockChain) BalanceOf(addr common.Address) *big.Int {
	bc.chainmu.RLock()
	defer bc.chainmu.RUnlock()
	return new(big.Int).Set(bc.statedb.GetBalance(addr))
}

// NonceOf returns the highest committed nonce of addr, zero for a fresh
// account. The first valid transaction nonce is one above this.
func (bc *BlockChain) NonceOf(addr common.Address) uint64 {
	bc.chainmu.RLock()
	defer bc.chainmu.RUnlock()
	return bc.statedb.GetNonce(addr)
}

// HasAccount reports whether addr has ever been touched by a committed block.
func (bc *BlockChain) HasAccount(addr common.Address) bool {
	bc.chainmu.RLock()
	defer bc.chainmu.RUnlock()
	return bc.statedb.Exist(addr)
}

// EmissionState returns the emission position at the tip.
func (bc *BlockChain) EmissionState() *emission.State {
	return bc.emission.State()
}

// VoluntaryBurnUnlocked reports whether the burn share has retired and
// voluntary burns are accepted.
func (bc *BlockChain) VoluntaryBurnUnlocked() bool {
	return bc.emission.VoluntaryBurnUnlocked()
}

// Reputation returns the live voluntary-burn score tracker.
func (bc *BlockChain) Reputation() *reputation.Scores {
	return bc.scores
}

// SubscribeChainHeadEvent registers a subscription for new committed blocks.
func (bc *BlockChain) SubscribeChainHeadEvent(ch chan<- ChainHeadEvent) event.Subscription {
	return bc.scope.Track(bc.chainHeadFeed.Subscribe(ch))
}

// wholeTokens converts a base-unit amount to whole tokens, flooring. Burning
// less than one token scores nothing.
func wholeTokens(amount *big.Int) uint64 {
	tokens := new(big.Int).Div(amount, big.NewInt(params.PRGLD))
	if !tokens.IsUint64() {
		return math.MaxUint64
	}
	return tokens.Uint64()
}
