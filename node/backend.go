package node

import (
	"errors"
	"sync/atomic"

	"github.com/Zollkron/gamerchain-sub000/bootstrap"
	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/consensus"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/log"
)

// errChainNotReady rejects chain-bound messages while the node has no
// chain yet, either because the formation is still running or because the
// node is waiting to join.
var errChainNotReady = errors.New("node: chain not ready")

// backend routes network messages into whichever phase the node is in:
// the bootstrap manager before formation, the agreement engine after. It
// also drives the block-by-block catch-up when the node falls behind.
type backend struct {
	node *Node

	fetching atomic.Bool   // one in-flight block request at a time
	seenTip  atomic.Uint64 // highest committed height heard in gossip
}

func newBackend(n *Node) *backend {
	return &backend{node: n}
}

func (b *backend) TipHeight() uint64 {
	chain := b.node.BlockChain()
	if chain == nil {
		return 0
	}
	return chain.CurrentBlock().Height()
}

func (b *backend) GenesisHash() common.Hash {
	chain := b.node.BlockChain()
	if chain == nil {
		return common.Hash{}
	}
	return chain.Genesis().Hash()
}

func (b *backend) BlockByHeight(height uint64) *types.Block {
	chain := b.node.BlockChain()
	if chain == nil {
		return nil
	}
	return chain.GetBlockByHeight(height)
}

func (b *backend) HandleTransactions(from common.Address, txs types.Transactions) []error {
	pool := b.node.TxPool()
	if pool == nil {
		errs := make([]error, len(txs))
		for i := range errs {
			errs[i] = errChainNotReady
		}
		return errs
	}
	return pool.AddRemotes(txs)
}

func (b *backend) HandleProposal(from common.Address, block *types.Block) error {
	engine := b.node.Engine()
	if engine == nil {
		return errChainNotReady
	}
	return engine.HandleProposal(block)
}

func (b *backend) HandleVote(from common.Address, vote *types.Vote) error {
	engine := b.node.Engine()
	if engine == nil {
		return errChainNotReady
	}
	return engine.HandleVote(vote)
}

// HandleCommitted ingests committed-block announcements. Without a chain
// the node cannot verify anything above the genesis, so it fetches block
// zero from the announcing peer and adopts the network through joinNetwork.
// With a chain, announcements beyond tip+1 trigger a serial catch-up that
// requests exactly the next missing block.
func (b *backend) HandleCommitted(from common.Address, block *types.Block) error {
	engine := b.node.Engine()
	if engine == nil {
		if block.Height() == 0 {
			return b.node.joinNetwork(block)
		}
		b.requestBlock(from, 0)
		return errChainNotReady
	}

	b.recordSeen(block.Height())
	err := engine.HandleCommitted(block)
	switch {
	case errors.Is(err, consensus.ErrFutureBlock):
		b.requestBlock(from, b.node.BlockChain().CurrentBlock().Height()+1)
	case err == nil:
		// Keep pulling while the gossip high-water mark says there is more.
		if tip := b.node.BlockChain().CurrentBlock().Height(); tip < b.seenTip.Load() {
			b.requestBlock(from, tip+1)
		}
	}
	return err
}

// HandleBootstrapCommit routes genesis endorsements. A pioneer keeps its
// manager after the formation, so the manager is consulted first and
// reports completion itself. Observers without a manager relay any commit
// that carries a valid seal.
func (b *backend) HandleBootstrapCommit(from common.Address, commit *types.BootstrapCommit) error {
	if boot := b.node.bootManager(); boot != nil {
		return boot.HandleCommit(from, commit)
	}
	if b.node.BlockChain() != nil {
		return bootstrap.ErrBootstrapComplete
	}
	return commit.CheckSeal()
}

func (b *backend) recordSeen(height uint64) {
	for {
		cur := b.seenTip.Load()
		if height <= cur || b.seenTip.CompareAndSwap(cur, height) {
			return
		}
	}
}

// requestBlock asks the given peer for one block. A single request is kept
// in flight; peer sends can block, so the call runs off the dispatch
// goroutine.
func (b *backend) requestBlock(from common.Address, height uint64) {
	if !b.fetching.CompareAndSwap(false, true) {
		return
	}
	srv := b.node.Server()
	go func() {
		defer b.fetching.Store(false)
		log.Debug("Requesting block", "height", height, "peer", from)
		if err := srv.RequestBlock(from, height); err != nil {
			log.Debug("Block request failed", "height", height, "peer", from, "err", err)
		}
	}()
}
