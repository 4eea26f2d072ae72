package core

import "github.com/Zollkron/gamerchain-sub000/core/types"

// NewTxsEvent is posted when a batch of transactions enters the transaction
// pool.
type NewTxsEvent struct{ Txs types.Transactions }

// ChainHeadEvent is posted when a block has been committed as the new chain
// tip.
type ChainHeadEvent struct{ Block *types.Block }
