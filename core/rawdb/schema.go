// Package rawdb contains the persistence schema of the ledger and a
// collection of low level database accessors.
package rawdb

import (
	"encoding/binary"

	"github.com/Zollkron/gamerchain-sub000/common"
)

// The schema keeps related records under one byte prefixes so a prefix
// iterator can sweep a whole family (balances, reputation) in one pass.
var (
	// tipBlockKey tracks the height and hash of the latest committed block.
	tipBlockKey = []byte("TipBlock")

	// genesisHashKey pins the hash of block zero, exchanged in handshakes.
	genesisHashKey = []byte("GenesisHash")

	// emissionStateKey holds the emission position as of the tip.
	emissionStateKey = []byte("EmissionState")

	// balanceHeightKey marks the height the balance snapshot was taken at.
	balanceHeightKey = []byte("BalanceSnapshotHeight")

	// uncleanShutdownKey tracks the list of unclean shutdowns.
	uncleanShutdownKey = []byte("UncleanShutdown")

	// configPrefix + genesis hash -> chain config JSON
	configPrefix = []byte("gamerchain-config-")

	blockPrefix       = []byte("b") // blockPrefix + height (uint64 big endian) -> block body
	blockHashPrefix   = []byte("H") // blockHashPrefix + hash -> height (uint64 big endian)
	balancePrefix     = []byte("a") // balancePrefix + address -> account record (nonce + balance)
	reputationPrefix  = []byte("r") // reputationPrefix + address -> reputation record
	txLookupPrefix    = []byte("l") // txLookupPrefix + tx id -> height (uint64 big endian)
)

// encodeBlockHeight encodes a block height as big endian uint64.
func encodeBlockHeight(height uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, height)
	return enc
}

// blockKey = blockPrefix + height
func blockKey(height uint64) []byte {
	return append(blockPrefix, encodeBlockHeight(height)...)
}

// blockHashKey = blockHashPrefix + hash
func blockHashKey(hash common.Hash) []byte {
	return append(blockHashPrefix, hash.Bytes()...)
}

// balanceKey = balancePrefix + address
func balanceKey(addr common.Address) []byte {
	return append(balancePrefix, addr.Bytes()...)
}

// reputationKey = reputationPrefix + address
func reputationKey(addr common.Address) []byte {
	return append(reputationPrefix, addr.Bytes()...)
}

// txLookupKey = txLookupPrefix + tx id
func txLookupKey(hash common.Hash) []byte {
	return append(txLookupPrefix, hash.Bytes()...)
}

// configKey = configPrefix + genesis hash
func configKey(hash common.Hash) []byte {
	return append(configPrefix, hash.Bytes()...)
}
