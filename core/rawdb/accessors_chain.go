package rawdb

import (
	"encoding/binary"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/prgldb"
)

// ReadTipBlock retrieves the height and hash of the latest committed block.
// The ok result is false on a virgin database.
func ReadTipBlock(db prgldb.KeyValueReader) (height uint64, hash common.Hash, ok bool) {
	data, _ := db.Get(tipBlockKey)
	if len(data) != 8+common.HashLength {
		return 0, common.Hash{}, false
	}
	return binary.BigEndian.Uint64(data[:8]), common.BytesToHash(data[8:]), true
}

// WriteTipBlock stores the height and hash of the latest committed block.
func WriteTipBlock(db prgldb.KeyValueWriter, height uint64, hash common.Hash) {
	data := append(encodeBlockHeight(height), hash.Bytes()...)
	if err := db.Put(tipBlockKey, data); err != nil {
		log.Crit("Failed to store tip block", "err", err)
	}
}

// ReadGenesisHash retrieves the hash of block zero.
func ReadGenesisHash(db prgldb.KeyValueReader) (common.Hash, bool) {
	data, _ := db.Get(genesisHashKey)
	if len(data) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(data), true
}

// WriteGenesisHash pins the hash of block zero.
func WriteGenesisHash(db prgldb.KeyValueWriter, hash common.Hash) {
	if err := db.Put(genesisHashKey, hash.Bytes()); err != nil {
		log.Crit("Failed to store genesis hash", "err", err)
	}
}

// ReadBlock retrieves the block at the given height, or nil when absent or
// undecodable.
func ReadBlock(db prgldb.KeyValueReader, height uint64) *types.Block {
	data, _ := db.Get(blockKey(height))
	if len(data) == 0 {
		return nil
	}
	block, err := types.DecodeBlock(data)
	if err != nil {
		log.Error("Invalid block encoding in database", "height", height, "err", err)
		return nil
	}
	return block
}

// WriteBlock stores a block keyed by height together with its hash index.
func WriteBlock(db prgldb.KeyValueWriter, block *types.Block) {
	data, err := block.MarshalBinary()
	if err != nil {
		log.Crit("Failed to encode block", "height", block.Height(), "err", err)
	}
	if err := db.Put(blockKey(block.Height()), data); err != nil {
		log.Crit("Failed to store block", "height", block.Height(), "err", err)
	}
	WriteBlockHashIndex(db, block.Hash(), block.Height())
}

// ReadBlockHeight resolves a block hash to its height.
func ReadBlockHeight(db prgldb.KeyValueReader, hash common.Hash) (uint64, bool) {
	data, _ := db.Get(blockHashKey(hash))
	if len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// WriteBlockHashIndex stores the hash to height mapping of a block.
func WriteBlockHashIndex(db prgldb.KeyValueWriter, hash common.Hash, height uint64) {
	if err := db.Put(blockHashKey(hash), encodeBlockHeight(height)); err != nil {
		log.Crit("Failed to store block hash index", "hash", hash, "err", err)
	}
}

// ReadTxLookup resolves a transaction id to the height of the block that
// committed it.
func ReadTxLookup(db prgldb.KeyValueReader, hash common.Hash) (uint64, bool) {
	data, _ := db.Get(txLookupKey(hash))
	if len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// WriteTxLookups stores the committed-height index for every transaction of
// a block.
func WriteTxLookups(db prgldb.KeyValueWriter, block *types.Block) {
	height := encodeBlockHeight(block.Height())
	for _, tx := range block.Transactions() {
		if err := db.Put(txLookupKey(tx.Hash()), height); err != nil {
			log.Crit("Failed to store transaction lookup", "tx", tx.Hash(), "err", err)
		}
	}
}
