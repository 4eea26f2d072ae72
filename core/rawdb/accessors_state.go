package rawdb

import (
	"encoding/binary"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/emission"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/prgldb"
	"github.com/Zollkron/gamerchain-sub000/reputation"
)

// ReadBalanceSnapshotHeight retrieves the height the account snapshot was
// taken at. The ok result is false when no snapshot exists.
func ReadBalanceSnapshotHeight(db prgldb.KeyValueReader) (uint64, bool) {
	data, _ := db.Get(balanceHeightKey)
	if len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// WriteBalanceSnapshotHeight marks the height of the account snapshot.
func WriteBalanceSnapshotHeight(db prgldb.KeyValueWriter, height uint64) {
	if err := db.Put(balanceHeightKey, encodeBlockHeight(height)); err != nil {
		log.Crit("Failed to store balance snapshot height", "err", err)
	}
}

// ReadAccount retrieves the snapshotted account record of an address. The ok
// result is false when the address was never part of a snapshot.
func ReadAccount(db prgldb.KeyValueReader, addr common.Address) (*types.Account, bool) {
	data, _ := db.Get(balanceKey(addr))
	if len(data) == 0 {
		return nil, false
	}
	account := new(types.Account)
	if err := account.UnmarshalBinary(data); err != nil {
		log.Error("Invalid account record in database", "address", addr, "err", err)
		return nil, false
	}
	return account, true
}

// WriteAccount stores the account record of one address.
func WriteAccount(db prgldb.KeyValueWriter, addr common.Address, account *types.Account) {
	data, err := account.MarshalBinary()
	if err != nil {
		log.Crit("Failed to encode account record", "address", addr, "err", err)
	}
	if err := db.Put(balanceKey(addr), data); err != nil {
		log.Crit("Failed to store account record", "address", addr, "err", err)
	}
}

// ReadAllAccounts sweeps the account prefix and returns every snapshotted
// record.
func ReadAllAccounts(db prgldb.Iteratee) map[common.Address]*types.Account {
	out := make(map[common.Address]*types.Account)
	it := NewKeyLengthIterator(db.NewIterator(balancePrefix, nil), len(balancePrefix)+common.AddressLength)
	defer it.Release()
	for it.Next() {
		account := new(types.Account)
		if err := account.UnmarshalBinary(it.Value()); err != nil {
			log.Error("Invalid account record in database", "key", it.Key(), "err", err)
			continue
		}
		out[common.BytesToAddress(it.Key()[len(balancePrefix):])] = account
	}
	return out
}

// ReadEmissionState retrieves the persisted emission position, or nil on a
// virgin database.
func ReadEmissionState(db prgldb.KeyValueReader) *emission.State {
	data, _ := db.Get(emissionStateKey)
	if len(data) == 0 {
		return nil
	}
	state := new(emission.State)
	if err := state.UnmarshalBinary(data); err != nil {
		log.Error("Invalid emission state in database", "err", err)
		return nil
	}
	return state
}

// WriteEmissionState stores the emission position.
func WriteEmissionState(db prgldb.KeyValueWriter, state *emission.State) {
	data, err := state.MarshalBinary()
	if err != nil {
		log.Crit("Failed to encode emission state", "err", err)
	}
	if err := db.Put(emissionStateKey, data); err != nil {
		log.Crit("Failed to store emission state", "err", err)
	}
}

// ReadReputation retrieves the reputation record of an account. Missing
// accounts read as the zero record.
func ReadReputation(db prgldb.KeyValueReader, addr common.Address) reputation.Record {
	data, _ := db.Get(reputationKey(addr))
	var rec reputation.Record
	if len(data) == 0 {
		return rec
	}
	if err := rec.UnmarshalBinary(data); err != nil {
		log.Error("Invalid reputation record in database", "address", addr, "err", err)
		return reputation.Record{}
	}
	return rec
}

// WriteReputation stores the reputation record of one account.
func WriteReputation(db prgldb.KeyValueWriter, addr common.Address, rec reputation.Record) {
	data, err := rec.MarshalBinary()
	if err != nil {
		log.Crit("Failed to encode reputation record", "address", addr, "err", err)
	}
	if err := db.Put(reputationKey(addr), data); err != nil {
		log.Crit("Failed to store reputation record", "address", addr, "err", err)
	}
}

// ReadAllReputation sweeps the reputation prefix and returns every record.
func ReadAllReputation(db prgldb.Iteratee) map[common.Address]reputation.Record {
	out := make(map[common.Address]reputation.Record)
	it := NewKeyLengthIterator(db.NewIterator(reputationPrefix, nil), len(reputationPrefix)+common.AddressLength)
	defer it.Release()
	for it.Next() {
		var rec reputation.Record
		if err := rec.UnmarshalBinary(it.Value()); err != nil {
			continue
		}
		out[common.BytesToAddress(it.Key()[len(reputationPrefix):])] = rec
	}
	return out
}
