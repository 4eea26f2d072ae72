package rawdb

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/params"
	"github.com/Zollkron/gamerchain-sub000/prgldb"
)

// ReadChainConfig retrieves the chain settings saved under the given genesis
// hash.
func ReadChainConfig(db prgldb.KeyValueReader, hash common.Hash) *params.ChainConfig {
	data, _ := db.Get(configKey(hash))
	if len(data) == 0 {
		return nil
	}
	var config params.ChainConfig
	if err := json.Unmarshal(data, &config); err != nil {
		log.Error("Invalid chain config JSON", "hash", hash, "err", err)
		return nil
	}
	return &config
}

// WriteChainConfig writes the chain settings under the given genesis hash.
func WriteChainConfig(db prgldb.KeyValueWriter, hash common.Hash, cfg *params.ChainConfig) {
	if cfg == nil {
		return
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		log.Crit("Failed to JSON encode chain config", "err", err)
	}
	if err := db.Put(configKey(hash), data); err != nil {
		log.Crit("Failed to store chain config", "err", err)
	}
}

// crashList tracks boots that were never matched by a clean shutdown. Only the
// most recent timestamps are kept; older ones are counted and dropped.
type crashList struct {
	Discarded uint64
	Recent    []uint64 // unix millisecond timestamps of unclean-shutdown boots
}

const crashesToKeep = 10

func encodeCrashList(cl crashList) []byte {
	out := binary.BigEndian.AppendUint64(nil, cl.Discarded)
	out = binary.BigEndian.AppendUint32(out, uint32(len(cl.Recent)))
	for _, ts := range cl.Recent {
		out = binary.BigEndian.AppendUint64(out, ts)
	}
	return out
}

func decodeCrashList(data []byte) (crashList, bool) {
	if len(data) < 12 {
		return crashList{}, false
	}
	cl := crashList{Discarded: binary.BigEndian.Uint64(data)}
	count := binary.BigEndian.Uint32(data[8:])
	if uint32(len(data)-12) != count*8 {
		return crashList{}, false
	}
	for i := uint32(0); i < count; i++ {
		cl.Recent = append(cl.Recent, binary.BigEndian.Uint64(data[12+8*i:]))
	}
	return cl, true
}

// PushUncleanShutdownMarker appends a new boot timestamp to the crash list and
// returns the markers that were already present, i.e. the boots that never saw
// a matching clean shutdown.
func PushUncleanShutdownMarker(db prgldb.KeyValueStore) ([]uint64, uint64, error) {
	var cl crashList
	if data, err := db.Get(uncleanShutdownKey); err == nil {
		if decoded, ok := decodeCrashList(data); ok {
			cl = decoded
		} else {
			log.Warn("Invalid unclean shutdown marker list, resetting", "size", len(data))
		}
	}
	previous := make([]uint64, len(cl.Recent))
	copy(previous, cl.Recent)

	cl.Recent = append(cl.Recent, params.TimeToTimestamp(time.Now()))
	if count := len(cl.Recent); count > crashesToKeep+1 {
		cl.Discarded += uint64(count - crashesToKeep - 1)
		cl.Recent = cl.Recent[count-crashesToKeep-1:]
	}
	if err := db.Put(uncleanShutdownKey, encodeCrashList(cl)); err != nil {
		log.Warn("Failed to write unclean shutdown marker", "err", err)
		return nil, 0, err
	}
	return previous, cl.Discarded, nil
}

// PopUncleanShutdownMarker removes the marker written by the current boot.
// Called on clean shutdown.
func PopUncleanShutdownMarker(db prgldb.KeyValueStore) {
	data, err := db.Get(uncleanShutdownKey)
	if err != nil {
		log.Warn("Failed to read unclean shutdown marker", "err", err)
		return
	}
	cl, ok := decodeCrashList(data)
	if !ok || len(cl.Recent) == 0 {
		log.Error("Invalid unclean shutdown marker list", "size", len(data))
		return
	}
	cl.Recent = cl.Recent[:len(cl.Recent)-1]
	if err := db.Put(uncleanShutdownKey, encodeCrashList(cl)); err != nil {
		log.Warn("Failed to clear unclean shutdown marker", "err", err)
	}
}

// UpdateUncleanShutdownMarker refreshes the timestamp of the marker written by
// the current boot, so a later crash reports how long the node had been up.
func UpdateUncleanShutdownMarker(db prgldb.KeyValueStore) {
	var cl crashList
	if data, err := db.Get(uncleanShutdownKey); err == nil {
		if decoded, ok := decodeCrashList(data); ok {
			cl = decoded
		}
	}
	if len(cl.Recent) == 0 {
		log.Warn("No unclean shutdown marker to update")
		return
	}
	cl.Recent[len(cl.Recent)-1] = params.TimeToTimestamp(time.Now())
	if err := db.Put(uncleanShutdownKey, encodeCrashList(cl)); err != nil {
		log.Warn("Failed to update unclean shutdown marker", "err", err)
	}
}
