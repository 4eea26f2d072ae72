package core

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/rawdb"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/emission"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/params"
	"github.com/Zollkron/gamerchain-sub000/prgldb"
)

var errGenesisNoConfig = errors.New("core: genesis has no chain configuration")

// Genesis specifies the first block of a chain. The block content is fully
// determined by the configuration and the agreed timestamp: four SystemInit
// entries credit the system accounts in their canonical order, the liquidity
// pool receiving the initial grant and the rest zero. Two nodes constructing
// a Genesis from the same inputs derive the same block hash, which is what
// the bootstrap commit signs off on.
type Genesis struct {
	Config    *params.ChainConfig `json:"config"`
	Timestamp uint64              `json:"timestamp"` // unix milliseconds, agreed during bootstrap
}

// GenesisMismatchError is raised when a database already holds a different
// genesis block than the one being set up.
type GenesisMismatchError struct {
	Stored, New common.Hash
}

func (e *GenesisMismatchError) Error() string {
	return fmt.Sprintf("database contains incompatible genesis (have %x, new %x)", e.Stored, e.New)
}

// SetupGenesisBlock installs or verifies the genesis block of a database.
//
// The rules are:
//   - empty database, genesis given: commit it and return its configuration.
//   - empty database, nil genesis: ErrNoGenesis; the caller has to run the
//     bootstrap first.
//   - database with a genesis, genesis given: the block hashes must match and
//     the configurations must be compatible.
//   - database with a genesis, nil genesis: return the stored configuration.
func SetupGenesisBlock(db prgldb.Database, genesis *Genesis) (*params.ChainConfig, common.Hash, error) {
	if genesis != nil && genesis.Config == nil {
		return nil, common.Hash{}, errGenesisNoConfig
	}
	stored, ok := rawdb.ReadGenesisHash(db)
	if !ok {
		if genesis == nil {
			return nil, common.Hash{}, ErrNoGenesis
		}
		log.Info("Writing genesis block", "network", genesis.Config.NetworkID)
		block, err := genesis.Commit(db)
		if err != nil {
			return nil, common.Hash{}, err
		}
		return genesis.Config, block.Hash(), nil
	}
	if genesis != nil {
		if hash := genesis.ToBlock().Hash(); hash != stored {
			return nil, common.Hash{}, &GenesisMismatchError{Stored: stored, New: hash}
		}
	}
	storedcfg := rawdb.ReadChainConfig(db, stored)
	if storedcfg == nil {
		if genesis == nil {
			return nil, common.Hash{}, fmt.Errorf("genesis block %x has no stored configuration", stored)
		}
		log.Warn("Found genesis block without chain config, restoring")
		rawdb.WriteChainConfig(db, stored, genesis.Config)
		return genesis.Config, stored, nil
	}
	if genesis != nil {
		if compatErr := storedcfg.CheckCompatible(genesis.Config); compatErr != nil {
			return nil, common.Hash{}, compatErr
		}
	}
	return storedcfg, stored, nil
}

// ToBlock derives the genesis block. The header carries the zero parent hash,
// the zero proposer and no seal; validation exempts height zero from the seal
// requirement.
func (g *Genesis) ToBlock() *types.Block {
	txs := make(types.Transactions, 0, 4)
	for _, addr := range params.SystemAddresses() {
		amount := new(big.Int)
		if addr == params.LiquidityPoolAddress {
			amount.Set(g.Config.InitialLiquidity)
		}
		txs = append(txs, types.NewSystemTransaction(types.TxSystemInit, common.Address{}, addr, amount, g.Timestamp))
	}
	header := &types.Header{
		Height:     0,
		ParentHash: common.Hash{},
		Proposer:   common.Address{},
		Timestamp:  g.Timestamp,
	}
	return types.NewBlock(header, txs)
}

// Commit writes the genesis block and its implied state to the database: the
// block with its indexes, the tip pointer, the genesis hash, the chain
// configuration, the initial emission state and an account snapshot at height
// zero, all in one batch.
func (g *Genesis) Commit(db prgldb.Database) (*types.Block, error) {
	if g.Config == nil {
		return nil, errGenesisNoConfig
	}
	if err := g.Config.Sanity(); err != nil {
		return nil, fmt.Errorf("invalid genesis configuration: %w", err)
	}
	block := g.ToBlock()
	statedb := NewStateDB()
	if err := NewStateProcessor(g.Config).Process(block, nil, statedb); err != nil {
		return nil, fmt.Errorf("genesis block does not validate: %w", err)
	}
	batch := db.NewBatch()
	rawdb.WriteBlock(batch, block)
	rawdb.WriteBlockHashIndex(batch, block.Hash(), 0)
	rawdb.WriteTxLookups(batch, block)
	rawdb.WriteTipBlock(batch, 0, block.Hash())
	rawdb.WriteGenesisHash(batch, block.Hash())
	rawdb.WriteChainConfig(batch, block.Hash(), g.Config)
	rawdb.WriteEmissionState(batch, emission.GenesisState(g.Config))
	for addr, account := range statedb.Accounts() {
		rawdb.WriteAccount(batch, addr, account)
	}
	rawdb.WriteBalanceSnapshotHeight(batch, 0)
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("writing genesis block: %w", err)
	}
	log.Info("Committed genesis block", "hash", block.Hash().TerminalString(),
		"timestamp", g.Timestamp, "liquidity", g.Config.InitialLiquidity)
	return block, nil
}

// MustCommit writes the genesis block to the database, panicking on error.
// Test helper.
func (g *Genesis) MustCommit(db prgldb.Database) *types.Block {
	block, err := g.Commit(db)
	if err != nil {
		panic(err)
	}
	return block
}

// DefaultTestGenesis returns a genesis over the test configuration with a
// fixed timestamp, giving every test the same block zero hash.
func DefaultTestGenesis() *Genesis {
	return &Genesis{Config: params.TestChainConfig, Timestamp: 1_700_000_000_000}
}
