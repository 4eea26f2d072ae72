package core

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/emission"
	"github.com/Zollkron/gamerchain-sub000/params"
)

// systemHeadTags is the mandatory order of the system entries leading every
// non-genesis block.
var systemHeadTags = []types.TxTag{
	types.TxBlockReward,
	types.TxFeeBurn,
	types.TxFeeMaintenance,
	types.TxFeeLiquidity,
}

// StateProcessor validates committed blocks against the chain rules and
// applies them to a state view.
type StateProcessor struct {
	config *params.ChainConfig
}

// NewStateProcessor initialises a new StateProcessor.
func NewStateProcessor(config *params.ChainConfig) *StateProcessor {
	return &StateProcessor{config: config}
}

// Process fully validates block against its parent and applies it to statedb.
// parent is nil exactly when block is the genesis block. The caller passes a
// copy of the committed view; on error the committed view is untouched.
func (p *StateProcessor) Process(block, parent *types.Block, statedb *StateDB) error {
	if err := p.validateHeader(block, parent); err != nil {
		return err
	}
	if err := block.SanityCheck(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	system, users, err := p.splitBody(block)
	if err != nil {
		return err
	}
	if err := p.validateSystemHead(block, system, users); err != nil {
		return err
	}
	burnRetired := emission.SplitFor(p.config, block.Height()).BurnBps == 0
	for i, tx := range block.Transactions() {
		if !tx.IsSystem() {
			if err := userTxValid(tx); err != nil {
				return fmt.Errorf("%w: tx %d [%s]: %v", ErrBadTransactionInBlock, i, tx.Hash().TerminalString(), err)
			}
		}
		if err := ApplyTransaction(p.config, statedb, tx, burnRetired); err != nil {
			switch {
			case errors.Is(err, ErrDoubleSpend):
				return fmt.Errorf("tx %d [%s]: %w", i, tx.Hash().TerminalString(), err)
			case errors.Is(err, ErrBurnLocked):
				return fmt.Errorf("%w: tx %d [%s]: %v", ErrInvariantViolation, i, tx.Hash().TerminalString(), err)
			default:
				return fmt.Errorf("%w: tx %d [%s]: %v", ErrBadTransactionInBlock, i, tx.Hash().TerminalString(), err)
			}
		}
	}
	return nil
}

// validateHeader checks the parent linkage and timestamp ordering.
func (p *StateProcessor) validateHeader(block, parent *types.Block) error {
	if parent == nil {
		if block.Height() != 0 {
			return fmt.Errorf("%w: block %d has no parent", ErrInvariantViolation, block.Height())
		}
		if !block.ParentHash().IsZero() {
			return fmt.Errorf("%w: genesis parent hash %s not zero", ErrInvariantViolation, block.ParentHash().TerminalString())
		}
		return nil
	}
	if block.Height() != parent.Height()+1 {
		return fmt.Errorf("%w: height %d does not extend parent %d", ErrInvariantViolation, block.Height(), parent.Height())
	}
	if block.ParentHash() != parent.Hash() {
		return fmt.Errorf("%w: parent hash %s, want %s", ErrInvariantViolation,
			block.ParentHash().TerminalString(), parent.Hash().TerminalString())
	}
	if block.Timestamp() <= parent.Timestamp() {
		return fmt.Errorf("%w: timestamp %d not after parent %d", ErrInvariantViolation, block.Timestamp(), parent.Timestamp())
	}
	return nil
}

// splitBody separates the system head from the user transactions, rejecting
// system tags anywhere past the head.
func (p *StateProcessor) splitBody(block *types.Block) (system, users types.Transactions, err error) {
	txs := block.Transactions()
	i := 0
	for ; i < len(txs) && txs[i].IsSystem(); i++ {
	}
	system, users = txs[:i], txs[i:]
	for j, tx := range users {
		if tx.IsSystem() {
			return nil, nil, fmt.Errorf("%w: system transaction at body position %d", ErrInvariantViolation, i+j)
		}
	}
	if len(users) > p.config.MaxTxsPerBlock {
		return nil, nil, fmt.Errorf("%w: %d user transactions exceed the block bound %d",
			ErrInvariantViolation, len(users), p.config.MaxTxsPerBlock)
	}
	return system, users, nil
}

// validateSystemHead checks the mandated system entries: SystemInit grants at
// genesis, the reward plus the three fee split entries everywhere else. Every
// amount, recipient and ordering position is fixed by the emission schedule.
func (p *StateProcessor) validateSystemHead(block *types.Block, system, users types.Transactions) error {
	if block.Height() == 0 {
		return p.validateGenesisHead(block, system, users)
	}
	if len(system) != len(systemHeadTags) {
		return fmt.Errorf("%w: %d system entries, want %d", ErrInvariantViolation, len(system), len(systemHeadTags))
	}
	burn, maintenance, liquidity := emission.SplitAmounts(users.TotalFees(), emission.SplitFor(p.config, block.Height()))
	expected := []struct {
		tag       types.TxTag
		recipient common.Address
		amount    *big.Int
	}{
		{types.TxBlockReward, block.Proposer(), emission.RewardFor(p.config, block.Height())},
		{types.TxFeeBurn, params.BurnAddress, burn},
		{types.TxFeeMaintenance, params.MaintenanceAddress, maintenance},
		{types.TxFeeLiquidity, params.LiquidityPoolAddress, liquidity},
	}
	for i, want := range expected {
		tx := system[i]
		if tx.Tag() != want.tag {
			return fmt.Errorf("%w: system entry %d is %s, want %s", ErrInvariantViolation, i, tx.Tag(), want.tag)
		}
		if err := p.validateSystemEntry(block, tx, want.recipient, want.amount); err != nil {
			return fmt.Errorf("%w: system entry %d (%s): %v", ErrInvariantViolation, i, want.tag, err)
		}
	}
	return nil
}

func (p *StateProcessor) validateGenesisHead(block *types.Block, system, users types.Transactions) error {
	if len(users) != 0 {
		return fmt.Errorf("%w: genesis carries %d user transactions", ErrInvariantViolation, len(users))
	}
	addrs := params.SystemAddresses()
	if len(system) != len(addrs) {
		return fmt.Errorf("%w: %d genesis entries, want %d", ErrInvariantViolation, len(system), len(addrs))
	}
	for i, addr := range addrs {
		tx := system[i]
		if tx.Tag() != types.TxSystemInit {
			return fmt.Errorf("%w: genesis entry %d is %s, want %s", ErrInvariantViolation, i, tx.Tag(), types.TxSystemInit)
		}
		amount := new(big.Int)
		if addr == params.LiquidityPoolAddress {
			amount.Set(p.config.InitialLiquidity)
		}
		if err := p.validateSystemEntry(block, tx, addr, amount); err != nil {
			return fmt.Errorf("%w: genesis entry %d: %v", ErrInvariantViolation, i, err)
		}
	}
	return nil
}

// validateSystemEntry pins every field of a mandated entry. Anything a
// proposer could vary (sender, memo, fee, nonce, timestamp) is fixed, so two
// honest validators always derive the same transaction ids.
func (p *StateProcessor) validateSystemEntry(block *types.Block, tx *types.Transaction, recipient common.Address, amount *big.Int) error {
	if err := tx.CheckSeal(); err != nil {
		return err
	}
	if !tx.Sender().IsZero() {
		return fmt.Errorf("sender %v, want the zero address", tx.Sender())
	}
	if tx.Recipient() != recipient {
		return fmt.Errorf("recipient %v, want %v", tx.Recipient(), recipient)
	}
	if tx.Amount().Cmp(amount) != 0 {
		return fmt.Errorf("amount %v, want %v", tx.Amount(), amount)
	}
	if tx.Fee().Sign() != 0 || tx.Nonce() != 0 || len(tx.Memo()) != 0 {
		return fmt.Errorf("fee %v nonce %d memo %d bytes, want all zero", tx.Fee(), tx.Nonce(), len(tx.Memo()))
	}
	if tx.Timestamp() != block.Timestamp() {
		return fmt.Errorf("timestamp %d, want block timestamp %d", tx.Timestamp(), block.Timestamp())
	}
	return nil
}
