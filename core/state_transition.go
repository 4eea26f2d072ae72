package core

import (
	"fmt"

	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/params"
)

// StateTransition applies a single transaction to the ledger view.
//
// Rules per tag:
//  1. Transfer: debit sender amount+fee, credit recipient amount. The fee is
//     withheld here and reappears through the block's fee split head entries.
//  2. VoluntaryBurn: as Transfer, but the recipient must be the burn address
//     and the burn share of the fee split must have retired to zero.
//  3. FaucetMint: credit the recipient out of thin air; the fee must be zero
//     and the network configuration must enable the faucet.
//  4. System tags: credit the recipient, nothing else. System entries carry
//     no nonce and no seal; their amounts are checked against the emission
//     mandate by block validation, not here.
//
// Fees are debited before transfer effects, and nonces of account
// transactions must strictly increase per sender.
type StateTransition struct {
	state       *StateDB
	tx          *types.Transaction
	config      *params.ChainConfig
	burnRetired bool
}

// NewStateTransition initialises a transition for one transaction.
func NewStateTransition(config *params.ChainConfig, state *StateDB, tx *types.Transaction, burnRetired bool) *StateTransition {
	return &StateTransition{
		state:       state,
		tx:          tx,
		config:      config,
		burnRetired: burnRetired,
	}
}

// ApplyTransaction applies tx to the state view. The caller has already
// verified the seal. On error the state may be partially read but is never
// modified.
func ApplyTransaction(config *params.ChainConfig, state *StateDB, tx *types.Transaction, burnRetired bool) error {
	return NewStateTransition(config, state, tx, burnRetired).TransitionDb()
}

func (st *StateTransition) preCheck() error {
	sender := st.tx.Sender()
	if params.IsSystemAddress(sender) {
		return ErrSystemAddressSender
	}
	// Nonces strictly increase per sender. The stored nonce starts at zero,
	// so the first valid nonce of any sender is one.
	if st.tx.Nonce() <= st.state.GetNonce(sender) {
		return fmt.Errorf("%w: sender %v nonce %d, committed %d",
			ErrDuplicateNonce, sender, st.tx.Nonce(), st.state.GetNonce(sender))
	}
	switch st.tx.Tag() {
	case types.TxFaucetMint:
		if !st.config.FaucetEnabled {
			return ErrFaucetDisabled
		}
		if st.tx.Fee().Sign() != 0 {
			return fmt.Errorf("%w: faucet mint declares a fee", ErrBadTransactionInBlock)
		}
	case types.TxVoluntaryBurn:
		if st.tx.Recipient() != params.BurnAddress {
			return ErrBurnRecipient
		}
		if !st.burnRetired {
			return ErrBurnLocked
		}
	}
	return nil
}

// TransitionDb applies the transaction.
func (st *StateTransition) TransitionDb() error {
	tx := st.tx
	if tx.IsSystem() {
		st.state.AddBalance(tx.Recipient(), tx.Amount())
		return nil
	}
	if err := st.preCheck(); err != nil {
		return err
	}
	sender := tx.Sender()
	st.state.SetNonce(sender, tx.Nonce())

	if tx.Tag() == types.TxFaucetMint {
		st.state.AddBalance(tx.Recipient(), tx.Amount())
		return nil
	}

	// Fee debited before the transfer takes effect.
	cost := tx.Cost()
	if have := st.state.GetBalance(sender); have.Cmp(cost) < 0 {
		return fmt.Errorf("%w: sender %v have %v want %v", ErrDoubleSpend, sender, have, cost)
	}
	st.state.SubBalance(sender, cost)
	st.state.AddBalance(tx.Recipient(), tx.Amount())
	return nil
}

// userTxValid runs the stateless checks shared by the pool and by block
// validation: tag class, memo bound and seal.
func userTxValid(tx *types.Transaction) error {
	if tx.IsSystem() {
		return ErrSystemTx
	}
	if len(tx.Memo()) > params.MaxMemoLength {
		return ErrOversizedMemo
	}
	if tx.Amount().Sign() < 0 || tx.Fee().Sign() < 0 {
		return types.ErrNegativeValue
	}
	if err := tx.CheckSeal(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
