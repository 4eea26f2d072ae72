package core

import (
	"math/big"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
)

// StateDB is the in-memory balance and nonce view over the committed chain.
// It is owned by the chain: mutation happens only while a block commits, and
// concurrent readers go through BlockChain accessors that copy.
type StateDB struct {
	accounts map[common.Address]*types.Account
}

// NewStateDB returns an empty ledger view.
func NewStateDB() *StateDB {
	return &StateDB{accounts: make(map[common.Address]*types.Account)}
}

// NewStateDBFromAccounts builds a view from a snapshot, deep copying every
// record.
func NewStateDBFromAccounts(accounts map[common.Address]*types.Account) *StateDB {
	s := NewStateDB()
	for addr, account := range accounts {
		s.accounts[addr] = account.Copy()
	}
	return s
}

func (s *StateDB) getOrNew(addr common.Address) *types.Account {
	account := s.accounts[addr]
	if account == nil {
		account = types.NewAccount()
		s.accounts[addr] = account
	}
	return account
}

// Exist reports whether the address ever held a balance or committed a
// transaction.
func (s *StateDB) Exist(addr common.Address) bool {
	return s.accounts[addr] != nil
}

// GetBalance returns the balance of the address, zero if never credited. The
// returned value must not be modified.
func (s *StateDB) GetBalance(addr common.Address) *big.Int {
	if account := s.accounts[addr]; account != nil {
		return account.Balance
	}
	return common.Big0
}

// GetNonce returns the highest committed nonce of the address, zero if none.
func (s *StateDB) GetNonce(addr common.Address) uint64 {
	if account := s.accounts[addr]; account != nil {
		return account.Nonce
	}
	return 0
}

// AddBalance credits the address, creating the account on first touch.
func (s *StateDB) AddBalance(addr common.Address, amount *big.Int) {
	account := s.getOrNew(addr)
	account.Balance.Add(account.Balance, amount)
}

// SubBalance debits the address. Callers check the balance first; the ledger
// never holds a negative amount.
func (s *StateDB) SubBalance(addr common.Address, amount *big.Int) {
	account := s.getOrNew(addr)
	account.Balance.Sub(account.Balance, amount)
}

// SetNonce records the highest committed nonce of the address.
func (s *StateDB) SetNonce(addr common.Address, nonce uint64) {
	s.getOrNew(addr).Nonce = nonce
}

// Copy returns a deep copy of the view. Blocks are validated against a copy
// so a rejected block leaves the committed view untouched.
func (s *StateDB) Copy() *StateDB {
	return NewStateDBFromAccounts(s.accounts)
}

// Accounts returns a deep copy of every record, for snapshotting.
func (s *StateDB) Accounts() map[common.Address]*types.Account {
	out := make(map[common.Address]*types.Account, len(s.accounts))
	for addr, account := range s.accounts {
		out[addr] = account.Copy()
	}
	return out
}

// Len returns the number of touched accounts.
func (s *StateDB) Len() int {
	return len(s.accounts)
}
