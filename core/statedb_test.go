package core

import (
	"math/big"
	"testing"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
)

func TestStateDBAccounts(t *testing.T) {
	state := NewStateDB()
	addr := common.Address{0x01}

	if state.Exist(addr) {
		t.Fatalf("account exists before any touch")
	}
	if have := state.GetBalance(addr); have.Sign() != 0 {
		t.Fatalf("untouched balance: have %v, want 0", have)
	}
	if state.Exist(addr) {
		t.Fatalf("read created an account")
	}

	state.AddBalance(addr, big.NewInt(100))
	state.SetNonce(addr, 3)
	if !state.Exist(addr) {
		t.Fatalf("credited account missing")
	}
	if have := state.GetBalance(addr); have.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance: have %v, want 100", have)
	}
	state.SubBalance(addr, big.NewInt(40))
	if have := state.GetBalance(addr); have.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("balance after debit: have %v, want 60", have)
	}
	if have := state.GetNonce(addr); have != 3 {
		t.Fatalf("nonce: have %d, want 3", have)
	}
	if state.Len() != 1 {
		t.Fatalf("account count: have %d, want 1", state.Len())
	}
}

// Copies are what proposal validation runs on; writes must never leak back.
func TestStateDBCopyIsolation(t *testing.T) {
	state := NewStateDB()
	addr := common.Address{0x01}
	state.AddBalance(addr, big.NewInt(100))

	cpy := state.Copy()
	cpy.SubBalance(addr, big.NewInt(99))
	cpy.SetNonce(addr, 7)
	cpy.AddBalance(common.Address{0x02}, big.NewInt(1))

	if have := state.GetBalance(addr); have.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("copy write leaked into original: balance %v", have)
	}
	if have := state.GetNonce(addr); have != 0 {
		t.Fatalf("copy write leaked into original: nonce %d", have)
	}
	if state.Exist(common.Address{0x02}) {
		t.Fatalf("account created on copy leaked into original")
	}
	if have := cpy.GetBalance(addr); have.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("copy balance: have %v, want 1", have)
	}
}

func TestStateDBFromAccounts(t *testing.T) {
	addr := common.Address{0x01}
	seed := map[common.Address]*types.Account{
		addr: {Nonce: 5, Balance: big.NewInt(42)},
	}
	state := NewStateDBFromAccounts(seed)

	seed[addr].Balance.SetInt64(0)
	if have := state.GetBalance(addr); have.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("seed mutation leaked into state: %v", have)
	}
	if have := state.GetNonce(addr); have != 5 {
		t.Fatalf("nonce: have %d, want 5", have)
	}
}
