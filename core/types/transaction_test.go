package types

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
)

func TestSignTxRecoversSender(t *testing.T) {
	priv, sender := testKey(t, 0x11)
	_, recipient := testKey(t, 0x12)

	tx := NewTransaction(TxTransfer, sender, recipient, big.NewInt(100), big.NewInt(2), 0, nil)
	signed, err := SignTx(tx, priv)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := signed.CheckSeal(); err != nil {
		t.Fatalf("seal check failed: %v", err)
	}
	got, err := crypto.SealAddress(signed.Seal())
	if err != nil {
		t.Fatalf("seal address: %v", err)
	}
	if got != sender {
		t.Fatalf("have %v, want %v", got, sender)
	}
}

func TestCheckSealRejectsWrongSender(t *testing.T) {
	priv, _ := testKey(t, 0x13)
	_, other := testKey(t, 0x14)

	// Declared sender differs from the sealing key.
	tx := NewTransaction(TxTransfer, other, other, big.NewInt(1), big.NewInt(1), 0, nil)
	signed, err := SignTx(tx, priv)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := signed.CheckSeal(); !errors.Is(err, crypto.ErrSignerMismatch) {
		t.Fatalf("have %v, want %v", err, crypto.ErrSignerMismatch)
	}
}

func TestCheckSealRejectsTamperedContent(t *testing.T) {
	priv, sender := testKey(t, 0x15)

	tx := NewTransaction(TxTransfer, sender, sender, big.NewInt(1), big.NewInt(1), 0, nil)
	signed, err := SignTx(tx, priv)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	tampered := signed.WithSeal(signed.Seal())
	tampered.data.Amount = big.NewInt(2)
	if err := tampered.CheckSeal(); !errors.Is(err, crypto.ErrInvalidSig) {
		t.Fatalf("have %v, want %v", err, crypto.ErrInvalidSig)
	}
}

func TestSignTxRefusesSystemTags(t *testing.T) {
	priv, sender := testKey(t, 0x16)
	tx := NewSystemTransaction(TxBlockReward, common.Address{}, sender, big.NewInt(1), 1)
	if _, err := SignTx(tx, priv); !errors.Is(err, ErrSealedSystem) {
		t.Fatalf("have %v, want %v", err, ErrSealedSystem)
	}
}

func TestCheckSealRejectsSealedSystemTx(t *testing.T) {
	priv, sender := testKey(t, 0x17)
	tx := NewSystemTransaction(TxFeeBurn, common.Address{}, sender, big.NewInt(1), 1)
	h := tx.SigHash()
	sealed := tx.WithSeal(crypto.Seal(priv, h[:]))
	if err := sealed.CheckSeal(); !errors.Is(err, ErrSealedSystem) {
		t.Fatalf("have %v, want %v", err, ErrSealedSystem)
	}
}

func TestCheckSealRejectsUnsealedAccountTx(t *testing.T) {
	_, sender := testKey(t, 0x18)
	tx := NewTransaction(TxTransfer, sender, sender, big.NewInt(1), big.NewInt(1), 0, nil)
	if err := tx.CheckSeal(); !errors.Is(err, ErrMissingSeal) {
		t.Fatalf("have %v, want %v", err, ErrMissingSeal)
	}
}

func TestHashCoversSealSigHashDoesNot(t *testing.T) {
	priv, sender := testKey(t, 0x19)
	tx := NewTransaction(TxTransfer, sender, sender, big.NewInt(1), big.NewInt(1), 0, nil)
	signed, err := SignTx(tx, priv)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if tx.SigHash() != signed.SigHash() {
		t.Fatalf("sig hash changed by sealing: have %x, want %x", signed.SigHash(), tx.SigHash())
	}
	if tx.Hash() == signed.Hash() {
		t.Fatalf("tx id must cover the seal")
	}
}

func TestCost(t *testing.T) {
	_, sender := testKey(t, 0x1a)
	tx := NewTransaction(TxTransfer, sender, sender, big.NewInt(100), big.NewInt(7), 0, nil)
	if have, want := tx.Cost(), big.NewInt(107); have.Cmp(want) != 0 {
		t.Fatalf("have %v, want %v", have, want)
	}
}

func TestTotalFees(t *testing.T) {
	_, sender := testKey(t, 0x1b)
	txs := Transactions{
		NewTransaction(TxTransfer, sender, sender, big.NewInt(1), big.NewInt(3), 0, nil),
		NewTransaction(TxTransfer, sender, sender, big.NewInt(1), big.NewInt(4), 1, nil),
		NewSystemTransaction(TxBlockReward, common.Address{}, sender, big.NewInt(9), 1),
	}
	if have, want := txs.TotalFees(), big.NewInt(7); have.Cmp(want) != 0 {
		t.Fatalf("have %v, want %v", have, want)
	}
}

func TestTransactionJSONRoundTrip(t *testing.T) {
	priv, sender := testKey(t, 0x1c)
	_, recipient := testKey(t, 0x1d)

	tx := NewTransaction(TxTransfer, sender, recipient, big.NewInt(1_000_000_000), big.NewInt(25), 11, []byte("gg"))
	signed, err := SignTx(tx, priv)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	blob, err := json.Marshal(signed)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded Transaction
	if err := json.Unmarshal(blob, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !decoded.equal(signed) {
		t.Fatalf("round trip mismatch: have %+v, want %+v", decoded.data, signed.data)
	}
	if err := decoded.CheckSeal(); err != nil {
		t.Fatalf("seal check after JSON round trip: %v", err)
	}
}

func TestTransactionJSONRejectsUnknownTag(t *testing.T) {
	var tx Transaction
	err := json.Unmarshal([]byte(`{"tag":"teleport","sender":"0x0000000000000000000000000000000000000001","recipient":"0x0000000000000000000000000000000000000002","amount":"0x1"}`), &tx)
	if !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("have %v, want %v", err, ErrInvalidTag)
	}
}
