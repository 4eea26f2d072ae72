// Package types contains the data model of the gamerchain ledger: transactions,
// blocks and consensus votes, together with their canonical wire encoding.
package types

import (
	"bytes"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
)

var (
	ErrInvalidTag    = errors.New("types: unknown transaction tag")
	ErrMissingSeal   = errors.New("types: transaction is not sealed")
	ErrSealedSystem  = errors.New("types: system transaction carries a seal")
	ErrNegativeValue = errors.New("types: negative amount or fee")
)

// TxTag identifies the kind of value movement a transaction performs.
type TxTag byte

const (
	TxTransfer TxTag = 0x01 + iota
	TxFaucetMint
	TxBlockReward
	TxFeeBurn
	TxFeeMaintenance
	TxFeeLiquidity
	TxVoluntaryBurn
	TxSystemInit
)

// IsSystem reports whether the tag belongs to a ledger-authored transaction.
// System transactions are produced deterministically by block construction and
// carry no seal.
func (t TxTag) IsSystem() bool {
	switch t {
	case TxBlockReward, TxFeeBurn, TxFeeMaintenance, TxFeeLiquidity, TxSystemInit:
		return true
	}
	return false
}

// Valid reports whether the tag is one of the defined transaction kinds.
func (t TxTag) Valid() bool {
	return t >= TxTransfer && t <= TxSystemInit
}

func (t TxTag) String() string {
	switch t {
	case TxTransfer:
		return "transfer"
	case TxFaucetMint:
		return "faucet-mint"
	case TxBlockReward:
		return "block-reward"
	case TxFeeBurn:
		return "fee-burn"
	case TxFeeMaintenance:
		return "fee-maintenance"
	case TxFeeLiquidity:
		return "fee-liquidity"
	case TxVoluntaryBurn:
		return "voluntary-burn"
	case TxSystemInit:
		return "system-init"
	default:
		return "unknown"
	}
}

// txdata is the consensus content of a transaction.
type txdata struct {
	Tag       TxTag
	Sender    common.Address
	Recipient common.Address
	Amount    *big.Int
	Fee       *big.Int
	Nonce     uint64
	Timestamp uint64 // unix milliseconds
	Memo      []byte
	Seal      []byte // crypto.SealLength bytes, empty for system tags
}

// Transaction is a single transfer of value on the ledger. The identity of a
// transaction is the digest of its full canonical encoding; the seal signs the
// encoding of everything but itself.
type Transaction struct {
	data txdata

	// caches
	hash    atomic.Value
	sigHash atomic.Value
	size    atomic.Value
}

// NewTransaction creates an unsealed account transaction. The timestamp is
// taken from the wall clock in unix milliseconds.
func NewTransaction(tag TxTag, sender, recipient common.Address, amount, fee *big.Int, nonce uint64, memo []byte) *Transaction {
	return newTx(tag, sender, recipient, amount, fee, nonce, uint64(time.Now().UnixMilli()), memo)
}

// NewSystemTransaction creates one of the ledger-authored entries placed at
// the head of a block: rewards, fee splits and genesis initialization. System
// transactions carry the block timestamp and never a seal.
func NewSystemTransaction(tag TxTag, sender, recipient common.Address, amount *big.Int, timestampMs uint64) *Transaction {
	return newTx(tag, sender, recipient, amount, new(big.Int), 0, timestampMs, nil)
}

func newTx(tag TxTag, sender, recipient common.Address, amount, fee *big.Int, nonce, timestampMs uint64, memo []byte) *Transaction {
	d := txdata{
		Tag:       tag,
		Sender:    sender,
		Recipient: recipient,
		Amount:    new(big.Int),
		Fee:       new(big.Int),
		Nonce:     nonce,
		Timestamp: timestampMs,
		Memo:      common.CopyBytes(memo),
	}
	if amount != nil {
		d.Amount.Set(amount)
	}
	if fee != nil {
		d.Fee.Set(fee)
	}
	return &Transaction{data: d}
}

func (tx *Transaction) Tag() TxTag                { return tx.data.Tag }
func (tx *Transaction) Sender() common.Address    { return tx.data.Sender }
func (tx *Transaction) Recipient() common.Address { return tx.data.Recipient }
func (tx *Transaction) Nonce() uint64             { return tx.data.Nonce }
func (tx *Transaction) Timestamp() uint64         { return tx.data.Timestamp }
func (tx *Transaction) Memo() []byte              { return common.CopyBytes(tx.data.Memo) }
func (tx *Transaction) Seal() []byte              { return common.CopyBytes(tx.data.Seal) }

// Amount returns the transferred value in base units.
func (tx *Transaction) Amount() *big.Int { return new(big.Int).Set(tx.data.Amount) }

// Fee returns the fee offered by the sender in base units.
func (tx *Transaction) Fee() *big.Int { return new(big.Int).Set(tx.data.Fee) }

// Cost returns amount + fee, the total debited from the sender.
func (tx *Transaction) Cost() *big.Int {
	return new(big.Int).Add(tx.data.Amount, tx.data.Fee)
}

// IsSystem reports whether the transaction is ledger-authored and unsealed.
func (tx *Transaction) IsSystem() bool { return tx.data.Tag.IsSystem() }

// Hash returns the transaction id: the SHA3-256 digest of the full canonical
// encoding, seal included. Cached after the first call.
func (tx *Transaction) Hash() common.Hash {
	if hash := tx.hash.Load(); hash != nil {
		return hash.(common.Hash)
	}
	h := crypto.Sha3Hash(encodeTx(&tx.data, true))
	tx.hash.Store(h)
	return h
}

// SigHash returns the digest the seal signs: the canonical encoding of every
// field except the seal itself.
func (tx *Transaction) SigHash() common.Hash {
	if hash := tx.sigHash.Load(); hash != nil {
		return hash.(common.Hash)
	}
	h := crypto.Sha3Hash(encodeTx(&tx.data, false))
	tx.sigHash.Store(h)
	return h
}

// Size returns the encoded size of the transaction in bytes.
func (tx *Transaction) Size() int {
	if size := tx.size.Load(); size != nil {
		return size.(int)
	}
	size := len(encodeTx(&tx.data, true))
	tx.size.Store(size)
	return size
}

// WithSeal returns a copy of the transaction carrying the given seal. The
// original is left untouched so cached digests stay valid.
func (tx *Transaction) WithSeal(seal []byte) *Transaction {
	cpy := &Transaction{data: tx.data}
	cpy.data.Amount = new(big.Int).Set(tx.data.Amount)
	cpy.data.Fee = new(big.Int).Set(tx.data.Fee)
	cpy.data.Memo = common.CopyBytes(tx.data.Memo)
	cpy.data.Seal = common.CopyBytes(seal)
	return cpy
}

// SignTx seals the transaction with the sender's key.
func SignTx(tx *Transaction, priv crypto.PrivateKey) (*Transaction, error) {
	if tx.IsSystem() {
		return nil, ErrSealedSystem
	}
	h := tx.SigHash()
	return tx.WithSeal(crypto.Seal(priv, h[:])), nil
}

// CheckSeal verifies the transaction seal against the declared sender. System
// transactions must not be sealed; account transactions must carry a seal that
// verifies and resolves to the sender address.
func (tx *Transaction) CheckSeal() error {
	if tx.IsSystem() {
		if len(tx.data.Seal) != 0 {
			return ErrSealedSystem
		}
		return nil
	}
	if len(tx.data.Seal) == 0 {
		return ErrMissingSeal
	}
	h := tx.SigHash()
	return crypto.VerifySeal(tx.data.Sender, h[:], tx.data.Seal)
}

// Transactions implements sort and lookup helpers over a transaction list.
type Transactions []*Transaction

// Len returns the length of s.
func (s Transactions) Len() int { return len(s) }

// Hashes returns the transaction ids in list order.
func (s Transactions) Hashes() []common.Hash {
	hashes := make([]common.Hash, len(s))
	for i, tx := range s {
		hashes[i] = tx.Hash()
	}
	return hashes
}

// TotalFees sums the fees of all account transactions in the list.
func (s Transactions) TotalFees() *big.Int {
	total := new(big.Int)
	for _, tx := range s {
		total.Add(total, tx.data.Fee)
	}
	return total
}

// equal reports deep equality of the consensus content, used by tests and the
// codec round-trip checks.
func (tx *Transaction) equal(other *Transaction) bool {
	return tx.data.Tag == other.data.Tag &&
		tx.data.Sender == other.data.Sender &&
		tx.data.Recipient == other.data.Recipient &&
		tx.data.Amount.Cmp(other.data.Amount) == 0 &&
		tx.data.Fee.Cmp(other.data.Fee) == 0 &&
		tx.data.Nonce == other.data.Nonce &&
		tx.data.Timestamp == other.data.Timestamp &&
		bytes.Equal(tx.data.Memo, other.data.Memo) &&
		bytes.Equal(tx.data.Seal, other.data.Seal)
}
