package types

import (
	"fmt"
	"sync/atomic"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
)

// Header is the consensus header of a block. The proposer seals the encoding
// of every field but the seal; the block hash covers the sealed header.
type Header struct {
	Height     uint64
	ParentHash common.Hash
	Proposer   common.Address
	Timestamp  uint64 // unix milliseconds
	TxRoot     common.Hash
	Seal       []byte
}

// Hash returns the block hash: the SHA3-256 digest of the sealed header
// encoding.
func (h *Header) Hash() common.Hash {
	return crypto.Sha3Hash(encodeHeader(h, true))
}

// SigHash returns the digest the proposer seal signs.
func (h *Header) SigHash() common.Hash {
	return crypto.Sha3Hash(encodeHeader(h, false))
}

// CheckSeal verifies the proposer seal on the header.
func (h *Header) CheckSeal() error {
	if len(h.Seal) == 0 {
		return ErrMissingSeal
	}
	sig := h.SigHash()
	return crypto.VerifySeal(h.Proposer, sig[:], h.Seal)
}

// CopyHeader creates a deep copy of a block header.
func CopyHeader(h *Header) *Header {
	cpy := *h
	cpy.Seal = common.CopyBytes(h.Seal)
	return &cpy
}

// SealHeader returns a copy of the header sealed with the proposer's key.
func SealHeader(h *Header, priv crypto.PrivateKey) *Header {
	cpy := CopyHeader(h)
	sig := h.SigHash()
	cpy.Seal = crypto.Seal(priv, sig[:])
	return cpy
}

// Block is a header together with the ordered transaction list it commits.
type Block struct {
	header       *Header
	transactions Transactions

	// caches
	hash atomic.Value
	size atomic.Value
}

// NewBlock assembles a block from a header and a transaction list, deriving
// the transaction root. The input header is copied, its TxRoot overwritten.
func NewBlock(header *Header, txs Transactions) *Block {
	b := &Block{header: CopyHeader(header)}
	b.header.TxRoot = CalcTxRoot(txs)
	if len(txs) > 0 {
		b.transactions = make(Transactions, len(txs))
		copy(b.transactions, txs)
	}
	return b
}

// NewBlockWithHeader creates a block with the given header data, leaving the
// body empty. The header is copied; use WithBody to attach transactions.
func NewBlockWithHeader(header *Header) *Block {
	return &Block{header: CopyHeader(header)}
}

// WithBody returns a copy of the block carrying the given transactions.
func (b *Block) WithBody(txs Transactions) *Block {
	block := &Block{header: CopyHeader(b.header)}
	if len(txs) > 0 {
		block.transactions = make(Transactions, len(txs))
		copy(block.transactions, txs)
	}
	return block
}

// WithSeal returns a copy of the block whose header carries the given seal.
func (b *Block) WithSeal(header *Header) *Block {
	return &Block{
		header:       CopyHeader(header),
		transactions: b.transactions,
	}
}

func (b *Block) Height() uint64             { return b.header.Height }
func (b *Block) ParentHash() common.Hash    { return b.header.ParentHash }
func (b *Block) Proposer() common.Address   { return b.header.Proposer }
func (b *Block) Timestamp() uint64          { return b.header.Timestamp }
func (b *Block) TxRoot() common.Hash        { return b.header.TxRoot }
func (b *Block) Transactions() Transactions { return b.transactions }

// Header returns a deep copy of the block header.
func (b *Block) Header() *Header { return CopyHeader(b.header) }

// Transaction returns the transaction with the given id, or nil.
func (b *Block) Transaction(hash common.Hash) *Transaction {
	for _, tx := range b.transactions {
		if tx.Hash() == hash {
			return tx
		}
	}
	return nil
}

// Hash returns the block hash, cached after the first call.
func (b *Block) Hash() common.Hash {
	if hash := b.hash.Load(); hash != nil {
		return hash.(common.Hash)
	}
	h := b.header.Hash()
	b.hash.Store(h)
	return h
}

// Size returns the encoded size of the block in bytes.
func (b *Block) Size() int {
	if size := b.size.Load(); size != nil {
		return size.(int)
	}
	blob, err := b.MarshalBinary()
	if err != nil {
		return 0
	}
	b.size.Store(len(blob))
	return len(blob)
}

// SanityCheck verifies structural integrity independent of chain state: the
// transaction root must match the body and the proposer seal must verify.
// Genesis blocks are exempt from the seal check.
func (b *Block) SanityCheck() error {
	if root := CalcTxRoot(b.transactions); root != b.header.TxRoot {
		return fmt.Errorf("%w: tx root mismatch (have %x, want %x)", ErrMalformed, b.header.TxRoot, root)
	}
	if b.header.Height == 0 {
		return nil
	}
	return b.header.CheckSeal()
}

// CalcTxRoot computes the merkle root of the transaction ids: leaves are
// hashed pairwise, an odd leaf is paired with itself, and the empty list
// yields the zero hash.
func CalcTxRoot(txs Transactions) common.Hash {
	if len(txs) == 0 {
		return common.Hash{}
	}
	level := make([]common.Hash, len(txs))
	for i, tx := range txs {
		level[i] = tx.Hash()
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]common.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, crypto.Sha3Hash(level[i][:], level[i+1][:]))
		}
		level = next
	}
	return level[0]
}
