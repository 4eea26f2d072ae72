package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/params"
)

// CodecVersion is the supported canonical encoding version. Every encoded
// transaction, header and vote starts with this byte.
const CodecVersion byte = 1

const (
	// maxIntBytes bounds the minimal big-endian representation of amounts.
	// 32 bytes holds the full token supply many times over.
	maxIntBytes = 32

	lengthPrefix = 4 // u32 big-endian
)

var (
	ErrTooShort           = errors.New("types: encoding too short")
	ErrUnsupportedVersion = errors.New("types: unsupported encoding version")
	ErrMalformed          = errors.New("types: malformed encoding")
)

// encodeTx serializes the transaction content. The seal field is omitted
// entirely when withSeal is false; that form is what the seal signs.
func encodeTx(d *txdata, withSeal bool) []byte {
	out := make([]byte, 0, 128+len(d.Memo)+len(d.Seal))
	out = append(out, CodecVersion, byte(d.Tag))
	out = append(out, d.Sender[:]...)
	out = append(out, d.Recipient[:]...)
	out = appendBigInt(out, d.Amount)
	out = appendBigInt(out, d.Fee)
	out = binary.BigEndian.AppendUint64(out, d.Nonce)
	out = binary.BigEndian.AppendUint64(out, d.Timestamp)
	out = appendBytes(out, d.Memo)
	if withSeal {
		out = appendBytes(out, d.Seal)
	}
	return out
}

// MarshalBinary returns the canonical encoding of the transaction.
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	if !tx.data.Tag.Valid() {
		return nil, ErrInvalidTag
	}
	if tx.data.Amount.Sign() < 0 || tx.data.Fee.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	return encodeTx(&tx.data, true), nil
}

// UnmarshalBinary decodes a canonical transaction encoding. The decode is
// strict: exact field lengths, minimal integers and no trailing bytes.
func (tx *Transaction) UnmarshalBinary(b []byte) error {
	d, rest, err := decodeTxData(b)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	*tx = Transaction{data: d}
	return nil
}

// DecodeTransaction decodes a canonical transaction encoding.
func DecodeTransaction(b []byte) (*Transaction, error) {
	tx := new(Transaction)
	if err := tx.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return tx, nil
}

func decodeTxData(b []byte) (txdata, []byte, error) {
	var d txdata
	if len(b) < 2 {
		return d, nil, ErrTooShort
	}
	if b[0] != CodecVersion {
		return d, nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, b[0])
	}
	d.Tag = TxTag(b[1])
	if !d.Tag.Valid() {
		return d, nil, fmt.Errorf("%w: tag %d", ErrInvalidTag, b[1])
	}
	rest := b[2:]

	var err error
	if d.Sender, rest, err = readAddress(rest); err != nil {
		return d, nil, fmt.Errorf("%w: sender", err)
	}
	if d.Recipient, rest, err = readAddress(rest); err != nil {
		return d, nil, fmt.Errorf("%w: recipient", err)
	}
	if d.Amount, rest, err = readBigInt(rest); err != nil {
		return d, nil, fmt.Errorf("%w: amount", err)
	}
	if d.Fee, rest, err = readBigInt(rest); err != nil {
		return d, nil, fmt.Errorf("%w: fee", err)
	}
	if d.Nonce, rest, err = readUint64(rest); err != nil {
		return d, nil, fmt.Errorf("%w: nonce", err)
	}
	if d.Timestamp, rest, err = readUint64(rest); err != nil {
		return d, nil, fmt.Errorf("%w: timestamp", err)
	}
	if d.Memo, rest, err = readBytes(rest, params.MaxMemoLength); err != nil {
		return d, nil, fmt.Errorf("%w: memo", err)
	}
	if d.Seal, rest, err = readBytes(rest, crypto.SealLength); err != nil {
		return d, nil, fmt.Errorf("%w: seal", err)
	}
	if n := len(d.Seal); n != 0 && n != crypto.SealLength {
		return d, nil, fmt.Errorf("%w: seal length %d", ErrMalformed, n)
	}
	return d, rest, nil
}

// encodeHeader serializes a block header. The seal is omitted when withSeal
// is false; that form is what the proposer signs.
func encodeHeader(h *Header, withSeal bool) []byte {
	out := make([]byte, 0, 112+len(h.Seal))
	out = append(out, CodecVersion)
	out = binary.BigEndian.AppendUint64(out, h.Height)
	out = append(out, h.ParentHash[:]...)
	out = append(out, h.Proposer[:]...)
	out = binary.BigEndian.AppendUint64(out, h.Timestamp)
	out = append(out, h.TxRoot[:]...)
	if withSeal {
		out = appendBytes(out, h.Seal)
	}
	return out
}

func decodeHeader(b []byte) (*Header, []byte, error) {
	if len(b) < 1 {
		return nil, nil, ErrTooShort
	}
	if b[0] != CodecVersion {
		return nil, nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, b[0])
	}
	h := new(Header)
	rest := b[1:]

	var err error
	if h.Height, rest, err = readUint64(rest); err != nil {
		return nil, nil, fmt.Errorf("%w: height", err)
	}
	if h.ParentHash, rest, err = readHash(rest); err != nil {
		return nil, nil, fmt.Errorf("%w: parent hash", err)
	}
	if h.Proposer, rest, err = readAddress(rest); err != nil {
		return nil, nil, fmt.Errorf("%w: proposer", err)
	}
	if h.Timestamp, rest, err = readUint64(rest); err != nil {
		return nil, nil, fmt.Errorf("%w: timestamp", err)
	}
	if h.TxRoot, rest, err = readHash(rest); err != nil {
		return nil, nil, fmt.Errorf("%w: tx root", err)
	}
	if h.Seal, rest, err = readBytes(rest, crypto.SealLength); err != nil {
		return nil, nil, fmt.Errorf("%w: seal", err)
	}
	if n := len(h.Seal); n != 0 && n != crypto.SealLength {
		return nil, nil, fmt.Errorf("%w: seal length %d", ErrMalformed, n)
	}
	return h, rest, nil
}

// MarshalBinary returns the canonical encoding of the block: the length
// prefixed header followed by the transaction list.
func (b *Block) MarshalBinary() ([]byte, error) {
	out := appendBytes(nil, encodeHeader(b.header, true))
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.transactions)))
	for i, tx := range b.transactions {
		blob, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("tx[%d]: %w", i, err)
		}
		out = appendBytes(out, blob)
	}
	return out, nil
}

// DecodeBlock decodes a canonical block encoding, rejecting trailing bytes
// and any transaction blob that does not itself decode strictly.
func DecodeBlock(b []byte) (*Block, error) {
	headerBlob, rest, err := readBytes(b, params.MaxMessageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: header", err)
	}
	header, hrest, err := decodeHeader(headerBlob)
	if err != nil {
		return nil, err
	}
	if len(hrest) != 0 {
		return nil, fmt.Errorf("%w: trailing header bytes", ErrMalformed)
	}
	count, rest, err := readUint32(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: tx count", err)
	}
	// The count is attacker controlled, cap the allocation hint by what
	// the remaining payload could possibly hold. Every transaction costs
	// at least its length prefix.
	sizeHint := uint64(count)
	if maxTxs := uint64(len(rest)) / 4; sizeHint > maxTxs {
		sizeHint = maxTxs
	}
	txs := make(Transactions, 0, sizeHint)
	for i := uint32(0); i < count; i++ {
		blob, next, err := readBytes(rest, params.MaxMessageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: tx[%d]", err, i)
		}
		tx, err := DecodeTransaction(blob)
		if err != nil {
			return nil, fmt.Errorf("tx[%d]: %w", i, err)
		}
		txs = append(txs, tx)
		rest = next
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return NewBlockWithHeader(header).WithBody(txs), nil
}

// MarshalBinary returns the canonical encoding of the vote.
func (v *Vote) MarshalBinary() ([]byte, error) {
	if !v.Decision.Valid() {
		return nil, fmt.Errorf("%w: decision %d", ErrMalformed, v.Decision)
	}
	return encodeVote(v, true), nil
}

func encodeVote(v *Vote, withSeal bool) []byte {
	out := make([]byte, 0, 80+len(v.Seal))
	out = append(out, CodecVersion)
	out = binary.BigEndian.AppendUint64(out, v.Height)
	out = append(out, v.BlockHash[:]...)
	out = append(out, v.Voter[:]...)
	out = append(out, byte(v.Decision))
	if withSeal {
		out = appendBytes(out, v.Seal)
	}
	return out
}

// DecodeVote decodes a canonical vote encoding.
func DecodeVote(b []byte) (*Vote, error) {
	if len(b) < 1 {
		return nil, ErrTooShort
	}
	if b[0] != CodecVersion {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, b[0])
	}
	v := new(Vote)
	rest := b[1:]

	var err error
	if v.Height, rest, err = readUint64(rest); err != nil {
		return nil, fmt.Errorf("%w: height", err)
	}
	if v.BlockHash, rest, err = readHash(rest); err != nil {
		return nil, fmt.Errorf("%w: block hash", err)
	}
	if v.Voter, rest, err = readAddress(rest); err != nil {
		return nil, fmt.Errorf("%w: voter", err)
	}
	if len(rest) < 1 {
		return nil, fmt.Errorf("%w: decision", ErrTooShort)
	}
	v.Decision = VoteDecision(rest[0])
	if !v.Decision.Valid() {
		return nil, fmt.Errorf("%w: decision %d", ErrMalformed, rest[0])
	}
	rest = rest[1:]
	if v.Seal, rest, err = readBytes(rest, crypto.SealLength); err != nil {
		return nil, fmt.Errorf("%w: seal", err)
	}
	if n := len(v.Seal); n != 0 && n != crypto.SealLength {
		return nil, fmt.Errorf("%w: seal length %d", ErrMalformed, n)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return v, nil
}

// maxSystemAccounts bounds the account set a bootstrap commit may carry. The
// canonical set has four entries; the bound keeps a hostile commit from
// forcing a large allocation.
const maxSystemAccounts = 16

// MarshalBinary returns the canonical encoding of the bootstrap commit.
func (c *BootstrapCommit) MarshalBinary() ([]byte, error) {
	if len(c.SystemAccounts) > maxSystemAccounts {
		return nil, fmt.Errorf("%w: %d system accounts", ErrMalformed, len(c.SystemAccounts))
	}
	if c.InitialLiquidity != nil && c.InitialLiquidity.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	return encodeBootstrapCommit(c, true), nil
}

func encodeBootstrapCommit(c *BootstrapCommit, withSeal bool) []byte {
	out := make([]byte, 0, 64+len(c.SystemAccounts)*common.AddressLength+len(c.Seal))
	out = append(out, CodecVersion)
	out = append(out, c.Pioneer[:]...)
	out = appendAddresses(out, c.SystemAccounts)
	out = appendBigInt(out, c.InitialLiquidity)
	out = binary.BigEndian.AppendUint64(out, c.TimestampMs)
	if withSeal {
		out = appendBytes(out, c.Seal)
	}
	return out
}

// encodeBootstrapParams serializes only the parameters every pioneer must
// agree on: the system account set and the initial liquidity.
func encodeBootstrapParams(c *BootstrapCommit) []byte {
	out := make([]byte, 0, 16+len(c.SystemAccounts)*common.AddressLength)
	out = append(out, CodecVersion)
	out = appendAddresses(out, c.SystemAccounts)
	out = appendBigInt(out, c.InitialLiquidity)
	return out
}

// DecodeBootstrapCommit decodes a canonical bootstrap commit encoding.
func DecodeBootstrapCommit(b []byte) (*BootstrapCommit, error) {
	if len(b) < 1 {
		return nil, ErrTooShort
	}
	if b[0] != CodecVersion {
		return nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, b[0])
	}
	c := new(BootstrapCommit)
	rest := b[1:]

	var err error
	if c.Pioneer, rest, err = readAddress(rest); err != nil {
		return nil, fmt.Errorf("%w: pioneer", err)
	}
	if c.SystemAccounts, rest, err = readAddresses(rest, maxSystemAccounts); err != nil {
		return nil, fmt.Errorf("%w: system accounts", err)
	}
	if c.InitialLiquidity, rest, err = readBigInt(rest); err != nil {
		return nil, fmt.Errorf("%w: initial liquidity", err)
	}
	if c.TimestampMs, rest, err = readUint64(rest); err != nil {
		return nil, fmt.Errorf("%w: timestamp", err)
	}
	if c.Seal, rest, err = readBytes(rest, crypto.SealLength); err != nil {
		return nil, fmt.Errorf("%w: seal", err)
	}
	if n := len(c.Seal); n != 0 && n != crypto.SealLength {
		return nil, fmt.Errorf("%w: seal length %d", ErrMalformed, n)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return c, nil
}

// appendBytes appends a u32 length prefix followed by b.
func appendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// appendBigInt appends the u32 length prefixed minimal big-endian form of v.
// Zero encodes as an empty byte field.
func appendBigInt(dst []byte, v *big.Int) []byte {
	if v == nil || v.Sign() == 0 {
		return binary.BigEndian.AppendUint32(dst, 0)
	}
	return appendBytes(dst, v.Bytes())
}

func readUint32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrTooShort
	}
	return binary.BigEndian.Uint32(b), b[4:], nil
}

func readUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrTooShort
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

// readBytes consumes a u32 length prefixed byte field, rejecting lengths
// above limit before touching the payload.
func readBytes(b []byte, limit int) ([]byte, []byte, error) {
	size, rest, err := readUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if int64(size) > int64(limit) {
		return nil, nil, fmt.Errorf("%w: field of %d bytes exceeds limit %d", ErrMalformed, size, limit)
	}
	if len(rest) < int(size) {
		return nil, nil, ErrTooShort
	}
	out := make([]byte, size)
	copy(out, rest[:size])
	return out, rest[size:], nil
}

// readBigInt consumes a u32 length prefixed minimal big-endian integer,
// rejecting leading zero bytes.
func readBigInt(b []byte) (*big.Int, []byte, error) {
	raw, rest, err := readBytes(b, maxIntBytes)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) > 0 && raw[0] == 0 {
		return nil, nil, fmt.Errorf("%w: non-minimal integer", ErrMalformed)
	}
	return new(big.Int).SetBytes(raw), rest, nil
}

func readHash(b []byte) (common.Hash, []byte, error) {
	var h common.Hash
	if len(b) < common.HashLength {
		return h, nil, ErrTooShort
	}
	copy(h[:], b[:common.HashLength])
	return h, b[common.HashLength:], nil
}

func readAddress(b []byte) (common.Address, []byte, error) {
	var a common.Address
	if len(b) < common.AddressLength {
		return a, nil, ErrTooShort
	}
	copy(a[:], b[:common.AddressLength])
	return a, b[common.AddressLength:], nil
}

// appendAddresses appends a u32 count followed by the addresses.
func appendAddresses(dst []byte, addrs []common.Address) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(addrs)))
	for _, a := range addrs {
		dst = append(dst, a[:]...)
	}
	return dst
}

// readAddresses consumes a u32 counted address list, rejecting counts above
// limit before touching the entries.
func readAddresses(b []byte, limit int) ([]common.Address, []byte, error) {
	count, rest, err := readUint32(b)
	if err != nil {
		return nil, nil, err
	}
	if int64(count) > int64(limit) {
		return nil, nil, fmt.Errorf("%w: %d addresses exceed limit %d", ErrMalformed, count, limit)
	}
	addrs := make([]common.Address, 0, count)
	for i := uint32(0); i < count; i++ {
		var a common.Address
		if a, rest, err = readAddress(rest); err != nil {
			return nil, nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rest, nil
}
