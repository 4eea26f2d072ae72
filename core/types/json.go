package types

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/Zollkron/gamerchain-sub000/common"
)

// JSON representations used by the HTTP API: addresses render bech32,
// quantities render 0x-prefixed hex.

var errMissingField = errors.New("types: missing required field")

type txJSON struct {
	ID        *common.Hash    `json:"id,omitempty"`
	Tag       string          `json:"tag"`
	Sender    *common.Address `json:"sender"`
	Recipient *common.Address `json:"recipient"`
	Amount    *string         `json:"amount"`
	Fee       *string         `json:"fee"`
	Nonce     *string         `json:"nonce"`
	Timestamp *string         `json:"timestamp"`
	Memo      string          `json:"memo,omitempty"`
	Seal      string          `json:"seal,omitempty"`
}

// MarshalJSON encodes the transaction for the API.
func (tx *Transaction) MarshalJSON() ([]byte, error) {
	id := tx.Hash()
	enc := txJSON{
		ID:        &id,
		Tag:       tx.data.Tag.String(),
		Sender:    &tx.data.Sender,
		Recipient: &tx.data.Recipient,
		Amount:    strptr(bigToHex(tx.data.Amount)),
		Fee:       strptr(bigToHex(tx.data.Fee)),
		Nonce:     strptr(u64ToHex(tx.data.Nonce)),
		Timestamp: strptr(u64ToHex(tx.data.Timestamp)),
		Memo:      string(tx.data.Memo),
	}
	if len(tx.data.Seal) > 0 {
		enc.Seal = "0x" + hex.EncodeToString(tx.data.Seal)
	}
	return json.Marshal(&enc)
}

// UnmarshalJSON decodes an API transaction submission.
func (tx *Transaction) UnmarshalJSON(input []byte) error {
	var dec txJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	tag, err := parseTag(dec.Tag)
	if err != nil {
		return err
	}
	if dec.Sender == nil {
		return fmt.Errorf("%w: sender", errMissingField)
	}
	if dec.Recipient == nil {
		return fmt.Errorf("%w: recipient", errMissingField)
	}
	if dec.Amount == nil {
		return fmt.Errorf("%w: amount", errMissingField)
	}
	amount, err := parseBig(*dec.Amount)
	if err != nil {
		return fmt.Errorf("amount: %v", err)
	}
	fee := new(big.Int)
	if dec.Fee != nil {
		if fee, err = parseBig(*dec.Fee); err != nil {
			return fmt.Errorf("fee: %v", err)
		}
	}
	var nonce uint64
	if dec.Nonce != nil {
		if nonce, err = parseU64(*dec.Nonce); err != nil {
			return fmt.Errorf("nonce: %v", err)
		}
	}
	var timestamp uint64
	if dec.Timestamp != nil {
		if timestamp, err = parseU64(*dec.Timestamp); err != nil {
			return fmt.Errorf("timestamp: %v", err)
		}
	}
	d := txdata{
		Tag:       tag,
		Sender:    *dec.Sender,
		Recipient: *dec.Recipient,
		Amount:    amount,
		Fee:       fee,
		Nonce:     nonce,
		Timestamp: timestamp,
		Memo:      []byte(dec.Memo),
	}
	if dec.Seal != "" {
		seal, err := hexBytes(dec.Seal)
		if err != nil {
			return fmt.Errorf("seal: %v", err)
		}
		d.Seal = seal
	}
	*tx = Transaction{data: d}
	return nil
}

type headerJSON struct {
	Height     string         `json:"height"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Proposer   common.Address `json:"proposer"`
	Timestamp  string         `json:"timestamp"`
	TxRoot     common.Hash    `json:"txRoot"`
	Seal       string         `json:"seal,omitempty"`
}

// MarshalJSON encodes the header for the API, hash included.
func (h *Header) MarshalJSON() ([]byte, error) {
	enc := headerJSON{
		Height:     u64ToHex(h.Height),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Proposer:   h.Proposer,
		Timestamp:  u64ToHex(h.Timestamp),
		TxRoot:     h.TxRoot,
	}
	if len(h.Seal) > 0 {
		enc.Seal = "0x" + hex.EncodeToString(h.Seal)
	}
	return json.Marshal(&enc)
}

// MarshalJSON encodes the block as its header fields plus the transaction
// list.
func (b *Block) MarshalJSON() ([]byte, error) {
	type blockJSON struct {
		Height       string         `json:"height"`
		Hash         common.Hash    `json:"hash"`
		ParentHash   common.Hash    `json:"parentHash"`
		Proposer     common.Address `json:"proposer"`
		Timestamp    string         `json:"timestamp"`
		TxRoot       common.Hash    `json:"txRoot"`
		Transactions Transactions   `json:"transactions"`
	}
	return json.Marshal(&blockJSON{
		Height:       u64ToHex(b.header.Height),
		Hash:         b.Hash(),
		ParentHash:   b.header.ParentHash,
		Proposer:     b.header.Proposer,
		Timestamp:    u64ToHex(b.header.Timestamp),
		TxRoot:       b.header.TxRoot,
		Transactions: b.transactions,
	})
}

type voteJSON struct {
	Height    string         `json:"height"`
	BlockHash common.Hash    `json:"blockHash"`
	Voter     common.Address `json:"voter"`
	Decision  string         `json:"decision"`
}

// MarshalJSON encodes the vote for status surfaces.
func (v *Vote) MarshalJSON() ([]byte, error) {
	return json.Marshal(&voteJSON{
		Height:    u64ToHex(v.Height),
		BlockHash: v.BlockHash,
		Voter:     v.Voter,
		Decision:  v.Decision.String(),
	})
}

func parseTag(s string) (TxTag, error) {
	for tag := TxTransfer; tag <= TxSystemInit; tag++ {
		if tag.String() == s {
			return tag, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTag, s)
}

func bigToHex(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}
	return "0x" + v.Text(16)
}

func u64ToHex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

// parseBig accepts a 0x-prefixed hex or plain decimal quantity.
func parseBig(s string) (*big.Int, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	return v, nil
}

func parseU64(s string) (uint64, error) {
	v, err := parseBig(s)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("quantity %q exceeds 64 bits", s)
	}
	return v.Uint64(), nil
}

func hexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

func strptr(s string) *string { return &s }
