package types

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

// Account is the ledger representation of an address: the committed balance
// and the highest committed nonce. Missing accounts read as the zero account.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}

// NewAccount returns an empty account with a zero balance.
func NewAccount() *Account {
	return &Account{Balance: new(big.Int)}
}

// Copy returns a deep copy of the account.
func (a *Account) Copy() *Account {
	cpy := &Account{Nonce: a.Nonce, Balance: new(big.Int)}
	if a.Balance != nil {
		cpy.Balance.Set(a.Balance)
	}
	return cpy
}

// MarshalBinary returns the canonical encoding of the account record.
func (a *Account) MarshalBinary() ([]byte, error) {
	if a.Balance != nil && a.Balance.Sign() < 0 {
		return nil, ErrNegativeValue
	}
	out := []byte{CodecVersion}
	out = binary.BigEndian.AppendUint64(out, a.Nonce)
	out = appendBigInt(out, a.Balance)
	return out, nil
}

// UnmarshalBinary decodes a canonical account record.
func (a *Account) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrTooShort
	}
	if b[0] != CodecVersion {
		return fmt.Errorf("%w: got %d", ErrUnsupportedVersion, b[0])
	}
	rest := b[1:]

	var err error
	if a.Nonce, rest, err = readUint64(rest); err != nil {
		return fmt.Errorf("%w: nonce", err)
	}
	if a.Balance, rest, err = readBigInt(rest); err != nil {
		return fmt.Errorf("%w: balance", err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return nil
}
