// Package common contains the fixed-size value types shared by every layer of
// gamerchain: 32-byte hashes and 20-byte account addresses, plus the byte and
// hex helpers used to move them across APIs, logs and the wire.
package common

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// HashLength is the expected length of a digest in bytes.
	HashLength = 32
	// AddressLength is the expected length of an account address in bytes.
	AddressLength = 20
)

// Hash represents the 32-byte SHA3-256 digest of arbitrary data.
type Hash [HashLength]byte

// BytesToHash sets b to hash, left-padding with zeroes if b is short and
// cropping from the left if it is long.
func BytesToHash(b []byte) Hash {
	var h Hash
	h.SetBytes(b)
	return h
}

// HexToHash parses s (with or without 0x prefix) into a Hash.
func HexToHash(s string) Hash { return BytesToHash(FromHex(s)) }

// SetBytes sets the hash to the value of b, cropped or padded on the left.
func (h *Hash) SetBytes(b []byte) {
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
}

// Bytes returns a copy of the underlying bytes.
func (h Hash) Bytes() []byte { return CopyBytes(h[:]) }

// Hex returns the 0x-prefixed hex encoding of the hash.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

// String implements fmt.Stringer.
func (h Hash) String() string { return h.Hex() }

// TerminalString formats the hash for console logs: 0xabcd…ef01.
func (h Hash) TerminalString() string {
	return fmt.Sprintf("0x%x…%x", h[:3], h[29:])
}

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalJSON encodes the hash as a 0x-prefixed hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON decodes a 0x-prefixed hex string of exactly 32 bytes.
func (h *Hash) UnmarshalJSON(input []byte) error {
	var s string
	if err := json.Unmarshal(input, &s); err != nil {
		return err
	}
	raw := FromHex(s)
	if len(raw) != HashLength {
		return fmt.Errorf("invalid hash length: have %d want %d", len(raw), HashLength)
	}
	h.SetBytes(raw)
	return nil
}

// Address represents the 20-byte identifier of a gamerchain account, derived
// from the trailing bytes of the SHA3-256 digest of an ed25519 public key.
type Address [AddressLength]byte

// BytesToAddress sets b to address, left-padding or cropping as needed.
func BytesToAddress(b []byte) Address {
	var a Address
	a.SetBytes(b)
	return a
}

// HexToAddress parses s (with or without 0x prefix) into an Address.
func HexToAddress(s string) Address { return BytesToAddress(FromHex(s)) }

// SetBytes sets the address to the value of b, cropped or padded on the left.
func (a *Address) SetBytes(b []byte) {
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
}

// Bytes returns a copy of the underlying bytes.
func (a Address) Bytes() []byte { return CopyBytes(a[:]) }

// Hex returns the 0x-prefixed hex encoding of the address.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// Bech32 renders the address in its user-facing bech32 form (prgld1...).
func (a Address) Bech32() string {
	bits, err := ConvertBits(a[:], 8, 5, true)
	if err != nil {
		// Padded expansion of a fixed 20 byte input cannot fail.
		panic(err)
	}
	s, err := Bech32Encode(AddressHRP, bits)
	if err != nil {
		panic(err)
	}
	return s
}

// String implements fmt.Stringer, rendering the bech32 form.
func (a Address) String() string { return a.Bech32() }

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool { return a == Address{} }

// MarshalJSON encodes the address in bech32 form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Bech32())
}

// UnmarshalJSON accepts either the bech32 or the 0x-hex form.
func (a *Address) UnmarshalJSON(input []byte) error {
	var s string
	if err := json.Unmarshal(input, &s); err != nil {
		return err
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// ParseAddress decodes s as a bech32 prgld1... address, falling back to
// 0x-prefixed hex. Wallet surfaces accept both; internal code uses the raw form.
func ParseAddress(s string) (Address, error) {
	if hrp, data, err := Bech32Decode(s); err == nil {
		if hrp != AddressHRP {
			return Address{}, fmt.Errorf("invalid address prefix: have %q want %q", hrp, AddressHRP)
		}
		raw, err := ConvertBits(data, 5, 8, false)
		if err != nil {
			return Address{}, err
		}
		if len(raw) != AddressLength {
			return Address{}, fmt.Errorf("invalid address payload: have %d bytes want %d", len(raw), AddressLength)
		}
		return BytesToAddress(raw), nil
	}
	raw := FromHex(s)
	if len(raw) != AddressLength {
		return Address{}, fmt.Errorf("invalid address %q", s)
	}
	return BytesToAddress(raw), nil
}

// AddressAscending sorts addresses in ascending byte order. Deterministic
// ordering of validator addresses is what the proposer rotation indexes into.
type AddressAscending []Address

func (a AddressAscending) Len() int      { return len(a) }
func (a AddressAscending) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a AddressAscending) Less(i, j int) bool {
	return bytes.Compare(a[i][:], a[j][:]) < 0
}
