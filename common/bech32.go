package common

import (
	"fmt"
	"strings"
)

// AddressHRP is the human readable prefix of user-facing gamerchain addresses.
const AddressHRP = "prgld"

const (
	bech32Charset   = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
	bech32Separator = '1'
)

var bech32Generator = [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}

func bech32Polymod(values []byte) uint32 {
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i, g := range bech32Generator {
			if ((top >> uint(i)) & 1) == 1 {
				chk ^= g
			}
		}
	}
	return chk
}

func bech32HrpExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]&31)
	}
	return out
}

func verifyBech32Checksum(hrp string, data []byte) bool {
	vals := bech32HrpExpand(hrp)
	vals = append(vals, data...)
	return bech32Polymod(vals) == 1
}

func appendBech32Checksum(hrp string, data []byte) []byte {
	vals := bech32HrpExpand(hrp)
	vals = append(vals, data...)
	vals = append(vals, 0, 0, 0, 0, 0, 0)
	polymod := bech32Polymod(vals) ^ 1

	out := append([]byte(nil), data...)
	for i := 0; i < 6; i++ {
		out = append(out, byte((polymod>>uint(5*(5-i)))&31))
	}
	return out
}

// ConvertBits regroups data from 'from'-bit groups into 'to'-bit groups.
// With pad set, a final partial group is zero padded; without it, leftover
// bits must themselves be zero padding or the input is rejected.
func ConvertBits(data []byte, from, to uint, pad bool) ([]byte, error) {
	var acc, bits uint
	maxValue := (uint(1) << to) - 1
	out := make([]byte, 0, (uint(len(data))*from+to-1)/to)

	for _, v := range data {
		value := uint(v)
		if value>>from != 0 {
			return nil, fmt.Errorf("bech32: invalid data value %d for %d bit group", value, from)
		}
		acc = (acc << from) | value
		bits += from
		for bits >= to {
			bits -= to
			out = append(out, byte((acc>>bits)&maxValue))
		}
	}

	if pad {
		if bits > 0 {
			out = append(out, byte((acc<<(to-bits))&maxValue))
		}
	} else if bits >= from {
		return nil, fmt.Errorf("bech32: illegal zero padding")
	} else if ((acc << (to - bits)) & maxValue) != 0 {
		return nil, fmt.Errorf("bech32: non-zero padding")
	}

	return out, nil
}

// Bech32Encode assembles hrp, separator, 5-bit data and checksum into a
// bech32 string. The data must already be regrouped with ConvertBits.
func Bech32Encode(hrp string, data []byte) (string, error) {
	if len(hrp) == 0 {
		return "", fmt.Errorf("bech32: empty human readable part")
	}
	for i := 0; i < len(hrp); i++ {
		if c := hrp[i]; c < 33 || c > 126 {
			return "", fmt.Errorf("bech32: invalid HRP character %d", c)
		}
	}
	if strings.ToLower(hrp) != hrp {
		return "", fmt.Errorf("bech32: HRP must be lowercase")
	}

	combined := appendBech32Checksum(hrp, data)

	var b strings.Builder
	b.Grow(len(hrp) + 1 + len(combined))
	b.WriteString(hrp)
	b.WriteByte(bech32Separator)
	for _, v := range combined {
		if int(v) >= len(bech32Charset) {
			return "", fmt.Errorf("bech32: data value %d out of range", v)
		}
		b.WriteByte(bech32Charset[v])
	}
	return b.String(), nil
}

// Bech32Decode splits a bech32 string into its HRP and 5-bit data groups,
// verifying the checksum. Mixed case input is rejected; all-uppercase input
// is folded to lowercase first.
func Bech32Decode(bech string) (string, []byte, error) {
	if strings.ToUpper(bech) != bech && strings.ToLower(bech) != bech {
		return "", nil, fmt.Errorf("bech32: mixed case not allowed")
	}
	bech = strings.ToLower(bech)

	pos := strings.LastIndexByte(bech, bech32Separator)
	if pos < 1 || pos+7 > len(bech) {
		return "", nil, fmt.Errorf("bech32: invalid separator position %d", pos)
	}

	hrp := bech[:pos]
	for i := 0; i < len(hrp); i++ {
		if c := hrp[i]; c < 33 || c > 126 {
			return "", nil, fmt.Errorf("bech32: invalid HRP character %d", c)
		}
	}

	data := make([]byte, 0, len(bech)-pos-1)
	for i := pos + 1; i < len(bech); i++ {
		idx := strings.IndexByte(bech32Charset, bech[i])
		if idx < 0 {
			return "", nil, fmt.Errorf("bech32: invalid character %q", bech[i])
		}
		data = append(data, byte(idx))
	}

	if !verifyBech32Checksum(hrp, data) {
		return "", nil, fmt.Errorf("bech32: checksum mismatch")
	}
	return hrp, data[:len(data)-6], nil
}
