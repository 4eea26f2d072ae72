package common

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CopyBytes returns an exact copy of the provided bytes.
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// FromHex returns the bytes represented by the hexadecimal string s.
// s may be prefixed with "0x"; an odd-length string gains a leading zero.
func FromHex(s string) []byte {
	if has0xPrefix(s) {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return Hex2Bytes(s)
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// Hex2Bytes returns the bytes represented by the hexadecimal string str.
func Hex2Bytes(str string) []byte {
	b, _ := hex.DecodeString(str)
	return b
}

// Bytes2Hex returns the hexadecimal encoding of b.
func Bytes2Hex(b []byte) string {
	return hex.EncodeToString(b)
}

// PrettyDuration is a time.Duration that prints with at most three decimals
// of precision, keeping log lines readable.
type PrettyDuration time.Duration

func (d PrettyDuration) String() string {
	label := time.Duration(d).String()
	if match := prettyDurationRe.FindString(label); len(match) > 4 {
		label = strings.Replace(label, match, match[:4], 1)
	}
	return label
}

var prettyDurationRe = regexp.MustCompile(`\.[0-9]{4,}`)

// StorageSize formats byte counts the way humans read them.
type StorageSize float64

func (s StorageSize) String() string {
	switch {
	case s > 1099511627776:
		return fmt.Sprintf("%.2f TiB", s/1099511627776)
	case s > 1073741824:
		return fmt.Sprintf("%.2f GiB", s/1073741824)
	case s > 1048576:
		return fmt.Sprintf("%.2f MiB", s/1048576)
	case s > 1024:
		return fmt.Sprintf("%.2f KiB", s/1024)
	default:
		return fmt.Sprintf("%.2f B", s)
	}
}
