// Package crypto bundles the primitives gamerchain signs and hashes with:
// ed25519 keys for every node and account, and SHA3-256 for all digests.
package crypto

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/sha3"

	"github.com/Zollkron/gamerchain-sub000/common"
)

const (
	PublicKeyLength = ed25519.PublicKeySize
	SeedLength      = ed25519.SeedSize
	SignatureLength = ed25519.SignatureSize
)

type (
	PublicKey  = ed25519.PublicKey
	PrivateKey = ed25519.PrivateKey
)

// GenerateKey creates a fresh ed25519 key pair from the system entropy source.
func GenerateKey() (PublicKey, PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// NewKeyFromSeed derives the private key for a 32 byte seed.
func NewKeyFromSeed(seed []byte) PrivateKey {
	return ed25519.NewKeyFromSeed(seed)
}

// Sign signs message with the private key and returns the 64 byte signature.
func Sign(priv PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid signature of message under pub.
// Malformed keys or signatures report false instead of panicking.
func Verify(pub PublicKey, message, sig []byte) bool {
	if len(pub) != PublicKeyLength || len(sig) != SignatureLength {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// PublicFromPrivate extracts the public half of a private key.
func PublicFromPrivate(priv PrivateKey) PublicKey {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil
	}
	return pub
}

// Sha3 calculates the SHA3-256 digest of the concatenation of data.
func Sha3(data ...[]byte) []byte {
	d := sha3.New256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Sha3Hash calculates the SHA3-256 digest, returning it as a common.Hash.
func Sha3Hash(data ...[]byte) (h common.Hash) {
	d := sha3.New256()
	for _, b := range data {
		d.Write(b)
	}
	d.Sum(h[:0])
	return h
}

// PubkeyToAddress derives the account address of an ed25519 public key: the
// trailing 20 bytes of the key's SHA3-256 digest.
func PubkeyToAddress(pub PublicKey) common.Address {
	return common.BytesToAddress(Sha3(pub)[12:])
}

// SealLength is the size of a detached seal: the signer's 32 byte public key
// followed by the 64 byte ed25519 signature over the message. Addresses are
// digest-derived, so the seal has to carry the key for verification.
const SealLength = PublicKeyLength + SignatureLength

var (
	ErrInvalidSeal    = errors.New("crypto: invalid seal length")
	ErrInvalidSig     = errors.New("crypto: signature verification failed")
	ErrSignerMismatch = errors.New("crypto: seal signer does not match address")
)

// Seal signs message and returns pub||sig, the self-contained proof attached
// to transactions, block headers and votes.
func Seal(priv PrivateKey, message []byte) []byte {
	seal := make([]byte, 0, SealLength)
	seal = append(seal, PublicFromPrivate(priv)...)
	return append(seal, ed25519.Sign(priv, message)...)
}

// SealAddress recovers the signer address embedded in a seal without
// verifying the signature.
func SealAddress(seal []byte) (common.Address, error) {
	if len(seal) != SealLength {
		return common.Address{}, ErrInvalidSeal
	}
	return PubkeyToAddress(PublicKey(seal[:PublicKeyLength])), nil
}

// VerifySeal checks that seal is a valid signature of message and that the
// embedded public key resolves to want.
func VerifySeal(want common.Address, message, seal []byte) error {
	if len(seal) != SealLength {
		return ErrInvalidSeal
	}
	pub := PublicKey(seal[:PublicKeyLength])
	if !ed25519.Verify(pub, message, seal[PublicKeyLength:]) {
		return ErrInvalidSig
	}
	if PubkeyToAddress(pub) != want {
		return ErrSignerMismatch
	}
	return nil
}

// HexToKey parses an ed25519 seed in hex format into a private key.
func HexToKey(hexkey string) (PrivateKey, error) {
	seed, err := hex.DecodeString(hexkey)
	if err != nil {
		return nil, errors.New("invalid hex string")
	}
	if len(seed) != SeedLength {
		return nil, fmt.Errorf("invalid seed length, want %d bytes", SeedLength)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// LoadKey loads an ed25519 key from the given file, which must contain the
// hex encoded 32 byte seed optionally followed by a newline.
func LoadKey(file string) (PrivateKey, error) {
	fd, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	r := bufio.NewReader(fd)
	buf := make([]byte, 2*SeedLength)
	n, err := readASCII(buf, r)
	if err != nil {
		return nil, err
	} else if n != len(buf) {
		return nil, fmt.Errorf("key file too short, want %d hex characters", 2*SeedLength)
	}
	if err := checkKeyFileEnd(r); err != nil {
		return nil, err
	}
	return HexToKey(string(buf))
}

// SaveKey saves the seed of an ed25519 key to file with restrictive
// permissions. The key data is saved hex-encoded.
func SaveKey(file string, priv PrivateKey) error {
	k := hex.EncodeToString(priv.Seed())
	return os.WriteFile(file, []byte(k), 0600)
}

// readASCII reads into 'buf', stopping when the buffer is full or when a
// non-printable control character is encountered.
func readASCII(buf []byte, r *bufio.Reader) (n int, err error) {
	for ; n < len(buf); n++ {
		buf[n], err = r.ReadByte()
		switch {
		case err == io.EOF || buf[n] < '!':
			return n, nil
		case err != nil:
			return n, err
		}
	}
	return n, nil
}

// checkKeyFileEnd skips over additional newlines at the end of a key file.
func checkKeyFileEnd(r *bufio.Reader) error {
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		case b != '\n' && b != '\r':
			return fmt.Errorf("invalid character %q at end of key file", b)
		case i >= 2:
			return fmt.Errorf("key file too long, want %d hex characters", 2*SeedLength)
		}
	}
}
