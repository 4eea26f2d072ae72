package main

import (
	"crypto/hmac"
	"crypto/sha512"
	"fmt"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"

	"github.com/Zollkron/gamerchain-sub000/crypto"
)

const defaultMnemonicBits = 128

func generateMnemonic(bits int) (string, error) {
	if err := validateMnemonicBits(bits); err != nil {
		return "", err
	}
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func validateMnemonicBits(bits int) error {
	switch bits {
	case 128, 160, 192, 224, 256:
		return nil
	default:
		return fmt.Errorf("invalid mnemonic bits %d (allowed: 128,160,192,224,256)", bits)
	}
}

// deriveKeyFromMnemonic turns a BIP39 mnemonic plus optional passphrase into
// an ed25519 key. The passphrase is NFKD normalized first, as BIP39 requires,
// so the same phrase typed on different platforms yields the same key.
func deriveKeyFromMnemonic(mnemonic, passphrase string) (crypto.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, norm.NFKD.String(passphrase))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha512.New, []byte("PRGLD_ED25519_DERIVE"))
	mac.Write(seed)
	digest := mac.Sum(nil)
	return crypto.NewKeyFromSeed(digest[:crypto.SeedLength]), nil
}
