package main

import (
	"bytes"
	"testing"
)

func TestGenerateMnemonicBitsValidation(t *testing.T) {
	if _, err := generateMnemonic(129); err == nil {
		t.Fatalf("expected invalid mnemonic bits error")
	}
	if _, err := generateMnemonic(128); err != nil {
		t.Fatalf("expected valid mnemonic bits, got %v", err)
	}
}

func TestDeriveKeyFromMnemonicDeterministic(t *testing.T) {
	mnemonic := "test test test test test test test test test test test junk"
	first, err := deriveKeyFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	second, err := deriveKeyFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("derivation is not deterministic")
	}
}

func TestDeriveKeyFromMnemonicPassphrase(t *testing.T) {
	mnemonic := "test test test test test test test test test test test junk"
	plain, err := deriveKeyFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	guarded, err := deriveKeyFromMnemonic(mnemonic, "hunter2")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if bytes.Equal(plain, guarded) {
		t.Fatalf("passphrase did not change the derived key")
	}
}

func TestDeriveKeyFromMnemonicChecksum(t *testing.T) {
	if _, err := deriveKeyFromMnemonic("not a valid mnemonic", ""); err == nil {
		t.Fatalf("expected checksum error for invalid mnemonic")
	}
}

func TestDeriveKeyPassphraseNormalization(t *testing.T) {
	mnemonic := "test test test test test test test test test test test junk"
	// U+00E9 versus e + U+0301 must NFKD-fold to the same key.
	composed, err := deriveKeyFromMnemonic(mnemonic, "café")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	decomposed, err := deriveKeyFromMnemonic(mnemonic, "café")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	if !bytes.Equal(composed, decomposed) {
		t.Fatalf("passphrase normalization missing")
	}
}
