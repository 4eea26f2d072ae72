package main

import (
	"path/filepath"
	"testing"

	"github.com/Zollkron/gamerchain-sub000/crypto"
)

func TestSignDigestDomainSeparation(t *testing.T) {
	// The digest must depend on the message length prefix, so "ab"+"c" and
	// "a"+"bc" cannot collide through concatenation.
	if signDigest([]byte("abc")) == nil {
		t.Fatal("nil digest")
	}
	d1 := signDigest([]byte("abc"))
	d2 := signDigest([]byte("abd"))
	if string(d1) == string(d2) {
		t.Fatal("distinct messages produced the same digest")
	}
}

func TestMessageSealRoundTrip(t *testing.T) {
	_, key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := crypto.PubkeyToAddress(crypto.PublicFromPrivate(key))
	message := []byte("test message")

	seal := crypto.Seal(key, signDigest(message))
	recovered, err := crypto.SealAddress(seal)
	if err != nil {
		t.Fatalf("seal address: %v", err)
	}
	if recovered != addr {
		t.Fatalf("recovered %s, want %s", recovered, addr)
	}
	if err := crypto.VerifySeal(addr, signDigest(message), seal); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := crypto.VerifySeal(addr, signDigest([]byte("other message")), seal); err == nil {
		t.Fatal("seal verified against a different message")
	}
}

func TestKeyfileRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "the-keyfile")

	_, key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := crypto.SaveKey(file, key); err != nil {
		t.Fatalf("save key: %v", err)
	}
	loaded, err := crypto.LoadKey(file)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if !loaded.Equal(key) {
		t.Fatal("loaded key differs from saved key")
	}
}
