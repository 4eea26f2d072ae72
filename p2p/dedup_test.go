package p2p

import (
	"testing"
	"time"

	"github.com/Zollkron/gamerchain-sub000/crypto"
)

func TestTTLSetDedup(t *testing.T) {
	set := newTTLSet(16, time.Minute)

	hash := crypto.Sha3Hash([]byte("object"))
	if !set.add(hash) {
		t.Fatalf("first add reported duplicate")
	}
	if set.add(hash) {
		t.Fatalf("second add reported fresh")
	}
	if !set.contains(hash) {
		t.Fatalf("contains missed a live entry")
	}
}

func TestTTLSetExpiry(t *testing.T) {
	set := newTTLSet(16, 10*time.Millisecond)

	hash := crypto.Sha3Hash([]byte("short-lived"))
	set.add(hash)
	time.Sleep(30 * time.Millisecond)

	if set.contains(hash) {
		t.Fatalf("expired entry still reported")
	}
	if !set.add(hash) {
		t.Fatalf("add after expiry reported duplicate")
	}
}

func TestTTLSetCapacity(t *testing.T) {
	set := newTTLSet(4, time.Minute)
	for i := byte(0); i < 8; i++ {
		set.add(crypto.Sha3Hash([]byte{i}))
	}
	if set.len() > 4 {
		t.Fatalf("capacity exceeded: have %d entries, want at most 4", set.len())
	}
	if !set.contains(crypto.Sha3Hash([]byte{7})) {
		t.Fatalf("most recent entry evicted")
	}
}
