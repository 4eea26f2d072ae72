package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/rawdb"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/event"
	"github.com/Zollkron/gamerchain-sub000/p2p"
	"github.com/Zollkron/gamerchain-sub000/params"
	"github.com/Zollkron/gamerchain-sub000/prgldb"
	"github.com/Zollkron/gamerchain-sub000/prgldb/memorydb"
)

// fakeNetwork is an in-memory pioneer roster with a live event feed.
type fakeNetwork struct {
	mu       sync.Mutex
	pioneers []common.Address
	sent     []*types.BootstrapCommit
	feed     event.Feed[p2p.PeerEvent]
}

func newFakeNetwork(self common.Address) *fakeNetwork {
	return &fakeNetwork{pioneers: []common.Address{self}}
}

func (n *fakeNetwork) Pioneers() []common.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]common.Address(nil), n.pioneers...)
}

func (n *fakeNetwork) BroadcastBootstrapCommit(c *types.BootstrapCommit) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, c)
}

func (n *fakeNetwork) SubscribePeerEvent(ch chan<- p2p.PeerEvent) event.Subscription {
	return n.feed.Subscribe(ch)
}

func (n *fakeNetwork) sentCommits() []*types.BootstrapCommit {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.BootstrapCommit(nil), n.sent...)
}

func (n *fakeNetwork) connect(addr common.Address) {
	n.mu.Lock()
	n.pioneers = append(n.pioneers, addr)
	n.mu.Unlock()
	n.feed.Send(p2p.PeerEvent{Type: p2p.PeerEventTypeAdd, ID: addr, Role: p2p.RoleAINode, Pioneer: true})
}

func (n *fakeNetwork) disconnect(addr common.Address) {
	n.mu.Lock()
	kept := n.pioneers[:0]
	for _, a := range n.pioneers {
		if a != addr {
			kept = append(kept, a)
		}
	}
	n.pioneers = kept
	n.mu.Unlock()
	n.feed.Send(p2p.PeerEvent{Type: p2p.PeerEventTypeDrop, ID: addr, Role: p2p.RoleAINode, Pioneer: true})
}

func testKey(seed byte) crypto.PrivateKey {
	return crypto.NewKeyFromSeed(bytes.Repeat([]byte{seed}, crypto.SeedLength))
}

func addrOf(key crypto.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(crypto.PublicFromPrivate(key))
}

// pioneerCommit builds the endorsement a remote pioneer running config would
// broadcast with the given proposed timestamp.
func pioneerCommit(key crypto.PrivateKey, config *params.ChainConfig, ts uint64) *types.BootstrapCommit {
	return types.SignBootstrapCommit(&types.BootstrapCommit{
		Pioneer:          addrOf(key),
		SystemAccounts:   params.SystemAddresses(),
		InitialLiquidity: config.InitialLiquidity,
		TimestampMs:      ts,
	}, key)
}

func configWithPioneers(n int) *params.ChainConfig {
	cfg := params.TestChainConfig.Copy()
	cfg.PioneerCount = n
	return cfg
}

func newTestManager(t *testing.T, config *params.ChainConfig, key crypto.PrivateKey, netw *fakeNetwork, db prgldb.Database) *Manager {
	t.Helper()
	m, err := NewManager(config, key, netw, db)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	m.restartDelay = 10 * time.Millisecond
	if err := m.Start(); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	for deadline := time.Now().Add(2 * time.Second); ; {
		if have := m.State(); have == want {
			return
		} else if time.Now().After(deadline) {
			t.Fatalf("have state %v, want %v", have, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitBroadcasts polls until the manager has broadcast at least want
// endorsements and returns them.
func waitBroadcasts(t *testing.T, netw *fakeNetwork, want int) []*types.BootstrapCommit {
	t.Helper()
	for deadline := time.Now().Add(2 * time.Second); ; {
		if sent := netw.sentCommits(); len(sent) >= want {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("have %d broadcast endorsements, want at least %d", len(netw.sentCommits()), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFormed(t *testing.T, m *Manager) *types.Block {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	block, err := m.Wait(ctx)
	if err != nil {
		t.Fatalf("formation failed: %v", err)
	}
	return block
}

func TestManagerFormsGenesis(t *testing.T) {
	keyA, keyB := testKey(1), testKey(2)
	netw := newFakeNetwork(addrOf(keyA))
	db := memorydb.New()
	m := newTestManager(t, params.TestChainConfig, keyA, netw, db)

	if have := m.State(); have != StateIdle {
		t.Fatalf("have state %v, want %v", have, StateIdle)
	}
	netw.connect(addrOf(keyB))

	own := waitBroadcasts(t, netw, 1)[0]
	if own.Pioneer != addrOf(keyA) {
		t.Fatalf("have endorsing pioneer %s, want %s", own.Pioneer, addrOf(keyA))
	}
	if err := own.CheckSeal(); err != nil {
		t.Fatalf("own endorsement fails its seal check: %v", err)
	}
	remote := pioneerCommit(keyB, params.TestChainConfig, own.TimestampMs+500)
	if err := m.HandleCommit(addrOf(keyB), remote); err != nil {
		t.Fatalf("failed to handle endorsement: %v", err)
	}

	block := waitFormed(t, m)
	if block.Height() != 0 {
		t.Fatalf("have genesis height %d, want 0", block.Height())
	}
	if want := own.TimestampMs + 250; block.Timestamp() != want {
		t.Fatalf("have genesis timestamp %d, want median %d", block.Timestamp(), want)
	}
	if stored := rawdb.ReadBlock(db, 0); stored == nil || stored.Hash() != block.Hash() {
		t.Fatalf("genesis block not persisted")
	}
	if hash, ok := rawdb.ReadGenesisHash(db); !ok || hash != block.Hash() {
		t.Fatalf("genesis hash pointer not persisted")
	}
	pool, ok := rawdb.ReadAccount(db, params.LiquidityPoolAddress)
	if !ok {
		t.Fatalf("liquidity pool account not persisted")
	}
	if pool.Balance.Cmp(params.TestChainConfig.InitialLiquidity) != 0 {
		t.Fatalf("have pool balance %v, want %v", pool.Balance, params.TestChainConfig.InitialLiquidity)
	}
	if have := m.State(); have != StateDone {
		t.Fatalf("have state %v, want %v", have, StateDone)
	}

	// The network forms at most once.
	late := pioneerCommit(keyB, params.TestChainConfig, own.TimestampMs+900)
	if err := m.HandleCommit(addrOf(keyB), late); !errors.Is(err, ErrBootstrapComplete) {
		t.Fatalf("have %v, want %v", err, ErrBootstrapComplete)
	}
}

func TestManagersDeriveSameGenesis(t *testing.T) {
	keyA, keyB := testKey(1), testKey(2)
	netA := newFakeNetwork(addrOf(keyA))
	netB := newFakeNetwork(addrOf(keyB))
	dbA, dbB := memorydb.New(), memorydb.New()
	mA := newTestManager(t, params.TestChainConfig, keyA, netA, dbA)
	mB := newTestManager(t, params.TestChainConfig, keyB, netB, dbB)

	netA.connect(addrOf(keyB))
	netB.connect(addrOf(keyA))

	commitA := waitBroadcasts(t, netA, 1)[0]
	commitB := waitBroadcasts(t, netB, 1)[0]
	if err := mB.HandleCommit(addrOf(keyA), commitA); err != nil {
		t.Fatalf("failed to deliver endorsement to B: %v", err)
	}
	if err := mA.HandleCommit(addrOf(keyB), commitB); err != nil {
		t.Fatalf("failed to deliver endorsement to A: %v", err)
	}

	blockA := waitFormed(t, mA)
	blockB := waitFormed(t, mB)
	if blockA.Hash() != blockB.Hash() {
		t.Fatalf("pioneers derived different genesis blocks: %s vs %s",
			blockA.Hash().TerminalString(), blockB.Hash().TerminalString())
	}
	if blockA.Timestamp() != blockB.Timestamp() {
		t.Fatalf("have timestamps %d and %d, want equal", blockA.Timestamp(), blockB.Timestamp())
	}
}

func TestManagerBuffersEarlyEndorsement(t *testing.T) {
	keyA, keyB := testKey(1), testKey(2)
	netw := newFakeNetwork(addrOf(keyA))
	m := newTestManager(t, params.TestChainConfig, keyA, netw, memorydb.New())

	// The endorsement overtakes its pioneer's connection.
	early := pioneerCommit(keyB, params.TestChainConfig, 1_700_000_000_000)
	if err := m.HandleCommit(addrOf(keyB), early); err != nil {
		t.Fatalf("failed to buffer early endorsement: %v", err)
	}
	if have := m.State(); have != StateIdle {
		t.Fatalf("have state %v, want %v", have, StateIdle)
	}

	netw.connect(addrOf(keyB))
	waitFormed(t, m)
}

func TestManagerCountsPreStartPioneers(t *testing.T) {
	keyA, keyB := testKey(1), testKey(2)
	netw := newFakeNetwork(addrOf(keyA))
	netw.connect(addrOf(keyB))

	m := newTestManager(t, params.TestChainConfig, keyA, netw, memorydb.New())

	// The roster was complete before Start; no further event is needed.
	waitBroadcasts(t, netw, 1)
	if have := m.State(); have != StateReady {
		t.Fatalf("have state %v, want %v", have, StateReady)
	}
}

func TestManagerSoloFormation(t *testing.T) {
	key := testKey(7)
	netw := newFakeNetwork(addrOf(key))
	db := memorydb.New()
	m := newTestManager(t, configWithPioneers(1), key, netw, db)

	block := waitFormed(t, m)
	sent := netw.sentCommits()
	if len(sent) != 1 {
		t.Fatalf("have %d broadcast endorsements, want 1", len(sent))
	}
	if block.Timestamp() != sent[0].TimestampMs {
		t.Fatalf("have genesis timestamp %d, want %d", block.Timestamp(), sent[0].TimestampMs)
	}
	if stored := rawdb.ReadBlock(db, 0); stored == nil || stored.Hash() != block.Hash() {
		t.Fatalf("genesis block not persisted")
	}
}

func TestManagerNeverReadyBelowQuorum(t *testing.T) {
	keyA, keyB := testKey(1), testKey(2)
	netw := newFakeNetwork(addrOf(keyA))
	m := newTestManager(t, configWithPioneers(3), keyA, netw, memorydb.New())

	netw.connect(addrOf(keyB))
	waitState(t, m, StateCollecting)

	// Two of three pioneers is not enough; the machine keeps collecting and
	// endorses nothing.
	time.Sleep(50 * time.Millisecond)
	if have := m.State(); have != StateCollecting {
		t.Fatalf("have state %v, want %v", have, StateCollecting)
	}
	if sent := netw.sentCommits(); len(sent) != 0 {
		t.Fatalf("have %d broadcast endorsements, want 0", len(sent))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("have %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestManagerRequiresExactCount(t *testing.T) {
	keyA, keyB, keyC := testKey(1), testKey(2), testKey(3)
	netw := newFakeNetwork(addrOf(keyA))
	netw.connect(addrOf(keyB))
	netw.connect(addrOf(keyC))

	m := newTestManager(t, params.TestChainConfig, keyA, netw, memorydb.New())

	// Three connected pioneers with a configured count of two never freeze
	// a roster.
	time.Sleep(50 * time.Millisecond)
	if have := m.State(); have != StateCollecting {
		t.Fatalf("have state %v, want %v", have, StateCollecting)
	}
	if sent := netw.sentCommits(); len(sent) != 0 {
		t.Fatalf("have %d broadcast endorsements, want 0", len(sent))
	}

	// One pioneer bows out and the remaining pair forms.
	netw.disconnect(addrOf(keyC))
	own := waitBroadcasts(t, netw, 1)[0]
	if err := m.HandleCommit(addrOf(keyB), pioneerCommit(keyB, params.TestChainConfig, own.TimestampMs+100)); err != nil {
		t.Fatalf("failed to handle endorsement: %v", err)
	}
	waitFormed(t, m)
}

func TestManagerIgnoresExtraPioneer(t *testing.T) {
	keyA, keyB, keyC := testKey(1), testKey(2), testKey(3)
	netw := newFakeNetwork(addrOf(keyA))
	m := newTestManager(t, params.TestChainConfig, keyA, netw, memorydb.New())

	netw.connect(addrOf(keyB))
	own := waitBroadcasts(t, netw, 1)[0]

	// A third pioneer connects after the roster froze and endorses too. Its
	// endorsement relays but does not count.
	netw.connect(addrOf(keyC))
	extra := pioneerCommit(keyC, params.TestChainConfig, own.TimestampMs+1_000)
	if err := m.HandleCommit(addrOf(keyC), extra); err != nil {
		t.Fatalf("extra endorsement should relay: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if have := m.State(); have != StateReady {
		t.Fatalf("have state %v, want %v", have, StateReady)
	}

	if err := m.HandleCommit(addrOf(keyB), pioneerCommit(keyB, params.TestChainConfig, own.TimestampMs+200)); err != nil {
		t.Fatalf("failed to handle endorsement: %v", err)
	}
	block := waitFormed(t, m)

	// The median spans the original pair only.
	if want := own.TimestampMs + 100; block.Timestamp() != want {
		t.Fatalf("have genesis timestamp %d, want %d", block.Timestamp(), want)
	}
}

func TestManagerRegressesOnPioneerDrop(t *testing.T) {
	cfg := configWithPioneers(3)
	keyA, keyB, keyC := testKey(1), testKey(2), testKey(3)
	netw := newFakeNetwork(addrOf(keyA))
	m := newTestManager(t, cfg, keyA, netw, memorydb.New())

	netw.connect(addrOf(keyB))
	netw.connect(addrOf(keyC))
	waitBroadcasts(t, netw, 1)

	// A roster member falls away before endorsing; the attempt is discarded.
	netw.disconnect(addrOf(keyC))
	waitState(t, m, StateCollecting)

	// It returns and a fresh attempt begins with a fresh endorsement.
	netw.connect(addrOf(keyC))
	sent := waitBroadcasts(t, netw, 2)
	base := sent[1].TimestampMs

	if err := m.HandleCommit(addrOf(keyB), pioneerCommit(keyB, cfg, base+100)); err != nil {
		t.Fatalf("failed to handle endorsement: %v", err)
	}
	if err := m.HandleCommit(addrOf(keyC), pioneerCommit(keyC, cfg, base+200)); err != nil {
		t.Fatalf("failed to handle endorsement: %v", err)
	}
	block := waitFormed(t, m)
	if want := base + 100; block.Timestamp() != want {
		t.Fatalf("have genesis timestamp %d, want median %d", block.Timestamp(), want)
	}
}

func TestManagerRestartsOnDisagreement(t *testing.T) {
	keyA, keyB := testKey(1), testKey(2)
	netw := newFakeNetwork(addrOf(keyA))
	m := newTestManager(t, params.TestChainConfig, keyA, netw, memorydb.New())

	netw.connect(addrOf(keyB))
	own := waitBroadcasts(t, netw, 1)[0]

	// B endorses a different liquidity grant. The attempt aborts and retries
	// for as long as the disagreement persists.
	other := params.TestChainConfig.Copy()
	other.InitialLiquidity = new(big.Int).Add(other.InitialLiquidity, big.NewInt(1))
	if err := m.HandleCommit(addrOf(keyB), pioneerCommit(keyB, other, own.TimestampMs+100)); err != nil {
		t.Fatalf("disagreeing endorsement should still relay: %v", err)
	}
	waitBroadcasts(t, netw, 2)

	// B reconciles its configuration; the next attempt completes.
	fixed := pioneerCommit(keyB, params.TestChainConfig, own.TimestampMs+1_000)
	if err := m.HandleCommit(addrOf(keyB), fixed); err != nil {
		t.Fatalf("failed to handle endorsement: %v", err)
	}
	waitFormed(t, m)
}

func TestManagerRejectsInvalidSeal(t *testing.T) {
	keyA, keyB := testKey(1), testKey(2)
	netw := newFakeNetwork(addrOf(keyA))
	m := newTestManager(t, params.TestChainConfig, keyA, netw, memorydb.New())

	tampered := pioneerCommit(keyB, params.TestChainConfig, 1_700_000_000_000)
	tampered.Seal[0] ^= 0x01
	if err := m.HandleCommit(addrOf(keyB), tampered); err == nil {
		t.Fatalf("tampered endorsement accepted")
	}

	forged := pioneerCommit(keyB, params.TestChainConfig, 1_700_000_000_000)
	forged.Pioneer = addrOf(testKey(9))
	if err := m.HandleCommit(addrOf(keyB), forged); err == nil {
		t.Fatalf("endorsement claiming another pioneer accepted")
	}
}

func TestManagerStop(t *testing.T) {
	keyA := testKey(1)
	netw := newFakeNetwork(addrOf(keyA))
	m, err := NewManager(params.TestChainConfig, keyA, netw, memorydb.New())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("failed to start manager: %v", err)
	}
	m.Stop()

	if _, err := m.Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("have %v, want %v", err, ErrStopped)
	}
	commit := pioneerCommit(testKey(2), params.TestChainConfig, 1_700_000_000_000)
	if err := m.HandleCommit(addrOf(testKey(2)), commit); !errors.Is(err, ErrStopped) {
		t.Fatalf("have %v, want %v", err, ErrStopped)
	}
	m.Stop() // no-op
	if err := m.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("have %v, want %v", err, ErrStopped)
	}
}

func TestMedianTimestamp(t *testing.T) {
	cases := []struct {
		stamps []uint64
		want   uint64
	}{
		{[]uint64{7}, 7},
		{[]uint64{2000, 1000}, 1500},
		{[]uint64{5, 1, 3}, 3},
		{[]uint64{1, 2, 3, 100}, 2},
	}
	for _, tc := range cases {
		commits := make(map[common.Address]*types.BootstrapCommit, len(tc.stamps))
		for i, ts := range tc.stamps {
			var addr common.Address
			addr[0] = byte(i + 1)
			commits[addr] = &types.BootstrapCommit{Pioneer: addr, TimestampMs: ts}
		}
		if have := medianTimestamp(commits); have != tc.want {
			t.Fatalf("median of %v: have %d, want %d", tc.stamps, have, tc.want)
		}
	}
}
