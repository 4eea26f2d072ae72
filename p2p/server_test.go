package p2p

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
)

// testBackend records everything the server dispatches into it.
type testBackend struct {
	mu        sync.Mutex
	genesis   common.Hash
	tip       uint64
	blocks    map[uint64]*types.Block
	txs       types.Transactions
	proposals []*types.Block
	votes     []*types.Vote
	committed []*types.Block
	commits   []*types.BootstrapCommit

	refuseProposals bool
}

func newTestBackend() *testBackend {
	return &testBackend{blocks: make(map[uint64]*types.Block)}
}

func (b *testBackend) TipHeight() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tip
}

func (b *testBackend) setTip(height uint64) {
	b.mu.Lock()
	b.tip = height
	b.mu.Unlock()
}

func (b *testBackend) GenesisHash() common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.genesis
}

func (b *testBackend) BlockByHeight(height uint64) *types.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocks[height]
}

func (b *testBackend) addBlock(block *types.Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks[block.Height()] = block
	if block.Height() > b.tip {
		b.tip = block.Height()
	}
}

func (b *testBackend) HandleTransactions(from common.Address, txs types.Transactions) []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs = append(b.txs, txs...)
	return make([]error, len(txs))
}

func (b *testBackend) HandleProposal(from common.Address, block *types.Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuseProposals {
		return errors.New("proposal refused")
	}
	b.proposals = append(b.proposals, block)
	return nil
}

func (b *testBackend) HandleVote(from common.Address, vote *types.Vote) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.votes = append(b.votes, vote)
	return nil
}

func (b *testBackend) HandleCommitted(from common.Address, block *types.Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = append(b.committed, block)
	return nil
}

func (b *testBackend) HandleBootstrapCommit(from common.Address, commit *types.BootstrapCommit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commits = append(b.commits, commit)
	return nil
}

func (b *testBackend) txCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.txs)
}

func (b *testBackend) proposalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.proposals)
}

func (b *testBackend) committedBlocks() []*types.Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Block(nil), b.committed...)
}

func startTestServer(t *testing.T, seed byte, backend *testBackend, mut func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Key:               testKey(seed),
		NetworkID:         "gamerchain-test",
		Role:              RoleAINode,
		ListenAddr:        "127.0.0.1:0",
		HeartbeatInterval: 100 * time.Millisecond,
		DialBackoffMin:    50 * time.Millisecond,
		DialBackoffMax:    time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}
	srv, err := NewServer(cfg, backend)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// connect dials b from a and waits for the peer entries on both sides.
func connect(t *testing.T, a, b *Server) {
	t.Helper()
	a.AddPeer(b.ListenAddr())
	waitFor(t, "peers to connect", func() bool {
		return a.peers.peer(b.Self()) != nil && b.peers.peer(a.Self()) != nil
	})
}

func TestNewServerValidation(t *testing.T) {
	backend := newTestBackend()
	if _, err := NewServer(Config{NetworkID: "x"}, backend); err == nil {
		t.Fatalf("missing key accepted")
	}
	if _, err := NewServer(Config{Key: testKey(1)}, backend); err == nil {
		t.Fatalf("missing network id accepted")
	}
	if _, err := NewServer(Config{Key: testKey(1), NetworkID: "x"}, nil); err == nil {
		t.Fatalf("missing backend accepted")
	}
}

func TestLowWaterMark(t *testing.T) {
	tests := []struct {
		maxPeers int
		lowWater int
		want     int
	}{
		{25, 0, 6},   // default is a quarter of the peer cap
		{2, 0, 1},    // floored at one
		{25, 10, 10}, // explicit setting wins
	}
	for _, tt := range tests {
		srv := &Server{cfg: Config{MaxPeers: tt.maxPeers, LowWater: tt.lowWater}}
		if have := srv.lowWater(); have != tt.want {
			t.Errorf("maxpeers %d lowwater %d: have %d, want %d", tt.maxPeers, tt.lowWater, have, tt.want)
		}
	}
}

func TestServerConnectsPeers(t *testing.T) {
	a := startTestServer(t, 0x01, newTestBackend(), nil)
	b := startTestServer(t, 0x02, newTestBackend(), func(cfg *Config) {
		cfg.Pioneer = true
		cfg.Role = RoleObserver
	})
	connect(t, a, b)

	infos := a.Peers()
	if len(infos) != 1 {
		t.Fatalf("peer count: have %d, want 1", len(infos))
	}
	if infos[0].ID != b.Self() || !infos[0].Pioneer || infos[0].Role != "observer" {
		t.Fatalf("peer info mismatch: %+v", infos[0])
	}
	if infos[0].Inbound {
		t.Fatalf("dialed peer reported as inbound")
	}
	if got := b.Peers(); len(got) != 1 || !got[0].Inbound {
		t.Fatalf("remote peer info mismatch: %+v", got)
	}
}

func TestServerRejectsIncompatibleNetwork(t *testing.T) {
	a := startTestServer(t, 0x03, newTestBackend(), nil)
	b := startTestServer(t, 0x04, newTestBackend(), func(cfg *Config) {
		cfg.NetworkID = "another-network"
	})

	a.AddPeer(b.ListenAddr())
	waitFor(t, "both sides to record the rejection", func() bool {
		return a.IncompatibleNetworkRejections() >= 1 && b.IncompatibleNetworkRejections() >= 1
	})
	if a.PeerCount() != 0 || b.PeerCount() != 0 {
		t.Fatalf("incompatible peers connected: have %d and %d entries", a.PeerCount(), b.PeerCount())
	}
}

func TestServerRejectsGenesisMismatch(t *testing.T) {
	backendA := newTestBackend()
	backendA.genesis = common.HexToHash("0x01")
	backendB := newTestBackend()
	backendB.genesis = common.HexToHash("0x02")

	a := startTestServer(t, 0x05, backendA, nil)
	b := startTestServer(t, 0x06, backendB, nil)

	a.AddPeer(b.ListenAddr())
	waitFor(t, "both sides to record the genesis mismatch", func() bool {
		return a.GenesisMismatchRejections() >= 1 && b.GenesisMismatchRejections() >= 1
	})
	if a.PeerCount() != 0 || b.PeerCount() != 0 {
		t.Fatalf("mismatched peers connected: have %d and %d entries", a.PeerCount(), b.PeerCount())
	}
}

func TestServerAcceptsPeerWithoutGenesis(t *testing.T) {
	backendA := newTestBackend()
	backendA.genesis = common.HexToHash("0x01")

	// A node that has not formed its genesis yet pairs fine with one that
	// has; the mismatch rule needs both hashes present.
	a := startTestServer(t, 0x07, backendA, nil)
	b := startTestServer(t, 0x08, newTestBackend(), nil)
	connect(t, a, b)
}

func TestServerGossipsTransactions(t *testing.T) {
	backendA := newTestBackend()
	backendB := newTestBackend()
	a := startTestServer(t, 0x09, backendA, nil)
	b := startTestServer(t, 0x0a, backendB, nil)
	connect(t, a, b)

	tx := testTx(t, 0x30, 0)
	a.BroadcastTransactions(types.Transactions{tx})
	waitFor(t, "transaction to arrive", func() bool { return backendB.txCount() == 1 })

	// The same transaction again must not reach the backend twice.
	a.BroadcastTransactions(types.Transactions{tx})
	time.Sleep(200 * time.Millisecond)
	if n := backendB.txCount(); n != 1 {
		t.Fatalf("duplicate dispatched: have %d deliveries, want 1", n)
	}
}

func TestServerRelaysTransactions(t *testing.T) {
	backendC := newTestBackend()
	a := startTestServer(t, 0x0b, newTestBackend(), nil)
	b := startTestServer(t, 0x0c, newTestBackend(), nil)
	c := startTestServer(t, 0x0d, backendC, nil)
	connect(t, a, b)
	connect(t, b, c)

	a.BroadcastTransactions(types.Transactions{testTx(t, 0x31, 0)})
	waitFor(t, "transaction to propagate across the relay", func() bool {
		return backendC.txCount() == 1
	})
}

func TestServerRelaysProposals(t *testing.T) {
	backendB := newTestBackend()
	backendC := newTestBackend()
	a := startTestServer(t, 0x0e, newTestBackend(), nil)
	b := startTestServer(t, 0x0f, backendB, nil)
	c := startTestServer(t, 0x10, backendC, nil)
	connect(t, a, b)
	connect(t, b, c)

	a.BroadcastProposal(testBlock(t, 1, 0x32))
	waitFor(t, "proposal to propagate across the relay", func() bool {
		return backendB.proposalCount() == 1 && backendC.proposalCount() == 1
	})
}

func TestServerDoesNotRelayRefusedProposals(t *testing.T) {
	backendB := newTestBackend()
	backendB.refuseProposals = true
	backendC := newTestBackend()
	a := startTestServer(t, 0x11, newTestBackend(), nil)
	b := startTestServer(t, 0x12, backendB, nil)
	c := startTestServer(t, 0x13, backendC, nil)
	connect(t, a, b)
	connect(t, b, c)

	a.BroadcastProposal(testBlock(t, 1, 0x33))
	time.Sleep(300 * time.Millisecond)
	if n := backendC.proposalCount(); n != 0 {
		t.Fatalf("refused proposal relayed: have %d deliveries, want 0", n)
	}
}

func TestServerBlockCatchUp(t *testing.T) {
	backendA := newTestBackend()
	block := testBlock(t, 5, 0x34)
	backendA.addBlock(block)
	backendB := newTestBackend()

	a := startTestServer(t, 0x14, backendA, nil)
	b := startTestServer(t, 0x15, backendB, nil)
	connect(t, a, b)

	if err := b.RequestBlock(a.Self(), 5); err != nil {
		t.Fatalf("failed to request block: %v", err)
	}
	waitFor(t, "pulled block to arrive", func() bool {
		blocks := backendB.committedBlocks()
		return len(blocks) == 1 && blocks[0].Hash() == block.Hash()
	})

	// A request for a height the peer lacks yields nothing.
	if err := b.RequestBlock(a.Self(), 9); err != nil {
		t.Fatalf("failed to request missing block: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := len(backendB.committedBlocks()); n != 1 {
		t.Fatalf("miss delivered a block: have %d, want 1", n)
	}

	if err := b.RequestBlock(common.Address{0x99}, 1); !errors.Is(err, errPeerNotRegistered) {
		t.Fatalf("unknown peer request: have %v, want %v", err, errPeerNotRegistered)
	}
}

func TestServerHeartbeatAdvancesTip(t *testing.T) {
	backendA := newTestBackend()
	a := startTestServer(t, 0x16, backendA, nil)
	b := startTestServer(t, 0x17, newTestBackend(), nil)
	connect(t, a, b)

	backendA.setTip(42)
	waitFor(t, "heartbeat to advertise the new tip", func() bool {
		p := b.peers.peer(a.Self())
		return p != nil && p.TipHeight() == 42
	})
}

func TestServerEnforcesMaxPeers(t *testing.T) {
	s := startTestServer(t, 0x18, newTestBackend(), func(cfg *Config) {
		cfg.MaxPeers = 1
	})
	c1 := startTestServer(t, 0x19, newTestBackend(), nil)
	connect(t, c1, s)

	// A long backoff keeps c2 from redialing during the assertion window.
	c2 := startTestServer(t, 0x1a, newTestBackend(), func(cfg *Config) {
		cfg.DialBackoffMin = 10 * time.Second
	})
	c2.AddPeer(s.ListenAddr())
	time.Sleep(300 * time.Millisecond)

	if s.PeerCount() != 1 || s.peers.peer(c1.Self()) == nil {
		t.Fatalf("peer set changed: have %d peers", s.PeerCount())
	}
	if c2.PeerCount() != 0 {
		t.Fatalf("rejected dialer holds a peer entry")
	}
}

func TestServerEvictsLeastRecentlySeen(t *testing.T) {
	s := startTestServer(t, 0x1b, newTestBackend(), func(cfg *Config) {
		cfg.MaxPeers = 1
		cfg.EvictWhenFull = true
	})
	// Long redial backoff keeps the evicted node from stealing the slot
	// back during the test.
	c1 := startTestServer(t, 0x1c, newTestBackend(), func(cfg *Config) {
		cfg.DialBackoffMin = 10 * time.Second
	})
	connect(t, c1, s)

	c2 := startTestServer(t, 0x1d, newTestBackend(), func(cfg *Config) {
		cfg.DialBackoffMin = 10 * time.Second
	})
	connect(t, c2, s)

	waitFor(t, "stale peer to be evicted", func() bool {
		return s.PeerCount() == 1 && s.peers.peer(c2.Self()) != nil && c1.PeerCount() == 0
	})
}

func TestServerAvoidsSignatureOffender(t *testing.T) {
	// The raw client below never heartbeats, so stretch the read deadline
	// to keep the server from dropping it for silence first.
	s := startTestServer(t, 0x1e, newTestBackend(), func(cfg *Config) {
		cfg.HeartbeatInterval = time.Second
	})
	key := testKey(0x1f)
	hs := &Handshake{NetworkID: "gamerchain-test", Role: RoleObserver}

	// First connection: proper handshake, then a frame whose signature does
	// not match its content.
	fd, err := net.Dial("tcp", s.ListenAddr())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	conn := NewConn(fd, key)
	if err := conn.WriteMsg(MsgHandshake, EncodeHandshake(hs)); err != nil {
		t.Fatalf("failed to send handshake: %v", err)
	}
	if _, err := conn.ReadMsg(); err != nil {
		t.Fatalf("failed to read server handshake: %v", err)
	}
	waitFor(t, "offender to be registered", func() bool { return s.PeerCount() == 1 })

	tampered := buildFrame(key, MsgHeartbeat, 2, []byte("payload"))
	tampered[len(tampered)-1] ^= 0xff
	if _, err := fd.Write(tampered); err != nil {
		t.Fatalf("failed to write tampered frame: %v", err)
	}
	waitFor(t, "offender to be dropped", func() bool { return s.PeerCount() == 0 })
	fd.Close()

	// Second connection with the same key: the server answers the handshake
	// but closes without registering while the avoid entry lives.
	fd2, err := net.Dial("tcp", s.ListenAddr())
	if err != nil {
		t.Fatalf("failed to redial: %v", err)
	}
	defer fd2.Close()
	conn2 := NewConn(fd2, key)
	if err := conn2.WriteMsg(MsgHandshake, EncodeHandshake(hs)); err != nil {
		t.Fatalf("failed to resend handshake: %v", err)
	}
	if _, err := conn2.ReadMsg(); err != nil {
		t.Fatalf("failed to read server handshake: %v", err)
	}
	if _, err := conn2.ReadMsg(); err == nil {
		t.Fatalf("avoided peer kept its connection")
	}
	if s.PeerCount() != 0 {
		t.Fatalf("avoided peer registered: have %d peers", s.PeerCount())
	}
}

func TestServerPeerEvents(t *testing.T) {
	a := startTestServer(t, 0x20, newTestBackend(), nil)
	b := startTestServer(t, 0x21, newTestBackend(), func(cfg *Config) {
		cfg.Pioneer = true
	})

	events := make(chan PeerEvent, 8)
	sub := a.SubscribePeerEvent(events)
	defer sub.Unsubscribe()

	connect(t, a, b)
	select {
	case ev := <-events:
		if ev.Type != PeerEventTypeAdd || ev.ID != b.Self() || !ev.Pioneer {
			t.Fatalf("add event mismatch: %+v", ev)
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("no add event")
	}

	b.Stop()
	select {
	case ev := <-events:
		if ev.Type != PeerEventTypeDrop || ev.ID != b.Self() {
			t.Fatalf("drop event mismatch: %+v", ev)
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("no drop event")
	}
}

func TestServerPeerExchange(t *testing.T) {
	a := startTestServer(t, 0x22, newTestBackend(), nil)
	b := startTestServer(t, 0x23, newTestBackend(), nil)
	c := startTestServer(t, 0x24, newTestBackend(), nil)
	connect(t, a, b)

	// When c joins b, b introduces a's address and c dials it.
	connect(t, c, b)
	waitFor(t, "exchanged address to be dialed", func() bool {
		return c.peers.peer(a.Self()) != nil && a.peers.peer(c.Self()) != nil
	})
}

func TestServerRosterIncludesSelf(t *testing.T) {
	a := startTestServer(t, 0x25, newTestBackend(), func(cfg *Config) {
		cfg.Pioneer = true
	})
	b := startTestServer(t, 0x26, newTestBackend(), func(cfg *Config) {
		cfg.Role = RoleObserver
	})
	connect(t, a, b)

	nodes := a.AINodes()
	if len(nodes) != 1 || nodes[0] != a.Self() {
		t.Fatalf("roster mismatch: have %v, want only self", nodes)
	}
	// The observer sees a as a validator but does not count itself.
	if got := b.AINodes(); len(got) != 1 || got[0] != a.Self() {
		t.Fatalf("observer roster mismatch: have %v", got)
	}
	if pioneers := b.Pioneers(); len(pioneers) != 1 || pioneers[0] != a.Self() {
		t.Fatalf("pioneer list mismatch: have %v", pioneers)
	}
}

func TestServerStartStop(t *testing.T) {
	srv, err := NewServer(Config{
		Key:       testKey(0x27),
		NetworkID: "gamerchain-test",
	}, newTestBackend())
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := srv.Start(); err == nil {
		t.Fatalf("second start accepted")
	}
	srv.Stop()
	srv.Stop() // stop is idempotent
}
