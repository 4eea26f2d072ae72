// Package p2p implements the gamerchain wire protocol: ed25519-signed framed
// messages over TCP, a handshake gated by network id and genesis, bounded
// peer management with at-most-once gossip fan-out, and pull-based block
// catch-up for lagging nodes.
package p2p

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/core/types"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/event"
	"github.com/Zollkron/gamerchain-sub000/log"
	"github.com/Zollkron/gamerchain-sub000/metrics"
	"github.com/Zollkron/gamerchain-sub000/params"

	"golang.org/x/time/rate"
)

const (
	defaultMaxPeers          = 25
	defaultHeartbeatInterval = 5 * time.Second
	defaultDialBackoffMin    = time.Second
	defaultDialBackoffMax    = 2 * time.Minute

	handshakeTimeout = 5 * time.Second
	dialTimeout      = 10 * time.Second
	dialInterval     = 2 * time.Second // dial scheduler tick
	maxActiveDials   = 8
	maxCandidates    = 512 // dialable addresses remembered from exchanges and the directory

	directoryRefreshInterval = 30 * time.Second
	directoryTimeout         = 10 * time.Second

	// Consensus ingress is a bounded queue: a full queue blocks the
	// offending peer's read loop for the enqueue timeout, then the peer is
	// disconnected.
	consensusQueueSize      = 256
	consensusEnqueueTimeout = 2 * time.Second

	// Transaction gossip drops oldest on overflow instead.
	txQueueSize = 1024

	// Per-peer inbound transaction budget, transactions per second.
	txRateLimit = rate.Limit(512)
	txRateBurst = 1024

	seenCacheSize  = 65536
	avoidCacheSize = 1024
)

var (
	activePeerGauge = metrics.NewRegisteredGauge("p2p/peers", nil)
	dialMeter       = metrics.NewRegisteredMeter("p2p/dials", nil)
	serveMeter      = metrics.NewRegisteredMeter("p2p/serves", nil)

	incompatibleNetworkMeter = metrics.NewRegisteredMeter("p2p/rejects/incompatible_network", nil)
	genesisMismatchMeter     = metrics.NewRegisteredMeter("p2p/rejects/genesis_mismatch", nil)
	badSignatureMeter        = metrics.NewRegisteredMeter("p2p/rejects/bad_signature", nil)
	staleSeqMeter            = metrics.NewRegisteredMeter("p2p/rejects/stale_seq", nil)
	tooManyPeersMeter        = metrics.NewRegisteredMeter("p2p/rejects/too_many_peers", nil)
	avoidedPeerMeter         = metrics.NewRegisteredMeter("p2p/rejects/avoided", nil)
	evictedPeerMeter         = metrics.NewRegisteredMeter("p2p/evictions", nil)

	duplicateGossipMeter = metrics.NewRegisteredMeter("p2p/gossip/duplicate", nil)
	droppedTxMeter       = metrics.NewRegisteredMeter("p2p/gossip/txdrops", nil)
)

var (
	errServerStopped       = errors.New("p2p: server stopped")
	errIncompatibleNetwork = errors.New("p2p: incompatible network id")
	errGenesisMismatch     = errors.New("p2p: mismatched genesis")
	errSelfConnect         = errors.New("p2p: connected to self")
	errAvoidedPeer         = errors.New("p2p: peer on avoid list")
	errTooManyPeers        = errors.New("p2p: too many peers")
	errPeerEvicted         = errors.New("p2p: evicted for a fresher peer")
	errPeerReplaced        = errors.New("p2p: replaced by cross connection")
	errUnexpectedMessage   = errors.New("p2p: message violates protocol state")
	errInvalidMsgCode      = errors.New("p2p: invalid message code")
	errConsensusBacklog    = errors.New("p2p: consensus ingress backlogged")
)

// Backend is the node surface the networking layer dispatches verified
// messages into. Transaction admission reports per-transaction errors so the
// server can relay exactly the accepted ones; consensus handlers report a
// single error and a nil return marks the object worth forwarding.
type Backend interface {
	TipHeight() uint64
	GenesisHash() common.Hash
	BlockByHeight(height uint64) *types.Block

	HandleTransactions(from common.Address, txs types.Transactions) []error
	HandleProposal(from common.Address, block *types.Block) error
	HandleVote(from common.Address, vote *types.Vote) error
	HandleCommitted(from common.Address, block *types.Block) error
	HandleBootstrapCommit(from common.Address, commit *types.BootstrapCommit) error
}

// PeerEventType is the type of peer events emitted by the server.
type PeerEventType string

const (
	PeerEventTypeAdd  PeerEventType = "add"
	PeerEventTypeDrop PeerEventType = "drop"
)

// PeerEvent is posted when a peer joins or leaves the active set. The
// bootstrap manager keys the pioneer count off these.
type PeerEvent struct {
	Type    PeerEventType
	ID      common.Address
	Role    Role
	Pioneer bool
}

// Config holds the networking settings of a node.
type Config struct {
	// Key is the node identity every outgoing message is signed with.
	// Required.
	Key crypto.PrivateKey

	// NetworkID gates the handshake: peers advertising another identifier
	// are rejected before they become a peer entry.
	NetworkID string

	// Role is advertised in the handshake. Defaults to RoleObserver.
	Role Role

	// Pioneer marks this node as part of the genesis formation set.
	Pioneer bool

	// ListenAddr is the TCP address to accept connections on. Empty
	// disables the listener, leaving a dial-only node.
	ListenAddr string

	// AdvertiseAddr overrides the address announced to peers and the
	// directory. Defaults to the bound listener address.
	AdvertiseAddr string

	// MaxPeers bounds the active peer set.
	MaxPeers int

	// LowWater is the peer count below which the dialer tops the
	// candidate pool up from the directory. Zero selects MaxPeers/4,
	// floored at one.
	LowWater int

	// EvictWhenFull selects evicting the least recently seen peer over
	// rejecting new connections once MaxPeers is reached.
	EvictWhenFull bool

	// HeartbeatInterval paces keep-alives. The read deadline is three
	// times this interval.
	HeartbeatInterval time.Duration

	// DialBackoffMin and DialBackoffMax bound the exponential redial
	// backoff.
	DialBackoffMin time.Duration
	DialBackoffMax time.Duration

	// StaticNodes are addresses dialed and redialed forever.
	StaticNodes []string

	// Directory is the optional external peer directory, queried when the
	// peer set falls below the low-water mark. Nil for static-only nodes.
	Directory Directory

	// Location is a free-form locality hint passed to the directory.
	Location string
}

func (cfg Config) withDefaults() Config {
	if !cfg.Role.Valid() {
		cfg.Role = RoleObserver
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.DialBackoffMin <= 0 {
		cfg.DialBackoffMin = defaultDialBackoffMin
	}
	if cfg.DialBackoffMax < cfg.DialBackoffMin {
		cfg.DialBackoffMax = defaultDialBackoffMax
	}
	return cfg
}

// Server runs the networking layer of one node. It implements the consensus
// broadcaster surface and owns every peer connection.
type Server struct {
	cfg     Config
	backend Backend
	self    common.Address
	pub     crypto.PublicKey

	peers *peerSet
	seen  *ttlSet // gossip dedup keyed by content hash
	avoid *ttlSet // recent signature offenders keyed by node id

	conCh chan consensusTask
	txCh  chan txTask

	peerFeed event.Feed[PeerEvent]
	scope    event.SubscriptionScope

	rejects struct {
		incompatibleNetwork atomic.Int64
		genesisMismatch     atomic.Int64
	}

	dialMu     sync.Mutex
	candidates map[string]struct{}
	backoff    map[string]time.Duration
	history    expHeap
	dialing    map[string]struct{}
	dialNow    chan struct{}

	mu       sync.Mutex
	listener net.Listener
	running  bool
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewServer wires a networking layer for the given backend. Start brings it
// online.
func NewServer(cfg Config, backend Backend) (*Server, error) {
	if len(cfg.Key) == 0 {
		return nil, errors.New("p2p: node key is required")
	}
	if cfg.NetworkID == "" {
		return nil, errors.New("p2p: network id is required")
	}
	if backend == nil {
		return nil, errors.New("p2p: backend is required")
	}
	cfg = cfg.withDefaults()

	pub := crypto.PublicFromPrivate(cfg.Key)
	srv := &Server{
		cfg:        cfg,
		backend:    backend,
		self:       crypto.PubkeyToAddress(pub),
		pub:        pub,
		peers:      newPeerSet(),
		seen:       newTTLSet(seenCacheSize, time.Duration(params.GossipSeenTTLMs)*time.Millisecond),
		avoid:      newTTLSet(avoidCacheSize, time.Duration(params.AvoidListTTLMs)*time.Millisecond),
		conCh:      make(chan consensusTask, consensusQueueSize),
		txCh:       make(chan txTask, txQueueSize),
		candidates: make(map[string]struct{}),
		backoff:    make(map[string]time.Duration),
		dialing:    make(map[string]struct{}),
		dialNow:    make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}
	for _, addr := range cfg.StaticNodes {
		srv.candidates[addr] = struct{}{}
	}
	return srv, nil
}

// Self returns the local node address.
func (srv *Server) Self() common.Address { return srv.self }

// ListenAddr returns the bound listener address, empty when not listening.
func (srv *Server) ListenAddr() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return ""
	}
	return srv.listener.Addr().String()
}

func (srv *Server) advertisedAddr() string {
	if srv.cfg.AdvertiseAddr != "" {
		return srv.cfg.AdvertiseAddr
	}
	return srv.ListenAddr()
}

// Start opens the listener and launches the dial, dispatch and directory
// loops.
func (srv *Server) Start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.running {
		return errors.New("p2p: server already running")
	}
	if srv.cfg.ListenAddr != "" {
		listener, err := net.Listen("tcp", srv.cfg.ListenAddr)
		if err != nil {
			return err
		}
		srv.listener = listener
		srv.wg.Add(1)
		go srv.listenLoop()
	}
	srv.running = true
	srv.wg.Add(3)
	go srv.dialLoop()
	go srv.consensusLoop()
	go srv.txLoop()
	if srv.cfg.Directory != nil {
		srv.wg.Add(1)
		go srv.directoryLoop()
	}
	log.Info("P2P server started", "self", srv.self, "network", srv.cfg.NetworkID,
		"role", srv.cfg.Role, "pioneer", srv.cfg.Pioneer, "listen", srv.cfg.ListenAddr)
	return nil
}

// Stop closes the listener, disconnects all peers and waits for the loops to
// wind down.
func (srv *Server) Stop() {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return
	}
	srv.running = false
	listener := srv.listener
	srv.mu.Unlock()

	close(srv.quit)
	if listener != nil {
		listener.Close()
	}
	srv.peers.close()
	srv.wg.Wait()
	srv.scope.Close()
	log.Info("P2P server stopped", "self", srv.self)
}

// SubscribePeerEvent registers for peer add and drop notifications.
func (srv *Server) SubscribePeerEvent(ch chan<- PeerEvent) event.Subscription {
	return srv.scope.Track(srv.peerFeed.Subscribe(ch))
}

// PeerCount returns the number of connected peers.
func (srv *Server) PeerCount() int { return srv.peers.len() }

// Peers returns a summary of every connected peer.
func (srv *Server) Peers() []PeerInfo {
	all := srv.peers.allPeers()
	infos := make([]PeerInfo, 0, len(all))
	for _, p := range all {
		infos = append(infos, p.Info())
	}
	return infos
}

// AINodes implements the consensus roster: the addresses of the reachable
// validator nodes, the local node included when it holds that role.
func (srv *Server) AINodes() []common.Address {
	nodes := srv.peers.aiNodes()
	if srv.cfg.Role == RoleAINode {
		nodes = append(nodes, srv.self)
	}
	return nodes
}

// Pioneers returns the addresses of the connected pioneer peers, the local
// node included when it carries the pioneer flag.
func (srv *Server) Pioneers() []common.Address {
	var list []common.Address
	for _, p := range srv.peers.pioneers() {
		list = append(list, p.ID())
	}
	if srv.cfg.Pioneer {
		list = append(list, srv.self)
	}
	return list
}

// IncompatibleNetworkRejections reports how many connection attempts this
// server refused over a mismatched network identifier.
func (srv *Server) IncompatibleNetworkRejections() int64 {
	return srv.rejects.incompatibleNetwork.Load()
}

// GenesisMismatchRejections reports how many connection attempts this server
// refused over a mismatched genesis hash.
func (srv *Server) GenesisMismatchRejections() int64 {
	return srv.rejects.genesisMismatch.Load()
}

// AddPeer schedules a dial to the given address, keeping it as a redial
// candidate.
func (srv *Server) AddPeer(addr string) {
	srv.addCandidate(addr)
	select {
	case srv.dialNow <- struct{}{}:
	default:
	}
}

// listenLoop accepts inbound connections until the listener closes.
func (srv *Server) listenLoop() {
	defer srv.wg.Done()
	for {
		fd, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.quit:
				return
			default:
			}
			log.Debug("Accept failed", "err", err)
			time.Sleep(250 * time.Millisecond)
			continue
		}
		serveMeter.Mark(1)
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			if err := srv.setupConn(fd, ""); err != nil {
				log.Debug("Inbound connection rejected", "addr", fd.RemoteAddr(), "err", err)
			}
		}()
	}
}

// localHandshake assembles the handshake this node presents.
func (srv *Server) localHandshake() *Handshake {
	return &Handshake{
		NetworkID:   srv.cfg.NetworkID,
		Role:        srv.cfg.Role,
		Pioneer:     srv.cfg.Pioneer,
		TipHeight:   srv.backend.TipHeight(),
		GenesisHash: srv.backend.GenesisHash(),
		ListenAddr:  srv.advertisedAddr(),
	}
}

// setupConn runs the handshake on a fresh connection and promotes it to a
// peer. dialAddr is empty for inbound connections. Both sides transmit their
// handshake first and then judge the other's, so a rejection is observed
// symmetrically.
func (srv *Server) setupConn(fd net.Conn, dialAddr string) error {
	conn := NewConn(fd, srv.cfg.Key)
	fd.SetDeadline(time.Now().Add(handshakeTimeout))

	// The write runs concurrently with the read: an unbuffered transport
	// would otherwise deadlock with both ends writing first.
	werr := make(chan error, 1)
	go func() {
		werr <- conn.WriteMsg(MsgHandshake, EncodeHandshake(srv.localHandshake()))
	}()
	msg, err := conn.ReadMsg()
	if err != nil {
		if errors.Is(err, errBadSignature) {
			badSignatureMeter.Mark(1)
		}
		fd.Close()
		return err
	}
	if err := <-werr; err != nil {
		fd.Close()
		return err
	}
	if msg.Code != MsgHandshake {
		fd.Close()
		return fmt.Errorf("%w: %s before handshake", errUnexpectedMessage, codeName(msg.Code))
	}
	hs, err := DecodeHandshake(msg.Payload)
	if err != nil {
		fd.Close()
		return err
	}
	id := msg.Sender()
	if err := srv.checkHandshake(id, hs); err != nil {
		fd.Close()
		return err
	}
	conn.bind(msg.From)
	fd.SetDeadline(time.Time{})

	return srv.addPeer(newPeer(conn, msg.From, hs, dialAddr == "", dialAddr))
}

// checkHandshake applies the acceptance rules. A rejected connection never
// becomes a peer entry.
func (srv *Server) checkHandshake(id common.Address, hs *Handshake) error {
	if hs.NetworkID != srv.cfg.NetworkID {
		srv.rejects.incompatibleNetwork.Add(1)
		incompatibleNetworkMeter.Mark(1)
		log.Warn("Rejecting peer on incompatible network", "peer", id,
			"have", hs.NetworkID, "want", srv.cfg.NetworkID)
		return errIncompatibleNetwork
	}
	if local := srv.backend.GenesisHash(); !local.IsZero() && !hs.GenesisHash.IsZero() && hs.GenesisHash != local {
		srv.rejects.genesisMismatch.Add(1)
		genesisMismatchMeter.Mark(1)
		log.Warn("Rejecting peer on mismatched genesis", "peer", id,
			"have", hs.GenesisHash.TerminalString(), "want", local.TerminalString())
		return errGenesisMismatch
	}
	if id == srv.self {
		return errSelfConnect
	}
	if srv.avoid.contains(id) {
		avoidedPeerMeter.Mark(1)
		return errAvoidedPeer
	}
	return nil
}

// addPeer registers a handshaken peer, applying the capacity policy and the
// cross-connection tie-break, and launches its loops.
func (srv *Server) addPeer(p *Peer) error {
	if old := srv.peers.peer(p.ID()); old != nil && old.Inbound() != p.Inbound() {
		// Both ends dialed each other at once. Keep the connection dialed
		// by the lower id; both ends resolve the race the same way.
		pid := p.ID()
		wantInbound := bytes.Compare(srv.self[:], pid[:]) > 0
		if p.Inbound() != wantInbound {
			p.close()
			return errPeerAlreadyRegistered
		}
		srv.removePeer(old, errPeerReplaced)
	}
	if srv.peers.len() >= srv.cfg.MaxPeers {
		if !srv.cfg.EvictWhenFull {
			tooManyPeersMeter.Mark(1)
			p.close()
			return errTooManyPeers
		}
		if victim := srv.peers.leastRecentlySeen(); victim != nil {
			evictedPeerMeter.Mark(1)
			srv.removePeer(victim, errPeerEvicted)
		}
	}
	if err := srv.peers.registerPeer(p); err != nil {
		p.close()
		return err
	}
	activePeerGauge.Inc(1)
	srv.peerFeed.Send(PeerEvent{Type: PeerEventTypeAdd, ID: p.ID(), Role: p.Role(), Pioneer: p.Pioneer()})
	log.Info("Peer connected", "peer", p.ID(), "role", p.Role(), "pioneer", p.Pioneer(),
		"inbound", p.Inbound(), "tip", p.TipHeight(), "peers", srv.peers.len())

	srv.wg.Add(1)
	go srv.runPeer(p)
	return nil
}

// removePeer drops a peer from the active set and closes it. Safe to call
// for peers already removed.
func (srv *Server) removePeer(p *Peer, reason error) {
	if srv.peers.unregisterPeer(p.ID()) == nil {
		activePeerGauge.Dec(1)
		srv.peerFeed.Send(PeerEvent{Type: PeerEventTypeDrop, ID: p.ID(), Role: p.Role(), Pioneer: p.Pioneer()})
		log.Info("Peer disconnected", "peer", p.ID(), "reason", reason, "peers", srv.peers.len())
	}
	p.close()
}

// runPeer owns a registered peer: it starts the write and heartbeat loops,
// introduces known addresses, and dispatches reads until the connection
// dies.
func (srv *Server) runPeer(p *Peer) {
	defer srv.wg.Done()
	srv.wg.Add(2)
	go func() {
		defer srv.wg.Done()
		p.sendLoop()
	}()
	go func() {
		defer srv.wg.Done()
		srv.heartbeatLoop(p)
	}()

	if addrs := srv.exchangeAddrs(p); len(addrs) > 0 {
		p.AsyncSend(MsgPeerExchange, EncodePeerExchange(&PeerExchange{Addrs: addrs}))
	}

	err := srv.readLoop(p)
	srv.removePeer(p, err)
}

// heartbeatLoop sends periodic keep-alives carrying the local tip height.
func (srv *Server) heartbeatLoop(p *Peer) {
	ticker := time.NewTicker(srv.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.AsyncSend(MsgHeartbeat, EncodeHeartbeat(&Heartbeat{TipHeight: srv.backend.TipHeight()}))
		case <-p.term:
			return
		case <-srv.quit:
			return
		}
	}
}

// readLoop pulls verified messages off the wire and hands them to the
// dispatcher. A missing heartbeat trips the read deadline at three times the
// heartbeat interval.
func (srv *Server) readLoop(p *Peer) error {
	timeout := 3 * srv.cfg.HeartbeatInterval
	for {
		p.conn.SetReadDeadline(time.Now().Add(timeout))
		msg, err := p.conn.ReadMsg()
		if err != nil {
			switch {
			case errors.Is(err, errBadSignature), errors.Is(err, errIdentityChange):
				badSignatureMeter.Mark(1)
				srv.avoid.add(p.ID())
				log.Warn("Peer failed signature verification", "peer", p.ID(), "err", err)
			case errors.Is(err, errStaleSeq):
				staleSeqMeter.Mark(1)
				log.Warn("Peer replayed a sequence number", "peer", p.ID(), "err", err)
			}
			return err
		}
		p.touch()
		if err := srv.handleMsg(p, msg); err != nil {
			return err
		}
	}
}

// consensusTask is one verified consensus object awaiting dispatch. The
// payload keeps the wire encoding for the relay after the backend accepts;
// a nil payload (pulled catch-up blocks) is never relayed.
type consensusTask struct {
	code    byte
	from    common.Address
	hash    common.Hash
	payload []byte
	block   *types.Block
	vote    *types.Vote
	commit  *types.BootstrapCommit
}

// txTask is one batch of first-seen gossip transactions awaiting admission.
type txTask struct {
	from common.Address
	txs  types.Transactions
}

// handleMsg dispatches one verified message. A non-nil return closes the
// peer.
func (srv *Server) handleMsg(p *Peer, msg Msg) error {
	switch msg.Code {
	case MsgHandshake:
		return fmt.Errorf("%w: duplicate handshake", errUnexpectedMessage)

	case MsgHeartbeat:
		hb, err := DecodeHeartbeat(msg.Payload)
		if err != nil {
			// Still a valid keep-alive: the arrival already refreshed
			// the read deadline and last-seen time.
			log.Warn("Malformed heartbeat", "peer", p.ID(), "err", err)
			return nil
		}
		p.setTipHeight(hb.TipHeight)
		return nil

	case MsgTxGossip:
		return srv.handleTxGossip(p, msg.Payload)

	case MsgProposal:
		block, err := types.DecodeBlock(msg.Payload)
		if err != nil {
			return err
		}
		return srv.ingestConsensus(p, consensusTask{
			code: MsgProposal, from: p.ID(), hash: block.Hash(), payload: msg.Payload, block: block,
		})

	case MsgVote:
		vote, err := types.DecodeVote(msg.Payload)
		if err != nil {
			return err
		}
		return srv.ingestConsensus(p, consensusTask{
			code: MsgVote, from: p.ID(), hash: vote.Hash(), payload: msg.Payload, vote: vote,
		})

	case MsgCommitted:
		block, err := types.DecodeBlock(msg.Payload)
		if err != nil {
			return err
		}
		p.setTipHeight(block.Height())
		return srv.ingestConsensus(p, consensusTask{
			code: MsgCommitted, from: p.ID(), hash: block.Hash(), payload: msg.Payload, block: block,
		})

	case MsgBootstrapCommit:
		commit, err := types.DecodeBootstrapCommit(msg.Payload)
		if err != nil {
			return err
		}
		return srv.ingestConsensus(p, consensusTask{
			code: MsgBootstrapCommit, from: p.ID(), hash: commit.Hash(), payload: msg.Payload, commit: commit,
		})

	case MsgBlockRequest:
		req, err := DecodeBlockRequest(msg.Payload)
		if err != nil {
			return err
		}
		payload, err := EncodeBlockResponse(&BlockResponse{
			Height: req.Height,
			Block:  srv.backend.BlockByHeight(req.Height),
		})
		if err != nil {
			log.Error("Failed to encode block response", "height", req.Height, "err", err)
			return nil
		}
		p.AsyncSend(MsgBlockResponse, payload)
		return nil

	case MsgBlockResponse:
		resp, err := DecodeBlockResponse(msg.Payload)
		if err != nil {
			return err
		}
		if resp.Block == nil {
			log.Debug("Peer lacks requested block", "peer", p.ID(), "height", resp.Height)
			return nil
		}
		return srv.ingestConsensus(p, consensusTask{
			code: MsgCommitted, from: p.ID(), hash: resp.Block.Hash(), block: resp.Block,
		})

	case MsgPeerExchange:
		exchange, err := DecodePeerExchange(msg.Payload)
		if err != nil {
			return err
		}
		for _, addr := range exchange.Addrs {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				continue
			}
			srv.addCandidate(addr)
		}
		return nil

	default:
		return fmt.Errorf("%w: %#x", errInvalidMsgCode, msg.Code)
	}
}

// handleTxGossip admits a transaction gossip batch: per-peer rate limit,
// content dedup, then the drop-oldest admission queue.
func (srv *Server) handleTxGossip(p *Peer, payload []byte) error {
	if !p.txLimiter.Allow() {
		droppedTxMeter.Mark(1)
		p.bumpReputation(-1)
		return nil
	}
	txs, err := DecodeTransactions(payload)
	if err != nil {
		return err
	}
	fresh := make(types.Transactions, 0, len(txs))
	for _, tx := range txs {
		hash := tx.Hash()
		p.markTransaction(hash)
		if !srv.seen.add(hash) {
			duplicateGossipMeter.Mark(1)
			continue
		}
		fresh = append(fresh, tx)
	}
	if len(fresh) == 0 {
		return nil
	}
	p.bumpReputation(int64(len(fresh)))

	task := txTask{from: p.ID(), txs: fresh}
	select {
	case srv.txCh <- task:
		return nil
	default:
	}
	// Queue full: drop the oldest batch to make room.
	select {
	case old := <-srv.txCh:
		droppedTxMeter.Mark(int64(len(old.txs)))
	default:
	}
	select {
	case srv.txCh <- task:
	default:
		droppedTxMeter.Mark(int64(len(fresh)))
	}
	return nil
}

// ingestConsensus marks the object seen and queues it for dispatch. A full
// queue blocks the reader for the enqueue timeout, then reports backlog and
// the peer is disconnected.
func (srv *Server) ingestConsensus(p *Peer, t consensusTask) error {
	p.markMessage(t.hash)
	if !srv.seen.add(t.hash) {
		duplicateGossipMeter.Mark(1)
		return nil
	}
	p.bumpReputation(1)

	select {
	case srv.conCh <- t:
		return nil
	default:
	}
	timer := time.NewTimer(consensusEnqueueTimeout)
	defer timer.Stop()
	select {
	case srv.conCh <- t:
		return nil
	case <-srv.quit:
		return errServerStopped
	case <-timer.C:
		// Undo the dedup mark so another peer can deliver the object.
		srv.seen.remove(t.hash)
		return errConsensusBacklog
	}
}

// consensusLoop dispatches queued consensus objects into the backend one at
// a time, preserving arrival order, and relays what the backend accepts.
func (srv *Server) consensusLoop() {
	defer srv.wg.Done()
	for {
		select {
		case t := <-srv.conCh:
			srv.deliver(t)
		case <-srv.quit:
			return
		}
	}
}

func (srv *Server) deliver(t consensusTask) {
	var err error
	switch t.code {
	case MsgProposal:
		err = srv.backend.HandleProposal(t.from, t.block)
	case MsgVote:
		err = srv.backend.HandleVote(t.from, t.vote)
	case MsgCommitted:
		err = srv.backend.HandleCommitted(t.from, t.block)
	case MsgBootstrapCommit:
		err = srv.backend.HandleBootstrapCommit(t.from, t.commit)
	}
	if err != nil {
		log.Debug("Consensus message refused", "msg", codeName(t.code), "from", t.from, "err", err)
		if p := srv.peers.peer(t.from); p != nil {
			p.bumpReputation(-1)
		}
		return
	}
	if t.payload != nil {
		srv.fanout(t.code, t.hash, t.payload)
	}
}

// txLoop admits queued gossip transactions and relays the accepted ones.
func (srv *Server) txLoop() {
	defer srv.wg.Done()
	for {
		select {
		case t := <-srv.txCh:
			errs := srv.backend.HandleTransactions(t.from, t.txs)
			accepted := make(types.Transactions, 0, len(t.txs))
			for i, tx := range t.txs {
				if i < len(errs) && errs[i] != nil {
					continue
				}
				accepted = append(accepted, tx)
			}
			if len(accepted) > 0 {
				srv.relayTransactions(accepted)
			}
		case <-srv.quit:
			return
		}
	}
}

// fanout forwards a consensus object to every peer not known to have it.
// Slow peers fall back to a blocking send off this goroutine, so a stalled
// write queue never backs up into the engine.
func (srv *Server) fanout(code byte, hash common.Hash, payload []byte) {
	for _, p := range srv.peers.peersWithoutMessage(hash) {
		p.markMessage(hash)
		if p.AsyncSend(code, payload) {
			continue
		}
		go func(p *Peer) {
			if err := p.Send(code, payload); err != nil {
				log.Debug("Consensus fan-out failed", "peer", p.ID(), "msg", codeName(code), "err", err)
			}
		}(p)
	}
}

// relayTransactions forwards transactions to the peers not known to have
// them, one message per peer.
func (srv *Server) relayTransactions(txs types.Transactions) {
	assign := make(map[*Peer]types.Transactions)
	for _, tx := range txs {
		for _, p := range srv.peers.peersWithoutTransaction(tx.Hash()) {
			assign[p] = append(assign[p], tx)
		}
	}
	for p, list := range assign {
		for len(list) > 0 {
			chunk := list
			if len(chunk) > maxGossipTxs {
				chunk = list[:maxGossipTxs]
			}
			list = list[len(chunk):]
			payload, err := EncodeTransactions(chunk)
			if err != nil {
				log.Error("Failed to encode transaction gossip", "err", err)
				break
			}
			for _, tx := range chunk {
				p.markTransaction(tx.Hash())
			}
			if !p.AsyncSend(MsgTxGossip, payload) {
				droppedTxMeter.Mark(int64(len(chunk)))
			}
		}
	}
}

// BroadcastProposal implements the consensus broadcaster.
func (srv *Server) BroadcastProposal(block *types.Block) {
	payload, err := block.MarshalBinary()
	if err != nil {
		log.Error("Failed to encode proposal", "height", block.Height(), "err", err)
		return
	}
	srv.seen.add(block.Hash())
	srv.fanout(MsgProposal, block.Hash(), payload)
}

// BroadcastVote implements the consensus broadcaster.
func (srv *Server) BroadcastVote(vote *types.Vote) {
	payload, err := vote.MarshalBinary()
	if err != nil {
		log.Error("Failed to encode vote", "height", vote.Height, "err", err)
		return
	}
	srv.seen.add(vote.Hash())
	srv.fanout(MsgVote, vote.Hash(), payload)
}

// BroadcastCommitted implements the consensus broadcaster.
func (srv *Server) BroadcastCommitted(block *types.Block) {
	payload, err := block.MarshalBinary()
	if err != nil {
		log.Error("Failed to encode committed block", "height", block.Height(), "err", err)
		return
	}
	srv.seen.add(block.Hash())
	srv.fanout(MsgCommitted, block.Hash(), payload)
}

// BroadcastBootstrapCommit floods a sealed genesis endorsement to the
// pioneer set.
func (srv *Server) BroadcastBootstrapCommit(commit *types.BootstrapCommit) {
	payload, err := commit.MarshalBinary()
	if err != nil {
		log.Error("Failed to encode bootstrap commit", "pioneer", commit.Pioneer, "err", err)
		return
	}
	srv.seen.add(commit.Hash())
	srv.fanout(MsgBootstrapCommit, commit.Hash(), payload)
}

// BroadcastTransactions gossips locally admitted transactions.
func (srv *Server) BroadcastTransactions(txs types.Transactions) {
	for _, tx := range txs {
		srv.seen.add(tx.Hash())
	}
	srv.relayTransactions(txs)
}

// RequestBlock asks a specific peer for the committed block at a height, the
// catch-up pull path.
func (srv *Server) RequestBlock(id common.Address, height uint64) error {
	p := srv.peers.peer(id)
	if p == nil {
		return errPeerNotRegistered
	}
	return p.Send(MsgBlockRequest, EncodeBlockRequest(&BlockRequest{Height: height}))
}

// exchangeAddrs collects the dialable addresses of the other peers to
// introduce to a fresh one.
func (srv *Server) exchangeAddrs(to *Peer) []string {
	var addrs []string
	for _, p := range srv.peers.allPeers() {
		if p.ID() == to.ID() {
			continue
		}
		if addr := p.ListenAddr(); addr != "" {
			addrs = append(addrs, addr)
		}
		if len(addrs) == maxExchangeAddrs {
			break
		}
	}
	return addrs
}

func (srv *Server) addCandidate(addr string) {
	if addr == "" || len(addr) > maxAddrLen || addr == srv.advertisedAddr() {
		return
	}
	srv.dialMu.Lock()
	defer srv.dialMu.Unlock()
	if _, ok := srv.candidates[addr]; ok {
		return
	}
	if len(srv.candidates) >= maxCandidates {
		return
	}
	srv.candidates[addr] = struct{}{}
}

// dialLoop schedules outbound connection attempts.
func (srv *Server) dialLoop() {
	defer srv.wg.Done()
	ticker := time.NewTicker(dialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			srv.checkDials()
		case <-srv.dialNow:
			srv.checkDials()
		case <-srv.quit:
			return
		}
	}
}

// checkDials launches dials for candidates that are neither connected, in
// flight nor cooling down, bounded by the free peer slots.
func (srv *Server) checkDials() {
	srv.dialMu.Lock()
	defer srv.dialMu.Unlock()

	now := time.Now()
	srv.history.expire(now, nil)

	slots := srv.cfg.MaxPeers - srv.peers.len() - len(srv.dialing)
	if free := maxActiveDials - len(srv.dialing); slots > free {
		slots = free
	}
	for addr := range srv.candidates {
		if slots <= 0 {
			return
		}
		if _, inflight := srv.dialing[addr]; inflight {
			continue
		}
		if srv.history.contains(addr) || srv.connectedTo(addr) {
			continue
		}
		srv.dialing[addr] = struct{}{}
		srv.history.add(addr, now.Add(srv.currentBackoff(addr)))
		slots--
		srv.wg.Add(1)
		go srv.dial(addr)
	}
}

func (srv *Server) currentBackoff(addr string) time.Duration {
	if b := srv.backoff[addr]; b > 0 {
		return b
	}
	return srv.cfg.DialBackoffMin
}

// connectedTo reports whether some peer already covers the address, either
// as the endpoint we dialed or as its advertised one.
func (srv *Server) connectedTo(addr string) bool {
	for _, p := range srv.peers.allPeers() {
		if p.dialAddr == addr || p.ListenAddr() == addr {
			return true
		}
	}
	return false
}

// dial attempts one outbound connection and maintains the exponential
// backoff bookkeeping for the address.
func (srv *Server) dial(addr string) {
	defer srv.wg.Done()
	dialMeter.Mark(1)

	fd, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err == nil {
		err = srv.setupConn(fd, addr)
	}

	srv.dialMu.Lock()
	defer srv.dialMu.Unlock()
	delete(srv.dialing, addr)
	if err != nil {
		next := srv.currentBackoff(addr) * 2
		if next > srv.cfg.DialBackoffMax {
			next = srv.cfg.DialBackoffMax
		}
		srv.backoff[addr] = next
		srv.history.add(addr, time.Now().Add(next))
		log.Debug("Dial failed", "addr", addr, "err", err, "backoff", next)
		return
	}
	delete(srv.backoff, addr)
}

// directoryLoop keeps the node registered with the external directory and
// tops the candidate pool up whenever the peer set runs below the low-water
// mark.
func (srv *Server) directoryLoop() {
	defer srv.wg.Done()
	for {
		srv.refreshDirectory()
		select {
		case <-time.After(directoryRefreshInterval):
		case <-srv.quit:
			return
		}
	}
}

func (srv *Server) lowWater() int {
	if srv.cfg.LowWater > 0 {
		return srv.cfg.LowWater
	}
	low := srv.cfg.MaxPeers / 4
	if low < 1 {
		low = 1
	}
	return low
}

func (srv *Server) refreshDirectory() {
	if addr := srv.advertisedAddr(); addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
		err := srv.cfg.Directory.Register(ctx, NodeRecord{
			ID:        srv.self,
			Pubkey:    common.Bytes2Hex(srv.pub),
			Addr:      addr,
			NetworkID: srv.cfg.NetworkID,
			Role:      srv.cfg.Role.String(),
			Pioneer:   srv.cfg.Pioneer,
			LastSeen:  time.Now().UnixMilli(),
		})
		cancel()
		if err != nil {
			log.Debug("Directory registration failed", "err", err)
		}
	}
	if srv.peers.len() >= srv.lowWater() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	records, err := srv.cfg.Directory.Roster(ctx, srv.cfg.Location)
	if err != nil {
		log.Warn("Peer directory query failed", "err", err)
		return
	}
	for _, rec := range records {
		if rec.ID == srv.self || rec.NetworkID != srv.cfg.NetworkID || rec.Addr == "" {
			continue
		}
		srv.addCandidate(rec.Addr)
	}
}
