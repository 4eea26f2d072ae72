package p2p

import (
	"errors"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"golang.org/x/time/rate"

	"github.com/Zollkron/gamerchain-sub000/common"
	"github.com/Zollkron/gamerchain-sub000/crypto"
	"github.com/Zollkron/gamerchain-sub000/log"
)

const (
	// maxKnownTxs is the maximum transaction hashes to keep in the known
	// list per peer before older ones get evicted.
	maxKnownTxs = 32768

	// maxKnownMsgs bounds the per-peer known list of consensus objects:
	// proposals, votes, committed blocks and bootstrap commits.
	maxKnownMsgs = 1024

	// maxQueuedWrites is the write queue depth per peer. Writes beyond it
	// either wait (consensus traffic) or drop (gossip).
	maxQueuedWrites = 256

	sendTimeout  = 10 * time.Second // enqueue patience before a stalled peer is cut loose
	writeTimeout = 20 * time.Second // network deadline per outgoing message
)

var (
	errPeerClosed    = errors.New("p2p: peer closed")
	errSendQueueFull = errors.New("p2p: peer write queue full")
)

// outMsg is one queued write.
type outMsg struct {
	code    byte
	payload []byte
}

// Peer is a connected remote node after a successful handshake. The server
// owns its lifecycle; the peer itself tracks identity, advertised state,
// known-message sets and the outgoing write queue.
type Peer struct {
	id       common.Address
	pub      crypto.PublicKey
	conn     *Conn
	inbound  bool
	dialAddr string // address the server dialed, empty for inbound peers

	role       Role
	pioneer    bool
	listenAddr string

	knownTxs  mapset.Set
	knownMsgs mapset.Set

	txLimiter *rate.Limiter

	queue     chan outMsg
	term      chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	tipHeight  uint64
	lastSeen   time.Time
	reputation int64

	log log.Logger
}

func newPeer(conn *Conn, pub crypto.PublicKey, hs *Handshake, inbound bool, dialAddr string) *Peer {
	id := crypto.PubkeyToAddress(pub)
	return &Peer{
		id:         id,
		pub:        pub,
		conn:       conn,
		inbound:    inbound,
		dialAddr:   dialAddr,
		role:       hs.Role,
		pioneer:    hs.Pioneer,
		listenAddr: hs.ListenAddr,
		knownTxs:   mapset.NewSet(),
		knownMsgs:  mapset.NewSet(),
		txLimiter:  rate.NewLimiter(txRateLimit, txRateBurst),
		queue:      make(chan outMsg, maxQueuedWrites),
		term:       make(chan struct{}),
		tipHeight:  hs.TipHeight,
		lastSeen:   time.Now(),
		log:        log.New("peer", id),
	}
}

// ID returns the peer's node address, derived from its envelope key.
func (p *Peer) ID() common.Address { return p.id }

// Role returns the function the peer advertised in its handshake.
func (p *Peer) Role() Role { return p.role }

// Pioneer reports whether the peer advertised itself as a genesis pioneer.
func (p *Peer) Pioneer() bool { return p.pioneer }

// Inbound reports whether the peer connected to us.
func (p *Peer) Inbound() bool { return p.inbound }

// ListenAddr returns the dialable address the peer advertised, if any.
func (p *Peer) ListenAddr() string { return p.listenAddr }

// RemoteAddr returns the remote end of the connection.
func (p *Peer) RemoteAddr() string { return p.conn.RemoteAddr().String() }

// TipHeight returns the last tip height the peer advertised.
func (p *Peer) TipHeight() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tipHeight
}

func (p *Peer) setTipHeight(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if height > p.tipHeight {
		p.tipHeight = height
	}
}

// LastSeen returns the arrival time of the peer's last message.
func (p *Peer) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

/// Reputation returns the running usefulness counter: incremented for fresh
// messages the node could use, decremented for duplicates and junk.
func (p *Peer) Reputation() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reputation
}

func (p *Peer) bumpReputation(delta int64) {
	p.mu.Lock()
	p.reputation += delta
	p.mu.Unlock()
}

// KnownTransaction reports whether the peer is known to have the transaction.
func (p *Peer) KnownTransaction(hash common.Hash) bool {
	return p.knownTxs.Contains(hash)
}

// markTransaction marks a transaction as known for the peer, ensuring it is
// never gossiped back to this particular peer.
func (p *Peer) markTransaction(hash common.Hash) {
	// If we reached the memory allowance, drop a previously known hash.
	for p.knownTxs.Cardinality() >= maxKnownTxs {
		p.knownTxs.Pop()
	}
	p.knownTxs.Add(hash)
}

// KnownMessage reports whether the peer is known to have the consensus
// object with the given id.
func (p *Peer) KnownMessage(hash common.Hash) bool {
	return p.knownMsgs.Contains(hash)
}

// markMessage marks a consensus object as known for the peer.
func (p *Peer) markMessage(hash common.Hash) {
	for p.knownMsgs.Cardinality() >= maxKnownMsgs {
		p.knownMsgs.Pop()
	}
	p.knownMsgs.Add(hash)
}

// Send queues a message for delivery, preserving per-peer FIFO order. When
// the queue stays full past sendTimeout the peer is closed: a receiver that
// cannot drain consensus traffic in that window would otherwise stall the
// broadcaster.
func (p *Peer) Send(code byte, payload []byte) error {
	select {
	case p.queue <- outMsg{code, payload}:
		return nil
	case <-p.term:
		return errPeerClosed
	default:
	}
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case p.queue <- outMsg{code, payload}:
		return nil
	case <-p.term:
		return errPeerClosed
	case <-timer.C:
		p.Disconnect(errSendQueueFull)
		return errSendQueueFull
	}
}

// AsyncSend queues a message when there is room and reports whether it was
// accepted. Gossip uses it so one slow peer never backs up the fan-out.
func (p *Peer) AsyncSend(code byte, payload []byte) bool {
	select {
	case p.queue <- outMsg{code, payload}:
		return true
	case <-p.term:
		return false
	default:
		return false
	}
}

// sendLoop writes queued messages in FIFO order. It exits when the peer
// terminates or a write fails.
func (p *Peer) sendLoop() {
	for {
		select {
		case msg := <-p.queue:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMsg(msg.code, msg.payload); err != nil {
				p.log.Debug("Peer write failed", "msg", codeName(msg.code), "err", err)
				p.close()
				return
			}
		case <-p.term:
			return
		}
	}
}

// Disconnect closes the peer, logging the reason.
func (p *Peer) Disconnect(reason error) {
	p.log.Debug("Disconnecting peer", "reason", reason)
	p.close()
}

// close terminates the connection and releases the loops. Safe to call more
// than once.
func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.term)
		p.conn.Close()
	})
}

// closed reports whether the peer has been terminated.
func (p *Peer) closed() bool {
	select {
	case <-p.term:
		return true
	default:
		return false
	}
}

// PeerInfo is a point-in-time summary of one connected peer.
type PeerInfo struct {
	ID         common.Address `json:"id"`
	Address    string         `json:"address"`
	ListenAddr string         `json:"listenAddr,omitempty"`
	Role       string         `json:"role"`
	Pioneer    bool           `json:"pioneer"`
	Inbound    bool           `json:"inbound"`
	TipHeight  uint64         `json:"tipHeight"`
	LastSeen   time.Time      `json:"lastSeen"`
	Reputation int64          `json:"reputation"`
}

// Info gathers the peer summary.
func (p *Peer) Info() PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PeerInfo{
		ID:         p.id,
		Address:    p.conn.RemoteAddr().String(),
		ListenAddr: p.listenAddr,
		Role:       p.role.String(),
		Pioneer:    p.pioneer,
		Inbound:    p.inbound,
		TipHeight:  p.tipHeight,
		LastSeen:   p.lastSeen,
		Reputation: p.reputation,
	}
}
