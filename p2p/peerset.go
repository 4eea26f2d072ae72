package p2p

import (
	"errors"
	"sync"

	"github.com/Zollkron/gamerchain-sub000/common"
)

var (
	// errPeerSetClosed is returned if a peer is attempted to be added or
	// removed from the peer set after it has been terminated.
	errPeerSetClosed = errors.New("p2p: peerset closed")

	// errPeerAlreadyRegistered is returned if a peer is attempted to be
	// added to the peer set, but one with the same id already exists.
	errPeerAlreadyRegistered = errors.New("p2p: peer already registered")

	// errPeerNotRegistered is returned if a peer is attempted to be removed
	// from a peer set, but no peer with the given id exists.
	errPeerNotRegistered = errors.New("p2p: peer not registered")
)

// peerSet represents the collection of active peers currently on the
// gamerchain protocol.
type peerSet struct {
	peers map[common.Address]*Peer

	lock   sync.RWMutex
	closed bool
}

// newPeerSet creates a new peer set to track the active participants.
func newPeerSet() *peerSet {
	return &peerSet{
		peers: make(map[common.Address]*Peer),
	}
}

// registerPeer injects a new peer into the working set, or returns an error
// if the peer is already known.
func (ps *peerSet) registerPeer(peer *Peer) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if ps.closed {
		return errPeerSetClosed
	}
	if _, ok := ps.peers[peer.ID()]; ok {
		return errPeerAlreadyRegistered
	}
	ps.peers[peer.ID()] = peer
	return nil
}

// unregisterPeer removes a remote peer from the active set, disabling any
// further actions to/from that particular entity.
func (ps *peerSet) unregisterPeer(id common.Address) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if _, ok := ps.peers[id]; !ok {
		return errPeerNotRegistered
	}
	delete(ps.peers, id)
	return nil
}

// peer retrieves the registered peer with the given id.
func (ps *peerSet) peer(id common.Address) *Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	return ps.peers[id]
}

// peersWithoutTransaction retrieves a list of peers that do not have a given
// transaction in their set of known hashes.
func (ps *peerSet) peersWithoutTransaction(hash common.Hash) []*Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	list := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		if !p.KnownTransaction(hash) {
			list = append(list, p)
		}
	}
	return list
}

// peersWithoutMessage retrieves a list of peers that do not have a given
// consensus object in their set of known hashes.
func (ps *peerSet) peersWithoutMessage(hash common.Hash) []*Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	list := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		if !p.KnownMessage(hash) {
			list = append(list, p)
		}
	}
	return list
}

// allPeers retrieves all currently tracked peers.
func (ps *peerSet) allPeers() []*Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	list := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		list = append(list, p)
	}
	return list
}

// aiNodes retrieves the addresses of the connected peers advertising the
// validator role.
func (ps *peerSet) aiNodes() []common.Address {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	list := make([]common.Address, 0, len(ps.peers))
	for _, p := range ps.peers {
		if p.Role() == RoleAINode {
			list = append(list, p.ID())
		}
	}
	return list
}

// pioneers retrieves the connected peers advertising the pioneer flag.
func (ps *peerSet) pioneers() []*Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	list := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		if p.Pioneer() {
			list = append(list, p)
		}
	}
	return list
}

// leastRecentlySeen retrieves the peer whose last message is oldest, the
// eviction candidate when the set is full.
func (ps *peerSet) leastRecentlySeen() *Peer {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	var victim *Peer
	for _, p := range ps.peers {
		if victim == nil || p.LastSeen().Before(victim.LastSeen()) {
			victim = p
		}
	}
	return victim
}

// len returns the current number of tracked peers.
func (ps *peerSet) len() int {
	ps.lock.RLock()
	defer ps.lock.RUnlock()

	return len(ps.peers)
}

// close disconnects all peers.
func (ps *peerSet) close() {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	for _, p := range ps.peers {
		p.Disconnect(errPeerSetClosed)
	}
	ps.closed = true
}
