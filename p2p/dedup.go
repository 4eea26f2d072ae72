package p2p

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// ttlSet is a bounded set whose entries expire after a fixed duration. The
// gossip layer keys it by content hash to forward each message at most once,
// and the server keys a second instance by node id as the avoid-list.
type ttlSet struct {
	ttl time.Duration

	mu      sync.Mutex
	entries *lru.Cache // key -> expiry time.Time
}

func newTTLSet(size int, ttl time.Duration) *ttlSet {
	// lru.New only fails for a non-positive size.
	entries, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &ttlSet{ttl: ttl, entries: entries}
}

// add inserts key, reporting whether it was absent or expired before. A false
// return means the key was already live: the caller saw a duplicate.
func (s *ttlSet) add(key interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if exp, ok := s.entries.Get(key); ok && now.Before(exp.(time.Time)) {
		return false
	}
	s.entries.Add(key, now.Add(s.ttl))
	return true
}

// contains reports whether key is present and unexpired.
func (s *ttlSet) contains(key interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.entries.Get(key)
	if !ok {
		return false
	}
	if !time.Now().Before(exp.(time.Time)) {
		s.entries.Remove(key)
		return false
	}
	return true
}

// remove drops key from the set.
func (s *ttlSet) remove(key interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Remove(key)
}

// len returns the number of tracked entries, expired ones included until
// they are touched.
func (s *ttlSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}
