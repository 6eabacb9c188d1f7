package security

import (
	"sort"
	"sync"
	"time"
)

// Bond is a stored link key for a peer
type Bond struct {
	Peer      string
	Key       []byte
	CreatedAt time.Time
}

// BondStore keeps bonds in memory; snapshots persist them
type BondStore struct {
	mu    sync.RWMutex
	bonds map[string]Bond
}

// NewBondStore returns an empty store
func NewBondStore() *BondStore {
	return &BondStore{bonds: make(map[string]Bond)}
}

func (s *BondStore) Put(b Bond) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := make([]byte, len(b.Key))
	copy(key, b.Key)
	b.Key = key
	s.bonds[b.Peer] = b
}

func (s *BondStore) Get(peer string) (Bond, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bonds[peer]
	return b, ok
}

func (s *BondStore) Delete(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bonds[peer]
	delete(s.bonds, peer)
	return ok
}

// All returns bonds sorted by peer
func (s *BondStore) All() []Bond {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Bond, 0, len(s.bonds))
	for _, b := range s.bonds {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}
