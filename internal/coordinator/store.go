package coordinator

import (
	"sync"
	"time"

	"github.com/dgnsrekt/pagebridge/internal/injection"
	"github.com/dgnsrekt/pagebridge/internal/registry"
)

// Store is all of the coordinator's in-memory state. It is a cache valid for
// one coordinator lifetime: Evict throws the whole thing away.
type Store struct {
	Registry   *registry.Registry
	Injections *injection.Store

	mu sync.Mutex
	// auth maps a tab to the one port its page may ask to connect to.
	auth  map[int]int
	beats map[int]time.Time
}

func newStore(reg *registry.Registry) *Store {
	return &Store{
		Registry:   reg,
		Injections: injection.NewStore(),
		auth:       make(map[int]int),
		beats:      make(map[int]time.Time),
	}
}

func (s *Store) grant(tabID, port int) {
	s.mu.Lock()
	s.auth[tabID] = port
	s.mu.Unlock()
}

func (s *Store) revoke(tabID int) {
	s.mu.Lock()
	delete(s.auth, tabID)
	s.mu.Unlock()
}

// authorized reports whether the tab was granted exactly this port.
func (s *Store) authorized(tabID, port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	granted, ok := s.auth[tabID]
	return ok && granted == port
}

func (s *Store) grantedPort(tabID int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	port, ok := s.auth[tabID]
	return port, ok
}

func (s *Store) beat(tabID int, at time.Time) {
	s.mu.Lock()
	s.beats[tabID] = at
	s.mu.Unlock()
}

// expired removes and returns tabs whose last heartbeat is older than cutoff.
func (s *Store) expired(cutoff time.Time) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for id, at := range s.beats {
		if at.Before(cutoff) {
			out = append(out, id)
			delete(s.beats, id)
		}
	}
	return out
}

func (s *Store) forgetTab(tabID int) {
	s.mu.Lock()
	delete(s.auth, tabID)
	delete(s.beats, tabID)
	s.mu.Unlock()
}

// reset closes every socket and clears every map.
func (s *Store) reset() {
	s.Registry.Reset()
	s.Injections.Reset()
	s.mu.Lock()
	s.auth = make(map[int]int)
	s.beats = make(map[int]time.Time)
	s.mu.Unlock()
}
