package cdphost

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

// TabRegistry assigns stable integer tab ids to CDP targets.
type TabRegistry struct {
	mu     sync.RWMutex
	byID   map[int]target.ID
	byTgt  map[target.ID]int
	nextID int
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{
		byID:  make(map[int]target.ID),
		byTgt: make(map[target.ID]int),
	}
}

// Register returns the target's tab id, allocating one on first sight. The
// second result is false when the target was already known.
func (r *TabRegistry) Register(targetID target.ID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byTgt[targetID]; ok {
		return id, false
	}
	r.nextID++
	r.byTgt[targetID] = r.nextID
	r.byID[r.nextID] = targetID
	return r.nextID, true
}

func (r *TabRegistry) Target(tabID int) (target.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[tabID]
	return t, ok
}

func (r *TabRegistry) TabID(targetID target.ID) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTgt[targetID]
	return id, ok
}

// Remove forgets the target and returns the tab id it had.
func (r *TabRegistry) Remove(targetID target.ID) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byTgt[targetID]
	if ok {
		delete(r.byTgt, targetID)
		delete(r.byID, id)
	}
	return id, ok
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
