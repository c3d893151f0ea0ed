// Package injection bootstraps a page's evaluation runtime, its libraries and
// a user script in a fixed order, probing before every step so that re-runs
// only do what is still missing.
package injection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Stage is one point in the ordered bootstrap.
type Stage int

const (
	StageUninitialized Stage = iota
	StageBridgePresent
	StageBridgeReady
	StageRuntimeLoaded
	StageEvaluationChannelLoaded
	StageLibrariesLoaded
	StageUserCodePresent
	StageEvaluated
)

var stageNames = [...]string{
	"uninitialized",
	"bridge-present",
	"bridge-ready",
	"runtime-loaded",
	"evaluation-channel-loaded",
	"libraries-loaded",
	"user-code-present",
	"evaluated",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrSuperseded is the cause attached when an attempt is cancelled by a newer
// one, a navigation or tab removal.
var ErrSuperseded = errors.New("injection superseded")

// State is the progress of one attempt on one tab. Flags are implied by
// Reached: every stage up to and including it holds.
type State struct {
	TabID     int       `json:"tab_id"`
	Attempt   uint64    `json:"attempt"`
	ScriptID  string    `json:"script_id,omitempty"`
	Reached   Stage     `json:"reached"`
	Done      bool      `json:"done"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Has reports whether stage has been reached.
func (s State) Has(stage Stage) bool { return s.Reached >= stage }

type entry struct {
	state  State
	cancel context.CancelCauseFunc
}

// Store holds per-tab injection state. Writes go through Attempt only; every
// other caller uses Snapshot or All.
type Store struct {
	mu     sync.Mutex
	states map[int]*entry
	seq    uint64
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{states: make(map[int]*entry), now: time.Now}
}

// Attempt is the write handle for one injection attempt. Once superseded,
// every write through it is a no-op.
type Attempt struct {
	store *Store
	tabID int
	id    uint64
}

// Begin starts a fresh attempt for tabID, cancelling any attempt still in
// flight for that tab. The returned context is cancelled with ErrSuperseded
// when a later Begin, Cancel or Reset replaces it.
func (s *Store) Begin(ctx context.Context, tabID int, scriptID string) (context.Context, *Attempt) {
	attemptCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.states[tabID]; ok {
		prev.cancel(ErrSuperseded)
	}
	s.seq++
	now := s.now()
	s.states[tabID] = &entry{
		state: State{
			TabID:     tabID,
			Attempt:   s.seq,
			ScriptID:  scriptID,
			Reached:   StageUninitialized,
			StartedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
	}
	return attemptCtx, &Attempt{store: s, tabID: tabID, id: s.seq}
}

// current returns the entry if a is still the live attempt. Caller holds mu.
func (a *Attempt) current() (*entry, bool) {
	e, ok := a.store.states[a.tabID]
	if !ok || e.state.Attempt != a.id {
		return nil, false
	}
	return e, true
}

// advance moves the watermark to stage. Stages can only be reached in order;
// reaching an earlier stage again is a no-op.
func (a *Attempt) advance(stage Stage) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	e, ok := a.current()
	if !ok {
		return ErrSuperseded
	}
	if stage <= e.state.Reached {
		return nil
	}
	if stage != e.state.Reached+1 {
		return fmt.Errorf("injection: cannot reach %s from %s", stage, e.state.Reached)
	}
	e.state.Reached = stage
	e.state.UpdatedAt = a.store.now()
	return nil
}

// finish marks a successful attempt done and releases its context.
func (a *Attempt) finish() State {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	e, ok := a.current()
	if !ok {
		return State{}
	}
	e.state.Done = true
	e.state.UpdatedAt = a.store.now()
	e.cancel(nil)
	return e.state
}

// discard drops a failed attempt. Nothing is rolled back in the page.
func (a *Attempt) discard(cause error) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	e, ok := a.current()
	if !ok {
		return
	}
	e.cancel(cause)
	delete(a.store.states, a.tabID)
}

// State returns the attempt's current snapshot.
func (a *Attempt) State() (State, bool) {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	e, ok := a.current()
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// Cancel aborts any attempt for tabID and forgets its state.
func (s *Store) Cancel(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.states[tabID]; ok {
		e.cancel(ErrSuperseded)
		delete(s.states, tabID)
	}
}

// Reset cancels everything.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.states {
		e.cancel(ErrSuperseded)
		delete(s.states, id)
	}
}

func (s *Store) Snapshot(tabID int) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.states[tabID]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// All returns a copy of every tracked state.
func (s *Store) All() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.states))
	for _, e := range s.states {
		out = append(out, e.state)
	}
	return out
}
