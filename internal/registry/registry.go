// Package registry owns the coordinator's per-tab sockets. A tab has at most
// one live connection; connecting again closes the old socket before the new
// one is dialed. The reconnect history kept here is in memory only and is
// lost with the coordinator, along with the sockets it describes.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/pagebridge/internal/events"
	"github.com/dgnsrekt/pagebridge/internal/protocol"
	"github.com/dgnsrekt/pagebridge/internal/socket"
)

// TabConnection is a read-only view of one live connection.
type TabConnection struct {
	TabID       int       `json:"tab_id"`
	Port        int       `json:"port"`
	ConnectedAt time.Time `json:"connected_at"`
}

type liveConn struct {
	TabConnection
	sock socket.Socket
	gen  uint64
}

// EventKind is the type of a lifecycle notification.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Disconnect reasons.
const (
	ReasonClosed   = "closed"
	ReasonReplaced = "replaced"
	ReasonRemote   = "remote"
	ReasonTabGone  = "tab-removed"
	ReasonEvicted  = "evicted"
)

// Event is published for every connect and disconnect.
type Event struct {
	Kind   EventKind `json:"kind"`
	TabID  int       `json:"tab_id"`
	Port   int       `json:"port"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Callbacks deliver socket traffic for the tab's current connection only.
// OnClosed fires when the relay side drops a live connection, never for
// closes initiated through the registry.
type Callbacks struct {
	OnMessage func(tabID int, data []byte)
	OnClosed  func(tabID, port int, err error)
}

// Registry is the single writer for tab connections and history.
type Registry struct {
	dialer socket.Dialer
	cb     Callbacks
	broker *events.Broker[Event]
	now    func() time.Time

	mu      sync.RWMutex
	conns   map[int]*liveConn
	dialing map[int]uint64
	history map[int]int
	gen     atomic.Uint64
	retired bool

	tabLocksMu sync.Mutex
	tabLocks   map[int]*sync.Mutex
}

// New builds an empty registry. Events go to broker, or to a private broker
// when nil.
func New(dialer socket.Dialer, cb Callbacks, broker *events.Broker[Event]) *Registry {
	if broker == nil {
		broker = events.NewBroker[Event]()
	}
	return &Registry{
		dialer:   dialer,
		cb:       cb,
		broker:   broker,
		now:      time.Now,
		conns:    make(map[int]*liveConn),
		dialing:  make(map[int]uint64),
		history:  make(map[int]int),
		tabLocks: make(map[int]*sync.Mutex),
	}
}

// Events exposes lifecycle notifications.
func (r *Registry) Events() *events.Broker[Event] { return r.broker }

func (r *Registry) tabLock(tabID int) *sync.Mutex {
	r.tabLocksMu.Lock()
	defer r.tabLocksMu.Unlock()
	m, ok := r.tabLocks[tabID]
	if !ok {
		m = &sync.Mutex{}
		r.tabLocks[tabID] = m
	}
	return m
}

// Connect replaces any connection for tabID with a new one to port. The old
// socket is closed before dialing. History is written only when the dial
// succeeds.
func (r *Registry) Connect(ctx context.Context, tabID, port int) (TabConnection, error) {
	lock := r.tabLock(tabID)
	lock.Lock()
	defer lock.Unlock()

	if old := r.take(tabID); old != nil {
		slog.Info("registry replacing connection", "tab_id", tabID, "old_port", old.Port, "port", port)
		r.closeConn(old, ReasonReplaced)
	}

	gen := r.gen.Add(1)
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return TabConnection{}, errRetired(port)
	}
	r.dialing[tabID] = gen
	r.mu.Unlock()

	sock, err := r.dialer.Dial(ctx, port, socket.Handlers{
		OnMessage: func(data []byte) { r.onMessage(tabID, gen, data) },
		OnClose:   func(err error) { r.onClose(tabID, gen, err) },
	})

	r.mu.Lock()
	delete(r.dialing, tabID)
	r.mu.Unlock()

	if err != nil {
		slog.Warn("registry connect failed", "tab_id", tabID, "port", port, "error", err)
		return TabConnection{}, err
	}
	select {
	case <-sock.Done():
		return TabConnection{}, protocol.NewError(protocol.CodeTransportClosed,
			fmt.Sprintf("connection to port %d closed during connect", port), nil)
	default:
	}

	lc := &liveConn{
		TabConnection: TabConnection{TabID: tabID, Port: port, ConnectedAt: r.now()},
		sock:          sock,
		gen:           gen,
	}
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		if err := sock.Close(); err != nil {
			slog.Debug("registry socket close", "tab_id", tabID, "error", err)
		}
		slog.Info("registry dropped connection finished after reset", "tab_id", tabID, "port", port)
		return TabConnection{}, errRetired(port)
	}
	r.conns[tabID] = lc
	r.history[tabID] = port
	r.mu.Unlock()

	slog.Info("registry connected", "tab_id", tabID, "port", port)
	r.broker.Publish(Event{Kind: EventConnected, TabID: tabID, Port: port, At: lc.ConnectedAt})
	return lc.TabConnection, nil
}

// Disconnect closes the tab's socket. History is kept so that a later
// navigation can reconnect. It reports whether a connection existed.
func (r *Registry) Disconnect(tabID int) bool {
	return r.disconnect(tabID, ReasonClosed)
}

func (r *Registry) disconnect(tabID int, reason string) bool {
	lock := r.tabLock(tabID)
	lock.Lock()
	defer lock.Unlock()

	old := r.take(tabID)
	if old == nil {
		return false
	}
	r.closeConn(old, reason)
	return true
}

// RemoveTab closes any connection and forgets the tab entirely.
func (r *Registry) RemoveTab(tabID int) {
	r.disconnect(tabID, ReasonTabGone)

	r.mu.Lock()
	delete(r.history, tabID)
	r.mu.Unlock()

	r.tabLocksMu.Lock()
	delete(r.tabLocks, tabID)
	r.tabLocksMu.Unlock()
}

// Reset closes every connection, clears history and retires the registry.
// Connects still dialing when Reset runs close their socket on return, and
// later Connects fail with TransportClosed.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.retired = true
	r.dialing = make(map[int]uint64)
	ids := make([]int, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.disconnect(id, ReasonEvicted)
	}
	r.mu.Lock()
	r.history = make(map[int]int)
	r.mu.Unlock()
}

// Send writes data on the tab's socket. Without a connection the error is
// TransportClosed.
func (r *Registry) Send(ctx context.Context, tabID int, data []byte) error {
	r.mu.RLock()
	lc, ok := r.conns[tabID]
	r.mu.RUnlock()
	if !ok {
		return protocol.NewError(protocol.CodeTransportClosed, fmt.Sprintf("tab %d has no connection", tabID), nil)
	}
	return lc.sock.Send(ctx, data)
}

func (r *Registry) Get(tabID int) (TabConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lc, ok := r.conns[tabID]
	if !ok {
		return TabConnection{}, false
	}
	return lc.TabConnection, true
}

// List returns live connections ordered by tab id.
func (r *Registry) List() []TabConnection {
	r.mu.RLock()
	out := make([]TabConnection, 0, len(r.conns))
	for _, lc := range r.conns {
		out = append(out, lc.TabConnection)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Count is the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// HistoryPort returns the last port the tab connected to.
func (r *Registry) HistoryPort(tabID int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	port, ok := r.history[tabID]
	return port, ok
}

func errRetired(port int) error {
	return protocol.NewError(protocol.CodeTransportClosed,
		fmt.Sprintf("connection to port %d abandoned: registry reset", port), nil)
}

// take removes and returns the tab's connection. Caller holds the tab lock.
func (r *Registry) take(tabID int) *liveConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	lc, ok := r.conns[tabID]
	if !ok {
		return nil
	}
	delete(r.conns, tabID)
	return lc
}

func (r *Registry) closeConn(lc *liveConn, reason string) {
	if err := lc.sock.Close(); err != nil {
		slog.Debug("registry socket close", "tab_id", lc.TabID, "error", err)
	}
	slog.Info("registry disconnected", "tab_id", lc.TabID, "port", lc.Port, "reason", reason)
	r.broker.Publish(Event{Kind: EventDisconnected, TabID: lc.TabID, Port: lc.Port, Reason: reason, At: r.now()})
}

func (r *Registry) current(tabID int, gen uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if lc, ok := r.conns[tabID]; ok && lc.gen == gen {
		return true
	}
	return r.dialing[tabID] == gen
}

func (r *Registry) onMessage(tabID int, gen uint64, data []byte) {
	if !r.current(tabID, gen) {
		return
	}
	if r.cb.OnMessage != nil {
		r.cb.OnMessage(tabID, data)
	}
}

// onClose handles a socket dropped by the remote end.
func (r *Registry) onClose(tabID int, gen uint64, err error) {
	r.mu.Lock()
	lc, ok := r.conns[tabID]
	if !ok || lc.gen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.conns, tabID)
	r.mu.Unlock()

	evt := Event{Kind: EventDisconnected, TabID: tabID, Port: lc.Port, Reason: ReasonRemote, At: r.now()}
	if err != nil {
		evt.Error = err.Error()
	}
	slog.Info("registry connection lost", "tab_id", tabID, "port", lc.Port, "error", err)
	r.broker.Publish(evt)
	if r.cb.OnClosed != nil {
		r.cb.OnClosed(tabID, lc.Port, err)
	}
}
