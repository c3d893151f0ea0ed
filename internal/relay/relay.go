// Package relay is the standalone process between an evaluation client and
// the coordinator. The client speaks plain TCP; the coordinator dials a
// WebSocket. Bytes are copied both ways without interpretation. Each side
// has at most one active peer and a newer peer replaces the older one.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/pagebridge/internal/events"
)

const readBufSize = 32 * 1024

// Side names which end of the relay an event concerns.
type Side string

const (
	SideClient Side = "client"
	SidePeer   Side = "peer"
)

// Event kinds.
const (
	EventAttached = "attached"
	EventDetached = "detached"
	EventReplaced = "replaced"
	EventDropped  = "dropped"
)

// Event is a relay lifecycle notification.
type Event struct {
	Kind   string    `json:"kind"`
	Side   Side      `json:"side"`
	Remote string    `json:"remote,omitempty"`
	Bytes  int       `json:"bytes,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Stats counts bytes copied in each direction.
type Stats struct {
	ClientAttached bool  `json:"client_attached"`
	PeerAttached   bool  `json:"peer_attached"`
	ToPeer         int64 `json:"bytes_to_peer"`
	ToClient       int64 `json:"bytes_to_client"`
	Dropped        int64 `json:"bytes_dropped"`
}

type endpoint struct {
	conn net.Conn
	wmu  sync.Mutex
	once sync.Once
}

func (e *endpoint) close() {
	e.once.Do(func() {
		if err := e.conn.Close(); err != nil {
			slog.Debug("relay close", "remote", e.conn.RemoteAddr().String(), "error", err)
		}
	})
}

// Relay pairs one evaluation client with one coordinator socket.
type Relay struct {
	broker *events.Broker[Event]
	now    func() time.Time

	mu     sync.Mutex
	client *endpoint
	peer   *endpoint

	toPeer   atomic.Int64
	toClient atomic.Int64
	dropped  atomic.Int64
}

// New builds a relay publishing to broker, or to a private broker when nil.
func New(broker *events.Broker[Event]) *Relay {
	if broker == nil {
		broker = events.NewBroker[Event]()
	}
	return &Relay{broker: broker, now: time.Now}
}

func (r *Relay) Events() *events.Broker[Event] { return r.broker }

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	s := Stats{ClientAttached: r.client != nil, PeerAttached: r.peer != nil}
	r.mu.Unlock()
	s.ToPeer = r.toPeer.Load()
	s.ToClient = r.toClient.Load()
	s.Dropped = r.dropped.Load()
	return s
}

func (r *Relay) publish(kind string, side Side, remote string, n int, err error) {
	evt := Event{Kind: kind, Side: side, Remote: remote, Bytes: n, At: r.now()}
	if err != nil {
		evt.Error = err.Error()
	}
	r.broker.Publish(evt)
}

// ServeClients accepts evaluation clients on ln until ctx ends or ln is
// closed.
func (r *Relay) ServeClients(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go r.serveClient(conn)
	}
}

func (r *Relay) serveClient(conn net.Conn) {
	ep := &endpoint{conn: conn}
	remote := conn.RemoteAddr().String()
	r.attach(SideClient, ep, remote)
	defer r.detach(SideClient, ep, remote)

	// A read may end inside a multi-byte character. The unfinished tail is
	// held back and sent with the next read so every frame carries whole
	// characters.
	buf := make([]byte, readBufSize+utf8.UTFMax)
	held := 0
	for {
		n, err := conn.Read(buf[held:])
		if n > 0 {
			data := buf[:held+n]
			tail := incompleteTail(data)
			if len(data) > tail {
				r.forwardToPeer(data[:len(data)-tail])
			}
			held = copy(buf, data[len(data)-tail:])
		}
		if err != nil {
			if held > 0 {
				r.forwardToPeer(buf[:held])
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("relay client read", "remote", remote, "error", err)
			}
			return
		}
	}
}

// incompleteTail reports how many trailing bytes of b start a UTF-8 sequence
// that b does not finish.
func incompleteTail(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

// PeerHandler upgrades the coordinator's WebSocket.
func (r *Relay) PeerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(req, w)
		if err != nil {
			slog.Warn("relay peer upgrade failed", "remote", req.RemoteAddr, "error", err)
			return
		}
		go r.servePeer(conn)
	}
}

func (r *Relay) servePeer(conn net.Conn) {
	ep := &endpoint{conn: conn}
	remote := conn.RemoteAddr().String()
	r.attach(SidePeer, ep, remote)
	defer r.detach(SidePeer, ep, remote)

	for {
		data, _, err := wsutil.ReadClientData(lockedRW{ep})
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("relay peer read", "remote", remote, "error", err)
			}
			return
		}
		r.forwardToClient(data)
	}
}

// lockedRW serialises control-frame replies written during reads with
// forwarded writes.
type lockedRW struct{ ep *endpoint }

func (l lockedRW) Read(p []byte) (int, error) { return l.ep.conn.Read(p) }

func (l lockedRW) Write(p []byte) (int, error) {
	l.ep.wmu.Lock()
	defer l.ep.wmu.Unlock()
	return l.ep.conn.Write(p)
}

func (r *Relay) attach(side Side, ep *endpoint, remote string) {
	r.mu.Lock()
	var old *endpoint
	if side == SideClient {
		old, r.client = r.client, ep
	} else {
		old, r.peer = r.peer, ep
	}
	r.mu.Unlock()

	if old != nil {
		old.close()
		slog.Info("relay replaced connection", "side", string(side), "old", old.conn.RemoteAddr().String(), "new", remote)
		r.publish(EventReplaced, side, old.conn.RemoteAddr().String(), 0, nil)
	}
	slog.Info("relay attached", "side", string(side), "remote", remote)
	r.publish(EventAttached, side, remote, 0, nil)
}

func (r *Relay) detach(side Side, ep *endpoint, remote string) {
	ep.close()
	r.mu.Lock()
	current := false
	if side == SideClient && r.client == ep {
		r.client = nil
		current = true
	}
	if side == SidePeer && r.peer == ep {
		r.peer = nil
		current = true
	}
	r.mu.Unlock()
	if current {
		slog.Info("relay detached", "side", string(side), "remote", remote)
		r.publish(EventDetached, side, remote, 0, nil)
	}
}

func (r *Relay) forwardToPeer(data []byte) {
	r.mu.Lock()
	peer := r.peer
	r.mu.Unlock()
	if peer == nil {
		r.drop(SidePeer, len(data))
		return
	}
	op := ws.OpText
	if !utf8.Valid(data) {
		op = ws.OpBinary
	}
	peer.wmu.Lock()
	err := wsutil.WriteServerMessage(peer.conn, op, data)
	peer.wmu.Unlock()
	if err != nil {
		slog.Warn("relay write to peer failed", "error", err)
		peer.close()
		return
	}
	r.toPeer.Add(int64(len(data)))
}

func (r *Relay) forwardToClient(data []byte) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		r.drop(SideClient, len(data))
		return
	}
	client.wmu.Lock()
	_, err := client.conn.Write(data)
	client.wmu.Unlock()
	if err != nil {
		slog.Warn("relay write to client failed", "error", err)
		client.close()
		return
	}
	r.toClient.Add(int64(len(data)))
}

// drop discards data that arrived while the other side was absent.
func (r *Relay) drop(missing Side, n int) {
	r.dropped.Add(int64(n))
	slog.Debug("relay dropped data", "missing", string(missing), "bytes", n)
	r.publish(EventDropped, missing, "", n, nil)
}

// Close disconnects both sides.
func (r *Relay) Close() {
	r.mu.Lock()
	client, peer := r.client, r.peer
	r.mu.Unlock()
	if client != nil {
		client.close()
	}
	if peer != nil {
		peer.close()
	}
}
