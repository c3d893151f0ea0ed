// Package socket is the coordinator's WebSocket client to the relay. Each
// Conn carries the traffic of exactly one tab; writes are serialised so the
// relay sees messages in the order Send was called.
package socket

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/pagebridge/internal/protocol"
)

const (
	defaultDialTimeout = 5 * time.Second
	closeWriteTimeout  = time.Second
)

// Handlers receive socket traffic. Both run on the connection's read
// goroutine. OnClose runs once, after the last OnMessage.
type Handlers struct {
	OnMessage func(data []byte)
	OnClose   func(err error)
}

// Socket is the registry's handle to a live connection.
type Socket interface {
	Send(ctx context.Context, data []byte) error
	Close() error
	Done() <-chan struct{}
}

// Dialer opens sockets to local relay ports.
type Dialer interface {
	Dial(ctx context.Context, port int, h Handlers) (Socket, error)
}

// WSDialer dials ws://Host:port/Path.
type WSDialer struct {
	Host    string
	Path    string
	Timeout time.Duration
}

func (d WSDialer) url(port int) string {
	host := d.Host
	if host == "" {
		host = "127.0.0.1"
	}
	path := d.Path
	if path == "" {
		path = "/"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}

// Dial connects and starts the read loop. Dial failures are TransportClosed,
// or Timeout when ctx expired.
func (d WSDialer) Dial(ctx context.Context, port int, h Handlers) (Socket, error) {
	if port < 1 || port > 65535 {
		return nil, protocol.NewError(protocol.CodeInvalid, fmt.Sprintf("port %d out of range", port), nil)
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	url := d.url(port)
	slog.Debug("socket dialing", "url", url)

	dialer := ws.Dialer{Timeout: timeout}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, protocol.NewError(protocol.CodeTimeout, "dial "+url, ctx.Err())
		}
		return nil, protocol.NewError(protocol.CodeTransportClosed, "dial "+url, err)
	}
	return newConn(conn, br, h), nil
}

// Conn is one client WebSocket connection.
type Conn struct {
	conn net.Conn
	rd   io.Reader
	h    Handlers

	writeMu sync.Mutex

	closeOnce sync.Once
	closeMu   sync.Mutex
	closed    bool
	done      chan struct{}
}

func newConn(conn net.Conn, br *bufio.Reader, h Handlers) *Conn {
	var rd io.Reader = conn
	if br != nil {
		// Frames sent right after the handshake may already be buffered.
		rd = io.MultiReader(br, conn)
	}
	c := &Conn{conn: conn, rd: rd, h: h, done: make(chan struct{})}
	go c.readLoop()
	return c
}

// lockedWriter lets control-frame replies from the reader share the write
// lock with Send.
type lockedWriter struct{ c *Conn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

func (c *Conn) readLoop() {
	defer close(c.done)
	rw := struct {
		io.Reader
		io.Writer
	}{c.rd, lockedWriter{c}}

	var exitErr error
	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			exitErr = err
			break
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		if c.h.OnMessage != nil {
			c.h.OnMessage(data)
		}
	}

	c.closeMu.Lock()
	local := c.closed
	c.closed = true
	c.closeMu.Unlock()
	_ = c.conn.Close()

	if local {
		exitErr = nil
	} else if closedErr, ok := exitErr.(wsutil.ClosedError); ok && closedErr.Code == ws.StatusNormalClosure {
		exitErr = nil
	}
	slog.Debug("socket read loop exit", "error", exitErr)
	if c.h.OnClose != nil {
		c.h.OnClose(exitErr)
	}
}

// Send writes one text message.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return protocol.NewError(protocol.CodeTransportClosed, "socket closed", nil)
	}
	if err := ctx.Err(); err != nil {
		return protocol.NewError(protocol.CodeTimeout, "send", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return protocol.NewError(protocol.CodeTransportClosed, "send", err)
	}
	return nil
}

// Close sends a normal close frame when possible and closes the connection.
// It returns once the underlying connection is closed; the read loop exits on
// its own.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		already := c.closed
		c.closed = true
		c.closeMu.Unlock()
		if already {
			return
		}

		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the read loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}
