package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/pagebridge/internal/socket"
)

type harness struct {
	relay  *Relay
	http   *httptest.Server
	wsPort int
	tcp    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r := New(nil)
	srv := httptest.NewServer(NewRouter(r))
	t.Cleanup(srv.Close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ServeClients(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		r.Close()
	})

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &harness{relay: r, http: srv, wsPort: port, tcp: ln.Addr().String()}
}

func (h *harness) dialPeer(t *testing.T, received chan<- string) socket.Socket {
	t.Helper()
	sock, err := socket.WSDialer{}.Dial(context.Background(), h.wsPort, socket.Handlers{
		OnMessage: func(data []byte) { received <- string(data) },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })
	require.Eventually(t, func() bool { return h.relay.Stats().PeerAttached }, 2*time.Second, 5*time.Millisecond)
	return sock
}

func (h *harness) dialClient(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.tcp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return h.relay.Stats().ClientAttached }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func TestBytesCopiedBothWays(t *testing.T) {
	h := newHarness(t)
	received := make(chan string, 8)
	sock := h.dialPeer(t, received)
	client := h.dialClient(t)

	_, err := client.Write([]byte("d2:op4:evale"))
	require.NoError(t, err)
	select {
	case got := <-received:
		require.Equal(t, "d2:op4:evale", got)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received client bytes")
	}

	require.NoError(t, sock.Send(context.Background(), []byte(`{"value":"3"}`)))
	buf := make([]byte, 64)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, `{"value":"3"}`, string(buf[:n]))

	stats := h.relay.Stats()
	require.Equal(t, int64(len("d2:op4:evale")), stats.ToPeer)
	require.Equal(t, int64(len(`{"value":"3"}`)), stats.ToClient)
}

func TestSplitCharacterArrivesWhole(t *testing.T) {
	h := newHarness(t)
	received := make(chan string, 8)
	h.dialPeer(t, received)
	client := h.dialClient(t)

	_, err := client.Write([]byte{'a', 0xC3})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = client.Write([]byte{0xA9, 'b'})
	require.NoError(t, err)

	var got string
	timeout := time.After(2 * time.Second)
	for got != "aéb" {
		select {
		case frame := <-received:
			require.True(t, utf8.ValidString(frame), "frame %q splits a character", frame)
			got += frame
		case <-timeout:
			t.Fatalf("peer received %q; want %q", got, "aéb")
		}
	}
	require.Equal(t, int64(len("aéb")), h.relay.Stats().ToPeer)
}

func TestIncompleteTail(t *testing.T) {
	tests := []struct {
		in   []byte
		want int
	}{
		{in: nil, want: 0},
		{in: []byte("abc"), want: 0},
		{in: []byte("aé"), want: 0},
		{in: []byte{'a', 0xC3}, want: 1},
		{in: []byte{'a', 0xE2, 0x82}, want: 2},
		{in: []byte{0xF0, 0x9F, 0x98}, want: 3},
		{in: []byte{0xF0, 0x9F, 0x98, 0x80}, want: 0},
		{in: []byte{'a', 0xFF}, want: 0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, incompleteTail(tt.in), "incompleteTail(% x)", tt.in)
	}
}

func TestNewerPeerReplacesOlder(t *testing.T) {
	h := newHarness(t)
	_, events := h.relay.Events().Subscribe()

	first := h.dialPeer(t, make(chan string, 1))
	second := make(chan string, 1)
	h.dialPeer(t, second)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("older peer was not closed")
	}

	client := h.dialClient(t)
	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)
	select {
	case got := <-second:
		require.Equal(t, "ping", got)
	case <-time.After(2 * time.Second):
		t.Fatal("newer peer did not receive data")
	}

	var kinds []string
	timeout := time.After(2 * time.Second)
	for len(kinds) < 3 {
		select {
		case e := <-events:
			if e.Side == SidePeer {
				kinds = append(kinds, e.Kind)
			}
		case <-timeout:
			t.Fatalf("peer events = %v; want attached, replaced, attached", kinds)
		}
	}
	require.Equal(t, []string{EventAttached, EventReplaced, EventAttached}, kinds)
}

func TestDataWithoutPeerIsDropped(t *testing.T) {
	h := newHarness(t)
	client := h.dialClient(t)

	_, err := client.Write([]byte("lost"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.relay.Stats().Dropped == 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status       string `json:"status"`
		PeerAttached bool   `json:"peer_attached"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.False(t, body.PeerAttached)
}

func TestEventStreamFiltersKinds(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.http.URL+"/events?kinds=attached", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	h.dialClient(t)

	lines := make(chan string, 8)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	select {
	case line := <-lines:
		require.Equal(t, "event: attached", line)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	data := <-lines
	require.True(t, strings.HasPrefix(data, "data: "))
	var evt Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &evt))
	require.Equal(t, SideClient, evt.Side)
}
