package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/pagebridge/internal/events"
	"github.com/dgnsrekt/pagebridge/internal/registry"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestWriterFlushesOnClose(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "connections", 0, 0)
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return day }

	require.NoError(t, w.Write(map[string]int{"n": 1}))
	require.NoError(t, w.Write(map[string]int{"n": 2}))
	require.NoError(t, w.Close())

	lines := readLines(t, w.Path("2026-03-01"))
	require.Equal(t, []string{`{"n":1}`, `{"n":2}`}, lines)
	require.ErrorIs(t, w.Write("late"), ErrClosed)
	require.NoError(t, w.Close())
}

func TestWriterRollsToNewDate(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "relay", 0, 0)
	first := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	current := first
	w.mu.Lock()
	w.now = func() time.Time { return current }
	w.mu.Unlock()

	require.NoError(t, w.Write("a"))
	require.Eventually(t, func() bool {
		_, err := os.Stat(w.Path("2026-03-01"))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	w.mu.Lock()
	current = first.Add(2 * time.Minute)
	w.mu.Unlock()
	require.NoError(t, w.Write("b"))
	require.NoError(t, w.Close())

	require.Equal(t, []string{`"a"`}, readLines(t, w.Path("2026-03-01")))
	require.Equal(t, []string{`"b"`}, readLines(t, w.Path("2026-03-02")))
}

func TestRecordWritesBrokerEvents(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "connections", 0, 0)
	broker := events.NewBroker[registry.Event]()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.mu.Lock()
	w.now = func() time.Time { return at }
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := Record(ctx, broker, w)
	broker.Publish(registry.Event{Kind: registry.EventConnected, TabID: 4, Port: 1340, At: at})
	broker.Publish(registry.Event{Kind: registry.EventDisconnected, TabID: 4, Port: 1340, Reason: registry.ReasonClosed, At: at})

	path := w.Path(at.Format("2006-01-02"))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && bytes.Count(data, []byte("\n")) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	require.Zero(t, broker.ClientCount())
	require.NoError(t, w.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	var got registry.Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	require.Equal(t, registry.EventDisconnected, got.Kind)
	require.Equal(t, registry.ReasonClosed, got.Reason)
}
