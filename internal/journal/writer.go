// Package journal appends lifecycle events to date-organised JSON-lines
// files. Files rotate by size through lumberjack and by UTC date through the
// directory layout <dir>/<YYYY-MM-DD>/<stream>.jsonl.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultBufferSize = 1024
	DefaultMaxSizeMB  = 50
	closeDrainTimeout = 5 * time.Second
)

var (
	ErrClosed     = errors.New("journal closed")
	ErrBufferFull = errors.New("journal buffer full")
)

// Writer queues records and writes them from a single goroutine.
type Writer struct {
	dir       string
	stream    string
	maxSizeMB int
	now       func() time.Time

	writeCh chan any
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu          sync.Mutex
	currentDate string
	out         *lumberjack.Logger
}

// NewWriter starts a writer for stream under dir. Non-positive sizes take
// the defaults.
func NewWriter(dir, stream string, bufferSize, maxSizeMB int) *Writer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if maxSizeMB <= 0 {
		maxSizeMB = DefaultMaxSizeMB
	}
	w := &Writer{
		dir:       dir,
		stream:    stream,
		maxSizeMB: maxSizeMB,
		now:       time.Now,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues a record without blocking.
func (w *Writer) Write(record any) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.writeCh <- record:
		return nil
	default:
		slog.Warn("journal buffer full, dropping record", "stream", w.stream)
		return ErrBufferFull
	}
}

// Close stops the writer after flushing what is already queued.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out != nil {
		err := w.out.Close()
		w.out = nil
		return err
	}
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			w.drain()
			return
		}
	}
}

func (w *Writer) drain() {
	timeout := time.After(closeDrainTimeout)
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-timeout:
			slog.Warn("journal close timeout, some records may be lost", "stream", w.stream)
			return
		default:
			return
		}
	}
}

func (w *Writer) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("journal marshal failed", "stream", w.stream, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.now().UTC().Format("2006-01-02")
	if date != w.currentDate || w.out == nil {
		if err := w.openForDate(date); err != nil {
			slog.Error("journal open failed", "stream", w.stream, "error", err)
			return
		}
	}
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "stream", w.stream, "error", err)
	}
}

// Path is the file the writer appends to on date.
func (w *Writer) Path(date string) string {
	return filepath.Join(w.dir, date, w.stream+".jsonl")
}

func (w *Writer) openForDate(date string) error {
	if w.out != nil {
		if err := w.out.Close(); err != nil {
			slog.Debug("journal close previous file", "error", err)
		}
		w.out = nil
	}
	dir := filepath.Join(w.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create journal dir %s: %w", dir, err)
	}
	w.out = &lumberjack.Logger{
		Filename:   w.Path(date),
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
	}
	w.currentDate = date
	slog.Info("opened journal file", "file", w.out.Filename, "stream", w.stream)
	return nil
}
