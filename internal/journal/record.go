package journal

import (
	"context"
	"log/slog"

	"github.com/dgnsrekt/pagebridge/internal/events"
)

// Record subscribes to broker and writes every event to w until ctx ends or
// the broker closes. The subscription exists when Record returns; the
// returned channel closes once recording stops.
func Record[T any](ctx context.Context, broker *events.Broker[T], w *Writer) <-chan struct{} {
	id, ch := broker.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer broker.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := w.Write(evt); err != nil {
					slog.Debug("journal record skipped", "error", err)
				}
			}
		}
	}()
	return done
}
