package navigation

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/pagebridge/internal/protocol"
)

const (
	DefaultMaxConnectAttempts = 2
	DefaultConnectBackoff     = 250 * time.Millisecond
)

// Executor carries out a directive.
type Executor interface {
	Connect(ctx context.Context, tabID, port int) error
}

// Engine wires Gather, Decide and a bounded retry around the Executor.
type Engine struct {
	Settings    SettingsSource
	History     HistoryReader
	Executor    Executor
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
}

// Completed handles a main-frame load. It returns the directive it acted on.
func (e *Engine) Completed(ctx context.Context, tabID int, url string) (Directive, error) {
	nc, err := Gather(ctx, tabID, url, e.Settings, e.History)
	if err != nil {
		return Directive{Action: ActionNoop, TabID: tabID}, err
	}
	d := Decide(nc)
	e.logger().Debug("navigation decided", "tab_id", tabID, "url", url, "action", d.Action.String(), "port", d.Port)
	return d, e.Execute(ctx, d)
}

// Execute runs a directive. Transient failures are retried up to
// MaxAttempts in total; anything else is returned at once.
func (e *Engine) Execute(ctx context.Context, d Directive) error {
	if d.Action == ActionNoop {
		return nil
	}
	attempts := e.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxConnectAttempts
	}
	backoff := e.Backoff
	if backoff <= 0 {
		backoff = DefaultConnectBackoff
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = e.Executor.Connect(ctx, d.TabID, d.Port)
		if err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts {
			break
		}
		e.logger().Warn("navigation connect retry", "tab_id", d.TabID, "port", d.Port, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	e.logger().Warn("navigation connect failed", "tab_id", d.TabID, "port", d.Port, "action", d.Action.String(), "error", err)
	return err
}

func retryable(err error) bool {
	switch protocol.CodeOf(err) {
	case protocol.CodeTransportClosed, protocol.CodeTimeout:
		return true
	}
	return false
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
