package coordinator

import (
	"context"
	"fmt"

	"github.com/dgnsrekt/pagebridge/internal/injection"
	"github.com/dgnsrekt/pagebridge/internal/manifest"
	"github.com/dgnsrekt/pagebridge/internal/navigation"
	"github.com/dgnsrekt/pagebridge/internal/protocol"
	"github.com/dgnsrekt/pagebridge/internal/registry"
)

// Health is a point-in-time summary for the control API.
type Health struct {
	Connections int `json:"connections"`
	Scripts     int `json:"scripts"`
	Injections  int `json:"injections"`
	Listeners   int `json:"listeners"`
}

func (c *Coordinator) Health() Health {
	st := c.Store()
	return Health{
		Connections: st.Registry.Count(),
		Scripts:     c.catalog.Len(),
		Injections:  len(st.Injections.All()),
		Listeners:   c.broker.ClientCount(),
	}
}

func (c *Coordinator) Connections() []registry.TabConnection {
	return c.Store().Registry.List()
}

func (c *Coordinator) Scripts() []*manifest.ScriptMatch {
	return c.catalog.All()
}

// ConnectTab runs a manual connect directive on the tab's navigation queue
// and waits for it.
func (c *Coordinator) ConnectTab(ctx context.Context, tabID, port int) (registry.TabConnection, error) {
	if port < 1 || port > 65535 {
		return registry.TabConnection{}, protocol.NewError(protocol.CodeValidation, fmt.Sprintf("port %d out of range", port), nil)
	}
	if err := c.requireTab(ctx, tabID); err != nil {
		return registry.TabConnection{}, err
	}
	navCtx := c.navContext(tabID)
	err := c.onNavQueue(ctx, tabID, func() error {
		runCtx, cancel := joinContexts(ctx, navCtx)
		defer cancel()
		return c.engine.Execute(runCtx, navigation.Directive{Action: navigation.ActionConnect, TabID: tabID, Port: port})
	})
	if err != nil {
		return registry.TabConnection{}, err
	}
	conn, ok := c.Store().Registry.Get(tabID)
	if !ok {
		return registry.TabConnection{}, protocol.NewError(protocol.CodeTransportClosed, fmt.Sprintf("tab %d lost its connection", tabID), nil)
	}
	return conn, nil
}

// DisconnectTab closes the tab's socket, withdraws its connect grant and
// tells the page. History is kept.
func (c *Coordinator) DisconnectTab(ctx context.Context, tabID int) (bool, error) {
	var existed bool
	err := c.onSocketQueue(ctx, tabID, func() error {
		st := c.Store()
		st.revoke(tabID)
		existed = st.Registry.Disconnect(tabID)
		if existed {
			c.toPage(ctx, tabID, protocol.TypeWSClosed, protocol.ClosedPayload{Reason: "closed by coordinator"})
		}
		return nil
	})
	return existed, err
}

// InjectScript injects one catalog script into the tab, ignoring its URL
// patterns.
func (c *Coordinator) InjectScript(ctx context.Context, tabID int, scriptID string) (injection.State, error) {
	script, ok := c.catalog.Get(scriptID)
	if !ok {
		return injection.State{}, protocol.NewError(protocol.CodeValidation, fmt.Sprintf("unknown script %q", scriptID), nil)
	}
	if err := c.requireTab(ctx, tabID); err != nil {
		return injection.State{}, err
	}
	if url, err := c.platform.TabURL(ctx, tabID); err == nil && !script.Matches(url) {
		c.logger.Info("injecting script outside its match patterns", "tab_id", tabID, "script_id", scriptID, "url", url)
	}
	navCtx := c.navContext(tabID)
	var state injection.State
	err := c.onNavQueue(ctx, tabID, func() error {
		runCtx, cancel := joinContexts(ctx, navCtx)
		defer cancel()
		port, _ := c.Store().grantedPort(tabID)
		var err error
		state, err = c.inject(runCtx, tabID, port, script)
		return err
	})
	return state, err
}

// InjectionState returns the tab's latest injection progress.
func (c *Coordinator) InjectionState(tabID int) (injection.State, bool) {
	return c.Store().Injections.Snapshot(tabID)
}

func (c *Coordinator) requireTab(ctx context.Context, tabID int) error {
	ok, err := c.platform.TabExists(ctx, tabID)
	if err != nil {
		return err
	}
	if !ok {
		return protocol.NewError(protocol.CodeTabGone, fmt.Sprintf("tab %d not found", tabID), nil)
	}
	return nil
}

func (c *Coordinator) onNavQueue(ctx context.Context, tabID int, fn func() error) error {
	return waitOn(ctx, c.navQ, tabID, fn)
}

func (c *Coordinator) onSocketQueue(ctx context.Context, tabID int, fn func() error) error {
	return waitOn(ctx, c.socketQ, tabID, fn)
}

// waitOn queues fn behind the tab's pending work and waits for its result.
func waitOn(ctx context.Context, q *tabQueues, tabID int, fn func() error) error {
	done := make(chan error, 1)
	q.submit(tabID, func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return protocol.NewError(protocol.CodeTimeout, fmt.Sprintf("tab %d busy", tabID), ctx.Err())
	}
}

// joinContexts is cancelled when either parent is.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
