// Package coordinator is the long-lived process that owns per-tab sockets.
// It reacts to the host's tab and navigation events, decides connections
// through the navigation engine, drives the injection sequencer and is the
// only place bridge messages are trusted, using the host-stamped sender.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/pagebridge/internal/events"
	"github.com/dgnsrekt/pagebridge/internal/host"
	"github.com/dgnsrekt/pagebridge/internal/injection"
	"github.com/dgnsrekt/pagebridge/internal/manifest"
	"github.com/dgnsrekt/pagebridge/internal/metrics"
	"github.com/dgnsrekt/pagebridge/internal/navigation"
	"github.com/dgnsrekt/pagebridge/internal/protocol"
	"github.com/dgnsrekt/pagebridge/internal/registry"
	"github.com/dgnsrekt/pagebridge/internal/socket"
)

const (
	DefaultHeartbeat       = time.Second
	DefaultHeartbeatMisses = 3
	DefaultSendTimeout     = 5 * time.Second
)

type Config struct {
	// Heartbeat is the bridge heartbeat interval; a tab is considered lost
	// after HeartbeatMisses intervals without one.
	Heartbeat          time.Duration
	HeartbeatMisses    int
	SendTimeout        time.Duration
	MaxConnectAttempts int
	ConnectBackoff     time.Duration
	Injection          injection.Config
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = DefaultHeartbeatMisses
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

type Options struct {
	Platform host.Platform
	Catalog  *manifest.Catalog
	Settings navigation.SettingsSource
	Dialer   socket.Dialer
	Config   Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	// Events receives connection lifecycle notifications. It survives Evict.
	Events *events.Broker[registry.Event]
}

type navState struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type Coordinator struct {
	platform host.Platform
	catalog  *manifest.Catalog
	settings navigation.SettingsSource
	dialer   socket.Dialer
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	broker   *events.Broker[registry.Event]
	engine   *navigation.Engine
	now      func() time.Time

	mu    sync.RWMutex
	base  context.Context
	store *Store
	seq   *injection.Sequencer
	navs  map[int]*navState

	navQ    *tabQueues
	socketQ *tabQueues
}

func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	broker := opts.Events
	if broker == nil {
		broker = events.NewBroker[registry.Event]()
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = manifest.NewCatalog()
	}
	c := &Coordinator{
		platform: opts.Platform,
		catalog:  catalog,
		settings: opts.Settings,
		dialer:   opts.Dialer,
		cfg:      opts.Config.withDefaults(),
		logger:   logger,
		metrics:  opts.Metrics,
		broker:   broker,
		now:      time.Now,
		base:     context.Background(),
		navs:     make(map[int]*navState),
		navQ:     newTabQueues(),
		socketQ:  newTabQueues(),
	}
	if c.settings == nil {
		c.settings = navigation.NewMemorySettings(navigation.Settings{AutoReconnect: true})
	}
	c.engine = &navigation.Engine{
		Settings:    c.settings,
		History:     c,
		Executor:    c,
		MaxAttempts: c.cfg.MaxConnectAttempts,
		Backoff:     c.cfg.ConnectBackoff,
		Logger:      logger,
	}
	c.store, c.seq = c.freshStore()
	return c
}

func (c *Coordinator) freshStore() (*Store, *injection.Sequencer) {
	reg := registry.New(c.dialer, registry.Callbacks{
		OnMessage: c.onSocketMessage,
		OnClosed:  c.onSocketClosed,
	}, c.broker)
	st := newStore(reg)
	seq := injection.NewSequencer(&tabAdapter{platform: c.platform, timeout: c.cfg.SendTimeout}, st.Injections, c.cfg.Injection, c.logger)
	return st, seq
}

// Store returns the current state. Callers must not keep it across Evict.
func (c *Coordinator) Store() *Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

func (c *Coordinator) state() (*Store, *injection.Sequencer) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store, c.seq
}

// Events exposes connection lifecycle notifications.
func (c *Coordinator) Events() *events.Broker[registry.Event] { return c.broker }

// Run registers the bridge with the host and processes events until ctx
// ends or the host closes its event stream.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()

	regs := host.RegistrationsFor(c.catalog.All())
	if err := c.platform.RegisterContentScripts(ctx, regs); err != nil {
		return fmt.Errorf("register content scripts: %w", err)
	}
	c.logger.Info("coordinator started", "scripts", c.catalog.Len(), "registrations", len(regs))

	subID, lifecycle := c.broker.Subscribe()
	defer c.broker.Unsubscribe(subID)

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	evts := c.platform.Events()
	inbound := c.platform.Inbound()
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-evts:
			if !ok {
				c.logger.Info("host event stream closed")
				return nil
			}
			c.handleEvent(evt)
		case in, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			c.handleInbound(in)
		case e := <-lifecycle:
			c.metrics.ConnectionEvent(string(e.Kind), e.Reason)
			c.metrics.SetLive(c.Store().Registry.Count())
		case <-ticker.C:
			c.expireHeartbeats()
		}
	}
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	for id, n := range c.navs {
		n.cancel()
		delete(c.navs, id)
	}
	st := c.store
	c.mu.Unlock()
	c.navQ.stopAll()
	c.socketQ.stopAll()
	st.reset()
}

// Evict discards every socket, the reconnect history and all injection
// state. Host registrations are untouched, so later navigations proceed
// against the empty store.
func (c *Coordinator) Evict() {
	fresh, seq := c.freshStore()
	c.mu.Lock()
	old := c.store
	c.store, c.seq = fresh, seq
	for id, n := range c.navs {
		n.cancel()
		delete(c.navs, id)
	}
	c.mu.Unlock()

	old.reset()
	c.metrics.Evicted()
	c.metrics.SetLive(0)
	c.logger.Info("coordinator state evicted")
}

// beginNavigation supersedes whatever the tab was doing and returns the
// context for the new document.
func (c *Coordinator) beginNavigation(tabID int) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.navs[tabID]; ok {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(c.base)
	c.navs[tabID] = &navState{ctx: ctx, cancel: cancel}
	return ctx
}

// navContext returns the tab's current navigation context, starting one if
// the host never reported the navigation's start.
func (c *Coordinator) navContext(tabID int) context.Context {
	c.mu.Lock()
	n, ok := c.navs[tabID]
	c.mu.Unlock()
	if ok {
		return n.ctx
	}
	return c.beginNavigation(tabID)
}

func (c *Coordinator) endNavigation(tabID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.navs[tabID]; ok {
		n.cancel()
		delete(c.navs, tabID)
	}
}

func (c *Coordinator) handleEvent(evt host.Event) {
	if !evt.MainFrame() {
		return
	}
	switch evt.Kind {
	case host.BeforeNavigate:
		c.beforeNavigate(evt.TabID, evt.URL)
	case host.NavigationCompleted:
		c.navigationCompleted(evt.TabID, evt.URL)
	case host.TabRemoved:
		c.tabRemoved(evt.TabID)
	default:
		c.logger.Debug("tab event", "kind", string(evt.Kind), "tab_id", evt.TabID)
	}
}

// beforeNavigate tears down state tied to the old document and queues the
// early-phase scripts for the new one.
func (c *Coordinator) beforeNavigate(tabID int, url string) {
	ctx := c.beginNavigation(tabID)
	st := c.Store()
	st.Injections.Cancel(tabID)
	st.revoke(tabID)

	early := navigation.ScriptsFor(manifest.PhaseEarly, c.catalog.All(), url)
	c.logger.Debug("navigation started", "tab_id", tabID, "url", url, "early_scripts", len(early))
	c.navQ.submit(tabID, func() {
		c.Store().Registry.Disconnect(tabID)
		for _, s := range early {
			if ctx.Err() != nil {
				return
			}
			_, _ = c.inject(ctx, tabID, 0, s)
		}
	})
}

// navigationCompleted runs the connection decision, then the late-phase
// scripts.
func (c *Coordinator) navigationCompleted(tabID int, url string) {
	ctx := c.navContext(tabID)
	late := navigation.ScriptsFor(manifest.PhaseLate, c.catalog.All(), url)
	c.navQ.submit(tabID, func() {
		if ctx.Err() != nil {
			return
		}
		d, err := c.engine.Completed(ctx, tabID, url)
		c.metrics.Directive(d.Action.String())
		if err != nil {
			c.logger.Warn("navigation directive failed", "tab_id", tabID, "action", d.Action.String(), "port", d.Port, "error", err)
		}
		port, _ := c.Store().grantedPort(tabID)
		for _, s := range late {
			if ctx.Err() != nil {
				return
			}
			_, _ = c.inject(ctx, tabID, port, s)
		}
	})
}

func (c *Coordinator) tabRemoved(tabID int) {
	c.endNavigation(tabID)
	st := c.Store()
	st.Injections.Cancel(tabID)
	st.forgetTab(tabID)
	c.navQ.remove(tabID)
	c.socketQ.submit(tabID, func() { c.Store().Registry.RemoveTab(tabID) })
	c.socketQ.remove(tabID)
	c.logger.Info("tab removed", "tab_id", tabID)
}

// Connect carries out a connect or reconnect directive: open the socket,
// let the tab's page ask for that port, and load the evaluation channel.
func (c *Coordinator) Connect(ctx context.Context, tabID, port int) error {
	st, seq := c.state()
	if _, err := st.Registry.Connect(ctx, tabID, port); err != nil {
		return err
	}
	st.grant(tabID, port)
	_, err := seq.Run(ctx, injection.Request{TabID: tabID, Port: port})
	c.metrics.Injection(outcome(err))
	return err
}

// HistoryPort reads reconnect history from the current store.
func (c *Coordinator) HistoryPort(tabID int) (int, bool) {
	return c.Store().Registry.HistoryPort(tabID)
}

func (c *Coordinator) inject(ctx context.Context, tabID, port int, script *manifest.ScriptMatch) (injection.State, error) {
	_, seq := c.state()
	state, err := seq.Run(ctx, injection.Request{TabID: tabID, Port: port, Script: script})
	c.metrics.Injection(outcome(err))
	if err != nil {
		c.logger.Warn("script injection failed", "tab_id", tabID, "script", script.ID, "error", err)
	}
	return state, err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := protocol.CodeOf(err); code != "" {
		return code
	}
	return "error"
}

func (c *Coordinator) handleInbound(in host.Inbound) {
	tabID := in.Sender.TabID
	env := in.Envelope
	if _, err := protocol.Validate(protocol.HopBridgeToCoordinator, env); err != nil {
		c.drop(tabID, "invalid", err)
		return
	}
	if tabID <= 0 {
		c.drop(tabID, "no-sender", nil)
		return
	}
	switch env.Type {
	case protocol.TypeBridgeReady, protocol.TypeHeartbeat:
		c.Store().beat(tabID, c.now())
	case protocol.TypeWSConnect, protocol.TypeWSSend, protocol.TypeWSClose:
		c.socketQ.submit(tabID, func() { c.handleSocket(tabID, env) })
	}
}

func (c *Coordinator) drop(tabID int, reason string, err error) {
	c.metrics.Dropped("coordinator", reason)
	c.logger.Warn("coordinator dropped message", "tab_id", tabID, "reason", reason, "error", err)
}

// handleSocket serves the page's socket requests. Only the sender tab and
// its granted port are consulted for trust.
func (c *Coordinator) handleSocket(tabID int, env protocol.Envelope) {
	c.mu.RLock()
	base := c.base
	c.mu.RUnlock()
	ctx, cancel := context.WithTimeout(base, c.cfg.SendTimeout)
	defer cancel()
	st := c.Store()

	switch env.Type {
	case protocol.TypeWSConnect:
		p, err := protocol.DecodePayload[protocol.ConnectPayload](env)
		if err != nil {
			c.drop(tabID, "invalid", err)
			return
		}
		if !st.authorized(tabID, p.Port) {
			c.drop(tabID, "unauthorized", nil)
			c.toPage(ctx, tabID, protocol.TypeWSError, protocol.ErrorPayload{
				Error: fmt.Sprintf("connection to port %d not authorised for this tab", p.Port),
			})
			return
		}
		if conn, ok := st.Registry.Get(tabID); !ok || conn.Port != p.Port {
			if _, err := st.Registry.Connect(ctx, tabID, p.Port); err != nil {
				c.toPage(ctx, tabID, protocol.TypeWSError, protocol.ErrorPayload{Error: err.Error()})
				return
			}
		}
		c.toPage(ctx, tabID, protocol.TypeWSOpen, nil)

	case protocol.TypeWSSend:
		p, err := protocol.DecodePayload[protocol.DataPayload](env)
		if err != nil {
			c.drop(tabID, "invalid", err)
			return
		}
		if err := st.Registry.Send(ctx, tabID, []byte(p.Data)); err != nil {
			c.toPage(ctx, tabID, protocol.TypeWSError, protocol.ErrorPayload{Error: err.Error()})
		}

	case protocol.TypeWSClose:
		st.Registry.Disconnect(tabID)
		c.toPage(ctx, tabID, protocol.TypeWSClosed, protocol.ClosedPayload{Reason: "closed by page"})
	}
}

// toPage relays one socket notification to the tab's page.
func (c *Coordinator) toPage(ctx context.Context, tabID int, typ protocol.Type, payload any) {
	env, err := protocol.New(protocol.SourceCoordinator, typ, payload)
	if err != nil {
		c.logger.Error("encode page notification", "type", string(typ), "error", err)
		return
	}
	res, err := c.platform.SendToTab(ctx, tabID, env)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		c.logger.Debug("page notification not delivered", "tab_id", tabID, "type", string(typ), "error", err)
	}
}

// onSocketMessage runs on the socket's read goroutine, so per-tab order is
// the socket's order.
func (c *Coordinator) onSocketMessage(tabID int, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	c.toPage(ctx, tabID, protocol.TypeWSMessage, protocol.DataPayload{Data: string(data)})
}

func (c *Coordinator) onSocketClosed(tabID, port int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()
	reason := "closed by relay"
	if err != nil {
		reason = err.Error()
	}
	c.logger.Info("relay closed tab connection", "tab_id", tabID, "port", port, "error", err)
	c.toPage(ctx, tabID, protocol.TypeWSClosed, protocol.ClosedPayload{Reason: reason})
}

// expireHeartbeats drops the connection of every tab whose bridge has gone
// quiet.
func (c *Coordinator) expireHeartbeats() {
	c.expireBefore(c.now().Add(-time.Duration(c.cfg.HeartbeatMisses) * c.cfg.Heartbeat))
}

func (c *Coordinator) expireBefore(cutoff time.Time) {
	for _, tabID := range c.Store().expired(cutoff) {
		c.metrics.HeartbeatExpired()
		c.logger.Warn("bridge heartbeat lost", "tab_id", tabID)
		c.socketQ.submit(tabID, func() { c.Store().Registry.Disconnect(tabID) })
	}
}

// tabAdapter is the sequencer's view of the host.
type tabAdapter struct {
	platform host.Platform
	timeout  time.Duration
}

func (t *tabAdapter) Exists(ctx context.Context, tabID int) (bool, error) {
	return t.platform.TabExists(ctx, tabID)
}

func (t *tabAdapter) BridgeInstalled(ctx context.Context, tabID int) (bool, error) {
	return t.platform.BridgeInstalled(ctx, tabID)
}

func (t *tabAdapter) InstallBridge(ctx context.Context, tabID int) error {
	return t.platform.InstallBridge(ctx, tabID)
}

// Send tags env with a request id and bounds the round trip.
func (t *tabAdapter) Send(ctx context.Context, tabID int, env protocol.Envelope) (protocol.Result, error) {
	if env.RequestID == "" {
		env.RequestID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res, err := t.platform.SendToTab(ctx, tabID, env)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && protocol.CodeOf(err) == "" {
		return res, protocol.NewError(protocol.CodeTimeout, fmt.Sprintf("tab %d did not answer %s", tabID, env.Type), err)
	}
	return res, err
}
