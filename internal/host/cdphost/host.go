// Package cdphost implements the host platform on a Chromium browser reached
// over the DevTools protocol. Every page target gets a Go-side bridge agent;
// the page talks to it through a CDP binding and it talks to the page with
// Runtime.evaluate.
package cdphost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/pagebridge/internal/bridge"
	"github.com/dgnsrekt/pagebridge/internal/host"
	"github.com/dgnsrekt/pagebridge/internal/manifest"
	"github.com/dgnsrekt/pagebridge/internal/protocol"
	"github.com/dgnsrekt/pagebridge/internal/urlmatch"
)

const (
	eventBuffer   = 256
	inboundBuffer = 1024
	pumpBuffer    = 1024
)

type Options struct {
	// URL is the browser's DevTools HTTP endpoint, e.g. http://127.0.0.1:9222.
	URL    string
	Bridge bridge.Options
	Logger *slog.Logger
}

type tab struct {
	id       int
	targetID target.ID
	ctx      context.Context
	cancel   context.CancelFunc
	doc      *document
	pump     chan func()

	// Only touched from the pump goroutine or under Host.mu.
	url         string
	frames      map[cdp.FrameID]int
	nextFrame   int
	mainContext map[runtime.ExecutionContextID]bool

	agent       *bridge.Agent
	agentCancel context.CancelFunc
}

// Host implements host.Platform over CDP.
type Host struct {
	opts   Options
	logger *slog.Logger
	tabs   *TabRegistry

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	open   map[int]*tab
	regs   map[string]host.Registration
	closed bool

	events  *host.EventStream
	inbound chan host.Inbound
}

var _ host.Platform = (*Host)(nil)

func New(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		opts:    opts,
		logger:  logger,
		tabs:    NewTabRegistry(),
		open:    make(map[int]*tab),
		regs:    make(map[string]host.Registration),
		events:  host.NewEventStream(eventBuffer),
		inbound: make(chan host.Inbound, inboundBuffer),
	}
}

func (h *Host) Events() <-chan host.Event    { return h.events.C() }
func (h *Host) Inbound() <-chan host.Inbound { return h.inbound }

// Connect attaches to the browser and to every existing page target, then
// follows target creation and destruction.
func (h *Host) Connect(ctx context.Context) error {
	h.logger.Info("connecting to browser", "url", h.opts.URL)
	h.allocCtx, h.allocCancel = chromedp.NewRemoteAllocator(context.Background(), h.opts.URL)
	h.browserCtx, h.browserCancel = chromedp.NewContext(h.allocCtx)

	if err := chromedp.Run(h.browserCtx); err != nil {
		h.allocCancel()
		return fmt.Errorf("failed to connect to browser: %w", err)
	}
	chromedp.ListenBrowser(h.browserCtx, h.onBrowserEvent)
	if err := target.SetDiscoverTargets(true).Do(h.browserExec(ctx)); err != nil {
		return fmt.Errorf("failed to discover targets: %w", err)
	}

	targets, err := chromedp.Targets(h.browserCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}
	attached := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if _, err := h.attach(t.TargetID, t.URL); err != nil {
			h.logger.Error("failed to attach to tab", "target_id", t.TargetID, "url", truncateURL(t.URL), "error", err)
			continue
		}
		attached++
	}
	h.logger.Info("attached to tabs", "count", attached)
	return nil
}

func (h *Host) browserExec(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, chromedp.FromContext(h.browserCtx).Browser)
}

// OpenTab creates a page target at url.
func (h *Host) OpenTab(ctx context.Context, url string) (int, error) {
	targetID, err := target.CreateTarget(url).Do(h.browserExec(ctx))
	if err != nil {
		return 0, fmt.Errorf("cdphost: create target: %w", err)
	}
	return h.attach(targetID, url)
}

// onBrowserEvent runs on chromedp's event loop and must not block.
func (h *Host) onBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo == nil || e.TargetInfo.Type != "page" {
			return
		}
		info := e.TargetInfo
		go func() {
			if _, err := h.attach(info.TargetID, info.URL); err != nil {
				h.logger.Warn("failed to attach to new tab", "target_id", info.TargetID, "error", err)
			}
		}()
	case *target.EventTargetDestroyed:
		go h.detach(e.TargetID)
	case *target.EventTargetInfoChanged:
		if e.TargetInfo != nil && e.TargetInfo.Attached && e.TargetInfo.Type == "page" {
			if id, ok := h.tabs.TabID(e.TargetInfo.TargetID); ok {
				h.logger.Debug("tab target changed", "tab_id", id, "url", truncateURL(e.TargetInfo.URL))
			}
		}
	}
}

// attach is idempotent per target.
func (h *Host) attach(targetID target.ID, url string) (int, error) {
	id, fresh := h.tabs.Register(targetID)
	if !fresh {
		return id, nil
	}

	// Derived from the allocator, not the browser context: the tab gets its own
	// connection and cancelling it detaches instead of closing the page.
	tabCtx, tabCancel := chromedp.NewContext(h.allocCtx, chromedp.WithTargetID(targetID))
	t := &tab{
		id:          id,
		targetID:    targetID,
		ctx:         tabCtx,
		cancel:      tabCancel,
		doc:         newDocument(tabCtx),
		pump:        make(chan func(), pumpBuffer),
		url:         url,
		frames:      map[cdp.FrameID]int{cdp.FrameID(targetID): host.MainFrameID},
		mainContext: make(map[runtime.ExecutionContextID]bool),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		tabCancel()
		h.tabs.Remove(targetID)
		return 0, errors.New("cdphost: closed")
	}
	h.open[id] = t
	h.mu.Unlock()

	go h.runPump(t)
	chromedp.ListenTarget(tabCtx, h.onTargetEvent(t))

	// The first Run attaches the session and must use the tab context itself.
	err := chromedp.Run(tabCtx,
		page.Enable(),
		runtime.Enable(),
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(pagePrelude).Do(ctx)
			return err
		}),
	)
	if err != nil {
		h.forget(targetID)
		return 0, fmt.Errorf("failed to enable page/runtime domains: %w", err)
	}

	h.logger.Info("attached to tab", "tab_id", id, "target_id", targetID, "url", truncateURL(url))
	h.emit(host.Event{Kind: host.TabCreated, TabID: id, FrameID: host.MainFrameID, URL: url})
	return id, nil
}

func (h *Host) detach(targetID target.ID) {
	id, ok := h.forget(targetID)
	if !ok {
		return
	}
	h.logger.Info("tab removed", "tab_id", id, "target_id", targetID)
	h.emit(host.Event{Kind: host.TabRemoved, TabID: id, FrameID: host.MainFrameID})
}

// forget drops the tab and stops its agent and event pump.
func (h *Host) forget(targetID target.ID) (int, bool) {
	id, ok := h.tabs.Remove(targetID)
	if !ok {
		return 0, false
	}
	h.mu.Lock()
	t := h.open[id]
	delete(h.open, id)
	if t != nil {
		h.teardownLocked(t)
	}
	h.mu.Unlock()
	if t != nil {
		t.cancel()
	}
	return id, true
}

func (h *Host) runPump(t *tab) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case fn := <-t.pump:
			fn()
		}
	}
}

// onTargetEvent queues the tab's events so they are handled in order off
// chromedp's event loop.
func (h *Host) onTargetEvent(t *tab) func(ev any) {
	return func(ev any) {
		var fn func()
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame == nil {
				return
			}
			frame := *e.Frame
			fn = func() { h.frameNavigated(t, frame) }
		case *page.EventLoadEventFired:
			fn = func() { h.loadFired(t) }
		case *page.EventFrameStoppedLoading:
			frameID := e.FrameID
			fn = func() { h.frameStopped(t, frameID) }
		case *runtime.EventExecutionContextCreated:
			if e.Context == nil {
				return
			}
			desc := *e.Context
			fn = func() { h.contextCreated(t, desc) }
		case *runtime.EventExecutionContextDestroyed:
			ctxID := e.ExecutionContextID
			fn = func() { h.withTab(t, func() { delete(t.mainContext, ctxID) }) }
		case *runtime.EventExecutionContextsCleared:
			fn = func() { h.withTab(t, func() { clear(t.mainContext) }) }
		case *runtime.EventBindingCalled:
			if e.Name != bindingName {
				return
			}
			ctxID, payload := e.ExecutionContextID, e.Payload
			fn = func() { h.bindingCalled(t, ctxID, payload) }
		default:
			return
		}
		select {
		case t.pump <- fn:
		default:
			h.logger.Warn("tab event pump full, dropping event", "tab_id", t.id)
		}
	}
}

func (h *Host) withTab(t *tab, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}

func (h *Host) frameID(t *tab, id cdp.FrameID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := t.frames[id]
	if !ok {
		t.nextFrame++
		n = t.nextFrame
		t.frames[id] = n
	}
	return n
}

// frameNavigated is the document replacement hook. The old agent goes with
// the old document.
func (h *Host) frameNavigated(t *tab, frame cdp.Frame) {
	if frame.ParentID != "" {
		h.emit(host.Event{Kind: host.BeforeNavigate, TabID: t.id, FrameID: h.frameID(t, frame.ID), URL: frame.URL})
		return
	}
	h.mu.Lock()
	h.teardownLocked(t)
	t.url = frame.URL
	if h.registeredLocked(frame.URL, manifest.PhaseEarly) {
		h.installLocked(t)
	}
	h.mu.Unlock()
	h.emit(host.Event{Kind: host.BeforeNavigate, TabID: t.id, FrameID: host.MainFrameID, URL: frame.URL})
}

func (h *Host) loadFired(t *tab) {
	h.mu.Lock()
	url := t.url
	if t.agent == nil && h.registeredLocked(url, manifest.PhaseLate) {
		h.installLocked(t)
	}
	h.mu.Unlock()
	h.emit(host.Event{Kind: host.NavigationCompleted, TabID: t.id, FrameID: host.MainFrameID, URL: url})
}

func (h *Host) frameStopped(t *tab, id cdp.FrameID) {
	if id == cdp.FrameID(t.targetID) {
		return
	}
	h.emit(host.Event{Kind: host.NavigationCompleted, TabID: t.id, FrameID: h.frameID(t, id)})
}

func (h *Host) contextCreated(t *tab, desc runtime.ExecutionContextDescription) {
	aux, err := parseAuxData([]byte(desc.AuxData))
	if err != nil {
		h.logger.Debug("unreadable execution context aux data", "tab_id", t.id, "error", err)
		return
	}
	if aux.IsDefault && aux.FrameID == string(t.targetID) {
		h.withTab(t, func() { t.mainContext[desc.ID] = true })
	}
}

// bindingCalled hands a page broadcast to the tab's agent. Only the main
// frame's default context may speak for the tab.
func (h *Host) bindingCalled(t *tab, ctxID runtime.ExecutionContextID, payload string) {
	h.mu.Lock()
	agent := t.agent
	main := t.mainContext[ctxID]
	agentCtx := t.ctx
	h.mu.Unlock()
	if agent == nil || !main {
		return
	}
	agent.HandlePage(agentCtx, []byte(payload))
}

func (h *Host) teardownLocked(t *tab) {
	if t.agentCancel != nil {
		t.agentCancel()
		t.agentCancel = nil
	}
	t.agent = nil
}

func (h *Host) registeredLocked(url string, phase manifest.Phase) bool {
	for _, r := range h.regs {
		if r.Phase == phase && urlmatch.MatchesAny(r.Matches, url) {
			return true
		}
	}
	return false
}

func (h *Host) installLocked(t *tab) {
	ctx, cancel := context.WithCancel(t.ctx)
	opts := h.opts.Bridge
	opts.URL = t.url
	opts.Logger = h.logger
	agent := bridge.NewAgent(t.id, t.doc, &uplink{h: h, t: t}, opts)
	t.agent = agent
	t.agentCancel = cancel
	go func() { _ = agent.Run(ctx) }()
}

type uplink struct {
	h *Host
	t *tab
}

// Send stamps the sender from the host's own view of the tab.
func (u *uplink) Send(ctx context.Context, env protocol.Envelope) error {
	u.h.mu.Lock()
	url := u.t.url
	u.h.mu.Unlock()
	in := host.Inbound{
		Sender:   protocol.Sender{TabID: u.t.id, URL: url},
		Envelope: env,
	}
	select {
	case u.h.inbound <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) emit(evt host.Event) {
	h.events.Emit(evt)
}

func (h *Host) lookup(tabID int) (*tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.open[tabID]
	if !ok {
		return nil, protocol.NewError(protocol.CodeTabGone, fmt.Sprintf("tab %d not found", tabID), nil)
	}
	return t, nil
}

func (h *Host) SendToTab(ctx context.Context, tabID int, env protocol.Envelope) (protocol.Result, error) {
	t, err := h.lookup(tabID)
	if err != nil {
		return protocol.Result{}, err
	}
	h.mu.Lock()
	agent := t.agent
	h.mu.Unlock()
	if agent == nil {
		return protocol.Result{}, protocol.NewError(protocol.CodeTransportClosed, fmt.Sprintf("tab %d has no bridge", tabID), nil)
	}
	if err := ctx.Err(); err != nil {
		return protocol.Result{}, protocol.NewError(protocol.CodeTimeout, "send to tab", err)
	}
	return agent.HandleCoordinator(ctx, env), nil
}

func (h *Host) TabExists(_ context.Context, tabID int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.open[tabID]
	return ok, nil
}

func (h *Host) TabURL(_ context.Context, tabID int) (string, error) {
	t, err := h.lookup(tabID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return t.url, nil
}

func (h *Host) BridgeInstalled(_ context.Context, tabID int) (bool, error) {
	t, err := h.lookup(tabID)
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return t.agent != nil, nil
}

func (h *Host) InstallBridge(ctx context.Context, tabID int) error {
	t, err := h.lookup(tabID)
	if err != nil {
		return err
	}
	if err := t.doc.installPrelude(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.agent == nil {
		h.installLocked(t)
	}
	return nil
}

// RegisterContentScripts replaces registrations with the same id. The prelude
// is already present in every attached document, so registrations only decide
// when an agent is started.
func (h *Host) RegisterContentScripts(_ context.Context, regs []host.Registration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range regs {
		h.regs[r.ID] = r
	}
	return nil
}

// Close detaches from every tab and closes the event channels.
func (h *Host) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	tabs := make([]*tab, 0, len(h.open))
	for _, t := range h.open {
		h.teardownLocked(t)
		tabs = append(tabs, t)
	}
	h.open = make(map[int]*tab)
	h.events.Close()
	h.mu.Unlock()

	for _, t := range tabs {
		t.cancel()
	}
	if h.browserCancel != nil {
		h.browserCancel()
	}
	if h.allocCancel != nil {
		h.allocCancel()
	}
	h.logger.Info("CDP host closed")
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
