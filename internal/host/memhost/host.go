// Package memhost is an in-process browser: tabs hold goja-backed pages, a
// bridge agent per page, and the platform's event and messaging channels.
// It backs tests and the local demo mode.
package memhost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

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

// Options configures the simulated browser.
type Options struct {
	// Vendor maps script URLs to the JavaScript served for them.
	Vendor map[string]string
	Bridge bridge.Options
	Logger *slog.Logger
}

type tab struct {
	id     int
	page   *Page
	agent  *bridge.Agent
	cancel context.CancelFunc
	pump   chan []byte
}

// Host implements host.Platform in memory.
type Host struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	tabs    map[int]*tab
	nextTab int
	regs    map[string]host.Registration
	closed  bool

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
		tabs:    make(map[int]*tab),
		regs:    make(map[string]host.Registration),
		events:  host.NewEventStream(eventBuffer),
		inbound: make(chan host.Inbound, inboundBuffer),
	}
}

func (h *Host) Events() <-chan host.Event    { return h.events.C() }
func (h *Host) Inbound() <-chan host.Inbound { return h.inbound }

// OpenTab creates a tab and navigates it to url.
func (h *Host) OpenTab(url string) (int, error) {
	h.mu.Lock()
	h.nextTab++
	id := h.nextTab
	h.tabs[id] = &tab{id: id}
	h.mu.Unlock()

	h.emit(host.Event{Kind: host.TabCreated, TabID: id, FrameID: host.MainFrameID})
	if err := h.Navigate(id, url); err != nil {
		return 0, err
	}
	return id, nil
}

// Navigate replaces the tab's document, installing the bridge at whichever
// phase a registration asks for, and emits both navigation hooks.
func (h *Host) Navigate(tabID int, url string) error {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("memhost: tab %d not found", tabID)
	}
	h.teardownLocked(t)
	pump := make(chan []byte, pumpBuffer)
	page, err := newPage(url, h.opts.Vendor, pump)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	t.page = page
	t.pump = pump
	if h.registeredLocked(url, manifest.PhaseEarly) {
		h.installLocked(t)
	}
	h.mu.Unlock()

	h.emit(host.Event{Kind: host.BeforeNavigate, TabID: tabID, FrameID: host.MainFrameID, URL: url})

	h.mu.Lock()
	if t.page == page && t.agent == nil && h.registeredLocked(url, manifest.PhaseLate) {
		h.installLocked(t)
	}
	h.mu.Unlock()

	h.emit(host.Event{Kind: host.NavigationCompleted, TabID: tabID, FrameID: host.MainFrameID, URL: url})
	return nil
}

// NavigateFrame emits navigation events for a sub-frame. The tab's document
// is unchanged.
func (h *Host) NavigateFrame(tabID, frameID int, url string) {
	h.emit(host.Event{Kind: host.BeforeNavigate, TabID: tabID, FrameID: frameID, URL: url})
	h.emit(host.Event{Kind: host.NavigationCompleted, TabID: tabID, FrameID: frameID, URL: url})
}

func (h *Host) ActivateTab(tabID int) {
	h.emit(host.Event{Kind: host.TabActivated, TabID: tabID, FrameID: host.MainFrameID})
}

func (h *Host) CloseTab(tabID int) {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	if ok {
		h.teardownLocked(t)
		delete(h.tabs, tabID)
	}
	h.mu.Unlock()
	if ok {
		h.emit(host.Event{Kind: host.TabRemoved, TabID: tabID, FrameID: host.MainFrameID})
	}
}

// Page returns the tab's current document.
func (h *Host) Page(tabID int) (*Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok || t.page == nil {
		return nil, false
	}
	return t.page, true
}

// Close stops every bridge and closes the event channels.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, t := range h.tabs {
		h.teardownLocked(t)
	}
	h.events.Close()
}

func (h *Host) emit(evt host.Event) {
	h.events.Emit(evt)
}

func (h *Host) teardownLocked(t *tab) {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.agent = nil
	t.page = nil
	t.pump = nil
}

func (h *Host) registeredLocked(url string, phase manifest.Phase) bool {
	for _, r := range h.regs {
		if r.Phase == phase && urlmatch.MatchesAny(r.Matches, url) {
			return true
		}
	}
	return false
}

// installLocked attaches a bridge agent to the tab's current page and starts
// its heartbeat and page pump.
func (h *Host) installLocked(t *tab) {
	page := t.page
	ctx, cancel := context.WithCancel(context.Background())
	opts := h.opts.Bridge
	opts.URL = page.url
	opts.Logger = h.logger
	agent := bridge.NewAgent(t.id, page, &uplink{h: h, tabID: t.id, page: page}, opts)
	t.agent = agent
	t.cancel = cancel

	go func() { _ = agent.Run(ctx) }()
	go func(pump <-chan []byte) {
		for {
			select {
			case <-ctx.Done():
				return
			case raw := <-pump:
				agent.HandlePage(ctx, raw)
			}
		}
	}(t.pump)
}

type uplink struct {
	h     *Host
	tabID int
	page  *Page
}

// Send stamps the sender from the host's own view of the tab.
func (u *uplink) Send(ctx context.Context, env protocol.Envelope) error {
	in := host.Inbound{
		Sender:   protocol.Sender{TabID: u.tabID, URL: u.page.URL()},
		Envelope: env,
	}
	select {
	case u.h.inbound <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) SendToTab(ctx context.Context, tabID int, env protocol.Envelope) (protocol.Result, error) {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	var agent *bridge.Agent
	if ok {
		agent = t.agent
	}
	h.mu.Unlock()
	if !ok {
		return protocol.Result{}, protocol.NewError(protocol.CodeTabGone, fmt.Sprintf("tab %d not found", tabID), nil)
	}
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
	_, ok := h.tabs[tabID]
	return ok, nil
}

func (h *Host) TabURL(_ context.Context, tabID int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok || t.page == nil {
		return "", protocol.NewError(protocol.CodeTabGone, fmt.Sprintf("tab %d not found", tabID), nil)
	}
	return t.page.URL(), nil
}

func (h *Host) BridgeInstalled(_ context.Context, tabID int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok {
		return false, protocol.NewError(protocol.CodeTabGone, fmt.Sprintf("tab %d not found", tabID), nil)
	}
	return t.agent != nil, nil
}

func (h *Host) InstallBridge(_ context.Context, tabID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok || t.page == nil {
		return protocol.NewError(protocol.CodeTabGone, fmt.Sprintf("tab %d not found", tabID), nil)
	}
	if t.agent == nil {
		h.installLocked(t)
	}
	return nil
}

// RegisterContentScripts replaces registrations with the same id.
func (h *Host) RegisterContentScripts(_ context.Context, regs []host.Registration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range regs {
		h.regs[r.ID] = r
	}
	return nil
}

// Registrations returns a copy of the active registrations.
func (h *Host) Registrations() []host.Registration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]host.Registration, 0, len(h.regs))
	for _, r := range h.regs {
		out = append(out, r)
	}
	return out
}
