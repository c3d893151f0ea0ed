// Package host is the narrow adapter between the coordinator and the browser
// platform: tab messaging with a platform-verified sender, tab and navigation
// events, and a persistent content-injection primitive.
package host

import (
	"context"

	"github.com/dgnsrekt/pagebridge/internal/manifest"
	"github.com/dgnsrekt/pagebridge/internal/protocol"
)

// EventKind is the type of a tab or navigation event.
type EventKind string

const (
	TabCreated   EventKind = "tab-created"
	TabRemoved   EventKind = "tab-removed"
	TabActivated EventKind = "tab-activated"
	// BeforeNavigate is the pre-paint hook.
	BeforeNavigate EventKind = "before-navigate"
	// NavigationCompleted fires once the document has loaded.
	NavigationCompleted EventKind = "navigation-completed"
)

// MainFrameID identifies a tab's top-level frame.
const MainFrameID = 0

type Event struct {
	Kind    EventKind
	TabID   int
	FrameID int
	URL     string
}

// MainFrame reports whether the event concerns the top-level document.
func (e Event) MainFrame() bool { return e.FrameID == MainFrameID }

// Inbound is a bridge->coordinator message with the sender the platform
// attached to it.
type Inbound struct {
	Sender   protocol.Sender
	Envelope protocol.Envelope
}

// Registration asks the platform to install the bridge in every page whose
// URL matches one of Matches, at the given phase. Registrations outlive the
// coordinator.
type Registration struct {
	ID      string
	Matches []string
	Phase   manifest.Phase
}

// Platform is everything the coordinator needs from the browser.
type Platform interface {
	// SendToTab delivers env to the tab's bridge and waits for its reply.
	SendToTab(ctx context.Context, tabID int, env protocol.Envelope) (protocol.Result, error)
	Events() <-chan Event
	Inbound() <-chan Inbound
	TabExists(ctx context.Context, tabID int) (bool, error)
	TabURL(ctx context.Context, tabID int) (string, error)
	BridgeInstalled(ctx context.Context, tabID int) (bool, error)
	InstallBridge(ctx context.Context, tabID int) error
	RegisterContentScripts(ctx context.Context, regs []Registration) error
}

// RegistrationsFor derives bridge registrations from the enabled scripts, one
// per script and phase.
func RegistrationsFor(scripts []*manifest.ScriptMatch) []Registration {
	out := make([]Registration, 0, len(scripts))
	for _, s := range scripts {
		if !s.Enabled || len(s.MatchPatterns) == 0 {
			continue
		}
		out = append(out, Registration{
			ID:      "pagebridge-" + s.ID,
			Matches: append([]string(nil), s.MatchPatterns...),
			Phase:   s.RunAt.Phase(),
		})
	}
	return out
}
