// Package navigation turns page navigations into at most one connection
// directive plus the scripts due for the navigation's phase. Inputs are
// gathered first; deciding is a pure function of what was gathered.
package navigation

import (
	"context"
	"fmt"

	"github.com/dgnsrekt/pagebridge/internal/manifest"
)

// Settings are the user-controlled connection preferences.
type Settings struct {
	ConnectAll    bool `json:"connect_all"`
	AutoReconnect bool `json:"auto_reconnect"`
	Port          int  `json:"port"`
}

// SettingsSource supplies the current settings.
type SettingsSource interface {
	Settings(ctx context.Context) (Settings, error)
}

// HistoryReader exposes the last port a tab was connected to.
type HistoryReader interface {
	HistoryPort(tabID int) (int, bool)
}

// Context is everything Decide needs, captured at one point in time.
type Context struct {
	TabID         int
	URL           string
	ConnectAll    bool
	AutoReconnect bool
	GlobalPort    int
	InHistory     bool
	HistoryPort   int
}

// Gather reads settings and history for one navigation.
func Gather(ctx context.Context, tabID int, url string, settings SettingsSource, history HistoryReader) (Context, error) {
	s, err := settings.Settings(ctx)
	if err != nil {
		return Context{}, fmt.Errorf("gather settings: %w", err)
	}
	port, inHistory := history.HistoryPort(tabID)
	return Context{
		TabID:         tabID,
		URL:           url,
		ConnectAll:    s.ConnectAll,
		AutoReconnect: s.AutoReconnect,
		GlobalPort:    s.Port,
		InHistory:     inHistory,
		HistoryPort:   port,
	}, nil
}

// Action is the kind of directive.
type Action int

const (
	ActionNoop Action = iota
	ActionConnect
	ActionReconnect
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionReconnect:
		return "reconnect"
	default:
		return "noop"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Directive is the decision for one navigation.
type Directive struct {
	Action Action `json:"action"`
	TabID  int    `json:"tab_id"`
	Port   int    `json:"port,omitempty"`
}

// Decide applies the connection policy. Connect-every-page wins over a
// per-tab reconnect; without either the answer is noop.
func Decide(c Context) Directive {
	if c.ConnectAll && validPort(c.GlobalPort) {
		return Directive{Action: ActionConnect, TabID: c.TabID, Port: c.GlobalPort}
	}
	if c.AutoReconnect && c.InHistory && validPort(c.HistoryPort) {
		return Directive{Action: ActionReconnect, TabID: c.TabID, Port: c.HistoryPort}
	}
	return Directive{Action: ActionNoop, TabID: c.TabID}
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// PartitionScripts splits the scripts matching url by phase, preserving
// their order.
func PartitionScripts(scripts []*manifest.ScriptMatch, url string) (early, late []*manifest.ScriptMatch) {
	for _, s := range scripts {
		if !s.Matches(url) {
			continue
		}
		if s.RunAt.Phase() == manifest.PhaseEarly {
			early = append(early, s)
		} else {
			late = append(late, s)
		}
	}
	return early, late
}

// ScriptsFor returns the scripts matching url for one phase.
func ScriptsFor(phase manifest.Phase, scripts []*manifest.ScriptMatch, url string) []*manifest.ScriptMatch {
	early, late := PartitionScripts(scripts, url)
	if phase == manifest.PhaseEarly {
		return early
	}
	return late
}
