package navigation

import (
	"context"
	"sync"
)

// MemorySettings is a SettingsSource held in memory. The control API updates
// it; navigations read it.
type MemorySettings struct {
	mu sync.RWMutex
	s  Settings
}

func NewMemorySettings(initial Settings) *MemorySettings {
	return &MemorySettings{s: initial}
}

func (m *MemorySettings) Settings(context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s, nil
}

// Set replaces the settings and returns the previous value.
func (m *MemorySettings) Set(s Settings) Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.s
	m.s = s
	return prev
}
