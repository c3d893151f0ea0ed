// Package manifest loads injectable user scripts and the vendor library
// catalog they depend on.
//
// A script is a pair of files in the scripts directory: "<id>.jsonc" holds the
// manifest (JSON with comments and trailing commas) and "<id>.cljs" or the
// file named by "code" holds the source.
package manifest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/dgnsrekt/pagebridge/internal/urlmatch"
)

// RunAt is the injection timing declared by a script.
type RunAt string

const (
	RunAtDocumentStart RunAt = "document-start"
	RunAtDocumentEnd   RunAt = "document-end"
	RunAtDocumentIdle  RunAt = "document-idle"
)

// Phase is the navigation hook a script is bound to.
type Phase int

const (
	// PhaseEarly fires on the pre-paint hook.
	PhaseEarly Phase = iota
	// PhaseLate fires once the document has loaded.
	PhaseLate
)

func (p Phase) String() string {
	if p == PhaseEarly {
		return "early"
	}
	return "late"
}

// Phase maps a timing to its hook. Unknown values are treated as idle.
func (r RunAt) Phase() Phase {
	if r == RunAtDocumentStart {
		return PhaseEarly
	}
	return PhaseLate
}

func (r RunAt) valid() bool {
	switch r {
	case RunAtDocumentStart, RunAtDocumentEnd, RunAtDocumentIdle:
		return true
	}
	return false
}

// ScriptMatch is the immutable view of one script used for a single
// injection attempt.
type ScriptMatch struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	MatchPatterns     []string `json:"match"`
	RunAt             RunAt    `json:"run_at"`
	RequiredLibraries []string `json:"requires,omitempty"`
	Enabled           bool     `json:"enabled"`
	Code              string   `json:"-"`
	// CodeFile is the code path relative to the scripts directory.
	CodeFile          string   `json:"-"`

	matchers urlmatch.Set
}

// Matches reports whether the script applies to url. Disabled scripts never
// match.
func (s *ScriptMatch) Matches(url string) bool {
	if !s.Enabled {
		return false
	}
	m := s.matchers
	if m == nil {
		m = urlmatch.CompileAll(s.MatchPatterns)
	}
	return m.Match(url)
}

// fileManifest is the on-disk shape.
type fileManifest struct {
	Name     string   `json:"name"`
	Match    []string `json:"match"`
	RunAt    RunAt    `json:"run-at"`
	Requires []string `json:"requires"`
	Enabled  *bool    `json:"enabled"`
	Code     string   `json:"code"`
}

// ParseManifest decodes a JSONC manifest for the script with the given id.
// Code is not loaded; CodeFile names where it lives and never leaves the
// manifest's directory.
func ParseManifest(id string, data []byte) (*ScriptMatch, error) {
	var fm fileManifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &fm); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", id, err)
	}
	if len(fm.Match) == 0 {
		return nil, fmt.Errorf("manifest %s: match is required", id)
	}
	if fm.RunAt == "" {
		fm.RunAt = RunAtDocumentIdle
	}
	if !fm.RunAt.valid() {
		return nil, fmt.Errorf("manifest %s: unknown run-at %q", id, fm.RunAt)
	}
	codeFile := fm.Code
	if codeFile == "" {
		codeFile = id + ".cljs"
	}
	if !filepath.IsLocal(codeFile) {
		return nil, fmt.Errorf("manifest %s: code path %q escapes the scripts directory", id, fm.Code)
	}
	name := fm.Name
	if name == "" {
		name = id
	}
	enabled := true
	if fm.Enabled != nil {
		enabled = *fm.Enabled
	}
	s := &ScriptMatch{
		ID:                id,
		Name:              name,
		MatchPatterns:     append([]string(nil), fm.Match...),
		RunAt:             fm.RunAt,
		RequiredLibraries: append([]string(nil), fm.Requires...),
		Enabled:           enabled,
		CodeFile:          filepath.Clean(codeFile),
	}
	s.matchers = urlmatch.CompileAll(s.MatchPatterns)
	return s, nil
}

// Catalog is a read-only set of scripts sorted by name.
type Catalog struct {
	scripts []*ScriptMatch
	byID    map[string]*ScriptMatch
}

func NewCatalog(scripts ...*ScriptMatch) *Catalog {
	c := &Catalog{byID: make(map[string]*ScriptMatch, len(scripts))}
	for _, s := range scripts {
		if _, dup := c.byID[s.ID]; dup {
			continue
		}
		if s.matchers == nil {
			s.matchers = urlmatch.CompileAll(s.MatchPatterns)
		}
		c.byID[s.ID] = s
		c.scripts = append(c.scripts, s)
	}
	sort.SliceStable(c.scripts, func(i, j int) bool {
		if c.scripts[i].Name == c.scripts[j].Name {
			return c.scripts[i].ID < c.scripts[j].ID
		}
		return c.scripts[i].Name < c.scripts[j].Name
	})
	return c
}

// LoadDir reads every "*.jsonc" manifest in dir. Broken manifests or missing
// code files are logged and skipped.
func LoadDir(dir string) (*Catalog, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.jsonc"))
	if err != nil {
		return nil, fmt.Errorf("scripts dir: %w", err)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("scripts dir: %w", err)
	}

	var scripts []*ScriptMatch
	for _, path := range paths {
		id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping script manifest", "path", path, "error", err)
			continue
		}
		s, err := ParseManifest(id, data)
		if err != nil {
			slog.Warn("skipping script manifest", "path", path, "error", err)
			continue
		}
		code, err := os.ReadFile(filepath.Join(dir, s.CodeFile))
		if err != nil {
			slog.Warn("skipping script without code", "script", id, "error", err)
			continue
		}
		s.Code = string(code)
		scripts = append(scripts, s)
	}
	return NewCatalog(scripts...), nil
}

// All returns the scripts in catalog order.
func (c *Catalog) All() []*ScriptMatch {
	if c == nil {
		return nil
	}
	return append([]*ScriptMatch(nil), c.scripts...)
}

func (c *Catalog) Get(id string) (*ScriptMatch, bool) {
	if c == nil {
		return nil, false
	}
	s, ok := c.byID[id]
	return s, ok
}

// Matching returns the enabled scripts whose patterns match url.
func (c *Catalog) Matching(url string) []*ScriptMatch {
	if c == nil {
		return nil
	}
	var out []*ScriptMatch
	for _, s := range c.scripts {
		if s.Matches(url) {
			out = append(out, s)
		}
	}
	return out
}

// Len is the number of loaded scripts.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.scripts)
}
