package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/pagebridge/internal/protocol"
)

// Library is a vendor script that can be loaded into a page. Probe is a page
// expression that evaluates to true once the library is usable.
type Library struct {
	Name     string   `yaml:"name" json:"name"`
	File     string   `yaml:"file" json:"file"`
	Requires []string `yaml:"requires,omitempty" json:"requires,omitempty"`
	Probe    string   `yaml:"probe" json:"probe"`
}

// Src resolves the library file against base. Absolute http(s) files are
// returned unchanged.
func (l Library) Src(base string) string {
	if strings.HasPrefix(l.File, "http://") || strings.HasPrefix(l.File, "https://") {
		return l.File
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(l.File, "/")
}

// LibraryConfig is the top-level YAML document.
type LibraryConfig struct {
	// Runtime is the evaluation runtime loaded before anything else.
	Runtime Library `yaml:"runtime"`
	// Channel connects the runtime to the coordinator socket.
	Channel   Library   `yaml:"channel"`
	Libraries []Library `yaml:"libraries"`
}

// Libraries is the resolved catalog.
type Libraries struct {
	Runtime Library
	Channel Library
	byName  map[string]Library
	order   []string
}

// ParseLibraries validates a YAML library catalog.
func ParseLibraries(data []byte) (*Libraries, error) {
	var cfg LibraryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("library config: %w", err)
	}
	return NewLibraries(cfg)
}

// LoadLibraries reads and validates a YAML library catalog file.
func LoadLibraries(path string) (*Libraries, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("library config: %w", err)
	}
	return ParseLibraries(data)
}

func NewLibraries(cfg LibraryConfig) (*Libraries, error) {
	if err := checkLibrary("runtime", cfg.Runtime); err != nil {
		return nil, err
	}
	if err := checkLibrary("channel", cfg.Channel); err != nil {
		return nil, err
	}
	libs := &Libraries{
		Runtime: cfg.Runtime,
		Channel: cfg.Channel,
		byName:  make(map[string]Library, len(cfg.Libraries)),
	}
	for i, l := range cfg.Libraries {
		if err := checkLibrary(fmt.Sprintf("libraries[%d]", i), l); err != nil {
			return nil, err
		}
		if _, dup := libs.byName[l.Name]; dup {
			return nil, fmt.Errorf("library config: duplicate library %q", l.Name)
		}
		libs.byName[l.Name] = l
		libs.order = append(libs.order, l.Name)
	}
	return libs, nil
}

func checkLibrary(where string, l Library) error {
	if l.Name == "" {
		return fmt.Errorf("library config: %s missing name", where)
	}
	if l.File == "" {
		return fmt.Errorf("library config: %s (%s) missing file", where, l.Name)
	}
	if strings.TrimSpace(l.Probe) == "" {
		return fmt.Errorf("library config: %s (%s) missing probe", where, l.Name)
	}
	return nil
}

func (l *Libraries) Get(name string) (Library, bool) {
	lib, ok := l.byName[name]
	return lib, ok
}

// Names lists the catalog in file order.
func (l *Libraries) Names() []string {
	return append([]string(nil), l.order...)
}

// LoadVendor reads local copies of every library from dir, keyed by the URL
// each is loaded from under base. Libraries with absolute URLs or without a
// file in dir are left out.
func (l *Libraries) LoadVendor(dir, base string) (map[string]string, error) {
	all := []Library{l.Runtime, l.Channel}
	for _, name := range l.order {
		all = append(all, l.byName[name])
	}
	out := make(map[string]string, len(all))
	for _, lib := range all {
		rel := strings.TrimLeft(lib.File, "/")
		if lib.Src(base) == lib.File || !filepath.IsLocal(rel) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("vendor %s: %w", lib.Name, err)
		}
		out[lib.Src(base)] = string(data)
	}
	return out, nil
}

// Resolve expands names to their transitive dependencies, deduplicated, with
// every library placed after everything it requires. Unknown names and
// dependency cycles are Invalid.
func (l *Libraries) Resolve(names []string) ([]Library, error) {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var out []Library

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return protocol.NewError(protocol.CodeInvalid,
				"library dependency cycle: "+strings.Join(append(path, name), " -> "), nil)
		}
		lib, ok := l.byName[name]
		if !ok {
			if len(path) == 0 {
				return protocol.NewError(protocol.CodeInvalid, fmt.Sprintf("unknown library %q", name), nil)
			}
			return protocol.NewError(protocol.CodeInvalid,
				fmt.Sprintf("unknown library %q required by %q", name, path[len(path)-1]), nil)
		}
		state[name] = visiting
		for _, dep := range lib.Requires {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		out = append(out, lib)
		return nil
	}

	for _, n := range names {
		if err := visit(n, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}
