package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/pagebridge/internal/protocol"
)

const librariesYAML = `
runtime:
  name: scittle
  file: scittle.js
  probe: "typeof window.scittle !== 'undefined'"
channel:
  name: scittle-nrepl
  file: scittle.nrepl.js
  probe: "!!window.SCITTLE_NREPL_WEBSOCKET_PORT"
libraries:
  - name: react
    file: react.production.min.js
    probe: "typeof window.React !== 'undefined'"
  - name: react-dom
    file: react-dom.production.min.js
    requires: [react]
    probe: "typeof window.ReactDOM !== 'undefined'"
  - name: reagent
    file: scittle.reagent.js
    requires: [react, react-dom]
    probe: "!!(window.scittle && window.scittle.reagent)"
  - name: promesa
    file: https://cdn.example.test/scittle.promesa.js
    probe: "true"
`

func TestParseManifest(t *testing.T) {
	s, err := ParseManifest("hello", []byte(`{
  // greets every example page
  "name": "Hello",
  "match": ["*://example.com/*"],
  "run-at": "document-start",
  "requires": ["reagent",],
}`))
	require.NoError(t, err)
	require.Equal(t, "Hello", s.Name)
	require.Equal(t, RunAtDocumentStart, s.RunAt)
	require.Equal(t, PhaseEarly, s.RunAt.Phase())
	require.True(t, s.Enabled)
	require.Equal(t, []string{"reagent"}, s.RequiredLibraries)
	require.True(t, s.Matches("https://example.com/page"))
	require.False(t, s.Matches("https://other.test/"))
}

func TestParseManifestDefaultsAndErrors(t *testing.T) {
	s, err := ParseManifest("idle", []byte(`{"match": ["<all_urls>"], "enabled": false}`))
	require.NoError(t, err)
	require.Equal(t, "idle", s.Name)
	require.Equal(t, RunAtDocumentIdle, s.RunAt)
	require.Equal(t, PhaseLate, s.RunAt.Phase())
	require.False(t, s.Matches("https://example.com/"))

	_, err = ParseManifest("nomatch", []byte(`{"name": "x"}`))
	require.Error(t, err)

	_, err = ParseManifest("badrun", []byte(`{"match": ["*"], "run-at": "whenever"}`))
	require.Error(t, err)

	_, err = ParseManifest("broken", []byte(`{"match": [`))
	require.Error(t, err)
}

func TestParseManifestCodePath(t *testing.T) {
	s, err := ParseManifest("hello", []byte(`{"match": ["*"]}`))
	require.NoError(t, err)
	require.Equal(t, "hello.cljs", s.CodeFile)

	s, err = ParseManifest("hello", []byte(`{"match": ["*"], "code": "src/./hello.cljs"}`))
	require.NoError(t, err)
	require.Equal(t, filepath.Join("src", "hello.cljs"), s.CodeFile)

	for _, code := range []string{"../secret.cljs", "src/../../secret.cljs", "/etc/passwd"} {
		_, err := ParseManifest("escape", []byte(`{"match": ["*"], "code": "`+code+`"}`))
		require.Error(t, err, code)
	}
}

func TestLoadDirSkipsBrokenManifests(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("b.jsonc", `{"name": "Bravo", "match": ["https://b.test/*"]}`)
	write("b.cljs", `(println "b")`)
	write("a.jsonc", `{"name": "Alpha", "match": ["https://a.test/*"], "code": "alpha-src.cljs"}`)
	write("alpha-src.cljs", `(println "a")`)
	write("broken.jsonc", `{"match": `)
	write("nocode.jsonc", `{"match": ["*"]}`)
	write("escape.jsonc", `{"match": ["*"], "code": "../b.cljs"}`)

	cat, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, 2, cat.Len())

	all := cat.All()
	require.Equal(t, "Alpha", all[0].Name)
	require.Equal(t, "Bravo", all[1].Name)
	require.Equal(t, `(println "a")`, all[0].Code)

	got, ok := cat.Get("b")
	require.True(t, ok)
	require.Equal(t, `(println "b")`, got.Code)

	matching := cat.Matching("https://b.test/x")
	require.Len(t, matching, 1)
	require.Equal(t, "b", matching[0].ID)

	_, err = LoadDir(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestNilCatalog(t *testing.T) {
	var c *Catalog
	require.Nil(t, c.All())
	require.Nil(t, c.Matching("https://x.test/"))
	require.Zero(t, c.Len())
	_, ok := c.Get("x")
	require.False(t, ok)
}

func TestResolveOrdersDependencies(t *testing.T) {
	libs, err := ParseLibraries([]byte(librariesYAML))
	require.NoError(t, err)
	require.Equal(t, "scittle", libs.Runtime.Name)

	got, err := libs.Resolve([]string{"reagent", "react", "promesa", "reagent"})
	require.NoError(t, err)
	var names []string
	for _, l := range got {
		names = append(names, l.Name)
	}
	require.Equal(t, []string{"react", "react-dom", "reagent", "promesa"}, names)

	none, err := libs.Resolve(nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestResolveRejectsUnknownAndCycles(t *testing.T) {
	libs, err := ParseLibraries([]byte(librariesYAML))
	require.NoError(t, err)
	_, err = libs.Resolve([]string{"jquery"})
	require.True(t, protocol.IsCode(err, protocol.CodeInvalid), "err = %v", err)

	cyclic, err := NewLibraries(LibraryConfig{
		Runtime: Library{Name: "rt", File: "rt.js", Probe: "true"},
		Channel: Library{Name: "ch", File: "ch.js", Probe: "true"},
		Libraries: []Library{
			{Name: "a", File: "a.js", Probe: "true", Requires: []string{"b"}},
			{Name: "b", File: "b.js", Probe: "true", Requires: []string{"a"}},
			{Name: "c", File: "c.js", Probe: "true", Requires: []string{"missing"}},
		},
	})
	require.NoError(t, err)
	_, err = cyclic.Resolve([]string{"a"})
	require.True(t, protocol.IsCode(err, protocol.CodeInvalid), "err = %v", err)
	require.Contains(t, err.Error(), "a -> b -> a")

	_, err = cyclic.Resolve([]string{"c"})
	require.ErrorContains(t, err, `required by "c"`)
}

func TestLibraryValidation(t *testing.T) {
	_, err := ParseLibraries([]byte(`runtime: {name: rt, file: rt.js}`))
	require.Error(t, err)

	_, err = NewLibraries(LibraryConfig{
		Runtime:   Library{Name: "rt", File: "rt.js", Probe: "true"},
		Channel:   Library{Name: "ch", File: "ch.js", Probe: "true"},
		Libraries: []Library{{Name: "a", File: "a.js", Probe: "true"}, {Name: "a", File: "b.js", Probe: "true"}},
	})
	require.ErrorContains(t, err, "duplicate")
}

func TestLibrarySrc(t *testing.T) {
	l := Library{File: "/react.js"}
	require.Equal(t, "https://cdn.test/vendor/react.js", l.Src("https://cdn.test/vendor/"))
	abs := Library{File: "https://other.test/x.js"}
	require.Equal(t, "https://other.test/x.js", abs.Src("https://cdn.test"))
}

func TestLoadVendor(t *testing.T) {
	libs, err := ParseLibraries([]byte(librariesYAML))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scittle.js"), []byte("window.scittle = {};"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "react.production.min.js"), []byte("window.React = {};"), 0o644))

	vendor, err := libs.LoadVendor(dir, "https://cdn.test/dist/")
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"https://cdn.test/dist/scittle.js":              "window.scittle = {};",
		"https://cdn.test/dist/react.production.min.js": "window.React = {};",
	}, vendor)

	empty, err := libs.LoadVendor(filepath.Join(dir, "missing"), "https://cdn.test")
	require.NoError(t, err)
	require.Empty(t, empty)
}
