package coordinator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/pagebridge/internal/bridge"
	"github.com/dgnsrekt/pagebridge/internal/host"
	"github.com/dgnsrekt/pagebridge/internal/host/memhost"
	"github.com/dgnsrekt/pagebridge/internal/injection"
	"github.com/dgnsrekt/pagebridge/internal/manifest"
	"github.com/dgnsrekt/pagebridge/internal/metrics"
	"github.com/dgnsrekt/pagebridge/internal/navigation"
	"github.com/dgnsrekt/pagebridge/internal/socket"
)

const (
	vendorBase = "https://vendor.test"
	pageURL    = "https://example.test/app"
	waitFor    = 3 * time.Second
	tick       = 5 * time.Millisecond
)

// vendor stands in for the evaluation runtime and its socket channel.
var vendor = map[string]string{
	vendorBase + "/scittle.js": `
window.scittle = { core: { eval_script_tags: function (el) {
  window.__evaluated = (window.__evaluated || []).concat([el.id]);
} } };`,
	vendorBase + "/scittle.nrepl.js": `
(function () {
  window.__received = [];
  window.addEventListener("message", function (evt) {
    var m = evt.data;
    if (m.source !== "bridge") { return; }
    if (m.type === "ws-open") { window.__open = true; }
    if (m.type === "ws-message") { window.__received.push(m.payload.data); }
    if (m.type === "ws-closed") { window.__open = false; }
  });
  window.scittle.nrepl = true;
  window.postMessage({ source: "page", type: "ws-connect", payload: { port: window.SCITTLE_NREPL_WEBSOCKET_PORT } });
})();`,
}

func testLibraries(t *testing.T) *manifest.Libraries {
	t.Helper()
	libs, err := manifest.NewLibraries(manifest.LibraryConfig{
		Runtime: manifest.Library{Name: "scittle", File: "scittle.js", Probe: "typeof scittle !== 'undefined'"},
		Channel: manifest.Library{Name: "scittle.nrepl", File: "scittle.nrepl.js", Probe: "!!(window.scittle && window.scittle.nrepl)"},
	})
	require.NoError(t, err)
	return libs
}

func script(id string, runAt manifest.RunAt) *manifest.ScriptMatch {
	return &manifest.ScriptMatch{
		ID:            id,
		Name:          id,
		MatchPatterns: []string{"*://example.test/*"},
		RunAt:         runAt,
		Enabled:       true,
		Code:          `(println "` + id + `")`,
	}
}

type fixture struct {
	host     *memhost.Host
	coord    *Coordinator
	settings *navigation.MemorySettings
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, settings navigation.Settings, scripts ...*manifest.ScriptMatch) *fixture {
	t.Helper()
	return newFixtureWithLibraries(t, settings, testLibraries(t), scripts...)
}

func newFixtureWithLibraries(t *testing.T, settings navigation.Settings, libs *manifest.Libraries, scripts ...*manifest.ScriptMatch) *fixture {
	t.Helper()
	h := memhost.New(memhost.Options{
		Vendor: vendor,
		Bridge: bridge.Options{Heartbeat: time.Hour},
	})
	m := metrics.New()
	ms := navigation.NewMemorySettings(settings)
	c := New(Options{
		Platform: h,
		Catalog:  manifest.NewCatalog(scripts...),
		Settings: ms,
		Dialer:   socket.WSDialer{Timeout: 2 * time.Second},
		Metrics:  m,
		Config: Config{
			Heartbeat:      time.Hour,
			SendTimeout:    2 * time.Second,
			ConnectBackoff: 10 * time.Millisecond,
			Injection: injection.Config{
				ProbeTimeout:  2 * time.Second,
				ProbeInterval: 5 * time.Millisecond,
				VendorBaseURL: vendorBase,
				Libraries:     libs,
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		h.Close()
	})

	want := len(host.RegistrationsFor(scripts))
	require.Eventually(t, func() bool { return len(h.Registrations()) == want }, waitFor, tick)
	return &fixture{host: h, coord: c, settings: ms, metrics: m}
}

// evaluated lists the script elements the page runtime has evaluated.
func (f *fixture) evaluated(tabID int) []string {
	page, ok := f.host.Page(tabID)
	if !ok {
		return nil
	}
	v, err := page.Run("JSON.stringify(window.__evaluated || [])")
	if err != nil {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String()), &out); err != nil {
		return nil
	}
	return out
}

func (f *fixture) pageBool(tabID int, expr string) bool {
	page, ok := f.host.Page(tabID)
	if !ok {
		return false
	}
	v, err := page.Run("!!(" + expr + ")")
	if err != nil {
		return false
	}
	return v.ToBoolean()
}

func (f *fixture) pageStrings(tabID int, expr string) []string {
	page, ok := f.host.Page(tabID)
	if !ok {
		return nil
	}
	v, err := page.Run("JSON.stringify(" + expr + " || [])")
	if err != nil {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(v.String()), &out)
	return out
}

// open loads pageURL in a new tab and waits until the late marker script
// has run, which means the navigation has been fully handled.
func (f *fixture) open(t *testing.T) int {
	t.Helper()
	tabID, err := f.host.OpenTab(pageURL)
	require.NoError(t, err)
	f.waitLoaded(t, tabID)
	return tabID
}

func (f *fixture) waitLoaded(t *testing.T, tabID int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, id := range f.evaluated(tabID) {
			if id == injection.ElementID("marker") {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

type echoServer struct {
	port  int
	conns atomic.Int32
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		es.conns.Add(1)
		go func() {
			defer conn.Close()
			for {
				data, _, err := wsutil.ReadClientData(conn)
				if err != nil {
					return
				}
				_ = wsutil.WriteServerText(conn, append([]byte("echo:"), data...))
			}
		}()
	}))
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	es.port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return es
}

func TestEarlyAndLateScriptsInjectedOnce(t *testing.T) {
	f := newFixture(t, navigation.Settings{},
		script("marker", manifest.RunAtDocumentIdle),
		script("early", manifest.RunAtDocumentStart),
	)
	tabID := f.open(t)

	require.Equal(t, []string{injection.ElementID("early"), injection.ElementID("marker")}, f.evaluated(tabID))

	page, ok := f.host.Page(tabID)
	require.True(t, ok)
	require.Equal(t, []string{
		"pagebridge-lib-scittle",
		injection.ElementID("early"),
		injection.ElementID("marker"),
	}, page.ElementOrder())
	require.Equal(t, 3, page.Injections())

	// A manual re-run on a fully injected page finds nothing left to do.
	state, err := f.coord.InjectScript(context.Background(), tabID, "early")
	require.NoError(t, err)
	require.Equal(t, injection.StageEvaluated, state.Reached)
	require.Equal(t, 3, page.Injections())

	snap, ok := f.coord.InjectionState(tabID)
	require.True(t, ok)
	require.Equal(t, "early", snap.ScriptID)
	require.True(t, snap.Done)

	require.Equal(t, float64(3), testutil.ToFloat64(f.metrics.Injections.WithLabelValues("ok")))
}

func TestNavigationSupersedesPendingInjection(t *testing.T) {
	// The runtime only reports ready once the page sets __runtimeReady.
	libs, err := manifest.NewLibraries(manifest.LibraryConfig{
		Runtime: manifest.Library{Name: "scittle", File: "scittle.js", Probe: "typeof scittle !== 'undefined' && window.__runtimeReady === true"},
		Channel: manifest.Library{Name: "scittle.nrepl", File: "scittle.nrepl.js", Probe: "!!(window.scittle && window.scittle.nrepl)"},
	})
	require.NoError(t, err)
	f := newFixtureWithLibraries(t, navigation.Settings{}, libs, script("marker", manifest.RunAtDocumentIdle))

	tabID, err := f.host.OpenTab(pageURL)
	require.NoError(t, err)
	first, ok := f.host.Page(tabID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		for _, id := range first.ElementOrder() {
			if id == "pagebridge-lib-scittle" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	require.NoError(t, f.host.Navigate(tabID, pageURL+"/next"))
	second, ok := f.host.Page(tabID)
	require.True(t, ok)
	_, err = second.Run("window.__runtimeReady = true")
	require.NoError(t, err)
	f.waitLoaded(t, tabID)

	// The old attempt ends as superseded, or as closed if its bridge went
	// away before the navigation event was handled.
	require.Eventually(t, func() bool {
		gone := testutil.ToFloat64(f.metrics.Injections.WithLabelValues("TAB_GONE"))
		closed := testutil.ToFloat64(f.metrics.Injections.WithLabelValues("TRANSPORT_CLOSED"))
		return gone+closed == 1
	}, waitFor, tick)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Injections.WithLabelValues("ok")))

	require.Equal(t, []string{injection.ElementID("marker")}, f.evaluated(tabID))
	require.Equal(t, []string{"pagebridge-lib-scittle", injection.ElementID("marker")}, second.ElementOrder())
	require.Equal(t, 2, second.Injections())
	require.Equal(t, 1, first.Injections())
}

func TestSubFrameNavigationIgnored(t *testing.T) {
	f := newFixture(t, navigation.Settings{}, script("marker", manifest.RunAtDocumentIdle))
	tabID := f.open(t)

	f.host.NavigateFrame(tabID, 7, pageURL+"/frame")
	state, err := f.coord.InjectScript(context.Background(), tabID, "marker")
	require.NoError(t, err)
	require.Equal(t, injection.StageEvaluated, state.Reached)
	require.Equal(t, []string{injection.ElementID("marker")}, f.evaluated(tabID))
}

func TestConnectAllRelaysSocketTraffic(t *testing.T) {
	es := newEchoServer(t)
	f := newFixture(t, navigation.Settings{ConnectAll: true, Port: es.port}, script("marker", manifest.RunAtDocumentIdle))
	tabID := f.open(t)

	require.Eventually(t, func() bool { return f.pageBool(tabID, "window.__open") }, waitFor, tick)
	conns := f.coord.Connections()
	require.Len(t, conns, 1)
	require.Equal(t, tabID, conns[0].TabID)
	require.Equal(t, es.port, conns[0].Port)

	page, _ := f.host.Page(tabID)
	for _, msg := range []string{"one", "two", "three"} {
		_, err := page.Run(`window.postMessage({ source: "page", type: "ws-send", payload: { data: "` + msg + `" } })`)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return len(f.pageStrings(tabID, "window.__received")) == 3
	}, waitFor, tick)
	require.Equal(t, []string{"echo:one", "echo:two", "echo:three"}, f.pageStrings(tabID, "window.__received"))
	require.Equal(t, int32(1), es.conns.Load())
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Directives.WithLabelValues("connect")))
}

func TestUnauthorizedConnectRejected(t *testing.T) {
	f := newFixture(t, navigation.Settings{}, script("marker", manifest.RunAtDocumentIdle))
	tabID := f.open(t)

	page, _ := f.host.Page(tabID)
	_, err := page.Run(`
window.addEventListener("message", function (evt) {
  if (evt.data.type === "ws-error") { window.__wsError = evt.data.payload.error; }
});
window.postMessage({ source: "page", type: "ws-connect", payload: { port: 4444 } });`)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.pageBool(tabID, "window.__wsError") }, waitFor, tick)
	require.Empty(t, f.coord.Connections())
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EnvelopesDropped.WithLabelValues("coordinator", "unauthorized")))
}

func TestForgedSourceDropped(t *testing.T) {
	f := newFixture(t, navigation.Settings{}, script("marker", manifest.RunAtDocumentIdle))
	tabID := f.open(t)

	page, _ := f.host.Page(tabID)
	// Page code claiming to be the bridge never reaches the coordinator.
	_, err := page.Run(`window.postMessage({ source: "bridge", type: "ws-connect", payload: { port: 4444 } })`)
	require.NoError(t, err)
	_, err = page.Run(`window.postMessage({ source: "page", type: "inject-code", payload: { id: "x", code: "1" } })`)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.coord.Connections())
	require.Equal(t, float64(0), testutil.ToFloat64(f.metrics.EnvelopesDropped.WithLabelValues("coordinator", "unauthorized")))
}

func TestReconnectAfterNavigation(t *testing.T) {
	es := newEchoServer(t)
	f := newFixture(t, navigation.Settings{AutoReconnect: true}, script("marker", manifest.RunAtDocumentIdle))
	tabID := f.open(t)

	conn, err := f.coord.ConnectTab(context.Background(), tabID, es.port)
	require.NoError(t, err)
	require.Equal(t, es.port, conn.Port)
	require.Eventually(t, func() bool { return f.pageBool(tabID, "window.__open") }, waitFor, tick)

	require.NoError(t, f.host.Navigate(tabID, pageURL+"/next"))
	f.waitLoaded(t, tabID)
	require.Eventually(t, func() bool { return f.pageBool(tabID, "window.__open") }, waitFor, tick)

	require.Len(t, f.coord.Connections(), 1)
	require.Equal(t, int32(2), es.conns.Load())
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Directives.WithLabelValues("reconnect")))
}

func TestConnectTabValidation(t *testing.T) {
	f := newFixture(t, navigation.Settings{})

	_, err := f.coord.ConnectTab(context.Background(), 99, 1340)
	require.Error(t, err)
	require.Contains(t, err.Error(), "TAB_GONE")

	_, err = f.coord.ConnectTab(context.Background(), 1, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "VALIDATION")

	_, err = f.coord.InjectScript(context.Background(), 1, "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "VALIDATION")
}

func TestDisconnectKeepsHistory(t *testing.T) {
	es := newEchoServer(t)
	f := newFixture(t, navigation.Settings{}, script("marker", manifest.RunAtDocumentIdle))
	tabID := f.open(t)

	_, err := f.coord.ConnectTab(context.Background(), tabID, es.port)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.pageBool(tabID, "window.__open") }, waitFor, tick)

	existed, err := f.coord.DisconnectTab(context.Background(), tabID)
	require.NoError(t, err)
	require.True(t, existed)
	require.Empty(t, f.coord.Connections())
	require.Eventually(t, func() bool { return !f.pageBool(tabID, "window.__open") }, waitFor, tick)

	port, ok := f.coord.HistoryPort(tabID)
	require.True(t, ok)
	require.Equal(t, es.port, port)
	require.False(t, f.coord.Store().authorized(tabID, es.port))
}

func TestTabRemovalPurgesState(t *testing.T) {
	es := newEchoServer(t)
	f := newFixture(t, navigation.Settings{}, script("marker", manifest.RunAtDocumentIdle))
	tabID := f.open(t)

	_, err := f.coord.ConnectTab(context.Background(), tabID, es.port)
	require.NoError(t, err)

	f.host.CloseTab(tabID)
	require.Eventually(t, func() bool {
		_, inHistory := f.coord.HistoryPort(tabID)
		return len(f.coord.Connections()) == 0 && !inHistory
	}, waitFor, tick)
	_, ok := f.coord.InjectionState(tabID)
	require.False(t, ok)
}

func TestEvictDropsEverything(t *testing.T) {
	es := newEchoServer(t)
	f := newFixture(t, navigation.Settings{AutoReconnect: true}, script("marker", manifest.RunAtDocumentIdle))
	tabID := f.open(t)

	_, err := f.coord.ConnectTab(context.Background(), tabID, es.port)
	require.NoError(t, err)

	f.coord.Evict()
	require.Empty(t, f.coord.Connections())
	_, ok := f.coord.HistoryPort(tabID)
	require.False(t, ok)
	_, ok = f.coord.InjectionState(tabID)
	require.False(t, ok)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Evictions))

	// Registrations live in the host, so the next load is still handled.
	require.NoError(t, f.host.Navigate(tabID, pageURL+"/after"))
	f.waitLoaded(t, tabID)
	require.Empty(t, f.coord.Connections())

	_, err = f.coord.ConnectTab(context.Background(), tabID, es.port)
	require.NoError(t, err)
	require.Len(t, f.coord.Connections(), 1)
}

func TestHeartbeatExpiryDropsConnection(t *testing.T) {
	es := newEchoServer(t)
	f := newFixture(t, navigation.Settings{}, script("marker", manifest.RunAtDocumentIdle))
	tabID := f.open(t)

	_, err := f.coord.ConnectTab(context.Background(), tabID, es.port)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.pageBool(tabID, "window.__open") }, waitFor, tick)

	f.coord.expireBefore(time.Now().Add(time.Hour))
	require.Eventually(t, func() bool { return len(f.coord.Connections()) == 0 }, waitFor, tick)
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.HeartbeatExpiries))
}
