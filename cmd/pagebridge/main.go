package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dgnsrekt/pagebridge/internal/api"
	"github.com/dgnsrekt/pagebridge/internal/bridge"
	"github.com/dgnsrekt/pagebridge/internal/config"
	"github.com/dgnsrekt/pagebridge/internal/coordinator"
	"github.com/dgnsrekt/pagebridge/internal/events"
	"github.com/dgnsrekt/pagebridge/internal/host"
	"github.com/dgnsrekt/pagebridge/internal/host/cdphost"
	"github.com/dgnsrekt/pagebridge/internal/host/memhost"
	"github.com/dgnsrekt/pagebridge/internal/injection"
	"github.com/dgnsrekt/pagebridge/internal/journal"
	"github.com/dgnsrekt/pagebridge/internal/logging"
	"github.com/dgnsrekt/pagebridge/internal/manifest"
	"github.com/dgnsrekt/pagebridge/internal/metrics"
	"github.com/dgnsrekt/pagebridge/internal/navigation"
	"github.com/dgnsrekt/pagebridge/internal/netutil"
	"github.com/dgnsrekt/pagebridge/internal/registry"
	"github.com/dgnsrekt/pagebridge/internal/socket"
)

// browser is a host platform that can also be told to open tabs and shut
// down.
type browser interface {
	host.Platform
	OpenTab(ctx context.Context, url string) (int, error)
	Close()
}

// memBrowser adapts the in-memory host to the context-taking OpenTab.
type memBrowser struct{ *memhost.Host }

func (m memBrowser) OpenTab(_ context.Context, url string) (int, error) {
	return m.Host.OpenTab(url)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	flagSet := pflag.NewFlagSet("pagebridge", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Host, "host", cfg.Host, "browser host: cdp or memory")
	flagSet.StringVar(&cfg.BindAddr, "bind-addr", cfg.BindAddr, "control API address")
	flagSet.StringVar(&cfg.ScriptsDir, "scripts-dir", cfg.ScriptsDir, "directory of *.jsonc script manifests")
	flagSet.StringVar(&cfg.StartupTabsFile, "startup-tabs", cfg.StartupTabsFile, "YAML file of tabs to open at start")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("pagebridge config loaded",
		"host", cfg.Host,
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"scripts_dir", cfg.ScriptsDir,
		"connect_all", cfg.ConnectAll,
		"auto_reconnect", cfg.AutoReconnect,
		"connect_port", cfg.ConnectPort,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	apiLn, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind control API", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	bindAddr := apiLn.Addr().String()

	catalog, err := manifest.LoadDir(cfg.ScriptsDir)
	if err != nil {
		slog.Warn("no user scripts loaded", "dir", cfg.ScriptsDir, "error", err)
		catalog = manifest.NewCatalog()
	}
	libs, err := manifest.LoadLibraries(cfg.LibrariesFile)
	if err != nil {
		slog.Error("failed to load library config", "path", cfg.LibrariesFile, "error", err)
		os.Exit(1)
	}
	slog.Info("user scripts loaded", "count", catalog.Len(), "libraries", libs.Names())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	bridgeOpts := bridge.Options{
		Heartbeat: cfg.Heartbeat(),
		OnDrop:    func(reason string) { m.Dropped("bridge", reason) },
	}

	var b browser
	switch cfg.Host {
	case config.HostMemory:
		vendor, err := libs.LoadVendor(cfg.VendorDir, cfg.VendorBaseURL)
		if err != nil {
			slog.Error("failed to load vendor libraries", "dir", cfg.VendorDir, "error", err)
			os.Exit(1)
		}
		slog.Info("vendor libraries loaded", "dir", cfg.VendorDir, "count", len(vendor))
		b = memBrowser{memhost.New(memhost.Options{Vendor: vendor, Bridge: bridgeOpts, Logger: logger})}
	default:
		h := cdphost.New(cdphost.Options{URL: cfg.CDPURL(), Bridge: bridgeOpts, Logger: logger})
		if err := h.Connect(ctx); err != nil {
			slog.Error("failed to connect to browser", "cdp_url", cfg.CDPURL(), "error", err)
			os.Exit(1)
		}
		b = h
	}

	settings := navigation.NewMemorySettings(cfg.NavigationSettings())
	broker := events.NewBroker[registry.Event]()
	coord := coordinator.New(coordinator.Options{
		Platform: b,
		Catalog:  catalog,
		Settings: settings,
		Dialer:   socket.WSDialer{Host: cfg.RelayHost, Timeout: cfg.SendTimeout()},
		Config: coordinator.Config{
			Heartbeat:       cfg.Heartbeat(),
			HeartbeatMisses: cfg.HeartbeatMisses,
			SendTimeout:     cfg.SendTimeout(),
			Injection: injection.Config{
				ProbeTimeout:  cfg.ProbeTimeout(),
				ProbeInterval: cfg.ProbeInterval(),
				VendorBaseURL: cfg.VendorBaseURL,
				Libraries:     libs,
			},
		},
		Logger:  logger,
		Metrics: m,
		Events:  broker,
	})

	var journalDone <-chan struct{}
	var jw *journal.Writer
	if cfg.JournalDir != "" {
		jw = journal.NewWriter(cfg.JournalDir, "connections", 0, 0)
		journalDone = journal.Record(ctx, broker, jw)
	}

	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Run(ctx) }()

	if cfg.StartupTabsFile != "" {
		openStartupTabs(ctx, b, cfg.StartupTabsFile)
	}

	srv := &http.Server{
		Handler:           api.NewServer(coord, api.Options{Settings: settings, Metrics: m.Handler()}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("control API listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(apiLn); err != nil && err != http.ErrServerClosed {
			slog.Error("control API server failed", "error", err)
			os.Exit(1)
		}
	}()

	var coordErr error
	select {
	case <-ctx.Done():
		coordErr = <-coordDone
	case coordErr = <-coordDone:
		stop()
	}
	if coordErr != nil && !errors.Is(coordErr, context.Canceled) {
		slog.Error("coordinator stopped", "error", coordErr)
	}
	slog.Info("pagebridge shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("control API shutdown failed", "error", err)
	}
	b.Close()
	if journalDone != nil {
		<-journalDone
		if err := jw.Close(); err != nil {
			slog.Error("journal close failed", "error", err)
		}
	}
}

func openStartupTabs(ctx context.Context, b browser, path string) {
	tabs, err := config.LoadStartupTabs(path)
	if err != nil {
		slog.Error("failed to load startup tabs", "path", path, "error", err)
		return
	}
	for _, t := range tabs.Tabs {
		id, err := b.OpenTab(ctx, t.URL)
		if err != nil {
			slog.Warn("failed to open startup tab", "url", t.URL, "error", err)
			continue
		}
		slog.Info("opened startup tab", "tab_id", id, "url", t.URL)
	}
}
