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

	"github.com/dgnsrekt/pagebridge/internal/config"
	"github.com/dgnsrekt/pagebridge/internal/journal"
	"github.com/dgnsrekt/pagebridge/internal/logging"
	"github.com/dgnsrekt/pagebridge/internal/netutil"
	"github.com/dgnsrekt/pagebridge/internal/relay"
)

func main() {
	cfg := config.LoadRelay()

	flagSet := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.NREPLAddr, "nrepl-addr", cfg.NREPLAddr, "TCP address for evaluation clients")
	flagSet.StringVar(&cfg.WSAddr, "ws-addr", cfg.WSAddr, "HTTP address for the coordinator WebSocket")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "rotated log file; empty logs to stdout only")
	journalDir := flagSet.String("journal-dir", "", "write relay events as JSON lines under this directory")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if _, err := logging.Setup(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("relay config loaded",
		"nrepl_addr", cfg.NREPLAddr,
		"ws_addr", cfg.WSAddr,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := relay.New(nil)
	if *journalDir != "" {
		w := journal.NewWriter(*journalDir, "relay", 0, 0)
		defer func() { _ = w.Close() }()
		journal.Record(ctx, r.Events(), w)
	}

	ln, err := netutil.Listen(cfg.NREPLAddr, nil, false)
	if err != nil {
		slog.Error("failed to listen for evaluation clients", "addr", cfg.NREPLAddr, "error", err)
		os.Exit(1)
	}
	wsLn, err := netutil.Listen(cfg.WSAddr, nil, false)
	if err != nil {
		slog.Error("failed to listen for coordinator sockets", "addr", cfg.WSAddr, "error", err)
		os.Exit(1)
	}
	clientsDone := make(chan error, 1)
	go func() { clientsDone <- r.ServeClients(ctx, ln) }()

	srv := &http.Server{Handler: relay.NewRouter(r), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("relay listening", "nrepl", cfg.NREPLAddr, "ws", "ws://"+wsLn.Addr().String()+"/")
		if err := srv.Serve(wsLn); err != nil && err != http.ErrServerClosed {
			slog.Error("relay server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("relay shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("relay shutdown failed", "error", err)
	}
	r.Close()
	if err := <-clientsDone; err != nil {
		slog.Error("relay client listener failed", "error", err)
	}
}
