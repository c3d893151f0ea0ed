package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/pagebridge/internal/coordinator"
	"github.com/dgnsrekt/pagebridge/internal/events"
	"github.com/dgnsrekt/pagebridge/internal/injection"
	"github.com/dgnsrekt/pagebridge/internal/manifest"
	"github.com/dgnsrekt/pagebridge/internal/navigation"
	"github.com/dgnsrekt/pagebridge/internal/protocol"
	"github.com/dgnsrekt/pagebridge/internal/registry"
)

// Service is the coordinator surface the control API drives.
type Service interface {
	Health() coordinator.Health
	Connections() []registry.TabConnection
	Scripts() []*manifest.ScriptMatch
	ConnectTab(ctx context.Context, tabID, port int) (registry.TabConnection, error)
	DisconnectTab(ctx context.Context, tabID int) (bool, error)
	InjectScript(ctx context.Context, tabID int, scriptID string) (injection.State, error)
	InjectionState(tabID int) (injection.State, bool)
	Evict()
	Events() *events.Broker[registry.Event]
}

// SettingsStore holds the connection policy the control API may change.
type SettingsStore interface {
	navigation.SettingsSource
	Set(navigation.Settings) navigation.Settings
}

// Options are the optional parts of the server.
type Options struct {
	Settings SettingsStore
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

const (
	apiTitle    = "pagebridge control API"
	eventsPath  = "/api/v1/events"
	metricsPath = "/metrics"
)

type tabIDInput struct {
	TabID int `path:"tab_id" minimum:"1" doc:"Browser tab id"`
}

func NewServer(svc Service, opts Options) http.Handler {
	router := chi.NewMux()
	router.Use(requestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig(apiTitle, "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	page := docsPage{Title: apiTitle, OpenAPIPath: cfg.OpenAPIPath + ".json", EventsPath: eventsPath}
	if opts.Metrics != nil {
		page.MetricsPath = metricsPath
	}
	docs := renderDocs(page)
	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := w.Write(docs); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get(eventsPath, events.SSEHandler(svc.Events(), func(e registry.Event) string {
		return string(e.Kind)
	}))
	if opts.Metrics != nil {
		router.Handle(metricsPath, opts.Metrics)
	}

	registerHealthHandlers(api, svc)
	registerConnectionHandlers(api, svc)
	registerScriptHandlers(api, svc)
	if opts.Settings != nil {
		registerSettingsHandlers(api, opts.Settings)
	}

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *protocol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case protocol.CodeValidation, protocol.CodeInvalid:
			return huma.Error400BadRequest(coded.Message)
		case protocol.CodeTabGone:
			return huma.Error404NotFound(coded.Message)
		case protocol.CodeTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case protocol.CodeTransportClosed, protocol.CodeRejected:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
