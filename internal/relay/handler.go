package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/pagebridge/internal/events"
)

// NewRouter serves the coordinator WebSocket at "/", plus health and the
// lifecycle event stream.
func NewRouter(r *Relay) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/health", healthHandler(r))
	router.Get("/events", events.SSEHandler(r.Events(), eventKind))
	router.Get("/", r.PeerHandler())
	return router
}

func healthHandler(r *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := struct {
			Status string `json:"status"`
			Stats
		}{Status: "ok", Stats: r.Stats()}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			slog.Debug("relay health write failed", "error", err)
		}
	}
}

func eventKind(e Event) string { return e.Kind }
