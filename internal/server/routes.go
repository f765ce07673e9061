// Package server wires HTTP handlers into a chi router for the relay.
package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/logging"
)

// SetupRoutes configures and returns the relay router: health on /healthz,
// WebSocket upgrades on /ws, and both on /.
func SetupRoutes(h *Handler, log *slog.Logger) http.Handler {
	log = logging.OrDefault(log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(log.Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/", h.Root)
	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", h.Health)
	return r
}
