// Package server constructs and runs the relay HTTP service with helpers
// that apply production defaults.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/logging"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve starts the hub and the HTTP server and blocks until ctx is cancelled or
// the listener fails. On return both the server and the hub have been shut down.
func Serve(ctx context.Context, srv *http.Server, hub *Hub, timeout time.Duration, log *slog.Logger) error {
	log = logging.OrDefault(log)

	go hub.Run()
	log.Info("Hub started and ready to manage WebSocket connections")

	errCh := make(chan error, 1)
	go func() {
		log.Info("Relay listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		serveErr = ShutdownServer(srv, timeout, log)
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	if err := hub.Shutdown(timeout); err != nil {
		log.Warn("Hub shutdown incomplete", "error", err)
	}
	return serveErr
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active requests.
// Hijacked WebSocket connections are closed by the hub, not here.
func ShutdownServer(srv *http.Server, timeout time.Duration, log *slog.Logger) error {
	log = logging.OrDefault(log)
	log.Info("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
		return err
	}

	log.Info("HTTP server shutdown completed")
	return nil
}
