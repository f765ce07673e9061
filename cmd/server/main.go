package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/logging"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ens chat relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}

	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(cfg, log)
	handler := server.NewHandler(hub, log)
	srv := server.CreateServer(cfg.Addr(), server.SetupRoutes(handler, log))

	log.Info("Starting ENS chat relay",
		"addr", cfg.Addr(),
		"allowed_origins", cfg.AllowedOrigins,
		"history_capacity", cfg.HistoryCapacity,
		"catch_up", cfg.CatchUpSize)

	return server.Serve(ctx, srv, hub, shutdownTimeout, log)
}
