package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/joao-fontenele/storefront-orders/internal/httpserver"
	"github.com/joao-fontenele/storefront-orders/internal/inventory"
	"github.com/joao-fontenele/storefront-orders/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	tel, err := telemetry.Init(ctx, "inventory", os.Getenv("SERVICE_VERSION"))
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database connection", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	inventory.NewHandler(inventory.NewRepository(db), logger).Register(mux, telemetry.WithHTTPRoute)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", tel.Metrics)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	logger.Info("starting inventory service", "port", port)
	server := httpserver.New("inventory", ":"+port, mux, 10*time.Second)
	if err := httpserver.Run(ctx, server, 10*time.Second, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
