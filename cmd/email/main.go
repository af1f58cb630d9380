package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joao-fontenele/storefront-orders/internal/email"
	"github.com/joao-fontenele/storefront-orders/internal/httpserver"
	"github.com/joao-fontenele/storefront-orders/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, "email", os.Getenv("SERVICE_VERSION"))
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	handler := email.NewHandler(logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", telemetry.WithHTTPRoute(handler.HandleSend))
	mux.Handle("GET /metrics", tel.Metrics)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8084"
	}

	logger.Info("starting email service", "port", port)
	server := httpserver.New("email", ":"+port, mux, 10*time.Second)
	if err := httpserver.Run(ctx, server, 10*time.Second, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
