package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joao-fontenele/storefront-orders/internal/gateway"
	"github.com/joao-fontenele/storefront-orders/internal/httpserver"
	"github.com/joao-fontenele/storefront-orders/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ordersServiceURL := os.Getenv("ORDERS_SERVICE_URL")
	if ordersServiceURL == "" {
		logger.Error("ORDERS_SERVICE_URL is required")
		os.Exit(1)
	}

	inventoryServiceURL := os.Getenv("INVENTORY_SERVICE_URL")
	if inventoryServiceURL == "" {
		logger.Error("INVENTORY_SERVICE_URL is required")
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ratePerSecond := envFloat("RATE_LIMIT_RPS", 10)
	burst := int(envFloat("RATE_LIMIT_BURST", 20))

	tel, err := telemetry.Init(ctx, "gateway", os.Getenv("SERVICE_VERSION"))
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	client := httpserver.Client(30 * time.Second)
	handler := gateway.NewHandler(
		gateway.NewServiceProxy(ordersServiceURL, client),
		gateway.NewServiceProxy(inventoryServiceURL, client),
		logger,
	)
	limiter := gateway.NewClientLimiter(ratePerSecond, burst, logger)

	mux := http.NewServeMux()
	handler.Register(mux, telemetry.WithHTTPRoute)
	mux.Handle("GET /metrics", tel.Metrics)

	logger.Info("starting gateway service", "port", port, "rate_limit_rps", ratePerSecond, "burst", burst)
	server := httpserver.New("gateway", ":"+port, limiter.Middleware(mux), 30*time.Second)
	if err := httpserver.Run(ctx, server, 10*time.Second, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
