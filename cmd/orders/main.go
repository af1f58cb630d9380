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
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/joao-fontenele/storefront-orders/internal/auth"
	"github.com/joao-fontenele/storefront-orders/internal/config"
	"github.com/joao-fontenele/storefront-orders/internal/httpserver"
	"github.com/joao-fontenele/storefront-orders/internal/idempotency"
	"github.com/joao-fontenele/storefront-orders/internal/inventory"
	"github.com/joao-fontenele/storefront-orders/internal/media"
	"github.com/joao-fontenele/storefront-orders/internal/messaging"
	"github.com/joao-fontenele/storefront-orders/internal/notify"
	"github.com/joao-fontenele/storefront-orders/internal/orders"
	"github.com/joao-fontenele/storefront-orders/internal/pricing"
	"github.com/joao-fontenele/storefront-orders/internal/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(viper.New())
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	tel, err := telemetry.Init(ctx, "orders", cfg.ServiceVersion)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	db, err := telemetry.OpenDB("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	httpClient := httpserver.Client(10 * time.Second)

	var sink notify.Sink = notify.NewLogSink(logger)
	if len(cfg.KafkaBrokers) > 0 {
		producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.EventsTopic)
		defer func() { _ = producer.Close() }()
		sink = notify.NewKafkaSink(producer)
	}
	dispatcher := notify.NewDispatcher(sink, logger, cfg.DispatchQueue)
	dispatcher.Start(cfg.DispatchWorkers)

	var idem orders.Idempotency
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		idem = idempotency.NewRedisStore(rdb, cfg.IdempotencyTTL)
	}

	svc := orders.NewService(orders.Deps{
		Store:      orders.NewOrderRepository(db),
		Stock:      inventory.NewClient(cfg.InventoryURL, httpClient),
		Proofs:     media.NewPostgresStore(db),
		Pricing:    pricing.FlatRate{Fee: cfg.DeliveryFee, FreeThreshold: cfg.FreeDeliveryThreshold},
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	handler := orders.NewHandler(svc, idem, logger, cfg.MaxProofBytes)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go orders.NewSweeper(svc, cfg.SweepInterval, logger).Run(sweepCtx)

	mux := http.NewServeMux()
	handler.Register(mux, telemetry.WithHTTPRoute)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", tel.Metrics)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	logger.Info("starting orders service", "port", cfg.Port, "kafka", len(cfg.KafkaBrokers) > 0, "idempotency", idem != nil)
	server := httpserver.New("orders", ":"+cfg.Port, verifier.Middleware(mux), 30*time.Second)
	if err := httpserver.Run(ctx, server, 10*time.Second, logger); err != nil {
		logger.Error("server error", "error", err)
	}

	stopSweeper()
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		logger.Error("failed to drain notifications", "error", err)
	}
}
