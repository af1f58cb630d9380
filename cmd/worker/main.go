package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joao-fontenele/storefront-orders/internal/httpserver"
	"github.com/joao-fontenele/storefront-orders/internal/messaging"
	"github.com/joao-fontenele/storefront-orders/internal/telemetry"
	"github.com/joao-fontenele/storefront-orders/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	emailServiceURL := os.Getenv("EMAIL_SERVICE_URL")
	if emailServiceURL == "" {
		logger.Error("EMAIL_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	topic := envOr("EVENTS_TOPIC", "order.events")
	groupID := envOr("CONSUMER_GROUP", "notification-worker")

	adminEmail := os.Getenv("ADMIN_EMAIL")
	if adminEmail == "" {
		logger.Warn("ADMIN_EMAIL is not set, admin notifications will be skipped")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, "notification-worker", os.Getenv("SERVICE_VERSION"))
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	brokers := strings.Split(kafkaBrokers, ",")
	consumer := messaging.NewConsumer(brokers, topic, groupID,
		messaging.WithRetry(envInt("HANDLER_ATTEMPTS", 5), time.Second),
		messaging.WithLogger(logger),
	)
	defer func() { _ = consumer.Close() }()

	notifications := worker.NewNotificationHandler(emailServiceURL, adminEmail, httpserver.Client(10*time.Second), logger)

	logger.Info("starting notification worker", "brokers", brokers, "topic", topic, "group", groupID)

	if err := consumer.Consume(ctx, notifications.Handle); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
