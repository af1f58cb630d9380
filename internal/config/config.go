// Package config loads the orders service settings from the environment.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	ServiceVersion string

	PostgresURL  string
	InventoryURL string
	RedisAddr    string
	KafkaBrokers []string
	EventsTopic  string

	JWTSecret string
	JWTIssuer string

	DeliveryFee           int64
	FreeDeliveryThreshold int64

	SweepInterval   time.Duration
	DispatchWorkers int
	DispatchQueue   int
	MaxProofBytes   int64
	IdempotencyTTL  time.Duration
}

var envKeys = map[string]string{
	"port":                    "PORT",
	"service_version":         "SERVICE_VERSION",
	"postgres_url":            "POSTGRES_URL",
	"inventory_url":           "INVENTORY_SERVICE_URL",
	"redis_addr":              "REDIS_ADDR",
	"kafka_brokers":           "KAFKA_BROKERS",
	"events_topic":            "EVENTS_TOPIC",
	"jwt_secret":              "JWT_SECRET",
	"jwt_issuer":              "JWT_ISSUER",
	"delivery_fee":            "DELIVERY_FEE",
	"free_delivery_threshold": "FREE_DELIVERY_THRESHOLD",
	"sweep_interval":          "SWEEP_INTERVAL",
	"dispatch_workers":        "DISPATCH_WORKERS",
	"dispatch_queue":          "DISPATCH_QUEUE",
	"max_proof_bytes":         "MAX_PROOF_BYTES",
	"idempotency_ttl":         "IDEMPOTENCY_TTL",
}

// Load reads the environment. It takes a *viper.Viper so tests can feed
// values without touching the process environment.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, err
		}
	}

	v.SetDefault("port", "8081")
	v.SetDefault("service_version", "dev")
	v.SetDefault("events_topic", "order.events")
	v.SetDefault("jwt_issuer", "storefront")
	v.SetDefault("delivery_fee", 200)
	v.SetDefault("free_delivery_threshold", 5000)
	v.SetDefault("sweep_interval", time.Hour)
	v.SetDefault("dispatch_workers", 4)
	v.SetDefault("dispatch_queue", 1024)
	v.SetDefault("max_proof_bytes", 5<<20)
	v.SetDefault("idempotency_ttl", 24*time.Hour)

	cfg := Config{
		Port:                  v.GetString("port"),
		ServiceVersion:        v.GetString("service_version"),
		PostgresURL:           v.GetString("postgres_url"),
		InventoryURL:          v.GetString("inventory_url"),
		RedisAddr:             v.GetString("redis_addr"),
		KafkaBrokers:          splitList(v.GetString("kafka_brokers")),
		EventsTopic:           v.GetString("events_topic"),
		JWTSecret:             v.GetString("jwt_secret"),
		JWTIssuer:             v.GetString("jwt_issuer"),
		DeliveryFee:           v.GetInt64("delivery_fee"),
		FreeDeliveryThreshold: v.GetInt64("free_delivery_threshold"),
		SweepInterval:         v.GetDuration("sweep_interval"),
		DispatchWorkers:       v.GetInt("dispatch_workers"),
		DispatchQueue:         v.GetInt("dispatch_queue"),
		MaxProofBytes:         v.GetInt64("max_proof_bytes"),
		IdempotencyTTL:        v.GetDuration("idempotency_ttl"),
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.PostgresURL == "" {
		errs = append(errs, errors.New("POSTGRES_URL is required"))
	}
	if c.InventoryURL == "" {
		errs = append(errs, errors.New("INVENTORY_SERVICE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.DeliveryFee < 0 || c.FreeDeliveryThreshold < 0 {
		errs = append(errs, errors.New("delivery pricing must not be negative"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
