package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds runtime configuration parsed from environment variables.
type Config struct {
	Port             string
	PostgresURL      string
	RedisAddr        string
	KafkaBrokers     []string
	JobsTopic        string
	OTLPEndpoint     string
	CronSecret       string
	BaseCurrency     string
	CartTTL          time.Duration
	CheckoutCooldown time.Duration
	PaymentTTL       time.Duration
	HoldTTL          time.Duration
	DedupWindow      time.Duration
	ShutdownTimeout  time.Duration
	NotifierURL      string
	AdminAlertURL    string
	RatesURL         string
	PaymentsURL      string
	GatewaySecrets   map[string]string
}

var gateways = []string{"cryptobot", "freekassa", "rukassa", "crystalpay"}

// FromEnv builds Config with defaults, overridden by environment variables.
func FromEnv() Config {
	secrets := make(map[string]string, len(gateways))
	for _, name := range gateways {
		if v := os.Getenv("GATEWAY_" + strings.ToUpper(name) + "_SECRET"); v != "" {
			secrets[name] = v
		}
	}

	return Config{
		Port:             envOrDefault("PORT", "8080"),
		PostgresURL:      os.Getenv("POSTGRES_URL"),
		RedisAddr:        envOrDefault("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:     envList("KAFKA_BROKERS"),
		JobsTopic:        envOrDefault("JOBS_TOPIC", "order.jobs"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		CronSecret:       os.Getenv("CRON_SECRET"),
		BaseCurrency:     strings.ToUpper(envOrDefault("BASE_CURRENCY", "USD")),
		CartTTL:          envDuration("CART_TTL", 24*time.Hour),
		CheckoutCooldown: envDuration("CHECKOUT_COOLDOWN", 90*time.Second),
		PaymentTTL:       envDuration("PAYMENT_TTL", 30*time.Minute),
		HoldTTL:          envDuration("STOCK_HOLD_TTL", time.Hour),
		DedupWindow:      envDuration("JOB_DEDUP_WINDOW", 10*time.Minute),
		ShutdownTimeout:  envDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		NotifierURL:      os.Getenv("NOTIFIER_URL"),
		AdminAlertURL:    os.Getenv("ADMIN_ALERT_URL"),
		RatesURL:         os.Getenv("RATES_URL"),
		PaymentsURL:      os.Getenv("PAYMENTS_URL"),
		GatewaySecrets:   secrets,
	}
}

// Validate reports the required settings that are missing.
func (c Config) Validate(required ...string) error {
	var errs []error
	for _, key := range required {
		var missing bool
		switch key {
		case "POSTGRES_URL":
			missing = c.PostgresURL == ""
		case "KAFKA_BROKERS":
			missing = len(c.KafkaBrokers) == 0
		case "CRON_SECRET":
			missing = c.CronSecret == ""
		case "REDIS_ADDR":
			missing = c.RedisAddr == ""
		default:
			missing = os.Getenv(key) == ""
		}
		if missing {
			errs = append(errs, fmt.Errorf("%s environment variable is required", key))
		}
	}
	return errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envDuration accepts Go duration strings ("90s", "24h").
func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
