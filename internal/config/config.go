package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultAppName           = "SpendGuard"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultDailyLimitUSD     = "1000"
	defaultCashbackRate      = "0.02"
	defaultVelocityMax       = 5
	defaultVelocityWindow    = 10 * time.Minute
	defaultReconcileInterval = 30 * time.Second
	defaultReconcileBatch    = 100
	defaultReconcileTimeout  = 60 * time.Minute
	defaultNotifyQueueSize   = 256
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	JWTSecret      string
	WebhookSecrets map[string]string
	AllowedIPs     []string

	DailyLimitUSD   decimal.Decimal
	CashbackRate    decimal.Decimal
	VelocityMax     int
	VelocityWindow  time.Duration
	FraudReviewOnly bool
	RulesFile       string

	ReconcileInterval time.Duration
	ReconcileBatch    int
	ReconcileTimeout  time.Duration

	EVMRPCURLs      map[string]string
	SolanaRPCURLs   map[string]string
	NotifyQueueSize int
}

// Load reads configuration values from the environment and populates a Config
// instance. A .env file in the working directory is honoured when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:         getEnv("APP_NAME", defaultAppName),
		AppEnv:          getEnv("APP_ENV", defaultAppEnv),
		Port:            getEnv("PORT", defaultPort),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		AllowedIPs:      splitList(os.Getenv("AUTHORIZE_ALLOWED_IPS")),
		RulesFile:       os.Getenv("RULES_FILE"),
		FraudReviewOnly: strings.EqualFold(os.Getenv("FRAUD_REVIEW_ONLY"), "true"),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.VelocityWindow, err = durationEnv("VELOCITY_WINDOW", defaultVelocityWindow); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileInterval, err = durationEnv("RECONCILE_INTERVAL", defaultReconcileInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileTimeout, err = durationEnv("RECONCILE_TIMEOUT", defaultReconcileTimeout); err != nil {
		return Config{}, err
	}
	if cfg.VelocityMax, err = intEnv("VELOCITY_MAX", defaultVelocityMax); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileBatch, err = intEnv("RECONCILE_BATCH", defaultReconcileBatch); err != nil {
		return Config{}, err
	}
	if cfg.NotifyQueueSize, err = intEnv("NOTIFY_QUEUE_SIZE", defaultNotifyQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.DailyLimitUSD, err = decimalEnv("DAILY_LIMIT_USD", defaultDailyLimitUSD); err != nil {
		return Config{}, err
	}
	if cfg.CashbackRate, err = decimalEnv("CASHBACK_RATE", defaultCashbackRate); err != nil {
		return Config{}, err
	}
	if cfg.WebhookSecrets, err = pairsEnv("WEBHOOK_SECRETS", ":"); err != nil {
		return Config{}, err
	}
	if cfg.EVMRPCURLs, err = pairsEnv("EVM_RPC_URLS", "="); err != nil {
		return Config{}, err
	}
	if cfg.SolanaRPCURLs, err = pairsEnv("SOLANA_RPC_URLS", "="); err != nil {
		return Config{}, err
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if cfg.JWTSecret == "" {
			return Config{}, fmt.Errorf("JWT_SECRET must be set")
		}
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the service runs in a development environment where
// in-memory backends are acceptable.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationEnv accepts either KEY_SECONDS (integer) or KEY (Go duration).
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}

func decimalEnv(key, fallback string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}

// pairsEnv parses "a<sep>x,b<sep>y" into a map.
func pairsEnv(key, sep string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(os.Getenv(key)) {
		k, v, ok := strings.Cut(item, sep)
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("invalid %s entry %q", key, item)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
