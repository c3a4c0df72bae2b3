package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	HTTPAddr string

	StoreDriver string
	StorePath   string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TelegramBotToken  string
	TelegramChannelID int64
	TelegramAPIURL    string
	BanCooldown       time.Duration

	TonAPIURL     string
	TonAPIKey     string
	TonWallet     string
	HTTPProxyAddr string

	RateSymbol   string
	RateCacheTTL time.Duration

	SweepInterval time.Duration

	JWTSecret           string
	MetricsUser         string
	MetricsPasswordHash string

	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load читает .env (если есть) и переменные окружения. Ошибки разбора
// числовых значений возвращаются сразу, обязательные поля проверяет Validate.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug(".env file not found, using process environment")
	}

	var errs []error
	cfg := &Config{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		StoreDriver:         getEnv("STORE_DRIVER", DriverFile),
		StorePath:           getEnv("STORE_PATH", "data/subscriptions.json"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		TelegramBotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAPIURL:      getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
		TonAPIURL:           getEnv("TONAPI_URL", "https://tonapi.io"),
		TonAPIKey:           os.Getenv("TONAPI_KEY"),
		TonWallet:           os.Getenv("TON_WALLET"),
		HTTPProxyAddr:       os.Getenv("HTTP_PROXY_ADDR"),
		RateSymbol:          getEnv("RATE_SYMBOL", "TONUSDT"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		MetricsUser:         os.Getenv("METRICS_USER"),
		MetricsPasswordHash: os.Getenv("METRICS_PASSWORD_HASH"),
		CORSOrigins:         splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")),
	}

	cfg.RedisDB = parse(&errs, "REDIS_DB", 0, strconv.Atoi)
	cfg.TelegramChannelID = parse(&errs, "TELEGRAM_CHANNEL_ID", int64(0), func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
	cfg.BanCooldown = parse(&errs, "BAN_COOLDOWN", 24*time.Hour, time.ParseDuration)
	cfg.RateCacheTTL = parse(&errs, "RATE_CACHE_TTL", 30*time.Second, time.ParseDuration)
	cfg.SweepInterval = parse(&errs, "SWEEP_INTERVAL", 24*time.Hour, time.ParseDuration)
	cfg.RateLimitRPS = parse(&errs, "RATE_LIMIT_RPS", 5.0, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
	cfg.RateLimitBurst = parse(&errs, "RATE_LIMIT_BURST", 20, strconv.Atoi)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет настройки, без которых сервер не может работать
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverFile:
		if c.StorePath == "" {
			errs = append(errs, errors.New("STORE_PATH is required for file store"))
		}
	case DriverPostgres, DriverSQLite:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for %s store", c.StoreDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.TelegramBotToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if c.TelegramChannelID == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHANNEL_ID is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if (c.MetricsUser == "") != (c.MetricsPasswordHash == "") {
		errs = append(errs, errors.New("METRICS_USER and METRICS_PASSWORD_HASH must be set together"))
	}
	if c.BanCooldown < 0 {
		errs = append(errs, errors.New("BAN_COOLDOWN must not be negative"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parse[T any](errs *[]error, key string, def T, fn func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := fn(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
