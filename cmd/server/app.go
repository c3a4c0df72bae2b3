package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"tonpass/internal/access"
	"tonpass/internal/access/telegram"
	"tonpass/internal/config"
	"tonpass/internal/payment"
	"tonpass/internal/payment/oracle"
	"tonpass/internal/payment/tonapi"
	"tonpass/internal/subscription"
	"tonpass/internal/subscription/lock"
	"tonpass/internal/subscription/repository"
	"tonpass/internal/subscription/service"
	"tonpass/internal/subscription/sweeper"
	"tonpass/pkg/db"
)

const lockTTL = 30 * time.Second

type store interface {
	Load(ctx context.Context) ([]subscription.Record, error)
	Get(ctx context.Context, userID int64) (*subscription.Record, error)
	TransactionOwner(ctx context.Context, txHash string) (int64, bool, error)
	Upsert(ctx context.Context, rec subscription.Record) (subscription.Record, error)
	Remove(ctx context.Context, userID int64) (bool, error)
}

// app - собранный граф зависимостей, общий для serve и sweep
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store
	locker   service.Locker
	telegram *telegram.Client
	oracle   *oracle.BinanceOracle
	service  *service.Service
	sweeper  *sweeper.Sweeper
	closers  []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = st

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, rdb)
		a.locker = lock.NewRedisLocker(rdb, lockTTL, logger.With("component", "lock"))
		logger.Info("using redis lock", "addr", cfg.RedisAddr)
	} else {
		a.locker = lock.NewKeyedMutex()
	}

	a.telegram = telegram.NewClient(telegram.Config{
		APIURL:    cfg.TelegramAPIURL,
		Token:     cfg.TelegramBotToken,
		ChannelID: cfg.TelegramChannelID,
		Cooldown:  cfg.BanCooldown,
	}, logger.With("component", "telegram"))
	controller := access.NewController(a.telegram, logger.With("component", "access"))

	a.oracle = oracle.NewBinanceOracle(cfg.RateSymbol, cfg.RateCacheTTL)
	chain := tonapi.NewClient(cfg.TonAPIURL, cfg.TonAPIKey, cfg.HTTPProxyAddr, logger.With("component", "tonapi"))
	verifier := payment.NewVerifier(chain, a.oracle, cfg.TonWallet)

	a.service = service.NewService(st, verifier, controller, a.locker, logger.With("component", "service"))
	a.sweeper = sweeper.New(st, controller, a.telegram, a.locker, cfg.SweepInterval, logger.With("component", "sweeper"))

	return a, nil
}

func (a *app) openStore(ctx context.Context) (store, error) {
	switch a.cfg.StoreDriver {
	case config.DriverPostgres, config.DriverSQLite:
		database, err := db.Connect(a.cfg.StoreDriver, a.cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		a.closers = append(a.closers, database)

		st := repository.NewSQLStore(database, a.cfg.StoreDriver)
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("using sql store", "driver", a.cfg.StoreDriver)
		return st, nil
	default:
		a.logger.Info("using file store", "path", a.cfg.StorePath)
		return repository.NewFileStore(a.cfg.StorePath), nil
	}
}

func (a *app) Close() {
	if a.telegram != nil {
		a.telegram.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
