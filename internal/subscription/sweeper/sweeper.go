// Package sweeper периодически отзывает доступ у подписок с истёкшим сроком.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"tonpass/internal/metrics"
	"tonpass/internal/subscription"
	"tonpass/internal/subscription/service"
)

const DefaultInterval = 24 * time.Hour

const expiredMessage = "Срок вашей подписки истёк, доступ к каналу закрыт. Продлить подписку можно в мини-приложении."

type Store interface {
	Load(ctx context.Context) ([]subscription.Record, error)
	Get(ctx context.Context, userID int64) (*subscription.Record, error)
	Upsert(ctx context.Context, rec subscription.Record) (subscription.Record, error)
}

type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type Result struct {
	Checked int
	Expired int
	Failed  int
}

type Sweeper struct {
	store    Store
	access   service.AccessController
	notifier Notifier
	locker   service.Locker
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func New(store Store, access service.AccessController, notifier Notifier, locker service.Locker, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		access:   access,
		notifier: notifier,
		locker:   locker,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run выполняет проход сразу и затем раз в interval до отмены ctx.
// Ошибки прохода логируются и не останавливают цикл.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("expiration sweep failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce - один проход по всем записям
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	metrics.SweepRunsTotal.Inc()
	var res Result

	records, err := s.store.Load(ctx)
	if err != nil {
		return res, err
	}

	now := s.now()
	for _, rec := range records {
		res.Checked++
		if !rec.Expired(now) {
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		expired, err := s.expire(ctx, rec.UserID, now)
		if err != nil {
			res.Failed++
			s.logger.Error("failed to expire subscription", "user_id", rec.UserID, "err", err)
			continue
		}
		if expired {
			res.Expired++
		}
	}

	metrics.SweepExpiredTotal.Add(float64(res.Expired))
	s.logger.Info("expiration sweep finished", "checked", res.Checked, "expired", res.Expired, "failed", res.Failed)
	return res, nil
}

// expire отзывает доступ и помечает запись removed. Запись перечитывается под
// блокировкой: пока шёл проход, пользователь мог продлить подписку.
func (s *Sweeper) expire(ctx context.Context, userID int64, now time.Time) (bool, error) {
	unlock, err := s.locker.Lock(ctx, service.LockKey(userID))
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if rec == nil || !rec.Expired(now) {
		return false, nil
	}

	if !s.access.Revoke(ctx, userID) {
		s.logger.Warn("channel access not revoked for expired subscription", "user_id", userID)
	}

	rec.Removed = true
	if _, err := s.store.Upsert(ctx, *rec); err != nil {
		return false, err
	}

	if s.notifier != nil {
		if err := s.notifier.SendMessage(ctx, userID, expiredMessage); err != nil {
			s.logger.Warn("failed to notify user about expiration", "user_id", userID, "err", err)
		}
	}

	s.logger.Info("subscription expired", "user_id", userID, "subscription_id", rec.SubscriptionID, "end_date", rec.EndDate)
	return true, nil
}
