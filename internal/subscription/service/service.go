package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"tonpass/internal/metrics"
	"tonpass/internal/payment"
	"tonpass/internal/subscription"
)

type SubscriptionRepository interface {
	Get(ctx context.Context, userID int64) (*subscription.Record, error)
	TransactionOwner(ctx context.Context, txHash string) (userID int64, found bool, err error)
	Upsert(ctx context.Context, rec subscription.Record) (subscription.Record, error)
	Remove(ctx context.Context, userID int64) (bool, error)
}

type PaymentVerifier interface {
	Verify(ctx context.Context, txHash string, plan subscription.PlanType) (*payment.Verification, error)
}

// AccessController возвращает false при ошибке провайдера; ошибка уже залогирована
type AccessController interface {
	Grant(ctx context.Context, userID int64) bool
	Revoke(ctx context.Context, userID int64) bool
}

type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type ActivateInput struct {
	UserID  int64
	TxHash  string
	Plan    subscription.PlanType
	Profile json.RawMessage
}

type Service struct {
	repo     SubscriptionRepository
	verifier PaymentVerifier
	access   AccessController
	locker   Locker
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo SubscriptionRepository, verifier PaymentVerifier, access AccessController, locker Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		verifier: verifier,
		access:   access,
		locker:   locker,
		logger:   logger,
		now:      time.Now,
	}
}

// LockKey - ключ блокировки пользователя; им же пользуется свипер
func LockKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// Activate проверяет платёж, сохраняет подписку и выдаёт доступ в канал.
// Ошибка проверки не меняет хранилище. Ошибка выдачи доступа не откатывает
// запись: оплата уже принята, доступ можно восстановить без повторного списания.
// Каждая транзакция оплачивает одну активацию. Повтор с хэшем текущей подписки
// возвращает её без изменений и заново выдаёт доступ.
func (s *Service) Activate(ctx context.Context, in ActivateInput) (*subscription.Record, error) {
	in.TxHash = strings.TrimSpace(in.TxHash)
	if err := validate(in); err != nil {
		metrics.ActivationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, LockKey(in.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	owner, used, err := s.repo.TransactionOwner(ctx, in.TxHash)
	if err != nil {
		metrics.ActivationsTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}
	if used {
		return s.reactivate(ctx, in, owner)
	}

	ver, err := s.verifier.Verify(ctx, in.TxHash, in.Plan)
	if err != nil {
		metrics.ActivationsTotal.WithLabelValues(resultLabel(err)).Inc()
		s.logger.Info("payment verification failed", "user_id", in.UserID, "tx_hash", in.TxHash, "err", err)
		return nil, err
	}

	plan, _ := subscription.GetPlan(in.Plan)
	now := s.now().UTC()
	rec, err := s.repo.Upsert(ctx, subscription.Record{
		UserID:          in.UserID,
		PlanType:        in.Plan,
		SubscribedAt:    now,
		EndDate:         plan.EndDate(now),
		Removed:         false,
		TransactionHash: in.TxHash,
		Profile:         in.Profile,
	})
	if errors.Is(err, subscription.ErrTransactionUsed) {
		// другой пользователь закрепил хэш, пока шла проверка платежа
		metrics.ActivationsTotal.WithLabelValues("invalid").Inc()
		return nil, errTransactionUsed()
	}
	if err != nil {
		metrics.ActivationsTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}

	if !s.access.Grant(ctx, in.UserID) {
		s.logger.Warn("subscription stored but channel access not granted",
			"user_id", in.UserID, "subscription_id", rec.SubscriptionID)
	}

	metrics.ActivationsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("subscription activated",
		"user_id", rec.UserID,
		"subscription_id", rec.SubscriptionID,
		"plan", rec.PlanType,
		"end_date", rec.EndDate,
		"paid", ver.Paid.String(),
		"required", ver.Required.String(),
	)
	return &rec, nil
}

// reactivate обрабатывает уже засчитанный хэш: годится только хэш
// действующей записи того же пользователя.
func (s *Service) reactivate(ctx context.Context, in ActivateInput, owner int64) (*subscription.Record, error) {
	if owner != in.UserID {
		metrics.ActivationsTotal.WithLabelValues("invalid").Inc()
		return nil, errTransactionUsed()
	}

	rec, err := s.repo.Get(ctx, in.UserID)
	if err != nil {
		metrics.ActivationsTotal.WithLabelValues("storage_error").Inc()
		return nil, err
	}
	if rec == nil || rec.Removed || rec.TransactionHash != in.TxHash {
		metrics.ActivationsTotal.WithLabelValues("invalid").Inc()
		return nil, errTransactionUsed()
	}

	if !s.access.Grant(ctx, in.UserID) {
		s.logger.Warn("repeated activation: channel access not granted", "user_id", in.UserID)
	}
	metrics.ActivationsTotal.WithLabelValues("repeat").Inc()
	s.logger.Info("repeated activation with current transaction", "user_id", in.UserID, "subscription_id", rec.SubscriptionID)
	return rec, nil
}

func errTransactionUsed() error {
	return &subscription.ValidationError{Field: "tx_hash", Reason: subscription.ErrTransactionUsed.Error()}
}

// Disconnect отзывает доступ и удаляет запись. Запись удаляется даже если
// отзыв доступа не удался. Отсутствие записи - не ошибка.
func (s *Service) Disconnect(ctx context.Context, userID int64) (bool, error) {
	if userID <= 0 {
		return false, &subscription.ValidationError{Field: "user_id", Reason: "must be positive"}
	}

	unlock, err := s.locker.Lock(ctx, LockKey(userID))
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}

	if !s.access.Revoke(ctx, userID) {
		s.logger.Warn("channel access not revoked, removing subscription anyway", "user_id", userID)
	}

	removed, err := s.repo.Remove(ctx, userID)
	if err != nil {
		return false, err
	}
	s.logger.Info("subscription disconnected", "user_id", userID, "subscription_id", rec.SubscriptionID)
	return removed, nil
}

func (s *Service) GetSubscription(ctx context.Context, userID int64) (*subscription.Record, error) {
	rec, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, subscription.ErrNotFound
	}
	return rec, nil
}

func validate(in ActivateInput) error {
	if in.UserID <= 0 {
		return &subscription.ValidationError{Field: "user_id", Reason: "must be positive"}
	}
	if in.TxHash == "" {
		return &subscription.ValidationError{Field: "tx_hash", Reason: "required"}
	}
	if _, ok := subscription.GetPlan(in.Plan); !ok {
		return &subscription.ValidationError{Field: "plan", Reason: "unknown plan " + string(in.Plan)}
	}
	if len(in.Profile) > 0 && !json.Valid(in.Profile) {
		return &subscription.ValidationError{Field: "profile", Reason: "must be valid JSON"}
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, subscription.ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, subscription.ErrMalformedTransaction):
		return "malformed_transaction"
	case errors.Is(err, subscription.ErrOracleUnavailable):
		return "oracle_unavailable"
	}
	var verr *subscription.ValidationError
	if errors.As(err, &verr) {
		return "invalid"
	}
	return "error"
}
