// Package access - граница между жизненным циклом подписки и провайдером канала.
// Ошибки провайдера здесь превращаются в bool и дальше не пробрасываются.
package access

import (
	"context"
	"log/slog"

	"tonpass/internal/metrics"
	"tonpass/internal/subscription"
)

type Provider interface {
	GrantAccess(ctx context.Context, userID int64) error
	RevokeAccess(ctx context.Context, userID int64) error
}

type Controller struct {
	provider Provider
	logger   *slog.Logger
}

func NewController(provider Provider, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{provider: provider, logger: logger}
}

func (c *Controller) Grant(ctx context.Context, userID int64) bool {
	return c.result("grant", userID, c.provider.GrantAccess(ctx, userID))
}

func (c *Controller) Revoke(ctx context.Context, userID int64) bool {
	return c.result("revoke", userID, c.provider.RevokeAccess(ctx, userID))
}

func (c *Controller) result(op string, userID int64, err error) bool {
	if err != nil {
		metrics.AccessCallsTotal.WithLabelValues(op, "error").Inc()
		c.logger.Error("channel access call failed", "err", &subscription.AccessError{Op: op, UserID: userID, Err: err})
		return false
	}
	metrics.AccessCallsTotal.WithLabelValues(op, "ok").Inc()
	return true
}
