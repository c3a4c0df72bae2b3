// Package telegram - клиент Bot API для доступа к закрытому каналу и личных сообщений.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"tonpass/internal/metrics"
	"tonpass/internal/subscription"
)

const DefaultAPIURL = "https://api.telegram.org"

// APIError - ответ Bot API с ok=false
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api %d: %s", e.Code, e.Description)
}

func (e *APIError) transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type Config struct {
	APIURL     string
	Token      string
	ChannelID  int64
	Cooldown   time.Duration // срок бана при отзыве доступа
	InviteTTL  time.Duration // срок жизни персональной ссылки-приглашения
	MaxRetries int
}

// Client - явный сервисный объект вместо глобального бота: создаётся в main
// и передаётся тем, кому нужен.
type Client struct {
	cfg        Config
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	now        func() time.Time
	backoff    func() *backoff.Backoff
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 24 * time.Hour
	}
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    fmt.Sprintf("%s/bot%s/", strings.TrimRight(cfg.APIURL, "/"), cfg.Token),
		logger:     logger,
		now:        time.Now,
		backoff: func() *backoff.Backoff {
			return &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
		},
	}
}

// Close освобождает простаивающие соединения
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// GrantAccess снимает бан (если был) и отправляет пользователю одноразовую ссылку в канал.
// Для участника канала это безопасный no-op плюс новая ссылка. Недоставленное
// сообщение со ссылкой не считается ошибкой: доступ уже открыт.
func (c *Client) GrantAccess(ctx context.Context, userID int64) error {
	err := c.call(ctx, "unbanChatMember", map[string]any{
		"chat_id":        c.cfg.ChannelID,
		"user_id":        userID,
		"only_if_banned": true,
	}, nil)
	if err != nil {
		return err
	}

	var link struct {
		InviteLink string `json:"invite_link"`
	}
	// после сетевой ошибки ссылка могла уже создаться, повторяем только 429
	err = c.callWith(ctx, rateLimited, "createChatInviteLink", map[string]any{
		"chat_id":      c.cfg.ChannelID,
		"name":         "sub " + strconv.FormatInt(userID, 10),
		"member_limit": 1,
		"expire_date":  c.now().Add(c.cfg.InviteTTL).Unix(),
	}, &link)
	if err != nil {
		return err
	}

	if err := c.SendMessage(ctx, userID, "Оплата получена. Ваша ссылка для входа в канал: "+link.InviteLink); err != nil {
		c.logger.Warn("invite link not delivered", "user_id", userID, "err", err)
	}
	return nil
}

// RevokeAccess банит пользователя до now+Cooldown; по истечении бан снимается сам
func (c *Client) RevokeAccess(ctx context.Context, userID int64) error {
	return c.call(ctx, "banChatMember", map[string]any{
		"chat_id":         c.cfg.ChannelID,
		"user_id":         userID,
		"until_date":      c.now().Add(c.cfg.Cooldown).Unix(),
		"revoke_messages": false,
	}, nil)
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	}, nil)
}

// UserInfo возвращает имя и file_id самой крупной аватарки пользователя
func (c *Client) UserInfo(ctx context.Context, userID int64) (*subscription.UserInfo, error) {
	var chat struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Username  string `json:"username"`
		Title     string `json:"title"`
	}
	err := c.call(ctx, "getChat", map[string]any{"chat_id": userID}, &chat)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Description), "not found") {
		return nil, subscription.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	info := &subscription.UserInfo{DisplayName: displayName(chat.FirstName, chat.LastName, chat.Username, chat.Title)}

	var photos struct {
		TotalCount int `json:"total_count"`
		Photos     [][]struct {
			FileID string `json:"file_id"`
		} `json:"photos"`
	}
	err = c.call(ctx, "getUserProfilePhotos", map[string]any{"user_id": userID, "limit": 1}, &photos)
	if err != nil {
		// без аватарки профиль всё равно можно показать
		c.logger.Warn("get profile photos failed", "user_id", userID, "err", err)
		return info, nil
	}
	if len(photos.Photos) > 0 && len(photos.Photos[0]) > 0 {
		sizes := photos.Photos[0]
		info.AvatarRef = sizes[len(sizes)-1].FileID
	}
	return info, nil
}

func displayName(first, last, username, title string) string {
	name := strings.TrimSpace(first + " " + last)
	switch {
	case name != "":
		return name
	case username != "":
		return "@" + username
	default:
		return title
	}
}

// call выполняет метод Bot API с повторами на 429/5xx и сетевых ошибках
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	return c.callWith(ctx, retryable, method, params, out)
}

func (c *Client) callWith(ctx context.Context, retry func(error) bool, method string, params map[string]any, out any) error {
	b := c.backoff()
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := b.Duration()
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			c.logger.Debug("retrying telegram call", "method", method, "attempt", attempt, "wait", wait, "err", lastErr)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = c.do(ctx, method, params, out)
		if lastErr == nil {
			return nil
		}
		if !retry(lastErr) || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.transient()
	}
	// сетевые ошибки и битые ответы считаем временными
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func rateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests
}

func (c *Client) do(ctx context.Context, method string, params map[string]any, out any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ExternalAPIRequestDuration.WithLabelValues("telegram").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ExternalAPIRequestsTotal.WithLabelValues("telegram", "error").Inc()
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	metrics.ExternalAPIRequestsTotal.WithLabelValues("telegram", strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", method, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		if resp.StatusCode >= 500 {
			return &APIError{Code: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !ar.OK {
		apiErr := &APIError{Code: ar.ErrorCode, Description: ar.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}
