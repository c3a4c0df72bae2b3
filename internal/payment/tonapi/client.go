// internal/payment/tonapi/client.go
package tonapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/net/proxy"

	"tonpass/internal/metrics"
	"tonpass/internal/payment"
)

const DefaultBaseURL = "https://tonapi.io"

// Client - клиент tonapi v2 для чтения транзакций по хэшу
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

type transactionResponse struct {
	Hash    string `json:"hash"`
	Success bool   `json:"success"`
	OutMsgs []struct {
		Value       json.Number `json:"value"`
		Destination *struct {
			Address string `json:"address"`
		} `json:"destination"`
	} `json:"out_msgs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewClient создаёт клиент; proxyAddr - адрес SOCKS5 прокси или пустая строка
func NewClient(baseURL, apiKey, proxyAddr string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		logger:  logger,
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tonapi",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		// ненайденная транзакция - ответ провайдера, а не его отказ
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, payment.ErrTransactionNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	c.HTTPClient = newHTTPClient(proxyAddr, logger)
	return c
}

func newHTTPClient(proxyAddr string, logger *slog.Logger) *http.Client {
	if proxyAddr == "" {
		return &http.Client{Timeout: 30 * time.Second}
	}

	proxyURL := &url.URL{Scheme: "socks5h", Host: proxyAddr}
	dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		logger.Error("failed to create SOCKS5 dialer, using direct connection", "err", err)
		return &http.Client{Timeout: 30 * time.Second}
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: 30 * time.Second}
}

// Transaction возвращает транзакцию с исходящими сообщениями.
// 400/404 от tonapi означают неизвестный или некорректный хэш.
func (c *Client) Transaction(ctx context.Context, hash string) (*payment.Transaction, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetchTransaction(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	return res.(*payment.Transaction), nil
}

func (c *Client) fetchTransaction(ctx context.Context, hash string) (*payment.Transaction, error) {
	reqURL := c.BaseURL + "/v2/blockchain/transactions/" + url.PathEscape(hash)
	body, status, err := c.doRequest(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusNotFound || status == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", payment.ErrTransactionNotFound, apiErrorText(body))
	case status != http.StatusOK:
		return nil, fmt.Errorf("tonapi status %d: %s", status, apiErrorText(body))
	}

	var resp transactionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	tx := &payment.Transaction{Hash: resp.Hash}
	for _, m := range resp.OutMsgs {
		out := payment.OutMessage{Value: m.Value.String()}
		if m.Destination != nil {
			out.Destination = m.Destination.Address
		}
		tx.OutMessages = append(tx.OutMessages, out)
	}
	return tx, nil
}

func (c *Client) doRequest(ctx context.Context, reqURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	metrics.ExternalAPIRequestDuration.WithLabelValues("tonapi").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ExternalAPIRequestsTotal.WithLabelValues("tonapi", "error").Inc()
		return nil, 0, err
	}
	defer resp.Body.Close()
	metrics.ExternalAPIRequestsTotal.WithLabelValues("tonapi", strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func apiErrorText(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
