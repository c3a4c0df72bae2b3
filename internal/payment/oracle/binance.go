package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"tonpass/internal/metrics"
)

const DefaultSymbol = "TONUSDT"

// Ticker - текущий курс и изменение за 24 часа в процентах
type Ticker struct {
	Price     decimal.Decimal `json:"price"`
	Indicator string          `json:"indicator"`
}

// BinanceOracle берёт курс TON/USDT с публичного API Binance и кэширует его на ttl
type BinanceOracle struct {
	client *binance.Client
	symbol string
	cache  *cache.Cache
}

func NewBinanceOracle(symbol string, ttl time.Duration) *BinanceOracle {
	if symbol == "" {
		symbol = DefaultSymbol
	}
	return &BinanceOracle{
		// Публичные эндпоинты, ключи не нужны
		client: binance.NewClient("", ""),
		symbol: symbol,
		cache:  cache.New(ttl, 2*ttl),
	}
}

// SetBaseURL нужен для тестов и зеркал API
func (o *BinanceOracle) SetBaseURL(u string) {
	o.client.BaseURL = u
}

func (o *BinanceOracle) Rate(ctx context.Context) (decimal.Decimal, error) {
	key := "price:" + o.symbol
	if v, ok := o.cache.Get(key); ok {
		return v.(decimal.Decimal), nil
	}

	start := time.Now()
	prices, err := o.client.NewListPricesService().Symbol(o.symbol).Do(ctx)
	observe(start, err)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance price %s: %w", o.symbol, err)
	}

	for _, p := range prices {
		if p.Symbol != o.symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return decimal.Zero, fmt.Errorf("binance price %s: bad value %q", o.symbol, p.Price)
		}
		o.cache.Set(key, price, cache.DefaultExpiration)
		return price, nil
	}
	return decimal.Zero, fmt.Errorf("binance price %s: symbol missing in response", o.symbol)
}

func (o *BinanceOracle) Ticker(ctx context.Context) (*Ticker, error) {
	key := "ticker:" + o.symbol
	if v, ok := o.cache.Get(key); ok {
		return v.(*Ticker), nil
	}

	start := time.Now()
	stats, err := o.client.NewListPriceChangeStatsService().Symbol(o.symbol).Do(ctx)
	observe(start, err)
	if err != nil {
		return nil, fmt.Errorf("binance ticker %s: %w", o.symbol, err)
	}

	for _, s := range stats {
		if s.Symbol != o.symbol {
			continue
		}
		price, err := decimal.NewFromString(s.LastPrice)
		if err != nil {
			return nil, fmt.Errorf("binance ticker %s: bad price %q", o.symbol, s.LastPrice)
		}
		t := &Ticker{Price: price, Indicator: s.PriceChangePercent}
		o.cache.Set(key, t, cache.DefaultExpiration)
		return t, nil
	}
	return nil, fmt.Errorf("binance ticker %s: symbol missing in response", o.symbol)
}

func observe(start time.Time, err error) {
	metrics.ExternalAPIRequestDuration.WithLabelValues("binance").Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ExternalAPIRequestsTotal.WithLabelValues("binance", status).Inc()
}
