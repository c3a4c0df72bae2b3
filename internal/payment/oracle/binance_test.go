package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOracle(t *testing.T, handler http.HandlerFunc) (*BinanceOracle, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	o := NewBinanceOracle("TONUSDT", time.Minute)
	o.SetBaseURL(srv.URL)
	return o, &calls
}

func TestBinanceOracle_RateIsCached(t *testing.T) {
	o, calls := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "TONUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"TONUSDT","price":"5.12300000"}`))
	})

	rate, err := o.Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5.123", rate.String())

	_, err = o.Rate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestBinanceOracle_RateError(t *testing.T) {
	o, _ := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
	})

	_, err := o.Rate(context.Background())
	assert.Error(t, err)
}

func TestBinanceOracle_Ticker(t *testing.T) {
	o, _ := newTestOracle(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		w.Write([]byte(`{"symbol":"TONUSDT","priceChange":"0.1","priceChangePercent":"-1.25","lastPrice":"5.10"}`))
	})

	ticker, err := o.Ticker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5.1", ticker.Price.String())
	assert.Equal(t, "-1.25", ticker.Indicator)
}
