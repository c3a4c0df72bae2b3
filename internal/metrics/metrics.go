package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// HTTP метрики
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests in flight",
		},
	)

	// Внешние API: tonapi, binance, telegram
	ExternalAPIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_api_requests_total",
			Help: "Total number of outbound API requests",
		},
		[]string{"provider", "status"},
	)
	ExternalAPIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "external_api_request_duration_seconds",
			Help: "Duration of outbound API requests in seconds",
		},
		[]string{"provider"},
	)

	// Подписки
	ActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_activations_total",
			Help: "Payment activations by result",
		},
		[]string{"result"},
	)
	AccessCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_access_calls_total",
			Help: "Channel grant/revoke calls by result",
		},
		[]string{"op", "result"},
	)
	SweepRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscription_sweep_runs_total",
			Help: "Number of expiration sweep runs",
		},
	)
	SweepExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscription_sweep_expired_total",
			Help: "Subscriptions marked removed by the sweeper",
		},
	)
)

// NewRegistry - реестр со всеми метриками сервиса и метриками рантайма
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ExternalAPIRequestsTotal, ExternalAPIRequestDuration,
		ActivationsTotal, AccessCallsTotal, SweepRunsTotal, SweepExpiredTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
