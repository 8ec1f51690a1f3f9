package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PricesObserved = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "prices_observed_total", Help: "Price samples pulled from the exchange"},
	)
	SignalsExtreme = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "signals_extreme_total", Help: "Cycles throttled by the extreme-move filter"},
	)
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_placed_total", Help: "Orders submitted to the exchange"},
		[]string{"side"},
	)
	OrderRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_rejections_total", Help: "Risk rejections by reason"},
		[]string{"side", "reason"},
	)
	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_transitions_total", Help: "Ledger order state transitions"},
		[]string{"to"},
	)
	GatewayRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "gateway_retries_total", Help: "Retried exchange calls by operation"},
		[]string{"op"},
	)
	AmbiguousResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ambiguous_resolutions_total", Help: "Ambiguous place_order outcomes by resolution"},
		[]string{"outcome"},
	)
	LastPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "last_price", Help: "Most recent mid price"},
	)
)

func init() {
	prometheus.MustRegister(
		PricesObserved, SignalsExtreme, OrdersPlaced, OrderRejections,
		OrderTransitions, GatewayRetries, AmbiguousResolutions, LastPrice,
	)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
