// Package metrics exposes Prometheus instrumentation for the session:
//   - bot_bars_total: bars consumed
//   - bot_signals_total{direction}: trigger outcomes per bar
//   - bot_orders_total{mode,side,kind}: orders placed
//   - bot_fills_total{leg}: fills by bracket leg
//   - bot_group_state{state}: active bracket groups per state
//   - bot_flatten_total{reason}: protective flattens by cause
//
// Registered in init and served at /metrics when METRICS_ADDR is set.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	Bars = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_bars_total",
			Help: "Bars consumed from the feed",
		},
	)

	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Trigger signals emitted",
		},
		[]string{"direction"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side", "kind"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fills_total",
			Help: "Fills by bracket leg",
		},
		[]string{"leg"},
	)

	GroupState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_group_state",
			Help: "Active bracket groups per lifecycle state",
		},
		[]string{"state"},
	)

	Flattens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_flatten_total",
			Help: "Protective flattens by cause",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(Bars, Signals, Orders, Fills, GroupState, Flattens)
}

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string, logger *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warnw("metrics server stopped", "addr", addr, "error", err)
		}
	}()
}
