// Package metrics exposes Prometheus counters for signal generation and
// execution, served at /metrics next to a /health check.
//
//   - signals_generated_total{strategy}
//   - trades_executed_total{side}
//   - exits_total{reason}
//   - errors_total{component}
//   - pnl, equity (gauges)
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	SignalsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signals_generated_total",
			Help: "Trading signals generated",
		},
		[]string{"strategy"},
	)

	TradesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_executed_total",
			Help: "Trades executed",
		},
		[]string{"side"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exits_total",
			Help: "Protective exits fired, by reason",
		},
		[]string{"reason"},
	)

	Errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Errors encountered, by component",
		},
		[]string{"component"},
	)

	PnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pnl",
			Help: "Realized profit and loss of the portfolio",
		},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "equity",
			Help: "Marked-to-market portfolio equity",
		},
	)
)

func init() {
	prometheus.MustRegister(SignalsGenerated, TradesExecuted, Exits, Errors, PnL, Equity)
}

// Handler returns the mux serving /metrics and /health
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve runs the metrics server on addr until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("📈 Serving metrics on /metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
