// Package telemetry exposes the painter's counters and traces.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mural_ops_total",
		Help: "Paint operations by final outcome",
	}, []string{"outcome"})
	FramesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mural_frames_sent_total",
		Help: "Merged frames written to the canvas server",
	})
	BytesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mural_bytes_sent_total",
		Help: "Frame bytes written to the canvas server",
	})
	TargetMismatch = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mural_target_mismatch_pixels",
		Help: "Pixels of a target that differ from the board mirror",
	}, []string{"target"})
	EligibleCredentials = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mural_eligible_credentials",
		Help: "Identities valid and outside a cooldown window",
	})
	RoundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mural_round_duration_seconds",
		Help:    "Duration of one diff-and-dispatch round",
		Buckets: prometheus.DefBuckets,
	})
)

var registerOnce sync.Once

// Register installs all collectors on the default registry. It is safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OpsTotal,
			FramesSentTotal,
			BytesSentTotal,
			TargetMismatch,
			EligibleCredentials,
			RoundDuration,
		)
	})
}

// Serve exposes /metrics on addr until ctx ends. An empty addr disables
// the listener.
func Serve(ctx context.Context, addr string, log *slog.Logger) {
	if addr == "" {
		return
	}
	Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
}
