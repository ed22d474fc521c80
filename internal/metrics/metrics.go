// Package metrics exposes a Prometheus endpoint during `record
// --prometheus-address`, mirroring a flow pipeline's own optional
// stats endpoint: point a scrape target at it and watch profiler
// duration and sample counts per platform.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	profilerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "uniprof_profiler_duration_seconds",
		Help:    "Wall-clock duration of a record invocation's profiler run.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"platform", "mode"})

	profilerSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uniprof_profiler_samples_total",
		Help: "Samples observed in the analyzed profile, cumulative across runs.",
	}, []string{"platform"})
)

// ObserveRun records one finished run's duration and sample count.
func ObserveRun(platform, mode string, duration time.Duration, samples int) {
	profilerDuration.WithLabelValues(platform, mode).Observe(duration.Seconds())
	if samples > 0 {
		profilerSamples.WithLabelValues(platform).Add(float64(samples))
	}
}

// Serve starts the metrics HTTP endpoint on addr and blocks until ctx
// is canceled. Intended to run in its own goroutine for the lifetime
// of one `record` invocation.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
