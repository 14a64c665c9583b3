package staticd

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"staticd/internal/logger"
)

// promMetrics exports request and cache counters on a private registry.
type promMetrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	bytes       prometheus.Counter
	duration    *prometheus.HistogramVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

func newPromMetrics(cache *ContentCache, pool *WorkerPool) *promMetrics {
	reg := prometheus.NewRegistry()
	m := &promMetrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staticd",
			Name:      "requests_total",
			Help:      "Completed requests by method and status code.",
		}, []string{"method", "status"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "staticd",
			Name:      "response_body_bytes_total",
			Help:      "Body bytes written to clients.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "staticd",
			Name:      "request_duration_seconds",
			Help:      "Time from accept hand-off to connection close.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"method"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "staticd",
			Name:      "cache_hits_total",
			Help:      "Responses served from the content cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "staticd",
			Name:      "cache_misses_total",
			Help:      "200/206 responses served from disk.",
		}),
	}
	reg.MustRegister(m.requests, m.bytes, m.duration, m.cacheHits, m.cacheMisses)

	if cache != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "staticd",
			Name:      "cache_entries",
			Help:      "Entries currently held by the content cache.",
		}, func() float64 { return float64(cache.Len()) }))
	}
	if pool != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "staticd",
			Name:      "pool_queue_depth",
			Help:      "Accepted connections waiting for a worker.",
		}, func() float64 { return float64(pool.QueueDepth()) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "staticd",
			Name:      "pool_busy_workers",
			Help:      "Workers currently serving a connection.",
		}, func() float64 { return float64(pool.Busy()) }))
	}
	return m
}

func (m *promMetrics) ObserveRequest(ev RequestEvent) {
	if ev.Status == 0 {
		return
	}
	verb := ev.Verb.String()
	m.requests.WithLabelValues(verb, strconv.Itoa(ev.Status)).Inc()
	m.bytes.Add(float64(ev.Bytes))
	m.duration.WithLabelValues(verb).Observe(ev.Duration.Seconds())
	switch {
	case ev.CacheHit:
		m.cacheHits.Inc()
	case ev.Status == http.StatusOK || ev.Status == http.StatusPartialContent:
		m.cacheMisses.Inc()
	}
}

func (m *promMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// serve runs the /metrics endpoint until ctx is cancelled.
func (m *promMetrics) serve(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening on :%d/metrics", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server: %v", err)
	}
}
