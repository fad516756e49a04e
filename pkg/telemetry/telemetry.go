// Package telemetry provides the prometheus instrumentation for the
// storage core and, optionally, an HTTP endpoint that serves it.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles the metrics endpoint on or off. Metrics structs
	// themselves are always safe to use; a nil *Metrics no-ops.
	Enabled bool `yaml:"enabled"`
	// PrometheusPort is the port on which to expose the /metrics endpoint.
	PrometheusPort int `yaml:"prometheus_port"`
}

// Metrics holds the instruments for the storage core. All Inc methods
// are nil-safe so components can be wired without telemetry.
type Metrics struct {
	registry *prometheus.Registry

	PageHits      prometheus.Counter
	PageMisses    prometheus.Counter
	PageEvictions prometheus.Counter
	PageFlushes   prometheus.Counter

	LockWaits  prometheus.Counter
	LockWounds prometheus.Counter

	TxnBegins  prometheus.Counter
	TxnCommits prometheus.Counter
	TxnAborts  prometheus.Counter
}

// NewMetrics creates and registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mizu",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	return &Metrics{
		registry:      reg,
		PageHits:      counter("buffer_pool_hits_total", "Pages served from the buffer pool without disk I/O."),
		PageMisses:    counter("buffer_pool_misses_total", "Pages read from disk on fetch."),
		PageEvictions: counter("buffer_pool_evictions_total", "Frames reclaimed from the replacer."),
		PageFlushes:   counter("buffer_pool_flushes_total", "Pages written back to disk."),
		LockWaits:     counter("lock_manager_waits_total", "Lock requests that blocked at least once."),
		LockWounds:    counter("lock_manager_wounds_total", "Transactions aborted by Wound-Wait."),
		TxnBegins:     counter("txn_begins_total", "Transactions started."),
		TxnCommits:    counter("txn_commits_total", "Transactions committed."),
		TxnAborts:     counter("txn_aborts_total", "Transactions aborted."),
	}
}

func (m *Metrics) IncHit() {
	if m != nil {
		m.PageHits.Inc()
	}
}

func (m *Metrics) IncMiss() {
	if m != nil {
		m.PageMisses.Inc()
	}
}

func (m *Metrics) IncEviction() {
	if m != nil {
		m.PageEvictions.Inc()
	}
}

func (m *Metrics) IncFlush() {
	if m != nil {
		m.PageFlushes.Inc()
	}
}

func (m *Metrics) IncLockWait() {
	if m != nil {
		m.LockWaits.Inc()
	}
}

func (m *Metrics) IncLockWound() {
	if m != nil {
		m.LockWounds.Inc()
	}
}

func (m *Metrics) IncTxnBegin() {
	if m != nil {
		m.TxnBegins.Inc()
	}
}

func (m *Metrics) IncTxnCommit() {
	if m != nil {
		m.TxnCommits.Inc()
	}
}

func (m *Metrics) IncTxnAbort() {
	if m != nil {
		m.TxnAborts.Inc()
	}
}

// ShutdownFunc gracefully shuts down the telemetry endpoint.
type ShutdownFunc func(ctx context.Context) error

// Serve exposes the metrics registry on /metrics if the config enables
// it. It returns the metrics handle and a shutdown function; when
// disabled, the metrics still count but are not served, and the
// shutdown function does nothing.
func Serve(config Config) (*Metrics, ShutdownFunc, error) {
	metrics := NewMetrics()
	if !config.Enabled {
		return metrics, func(ctx context.Context) error { return nil }, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	shutdown := func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return err
		}
		select {
		case err := <-errCh:
			return err
		default:
			return nil
		}
	}
	return metrics, shutdown, nil
}
