// Package metrics declares the prometheus collectors shared by all services.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "petrel_connection_total",
			Help: "Accepted connections.",
		},
		[]string{
			"service", // imap, pop3, lmtp, sieve
		},
	)
	Commands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "petrel_command_duration_seconds",
			Help:    "Command duration and result in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"service",
			"cmd",
			"result", // ok, no, bad
		},
	)
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "petrel_worker_jobs_inflight",
			Help: "Jobs currently executing in the worker pool.",
		},
	)
	WorkerWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "petrel_worker_queue_wait_seconds",
			Help:    "Time jobs waited for a free worker.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 5},
		},
	)
	HeaderBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "petrel_fetch_batch_queries_total",
			Help: "Batched header and envelope queries issued by FETCH.",
		},
		[]string{
			"kind", // header, envelope
		},
	)
	Reconciles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "petrel_mailbox_reconcile_total",
			Help: "Mailbox view refreshes by strategy.",
		},
		[]string{
			"strategy", // full, diff
		},
	)
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "petrel_delivery_total",
			Help: "LMTP delivery outcomes per recipient.",
		},
		[]string{
			"result", // ok, unknown, quota, error
		},
	)
)

// ObserveCommand records one finished command.
func ObserveCommand(service, cmd, result string, start time.Time) {
	Commands.WithLabelValues(service, cmd, result).Observe(float64(time.Since(start)) / float64(time.Second))
}

// Serve exposes the collectors on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("address", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
