// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes the run's Prometheus instrumentation, wired the
// way the teacher's index command wires its own --metrics-addr listener:
// an optional, best-effort HTTP server serving /metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters and histograms a run updates as batches
// execute.
type Metrics struct {
	TrialsTotal         *prometheus.CounterVec
	TrialDuration       prometheus.Histogram
	EmbeddingCallsTotal *prometheus.CounterVec
	BatchesTotal        prometheus.Counter
	GroupsDiscovered    prometheus.Gauge
	NoveltyRate         prometheus.Gauge
	Registry            *prometheus.Registry
}

// New builds a Metrics bound to a fresh registry, so concurrent runs in
// the same process (e.g. tests) never collide on prometheus's default
// global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TrialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_trials_total",
			Help: "Total trials executed, by terminal status.",
		}, []string{"status"}),
		TrialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_trial_duration_seconds",
			Help:    "Per-trial wall-clock duration.",
			Buckets: prometheus.DefBuckets,
		}),
		EmbeddingCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_embedding_calls_total",
			Help: "Total embedding calls, by terminal status.",
		}, []string{"status"}),
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_batches_total",
			Help: "Total batches completed.",
		}),
		GroupsDiscovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_groups_discovered",
			Help: "Current number of leader-clustering groups.",
		}),
		NoveltyRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_novelty_rate",
			Help: "Most recent batch's novelty rate.",
		}),
		Registry: reg,
	}

	reg.MustRegister(m.TrialsTotal, m.TrialDuration, m.EmbeddingCallsTotal, m.BatchesTotal, m.GroupsDiscovered, m.NoveltyRate)
	return m
}

// Serve starts an HTTP server exposing /metrics on addr and blocks until
// ctx is cancelled, then shuts the server down. A server error other than
// the expected close-on-shutdown is returned to the caller as a warning,
// not a fatal condition: the run itself must proceed with or without
// metrics.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
