// SignalPipe - Multi-Channel Communication Analytics Pipeline
// Copyright 2026 SignalPipe contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/signalpipe/signalpipe

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalpipe/signalpipe/internal/logging"
)

// MetricsServer exposes the Prometheus /metrics endpoint as a supervised
// service.
type MetricsServer struct {
	addr string
}

// NewMetricsServer binds to addr, e.g. ":9090".
func NewMetricsServer(addr string) *MetricsServer {
	return &MetricsServer{addr: addr}
}

func (m *MetricsServer) String() string {
	return "metrics-server"
}

// Serve implements suture.Service.
func (m *MetricsServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              m.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Info().Str("addr", m.addr).Msg("metrics server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// GCRunner periodically runs a garbage-collection function, e.g. the call
// buffer's Badger value-log GC.
type GCRunner struct {
	name     string
	interval time.Duration
	run      func()
}

// NewGCRunner builds a runner; interval must be positive.
func NewGCRunner(name string, interval time.Duration, run func()) *GCRunner {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &GCRunner{name: name, interval: interval, run: run}
}

func (g *GCRunner) String() string {
	return g.name
}

// Serve implements suture.Service.
func (g *GCRunner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			g.run()
		}
	}
}
