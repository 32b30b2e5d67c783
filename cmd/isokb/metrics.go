package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"isokb/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type metricsEndpoint struct {
	server *http.Server
	done   chan struct{}
}

// startMetrics serves /metrics for reg on addr until Shutdown.
func startMetrics(addr string, reg *prometheus.Registry) (*metricsEndpoint, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	ep := &metricsEndpoint{
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		done:   make(chan struct{}),
	}
	log := logging.Get(logging.CategoryMetrics)
	go func() {
		defer close(ep.done)
		if err := ep.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return ep, nil
}

// Shutdown stops the server and waits for it to exit.
func (e *metricsEndpoint) Shutdown(ctx context.Context) error {
	err := e.server.Shutdown(ctx)
	<-e.done
	return err
}
