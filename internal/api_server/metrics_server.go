package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/pkg/log"
	"github.com/forgeline/director/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type MetricServer struct {
	bindAddress string
	httpServer  *http.Server
	listener    net.Listener
}

// NewMetricServer serves /metrics. Queue depth is read from s at scrape time.
func NewMetricServer(cfg *config.Config, listener net.Listener, s store.Store) *MetricServer {
	metrics.RegisterQueueCollector(s)

	router := chi.NewRouter()
	router.Use(log.ConditionalLogger(cfg.Service.LogLevel, zap.L(), "metrics_server"))
	router.Handle("/metrics", promhttp.Handler())

	return &MetricServer{
		bindAddress: cfg.Service.MetricsAddress,
		listener:    listener,
		httpServer: &http.Server{
			Addr:    cfg.Service.MetricsAddress,
			Handler: router,
		},
	}
}

func (m *MetricServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		m.httpServer.SetKeepAlivesEnabled(false)
		_ = m.httpServer.Shutdown(ctxTimeout)
		zap.S().Named("metrics_server").Info("metrics server terminated")
	}()

	zap.S().Named("metrics_server").Infof("serving metrics: %s", m.bindAddress)
	if err := m.httpServer.Serve(m.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
