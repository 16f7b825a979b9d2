package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/forgeline/director/internal/config"
	handlers "github.com/forgeline/director/internal/handlers/v1alpha1"
	"github.com/forgeline/director/pkg/metrics"
	"github.com/forgeline/director/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	listener net.Listener
	handler  *handlers.ServiceHandler
	metrics  *metrics.Middleware
}

// New returns a new instance of the director API server. The request metrics are registered
// on the default registry, so only one server may be created per process.
func New(
	cfg *config.Config,
	listener net.Listener,
	handler *handlers.ServiceHandler,
) *Server {
	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegisterDefault()

	return &Server{
		cfg:      cfg,
		listener: listener,
		handler:  handler,
		metrics:  metricMiddleware,
	}
}

// Router builds the API router. Exposed so tests can serve it without a listener.
func (s *Server) Router() chi.Router {
	router := chi.NewRouter()

	router.Use(
		s.metrics.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.Service.CorsOrigins,
			AllowedMethods:   []string{"GET", "PUT", "POST", "DELETE", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	s.handler.Routes(router)

	return router
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	srv := http.Server{Addr: s.cfg.Service.Address, Handler: s.Router()}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
