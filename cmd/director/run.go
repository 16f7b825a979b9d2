package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgeline/director/internal/adapter"
	apiserver "github.com/forgeline/director/internal/api_server"
	"github.com/forgeline/director/internal/events"
	handlers "github.com/forgeline/director/internal/handlers/v1alpha1"
	"github.com/forgeline/director/internal/lane"
	"github.com/forgeline/director/internal/pipeline"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/supervisor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the director",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		zap.S().Info("Starting director")
		defer zap.S().Info("director stopped")
		zap.S().Infof("Using config: %s", cfg)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		def, err := loadDefinition(cfg)
		if err != nil {
			zap.S().Errorw("loading pipeline definition", "error", err)
			return err
		}

		s, err := openStore(ctx, cfg)
		if err != nil {
			zap.S().Errorw("initializing data store", "error", err)
			return err
		}
		defer s.Close()

		registry, err := adapter.NewRegistryFromConfig(cfg)
		if err != nil {
			zap.S().Errorw("building backend registry", "error", err)
			return err
		}

		producer := events.NewEventProducer(&events.StdoutWriter{})
		defer producer.Close()

		queueSrv := service.NewQueueService(s, producer)
		pipelineSrv := service.NewPipelineService(s, pipeline.NewMachine(def), producer).WithRetryLimit(cfg.Supervisor.RetryLimit)
		ruleSrv := service.NewRuleService(s, def)

		apiListener, err := newListener(cfg.Service.Address)
		if err != nil {
			zap.S().Errorw("creating api listener", "error", err)
			return err
		}
		metricsListener, err := newListener(cfg.Service.MetricsAddress)
		if err != nil {
			zap.S().Errorw("creating metrics listener", "error", err)
			return err
		}

		pool := lane.NewPoolFromRegistry(registry, queueSrv, producer, cfg.Lanes.PollInterval, cfg.Lanes.KillCheckInterval)
		director := supervisor.New(s, queueSrv, pipelineSrv, registry, producer, supervisor.OptionsFromConfig(cfg))
		server := apiserver.New(cfg, apiListener, handlers.NewServiceHandler(queueSrv, pipelineSrv, ruleSrv))
		metricsServer := apiserver.NewMetricServer(cfg, metricsListener, s)

		// any component returning ends the process; the others see ctx cancelled
		g, ctx := errgroup.WithContext(ctx)
		run := func(name string, fn func(context.Context) error) {
			g.Go(func() error {
				defer cancel()
				if err := fn(ctx); err != nil {
					zap.S().Errorw("component stopped with error", "component", name, "error", err)
					return err
				}
				return nil
			})
		}
		run("lanes", pool.Run)
		run("supervisor", director.Run)
		run("api_server", server.Run)
		run("metrics_server", metricsServer.Run)

		return g.Wait()
	},
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
