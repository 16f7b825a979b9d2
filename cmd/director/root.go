package main

import (
	"context"

	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/pipeline"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/pkg/log"
	"github.com/forgeline/director/pkg/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "director",
	Short: "director runs the job queue, the worker lanes and the pipeline supervisor.",
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
}

// setup reads the configuration and installs the global zap logger. The returned func
// flushes and restores the logger.
func setup() (*config.Config, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	logger := log.InitLog(log.ParseLevel(cfg.Service.LogLevel), cfg.Service.LogFormat)
	undo := zap.ReplaceGlobals(logger)

	return cfg, func() {
		_ = logger.Sync()
		undo()
	}, nil
}

// openStore connects to the database and brings the schema up to date: goose for postgres,
// gorm's AutoMigrate for sqlite.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	zap.S().Infow("initializing data store", "type", cfg.Database.Type)
	db, err := store.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	s := store.NewStore(db)

	if cfg.Database.Type == config.DBTypePostgres {
		err = migrations.MigrateStore(db, cfg.Service.MigrationFolder)
	} else {
		err = s.InitialMigration(ctx)
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func loadDefinition(cfg *config.Config) (*pipeline.Definition, error) {
	if cfg.Service.PipelineFile == "" {
		return pipeline.DefaultDefinition(), nil
	}
	zap.S().Infow("loading pipeline definition", "file", cfg.Service.PipelineFile)
	return pipeline.LoadDefinition(cfg.Service.PipelineFile)
}
