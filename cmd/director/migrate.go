package main

import (
	"fmt"

	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/pkg/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var showStatus bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		if showStatus {
			if cfg.Database.Type != config.DBTypePostgres {
				return fmt.Errorf("migration status is only tracked for postgres")
			}
			db, err := store.InitDB(cfg)
			if err != nil {
				return err
			}
			return migrations.Status(db, cfg.Service.MigrationFolder)
		}

		s, err := openStore(cmd.Context(), cfg)
		if err != nil {
			zap.S().Errorw("migrating data store", "error", err)
			return err
		}
		defer s.Close()

		zap.S().Info("db migrated")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&showStatus, "status", false, "Print the applied migrations instead of migrating")
}
