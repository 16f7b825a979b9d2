package store

import (
	"context"

	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Job() Job
	Task() Task
	Report() Report
	Rule() Rule
	Health() Health
	InitialMigration(ctx context.Context) error
	Close() error
}

type DataStore struct {
	db     *gorm.DB
	job    Job
	task   Task
	report Report
	rule   Rule
	health Health
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		job:    NewJobStore(db),
		task:   NewTaskStore(db),
		report: NewReportStore(db),
		rule:   NewRuleStore(db),
		health: NewHealthStore(db),
		db:     db,
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Job() Job {
	return s.job
}

func (s *DataStore) Task() Task {
	return s.task
}

func (s *DataStore) Report() Report {
	return s.report
}

func (s *DataStore) Rule() Rule {
	return s.rule
}

func (s *DataStore) Health() Health {
	return s.health
}

// InitialMigration creates the schema with gorm's AutoMigrate. Used for sqlite; postgres is
// migrated with the goose files in pkg/migrations.
func (s *DataStore) InitialMigration(ctx context.Context) error {
	ctx, err := s.NewTransactionContext(ctx)
	if err != nil {
		return err
	}

	migrations := []func(context.Context) error{
		s.Job().InitialMigration,
		s.Task().InitialMigration,
		s.Report().InitialMigration,
		s.Rule().InitialMigration,
		s.Health().InitialMigration,
	}
	for _, migrate := range migrations {
		if err := migrate(ctx); err != nil {
			_, _ = Rollback(ctx)
			return err
		}
	}

	_, err = Commit(ctx)
	return err
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
