package store

import "errors"

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateKey   = errors.New("already exists")
	// ErrStaleStage is returned when a task row no longer matches the expected stage and
	// version, i.e. someone else transitioned it first.
	ErrStaleStage = errors.New("task stage or version changed concurrently")
	// ErrInvalidJobState is returned when a conditional job update matched no row.
	ErrInvalidJobState = errors.New("job is not in the expected state")
	ErrNoJobs          = errors.New("no claimable job")
)
