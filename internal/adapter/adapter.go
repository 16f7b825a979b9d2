package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgeline/director/internal/store/model"
)

// Adapter is the client of one backend. The deadline of a call travels in ctx. Implementations
// keep no state between calls and are only ever called from a single lane goroutine.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, jobType model.JobType, payload json.RawMessage) (json.RawMessage, error)
	// Ping is a cheap liveness probe.
	Ping(ctx context.Context) error
	// Interruptible reports whether cancelling ctx aborts an in-flight Execute.
	Interruptible() bool
}

type ErrUnsupportedJobType struct {
	error
}

func NewErrUnsupportedJobType(adapter string, jobType model.JobType) *ErrUnsupportedJobType {
	return &ErrUnsupportedJobType{fmt.Errorf("adapter %s does not handle job type %q", adapter, jobType)}
}
