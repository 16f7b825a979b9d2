package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/forgeline/director/internal/store/model"
)

// MockAdapter is a deterministic backend for development and tests.
type MockAdapter struct {
	name          string
	latency       time.Duration
	interruptible bool
	handler       func(ctx context.Context, jobType model.JobType, payload json.RawMessage) (json.RawMessage, error)
	pingErr       error

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

type MockOption func(*MockAdapter)

func WithLatency(d time.Duration) MockOption {
	return func(m *MockAdapter) {
		m.latency = d
	}
}

// WithUninterruptible makes Execute ignore context cancellation and always run for the full
// latency, like a backend that cannot be aborted.
func WithUninterruptible() MockOption {
	return func(m *MockAdapter) {
		m.interruptible = false
	}
}

func WithResult(result json.RawMessage) MockOption {
	return func(m *MockAdapter) {
		m.handler = func(context.Context, model.JobType, json.RawMessage) (json.RawMessage, error) {
			return result, nil
		}
	}
}

func WithError(err error) MockOption {
	return func(m *MockAdapter) {
		m.handler = func(context.Context, model.JobType, json.RawMessage) (json.RawMessage, error) {
			return nil, err
		}
	}
}

func WithHandler(h func(ctx context.Context, jobType model.JobType, payload json.RawMessage) (json.RawMessage, error)) MockOption {
	return func(m *MockAdapter) {
		m.handler = h
	}
}

func WithPingError(err error) MockOption {
	return func(m *MockAdapter) {
		m.pingErr = err
	}
}

// NewMockAdapter answers every job with a passing stage verdict unless told otherwise.
func NewMockAdapter(name string, opts ...MockOption) *MockAdapter {
	m := &MockAdapter{name: name, interruptible: true}
	m.handler = func(_ context.Context, jobType model.JobType, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"status":"pass","summary":"mock %s"}`, jobType)), nil
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *MockAdapter) Name() string {
	return m.name
}

func (m *MockAdapter) Interruptible() bool {
	return m.interruptible
}

func (m *MockAdapter) Execute(ctx context.Context, jobType model.JobType, payload json.RawMessage) (json.RawMessage, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		seen := m.maxInFlight.Load()
		if n <= seen || m.maxInFlight.CompareAndSwap(seen, n) {
			break
		}
	}

	if m.latency > 0 {
		if m.interruptible {
			select {
			case <-time.After(m.latency):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			time.Sleep(m.latency)
		}
	}

	return m.handler(ctx, jobType, payload)
}

func (m *MockAdapter) Ping(ctx context.Context) error {
	if m.pingErr != nil {
		return m.pingErr
	}
	return ctx.Err()
}

// Calls is the number of Execute calls so far.
func (m *MockAdapter) Calls() int64 {
	return m.calls.Load()
}

// MaxInFlight is the highest number of concurrent Execute calls observed.
func (m *MockAdapter) MaxInFlight() int64 {
	return m.maxInFlight.Load()
}

var ErrMockBackend = errors.New("mock backend failure")
