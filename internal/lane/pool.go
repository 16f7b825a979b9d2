package lane

import (
	"context"
	"time"

	"github.com/forgeline/director/internal/adapter"
	"github.com/forgeline/director/internal/events"
	"golang.org/x/sync/errgroup"
)

// Pool runs one goroutine per lane. Lanes share nothing but the store.
type Pool struct {
	lanes []*Lane
}

func NewPool(lanes ...*Lane) *Pool {
	return &Pool{lanes: lanes}
}

// NewPoolFromRegistry builds one lane per registry binding.
func NewPoolFromRegistry(r *adapter.Registry, q Queue, e events.Emitter, pollInterval, killCheckInterval time.Duration) *Pool {
	p := &Pool{}
	for _, b := range r.Bindings() {
		p.lanes = append(p.lanes, New(b, q, e, pollInterval, killCheckInterval))
	}
	return p
}

func (p *Pool) Lanes() []*Lane {
	return append([]*Lane{}, p.lanes...)
}

// Run blocks until ctx is done and every lane has finished its job in flight. A lane that
// fails to start stops the others.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range p.lanes {
		g.Go(func() error {
			return l.Run(ctx)
		})
	}
	return g.Wait()
}
