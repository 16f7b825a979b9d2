package supervisor

import (
	"context"
	"time"

	"github.com/forgeline/director/internal/store/model"
	"github.com/forgeline/director/pkg/metrics"
	"github.com/lthibault/jitterbug/v2"
)

const pingTimeout = 10 * time.Second

func (d *Director) healthLoop(ctx context.Context) {
	if d.registry == nil {
		return
	}

	ticker := jitterbug.New(d.opts.HealthInterval, &jitterbug.Norm{Stdev: d.opts.HealthInterval / 20, Mean: 0})
	defer ticker.Stop()

	for {
		d.CheckHealth(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CheckHealth pings every lane's backend and stores the result, so the queue snapshot can tell
// an idle lane from an unreachable backend.
func (d *Director) CheckHealth(ctx context.Context) {
	for _, b := range d.registry.Bindings() {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		start := time.Now()
		err := b.Adapter.Ping(pctx)
		cancel()

		h := model.BackendHealth{
			Lane:      b.Lane,
			Healthy:   err == nil,
			LatencyMs: time.Since(start).Milliseconds(),
			CheckedAt: time.Now().UTC(),
		}
		if err != nil {
			h.Error = err.Error()
			d.log.Warnw("backend unhealthy", "lane", b.Lane, "error", err)
		}

		metrics.SetBackendUp(b.Lane, h.Healthy)
		if err := d.store.Health().Upsert(ctx, h); err != nil && ctx.Err() == nil {
			d.log.Errorw("failed to store backend health", "lane", b.Lane, "error", err)
		}
	}
}
