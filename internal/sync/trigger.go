package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PeriodicTrigger invokes sync cycles on a fixed interval, giving each
// invocation a bounded execution budget. The coordinator observes the
// budget as context cancellation and persists partial progress before
// returning.
type PeriodicTrigger struct {
	coord    *Coordinator
	interval time.Duration
	budget   time.Duration
	fullEach int // every Nth tick runs a full sync instead of incremental
	log      zerolog.Logger
}

// NewPeriodicTrigger creates a trigger. fullEach <= 0 disables periodic
// full syncs; incremental pushes still run every interval.
func NewPeriodicTrigger(coord *Coordinator, interval, budget time.Duration, fullEach int, log zerolog.Logger) *PeriodicTrigger {
	return &PeriodicTrigger{
		coord:    coord,
		interval: interval,
		budget:   budget,
		fullEach: fullEach,
		log:      log,
	}
}

// Run blocks until ctx is cancelled.
func (t *PeriodicTrigger) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			t.fire(ctx, tick)
		}
	}
}

func (t *PeriodicTrigger) fire(ctx context.Context, tick int) {
	runCtx, cancel := context.WithTimeout(ctx, t.budget)
	defer cancel()

	var err error
	if t.fullEach > 0 && tick%t.fullEach == 0 {
		err = t.coord.PerformFullSync(runCtx)
	} else {
		err = t.coord.PerformIncrementalSync(runCtx)
	}
	if err != nil {
		t.log.Debug().Err(err).Msg("scheduled sync attempt did not complete")
	}
}
