// Package retention periodically purges finished sessions that have
// been silent for longer than the configured retention period.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// batchSize bounds how many sessions a single sweep deletes.
const batchSize = 100

// Purger deletes finished sessions last seen before cutoff.
type Purger interface {
	PurgeStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Worker runs retention sweeps.
type Worker struct {
	purger     Purger
	clock      clockwork.Clock
	purgeAfter time.Duration
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker. If sweepInterval is <= 0, it defaults to one
// minute. A non-positive purgeAfter disables purging.
func NewWorker(purger Purger, clk clockwork.Clock, purgeAfter, sweepInterval time.Duration) *Worker {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Worker{
		purger:     purger,
		clock:      clk,
		purgeAfter: purgeAfter,
		poll:       sweepInterval,
		logger:     slog.Default(),
	}
}

// Enabled reports whether the worker has anything to do.
func (w *Worker) Enabled() bool { return w.purgeAfter > 0 }

// Run sweeps until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if !w.Enabled() {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}

		more, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("retention sweep failed", "error", err)
		}
		if more {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.poll):
		}
	}
}

// RunOnce performs a single sweep. It returns true if the batch was full
// and another sweep should follow immediately.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if !w.Enabled() {
		return false, nil
	}
	cutoff := w.clock.Now().Add(-w.purgeAfter)
	ids, err := w.purger.PurgeStale(ctx, cutoff, batchSize)
	if err != nil {
		return false, fmt.Errorf("purging sessions older than %s: %w", cutoff.Format(time.RFC3339), err)
	}
	for _, id := range ids {
		w.logger.Debug("session purged by retention", "session_id", id)
	}
	return len(ids) == batchSize, nil
}
