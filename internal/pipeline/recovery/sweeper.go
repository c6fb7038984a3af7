// Package recovery returns items stuck in a processing list to their stage
// queue. A worker that crashes between popping an item and completing it
// leaves the item in processing forever; the sweep is what makes the
// pop/complete protocol lossless.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/udeposit/internal/pipeline"
	"github.com/vietddude/udeposit/internal/pipeline/metrics"
)

// Sweeper periodically re-queues hanging processing items.
type Sweeper struct {
	queue    pipeline.Queue
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

// New creates a sweeper. interval is how often the sweep runs, timeout is
// how long an item may sit in processing before it counts as hanging.
func New(queue pipeline.Queue, interval, timeout time.Duration) *Sweeper {
	return &Sweeper{
		queue:    queue,
		interval: interval,
		timeout:  timeout,
		log:      slog.Default().With("component", "recovery"),
	}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("Recovery sweeper started", "interval", s.interval, "timeout", s.timeout)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Recovery sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass across all stages.
func (s *Sweeper) Sweep(ctx context.Context) {
	recovered, err := s.queue.RecoverHanging(ctx, s.timeout)
	if err != nil {
		s.log.Error("Failed to recover hanging items", "error", err)
		return
	}
	if recovered > 0 {
		metrics.ItemsRecovered.Add(float64(recovered))
		s.log.Warn("Recovered hanging items", "count", recovered)
	}
}
