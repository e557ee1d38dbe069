package sync

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is how often the runner syncs without being asked to.
const DefaultInterval = 20 * time.Second

// Runner drives the engine on a fixed interval and on demand. Triggers
// arriving while a cycle runs collapse into at most one pending cycle.
type Runner struct {
	engine   *Engine
	log      *slog.Logger
	interval time.Duration
	trigger  chan struct{}
}

func NewRunner(engine *Engine, interval time.Duration, log *slog.Logger) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Runner{
		engine:   engine,
		log:      log,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a sync cycle as soon as possible. It never blocks.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run syncs immediately, then loops until ctx is cancelled. Errors are
// logged and the loop keeps going; the next tick retries.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("sync runner started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.syncOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("sync runner stopped")
			return
		case <-ticker.C:
			r.syncOnce(ctx)
		case <-r.trigger:
			r.syncOnce(ctx)
		}
	}
}

func (r *Runner) syncOnce(ctx context.Context) {
	if err := r.engine.Sync(ctx); err != nil {
		r.log.Warn("scheduled sync failed", "error", err)
	}
}
