package tracker

import (
	"context"
	"time"

	"github.com/timmy/chronos/internal/logger"
)

// Janitor periodically evicts retired jobs from the registry.
type Janitor struct {
	registry    *Registry
	interval    time.Duration
	retention   time.Duration
	maxRetained int
}

// NewJanitor creates a janitor. A non-positive interval disables it.
func NewJanitor(registry *Registry, interval, retention time.Duration, maxRetained int) *Janitor {
	return &Janitor{
		registry:    registry,
		interval:    interval,
		retention:   retention,
		maxRetained: maxRetained,
	}
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	if j.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ctx = logger.SetComponent(ctx, "janitor")
	logger.CtxInfo(ctx, "Janitor started: interval=%s, retention=%s, max_retained=%d",
		j.interval, j.retention, j.maxRetained)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one eviction pass and returns how many jobs were evicted.
func (j *Janitor) Sweep(ctx context.Context) int {
	return len(j.registry.EvictRetired(ctx, j.retention, j.maxRetained))
}
