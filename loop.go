package coop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gordian-engine/coop/cdispatch"
)

// DefaultTickInterval is used when [LoopConfig.TickInterval] is zero.
const DefaultTickInterval = time.Second / 60

// Updateable is updated once per frame by a [Loop],
// after the frame's dispatcher work has run.
type Updateable interface {
	Update(ctx context.Context, elapsed time.Duration)
}

// LoopConfig is the configuration for [NewLoop].
type LoopConfig struct {
	Dispatcher *cdispatch.Dispatcher

	// Wall-clock time between frames.
	TickInterval time.Duration
}

// Loop runs frames on the owner goroutine.
// Each frame drains the dispatcher,
// then updates every registered [Updateable] in registration order.
type Loop struct {
	log *slog.Logger

	d *cdispatch.Dispatcher

	interval time.Duration

	// Only accessed on the owner goroutine.
	updateables []Updateable

	done chan struct{}
}

// NewLoop returns a Loop that has not started.
// Call [*Loop.Run] from the goroutine that should own the session state.
func NewLoop(log *slog.Logger, cfg LoopConfig) *Loop {
	if cfg.Dispatcher == nil {
		panic(errors.New("BUG: LoopConfig.Dispatcher must not be nil"))
	}

	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	return &Loop{
		log: log,

		d: cfg.Dispatcher,

		interval: interval,

		done: make(chan struct{}),
	}
}

// Dispatcher returns the dispatcher drained by l.
func (l *Loop) Dispatcher() *cdispatch.Dispatcher {
	return l.d
}

// Run designates the calling goroutine as the dispatcher's owner
// and runs frames until ctx is canceled.
// On return the dispatcher is closed.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer l.d.Close()

	ownerCtx := l.d.DesignateOwner(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			l.log.Info(
				"Stopping game loop",
				"cause", context.Cause(ctx),
			)
			return

		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now

			l.Step(ownerCtx, elapsed)
		}
	}
}

// Step runs one frame.
// It must be called with the owner context,
// and is exported for driving a loop by hand in tests and tools.
func (l *Loop) Step(ctx context.Context, elapsed time.Duration) {
	l.d.Drain(ctx)

	// An Updateable may remove itself during Update.
	for _, u := range slices.Clone(l.updateables) {
		u.Update(ctx, elapsed)
	}
}

// Add registers u to be updated every frame.
// It is safe to call from any goroutine;
// off the owner goroutine, u is added during the next frame.
func (l *Loop) Add(ctx context.Context, u Updateable) error {
	if err := l.d.Submit(ctx, func(context.Context) {
		if !slices.Contains(l.updateables, u) {
			l.updateables = append(l.updateables, u)
		}
	}, false); err != nil {
		return fmt.Errorf("failed to add updateable: %w", err)
	}
	return nil
}

// Remove unregisters u.
// Like Add, it is safe to call from any goroutine.
func (l *Loop) Remove(ctx context.Context, u Updateable) error {
	if err := l.d.Submit(ctx, func(context.Context) {
		if i := slices.Index(l.updateables, u); i >= 0 {
			l.updateables = slices.Delete(l.updateables, i, i+1)
		}
	}, false); err != nil {
		return fmt.Errorf("failed to remove updateable: %w", err)
	}
	return nil
}

// Len reports the number of registered updateables.
// It must only be called on the owner goroutine.
func (l *Loop) Len() int {
	return len(l.updateables)
}

// Wait blocks until Run returns.
func (l *Loop) Wait() {
	<-l.done
}
