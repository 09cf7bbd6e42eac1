// Package worker hosts the three long-running worker tasks (components
// H, I, J) that drive the sync loop from its two trigger sources — a
// fixed poll interval and MQTT push notifications — plus the token
// refresh worker that keeps the bearer credential from expiring. Every
// worker is a single goroutine selecting over its own trigger, a
// cooldown/backoff timer, and the shutdown broadcast, following the
// signal-handler/worker-goroutine shape the supervisor's own lifecycle
// code uses (spec.md §4.6).
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/fleet-agent/internal/sync"
)

// Syncer is the subset of *sync.Runner the poll and MQTT workers drive.
type Syncer interface {
	SyncIfNotInCooldown(ctx context.Context) error
	State() sync.State
	Events() *sync.Broadcaster
}

// PollConfig configures the poll worker.
type PollConfig struct {
	Syncer       Syncer
	PollInterval time.Duration
	Logger       *slog.Logger
}

// PollWorker is component I: a time-driven trigger that calls the sync
// loop unless it is cooling down.
type PollWorker struct {
	cfg    PollConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPollWorker constructs a PollWorker. Call Start to begin polling.
func NewPollWorker(cfg PollConfig) *PollWorker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PollWorker{cfg: cfg, logger: logger.With("component", "poll_worker"), done: make(chan struct{})}
}

// Start spawns the poll loop. shutdown is closed once to signal exit.
func (w *PollWorker) Start(ctx context.Context, shutdown <-chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go func() {
		defer close(w.done)
		w.run(ctx, shutdown)
	}()
}

// Stop cancels the worker's context; callers should still wait on Done
// for the loop to actually exit.
func (w *PollWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Done reports when the worker's loop has exited.
func (w *PollWorker) Done() <-chan struct{} { return w.done }

func (w *PollWorker) run(ctx context.Context, shutdown <-chan struct{}) {
	sub := w.cfg.Syncer.Events().Subscribe()
	defer w.cfg.Syncer.Events().Unsubscribe(sub)

	for {
		wait := w.nextWait()
		timer := time.NewTimer(wait)

		select {
		case <-timer.C:
		case ev := <-sub.C():
			timer.Stop()
			end, ok := ev.(sync.CooldownEnd)
			if !ok || end.Source != sync.FromSyncFailure {
				continue // only a failure-driven cooldown end interrupts the wait early
			}
		case <-shutdown:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}

		if err := w.cfg.Syncer.SyncIfNotInCooldown(ctx); err != nil {
			w.logger.Warn("sync attempt failed", "error", err)
		}
	}
}

// nextWait computes the poll worker's sleep duration: the remaining
// portion of the fixed poll interval since the last attempt, or the
// remaining cooldown, whichever is longer — never negative.
func (w *PollWorker) nextWait() time.Duration {
	now := time.Now()
	state := w.cfg.Syncer.State()

	pollRemaining := w.cfg.PollInterval
	if state.LastAttemptedSyncAt != nil {
		elapsed := now.Sub(*state.LastAttemptedSyncAt)
		pollRemaining = w.cfg.PollInterval - elapsed
	}

	cooldownRemaining := time.Duration(0)
	if state.CooldownEndsAt != nil {
		cooldownRemaining = state.CooldownEndsAt.Sub(now)
	}

	wait := pollRemaining
	if cooldownRemaining > wait {
		wait = cooldownRemaining
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}
