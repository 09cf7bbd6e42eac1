package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
	"github.com/vitaliisemenov/fleet-agent/internal/fsm"
	"github.com/vitaliisemenov/fleet-agent/internal/sync"
)

// TokenManager is the subset of *token.Manager the refresh worker drives.
type TokenManager interface {
	Refresh(ctx context.Context) (string, error)
	ExpiresAt() (time.Time, error)
	Expired() (bool, error)
}

// TokenRefreshConfig configures the token refresh worker.
type TokenRefreshConfig struct {
	Tokens         TokenManager
	RefreshAdvance time.Duration
	BackoffPolicy  sync.CooldownPolicy
	Logger         *slog.Logger
}

// TokenRefreshWorker is component J: refreshes the bearer credential
// ahead of its expiry, with backoff on failure (spec.md §4.6).
type TokenRefreshWorker struct {
	cfg    TokenRefreshConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTokenRefreshWorker constructs a TokenRefreshWorker.
func NewTokenRefreshWorker(cfg TokenRefreshConfig) *TokenRefreshWorker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenRefreshWorker{cfg: cfg, logger: logger.With("component", "token_refresh_worker"), done: make(chan struct{})}
}

// Start spawns the refresh loop.
func (w *TokenRefreshWorker) Start(ctx context.Context, shutdown <-chan struct{}) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go func() {
		defer close(w.done)
		w.run(ctx, shutdown)
	}()
}

// Stop cancels the worker's context; callers should still wait on Done.
func (w *TokenRefreshWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Done reports when the worker's loop has exited.
func (w *TokenRefreshWorker) Done() <-chan struct{} { return w.done }

func (w *TokenRefreshWorker) run(ctx context.Context, shutdown <-chan struct{}) {
	if expired, err := w.cfg.Tokens.Expired(); err != nil {
		w.logger.Warn("failed to check token expiry at startup", "error", err)
	} else if expired {
		if _, err := w.cfg.Tokens.Refresh(ctx); err != nil {
			w.logger.Warn("startup token refresh failed", "error", err)
		}
	}

	streak := 0
	for {
		timer := time.NewTimer(w.nextWait(streak))
		select {
		case <-shutdown:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		_, err := w.cfg.Tokens.Refresh(ctx)
		switch {
		case err == nil:
			streak = 0
		case agenterrors.Classify(err).IsNetworkConnectionError():
			w.logger.Warn("token refresh network error, retrying at base interval", "error", err)
		default:
			streak++
			w.logger.Warn("token refresh failed", "error", err, "streak", streak)
		}
	}
}

// nextWait implements spec.md §4.6's refresh-interval formula: the gap
// until refresh_advance before expiry, unless the current error-streak
// backoff is larger, in which case the backoff wins.
func (w *TokenRefreshWorker) nextWait(streak int) time.Duration {
	base := time.Duration(w.cfg.BackoffPolicy.BaseSecs * float64(time.Second))
	ceiling := time.Duration(w.cfg.BackoffPolicy.MaxSecs * float64(time.Second))
	backoff := fsm.ExpBackoff(base, w.cfg.BackoffPolicy.GrowthFactor, streak, ceiling)

	expiresAt, err := w.cfg.Tokens.ExpiresAt()
	if err != nil || expiresAt.IsZero() {
		return backoff
	}

	refreshWait := time.Until(expiresAt) - w.cfg.RefreshAdvance
	if refreshWait < 0 {
		refreshWait = 0
	}
	if refreshWait > backoff {
		return refreshWait
	}
	return backoff
}
