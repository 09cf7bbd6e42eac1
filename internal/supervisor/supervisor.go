package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/vitaliisemenov/fleet-agent/internal/activity"
	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
)

// WorkerHandle is the shape every long-running task the supervisor owns
// satisfies: internal/worker's PollWorker, MQTTWorker and
// TokenRefreshWorker all already implement this.
type WorkerHandle interface {
	Start(ctx context.Context, shutdown <-chan struct{})
	Stop()
	Done() <-chan struct{}
}

// SocketServer is the external control socket (Non-goal per spec.md §1).
// It has the same Start/Stop/Done shape as WorkerHandle; Config.Socket may
// be left nil, in which case the supervisor neither starts nor awaits it.
type SocketServer interface {
	Start(ctx context.Context, shutdown <-chan struct{})
	Stop()
	Done() <-chan struct{}
}

// Config wires the supervisor's collaborators and shutdown triggers.
type Config struct {
	State *AppState

	TokenRefresh WorkerHandle // component J, always present
	Poll         WorkerHandle // component I, optional
	MQTT         WorkerHandle // component H, optional
	Socket       SocketServer // optional, Non-goal implementation

	Activity         activity.Tracker
	Persistent       bool          // true disables the idle and max-runtime triggers outright
	IdleTimeout      time.Duration // 0 disables the idle trigger
	IdlePollInterval time.Duration
	MaxRuntime       time.Duration // 0 disables the max-runtime trigger
	MaxShutdownDelay time.Duration

	Logger *slog.Logger
}

// Supervisor is component K: it starts every long-running task in the
// strict order spec.md §4.8 requires, watches for exactly one shutdown
// trigger, and runs the bounded, strictly ordered shutdown join sequence.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	shutdown chan struct{}
	handles  map[string]bool // registered worker slots, guards duplicate registration
}

// New constructs a Supervisor. Run registers each configured worker slot
// once by name, and registering the same slot name twice is rejected with
// agenterrors.ErrDuplicateRegistration. Slots are keyed by name only: the
// same WorkerHandle assigned to two Config fields is not detected.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxShutdownDelay <= 0 {
		cfg.MaxShutdownDelay = 30 * time.Second
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = time.Minute
	}
	return &Supervisor{
		cfg:      cfg,
		logger:   logger.With("component", "supervisor"),
		shutdown: make(chan struct{}),
		handles:  make(map[string]bool),
	}
}

func (s *Supervisor) register(slot string, present bool) error {
	if !present {
		return nil
	}
	if s.handles[slot] {
		return fmt.Errorf("supervisor: register %s: %w", slot, agenterrors.ErrDuplicateRegistration)
	}
	s.handles[slot] = true
	return nil
}

// Run executes startup (spec.md §4.8 steps 1-3 — step 1's AppState
// construction happens in Bootstrap, before Run is called), blocks until
// exactly one shutdown trigger fires, then runs the bounded shutdown join
// sequence. It returns the process exit code: 0 on a clean shutdown, 1 if
// the shutdown deadline was exceeded.
func (s *Supervisor) Run(ctx context.Context) int {
	if err := s.register("token_refresh", s.cfg.TokenRefresh != nil); err != nil {
		s.logger.Error("startup failed", "error", err)
		return 1
	}
	if err := s.register("poll", s.cfg.Poll != nil); err != nil {
		s.logger.Error("startup failed", "error", err)
		return 1
	}
	if err := s.register("mqtt", s.cfg.MQTT != nil); err != nil {
		s.logger.Error("startup failed", "error", err)
		return 1
	}
	if err := s.register("socket", s.cfg.Socket != nil); err != nil {
		s.logger.Error("startup failed", "error", err)
		return 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Step 2: spawn the token refresh worker.
	s.cfg.TokenRefresh.Start(runCtx, s.shutdown)

	// Step 3: optionally spawn the socket server, poll worker, and MQTT
	// worker, each already wired with the same shutdown broadcast.
	if s.cfg.Socket != nil {
		s.cfg.Socket.Start(runCtx, s.shutdown)
	}
	if s.cfg.Poll != nil {
		s.cfg.Poll.Start(runCtx, s.shutdown)
	}
	if s.cfg.MQTT != nil {
		s.cfg.MQTT.Start(runCtx, s.shutdown)
	}

	trigger := s.waitForTrigger(runCtx)
	s.logger.Info("shutdown triggered", "trigger", trigger)

	return s.shutdownSequence()
}

// triggerKind names which of the three shutdown triggers fired, for
// logging only.
type triggerKind string

const (
	triggerSignal  triggerKind = "context_cancelled"
	triggerIdle    triggerKind = "idle_timeout"
	triggerRuntime triggerKind = "max_runtime"
)

// waitForTrigger blocks until exactly one of the three shutdown triggers
// fires (spec.md §4.8 "Only the first trips") and returns which one. In
// persistent mode (spec.md §4.8 supplement) the idle and max-runtime
// triggers are disabled outright — this always blocks on ctx.Done() alone.
func (s *Supervisor) waitForTrigger(ctx context.Context) triggerKind {
	if s.cfg.Persistent {
		<-ctx.Done()
		return triggerSignal
	}

	var maxRuntime <-chan time.Time
	if s.cfg.MaxRuntime > 0 {
		timer := time.NewTimer(s.cfg.MaxRuntime)
		defer timer.Stop()
		maxRuntime = timer.C
	}

	var idleTicker *time.Ticker
	var idleTick <-chan time.Time
	if s.cfg.IdleTimeout > 0 && s.cfg.Activity != nil {
		idleTicker = time.NewTicker(s.cfg.IdlePollInterval)
		defer idleTicker.Stop()
		idleTick = idleTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return triggerSignal
		case <-maxRuntime:
			return triggerRuntime
		case <-idleTick:
			if time.Since(s.cfg.Activity.LastTouched()) >= s.cfg.IdleTimeout {
				return triggerIdle
			}
		}
	}
}

// shutdownSequence runs spec.md §4.8's strict, bounded shutdown join:
// broadcast, await token refresh, await poll, await MQTT, await socket,
// tear down app state, and force-exit status 1 on overshoot.
func (s *Supervisor) shutdownSequence() int {
	done := make(chan int, 1)
	go func() {
		close(s.shutdown) // step 1: broadcast, drop the sender

		<-s.cfg.TokenRefresh.Done() // step 2: each worker exits at its own
		if s.cfg.Poll != nil {      // next safe point on seeing the broadcast
			<-s.cfg.Poll.Done() // step 3
		}
		if s.cfg.MQTT != nil {
			<-s.cfg.MQTT.Done() // step 4
		}
		if s.cfg.Socket != nil {
			<-s.cfg.Socket.Done() // step 5
		}

		if err := s.cfg.State.Shutdown(); err != nil { // step 6
			s.logger.Warn("app state shutdown reported errors", "error", err)
		}

		done <- 0
	}()

	select {
	case code := <-done:
		return code
	case <-time.After(s.cfg.MaxShutdownDelay):
		s.logger.Error("shutdown deadline exceeded, forcing exit", "max_shutdown_delay", s.cfg.MaxShutdownDelay)
		return 1
	}
}

// ForceExit is a thin wrapper around os.Exit so cmd/agent's main can call a
// single supervisor-owned exit path; kept separate from Run so tests can
// call Run directly without the process actually exiting.
func ForceExit(code int) {
	os.Exit(code)
}
