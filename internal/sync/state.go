package sync

import (
	"time"

	"github.com/vitaliisemenov/fleet-agent/internal/fsm"
)

// CooldownPolicy bounds the adaptive cooldown computed after every sync
// outcome (spec.md §4.5).
type CooldownPolicy struct {
	BaseSecs     float64
	GrowthFactor float64
	MaxSecs      float64
}

// DefaultCooldownPolicy matches the shipped defaults referenced by spec.md
// §4.5's worked examples (S4/S5).
func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{BaseSecs: 15, GrowthFactor: 2, MaxSecs: 24 * 60 * 60}
}

func (p CooldownPolicy) base() time.Duration {
	return time.Duration(p.BaseSecs * float64(time.Second))
}

func (p CooldownPolicy) backoff(errStreak int) time.Duration {
	ceiling := time.Duration(p.MaxSecs * float64(time.Second))
	return fsm.ExpBackoff(p.base(), p.GrowthFactor, errStreak, ceiling)
}

// State is the per-agent sync state from spec.md §4.5. It is agent-local
// and rebuilt fresh on every process start: the external-interfaces list
// (spec.md §6) does not include a persisted sync-state file, so nothing
// here survives a restart by design.
type State struct {
	LastAttemptedSyncAt *time.Time
	LastSyncedAt        *time.Time
	CooldownEndsAt      *time.Time
	ErrStreak           int
}

// InCooldown reports whether now is still within the scheduled cooldown.
func (s State) InCooldown(now time.Time) bool {
	return s.CooldownEndsAt != nil && now.Before(*s.CooldownEndsAt)
}

// onSuccess applies spec.md §4.5's success transition.
func (s State) onSuccess(now time.Time, policy CooldownPolicy) State {
	s.LastSyncedAt = &now
	s.ErrStreak = 0
	end := now.Add(policy.base())
	s.CooldownEndsAt = &end
	return s
}

// onNetworkFailure applies the network-connection failure transition: the
// streak is left untouched and the cooldown is the same short, fixed
// interval success uses.
func (s State) onNetworkFailure(now time.Time, policy CooldownPolicy) State {
	end := now.Add(policy.base())
	s.CooldownEndsAt = &end
	return s
}

// onOtherFailure applies the non-network failure transition: the streak
// advances and the cooldown grows with it.
func (s State) onOtherFailure(now time.Time, policy CooldownPolicy) State {
	s.ErrStreak++
	end := now.Add(policy.backoff(s.ErrStreak))
	s.CooldownEndsAt = &end
	return s
}
