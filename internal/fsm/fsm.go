// Package fsm implements the deployment reconciliation decision function:
// a pure mapping from (deployment, cooldown) to the next action to take,
// plus the success/error transition helpers. No I/O, no suspension points
// — see spec.md §4.1 and §5 ("FSM decisions never suspend").
package fsm

import (
	"math"
	"time"

	"github.com/vitaliisemenov/fleet-agent/internal/agenterrors"
	"github.com/vitaliisemenov/fleet-agent/internal/model"
)

// ActionKind names the decision returned by NextAction.
type ActionKind string

const (
	ActionNone    ActionKind = "none"
	ActionDeploy  ActionKind = "deploy"
	ActionRemove  ActionKind = "remove"
	ActionArchive ActionKind = "archive"
	ActionWait    ActionKind = "wait"
)

// Action carries ActionWait's remaining duration; zero for every other
// kind.
type Action struct {
	Kind     ActionKind
	Duration time.Duration
}

// IsActionRequired is true exactly for Deploy/Remove/Archive.
func IsActionRequired(a Action) bool {
	switch a.Kind {
	case ActionDeploy, ActionRemove, ActionArchive:
		return true
	default:
		return false
	}
}

// decisionTable implements spec.md §4.1's table; cells absent from the map
// are ActionNone.
var decisionTable = map[model.TargetStatus]map[model.ActivityStatus]ActionKind{
	model.TargetStaged: {
		model.ActivityQueued:   ActionArchive,
		model.ActivityDeployed: ActionRemove,
	},
	model.TargetDeployed: {
		model.ActivityQueued:  ActionDeploy,
		model.ActivityArchived: ActionDeploy,
	},
	model.TargetArchived: {
		model.ActivityDrifted:  ActionArchive,
		model.ActivityStaged:   ActionArchive,
		model.ActivityQueued:   ActionArchive,
		model.ActivityDeployed: ActionRemove,
	},
}

// NextAction is the pure decision function from spec.md §4.1.
func NextAction(d model.Deployment, useCooldown bool) Action {
	if d.Error == model.ErrorFailed {
		return Action{Kind: ActionNone}
	}

	if useCooldown && d.CooldownEndsAt != nil {
		now := time.Now()
		if d.CooldownEndsAt.After(now) {
			return Action{Kind: ActionWait, Duration: d.CooldownEndsAt.Sub(now)}
		}
	}

	byActivity, ok := decisionTable[d.Target]
	if !ok {
		return Action{Kind: ActionNone}
	}
	kind, ok := byActivity[d.Activity]
	if !ok {
		return Action{Kind: ActionNone}
	}
	return Action{Kind: kind}
}

// satisfiesTarget reports whether activity is a terminal state for target,
// per the success-transition recovery rule in spec.md §4.1.
func satisfiesTarget(target model.TargetStatus, activity model.ActivityStatus) bool {
	switch target {
	case model.TargetDeployed:
		return activity == model.ActivityDeployed
	case model.TargetStaged:
		return activity != model.ActivityDeployed
	case model.TargetArchived:
		return activity == model.ActivityArchived
	default:
		return false
	}
}

// recover applies the error/attempts recovery rule shared by every success
// transition: if the prior error was Retrying and the new activity
// satisfies the target, error resets to None and attempts to 0; otherwise
// both are preserved.
func recover(d model.Deployment, newActivity model.ActivityStatus) model.Deployment {
	next := d.Clone()
	next.Activity = newActivity
	if d.Error == model.ErrorRetrying && satisfiesTarget(d.Target, newActivity) {
		next.Error = model.ErrorNone
		next.Attempts = 0
		next.CooldownEndsAt = nil
	}
	next.UpdatedAt = time.Now()
	return next
}

// Deploy transitions d to activity=Deployed on projection success.
func Deploy(d model.Deployment) model.Deployment {
	return recover(d, model.ActivityDeployed)
}

// Remove transitions d to activity=Archived. It is a pure state transition:
// no caller removes the deployment's files before or after it.
func Remove(d model.Deployment) model.Deployment {
	return recover(d, model.ActivityArchived)
}

// Archive transitions d to activity=Archived (no filesystem removal
// needed; the deployment was never materialized, or is being retired
// without ever having been deployed).
func Archive(d model.Deployment) model.Deployment {
	return recover(d, model.ActivityArchived)
}

// Policy bounds the error transition's attempt counting and backoff.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Growth      float64
	Cap         time.Duration
}

// DefaultPolicy matches spec.md §4.1's shipped defaults: max_attempts
// effectively unbounded, base 15s, cap 24h, growth factor 2.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: math.MaxInt32,
		Base:        15 * time.Second,
		Growth:      2,
		Cap:         24 * time.Hour,
	}
}

// ExpBackoff computes min(base*growth^n, cap), saturating rather than
// overflowing for large n.
func ExpBackoff(base time.Duration, growth float64, n int, cap time.Duration) time.Duration {
	if n <= 0 {
		if base > cap {
			return cap
		}
		return base
	}
	factor := math.Pow(growth, float64(n))
	if math.IsInf(factor, 1) || factor > float64(math.MaxInt64) {
		return cap
	}
	scaled := float64(base) * factor
	if scaled > float64(cap) || scaled <= 0 {
		return cap
	}
	return time.Duration(scaled)
}

// Error applies the error transition from spec.md §4.1. incrementAttempts
// is the caller's intent (e.g. "this is a fresh failure, not a repeat of
// the same observation"); it is further gated on err not being a
// network-connection error, which never advances the attempts counter but
// does still extend the cooldown.
func Error(d model.Deployment, policy Policy, err error, incrementAttempts bool) model.Deployment {
	next := d.Clone()

	isNetwork := agenterrors.Classify(err).IsNetworkConnectionError()
	if incrementAttempts && !isNetwork {
		next.Attempts = d.Attempts + 1
	}

	if next.Attempts >= policy.MaxAttempts || d.Error == model.ErrorFailed {
		next.Error = model.ErrorFailed
	} else {
		next.Error = model.ErrorRetrying
	}

	backoff := ExpBackoff(policy.Base, policy.Growth, next.Attempts, policy.Cap)
	cooldownEnd := time.Now().Add(backoff)
	next.CooldownEndsAt = &cooldownEnd
	next.UpdatedAt = time.Now()

	return next
}
