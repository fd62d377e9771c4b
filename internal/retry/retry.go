// Package retry implements the RetryDecision value and the backoff
// policy evaluation the execution loop uses after a failure. Retry is a
// data value; the shape mirrors the teacher's escalation/severity.go
// threshold table: a pure function from inputs to a decision, with no
// control-flow side effects of its own.
package retry

import (
	"math/rand"
	"time"

	"github.com/corehost/workerd/internal/oplog"
)

// Decision is the execution loop's next move after a failure or a
// natural suspension point.
type Decision int

const (
	// DecisionNone means stop: notify the Supervisor to unload.
	DecisionNone Decision = iota
	// DecisionImmediate means reloop without delay.
	DecisionImmediate
	// DecisionDelayed means sleep Delay then reloop.
	DecisionDelayed
	// DecisionReacquirePermits means drop memory permits, back off, and
	// reattempt load with a larger estimate.
	DecisionReacquirePermits
)

// RetryDecision pairs a Decision with the delay it carries, if any.
type RetryDecision struct {
	Decision Decision
	Delay    time.Duration
}

func Immediate() RetryDecision { return RetryDecision{Decision: DecisionImmediate} }
func None() RetryDecision      { return RetryDecision{Decision: DecisionNone} }
func Delayed(d time.Duration) RetryDecision {
	return RetryDecision{Decision: DecisionDelayed, Delay: d}
}
func ReacquirePermits(d time.Duration) RetryDecision {
	return RetryDecision{Decision: DecisionReacquirePermits, Delay: d}
}

// DefaultPolicy returns the built-in fallback retry policy, used when no
// ChangeRetryPolicy entry has overridden it and the configuration does
// not supply one explicitly.
func DefaultPolicy() oplog.RetryPolicy {
	return oplog.RetryPolicy{
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		MaxAttempts: 5,
	}
}

// Decide computes the RetryDecision for an Error of the given class that
// has now occurred attempt times under policy: InvalidRequest and
// StackOverflow never retry, OutOfMemory always retries via permit
// reacquisition, Unknown retries up to policy.MaxAttempts with
// exponential backoff.
func Decide(class oplog.ErrorClass, attempt int, policy oplog.RetryPolicy) RetryDecision {
	switch class {
	case oplog.ErrorClassInvalidRequest, oplog.ErrorClassStackOverflow:
		return None()
	case oplog.ErrorClassOutOfMemory:
		return ReacquirePermits(backoffDelay(attempt, OOMBackoffPolicy()))
	default: // Unknown
		max := policy.MaxAttempts
		if max <= 0 {
			max = 1
		}
		if attempt >= max {
			return None()
		}
		return Delayed(backoffDelay(attempt, policy))
	}
}

// OOMBackoffPolicy returns the built-in OOM backoff policy. Decide always
// uses it for OutOfMemory; memory.oom_retry_config from internal/config
// is validated at load but never passed here.
func OOMBackoffPolicy() oplog.RetryPolicy {
	return oplog.RetryPolicy{
		MinDelay:   250 * time.Millisecond,
		MaxDelay:   1 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.3,
	}
}

// backoffDelay computes an exponential delay for the given attempt
// number (1-indexed), clamped to [MinDelay, MaxDelay] and jittered by
// +/- Jitter fraction.
func backoffDelay(attempt int, policy oplog.RetryPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	min := policy.MinDelay
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := policy.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 2.0
	}

	delay := float64(min)
	for i := 1; i < attempt; i++ {
		delay *= mult
	}
	if delay > float64(max) {
		delay = float64(max)
	}

	if policy.Jitter > 0 {
		spread := delay * policy.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	if delay > float64(max) {
		delay = float64(max)
	}
	if delay < float64(min) {
		delay = float64(min)
	}
	return time.Duration(delay)
}
