package queue

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy holds the retry parameters applied when an attempt fails.
type Policy struct {
	// MaxAttempts is used for jobs enqueued without an explicit bound.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter multiplies each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultPolicy returns the conservative defaults used when configuration
// does not override them.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BackoffBase: 10 * time.Second,
		BackoffMax:  time.Hour,
		Jitter:      true,
	}
}

// Backoff returns the delay before the retry that follows the given attempt
// number (1-based): BackoffBase * 2^(attempt-1), capped at BackoffMax.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BackoffBase) * math.Pow(2, float64(attempt-1))
	if p.BackoffMax > 0 && delay > float64(p.BackoffMax) {
		delay = float64(p.BackoffMax)
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64() //nolint:gosec // G404: jitter for backoff is not a security-sensitive operation
	}
	return time.Duration(delay)
}

// Transition is the result of applying an outcome to a running job.
type Transition struct {
	To Status
	// RunAt is set only when To is StatusPending.
	RunAt time.Time
}

// Decide maps the outcome of an attempt onto the job's next status.
//
// attempts is the job's attempt count including the attempt that just
// finished. A successful attempt always succeeds the job. A failed attempt
// kills the job when it is permanent or when the attempt budget is spent;
// otherwise the job is requeued after Backoff(attempts).
func (p Policy) Decide(from Status, attempts, maxAttempts int, outcome Outcome, permanent bool, now time.Time) (Transition, error) {
	if from != StatusRunning {
		return Transition{}, fmt.Errorf("%w: %s -> completion", ErrInvalidTransition, from)
	}
	switch outcome {
	case OutcomeOK:
		return Transition{To: StatusSucceeded}, nil
	case OutcomeFail:
		if permanent || attempts >= maxAttempts {
			return Transition{To: StatusDead}, nil
		}
		return Transition{To: StatusPending, RunAt: now.Add(p.Backoff(attempts))}, nil
	default:
		return Transition{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidTransition, outcome)
	}
}

// Expire is the transition applied when a claim goes stale: the job is
// requeued immediately unless its attempt budget is spent.
func (p Policy) Expire(from Status, attempts, maxAttempts int, now time.Time) (Transition, error) {
	if from != StatusRunning {
		return Transition{}, fmt.Errorf("%w: %s -> expired", ErrInvalidTransition, from)
	}
	if attempts >= maxAttempts {
		return Transition{To: StatusDead}, nil
	}
	return Transition{To: StatusPending, RunAt: now}, nil
}
