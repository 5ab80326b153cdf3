// Package retry drives a submitter through a bounded attempt budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jobescrow/internal/escrow"
	"jobescrow/internal/txsubmit"
)

var ErrRetriesExhausted = errors.New("exhausted retries")

// Policy governs attempt count and inter-attempt delay.
type Policy struct {
	Name        string
	MaxAttempts int
	Backoff     time.Duration
	// FailFastOnPermanent stops at the first Permanent rejection instead of
	// spending the remaining budget.
	FailFastOnPermanent bool
}

// SingleAttempt surfaces the first non-confirmed outcome as is.
func SingleAttempt() Policy {
	return Policy{Name: "single-attempt", MaxAttempts: 1}
}

// Bounded retries every non-confirmed outcome after a fixed delay.
func Bounded(maxAttempts int, backoff time.Duration) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Policy{Name: "bounded-retry", MaxAttempts: maxAttempts, Backoff: backoff}
}

// DefaultRelease is the policy used for fund releases.
func DefaultRelease() Policy {
	return Bounded(3, 2*time.Second)
}

// IntentFactory yields the intent for the next attempt, fresh or cloned.
type IntentFactory func() (escrow.Intent, error)

// Result is the terminal answer of one Execute call.
type Result struct {
	TxHash   string
	Attempts int
	Last     txsubmit.Outcome
	// Err is nil on success.
	Err error
}

func (r Result) Succeeded() bool { return r.Err == nil }

// SleepFunc suspends the caller for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func TimerSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Executor struct {
	Submitter txsubmit.Submitter
	Sleep     SleepFunc
	Logger    *slog.Logger
	// OnAttempt is called after every attempt, before any delay.
	OnAttempt func(attempt int, out txsubmit.Outcome)
}

func (e *Executor) Execute(ctx context.Context, p Policy, next IntentFactory) Result {
	sleep := e.Sleep
	if sleep == nil {
		sleep = TimerSleep
	}
	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last txsubmit.Outcome
	for i := 1; i <= attempts; i++ {
		intent, err := next()
		if err != nil {
			return Result{Attempts: i - 1, Last: last, Err: err}
		}

		last = e.Submitter.Submit(ctx, intent)
		if e.OnAttempt != nil {
			e.OnAttempt(i, last)
		}
		if last.Kind == txsubmit.Confirmed {
			return Result{TxHash: last.TxHash, Attempts: i, Last: last}
		}

		log.Warn("attempt failed",
			"policy", p.Name,
			"attempt", i,
			"max_attempts", attempts,
			"outcome", last.Kind.String(),
			"class", last.Class.String(),
			"reason", last.Reason,
		)

		if attempts == 1 {
			return Result{Attempts: i, Last: last, Err: last.Err()}
		}
		if p.FailFastOnPermanent && last.Class == txsubmit.Permanent {
			return Result{Attempts: i, Last: last, Err: last.Err()}
		}
		if i == attempts {
			break
		}
		if err := sleep(ctx, p.Backoff); err != nil {
			return Result{Attempts: i, Last: last, Err: fmt.Errorf("%w: %v", ErrRetriesExhausted, err)}
		}
	}

	return Result{
		Attempts: attempts,
		Last:     last,
		Err:      fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, last.Err()),
	}
}
