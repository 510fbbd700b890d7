// Package retry implements the Retry Policy (C2): a bounded/unbounded retry
// schedule guarded by a recoverability predicate, per spec.md §4.2. Grounded
// on the teacher's subscriptionLoop/runSubscription retry loop in
// subscription_aggregator.go (run attempt, sleep a fixed delay, retry unless
// cancelled), generalized into a reusable, named policy.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// AlwaysRecoverable is the reconnect predicate spec.md §9 documents as
// possibly-buggy-but-intentional: every error is recoverable while reconnect
// stays enabled, so auth failures during reconnect retry forever. Named
// explicitly (SPEC_FULL.md Open Question 2) rather than hidden in a closure.
func AlwaysRecoverable(error) bool { return true }

// Never treats no error as recoverable — used for the non-retrying initial
// connect attempt (spec.md §4.2 default).
func Never(error) bool { return false }

// Policy runs attempt_fn until it succeeds, the context is cancelled, or
// IsRecoverable returns false for the latest error.
type Policy struct {
	Name           string
	Delay          time.Duration
	IsRecoverable  func(error) bool
	NotifyOnError  func(error)
	Logger         *slog.Logger
}

// Run executes attempt repeatedly per the policy. It returns nil on the first
// successful attempt, ctx.Err() if the context is cancelled while waiting, or
// the last non-recoverable error.
func (p Policy) Run(ctx context.Context, attempt func(ctx context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	isRecoverable := p.IsRecoverable
	if isRecoverable == nil {
		isRecoverable = Never
	}

	for attemptNum := 1; ; attemptNum++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := attempt(ctx)
		if err == nil {
			return nil
		}

		logger.Debug("retry: attempt failed", "policy", p.Name, "attempt", attemptNum, "error", err)
		if p.NotifyOnError != nil {
			p.NotifyOnError(err)
		}

		if !isRecoverable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay):
		}
	}
}

// Once runs attempt exactly one time regardless of IsRecoverable, matching the
// spec.md §4.2 default for initial connect ("one attempt (non-retrying) unless
// initial-connect-retry-enabled is true").
func Once(ctx context.Context, attempt func(ctx context.Context) error) error {
	return attempt(ctx)
}
