package core

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/signalsfoundry/snap-bringup/timectrl"
)

// Outcome classifies one attempt of a retryable operation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRetry: the attempt failed in a way another attempt might fix
	// (e.g. the sample clock had not locked yet).
	OutcomeRetry
	// OutcomeFatal: further attempts are pointless (transport failure,
	// invalid input). The loop stops immediately.
	OutcomeFatal
)

// Attempt runs one try of the operation. attempt counts from 1.
type Attempt func(ctx context.Context, attempt int) (Outcome, error)

// RetryResult reports how a bounded retry loop ended.
type RetryResult struct {
	Attempts int
	Outcome  Outcome
	Err      error // last attempt's error, nil on success
}

// Retry runs fn up to budget times, sleeping delay between attempts through
// clock. Hardware settle delays are fixed, so the backoff is configured flat;
// the combinator still owns pacing in one place instead of ad hoc loops at
// every call site.
func Retry(ctx context.Context, clock timectrl.Clock, budget int, delay time.Duration, fn Attempt) RetryResult {
	if budget < 1 {
		budget = 1
	}
	pace := &backoff.Backoff{Min: delay, Max: delay, Factor: 1, Jitter: false}

	var res RetryResult
	for attempt := 1; attempt <= budget; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Outcome = OutcomeFatal
			res.Err = err
			return res
		}

		outcome, err := fn(ctx, attempt)
		res.Attempts = attempt
		res.Outcome = outcome
		res.Err = err

		switch outcome {
		case OutcomeSuccess:
			res.Err = nil
			return res
		case OutcomeFatal:
			return res
		}

		if attempt < budget {
			if err := clock.Sleep(ctx, pace.Duration()); err != nil {
				res.Outcome = OutcomeFatal
				res.Err = err
				return res
			}
		}
	}
	return res
}
