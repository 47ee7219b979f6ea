package errors

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Kind identifies the backoff schedule of a Strategy.
type Kind int

const (
	// KindGiveUp never retries.
	KindGiveUp Kind = iota
	// KindConstant retries with a fixed delay.
	KindConstant
	// KindExponential doubles the delay after every retry up to MaxDelay.
	KindExponential
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindGiveUp:
		return "give-up"
	case KindConstant:
		return "constant"
	case KindExponential:
		return "exponential"
	default:
		return "unknown"
	}
}

// Strategy configures retry behavior for calls to flaky dependencies.
// The zero value is AlwaysGiveUp.
type Strategy struct {
	// Kind selects the backoff schedule.
	Kind Kind

	// Delay is the constant delay, or the initial delay for exponential backoff.
	Delay time.Duration

	// MaxDelay caps exponential backoff.
	MaxDelay time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// A negative value retries forever.
	MaxRetries int

	// Jitter is the random jitter factor (0.0-1.0) applied by Sleep.
	Jitter float64

	// RetryWhen optionally overrides the default retryability check.
	RetryWhen func(error) bool
}

// AlwaysGiveUp never retries.
func AlwaysGiveUp() Strategy {
	return Strategy{Kind: KindGiveUp}
}

// Constant retries up to maxRetries times, waiting delay between attempts.
func Constant(delay time.Duration, maxRetries int) Strategy {
	return Strategy{Kind: KindConstant, Delay: delay, MaxRetries: maxRetries}
}

// Once retries a single time after delay.
func Once(delay time.Duration) Strategy {
	return Constant(delay, 1)
}

// Exponential retries up to maxRetries times, starting at initial and
// doubling up to maxDelay.
func Exponential(initial, maxDelay time.Duration, maxRetries int, jitter float64) Strategy {
	return Strategy{
		Kind:       KindExponential,
		Delay:      initial,
		MaxDelay:   maxDelay,
		MaxRetries: maxRetries,
		Jitter:     jitter,
	}
}

// WithRetryWhen returns a copy of the strategy using fn to classify errors.
func (s Strategy) WithRetryWhen(fn func(error) bool) Strategy {
	s.RetryWhen = fn
	return s
}

// Retryable reports whether err should be retried under this strategy.
func (s Strategy) Retryable(err error) bool {
	if s.RetryWhen != nil {
		return s.RetryWhen(err)
	}
	return IsRetryable(err)
}

// Backoff returns the delay before retry number attempt (0-based),
// without jitter. It is a pure function of attempt.
func (s Strategy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	switch s.Kind {
	case KindConstant:
		return s.Delay
	case KindExponential:
		d := float64(s.Delay) * math.Pow(2, float64(attempt))
		if s.MaxDelay > 0 && d > float64(s.MaxDelay) {
			return s.MaxDelay
		}
		if d > math.MaxInt64 {
			return time.Duration(math.MaxInt64)
		}
		return time.Duration(d)
	default:
		return 0
	}
}

// Decision is the outcome of applying a strategy to a failure.
type Decision struct {
	// Retry is true when the operation should be attempted again.
	Retry bool
	// Delay is the wait before the next attempt, without jitter.
	Delay time.Duration
}

// Decide reports whether to retry after retries have already been performed
// and the latest attempt failed with err.
func (s Strategy) Decide(retries int, err error) Decision {
	if s.Kind == KindGiveUp || !s.Retryable(err) {
		return Decision{}
	}
	if s.MaxRetries >= 0 && retries >= s.MaxRetries {
		return Decision{}
	}
	return Decision{Retry: true, Delay: s.Backoff(retries)}
}

// Sleep waits for d with the strategy's jitter applied, returning early
// with the context error if ctx is done. Jitter only lengthens the delay
// and never past MaxDelay, so successive exponential delays do not shrink.
func (s Strategy) Sleep(ctx context.Context, d time.Duration) error {
	d = calculateBackoff(d, s.Jitter, s.MaxDelay)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryResult contains the result of a retry operation.
type RetryResult[T any] struct {
	// Value is the result if successful.
	Value T

	// Err is the final error if the operation did not succeed.
	Err error

	// Retries is the number of retries made after the first attempt.
	Retries int

	// Duration is the total time spent, including backoff.
	Duration time.Duration
}

// Retry executes fn under the strategy, respecting context cancellation.
// When the strategy gives up on a retryable error the result carries a
// *GiveUpError; non-retryable errors are returned categorized as permanent.
func Retry[T any](
	ctx context.Context,
	s Strategy,
	op string,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: err, Category: CategoryPermanent, Context: op, Retries: retries},
				Retries:  retries,
				Duration: time.Since(start),
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{
				Value:    result,
				Retries:  retries,
				Duration: time.Since(start),
			}
		}

		if !s.Retryable(err) {
			return RetryResult[T]{
				Err: &CategorizedError{
					Err:      err,
					Category: CategoryPermanent,
					Retries:  retries,
					Context:  op,
				},
				Retries:  retries,
				Duration: time.Since(start),
			}
		}

		decision := s.Decide(retries, err)
		if !decision.Retry {
			return RetryResult[T]{
				Err:      &GiveUpError{Op: op, Retries: retries, Last: err},
				Retries:  retries,
				Duration: time.Since(start),
			}
		}

		if sleepErr := s.Sleep(ctx, decision.Delay); sleepErr != nil {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: sleepErr, Category: CategoryPermanent, Context: op + ": cancelled during backoff", Retries: retries},
				Retries:  retries,
				Duration: time.Since(start),
			}
		}
		retries++
	}
}

// calculateBackoff returns base plus up to base*jitter, capped at maxDelay
// when maxDelay is set.
func calculateBackoff(base time.Duration, jitter float64, maxDelay time.Duration) time.Duration {
	d := base
	if jitter > 0 {
		d += time.Duration(float64(base) * min(jitter, 1) * rand.Float64())
	}
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}
