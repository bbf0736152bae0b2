package breaker

import (
	"context"
	"math/rand"
	"time"

	"github.com/cadencehq/cadence/errors"
)

// Policy configures exponential-backoff retry for transient failures.
//
// Retry runs INSIDE the function passed to Breaker.Do, so the breaker sees
// one aggregate outcome per logical call. Keep the retry budget (sum of all
// attempt timeouts plus backoff delays) strictly below the breaker's
// CallTimeout, or the breaker reports a timeout before retries exhaust.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64 // fraction of the backoff randomized, 0-1
}

// DefaultPolicy returns sensible defaults
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Budget returns the worst-case total backoff delay for the policy.
// Callers should verify Budget() + attempt timeouts < breaker CallTimeout.
func (p Policy) Budget() time.Duration {
	var total time.Duration
	backoff := p.InitialBackoff
	for i := 1; i < p.MaxAttempts; i++ {
		total += backoff + time.Duration(float64(backoff)*p.Jitter)
		backoff = p.next(backoff)
	}
	return total
}

func (p Policy) next(backoff time.Duration) time.Duration {
	n := time.Duration(float64(backoff) * p.Multiplier)
	if p.MaxBackoff > 0 && n > p.MaxBackoff {
		n = p.MaxBackoff
	}
	return n
}

// Retry executes fn up to MaxAttempts times, backing off between attempts.
// Only transient and rate-limited errors are retried; client errors and
// validation errors surface immediately. Returns the last error if all
// attempts fail.
func Retry(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	backoff := p.InitialBackoff

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "retry aborted")
		case <-time.After(jittered(backoff, p.Jitter)):
		}
		backoff = p.next(backoff)
	}

	return errors.Wrapf(lastErr, "after %d attempts", p.MaxAttempts)
}

func retryable(err error) bool {
	if errors.IsClient(err) || errors.IsValidation(err) {
		return false
	}
	return errors.IsTransient(err) || errors.IsRateLimited(err)
}

func jittered(backoff time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return backoff
	}
	delta := float64(backoff) * jitter * rand.Float64()
	return backoff + time.Duration(delta)
}
