package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/errors"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		Jitter:         0,
	}
}

func TestRetrySucceedsAfterTransientBlips(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.MarkTransient(errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		return errors.MarkTransient(errors.New("still down"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, errors.IsTransient(err), "classification survives the attempt wrapper")
}

func TestRetryDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		return errors.MarkClient(errors.New("400 bad payload"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "client errors surface immediately")
	assert.True(t, errors.IsClient(err))
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	p := fastPolicy()
	p.InitialBackoff = time.Minute // force the wait path

	errCh := make(chan error, 1)
	go func() {
		errCh <- Retry(ctx, p, func(context.Context) error {
			attempts++
			return errors.MarkTransient(errors.New("down"))
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, attempts)
}

// Breaker wraps retry: once the breaker is open, no attempts (retried or
// not) reach the dependency until the reset timeout elapses.
func TestBreakerWrapsRetry(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("enrichment", testConfig(), nil, clock.Now)
	ctx := context.Background()
	policy := fastPolicy()

	calls := 0
	flaky := func(context.Context) error {
		calls++
		return errors.MarkTransient(errors.New("provider down"))
	}

	// Each logical call retries 3 times internally but counts once against
	// the breaker.
	for i := 0; i < 6; i++ {
		b.Do(ctx, func(callCtx context.Context) error {
			return Retry(callCtx, policy, flaky)
		})
	}

	require.Equal(t, StateOpen, b.State())
	requests, failures := b.Counts()
	assert.Equal(t, 5, requests, "breaker sees one aggregate outcome per logical call; the sixth was rejected")
	assert.Equal(t, 5, failures)
	assert.Equal(t, 15, calls, "5 admitted calls x 3 attempts")

	// While open, the retry loop never runs at all
	before := calls
	err := b.Do(ctx, func(callCtx context.Context) error {
		return Retry(callCtx, policy, flaky)
	})
	assert.True(t, IsOpen(err))
	assert.Equal(t, before, calls)
}

func TestPolicyBudgetBelowCallTimeout(t *testing.T) {
	// Guard for the documented contract: default retry budget must fit
	// inside the default breaker call timeout.
	p := DefaultPolicy()
	cfg := DefaultConfig()
	assert.Less(t, p.Budget(), cfg.CallTimeout)
}
