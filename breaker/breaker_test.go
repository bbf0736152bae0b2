package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/errors"
)

// fakeClock lets tests advance time deterministically
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VolumeThreshold = 5
	cfg.ErrorThresholdPercent = 50
	cfg.ResetTimeout = 10 * time.Second
	cfg.CallTimeout = 0 // no deadline in unit tests
	return cfg
}

func succeed(context.Context) error { return nil }

func failTransient(context.Context) error {
	return errors.MarkTransient(errors.New("connection refused"))
}

func TestBreakerOpensWhenThresholdCrossed(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("crm", testConfig(), nil, clock.Now)
	ctx := context.Background()

	// 3 successes then 4 failures: 7 requests, 4/7 = 57% > 50%, volume >= 5.
	// All 7 calls reach the dependency; the breaker opens on the call that
	// crosses the threshold. At 6 calls the rate is exactly 50% and must
	// not open.
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Do(ctx, succeed))
	}
	for i := 0; i < 3; i++ {
		require.Error(t, b.Do(ctx, failTransient))
		assert.Equal(t, StateClosed, b.State())
	}
	require.Error(t, b.Do(ctx, failTransient))
	assert.Equal(t, StateOpen, b.State())

	// Next call is rejected without the wrapped call being attempted
	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsOpen(err))
	assert.False(t, called, "no external call may be attempted while open")

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "crm", openErr.Dependency)
}

func TestBreakerRejectsUntilResetTimeout(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("enrichment", testConfig(), nil, clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Do(ctx, failTransient)
	}
	require.Equal(t, StateOpen, b.State())

	// Before reset timeout: zero external calls occur
	clock.Advance(9 * time.Second)
	calls := 0
	err := b.Do(ctx, func(context.Context) error { calls++; return nil })
	assert.True(t, IsOpen(err))
	assert.Equal(t, 0, calls)

	// After reset timeout: exactly one trial call
	clock.Advance(2 * time.Second)
	err = b.Do(ctx, func(context.Context) error { calls++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, b.State(), "successful probe closes the circuit")
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("outreach-email", testConfig(), nil, clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Do(ctx, failTransient)
	}
	require.Equal(t, StateOpen, b.State())
	clock.Advance(11 * time.Second)

	// First caller is admitted as the probe; a concurrent second caller is
	// rejected while the probe is in flight.
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Do(ctx, func(context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted
	err := b.Do(ctx, succeed)
	assert.True(t, IsOpen(err), "only one half-open probe may be in flight")

	close(probeRelease)
	require.NoError(t, <-probeDone)
	assert.Equal(t, StateClosed, b.State())
}

func TestFailedProbeReopens(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("discovery", testConfig(), nil, clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Do(ctx, failTransient)
	}
	clock.Advance(11 * time.Second)

	require.Error(t, b.Do(ctx, failTransient))
	assert.Equal(t, StateOpen, b.State())

	// openedAt was reset by the failed probe: still rejecting 9s later
	clock.Advance(9 * time.Second)
	assert.True(t, IsOpen(b.Do(ctx, succeed)))
}

func TestClientErrorsExcludedFromFailureCount(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("crm", testConfig(), nil, clock.Now)
	ctx := context.Background()

	// A storm of 4xx responses indicates caller mistakes, not dependency
	// unhealthiness - the breaker must stay closed.
	for i := 0; i < 20; i++ {
		err := b.Do(ctx, func(context.Context) error {
			return errors.MarkClient(errors.New("400 invalid field mapping"))
		})
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, b.State())

	requests, failures := b.Counts()
	assert.Equal(t, 20, requests)
	assert.Equal(t, 0, failures)
}

func TestRateLimitedExcludedByDefault(t *testing.T) {
	clock := newFakeClock()
	b := NewWithClock("outreach-email", testConfig(), nil, clock.Now)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		b.Do(ctx, func(context.Context) error {
			return errors.MarkRateLimited(errors.New("429 too many requests"))
		})
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestRateLimitedCountedWhenConfigured(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.CountError = func(err error) bool {
		return err != nil && !errors.IsClient(err) // 429 counted
	}
	b := NewWithClock("outreach-email", cfg, nil, clock.Now)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		b.Do(ctx, func(context.Context) error {
			return errors.MarkRateLimited(errors.New("429 too many requests"))
		})
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestRollingWindowExpiresOldOutcomes(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.Window = 10 * time.Second
	cfg.Buckets = 10
	b := NewWithClock("scoring", cfg, nil, clock.Now)
	ctx := context.Background()

	// 4 failures, then let the whole window expire
	for i := 0; i < 4; i++ {
		b.Do(ctx, failTransient)
	}
	clock.Advance(15 * time.Second)

	// A single fresh failure must not open the breaker: old outcomes expired
	b.Do(ctx, failTransient)
	assert.Equal(t, StateClosed, b.State())

	requests, failures := b.Counts()
	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, failures)
}

func TestStateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()

	var mu sync.Mutex
	var transitions []State
	cfg.OnStateChange = func(dep string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}

	b := NewWithClock("crm", cfg, nil, clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		b.Do(ctx, failTransient)
	}
	clock.Advance(11 * time.Second)
	b.Do(ctx, succeed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestRegistryIsolatesDependencies(t *testing.T) {
	reg := NewRegistry(testConfig(), nil)
	ctx := context.Background()

	crm := reg.Get("crm")
	enrichment := reg.Get("enrichment")

	for i := 0; i < 5; i++ {
		crm.Do(ctx, failTransient)
	}

	assert.Equal(t, StateOpen, crm.State())
	assert.Equal(t, StateClosed, enrichment.State(), "a degraded CRM must not open unrelated breakers")
	assert.Same(t, crm, reg.Get("crm"), "breakers are created once per dependency")
}
