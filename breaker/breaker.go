// Package breaker provides per-dependency circuit breaking and retry for
// outbound provider calls. Each external dependency gets one Breaker that
// tracks a rolling window of call outcomes and sheds load while the
// dependency is failing.
//
// Ordering contract: the breaker wraps the retry policy, never the reverse.
// Retry absorbs transient blips inside a single breaker-protected call, so
// the breaker sees one aggregate outcome per logical call. Once the breaker
// opens, no further attempts (retried or not) reach the dependency until
// the reset timeout elapses.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/errors"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is the sentinel for calls rejected while the circuit is open.
// Check with errors.Is(err, breaker.ErrOpen) or breaker.IsOpen(err).
var ErrOpen = errors.New("circuit open")

// OpenError is returned for calls rejected without touching the dependency.
type OpenError struct {
	Dependency string
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry in %s)", e.Dependency, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Unwrap() error { return ErrOpen }

// IsOpen reports whether err is a circuit-open rejection.
func IsOpen(err error) bool {
	return err != nil && errors.Is(err, ErrOpen)
}

// Config contains tuning for a single breaker
type Config struct {
	Window                time.Duration // Rolling stats window
	Buckets               int           // Number of buckets the window is divided into
	VolumeThreshold       int           // Minimum requests in window before the breaker may open
	ErrorThresholdPercent float64       // Failure rate (0-100) above which the breaker opens
	ResetTimeout          time.Duration // How long to stay open before allowing a probe
	CallTimeout           time.Duration // Per-call deadline applied to the wrapped call

	// CountError decides whether an error counts as a dependency failure.
	// Nil means DefaultCountError. Client errors are caller mistakes and
	// rate-limit rejections are expected under load; neither indicates an
	// unhealthy dependency.
	CountError func(error) bool

	// OnStateChange is invoked (outside the breaker lock) on every state
	// transition. Optional; used for metrics and logging.
	OnStateChange func(dependency string, from, to State)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Window:                30 * time.Second,
		Buckets:               10,
		VolumeThreshold:       5,
		ErrorThresholdPercent: 50,
		ResetTimeout:          30 * time.Second,
		CallTimeout:           30 * time.Second,
	}
}

// DefaultCountError excludes client errors and rate-limit rejections from
// the failure count.
func DefaultCountError(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsClient(err) || errors.IsRateLimited(err) {
		return false
	}
	return true
}

type bucket struct {
	requests int
	failures int
}

// Breaker protects a single named external dependency
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.SugaredLogger

	mu          sync.Mutex
	state       State
	buckets     []bucket
	head        int
	bucketStart time.Time
	openedAt    time.Time
	probing     bool // exactly one half-open probe in flight

	timeNow func() time.Time // injectable for testing
}

// New creates a breaker for the named dependency
func New(name string, cfg Config, logger *zap.SugaredLogger) *Breaker {
	return NewWithClock(name, cfg, logger, time.Now)
}

// NewWithClock creates a breaker with an injectable clock (for testing)
func NewWithClock(name string, cfg Config, logger *zap.SugaredLogger, timeNow func() time.Time) *Breaker {
	if cfg.Buckets <= 0 {
		cfg.Buckets = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.CountError == nil {
		cfg.CountError = DefaultCountError
	}
	return &Breaker{
		name:        name,
		cfg:         cfg,
		logger:      logger,
		state:       StateClosed,
		buckets:     make([]bucket, cfg.Buckets),
		bucketStart: timeNow(),
		timeNow:     timeNow,
	}
}

// Name returns the protected dependency name
func (b *Breaker) Name() string { return b.name }

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns the rolling window totals (requests, failures)
func (b *Breaker) Counts() (requests int, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotate(b.timeNow())
	return b.totals()
}

// Do executes fn under the breaker's protection. While the breaker is open
// it rejects immediately with *OpenError, without invoking fn. A call
// timeout is applied to the context passed to fn.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = errors.MarkTransient(errors.Wrapf(errors.ErrTimeout, "%s call exceeded %s", b.name, b.cfg.CallTimeout))
	}

	b.record(err)
	return err
}

// admit decides whether a call may proceed in the current state.
func (b *Breaker) admit() error {
	b.mu.Lock()
	now := b.timeNow()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.ResetTimeout {
			from := b.state
			b.state = StateHalfOpen
			b.probing = true
			b.mu.Unlock()
			b.notify(from, StateHalfOpen)
			return nil // the trial call
		}
		err := &OpenError{
			Dependency: b.name,
			OpenedAt:   b.openedAt,
			RetryAfter: b.cfg.ResetTimeout - now.Sub(b.openedAt),
		}
		b.mu.Unlock()
		return err

	case StateHalfOpen:
		if b.probing {
			err := &OpenError{Dependency: b.name, OpenedAt: b.openedAt, RetryAfter: 0}
			b.mu.Unlock()
			return err
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// record applies a call outcome to the state machine.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	now := b.timeNow()
	counted := err != nil && b.cfg.CountError(err)

	var from, to State

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		from = b.state
		if counted {
			// Probe failed - back to open, restart the reset clock
			b.state = StateOpen
			b.openedAt = now
			to = StateOpen
		} else {
			// Probe succeeded (or failed for reasons that don't indicate
			// dependency unhealthiness) - close and reset counters
			b.state = StateClosed
			b.resetWindow(now)
			to = StateClosed
		}

	case StateClosed:
		b.rotate(now)
		b.buckets[b.head].requests++
		if counted {
			b.buckets[b.head].failures++
		}
		requests, failures := b.totals()
		// Strictly greater: a rate sitting exactly at the threshold does
		// not open the breaker.
		if requests >= b.cfg.VolumeThreshold &&
			float64(failures)/float64(requests)*100 > b.cfg.ErrorThresholdPercent {
			from = StateClosed
			b.state = StateOpen
			b.openedAt = now
			to = StateOpen
		}

	case StateOpen:
		// A call admitted before the breaker opened; outcome no longer matters.
	}

	b.mu.Unlock()

	if to != "" {
		b.notify(from, to)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.logger != nil {
		b.logger.Warnw("Circuit breaker state change",
			"dependency", b.name,
			"from", from,
			"to", to)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// rotate advances the bucket ring to cover now, zeroing expired buckets.
// Must be called with lock held.
func (b *Breaker) rotate(now time.Time) {
	bucketDur := b.cfg.Window / time.Duration(b.cfg.Buckets)
	for now.Sub(b.bucketStart) >= bucketDur {
		b.head = (b.head + 1) % len(b.buckets)
		b.buckets[b.head] = bucket{}
		b.bucketStart = b.bucketStart.Add(bucketDur)
		// Clock jumped far ahead - the whole window is stale
		if now.Sub(b.bucketStart) >= b.cfg.Window {
			b.resetWindow(now)
			return
		}
	}
}

// resetWindow clears all buckets. Must be called with lock held.
func (b *Breaker) resetWindow(now time.Time) {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
	b.head = 0
	b.bucketStart = now
}

// totals sums the rolling window. Must be called with lock held.
func (b *Breaker) totals() (requests int, failures int) {
	for _, bk := range b.buckets {
		requests += bk.requests
		failures += bk.failures
	}
	return requests, failures
}
