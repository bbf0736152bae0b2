// Package stages holds the job handlers for the four pipeline stages:
// discover, enrich, sync, and outreach, plus operator-defined workflows.
//
// Every external provider call runs through a per-dependency circuit
// breaker wrapping the retry policy, and handlers hit a cancellation
// checkpoint before each call so a cancel request never waits on a full
// batch.
package stages

import (
	"context"

	"github.com/cadencehq/cadence/breaker"
)

// Dependency names used for breaker isolation. Each external service
// gets its own breaker so one failing provider never blocks the others.
const (
	DepDiscovery  = "discovery"
	DepEnrichment = "enrichment"
	DepCRM        = "crm"
	DepScoring    = "scoring"
	DepOutreach   = "outreach"
)

// guarded runs fn through the named breaker with retries inside it. The
// breaker stays outermost so an open circuit rejects the whole retry
// loop, and the breaker counts one outcome per logical call rather than
// per attempt.
func guarded(ctx context.Context, breakers *breaker.Registry, dep string, policy breaker.Policy, fn func(context.Context) error) error {
	return breakers.Get(dep).Do(ctx, func(callCtx context.Context) error {
		return breaker.Retry(callCtx, policy, fn)
	})
}
