package autopilot

import (
	"github.com/cadencehq/cadence/provider"
)

// Composite score weights. Fit and intent dominate; reachability and
// freshness tiebreak.
const (
	weightFit          = 0.35
	weightIntent       = 0.35
	weightReachability = 0.20
	weightFreshness    = 0.10
)

// Composite collapses the four sub-scores into one [0,1] ICP score
func Composite(s provider.Scores) float64 {
	return weightFit*s.Fit +
		weightIntent*s.Intent +
		weightReachability*s.Reachability +
		weightFreshness*s.Freshness
}

// Disposition is the routing decision for a scored contact
type Disposition string

const (
	// DispositionAutoApprove clears the contact for autonomous outreach
	DispositionAutoApprove Disposition = "auto-approve"
	// DispositionReview holds the contact for manual review
	DispositionReview Disposition = "review"
	// DispositionDisqualify drops the contact from the pipeline
	DispositionDisqualify Disposition = "disqualify"
)

// Classify routes a composite score against the configured thresholds.
// Contacts between disqualify and autoApprove are retained for manual
// review, never discarded.
func Classify(composite float64, s *State) Disposition {
	switch {
	case composite >= s.AutoApprove:
		return DispositionAutoApprove
	case composite < s.Disqualify:
		return DispositionDisqualify
	default:
		return DispositionReview
	}
}
