// Package provider defines the collaborator interfaces the pipeline calls
// out to. The core depends only on these interfaces; concrete adapters
// (SaaS APIs, CRMs, mail gateways) live outside this module, with
// deterministic fakes under provider/fake for dev mode and tests.
package provider

import (
	"context"
	"time"
)

// ICPCriteria describes the target profile a discovery search runs against
type ICPCriteria struct {
	Industries     []string `json:"industries,omitempty"`
	CompanySizes   []string `json:"company_sizes,omitempty"`
	Titles         []string `json:"titles,omitempty"`
	Regions        []string `json:"regions,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

// ProspectCandidate is a raw discovery hit before enrichment
type ProspectCandidate struct {
	ContactRef string `json:"contact_ref"`
	Name       string `json:"name"`
	Company    string `json:"company"`
	Title      string `json:"title"`
	// Viability is the provider's own rough [0,1] match estimate, used
	// to filter before spending enrichment quota.
	Viability float64 `json:"viability"`
}

// EnrichedContact is a candidate with verified reachable detail
type EnrichedContact struct {
	ContactRef  string    `json:"contact_ref"`
	Name        string    `json:"name"`
	Company     string    `json:"company"`
	Title       string    `json:"title"`
	Email       string    `json:"email,omitempty"`
	LinkedInURL string    `json:"linkedin_url,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	EnrichedAt  time.Time `json:"enriched_at"`
}

// Activity is one logged touchpoint against a CRM record
type Activity struct {
	Kind       string    `json:"kind"`
	Subject    string    `json:"subject"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Scores holds the four normalized [0,1] sub-scores for a contact.
// The composite weighting lives in the scheduler, not here.
type Scores struct {
	Fit          float64 `json:"fit"`
	Intent       float64 `json:"intent"`
	Reachability float64 `json:"reachability"`
	Freshness    float64 `json:"freshness"`
}

// Discovery finds prospect candidates matching an ICP
type Discovery interface {
	Discover(ctx context.Context, criteria ICPCriteria, limit int) ([]ProspectCandidate, error)
}

// Enrichment resolves a candidate into a reachable contact
type Enrichment interface {
	Enrich(ctx context.Context, contactRef string) (*EnrichedContact, error)
}

// CRM mirrors contacts and activity into the system of record
type CRM interface {
	UpsertContact(ctx context.Context, contact *EnrichedContact) (crmID string, err error)
	LogActivity(ctx context.Context, crmID string, activity Activity) error
}

// Scoring computes ICP sub-scores for an enriched contact
type Scoring interface {
	Score(ctx context.Context, contact *EnrichedContact, icpProfile string) (Scores, error)
}

// Outreach delivers campaign steps to contacts. Inbound engagement
// signals (opens, replies, bounces) do not flow through this interface;
// adapters deliver them to the daemon's event ingest channel.
type Outreach interface {
	SendStep(ctx context.Context, enrollmentID string, step int, contact *EnrichedContact) (messageID string, err error)
}
