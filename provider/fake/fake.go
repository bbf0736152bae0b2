// Package fake provides deterministic in-memory providers for dev mode
// and tests. Every fake supports failure injection through SetError so
// breaker and retry behavior can be exercised without a real dependency.
package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cadencehq/cadence/errors"
	"github.com/cadencehq/cadence/provider"
)

// faulty is the shared failure-injection base for all fakes
type faulty struct {
	mu   sync.Mutex
	fail error
}

// SetError makes every subsequent call return err. Pass nil to heal.
func (f *faulty) SetError(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *faulty) check() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

// scoreFor derives a stable [0,1] value from a string and salt
func scoreFor(s, salt string) float64 {
	h := fnv.New32a()
	h.Write([]byte(salt))
	h.Write([]byte(s))
	return float64(h.Sum32()%1000) / 999.0
}

// Discovery produces a deterministic stream of prospect candidates
type Discovery struct {
	faulty
	mu      sync.Mutex
	counter int
}

// NewDiscovery creates a fake discovery provider
func NewDiscovery() *Discovery { return &Discovery{} }

// Discover returns limit candidates with stable refs and viability scores
func (d *Discovery) Discover(ctx context.Context, criteria provider.ICPCriteria, limit int) ([]provider.ProspectCandidate, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := make([]provider.ProspectCandidate, 0, limit)
	for i := 0; i < limit; i++ {
		d.counter++
		ref := fmt.Sprintf("prospect-%04d", d.counter)
		candidates = append(candidates, provider.ProspectCandidate{
			ContactRef: ref,
			Name:       fmt.Sprintf("Prospect %04d", d.counter),
			Company:    fmt.Sprintf("Company %04d", d.counter),
			Title:      "VP of Operations",
			Viability:  scoreFor(ref, "viability"),
		})
	}
	return candidates, nil
}

// Enrichment resolves candidates into contacts with derived details
type Enrichment struct {
	faulty
}

// NewEnrichment creates a fake enrichment provider
func NewEnrichment() *Enrichment { return &Enrichment{} }

// Enrich returns a deterministic enriched contact for the ref
func (e *Enrichment) Enrich(ctx context.Context, contactRef string) (*provider.EnrichedContact, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if contactRef == "" {
		return nil, errors.MarkClient(errors.New("empty contact ref"))
	}

	return &provider.EnrichedContact{
		ContactRef:  contactRef,
		Name:        "Contact " + contactRef,
		Company:     "Company of " + contactRef,
		Title:       "VP of Operations",
		Email:       contactRef + "@example.com",
		LinkedInURL: "https://linkedin.com/in/" + contactRef,
		EnrichedAt:  time.Now(),
	}, nil
}

// CRM stores contacts and activities in memory
type CRM struct {
	faulty
	mu         sync.Mutex
	contacts   map[string]*provider.EnrichedContact // keyed by crmID
	activities map[string][]provider.Activity
}

// NewCRM creates a fake CRM
func NewCRM() *CRM {
	return &CRM{
		contacts:   make(map[string]*provider.EnrichedContact),
		activities: make(map[string][]provider.Activity),
	}
}

// UpsertContact stores the contact and returns a stable crmID
func (c *CRM) UpsertContact(ctx context.Context, contact *provider.EnrichedContact) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if contact == nil || contact.ContactRef == "" {
		return "", errors.MarkClient(errors.New("contact missing ref"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	crmID := "crm-" + contact.ContactRef
	c.contacts[crmID] = contact
	return crmID, nil
}

// LogActivity appends an activity to a CRM record
func (c *CRM) LogActivity(ctx context.Context, crmID string, activity provider.Activity) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.contacts[crmID]; !ok {
		return errors.MarkClient(errors.Newf("unknown crm record: %s", crmID))
	}
	c.activities[crmID] = append(c.activities[crmID], activity)
	return nil
}

// Contact returns a stored contact for test assertions
func (c *CRM) Contact(crmID string) (*provider.EnrichedContact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	contact, ok := c.contacts[crmID]
	return contact, ok
}

// Activities returns logged activities for test assertions
func (c *CRM) Activities(crmID string) []provider.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.Activity(nil), c.activities[crmID]...)
}

// Scoring derives stable sub-scores from the contact ref
type Scoring struct {
	faulty
}

// NewScoring creates a fake scoring provider
func NewScoring() *Scoring { return &Scoring{} }

// Score returns deterministic sub-scores for the contact
func (s *Scoring) Score(ctx context.Context, contact *provider.EnrichedContact, icpProfile string) (provider.Scores, error) {
	if err := s.check(); err != nil {
		return provider.Scores{}, err
	}
	if err := ctx.Err(); err != nil {
		return provider.Scores{}, err
	}
	if contact == nil {
		return provider.Scores{}, errors.MarkClient(errors.New("nil contact"))
	}

	ref := contact.ContactRef
	return provider.Scores{
		Fit:          scoreFor(ref, "fit"+icpProfile),
		Intent:       scoreFor(ref, "intent"),
		Reachability: scoreFor(ref, "reachability"),
		Freshness:    scoreFor(ref, "freshness"),
	}, nil
}

// Outreach records sends in memory
type Outreach struct {
	faulty
	mu    sync.Mutex
	sends []Send
}

// Send is one recorded outbound step
type Send struct {
	EnrollmentID string
	Step         int
	ContactRef   string
	SentAt       time.Time
}

// NewOutreach creates a fake outreach provider
func NewOutreach() *Outreach { return &Outreach{} }

// SendStep records the send and returns a stable message ID
func (o *Outreach) SendStep(ctx context.Context, enrollmentID string, step int, contact *provider.EnrichedContact) (string, error) {
	if err := o.check(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	ref := ""
	if contact != nil {
		ref = contact.ContactRef
	}
	o.sends = append(o.sends, Send{
		EnrollmentID: enrollmentID,
		Step:         step,
		ContactRef:   ref,
		SentAt:       time.Now(),
	})
	return fmt.Sprintf("fakemsg-%s-%d", enrollmentID, step), nil
}

// Sends returns recorded sends for test assertions
func (o *Outreach) Sends() []Send {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Send(nil), o.sends...)
}
