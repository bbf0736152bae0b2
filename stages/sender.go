package stages

import (
	"context"

	"github.com/cadencehq/cadence/breaker"
	"github.com/cadencehq/cadence/campaign"
	"github.com/cadencehq/cadence/provider"
)

// ProviderSender adapts a provider.Outreach into a campaign.StepSender
// for one concrete channel, with the outreach breaker and retry policy
// around every delivery.
type ProviderSender struct {
	channel  campaign.Channel
	outreach provider.Outreach
	breakers *breaker.Registry
	policy   breaker.Policy
}

// NewProviderSender wraps an outreach provider for the given channel
func NewProviderSender(channel campaign.Channel, outreach provider.Outreach, breakers *breaker.Registry, policy breaker.Policy) *ProviderSender {
	return &ProviderSender{
		channel:  channel,
		outreach: outreach,
		breakers: breakers,
		policy:   policy,
	}
}

// Channel implements campaign.StepSender
func (s *ProviderSender) Channel() campaign.Channel { return s.channel }

// SendStep implements campaign.StepSender
func (s *ProviderSender) SendStep(ctx context.Context, enrollment *campaign.Enrollment, step int) (string, error) {
	contact := &provider.EnrichedContact{ContactRef: enrollment.ContactID}

	var messageID string
	err := guarded(ctx, s.breakers, DepOutreach, s.policy, func(callCtx context.Context) error {
		var err error
		messageID, err = s.outreach.SendStep(callCtx, enrollment.ID, step, contact)
		return err
	})
	return messageID, err
}
