package campaign

import (
	"context"
)

// StepSender delivers one campaign step over a concrete medium. One
// implementation exists per channel; the engine and scheduler depend only
// on this interface, never on a concrete provider.
type StepSender interface {
	// Channel returns the medium this sender delivers over
	Channel() Channel

	// SendStep delivers the given step and returns the provider's
	// message ID. The step number is zero-based.
	SendStep(ctx context.Context, enrollment *Enrollment, step int) (string, error)
}
