package autopilot

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/errors"
)

// Config is the single-writer handle over the persisted autopilot state.
// All mutation, from operator setters and from the scheduler's counter
// updates, funnels through Update under one mutex; every write stamps
// the audit timestamp.
type Config struct {
	mu     sync.Mutex
	store  *Store
	logger *zap.SugaredLogger
}

// NewConfig creates the config handle
func NewConfig(store *Store, logger *zap.SugaredLogger) *Config {
	return &Config{store: store, logger: logger}
}

// Snapshot returns the current persisted state
func (c *Config) Snapshot() (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Load()
}

// Update applies fn to the loaded state and persists the result
func (c *Config) Update(fn func(*State) error) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	state.UpdatedAt = time.Now()
	if err := c.store.Save(state); err != nil {
		return nil, err
	}
	return state, nil
}

// Enable turns the autonomous loop on. Refused while emergency-stopped;
// the stop must be cleared explicitly first.
func (c *Config) Enable() error {
	_, err := c.Update(func(s *State) error {
		if s.EmergencyStopped {
			return errors.MarkValidation(errors.New("emergency stop is active; clear it before enabling"))
		}
		s.Enabled = true
		return nil
	})
	if err == nil {
		c.logger.Infow("Autopilot enabled")
	}
	return err
}

// Disable turns the autonomous loop off
func (c *Config) Disable() error {
	_, err := c.Update(func(s *State) error {
		s.Enabled = false
		return nil
	})
	if err == nil {
		c.logger.Infow("Autopilot disabled")
	}
	return err
}

// EmergencyStop halts all cycles immediately. There is no automatic
// re-enable; only ClearEmergencyStop lifts it.
func (c *Config) EmergencyStop(reason string) error {
	_, err := c.Update(func(s *State) error {
		s.EmergencyStopped = true
		s.StopReason = reason
		return nil
	})
	if err == nil {
		c.logger.Warnw("Autopilot emergency stop", "reason", reason)
	}
	return err
}

// ClearEmergencyStop lifts an emergency stop. The loop stays disabled
// until the operator enables it again.
func (c *Config) ClearEmergencyStop() error {
	_, err := c.Update(func(s *State) error {
		s.EmergencyStopped = false
		s.StopReason = ""
		s.ConsecutiveFailures = 0
		s.Enabled = false
		return nil
	})
	if err == nil {
		c.logger.Infow("Autopilot emergency stop cleared")
	}
	return err
}

// SetDailyCap adjusts the daily contact cap
func (c *Config) SetDailyCap(cap int) error {
	if cap < 1 {
		return errors.MarkValidation(errors.Newf("daily cap must be positive, got %d", cap))
	}
	_, err := c.Update(func(s *State) error {
		s.DailyCap = cap
		return nil
	})
	return err
}

// SetQualityThreshold adjusts the minimum composite score for outreach
func (c *Config) SetQualityThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return errors.MarkValidation(errors.Newf("quality threshold must be in [0,1], got %g", threshold))
	}
	_, err := c.Update(func(s *State) error {
		s.QualityThreshold = threshold
		return nil
	})
	return err
}

// SetScheduleCron adjusts the cycle cadence
func (c *Config) SetScheduleCron(expr string) error {
	if _, err := parseCron(expr); err != nil {
		return errors.MarkValidation(errors.Wrapf(err, "invalid cron expression %q", expr))
	}
	_, err := c.Update(func(s *State) error {
		s.ScheduleCron = expr
		return nil
	})
	return err
}
