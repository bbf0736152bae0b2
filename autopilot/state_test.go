package autopilot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	qtesting "github.com/cadencehq/cadence/internal/testing"
	"github.com/cadencehq/cadence/provider"
)

func newTestConfig(t *testing.T) (*Config, *Store) {
	t.Helper()
	store := NewStore(qtesting.CreateTestDB(t))
	return NewConfig(store, zap.NewNop().Sugar()), store
}

func TestLoadCreatesDefaults(t *testing.T) {
	_, store := newTestConfig(t)

	state, err := store.Load()
	require.NoError(t, err)
	assert.False(t, state.Enabled)
	assert.False(t, state.EmergencyStopped)
	assert.Equal(t, "@hourly", state.ScheduleCron)
	assert.Equal(t, 50, state.DailyCap)
	assert.Equal(t, "UTC", state.Timezone)
	assert.Equal(t, 0, state.CyclesRun)
}

func TestRolloverResetsDailyCounters(t *testing.T) {
	state := &State{
		Timezone:        "UTC",
		DayKey:          "2026-08-30",
		DiscoveredToday: 10,
		EnrichedToday:   8,
		EnrolledToday:   5,
	}

	now := time.Date(2026, 8, 31, 0, 5, 0, 0, time.UTC)
	assert.True(t, state.RolloverIfNewDay(now))
	assert.Equal(t, "2026-08-31", state.DayKey)
	assert.Equal(t, 0, state.DiscoveredToday)
	assert.Equal(t, 0, state.EnrichedToday)
	assert.Equal(t, 0, state.EnrolledToday)

	// Same day: counters untouched
	state.EnrolledToday = 3
	assert.False(t, state.RolloverIfNewDay(now.Add(time.Hour)))
	assert.Equal(t, 3, state.EnrolledToday)
}

func TestRolloverRespectsTimezone(t *testing.T) {
	state := &State{Timezone: "America/New_York", DayKey: "2026-08-30", EnrolledToday: 5}

	// 03:00 UTC on the 31st is still the evening of the 30th in New York
	now := time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC)
	assert.False(t, state.RolloverIfNewDay(now))
	assert.Equal(t, 5, state.EnrolledToday)

	// 05:00 UTC crosses midnight eastern
	assert.True(t, state.RolloverIfNewDay(time.Date(2026, 8, 31, 5, 0, 0, 0, time.UTC)))
}

func TestCapRemaining(t *testing.T) {
	state := &State{DailyCap: 10, EnrolledToday: 7}
	assert.Equal(t, 3, state.CapRemaining())

	state.EnrolledToday = 12
	assert.Equal(t, 0, state.CapRemaining(), "overshoot clamps to zero")
}

func TestCapRemainingGatesOnDiscoveryToo(t *testing.T) {
	// A day of low-quality discoveries consumes the cap even when few
	// contacts were enrolled; whichever counter is higher gates.
	state := &State{DailyCap: 10, DiscoveredToday: 8, EnrolledToday: 2}
	assert.Equal(t, 2, state.CapRemaining())

	state.DiscoveredToday = 10
	assert.Equal(t, 0, state.CapRemaining(), "discovery alone can exhaust the cap")

	state.DiscoveredToday = 3
	state.EnrolledToday = 6
	assert.Equal(t, 4, state.CapRemaining(), "enrollment gates when it is the higher counter")
}

func TestRunningRequiresEnabledAndNoStop(t *testing.T) {
	state := &State{Enabled: true}
	assert.True(t, state.Running())

	state.EmergencyStopped = true
	assert.False(t, state.Running(), "emergency stop overrides enabled")

	state.EmergencyStopped = false
	state.Enabled = false
	assert.False(t, state.Running())
}

func TestCompositeWeights(t *testing.T) {
	all := provider.Scores{Fit: 1, Intent: 1, Reachability: 1, Freshness: 1}
	assert.InDelta(t, 1.0, Composite(all), 1e-9)

	fitOnly := provider.Scores{Fit: 1}
	assert.InDelta(t, 0.35, Composite(fitOnly), 1e-9)

	mixed := provider.Scores{Fit: 0.8, Intent: 0.6, Reachability: 0.5, Freshness: 0.2}
	assert.InDelta(t, 0.35*0.8+0.35*0.6+0.20*0.5+0.10*0.2, Composite(mixed), 1e-9)
}

func TestClassifyThresholds(t *testing.T) {
	state := &State{AutoApprove: 0.8, ReviewRequired: 0.6, Disqualify: 0.3}

	assert.Equal(t, DispositionAutoApprove, Classify(0.9, state))
	assert.Equal(t, DispositionAutoApprove, Classify(0.8, state))
	assert.Equal(t, DispositionReview, Classify(0.5, state))
	assert.Equal(t, DispositionReview, Classify(0.3, state))
	assert.Equal(t, DispositionDisqualify, Classify(0.2, state))
}

func TestConfigAuditTimestamp(t *testing.T) {
	config, store := newTestConfig(t)

	before, err := store.Load()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, config.SetDailyCap(25))

	after, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 25, after.DailyCap)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt), "every write stamps the audit timestamp")
}

func TestEnableBlockedByEmergencyStop(t *testing.T) {
	config, store := newTestConfig(t)

	require.NoError(t, config.EmergencyStop("dependency meltdown"))
	assert.Error(t, config.Enable())

	require.NoError(t, config.ClearEmergencyStop())
	state, err := store.Load()
	require.NoError(t, err)
	assert.False(t, state.Enabled, "clearing the stop does not re-enable")
	assert.Equal(t, 0, state.ConsecutiveFailures)

	require.NoError(t, config.Enable())
	state, err = store.Load()
	require.NoError(t, err)
	assert.True(t, state.Running())
}

func TestSetScheduleCronValidates(t *testing.T) {
	config, _ := newTestConfig(t)

	require.NoError(t, config.SetScheduleCron("*/30 * * * *"))
	assert.Error(t, config.SetScheduleCron("not a cron"))
	assert.Error(t, config.SetDailyCap(0))
	assert.Error(t, config.SetQualityThreshold(1.5))
}

func TestCycleRecords(t *testing.T) {
	_, store := newTestConfig(t)

	c := NewCycle()
	c.Discovered = 12
	c.Enriched = 9
	c.Synced = 4
	c.Enrolled = 4
	c.Finish(CycleCompleted)
	require.NoError(t, store.RecordCycle(c))

	failed := NewCycle()
	failed.FailedStage = "sync"
	failed.ErrorMessage = "crm unreachable"
	failed.Finish(CycleFailed)
	require.NoError(t, store.RecordCycle(failed))

	cycles, err := store.ListCycles(10)
	require.NoError(t, err)
	require.Len(t, cycles, 2)

	for _, got := range cycles {
		require.NotNil(t, got.CompletedAt)
		require.NotNil(t, got.DurationMs)
	}
}
