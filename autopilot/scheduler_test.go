package autopilot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/breaker"
	"github.com/cadencehq/cadence/campaign"
	"github.com/cadencehq/cadence/errors"
	qtesting "github.com/cadencehq/cadence/internal/testing"
	"github.com/cadencehq/cadence/provider/fake"
	"github.com/cadencehq/cadence/queue"
	"github.com/cadencehq/cadence/stages"
)

// pipelineEnv wires the full pipeline against fakes: queue, worker pool,
// stage handlers, campaign engine, and the scheduler under test.
type pipelineEnv struct {
	queue     *queue.Queue
	pool      *queue.WorkerPool
	engine    *campaign.Engine
	config    *Config
	store     *Store
	scheduler *Scheduler

	breakers *breaker.Registry
	crm      *fake.CRM
	outreach *fake.Outreach
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	conn := qtesting.CreateTestDB(t)
	logger := zap.NewNop().Sugar()

	policy := breaker.Policy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2.0,
	}
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), logger)

	discovery := fake.NewDiscovery()
	enrichment := fake.NewEnrichment()
	crm := fake.NewCRM()
	scoring := fake.NewScoring()
	outreach := fake.NewOutreach()

	q := queue.NewQueue(queue.NewStore(conn), logger, 0)
	engine := campaign.NewEngine(campaign.NewStore(conn), logger)
	for _, ch := range []campaign.Channel{campaign.ChannelEmail, campaign.ChannelLinkedIn} {
		engine.RegisterSender(stages.NewProviderSender(ch, outreach, breakers, policy))
	}

	registry := queue.NewHandlerRegistry()
	registry.Register(stages.NewDiscoverHandler(discovery, breakers, policy, logger))
	registry.Register(stages.NewEnrichHandler(enrichment, scoring, breakers, policy, logger))
	registry.Register(stages.NewSyncHandler(crm, breakers, policy, logger))
	registry.Register(stages.NewOutreachHandler(engine, 0, logger))

	pool := queue.NewWorkerPool(q, registry, logger, 2)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { pool.Stop(2 * time.Second) })

	store := NewStore(conn)
	config := NewConfig(store, logger)

	opts := DefaultOptions()
	opts.TickInterval = 10 * time.Millisecond
	opts.PollInterval = 10 * time.Millisecond
	opts.StageTimeout = 10 * time.Second
	opts.BatchLimit = 8
	opts.CampaignID = "camp_autopilot"
	opts.TotalSteps = 3
	opts.Channel = campaign.ChannelEmail

	return &pipelineEnv{
		queue:     q,
		pool:      pool,
		engine:    engine,
		config:    config,
		store:     store,
		scheduler: NewScheduler(q, config, store, opts, logger),
		breakers:  breakers,
		crm:       crm,
		outreach:  outreach,
	}
}

// openGates makes every discovered contact clear the quality gate
func openGates(t *testing.T, env *pipelineEnv) {
	t.Helper()
	_, err := env.config.Update(func(s *State) error {
		s.Enabled = true
		s.QualityThreshold = 0
		s.MinViability = 0
		s.AutoApprove = 0
		s.Disqualify = 0
		return nil
	})
	require.NoError(t, err)
}

func TestCycleRunsFullPipeline(t *testing.T) {
	env := newPipelineEnv(t)
	openGates(t, env)

	require.NoError(t, env.scheduler.RunCycleNow(context.Background()))

	state, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, state.CyclesRun)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.Equal(t, 8, state.DiscoveredToday)
	assert.Equal(t, 8, state.EnrichedToday)
	assert.Equal(t, 8, state.EnrolledToday)
	assert.NotNil(t, state.LastRunAt)
	assert.NotNil(t, state.NextRunAt)

	cycles, err := env.store.ListCycles(5)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, CycleCompleted, cycles[0].Status)
	assert.Equal(t, 8, cycles[0].Enrolled)

	// Every enrolled contact got its first step sent
	assert.Len(t, env.outreach.Sends(), 8)

	enrollments, err := env.engine.List("camp_autopilot", nil, 50)
	require.NoError(t, err)
	assert.Len(t, enrollments, 8)
}

func TestDailyCapBoundsEnrollment(t *testing.T) {
	env := newPipelineEnv(t)
	openGates(t, env)
	require.NoError(t, env.config.SetDailyCap(3))

	require.NoError(t, env.scheduler.RunCycleNow(context.Background()))

	state, err := env.store.Load()
	require.NoError(t, err)
	assert.LessOrEqual(t, state.EnrolledToday, 3)

	// The next cycle finds no headroom and skips without new work
	require.NoError(t, env.scheduler.RunCycleNow(context.Background()))

	state, err = env.store.Load()
	require.NoError(t, err)
	assert.LessOrEqual(t, state.EnrolledToday, 3, "cap holds across cycles within the same day")

	cycles, err := env.store.ListCycles(5)
	require.NoError(t, err)
	require.Len(t, cycles, 2)

	statuses := map[string]int{}
	for _, c := range cycles {
		statuses[c.Status]++
	}
	assert.Equal(t, 1, statuses[CycleSkipped], "cap-reached cycle is recorded as skipped")
}

func TestDailyCapHoldsAcrossFailedOutreachCycles(t *testing.T) {
	env := newPipelineEnv(t)
	openGates(t, env)
	require.NoError(t, env.config.SetDailyCap(3))

	// Outreach trips its breaker on the first failed send, so every
	// cycle enrolls part of its batch and then fails the stage.
	cfg := breaker.DefaultConfig()
	cfg.VolumeThreshold = 1
	cfg.ErrorThresholdPercent = 0
	cfg.ResetTimeout = time.Hour
	env.breakers.Register(stages.DepOutreach, cfg)
	env.outreach.SetError(errors.MarkTransient(errors.New("gateway down")))

	for i := 0; i < 3; i++ {
		// Cycles after an emergency stop or cap exhaustion may refuse;
		// the invariant under test is the enrollment total, not the
		// per-cycle outcome.
		_ = env.scheduler.RunCycleNow(context.Background())
	}

	state, err := env.store.Load()
	require.NoError(t, err)

	enrollments, err := env.engine.List("camp_autopilot", nil, 50)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(enrollments), 3, "cap bounds enrollment even when outreach cycles fail")
	assert.Equal(t, len(enrollments), state.EnrolledToday,
		"enrollments made before a stage failure still consume the cap")
	assert.Greater(t, state.EnrolledToday, 0, "the failing stage did enroll before tripping")

	cycles, err := env.store.ListCycles(10)
	require.NoError(t, err)
	require.NotEmpty(t, cycles)
	failed := 0
	for _, c := range cycles {
		if c.Status == CycleFailed {
			failed++
			assert.Equal(t, "outreach", c.FailedStage)
		}
	}
	assert.Greater(t, failed, 0, "at least one cycle failed at outreach")
}

func TestEmergencyStopAfterThreeConsecutiveFailures(t *testing.T) {
	env := newPipelineEnv(t)
	openGates(t, env)

	// The CRM stays down; every cycle fails at the sync stage
	env.crm.SetError(errors.MarkTransient(errors.New("crm maintenance window")))

	for i := 0; i < 3; i++ {
		require.NoError(t, env.scheduler.RunCycleNow(context.Background()))
	}

	state, err := env.store.Load()
	require.NoError(t, err)
	assert.True(t, state.EmergencyStopped, "third consecutive failure trips the stop")
	assert.Equal(t, 3, state.ConsecutiveFailures)
	assert.Contains(t, state.StopReason, "consecutive")
	assert.False(t, state.Running())

	// A fourth cycle never starts
	err = env.scheduler.RunCycleNow(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	cycles, err := env.store.ListCycles(10)
	require.NoError(t, err)
	assert.Len(t, cycles, 3)
	for _, c := range cycles {
		assert.Equal(t, CycleFailed, c.Status)
		assert.Equal(t, "sync", c.FailedStage)
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	env := newPipelineEnv(t)
	openGates(t, env)

	env.crm.SetError(errors.MarkTransient(errors.New("crm flapping")))
	require.NoError(t, env.scheduler.RunCycleNow(context.Background()))
	require.NoError(t, env.scheduler.RunCycleNow(context.Background()))

	state, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, state.ConsecutiveFailures)

	env.crm.SetError(nil)
	require.NoError(t, env.scheduler.RunCycleNow(context.Background()))

	state, err = env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, state.ConsecutiveFailures, "a healthy cycle resets the streak")
	assert.False(t, state.EmergencyStopped)
}

func TestSchedulerLoopHonorsNextRunAt(t *testing.T) {
	env := newPipelineEnv(t)
	openGates(t, env)

	// Park the next run far in the future; the loop must not start a cycle
	future := time.Now().Add(time.Hour)
	_, err := env.config.Update(func(s *State) error {
		s.NextRunAt = &future
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, env.scheduler.Start(context.Background()))
	defer env.scheduler.Stop()

	time.Sleep(100 * time.Millisecond)

	state, err := env.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, state.CyclesRun)
}

func TestSchedulerLoopRunsDueCycle(t *testing.T) {
	env := newPipelineEnv(t)
	openGates(t, env)

	require.NoError(t, env.scheduler.Start(context.Background()))
	defer env.scheduler.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := env.store.Load()
		require.NoError(t, err)
		if state.CyclesRun >= 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("scheduler never ran a due cycle")
}
