package autopilot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/campaign"
	"github.com/cadencehq/cadence/errors"
	"github.com/cadencehq/cadence/metrics"
	"github.com/cadencehq/cadence/provider"
	"github.com/cadencehq/cadence/queue"
	"github.com/cadencehq/cadence/stages"
)

// parseCron parses a standard 5-field cron expression or descriptor
// like @hourly.
func parseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// Options configures the scheduler's loop and pipeline parameters
type Options struct {
	// TickInterval is how often the loop checks whether a cycle is due
	TickInterval time.Duration
	// PollInterval is how often an awaited job's status is re-read
	PollInterval time.Duration
	// StageTimeout bounds how long one stage job may take
	StageTimeout time.Duration
	// BatchLimit caps how many prospects one discovery run requests
	BatchLimit int

	CampaignID string
	TotalSteps int
	Channel    campaign.Channel
	Criteria   provider.ICPCriteria
	ICPProfile string
}

// DefaultOptions returns production loop timings
func DefaultOptions() Options {
	return Options{
		TickInterval: 15 * time.Second,
		PollInterval: time.Second,
		StageTimeout: 10 * time.Minute,
		BatchLimit:   25,
		TotalSteps:   5,
		Channel:      campaign.ChannelEmail,
	}
}

// Scheduler drives the autonomous pipeline. It only enqueues stage jobs
// and polls for their terminal status; providers are never called from
// this goroutine.
type Scheduler struct {
	queue  *queue.Queue
	config *Config
	store  *Store
	logger *zap.SugaredLogger
	opts   Options

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewScheduler creates the autonomous scheduler
func NewScheduler(q *queue.Queue, config *Config, store *Store, opts Options, logger *zap.SugaredLogger) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 10 * time.Minute
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 25
	}
	return &Scheduler{
		queue:  q,
		config: config,
		store:  store,
		logger: logger,
		opts:   opts,
	}
}

// Start launches the scheduler loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(runCtx)

	s.logger.Infow("Autopilot scheduler started", "tick_interval", s.opts.TickInterval)
	return nil
}

// Stop halts the loop and waits for an in-flight cycle to wind down
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Infow("Autopilot scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one cycle if it is due
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	state, err := s.config.Update(func(st *State) error {
		st.RolloverIfNewDay(now)
		return nil
	})
	if err != nil {
		s.logger.Errorw("Failed to load autopilot state", "error", err.Error())
		return
	}

	if !state.Running() {
		return
	}
	if state.NextRunAt != nil && now.Before(*state.NextRunAt) {
		return
	}

	s.runCycle(ctx, state)
}

// RunCycleNow forces one cycle outside the cron cadence (operator action)
func (s *Scheduler) RunCycleNow(ctx context.Context) error {
	state, err := s.config.Update(func(st *State) error {
		st.RolloverIfNewDay(time.Now())
		return nil
	})
	if err != nil {
		return err
	}
	if !state.Running() {
		return errors.MarkValidation(errors.New("autopilot is not running"))
	}
	s.runCycle(ctx, state)
	return nil
}

// runCycle executes the discover-enrich-sync-outreach pipeline once.
//
// A failure at any stage aborts the remainder of the cycle but never the
// scheduler; three consecutive failed cycles trip the emergency stop.
func (s *Scheduler) runCycle(ctx context.Context, state *State) {
	cycle := NewCycle()

	capLeft := state.CapRemaining()
	if capLeft == 0 {
		// Cap reached: no new discovery or enrollment today, but the
		// cycle is still recorded so the cadence stays observable.
		s.logger.Infow("Daily cap reached, skipping cycle", "daily_cap", state.DailyCap)
		cycle.Finish(CycleSkipped)
		s.finishCycle(ctx, cycle, nil)
		return
	}

	// Discover
	limit := s.opts.BatchLimit
	if limit > capLeft {
		limit = capLeft
	}
	discoverJob, err := s.awaitStage(ctx, queue.TypeDiscover, stages.DiscoverPayload{
		Criteria:     s.opts.Criteria,
		Limit:        limit,
		MinViability: state.MinViability,
	})
	if err != nil {
		s.failCycle(ctx, cycle, "discover", err)
		return
	}
	var discovered stages.DiscoverResult
	if err := json.Unmarshal(discoverJob.Result, &discovered); err != nil {
		s.failCycle(ctx, cycle, "discover", errors.Wrap(err, "unreadable discover result"))
		return
	}
	cycle.Discovered = discovered.Discovered

	if len(discovered.Candidates) == 0 {
		s.logger.Infow("Cycle found no viable candidates")
		cycle.Finish(CycleCompleted)
		s.finishCycle(ctx, cycle, nil)
		return
	}

	// Enrich and score
	refs := make([]string, len(discovered.Candidates))
	for i, c := range discovered.Candidates {
		refs[i] = c.ContactRef
	}
	enrichJob, err := s.awaitStage(ctx, queue.TypeEnrich, stages.EnrichPayload{
		ContactRefs: refs,
		ICPProfile:  s.opts.ICPProfile,
	})
	if err != nil {
		s.failCycle(ctx, cycle, "enrich", err)
		return
	}
	var enriched stages.EnrichResult
	if err := json.Unmarshal(enrichJob.Result, &enriched); err != nil {
		s.failCycle(ctx, cycle, "enrich", errors.Wrap(err, "unreadable enrich result"))
		return
	}
	cycle.Enriched = enriched.Enriched

	// Quality gate: outreach only for auto-approved contacts at or above
	// the quality threshold. Contacts in between stay enriched for
	// manual review.
	var outreachable []provider.EnrichedContact
	for _, contact := range enriched.Contacts {
		composite := Composite(enriched.Scores[contact.ContactRef])
		if composite >= state.QualityThreshold && Classify(composite, state) == DispositionAutoApprove {
			outreachable = append(outreachable, contact)
		}
	}
	if len(outreachable) > capLeft {
		outreachable = outreachable[:capLeft]
	}

	if len(outreachable) == 0 {
		s.logger.Infow("No contacts cleared the quality gate",
			"enriched", enriched.Enriched,
			"quality_threshold", state.QualityThreshold,
		)
		cycle.Finish(CycleCompleted)
		s.finishCycle(ctx, cycle, nil)
		return
	}

	// Sync to CRM
	syncJob, err := s.awaitStage(ctx, queue.TypeSync, stages.SyncPayload{Contacts: outreachable})
	if err != nil {
		s.failCycle(ctx, cycle, "sync", err)
		return
	}
	var synced stages.SyncResult
	if err := json.Unmarshal(syncJob.Result, &synced); err != nil {
		s.failCycle(ctx, cycle, "sync", errors.Wrap(err, "unreadable sync result"))
		return
	}
	cycle.Synced = synced.Synced

	// Outreach
	outreachJob, err := s.awaitStage(ctx, queue.TypeOutreach, stages.OutreachPayload{
		CampaignID: s.opts.CampaignID,
		Contacts:   outreachable,
		TotalSteps: s.opts.TotalSteps,
		Channel:    s.opts.Channel,
	})
	if err != nil {
		// The stage may have enrolled part of the batch before failing
		// (e.g. the circuit opened mid-batch). Those enrollments are
		// real sends-in-waiting and must consume the daily cap.
		if outreachJob != nil && len(outreachJob.Result) > 0 {
			var partial stages.OutreachResult
			if json.Unmarshal(outreachJob.Result, &partial) == nil {
				cycle.Enrolled = partial.Enrolled
			}
		}
		s.failCycle(ctx, cycle, "outreach", err)
		return
	}
	var outreach stages.OutreachResult
	if err := json.Unmarshal(outreachJob.Result, &outreach); err != nil {
		s.failCycle(ctx, cycle, "outreach", errors.Wrap(err, "unreadable outreach result"))
		return
	}
	cycle.Enrolled = outreach.Enrolled

	cycle.Finish(CycleCompleted)
	s.finishCycle(ctx, cycle, nil)

	s.logger.Infow("Cycle complete",
		"cycle_id", cycle.ID,
		"discovered", cycle.Discovered,
		"enriched", cycle.Enriched,
		"synced", cycle.Synced,
		"enrolled", cycle.Enrolled,
	)
}

// failCycle records a failed cycle and trips the emergency stop after
// three consecutive failures.
func (s *Scheduler) failCycle(ctx context.Context, cycle *Cycle, stage string, err error) {
	cycle.FailedStage = stage
	cycle.ErrorMessage = err.Error()
	cycle.Finish(CycleFailed)

	s.logger.Errorw("Cycle failed",
		"cycle_id", cycle.ID,
		"stage", stage,
		"error", err.Error(),
	)
	s.finishCycle(ctx, cycle, err)
}

// finishCycle persists the cycle record and rolls state forward
func (s *Scheduler) finishCycle(ctx context.Context, cycle *Cycle, cycleErr error) {
	if err := s.store.RecordCycle(cycle); err != nil {
		s.logger.Errorw("Failed to record cycle", "cycle_id", cycle.ID, "error", err.Error())
	}
	metrics.CyclesRun.WithLabelValues(cycle.Status).Inc()

	now := time.Now()
	state, err := s.config.Update(func(st *State) error {
		st.CyclesRun++
		st.LastRunAt = &now

		// Daily counters accumulate on every cycle, failed ones included:
		// work done before the failure still consumed budget, and the cap
		// must hold across a day of failing cycles.
		st.DiscoveredToday += cycle.Discovered
		st.EnrichedToday += cycle.Enriched
		st.EnrolledToday += cycle.Enrolled

		if cycleErr != nil {
			st.ConsecutiveFailures++
		} else if cycle.Status == CycleCompleted {
			st.ConsecutiveFailures = 0
		}

		if schedule, parseErr := parseCron(st.ScheduleCron); parseErr == nil {
			next := schedule.Next(now.In(st.Location()))
			st.NextRunAt = &next
		}
		return nil
	})
	if err != nil {
		s.logger.Errorw("Failed to update autopilot state", "error", err.Error())
		return
	}

	if cycleErr != nil && state.ConsecutiveFailures >= 3 && !state.EmergencyStopped {
		reason := errors.Newf("%d consecutive cycle failures, last: %s",
			state.ConsecutiveFailures, cycleErr.Error()).Error()
		if stopErr := s.config.EmergencyStop(reason); stopErr != nil {
			s.logger.Errorw("Failed to trip emergency stop", "error", stopErr.Error())
		}
	}
}

// awaitStage enqueues one stage job and polls until it reaches a
// terminal status. Failed jobs surface their classified reason so an
// open circuit is distinguishable from other failures; the failed job
// itself is returned alongside the error so callers can salvage any
// partial result it recorded.
func (s *Scheduler) awaitStage(ctx context.Context, jobType queue.Type, payload interface{}) (*queue.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal stage payload")
	}

	job, err := s.queue.Enqueue(jobType, data, queue.PriorityNormal)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(s.opts.StageTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}

		current, err := s.queue.Get(job.ID)
		if err != nil {
			return nil, err
		}

		switch current.Status {
		case queue.StatusCompleted:
			return current, nil
		case queue.StatusFailed:
			return current, errors.Newf("%s job %s failed (%s): %s", jobType, current.ID, current.FailureReason, current.Error)
		case queue.StatusCancelled:
			return nil, errors.Newf("%s job %s was cancelled", jobType, current.ID)
		}

		if time.Now().After(deadline) {
			return nil, errors.Wrapf(errors.ErrTimeout, "%s job %s did not finish within %s", jobType, job.ID, s.opts.StageTimeout)
		}
	}
}
