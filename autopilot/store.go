package autopilot

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/errors"
)

// Store persists the autopilot state row and its cycle history
type Store struct {
	db *sql.DB
}

// NewStore creates a new autopilot store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load reads the state row, creating it with defaults on first use
func (s *Store) Load() (*State, error) {
	query := `
		SELECT enabled, emergency_stopped, stop_reason, schedule_cron, daily_cap,
		       quality_threshold, min_viability, auto_approve, review_required, disqualify,
		       timezone, cycles_run, consecutive_failures, day_key,
		       discovered_today, enriched_today, enrolled_today,
		       last_run_at, next_run_at, updated_at
		FROM autopilot_state WHERE id = 1
	`

	var state State
	var stopReason sql.NullString
	var lastRunAt, nextRunAt sql.NullTime

	err := s.db.QueryRow(query).Scan(
		&state.Enabled, &state.EmergencyStopped, &stopReason, &state.ScheduleCron, &state.DailyCap,
		&state.QualityThreshold, &state.MinViability, &state.AutoApprove, &state.ReviewRequired, &state.Disqualify,
		&state.Timezone, &state.CyclesRun, &state.ConsecutiveFailures, &state.DayKey,
		&state.DiscoveredToday, &state.EnrichedToday, &state.EnrolledToday,
		&lastRunAt, &nextRunAt, &state.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return s.createDefault()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load autopilot state")
	}

	if stopReason.Valid {
		state.StopReason = stopReason.String
	}
	if lastRunAt.Valid {
		state.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		state.NextRunAt = &nextRunAt.Time
	}
	return &state, nil
}

// createDefault inserts the singleton row with schema defaults
func (s *Store) createDefault() (*State, error) {
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO autopilot_state (id, updated_at) VALUES (1, ?)`, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create autopilot state")
	}
	return s.Load()
}

// Save writes the full state row back
func (s *Store) Save(state *State) error {
	query := `
		UPDATE autopilot_state
		SET enabled = ?, emergency_stopped = ?, stop_reason = ?, schedule_cron = ?, daily_cap = ?,
		    quality_threshold = ?, min_viability = ?, auto_approve = ?, review_required = ?, disqualify = ?,
		    timezone = ?, cycles_run = ?, consecutive_failures = ?, day_key = ?,
		    discovered_today = ?, enriched_today = ?, enrolled_today = ?,
		    last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = 1
	`

	stopReason := sql.NullString{String: state.StopReason, Valid: state.StopReason != ""}

	_, err := s.db.Exec(query,
		state.Enabled, state.EmergencyStopped, stopReason, state.ScheduleCron, state.DailyCap,
		state.QualityThreshold, state.MinViability, state.AutoApprove, state.ReviewRequired, state.Disqualify,
		state.Timezone, state.CyclesRun, state.ConsecutiveFailures, state.DayKey,
		state.DiscoveredToday, state.EnrichedToday, state.EnrolledToday,
		state.LastRunAt, state.NextRunAt, state.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save autopilot state")
	}
	return nil
}

// Cycle statuses
const (
	CycleCompleted = "completed"
	CycleFailed    = "failed"
	CycleSkipped   = "skipped"
)

// Cycle is the record of one autonomous pipeline run. Failed cycles keep
// the stage and error for troubleshooting.
type Cycle struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	FailedStage  string     `json:"failed_stage,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Discovered   int        `json:"discovered"`
	Enriched     int        `json:"enriched"`
	Synced       int        `json:"synced"`
	Enrolled     int        `json:"enrolled"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
}

// NewCycle creates a cycle record for a run starting now
func NewCycle() *Cycle {
	return &Cycle{
		ID:        "cyc_" + uuid.NewString(),
		StartedAt: time.Now(),
	}
}

// Finish stamps the cycle's outcome and duration
func (c *Cycle) Finish(status string) {
	now := time.Now()
	c.Status = status
	c.CompletedAt = &now
	ms := now.Sub(c.StartedAt).Milliseconds()
	c.DurationMs = &ms
}

// RecordCycle persists a finished cycle
func (s *Store) RecordCycle(c *Cycle) error {
	query := `
		INSERT INTO autopilot_cycles (
			id, status, failed_stage, error_message,
			discovered, enriched, synced, enrolled,
			started_at, completed_at, duration_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	failedStage := sql.NullString{String: c.FailedStage, Valid: c.FailedStage != ""}
	errorMessage := sql.NullString{String: c.ErrorMessage, Valid: c.ErrorMessage != ""}

	now := time.Now()
	_, err := s.db.Exec(query,
		c.ID, c.Status, failedStage, errorMessage,
		c.Discovered, c.Enriched, c.Synced, c.Enrolled,
		c.StartedAt, c.CompletedAt, c.DurationMs, now, now,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record cycle")
	}
	return nil
}

// ListCycles returns the most recent cycles, newest first
func (s *Store) ListCycles(limit int) ([]*Cycle, error) {
	query := `
		SELECT id, status, failed_stage, error_message,
		       discovered, enriched, synced, enrolled,
		       started_at, completed_at, duration_ms
		FROM autopilot_cycles
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cycles")
	}
	defer rows.Close()

	var cycles []*Cycle
	for rows.Next() {
		var c Cycle
		var failedStage, errorMessage sql.NullString
		var completedAt sql.NullTime
		var durationMs sql.NullInt64

		if err := rows.Scan(
			&c.ID, &c.Status, &failedStage, &errorMessage,
			&c.Discovered, &c.Enriched, &c.Synced, &c.Enrolled,
			&c.StartedAt, &completedAt, &durationMs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan cycle")
		}

		if failedStage.Valid {
			c.FailedStage = failedStage.String
		}
		if errorMessage.Valid {
			c.ErrorMessage = errorMessage.String
		}
		if completedAt.Valid {
			c.CompletedAt = &completedAt.Time
		}
		if durationMs.Valid {
			c.DurationMs = &durationMs.Int64
		}
		cycles = append(cycles, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating cycles")
	}
	return cycles, nil
}
