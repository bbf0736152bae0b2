// Package autopilot runs the discover-enrich-sync-outreach pipeline
// unattended on a cron cadence, with hard safety limits: a daily contact
// cap, quality gates on the ICP composite score, and an emergency stop
// that trips after three consecutive failed cycles.
package autopilot

import (
	"time"
)

// State is the persisted autopilot row: operator configuration plus run
// state. A single row holds both so a cycle's counter updates and an
// operator's toggles never diverge.
type State struct {
	Enabled          bool   `json:"enabled"`
	EmergencyStopped bool   `json:"emergency_stopped"`
	StopReason       string `json:"stop_reason,omitempty"`

	ScheduleCron     string  `json:"schedule_cron"`
	DailyCap         int     `json:"daily_cap"`
	QualityThreshold float64 `json:"quality_threshold"`
	MinViability     float64 `json:"min_viability"`
	AutoApprove      float64 `json:"auto_approve"`
	ReviewRequired   float64 `json:"review_required"`
	Disqualify       float64 `json:"disqualify"`
	Timezone         string  `json:"timezone"`

	CyclesRun           int `json:"cycles_run"`
	ConsecutiveFailures int `json:"consecutive_failures"`

	// DayKey identifies the calendar day (in the configured timezone)
	// the daily counters belong to; a new day resets them.
	DayKey          string `json:"day_key"`
	DiscoveredToday int    `json:"discovered_today"`
	EnrichedToday   int    `json:"enriched_today"`
	EnrolledToday   int    `json:"enrolled_today"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Running reports whether new cycles may start. An emergency stop
// overrides enabled unconditionally.
func (s *State) Running() bool {
	return s.Enabled && !s.EmergencyStopped
}

// Location resolves the configured timezone, falling back to UTC
func (s *State) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// dayKeyFor formats a time as a calendar-day key in the given location
func dayKeyFor(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// RolloverIfNewDay resets the daily counters when now falls on a new
// calendar day in the configured timezone. Returns true if it rolled.
func (s *State) RolloverIfNewDay(now time.Time) bool {
	key := dayKeyFor(now, s.Location())
	if key == s.DayKey {
		return false
	}
	s.DayKey = key
	s.DiscoveredToday = 0
	s.EnrichedToday = 0
	s.EnrolledToday = 0
	return true
}

// CapRemaining returns today's unused contact budget. Discovery volume
// and enrollment volume both consume the cap; whichever counter is
// higher gates, so a day of low-quality discoveries cannot loop forever.
func (s *State) CapRemaining() int {
	used := s.EnrolledToday
	if s.DiscoveredToday > used {
		used = s.DiscoveredToday
	}
	remaining := s.DailyCap - used
	if remaining < 0 {
		return 0
	}
	return remaining
}
