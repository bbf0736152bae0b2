package campaign

import (
	"database/sql"
	"strings"
	"time"

	"github.com/cadencehq/cadence/errors"
)

// Store handles persistence of enrollments and their event log
type Store struct {
	db *sql.DB
}

// NewStore creates a new campaign store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const enrollmentColumns = `id, campaign_id, contact_id, status, current_step, total_steps,
	channel, opens, clicks, replies, last_event_at, created_at, updated_at`

// enrollmentScanArgs holds the nullable columns of an enrollment row
type enrollmentScanArgs struct {
	LastEventAt sql.NullTime
}

func enrollmentTargets(e *Enrollment, args *enrollmentScanArgs) []interface{} {
	return []interface{}{
		&e.ID,
		&e.CampaignID,
		&e.ContactID,
		&e.Status,
		&e.CurrentStep,
		&e.TotalSteps,
		&e.Channel,
		&e.Opens,
		&e.Clicks,
		&e.Replies,
		&args.LastEventAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	}
}

func applyEnrollmentArgs(e *Enrollment, args *enrollmentScanArgs) {
	if args.LastEventAt.Valid {
		e.LastEventAt = &args.LastEventAt.Time
	}
}

// CreateEnrollment inserts a new enrollment. A contact can hold at most
// one enrollment per campaign; violating that surfaces as a validation
// error rather than a raw constraint failure.
func (s *Store) CreateEnrollment(e *Enrollment) error {
	query := `
		INSERT INTO enrollments (
			id, campaign_id, contact_id, status, current_step, total_steps,
			channel, opens, clicks, replies, last_event_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		e.ID, e.CampaignID, e.ContactID, e.Status, e.CurrentStep, e.TotalSteps,
		e.Channel, e.Opens, e.Clicks, e.Replies, e.LastEventAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.MarkValidation(errors.Wrapf(err,
				"contact %s is already enrolled in campaign %s", e.ContactID, e.CampaignID))
		}
		return errors.Wrap(err, "failed to create enrollment")
	}
	return nil
}

// GetEnrollment retrieves an enrollment by ID
func (s *Store) GetEnrollment(id string) (*Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = ?`

	var e Enrollment
	args := &enrollmentScanArgs{}
	err := s.db.QueryRow(query, id).Scan(enrollmentTargets(&e, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("enrollment not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get enrollment")
	}
	applyEnrollmentArgs(&e, args)
	return &e, nil
}

// FindEnrollment looks up an enrollment by campaign and contact
func (s *Store) FindEnrollment(campaignID, contactID string) (*Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE campaign_id = ? AND contact_id = ?`

	var e Enrollment
	args := &enrollmentScanArgs{}
	err := s.db.QueryRow(query, campaignID, contactID).Scan(enrollmentTargets(&e, args)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no enrollment for contact %s in campaign %s", contactID, campaignID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find enrollment")
	}
	applyEnrollmentArgs(&e, args)
	return &e, nil
}

// UpdateEnrollment persists enrollment state
func (s *Store) UpdateEnrollment(e *Enrollment) error {
	query := `
		UPDATE enrollments
		SET status = ?, current_step = ?, opens = ?, clicks = ?, replies = ?,
		    last_event_at = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := s.db.Exec(query,
		e.Status, e.CurrentStep, e.Opens, e.Clicks, e.Replies,
		e.LastEventAt, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update enrollment")
	}
	return nil
}

// ListEnrollments returns enrollments for a campaign, optionally filtered
// by status, newest first.
func (s *Store) ListEnrollments(campaignID string, status *EnrollmentStatus, limit int) ([]*Enrollment, error) {
	var rows *sql.Rows
	var err error

	base := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE campaign_id = ?`
	if status != nil {
		rows, err = s.db.Query(base+` AND status = ? ORDER BY created_at DESC LIMIT ?`, campaignID, *status, limit)
	} else {
		rows, err = s.db.Query(base+` ORDER BY created_at DESC LIMIT ?`, campaignID, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list enrollments")
	}
	defer rows.Close()

	var enrollments []*Enrollment
	for rows.Next() {
		var e Enrollment
		args := &enrollmentScanArgs{}
		if err := rows.Scan(enrollmentTargets(&e, args)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan enrollment")
		}
		applyEnrollmentArgs(&e, args)
		enrollments = append(enrollments, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating enrollments")
	}
	return enrollments, nil
}

// RecordEvent appends an event to the log. Returns applied=false when an
// event with the same idempotency key already exists; the INSERT OR
// IGNORE makes the dedup atomic with the append.
func (s *Store) RecordEvent(event *Event, applied bool) (bool, error) {
	query := `
		INSERT OR IGNORE INTO campaign_events (
			id, enrollment_id, event_type, channel, step, event_at,
			metadata, applied, idempotency_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	metadata := sql.NullString{String: string(event.Metadata), Valid: len(event.Metadata) > 0}

	result, err := s.db.Exec(query,
		event.ID, event.EnrollmentID, event.Type, event.Channel, event.Step,
		event.Timestamp, metadata, applied, event.IdempotencyKey(), time.Now(),
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to record event")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// CountEvents returns the number of recorded events for an enrollment
func (s *Store) CountEvents(enrollmentID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM campaign_events WHERE enrollment_id = ?`, enrollmentID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count events")
	}
	return count, nil
}

// isUniqueViolation detects SQLite unique-constraint failures without
// depending on driver error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
