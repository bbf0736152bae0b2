package queue

import (
	"database/sql"
)

// jobScanArgs holds the nullable columns scanned from a job row
type jobScanArgs struct {
	Payload       sql.NullString
	Result        sql.NullString
	FailureReason sql.NullString
	ErrorMsg      sql.NullString
	StartedAt     sql.NullTime
	CompletedAt   sql.NullTime
}

// jobSelectColumns is the standard column list for job SELECT queries
const jobSelectColumns = `id, type, payload, result, priority, status,
	failure_reason, error,
	progress_current, progress_total,
	created_at, started_at, completed_at, updated_at`

// scanTargets returns the scan destinations for a job row, in the order of
// jobSelectColumns.
func scanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Type,
		&args.Payload,
		&args.Result,
		&job.Priority,
		&job.Status,
		&args.FailureReason,
		&args.ErrorMsg,
		&job.Progress.Current,
		&job.Progress.Total,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// applyScanArgs copies nullable columns into the job struct
func applyScanArgs(job *Job, args *jobScanArgs) {
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.Result.Valid {
		job.Result = []byte(args.Result.String)
	}
	if args.FailureReason.Valid {
		job.FailureReason = FailureReason(args.FailureReason.String)
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
}

// scanJobFromRow scans a single job from a sql.Row
func scanJobFromRow(row *sql.Row, job *Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(scanTargets(job, args)...); err != nil {
		return err
	}
	applyScanArgs(job, args)
	return nil
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops)
func scanJobFromRows(rows *sql.Rows, job *Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(scanTargets(job, args)...); err != nil {
		return err
	}
	applyScanArgs(job, args)
	return nil
}
