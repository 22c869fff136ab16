package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/3leaps/sparkfleet/pkg/cloud"
)

// SparkJobRunRow is one attempt to run a SparkJob on a transient cluster.
type SparkJobRunRow struct {
	ID                int64
	SparkJobID        int64
	JobflowID         string
	EMRReleaseVersion string
	Status            cloud.State
	CreatedAt         time.Time
	ScheduledAt       *time.Time
	StartedAt         *time.Time
	ReadyAt           *time.Time
	FinishedAt        *time.Time
}

// IsTerminal reports whether the run reached an absorbing state.
func (r *SparkJobRunRow) IsTerminal() bool { return r.Status.IsTerminal() }

const runColumns = `id, spark_job_id, jobflow_id, emr_release_version, status,
	created_at, scheduled_at, started_at, ready_at, finished_at`

// CreateRun inserts a run row for a job launch and returns its id.
func CreateRun(ctx context.Context, q Execer, row SparkJobRunRow) (int64, error) {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO spark_job_runs
			(spark_job_id, jobflow_id, emr_release_version, status, created_at, scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.SparkJobID, row.JobflowID, row.EMRReleaseVersion, string(row.Status),
		encodeTime(createdAt), encodeTimePtr(row.ScheduledAt))
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run insert id: %w", err)
	}
	return id, nil
}

// GetRun returns the run with the given id, or nil if missing.
func GetRun(ctx context.Context, q Execer, id int64) (*SparkJobRunRow, error) {
	rows, err := queryRuns(ctx, q, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// LatestRun returns the run with the greatest created_at for a job, or
// nil when the job never ran.
func LatestRun(ctx context.Context, q Execer, jobID int64) (*SparkJobRunRow, error) {
	rows, err := queryRuns(ctx, q,
		`WHERE spark_job_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, jobID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ActiveRuns returns runs that have not reached a terminal state yet.
func ActiveRuns(ctx context.Context, q Execer) ([]SparkJobRunRow, error) {
	clause, args := statusInClause(cloud.TerminalStates)
	return queryRuns(ctx, q,
		`WHERE status NOT IN `+clause+` AND jobflow_id != '' ORDER BY id`, args...)
}

// OldestActiveRunCreation returns the smallest created_at among active
// runs, used to bound the provider list call. Second return is false when
// there are no active runs.
func OldestActiveRunCreation(ctx context.Context, q Execer) (time.Time, bool, error) {
	clause, args := statusInClause(cloud.TerminalStates)
	var createdAt sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM spark_job_runs WHERE status NOT IN `+clause+` AND jobflow_id != ''`,
		args...).Scan(&createdAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("oldest active run: %w", err)
	}
	if !createdAt.Valid || createdAt.String == "" {
		return time.Time{}, false, nil
	}
	t, err := decodeTime(createdAt.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode oldest active run: %w", err)
	}
	return t, true, nil
}

// UpdateRunStatus mirrors a provider-observed state onto a run row.
// Terminal statuses are absorbing. The started/ready/finished timestamps
// fill in once and never move afterwards.
func UpdateRunStatus(ctx context.Context, q Execer, id int64, status cloud.State,
	startedAt, readyAt, finishedAt *time.Time) (bool, error) {

	clause, args := statusInClause(cloud.TerminalStates)
	exec := append([]any{
		string(status),
		encodeTimePtr(startedAt),
		encodeTimePtr(readyAt),
		encodeTimePtr(finishedAt),
		id,
	}, args...)
	res, err := q.ExecContext(ctx, `
		UPDATE spark_job_runs
		SET status = ?,
			started_at = COALESCE(started_at, ?),
			ready_at = COALESCE(ready_at, ?),
			finished_at = COALESCE(finished_at, ?)
		WHERE id = ? AND status NOT IN `+clause,
		exec...)
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update run status rows: %w", err)
	}
	return n > 0, nil
}

func queryRuns(ctx context.Context, q Execer, where string, args ...any) ([]SparkJobRunRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+runColumns+` FROM spark_job_runs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SparkJobRunRow
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRun(rows *sql.Rows) (*SparkJobRunRow, error) {
	var r SparkJobRunRow
	var status, createdAt string
	var scheduledAt, startedAt, readyAt, finishedAt sql.NullString

	if err := rows.Scan(&r.ID, &r.SparkJobID, &r.JobflowID, &r.EMRReleaseVersion, &status,
		&createdAt, &scheduledAt, &startedAt, &readyAt, &finishedAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.Status = cloud.State(status)

	var err error
	if r.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decode run created_at: %w", err)
	}
	if r.ScheduledAt, err = decodeTimePtr(scheduledAt); err != nil {
		return nil, fmt.Errorf("decode run scheduled_at: %w", err)
	}
	if r.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("decode run started_at: %w", err)
	}
	if r.ReadyAt, err = decodeTimePtr(readyAt); err != nil {
		return nil, fmt.Errorf("decode run ready_at: %w", err)
	}
	if r.FinishedAt, err = decodeTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("decode run finished_at: %w", err)
	}
	return &r, nil
}
