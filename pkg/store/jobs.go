package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Result visibility values for SparkJobRow.ResultVisibility.
const (
	VisibilityPrivate = "private"
	VisibilityPublic  = "public"
)

// Allowed run intervals in hours.
const (
	IntervalDaily   = 24
	IntervalWeekly  = 24 * 7
	IntervalMonthly = 24 * 30
)

// SparkJobRow is a user-owned recurring batch job definition.
type SparkJobRow struct {
	ID               int64
	Identifier       string
	Description      string
	NotebookS3Key    string
	ResultVisibility string
	Size             int
	IntervalInHours  int
	JobTimeoutHours  int
	IsEnabled        bool
	EMRRelease       string
	CreatedBy        string
	ExpiredMailSent  bool
	CreatedAt        time.Time
	StartDate        time.Time
	EndDate          *time.Time
	ExpiredDate      *time.Time
}

// IsPublic reports whether job results land in the public bucket.
func (j *SparkJobRow) IsPublic() bool { return j.ResultVisibility == VisibilityPublic }

const sparkJobColumns = `id, identifier, description, notebook_s3_key, result_visibility,
	size, interval_in_hours, job_timeout_hours, is_enabled, emr_release, created_by,
	expired_mail_sent, created_at, start_date, end_date, expired_date`

// CreateSparkJob inserts a new job definition and returns its id.
func CreateSparkJob(ctx context.Context, q Execer, row SparkJobRow) (int64, error) {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO spark_jobs
			(identifier, description, notebook_s3_key, result_visibility, size,
			 interval_in_hours, job_timeout_hours, is_enabled, emr_release, created_by,
			 created_at, start_date, end_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Identifier, row.Description, row.NotebookS3Key, row.ResultVisibility, row.Size,
		row.IntervalInHours, row.JobTimeoutHours, row.IsEnabled, row.EMRRelease, row.CreatedBy,
		encodeTime(createdAt), encodeTime(row.StartDate), encodeTimePtr(row.EndDate))
	if err != nil {
		return 0, fmt.Errorf("insert spark job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("spark job insert id: %w", err)
	}
	return id, nil
}

// GetSparkJob returns the job with the given id, or nil if missing.
func GetSparkJob(ctx context.Context, q Execer, id int64) (*SparkJobRow, error) {
	rows, err := querySparkJobs(ctx, q, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetSparkJobByIdentifier returns the job with the given identifier, or nil.
func GetSparkJobByIdentifier(ctx context.Context, q Execer, identifier string) (*SparkJobRow, error) {
	rows, err := querySparkJobs(ctx, q, `WHERE identifier = ?`, identifier)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListSparkJobs returns all job definitions.
func ListSparkJobs(ctx context.Context, q Execer) ([]SparkJobRow, error) {
	return querySparkJobs(ctx, q, `ORDER BY id`)
}

// EndedSparkJobs returns jobs whose end_date has passed and that have not
// been marked expired yet.
func EndedSparkJobs(ctx context.Context, q Execer, now time.Time) ([]SparkJobRow, error) {
	return querySparkJobs(ctx, q,
		`WHERE end_date IS NOT NULL AND end_date <= ? AND expired_date IS NULL ORDER BY id`,
		encodeTime(now))
}

// ExpiredUnnotifiedSparkJobs returns expired jobs whose owner has not yet
// received the expiry confirmation.
func ExpiredUnnotifiedSparkJobs(ctx context.Context, q Execer) ([]SparkJobRow, error) {
	return querySparkJobs(ctx, q,
		`WHERE expired_date IS NOT NULL AND expired_mail_sent = 0 ORDER BY id`)
}

// MarkSparkJobExpired sets expired_date exactly once. Returns false when
// the job was already expired, which makes repeated passes no-ops.
func MarkSparkJobExpired(ctx context.Context, q Execer, id int64, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE spark_jobs SET expired_date = ? WHERE id = ? AND expired_date IS NULL`,
		encodeTime(now), id)
	if err != nil {
		return false, fmt.Errorf("mark spark job expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark spark job expired rows: %w", err)
	}
	return n > 0, nil
}

// ClaimExpiredMail flips the expired_mail_sent latch; at most one caller
// per job wins, and only after the job is actually expired. Run inside
// the send transaction.
func ClaimExpiredMail(ctx context.Context, q Execer, id int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE spark_jobs SET expired_mail_sent = 1
		WHERE id = ? AND expired_date IS NOT NULL AND expired_mail_sent = 0`, id)
	if err != nil {
		return false, fmt.Errorf("claim expired mail: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim expired mail rows: %w", err)
	}
	return n > 0, nil
}

// DeleteSparkJob removes a job definition; runs and alerts cascade.
func DeleteSparkJob(ctx context.Context, q Execer, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM spark_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete spark job: %w", err)
	}
	return nil
}

func querySparkJobs(ctx context.Context, q Execer, where string, args ...any) ([]SparkJobRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sparkJobColumns+` FROM spark_jobs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query spark jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SparkJobRow
	for rows.Next() {
		j, err := scanSparkJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func scanSparkJob(rows *sql.Rows) (*SparkJobRow, error) {
	var j SparkJobRow
	var createdAt, startDate string
	var endDate, expiredDate sql.NullString

	if err := rows.Scan(&j.ID, &j.Identifier, &j.Description, &j.NotebookS3Key, &j.ResultVisibility,
		&j.Size, &j.IntervalInHours, &j.JobTimeoutHours, &j.IsEnabled, &j.EMRRelease, &j.CreatedBy,
		&j.ExpiredMailSent, &createdAt, &startDate, &endDate, &expiredDate); err != nil {
		return nil, fmt.Errorf("scan spark job: %w", err)
	}

	var err error
	if j.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decode spark job created_at: %w", err)
	}
	if j.StartDate, err = decodeTime(startDate); err != nil {
		return nil, fmt.Errorf("decode spark job start_date: %w", err)
	}
	if j.EndDate, err = decodeTimePtr(endDate); err != nil {
		return nil, fmt.Errorf("decode spark job end_date: %w", err)
	}
	if j.ExpiredDate, err = decodeTimePtr(expiredDate); err != nil {
		return nil, fmt.Errorf("decode spark job expired_date: %w", err)
	}
	return &j, nil
}
