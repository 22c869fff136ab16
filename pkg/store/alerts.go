package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RunAlertRow is raised when a run terminates in a failed state with a
// known state-change reason. One-to-one with a run.
type RunAlertRow struct {
	ID            int64
	RunID         int64
	ReasonCode    string
	ReasonMessage string
	CreatedAt     time.Time
	MailSentDate  *time.Time
}

const alertColumns = `id, run_id, reason_code, reason_message, created_at, mail_sent_date`

// CreateRunAlert records a failure alert for a run. The unique run_id
// constraint makes repeated status updates idempotent; an existing alert
// is left untouched.
func CreateRunAlert(ctx context.Context, q Execer, runID int64, reasonCode, reasonMessage string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO run_alerts (run_id, reason_code, reason_message, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING`,
		runID, reasonCode, reasonMessage, encodeTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("insert run alert: %w", err)
	}
	return nil
}

// GetRunAlert returns the alert for a run, or nil.
func GetRunAlert(ctx context.Context, q Execer, runID int64) (*RunAlertRow, error) {
	rows, err := queryAlerts(ctx, q, `WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// UnsentRunAlerts returns alerts with a recognized reason code whose
// mail has not been sent.
func UnsentRunAlerts(ctx context.Context, q Execer, reasonCodes []string) ([]RunAlertRow, error) {
	placeholders := make([]string, len(reasonCodes))
	args := make([]any, len(reasonCodes))
	for i, code := range reasonCodes {
		placeholders[i] = "?"
		args[i] = code
	}
	return queryAlerts(ctx, q,
		`WHERE reason_code IN (`+strings.Join(placeholders, ",")+`)
		 AND mail_sent_date IS NULL ORDER BY id`, args...)
}

// ClaimAlertMail sets mail_sent_date exactly once; run inside the send
// transaction so a failed send releases the claim.
func ClaimAlertMail(ctx context.Context, q Execer, id int64, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE run_alerts SET mail_sent_date = ?
		WHERE id = ? AND mail_sent_date IS NULL`,
		encodeTime(now), id)
	if err != nil {
		return false, fmt.Errorf("claim alert mail: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim alert mail rows: %w", err)
	}
	return n > 0, nil
}

func queryAlerts(ctx context.Context, q Execer, where string, args ...any) ([]RunAlertRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+alertColumns+` FROM run_alerts `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query run alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunAlertRow
	for rows.Next() {
		var a RunAlertRow
		var createdAt string
		var mailSent sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.ReasonCode, &a.ReasonMessage, &createdAt, &mailSent); err != nil {
			return nil, fmt.Errorf("scan run alert: %w", err)
		}
		if a.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, fmt.Errorf("decode alert created_at: %w", err)
		}
		if a.MailSentDate, err = decodeTimePtr(mailSent); err != nil {
			return nil, fmt.Errorf("decode alert mail_sent_date: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
