package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/sparkfleet/pkg/cloud"
)

// ClusterRow is an on-demand interactive cluster with a bounded lifetime.
type ClusterRow struct {
	ID                     int64
	Identifier             string
	Size                   int
	LifetimeHours          int
	SSHKey                 string
	EMRRelease             string
	CreatedBy              string
	JobflowID              string
	MostRecentStatus       cloud.State
	MasterAddress          string
	LifetimeExtensionCount int
	ExpirationMailSent     bool
	CreatedAt              time.Time
	StartedAt              *time.Time
	ReadyAt                *time.Time
	FinishedAt             *time.Time
	ExpiresAt              *time.Time
}

// IsActive reports whether the cluster is in an active provider state.
func (c *ClusterRow) IsActive() bool { return c.MostRecentStatus.IsActive() }

// IsTerminal reports whether the cluster reached an absorbing state.
func (c *ClusterRow) IsTerminal() bool { return c.MostRecentStatus.IsTerminal() }

const clusterColumns = `id, identifier, size, lifetime_hours, ssh_key, emr_release, created_by,
	jobflow_id, most_recent_status, master_address, lifetime_extension_count,
	expiration_mail_sent, created_at, started_at, ready_at, finished_at, expires_at`

func statusInClause(states []cloud.State) (string, []any) {
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, s := range states {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return "(" + strings.Join(placeholders, ",") + ")", args
}

// CreateCluster inserts a new cluster row and returns its id.
func CreateCluster(ctx context.Context, q Execer, row ClusterRow) (int64, error) {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO clusters
			(identifier, size, lifetime_hours, ssh_key, emr_release, created_by,
			 jobflow_id, most_recent_status, master_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)`,
		row.Identifier, row.Size, row.LifetimeHours, row.SSHKey, row.EMRRelease, row.CreatedBy,
		row.JobflowID, string(row.MostRecentStatus), row.MasterAddress, encodeTime(createdAt))
	if err != nil {
		return 0, fmt.Errorf("insert cluster: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("cluster insert id: %w", err)
	}
	return id, nil
}

// GetCluster returns the cluster with the given id, or nil if missing.
func GetCluster(ctx context.Context, q Execer, id int64) (*ClusterRow, error) {
	rows, err := queryClusters(ctx, q, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ActiveClusters returns all clusters in an active provider state.
func ActiveClusters(ctx context.Context, q Execer) ([]ClusterRow, error) {
	clause, args := statusInClause(cloud.ActiveStates)
	return queryClusters(ctx, q, `WHERE most_recent_status IN `+clause+` ORDER BY id`, args...)
}

// ExpiredClustersInStates returns clusters in one of the given states
// whose lease ran out at or before now. Callers pass the active states
// minus TERMINATING so a cluster already being stopped is not stopped
// again.
func ExpiredClustersInStates(ctx context.Context, q Execer, states []cloud.State, now time.Time) ([]ClusterRow, error) {
	clause, args := statusInClause(states)
	args = append(args, encodeTime(now))
	return queryClusters(ctx, q,
		`WHERE most_recent_status IN `+clause+` AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY id`,
		args...)
}

// SoonExpiringClusters returns active clusters that expire at or before
// deadline and have not been warned yet.
func SoonExpiringClusters(ctx context.Context, q Execer, deadline time.Time) ([]ClusterRow, error) {
	clause, args := statusInClause(cloud.ActiveStates)
	args = append(args, encodeTime(deadline))
	return queryClusters(ctx, q,
		`WHERE most_recent_status IN `+clause+`
		 AND expires_at IS NOT NULL AND expires_at <= ?
		 AND expiration_mail_sent = 0 ORDER BY id`,
		args...)
}

// AssignJobflow records the provider handle for a cluster exactly once.
// It sets started_at and derives expires_at from the lifetime. Returns
// false when the jobflow was already assigned.
func AssignJobflow(ctx context.Context, q Execer, id int64, jobflowID string, startedAt time.Time) (bool, error) {
	var lifetimeHours int
	if err := q.QueryRowContext(ctx, `SELECT lifetime_hours FROM clusters WHERE id = ?`, id).Scan(&lifetimeHours); err != nil {
		return false, fmt.Errorf("read cluster lifetime: %w", err)
	}
	expiresAt := startedAt.Add(time.Duration(lifetimeHours) * time.Hour)

	res, err := q.ExecContext(ctx, `
		UPDATE clusters
		SET jobflow_id = ?, most_recent_status = ?, started_at = ?, expires_at = ?
		WHERE id = ? AND jobflow_id IS NULL`,
		jobflowID, string(cloud.StateStarting), encodeTime(startedAt), encodeTime(expiresAt), id)
	if err != nil {
		return false, fmt.Errorf("assign jobflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign jobflow rows: %w", err)
	}
	return n > 0, nil
}

// ApplyClusterInfo mirrors provider-observed state onto the row. Terminal
// statuses are absorbing: once stored, further updates are rejected.
// Timestamps are only filled in when still unset.
func ApplyClusterInfo(ctx context.Context, q Execer, id int64, info cloud.ClusterInfo) (bool, error) {
	var creation any
	if !info.CreationTime.IsZero() {
		creation = encodeTime(info.CreationTime)
	}
	clause, args := statusInClause(cloud.TerminalStates)
	exec := append([]any{
		string(info.State),
		creation,
		encodeTimePtr(info.ReadyTime),
		encodeTimePtr(info.EndTime),
		id,
	}, args...)
	res, err := q.ExecContext(ctx, `
		UPDATE clusters
		SET most_recent_status = ?,
			started_at = COALESCE(started_at, ?),
			ready_at = COALESCE(ready_at, ?),
			finished_at = COALESCE(finished_at, ?)
		WHERE id = ? AND most_recent_status NOT IN `+clause,
		exec...)
	if err != nil {
		return false, fmt.Errorf("apply cluster info: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply cluster info rows: %w", err)
	}
	return n > 0, nil
}

// SetMasterAddress stores the master public DNS once it is known.
func SetMasterAddress(ctx context.Context, q Execer, id int64, address string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE clusters SET master_address = ? WHERE id = ? AND master_address = ''`,
		address, id)
	if err != nil {
		return false, fmt.Errorf("set master address: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set master address rows: %w", err)
	}
	return n > 0, nil
}

// ClaimExpirationMail flips the expiration_mail_sent latch. Returns true
// for exactly one caller per cluster; run inside the same transaction as
// the send so a failed send releases the claim.
func ClaimExpirationMail(ctx context.Context, q Execer, id int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE clusters SET expiration_mail_sent = 1
		WHERE id = ? AND expiration_mail_sent = 0`, id)
	if err != nil {
		return false, fmt.Errorf("claim expiration mail: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim expiration mail rows: %w", err)
	}
	return n > 0, nil
}

// ExtendCluster pushes expires_at out by delta and counts the extension.
// The guard on the previous expires_at value makes concurrent extensions
// serialize instead of compounding.
func ExtendCluster(ctx context.Context, q Execer, id int64, previous time.Time, next time.Time) (bool, error) {
	clause, args := statusInClause(cloud.ActiveStates)
	exec := append([]any{encodeTime(next), id, encodeTime(previous)}, args...)
	res, err := q.ExecContext(ctx, `
		UPDATE clusters
		SET expires_at = ?, lifetime_extension_count = lifetime_extension_count + 1
		WHERE id = ? AND expires_at = ? AND most_recent_status IN `+clause,
		exec...)
	if err != nil {
		return false, fmt.Errorf("extend cluster: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend cluster rows: %w", err)
	}
	return n > 0, nil
}

func queryClusters(ctx context.Context, q Execer, where string, args ...any) ([]ClusterRow, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+clusterColumns+` FROM clusters `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ClusterRow
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCluster(rows *sql.Rows) (*ClusterRow, error) {
	var c ClusterRow
	var jobflowID sql.NullString
	var status string
	var createdAt string
	var startedAt, readyAt, finishedAt, expiresAt sql.NullString

	if err := rows.Scan(&c.ID, &c.Identifier, &c.Size, &c.LifetimeHours, &c.SSHKey,
		&c.EMRRelease, &c.CreatedBy, &jobflowID, &status, &c.MasterAddress,
		&c.LifetimeExtensionCount, &c.ExpirationMailSent,
		&createdAt, &startedAt, &readyAt, &finishedAt, &expiresAt); err != nil {
		return nil, fmt.Errorf("scan cluster: %w", err)
	}

	c.JobflowID = jobflowID.String
	c.MostRecentStatus = cloud.State(status)

	var err error
	if c.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decode cluster created_at: %w", err)
	}
	if c.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return nil, fmt.Errorf("decode cluster started_at: %w", err)
	}
	if c.ReadyAt, err = decodeTimePtr(readyAt); err != nil {
		return nil, fmt.Errorf("decode cluster ready_at: %w", err)
	}
	if c.FinishedAt, err = decodeTimePtr(finishedAt); err != nil {
		return nil, fmt.Errorf("decode cluster finished_at: %w", err)
	}
	if c.ExpiresAt, err = decodeTimePtr(expiresAt); err != nil {
		return nil, fmt.Errorf("decode cluster expires_at: %w", err)
	}
	return &c, nil
}
