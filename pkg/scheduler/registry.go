// Package scheduler owns the periodic-task machinery: a persistent
// registry of per-job schedule entries, a beat loop that enqueues due
// tasks under a single-instance lock, and a worker pool that executes
// them with jittered retries.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// DBTX is the subset of *sql.DB and *sql.Tx the registry needs, so
// entry changes can join a reconciler's row transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
)

// TaskRunJob is the task fired by per-job schedule entries.
const TaskRunJob = "jobs.run_job"

// Entry is a persistent schedule entry. Per-job entries are keyed
// "jobs.run_job:<pk>" and survive process restarts.
type Entry struct {
	Name      string
	TaskName  string
	Interval  time.Duration
	Anchor    time.Time
	LastRunAt *time.Time
	Args      []int64
}

// JobEntryName returns the registry key for a job's schedule entry.
func JobEntryName(jobID int64) string {
	return TaskRunJob + ":" + strconv.FormatInt(jobID, 10)
}

// JobEntry builds the schedule entry for a recurring job: first fire at
// start, then every interval.
func JobEntry(jobID int64, interval time.Duration, start time.Time) Entry {
	return Entry{
		Name:     JobEntryName(jobID),
		TaskName: TaskRunJob,
		Interval: interval,
		Anchor:   start,
		Args:     []int64{jobID},
	}
}

// AddEntry creates or replaces a schedule entry. Replacing preserves
// nothing: a re-added entry starts from its anchor again.
func AddEntry(ctx context.Context, db DBTX, entry Entry) error {
	args, err := json.Marshal(entry.Args)
	if err != nil {
		return fmt.Errorf("encode entry args: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO schedule_entries (name, task_name, interval_seconds, anchor_time, last_run_at, args)
		VALUES (?, ?, ?, ?, NULL, ?)
		ON CONFLICT(name) DO UPDATE SET
			task_name = excluded.task_name,
			interval_seconds = excluded.interval_seconds,
			anchor_time = excluded.anchor_time,
			last_run_at = NULL,
			args = excluded.args`,
		entry.Name, entry.TaskName, int64(entry.Interval/time.Second),
		entry.Anchor.UTC().Format(time.RFC3339Nano), string(args))
	if err != nil {
		return fmt.Errorf("add schedule entry %s: %w", entry.Name, err)
	}
	return nil
}

// GetEntry returns the entry with the given name, or nil.
func GetEntry(ctx context.Context, db DBTX, name string) (*Entry, error) {
	entries, err := queryEntries(ctx, db, `WHERE name = ?`, name)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// DeleteEntry removes an entry; deleting a missing entry reports false.
func DeleteEntry(ctx context.Context, db DBTX, name string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM schedule_entries WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete schedule entry %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete schedule entry rows: %w", err)
	}
	return n > 0, nil
}

// DueEntries returns entries whose next fire time has passed: the anchor
// for entries that never ran, last run plus interval otherwise.
func DueEntries(ctx context.Context, db DBTX, now time.Time) ([]Entry, error) {
	entries, err := queryEntries(ctx, db, `ORDER BY name`)
	if err != nil {
		return nil, err
	}
	var due []Entry
	for _, entry := range entries {
		if entry.NextRun().After(now) {
			continue
		}
		due = append(due, entry)
	}
	return due, nil
}

// NextRun computes when the entry fires next.
func (e Entry) NextRun() time.Time {
	if e.LastRunAt == nil {
		return e.Anchor
	}
	return e.LastRunAt.Add(e.Interval)
}

// MarkRun records that the entry fired at the given time.
func MarkRun(ctx context.Context, db DBTX, name string, at time.Time) error {
	_, err := db.ExecContext(ctx, `UPDATE schedule_entries SET last_run_at = ? WHERE name = ?`,
		at.UTC().Format(time.RFC3339Nano), name)
	if err != nil {
		return fmt.Errorf("mark schedule entry run %s: %w", name, err)
	}
	return nil
}

// ResetLastRun pins the entry's last run to an explicit time. Used after
// a job's first launch so an old anchor does not re-fire immediately.
func ResetLastRun(ctx context.Context, db DBTX, name string, at time.Time) error {
	return MarkRun(ctx, db, name, at)
}

func queryEntries(ctx context.Context, db DBTX, where string, args ...any) ([]Entry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name, task_name, interval_seconds, anchor_time, last_run_at, args
		FROM schedule_entries `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedule entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var intervalSeconds int64
		var anchor, argsJSON string
		var lastRun sql.NullString
		if err := rows.Scan(&entry.Name, &entry.TaskName, &intervalSeconds, &anchor, &lastRun, &argsJSON); err != nil {
			return nil, fmt.Errorf("scan schedule entry: %w", err)
		}
		entry.Interval = time.Duration(intervalSeconds) * time.Second
		if entry.Anchor, err = time.Parse(time.RFC3339Nano, anchor); err != nil {
			return nil, fmt.Errorf("decode entry anchor: %w", err)
		}
		if lastRun.Valid && lastRun.String != "" {
			t, err := time.Parse(time.RFC3339Nano, lastRun.String)
			if err != nil {
				return nil, fmt.Errorf("decode entry last_run_at: %w", err)
			}
			entry.LastRunAt = &t
		}
		if err := json.Unmarshal([]byte(argsJSON), &entry.Args); err != nil {
			return nil, fmt.Errorf("decode entry args: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
