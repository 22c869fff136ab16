package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// lockTTL bounds how long a crashed beat instance blocks its successors.
const lockTTL = 25 * time.Second

// lockTimeLayout is fixed-width so the expires_at string comparison in
// acquireLock orders correctly for sub-second values.
const lockTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// beat polls the persistent registry for due entries and enqueues them,
// renewing the single-instance lock on each pass. Other instances keep
// polling so they take over when the holder disappears.
func (s *Scheduler) beat(ctx context.Context) error {
	ticker := time.NewTicker(beatPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.holdsLock() {
				if err := releaseLock(context.Background(), s.db, s.holder); err != nil {
					s.logger.Warn("release beat lock", zap.Error(err))
				}
			}
			return ctx.Err()
		case <-ticker.C:
			held, err := acquireLock(ctx, s.db, s.holder, time.Now().UTC())
			if err != nil {
				s.logger.Error("acquire beat lock", zap.Error(err))
				s.setLockHeld(false)
				continue
			}
			s.setLockHeld(held)
			if !held {
				continue
			}
			if err := s.enqueueDue(ctx); err != nil {
				s.logger.Error("enqueue due schedule entries", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) enqueueDue(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := DueEntries(ctx, s.db, now)
	if err != nil {
		return err
	}
	for _, entry := range due {
		if err := MarkRun(ctx, s.db, entry.Name, now); err != nil {
			return err
		}
		s.Enqueue(Task{Name: entry.TaskName, Args: entry.Args, EnqueuedAt: now})
		s.logger.Debug("enqueued schedule entry",
			zap.String("entry", entry.Name),
			zap.Time("next", entry.NextRun()))
	}
	return nil
}

// acquireLock takes or renews the beat lock. It succeeds when the lock
// is free, stale, or already held by this instance. The guarded UPDATE
// plus INSERT OR IGNORE pair works on both sqlite drivers.
func acquireLock(ctx context.Context, db *sql.DB, holder string, now time.Time) (bool, error) {
	expires := now.Add(lockTTL).Format(lockTimeLayout)
	res, err := db.ExecContext(ctx, `
		UPDATE beat_lock SET holder = ?, expires_at = ?
		WHERE id = 1 AND (holder = ? OR expires_at <= ?)`,
		holder, expires, holder, now.Format(lockTimeLayout))
	if err != nil {
		return false, fmt.Errorf("renew beat lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew beat lock rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	res, err = db.ExecContext(ctx, `
		INSERT OR IGNORE INTO beat_lock (id, holder, expires_at) VALUES (1, ?, ?)`,
		holder, expires)
	if err != nil {
		return false, fmt.Errorf("acquire beat lock: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire beat lock rows: %w", err)
	}
	return n > 0, nil
}

// CheckHealth reports whether the beat is alive: either this instance
// holds the lock, or another instance renewed it within its TTL.
func (s *Scheduler) CheckHealth(ctx context.Context) error {
	if s.holdsLock() {
		return nil
	}
	var expires string
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM beat_lock WHERE id = 1`).Scan(&expires)
	if err == sql.ErrNoRows {
		return fmt.Errorf("beat lock not yet acquired")
	}
	if err != nil {
		return fmt.Errorf("read beat lock: %w", err)
	}
	t, err := time.Parse(lockTimeLayout, expires)
	if err != nil {
		return fmt.Errorf("parse beat lock expiry: %w", err)
	}
	if time.Now().UTC().After(t) {
		return fmt.Errorf("beat lock stale since %s", t.Format(time.RFC3339))
	}
	return nil
}

func releaseLock(ctx context.Context, db *sql.DB, holder string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM beat_lock WHERE id = 1 AND holder = ?`, holder)
	if err != nil {
		return fmt.Errorf("release beat lock: %w", err)
	}
	return nil
}
