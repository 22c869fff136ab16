package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"

	// Registers the libsql driver.
	_ "github.com/3leaps/sparkfleet/pkg/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("libsql", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE schedule_entries (
			name TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			interval_seconds INTEGER NOT NULL,
			anchor_time TEXT NOT NULL,
			last_run_at TEXT,
			args TEXT NOT NULL DEFAULT '[]'
		);
		CREATE TABLE beat_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			holder TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);`)
	require.NoError(t, err)
	return db
}

func mustParse(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	anchor := mustParse(t, "2024-06-01T00:00:00Z")

	entry := JobEntry(42, 24*time.Hour, anchor)
	assert.Equal(t, "jobs.run_job:42", entry.Name)
	assert.Equal(t, TaskRunJob, entry.TaskName)
	assert.Equal(t, []int64{42}, entry.Args)

	require.NoError(t, AddEntry(ctx, db, entry))

	got, err := GetEntry(ctx, db, JobEntryName(42))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 24*time.Hour, got.Interval)
	assert.Equal(t, anchor, got.Anchor.UTC())
	assert.Nil(t, got.LastRunAt)

	t.Run("NextRunFromAnchor", func(t *testing.T) {
		assert.Equal(t, anchor, got.NextRun().UTC())
	})

	t.Run("DueAtAnchor", func(t *testing.T) {
		due, err := DueEntries(ctx, db, anchor)
		require.NoError(t, err)
		require.Len(t, due, 1)

		due, err = DueEntries(ctx, db, anchor.Add(-time.Second))
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("MarkRunAdvancesNextRun", func(t *testing.T) {
		firedAt := mustParse(t, "2024-06-01T00:00:05Z")
		require.NoError(t, MarkRun(ctx, db, entry.Name, firedAt))

		got, err := GetEntry(ctx, db, entry.Name)
		require.NoError(t, err)
		require.NotNil(t, got.LastRunAt)
		assert.Equal(t, firedAt.Add(24*time.Hour), got.NextRun().UTC())

		due, err := DueEntries(ctx, db, firedAt.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = DueEntries(ctx, db, firedAt.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("ReAddResetsLastRun", func(t *testing.T) {
		require.NoError(t, AddEntry(ctx, db, entry))
		got, err := GetEntry(ctx, db, entry.Name)
		require.NoError(t, err)
		assert.Nil(t, got.LastRunAt)
	})

	t.Run("Delete", func(t *testing.T) {
		ok, err := DeleteEntry(ctx, db, entry.Name)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = DeleteEntry(ctx, db, entry.Name)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := GetEntry(ctx, db, entry.Name)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestRegistry_InsideTransaction(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, AddEntry(ctx, db, JobEntry(7, time.Hour, mustParse(t, "2024-06-01T00:00:00Z"))))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	ok, err := DeleteEntry(ctx, tx, JobEntryName(7))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tx.Rollback())

	// The rollback restored the entry.
	got, err := GetEntry(ctx, db, JobEntryName(7))
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestBeatLock(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := mustParse(t, "2024-06-01T00:00:00Z")

	held, err := acquireLock(ctx, db, "host-a", now)
	require.NoError(t, err)
	assert.True(t, held)

	// The holder renews; a second instance cannot take a live lock.
	held, err = acquireLock(ctx, db, "host-a", now.Add(5*time.Second))
	require.NoError(t, err)
	assert.True(t, held)

	held, err = acquireLock(ctx, db, "host-b", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, held)

	// After the TTL lapses the lock is stealable.
	held, err = acquireLock(ctx, db, "host-b", now.Add(5*time.Second+lockTTL))
	require.NoError(t, err)
	assert.True(t, held)

	// Release only works for the current holder.
	require.NoError(t, releaseLock(ctx, db, "host-a"))
	held, err = acquireLock(ctx, db, "host-a", now.Add(6*time.Second+lockTTL))
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, releaseLock(ctx, db, "host-b"))
	held, err = acquireLock(ctx, db, "host-a", now.Add(7*time.Second+lockTTL))
	require.NoError(t, err)
	assert.True(t, held)
}

func TestCheckHealth(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := New(db, zap.NewNop(), "host-a")

	// No lock row yet and this instance does not beat.
	require.Error(t, s.CheckHealth(ctx))

	// Another instance with a live lock counts as healthy.
	held, err := acquireLock(ctx, db, "host-b", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, held)
	require.NoError(t, s.CheckHealth(ctx))

	// A stale lock means nobody is beating.
	_, err = db.Exec(`UPDATE beat_lock SET expires_at = ?`,
		time.Now().UTC().Add(-time.Minute).Format(lockTimeLayout))
	require.NoError(t, err)
	require.Error(t, s.CheckHealth(ctx))

	// Holding the lock locally short-circuits the query.
	s.setLockHeld(true)
	require.NoError(t, s.CheckHealth(ctx))
}

func TestFullJitterBounds(t *testing.T) {
	for n := uint(0); n < 20; n++ {
		for i := 0; i < 50; i++ {
			d := fullJitter(n)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, backoffCap)
			if ceiling := backoffBase << n; n < 12 {
				assert.LessOrEqual(t, d, ceiling)
			}
		}
	}
}

func TestRunOnce(t *testing.T) {
	db := newTestDB(t)
	s := New(db, zap.NewNop(), "test-host")

	var gotArgs []int64
	s.Register("test.echo", TaskSpec{
		Handler: func(ctx context.Context, args []int64) (Result, error) {
			gotArgs = args
			return Result{}, nil
		},
	})

	require.NoError(t, s.RunOnce(context.Background(), "test.echo", []int64{1, 2}))
	assert.Equal(t, []int64{1, 2}, gotArgs)

	err := s.RunOnce(context.Background(), "test.missing", nil)
	require.Error(t, err)
}

func TestExecute_RetriesTransient(t *testing.T) {
	db := newTestDB(t)
	s := New(db, zap.NewNop(), "test-host")

	transient := errors.New("throttled")
	calls := 0
	s.Register("test.flaky", TaskSpec{
		SoftLimit:  10 * time.Second,
		MaxRetries: 3,
		RetryIf:    func(err error) bool { return errors.Is(err, transient) },
		Handler: func(ctx context.Context, args []int64) (Result, error) {
			calls++
			if calls < 3 {
				return Result{}, transient
			}
			return Result{}, nil
		},
	})

	require.NoError(t, s.RunOnce(context.Background(), "test.flaky", nil))
	assert.Equal(t, 3, calls)
}

func TestExecute_NoRetryWithoutClassifier(t *testing.T) {
	db := newTestDB(t)
	s := New(db, zap.NewNop(), "test-host")

	calls := 0
	s.Register("test.fail", TaskSpec{
		SoftLimit: time.Second,
		Handler: func(ctx context.Context, args []int64) (Result, error) {
			calls++
			return Result{}, errors.New("boom")
		},
	})

	err := s.RunOnce(context.Background(), "test.fail", nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
