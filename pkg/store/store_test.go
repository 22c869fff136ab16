package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/sparkfleet/pkg/cloud"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))
	// Clusters and jobs reference the release catalog.
	require.NoError(t, UpsertRelease(ctx, db, EMRRelease{Version: "emr-6.10.0", IsActive: true}))
	return db
}

func ts(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func TestEncodeTime_SortsLexically(t *testing.T) {
	base := ts(t, "2024-06-01T00:00:00Z")
	half := base.Add(500 * time.Millisecond)
	bit := base.Add(520 * time.Millisecond)

	// The SQL <= comparisons are string comparisons, so sub-second
	// values must keep their order in text form.
	assert.Less(t, encodeTime(base), encodeTime(half))
	assert.Less(t, encodeTime(half), encodeTime(bit))

	decoded, err := decodeTime(encodeTime(half))
	require.NoError(t, err)
	assert.True(t, decoded.Equal(half))
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	// Re-running against an up-to-date schema is a no-op.
	require.NoError(t, Migrate(ctx, db))

	var version int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestClusterLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	created := ts(t, "2024-01-01T09:00:00Z")
	id, err := CreateCluster(ctx, db, ClusterRow{
		Identifier:    "brave-curie-0001",
		Size:          2,
		LifetimeHours: 8,
		EMRRelease:    "emr-6.10.0",
		CreatedBy:     "owner@example.com",
		CreatedAt:     created,
	})
	require.NoError(t, err)

	row, err := GetCluster(ctx, db, id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Empty(t, row.JobflowID)
	assert.Nil(t, row.ExpiresAt)

	t.Run("AssignJobflowOnce", func(t *testing.T) {
		startedAt := ts(t, "2024-01-01T09:01:00Z")
		ok, err := AssignJobflow(ctx, db, id, "j-001", startedAt)
		require.NoError(t, err)
		assert.True(t, ok)

		row, err := GetCluster(ctx, db, id)
		require.NoError(t, err)
		assert.Equal(t, "j-001", row.JobflowID)
		assert.Equal(t, cloud.StateStarting, row.MostRecentStatus)
		require.NotNil(t, row.ExpiresAt)
		assert.Equal(t, startedAt.Add(8*time.Hour), row.ExpiresAt.UTC())

		// A second assignment loses the jobflow-unset precondition.
		ok, err = AssignJobflow(ctx, db, id, "j-other", startedAt)
		require.NoError(t, err)
		assert.False(t, ok)
		row, err = GetCluster(ctx, db, id)
		require.NoError(t, err)
		assert.Equal(t, "j-001", row.JobflowID)
	})

	t.Run("ApplyClusterInfoFillsTimestampsOnce", func(t *testing.T) {
		readyAt := ts(t, "2024-01-01T09:10:00Z")
		ok, err := ApplyClusterInfo(ctx, db, id, cloud.ClusterInfo{
			State:     cloud.StateWaiting,
			ReadyTime: &readyAt,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		laterReady := ts(t, "2024-01-01T09:30:00Z")
		ok, err = ApplyClusterInfo(ctx, db, id, cloud.ClusterInfo{
			State:     cloud.StateRunning,
			ReadyTime: &laterReady,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		row, err := GetCluster(ctx, db, id)
		require.NoError(t, err)
		assert.Equal(t, cloud.StateRunning, row.MostRecentStatus)
		require.NotNil(t, row.ReadyAt)
		assert.Equal(t, readyAt, row.ReadyAt.UTC())
	})

	t.Run("SetMasterAddressOnce", func(t *testing.T) {
		ok, err := SetMasterAddress(ctx, db, id, "ec2-1.compute.amazonaws.com")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = SetMasterAddress(ctx, db, id, "ec2-2.compute.amazonaws.com")
		require.NoError(t, err)
		assert.False(t, ok)

		row, err := GetCluster(ctx, db, id)
		require.NoError(t, err)
		assert.Equal(t, "ec2-1.compute.amazonaws.com", row.MasterAddress)
	})

	t.Run("TerminalIsAbsorbing", func(t *testing.T) {
		endTime := ts(t, "2024-01-01T17:00:00Z")
		ok, err := ApplyClusterInfo(ctx, db, id, cloud.ClusterInfo{
			State:   cloud.StateTerminated,
			EndTime: &endTime,
		})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = ApplyClusterInfo(ctx, db, id, cloud.ClusterInfo{State: cloud.StateRunning})
		require.NoError(t, err)
		assert.False(t, ok)

		row, err := GetCluster(ctx, db, id)
		require.NoError(t, err)
		assert.Equal(t, cloud.StateTerminated, row.MostRecentStatus)
		require.NotNil(t, row.FinishedAt)
		assert.Equal(t, endTime, row.FinishedAt.UTC())
	})
}

func TestApplyClusterInfo_MirrorsStartedAt(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	id, err := CreateCluster(ctx, db, ClusterRow{
		Identifier: "mirrored", Size: 1, LifetimeHours: 8,
		EMRRelease: "emr-6.10.0", CreatedBy: "o@example.com",
	})
	require.NoError(t, err)

	creation := ts(t, "2024-01-01T09:05:00Z")
	ok, err := ApplyClusterInfo(ctx, db, id, cloud.ClusterInfo{
		State:        cloud.StateStarting,
		CreationTime: creation,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	row, err := GetCluster(ctx, db, id)
	require.NoError(t, err)
	require.NotNil(t, row.StartedAt)
	assert.Equal(t, creation, row.StartedAt.UTC())

	// A later observation never rewrites the first start time.
	_, err = ApplyClusterInfo(ctx, db, id, cloud.ClusterInfo{
		State:        cloud.StateRunning,
		CreationTime: creation.Add(time.Hour),
	})
	require.NoError(t, err)
	row, err = GetCluster(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, creation, row.StartedAt.UTC())
}

func TestExpiredClustersInStates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := ts(t, "2024-01-01T12:00:01Z")

	mkCluster := func(jobflow string, state cloud.State, startedAt time.Time) int64 {
		id, err := CreateCluster(ctx, db, ClusterRow{
			Identifier: "c-" + jobflow, Size: 1, LifetimeHours: 1,
			EMRRelease: "emr-6.10.0", CreatedBy: "o@example.com", CreatedAt: startedAt,
		})
		require.NoError(t, err)
		_, err = AssignJobflow(ctx, db, id, jobflow, startedAt)
		require.NoError(t, err)
		if state != cloud.StateStarting {
			_, err = ApplyClusterInfo(ctx, db, id, cloud.ClusterInfo{State: state})
			require.NoError(t, err)
		}
		return id
	}

	expiredID := mkCluster("j-expired", cloud.StateWaiting, ts(t, "2024-01-01T11:00:00Z"))
	mkCluster("j-fresh", cloud.StateWaiting, ts(t, "2024-01-01T11:30:00Z"))
	mkCluster("j-stopping", cloud.StateTerminating, ts(t, "2024-01-01T11:00:00Z"))

	deactivatable := []cloud.State{
		cloud.StateStarting, cloud.StateBootstrapping,
		cloud.StateRunning, cloud.StateWaiting,
	}
	rows, err := ExpiredClustersInStates(ctx, db, deactivatable, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, expiredID, rows[0].ID)
}

func TestSoonExpiringClusters(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	id, err := CreateCluster(ctx, db, ClusterRow{
		Identifier: "warn-me", Size: 1, LifetimeHours: 1,
		EMRRelease: "emr-6.10.0", CreatedBy: "o@example.com",
	})
	require.NoError(t, err)
	_, err = AssignJobflow(ctx, db, id, "j-warn", ts(t, "2024-01-01T11:30:00Z"))
	require.NoError(t, err)

	deadline := ts(t, "2024-01-01T12:45:00Z")
	rows, err := SoonExpiringClusters(ctx, db, deadline)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	ok, err := ClaimExpirationMail(ctx, db, id)
	require.NoError(t, err)
	assert.True(t, ok)

	// The latch flips exactly once and removes the row from the query.
	ok, err = ClaimExpirationMail(ctx, db, id)
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err = SoonExpiringClusters(ctx, db, deadline)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExtendCluster_GuardedOnPreviousExpiry(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	id, err := CreateCluster(ctx, db, ClusterRow{
		Identifier: "extend-me", Size: 1, LifetimeHours: 2,
		EMRRelease: "emr-6.10.0", CreatedBy: "o@example.com",
	})
	require.NoError(t, err)
	startedAt := ts(t, "2024-01-01T10:00:00Z")
	_, err = AssignJobflow(ctx, db, id, "j-ext", startedAt)
	require.NoError(t, err)

	previous := startedAt.Add(2 * time.Hour)
	next := previous.Add(3 * time.Hour)
	ok, err := ExtendCluster(ctx, db, id, previous, next)
	require.NoError(t, err)
	assert.True(t, ok)

	// Replaying the same extension loses the expires_at guard.
	ok, err = ExtendCluster(ctx, db, id, previous, next)
	require.NoError(t, err)
	assert.False(t, ok)

	row, err := GetCluster(ctx, db, id)
	require.NoError(t, err)
	assert.Equal(t, next, row.ExpiresAt.UTC())
	assert.Equal(t, 1, row.LifetimeExtensionCount)
}

func mkJob(t *testing.T, db *sql.DB, identifier string, endDate *time.Time) int64 {
	t.Helper()
	id, err := CreateSparkJob(context.Background(), db, SparkJobRow{
		Identifier:       identifier,
		NotebookS3Key:    "jobs/" + identifier + "/nb.ipynb",
		ResultVisibility: VisibilityPrivate,
		Size:             1,
		IntervalInHours:  IntervalDaily,
		JobTimeoutHours:  8,
		IsEnabled:        true,
		EMRRelease:       "emr-6.10.0",
		CreatedBy:        "analyst@example.com",
		StartDate:        ts(t, "2024-06-01T00:00:00Z"),
		EndDate:          endDate,
	})
	require.NoError(t, err)
	return id
}

func TestSparkJobExpiry(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	endDate := ts(t, "2024-06-30T00:00:00Z")
	endedID := mkJob(t, db, "ended", &endDate)
	mkJob(t, db, "open-ended", nil)

	now := ts(t, "2024-06-30T00:01:00Z")
	jobs, err := EndedSparkJobs(ctx, db, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, endedID, jobs[0].ID)

	ok, err := MarkSparkJobExpired(ctx, db, endedID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = MarkSparkJobExpired(ctx, db, endedID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	jobs, err = EndedSparkJobs(ctx, db, now)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	unnotified, err := ExpiredUnnotifiedSparkJobs(ctx, db)
	require.NoError(t, err)
	require.Len(t, unnotified, 1)

	ok, err = ClaimExpiredMail(ctx, db, endedID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ClaimExpiredMail(ctx, db, endedID)
	require.NoError(t, err)
	assert.False(t, ok)

	unnotified, err = ExpiredUnnotifiedSparkJobs(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, unnotified)
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	jobID := mkJob(t, db, "runner", nil)

	t.Run("LatestRunOrdering", func(t *testing.T) {
		first := ts(t, "2024-06-01T00:00:00Z")
		second := ts(t, "2024-06-02T00:00:00Z")
		_, err := CreateRun(ctx, db, SparkJobRunRow{
			SparkJobID: jobID, JobflowID: "j-r1", EMRReleaseVersion: "emr-6.10.0",
			Status: cloud.StateTerminated, CreatedAt: first, ScheduledAt: &first,
		})
		require.NoError(t, err)
		latestID, err := CreateRun(ctx, db, SparkJobRunRow{
			SparkJobID: jobID, JobflowID: "j-r2", EMRReleaseVersion: "emr-6.10.0",
			Status: cloud.StateRunning, CreatedAt: second, ScheduledAt: &second,
		})
		require.NoError(t, err)

		latest, err := LatestRun(ctx, db, jobID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, latestID, latest.ID)
		assert.Equal(t, "j-r2", latest.JobflowID)
	})

	t.Run("ActiveRunsAndOldestCreation", func(t *testing.T) {
		runs, err := ActiveRuns(ctx, db)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "j-r2", runs[0].JobflowID)

		oldest, ok, err := OldestActiveRunCreation(ctx, db)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, ts(t, "2024-06-02T00:00:00Z"), oldest.UTC())
	})

	t.Run("UpdateRunStatusAbsorbing", func(t *testing.T) {
		latest, err := LatestRun(ctx, db, jobID)
		require.NoError(t, err)

		finishedAt := ts(t, "2024-06-02T03:00:00Z")
		ok, err := UpdateRunStatus(ctx, db, latest.ID, cloud.StateTerminated, nil, nil, &finishedAt)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = UpdateRunStatus(ctx, db, latest.ID, cloud.StateRunning, nil, nil, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		run, err := GetRun(ctx, db, latest.ID)
		require.NoError(t, err)
		assert.Equal(t, cloud.StateTerminated, run.Status)
		require.NotNil(t, run.FinishedAt)
		assert.Equal(t, finishedAt, run.FinishedAt.UTC())
	})

	t.Run("NoActiveRunsLeft", func(t *testing.T) {
		_, ok, err := OldestActiveRunCreation(ctx, db)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDeleteSparkJob_CascadesRunsAndAlerts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	// The release catalog reference is enforced.
	_, err := CreateCluster(ctx, db, ClusterRow{
		Identifier: "bad-release", Size: 1, LifetimeHours: 1,
		EMRRelease: "emr-0.0.0", CreatedBy: "o@example.com",
	})
	require.Error(t, err)

	jobID := mkJob(t, db, "cascading", nil)
	scheduledAt := ts(t, "2024-06-01T00:00:00Z")
	runID, err := CreateRun(ctx, db, SparkJobRunRow{
		SparkJobID: jobID, JobflowID: "j-casc", EMRReleaseVersion: "emr-6.10.0",
		Status: cloud.StateTerminatedWithErrors, CreatedAt: scheduledAt, ScheduledAt: &scheduledAt,
	})
	require.NoError(t, err)
	require.NoError(t, CreateRunAlert(ctx, db, runID, "STEP_FAILURE", "step 1 failed"))

	require.NoError(t, DeleteSparkJob(ctx, db, jobID))

	run, err := GetRun(ctx, db, runID)
	require.NoError(t, err)
	assert.Nil(t, run)

	alert, err := GetRunAlert(ctx, db, runID)
	require.NoError(t, err)
	assert.Nil(t, alert)
}

func TestRunAlerts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	jobID := mkJob(t, db, "alerting", nil)

	scheduledAt := ts(t, "2024-06-01T00:00:00Z")
	runID, err := CreateRun(ctx, db, SparkJobRunRow{
		SparkJobID: jobID, JobflowID: "j-alert", EMRReleaseVersion: "emr-6.10.0",
		Status: cloud.StateTerminatedWithErrors, CreatedAt: scheduledAt, ScheduledAt: &scheduledAt,
	})
	require.NoError(t, err)

	require.NoError(t, CreateRunAlert(ctx, db, runID, "BOOTSTRAP_FAILURE", "bootstrap failed"))
	// The unique run_id constraint absorbs repeated observations.
	require.NoError(t, CreateRunAlert(ctx, db, runID, "BOOTSTRAP_FAILURE", "bootstrap failed again"))

	alert, err := GetRunAlert(ctx, db, runID)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, "bootstrap failed", alert.ReasonMessage)

	unsent, err := UnsentRunAlerts(ctx, db, cloud.FailedReasonCodes)
	require.NoError(t, err)
	require.Len(t, unsent, 1)

	// Unrecognized reason codes never surface.
	unsent, err = UnsentRunAlerts(ctx, db, []string{"USER_REQUEST"})
	require.NoError(t, err)
	assert.Empty(t, unsent)

	sentAt := ts(t, "2024-06-01T02:00:00Z")
	ok, err := ClaimAlertMail(ctx, db, alert.ID, sentAt)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ClaimAlertMail(ctx, db, alert.ID, sentAt.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	unsent, err = UnsentRunAlerts(ctx, db, cloud.FailedReasonCodes)
	require.NoError(t, err)
	assert.Empty(t, unsent)
}

func TestReleases(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	require.NoError(t, UpsertRelease(ctx, db, EMRRelease{
		Version: "emr-6.10.0", IsActive: true,
	}))
	require.NoError(t, UpsertRelease(ctx, db, EMRRelease{
		Version: "emr-6.11.0", IsActive: true, IsExperimental: true,
	}))
	require.NoError(t, UpsertRelease(ctx, db, EMRRelease{
		Version: "emr-5.36.0", IsActive: false, IsDeprecated: true,
	}))

	active, err := ActiveReleases(ctx, db)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	stable, err := StableReleases(ctx, db)
	require.NoError(t, err)
	require.Len(t, stable, 1)
	assert.Equal(t, "emr-6.10.0", stable[0].Version)

	// Upsert flips flags in place.
	require.NoError(t, UpsertRelease(ctx, db, EMRRelease{
		Version: "emr-6.11.0", IsActive: true,
	}))
	stable, err = StableReleases(ctx, db)
	require.NoError(t, err)
	assert.Len(t, stable, 2)

	rel, err := GetRelease(ctx, db, "emr-5.36.0")
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.True(t, rel.IsDeprecated)
}

func TestRuntimeConfig(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	cfg, err := GetRuntimeConfig(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, DefaultRuntimeConfig, cfg)

	want := RuntimeConfig{
		UseSpotInstances: false,
		SpotBidCore:      "1.20",
		EFSDNS:           "fs-abc.efs.us-west-2.amazonaws.com",
	}
	require.NoError(t, SetRuntimeConfig(ctx, db, want))

	got, err := GetRuntimeConfig(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	id := mkJob(t, db, "txn-job", nil)

	err := WithTx(ctx, db, func(tx *sql.Tx) error {
		ok, err := ClaimExpiredMail(ctx, tx, id)
		require.NoError(t, err)
		require.False(t, ok) // not expired, nothing to claim
		_, err = MarkSparkJobExpired(ctx, tx, id, time.Now().UTC())
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	job, err := GetSparkJob(ctx, db, id)
	require.NoError(t, err)
	assert.Nil(t, job.ExpiredDate)
}
