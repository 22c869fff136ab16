package lifecycle

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/sparkfleet/pkg/cloud"
	"github.com/3leaps/sparkfleet/pkg/store"
)

// UpdateRunStatus mirrors the provider-observed state onto a run row.
// The caller may pass an already-fetched description to avoid a
// redundant Describe. A not-found from the provider leaves the row as
// is: freshly started clusters can lag a poll cycle.
//
// A transition into a failed terminal state with a recognized reason
// records a RunAlert in the same transaction, so the alert exists
// exactly when the failure is first observed.
func (c *Controller) UpdateRunStatus(ctx context.Context, run *store.SparkJobRunRow, info *cloud.ClusterInfo) (cloud.State, error) {
	if run.JobflowID == "" {
		return run.Status, nil
	}
	if info == nil {
		described, err := c.describe(ctx, run.JobflowID)
		if err != nil {
			if cloud.IsNotFound(err) {
				return run.Status, nil
			}
			return run.Status, err
		}
		info = described
	}
	if info.State == run.Status {
		return run.Status, nil
	}

	now := c.now()
	var startedAt, readyAt, finishedAt *time.Time
	if info.State == cloud.StateRunning && run.StartedAt == nil {
		startedAt = &now
	}
	if info.ReadyTime != nil && run.ReadyAt == nil {
		readyAt = info.ReadyTime
	}
	if info.State.IsTerminal() && run.FinishedAt == nil {
		finishedAt = &now
	}

	err := store.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		if _, err := store.UpdateRunStatus(ctx, tx, run.ID, info.State, startedAt, readyAt, finishedAt); err != nil {
			return err
		}
		if info.State == cloud.StateTerminatedWithErrors && info.ReasonCode != "" {
			return store.CreateRunAlert(ctx, tx, run.ID, info.ReasonCode, info.ReasonMessage)
		}
		return nil
	})
	if err != nil {
		return run.Status, err
	}
	return info.State, nil
}

// UpdateJobRuns mirrors provider state onto every non-terminal run with
// a single list call bounded by the oldest active run's creation day.
// Runs absent from the listing are left untouched.
func (c *Controller) UpdateJobRuns(ctx context.Context) (int, error) {
	oldest, ok, err := store.OldestActiveRunCreation(ctx, c.db)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	infos, err := c.listCreatedAfter(ctx, floorToDay(oldest))
	if err != nil {
		return 0, err
	}
	byJobflow := make(map[string]cloud.ClusterInfo, len(infos))
	for _, info := range infos {
		byJobflow[info.JobflowID] = info
	}

	runs, err := store.ActiveRuns(ctx, c.db)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range runs {
		info, ok := byJobflow[runs[i].JobflowID]
		if !ok {
			continue
		}
		if _, err := c.UpdateRunStatus(ctx, &runs[i], &info); err != nil {
			c.logger.Error("update run status",
				zap.Int64("run_id", runs[i].ID),
				zap.String("jobflow_id", runs[i].JobflowID),
				zap.Error(err))
			continue
		}
		updated++
	}
	return updated, nil
}
