package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/sparkfleet/pkg/artifact"
	"github.com/3leaps/sparkfleet/pkg/cloud"
	"github.com/3leaps/sparkfleet/pkg/mail"
	"github.com/3leaps/sparkfleet/pkg/scheduler"
	"github.com/3leaps/sparkfleet/pkg/store"
)

// runRecheckInterval is how long RunJob waits before re-checking a run
// that is still provisioning.
const runRecheckInterval = 10 * time.Minute

// Runnability predicates, pure functions of the job row and its latest
// run.

func hasNeverRun(latest *store.SparkJobRunRow) bool {
	return latest == nil || latest.Status == "" || latest.ScheduledAt == nil
}

func hasFinished(latest *store.SparkJobRunRow) bool {
	return latest != nil && latest.IsTerminal()
}

func isRunnable(latest *store.SparkJobRunRow) bool {
	return hasNeverRun(latest) || hasFinished(latest)
}

func isDue(latest *store.SparkJobRunRow, intervalHours int, now time.Time) bool {
	if latest == nil || latest.ScheduledAt == nil {
		return true
	}
	return now.Sub(*latest.ScheduledAt) >= time.Duration(intervalHours)*time.Hour
}

func inWindow(job *store.SparkJobRow, now time.Time) bool {
	if now.Before(job.StartDate) {
		return false
	}
	return job.EndDate == nil || now.Before(*job.EndDate)
}

func hasTimedOut(job *store.SparkJobRow, latest *store.SparkJobRunRow, now time.Time) bool {
	if latest == nil || isRunnable(latest) || latest.ScheduledAt == nil {
		return false
	}
	// A run already winding down is not timed out; it just needs time.
	if latest.Status == cloud.StateTerminating {
		return false
	}
	deadline := latest.ScheduledAt.Add(time.Duration(job.JobTimeoutHours) * time.Hour)
	return !now.Before(deadline)
}

// RunJob is the hot path fired by a job's schedule entry. It refreshes
// the latest run from the provider, then either provisions a new run,
// expires the job past its end date, terminates a timed-out run, or
// asks to be re-checked shortly.
//
// The returned duration, when positive, requests a task re-enqueue
// after that delay.
func (c *Controller) RunJob(ctx context.Context, jobID int64) (time.Duration, error) {
	now := c.now()

	job, err := store.GetSparkJob(ctx, c.db, jobID)
	if err != nil {
		return 0, err
	}
	if job == nil {
		return 0, fmt.Errorf("%w: id %d", ErrJobNotFound, jobID)
	}

	latest, err := store.LatestRun(ctx, c.db, jobID)
	if err != nil {
		return 0, err
	}
	if latest != nil {
		if _, err := c.UpdateRunStatus(ctx, latest, nil); err != nil {
			return 0, err
		}
		if latest, err = store.LatestRun(ctx, c.db, jobID); err != nil {
			return 0, err
		}
	}

	if !job.IsEnabled {
		return 0, fmt.Errorf("%w: %s", ErrJobNotEnabled, job.Identifier)
	}

	if isRunnable(latest) {
		switch {
		case isDue(latest, job.IntervalInHours, now) && inWindow(job, now):
			firstRun := hasNeverRun(latest)
			if err := c.provisionRun(ctx, job, now); err != nil {
				return 0, err
			}
			if firstRun {
				// Pin the entry to start_date so a stale anchor does
				// not re-fire immediately after the first launch.
				if err := scheduler.ResetLastRun(ctx, c.db, scheduler.JobEntryName(job.ID), job.StartDate); err != nil {
					return 0, err
				}
			}
			return 0, nil
		case job.EndDate != nil && !now.Before(*job.EndDate):
			return 0, c.unscheduleAndExpire(ctx, job.ID, now)
		default:
			// Fired early (before start_date or ahead of the interval);
			// the next schedule tick re-evaluates.
			return 0, nil
		}
	}

	// A run is in flight.
	if hasTimedOut(job, latest, now) {
		return 0, c.terminateTimedOutRun(ctx, job, latest)
	}
	return runRecheckInterval, nil
}

// provisionRun starts a cluster for one job run and records the run row
// with the release version snapshotted from the job.
func (c *Controller) provisionRun(ctx context.Context, job *store.SparkJobRow, now time.Time) error {
	jobflowID, err := c.provider.Start(ctx, cloud.LaunchSpec{
		Username:        job.CreatedBy,
		Email:           job.CreatedBy,
		Identifier:      job.Identifier,
		EMRRelease:      job.EMRRelease,
		Size:            job.Size,
		NotebookKey:     job.NotebookS3Key,
		IsNotebookRun:   true,
		PublicResults:   job.IsPublic(),
		JobTimeoutHours: job.JobTimeoutHours,
	})
	if err != nil {
		return fmt.Errorf("start run for job %s: %w", job.Identifier, err)
	}

	scheduledAt := now
	runID, err := store.CreateRun(ctx, c.db, store.SparkJobRunRow{
		SparkJobID:        job.ID,
		JobflowID:         jobflowID,
		EMRReleaseVersion: job.EMRRelease,
		CreatedAt:         now,
		ScheduledAt:       &scheduledAt,
	})
	if err != nil {
		return err
	}

	// Capture the initial state; a just-started cluster may not be
	// describable yet.
	run, err := store.GetRun(ctx, c.db, runID)
	if err != nil {
		return err
	}
	if _, err := c.UpdateRunStatus(ctx, run, nil); err != nil {
		c.logger.Warn("seed run status",
			zap.Int64("run_id", runID),
			zap.String("jobflow_id", jobflowID),
			zap.Error(err))
	}
	return nil
}

// terminateTimedOutRun stops the run's cluster and notifies the owner.
// The schedule entry stays: the job runs again at its next interval.
func (c *Controller) terminateTimedOutRun(ctx context.Context, job *store.SparkJobRow, latest *store.SparkJobRunRow) error {
	if err := c.provider.Stop(ctx, latest.JobflowID); err != nil {
		return fmt.Errorf("stop timed-out run %d: %w", latest.ID, err)
	}
	msg, err := mail.JobTimeout(job.CreatedBy, c.alertCC, job.Identifier, *latest.ScheduledAt, job.JobTimeoutHours)
	if err != nil {
		return err
	}
	if err := c.notifier.Send(ctx, msg); err != nil {
		return fmt.Errorf("send timeout mail for job %d: %w", job.ID, err)
	}
	return nil
}

// unscheduleAndExpire marks the job expired and drops its schedule entry
// in one transaction. SendExpiredMails notifies the owner afterwards.
func (c *Controller) unscheduleAndExpire(ctx context.Context, jobID int64, now time.Time) error {
	return store.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		claimed, err := store.MarkSparkJobExpired(ctx, tx, jobID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		_, err = scheduler.DeleteEntry(ctx, tx, scheduler.JobEntryName(jobID))
		return err
	})
}

// ExpireJobs unschedules every job whose end date has passed. Repeated
// passes are no-ops. Returns the number of jobs expired.
func (c *Controller) ExpireJobs(ctx context.Context) (int, error) {
	now := c.now()
	jobs, err := store.EndedSparkJobs(ctx, c.db, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, job := range jobs {
		if err := c.unscheduleAndExpire(ctx, job.ID, now); err != nil {
			c.logger.Error("expire job",
				zap.Int64("job_id", job.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// SendExpiredMails confirms to owners that their job reached its end
// date and was unscheduled. The expired_mail_sent latch is claimed in
// the send transaction, so each job is notified at most once.
func (c *Controller) SendExpiredMails(ctx context.Context) (int, error) {
	jobs, err := store.ExpiredUnnotifiedSparkJobs(ctx, c.db)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, job := range jobs {
		job := job
		err := store.WithTx(ctx, c.db, func(tx *sql.Tx) error {
			claimed, err := store.ClaimExpiredMail(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			if !claimed {
				return nil
			}
			msg, err := mail.JobExpired(job.CreatedBy, c.alertCC, job.Identifier, job.EndDate)
			if err != nil {
				return err
			}
			if err := c.notifier.Send(ctx, msg); err != nil {
				return fmt.Errorf("send expired mail for job %d: %w", job.ID, err)
			}
			sent++
			return nil
		})
		if err != nil {
			c.logger.Error("expired mail",
				zap.Int64("job_id", job.ID), zap.Error(err))
		}
	}
	return sent, nil
}

// SendRunAlertMails notifies owners of runs that terminated with a
// recognized failure reason. mail_sent_date is claimed in the send
// transaction for at-most-once delivery.
func (c *Controller) SendRunAlertMails(ctx context.Context) (int, error) {
	alerts, err := store.UnsentRunAlerts(ctx, c.db, cloud.FailedReasonCodes)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, alert := range alerts {
		alert := alert
		run, err := store.GetRun(ctx, c.db, alert.RunID)
		if err != nil || run == nil {
			c.logger.Error("load run for alert",
				zap.Int64("alert_id", alert.ID), zap.Error(err))
			continue
		}
		job, err := store.GetSparkJob(ctx, c.db, run.SparkJobID)
		if err != nil || job == nil {
			c.logger.Error("load job for alert",
				zap.Int64("alert_id", alert.ID), zap.Error(err))
			continue
		}

		err = store.WithTx(ctx, c.db, func(tx *sql.Tx) error {
			claimed, err := store.ClaimAlertMail(ctx, tx, alert.ID, c.now())
			if err != nil {
				return err
			}
			if !claimed {
				return nil
			}
			msg, err := mail.JobFailed(job.CreatedBy, c.alertCC, job.Identifier, alert.ReasonCode, alert.ReasonMessage)
			if err != nil {
				return err
			}
			if err := c.notifier.Send(ctx, msg); err != nil {
				return fmt.Errorf("send alert mail for run %d: %w", run.ID, err)
			}
			sent++
			return nil
		})
		if err != nil {
			c.logger.Error("run alert mail",
				zap.Int64("alert_id", alert.ID), zap.Error(err))
		}
	}
	return sent, nil
}

// JobRequest is the validated user intent for a new scheduled job.
// CreatedBy is the owner's email; Notebook is the raw notebook upload.
type JobRequest struct {
	Identifier       string
	Description      string
	Notebook         []byte
	NotebookName     string
	ResultVisibility string
	Size             int
	IntervalInHours  int
	JobTimeoutHours  int
	IsEnabled        bool
	EMRRelease       string
	CreatedBy        string
	StartDate        time.Time
	EndDate          *time.Time
}

// CreateJob uploads the notebook, records the job definition and
// registers its schedule entry anchored at start_date.
func (c *Controller) CreateJob(ctx context.Context, req JobRequest) (int64, error) {
	if c.notebooks == nil {
		return 0, errors.New("notebook store not configured")
	}

	key := artifact.NotebookKey(req.Identifier, req.NotebookName)
	if err := c.notebooks.Put(ctx, key, req.Notebook); err != nil {
		return 0, fmt.Errorf("upload notebook for %s: %w", req.Identifier, err)
	}

	id, err := store.CreateSparkJob(ctx, c.db, store.SparkJobRow{
		Identifier:       req.Identifier,
		Description:      req.Description,
		NotebookS3Key:    key,
		ResultVisibility: req.ResultVisibility,
		Size:             req.Size,
		IntervalInHours:  req.IntervalInHours,
		JobTimeoutHours:  req.JobTimeoutHours,
		IsEnabled:        req.IsEnabled,
		EMRRelease:       req.EMRRelease,
		CreatedBy:        req.CreatedBy,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
	})
	if err != nil {
		return 0, err
	}

	interval := time.Duration(req.IntervalInHours) * time.Hour
	if err := scheduler.AddEntry(ctx, c.db, scheduler.JobEntry(id, interval, req.StartDate)); err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteJob removes a job: any in-flight run is stopped, the schedule
// entry and the notebook go away, and the row delete cascades to runs
// and alerts.
func (c *Controller) DeleteJob(ctx context.Context, jobID int64) error {
	job, err := store.GetSparkJob(ctx, c.db, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("%w: id %d", ErrJobNotFound, jobID)
	}

	latest, err := store.LatestRun(ctx, c.db, jobID)
	if err != nil {
		return err
	}
	if latest != nil && !latest.IsTerminal() && latest.JobflowID != "" {
		if err := c.provider.Stop(ctx, latest.JobflowID); err != nil {
			return fmt.Errorf("stop run for deleted job %d: %w", jobID, err)
		}
	}

	if _, err := scheduler.DeleteEntry(ctx, c.db, scheduler.JobEntryName(jobID)); err != nil {
		return err
	}
	if c.notebooks != nil && job.NotebookS3Key != "" {
		if err := c.notebooks.Delete(ctx, job.NotebookS3Key); err != nil && !errors.Is(err, artifact.ErrNotFound) {
			return fmt.Errorf("delete notebook for job %d: %w", jobID, err)
		}
	}
	return store.DeleteSparkJob(ctx, c.db, jobID)
}

// JobResults lists a job's result keys grouped by run prefix, reading
// the public or private bucket per the job's result visibility.
func (c *Controller) JobResults(ctx context.Context, jobID int64) (map[string][]string, error) {
	job, err := store.GetSparkJob(ctx, c.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: id %d", ErrJobNotFound, jobID)
	}

	bucket := c.privateData
	if job.IsPublic() {
		bucket = c.publicData
	}
	if bucket == nil {
		return nil, errors.New("result store not configured")
	}
	return artifact.Results(ctx, bucket, job.Identifier)
}
