package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/sparkfleet/pkg/cloud"
	"github.com/3leaps/sparkfleet/pkg/scheduler"
)

// Task names. TaskRunJob is defined by the scheduler package because
// per-job schedule entries reference it.
const (
	TaskDeactivateExpiredClusters = "clusters.deactivate_expired"
	TaskSendExpirationMails       = "clusters.send_expiration_mails"
	TaskUpdateClusters            = "clusters.update_clusters"
	TaskUpdateMasterAddress       = "clusters.update_master_address"
	TaskRunJob                    = scheduler.TaskRunJob
	TaskExpireJobs                = "jobs.expire_jobs"
	TaskUpdateJobRuns             = "jobs.update_job_runs"
	TaskSendExpiredMails          = "jobs.send_expired_mails"
	TaskSendRunAlertMails         = "jobs.send_run_alert_mails"
)

// minuteTaskExpiry discards minute-cadence tasks that queued past their
// usefulness; the next tick covers them.
const minuteTaskExpiry = 40 * time.Second

// RegisterTasks installs every reconciler on the scheduler with its
// cadence, time limits and retry policy.
func (c *Controller) RegisterTasks(s *scheduler.Scheduler) {
	s.Register(TaskDeactivateExpiredClusters, scheduler.TaskSpec{
		Handler:   c.countTask("deactivate expired clusters", c.DeactivateExpiredClusters),
		SoftLimit: time.Minute,
		Expires:   minuteTaskExpiry,
	})
	s.Register(TaskSendExpirationMails, scheduler.TaskSpec{
		Handler:   c.countTask("send expiration mails", c.SendExpirationMails),
		SoftLimit: time.Minute,
	})
	s.Register(TaskUpdateClusters, scheduler.TaskSpec{
		Handler:    c.countTask("update clusters", c.UpdateClusters),
		SoftLimit:  5 * time.Minute,
		MaxRetries: 7,
		RetryIf:    cloud.IsTransient,
	})
	s.Register(TaskUpdateMasterAddress, scheduler.TaskSpec{
		Handler:    c.masterAddressHandler,
		SoftLimit:  time.Minute,
		MaxRetries: 3,
		RetryIf:    cloud.IsTransient,
	})
	s.Register(TaskRunJob, scheduler.TaskSpec{
		Handler:    c.runJobHandler,
		SoftLimit:  5 * time.Minute,
		MaxRetries: 3,
		RetryIf:    cloud.IsTransient,
	})
	s.Register(TaskExpireJobs, scheduler.TaskSpec{
		Handler:   c.countTask("expire jobs", c.ExpireJobs),
		SoftLimit: time.Minute,
		Expires:   minuteTaskExpiry,
	})
	s.Register(TaskUpdateJobRuns, scheduler.TaskSpec{
		Handler:    c.countTask("update job runs", c.UpdateJobRuns),
		SoftLimit:  5 * time.Minute,
		MaxRetries: 7,
		RetryIf:    cloud.IsTransient,
	})
	s.Register(TaskSendExpiredMails, scheduler.TaskSpec{
		Handler:   c.countTask("send expired mails", c.SendExpiredMails),
		SoftLimit: time.Minute,
		Expires:   minuteTaskExpiry,
	})
	s.Register(TaskSendRunAlertMails, scheduler.TaskSpec{
		Handler:   c.countTask("send run alert mails", c.SendRunAlertMails),
		SoftLimit: time.Minute,
		Expires:   minuteTaskExpiry,
	})

	s.Periodic("@every 1m", TaskDeactivateExpiredClusters)
	s.Periodic("@every 1m", TaskExpireJobs)
	s.Periodic("@every 1m", TaskSendRunAlertMails)
	s.Periodic("@every 1m", TaskSendExpiredMails)
	s.Periodic("@every 5m", TaskSendExpirationMails)
	s.Periodic("@every 5m", TaskUpdateClusters)
	s.Periodic("@every 15m", TaskUpdateJobRuns)
}

// countTask adapts a batch reconciler to a task handler, logging how
// many rows it touched.
func (c *Controller) countTask(name string, fn func(context.Context) (int, error)) scheduler.Handler {
	return func(ctx context.Context, _ []int64) (scheduler.Result, error) {
		n, err := fn(ctx)
		if err != nil {
			return scheduler.Result{}, err
		}
		if n > 0 {
			c.logger.Info(name, zap.Int("rows", n))
		}
		return scheduler.Result{}, nil
	}
}

func (c *Controller) runJobHandler(ctx context.Context, args []int64) (scheduler.Result, error) {
	if len(args) != 1 {
		return scheduler.Result{}, fmt.Errorf("run job task wants 1 arg, got %d", len(args))
	}
	retryAfter, err := c.RunJob(ctx, args[0])
	if err != nil {
		if IsPrecondition(err) {
			c.logger.Debug("run job precondition not met",
				zap.Int64("job_id", args[0]), zap.Error(err))
			return scheduler.Result{}, nil
		}
		return scheduler.Result{}, err
	}
	return scheduler.Result{RetryAfter: retryAfter}, nil
}

func (c *Controller) masterAddressHandler(ctx context.Context, args []int64) (scheduler.Result, error) {
	if len(args) != 1 {
		return scheduler.Result{}, fmt.Errorf("master address task wants 1 arg, got %d", len(args))
	}
	if err := c.UpdateMasterAddress(ctx, args[0]); err != nil {
		if IsPrecondition(err) {
			return scheduler.Result{}, nil
		}
		return scheduler.Result{}, err
	}
	return scheduler.Result{}, nil
}
