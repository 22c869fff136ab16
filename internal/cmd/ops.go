package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/sparkfleet/pkg/lifecycle"
	"github.com/3leaps/sparkfleet/pkg/scheduler"
)

// The one-shot commands run a single reconciler pass with the same
// wiring the serve process uses. They exist for operations and for
// debugging a stuck reconciler without restarting serve.

func init() {
	rootCmd.AddCommand(
		countCommand("deactivate-clusters", "Terminate clusters past their lease",
			func(c *lifecycle.Controller) func(context.Context) (int, error) {
				return c.DeactivateExpiredClusters
			}),
		countCommand("update-clusters", "Mirror provider state for active clusters",
			func(c *lifecycle.Controller) func(context.Context) (int, error) {
				return c.UpdateClusters
			}),
		countCommand("update-job-runs", "Refresh in-flight run statuses from the provider",
			func(c *lifecycle.Controller) func(context.Context) (int, error) {
				return c.UpdateJobRuns
			}),
		countCommand("expire-jobs", "Unschedule jobs whose end date has passed",
			func(c *lifecycle.Controller) func(context.Context) (int, error) {
				return c.ExpireJobs
			}),
		countCommand("send-expiration-mails", "Warn owners of clusters expiring within the hour",
			func(c *lifecycle.Controller) func(context.Context) (int, error) {
				return c.SendExpirationMails
			}),
		countCommand("send-expired-mails", "Notify owners of jobs that have reached their end date",
			func(c *lifecycle.Controller) func(context.Context) (int, error) {
				return c.SendExpiredMails
			}),
		countCommand("send-run-alert-mails", "Notify owners of failed job runs",
			func(c *lifecycle.Controller) func(context.Context) (int, error) {
				return c.SendRunAlertMails
			}),
	)
	rootCmd.AddCommand(launchJobsCmd, runJobCmd, launchClusterCmd, extendClusterCmd)
}

// countCommand wraps a count-returning reconciler pass.
func countCommand(use, short string, pick func(*lifecycle.Controller) func(context.Context) (int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := openDeps(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer d.Close()

			n, err := pick(d.controller)(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("%s: %d rows affected\n", use, n)
			return nil
		},
	}
}

var launchJobsCmd = &cobra.Command{
	Use:   "launch-jobs",
	Short: "Run every job whose schedule entry is due",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		d, err := openDeps(ctx, false)
		if err != nil {
			return err
		}
		defer d.Close()

		entries, err := scheduler.DueEntries(ctx, d.db, time.Now().UTC())
		if err != nil {
			return err
		}
		ran := 0
		for _, entry := range entries {
			if entry.TaskName != scheduler.TaskRunJob || len(entry.Args) != 1 {
				continue
			}
			if _, err := d.controller.RunJob(ctx, entry.Args[0]); err != nil {
				if lifecycle.IsPrecondition(err) {
					continue
				}
				cmd.PrintErrf("job %d: %v\n", entry.Args[0], err)
				continue
			}
			if err := scheduler.MarkRun(ctx, d.db, entry.Name, time.Now().UTC()); err != nil {
				return err
			}
			ran++
		}
		cmd.Printf("launch-jobs: %d of %d due entries ran\n", ran, len(entries))
		return nil
	},
}

var runJobCmd = &cobra.Command{
	Use:   "run-job <job-id>",
	Short: "Evaluate one job's schedule immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return err
		}
		d, err := openDeps(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer d.Close()

		retryAfter, err := d.controller.RunJob(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		if retryAfter > 0 {
			cmd.Printf("job %d still in flight, recheck in %s\n", jobID, retryAfter)
		} else {
			cmd.Printf("job %d evaluated\n", jobID)
		}
		return nil
	},
}

var launchClusterCmd = &cobra.Command{
	Use:   "launch-cluster",
	Short: "Launch an on-demand cluster with a bounded lease",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := openDeps(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer d.Close()

		identifier, _ := cmd.Flags().GetString("identifier")
		size, _ := cmd.Flags().GetInt("size")
		lifetime, _ := cmd.Flags().GetInt("lifetime")
		sshKey, _ := cmd.Flags().GetString("ssh-key")
		release, _ := cmd.Flags().GetString("emr-release")
		owner, _ := cmd.Flags().GetString("owner")
		if !strings.Contains(owner, "@") {
			return fmt.Errorf("--owner must be an email address, got %q", owner)
		}

		id, err := d.controller.LaunchCluster(cmd.Context(), lifecycle.ClusterRequest{
			Identifier:    identifier,
			Size:          size,
			LifetimeHours: lifetime,
			SSHKey:        sshKey,
			EMRRelease:    release,
			CreatedBy:     owner,
		})
		if err != nil {
			return err
		}
		cmd.Printf("cluster %d launched\n", id)
		return nil
	},
}

var extendClusterCmd = &cobra.Command{
	Use:   "extend-cluster <cluster-id> <hours>",
	Short: "Extend an active cluster's lease",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return err
		}
		hours, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		d, err := openDeps(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.controller.ExtendCluster(cmd.Context(), id, hours); err != nil {
			return err
		}
		cmd.Printf("cluster %d extended by %d hours\n", id, hours)
		return nil
	},
}

func init() {
	launchClusterCmd.Flags().String("identifier", "", "Cluster name (random when empty)")
	launchClusterCmd.Flags().Int("size", 1, "Worker instance count")
	launchClusterCmd.Flags().Int("lifetime", 8, "Lease lifetime in hours")
	launchClusterCmd.Flags().String("ssh-key", "", "Public SSH key granted access to the master")
	launchClusterCmd.Flags().String("emr-release", "", "Cluster runtime release version")
	launchClusterCmd.Flags().String("owner", "", "Owner email address (required)")
	_ = launchClusterCmd.MarkFlagRequired("owner")
}
