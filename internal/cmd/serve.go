package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/sparkfleet/internal/server"
	"github.com/3leaps/sparkfleet/internal/server/handlers"
	"github.com/3leaps/sparkfleet/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller: reconcilers, scheduler and health server",
	Long: `Run the controller process. It hosts the task worker pool, the beat
loop that fires schedule entries, and the operational HTTP server with
health and version endpoints.

Multiple instances may run against the same store; the beat lock
ensures only one of them enqueues scheduled work at a time.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("workers", 0, "Task worker pool size (default from config)")
}

// storeHealthChecker probes the state store.
type storeHealthChecker struct {
	db *sql.DB
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.db == nil {
		return errors.New("store not initialized")
	}
	return c.db.PingContext(ctx)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, true)
	if err != nil {
		return err
	}
	defer d.Close()
	logger := d.logger

	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = d.cfg.Workers
	}

	holder, _ := os.Hostname()
	if holder == "" {
		holder = uuid.NewString()
	} else {
		holder = fmt.Sprintf("%s-%d", holder, os.Getpid())
	}

	sched := scheduler.New(d.db, logger.Named("scheduler"), holder)
	d.controller.RegisterTasks(sched)
	d.controller.SetEnqueuer(func(task string, args []int64) {
		sched.Enqueue(scheduler.Task{Name: task, Args: args})
	})

	handlers.InitHealthManager(versionInfo.Version)
	handlers.GetHealthManager().RegisterChecker("store", storeHealthChecker{db: d.db})
	handlers.GetHealthManager().RegisterChecker("beat", sched)

	srv := server.New(d.cfg.Server.Host, d.cfg.Server.Port)
	srv.SetVersion(server.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
	})

	errCh := make(chan error, 2)
	if d.cfg.Health.Enabled {
		go func() {
			errCh <- srv.Start(ctx, d.cfg.Server.ShutdownTimeout)
		}()
	}
	go func() {
		errCh <- sched.Run(ctx, workers)
	}()

	logger.Info("sparkfleet serving",
		zap.String("holder", holder),
		zap.Int("workers", workers),
		zap.String("addr", fmt.Sprintf("%s:%d", d.cfg.Server.Host, d.cfg.Server.Port)))

	err = <-errCh
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
