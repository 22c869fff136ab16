package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Result is the explicit task outcome: a zero value means done, a
// positive RetryAfter asks the runner to re-enqueue the task later.
type Result struct {
	RetryAfter time.Duration
}

// Handler executes a task. Transient failures are retried per the task
// spec; any other error is logged and dropped, leaving the next periodic
// pass to retry from scratch.
type Handler func(ctx context.Context, args []int64) (Result, error)

// TaskSpec describes how a registered task runs.
type TaskSpec struct {
	Handler Handler

	// SoftLimit bounds one execution via context deadline. The hard
	// limit is fixed at twice the soft limit and only logs; tasks have
	// no cooperative cancellation beyond their context.
	SoftLimit time.Duration

	// Expires discards a task that waited in the queue past its
	// usefulness. Zero never discards.
	Expires time.Duration

	// MaxRetries bounds the per-invocation transient autoretry.
	MaxRetries uint

	// RetryIf classifies retryable errors. Nil disables autoretry.
	RetryIf func(error) bool
}

// Task is one queued invocation.
type Task struct {
	Name       string
	Args       []int64
	EnqueuedAt time.Time
}

type periodic struct {
	spec     string
	taskName string
}

// Scheduler combines the beat loop, the task queue and the worker pool.
type Scheduler struct {
	db     *sql.DB
	logger *zap.Logger

	mu        sync.Mutex
	specs     map[string]TaskSpec
	periodics []periodic
	lockHeld  bool

	holder string
	queue  chan Task
	wg     sync.WaitGroup
}

const (
	defaultSoftLimit = time.Minute
	queueDepth       = 256
	beatPoll         = 5 * time.Second
)

func New(db *sql.DB, logger *zap.Logger, holder string) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		db:     db,
		logger: logger,
		specs:  make(map[string]TaskSpec),
		holder: holder,
		queue:  make(chan Task, queueDepth),
	}
}

// Register installs a task handler under a name.
func (s *Scheduler) Register(name string, spec TaskSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec.SoftLimit <= 0 {
		spec.SoftLimit = defaultSoftLimit
	}
	s.specs[name] = spec
}

// Periodic schedules a registered task on a fixed cadence, e.g.
// "@every 1m". Cadence entries fire only while this instance holds the
// beat lock.
func (s *Scheduler) Periodic(cronSpec, taskName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodics = append(s.periodics, periodic{spec: cronSpec, taskName: taskName})
}

// Enqueue submits a task. A full queue drops the task with a log line;
// the next periodic pass picks the work back up.
func (s *Scheduler) Enqueue(task Task) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	select {
	case s.queue <- task:
	default:
		s.logger.Warn("task queue full, dropping task", zap.String("task", task.Name))
	}
}

// RunOnce executes a registered task synchronously, outside the queue.
// Operational commands use this for one-shot reconciler passes.
func (s *Scheduler) RunOnce(ctx context.Context, name string, args []int64) error {
	s.mu.Lock()
	spec, ok := s.specs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %s", name)
	}
	_, err := s.execute(ctx, name, spec, args)
	return err
}

// Run starts the worker pool and the beat loop and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 2
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	c := cron.New()
	s.mu.Lock()
	for _, p := range s.periodics {
		taskName := p.taskName
		if _, err := c.AddFunc(p.spec, func() {
			if s.holdsLock() {
				s.Enqueue(Task{Name: taskName})
			}
		}); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("register cadence %q: %w", p.spec, err)
		}
	}
	s.mu.Unlock()
	c.Start()
	defer c.Stop()

	err := s.beat(ctx)

	s.wg.Wait()
	return err
}

func (s *Scheduler) holdsLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockHeld
}

func (s *Scheduler) setLockHeld(held bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockHeld = held
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.queue:
			s.dispatch(ctx, task)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task Task) {
	s.mu.Lock()
	spec, ok := s.specs[task.Name]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("dropping task with no handler", zap.String("task", task.Name))
		return
	}

	if spec.Expires > 0 && time.Since(task.EnqueuedAt) > spec.Expires {
		s.logger.Warn("discarding task past its expiry",
			zap.String("task", task.Name),
			zap.Duration("waited", time.Since(task.EnqueuedAt)))
		return
	}

	result, err := s.execute(ctx, task.Name, spec, task.Args)
	if err != nil {
		s.logger.Error("task failed",
			zap.String("task", task.Name),
			zap.Int64s("args", task.Args),
			zap.Error(err))
		return
	}

	if result.RetryAfter > 0 {
		s.logger.Debug("task requested retry",
			zap.String("task", task.Name),
			zap.Duration("after", result.RetryAfter))
		retryTask := Task{Name: task.Name, Args: task.Args}
		time.AfterFunc(result.RetryAfter, func() {
			if ctx.Err() == nil {
				s.Enqueue(retryTask)
			}
		})
	}
}

func (s *Scheduler) execute(ctx context.Context, name string, spec TaskSpec, args []int64) (Result, error) {
	tctx, cancel := context.WithTimeout(ctx, spec.SoftLimit)
	defer cancel()

	hard := time.AfterFunc(2*spec.SoftLimit, func() {
		s.logger.Error("task exceeded hard time limit", zap.String("task", name))
	})
	defer hard.Stop()

	var result Result
	attempts := spec.MaxRetries + 1
	if spec.RetryIf == nil {
		attempts = 1
	}

	err := retry.Do(
		func() error {
			r, err := spec.Handler(tctx, args)
			result = r
			return err
		},
		retry.Context(tctx),
		retry.Attempts(attempts),
		retry.RetryIf(func(err error) bool {
			return spec.RetryIf != nil && spec.RetryIf(err)
		}),
		retry.DelayType(FullJitterDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}
