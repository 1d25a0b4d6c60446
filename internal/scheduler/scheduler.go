// Package scheduler runs persisted, possibly recurring per-user tasks.
//
// A cron loop polls the task store; due tasks re-enter the workflow engine's action
// interpreter through an Executor. Non-concurrent tasks are guarded by a 60 second lease so
// overlapping ticks, or several processes sharing a database, run them once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/metrics"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// DefaultInterval is how often due tasks are polled.
const DefaultInterval = 10 * time.Second

// Executor runs the actions of a due task.
type Executor interface {
	ExecuteTaskActions(ctx context.Context, task *models.Task) (models.Outcome, error)
}

// Leader decides which process ticks. store.AdvisoryLock implements it for Postgres.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type alwaysLeader struct{}

func (alwaysLeader) TryAcquire(ctx context.Context) (bool, error) { return true, nil }
func (alwaysLeader) Release(ctx context.Context) error            { return nil }

// Opts holds Scheduler configuration.
type Opts struct {
	Interval time.Duration
	Leader   Leader
	Metrics  *metrics.Collectors
	Now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Opts)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(o *Opts) { o.Interval = d }
}

// WithLeader restricts ticking to the holder of a leader lock.
func WithLeader(l Leader) Option {
	return func(o *Opts) { o.Leader = l }
}

// WithMetrics records tick and task results.
func WithMetrics(c *metrics.Collectors) Option {
	return func(o *Opts) { o.Metrics = c }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Scheduler stores tasks and runs them when due.
type Scheduler struct {
	tasks    store.TaskRepo
	executor Executor
	opts     Opts

	mu sync.Mutex
	// running maps the (hash, user) of each executing task to whether AddTask replaced it
	// during the run.
	running map[string]bool
}

func taskKey(hash, userID string) string { return hash + "\x00" + userID }

// New creates a Scheduler over tasks. Call SetExecutor before Tick or Run.
func New(tasks store.TaskRepo, opts ...Option) *Scheduler {
	cfg := Opts{
		Interval: DefaultInterval,
		Leader:   alwaysLeader{},
		Now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{tasks: tasks, opts: cfg, running: map[string]bool{}}
}

// SetExecutor sets the component that runs task actions. The workflow engine both schedules
// tasks and executes them, so it is wired after construction.
func (s *Scheduler) SetExecutor(e Executor) {
	s.executor = e
}

// AddTask creates or replaces the task identified by (taskID, userID). Without an explicit
// NextRunDate the first run is computed from RunEvery.
func (s *Scheduler) AddTask(ctx context.Context, taskID, userID string, actions []models.FlowAction, opts models.TaskOptions, timezoneUTCOffset float64) (*models.Task, error) {
	task := &models.Task{
		Hash:              taskID,
		UserID:            userID,
		Actions:           actions,
		NextRunDate:       opts.NextRunDate,
		RunEvery:          opts.RunEvery,
		RunTime:           opts.RunTime,
		IgnoreDays:        opts.IgnoreDays,
		MaxRuns:           opts.MaxRuns,
		AllowConcurrent:   opts.AllowConcurrent,
		TimezoneUTCOffset: timezoneUTCOffset,
	}
	if task.NextRunDate == nil {
		next, err := NextRunDate(task, s.opts.Now(), true)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidTask, err)
		}
		if next == nil {
			return nil, fmt.Errorf("%w: task %s has no next run", models.ErrInvalidTask, taskID)
		}
		task.NextRunDate = next
	}
	stored, err := s.tasks.UpsertTask(ctx, task)
	if err != nil {
		slog.Error("Scheduler AddTask failed", "error", err, "taskID", taskID, "userID", userID)
		return nil, fmt.Errorf("upsert task %s: %w", taskID, err)
	}
	s.mu.Lock()
	if _, ok := s.running[taskKey(taskID, userID)]; ok {
		s.running[taskKey(taskID, userID)] = true
	}
	s.mu.Unlock()
	slog.Debug("Scheduler AddTask succeeded", "taskID", taskID, "userID", userID, "nextRunDate", stored.NextRunDate)
	return stored, nil
}

// TasksForUser lists a user's tasks.
func (s *Scheduler) TasksForUser(ctx context.Context, userID string) ([]models.Task, error) {
	return s.tasks.FindTasksForUser(ctx, userID)
}

// RemoveAllTasksForUser deletes a user's tasks without running them.
func (s *Scheduler) RemoveAllTasksForUser(ctx context.Context, userID string) error {
	if err := s.tasks.DeleteTasksForUser(ctx, userID); err != nil {
		slog.Error("Scheduler RemoveAllTasksForUser failed", "error", err, "userID", userID)
		return fmt.Errorf("delete tasks of %s: %w", userID, err)
	}
	slog.Debug("Scheduler RemoveAllTasksForUser succeeded", "userID", userID)
	return nil
}

// RescheduleAllTasksForUser moves every task of the user to a new UTC offset, keeping the
// wall-clock time of its next run.
func (s *Scheduler) RescheduleAllTasksForUser(ctx context.Context, userID string, newOffset float64) error {
	tasks, err := s.tasks.FindTasksForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list tasks of %s: %w", userID, err)
	}
	newZone := Zone(newOffset)
	for i := range tasks {
		task := &tasks[i]
		if task.NextRunDate != nil {
			w := task.NextRunDate.In(Zone(task.TimezoneUTCOffset))
			next := time.Date(w.Year(), w.Month(), w.Day(), w.Hour(), w.Minute(), w.Second(), w.Nanosecond(), newZone).UTC()
			task.NextRunDate = &next
		}
		task.TimezoneUTCOffset = newOffset
		if err := s.tasks.UpdateTask(ctx, task); err != nil {
			slog.Error("Scheduler reschedule failed", "error", err, "taskID", task.ID, "userID", userID)
			return fmt.Errorf("reschedule task %s: %w", task.ID, err)
		}
	}
	slog.Info("Tasks rescheduled for new timezone", "userID", userID, "count", len(tasks), "offset", newOffset)
	return nil
}

// RescheduleOnProfileRefresh follows users' timezone changes published on bus.
func (s *Scheduler) RescheduleOnProfileRefresh(bus *events.Bus) {
	bus.Subscribe(events.ProfileRefreshed, func(ctx context.Context, e events.Event) error {
		offset, ok := e.Payload["newTimezoneUtcOffset"].(float64)
		if !ok {
			return fmt.Errorf("profile refresh event without new offset")
		}
		return s.RescheduleAllTasksForUser(ctx, e.UserID, offset)
	})
}

// Tick runs every task due at now, oldest first. A failing task is logged and does not stop
// the others.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.executor == nil {
		return errors.New("scheduler has no executor")
	}
	now := s.opts.Now()
	due, err := s.tasks.FindDueTasks(ctx, now)
	if err != nil {
		slog.Error("Scheduler tick failed to list due tasks", "error", err)
		return fmt.Errorf("find due tasks: %w", err)
	}
	if len(due) > 0 {
		slog.Debug("Scheduler tick", "due", len(due))
	}
	for i := range due {
		task := &due[i]
		// Earlier tasks may have slept through delay actions; lease and reschedule from the
		// time this one actually starts.
		result, err := s.runTask(ctx, task, s.opts.Now())
		if err != nil {
			slog.Error("Scheduler task failed", "error", err, "taskID", task.ID, "hash", task.Hash, "userID", task.UserID)
		}
		s.opts.Metrics.SchedulerTask(result)
	}
	s.opts.Metrics.SchedulerTicked(now)
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, task *models.Task, now time.Time) (string, error) {
	if IsIgnoredDay(task, now) {
		next, err := NextRunDate(task, now, false)
		if err != nil || next == nil {
			// One-shot tasks wait for the next day.
			d := now.Add(24 * time.Hour)
			next = &d
		}
		task.NextRunDate = next
		if err := s.tasks.UpdateTask(ctx, task); err != nil {
			return metrics.TaskFailed, fmt.Errorf("postpone task: %w", err)
		}
		return metrics.TaskSkippedIgnoredDay, nil
	}

	if task.AllowConcurrent {
		task.NumRuns++
		next, err := NextRunDate(task, now, false)
		if err != nil {
			slog.Warn("Scheduler task has invalid schedule, running once", "error", err, "taskID", task.ID)
		}
		task.NextRunDate = next
		if err := s.tasks.UpdateTask(ctx, task); err != nil {
			return metrics.TaskFailed, fmt.Errorf("advance task: %w", err)
		}
	} else {
		ok, err := s.tasks.AcquireTaskLease(ctx, task.ID, now)
		if err != nil {
			return metrics.TaskFailed, fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			slog.Debug("Scheduler task locked, skipping", "taskID", task.ID)
			return metrics.TaskSkippedLocked, nil
		}
		task.NumRuns++
		task.LockedSinceDate = &now
	}

	result := metrics.TaskExecuted
	key := taskKey(task.Hash, task.UserID)
	s.mu.Lock()
	s.running[key] = false
	s.mu.Unlock()
	_, execErr := s.executor.ExecuteTaskActions(ctx, task)
	s.mu.Lock()
	replaced := s.running[key]
	delete(s.running, key)
	s.mu.Unlock()
	if execErr != nil {
		result = metrics.TaskFailed
	}

	if replaced {
		// The actions re-registered this task; its row already holds the new schedule.
		slog.Debug("Scheduler task re-registered during its run, keeping new schedule", "taskID", task.ID, "hash", task.Hash)
		if task.AllowConcurrent {
			return result, execErr
		}
		return result, errors.Join(execErr, s.releaseLease(ctx, task.ID))
	}

	if task.AllowConcurrent {
		if task.NextRunDate == nil {
			if err := s.tasks.DeleteTask(ctx, task.ID); err != nil {
				return metrics.TaskFailed, errors.Join(execErr, fmt.Errorf("delete finished task: %w", err))
			}
			if execErr == nil {
				result = metrics.TaskFinished
			}
		}
		return result, execErr
	}

	next, err := NextRunDate(task, now, false)
	if err != nil {
		slog.Warn("Scheduler task has invalid schedule, finishing", "error", err, "taskID", task.ID)
	}
	if next == nil {
		if err := s.tasks.DeleteTask(ctx, task.ID); err != nil {
			return metrics.TaskFailed, errors.Join(execErr, fmt.Errorf("delete finished task: %w", err))
		}
		if execErr == nil {
			result = metrics.TaskFinished
		}
		return result, execErr
	}
	task.NextRunDate = next
	task.LockedSinceDate = nil
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		return metrics.TaskFailed, errors.Join(execErr, fmt.Errorf("release task: %w", err))
	}
	return result, execErr
}

// releaseLease clears the lock of the stored task, leaving its schedule untouched.
func (s *Scheduler) releaseLease(ctx context.Context, id string) error {
	current, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("reload task: %w", err)
	}
	current.LockedSinceDate = nil
	if err := s.tasks.UpdateTask(ctx, current); err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return nil
}

// Run polls on the configured interval until ctx is done. Only the leader ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	spec := fmt.Sprintf("@every %s", s.opts.Interval)
	if _, err := c.AddFunc(spec, func() { s.tickAsLeader(ctx) }); err != nil {
		return fmt.Errorf("schedule tick %q: %w", spec, err)
	}
	c.Start()
	slog.Info("Scheduler started", "interval", s.opts.Interval)

	<-ctx.Done()
	<-c.Stop().Done()
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Leader.Release(releaseCtx); err != nil {
		slog.Warn("Scheduler leader release failed", "error", err)
	}
	slog.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) tickAsLeader(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	leader, err := s.opts.Leader.TryAcquire(ctx)
	if err != nil {
		slog.Error("Scheduler leader check failed", "error", err)
		return
	}
	if !leader {
		slog.Debug("Scheduler not leader, skipping tick")
		return
	}
	if err := s.Tick(ctx); err != nil {
		slog.Error("Scheduler tick failed", "error", err)
	}
}
