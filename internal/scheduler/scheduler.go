package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/mtzanidakis/solomon/internal/config"
	"github.com/mtzanidakis/solomon/internal/store"
	"github.com/mtzanidakis/solomon/internal/swarm"
)

const EventTaskExecuted = "task_executed"

// Coordinator is the part of swarm.Coordinator the scheduler drives.
type Coordinator interface {
	SpawnAgentsForTask(ctx context.Context, task swarm.Task) ([]swarm.Worker, error)
	RunTask(ctx context.Context, workerID string, task swarm.Task) (swarm.Result, error)
	Release(ctx context.Context, workerID string) error
	State() swarm.SwarmState
}

// Scheduler submits stored tasks when they fall due and snapshots the
// coordinator state on a cron schedule.
type Scheduler struct {
	store  *store.Store
	coord  Coordinator
	events swarm.Publisher

	mu           sync.Mutex
	cfg          config.SchedulerConfig
	nextSnapshot time.Time
	reloadCh     chan struct{}
}

func New(s *store.Store, coord Coordinator, events swarm.Publisher, cfg config.SchedulerConfig) *Scheduler {
	if events == nil {
		events = swarm.NopPublisher{}
	}
	sched := &Scheduler{
		store:    s,
		coord:    coord,
		events:   events,
		reloadCh: make(chan struct{}, 1),
	}
	sched.setConfig(cfg, time.Now())
	return sched
}

// UpdateConfig swaps in new settings and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.setConfig(cfg, time.Now())
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) setConfig(cfg config.SchedulerConfig, now time.Time) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.nextSnapshot = time.Time{}
	if cfg.SnapshotSchedule == "" {
		return
	}
	next, err := gronx.NextTickAfter(cfg.SnapshotSchedule, now, false)
	if err != nil {
		slog.Error("invalid snapshot schedule", "schedule", cfg.SnapshotSchedule, "error", err)
		return
	}
	s.nextSnapshot = next
}

func (s *Scheduler) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	interval := s.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			interval = s.pollInterval()
			ticker.Reset(interval)
			slog.Info("scheduler config reloaded", "poll_interval", interval)
		case now := <-ticker.C:
			s.poll(ctx, now)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context, now time.Time) {
	s.maybeSnapshot(now)

	tasks, err := s.store.GetDueTasks(now)
	if err != nil {
		slog.Error("failed to get due tasks", "error", err)
		return
	}
	for _, task := range tasks {
		s.execute(ctx, task, now)
	}
}

func (s *Scheduler) maybeSnapshot(now time.Time) {
	s.mu.Lock()
	due := !s.nextSnapshot.IsZero() && !now.Before(s.nextSnapshot)
	expr, keep := s.cfg.SnapshotSchedule, s.cfg.SnapshotKeep
	if due {
		if next, err := gronx.NextTickAfter(expr, now, false); err == nil {
			s.nextSnapshot = next
		} else {
			s.nextSnapshot = time.Time{}
		}
	}
	s.mu.Unlock()

	if !due {
		return
	}
	if _, err := s.TakeSnapshot(); err != nil {
		slog.Error("snapshot failed", "error", err)
		return
	}
	if keep > 0 {
		if n, err := s.store.PruneSnapshots(keep); err != nil {
			slog.Error("prune snapshots failed", "error", err)
		} else if n > 0 {
			slog.Info("pruned snapshots", "deleted", n)
		}
	}
}

// TakeSnapshot persists the current coordinator state.
func (s *Scheduler) TakeSnapshot() (*store.Snapshot, error) {
	snap, err := s.store.SaveSnapshot(s.coord.State())
	if err != nil {
		return nil, err
	}
	slog.Info("state snapshot saved", "id", snap.ID, "active_agents", snap.ActiveAgents)
	return snap, nil
}

// Add validates a schedule, computes its first run and stores the task.
func (s *Scheduler) Add(name, rawSchedule string, task swarm.Task) (*store.ScheduledTask, error) {
	sched, err := Normalize(rawSchedule)
	if err != nil {
		return nil, err
	}
	next := NextRun(sched, time.Now())
	if next == nil {
		return nil, fmt.Errorf("schedule %s has no future run", sched)
	}
	if task.ID == "" {
		task.ID = "task-" + uuid.New().String()
	}
	st := &store.ScheduledTask{
		ID:        uuid.New().String(),
		Name:      name,
		Schedule:  sched,
		Task:      task,
		Status:    store.TaskActive,
		NextRunAt: next,
	}
	if err := s.store.SaveTask(st); err != nil {
		return nil, err
	}
	slog.Info("scheduled task added", "id", st.ID, "name", name, "schedule", Describe(sched), "next_run", next)
	return st, nil
}

func (s *Scheduler) execute(ctx context.Context, task store.ScheduledTask, now time.Time) {
	slog.Info("executing scheduled task", "id", task.ID, "name", task.Name, "task", task.Task.ID)

	err := s.runOnSwarm(ctx, task.Task)

	var lastStatus, lastError string
	switch {
	case errors.Is(err, errAtCapacity):
		lastStatus = "skipped"
		lastError = err.Error()
		slog.Warn("scheduled task skipped", "id", task.ID, "error", err)
	case err != nil:
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("task execution failed", "id", task.ID, "error", err)
	default:
		lastStatus = "success"
	}

	nextRun := NextRun(task.Schedule, now)
	if err := s.store.UpdateTaskRun(task.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update task run", "id", task.ID, "error", err)
	}

	s.events.Publish(EventTaskExecuted, map[string]any{
		"id":     task.ID,
		"name":   task.Name,
		"status": lastStatus,
	})

	if nextRun == nil {
		slog.Info("no next run, marking one-off task as completed", "id", task.ID, "name", task.Name)
		if err := s.store.UpdateTaskStatus(task.ID, store.TaskCompleted); err != nil {
			slog.Error("failed to complete task", "id", task.ID, "error", err)
		}
	}
}

var errAtCapacity = errors.New("swarm at capacity")

// runOnSwarm staffs the task and runs it on every spawned worker in
// parallel. Workers that succeed are released. A failed worker is replaced
// inside RunTask; the replacement is released too, since the run is over and
// the next tick staffs the task afresh.
func (s *Scheduler) runOnSwarm(ctx context.Context, task swarm.Task) error {
	workers, err := s.coord.SpawnAgentsForTask(ctx, task)
	if len(workers) == 0 {
		if err != nil {
			return err
		}
		return errAtCapacity
	}

	errs := make([]error, len(workers)+1)
	errs[0] = err
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if _, err := s.coord.RunTask(ctx, id, task); err != nil {
				errs[i+1] = err
				var terr *swarm.TaskError
				if errors.As(err, &terr) && terr.Replacement != "" {
					id = terr.Replacement
				} else {
					return
				}
			}
			if err := s.coord.Release(ctx, id); err != nil {
				slog.Warn("release worker failed", "id", id, "error", err)
			}
		}(i, w.ID())
	}
	wg.Wait()
	return errors.Join(errs...)
}
