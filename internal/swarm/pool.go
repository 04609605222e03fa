package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool creates workers. Each call to Spawn yields exactly one idle worker.
type Pool interface {
	Spawn(ctx context.Context, cfg WorkerConfig) (Worker, error)
}

// Worker is a single spawned agent.
type Worker interface {
	ID() string
	Type() WorkerType
	Capabilities() []string
	Execute(ctx context.Context, task Task) (Result, error)
	ReportStatus() StatusReport
	// Terminate releases the worker. Calling it more than once is a no-op.
	Terminate(ctx context.Context) error
}

// WorkerState tracks the status and progress shared by every worker
// backend. Backends embed it and call Begin/Finish around an execution.
type WorkerState struct {
	cfg WorkerConfig

	mu         sync.Mutex
	status     WorkerStatus
	progress   int
	terminated bool
}

func NewWorkerState(cfg WorkerConfig) *WorkerState {
	return &WorkerState{cfg: cfg, status: StatusIdle}
}

func (s *WorkerState) ID() string       { return s.cfg.ID }
func (s *WorkerState) Type() WorkerType { return s.cfg.Type }

func (s *WorkerState) Capabilities() []string {
	return append([]string(nil), s.cfg.Capabilities...)
}

func (s *WorkerState) Config() WorkerConfig { return s.cfg }

func (s *WorkerState) ReportStatus() StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusReport{Status: s.status, Progress: s.progress}
}

// Begin moves the worker to working. It fails when the worker is already
// working or has been terminated.
func (s *WorkerState) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrTerminated
	}
	if s.status == StatusWorking {
		return ErrWorkerBusy
	}
	s.status = StatusWorking
	s.progress = 0
	return nil
}

// SetProgress records progress, clamped to 0-100.
func (s *WorkerState) SetProgress(p int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = max(0, min(100, p))
}

// Finish closes an execution started with Begin.
func (s *WorkerState) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status = StatusFailed
		return
	}
	s.status = StatusCompleted
	s.progress = 100
}

// MarkTerminated reports whether this call performed the termination.
func (s *WorkerState) MarkTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	return true
}

// ExecFunc runs a task for an in-process worker. progress may be called
// with values in 0-100.
type ExecFunc func(ctx context.Context, cfg WorkerConfig, task Task, progress func(int)) (string, error)

// LocalPool runs workers in the gateway process.
type LocalPool struct {
	exec ExecFunc

	mu   sync.Mutex
	live map[string]*localWorker
}

// NewLocalPool returns a pool whose workers run exec. A nil exec echoes the
// task description back as output.
func NewLocalPool(exec ExecFunc) *LocalPool {
	if exec == nil {
		exec = func(_ context.Context, _ WorkerConfig, task Task, _ func(int)) (string, error) {
			return task.Description, nil
		}
	}
	return &LocalPool{exec: exec, live: make(map[string]*localWorker)}
}

func (p *LocalPool) Spawn(ctx context.Context, cfg WorkerConfig) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.ID, err)
	}
	w := &localWorker{WorkerState: NewWorkerState(cfg), pool: p}
	p.mu.Lock()
	p.live[cfg.ID] = w
	p.mu.Unlock()
	return w, nil
}

// Live returns the number of spawned workers not yet terminated.
func (p *LocalPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

type localWorker struct {
	*WorkerState
	pool *LocalPool
}

func (w *localWorker) Execute(ctx context.Context, task Task) (Result, error) {
	if err := w.Begin(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	out, err := w.pool.exec(ctx, w.Config(), task, w.SetProgress)
	if err == nil {
		// A cancelled context counts as a failure even if exec ignored it.
		err = ctx.Err()
	}
	w.Finish(err)
	if err != nil {
		return Result{}, fmt.Errorf("execute %s on %s: %w", task.ID, w.ID(), err)
	}
	return Result{WorkerID: w.ID(), TaskID: task.ID, Output: out, Duration: time.Since(start)}, nil
}

func (w *localWorker) Terminate(context.Context) error {
	if w.MarkTerminated() {
		w.pool.mu.Lock()
		delete(w.pool.live, w.ID())
		w.pool.mu.Unlock()
	}
	return nil
}
