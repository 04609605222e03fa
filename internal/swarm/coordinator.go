package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxAgents = 8

// Options configures a Coordinator. Zero values pick the defaults.
type Options struct {
	MaxAgents    int
	Topology     Topology
	Consensus    ConsensusEngine
	Capabilities CapabilityMap
	Publisher    Publisher
}

// Coordinator owns the worker registry of one swarm. Registry mutations are
// serialized on mu, which is held from capacity computation through
// registration so the active count never exceeds maxAgents.
type Coordinator struct {
	queen     Queen
	pool      Pool
	consensus ConsensusEngine
	caps      CapabilityMap
	events    Publisher
	topology  *TopologyManager

	mu          sync.Mutex
	initialized bool
	maxAgents   int
	workers     map[string]Worker
	order       []string // spawn order

	completed int
	failed    int
	busyTime  time.Duration
}

func NewCoordinator(queen Queen, pool Pool, opts Options) *Coordinator {
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = DefaultMaxAgents
	}
	if opts.Consensus == nil {
		opts.Consensus = NewWeightedConsensus(nil, DefaultVoteTimeout)
	}
	if opts.Capabilities == nil {
		opts.Capabilities = DefaultCapabilityMap()
	}
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	return &Coordinator{
		queen:     queen,
		pool:      pool,
		consensus: opts.Consensus,
		caps:      opts.Capabilities,
		events:    opts.Publisher,
		topology:  NewTopologyManager(opts.Topology),
		maxAgents: opts.MaxAgents,
		workers:   make(map[string]Worker),
	}
}

// Initialize registers the queen. Calling it on an initialized coordinator
// does nothing.
func (c *Coordinator) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}
	if err := c.queen.Register(QueenConfig{ID: QueenID, Role: QueenRole}); err != nil {
		return fmt.Errorf("register queen: %w", err)
	}
	c.initialized = true

	slog.Info("swarm initialized", "max_agents", c.maxAgents, "topology", c.topology.Current())
	c.events.Publish(EventSwarmInitialized, map[string]any{
		"max_agents": c.maxAgents,
		"topology":   c.topology.Current(),
	})
	return nil
}

func (c *Coordinator) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// SpawnAgentsForTask staffs a task within the free capacity. A full swarm
// yields an empty slice and no error. If a spawn fails the workers spawned
// before it are returned along with the error and stay registered.
func (c *Coordinator) SpawnAgentsForTask(ctx context.Context, task Task) ([]Worker, error) {
	if !c.Initialized() {
		return nil, ErrNotInitialized
	}

	analysis, err := c.queen.AnalyzeTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("analyze task %s: %w", task.ID, err)
	}
	types := analysis.AgentTypes
	if len(types) == 0 {
		types = []WorkerType{WorkerGeneral}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Shutdown may have run while the queen was analyzing.
	if !c.initialized {
		return nil, ErrNotInitialized
	}

	available := c.maxAgents - len(c.workers)
	if available <= 0 {
		slog.Info("swarm at capacity", "task", task.ID, "max_agents", c.maxAgents)
		return []Worker{}, nil
	}

	n := min(analysis.AgentCount, available)
	spawned := make([]Worker, 0, max(n, 0))
	for i := 0; i < n; i++ {
		t := types[i%len(types)]
		cfg := WorkerConfig{
			ID:           newWorkerID(),
			Type:         t,
			Capabilities: c.caps.Capabilities(t),
		}
		w, err := c.pool.Spawn(ctx, cfg)
		if err != nil {
			return spawned, fmt.Errorf("spawn %s worker for task %s: %w", t, task.ID, err)
		}
		c.register(w)
		spawned = append(spawned, w)

		slog.Info("agent spawned", "id", w.ID(), "type", t, "task", task.ID)
		c.events.Publish(EventAgentSpawned, map[string]any{
			"id":   w.ID(),
			"type": t,
			"task": task.ID,
		})
	}
	return spawned, nil
}

// ActiveAgentCount excludes the queen.
func (c *Coordinator) ActiveAgentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workers)
}

func (c *Coordinator) MaxAgents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxAgents
}

// SetMaxAgents changes the ceiling. Lowering it never evicts workers; new
// spawns are refused until the count drops below n.
func (c *Coordinator) SetMaxAgents(n int) error {
	if n < 1 {
		return fmt.Errorf("max agents must be at least 1, got %d", n)
	}
	c.mu.Lock()
	old := c.maxAgents
	c.maxAgents = n
	c.mu.Unlock()
	if old != n {
		slog.Info("max agents updated", "old", old, "new", n)
	}
	return nil
}

// Worker looks up a registered worker.
func (c *Coordinator) Worker(id string) (Worker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[id]
	return w, ok
}

// WorkerIDs returns registered worker ids in spawn order.
func (c *Coordinator) WorkerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// BuildConsensus puts a decision to every active worker. A decision without
// an id is given one.
func (c *Coordinator) BuildConsensus(ctx context.Context, d Decision) (ConsensusResult, error) {
	if d.ID == "" {
		d.ID = "decision-" + uuid.New().String()
	}

	votes, err := c.consensus.CollectVotes(ctx, d, c.WorkerIDs())
	if err != nil {
		return ConsensusResult{}, fmt.Errorf("collect votes for %s: %w", d.ID, err)
	}
	result := c.consensus.Calculate(d.ID, votes)

	c.queen.RecordDecision(DecisionRecord{Decision: d, Result: result, Timestamp: time.Now()})

	slog.Info("consensus reached", "decision", d.ID, "outcome", result.Outcome, "confidence", result.Confidence)
	c.events.Publish(EventConsensusReached, map[string]any{
		"decision":   d.ID,
		"outcome":    result.Outcome,
		"confidence": result.Confidence,
	})
	return result, nil
}

func (c *Coordinator) Topology() Topology {
	return c.topology.Current()
}

// SetTopology reports whether the switch took effect. On failure the
// previous topology is kept.
func (c *Coordinator) SetTopology(t Topology) bool {
	prev := c.topology.Current()
	if err := c.topology.Switch(t); err != nil {
		slog.Warn("topology switch failed", "topology", t, "current", prev, "error", err)
		return false
	}
	if prev != t {
		slog.Info("topology changed", "from", prev, "to", t)
		c.events.Publish(EventTopologyChanged, map[string]any{"from": prev, "to": t})
	}
	return true
}

// OptimizeTopologyForTask switches to the recommended topology for task and
// returns the topology in effect afterwards.
func (c *Coordinator) OptimizeTopologyForTask(task Task) (Topology, bool) {
	ok := c.SetTopology(c.topology.Recommend(task))
	return c.topology.Current(), ok
}

// Links returns the communication edges between the queen and the active
// workers under the current topology.
func (c *Coordinator) Links() []Link {
	links, err := BuildLinks(c.topology.Current(), QueenID, c.WorkerIDs())
	if err != nil {
		slog.Error("build links failed", "error", err)
		return nil
	}
	return links
}

// HandleAgentFailure records the failure, drops the worker and, when
// capacity allows, spawns one replacement of the same type. An unknown id is
// only recorded. The replacement is returned, nil if none was spawned.
func (c *Coordinator) HandleAgentFailure(ctx context.Context, agentID string, cause error) (Worker, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	c.queen.RecordFailure(FailureRecord{AgentID: agentID, Error: msg, Timestamp: time.Now()})

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workers[agentID]
	if !ok {
		slog.Warn("failure reported for unknown agent", "id", agentID, "error", msg)
		return nil, nil
	}
	c.unregister(agentID)
	if err := w.Terminate(ctx); err != nil {
		slog.Warn("terminate failed agent", "id", agentID, "error", err)
	}

	slog.Warn("agent failed", "id", agentID, "type", w.Type(), "error", msg)
	c.events.Publish(EventAgentFailed, map[string]any{"id": agentID, "type": w.Type(), "error": msg})

	if len(c.workers) >= c.maxAgents {
		return nil, nil
	}

	cfg := WorkerConfig{
		ID:           newWorkerID(),
		Type:         w.Type(),
		Capabilities: w.Capabilities(),
	}
	replacement, err := c.pool.Spawn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("spawn replacement for %s: %w", agentID, err)
	}
	c.register(replacement)

	slog.Info("agent replaced", "failed", agentID, "replacement", replacement.ID(), "type", cfg.Type)
	c.events.Publish(EventAgentReplaced, map[string]any{
		"failed":      agentID,
		"replacement": replacement.ID(),
		"type":        cfg.Type,
	})
	return replacement, nil
}

// RunTask executes task on a registered worker and records the outcome.
// An execution error goes through HandleAgentFailure and comes back as a
// *TaskError naming the replacement.
func (c *Coordinator) RunTask(ctx context.Context, workerID string, task Task) (Result, error) {
	w, ok := c.Worker(workerID)
	if !ok {
		return Result{}, fmt.Errorf("run task %s on %s: %w", task.ID, workerID, ErrUnknownWorker)
	}

	start := time.Now()
	res, err := w.Execute(ctx, task)
	if errors.Is(err, ErrWorkerBusy) || errors.Is(err, ErrTerminated) {
		return Result{}, err
	}
	elapsed := time.Since(start)

	c.mu.Lock()
	c.busyTime += elapsed
	if err != nil {
		c.failed++
	} else {
		c.completed++
	}
	c.mu.Unlock()

	if err != nil {
		terr := &TaskError{WorkerID: workerID, Err: err}
		// Replacement must not be skipped because the caller's context is gone.
		replacement, herr := c.HandleAgentFailure(context.WithoutCancel(ctx), workerID, err)
		if herr != nil {
			slog.Error("replace failed agent", "id", workerID, "error", herr)
		}
		if replacement != nil {
			terr.Replacement = replacement.ID()
		}
		return Result{}, terr
	}
	return res, nil
}

// Release terminates a worker that finished its work and frees its slot.
func (c *Coordinator) Release(ctx context.Context, workerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workers[workerID]
	if !ok {
		return fmt.Errorf("release %s: %w", workerID, ErrUnknownWorker)
	}
	c.unregister(workerID)
	if err := w.Terminate(ctx); err != nil {
		return fmt.Errorf("release %s: %w", workerID, err)
	}
	slog.Info("agent released", "id", workerID, "type", w.Type())
	c.events.Publish(EventAgentTerminated, map[string]any{"id": workerID, "type": w.Type()})
	return nil
}

func (c *Coordinator) State() SwarmState {
	c.mu.Lock()
	defer c.mu.Unlock()

	workers := make([]WorkerSnapshot, 0, len(c.order))
	for _, id := range c.order {
		w := c.workers[id]
		st := w.ReportStatus()
		workers = append(workers, WorkerSnapshot{
			ID:           id,
			Type:         w.Type(),
			Capabilities: w.Capabilities(),
			Status:       st.Status,
			Progress:     st.Progress,
		})
	}

	var m Metrics
	m.TasksCompleted = c.completed
	m.TasksFailed = c.failed
	if runs := c.completed + c.failed; runs > 0 {
		m.CompletionRate = float64(c.completed) / float64(runs)
		m.AverageResponseTime = c.busyTime / time.Duration(runs)
	}

	return SwarmState{
		Initialized:  c.initialized,
		TotalAgents:  len(c.workers) + 1,
		ActiveAgents: len(c.workers),
		MaxAgents:    c.maxAgents,
		Topology:     c.topology.Current(),
		Workers:      workers,
		Metrics:      m,
	}
}

// Shutdown terminates every worker and clears the registry. Termination
// errors are joined and returned once the registry is empty.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, id := range c.order {
		w := c.workers[id]
		if err := w.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s: %w", id, err))
			continue
		}
		c.events.Publish(EventAgentTerminated, map[string]any{"id": id, "type": w.Type()})
	}
	count := len(c.order)
	c.workers = make(map[string]Worker)
	c.order = nil
	c.initialized = false
	c.queen.SetActiveAgents(0)

	slog.Info("swarm shut down", "terminated", count, "errors", len(errs))
	c.events.Publish(EventSwarmShutdown, map[string]any{"terminated": count})
	return errors.Join(errs...)
}

// ShutdownWorkers terminates every worker but leaves the coordinator
// initialized.
func (c *Coordinator) ShutdownWorkers(ctx context.Context) error {
	err := c.Shutdown(ctx)
	if ierr := c.Initialize(ctx); ierr != nil {
		return errors.Join(err, ierr)
	}
	return err
}

// register and unregister require mu.
func (c *Coordinator) register(w Worker) {
	c.workers[w.ID()] = w
	c.order = append(c.order, w.ID())
	c.queen.SetActiveAgents(len(c.workers))
}

func (c *Coordinator) unregister(id string) {
	delete(c.workers, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.queen.SetActiveAgents(len(c.workers))
}

func newWorkerID() string {
	return "worker-" + uuid.New().String()
}
