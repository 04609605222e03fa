package swarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// fixedQueen returns a canned analysis and otherwise behaves like RuleQueen.
type fixedQueen struct {
	*RuleQueen
	analysis Analysis
}

func (q *fixedQueen) AnalyzeTask(context.Context, Task) (Analysis, error) {
	return q.analysis, nil
}

func newFixedQueen(count int, types ...WorkerType) *fixedQueen {
	return &fixedQueen{
		RuleQueen: NewRuleQueen(nil, nil),
		analysis:  Analysis{AgentCount: count, AgentTypes: types},
	}
}

// flakyPool fails the spawn whose 1-based index is failAt.
type flakyPool struct {
	*LocalPool
	mu     sync.Mutex
	calls  int
	failAt int
}

func (p *flakyPool) Spawn(ctx context.Context, cfg WorkerConfig) (Worker, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	if n == p.failAt {
		return nil, errors.New("no capacity on host")
	}
	return p.LocalPool.Spawn(ctx, cfg)
}

func newCoordinator(t *testing.T, q Queen, pool Pool, maxAgents int) *Coordinator {
	t.Helper()
	c := NewCoordinator(q, pool, Options{MaxAgents: maxAgents})
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSpawnRoundRobinWithinCapacity(t *testing.T) {
	c := newCoordinator(t, newFixedQueen(5, WorkerProgrammer, WorkerTester), NewLocalPool(nil), 2)

	workers, err := c.SpawnAgentsForTask(context.Background(), Task{ID: "t1", Description: "build"})
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(workers))
	}
	if workers[0].Type() != WorkerProgrammer || workers[1].Type() != WorkerTester {
		t.Fatalf("expected programmer then tester, got %s, %s", workers[0].Type(), workers[1].Type())
	}
	if caps := workers[1].Capabilities(); len(caps) == 0 || caps[0] != "testing" {
		t.Errorf("unexpected tester capabilities %v", caps)
	}
	if c.ActiveAgentCount() != 2 {
		t.Errorf("expected 2 active, got %d", c.ActiveAgentCount())
	}
}

func TestSpawnAtCapacityReturnsEmpty(t *testing.T) {
	c := newCoordinator(t, newFixedQueen(3, WorkerGeneral), NewLocalPool(nil), 3)
	ctx := context.Background()

	if _, err := c.SpawnAgentsForTask(ctx, Task{ID: "t1"}); err != nil {
		t.Fatal(err)
	}
	workers, err := c.SpawnAgentsForTask(ctx, Task{ID: "t2"})
	if err != nil {
		t.Fatalf("expected no error at capacity, got %v", err)
	}
	if workers == nil || len(workers) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", workers)
	}
}

func TestActiveCountNeverExceedsMax(t *testing.T) {
	for _, maxAgents := range []int{1, 2, 5, 8} {
		c := newCoordinator(t, NewRuleQueen(nil, nil), NewLocalPool(nil), maxAgents)
		tasks := []Task{
			{ID: "a", Complexity: ComplexityHigh, Parallelizable: true},
			{ID: "b", RequiredCapabilities: []string{"coding", "testing", "planning"}},
			{ID: "c", Complexity: ComplexityLow},
			{ID: "d"},
		}
		for _, task := range tasks {
			if _, err := c.SpawnAgentsForTask(context.Background(), task); err != nil {
				t.Fatal(err)
			}
			if n := c.ActiveAgentCount(); n > maxAgents {
				t.Fatalf("max %d: active count %d after task %s", maxAgents, n, task.ID)
			}
		}
	}
}

func TestConcurrentSpawnRespectsMax(t *testing.T) {
	c := newCoordinator(t, newFixedQueen(3, WorkerGeneral), NewLocalPool(nil), 5)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.SpawnAgentsForTask(context.Background(), Task{ID: "t"})
		}()
	}
	wg.Wait()
	if n := c.ActiveAgentCount(); n != 5 {
		t.Fatalf("expected exactly 5 active, got %d", n)
	}
}

func TestSpawnErrorKeepsEarlierWorkers(t *testing.T) {
	pool := &flakyPool{LocalPool: NewLocalPool(nil), failAt: 2}
	c := newCoordinator(t, newFixedQueen(3, WorkerProgrammer), pool, 8)

	workers, err := c.SpawnAgentsForTask(context.Background(), Task{ID: "t1"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker before the failure, got %d", len(workers))
	}
	if c.ActiveAgentCount() != 1 {
		t.Errorf("expected 1 registered worker, got %d", c.ActiveAgentCount())
	}
}

func TestSpawnRequiresInitialize(t *testing.T) {
	c := NewCoordinator(NewRuleQueen(nil, nil), NewLocalPool(nil), Options{})
	_, err := c.SpawnAgentsForTask(context.Background(), Task{ID: "t"})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestHandleAgentFailureReplacesSoleWorker(t *testing.T) {
	q := newFixedQueen(1, WorkerReviewer)
	pool := NewLocalPool(nil)
	c := newCoordinator(t, q, pool, 1)
	ctx := context.Background()

	workers, err := c.SpawnAgentsForTask(ctx, Task{ID: "t1"})
	if err != nil || len(workers) != 1 {
		t.Fatalf("spawn: %v, %d workers", err, len(workers))
	}
	failed := workers[0]

	replacement, err := c.HandleAgentFailure(ctx, failed.ID(), errors.New("crashed"))
	if err != nil {
		t.Fatal(err)
	}
	if replacement == nil {
		t.Fatal("expected a replacement")
	}
	if replacement.ID() == failed.ID() {
		t.Error("replacement reused the failed id")
	}
	if replacement.Type() != WorkerReviewer {
		t.Errorf("expected reviewer replacement, got %s", replacement.Type())
	}
	if c.ActiveAgentCount() != 1 {
		t.Errorf("expected count restored to 1, got %d", c.ActiveAgentCount())
	}
	if _, ok := c.Worker(failed.ID()); ok {
		t.Error("failed worker still registered")
	}
	if pool.Live() != 1 {
		t.Errorf("expected failed worker terminated, %d live", pool.Live())
	}

	st := q.State()
	if len(st.Failures) != 1 || st.Failures[0].AgentID != failed.ID() || st.Failures[0].Error != "crashed" {
		t.Errorf("unexpected failure audit %+v", st.Failures)
	}
}

func TestHandleAgentFailureAfterLoweringMax(t *testing.T) {
	c := newCoordinator(t, newFixedQueen(3, WorkerGeneral), NewLocalPool(nil), 3)
	ctx := context.Background()
	workers, _ := c.SpawnAgentsForTask(ctx, Task{ID: "t1"})

	if err := c.SetMaxAgents(1); err != nil {
		t.Fatal(err)
	}
	if c.ActiveAgentCount() != 3 {
		t.Fatal("lowering max must not evict")
	}
	replacement, err := c.HandleAgentFailure(ctx, workers[0].ID(), errors.New("oom"))
	if err != nil {
		t.Fatal(err)
	}
	if replacement != nil {
		t.Error("expected no replacement above capacity")
	}
	if c.ActiveAgentCount() != 2 {
		t.Errorf("expected 2 active, got %d", c.ActiveAgentCount())
	}
}

func TestHandleAgentFailureUnknownAgent(t *testing.T) {
	q := NewRuleQueen(nil, nil)
	c := newCoordinator(t, q, NewLocalPool(nil), 2)

	replacement, err := c.HandleAgentFailure(context.Background(), "worker-missing", errors.New("gone"))
	if err != nil || replacement != nil {
		t.Fatalf("expected audit only, got %v, %v", replacement, err)
	}
	if len(q.State().Failures) != 1 {
		t.Error("expected failure recorded")
	}
	if c.ActiveAgentCount() != 0 {
		t.Error("expected no workers")
	}
}

func TestHandleAgentFailureReplacementSpawnError(t *testing.T) {
	pool := &flakyPool{LocalPool: NewLocalPool(nil), failAt: 2}
	c := newCoordinator(t, newFixedQueen(1, WorkerTester), pool, 1)
	ctx := context.Background()

	workers, _ := c.SpawnAgentsForTask(ctx, Task{ID: "t1"})
	_, err := c.HandleAgentFailure(ctx, workers[0].ID(), errors.New("boom"))
	if err == nil {
		t.Fatal("expected replacement spawn error")
	}
	if c.ActiveAgentCount() != 0 {
		t.Errorf("expected failed worker removed, got %d", c.ActiveAgentCount())
	}
	if pool.calls != 2 {
		t.Errorf("expected no retry, got %d spawn calls", pool.calls)
	}
}

func TestIDsUniqueAcrossReplacements(t *testing.T) {
	c := newCoordinator(t, newFixedQueen(2, WorkerProgrammer, WorkerTester), NewLocalPool(nil), 2)
	ctx := context.Background()

	seen := make(map[string]bool)
	workers, _ := c.SpawnAgentsForTask(ctx, Task{ID: "t1"})
	for _, w := range workers {
		seen[w.ID()] = true
	}
	for i := 0; i < 20; i++ {
		id := c.WorkerIDs()[i%2]
		r, err := c.HandleAgentFailure(ctx, id, errors.New("flaky"))
		if err != nil || r == nil {
			t.Fatalf("replacement %d: %v", i, err)
		}
		if seen[r.ID()] {
			t.Fatalf("id %s reused", r.ID())
		}
		if !strings.HasPrefix(r.ID(), "worker-") {
			t.Errorf("unexpected id format %s", r.ID())
		}
		seen[r.ID()] = true
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	workers, _ = c.SpawnAgentsForTask(ctx, Task{ID: "t2"})
	for _, w := range workers {
		if seen[w.ID()] {
			t.Fatalf("id %s reused after restart", w.ID())
		}
	}
}

func TestBuildConsensusWeightedMajority(t *testing.T) {
	q := newFixedQueen(3, WorkerGeneral)
	votes := map[int]Vote{
		0: {Vote: VoteApprove, Confidence: 0.9},
		1: {Vote: VoteApprove, Confidence: 0.8},
		2: {Vote: VoteReject, Confidence: 0.5},
	}
	c := NewCoordinator(q, NewLocalPool(nil), Options{MaxAgents: 3})
	index := make(map[string]int)
	ballot := BallotFunc(func(_ context.Context, id string, _ Decision) (Vote, error) {
		return votes[index[id]], nil
	})
	c.consensus = NewWeightedConsensus(ballot, DefaultVoteTimeout)
	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SpawnAgentsForTask(ctx, Task{ID: "t"}); err != nil {
		t.Fatal(err)
	}
	for i, id := range c.WorkerIDs() {
		index[id] = i
	}

	res, err := c.BuildConsensus(ctx, Decision{Type: "deploy", Proposal: "ship it"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeApprove {
		t.Fatalf("expected approve, got %s", res.Outcome)
	}
	if !strings.HasPrefix(res.DecisionID, "decision-") {
		t.Errorf("expected generated decision id, got %q", res.DecisionID)
	}
	if len(res.Votes) != 3 {
		t.Errorf("expected 3 votes, got %d", len(res.Votes))
	}
	st := q.State()
	if len(st.Decisions) != 1 || st.Decisions[0].Decision.ID != res.DecisionID {
		t.Errorf("expected decision audit for %s, got %+v", res.DecisionID, st.Decisions)
	}
}

func TestBuildConsensusWithoutVoters(t *testing.T) {
	c := newCoordinator(t, NewRuleQueen(nil, nil), NewLocalPool(nil), 2)

	res, err := c.BuildConsensus(context.Background(), Decision{ID: "d1", Proposal: "noop"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNoConsensus || res.Confidence != 0 {
		t.Fatalf("expected neutral result, got %+v", res)
	}
	if res.DecisionID != "d1" {
		t.Errorf("expected id kept, got %s", res.DecisionID)
	}
}

func TestSetTopologyInvalidKeepsPrevious(t *testing.T) {
	c := newCoordinator(t, NewRuleQueen(nil, nil), NewLocalPool(nil), 2)

	if !c.SetTopology(TopologyRing) {
		t.Fatal("expected ring switch to succeed")
	}
	if c.SetTopology(Topology("torus")) {
		t.Fatal("expected invalid switch to fail")
	}
	if c.Topology() != TopologyRing {
		t.Fatalf("expected ring kept, got %s", c.Topology())
	}
}

func TestOptimizeTopologyForTask(t *testing.T) {
	c := newCoordinator(t, NewRuleQueen(nil, nil), NewLocalPool(nil), 2)

	got, ok := c.OptimizeTopologyForTask(Task{Parallelizable: true, Complexity: ComplexityHigh})
	if !ok || got != TopologyMesh {
		t.Fatalf("expected mesh, got %s (%v)", got, ok)
	}
	if c.Topology() != TopologyMesh {
		t.Errorf("expected mesh in effect, got %s", c.Topology())
	}
}

func TestShutdownThenInitialize(t *testing.T) {
	q := NewRuleQueen(nil, nil)
	pool := NewLocalPool(nil)
	c := newCoordinator(t, q, pool, 4)
	ctx := context.Background()

	if _, err := c.SpawnAgentsForTask(ctx, Task{ID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if pool.Live() != 0 {
		t.Errorf("expected all workers terminated, %d live", pool.Live())
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	if c.ActiveAgentCount() != 0 {
		t.Errorf("expected 0 active, got %d", c.ActiveAgentCount())
	}
	regs := q.State().Registrations
	if len(regs) != 1 || regs[0].ID != QueenID || regs[0].Role != QueenRole {
		t.Fatalf("expected single queen registration, got %+v", regs)
	}
}

type stubbornWorker struct {
	*WorkerState
}

func (stubbornWorker) Execute(context.Context, Task) (Result, error) { return Result{}, nil }
func (stubbornWorker) Terminate(context.Context) error               { return errors.New("still running") }

type stubbornPool struct{}

func (stubbornPool) Spawn(_ context.Context, cfg WorkerConfig) (Worker, error) {
	return stubbornWorker{NewWorkerState(cfg)}, nil
}

func TestShutdownJoinsTerminationErrors(t *testing.T) {
	c := newCoordinator(t, newFixedQueen(2, WorkerGeneral), stubbornPool{}, 2)
	ctx := context.Background()
	if _, err := c.SpawnAgentsForTask(ctx, Task{ID: "t"}); err != nil {
		t.Fatal(err)
	}

	err := c.Shutdown(ctx)
	if err == nil {
		t.Fatal("expected joined termination error")
	}
	if n := strings.Count(err.Error(), "still running"); n != 2 {
		t.Errorf("expected 2 joined errors, got %d in %q", n, err)
	}
	if c.ActiveAgentCount() != 0 || c.Initialized() {
		t.Error("expected registry cleared and coordinator uninitialized")
	}
}

func TestRunTaskRecordsMetricsAndReplacesOnError(t *testing.T) {
	exec := func(_ context.Context, _ WorkerConfig, task Task, progress func(int)) (string, error) {
		progress(50)
		if task.ID == "bad" {
			return "", errors.New("compile error")
		}
		return "ok:" + task.ID, nil
	}
	c := newCoordinator(t, newFixedQueen(1, WorkerProgrammer), NewLocalPool(exec), 1)
	ctx := context.Background()
	workers, _ := c.SpawnAgentsForTask(ctx, Task{ID: "setup"})
	id := workers[0].ID()

	res, err := c.RunTask(ctx, id, Task{ID: "good"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "ok:good" || res.WorkerID != id {
		t.Errorf("unexpected result %+v", res)
	}
	if st := workers[0].ReportStatus(); st.Status != StatusCompleted || st.Progress != 100 {
		t.Errorf("unexpected status %+v", st)
	}

	_, err = c.RunTask(ctx, id, Task{ID: "bad"})
	var terr *TaskError
	if !errors.As(err, &terr) || !strings.Contains(terr.Error(), "compile error") {
		t.Fatalf("expected a task error, got %v", err)
	}
	if terr.WorkerID != id || terr.Replacement == "" {
		t.Errorf("unexpected task error %+v", terr)
	}
	if _, ok := c.Worker(terr.Replacement); !ok {
		t.Error("replacement not registered")
	}
	if _, ok := c.Worker(id); ok {
		t.Error("failed worker still registered")
	}
	state := c.State()
	if state.ActiveAgents != 1 || state.TotalAgents != 2 {
		t.Errorf("expected replacement registered, got %+v", state)
	}
	if state.Metrics.TasksCompleted != 1 || state.Metrics.TasksFailed != 1 {
		t.Errorf("unexpected metrics %+v", state.Metrics)
	}
	if state.Metrics.CompletionRate != 0.5 {
		t.Errorf("expected completion rate 0.5, got %v", state.Metrics.CompletionRate)
	}

	if _, err := c.RunTask(ctx, "worker-nope", Task{ID: "x"}); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestStateSnapshot(t *testing.T) {
	c := newCoordinator(t, newFixedQueen(2, WorkerPlanner, WorkerReviewer), NewLocalPool(nil), 4)
	if _, err := c.SpawnAgentsForTask(context.Background(), Task{ID: "t"}); err != nil {
		t.Fatal(err)
	}
	st := c.State()
	if !st.Initialized || st.MaxAgents != 4 || st.ActiveAgents != 2 || st.TotalAgents != 3 {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Topology != TopologyHierarchical {
		t.Errorf("expected hierarchical default, got %s", st.Topology)
	}
	if len(st.Workers) != 2 || st.Workers[0].Type != WorkerPlanner || st.Workers[0].Status != StatusIdle {
		t.Errorf("unexpected workers %+v", st.Workers)
	}
	if len(c.Links()) != 2 {
		t.Errorf("expected 2 hierarchical links, got %d", len(c.Links()))
	}
}

func TestCoordinatorPublishesEvents(t *testing.T) {
	rec := &RecordingPublisher{}
	c := NewCoordinator(newFixedQueen(1, WorkerGeneral), NewLocalPool(nil), Options{MaxAgents: 1, Publisher: rec})
	ctx := context.Background()
	_ = c.Initialize(ctx)
	workers, _ := c.SpawnAgentsForTask(ctx, Task{ID: "t"})
	_, _ = c.HandleAgentFailure(ctx, workers[0].ID(), errors.New("x"))
	c.SetTopology(TopologyStar)
	_ = c.Shutdown(ctx)

	want := []string{
		EventSwarmInitialized,
		EventAgentSpawned,
		EventAgentFailed,
		EventAgentReplaced,
		EventTopologyChanged,
		EventAgentTerminated,
		EventSwarmShutdown,
	}
	got := rec.Types()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, got)
	}
}

func TestRelease(t *testing.T) {
	pool := NewLocalPool(nil)
	c := newCoordinator(t, newFixedQueen(2, WorkerGeneral), pool, 2)
	ctx := context.Background()
	workers, _ := c.SpawnAgentsForTask(ctx, Task{ID: "t"})

	if err := c.Release(ctx, workers[0].ID()); err != nil {
		t.Fatal(err)
	}
	if c.ActiveAgentCount() != 1 || pool.Live() != 1 {
		t.Fatalf("expected one worker left, got %d active, %d live", c.ActiveAgentCount(), pool.Live())
	}
	if err := c.Release(ctx, workers[0].ID()); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestQueenTracksActiveAgents(t *testing.T) {
	q := newFixedQueen(3, WorkerGeneral)
	c := newCoordinator(t, q, NewLocalPool(nil), 3)
	ctx := context.Background()

	workers, err := c.SpawnAgentsForTask(ctx, Task{ID: "t1"})
	if err != nil || len(workers) != 3 {
		t.Fatalf("spawn: %v, %d workers", err, len(workers))
	}
	if got := q.State().ActiveAgents; got != 3 {
		t.Errorf("after spawn: expected queen to see 3 active, got %d", got)
	}

	if _, err := c.HandleAgentFailure(ctx, workers[0].ID(), errors.New("oom")); err != nil {
		t.Fatal(err)
	}
	if got := q.State().ActiveAgents; got != 3 {
		t.Errorf("after replacement: expected 3 active, got %d", got)
	}

	if err := c.Release(ctx, workers[1].ID()); err != nil {
		t.Fatal(err)
	}
	if got := q.State().ActiveAgents; got != 2 {
		t.Errorf("after release: expected 2 active, got %d", got)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if got := q.State().ActiveAgents; got != 0 {
		t.Errorf("after shutdown: expected 0 active, got %d", got)
	}
}

// slowQueen holds AnalyzeTask until release is closed.
type slowQueen struct {
	*fixedQueen
	started chan struct{}
	release chan struct{}
}

func (q *slowQueen) AnalyzeTask(ctx context.Context, task Task) (Analysis, error) {
	close(q.started)
	<-q.release
	return q.fixedQueen.AnalyzeTask(ctx, task)
}

func TestSpawnAfterConcurrentShutdown(t *testing.T) {
	q := &slowQueen{
		fixedQueen: newFixedQueen(2, WorkerGeneral),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	pool := NewLocalPool(nil)
	c := newCoordinator(t, q, pool, 4)
	ctx := context.Background()

	type outcome struct {
		workers []Worker
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		w, err := c.SpawnAgentsForTask(ctx, Task{ID: "t1"})
		done <- outcome{w, err}
	}()

	<-q.started
	if err := c.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	close(q.release)

	res := <-done
	if !errors.Is(res.err, ErrNotInitialized) || len(res.workers) != 0 {
		t.Fatalf("expected ErrNotInitialized and no workers, got %v, %d workers", res.err, len(res.workers))
	}
	if c.ActiveAgentCount() != 0 || pool.Live() != 0 {
		t.Errorf("no worker should register after shutdown, active=%d live=%d", c.ActiveAgentCount(), pool.Live())
	}
}
