package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const (
	QueenID   = "queen-001"
	QueenRole = "coordinator"
)

type QueenConfig struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Analysis is the queen's staffing plan for a task.
type Analysis struct {
	AgentCount int          `json:"agent_count"`
	AgentTypes []WorkerType `json:"agent_types"`
}

type Option struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

type DecisionContext struct {
	Question string   `json:"question"`
	Options  []Option `json:"options"`
}

type Judgement struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
}

type QueenState struct {
	ID            string           `json:"id"`
	Role          string           `json:"role"`
	ActiveAgents  int              `json:"active_agents"`
	Registrations []QueenConfig    `json:"registrations"`
	Decisions     []DecisionRecord `json:"decisions"`
	Failures      []FailureRecord  `json:"failures"`
}

// Queen plans tasks and keeps the swarm's audit trail.
type Queen interface {
	Register(cfg QueenConfig) error
	AnalyzeTask(ctx context.Context, task Task) (Analysis, error)
	MakeDecision(ctx context.Context, dc DecisionContext) (Judgement, error)
	RecordDecision(rec DecisionRecord)
	RecordFailure(rec FailureRecord)
	// SetActiveAgents is called by the coordinator whenever its worker
	// count changes.
	SetActiveAgents(n int)
	State() QueenState
}

// AuditSink receives a copy of every audit entry, e.g. a database.
type AuditSink interface {
	SaveDecision(rec DecisionRecord) error
	SaveFailure(rec FailureRecord) error
}

// RuleQueen is a deterministic queen driven by the capability map.
type RuleQueen struct {
	caps CapabilityMap
	sink AuditSink

	mu            sync.RWMutex
	registrations []QueenConfig
	active        int
	decisions     []DecisionRecord
	failures      []FailureRecord
}

func NewRuleQueen(caps CapabilityMap, sink AuditSink) *RuleQueen {
	if caps == nil {
		caps = DefaultCapabilityMap()
	}
	return &RuleQueen{caps: caps, sink: sink}
}

// Register records cfg. Registering an id again replaces the earlier entry.
func (q *RuleQueen) Register(cfg QueenConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("register queen: empty id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.registrations {
		if r.ID == cfg.ID {
			q.registrations[i] = cfg
			return nil
		}
	}
	q.registrations = append(q.registrations, cfg)
	return nil
}

func (q *RuleQueen) AnalyzeTask(ctx context.Context, task Task) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}

	caps := append([]string(nil), task.RequiredCapabilities...)
	sort.Strings(caps)

	var types []WorkerType
	seen := make(map[WorkerType]bool)
	for _, c := range caps {
		t, ok := q.caps.TypeFor(c)
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	if len(types) == 0 {
		types = []WorkerType{WorkerGeneral}
	}

	var count int
	switch task.Complexity {
	case ComplexityLow:
		count = 1
	case ComplexityHigh:
		count = 4
	default:
		count = 2
	}
	if task.Parallelizable {
		count *= 2
	}
	count = max(count, len(types))

	return Analysis{AgentCount: count, AgentTypes: types}, nil
}

// MakeDecision picks the highest scored option. Equal scores resolve to the
// lexically smaller name.
func (q *RuleQueen) MakeDecision(ctx context.Context, dc DecisionContext) (Judgement, error) {
	if err := ctx.Err(); err != nil {
		return Judgement{}, err
	}
	if len(dc.Options) == 0 {
		return Judgement{}, nil
	}

	var best Option
	var sum float64
	for i, o := range dc.Options {
		score := max(o.Score, 0)
		sum += score
		if i == 0 || score > best.Score || (score == best.Score && o.Name < best.Name) {
			best = Option{Name: o.Name, Score: score}
		}
	}

	j := Judgement{Decision: best.Name}
	if sum > 0 {
		j.Confidence = best.Score / sum
	}
	return j, nil
}

func (q *RuleQueen) RecordDecision(rec DecisionRecord) {
	q.mu.Lock()
	q.decisions = append(q.decisions, rec)
	q.mu.Unlock()

	if q.sink != nil {
		if err := q.sink.SaveDecision(rec); err != nil {
			slog.Error("persist decision failed", "decision", rec.Decision.ID, "error", err)
		}
	}
}

func (q *RuleQueen) RecordFailure(rec FailureRecord) {
	q.mu.Lock()
	q.failures = append(q.failures, rec)
	q.mu.Unlock()

	if q.sink != nil {
		if err := q.sink.SaveFailure(rec); err != nil {
			slog.Error("persist failure failed", "agent", rec.AgentID, "error", err)
		}
	}
}

func (q *RuleQueen) SetActiveAgents(n int) {
	q.mu.Lock()
	q.active = n
	q.mu.Unlock()
}

func (q *RuleQueen) State() QueenState {
	q.mu.RLock()
	defer q.mu.RUnlock()

	st := QueenState{
		ActiveAgents:  q.active,
		Registrations: append([]QueenConfig(nil), q.registrations...),
		Decisions:     append([]DecisionRecord(nil), q.decisions...),
		Failures:      append([]FailureRecord(nil), q.failures...),
	}
	if len(q.registrations) > 0 {
		st.ID = q.registrations[0].ID
		st.Role = q.registrations[0].Role
	}
	return st
}
