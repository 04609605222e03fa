package swarm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAnalyzeTask(t *testing.T) {
	q := NewRuleQueen(nil, nil)
	tests := []struct {
		name  string
		task  Task
		count int
		types []WorkerType
	}{
		{"empty", Task{}, 2, []WorkerType{WorkerGeneral}},
		{"low", Task{Complexity: ComplexityLow}, 1, []WorkerType{WorkerGeneral}},
		{"high parallel", Task{Complexity: ComplexityHigh, Parallelizable: true}, 8, []WorkerType{WorkerGeneral}},
		{
			// sorted: coding, debugging, testing
			name:  "dedup in sorted order",
			task:  Task{Complexity: ComplexityLow, RequiredCapabilities: []string{"testing", "debugging", "coding"}},
			count: 2,
			types: []WorkerType{WorkerProgrammer, WorkerTester},
		},
		{
			name:  "unknown capability ignored",
			task:  Task{RequiredCapabilities: []string{"juggling", "planning"}},
			count: 2,
			types: []WorkerType{WorkerPlanner},
		},
		{
			name:  "count covers types",
			task:  Task{Complexity: ComplexityLow, RequiredCapabilities: []string{"architecture", "code-review", "coding"}},
			count: 3,
			types: []WorkerType{WorkerPlanner, WorkerReviewer, WorkerProgrammer},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := q.AnalyzeTask(context.Background(), tt.task)
			if err != nil {
				t.Fatal(err)
			}
			if a.AgentCount != tt.count {
				t.Errorf("count = %d, want %d", a.AgentCount, tt.count)
			}
			if len(a.AgentTypes) != len(tt.types) {
				t.Fatalf("types = %v, want %v", a.AgentTypes, tt.types)
			}
			for i := range tt.types {
				if a.AgentTypes[i] != tt.types[i] {
					t.Fatalf("types = %v, want %v", a.AgentTypes, tt.types)
				}
			}
		})
	}
}

func TestMakeDecision(t *testing.T) {
	q := NewRuleQueen(nil, nil)
	ctx := context.Background()

	j, err := q.MakeDecision(ctx, DecisionContext{Options: []Option{
		{Name: "rollback", Score: 1},
		{Name: "hotfix", Score: 3},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if j.Decision != "hotfix" || j.Confidence != 0.75 {
		t.Errorf("unexpected judgement %+v", j)
	}

	j, _ = q.MakeDecision(ctx, DecisionContext{Options: []Option{
		{Name: "b", Score: 2},
		{Name: "a", Score: 2},
	}})
	if j.Decision != "a" || j.Confidence != 0.5 {
		t.Errorf("expected lexical tie break, got %+v", j)
	}

	j, _ = q.MakeDecision(ctx, DecisionContext{})
	if j.Decision != "" || j.Confidence != 0 {
		t.Errorf("expected empty judgement, got %+v", j)
	}
}

func TestRegisterDeduplicates(t *testing.T) {
	q := NewRuleQueen(nil, nil)
	for i := 0; i < 3; i++ {
		if err := q.Register(QueenConfig{ID: QueenID, Role: QueenRole}); err != nil {
			t.Fatal(err)
		}
	}
	st := q.State()
	if len(st.Registrations) != 1 || st.ID != QueenID || st.Role != QueenRole {
		t.Fatalf("unexpected state %+v", st)
	}
	if err := q.Register(QueenConfig{}); err == nil {
		t.Error("expected error for empty id")
	}
}

type memSink struct {
	decisions []DecisionRecord
	failures  []FailureRecord
	err       error
}

func (s *memSink) SaveDecision(rec DecisionRecord) error {
	s.decisions = append(s.decisions, rec)
	return s.err
}

func (s *memSink) SaveFailure(rec FailureRecord) error {
	s.failures = append(s.failures, rec)
	return s.err
}

func TestAuditSink(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	q := NewRuleQueen(nil, sink)

	q.RecordDecision(DecisionRecord{Decision: Decision{ID: "d1"}, Timestamp: time.Now()})
	q.RecordFailure(FailureRecord{AgentID: "worker-1", Error: "boom", Timestamp: time.Now()})
	q.RecordFailure(FailureRecord{AgentID: "worker-2", Error: "boom", Timestamp: time.Now()})

	st := q.State()
	if len(st.Decisions) != 1 || len(st.Failures) != 2 {
		t.Fatalf("sink errors must not drop audit entries: %+v", st)
	}
	if len(sink.decisions) != 1 || len(sink.failures) != 2 {
		t.Fatalf("expected sink to receive copies, got %d/%d", len(sink.decisions), len(sink.failures))
	}
	if st.Failures[1].AgentID != "worker-2" {
		t.Error("expected append order preserved")
	}
}
