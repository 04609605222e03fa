package swarm

import (
	"errors"
	"testing"
)

func TestTopologyManagerSwitch(t *testing.T) {
	m := NewTopologyManager("")
	if m.Current() != TopologyHierarchical {
		t.Fatalf("expected hierarchical default, got %s", m.Current())
	}
	if err := m.Switch(TopologyStar); err != nil {
		t.Fatal(err)
	}
	err := m.Switch("grid")
	if !errors.Is(err, ErrInvalidTopology) {
		t.Fatalf("expected ErrInvalidTopology, got %v", err)
	}
	if m.Current() != TopologyStar {
		t.Fatalf("expected star kept, got %s", m.Current())
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name string
		task Task
		want Topology
	}{
		{"parallel high", Task{Parallelizable: true, Complexity: ComplexityHigh}, TopologyMesh},
		{"parallel medium", Task{Parallelizable: true}, TopologyStar},
		{"pairwise", Task{RequiredCapabilities: []string{"coding", "testing"}}, TopologyRing},
		{"sequential high", Task{Complexity: ComplexityHigh}, TopologyHierarchical},
		{"empty", Task{}, TopologyHierarchical},
		{"three caps", Task{RequiredCapabilities: []string{"a", "b", "c"}}, TopologyHierarchical},
	}
	m := NewTopologyManager(TopologyHierarchical)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Recommend(tt.task); got != tt.want {
				t.Errorf("Recommend() = %s, want %s", got, tt.want)
			}
		})
	}
	if m.Current() != TopologyHierarchical {
		t.Error("Recommend must not change the current topology")
	}
}
