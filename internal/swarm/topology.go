package swarm

import (
	"fmt"
	"sync"
)

// Topology is the communication-graph shape the swarm coordinates over.
type Topology string

const (
	TopologyHierarchical Topology = "hierarchical"
	TopologyMesh         Topology = "mesh"
	TopologyRing         Topology = "ring"
	TopologyStar         Topology = "star"
)

// Valid reports whether t is one of the known topologies.
func (t Topology) Valid() bool {
	switch t {
	case TopologyHierarchical, TopologyMesh, TopologyRing, TopologyStar:
		return true
	}
	return false
}

// TopologyManager holds the current topology of one coordinator.
type TopologyManager struct {
	mu      sync.RWMutex
	current Topology
}

// NewTopologyManager returns a manager starting at initial, or hierarchical
// when initial is not a known topology.
func NewTopologyManager(initial Topology) *TopologyManager {
	if !initial.Valid() {
		initial = TopologyHierarchical
	}
	return &TopologyManager{current: initial}
}

func (m *TopologyManager) Current() Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Switch replaces the current topology. An unknown value leaves the state
// untouched and returns ErrInvalidTopology.
func (m *TopologyManager) Switch(t Topology) error {
	if !t.Valid() {
		return fmt.Errorf("switch to %q: %w", t, ErrInvalidTopology)
	}
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
	return nil
}

// Recommend picks a topology for a task from its shape alone.
func (m *TopologyManager) Recommend(task Task) Topology {
	return Recommend(task)
}

// Recommend is the pure recommendation rule used by TopologyManager.
func Recommend(task Task) Topology {
	switch {
	case task.Parallelizable && task.Complexity == ComplexityHigh:
		return TopologyMesh
	case task.Parallelizable:
		return TopologyStar
	case len(task.RequiredCapabilities) == 2:
		// pairwise handoff
		return TopologyRing
	default:
		return TopologyHierarchical
	}
}
