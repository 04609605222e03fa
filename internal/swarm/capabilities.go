package swarm

// CapabilityMap resolves worker types to the capabilities they carry and
// back. The registry package provides a config-backed implementation.
type CapabilityMap interface {
	Capabilities(t WorkerType) []string
	TypeFor(capability string) (WorkerType, bool)
}

// DefaultCapabilities is the built-in type to capability table.
var DefaultCapabilities = map[WorkerType][]string{
	WorkerProgrammer: {"coding", "debugging", "refactoring"},
	WorkerTester:     {"testing", "test-design", "test-automation"},
	WorkerReviewer:   {"code-review", "quality-assurance"},
	WorkerPlanner:    {"planning", "architecture", "design"},
	WorkerGeneral:    {"general"},
}

type staticCapabilities map[WorkerType][]string

func (s staticCapabilities) Capabilities(t WorkerType) []string {
	if caps, ok := s[t]; ok {
		return append([]string(nil), caps...)
	}
	return []string{"general"}
}

func (s staticCapabilities) TypeFor(capability string) (WorkerType, bool) {
	// Fixed probe order keeps lookups deterministic when two types share a capability.
	for _, t := range []WorkerType{WorkerProgrammer, WorkerTester, WorkerReviewer, WorkerPlanner} {
		for _, c := range s[t] {
			if c == capability {
				return t, true
			}
		}
	}
	return "", false
}

// DefaultCapabilityMap returns a CapabilityMap over DefaultCapabilities.
func DefaultCapabilityMap() CapabilityMap {
	return staticCapabilities(DefaultCapabilities)
}
