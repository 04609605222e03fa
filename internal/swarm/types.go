package swarm

import "time"

// Complexity grades how much work a task represents.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Task is the unit of work submitted by a caller. It is treated as
// immutable once handed to the coordinator.
type Task struct {
	ID                   string     `json:"id"`
	Description          string     `json:"description"`
	Priority             string     `json:"priority,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	Complexity           Complexity `json:"complexity,omitempty"`
	Parallelizable       bool       `json:"parallelizable,omitempty"`
}

type WorkerType string

const (
	WorkerProgrammer WorkerType = "programmer"
	WorkerTester     WorkerType = "tester"
	WorkerReviewer   WorkerType = "reviewer"
	WorkerPlanner    WorkerType = "planner"
	WorkerGeneral    WorkerType = "general"
)

// ParseWorkerType maps a free-form type name onto the closed set,
// falling back to general.
func ParseWorkerType(s string) WorkerType {
	switch t := WorkerType(s); t {
	case WorkerProgrammer, WorkerTester, WorkerReviewer, WorkerPlanner:
		return t
	default:
		return WorkerGeneral
	}
}

type Resources struct {
	CPU    float64 `json:"cpu,omitempty"`
	Memory int64   `json:"memory,omitempty"` // bytes
}

// WorkerConfig describes one worker to spawn.
type WorkerConfig struct {
	ID           string     `json:"id"`
	Type         WorkerType `json:"type"`
	Capabilities []string   `json:"capabilities"`
	Resources    *Resources `json:"resources,omitempty"`
}

type WorkerStatus string

const (
	StatusIdle      WorkerStatus = "idle"
	StatusWorking   WorkerStatus = "working"
	StatusCompleted WorkerStatus = "completed"
	StatusFailed    WorkerStatus = "failed"
)

// StatusReport is a point-in-time view of a worker. Progress is 0-100.
type StatusReport struct {
	Status   WorkerStatus `json:"status"`
	Progress int          `json:"progress"`
}

// Result is the payload returned by a successful execution.
type Result struct {
	WorkerID string        `json:"worker_id"`
	TaskID   string        `json:"task_id"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Decision is a proposal put to a consensus vote.
type Decision struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Proposal string `json:"proposal"`
	Severity string `json:"severity,omitempty"`
}

type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

type Vote struct {
	AgentID    string     `json:"agent_id"`
	Vote       VoteChoice `json:"vote"`
	Confidence float64    `json:"confidence"`
	Timestamp  time.Time  `json:"timestamp"`
}

type Outcome string

const (
	OutcomeApprove     Outcome = "approve"
	OutcomeReject      Outcome = "reject"
	OutcomeNoConsensus Outcome = "no_consensus"
)

// ConsensusResult is derived from one round of votes on exactly one decision.
type ConsensusResult struct {
	DecisionID    string  `json:"decision_id"`
	Outcome       Outcome `json:"outcome"`
	Confidence    float64 `json:"confidence"`
	ApproveWeight float64 `json:"approve_weight"`
	RejectWeight  float64 `json:"reject_weight"`
	Approvals     int     `json:"approvals"`
	Rejections    int     `json:"rejections"`
	Abstentions   int     `json:"abstentions"`
	Votes         []Vote  `json:"votes"`
}

// DecisionRecord is an append-only audit entry.
type DecisionRecord struct {
	Decision  Decision        `json:"decision"`
	Result    ConsensusResult `json:"result"`
	Timestamp time.Time       `json:"timestamp"`
}

// FailureRecord is an append-only audit entry.
type FailureRecord struct {
	AgentID   string    `json:"agent_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkerSnapshot is the externally visible state of one registered worker.
type WorkerSnapshot struct {
	ID           string       `json:"id"`
	Type         WorkerType   `json:"type"`
	Capabilities []string     `json:"capabilities"`
	Status       WorkerStatus `json:"status"`
	Progress     int          `json:"progress"`
}

type Metrics struct {
	TasksCompleted      int           `json:"tasks_completed"`
	TasksFailed         int           `json:"tasks_failed"`
	CompletionRate      float64       `json:"completion_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

// SwarmState is a snapshot of the coordinator. TotalAgents counts the queen.
type SwarmState struct {
	Initialized  bool             `json:"initialized"`
	TotalAgents  int              `json:"total_agents"`
	ActiveAgents int              `json:"active_agents"`
	MaxAgents    int              `json:"max_agents"`
	Topology     Topology         `json:"topology"`
	Workers      []WorkerSnapshot `json:"workers"`
	Metrics      Metrics          `json:"metrics"`
}
