package natsbus

import "fmt"

const (
	// TopicSwarmControl carries swarmctl and other control plane requests.
	TopicSwarmControl = "swarm.control"
	TopicEventsSwarms = "events.swarm.*"
)

// TopicAgentInput receives tasks for one worker; the reply is its result.
func TopicAgentInput(agentID string) string {
	return fmt.Sprintf("agent.%s.input", agentID)
}

// TopicAgentVote receives a decision; the reply is the worker's vote.
func TopicAgentVote(agentID string) string {
	return fmt.Sprintf("agent.%s.vote", agentID)
}

func TopicAgentControl(agentID string) string {
	return fmt.Sprintf("agent.%s.control", agentID)
}

// TopicAgentReady is published once by a containerized worker after it
// has subscribed to its input and vote topics.
func TopicAgentReady(agentID string) string {
	return fmt.Sprintf("agent.%s.ready", agentID)
}

func TopicEventsSwarm(eventType string) string {
	return "events.swarm." + eventType
}

// TopicWorkerSpawn is served by hosts able to run workers of workerType.
func TopicWorkerSpawn(workerType string) string {
	return fmt.Sprintf("workers.%s.spawn", workerType)
}
