package swarm

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/mtzanidakis/solomon/internal/natsbus"
)

const (
	EventAgentSpawned     = "agent_spawned"
	EventAgentFailed      = "agent_failed"
	EventAgentReplaced    = "agent_replaced"
	EventAgentTerminated  = "agent_terminated"
	EventConsensusReached = "consensus_reached"
	EventTopologyChanged  = "topology_changed"
	EventSwarmInitialized = "swarm_initialized"
	EventSwarmShutdown    = "swarm_shutdown"
)

// Event is one notification about the swarm.
type Event struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type Publisher interface {
	Publish(eventType string, data map[string]any)
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(string, map[string]any) {}

// NATSPublisher emits events on events.swarm.<type>.
type NATSPublisher struct {
	client *natsbus.Client
}

func NewNATSPublisher(client *natsbus.Client) *NATSPublisher {
	return &NATSPublisher{client: client}
}

func (p *NATSPublisher) Publish(eventType string, data map[string]any) {
	if p.client == nil {
		return
	}
	payload, err := json.Marshal(newEvent(eventType, data))
	if err != nil {
		return
	}
	_ = p.client.Publish(natsbus.TopicEventsSwarm(eventType), payload)
}

// RecordingPublisher keeps every event in memory.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *RecordingPublisher) Publish(eventType string, data map[string]any) {
	p.mu.Lock()
	p.events = append(p.events, newEvent(eventType, data))
	p.mu.Unlock()
}

func (p *RecordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Types returns the recorded event types in order.
func (p *RecordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func newEvent(eventType string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}
