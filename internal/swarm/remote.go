package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/solomon/internal/natsbus"
)

// Wire messages exchanged with out-of-process workers.
type (
	SpawnRequest struct {
		Worker WorkerConfig `json:"worker"`
	}
	SpawnReply struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	ExecuteRequest struct {
		Task Task `json:"task"`
	}
	ExecuteReply struct {
		Output string `json:"output"`
		Error  string `json:"error,omitempty"`
	}
	ControlMessage struct {
		Type string `json:"type"`
	}
)

// RemotePool spawns workers on agent hosts listening on workers.<type>.spawn.
// Tasks are delivered to agent.<id>.input.
type RemotePool struct {
	client         *natsbus.Client
	spawnTimeout   time.Duration
	executeTimeout time.Duration
}

func NewRemotePool(client *natsbus.Client, spawnTimeout, executeTimeout time.Duration) *RemotePool {
	return &RemotePool{client: client, spawnTimeout: spawnTimeout, executeTimeout: executeTimeout}
}

func (p *RemotePool) Spawn(ctx context.Context, cfg WorkerConfig) (Worker, error) {
	var reply SpawnReply
	topic := natsbus.TopicWorkerSpawn(string(cfg.Type))
	if err := p.client.RequestJSON(ctx, topic, SpawnRequest{Worker: cfg}, &reply, p.spawnTimeout); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.ID, err)
	}
	if !reply.OK {
		return nil, fmt.Errorf("spawn %s: host refused: %s", cfg.ID, reply.Error)
	}
	return NewRemoteWorker(p.client, cfg, p.executeTimeout), nil
}

// RemoteWorker drives a worker that lives behind the bus.
type RemoteWorker struct {
	*WorkerState
	client  *natsbus.Client
	timeout time.Duration
}

func NewRemoteWorker(client *natsbus.Client, cfg WorkerConfig, timeout time.Duration) *RemoteWorker {
	return &RemoteWorker{WorkerState: NewWorkerState(cfg), client: client, timeout: timeout}
}

func (w *RemoteWorker) Execute(ctx context.Context, task Task) (Result, error) {
	if err := w.Begin(); err != nil {
		return Result{}, err
	}
	start := time.Now()

	var reply ExecuteReply
	err := w.client.RequestJSON(ctx, natsbus.TopicAgentInput(w.ID()), ExecuteRequest{Task: task}, &reply, w.timeout)
	if err == nil && reply.Error != "" {
		err = errors.New(reply.Error)
	}
	w.Finish(err)
	if err != nil {
		return Result{}, fmt.Errorf("execute %s on %s: %w", task.ID, w.ID(), err)
	}
	return Result{WorkerID: w.ID(), TaskID: task.ID, Output: reply.Output, Duration: time.Since(start)}, nil
}

func (w *RemoteWorker) Terminate(context.Context) error {
	if !w.MarkTerminated() {
		return nil
	}
	if err := w.client.PublishJSON(natsbus.TopicAgentControl(w.ID()), ControlMessage{Type: "terminate"}); err != nil {
		return fmt.Errorf("terminate %s: %w", w.ID(), err)
	}
	return nil
}
