package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/solomon/internal/natsbus"
	"github.com/mtzanidakis/solomon/internal/scheduler"
	"github.com/mtzanidakis/solomon/internal/store"
	"github.com/mtzanidakis/solomon/internal/swarm"
	"github.com/nats-io/nats.go"
)

// Command is a request on swarm.control.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler answers control-plane requests from swarmctl and other tools.
type Handler struct {
	client  *natsbus.Client
	coord   *swarm.Coordinator
	queen   swarm.Queen
	sched   *scheduler.Scheduler
	store   *store.Store
	timeout time.Duration
	sub     *nats.Subscription
}

func New(client *natsbus.Client, coord *swarm.Coordinator, queen swarm.Queen, sched *scheduler.Scheduler, s *store.Store, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Handler{
		client:  client,
		coord:   coord,
		queen:   queen,
		sched:   sched,
		store:   s,
		timeout: timeout,
	}
}

func (h *Handler) Start() error {
	// Commands can block on workers, so each one gets its own goroutine.
	sub, err := h.client.Subscribe(natsbus.TopicSwarmControl, func(msg *nats.Msg) {
		go h.handle(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", natsbus.TopicSwarmControl, err)
	}
	h.sub = sub
	return h.client.Flush()
}

func (h *Handler) Stop() {
	if h.sub != nil {
		_ = h.sub.Unsubscribe()
		h.sub = nil
	}
}

func (h *Handler) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid control command", "error", err)
		respond(msg, map[string]any{"error": "invalid command"})
		return
	}

	slog.Info("control command received", "type", cmd.Type)

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch cmd.Type {
	case "state":
		respond(msg, map[string]any{"ok": true, "state": h.coord.State()})
	case "queen_state":
		respond(msg, map[string]any{"ok": true, "queen": h.queen.State()})
	case "links":
		respond(msg, map[string]any{"ok": true, "topology": h.coord.Topology(), "links": h.coord.Links()})
	case "submit_task":
		h.submitTask(ctx, msg, cmd.Payload)
	case "run_task":
		h.runTask(ctx, msg, cmd.Payload)
	case "release":
		h.release(ctx, msg, cmd.Payload)
	case "set_topology":
		h.setTopology(msg, cmd.Payload)
	case "optimize_topology":
		h.optimizeTopology(msg, cmd.Payload)
	case "consensus":
		h.consensus(ctx, msg, cmd.Payload)
	case "decide":
		h.decide(ctx, msg, cmd.Payload)
	case "report_failure":
		h.reportFailure(ctx, msg, cmd.Payload)
	case "set_max_agents":
		h.setMaxAgents(msg, cmd.Payload)
	case "shutdown_workers":
		if err := h.coord.ShutdownWorkers(ctx); err != nil {
			respond(msg, map[string]any{"error": fmt.Sprintf("shutdown failed: %v", err)})
			return
		}
		respond(msg, map[string]any{"ok": true})
	case "snapshot":
		h.snapshot(msg)
	case "create_task":
		h.createTask(msg, cmd.Payload)
	case "list_tasks":
		h.listTasks(msg)
	case "delete_task":
		h.deleteTask(msg, cmd.Payload)
	case "pause_task":
		h.setTaskStatus(msg, cmd.Payload, store.TaskPaused)
	case "resume_task":
		h.setTaskStatus(msg, cmd.Payload, store.TaskActive)
	default:
		slog.Warn("unknown control command", "type", cmd.Type)
		respond(msg, map[string]any{"error": "unknown command: " + cmd.Type})
	}
}

func respond(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("failed to marshal control response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("failed to respond to control command", "error", err)
	}
}

func (h *Handler) submitTask(ctx context.Context, msg *nats.Msg, payload json.RawMessage) {
	var task swarm.Task
	if err := json.Unmarshal(payload, &task); err != nil {
		respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if task.ID == "" {
		respond(msg, map[string]any{"error": "task id is required"})
		return
	}

	workers, err := h.coord.SpawnAgentsForTask(ctx, task)
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.ID())
	}
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("spawn failed: %v", err), "workers": ids})
		return
	}
	respond(msg, map[string]any{"ok": true, "workers": ids})
}

func (h *Handler) runTask(ctx context.Context, msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		WorkerID string     `json:"worker_id"`
		Task     swarm.Task `json:"task"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.WorkerID == "" {
		respond(msg, map[string]any{"error": "worker_id is required"})
		return
	}
	res, err := h.coord.RunTask(ctx, req.WorkerID, req.Task)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("run failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true, "result": res})
}

func (h *Handler) release(ctx context.Context, msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.WorkerID == "" {
		respond(msg, map[string]any{"error": "worker_id is required"})
		return
	}
	if err := h.coord.Release(ctx, req.WorkerID); err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("release failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true})
}

func (h *Handler) setTopology(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Topology swarm.Topology `json:"topology"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if !h.coord.SetTopology(req.Topology) {
		respond(msg, map[string]any{"error": "invalid topology: " + string(req.Topology), "topology": h.coord.Topology()})
		return
	}
	respond(msg, map[string]any{"ok": true, "topology": h.coord.Topology()})
}

func (h *Handler) optimizeTopology(msg *nats.Msg, payload json.RawMessage) {
	var task swarm.Task
	if err := json.Unmarshal(payload, &task); err != nil {
		respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	t, ok := h.coord.OptimizeTopologyForTask(task)
	respond(msg, map[string]any{"ok": ok, "topology": t})
}

func (h *Handler) consensus(ctx context.Context, msg *nats.Msg, payload json.RawMessage) {
	var d swarm.Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if d.Proposal == "" {
		respond(msg, map[string]any{"error": "proposal is required"})
		return
	}
	res, err := h.coord.BuildConsensus(ctx, d)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("consensus failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true, "result": res})
}

func (h *Handler) decide(ctx context.Context, msg *nats.Msg, payload json.RawMessage) {
	var dc swarm.DecisionContext
	if err := json.Unmarshal(payload, &dc); err != nil {
		respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	j, err := h.queen.MakeDecision(ctx, dc)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("decision failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true, "judgement": j})
}

func (h *Handler) reportFailure(ctx context.Context, msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		AgentID string `json:"agent_id"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.AgentID == "" {
		respond(msg, map[string]any{"error": "agent_id is required"})
		return
	}
	var cause error
	if req.Error != "" {
		cause = errors.New(req.Error)
	}
	replacement, err := h.coord.HandleAgentFailure(ctx, req.AgentID, cause)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("replacement failed: %v", err)})
		return
	}
	resp := map[string]any{"ok": true}
	if replacement != nil {
		resp["replacement"] = replacement.ID()
	}
	respond(msg, resp)
}

func (h *Handler) setMaxAgents(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		MaxAgents int `json:"max_agents"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if err := h.coord.SetMaxAgents(req.MaxAgents); err != nil {
		respond(msg, map[string]any{"error": err.Error()})
		return
	}
	respond(msg, map[string]any{"ok": true, "max_agents": h.coord.MaxAgents()})
}

func (h *Handler) snapshot(msg *nats.Msg) {
	snap, err := h.sched.TakeSnapshot()
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("snapshot failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true, "id": snap.ID})
}

func (h *Handler) createTask(msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Name     string     `json:"name"`
		Schedule string     `json:"schedule"`
		Task     swarm.Task `json:"task"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if req.Name == "" || req.Schedule == "" || req.Task.Description == "" {
		respond(msg, map[string]any{"error": "name, schedule, and task description are required"})
		return
	}

	t, err := h.sched.Add(req.Name, req.Schedule, req.Task)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("invalid schedule: %v", err)})
		return
	}
	slog.Info("task created via control", "id", t.ID, "name", t.Name)
	respond(msg, map[string]any{"ok": true, "id": t.ID})
}

// TaskEntry is the listing form of a scheduled task.
type TaskEntry struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
}

func (h *Handler) listTasks(msg *nats.Msg) {
	tasks, err := h.store.ListTasks()
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("list failed: %v", err)})
		return
	}
	out := make([]TaskEntry, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskEntry{
			ID:          t.ID,
			Name:        t.Name,
			Schedule:    scheduler.Describe(t.Schedule),
			Description: t.Task.Description,
			Status:      t.Status,
			NextRunAt:   t.NextRunAt,
			LastStatus:  t.LastStatus,
		})
	}
	respond(msg, map[string]any{"ok": true, "tasks": out})
}

func (h *Handler) deleteTask(msg *nats.Msg, payload json.RawMessage) {
	id, ok := taskID(msg, payload)
	if !ok {
		return
	}
	if err := h.store.DeleteTask(id); err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("delete failed: %v", err)})
		return
	}
	slog.Info("task deleted via control", "id", id)
	respond(msg, map[string]any{"ok": true})
}

func (h *Handler) setTaskStatus(msg *nats.Msg, payload json.RawMessage, status string) {
	id, ok := taskID(msg, payload)
	if !ok {
		return
	}
	t, err := h.store.GetTask(id)
	if err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("get failed: %v", err)})
		return
	}
	if t == nil {
		respond(msg, map[string]any{"error": "task not found"})
		return
	}
	if err := h.store.UpdateTaskStatus(id, status); err != nil {
		respond(msg, map[string]any{"error": fmt.Sprintf("update failed: %v", err)})
		return
	}
	respond(msg, map[string]any{"ok": true})
}

func taskID(msg *nats.Msg, payload json.RawMessage) (string, bool) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		respond(msg, map[string]any{"error": "id is required"})
		return "", false
	}
	return req.ID, true
}
