package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/solomon/internal/scheduler"
	"github.com/mtzanidakis/solomon/internal/store"
	"github.com/mtzanidakis/solomon/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarm
	mux.HandleFunc("GET /api/swarm", s.getSwarmState)
	mux.HandleFunc("GET /api/swarm/queen", s.getQueenState)
	mux.HandleFunc("POST /api/swarm/tasks", s.submitTask)
	mux.HandleFunc("POST /api/swarm/shutdown", s.shutdownWorkers)
	mux.HandleFunc("POST /api/swarm/consensus", s.buildConsensus)

	// Workers
	mux.HandleFunc("POST /api/swarm/workers/{id}/run", s.runTask)
	mux.HandleFunc("POST /api/swarm/workers/{id}/failure", s.reportFailure)
	mux.HandleFunc("DELETE /api/swarm/workers/{id}", s.releaseWorker)
	mux.HandleFunc("GET /api/worker-types", s.listWorkerTypes)

	// Topology
	mux.HandleFunc("GET /api/swarm/topology", s.getTopology)
	mux.HandleFunc("PUT /api/swarm/topology", s.setTopology)
	mux.HandleFunc("POST /api/swarm/topology/optimize", s.optimizeTopology)

	// Audit
	mux.HandleFunc("GET /api/decisions", s.listDecisions)
	mux.HandleFunc("GET /api/decisions/{id}", s.getDecision)
	mux.HandleFunc("GET /api/failures", s.listFailures)

	// Snapshots
	mux.HandleFunc("GET /api/snapshots", s.listSnapshots)
	mux.HandleFunc("POST /api/snapshots", s.takeSnapshot)
	mux.HandleFunc("GET /api/snapshots/{id}", s.getSnapshot)

	// Scheduled tasks
	mux.HandleFunc("GET /api/tasks", s.listTasks)
	mux.HandleFunc("POST /api/tasks", s.createTask)
	mux.HandleFunc("PUT /api/tasks/{id}", s.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.deleteTask)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) getSwarmState(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.coord.State())
}

func (s *Server) getQueenState(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.queen.State())
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var task swarm.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if task.ID == "" {
		jsonError(w, "id is required", http.StatusBadRequest)
		return
	}

	workers, err := s.coord.SpawnAgentsForTask(r.Context(), task)
	if errors.Is(err, swarm.ErrNotInitialized) {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil && len(workers) == 0 {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]swarm.WorkerSnapshot, 0, len(workers))
	for _, wk := range workers {
		st := wk.ReportStatus()
		out = append(out, swarm.WorkerSnapshot{
			ID:           wk.ID(),
			Type:         wk.Type(),
			Capabilities: wk.Capabilities(),
			Status:       st.Status,
			Progress:     st.Progress,
		})
	}
	resp := map[string]any{"workers": out}
	if err != nil {
		resp["error"] = err.Error()
	}
	jsonResponse(w, resp)
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	var task swarm.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.coord.RunTask(r.Context(), r.PathValue("id"), task)
	switch {
	case errors.Is(err, swarm.ErrUnknownWorker):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, swarm.ErrWorkerBusy), errors.Is(err, swarm.ErrTerminated):
		jsonError(w, err.Error(), http.StatusConflict)
	case err != nil:
		jsonError(w, err.Error(), http.StatusBadGateway)
	default:
		jsonResponse(w, res)
	}
}

func (s *Server) reportFailure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	var cause error
	if body.Error != "" {
		cause = errors.New(body.Error)
	}

	// Replacement must finish even if the client goes away.
	replacement, err := s.coord.HandleAgentFailure(context.WithoutCancel(r.Context()), r.PathValue("id"), cause)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"status": "recorded"}
	if replacement != nil {
		resp["replacement"] = replacement.ID()
	}
	jsonResponse(w, resp)
}

func (s *Server) releaseWorker(w http.ResponseWriter, r *http.Request) {
	err := s.coord.Release(r.Context(), r.PathValue("id"))
	if errors.Is(err, swarm.ErrUnknownWorker) {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "released"})
}

func (s *Server) shutdownWorkers(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ShutdownWorkers(r.Context()); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) buildConsensus(w http.ResponseWriter, r *http.Request) {
	var d swarm.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if d.Proposal == "" {
		jsonError(w, "proposal is required", http.StatusBadRequest)
		return
	}
	res, err := s.coord.BuildConsensus(r.Context(), d)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listWorkerTypes(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.registry.List())
}

func (s *Server) getTopology(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"topology": s.coord.Topology(),
		"links":    s.coord.Links(),
	})
}

func (s *Server) setTopology(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Topology swarm.Topology `json:"topology"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.coord.SetTopology(body.Topology) {
		jsonError(w, fmt.Sprintf("invalid topology: %s", body.Topology), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]any{"topology": s.coord.Topology()})
}

func (s *Server) optimizeTopology(w http.ResponseWriter, r *http.Request) {
	var task swarm.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t, ok := s.coord.OptimizeTopologyForTask(task)
	jsonResponse(w, map[string]any{"topology": t, "switched": ok})
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListDecisions(queryLimit(r, 100))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, recs)
}

func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetDecision(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		jsonError(w, "decision not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, rec)
}

func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	var (
		recs []swarm.FailureRecord
		err  error
	)
	if agent := r.URL.Query().Get("agent"); agent != "" {
		recs, err = s.store.ListFailuresForAgent(agent)
	} else {
		recs, err = s.store.ListFailures(queryLimit(r, 100))
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, recs)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.ListSnapshots(queryLimit(r, 50))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, snaps)
}

func (s *Server) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sched.TakeSnapshot()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, snap)
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetSnapshot(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snap == nil {
		jsonError(w, "snapshot not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, snap)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToAPI(t))
	}
	jsonResponse(w, out)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string     `json:"name"`
		Schedule string     `json:"schedule"`
		Task     swarm.Task `json:"task"`
		Enabled  *bool      `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.Task.Description == "" {
		jsonError(w, "name, schedule, and task description are required", http.StatusBadRequest)
		return
	}

	t, err := s.sched.Add(body.Name, body.Schedule, body.Task)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}
	if body.Enabled != nil && !*body.Enabled {
		t.Status = store.TaskPaused
		if err := s.store.UpdateTaskStatus(t.ID, t.Status); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	jsonResponse(w, taskToAPI(*t))
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.store.GetTask(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string     `json:"name"`
		Schedule *string     `json:"schedule"`
		Task     *swarm.Task `json:"task"`
		Enabled  *bool       `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Task != nil {
		task := *body.Task
		if task.ID == "" {
			task.ID = existing.Task.ID
		}
		existing.Task = task
	}
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = store.TaskActive
		} else if existing.Status != store.TaskCompleted {
			existing.Status = store.TaskPaused
		}
	}
	if body.Schedule != nil {
		normalized, err := scheduler.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	if existing.Status == store.TaskActive {
		existing.NextRunAt = scheduler.NextRun(existing.Schedule, time.Now())
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveTask(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, taskToAPI(*existing))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.coord.State()
	tasks, _ := s.store.ListTasks()

	activeTasks := 0
	for _, t := range tasks {
		if t.Status == store.TaskActive {
			activeTasks++
		}
	}
	recentFailures, _ := s.store.FailuresSince(time.Now().Add(-time.Hour))

	jsonResponse(w, map[string]any{
		"status":            "ok",
		"initialized":       st.Initialized,
		"active_agents":     st.ActiveAgents,
		"max_agents":        st.MaxAgents,
		"topology":          st.Topology,
		"scheduled_tasks":   activeTasks,
		"failures_last_1h":  recentFailures,
		"websocket_clients": s.hub.Clients(),
		"nats_clients":      s.natsClients(),
		"uptime":            formatUptime(time.Since(s.startedAt)),
		"timestamp":         time.Now().UTC(),
		"version":           s.version,
	})
}

func taskToAPI(t store.ScheduledTask) map[string]any {
	m := map[string]any{
		"id":               t.ID,
		"name":             t.Name,
		"schedule":         t.Schedule,
		"schedule_display": scheduler.Describe(t.Schedule),
		"task":             t.Task,
		"enabled":          t.Status == store.TaskActive,
		"status":           t.Status,
	}
	if t.LastRunAt != nil {
		m["last_run"] = t.LastRunAt.UTC()
		m["last_status"] = t.LastStatus
		if t.LastError != "" {
			m["last_error"] = t.LastError
		}
	}
	if t.NextRunAt != nil {
		m["next_run"] = t.NextRunAt.UTC()
	}
	return m
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
