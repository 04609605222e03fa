package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/solomon/internal/swarm"
)

// Scheduled task states.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed" // a once schedule that has run
)

// ScheduledTask is a swarm task submitted to the coordinator on a schedule.
type ScheduledTask struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Task       swarm.Task `json:"task"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledTask, error) {
	t := &ScheduledTask{}
	var task string
	var lastStatus, lastError *string
	err := scanner.Scan(&t.ID, &t.Name, &t.Schedule, &task, &t.Status,
		&t.NextRunAt, &t.LastRunAt, &lastStatus, &lastError, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(task), &t.Task); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if lastStatus != nil {
		t.LastStatus = *lastStatus
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	return t, nil
}

const taskColumns = `id, name, schedule, task, status, next_run_at, last_run_at, last_status, last_error, created_at`

func (s *Store) SaveTask(t *ScheduledTask) error {
	task, err := json.Marshal(t.Task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	_, err = s.db.Exec(`
		INSERT INTO scheduled_tasks (id, name, schedule, task, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			task = excluded.task,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		t.ID, t.Name, t.Schedule, string(task), t.Status, utcPtr(t.NextRunAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks() ([]ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) GetDueTasks(now time.Time) ([]ScheduledTask, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND next_run_at <= ?
		ORDER BY next_run_at`, TaskActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Store) UpdateTaskRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET last_run_at = ?, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, time.Now().UTC(), lastStatus, lastError, utcPtr(nextRunAt), id)
	return err
}

func (s *Store) UpdateTaskStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}

func collectTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// utcPtr normalizes times so text comparisons in sqlite stay ordered.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
