package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/solomon/internal/swarm"
)

// SaveDecision appends a decision record. Store satisfies swarm.AuditSink.
func (s *Store) SaveDecision(rec swarm.DecisionRecord) error {
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO decisions (decision_id, type, proposal, severity, outcome, confidence, result, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Decision.ID, rec.Decision.Type, rec.Decision.Proposal, rec.Decision.Severity,
		string(rec.Result.Outcome), rec.Result.Confidence, string(result), rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

func scanDecision(scanner interface {
	Scan(dest ...any) error
}) (*swarm.DecisionRecord, error) {
	rec := &swarm.DecisionRecord{}
	var severity *string
	var result string
	err := scanner.Scan(&rec.Decision.ID, &rec.Decision.Type, &rec.Decision.Proposal, &severity, &result, &rec.Timestamp)
	if err != nil {
		return nil, err
	}
	if severity != nil {
		rec.Decision.Severity = *severity
	}
	if err := json.Unmarshal([]byte(result), &rec.Result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return rec, nil
}

const decisionColumns = `decision_id, type, proposal, severity, result, decided_at`

// GetDecision returns the latest record for a decision id.
func (s *Store) GetDecision(id string) (*swarm.DecisionRecord, error) {
	row := s.db.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE decision_id = ? ORDER BY seq DESC LIMIT 1`, id)
	rec, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return rec, nil
}

// ListDecisions returns records oldest first. A positive limit keeps only
// the most recent ones.
func (s *Store) ListDecisions(limit int) ([]swarm.DecisionRecord, error) {
	rows, err := s.db.Query(`
		SELECT `+decisionColumns+` FROM (
			SELECT seq, `+decisionColumns+` FROM decisions ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []swarm.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SaveFailure appends a failure record.
func (s *Store) SaveFailure(rec swarm.FailureRecord) error {
	_, err := s.db.Exec(`INSERT INTO failures (agent_id, error, failed_at) VALUES (?, ?, ?)`,
		rec.AgentID, rec.Error, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("save failure: %w", err)
	}
	return nil
}

func scanFailure(scanner interface {
	Scan(dest ...any) error
}) (*swarm.FailureRecord, error) {
	rec := &swarm.FailureRecord{}
	if err := scanner.Scan(&rec.AgentID, &rec.Error, &rec.Timestamp); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListFailures returns records oldest first. A positive limit keeps only
// the most recent ones.
func (s *Store) ListFailures(limit int) ([]swarm.FailureRecord, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, error, failed_at FROM (
			SELECT seq, agent_id, error, failed_at FROM failures ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()
	return collectFailures(rows)
}

func (s *Store) ListFailuresForAgent(agentID string) ([]swarm.FailureRecord, error) {
	rows, err := s.db.Query(`SELECT agent_id, error, failed_at FROM failures WHERE agent_id = ? ORDER BY seq`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list failures for agent: %w", err)
	}
	defer rows.Close()
	return collectFailures(rows)
}

// FailuresSince counts failures recorded at or after t.
func (s *Store) FailuresSince(t time.Time) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM failures WHERE failed_at >= ?`, t.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failures: %w", err)
	}
	return n, nil
}

func collectFailures(rows *sql.Rows) ([]swarm.FailureRecord, error) {
	var out []swarm.FailureRecord
	for rows.Next() {
		rec, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// sqlLimit maps "no limit" onto sqlite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
