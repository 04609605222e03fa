package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/solomon/internal/swarm"
)

// Snapshot is a persisted copy of the coordinator state.
type Snapshot struct {
	ID           string           `json:"id"`
	ActiveAgents int              `json:"active_agents"`
	Topology     swarm.Topology   `json:"topology"`
	State        swarm.SwarmState `json:"state"`
	TakenAt      time.Time        `json:"taken_at"`
}

func scanSnapshot(scanner interface {
	Scan(dest ...any) error
}) (*Snapshot, error) {
	snap := &Snapshot{}
	var state string
	if err := scanner.Scan(&snap.ID, &snap.ActiveAgents, &snap.Topology, &state, &snap.TakenAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return snap, nil
}

const snapshotColumns = `id, active_agents, topology, state, taken_at`

func (s *Store) SaveSnapshot(st swarm.SwarmState) (*Snapshot, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	snap := &Snapshot{
		ID:           uuid.New().String(),
		ActiveAgents: st.ActiveAgents,
		Topology:     st.Topology,
		State:        st,
		TakenAt:      time.Now().UTC(),
	}
	_, err = s.db.Exec(`INSERT INTO snapshots (`+snapshotColumns+`) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.ActiveAgents, string(snap.Topology), string(data), snap.TakenAt)
	if err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) GetSnapshot(id string) (*Snapshot, error) {
	row := s.db.QueryRow(`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) LatestSnapshot() (*Snapshot, error) {
	row := s.db.QueryRow(`SELECT ` + snapshotColumns + ` FROM snapshots ORDER BY taken_at DESC, rowid DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns snapshots newest first.
func (s *Store) ListSnapshots(limit int) ([]Snapshot, error) {
	rows, err := s.db.Query(`SELECT `+snapshotColumns+` FROM snapshots ORDER BY taken_at DESC, rowid DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// PruneSnapshots keeps the newest keep snapshots and reports how many were
// deleted.
func (s *Store) PruneSnapshots(keep int) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM snapshots WHERE rowid NOT IN (
			SELECT rowid FROM snapshots ORDER BY taken_at DESC, rowid DESC LIMIT ?
		)`, max(keep, 0))
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
