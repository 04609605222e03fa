package main

import (
	"archive/tar"
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/solomon/internal/config"
	"github.com/mtzanidakis/solomon/internal/store"
	"github.com/mtzanidakis/solomon/internal/swarm"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedStore(t *testing.T, s *store.Store) {
	t.Helper()
	now := time.Now()
	for _, id := range []string{"d1", "d2"} {
		rec := swarm.DecisionRecord{
			Decision:  swarm.Decision{ID: id, Type: "merge", Proposal: "merge " + id},
			Result:    swarm.ConsensusResult{DecisionID: id, Outcome: swarm.OutcomeApprove, Confidence: 0.9},
			Timestamp: now,
		}
		if err := s.SaveDecision(rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveFailure(swarm.FailureRecord{AgentID: "worker-1", Error: "oom", Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveSnapshot(swarm.SwarmState{Initialized: true, MaxAgents: 4, Topology: swarm.TopologyRing}); err != nil {
		t.Fatal(err)
	}
	next := now.Add(time.Hour)
	if err := s.SaveTask(&store.ScheduledTask{
		ID:        "task-1",
		Name:      "hourly",
		Schedule:  `{"kind":"interval","interval_ms":3600000}`,
		Task:      swarm.Task{ID: "t1", Description: "sweep"},
		NextRunAt: &next,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAuditArchiveRoundTrip(t *testing.T) {
	src := newTestStore(t)
	seedStore(t, src)

	var buf bytes.Buffer
	counts, err := writeAuditArchive(&buf, src)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := auditCounts{Decisions: 2, Failures: 1, Snapshots: 1, Tasks: 1}
	if counts != want {
		t.Fatalf("export counts = %v, want %v", counts, want)
	}

	inspected, err := countAuditArchive(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if inspected != want {
		t.Errorf("inspect counts = %v, want %v", inspected, want)
	}

	dst := newTestStore(t)
	imported, err := importAuditArchive(bytes.NewReader(buf.Bytes()), dst)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != want {
		t.Errorf("import counts = %v, want %v", imported, want)
	}

	rec, err := dst.GetDecision("d2")
	if err != nil || rec == nil {
		t.Fatalf("expected imported decision, got %v (%v)", rec, err)
	}
	if rec.Result.Outcome != swarm.OutcomeApprove || rec.Decision.Proposal != "merge d2" {
		t.Errorf("unexpected decision %+v", rec)
	}
	failures, _ := dst.ListFailuresForAgent("worker-1")
	if len(failures) != 1 || failures[0].Error != "oom" {
		t.Errorf("unexpected failures %+v", failures)
	}
	snap, _ := dst.LatestSnapshot()
	if snap == nil || snap.State.Topology != swarm.TopologyRing {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	task, _ := dst.GetTask("task-1")
	if task == nil || task.Task.Description != "sweep" {
		t.Errorf("unexpected task %+v", task)
	}

	// Tasks keep their id across imports.
	if _, err := importAuditArchive(bytes.NewReader(buf.Bytes()), dst); err != nil {
		t.Fatal(err)
	}
	tasks, _ := dst.ListTasks()
	if len(tasks) != 1 {
		t.Errorf("expected task upserted, got %d tasks", len(tasks))
	}
	decisions, _ := dst.ListDecisions(0)
	if len(decisions) != 4 {
		t.Errorf("expected decisions appended, got %d", len(decisions))
	}
}

func TestAuditArchiveEmptyStore(t *testing.T) {
	var buf bytes.Buffer
	counts, err := writeAuditArchive(&buf, newTestStore(t))
	if err != nil {
		t.Fatal(err)
	}
	if counts != (auditCounts{}) {
		t.Errorf("expected zero counts, got %v", counts)
	}
	inspected, err := countAuditArchive(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if inspected != (auditCounts{}) {
		t.Errorf("expected empty archive, got %v", inspected)
	}
}

func TestAuditArchiveSkipsUnknownEntries(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range map[string]string{
		"README":             "not audit data",
		"./failures.jsonl":   `{"agent_id":"a","error":"x"}` + "\n\n",
		"other/nested.jsonl": "{}\n",
	} {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	zw.Close()

	counts, err := countAuditArchive(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if counts != (auditCounts{Failures: 1}) {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestAuditArchiveInvalidData(t *testing.T) {
	if _, err := countAuditArchive(bytes.NewReader([]byte("not zstd"))); err == nil {
		t.Error("expected error for non-zstd input")
	}
}

func TestParseFileFlag(t *testing.T) {
	path, rest, err := parseFileFlag([]string{"-f", "out.tar.zst", "extra"}, "usage")
	if err != nil {
		t.Fatal(err)
	}
	if path != "out.tar.zst" || len(rest) != 1 || rest[0] != "extra" {
		t.Errorf("unexpected parse %q %v", path, rest)
	}
	if _, _, err := parseFileFlag([]string{"-f"}, "usage"); err == nil {
		t.Error("expected error for missing value")
	}
	if _, _, err := parseFileFlag(nil, "usage"); err == nil {
		t.Error("expected error for missing flag")
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
