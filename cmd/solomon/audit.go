package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/solomon/internal/config"
	"github.com/mtzanidakis/solomon/internal/store"
	"github.com/mtzanidakis/solomon/internal/swarm"
)

// Archive entries, one JSON document per line.
const (
	entryDecisions = "decisions.jsonl"
	entryFailures  = "failures.jsonl"
	entrySnapshots = "snapshots.jsonl"
	entryTasks     = "tasks.jsonl"
)

type auditCounts struct {
	Decisions int
	Failures  int
	Snapshots int
	Tasks     int
}

func (c auditCounts) String() string {
	return fmt.Sprintf("%d decisions, %d failures, %d snapshots, %d tasks", c.Decisions, c.Failures, c.Snapshots, c.Tasks)
}

func parseFileFlag(args []string, usage string) (string, []string, error) {
	var path string
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("missing value for -f")
			}
			i++
			path = args[i]
		default:
			rest = append(rest, args[i])
		}
	}
	if path == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
		return "", nil, fmt.Errorf("missing -f flag")
	}
	return path, rest, nil
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return store.New(cfg.Store)
}

func runExportAudit(args []string) error {
	outputPath, _, err := parseFileFlag(args, "solomon export-audit -f <output.tar.zst>")
	if err != nil {
		return err
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	counts, err := writeAuditArchive(f, db)
	if err != nil {
		return err
	}
	// Close explicitly to catch write errors
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Export complete: %s, %s\n", counts, formatSize(size))
	return nil
}

// writeAuditArchive streams the store's audit trail as a zstd compressed tar.
func writeAuditArchive(w io.Writer, db *store.Store) (auditCounts, error) {
	var counts auditCounts

	decisions, err := db.ListDecisions(0)
	if err != nil {
		return counts, err
	}
	failures, err := db.ListFailures(0)
	if err != nil {
		return counts, err
	}
	snapshots, err := db.ListSnapshots(0)
	if err != nil {
		return counts, err
	}
	tasks, err := db.ListTasks()
	if err != nil {
		return counts, err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return counts, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()
	tw := tar.NewWriter(zw)
	defer tw.Close()

	if counts.Decisions, err = writeEntry(tw, entryDecisions, decisions); err != nil {
		return counts, err
	}
	if counts.Failures, err = writeEntry(tw, entryFailures, failures); err != nil {
		return counts, err
	}
	if counts.Snapshots, err = writeEntry(tw, entrySnapshots, snapshots); err != nil {
		return counts, err
	}
	if counts.Tasks, err = writeEntry(tw, entryTasks, tasks); err != nil {
		return counts, err
	}

	if err := tw.Close(); err != nil {
		return counts, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return counts, fmt.Errorf("close zstd: %w", err)
	}
	return counts, nil
}

func writeEntry[T any](tw *tar.Writer, name string, records []T) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return 0, fmt.Errorf("encode %s: %w", name, err)
		}
	}

	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(buf.Len()),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, &buf); err != nil {
		return 0, fmt.Errorf("write tar data: %w", err)
	}
	return len(records), nil
}

// walkAuditArchive calls fn for every known entry in the archive.
func walkAuditArchive(r io.Reader, fn func(name string, body io.Reader) error) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		name := strings.TrimLeft(hdr.Name, "./")
		switch name {
		case entryDecisions, entryFailures, entrySnapshots, entryTasks:
		default:
			slog.Warn("skipping unknown archive entry", "name", hdr.Name)
			continue
		}
		if err := fn(name, tr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
}

func eachLine(r io.Reader, fn func(line []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

func runInspectAudit(args []string) error {
	inputPath, _, err := parseFileFlag(args, "solomon inspect-audit -f <archive.tar.zst>")
	if err != nil {
		return err
	}
	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	counts, err := countAuditArchive(f)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", inputPath, counts)
	return nil
}

func countAuditArchive(r io.Reader) (auditCounts, error) {
	var counts auditCounts
	err := walkAuditArchive(r, func(name string, body io.Reader) error {
		n := 0
		if err := eachLine(body, func([]byte) error { n++; return nil }); err != nil {
			return err
		}
		switch name {
		case entryDecisions:
			counts.Decisions = n
		case entryFailures:
			counts.Failures = n
		case entrySnapshots:
			counts.Snapshots = n
		case entryTasks:
			counts.Tasks = n
		}
		return nil
	})
	return counts, err
}

func runImportAudit(args []string) error {
	inputPath, _, err := parseFileFlag(args, "solomon import-audit -f <archive.tar.zst>")
	if err != nil {
		return err
	}
	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	counts, err := importAuditArchive(f, db)
	if err != nil {
		return err
	}
	fmt.Printf("Import complete: %s\n", counts)
	return nil
}

// importAuditArchive appends decisions, failures and snapshots. Snapshots
// get a fresh id and timestamp. Tasks keep their ids, so importing twice
// updates them in place.
func importAuditArchive(r io.Reader, db *store.Store) (auditCounts, error) {
	var counts auditCounts
	err := walkAuditArchive(r, func(name string, body io.Reader) error {
		return eachLine(body, func(line []byte) error {
			switch name {
			case entryDecisions:
				var rec swarm.DecisionRecord
				if err := json.Unmarshal(line, &rec); err != nil {
					return err
				}
				counts.Decisions++
				return db.SaveDecision(rec)
			case entryFailures:
				var rec swarm.FailureRecord
				if err := json.Unmarshal(line, &rec); err != nil {
					return err
				}
				counts.Failures++
				return db.SaveFailure(rec)
			case entrySnapshots:
				var snap store.Snapshot
				if err := json.Unmarshal(line, &snap); err != nil {
					return err
				}
				counts.Snapshots++
				_, err := db.SaveSnapshot(snap.State)
				return err
			case entryTasks:
				var task store.ScheduledTask
				if err := json.Unmarshal(line, &task); err != nil {
					return err
				}
				counts.Tasks++
				return db.SaveTask(&task)
			}
			return nil
		})
	})
	return counts, err
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
