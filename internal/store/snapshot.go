package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/task-mcp/internal/workspace"
)

// ReadState classifies how a read-only handle was obtained. Callers must
// branch on it explicitly; staleness is never smuggled through as an error.
type ReadState string

const (
	ReadFresh       ReadState = "fresh"
	ReadStale       ReadState = "stale"
	ReadUnavailable ReadState = "unavailable"
)

// ReadHandle is the result of OpenReadFallback. Store is nil when State is
// ReadUnavailable. Stale handles are opened read-only, so write paths fail
// closed at the driver.
type ReadHandle struct {
	Store *Store
	State ReadState
	Age   time.Duration // snapshot age; zero when fresh
}

// WriteSnapshot creates a timestamped online backup of the database under
// dir and returns its path. Older snapshots are not pruned here.
func (s *Store) WriteSnapshot(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("tasks-%s.db", time.Now().UTC().Format("20060102T150405")))
	if err := s.Backup(ctx, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// OpenReadFallback opens the primary database at path, falling back to the
// newest snapshot under snapshotDir when the primary cannot be opened. A
// snapshot older than maxAge yields ReadUnavailable rather than serving
// arbitrarily old data.
func OpenReadFallback(path, workspaceDir, snapshotDir string, maxAge time.Duration, opts ...Option) (*ReadHandle, error) {
	primary, primaryErr := Open(path, workspaceDir, opts...)
	if primaryErr == nil {
		return &ReadHandle{Store: primary, State: ReadFresh}, nil
	}

	snap, age, err := newestSnapshot(snapshotDir)
	if err != nil || snap == "" {
		return &ReadHandle{State: ReadUnavailable}, nil
	}
	if maxAge > 0 && age > maxAge {
		return &ReadHandle{State: ReadUnavailable}, nil
	}

	store, err := openReadOnly(snap, workspaceDir, opts...)
	if err != nil {
		return &ReadHandle{State: ReadUnavailable}, nil
	}
	if store.metrics != nil {
		store.metrics.StaleReads.Add(context.Background(), 1)
	}
	return &ReadHandle{Store: store, State: ReadStale, Age: age}, nil
}

// PruneSnapshots removes all but the keep newest snapshot files under dir.
// keep <= 0 disables pruning. A missing directory is a no-op.
func PruneSnapshots(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot dir: %w", err)
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(dir, entry.Name()), mod: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mod.After(candidates[j].mod) })
	for _, c := range candidates[min(keep, len(candidates)):] {
		if err := os.Remove(c.path); err != nil {
			return fmt.Errorf("prune snapshot %s: %w", c.path, err)
		}
	}
	return nil
}

func newestSnapshot(dir string) (string, time.Duration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, fmt.Errorf("read snapshot dir: %w", err)
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(dir, entry.Name()), mod: info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", 0, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mod.After(candidates[j].mod) })
	newest := candidates[0]
	return newest.path, time.Since(newest.mod), nil
}

func openReadOnly(path, workspaceDir string, opts ...Option) (*Store, error) {
	ws, err := workspace.Capture(workspaceDir)
	if err != nil {
		return nil, err
	}
	store := &Store{ws: ws, logger: slog.Default(), busyTimeoutMS: defaultBusyTimeoutMS}
	for _, opt := range opts {
		opt(store)
	}

	dsn := fmt.Sprintf("%s?mode=ro&_busy_timeout=%d", path, store.busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	store.db = db
	// Probe the handle; a missing or corrupt snapshot fails here.
	var one int
	if err := db.QueryRow(`SELECT 1;`).Scan(&one); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("probe snapshot: %w", err)
	}
	return store, nil
}
