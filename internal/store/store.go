// Package store persists per-project context history on the file system.
//
// Each project owns a directory under <root>/projects/<id> holding an
// append-only events.jsonl log, a resolved.json id set and a snapshot.json
// summary. The log is never rewritten in place; the resolved set is the one
// read-modify-write file and is guarded by the store mutex.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"overseer/internal/domain"
)

const (
	eventsFile   = "events.jsonl"
	resolvedFile = "resolved.json"
	snapshotFile = "snapshot.json"

	// DefaultEventLimit bounds Events reads when the caller passes no limit.
	DefaultEventLimit = 100

	scannerMaxBytes = 4 * 1024 * 1024
)

// ErrNotFound is returned when an entry id does not exist in a project log.
var ErrNotFound = errors.New("not found")

// Store owns the per-project event logs and resolved-id sets.
type Store struct {
	root string
	Now  func() time.Time

	mu        sync.Mutex
	onAppend  func(domain.ContextEntry)
	onResolve func(projectID, entryID string)
}

// Open creates the store root if needed and returns a Store.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "projects"), 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, Now: time.Now}, nil
}

// Subscribe registers hooks fired after a successful append and after a
// resolution is recorded. Used by the push notify mode; nil disables a hook.
func (s *Store) Subscribe(onAppend func(domain.ContextEntry), onResolve func(projectID, entryID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = onAppend
	s.onResolve = onResolve
}

func (s *Store) projectDir(projectID string) string {
	return filepath.Join(s.root, "projects", projectID)
}

// ListProjectDirs returns the ids of every project with on-disk state.
func (s *Store) ListProjectDirs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "projects"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// EnsureProject creates the project's storage location.
func (s *Store) EnsureProject(projectID string) error {
	return os.MkdirAll(s.projectDir(projectID), 0o755)
}

// Append assigns a fresh id and timestamp when absent and durably appends the
// entry to the project's log. Prior entries are never touched.
func (s *Store) Append(e domain.ContextEntry) (domain.ContextEntry, error) {
	if e.ProjectID == "" {
		return e, fmt.Errorf("append: project id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.TS = domain.Now(s.now())
	if err := s.EnsureProject(e.ProjectID); err != nil {
		return e, err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("marshal entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.projectDir(e.ProjectID), eventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return e, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return e, err
	}
	if err := f.Close(); err != nil {
		return e, err
	}
	s.mu.Lock()
	hook := s.onAppend
	s.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	return e, nil
}

// Events returns up to limit of the most recent entries, oldest first,
// optionally restricted to entries strictly after sinceTS. An unknown project
// yields an empty result, not an error.
func (s *Store) Events(projectID, sinceTS string, limit int) ([]domain.ContextEntry, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	all, err := s.readLog(projectID)
	if err != nil {
		return nil, err
	}
	if sinceTS != "" {
		filtered := all[:0]
		for _, e := range all {
			if e.TS > sinceTS {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *Store) readLog(projectID string) ([]domain.ContextEntry, error) {
	f, err := os.Open(filepath.Join(s.projectDir(projectID), eventsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), scannerMaxBytes)
	var out []domain.ContextEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e domain.ContextEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("log %s: %w", projectID, err)
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// WriteSnapshot replaces the project's snapshot summary.
func (s *Store) WriteSnapshot(sn domain.Snapshot) error {
	sn.UpdatedAt = domain.Now(s.now())
	if err := s.EnsureProject(sn.ProjectID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sn, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.projectDir(sn.ProjectID), snapshotFile), data, 0o644)
}

// Snapshot reads the project's snapshot. Absence is ErrNotFound.
func (s *Store) Snapshot(projectID string) (domain.Snapshot, error) {
	var sn domain.Snapshot
	data, err := os.ReadFile(filepath.Join(s.projectDir(projectID), snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return sn, ErrNotFound
		}
		return sn, err
	}
	if err := json.Unmarshal(data, &sn); err != nil {
		return sn, err
	}
	return sn, nil
}
