package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"overseer/internal/domain"
)

// Queue derives the attention queue: entries whose kind is error or
// approval_needed, or whose attention flag is set, minus resolved ids.
// An empty projectID derives across every known project, each internally in
// append order. The result is a pure function of log plus resolved state.
func (s *Store) Queue(projectID string) ([]domain.ContextEntry, error) {
	if projectID != "" {
		return s.projectQueue(projectID)
	}
	ids, err := s.ListProjectDirs()
	if err != nil {
		return nil, err
	}
	var out []domain.ContextEntry
	for _, id := range ids {
		q, err := s.projectQueue(id)
		if err != nil {
			return nil, err
		}
		out = append(out, q...)
	}
	return out, nil
}

func (s *Store) projectQueue(projectID string) ([]domain.ContextEntry, error) {
	entries, err := s.readLog(projectID)
	if err != nil {
		return nil, err
	}
	resolved, err := s.ResolvedIDs(projectID)
	if err != nil {
		return nil, err
	}
	var queue []domain.ContextEntry
	for _, e := range entries {
		if !e.NeedsAttention() {
			continue
		}
		if _, ok := resolved[e.ID]; ok {
			continue
		}
		queue = append(queue, e)
	}
	return queue, nil
}

// Locate finds the project whose log contains entryID.
func (s *Store) Locate(entryID string) (string, error) {
	ids, err := s.ListProjectDirs()
	if err != nil {
		return "", err
	}
	for _, projectID := range ids {
		entries, err := s.readLog(projectID)
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			if e.ID == entryID {
				return projectID, nil
			}
		}
	}
	return "", ErrNotFound
}

// Resolve records an operator's disposition of a queue item: the id joins the
// project's persisted resolved set (idempotently) and a non-attention note
// entry with actor "human" records the action and rationale. An entryID that
// is not in the project log is ErrNotFound and mutates nothing.
func (s *Store) Resolve(projectID, entryID, action, text string) error {
	entries, err := s.readLog(projectID)
	if err != nil {
		return err
	}
	found := false
	for _, e := range entries {
		if e.ID == entryID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("entry %s in project %s: %w", entryID, projectID, ErrNotFound)
	}

	if err := s.markResolved(projectID, entryID); err != nil {
		return err
	}

	note := fmt.Sprintf("Resolved with action %q", action)
	if text != "" {
		note = fmt.Sprintf("%s: %s", note, text)
	}
	if _, err := s.Append(domain.ContextEntry{
		ProjectID:   projectID,
		SessionName: "orchestrator",
		Actor:       "human",
		Kind:        domain.KindNote,
		Text:        note,
		Refs:        map[string]any{"resolved_entry": entryID, "action": action},
	}); err != nil {
		return err
	}

	s.mu.Lock()
	hook := s.onResolve
	s.mu.Unlock()
	if hook != nil {
		hook(projectID, entryID)
	}
	return nil
}

// markResolved inserts entryID into the resolved set. Inserting an id that is
// already present is a no-op; the set never holds duplicates.
func (s *Store) markResolved(projectID, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.readResolved(projectID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == entryID {
			return nil
		}
	}
	ids = append(ids, entryID)
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.projectDir(projectID), resolvedFile), data, 0o644)
}

// ResolvedIDs exposes the persisted resolved-id set for a project.
func (s *Store) ResolvedIDs(projectID string) (map[string]struct{}, error) {
	ids, err := s.readResolved(projectID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (s *Store) readResolved(projectID string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.projectDir(projectID), resolvedFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("resolved set %s: %w", projectID, err)
	}
	sort.Strings(ids)
	return ids, nil
}
