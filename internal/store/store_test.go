package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func addEntry(t *testing.T, s *Store, projectID string, kind domain.EventKind, attention bool) domain.ContextEntry {
	t.Helper()
	e, err := s.Append(domain.ContextEntry{
		ProjectID:            projectID,
		SessionName:          "s1",
		Actor:                "agent",
		Kind:                 kind,
		Text:                 "test " + string(kind),
		HumanAttentionNeeded: attention,
	})
	require.NoError(t, err)
	return e
}

func TestQueueSelectsAttentionWorthyEntries(t *testing.T) {
	s := newTestStore(t)
	addEntry(t, s, "p1", domain.KindStatus, false)
	addEntry(t, s, "p1", domain.KindNote, false)
	addEntry(t, s, "p1", domain.KindHandoff, false)
	approval := addEntry(t, s, "p1", domain.KindApproval, false)
	errEntry := addEntry(t, s, "p1", domain.KindError, false)
	flagged := addEntry(t, s, "p1", domain.KindNote, true)

	queue, err := s.Queue("p1")
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, approval.ID, queue[0].ID)
	assert.Equal(t, errEntry.ID, queue[1].ID)
	assert.Equal(t, flagged.ID, queue[2].ID)
}

func TestQueueEmptyForUnknownProject(t *testing.T) {
	s := newTestStore(t)
	queue, err := s.Queue("nope")
	require.NoError(t, err)
	assert.Empty(t, queue)

	events, err := s.Events("nope", "", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestResolveRemovesFromQueue(t *testing.T) {
	s := newTestStore(t)
	e := addEntry(t, s, "p1", domain.KindApproval, false)

	require.NoError(t, s.Resolve("p1", e.ID, "approve", "LGTM"))

	queue, err := s.Queue("p1")
	require.NoError(t, err)
	assert.Empty(t, queue)

	events, err := s.Events("p1", "", 100)
	require.NoError(t, err)
	var resolutions []domain.ContextEntry
	for _, ev := range events {
		if ev.Actor == "human" {
			resolutions = append(resolutions, ev)
		}
	}
	require.Len(t, resolutions, 1)
	assert.Contains(t, resolutions[0].Text, "approve")
	assert.Contains(t, resolutions[0].Text, "LGTM")
	assert.Equal(t, domain.KindNote, resolutions[0].Kind)
	assert.False(t, resolutions[0].NeedsAttention(), "a resolution record must never re-enter the queue")
}

func TestResolveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	e := addEntry(t, s, "p1", domain.KindApproval, false)

	require.NoError(t, s.Resolve("p1", e.ID, "approve", ""))
	require.NoError(t, s.Resolve("p1", e.ID, "approve", ""))

	resolved, err := s.ResolvedIDs("p1")
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
	assert.Contains(t, resolved, e.ID)

	queue, err := s.Queue("p1")
	require.NoError(t, err)
	assert.Empty(t, queue, "membership must not flap")
}

func TestResolveUnknownEntry(t *testing.T) {
	s := newTestStore(t)
	addEntry(t, s, "p1", domain.KindApproval, false)
	err := s.Resolve("p1", "no-such-id", "approve", "")
	assert.ErrorIs(t, err, ErrNotFound)

	resolved, err := s.ResolvedIDs("p1")
	require.NoError(t, err)
	assert.Empty(t, resolved, "a failed resolve must not mutate")
}

func TestResolveMultiple(t *testing.T) {
	s := newTestStore(t)
	addEntry(t, s, "p1", domain.KindApproval, false)
	addEntry(t, s, "p1", domain.KindError, false)
	addEntry(t, s, "p1", domain.KindApproval, false)

	queue, err := s.Queue("p1")
	require.NoError(t, err)
	require.Len(t, queue, 3)

	require.NoError(t, s.Resolve("p1", queue[0].ID, "approve", ""))
	require.NoError(t, s.Resolve("p1", queue[1].ID, "resolved", ""))

	queue, err = s.Queue("p1")
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestResolvedIDsPersistAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	e := addEntry(t, s, "p1", domain.KindApproval, false)
	require.NoError(t, s.Resolve("p1", e.ID, "approve", ""))

	reopened, err := Open(dir)
	require.NoError(t, err)
	resolved, err := reopened.ResolvedIDs("p1")
	require.NoError(t, err)
	assert.Contains(t, resolved, e.ID)

	queue, err := reopened.Queue("p1")
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestQueueAcrossProjects(t *testing.T) {
	s := newTestStore(t)
	addEntry(t, s, "p1", domain.KindApproval, false)
	addEntry(t, s, "p2", domain.KindError, false)

	queue, err := s.Queue("")
	require.NoError(t, err)
	require.Len(t, queue, 2)
	projects := map[string]bool{}
	for _, e := range queue {
		projects[e.ProjectID] = true
	}
	assert.True(t, projects["p1"])
	assert.True(t, projects["p2"])
}

func TestQueueIsPure(t *testing.T) {
	s := newTestStore(t)
	addEntry(t, s, "p1", domain.KindApproval, false)
	addEntry(t, s, "p1", domain.KindError, false)

	first, err := s.Queue("")
	require.NoError(t, err)
	second, err := s.Queue("")
	require.NoError(t, err)
	assert.Equal(t, first, second, "derivation without intervening writes must be identical")
}

func TestAppendAssignsDistinctIDs(t *testing.T) {
	s := newTestStore(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		e := addEntry(t, s, "p1", domain.KindStatus, false)
		require.False(t, seen[e.ID], "id %s reused", e.ID)
		seen[e.ID] = true
	}
}

func TestAppendPreservesProvidedID(t *testing.T) {
	s := newTestStore(t)
	e, err := s.Append(domain.ContextEntry{
		ID:        "fixed-id",
		ProjectID: "p1",
		Actor:     "agent",
		Kind:      domain.KindApproval,
		Text:      "x",
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", e.ID)

	events, err := s.Events("p1", "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fixed-id", events[0].ID)
}

func TestEventsTailAndSinceFilter(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		s.Now = func() time.Time { return tick }
		addEntry(t, s, "p1", domain.KindStatus, false)
	}

	events, err := s.Events("p1", "", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.Now(base.Add(4*time.Minute)), events[1].TS)

	since := domain.Now(base.Add(2 * time.Minute))
	events, err = s.Events("p1", since, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2, "since filter is strictly-after")
}

func TestLocate(t *testing.T) {
	s := newTestStore(t)
	addEntry(t, s, "p1", domain.KindStatus, false)
	e := addEntry(t, s, "p2", domain.KindError, false)

	projectID, err := s.Locate(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "p2", projectID)

	_, err = s.Locate("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribeHooks(t *testing.T) {
	s := newTestStore(t)
	var appended []string
	var resolvedIDs []string
	s.Subscribe(
		func(e domain.ContextEntry) { appended = append(appended, e.ID) },
		func(projectID, entryID string) { resolvedIDs = append(resolvedIDs, entryID) },
	)

	e := addEntry(t, s, "p1", domain.KindApproval, false)
	require.NoError(t, s.Resolve("p1", e.ID, "approve", ""))

	// The resolution itself appends a note entry, so two appends total.
	assert.Len(t, appended, 2)
	assert.Equal(t, e.ID, appended[0])
	assert.Equal(t, []string{e.ID}, resolvedIDs)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Snapshot("p1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.WriteSnapshot(domain.Snapshot{
		ProjectID:    "p1",
		Summary:      "proj status: active",
		Status:       "active",
		OpenBlockers: []string{"build broken"},
	}))
	sn, err := s.Snapshot("p1")
	require.NoError(t, err)
	assert.Equal(t, "proj status: active", sn.Summary)
	assert.Equal(t, []string{"build broken"}, sn.OpenBlockers)
	assert.NotEmpty(t, sn.UpdatedAt)
}
