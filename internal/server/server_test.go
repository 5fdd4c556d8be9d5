package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"overseer/internal/db"
	"overseer/internal/domain"
	"overseer/internal/migrate"
	"overseer/internal/repo"
	"overseer/internal/server"
	"overseer/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, repo.Repo) {
	t.Helper()
	stateDir := t.TempDir()
	conn, err := db.Open(db.Config{StateDir: stateDir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.Open(stateDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	r := repo.Repo{DB: conn}
	srv := httptest.NewServer(server.New(server.Config{Store: st, Repo: r}))
	t.Cleanup(srv.Close)
	return srv, st, r
}

func seedApproval(t *testing.T, st *store.Store, projectID, text string) domain.ContextEntry {
	t.Helper()
	entry, err := st.Append(domain.ContextEntry{
		ProjectID:   projectID,
		SessionName: projectID + "-builder-001",
		Actor:       "agent",
		Kind:        domain.KindApproval,
		Text:        text,
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	return entry
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestQueueEmpty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var entries []domain.ContextEntry
	resp := getJSON(t, srv.URL+"/queue", &entries)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty array, got %v", entries)
	}
}

func TestQueueListsAttentionEntries(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seeded := seedApproval(t, st, "p1", "Deploy to prod?")
	if _, err := st.Append(domain.ContextEntry{
		ProjectID: "p1", SessionName: "s", Actor: "agent",
		Kind: domain.KindStatus, Text: "building",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var entries []domain.ContextEntry
	getJSON(t, srv.URL+"/queue", &entries)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID != seeded.ID || entries[0].Kind != domain.KindApproval {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
}

func TestResolve(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seeded := seedApproval(t, st, "p1", "Deploy to prod?")

	body := bytes.NewBufferString(`{"action":"approve","text":"ship it"}`)
	resp, err := http.Post(srv.URL+"/queue/"+seeded.ID+"/resolve", "application/json", body)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out struct {
		Resolved bool   `json:"resolved"`
		ID       string `json:"id"`
		Action   string `json:"action"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Resolved || out.ID != seeded.ID || out.Action != "approve" {
		t.Fatalf("unexpected response %+v", out)
	}

	var entries []domain.ContextEntry
	getJSON(t, srv.URL+"/queue", &entries)
	if len(entries) != 0 {
		t.Fatalf("queue should be empty after resolve, got %d", len(entries))
	}

	// The resolution leaves a human note behind in the project log.
	events, err := st.Events("p1", "", 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	last := events[len(events)-1]
	if last.Actor != "human" || last.Kind != domain.KindNote {
		t.Fatalf("expected human note, got %+v", last)
	}
	if !strings.Contains(last.Text, "approve") || !strings.Contains(last.Text, "ship it") {
		t.Fatalf("note text: %q", last.Text)
	}
}

func TestResolveDefaultsToAcknowledge(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seeded := seedApproval(t, st, "p1", "Deploy?")

	resp, err := http.Post(srv.URL+"/queue/"+seeded.ID+"/resolve", "application/json",
		bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Action != "acknowledge" {
		t.Fatalf("default action %q", out.Action)
	}
}

func TestResolveIdempotent(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seeded := seedApproval(t, st, "p1", "Deploy?")

	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/queue/"+seeded.ID+"/resolve", "application/json",
			bytes.NewBufferString(`{"action":"approve"}`))
		if err != nil {
			t.Fatalf("resolve #%d: %v", i+1, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("resolve #%d status %d", i+1, resp.StatusCode)
		}
	}
}

func TestResolveUnknownEntry(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/queue/no-such-id/resolve", "application/json",
		bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	// The error envelope is flat, with no schema decoration.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := strings.TrimSpace(string(raw)); got != `{"error":"entry not found"}` {
		t.Fatalf("error body %s", got)
	}
}

func TestResolveMalformedBody(t *testing.T) {
	srv, st, _ := newTestServer(t)
	seeded := seedApproval(t, st, "p1", "Deploy?")

	resp, err := http.Post(srv.URL+"/queue/"+seeded.ID+"/resolve", "application/json",
		bytes.NewBufferString(`{not json`))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got := strings.TrimSpace(string(raw)); got != `{"error":"invalid json"}` {
		t.Fatalf("error body %s", got)
	}

	// A rejected request resolves nothing.
	var entries []domain.ContextEntry
	getJSON(t, srv.URL+"/queue", &entries)
	if len(entries) != 1 {
		t.Fatalf("queue should still hold the entry, got %d", len(entries))
	}
}

func TestPreflight(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/queue", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS origin header")
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatalf("CORS methods: %q", resp.Header.Get("Access-Control-Allow-Methods"))
	}
}

func TestProjects(t *testing.T) {
	srv, _, r := newTestServer(t)
	ctx := context.Background()
	now := domain.Now(time.Now())
	if err := r.UpsertProject(ctx, domain.Project{ID: "p1", Name: "One", Status: "active", UpdatedAt: now}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if err := r.UpsertSession(ctx, domain.Session{
			ProjectID: "p1", Name: fmt.Sprintf("p1-builder-%03d", i),
			Role: "builder", State: "idle", UpdatedAt: now,
		}); err != nil {
			t.Fatalf("upsert session: %v", err)
		}
	}

	var projects []struct {
		ProjectID    string `json:"project_id"`
		Name         string `json:"name"`
		SessionCount int    `json:"session_count"`
	}
	getJSON(t, srv.URL+"/projects", &projects)
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}
	if projects[0].ProjectID != "p1" || projects[0].SessionCount != 2 {
		t.Fatalf("unexpected summary %+v", projects[0])
	}
}

func TestProjectSessions(t *testing.T) {
	srv, _, r := newTestServer(t)
	ctx := context.Background()
	now := domain.Now(time.Now())
	if err := r.UpsertProject(ctx, domain.Project{ID: "p1", Name: "One", Status: "active", UpdatedAt: now}); err != nil {
		t.Fatalf("upsert project: %v", err)
	}
	if err := r.UpsertSession(ctx, domain.Session{
		ProjectID: "p1", Name: "p1-builder-001", Role: "builder", State: "running", UpdatedAt: now,
	}); err != nil {
		t.Fatalf("upsert session: %v", err)
	}

	var sessions []domain.Session
	getJSON(t, srv.URL+"/projects/p1/sessions", &sessions)
	if len(sessions) != 1 || sessions[0].Name != "p1-builder-001" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	sessions = nil
	getJSON(t, srv.URL+"/projects/empty/sessions", &sessions)
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %+v", sessions)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/health", &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}
