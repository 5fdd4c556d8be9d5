// Package engine coordinates worker sessions: it drives the Session Executor
// and records everything that happens into the context store, which is where
// the attention queue is derived from.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"overseer/internal/config"
	"overseer/internal/domain"
	"overseer/internal/executor"
	"overseer/internal/repo"
	"overseer/internal/store"
)

type Engine struct {
	Repo   repo.Repo
	Store  *store.Store
	Client *executor.Client
	Config *config.Config
	Now    func() time.Time
	Log    *slog.Logger
}

func New(r repo.Repo, st *store.Store, client *executor.Client, cfg *config.Config) Engine {
	return Engine{
		Repo:   r,
		Store:  st,
		Client: client,
		Config: cfg,
		Now:    time.Now,
		Log:    slog.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// EnsureProject creates or refreshes a project's metadata, storage location
// and initial snapshot, and records the initialization in the log.
func (e Engine) EnsureProject(ctx context.Context, projectID, name, goal, branch string) (domain.Project, error) {
	p := domain.Project{
		ID:        projectID,
		Name:      name,
		Goal:      goal,
		Status:    "active",
		Branch:    branch,
		UpdatedAt: domain.Now(e.now()),
	}
	if err := e.Repo.UpsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("upsert project: %w", err)
	}
	if err := e.Store.EnsureProject(projectID); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.Store.Snapshot(projectID); err != nil {
		if err != store.ErrNotFound {
			return domain.Project{}, err
		}
		if err := e.Store.WriteSnapshot(domain.Snapshot{
			ProjectID: projectID,
			Summary:   fmt.Sprintf("Project %s initialized for: %s", name, goal),
			Status:    p.Status,
		}); err != nil {
			return domain.Project{}, err
		}
	}
	if _, err := e.Store.Append(domain.ContextEntry{
		ProjectID:   projectID,
		SessionName: "orchestrator",
		Actor:       "system",
		Kind:        domain.KindStatus,
		Text:        fmt.Sprintf("Project '%s' initialized/updated for goal: %s", projectID, goal),
	}); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CreateSession asks the executor for a new session and tracks it under the
// project. An empty sessionName picks the next free <project>-<role>-NNN.
func (e Engine) CreateSession(ctx context.Context, projectID, role, sessionName string) (string, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("project %s: %w", projectID, err)
	}
	if sessionName == "" {
		sessionName, err = e.nextSessionName(ctx, projectID, role)
		if err != nil {
			return "", err
		}
	}
	created, err := e.Client.CreateSession(ctx, sessionName)
	if err != nil {
		return "", err
	}
	name := created.Name
	if name == "" {
		name = sessionName
	}

	if err := e.Repo.UpsertSession(ctx, domain.Session{
		ProjectID:  projectID,
		Name:       name,
		Role:       role,
		State:      "running",
		Goal:       project.Goal,
		NextAction: "waiting",
		UpdatedAt:  domain.Now(e.now()),
	}); err != nil {
		return "", err
	}
	if _, err := e.Store.Append(domain.ContextEntry{
		ProjectID:   projectID,
		SessionName: name,
		Actor:       "orchestrator",
		Kind:        domain.KindHandoff,
		Text:        fmt.Sprintf("Session '%s' created for role '%s'.", name, role),
	}); err != nil {
		return "", err
	}
	return name, nil
}

// DispatchCommand sends one command to a tracked session, waits for the
// terminal to quiesce, reads the resulting screen and records the
// observation. With heartbeat set the project snapshot is rebuilt afterward.
func (e Engine) DispatchCommand(ctx context.Context, projectID, sessionName, command string, heartbeat bool) (executor.QuiesceResult, error) {
	session, err := e.requireSession(ctx, projectID, sessionName)
	if err != nil {
		return executor.QuiesceResult{}, err
	}
	session.State = "running"
	session.LastSignal = "executing: " + command
	session.NextAction = "send_input"
	session.UpdatedAt = domain.Now(e.now())
	if err := e.Repo.UpsertSession(ctx, session); err != nil {
		return executor.QuiesceResult{}, err
	}
	if _, err := e.Store.Append(domain.ContextEntry{
		ProjectID:   projectID,
		SessionName: sessionName,
		Actor:       "orchestrator",
		Kind:        domain.KindStatus,
		Text:        "Dispatching command: " + command,
	}); err != nil {
		return executor.QuiesceResult{}, err
	}

	if err := e.Client.SendInput(ctx, sessionName, command+"\n"); err != nil {
		return executor.QuiesceResult{}, err
	}
	quiesce, err := e.Client.Quiesce(ctx, sessionName, 500, 10000, true)
	if err != nil {
		return executor.QuiesceResult{}, err
	}
	screen, err := e.Client.Screen(ctx, sessionName, "plain")
	if err != nil {
		return executor.QuiesceResult{}, err
	}
	e.Log.Debug("command dispatched",
		"project", projectID, "session", sessionName,
		"quiesced", quiesce.Quiesced, "waited_ms", quiesce.WaitedMS)
	firstLine := ""
	if len(screen.Lines) > 0 {
		firstLine = screen.Lines[0]
	}

	if _, err := e.Store.Append(domain.ContextEntry{
		ProjectID:   projectID,
		SessionName: sessionName,
		Actor:       "orchestrator",
		Kind:        domain.KindNote,
		Text:        summarizeObservation(command, quiesce, firstLine),
		Refs:        map[string]any{"quiesce": quiesce, "screen": firstLine},
	}); err != nil {
		return executor.QuiesceResult{}, err
	}

	session.State = "idle"
	session.LastSignal = "completed_dispatch"
	session.NextAction = "awaiting_task"
	session.UpdatedAt = domain.Now(e.now())
	if err := e.Repo.UpsertSession(ctx, session); err != nil {
		return executor.QuiesceResult{}, err
	}
	if heartbeat {
		if err := e.writeSnapshot(ctx, projectID); err != nil {
			return executor.QuiesceResult{}, err
		}
	}
	return quiesce, nil
}

// RunTask creates a session for the role and dispatches the command sequence,
// emitting heartbeat entries between commands when an interval is set.
func (e Engine) RunTask(ctx context.Context, projectID, role string, commands []string, sessionName string, heartbeatInterval time.Duration) ([]executor.QuiesceResult, error) {
	worker, err := e.CreateSession(ctx, projectID, role, sessionName)
	if err != nil {
		return nil, err
	}
	var results []executor.QuiesceResult
	for i, command := range commands {
		res, err := e.DispatchCommand(ctx, projectID, worker, command, false)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if heartbeatInterval > 0 {
			if _, err := e.Store.Append(domain.ContextEntry{
				ProjectID:   projectID,
				SessionName: worker,
				Actor:       "system",
				Kind:        domain.KindStatus,
				Text:        fmt.Sprintf("Heartbeat after command #%d: session=%s, role=%s", i+1, worker, role),
			}); err != nil {
				return results, err
			}
			if err := e.writeSnapshot(ctx, projectID); err != nil {
				return results, err
			}
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(heartbeatInterval):
			}
		}
	}
	if _, err := e.Store.Append(domain.ContextEntry{
		ProjectID:   projectID,
		SessionName: worker,
		Actor:       "orchestrator",
		Kind:        domain.KindStatus,
		Text:        fmt.Sprintf("Task complete for session '%s'.", worker),
	}); err != nil {
		return results, err
	}
	return results, nil
}

// Report is the human-facing summary of a project.
type Report struct {
	Snapshot     *domain.Snapshot      `json:"snapshot"`
	Sessions     []domain.Session      `json:"sessions"`
	RecentEvents []domain.ContextEntry `json:"recent_events"`
}

// ProjectReport gathers the snapshot, sessions and recent events.
func (e Engine) ProjectReport(ctx context.Context, projectID string) (Report, error) {
	var report Report
	sn, err := e.Store.Snapshot(projectID)
	if err == nil {
		report.Snapshot = &sn
	} else if err != store.ErrNotFound {
		return report, err
	}
	report.Sessions, err = e.Repo.ListSessions(ctx, projectID)
	if err != nil {
		return report, err
	}
	report.RecentEvents, err = e.Store.Events(projectID, "", 20)
	return report, err
}

// SessionView is one session's full terminal state.
type SessionView struct {
	ProjectID   string                 `json:"project_id"`
	SessionName string                 `json:"session_name"`
	Screen      executor.ScreenContent `json:"screen"`
	Scrollback  executor.ScreenContent `json:"scrollback"`
}

// PullSession reads the current screen and scrollback for a tracked session.
func (e Engine) PullSession(ctx context.Context, projectID, sessionName string) (SessionView, error) {
	if _, err := e.requireSession(ctx, projectID, sessionName); err != nil {
		return SessionView{}, err
	}
	screen, err := e.Client.Screen(ctx, sessionName, "styled")
	if err != nil {
		return SessionView{}, err
	}
	scrollback, err := e.Client.Scrollback(ctx, sessionName, "styled", 0, 100)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{
		ProjectID:   projectID,
		SessionName: sessionName,
		Screen:      screen,
		Scrollback:  scrollback,
	}, nil
}

// ListExecutorSessions lists live sessions straight from the executor.
func (e Engine) ListExecutorSessions(ctx context.Context) ([]executor.SessionInfo, error) {
	return e.Client.ListSessions(ctx)
}

func (e Engine) writeSnapshot(ctx context.Context, projectID string) error {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	events, err := e.Store.Events(projectID, "", 5)
	if err != nil {
		return err
	}
	var blockers, nextSteps, highlights []string
	for _, entry := range events {
		switch {
		case entry.Kind == domain.KindError:
			blockers = append(blockers, entry.Text)
		case entry.HumanAttentionNeeded || entry.Kind == domain.KindApproval:
			highlights = append(highlights, entry.Text)
		case entry.Kind == domain.KindStatus:
			nextSteps = append(nextSteps, entry.Text)
		}
	}
	return e.Store.WriteSnapshot(domain.Snapshot{
		ProjectID:        projectID,
		Summary:          fmt.Sprintf("%s status: %s", project.Name, project.Status),
		Status:           project.Status,
		OpenBlockers:     blockers,
		NextSteps:        nextSteps,
		RecentHighlights: highlights,
	})
}

func (e Engine) requireSession(ctx context.Context, projectID, sessionName string) (domain.Session, error) {
	session, err := e.Repo.GetSession(ctx, projectID, sessionName)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session '%s' not tracked under project '%s': %w", sessionName, projectID, err)
	}
	return session, nil
}

func (e Engine) nextSessionName(ctx context.Context, projectID, role string) (string, error) {
	sessions, err := e.Repo.ListSessions(ctx, projectID)
	if err != nil {
		return "", err
	}
	existing := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		existing[s.Name] = struct{}{}
	}
	for count := 1; ; count++ {
		candidate := fmt.Sprintf("%s-%s-%03d", projectID, role, count)
		if _, ok := existing[candidate]; !ok {
			return candidate, nil
		}
	}
}

func summarizeObservation(command string, quiesce executor.QuiesceResult, firstLine string) string {
	first := strings.ReplaceAll(firstLine, "\n", " ")
	if len(first) > 120 {
		first = first[:120] + "..."
	}
	return fmt.Sprintf("Ran '%s'. Quiesced=%t after %dms. First line now: %s",
		command, quiesce.Quiesced, quiesce.WaitedMS, first)
}
