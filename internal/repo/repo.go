package repo

import (
	"context"
	"database/sql"
	"errors"

	"overseer/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (r Repo) UpsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,name,goal,status,branch,owner,updated_at) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, goal=excluded.goal, status=excluded.status,
		branch=excluded.branch, owner=excluded.owner, updated_at=excluded.updated_at`,
		p.ID, p.Name, p.Goal, p.Status, nullable(p.Branch), nullable(p.Owner), p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,goal,status,COALESCE(branch,''),COALESCE(owner,''),updated_at FROM projects WHERE id=?`, id)
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Goal, &p.Status, &p.Branch, &p.Owner, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,goal,status,COALESCE(branch,''),COALESCE(owner,''),updated_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Goal, &p.Status, &p.Branch, &p.Owner, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(project_id,name,role,agent_id,state,goal,next_action,last_signal,updated_at) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(project_id,name) DO UPDATE SET role=excluded.role, agent_id=excluded.agent_id, state=excluded.state,
		goal=excluded.goal, next_action=excluded.next_action, last_signal=excluded.last_signal, updated_at=excluded.updated_at`,
		s.ProjectID, s.Name, s.Role, nullable(s.AgentID), s.State, nullable(s.Goal), nullable(s.NextAction), nullable(s.LastSignal), s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, projectID, name string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT project_id,name,role,COALESCE(agent_id,''),state,COALESCE(goal,''),COALESCE(next_action,''),COALESCE(last_signal,''),updated_at
		FROM sessions WHERE project_id=? AND name=?`, projectID, name)
	var s domain.Session
	err := row.Scan(&s.ProjectID, &s.Name, &s.Role, &s.AgentID, &s.State, &s.Goal, &s.NextAction, &s.LastSignal, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSessions(ctx context.Context, projectID string) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,name,role,COALESCE(agent_id,''),state,COALESCE(goal,''),COALESCE(next_action,''),COALESCE(last_signal,''),updated_at
		FROM sessions WHERE project_id=? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ProjectID, &s.Name, &s.Role, &s.AgentID, &s.State, &s.Goal, &s.NextAction, &s.LastSignal, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountSessions(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}
