package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"overseer/internal/domain"
	"overseer/internal/repo"
	"overseer/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store *store.Store
	Repo  repo.Repo
	Hub   *Hub
}

// apiError models the flat wire error envelope: the body is exactly
// {"error": "<message>"}.
type apiError struct {
	status int
	Detail string `json:"error" example:"entry not found"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Detail }

func newAPIError(status int, message string) huma.StatusError {
	return &apiError{status: status, Detail: message}
}

// New returns an HTTP handler exposing the queue API and, when a Hub is
// configured, the push-socket endpoint at /ws.
func New(cfg Config) http.Handler {
	// Override Huma errors to use the flat envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// Malformed or invalid request bodies surface as 400 "invalid json",
		// whether the framework reports them as a parse failure (400) or a
		// validation failure (422).
		if status == http.StatusUnprocessableEntity || status == http.StatusBadRequest {
			return newAPIError(http.StatusBadRequest, "invalid json")
		}
		return newAPIError(status, msg)
	}

	router := chi.NewRouter()
	router.Use(corsMiddleware)
	hcfg := huma.DefaultConfig("Overseer Queue API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	// No $schema links: response bodies carry exactly the contracted fields.
	hcfg.Transformers = nil
	api := humachi.New(router, hcfg)

	registerHealth(api)
	registerQueue(api, cfg.Store)
	registerResolve(api, cfg.Store)
	registerProjects(api, cfg.Repo)
	registerSessions(api, cfg.Repo)
	if cfg.Hub != nil {
		router.Get("/ws", cfg.Hub.HandleUpgrade)
	}
	return router
}

// corsMiddleware answers preflight requests and stamps the permissive
// cross-origin headers on every response so browser observers can connect
// without a proxy.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handleError(err error) huma.StatusError {
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "entry not found")
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not found")
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "invalid") {
		return newAPIError(http.StatusBadRequest, msg)
	}
	return newAPIError(http.StatusInternalServerError, "internal error")
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerQueue(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-list",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "Current cross-project attention queue",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ContextEntry `json:"body"`
	}, error) {
		entries, err := st.Queue("")
		if err != nil {
			return nil, handleError(err)
		}
		if entries == nil {
			entries = []domain.ContextEntry{}
		}
		return &struct {
			Body []domain.ContextEntry `json:"body"`
		}{Body: entries}, nil
	})
}

type resolveBody struct {
	Action string `json:"action,omitempty"`
	Text   string `json:"text,omitempty"`
}

type resolveInput struct {
	ID   string `path:"id"`
	Body *resolveBody
}

type resolveOutput struct {
	Body struct {
		Resolved bool   `json:"resolved"`
		ID       string `json:"id"`
		Action   string `json:"action"`
	}
}

func registerResolve(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "queue-resolve",
		Method:      http.MethodPost,
		Path:        "/queue/{id}/resolve",
		Summary:     "Resolve an attention queue item",
	}, func(ctx context.Context, input *resolveInput) (*resolveOutput, error) {
		action, text := "acknowledge", ""
		if input.Body != nil {
			if input.Body.Action != "" {
				action = input.Body.Action
			}
			text = input.Body.Text
		}
		projectID, err := st.Locate(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := st.Resolve(projectID, input.ID, action, text); err != nil {
			return nil, handleError(err)
		}
		out := &resolveOutput{}
		out.Body.Resolved = true
		out.Body.ID = input.ID
		out.Body.Action = action
		return out, nil
	})
}

type projectSummary struct {
	ProjectID    string `json:"project_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	SessionCount int    `json:"session_count"`
}

func registerProjects(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "projects-list",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List tracked projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []projectSummary `json:"body"`
	}, error) {
		projects, err := r.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		summaries := make([]projectSummary, 0, len(projects))
		for _, p := range projects {
			count, err := r.CountSessions(ctx, p.ID)
			if err != nil {
				return nil, handleError(err)
			}
			summaries = append(summaries, projectSummary{
				ProjectID:    p.ID,
				Name:         p.Name,
				Status:       p.Status,
				SessionCount: count,
			})
		}
		return &struct {
			Body []projectSummary `json:"body"`
		}{Body: summaries}, nil
	})
}

type sessionsInput struct {
	ProjectID string `path:"project_id"`
}

func registerSessions(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "sessions-list",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions",
		Summary:     "List sessions for a project",
	}, func(ctx context.Context, input *sessionsInput) (*struct {
		Body []domain.Session `json:"body"`
	}, error) {
		sessions, err := r.ListSessions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if sessions == nil {
			sessions = []domain.Session{}
		}
		return &struct {
			Body []domain.Session `json:"body"`
		}{Body: sessions}, nil
	})
}
