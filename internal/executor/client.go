// Package executor is a minimal HTTP client for the external Session
// Executor: the service that actually owns terminal sessions and runs
// commands. Overseer only records and observes; every lifecycle action goes
// through this API.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one Session Executor endpoint.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		Timeout:    30 * time.Second,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SessionInfo is the executor's view of a live session.
type SessionInfo struct {
	Name string `json:"name"`
}

// QuiesceResult reports whether a session stopped producing output within
// the requested window.
type QuiesceResult struct {
	Quiesced bool `json:"quiesced"`
	WaitedMS int  `json:"waited_ms"`
}

// ScreenContent is the current or scrollback contents of a session.
type ScreenContent struct {
	Lines []string `json:"lines"`
}

// APIError wraps non-2xx executor responses. A failed call always carries
// the status and body text; it is never swallowed.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("executor error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListSessions returns the sessions the executor currently tracks.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var resp []SessionInfo
	err := c.do(ctx, http.MethodGet, "/sessions", nil, "", &resp)
	return resp, err
}

// CreateSession creates a named session.
func (c *Client) CreateSession(ctx context.Context, name string) (SessionInfo, error) {
	body := map[string]any{}
	if name != "" {
		body["name"] = name
	}
	var resp SessionInfo
	err := c.do(ctx, http.MethodPost, "/sessions", body, "application/json", &resp)
	return resp, err
}

// Screen reads the current screen contents in the given format.
func (c *Client) Screen(ctx context.Context, session, format string) (ScreenContent, error) {
	var resp ScreenContent
	endpoint := fmt.Sprintf("/sessions/%s/screen?format=%s", url.PathEscape(session), url.QueryEscape(format))
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

// Scrollback reads a window of session scrollback.
func (c *Client) Scrollback(ctx context.Context, session, format string, offset, limit int) (ScreenContent, error) {
	var resp ScreenContent
	endpoint := fmt.Sprintf("/sessions/%s/scrollback?format=%s&offset=%d&limit=%d",
		url.PathEscape(session), url.QueryEscape(format), offset, limit)
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

// SendInput writes raw input text to the session.
func (c *Client) SendInput(ctx context.Context, session, data string) error {
	endpoint := fmt.Sprintf("/sessions/%s/input", url.PathEscape(session))
	return c.do(ctx, http.MethodPost, endpoint, data, "text/plain", nil)
}

// Quiesce waits until the session stops producing output, polling with
// timeoutMS and giving up after maxWaitMS.
func (c *Client) Quiesce(ctx context.Context, session string, timeoutMS, maxWaitMS int, fresh bool) (QuiesceResult, error) {
	var resp QuiesceResult
	endpoint := fmt.Sprintf("/sessions/%s/quiesce?timeout_ms=%d&max_wait_ms=%d&fresh=%s",
		url.PathEscape(session), timeoutMS, maxWaitMS, strconv.FormatBool(fresh))
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

// DeleteSession removes a session.
func (c *Client) DeleteSession(ctx context.Context, session string) error {
	endpoint := fmt.Sprintf("/sessions/%s", url.PathEscape(session))
	return c.do(ctx, http.MethodDelete, endpoint, nil, "", nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, contentType string, out any) error {
	// do must not mutate the client; calls may run concurrently.
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	switch payload := body.(type) {
	case nil:
	case string:
		buf.WriteString(payload)
	default:
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+endpoint, &buf)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
