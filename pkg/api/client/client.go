package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the strand API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// User reflects API user payloads.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// LoginResponse captures the token payload emitted by the API.
type LoginResponse struct {
	User        User   `json:"user"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// Register creates an operator account.
func (c *Client) Register(ctx context.Context, email, password string) (LoginResponse, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// Project describes a repository under continuous integration.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RepoURL      string    `json:"repo_url"`
	WorkflowPath string    `json:"workflow_path"`
	HasWorkflow  bool      `json:"has_workflow"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListProjects returns all registered projects.
func (c *Client) ListProjects(ctx context.Context, token string) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/projects", nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches detailed information about a project.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (Project, error) {
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))
	var project Project
	if err := c.do(ctx, http.MethodGet, path, nil, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	Name         string `json:"name"`
	RepoURL      string `json:"repo_url"`
	WorkflowPath string `json:"workflow_path,omitempty"`
	Workflow     string `json:"workflow,omitempty"`
}

// CreateProject registers a new project.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// UpdateWorkflow replaces the project's stored workflow document.
func (c *Client) UpdateWorkflow(ctx context.Context, token, projectID string, doc []byte) error {
	endpoint := fmt.Sprintf("%s/projects/%s/workflow", c.baseURL, url.PathEscape(projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/yaml")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	return nil
}

// Run represents API run payloads.
type Run struct {
	ID           string          `json:"ID"`
	ProjectID    string          `json:"ProjectID"`
	WorkflowName string          `json:"WorkflowName"`
	EventKind    string          `json:"EventKind"`
	Branch       string          `json:"Branch"`
	CommitSHA    string          `json:"CommitSHA"`
	RunsOn       string          `json:"RunsOn"`
	Status       string          `json:"Status"`
	Stage        string          `json:"Stage"`
	Message      string          `json:"Message"`
	Error        string          `json:"Error"`
	Metadata     json.RawMessage `json:"Metadata"`
	StartedAt    time.Time       `json:"StartedAt"`
	CompletedAt  *time.Time      `json:"CompletedAt"`
	UpdatedAt    time.Time       `json:"UpdatedAt"`
}

// TriggerRun requests a run for a branch (and optionally a commit).
func (c *Client) TriggerRun(ctx context.Context, token, projectID, branch, commit string) (Run, error) {
	body := map[string]string{"branch": branch}
	if strings.TrimSpace(commit) != "" {
		body["commit_sha"] = commit
	}
	path := fmt.Sprintf("/projects/%s/runs", url.PathEscape(projectID))
	var run Run
	if err := c.do(ctx, http.MethodPost, path, body, token, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns fetches recent runs for a project.
func (c *Client) ListRuns(ctx context.Context, token, projectID string, limit int) ([]Run, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/projects/%s/runs%s", url.PathEscape(projectID), query)
	var runs []Run
	if err := c.do(ctx, http.MethodGet, path, nil, token, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun fetches a single run.
func (c *Client) GetRun(ctx context.Context, token, runID string) (Run, error) {
	path := fmt.Sprintf("/runs/%s", url.PathEscape(runID))
	var run Run
	if err := c.do(ctx, http.MethodGet, path, nil, token, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// StepResult models a recorded step outcome.
type StepResult struct {
	RunID      string    `json:"RunID"`
	Index      int       `json:"Index"`
	Name       string    `json:"Name"`
	Status     string    `json:"Status"`
	ExitCode   int       `json:"ExitCode"`
	OutputTail string    `json:"OutputTail"`
	StartedAt  time.Time `json:"StartedAt"`
	DurationMS int64     `json:"DurationMS"`
}

// ListSteps returns the step outcomes of a run.
func (c *Client) ListSteps(ctx context.Context, token, runID string) ([]StepResult, error) {
	path := fmt.Sprintf("/runs/%s/steps", url.PathEscape(runID))
	var steps []StepResult
	if err := c.do(ctx, http.MethodGet, path, nil, token, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// CancelRun asks the control plane to abort a run.
func (c *Client) CancelRun(ctx context.Context, token, runID string) error {
	path := fmt.Sprintf("/runs/%s/cancel", url.PathEscape(runID))
	return c.do(ctx, http.MethodPost, path, nil, token, nil)
}

// LogEntry models a run log entry.
type LogEntry struct {
	ID        int64           `json:"ID"`
	RunID     string          `json:"RunID"`
	Source    string          `json:"Source"`
	Level     string          `json:"Level"`
	Message   string          `json:"Message"`
	Metadata  json.RawMessage `json:"Metadata"`
	CreatedAt time.Time       `json:"CreatedAt"`
}

// FetchLogs returns recent logs for the run.
func (c *Client) FetchLogs(ctx context.Context, token, runID string, limit int) ([]LogEntry, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/runs/%s/logs%s", url.PathEscape(runID), query)
	var logs []LogEntry
	if err := c.do(ctx, http.MethodGet, path, nil, token, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
