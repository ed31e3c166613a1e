package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// StepDescriptor — описание шага задачи.
type StepDescriptor struct {
	Kind       string         `json:"kind"`
	Input      map[string]any `json:"input,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
}

// RunResponse — run из API.
type RunResponse struct {
	ID              string         `json:"id"`
	ProjectRef      string         `json:"project_ref"`
	FeatureRef      string         `json:"feature_ref,omitempty"`
	Title           string         `json:"title,omitempty"`
	Status          string         `json:"status"`
	CancelRequested bool           `json:"cancel_requested"`
	Paused          bool           `json:"paused"`
	Steps           []StepResponse `json:"steps"`
	InFlight        *InFlightStep  `json:"in_flight,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// StepResponse — шаг run из API.
type StepResponse struct {
	Index      int             `json:"index"`
	Kind       string          `json:"kind"`
	Attempts   int             `json:"attempts"`
	Succeeded  bool            `json:"succeeded"`
	Result     map[string]any  `json:"result,omitempty"`
	Next       *StepDescriptor `json:"next,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Message    string          `json:"message,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// InFlightStep — выполняющийся шаг.
type InFlightStep struct {
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Attempt int    `json:"attempt"`
}

// RunSummary — run в списке проекта.
type RunSummary struct {
	ID         string `json:"id"`
	ProjectRef string `json:"project_ref"`
	FeatureRef string `json:"feature_ref,omitempty"`
	Title      string `json:"title,omitempty"`
	Status     string `json:"status"`
	Steps      int    `json:"steps"`
	CreatedAt  string `json:"created_at"`
}

// ProjectStatusResponse — статус агента проекта.
type ProjectStatusResponse struct {
	ProjectRef string      `json:"project_ref"`
	Status     string      `json:"status"`
	ActiveRuns int         `json:"active_runs"`
	LastRun    *RunSummary `json:"last_run,omitempty"`
}

// Event — событие из потока run.
type Event struct {
	Type       string     `json:"type"`
	RunID      string     `json:"run_id"`
	ProjectRef string     `json:"project_ref"`
	Status     string     `json:"status"`
	Step       *EventStep `json:"step,omitempty"`
	Terminal   bool       `json:"terminal"`
	At         string     `json:"at"`
}

// EventStep — шаг в событии step.completed.
type EventStep struct {
	Index     int    `json:"index"`
	Kind      string `json:"kind"`
	Attempts  int    `json:"attempts"`
	Succeeded bool   `json:"succeeded"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// --- Request types ---

// SubmitRunRequest — запуск задачи агента.
type SubmitRunRequest struct {
	FeatureRef string           `json:"feature_ref,omitempty"`
	Title      string           `json:"title,omitempty"`
	Steps      []StepDescriptor `json:"steps"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для agentrun API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// --- Runs ---

// SubmitRun запускает задачу агента в проекте и возвращает ID run.
func (c *Client) SubmitRun(project string, req SubmitRunRequest) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	err := c.post("/api/v1/projects/"+url.PathEscape(project)+"/agent/runs", req, &resp)
	return resp.RunID, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/agent/runs/"+url.PathEscape(id), &run)
	return &run, err
}

// CancelRun запрашивает отмену run.
func (c *Client) CancelRun(id string) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	err := c.post("/api/v1/agent/runs/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp.Accepted, err
}

// PauseRun запрашивает паузу run.
func (c *Client) PauseRun(id string) (bool, error) {
	return c.runAction(id, "pause")
}

// ResumeRun снимает паузу run.
func (c *Client) ResumeRun(id string) (bool, error) {
	return c.runAction(id, "resume")
}

func (c *Client) runAction(id, action string) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	err := c.post("/api/v1/agent/runs/"+url.PathEscape(id)+"/"+action, nil, &resp)
	return resp.Accepted, err
}

// ListRuns возвращает runs проекта.
func (c *Client) ListRuns(project string, limit int) ([]RunSummary, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}

	var runs []RunSummary
	err := c.list("/api/v1/projects/"+url.PathEscape(project)+"/agent/runs", params, &runs)
	return runs, err
}

// ProjectStatus возвращает статус агента проекта.
func (c *Client) ProjectStatus(project string) (*ProjectStatusResponse, error) {
	var status ProjectStatusResponse
	err := c.get("/api/v1/projects/"+url.PathEscape(project)+"/agent/status", &status)
	return &status, err
}

// Watch читает поток событий run начиная с шага from и вызывает fn
// для каждого события. Возвращает nil после финального события.
func (c *Client) Watch(ctx context.Context, id string, from int, fn func(Event) error) error {
	wsURL, err := c.wsURL(fmt.Sprintf("/api/v1/agent/runs/%s/events?from=%d", url.PathEscape(id), from))
	if err != nil {
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return c.checkError(resp)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Закрываем соединение при отмене ctx, чтобы прервать чтение.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// --- HTTP helpers ---

func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.New("api url must use http or https")
	}
	return u.String(), nil
}

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
