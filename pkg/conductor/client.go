// Package conductor maps tasks onto Conductor workflows through its REST API. Every
// task name is a workflow wrapping one SIMPLE task of the same name; the task's
// own id is the workflow correlation id, and workers poll the engine through a
// TaskSupplier so the generic worker loop can execute them.
package conductor

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrNotFound is returned for a 404 from the engine.
var ErrNotFound = errors.New("conductor: not found")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("conductor: %d %s", e.Status, e.Message)
}

// Client is a thin REST client. baseURL points at the API root, e.g.
// http://localhost:8080/api.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client with a traced transport.
func NewClient(baseURL string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   30 * time.Second,
		},
	}
}

// do sends body as JSON and decodes the response into out. A string out receives
// the raw body, which is how the engine returns ids.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	case resp.StatusCode >= 300:
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	case out == nil || len(data) == 0:
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = strings.Trim(strings.TrimSpace(string(data)), `"`)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// StartWorkflow starts a workflow and returns its id.
func (c *Client) StartWorkflow(ctx context.Context, req StartWorkflowRequest) (string, error) {
	var id string
	if err := c.do(ctx, http.MethodPost, "/workflow", nil, req, &id); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	q := url.Values{"includeTasks": {"true"}}
	if err := c.do(ctx, http.MethodGet, "/workflow/"+url.PathEscape(id), q, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// CorrelatedWorkflows lists the executions of name sharing a correlation id.
func (c *Client) CorrelatedWorkflows(ctx context.Context, name, correlationID string) ([]Workflow, error) {
	var list []Workflow
	q := url.Values{"includeClosed": {"true"}, "includeTasks": {"true"}}
	path := "/workflow/" + url.PathEscape(name) + "/correlated/" + url.PathEscape(correlationID)
	if err := c.do(ctx, http.MethodGet, path, q, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SearchWorkflows runs one page of a workflow search.
func (c *Client) SearchWorkflows(ctx context.Context, query string, start, size int) (*SearchResult, error) {
	q := url.Values{
		"start":    {fmt.Sprint(start)},
		"size":     {fmt.Sprint(size)},
		"freeText": {"*"},
		"sort":     {"startTime:ASC"},
	}
	if query != "" {
		q.Set("query", query)
	}
	var res SearchResult
	if err := c.do(ctx, http.MethodGet, "/workflow/search", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// TerminateWorkflow ends a running workflow and cancels its scheduled tasks.
func (c *Client) TerminateWorkflow(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodDelete, "/workflow/"+url.PathEscape(id), url.Values{"reason": {reason}}, nil, nil)
}

// RemoveWorkflow deletes a workflow from the engine's store.
func (c *Client) RemoveWorkflow(ctx context.Context, id string) error {
	q := url.Values{"archiveWorkflow": {"false"}}
	return c.do(ctx, http.MethodDelete, "/workflow/"+url.PathEscape(id)+"/remove", q, nil, nil)
}

// Poll fetches at most one task of taskType, waiting up to timeout. A nil task
// means none was available.
func (c *Client) Poll(ctx context.Context, taskType, workerID, domain string, timeout time.Duration) (*PolledTask, error) {
	q := url.Values{
		"workerid": {workerID},
		"count":    {"1"},
		"timeout":  {fmt.Sprint(timeout.Milliseconds())},
	}
	if domain != "" {
		q.Set("domain", domain)
	}
	var polled []PolledTask
	if err := c.do(ctx, http.MethodGet, "/tasks/poll/batch/"+url.PathEscape(taskType), q, nil, &polled); err != nil {
		return nil, err
	}
	if len(polled) == 0 {
		return nil, nil
	}
	return &polled[0], nil
}

func (c *Client) GetTask(ctx context.Context, taskID string) (*PolledTask, error) {
	var t PolledTask
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask reports the status of a polled task.
func (c *Client) UpdateTask(ctx context.Context, result TaskResult) error {
	var ignored string
	return c.do(ctx, http.MethodPost, "/tasks", nil, result, &ignored)
}

// RegisterTaskDefs creates task definitions. Existing ones are kept.
func (c *Client) RegisterTaskDefs(ctx context.Context, defs []TaskDef) error {
	if len(defs) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/metadata/taskdefs", nil, defs, nil)
}

// UpsertWorkflowDefs creates or replaces workflow definitions.
func (c *Client) UpsertWorkflowDefs(ctx context.Context, defs []WorkflowDef) error {
	if len(defs) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPut, "/metadata/workflow", nil, defs, nil)
}

// Health queries the engine health endpoint, which lives beside the API root.
func (c *Client) Health(ctx context.Context) error {
	var status struct {
		Healthy bool `json:"healthy"`
	}
	root := strings.TrimSuffix(c.baseURL, "/api")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: "unhealthy"}
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	if !status.Healthy {
		return errors.New("conductor: unhealthy")
	}
	return nil
}
