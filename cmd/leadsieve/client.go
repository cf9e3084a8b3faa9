package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/leadsieve/leadsieve/internal/config"
	"github.com/leadsieve/leadsieve/internal/reconcile"
	"github.com/leadsieve/leadsieve/internal/task"
)

// apiClient talks to a running leadsieve server. It also satisfies
// task.StatusClient so the watch command can reuse the monitor.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is leadsieve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *apiClient) delete(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodDelete, path, body)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// --- task.StatusClient ---

func (c *apiClient) TaskStatus(ctx context.Context, taskID string) (*task.Snapshot, error) {
	resp, err := c.get(ctx, "/api/tasks/"+taskID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, task.ErrTaskUnknown
	}
	var snap task.Snapshot
	if err := decodeJSON(resp, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *apiClient) TaskResults(ctx context.Context, taskID string) ([]reconcile.ItemResult, error) {
	resp, err := c.get(ctx, "/api/tasks/"+taskID+"/results")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, task.ErrTaskUnknown
	}
	var items []reconcile.ItemResult
	if err := decodeJSON(resp, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *apiClient) CancelTask(ctx context.Context, taskID string) error {
	resp, err := c.post(ctx, "/api/tasks/"+taskID+"/cancel", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return task.ErrTaskUnknown
	}
	return decodeJSON(resp, nil)
}

func (c *apiClient) ListTasks(ctx context.Context) ([]task.Snapshot, error) {
	resp, err := c.get(ctx, "/api/tasks")
	if err != nil {
		return nil, err
	}
	var snaps []task.Snapshot
	if err := decodeJSON(resp, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}
