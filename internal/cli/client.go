package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tombee/orchkit/pkg/orchestration"
)

// apiClient is a minimal JSON client for the orchkit HTTP API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{baseURL: flags.serverAddr, token: flags.token, http: http.DefaultClient}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type createExecutionRequest struct {
	AgentID     string                      `json:"agent_id"`
	UserID      string                      `json:"user_id"`
	SessionID   string                      `json:"session_id,omitempty"`
	ExecutionID string                      `json:"execution_id,omitempty"`
	Plan        orchestration.ExecutionPlan `json:"plan"`
	Inputs      map[string]any              `json:"inputs,omitempty"`
	RunMode     orchestration.RunMode       `json:"run_mode,omitempty"`
}

type createExecutionResponse struct {
	ExecutionID string `json:"execution_id"`
}

func (c *apiClient) createExecution(ctx context.Context, req createExecutionRequest) (string, error) {
	var resp createExecutionResponse
	if err := c.do(ctx, http.MethodPost, "/executions", req, &resp); err != nil {
		return "", err
	}
	return resp.ExecutionID, nil
}

func (c *apiClient) getExecution(ctx context.Context, executionID string) (*orchestration.ExecutionRecord, error) {
	var run orchestration.ExecutionRecord
	if err := c.do(ctx, http.MethodGet, "/executions/"+executionID, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *apiClient) listExecutions(ctx context.Context, query string) ([]*orchestration.ExecutionRecord, error) {
	var runs []*orchestration.ExecutionRecord
	if err := c.do(ctx, http.MethodGet, "/executions"+query, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *apiClient) pause(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, "/executions/"+executionID+"/pause", nil, nil)
}

func (c *apiClient) resume(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, "/executions/"+executionID+"/resume", nil, nil)
}

func (c *apiClient) cancel(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, "/executions/"+executionID+"/cancel", nil, nil)
}

func (c *apiClient) rollback(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, "/executions/"+executionID+"/rollback", nil, nil)
}
