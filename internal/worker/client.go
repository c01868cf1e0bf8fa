// Package worker runs the GPU-side control loop: lease a task from the
// dispatcher, execute it against a model runtime, stream progress back, and
// upload the resulting artifacts.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"sandbox/internal/task"
)

const (
	headerAccessToken = "x-access-token"
	headerWorkerID    = "x-worker-id"
)

// Client is the worker's view of the dispatcher RPC surface. Every request
// carries the shared worker secret and the client's worker id, which the
// dispatcher uses to track liveness.
type Client struct {
	baseURL    string
	token      string
	workerID   string
	httpClient *http.Client
}

func NewClient(endpoint, workerToken string) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("worker endpoint is required")
	}
	if workerToken == "" {
		return nil, fmt.Errorf("worker token is required")
	}
	return &Client{
		baseURL:    strings.TrimRight(endpoint, "/"),
		token:      workerToken,
		workerID:   ulid.Make().String(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// WorkerID is the ULID minted for this client instance.
func (c *Client) WorkerID() string {
	return c.workerID
}

type rpcError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, endpoint string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/rpc/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAccessToken, c.token)
	req.Header.Set(headerWorkerID, c.workerID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error rpcError `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&failure); err == nil && failure.Error.Kind != "" {
			return fmt.Errorf("%s returned %s: %s", endpoint, failure.Error.Kind, failure.Error.Message)
		}
		return fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode)
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}
	}
	return nil
}

type wireTask struct {
	TaskID string          `json:"task_id"`
	Params json.RawMessage `json:"params"`
}

// LeaseTask claims the next queued task. A drained queue returns nil.
func (c *Client) LeaseTask(ctx context.Context) (*task.Task, error) {
	var resp struct {
		Task wireTask `json:"task"`
	}
	if err := c.call(ctx, "GetTaskToRun", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	if resp.Task.TaskID == "" {
		return nil, nil
	}
	params, err := task.DecodeParams(resp.Task.Params)
	if err != nil {
		return nil, fmt.Errorf("leased task %s has bad params: %w", resp.Task.TaskID, err)
	}
	return &task.Task{ID: resp.Task.TaskID, Params: params, Status: task.Pending{}}, nil
}

// ReportStatus sends an InProgress or Finished update.
func (c *Client) ReportStatus(ctx context.Context, taskID string, status task.Status) error {
	encoded, err := task.EncodeStatus(status)
	if err != nil {
		return err
	}
	return c.call(ctx, "UpdateTaskStatus", map[string]any{
		"task_id": taskID,
		"status":  json.RawMessage(encoded),
	}, nil)
}

// CreateAsset uploads one generated image and returns its asset id.
func (c *Client) CreateAsset(ctx context.Context, taskID string, data []byte) (string, error) {
	var resp struct {
		AssetID string `json:"asset_id"`
	}
	err := c.call(ctx, "CreateTaskAsset", map[string]any{
		"task_id": taskID,
		"data":    data,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.AssetID, nil
}

// GetChatMessages fetches the task's history ordered by message index.
func (c *Client) GetChatMessages(ctx context.Context, taskID string) ([]task.ChatMessage, error) {
	var resp struct {
		Messages []task.ChatMessage `json:"messages"`
	}
	if err := c.call(ctx, "GetChatMessages", map[string]any{"task_id": taskID}, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// AddAssistantMessage appends the model's reply to the task's chat.
func (c *Client) AddAssistantMessage(ctx context.Context, taskID, content string) error {
	return c.call(ctx, "AddChatAssistantMessage", map[string]any{
		"task_id": taskID,
		"content": content,
	}, nil)
}
