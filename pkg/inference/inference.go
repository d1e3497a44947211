// Copyright 2025 Certen Protocol
//
// Inference client: the external collaborator that decomposes a submitted
// prompt into subtasks. The core only calls decompose on it.

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/certen/coordinator/pkg/coordtypes"
)

// DecomposeRequest is what /submit forwards to the inference service.
type DecomposeRequest struct {
	TaskID      string            `json:"taskId"`
	Prompt      string            `json:"prompt"`
	Language    string            `json:"language"`
	SnapshotRef string            `json:"snapshotRef,omitempty"`
	ProjectMeta map[string]string `json:"projectMeta,omitempty"`
}

// DecomposeResponse is the inference service's decomposition of a task.
type DecomposeResponse struct {
	Subtasks []coordtypes.Subtask `json:"subtasks"`
}

// Client calls the inference service over HTTP with the 5s timeout the
// spec requires for decomposition calls.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates an inference client pointed at baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Decompose submits a prompt for decomposition and returns the resulting
// subtasks, in the order the service produced them.
func (c *Client) Decompose(ctx context.Context, req DecomposeRequest) (DecomposeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return DecomposeResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/decompose", bytes.NewReader(body))
	if err != nil {
		return DecomposeResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return DecomposeResponse{}, fmt.Errorf("inference_service_unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DecomposeResponse{}, fmt.Errorf("inference_service_unavailable: status %d", resp.StatusCode)
	}

	var out DecomposeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DecomposeResponse{}, fmt.Errorf("inference_service_unavailable: %w", err)
	}
	return out, nil
}
