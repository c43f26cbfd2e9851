package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "github.com/taskfleet/taskfleet/pkg/api/v1"
)

// HTTPConnector posts the task payload to the URL named in running_config
// and maps the HTTP outcome onto connector statuses: 2xx is SUCCESS, 5xx is
// retryable FAILURE, 4xx is non-retryable ERROR.
type HTTPConnector struct {
	client *http.Client
}

var _ Connector = (*HTTPConnector)(nil)

// NewHTTPConnector creates the http capability.
func NewHTTPConnector() *HTTPConnector {
	return &HTTPConnector{
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPConnector) Name() string { return "http" }

func (c *HTTPConnector) RequiredConfig() []string { return []string{"url"} }

type httpPayload struct {
	TaskID  string                 `json:"task_id"`
	TraceID string                 `json:"trace_id"`
	Content map[string]interface{} `json:"content,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

func (c *HTTPConnector) Execute(ctx context.Context, req Request) (*Response, error) {
	url, _ := req.RunningConfig["url"].(string)
	if url == "" {
		return &Response{
			Status: v1.ConnectorStatusError,
			Error:  "running_config.url must be a non-empty string",
		}, nil
	}

	body, err := json.Marshal(httpPayload{
		TaskID:  req.TaskID,
		TraceID: req.TraceID,
		Content: req.Content,
		Params:  req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey, ok := req.RunningConfig["api_key"].(string); ok && apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Transport failure is retryable.
		return &Response{Status: v1.ConnectorStatusFailure, Error: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Response{Status: v1.ConnectorStatusFailure, Error: err.Error()}, nil
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result := map[string]interface{}{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &result); err != nil {
				result = map[string]interface{}{"raw": string(data)}
			}
		}
		return &Response{Status: v1.ConnectorStatusSuccess, Result: result}, nil
	case resp.StatusCode >= 500:
		return &Response{
			Status: v1.ConnectorStatusFailure,
			Error:  fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, string(data)),
		}, nil
	default:
		return &Response{
			Status: v1.ConnectorStatusError,
			Error:  fmt.Sprintf("upstream rejected request with %d: %s", resp.StatusCode, string(data)),
		}, nil
	}
}
