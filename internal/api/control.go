package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dshills/taskwatch/internal/logging"
)

// ControlClient issues imperative commands against the backend.
// It never refreshes monitoring state itself; after a successful
// command the caller forces a snapshot refresh.
type ControlClient struct {
	baseURL string
	httpc   *http.Client
	logger  *logging.Logger
}

// ControlOption configures a ControlClient.
type ControlOption func(*ControlClient)

// WithControlHTTPClient sets a custom HTTP client.
func WithControlHTTPClient(c *http.Client) ControlOption {
	return func(cc *ControlClient) {
		cc.httpc = c
	}
}

// WithControlLogger sets the logger.
func WithControlLogger(l *logging.Logger) ControlOption {
	return func(cc *ControlClient) {
		cc.logger = l
	}
}

// NewControlClient creates a control client for the given base URL.
func NewControlClient(baseURL string, opts ...ControlOption) *ControlClient {
	c := &ControlClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
		logger:  logging.NullLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Terminate asks the backend to kill the process executing the given
// task. Returns a *ControlError on transport failure or backend
// rejection (e.g. the task is already terminal).
func (c *ControlClient) Terminate(ctx context.Context, taskID string) error {
	endpoint := fmt.Sprintf("%s/api/tasks/%s/kill", c.baseURL, taskID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return NewControlError(taskID, "", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return NewControlError(taskID, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := rejectionReason(resp.Body)
		return NewControlError(taskID, reason, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status))
	}

	c.logger.Info("terminated task %s", taskID)
	return nil
}

// rejectionReason extracts the backend's error message from a failure
// response body, if one is present.
func rejectionReason(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	return payload.Error
}
