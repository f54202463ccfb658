package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/taskwatch/internal/logging"
	"github.com/dshills/taskwatch/internal/task"
)

// defaultRequestTimeout bounds a single backend round-trip.
const defaultRequestTimeout = 10 * time.Second

// SnapshotClient pulls the authoritative process list and aggregate
// stats from the backend. Calls are single-shot and idempotent; the
// client performs no retries of its own.
type SnapshotClient struct {
	baseURL string
	httpc   *http.Client
	logger  *logging.Logger
}

// SnapshotOption configures a SnapshotClient.
type SnapshotOption func(*SnapshotClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) SnapshotOption {
	return func(s *SnapshotClient) {
		s.httpc = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) SnapshotOption {
	return func(s *SnapshotClient) {
		s.logger = l
	}
}

// NewSnapshotClient creates a snapshot client for the given base URL.
func NewSnapshotClient(baseURL string, opts ...SnapshotOption) *SnapshotClient {
	c := &SnapshotClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
		logger:  logging.NullLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchProcesses retrieves the full list of known processes.
// The returned slice replaces any previous view wholesale.
func (c *SnapshotClient) FetchProcesses(ctx context.Context) ([]task.ProcessSnapshot, error) {
	endpoint := c.baseURL + "/api/processes"

	var payload struct {
		Processes []task.ProcessSnapshot `json:"processes"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, NewFetchError("processes", endpoint, err)
	}

	c.logger.Debug("fetched %d processes", len(payload.Processes))
	return payload.Processes, nil
}

// FetchStats retrieves aggregate stats for the given reporting window.
func (c *SnapshotClient) FetchStats(ctx context.Context, windowDays int) (task.AggregateStats, error) {
	endpoint := fmt.Sprintf("%s/api/stats?days=%d", c.baseURL, windowDays)

	var payload struct {
		Stats task.AggregateStats `json:"stats"`
	}
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return task.AggregateStats{}, NewFetchError("stats", endpoint, err)
	}

	return payload.Stats, nil
}

// getJSON performs a GET and decodes the JSON response body into out.
func (c *SnapshotClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
