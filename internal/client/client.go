// Package client provides an HTTP client for the dataops server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/dataops-go/internal/lock"
	"github.com/raphaelgruber/dataops-go/internal/metrics"
	"github.com/raphaelgruber/dataops-go/internal/models"
	"github.com/raphaelgruber/dataops-go/internal/server"
	"github.com/raphaelgruber/dataops-go/internal/service"
)

// Client talks to the dataops HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a new client.
// If baseURL is empty, uses DATAOPS_SERVER_URL env var or defaults to localhost:5063.
// Timeout can be configured via DATAOPS_CLIENT_TIMEOUT env var (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("DATAOPS_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:5063"
	}

	timeout := 30 * time.Second
	if t := os.Getenv("DATAOPS_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      os.Getenv("DATAOPS_TOKEN"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithToken sets the Authorization header value forwarded to workers.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// APIError is a non-success response.
type APIError struct {
	StatusCode int
	Message    string
	Result     json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server error: %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

type envelope struct {
	Code     int             `json:"code"`
	ErrorMsg string          `json:"error_msg"`
	Result   json.RawMessage `json:"result"`
}

// call sends a request and decodes the envelope. The status code and the
// raw result are returned for every well-formed response; err is set only
// for transport and decoding failures.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any) (int, envelope, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, envelope{}, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, envelope{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, envelope{}, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, envelope{}, fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return resp.StatusCode, envelope{}, fmt.Errorf("unmarshal response (%s): %w", resp.Status, err)
	}
	return resp.StatusCode, env, nil
}

// do is call for endpoints where any status outside want is an error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, want ...int) error {
	code, env, err := c.call(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if !slices.Contains(want, code) {
		return &APIError{StatusCode: code, Message: env.ErrorMsg, Result: env.Result}
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// =============================================================================
// LOCKS
// =============================================================================

// Lock takes a read or write lock. It returns false when the lock is held
// in a conflicting mode.
func (c *Client) Lock(ctx context.Context, key string, op lock.Operation) (bool, error) {
	body := server.LockRequest{ResourceKey: key, Operation: string(op)}
	code, env, err := c.call(ctx, http.MethodPost, "/v1/resource/lock", nil, body)
	if err != nil {
		return false, err
	}
	switch code {
	case http.StatusOK:
		return true, nil
	case http.StatusConflict:
		return false, nil
	}
	return false, &APIError{StatusCode: code, Message: env.ErrorMsg}
}

// Unlock releases a lock. It returns false when there was nothing to release.
func (c *Client) Unlock(ctx context.Context, key string, op lock.Operation) (bool, error) {
	body := server.LockRequest{ResourceKey: key, Operation: string(op)}
	code, env, err := c.call(ctx, http.MethodDelete, "/v1/resource/lock", nil, body)
	if err != nil {
		return false, err
	}
	switch code {
	case http.StatusOK:
		return true, nil
	case http.StatusBadRequest:
		if env.ErrorMsg == "" {
			return false, nil
		}
	}
	return false, &APIError{StatusCode: code, Message: env.ErrorMsg}
}

// CheckLock returns the stored "read_count,write_count" entry, or nil when
// the key is not locked.
func (c *Client) CheckLock(ctx context.Context, key string) (*string, error) {
	var res server.LockResult
	q := url.Values{"resource_key": {key}}
	if err := c.do(ctx, http.MethodGet, "/v1/resource/lock", q, nil, &res, http.StatusOK); err != nil {
		return nil, err
	}
	return res.Status, nil
}

func (c *Client) bulk(ctx context.Context, method string, keys []string, op lock.Operation, refused int) ([]lock.KeyStatus, error) {
	body := server.BulkLockRequest{ResourceKeys: keys, Operation: string(op)}
	code, env, err := c.call(ctx, method, "/v1/resource/lock/bulk", nil, body)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK && (code != refused || env.ErrorMsg != "") {
		return nil, &APIError{StatusCode: code, Message: env.ErrorMsg}
	}
	var rows []lock.KeyStatus
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return rows, nil
}

// BulkLock locks keys in sorted order and stops at the first refusal.
func (c *Client) BulkLock(ctx context.Context, keys []string, op lock.Operation) ([]lock.KeyStatus, error) {
	return c.bulk(ctx, http.MethodPost, keys, op, http.StatusConflict)
}

// BulkUnlock releases every key.
func (c *Client) BulkUnlock(ctx context.Context, keys []string, op lock.Operation) ([]lock.KeyStatus, error) {
	return c.bulk(ctx, http.MethodDelete, keys, op, http.StatusBadRequest)
}

// ClearLocks removes every lock entry and returns how many were removed.
func (c *Client) ClearLocks(ctx context.Context) (int, error) {
	var res struct {
		Cleared int `json:"cleared"`
	}
	err := c.do(ctx, http.MethodDelete, "/v1/resource/locks/all", nil, nil, &res, http.StatusOK)
	return res.Cleared, err
}

// =============================================================================
// JOBS
// =============================================================================

func filterQuery(f service.JobFilter) url.Values {
	q := url.Values{"session_id": {f.SessionID}}
	for k, v := range map[string]string{
		"label":    f.Label,
		"job_id":   f.JobID,
		"code":     f.Code,
		"action":   f.Action,
		"operator": f.Operator,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

// ListJobs returns the jobs matching f, newest first.
func (c *Client) ListJobs(ctx context.Context, f service.JobFilter) ([]models.Job, error) {
	var jobs []models.Job
	err := c.do(ctx, http.MethodGet, "/v1/tasks", filterQuery(f), nil, &jobs, http.StatusOK)
	return jobs, err
}

// CreateJob registers a job started outside the dispatchers.
func (c *Client) CreateJob(ctx context.Context, req server.CreateTaskRequest) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", nil, req, &job, http.StatusOK); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob sets the status and progress of a job and merges payload entries.
func (c *Client) UpdateJob(ctx context.Context, req server.UpdateTaskRequest) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPut, "/v1/tasks", nil, req, &job, http.StatusOK); err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteJobs removes the jobs matching f.
func (c *Client) DeleteJobs(ctx context.Context, f service.JobFilter) (int, error) {
	var res struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/v1/tasks", nil, f, &res, http.StatusOK)
	return res.Deleted, err
}

// =============================================================================
// FILE OPERATIONS
// =============================================================================

// SubmitResult is the outcome of a copy or delete batch.
type SubmitResult struct {
	Jobs      []models.Job
	Conflicts []service.Conflict
}

// Submit sends a copy or delete batch. A request id is generated when the
// payload has none. Destination conflicts are returned in the result together
// with an APIError carrying status 409.
func (c *Client) Submit(ctx context.Context, req service.BatchRequest) (*SubmitResult, error) {
	if req.Payload.RequestID == "" {
		req.Payload.RequestID = uuid.New().String()
	}
	return c.batch(ctx, "/v1/files/operations", req, http.StatusAccepted)
}

// RepeatCheck reports destination conflicts of a copy batch without running it.
func (c *Client) RepeatCheck(ctx context.Context, req service.BatchRequest) (*SubmitResult, error) {
	return c.batch(ctx, "/v1/files/repeatcheck", req, http.StatusOK)
}

func (c *Client) batch(ctx context.Context, path string, req service.BatchRequest, want int) (*SubmitResult, error) {
	code, env, err := c.call(ctx, http.MethodPost, path, nil, req)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{}
	switch code {
	case want:
		if code == http.StatusAccepted {
			if err := json.Unmarshal(env.Result, &res.Jobs); err != nil {
				return nil, fmt.Errorf("unmarshal jobs: %w", err)
			}
		}
		return res, nil
	case http.StatusConflict:
		if err := json.Unmarshal(env.Result, &res.Conflicts); err != nil {
			return nil, fmt.Errorf("unmarshal conflicts: %w", err)
		}
		return res, &APIError{StatusCode: code, Message: env.ErrorMsg, Result: env.Result}
	}
	return nil, &APIError{StatusCode: code, Message: env.ErrorMsg, Result: env.Result}
}

// ValidateActions asks whether action may start on each path.
func (c *Client) ValidateActions(ctx context.Context, action string, paths []string) ([]service.ActionCheck, error) {
	var checks []service.ActionCheck
	body := server.ValidateActionsRequest{Action: action, Files: paths}
	err := c.do(ctx, http.MethodPost, "/v1/files/actions/validate", nil, body, &checks, http.StatusOK)
	return checks, err
}

// Stats returns the server's operation statistics.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, nil, &snap, http.StatusOK); err != nil {
		return nil, err
	}
	return &snap, nil
}

// =============================================================================
// WATCH
// =============================================================================

// WatchJobs streams the jobs matching f. onUpdate receives the full list on
// connect and after every change. Return an error from onUpdate to stop; it
// is returned as is. Cancelling ctx returns ctx.Err().
func (c *Client) WatchJobs(ctx context.Context, f service.JobFilter, onUpdate func([]models.Job) error) error {
	u, err := url.Parse(c.baseURL + "/v1/tasks/watch")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = filterQuery(f).Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", c.token)
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	// Track connection state for proper cleanup
	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			_ = conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var jobs []models.Job
		if err := conn.ReadJSON(&jobs); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if err := onUpdate(jobs); err != nil {
			return err
		}
	}
}
