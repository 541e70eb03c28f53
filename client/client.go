// Package client talks to a tempod server over HTTP. *Client implements
// orchestrator.Remote.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/GoCodeAlone/tempo/hierarchy"
	"github.com/GoCodeAlone/tempo/orchestrator"
	"github.com/GoCodeAlone/tempo/server/api"
	"github.com/GoCodeAlone/tempo/task"
	"github.com/cenkalti/backoff/v4"
)

// ErrUnauthorized is returned when the server rejects the token.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a 4xx response without a more specific mapping.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

var _ orchestrator.Remote = (*Client)(nil)

// Client is an authenticated HTTP client for one user and device.
type Client struct {
	baseURL    string
	token      string
	deviceID   string
	http       *http.Client
	maxRetries uint64
	interval   time.Duration
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetries bounds the retries after the first attempt.
func WithRetries(n uint64) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRetryInterval sets the initial backoff interval.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.interval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the server at baseURL.
func New(baseURL, token, deviceID string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		deviceID:   deviceID,
		http:       &http.Client{Timeout: 10 * time.Second},
		maxRetries: 4,
		interval:   200 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

func (c *Client) newBackOff(ctx context.Context, retries uint64) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.interval
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)
}

// call performs one request, retrying transport failures and 5xx
// responses up to retries times. 4xx responses are never retried.
func (c *Client) call(ctx context.Context, op, method, path string, in, out any, retries uint64) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if c.deviceID != "" {
			req.Header.Set(api.DeviceHeader, c.deviceID)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		case resp.StatusCode >= 400:
			return backoff.Permanent(decodeError(resp))
		case out == nil || resp.StatusCode == http.StatusNoContent:
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("request failed, retrying", "op", op, "wait", wait, "err", err)
	}
	err := backoff.RetryNotify(attempt, c.newBackOff(ctx, retries), notify)
	switch {
	case err == nil:
		return nil
	case isDomain(err):
		return err
	default:
		return &orchestrator.TransportError{Op: op, Err: err}
	}
}

func isDomain(err error) bool {
	var apiErr *APIError
	return errors.Is(err, task.ErrVersionConflict) ||
		errors.Is(err, task.ErrNotFound) ||
		errors.Is(err, task.ErrInvalidInput) ||
		errors.Is(err, task.ErrInvalidState) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.As(err, &apiErr)
}

// decodeError maps a 4xx response onto the matching domain error.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusConflict {
		var cr api.ConflictResponse
		if err := json.Unmarshal(body, &cr); err == nil && cr.TaskID != "" {
			return &task.ConflictError{
				TaskID:          cr.TaskID,
				ExpectedVersion: cr.ExpectedVersion,
				CurrentVersion:  cr.CurrentVersion,
				RunningTaskID:   cr.RunningTaskID,
			}
		}
		return fmt.Errorf("%w: %s", task.ErrVersionConflict, strings.TrimSpace(string(body)))
	}

	var er api.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(body))
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, er.Error)
	case resp.StatusCode == http.StatusNotFound || er.Code == api.CodeNotFound:
		return fmt.Errorf("%w: %s", task.ErrNotFound, er.Error)
	case er.Code == api.CodeInvalidState:
		return fmt.Errorf("%w: %s", task.ErrInvalidState, er.Error)
	case er.Code == api.CodeInvalidInput:
		return fmt.Errorf("%w: %s", task.ErrInvalidInput, er.Error)
	default:
		return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
	}
}

// --- orchestrator.Remote ---

// Tree fetches the user's task forest.
func (c *Client) Tree(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	var forest []*task.Task
	err := c.call(ctx, "list tasks", http.MethodGet, "/api/tasks"+dateQuery(f.Date), nil, &forest, c.maxRetries)
	return forest, err
}

// Create creates a task. It is not retried: a lost response would
// otherwise create a duplicate.
func (c *Client) Create(ctx context.Context, in task.CreateInput) (*task.Task, error) {
	var t task.Task
	if err := c.call(ctx, "create task", http.MethodPost, "/api/tasks", in, &t, 0); err != nil {
		return nil, err
	}
	return &t, nil
}

// ConditionalUpdate applies p to id if the server still holds version.
// Retrying is safe: a repeated write either matches once or conflicts.
func (c *Client) ConditionalUpdate(ctx context.Context, id string, version int64, deviceID string, p task.Patch) (*task.Task, error) {
	req := api.UpdateRequest{Version: version, DeviceID: deviceID, Patch: p}
	var t task.Task
	if err := c.call(ctx, "update task "+id, http.MethodPatch, "/api/tasks/"+url.PathEscape(id), req, &t, c.maxRetries); err != nil {
		return nil, err
	}
	return &t, nil
}

// Delete removes id and its subtree, returning the number of rows removed.
func (c *Client) Delete(ctx context.Context, id string) (int, error) {
	var resp api.DeleteResponse
	err := c.call(ctx, "delete task "+id, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, &resp, c.maxRetries)
	return resp.Deleted, err
}

// --- other endpoints ---

// Login exchanges credentials for a token. The client keeps using the
// token it was created with.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	in := map[string]string{"username": username, "password": password}
	if err := c.call(ctx, "login", http.MethodPost, "/api/auth/login", in, &resp, 0); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Get fetches a single task.
func (c *Client) Get(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.call(ctx, "get task "+id, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t, c.maxRetries); err != nil {
		return nil, err
	}
	return &t, nil
}

// Active returns the running task, else a paused one, else nil.
func (c *Client) Active(ctx context.Context) (*task.Task, error) {
	var t *task.Task
	err := c.call(ctx, "active task", http.MethodGet, "/api/tasks/active", nil, &t, c.maxRetries)
	return t, err
}

// PauseAll pauses every running task of the user.
func (c *Client) PauseAll(ctx context.Context) ([]*task.Task, error) {
	var paused []*task.Task
	err := c.call(ctx, "pause all", http.MethodPost, "/api/tasks/pause-all", nil, &paused, c.maxRetries)
	return paused, err
}

// Stats fetches the forest summary, optionally for one date.
func (c *Client) Stats(ctx context.Context, date string) (*task.Stats, error) {
	var st task.Stats
	if err := c.call(ctx, "stats", http.MethodGet, "/api/stats"+dateQuery(date), nil, &st, c.maxRetries); err != nil {
		return nil, err
	}
	return &st, nil
}

// Categories fetches the category rollup, optionally for one date.
func (c *Client) Categories(ctx context.Context, date string) ([]*hierarchy.CategoryGroup, error) {
	var groups []*hierarchy.CategoryGroup
	err := c.call(ctx, "categories", http.MethodGet, "/api/categories"+dateQuery(date), nil, &groups, c.maxRetries)
	return groups, err
}

func dateQuery(date string) string {
	if date == "" {
		return ""
	}
	return "?" + url.Values{"date": {date}}.Encode()
}
