// Package api is the REST client for the scan engine: the full task-list
// snapshot the poller and bootstrap rely on, plus the create/delete
// mutations the dashboard exposes. Mutations are the only calls whose
// failures surface to users, so their errors carry the fixed
// status-derived messages; snapshot failures stay internal and feed the
// retry/fallback machinery instead.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"scansync/internal/auth"
	"scansync/internal/domain"
	"scansync/internal/mapper"
)

const (
	defaultSnapshotPath    = "/api/tasks"
	defaultSnapshotTimeout = 8 * time.Second
)

type Config struct {
	// BaseURL is the scan engine root, e.g. https://engine.example.com.
	BaseURL string
	// SnapshotPath is the task list endpoint; also the base for mutations.
	SnapshotPath string
	// SnapshotTimeout bounds each snapshot fetch. Zero means 8s.
	SnapshotTimeout time.Duration

	Tokens     auth.TokenSource
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Client talks to the scan engine's REST surface.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = defaultSnapshotPath
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = defaultSnapshotTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Client{cfg: cfg}
}

// Error is a user-action failure with a presentable message.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// StatusMessage maps an HTTP status to the fixed user-facing message shown
// for create/delete failures.
func StatusMessage(status int) string {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return "The request contained invalid data."
	case status == http.StatusUnauthorized:
		return "Your session has expired. Please sign in again."
	case status == http.StatusForbidden:
		return "You don't have permission to do that."
	case status == http.StatusNotFound:
		return "That task no longer exists."
	case status == http.StatusConflict:
		return "The task was changed by another request. Try again."
	case status == http.StatusTooManyRequests:
		return "Too many requests. Please wait a moment."
	case status >= 500:
		return "The scanning service hit an error. Try again shortly."
	default:
		return "Something went wrong. Please try again."
	}
}

// FetchSnapshot retrieves the authoritative task list. It returns the raw
// task records (for the reconciler to map) and how long the fetch took,
// which drives the slow-server hint.
func (c *Client) FetchSnapshot(ctx context.Context) ([]gjson.Result, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SnapshotTimeout)
	defer cancel()

	start := time.Now()
	body, _, err := c.do(ctx, http.MethodGet, c.cfg.SnapshotPath, nil)
	if err != nil {
		return nil, 0, err
	}
	latency := time.Since(start)

	parsed := gjson.ParseBytes(body)
	if !parsed.Get("success").Bool() {
		return nil, latency, fmt.Errorf("snapshot response not successful")
	}
	return parsed.Get("tasks").Array(), latency, nil
}

// CreateTaskRequest carries the fields of a new scan task. TargetFile is
// the storage location of an uploaded targets file, when one was provided.
type CreateTaskRequest struct {
	Name       string `json:"name"`
	TargetFile string `json:"file,omitempty"`
}

// CreateTask submits a new scan task. Failures come back as *Error with a
// user-facing message; they are never retried automatically.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*domain.Task, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, &Error{Status: http.StatusBadRequest, Message: StatusMessage(http.StatusBadRequest)}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode create request: %w", err)
	}

	body, _, err := c.do(ctx, http.MethodPost, c.cfg.SnapshotPath, payload)
	if err != nil {
		return nil, err
	}

	task := mapper.FromSnapshotRecord(gjson.ParseBytes(body).Get("task"), nil)
	if task == nil {
		// engine acknowledged but the stream will deliver the record
		return nil, nil
	}
	return task, nil
}

// DeleteTask removes a scan task by id.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &Error{Status: http.StatusBadRequest, Message: StatusMessage(http.StatusBadRequest)}
	}
	_, _, err := c.do(ctx, http.MethodDelete, c.cfg.SnapshotPath+"/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("obtain access token: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.cfg.Logger.WithField("status", resp.StatusCode).Debugf("%s %s failed", method, path)
		return nil, resp.StatusCode, &Error{Status: resp.StatusCode, Message: StatusMessage(resp.StatusCode)}
	}
	return body, resp.StatusCode, nil
}
