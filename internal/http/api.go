// Package http serves the local dashboard API: the reconciled task list,
// a rebroadcast event stream for the UI, and mutation endpoints that proxy
// to the scan engine.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"scansync/internal/api"
	"scansync/internal/domain"
	"scansync/internal/reconcile"
	"scansync/internal/storage"
	"scansync/internal/stream"
)

// TaskEngine is the subset of the engine client the dashboard mutates
// through.
type TaskEngine interface {
	CreateTask(ctx context.Context, req api.CreateTaskRequest) (*domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// StreamControl exposes the stream session to the dashboard: connection
// state for the meta block, and forced reconnects after mutations.
type StreamControl interface {
	State() stream.ConnState
	ForceReconnect()
}

// Refresher triggers an immediate snapshot fetch.
type Refresher interface {
	RefreshNow(ctx context.Context)
}

type HandlerConfig struct {
	Reconciler *reconcile.Reconciler
	Engine     TaskEngine
	Stream     StreamControl
	Refresher  Refresher

	// Storage handles target-file uploads; optional. Uploads are rejected
	// when unset.
	Storage storage.Service
	Bucket  string

	// MaxUploadBytes caps target-file uploads. Zero uses the storage
	// package default.
	MaxUploadBytes int64

	Logger *logrus.Logger
}

// Handler wires HTTP routes to the sync state and the engine client.
type Handler struct {
	cfg HandlerConfig
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Handler{cfg: cfg}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	group := router.Group("/api")
	{
		group.GET("/tasks", h.listTasks)
		group.GET("/tasks/stream", h.streamTasks)
		group.POST("/tasks", h.createTask)
		group.DELETE("/tasks/:id", h.deleteTask)
		group.GET("/health", h.health)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type TaskResponse struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Status        domain.TaskStatus    `json:"status"`
	DisplayStatus domain.DisplayStatus `json:"display_status"`
	Found         int64                `json:"found"`
	ETASeconds    int64                `json:"eta_seconds"`
	TargetTotal   *int64               `json:"target_total,omitempty"`
	Remaining     *int64               `json:"remaining,omitempty"`
	Progress      int                  `json:"progress"`
	File          string               `json:"file,omitempty"`
	Started       string               `json:"started,omitempty"`
	StartedTime   string               `json:"started_time,omitempty"`
	UpdatedAt     *string              `json:"updated_at,omitempty"`
}

type MetaResponse struct {
	Stale      bool             `json:"stale"`
	SlowServer bool             `json:"slow_server"`
	LastSync   *string          `json:"last_sync,omitempty"`
	Connection stream.ConnState `json:"connection"`
}

type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Meta  MetaResponse   `json:"meta"`
}

func (h *Handler) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.listPayload(h.cfg.Reconciler.View()))
}

func (h *Handler) streamTasks(c *gin.Context) {
	subID, updates := h.cfg.Reconciler.Subscribe()
	defer h.cfg.Reconciler.Unsubscribe(subID)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// current state first, so a fresh client never renders empty
	sse.Encode(c.Writer, sse.Event{
		Event: "tasks",
		Data:  h.listPayload(h.cfg.Reconciler.View()),
	})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case snap, ok := <-updates:
			if !ok {
				return false
			}
			sse.Encode(w, sse.Event{
				Event: "tasks",
				Data:  h.listPayload(snap),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *Handler) createTask(c *gin.Context) {
	name, targetFile, err := h.createInput(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.cfg.Engine.CreateTask(c.Request.Context(), api.CreateTaskRequest{
		Name:       name,
		TargetFile: targetFile,
	})
	if err != nil {
		h.writeEngineError(c, err)
		return
	}

	h.afterMutation()
	if task == nil {
		// accepted, record arrives over the stream
		c.JSON(http.StatusAccepted, gin.H{"accepted": true})
		return
	}
	c.JSON(http.StatusAccepted, taskToResponse(*task))
}

// createInput reads the task name and optional target file from either a
// multipart form or a JSON body.
func (h *Handler) createInput(c *gin.Context) (string, string, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			return "", "", errors.New("task name is required")
		}
		return req.Name, "", nil
	}

	name := c.PostForm("name")
	if strings.TrimSpace(name) == "" {
		return "", "", errors.New("task name is required")
	}

	fileHeader, err := c.FormFile("target_file")
	if err != nil {
		// the file part is optional
		return name, "", nil
	}

	if h.cfg.Storage == nil || h.cfg.Bucket == "" {
		return "", "", errors.New("target file uploads are not configured")
	}
	if err := storage.ValidateTargetFile(fileHeader.Filename, fileHeader.Size, h.cfg.MaxUploadBytes); err != nil {
		return "", "", err
	}

	f, err := fileHeader.Open()
	if err != nil {
		return "", "", errors.New("target file could not be read")
	}
	defer f.Close()

	location, err := h.cfg.Storage.UploadTargetFile(c.Request.Context(), fileHeader.Filename, f, storage.UploadOptions{
		Bucket: h.cfg.Bucket,
	})
	if err != nil {
		h.cfg.Logger.Errorf("target file upload failed: %v", err)
		return "", "", errors.New("target file upload failed")
	}

	return name, location, nil
}

func (h *Handler) deleteTask(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id is required"})
		return
	}

	if err := h.cfg.Engine.DeleteTask(c.Request.Context(), id); err != nil {
		h.writeEngineError(c, err)
		return
	}

	h.afterMutation()
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) health(c *gin.Context) {
	view := h.cfg.Reconciler.View()
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"connection": h.connState(),
		"stale":      view.Stale,
		"tasks":      len(view.Tasks),
	})
}

// afterMutation nudges every sync path at once: the stream reconnects with
// a fresh cursor and a snapshot fetch closes the gap in the meantime.
func (h *Handler) afterMutation() {
	if h.cfg.Stream != nil {
		h.cfg.Stream.ForceReconnect()
	}
	if h.cfg.Refresher != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			h.cfg.Refresher.RefreshNow(ctx)
		}()
	}
}

func (h *Handler) writeEngineError(c *gin.Context, err error) {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{"error": api.StatusMessage(apiErr.Status)})
		return
	}
	h.cfg.Logger.Errorf("engine request failed: %v", err)
	c.JSON(http.StatusBadGateway, gin.H{"error": "scan engine unreachable"})
}

func (h *Handler) connState() stream.ConnState {
	if h.cfg.Stream == nil {
		return stream.StateIdle
	}
	return h.cfg.Stream.State()
}

func (h *Handler) listPayload(snap reconcile.Snapshot) TaskListResponse {
	resp := TaskListResponse{
		Tasks: make([]TaskResponse, len(snap.Tasks)),
		Meta: MetaResponse{
			Stale:      snap.Stale,
			SlowServer: snap.SlowServer,
			Connection: h.connState(),
		},
	}
	if !snap.LastSync.IsZero() {
		v := snap.LastSync.Format(time.RFC3339)
		resp.Meta.LastSync = &v
	}
	for i := range snap.Tasks {
		resp.Tasks[i] = taskToResponse(snap.Tasks[i])
	}
	return resp
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:            task.ID,
		Name:          task.Name,
		Status:        task.Status,
		DisplayStatus: task.Status.Display(),
		Found:         task.Found,
		ETASeconds:    task.ETASeconds,
		TargetTotal:   task.TargetTotal,
		Remaining:     task.Remaining,
		Progress:      task.ProgressPercent,
		File:          task.File,
		Started:       task.Started,
		StartedTime:   task.StartedTime,
	}
	if !task.UpdatedAt.IsZero() {
		v := task.UpdatedAt.Format(time.RFC3339)
		resp.UpdatedAt = &v
	}
	return resp
}
