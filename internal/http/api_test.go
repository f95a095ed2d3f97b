package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"scansync/internal/api"
	"scansync/internal/domain"
	"scansync/internal/reconcile"
	"scansync/internal/storage"
	"scansync/internal/stream"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeEngine struct {
	mu      sync.Mutex
	created []api.CreateTaskRequest
	deleted []string
	err     error
}

func (f *fakeEngine) CreateTask(ctx context.Context, req api.CreateTaskRequest) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, req)
	return &domain.Task{ID: "t-new", Name: req.Name, Status: domain.TaskStatusPending}, nil
}

func (f *fakeEngine) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeControl struct {
	mu         sync.Mutex
	state      stream.ConnState
	reconnects int
}

func (f *fakeControl) State() stream.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeControl) ForceReconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeControl) reconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRefresher) RefreshNow(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

type fakeStorage struct {
	uploads []string
	err     error
}

func (f *fakeStorage) UploadTargetFile(ctx context.Context, name string, body io.Reader, opts storage.UploadOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.uploads = append(f.uploads, name)
	return "s3://" + opts.Bucket + "/targets/" + name, nil
}

func newTestServer(t *testing.T, cfg HandlerConfig) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	router := gin.New()
	NewHandler(cfg).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func seededReconciler() *reconcile.Reconciler {
	rec := reconcile.New(reconcile.Config{Logger: quietLogger()})
	rec.ApplySnapshot(gjson.Parse(`[
		{"id":"t1","name":"acme.com scan","status":"running","found":3},
		{"id":"t2","name":"beta.io scan","status":"complete","found":12}
	]`).Array(), 100*time.Millisecond)
	return rec
}

func TestListTasks(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{
		Reconciler: seededReconciler(),
		Stream:     &fakeControl{state: stream.StateLive},
	})

	resp, err := http.Get(srv.URL + "/api/tasks")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body TaskListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(body.Tasks))
	}
	if body.Tasks[0].ID != "t1" || body.Tasks[0].DisplayStatus != domain.DisplayRunning {
		t.Fatalf("unexpected first task: %+v", body.Tasks[0])
	}
	if body.Meta.Stale {
		t.Fatal("synced list reported stale")
	}
	if body.Meta.Connection != stream.StateLive {
		t.Fatalf("connection = %q, want live", body.Meta.Connection)
	}
	if body.Meta.LastSync == nil {
		t.Fatal("meta missing last_sync")
	}
}

func TestCreateTaskJSON(t *testing.T) {
	engine := &fakeEngine{}
	control := &fakeControl{}
	refresher := &fakeRefresher{}
	srv := newTestServer(t, HandlerConfig{
		Reconciler: seededReconciler(),
		Engine:     engine,
		Stream:     control,
		Refresher:  refresher,
	})

	resp, err := http.Post(srv.URL+"/api/tasks", "application/json",
		strings.NewReader(`{"name":"gamma.dev scan"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	engine.mu.Lock()
	created := len(engine.created)
	engine.mu.Unlock()
	if created != 1 {
		t.Fatalf("engine create calls = %d, want 1", created)
	}
	if control.reconnectCount() != 1 {
		t.Fatalf("forced reconnects = %d, want 1", control.reconnectCount())
	}
}

func TestCreateTaskRequiresName(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{
		Reconciler: seededReconciler(),
		Engine:     &fakeEngine{},
	})

	resp, err := http.Post(srv.URL+"/api/tasks", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateTaskWithUpload(t *testing.T) {
	engine := &fakeEngine{}
	store := &fakeStorage{}
	srv := newTestServer(t, HandlerConfig{
		Reconciler: seededReconciler(),
		Engine:     engine,
		Storage:    store,
		Bucket:     "scan-targets",
	})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("name", "delta.org scan"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("target_file", "hosts.txt")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(fw, "https://delta.org\nhttps://delta.org/admin\n")
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/tasks", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	if len(store.uploads) != 1 || store.uploads[0] != "hosts.txt" {
		t.Fatalf("uploads = %v, want [hosts.txt]", store.uploads)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.created) != 1 || !strings.HasPrefix(engine.created[0].TargetFile, "s3://scan-targets/") {
		t.Fatalf("engine got %+v, want s3 target location", engine.created)
	}
}

func TestCreateTaskRejectsBadUpload(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{
		Reconciler: seededReconciler(),
		Engine:     &fakeEngine{},
		Storage:    &fakeStorage{},
		Bucket:     "scan-targets",
	})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("name", "evil scan")
	fw, _ := mw.CreateFormFile("target_file", "payload.exe")
	io.WriteString(fw, "MZ")
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/tasks", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteTask(t *testing.T) {
	engine := &fakeEngine{}
	control := &fakeControl{}
	srv := newTestServer(t, HandlerConfig{
		Reconciler: seededReconciler(),
		Engine:     engine,
		Stream:     control,
	})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/tasks/t1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.deleted) != 1 || engine.deleted[0] != "t1" {
		t.Fatalf("deleted = %v, want [t1]", engine.deleted)
	}
	if control.reconnectCount() != 1 {
		t.Fatalf("forced reconnects = %d, want 1", control.reconnectCount())
	}
}

func TestEngineErrorsMapToFriendlyMessages(t *testing.T) {
	engine := &fakeEngine{err: &api.Error{Status: http.StatusTooManyRequests}}
	srv := newTestServer(t, HandlerConfig{
		Reconciler: seededReconciler(),
		Engine:     engine,
	})

	resp, err := http.Post(srv.URL+"/api/tasks", "application/json",
		strings.NewReader(`{"name":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), api.StatusMessage(http.StatusTooManyRequests)) {
		t.Fatalf("body %q missing mapped message", body)
	}
}

func TestEngineUnreachableIsBadGateway(t *testing.T) {
	engine := &fakeEngine{err: errors.New("dial tcp: connection refused")}
	srv := newTestServer(t, HandlerConfig{
		Reconciler: seededReconciler(),
		Engine:     engine,
	})

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/tasks/t1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestStreamTasksRebroadcasts(t *testing.T) {
	rec := seededReconciler()
	srv := newTestServer(t, HandlerConfig{
		Reconciler: rec,
		Stream:     &fakeControl{state: stream.StateLive},
	})

	resp, err := http.Get(srv.URL + "/api/tasks/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}

	// push an update through the reconciler and read until it shows up
	go func() {
		time.Sleep(50 * time.Millisecond)
		rec.ApplyUpdate(gjson.Parse(`{"taskid":"t3","taskname":"new scan","status":"pending"}`))
	}()

	events := 0
	sawNewTask := false
	deadline := time.After(5 * time.Second)
	lines := make(chan string)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				lines <- string(buf[:n])
			}
			if err != nil {
				close(lines)
				return
			}
		}
	}()

	for !sawNewTask {
		select {
		case chunk, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before update arrived")
			}
			if strings.Contains(chunk, "event:") {
				events++
			}
			if strings.Contains(chunk, "t3") {
				sawNewTask = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for rebroadcast update")
		}
	}
	if events == 0 {
		t.Fatal("no event framing observed on the stream")
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, HandlerConfig{
		Reconciler: seededReconciler(),
		Stream:     &fakeControl{state: stream.StatePolling},
	})

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"connection":"polling"`) {
		t.Fatalf("health body %q missing connection state", body)
	}
}
