// Package reconcile maintains the authoritative in-memory task list. All
// other components are producers: the stream session and poller feed decoded
// events into Apply*, and consumers read copies or subscribe for change
// notifications. The reconciler is the only code that mutates the list.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"scansync/internal/domain"
	"scansync/internal/mapper"
)

// Cause says what produced a notification, so subscribers can treat real
// syncs differently from cosmetic changes (the cache bridge only persists
// synced state, never seeded or ticked state).
type Cause string

const (
	CauseSeed Cause = "seed"
	CauseSync Cause = "sync"
	CauseTick Cause = "tick"
)

// Snapshot is a point-in-time copy of the reconciled state.
type Snapshot struct {
	Tasks      []domain.Task
	Stale      bool
	SlowServer bool
	LastSync   time.Time
	Cause      Cause
}

type Config struct {
	// SlowServerThreshold flags the slow-server hint when a snapshot fetch
	// took longer than this. Zero means the default of 1800ms.
	SlowServerThreshold time.Duration
	Logger              *logrus.Logger
}

// Reconciler owns the merged task list.
type Reconciler struct {
	mu         sync.Mutex
	cfg        Config
	tasks      []domain.Task
	stale      bool
	slowServer bool
	lastSync   time.Time
	subs       map[string]chan Snapshot
}

func New(cfg Config) *Reconciler {
	if cfg.SlowServerThreshold <= 0 {
		cfg.SlowServerThreshold = 1800 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Reconciler{
		cfg:  cfg,
		subs: make(map[string]chan Snapshot),
	}
}

// Seed installs a cached task list before any network sync has happened.
// Seeded state is marked stale until a real apply lands.
func (r *Reconciler) Seed(tasks []domain.Task) {
	r.mu.Lock()
	r.tasks = cloneTasks(tasks)
	r.stale = true
	r.notifyLocked(CauseSeed)
	r.mu.Unlock()
}

// ApplySnapshot full-replaces the list from REST snapshot records. Membership
// is authoritative: tasks absent from the snapshot are dropped. Per-task
// fields the snapshot shape does not carry are kept from the previous record
// with the same id. latency, when known (> 0), drives the slow-server hint.
func (r *Reconciler) ApplySnapshot(records []gjson.Result, latency time.Duration) {
	r.applyFull(records, mapper.FromSnapshotRecord, latency)
}

// ApplyStreamSnapshot full-replaces the list from a user_snapshot stream
// event, whose records use the summary shape.
func (r *Reconciler) ApplyStreamSnapshot(records []gjson.Result) {
	r.applyFull(records, mapper.FromStreamSummary, 0)
}

func (r *Reconciler) applyFull(records []gjson.Result, mapRecord func(gjson.Result, *domain.Task) *domain.Task, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := make(map[string]*domain.Task, len(r.tasks))
	for i := range r.tasks {
		prev[r.tasks[i].ID] = &r.tasks[i]
	}

	next := make([]domain.Task, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		mapped := mapRecord(record, prev[recordID(record)])
		if mapped == nil {
			continue
		}
		if _, dup := seen[mapped.ID]; dup {
			continue
		}
		seen[mapped.ID] = struct{}{}
		next = append(next, *mapped)
	}

	r.tasks = next
	r.markSyncedLocked(latency)
	r.notifyLocked(CauseSync)
}

// ApplyUpdate applies one task_update event payload: a delete removes the
// task by id, anything else upserts. New ids are inserted at the head of the
// list; existing ids merge field-by-field per the mapper's rules.
func (r *Reconciler) ApplyUpdate(payload gjson.Result) {
	taskRaw := payload.Get("task")
	id := recordID(taskRaw)
	if id == "" {
		r.cfg.Logger.WithField("payload", payload.Raw).Debug("dropping task update without id")
		return
	}
	reason := payload.Get("reason").String()

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOfLocked(id)

	if reason == "delete" {
		if idx >= 0 {
			r.tasks = append(r.tasks[:idx], r.tasks[idx+1:]...)
		}
		r.markSyncedLocked(0)
		r.notifyLocked(CauseSync)
		return
	}

	var existing *domain.Task
	if idx >= 0 {
		existing = &r.tasks[idx]
	}
	mapped := mapper.FromStreamSummary(taskRaw, existing)
	if mapped == nil {
		// status normalized to deleted
		if idx >= 0 {
			r.tasks = append(r.tasks[:idx], r.tasks[idx+1:]...)
		}
		r.markSyncedLocked(0)
		r.notifyLocked(CauseSync)
		return
	}

	if idx >= 0 {
		r.tasks[idx] = *mapped
	} else {
		r.tasks = append([]domain.Task{*mapped}, r.tasks...)
	}
	r.markSyncedLocked(0)
	r.notifyLocked(CauseSync)
}

// Tasks returns a copy of the current list.
func (r *Reconciler) Tasks() []domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneTasks(r.tasks)
}

// View returns the current state as a snapshot.
func (r *Reconciler) View() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked("")
}

// Subscribe registers a change listener. The channel holds the latest
// snapshot only: a slow consumer sees the freshest state, not every
// intermediate one, and never blocks the reconciler.
func (r *Reconciler) Subscribe() (string, <-chan Snapshot) {
	id := uuid.NewString()
	ch := make(chan Snapshot, 1)
	r.mu.Lock()
	r.subs[id] = ch
	r.mu.Unlock()
	return id, ch
}

func (r *Reconciler) Unsubscribe(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// RunCountdown ticks ETASeconds down for in-flight tasks between server
// updates. Ticks are cosmetic: they notify subscribers with CauseTick and do
// not count as a sync. Blocks until ctx is cancelled.
func (r *Reconciler) RunCountdown(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reconciler) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for i := range r.tasks {
		if r.tasks[i].ETASeconds > 0 && r.tasks[i].Status.Display() == domain.DisplayRunning {
			r.tasks[i].ETASeconds--
			changed = true
		}
	}
	if changed {
		r.notifyLocked(CauseTick)
	}
}

func (r *Reconciler) markSyncedLocked(latency time.Duration) {
	r.stale = false
	r.lastSync = time.Now()
	if latency > 0 {
		r.slowServer = latency > r.cfg.SlowServerThreshold
	}
}

func (r *Reconciler) notifyLocked(cause Cause) {
	snap := r.snapshotLocked(cause)
	for _, ch := range r.subs {
		select {
		case ch <- snap:
		default:
			// replace the stale pending snapshot with the fresh one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (r *Reconciler) snapshotLocked(cause Cause) Snapshot {
	return Snapshot{
		Tasks:      cloneTasks(r.tasks),
		Stale:      r.stale,
		SlowServer: r.slowServer,
		LastSync:   r.lastSync,
		Cause:      cause,
	}
}

func (r *Reconciler) indexOfLocked(id string) int {
	for i := range r.tasks {
		if r.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func recordID(raw gjson.Result) string {
	if id := strings.TrimSpace(raw.Get("taskid").String()); id != "" {
		return id
	}
	return strings.TrimSpace(raw.Get("id").String())
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	out := make([]domain.Task, len(tasks))
	for i := range tasks {
		out[i] = tasks[i].Clone()
	}
	return out
}
