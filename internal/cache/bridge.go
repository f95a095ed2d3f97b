package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"scansync/internal/domain"
	"scansync/internal/reconcile"
)

// schemaVersion is baked into cache keys so a future blob format change
// reads as a clean miss instead of a parse failure.
const schemaVersion = "v1"

// blob is the persisted cache payload.
type blob struct {
	TS    int64         `json:"ts"`
	Tasks []domain.Task `json:"tasks"`
}

// Key builds the namespaced cache key for a user's task list.
func Key(user string) string {
	if user == "" {
		user = "default"
	}
	return fmt.Sprintf("scansync/%s/tasks/%s", schemaVersion, user)
}

type BridgeConfig struct {
	Store  Store
	Key    string
	Logger *logrus.Logger
}

// Bridge connects the reconciler to the persistent cache: it seeds the
// reconciler once at startup and then writes every synced state change
// back. Persistence failures are logged and swallowed; they must never
// affect rendering.
type Bridge struct {
	cfg    BridgeConfig
	rec    *reconcile.Reconciler
	loaded bool
}

func NewBridge(cfg BridgeConfig, rec *reconcile.Reconciler) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Bridge{cfg: cfg, rec: rec}
}

// Load reads the persisted snapshot and seeds the reconciler with it,
// marked stale. Corruption and misses are treated identically: start
// empty. Must be called once, before Run and before any network sync.
func (b *Bridge) Load(ctx context.Context) {
	defer func() { b.loaded = true }()

	raw, err := b.cfg.Store.Get(ctx, b.cfg.Key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			b.cfg.Logger.Warnf("cache read: %v", err)
		}
		return
	}

	var parsed blob
	if err := json.Unmarshal(raw, &parsed); err != nil {
		b.cfg.Logger.Warnf("cache blob corrupt, ignoring: %v", err)
		return
	}
	if len(parsed.Tasks) == 0 {
		return
	}

	b.cfg.Logger.WithField("tasks", len(parsed.Tasks)).Debug("seeding from cache")
	b.rec.Seed(parsed.Tasks)
}

// Run persists reconciled state changes until ctx is cancelled. Only
// synced snapshots are written: seeded state would clobber good data with
// its own echo, and countdown ticks aren't worth a disk write.
func (b *Bridge) Run(ctx context.Context) {
	id, ch := b.rec.Subscribe()
	defer b.rec.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			if !b.loaded || snap.Cause != reconcile.CauseSync {
				continue
			}
			b.persist(ctx, snap.Tasks)
		}
	}
}

func (b *Bridge) persist(ctx context.Context, tasks []domain.Task) {
	raw, err := json.Marshal(blob{TS: time.Now().UnixMilli(), Tasks: tasks})
	if err != nil {
		b.cfg.Logger.Warnf("cache encode: %v", err)
		return
	}
	if err := b.cfg.Store.Put(ctx, b.cfg.Key, raw); err != nil {
		b.cfg.Logger.Warnf("cache write: %v", err)
	}
}
