// Package mapper normalizes the two upstream task shapes — full REST
// snapshot records and partial streamed summaries — into the canonical
// domain.Task. Upstream data quality is not guaranteed, so both entry
// points are total: malformed fields are clamped or defaulted, never
// returned as errors, and absent fields inherit the existing record's
// value rather than clearing it.
package mapper

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"scansync/internal/domain"
)

// FromSnapshotRecord maps one task object from the REST snapshot response.
// Returns nil when the record has no usable id or its status normalizes to
// deleted. Fields the snapshot shape does not carry are taken from existing.
func FromSnapshotRecord(raw gjson.Result, existing *domain.Task) *domain.Task {
	id := strings.TrimSpace(raw.Get("id").String())
	if id == "" {
		return nil
	}

	task := base(id, existing)

	if v := raw.Get("name"); v.Exists() {
		task.Name = v.String()
	}
	if status, ok := domain.NormalizeStatus(raw.Get("status").String()); ok {
		if status == domain.TaskStatusDeleted {
			return nil
		}
		task.Status = status
	}
	if n, ok := intField(raw, "found"); ok {
		task.Found = clampNonNegative(n)
	}
	if n, ok := intField(raw, "target"); ok && n > 0 {
		task.TargetTotal = &n
	}
	if v := raw.Get("file"); v.Exists() && v.String() != "" {
		task.File = v.String()
	}
	if v := raw.Get("started"); v.Exists() && v.String() != "" {
		task.Started = v.String()
	}
	if v := raw.Get("started_time"); v.Type == gjson.String && v.Str != "" {
		task.StartedTime = v.Str
	}

	// the snapshot shape never carries remaining, so rederive it from the
	// fresh found count instead of trusting a carried-over value
	if task.TargetTotal != nil {
		task.Remaining = nil
	}

	finish(&task, raw, existing)
	return &task
}

// FromStreamSummary maps a partial summary from a task_update or
// user_snapshot stream event. Same nil rules as FromSnapshotRecord. When the
// summary carries an updated_at older than the existing record's, the
// existing record is returned unchanged so a late-delivered stale event can
// never regress fresher state.
func FromStreamSummary(raw gjson.Result, existing *domain.Task) *domain.Task {
	id := strings.TrimSpace(raw.Get("taskid").String())
	if id == "" {
		return nil
	}

	updatedAt, hasUpdatedAt := timeField(raw.Get("updated_at"))
	if hasUpdatedAt && existing != nil && !existing.UpdatedAt.IsZero() && updatedAt.Before(existing.UpdatedAt) {
		kept := existing.Clone()
		return &kept
	}

	task := base(id, existing)
	if hasUpdatedAt {
		task.UpdatedAt = updatedAt
	}

	if v := raw.Get("taskname"); v.Exists() && v.String() != "" {
		task.Name = v.String()
	}
	if status, ok := domain.NormalizeStatus(raw.Get("status").String()); ok {
		if status == domain.TaskStatusDeleted {
			return nil
		}
		task.Status = status
	}
	if n, ok := intField(raw, "success", "websites_done"); ok {
		task.Found = clampNonNegative(n)
	}
	if n, ok := intField(raw, "websites_total"); ok && n > 0 {
		task.TargetTotal = &n
	}
	if n, ok := intField(raw, "eta_seconds"); ok {
		task.ETASeconds = clampNonNegative(n)
	}
	// upstream emits both spellings; the typo predates the stream API freeze
	if n, ok := intField(raw, "remaining", "remainng"); ok {
		n = clampNonNegative(n)
		task.Remaining = &n
	} else if task.TargetTotal != nil {
		// a fresh found count invalidates a carried-over remaining
		task.Remaining = nil
	}

	finish(&task, raw, existing)
	return &task
}

// base seeds the mapped task from the existing record so absent fields mean
// "unchanged", or from zero values when the task is new.
func base(id string, existing *domain.Task) domain.Task {
	if existing != nil {
		task := existing.Clone()
		task.ID = id
		return task
	}
	return domain.Task{ID: id, Status: domain.TaskStatusPending}
}

// finish derives remaining and progress. An explicit progress_ratio wins;
// otherwise progress comes from found/target; with neither, the existing
// percentage is carried.
func finish(task *domain.Task, raw gjson.Result, existing *domain.Task) {
	if task.TargetTotal != nil && task.Remaining == nil {
		r := clampNonNegative(*task.TargetTotal - task.Found)
		task.Remaining = &r
	}
	if task.Remaining != nil && *task.Remaining < 0 {
		*task.Remaining = 0
	}

	switch {
	case finiteNumber(raw.Get("progress_ratio")):
		task.ProgressPercent = clampPercent(int(math.Round(raw.Get("progress_ratio").Num * 100)))
	case task.TargetTotal != nil && *task.TargetTotal > 0:
		task.ProgressPercent = clampPercent(int(task.Found * 100 / *task.TargetTotal))
	case existing != nil:
		task.ProgressPercent = clampPercent(existing.ProgressPercent)
	default:
		task.ProgressPercent = 0
	}
}

// intField returns the first of keys present with a usable numeric value.
// Numeric strings are accepted; NaN and infinities are not.
func intField(raw gjson.Result, keys ...string) (int64, bool) {
	for _, key := range keys {
		v := raw.Get(key)
		switch v.Type {
		case gjson.Number:
			if finiteNumber(v) {
				return int64(v.Num), true
			}
		case gjson.String:
			s := strings.TrimSpace(v.Str)
			if s == "" {
				continue
			}
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, true
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return int64(f), true
			}
		}
	}
	return 0, false
}

// timeField parses an updated_at value: RFC3339 strings or unix seconds.
func timeField(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339, v.Str); err == nil {
			return ts, true
		}
	case gjson.Number:
		if finiteNumber(v) && v.Num > 0 {
			sec, frac := math.Modf(v.Num)
			return time.Unix(int64(sec), int64(frac*float64(time.Second))), true
		}
	}
	return time.Time{}, false
}

func finiteNumber(v gjson.Result) bool {
	return v.Type == gjson.Number && !math.IsNaN(v.Num) && !math.IsInf(v.Num, 0)
}

func clampNonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
