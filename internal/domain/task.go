package domain

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusRunningRecon TaskStatus = "running_recon"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusPaused       TaskStatus = "paused"
	TaskStatusComplete     TaskStatus = "complete"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusDeleted      TaskStatus = "deleted"
)

// DisplayStatus is the collapsed status bucket used for list filtering.
type DisplayStatus string

const (
	DisplayPending  DisplayStatus = "pending"
	DisplayRunning  DisplayStatus = "running"
	DisplayComplete DisplayStatus = "complete"
)

// NormalizeStatus maps a raw upstream status string to a TaskStatus.
// The second return is false when the value is not a status we know,
// in which case callers keep whatever status they already have.
func NormalizeStatus(raw string) (TaskStatus, bool) {
	switch TaskStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case TaskStatusPending:
		return TaskStatusPending, true
	case TaskStatusRunningRecon:
		return TaskStatusRunningRecon, true
	case TaskStatusRunning:
		return TaskStatusRunning, true
	case TaskStatusPaused:
		return TaskStatusPaused, true
	case TaskStatusComplete:
		return TaskStatusComplete, true
	case TaskStatusFailed:
		return TaskStatusFailed, true
	case TaskStatusDeleted, "delete", "removed":
		return TaskStatusDeleted, true
	}
	return "", false
}

// Display collapses the full status set into the three filter buckets.
// Recon counts as running; paused tasks sit with pending; failed tasks
// are finished as far as the list is concerned.
func (s TaskStatus) Display() DisplayStatus {
	switch s {
	case TaskStatusRunning, TaskStatusRunningRecon:
		return DisplayRunning
	case TaskStatusComplete, TaskStatusFailed:
		return DisplayComplete
	default:
		return DisplayPending
	}
}

// Task is the canonical reconciled view of a scan job. ID is the merge key;
// incremental updates are partial, so absent fields keep their prior value.
type Task struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Status          TaskStatus `json:"status"`
	Found           int64      `json:"found"`
	ETASeconds      int64      `json:"eta_seconds"`
	TargetTotal     *int64     `json:"target_total"`
	Remaining       *int64     `json:"remaining"`
	ProgressPercent int        `json:"progress_percent"`
	File            string     `json:"file"`
	Started         string     `json:"started"`
	StartedTime     string     `json:"started_time"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand tasks out of the
// reconciler without sharing pointer fields.
func (t Task) Clone() Task {
	c := t
	if t.TargetTotal != nil {
		v := *t.TargetTotal
		c.TargetTotal = &v
	}
	if t.Remaining != nil {
		v := *t.Remaining
		c.Remaining = &v
	}
	return c
}

// Derive fills Remaining and ProgressPercent from Found/TargetTotal when
// they were not supplied explicitly. Remaining never goes negative and
// progress is clamped to 0-100.
func (t *Task) Derive() {
	if t.Found < 0 {
		t.Found = 0
	}
	if t.TargetTotal != nil && t.Remaining == nil {
		r := *t.TargetTotal - t.Found
		if r < 0 {
			r = 0
		}
		t.Remaining = &r
	}
	if t.Remaining != nil && *t.Remaining < 0 {
		*t.Remaining = 0
	}
	if t.ProgressPercent == 0 && t.TargetTotal != nil && *t.TargetTotal > 0 {
		t.ProgressPercent = int(t.Found * 100 / *t.TargetTotal)
	}
	if t.ProgressPercent < 0 {
		t.ProgressPercent = 0
	}
	if t.ProgressPercent > 100 {
		t.ProgressPercent = 100
	}
}
