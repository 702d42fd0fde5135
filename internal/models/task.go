// Package models provides data model definitions for the driftsync engine.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// TaskStatus enumerates the lifecycle states of a task.
type TaskStatus string

const (
	TaskStatusOpen     TaskStatus = "open"
	TaskStatusDone     TaskStatus = "done"
	TaskStatusArchived TaskStatus = "archived"
)

// Task is the local read-optimized representation of a task entity.
// Deletes are tombstones: IsDeleted flips, the row stays for sync
// consistency until housekeeping purges it.
type Task struct {
	ID              UUID       `db:"id" json:"id"`
	ListID          UUID       `db:"list_id" json:"list_id"`
	ParentID        UUID       `db:"parent_id" json:"parent_id,omitempty"` // empty unless a subtask
	Title           string     `db:"title" json:"title"`
	Notes           string     `db:"notes" json:"notes,omitempty"`
	Status          TaskStatus `db:"status" json:"status"`
	Priority        int        `db:"priority" json:"priority"`
	DueDate         *int64     `db:"due_date" json:"due_date,omitempty"` // unix ms
	SubtaskCount    int        `db:"subtask_count" json:"subtask_count"`
	AttachmentCount int        `db:"attachment_count" json:"attachment_count"`
	IsDeleted       bool       `db:"is_deleted" json:"is_deleted"`
	DeletedAt       *int64     `db:"deleted_at" json:"deleted_at,omitempty"` // unix ms
	CreatedAt       int64      `db:"created_at" json:"created_at"`           // unix ms
	UpdatedAt       int64      `db:"updated_at" json:"updated_at"`           // unix ms
	Version         int64      `db:"version" json:"version"`
	ContentHash     string     `db:"content_hash" json:"content_hash,omitempty"`
}

// TableName returns the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (t *Task) UpdatedAtTime() time.Time {
	return time.UnixMilli(t.UpdatedAt)
}

// Touch bumps UpdatedAt and Version after a local mutation.
func (t *Task) Touch(now time.Time) {
	t.UpdatedAt = now.UnixMilli()
	t.Version++
}
