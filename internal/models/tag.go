package models

// Tag is a user-defined label assignable to tasks.
type Tag struct {
	ID        UUID   `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	Color     string `db:"color" json:"color,omitempty"`
	TaskCount int    `db:"task_count" json:"task_count"`
	IsDeleted bool   `db:"is_deleted" json:"is_deleted"`
	CreatedAt int64  `db:"created_at" json:"created_at"` // unix ms
	UpdatedAt int64  `db:"updated_at" json:"updated_at"` // unix ms
	Version   int64  `db:"version" json:"version"`
}

// TableName returns the table name for Tag.
func (Tag) TableName() string {
	return "tags"
}

// TaskTag is the join row between tasks and tags. Both sides of the
// relationship (the join row and the tag's TaskCount) are maintained in
// one transaction by the projector.
type TaskTag struct {
	TaskID     UUID  `db:"task_id" json:"task_id"`
	TagID      UUID  `db:"tag_id" json:"tag_id"`
	AssignedAt int64 `db:"assigned_at" json:"assigned_at"` // unix ms
}

// TableName returns the table name for TaskTag.
func (TaskTag) TableName() string {
	return "task_tags"
}
