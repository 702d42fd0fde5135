package models

// Attachment is a media reference attached to a task. The binary content
// itself lives outside the engine; MediaRef is an opaque locator.
type Attachment struct {
	ID        UUID   `db:"id" json:"id"`
	TaskID    UUID   `db:"task_id" json:"task_id"`
	FileName  string `db:"file_name" json:"file_name"`
	MimeType  string `db:"mime_type" json:"mime_type,omitempty"`
	Size      int64  `db:"size" json:"size"`
	MediaRef  string `db:"media_ref" json:"media_ref"`
	IsDeleted bool   `db:"is_deleted" json:"is_deleted"`
	CreatedAt int64  `db:"created_at" json:"created_at"` // unix ms
}

// TableName returns the table name for Attachment.
func (Attachment) TableName() string {
	return "attachments"
}
