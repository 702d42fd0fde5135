package models

import (
	"encoding/json"
	"time"
)

// QueueStatus represents the status of an outbox row.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// PendingEvent is a durable outbox row: a locally produced domain event
// awaiting acknowledgment from the remote service.
type PendingEvent struct {
	ID            UUID            `db:"id" json:"id"`
	EventType     string          `db:"event_type" json:"event_type"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	EntityID      UUID            `db:"entity_id" json:"entity_id"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Sequence      int64           `db:"sequence" json:"sequence"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	LastAttemptAt *int64          `db:"last_attempt_at" json:"last_attempt_at,omitempty"` // unix ms
	NextRetryAt   *int64          `db:"next_retry_at" json:"next_retry_at,omitempty"`     // unix ms
	ErrorMessage  string          `db:"error_message" json:"error_message,omitempty"`
	Status        QueueStatus     `db:"status" json:"status"`
	CreatedAt     int64           `db:"created_at" json:"created_at"` // unix ms
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"` // unix ms
}

// TableName returns the table name for PendingEvent.
func (PendingEvent) TableName() string {
	return "outbox"
}

// Ready reports whether the row is eligible for dequeue at the given time.
func (p *PendingEvent) Ready(now time.Time) bool {
	if p.Status != QueueStatusPending {
		return false
	}
	return p.NextRetryAt == nil || *p.NextRetryAt <= now.UnixMilli()
}

// Terminal reports whether the row is in a state that automatic processing
// will never leave (completed, failed or cancelled).
func (p *PendingEvent) Terminal() bool {
	switch p.Status {
	case QueueStatusCompleted, QueueStatusFailed, QueueStatusCancelled:
		return true
	}
	return false
}
