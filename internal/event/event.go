// Package event defines the canonical, versioned domain event model.
// Every local mutation is captured as an immutable DomainEvent which is
// projected locally and queued in the outbox for transmission.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/uuid"
)

// SchemaVersion is the current event schema version, stamped on every
// event at creation time.
const SchemaVersion = 1

// Type enumerates the domain actions an event can describe.
type Type string

const (
	TypeTaskCreated       Type = "task.created"
	TypeTaskUpdated       Type = "task.updated"
	TypeTaskDeleted       Type = "task.deleted"
	TypeTaskMoved         Type = "task.moved"
	TypeSubtaskAdded      Type = "subtask.added"
	TypeSubtaskRemoved    Type = "subtask.removed"
	TypeTagAssigned       Type = "tag.assigned"
	TypeTagUnassigned     Type = "tag.unassigned"
	TypeAttachmentAdded   Type = "attachment.added"
	TypeAttachmentRemoved Type = "attachment.removed"
)

// EntityType names for the entities events act on.
const (
	EntityTask       = "task"
	EntityTag        = "tag"
	EntityAttachment = "attachment"
)

// DomainEvent is an append-only record of a state change. All fields are
// immutable once created except the server-acknowledgment fields, which
// transition from unset to set exactly once.
type DomainEvent struct {
	EventID           string          `json:"event_id"`
	UserID            string          `json:"user_id"`
	DeviceID          string          `json:"device_id"`
	AppID             string          `json:"app_id"`
	Timestamp         int64           `json:"timestamp"` // unix ms
	EventType         Type            `json:"event_type"`
	SchemaVersion     int             `json:"schema_version"`
	Payload           json.RawMessage `json:"payload"`
	MediaRefs         []string        `json:"media_refs,omitempty"`
	ConsentSnapshotID string          `json:"consent_snapshot_id,omitempty"`
	LocalSequence     *int64          `json:"local_sequence,omitempty"`
	ServerSequence    *int64          `json:"server_sequence,omitempty"`
	IsSynced          bool            `json:"is_synced"`
	SyncedAt          *int64          `json:"synced_at,omitempty"` // unix ms
}

// Origin identifies the producer of an event.
type Origin struct {
	UserID   string
	DeviceID string
	AppID    string
}

// New builds a DomainEvent from a typed payload, serializing it into the
// opaque payload field. Fails with INVALID_PAYLOAD if the payload cannot
// be serialized.
func New(origin Origin, p Payload, now time.Time) (*DomainEvent, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInvalidPayload, fmt.Sprintf("serializing %s payload", p.EventType()))
	}

	return &DomainEvent{
		EventID:       uuid.New(),
		UserID:        origin.UserID,
		DeviceID:      origin.DeviceID,
		AppID:         origin.AppID,
		Timestamp:     now.UnixMilli(),
		EventType:     p.EventType(),
		SchemaVersion: SchemaVersion,
		Payload:       raw,
		MediaRefs:     p.mediaRefs(),
	}, nil
}

// AcknowledgeServer records the server's acknowledgment of this event.
// ServerSequence, IsSynced and SyncedAt are set-once; a second call is an
// invariant violation and returns an error.
func (e *DomainEvent) AcknowledgeServer(serverSeq int64, at time.Time) error {
	if e.IsSynced || e.ServerSequence != nil {
		return errors.Newf(errors.ErrInvalid, "event %s already acknowledged", e.EventID)
	}
	ts := at.UnixMilli()
	e.ServerSequence = &serverSeq
	e.IsSynced = true
	e.SyncedAt = &ts
	return nil
}

// DecodedPayload deserializes the opaque payload into its typed variant.
func (e *DomainEvent) DecodedPayload() (Payload, error) {
	return DecodePayload(e.EventType, e.Payload)
}
