package event

import (
	"encoding/json"

	"github.com/kimhsiao/driftsync/internal/errors"
)

// Payload is the tagged union over event payload variants: one statically
// typed schema per event type.
type Payload interface {
	EventType() Type
	EntityType() string
	EntityID() string

	mediaRefs() []string
}

// TaskCreatedPayload carries the full initial state of a new task.
type TaskCreatedPayload struct {
	TaskID   string `json:"task_id"`
	ListID   string `json:"list_id"`
	ParentID string `json:"parent_id,omitempty"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
	DueDate  *int64 `json:"due_date,omitempty"` // unix ms
}

func (p TaskCreatedPayload) EventType() Type     { return TypeTaskCreated }
func (p TaskCreatedPayload) EntityType() string  { return EntityTask }
func (p TaskCreatedPayload) EntityID() string    { return p.TaskID }
func (p TaskCreatedPayload) mediaRefs() []string { return nil }

// TaskUpdatedPayload is a partial patch: only non-nil fields overwrite
// local state, absent fields are untouched.
type TaskUpdatedPayload struct {
	TaskID   string  `json:"task_id"`
	Title    *string `json:"title,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Status   *string `json:"status,omitempty"`
	Priority *int    `json:"priority,omitempty"`
	DueDate  *int64  `json:"due_date,omitempty"` // unix ms
}

func (p TaskUpdatedPayload) EventType() Type     { return TypeTaskUpdated }
func (p TaskUpdatedPayload) EntityType() string  { return EntityTask }
func (p TaskUpdatedPayload) EntityID() string    { return p.TaskID }
func (p TaskUpdatedPayload) mediaRefs() []string { return nil }

// TaskDeletedPayload tombstones a task.
type TaskDeletedPayload struct {
	TaskID    string `json:"task_id"`
	DeletedAt int64  `json:"deleted_at"` // unix ms
}

func (p TaskDeletedPayload) EventType() Type     { return TypeTaskDeleted }
func (p TaskDeletedPayload) EntityType() string  { return EntityTask }
func (p TaskDeletedPayload) EntityID() string    { return p.TaskID }
func (p TaskDeletedPayload) mediaRefs() []string { return nil }

// TaskMovedPayload moves a task between lists.
type TaskMovedPayload struct {
	TaskID     string `json:"task_id"`
	FromListID string `json:"from_list_id"`
	ToListID   string `json:"to_list_id"`
}

func (p TaskMovedPayload) EventType() Type     { return TypeTaskMoved }
func (p TaskMovedPayload) EntityType() string  { return EntityTask }
func (p TaskMovedPayload) EntityID() string    { return p.TaskID }
func (p TaskMovedPayload) mediaRefs() []string { return nil }

// SubtaskAddedPayload links an existing task under a parent task.
type SubtaskAddedPayload struct {
	ParentID  string `json:"parent_id"`
	SubtaskID string `json:"subtask_id"`
}

func (p SubtaskAddedPayload) EventType() Type     { return TypeSubtaskAdded }
func (p SubtaskAddedPayload) EntityType() string  { return EntityTask }
func (p SubtaskAddedPayload) EntityID() string    { return p.ParentID }
func (p SubtaskAddedPayload) mediaRefs() []string { return nil }

// SubtaskRemovedPayload unlinks a subtask from its parent.
type SubtaskRemovedPayload struct {
	ParentID  string `json:"parent_id"`
	SubtaskID string `json:"subtask_id"`
}

func (p SubtaskRemovedPayload) EventType() Type     { return TypeSubtaskRemoved }
func (p SubtaskRemovedPayload) EntityType() string  { return EntityTask }
func (p SubtaskRemovedPayload) EntityID() string    { return p.ParentID }
func (p SubtaskRemovedPayload) mediaRefs() []string { return nil }

// TagAssignedPayload assigns a tag to a task. TagName lets the projector
// create the tag lazily if this device has never seen it.
type TagAssignedPayload struct {
	TaskID  string `json:"task_id"`
	TagID   string `json:"tag_id"`
	TagName string `json:"tag_name,omitempty"`
}

func (p TagAssignedPayload) EventType() Type     { return TypeTagAssigned }
func (p TagAssignedPayload) EntityType() string  { return EntityTask }
func (p TagAssignedPayload) EntityID() string    { return p.TaskID }
func (p TagAssignedPayload) mediaRefs() []string { return nil }

// TagUnassignedPayload removes a tag from a task.
type TagUnassignedPayload struct {
	TaskID string `json:"task_id"`
	TagID  string `json:"tag_id"`
}

func (p TagUnassignedPayload) EventType() Type     { return TypeTagUnassigned }
func (p TagUnassignedPayload) EntityType() string  { return EntityTask }
func (p TagUnassignedPayload) EntityID() string    { return p.TaskID }
func (p TagUnassignedPayload) mediaRefs() []string { return nil }

// AttachmentAddedPayload attaches a media reference to a task.
type AttachmentAddedPayload struct {
	TaskID       string `json:"task_id"`
	AttachmentID string `json:"attachment_id"`
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type,omitempty"`
	Size         int64  `json:"size"`
	MediaRef     string `json:"media_ref"`
}

func (p AttachmentAddedPayload) EventType() Type     { return TypeAttachmentAdded }
func (p AttachmentAddedPayload) EntityType() string  { return EntityTask }
func (p AttachmentAddedPayload) EntityID() string    { return p.TaskID }
func (p AttachmentAddedPayload) mediaRefs() []string { return []string{p.MediaRef} }

// AttachmentRemovedPayload detaches a media reference from a task.
type AttachmentRemovedPayload struct {
	TaskID       string `json:"task_id"`
	AttachmentID string `json:"attachment_id"`
}

func (p AttachmentRemovedPayload) EventType() Type     { return TypeAttachmentRemoved }
func (p AttachmentRemovedPayload) EntityType() string  { return EntityTask }
func (p AttachmentRemovedPayload) EntityID() string    { return p.TaskID }
func (p AttachmentRemovedPayload) mediaRefs() []string { return nil }

// DecodePayload deserializes raw into the payload variant for the given
// event type. Unknown types fail with UNSUPPORTED_EVENT_TYPE so a newer
// peer's events degrade to a per-event projection error, not a crash.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)

	switch t {
	case TypeTaskCreated:
		p, err = decodeInto[TaskCreatedPayload](raw)
	case TypeTaskUpdated:
		p, err = decodeInto[TaskUpdatedPayload](raw)
	case TypeTaskDeleted:
		p, err = decodeInto[TaskDeletedPayload](raw)
	case TypeTaskMoved:
		p, err = decodeInto[TaskMovedPayload](raw)
	case TypeSubtaskAdded:
		p, err = decodeInto[SubtaskAddedPayload](raw)
	case TypeSubtaskRemoved:
		p, err = decodeInto[SubtaskRemovedPayload](raw)
	case TypeTagAssigned:
		p, err = decodeInto[TagAssignedPayload](raw)
	case TypeTagUnassigned:
		p, err = decodeInto[TagUnassignedPayload](raw)
	case TypeAttachmentAdded:
		p, err = decodeInto[AttachmentAddedPayload](raw)
	case TypeAttachmentRemoved:
		p, err = decodeInto[AttachmentRemovedPayload](raw)
	default:
		return nil, errors.Newf(errors.ErrUnsupportedEventType, "unknown event type %q", t)
	}

	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInvalidPayload, string(t))
	}
	return p, nil
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
