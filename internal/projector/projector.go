// Package projector applies domain events onto local read-optimized state.
// Projections are idempotent: replaying an event that already took effect
// is a no-op, which is what makes at-least-once delivery safe.
package projector

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kimhsiao/driftsync/internal/db"
	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/event"
	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/models"
)

// Result reports the outcome of projecting one event.
type Result struct {
	EventID    string
	EventType  event.Type
	Applied    bool
	HadChanges bool
	Err        error
}

// Projector applies events to the store.
type Projector struct {
	store *db.Store
	log   zerolog.Logger
}

// New creates a Projector over the given store.
func New(store *db.Store) *Projector {
	return &Projector{store: store, log: logging.With("projector")}
}

// ProjectBatch projects all events inside one transaction. A per-event
// failure rolls back only that event (via savepoint) and is recorded in
// its result; a failed final commit invalidates every result uniformly,
// even those that logically succeeded in memory.
func (p *Projector) ProjectBatch(events []*event.DomainEvent) ([]Result, error) {
	results := make([]Result, len(events))

	err := p.store.WithTx(func(tx *sql.Tx) error {
		for i, ev := range events {
			results[i] = Result{EventID: ev.EventID, EventType: ev.EventType}

			sp := fmt.Sprintf("SAVEPOINT ev_%d", i)
			if _, err := tx.Exec(sp); err != nil {
				return errors.Wrap(err, errors.ErrDatabase, "create savepoint")
			}

			hadChanges, err := p.projectOne(tx, ev)
			if err != nil {
				if _, rbErr := tx.Exec(fmt.Sprintf("ROLLBACK TO SAVEPOINT ev_%d", i)); rbErr != nil {
					return errors.Wrap(rbErr, errors.ErrDatabase, "rollback savepoint")
				}
				results[i].Err = err
				p.log.Warn().
					Str("event_id", ev.EventID).
					Str("event_type", string(ev.EventType)).
					Err(err).
					Msg("event projection aborted")
			} else {
				results[i].Applied = true
				results[i].HadChanges = hadChanges
			}
			if _, err := tx.Exec(fmt.Sprintf("RELEASE SAVEPOINT ev_%d", i)); err != nil {
				return errors.Wrap(err, errors.ErrDatabase, "release savepoint")
			}
		}
		return nil
	})
	if err != nil {
		// Commit (or transaction machinery) failed: nothing was persisted,
		// so every result is failed regardless of in-memory success.
		for i := range results {
			results[i].Applied = false
			results[i].HadChanges = false
			results[i].Err = err
		}
		return results, err
	}
	return results, nil
}

// ProjectOne projects a single event in its own transaction.
func (p *Projector) ProjectOne(ev *event.DomainEvent) (Result, error) {
	results, err := p.ProjectBatch([]*event.DomainEvent{ev})
	if err != nil {
		return results[0], err
	}
	return results[0], results[0].Err
}

func (p *Projector) projectOne(tx *sql.Tx, ev *event.DomainEvent) (bool, error) {
	payload, err := ev.DecodedPayload()
	if err != nil {
		return false, err
	}

	at := time.UnixMilli(ev.Timestamp)

	switch pl := payload.(type) {
	case event.TaskCreatedPayload:
		return p.applyTaskCreated(tx, pl, at)
	case event.TaskUpdatedPayload:
		return p.applyTaskUpdated(tx, pl, at)
	case event.TaskDeletedPayload:
		return p.applyTaskDeleted(tx, pl, at)
	case event.TaskMovedPayload:
		return p.applyTaskMoved(tx, pl, at)
	case event.SubtaskAddedPayload:
		return p.applySubtaskAdded(tx, pl, at)
	case event.SubtaskRemovedPayload:
		return p.applySubtaskRemoved(tx, pl, at)
	case event.TagAssignedPayload:
		return p.applyTagAssigned(tx, pl, at)
	case event.TagUnassignedPayload:
		return p.applyTagUnassigned(tx, pl, at)
	case event.AttachmentAddedPayload:
		return p.applyAttachmentAdded(tx, pl, at)
	case event.AttachmentRemovedPayload:
		return p.applyAttachmentRemoved(tx, pl, at)
	default:
		return false, errors.Newf(errors.ErrUnsupportedEventType, "no projection rule for %s", ev.EventType)
	}
}

func (p *Projector) applyTaskCreated(tx *sql.Tx, pl event.TaskCreatedPayload, at time.Time) (bool, error) {
	if _, err := p.store.GetTask(tx, pl.TaskID); err == nil {
		// Already exists: replay of an acknowledged create.
		return false, nil
	} else if !errors.Is(err, errors.ErrEntityNotFound) {
		return false, err
	}

	task := &models.Task{
		ID:        models.UUID(pl.TaskID),
		ListID:    models.UUID(pl.ListID),
		ParentID:  models.UUID(pl.ParentID),
		Title:     pl.Title,
		Notes:     pl.Notes,
		Status:    models.TaskStatus(pl.Status),
		Priority:  pl.Priority,
		DueDate:   pl.DueDate,
		CreatedAt: at.UnixMilli(),
		UpdatedAt: at.UnixMilli(),
		Version:   1,
	}
	task.ContentHash = contentHash(task)
	if err := p.store.InsertTask(tx, task); err != nil {
		return false, err
	}
	fields := []string{"title", "notes", "status", "priority", "due_date", "list_id"}
	if err := p.store.TouchFields(tx, pl.TaskID, fields, at); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Projector) applyTaskUpdated(tx *sql.Tx, pl event.TaskUpdatedPayload, at time.Time) (bool, error) {
	task, err := p.store.GetTask(tx, pl.TaskID)
	if err != nil {
		return false, err
	}

	var changed []string
	if pl.Title != nil && *pl.Title != task.Title {
		task.Title = *pl.Title
		changed = append(changed, "title")
	}
	if pl.Notes != nil && *pl.Notes != task.Notes {
		task.Notes = *pl.Notes
		changed = append(changed, "notes")
	}
	if pl.Status != nil && models.TaskStatus(*pl.Status) != task.Status {
		task.Status = models.TaskStatus(*pl.Status)
		changed = append(changed, "status")
	}
	if pl.Priority != nil && *pl.Priority != task.Priority {
		task.Priority = *pl.Priority
		changed = append(changed, "priority")
	}
	if pl.DueDate != nil && (task.DueDate == nil || *task.DueDate != *pl.DueDate) {
		task.DueDate = pl.DueDate
		changed = append(changed, "due_date")
	}

	if len(changed) == 0 {
		return false, nil
	}

	task.UpdatedAt = at.UnixMilli()
	task.Version++
	task.ContentHash = contentHash(task)
	if err := p.store.UpdateTask(tx, task); err != nil {
		return false, err
	}
	return true, p.store.TouchFields(tx, pl.TaskID, changed, at)
}

func (p *Projector) applyTaskDeleted(tx *sql.Tx, pl event.TaskDeletedPayload, at time.Time) (bool, error) {
	task, err := p.store.GetTask(tx, pl.TaskID)
	if err != nil {
		return false, err
	}
	if task.IsDeleted {
		return false, nil
	}

	task.IsDeleted = true
	deletedAt := pl.DeletedAt
	if deletedAt == 0 {
		deletedAt = at.UnixMilli()
	}
	task.DeletedAt = &deletedAt
	task.UpdatedAt = at.UnixMilli()
	task.Version++
	return true, p.store.UpdateTask(tx, task)
}

func (p *Projector) applyTaskMoved(tx *sql.Tx, pl event.TaskMovedPayload, at time.Time) (bool, error) {
	task, err := p.store.GetTask(tx, pl.TaskID)
	if err != nil {
		return false, err
	}
	if task.ListID == models.UUID(pl.ToListID) {
		return false, nil
	}

	task.ListID = models.UUID(pl.ToListID)
	task.UpdatedAt = at.UnixMilli()
	task.Version++
	if err := p.store.UpdateTask(tx, task); err != nil {
		return false, err
	}
	return true, p.store.TouchFields(tx, pl.TaskID, []string{"list_id"}, at)
}

func (p *Projector) applySubtaskAdded(tx *sql.Tx, pl event.SubtaskAddedPayload, at time.Time) (bool, error) {
	parent, err := p.store.GetTask(tx, pl.ParentID)
	if err != nil {
		return false, err
	}
	child, err := p.store.GetTask(tx, pl.SubtaskID)
	if err != nil {
		return false, err
	}
	if child.ParentID == parent.ID {
		return false, nil
	}

	// Both sides of the relationship change in the same transaction.
	child.ParentID = parent.ID
	child.UpdatedAt = at.UnixMilli()
	child.Version++
	if err := p.store.UpdateTask(tx, child); err != nil {
		return false, err
	}
	parent.SubtaskCount++
	parent.UpdatedAt = at.UnixMilli()
	parent.Version++
	return true, p.store.UpdateTask(tx, parent)
}

func (p *Projector) applySubtaskRemoved(tx *sql.Tx, pl event.SubtaskRemovedPayload, at time.Time) (bool, error) {
	parent, err := p.store.GetTask(tx, pl.ParentID)
	if err != nil {
		return false, err
	}
	child, err := p.store.GetTask(tx, pl.SubtaskID)
	if err != nil {
		return false, err
	}
	if child.ParentID != parent.ID {
		return false, nil
	}

	child.ParentID = ""
	child.UpdatedAt = at.UnixMilli()
	child.Version++
	if err := p.store.UpdateTask(tx, child); err != nil {
		return false, err
	}
	if parent.SubtaskCount > 0 {
		parent.SubtaskCount--
	}
	parent.UpdatedAt = at.UnixMilli()
	parent.Version++
	return true, p.store.UpdateTask(tx, parent)
}

func (p *Projector) applyTagAssigned(tx *sql.Tx, pl event.TagAssignedPayload, at time.Time) (bool, error) {
	if _, err := p.store.GetTask(tx, pl.TaskID); err != nil {
		return false, err
	}

	tag, err := p.store.GetTag(tx, pl.TagID)
	if errors.Is(err, errors.ErrEntityNotFound) {
		// First sight of this tag on this device: create it from the payload.
		tag = &models.Tag{
			ID:        models.UUID(pl.TagID),
			Name:      pl.TagName,
			CreatedAt: at.UnixMilli(),
			UpdatedAt: at.UnixMilli(),
			Version:   1,
		}
		if err := p.store.InsertTag(tx, tag); err != nil {
			return false, err
		}
	} else if err != nil {
		return false, err
	}

	has, err := p.store.HasTaskTag(tx, pl.TaskID, pl.TagID)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}

	if err := p.store.InsertTaskTag(tx, &models.TaskTag{
		TaskID:     models.UUID(pl.TaskID),
		TagID:      models.UUID(pl.TagID),
		AssignedAt: at.UnixMilli(),
	}); err != nil {
		return false, err
	}
	tag.TaskCount++
	tag.UpdatedAt = at.UnixMilli()
	tag.Version++
	return true, p.store.UpdateTag(tx, tag)
}

func (p *Projector) applyTagUnassigned(tx *sql.Tx, pl event.TagUnassignedPayload, at time.Time) (bool, error) {
	if _, err := p.store.GetTask(tx, pl.TaskID); err != nil {
		return false, err
	}

	removed, err := p.store.DeleteTaskTag(tx, pl.TaskID, pl.TagID)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	tag, err := p.store.GetTag(tx, pl.TagID)
	if err != nil {
		return false, err
	}
	if tag.TaskCount > 0 {
		tag.TaskCount--
	}
	tag.UpdatedAt = at.UnixMilli()
	tag.Version++
	return true, p.store.UpdateTag(tx, tag)
}

func (p *Projector) applyAttachmentAdded(tx *sql.Tx, pl event.AttachmentAddedPayload, at time.Time) (bool, error) {
	task, err := p.store.GetTask(tx, pl.TaskID)
	if err != nil {
		return false, err
	}
	if _, err := p.store.GetAttachment(tx, pl.AttachmentID); err == nil {
		return false, nil
	} else if !errors.Is(err, errors.ErrEntityNotFound) {
		return false, err
	}

	if err := p.store.InsertAttachment(tx, &models.Attachment{
		ID:        models.UUID(pl.AttachmentID),
		TaskID:    models.UUID(pl.TaskID),
		FileName:  pl.FileName,
		MimeType:  pl.MimeType,
		Size:      pl.Size,
		MediaRef:  pl.MediaRef,
		CreatedAt: at.UnixMilli(),
	}); err != nil {
		return false, err
	}
	task.AttachmentCount++
	task.UpdatedAt = at.UnixMilli()
	task.Version++
	return true, p.store.UpdateTask(tx, task)
}

func (p *Projector) applyAttachmentRemoved(tx *sql.Tx, pl event.AttachmentRemovedPayload, at time.Time) (bool, error) {
	task, err := p.store.GetTask(tx, pl.TaskID)
	if err != nil {
		return false, err
	}

	removed, err := p.store.TombstoneAttachment(tx, pl.AttachmentID)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	if task.AttachmentCount > 0 {
		task.AttachmentCount--
	}
	task.UpdatedAt = at.UnixMilli()
	task.Version++
	return true, p.store.UpdateTask(tx, task)
}

// contentHash fingerprints the user-visible content of a task for cheap
// divergence checks during conflict detection.
func contentHash(t *models.Task) string {
	due := int64(0)
	if t.DueDate != nil {
		due = *t.DueDate
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		t.ListID, t.Title, t.Notes, t.Status, t.Priority, due)))
	return hex.EncodeToString(sum[:])
}
