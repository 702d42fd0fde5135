package projector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/driftsync/internal/db"
	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/event"
	"github.com/kimhsiao/driftsync/internal/models"
	"github.com/kimhsiao/driftsync/internal/uuid"
)

var testOrigin = event.Origin{UserID: "u-1", DeviceID: "d-1", AppID: "driftsync-test"}

func setup(t *testing.T) (*Projector, *db.Store) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Run())

	store := db.NewStore(database)
	return New(store), store
}

func mustEvent(t *testing.T, p event.Payload) *event.DomainEvent {
	t.Helper()
	ev, err := event.New(testOrigin, p, time.Now())
	require.NoError(t, err)
	return ev
}

func createTask(t *testing.T, p *Projector, taskID string) {
	t.Helper()
	res, err := p.ProjectOne(mustEvent(t, event.TaskCreatedPayload{
		TaskID: taskID, ListID: "l-1", Title: "task", Status: "open",
	}))
	require.NoError(t, err)
	require.True(t, res.Applied)
}

func TestCreateIsIdempotent(t *testing.T) {
	p, store := setup(t)
	taskID := uuid.New()

	ev := mustEvent(t, event.TaskCreatedPayload{TaskID: taskID, ListID: "l-1", Title: "once", Status: "open"})
	res, err := p.ProjectOne(ev)
	require.NoError(t, err)
	assert.True(t, res.HadChanges)

	// Second application leaves state unchanged and reports no changes.
	res, err = p.ProjectOne(ev)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.HadChanges)

	task, err := store.GetTask(store.DB(), taskID)
	require.NoError(t, err)
	assert.Equal(t, "once", task.Title)
	assert.Equal(t, int64(1), task.Version)
}

func TestUpdateAppliesPartialPatch(t *testing.T) {
	p, store := setup(t)
	taskID := uuid.New()
	createTask(t, p, taskID)

	title := "renamed"
	res, err := p.ProjectOne(mustEvent(t, event.TaskUpdatedPayload{TaskID: taskID, Title: &title}))
	require.NoError(t, err)
	assert.True(t, res.HadChanges)

	task, err := store.GetTask(store.DB(), taskID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", task.Title)
	assert.Equal(t, models.TaskStatusOpen, task.Status, "absent fields untouched")
	assert.Equal(t, int64(2), task.Version)

	// Patch with identical value is a no-op.
	res, err = p.ProjectOne(mustEvent(t, event.TaskUpdatedPayload{TaskID: taskID, Title: &title}))
	require.NoError(t, err)
	assert.False(t, res.HadChanges)
}

func TestUpdateMissingTaskFails(t *testing.T) {
	p, _ := setup(t)
	title := "x"
	res, err := p.ProjectOne(mustEvent(t, event.TaskUpdatedPayload{TaskID: uuid.New(), Title: &title}))
	require.Error(t, err)
	assert.False(t, res.Applied)
	assert.True(t, errors.Is(res.Err, errors.ErrEntityNotFound))
}

func TestDeleteSetsTombstone(t *testing.T) {
	p, store := setup(t)
	taskID := uuid.New()
	createTask(t, p, taskID)

	ev := mustEvent(t, event.TaskDeletedPayload{TaskID: taskID, DeletedAt: time.Now().UnixMilli()})
	res, err := p.ProjectOne(ev)
	require.NoError(t, err)
	assert.True(t, res.HadChanges)

	task, err := store.GetTask(store.DB(), taskID)
	require.NoError(t, err)
	assert.True(t, task.IsDeleted, "delete must tombstone, not remove")
	require.NotNil(t, task.DeletedAt)

	// Re-deleting an already tombstoned task is a no-op.
	res, err = p.ProjectOne(ev)
	require.NoError(t, err)
	assert.False(t, res.HadChanges)
}

func TestSubtaskLinkUpdatesBothSides(t *testing.T) {
	p, store := setup(t)
	parentID, childID := uuid.New(), uuid.New()
	createTask(t, p, parentID)
	createTask(t, p, childID)

	res, err := p.ProjectOne(mustEvent(t, event.SubtaskAddedPayload{ParentID: parentID, SubtaskID: childID}))
	require.NoError(t, err)
	assert.True(t, res.HadChanges)

	parent, err := store.GetTask(store.DB(), parentID)
	require.NoError(t, err)
	child, err := store.GetTask(store.DB(), childID)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.SubtaskCount)
	assert.Equal(t, parent.ID, child.ParentID)

	res, err = p.ProjectOne(mustEvent(t, event.SubtaskRemovedPayload{ParentID: parentID, SubtaskID: childID}))
	require.NoError(t, err)
	assert.True(t, res.HadChanges)

	parent, err = store.GetTask(store.DB(), parentID)
	require.NoError(t, err)
	child, err = store.GetTask(store.DB(), childID)
	require.NoError(t, err)
	assert.Zero(t, parent.SubtaskCount)
	assert.Empty(t, child.ParentID)
}

func TestTagAssignCreatesTagLazily(t *testing.T) {
	p, store := setup(t)
	taskID, tagID := uuid.New(), uuid.New()
	createTask(t, p, taskID)

	ev := mustEvent(t, event.TagAssignedPayload{TaskID: taskID, TagID: tagID, TagName: "urgent"})
	res, err := p.ProjectOne(ev)
	require.NoError(t, err)
	assert.True(t, res.HadChanges)

	tag, err := store.GetTag(store.DB(), tagID)
	require.NoError(t, err)
	assert.Equal(t, "urgent", tag.Name)
	assert.Equal(t, 1, tag.TaskCount)

	// Replay: join exists, no double count.
	res, err = p.ProjectOne(ev)
	require.NoError(t, err)
	assert.False(t, res.HadChanges)
	tag, err = store.GetTag(store.DB(), tagID)
	require.NoError(t, err)
	assert.Equal(t, 1, tag.TaskCount)

	res, err = p.ProjectOne(mustEvent(t, event.TagUnassignedPayload{TaskID: taskID, TagID: tagID}))
	require.NoError(t, err)
	assert.True(t, res.HadChanges)
	tag, err = store.GetTag(store.DB(), tagID)
	require.NoError(t, err)
	assert.Zero(t, tag.TaskCount)
}

func TestAttachmentAddRemove(t *testing.T) {
	p, store := setup(t)
	taskID, attID := uuid.New(), uuid.New()
	createTask(t, p, taskID)

	add := mustEvent(t, event.AttachmentAddedPayload{
		TaskID: taskID, AttachmentID: attID, FileName: "scan.pdf", Size: 1024, MediaRef: "media://scan",
	})
	res, err := p.ProjectOne(add)
	require.NoError(t, err)
	assert.True(t, res.HadChanges)

	task, err := store.GetTask(store.DB(), taskID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.AttachmentCount)

	res, err = p.ProjectOne(add)
	require.NoError(t, err)
	assert.False(t, res.HadChanges, "replayed add must be a no-op")

	res, err = p.ProjectOne(mustEvent(t, event.AttachmentRemovedPayload{TaskID: taskID, AttachmentID: attID}))
	require.NoError(t, err)
	assert.True(t, res.HadChanges)

	task, err = store.GetTask(store.DB(), taskID)
	require.NoError(t, err)
	assert.Zero(t, task.AttachmentCount)

	att, err := store.GetAttachment(store.DB(), attID)
	require.NoError(t, err)
	assert.True(t, att.IsDeleted, "attachment rows tombstone too")
}

func TestBatchIsolatesPerEventFailure(t *testing.T) {
	p, store := setup(t)
	goodID := uuid.New()
	title := "y"

	events := []*event.DomainEvent{
		mustEvent(t, event.TaskCreatedPayload{TaskID: goodID, ListID: "l-1", Title: "good", Status: "open"}),
		mustEvent(t, event.TaskUpdatedPayload{TaskID: uuid.New(), Title: &title}), // missing entity
		mustEvent(t, event.TaskDeletedPayload{TaskID: goodID, DeletedAt: time.Now().UnixMilli()}),
	}

	results, err := p.ProjectBatch(events)
	require.NoError(t, err, "a per-event failure must not fail the batch")
	require.Len(t, results, 3)

	assert.True(t, results[0].Applied)
	assert.False(t, results[1].Applied)
	assert.True(t, errors.Is(results[1].Err, errors.ErrEntityNotFound))
	assert.True(t, results[2].Applied)

	task, err := store.GetTask(store.DB(), goodID)
	require.NoError(t, err)
	assert.True(t, task.IsDeleted, "surrounding events still commit")
}

func TestBatchPropagatesFieldTimes(t *testing.T) {
	p, store := setup(t)
	taskID := uuid.New()
	createTask(t, p, taskID)

	title := "tracked"
	ev := mustEvent(t, event.TaskUpdatedPayload{TaskID: taskID, Title: &title})
	_, err := p.ProjectOne(ev)
	require.NoError(t, err)

	times, err := store.FieldTimes(store.DB(), taskID)
	require.NoError(t, err)
	assert.Equal(t, ev.Timestamp, times["title"])
}
