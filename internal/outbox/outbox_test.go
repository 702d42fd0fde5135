package outbox

import (
	"encoding/json"
	stderrors "errors"
	"sync"
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

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Run())

	q, err := NewQueue(db.NewStore(database), nil)
	require.NoError(t, err)
	return q
}

func enqueueCreated(t *testing.T, q *Queue, taskID string) *models.PendingEvent {
	t.Helper()
	ev, err := event.New(testOrigin, event.TaskCreatedPayload{
		TaskID: taskID, ListID: "l-1", Title: "t", Status: "open",
	}, time.Now())
	require.NoError(t, err)
	row, err := q.Enqueue(ev)
	require.NoError(t, err)
	return row
}

func enqueueUpdate(t *testing.T, q *Queue, taskID string, p event.TaskUpdatedPayload) *models.PendingEvent {
	t.Helper()
	p.TaskID = taskID
	ev, err := event.New(testOrigin, p, time.Now())
	require.NoError(t, err)
	row, err := q.Enqueue(ev)
	require.NoError(t, err)
	return row
}

func TestNextRetryDelaySchedule(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for n, w := range want {
		assert.Equal(t, w, NextRetryDelay(n), "n=%d", n)
	}
}

func TestEnqueueAssignsMonotonicSequence(t *testing.T) {
	q := openTestQueue(t)

	var notified []int64
	q.notify = func(p *models.PendingEvent) { notified = append(notified, p.Sequence) }

	r1 := enqueueCreated(t, q, uuid.New())
	r2 := enqueueCreated(t, q, uuid.New())
	r3 := enqueueCreated(t, q, uuid.New())

	assert.Equal(t, r1.Sequence+1, r2.Sequence)
	assert.Equal(t, r2.Sequence+1, r3.Sequence)
	assert.Equal(t, []int64{r1.Sequence, r2.Sequence, r3.Sequence}, notified)
	assert.Equal(t, models.QueueStatusPending, r1.Status)
	assert.Equal(t, 0, r1.RetryCount)
}

func TestSequenceSeededFromPersisted(t *testing.T) {
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.NewMigrator(database.DB).Run())
	store := db.NewStore(database)

	q1, err := NewQueue(store, nil)
	require.NoError(t, err)
	last := enqueueCreated(t, q1, uuid.New())

	// A fresh queue over the same database must continue the sequence.
	q2, err := NewQueue(store, nil)
	require.NoError(t, err)
	next := enqueueCreated(t, q2, uuid.New())
	assert.Equal(t, last.Sequence+1, next.Sequence)
}

func TestDequeueBatchFIFO(t *testing.T) {
	q := openTestQueue(t)

	var want []models.UUID
	for i := 0; i < 5; i++ {
		want = append(want, enqueueCreated(t, q, uuid.New()).ID)
	}

	batch, err := q.DequeueBatch(3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, p := range batch {
		assert.Equal(t, want[i], p.ID)
		assert.Equal(t, models.QueueStatusProcessing, p.Status)
		assert.NotNil(t, p.LastAttemptAt)
	}

	rest, err := q.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, want[3], rest[0].ID)
	assert.Equal(t, want[4], rest[1].ID)
}

func TestDequeueSkipsBackedOffRows(t *testing.T) {
	q := openTestQueue(t)

	delayed := enqueueCreated(t, q, uuid.New())
	ready := enqueueCreated(t, q, uuid.New())

	// Fail the first row once: its next_retry_at lands 1s in the future.
	batch, err := q.DequeueBatch(1)
	require.NoError(t, err)
	require.Equal(t, delayed.ID, batch[0].ID)
	require.NoError(t, q.MarkFailed(delayed.ID.String(), stderrors.New("timeout")))

	batch, err = q.DequeueBatch(10)
	require.NoError(t, err)
	require.Len(t, batch, 1, "backed-off row must not be returned before next_retry_at")
	assert.Equal(t, ready.ID, batch[0].ID)
}

func TestConcurrentDequeueNoDoubleClaim(t *testing.T) {
	q := openTestQueue(t)
	for i := 0; i < 20; i++ {
		enqueueCreated(t, q, uuid.New())
	}

	var mu sync.Mutex
	seen := make(map[models.UUID]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := q.DequeueBatch(3)
				if !assert.NoError(t, err) {
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, p := range batch {
					seen[p.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "row %s dequeued more than once", id)
	}
}

func TestMarkFailedRetrySchedule(t *testing.T) {
	q := openTestQueue(t)
	row := enqueueCreated(t, q, uuid.New())
	id := row.ID.String()

	for attempt := 1; attempt <= MaxRetries; attempt++ {
		batch, err := q.DequeueBatch(1)
		require.NoError(t, err)
		if attempt < MaxRetries {
			require.Len(t, batch, 1, "attempt %d", attempt)
		}

		// Clear the backoff so the next dequeue sees the row again.
		require.NoError(t, q.MarkFailed(id, stderrors.New("boom")))
		p, err := q.Get(id)
		require.NoError(t, err)
		assert.Equal(t, attempt, p.RetryCount)

		if attempt < MaxRetries {
			assert.Equal(t, models.QueueStatusPending, p.Status)
			require.NotNil(t, p.NextRetryAt)
			_, err := q.store.DB().Exec("UPDATE outbox SET next_retry_at = 0 WHERE id = ?", id)
			require.NoError(t, err)
		} else {
			assert.Equal(t, models.QueueStatusFailed, p.Status)
			assert.Nil(t, p.NextRetryAt)
		}
	}

	// Parked rows are invisible to dequeue and cannot fail again.
	batch, err := q.DequeueBatch(10)
	require.NoError(t, err)
	assert.Empty(t, batch)
	err = q.MarkFailed(id, stderrors.New("again"))
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestMarkCompleted(t *testing.T) {
	q := openTestQueue(t)
	r1 := enqueueCreated(t, q, uuid.New())
	r2 := enqueueCreated(t, q, uuid.New())

	_, err := q.DequeueBatch(2)
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted([]string{r1.ID.String(), r2.ID.String()}))

	n, err := q.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	// Completing a row that was never dequeued is a transition error.
	r3 := enqueueCreated(t, q, uuid.New())
	err = q.MarkCompleted([]string{r3.ID.String()})
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestCancelAndReset(t *testing.T) {
	q := openTestQueue(t)
	row := enqueueCreated(t, q, uuid.New())
	id := row.ID.String()

	require.NoError(t, q.MarkCancelled(id))
	p, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCancelled, p.Status)

	// Cancelled is terminal except for explicit reset.
	assert.Error(t, q.MarkCancelled(id))
	require.NoError(t, q.ResetToPending(id))

	p, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, p.Status)
	assert.Zero(t, p.RetryCount)
	assert.Nil(t, p.NextRetryAt)
	assert.Empty(t, p.ErrorMessage)

	// Pending rows cannot be reset.
	assert.True(t, errors.Is(q.ResetToPending(id), errors.ErrInvalidTransition))
}

func TestCoalesceEvents(t *testing.T) {
	q := openTestQueue(t)
	taskID := uuid.New()

	title1, title2 := "first", "second"
	notes := "some notes"
	prio := 2

	enqueueUpdate(t, q, taskID, event.TaskUpdatedPayload{Title: &title1, Notes: &notes})
	enqueueUpdate(t, q, taskID, event.TaskUpdatedPayload{Title: &title2})
	enqueueUpdate(t, q, taskID, event.TaskUpdatedPayload{Priority: &prio})

	removed, err := q.CoalesceEvents(taskID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := q.List(models.QueueStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)

	var merged event.TaskUpdatedPayload
	require.NoError(t, json.Unmarshal(remaining[0].Payload, &merged))
	require.NotNil(t, merged.Title)
	assert.Equal(t, "second", *merged.Title, "later value wins on collision")
	require.NotNil(t, merged.Notes)
	assert.Equal(t, "some notes", *merged.Notes, "union keeps earlier-only fields")
	require.NotNil(t, merged.Priority)
	assert.Equal(t, 2, *merged.Priority)
}

func TestCoalesceStopsAtNonUpdateEvents(t *testing.T) {
	q := openTestQueue(t)
	taskID := uuid.New()
	title := "x"

	enqueueUpdate(t, q, taskID, event.TaskUpdatedPayload{Title: &title})

	// A delete between updates breaks the run: nothing may merge across it.
	ev, err := event.New(testOrigin, event.TaskDeletedPayload{TaskID: taskID, DeletedAt: time.Now().UnixMilli()}, time.Now())
	require.NoError(t, err)
	_, err = q.Enqueue(ev)
	require.NoError(t, err)

	enqueueUpdate(t, q, taskID, event.TaskUpdatedPayload{Title: &title})

	removed, err := q.CoalesceEvents(taskID)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestHousekeeping(t *testing.T) {
	q := openTestQueue(t)

	done := enqueueCreated(t, q, uuid.New())
	_, err := q.DequeueBatch(1)
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted([]string{done.ID.String()}))

	cancelled := enqueueCreated(t, q, uuid.New())
	require.NoError(t, q.MarkCancelled(cancelled.ID.String()))

	live := enqueueCreated(t, q, uuid.New())

	n, err := q.DeleteCompletedBefore(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.PurgeTerminal()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats[models.QueueStatusPending])

	p, err := q.Get(live.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, p.Status)
}
