// Package outbox provides the durable, ordered queue of domain events
// awaiting acknowledgment from the remote service, with per-event retry
// state and exponential backoff.
package outbox

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kimhsiao/driftsync/internal/db"
	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/event"
	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/models"
)

const (
	// MaxRetries is the number of delivery attempts before a row is
	// parked as failed and left to explicit reset.
	MaxRetries = 5

	// BaseRetryDelay seeds the exponential backoff schedule.
	BaseRetryDelay = 1 * time.Second
)

// NextRetryDelay returns the backoff delay after n prior failed attempts:
// BaseRetryDelay * 2^n, so 1s, 2s, 4s, 8s, 16s.
func NextRetryDelay(n int) time.Duration {
	return BaseRetryDelay << uint(n)
}

// Notify is called after an event is durably enqueued. It runs on the
// enqueuing goroutine and must not block; hand off to your own context.
type Notify func(*models.PendingEvent)

// Queue is the durable outbox. Sequence assignment is the only globally
// serialized operation: a single lock-protected counter seeded from the
// highest persisted sequence at startup.
type Queue struct {
	store  *db.Store
	notify Notify
	log    zerolog.Logger

	mu  sync.Mutex
	seq int64
}

// NewQueue opens the outbox over an existing store, seeding the sequence
// counter from max(persisted sequence) + 1.
func NewQueue(store *db.Store, notify Notify) (*Queue, error) {
	var maxSeq int64
	err := store.DB().QueryRow("SELECT COALESCE(MAX(sequence), 0) FROM outbox").Scan(&maxSeq)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "seed outbox sequence")
	}

	return &Queue{
		store:  store,
		notify: notify,
		log:    logging.With("outbox"),
		seq:    maxSeq,
	}, nil
}

func (q *Queue) nextSequence() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	return q.seq
}

// Enqueue persists a domain event as a pending outbox row and emits the
// enqueued notification. The payload is validated by decoding it into its
// typed variant; an undecodable payload fails with INVALID_PAYLOAD before
// anything is written.
func (q *Queue) Enqueue(ev *event.DomainEvent) (*models.PendingEvent, error) {
	payload, err := ev.DecodedPayload()
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	row := &models.PendingEvent{
		ID:         models.UUID(ev.EventID),
		EventType:  string(ev.EventType),
		EntityType: payload.EntityType(),
		EntityID:   models.UUID(payload.EntityID()),
		Payload:    ev.Payload,
		Sequence:   q.nextSequence(),
		Status:     models.QueueStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = q.store.DB().Exec(`
	INSERT INTO outbox (id, event_type, entity_type, entity_id, payload, sequence,
		retry_count, last_attempt_at, next_retry_at, error_message, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, NULL, NULL, '', ?, ?, ?)`,
		row.ID, row.EventType, row.EntityType, row.EntityID, string(row.Payload),
		row.Sequence, row.Status, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrSaveFailed, "enqueue event")
	}

	q.log.Debug().
		Str("event_id", row.ID.String()).
		Str("event_type", row.EventType).
		Int64("sequence", row.Sequence).
		Msg("enqueued")

	if q.notify != nil {
		q.notify(row)
	}
	return row, nil
}

const pendingColumns = `id, event_type, entity_type, entity_id, payload, sequence,
	retry_count, last_attempt_at, next_retry_at, error_message, status, created_at, updated_at`

func scanPending(row interface{ Scan(...interface{}) error }) (*models.PendingEvent, error) {
	var p models.PendingEvent
	var payload string
	err := row.Scan(&p.ID, &p.EventType, &p.EntityType, &p.EntityID, &payload, &p.Sequence,
		&p.RetryCount, &p.LastAttemptAt, &p.NextRetryAt, &p.ErrorMessage, &p.Status,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Payload = json.RawMessage(payload)
	return &p, nil
}

// DequeueBatch atomically selects up to limit ready rows in sequence
// order and transitions them to processing, stamping last_attempt_at.
// The select and the transition share one transaction, so two concurrent
// callers can never claim the same row.
func (q *Queue) DequeueBatch(limit int) ([]*models.PendingEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	var batch []*models.PendingEvent
	now := time.Now().UnixMilli()

	err := q.store.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
		SELECT `+pendingColumns+` FROM outbox
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY sequence ASC LIMIT ?`,
			models.QueueStatusPending, now, limit)
		if err != nil {
			return errors.Wrap(err, errors.ErrFetchFailed, "select ready rows")
		}
		defer rows.Close()

		for rows.Next() {
			p, err := scanPending(rows)
			if err != nil {
				return errors.Wrap(err, errors.ErrFetchFailed, "scan outbox row")
			}
			batch = append(batch, p)
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, errors.ErrFetchFailed, "iterate outbox rows")
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]interface{}, 0, len(batch)+2)
		ids = append(ids, models.QueueStatusProcessing, now, now)
		for _, p := range batch {
			ids = append(ids, p.ID)
		}
		_, err = tx.Exec(`
		UPDATE outbox SET status = ?, last_attempt_at = ?, updated_at = ?
		WHERE id IN (`+placeholders(len(batch))+`)`, ids...)
		if err != nil {
			return errors.Wrap(err, errors.ErrSaveFailed, "mark processing")
		}

		for _, p := range batch {
			p.Status = models.QueueStatusProcessing
			p.LastAttemptAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkCompleted transitions processing rows to completed.
func (q *Queue) MarkCompleted(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	args := make([]interface{}, 0, len(ids)+3)
	args = append(args, models.QueueStatusCompleted, now, models.QueueStatusProcessing)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := q.store.DB().Exec(`
	UPDATE outbox SET status = ?, updated_at = ?, error_message = ''
	WHERE status = ? AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return errors.Wrap(err, errors.ErrSaveFailed, "mark completed")
	}
	if n, _ := res.RowsAffected(); int(n) != len(ids) {
		return errors.Newf(errors.ErrInvalidTransition,
			"mark completed touched %d of %d rows (not all were processing)", n, len(ids))
	}
	return nil
}

// MarkFailed records a failed delivery attempt: retry_count increments,
// and the row either reschedules with exponential backoff or parks as
// failed once MaxRetries is reached.
func (q *Queue) MarkFailed(id string, cause error) error {
	return q.store.WithTx(func(tx *sql.Tx) error {
		p, err := q.getForUpdate(tx, id)
		if err != nil {
			return err
		}
		if p.Terminal() {
			return errors.Newf(errors.ErrInvalidTransition, "cannot fail %s row %s", p.Status, id)
		}

		now := time.Now()
		delay := NextRetryDelay(p.RetryCount)
		p.RetryCount++
		p.ErrorMessage = ""
		if cause != nil {
			p.ErrorMessage = cause.Error()
		}

		if p.RetryCount >= MaxRetries {
			p.Status = models.QueueStatusFailed
			p.NextRetryAt = nil
			q.log.Warn().
				Str("event_id", id).
				Int("retry_count", p.RetryCount).
				Err(cause).
				Msg("event failed permanently")
		} else {
			next := now.Add(delay).UnixMilli()
			p.Status = models.QueueStatusPending
			p.NextRetryAt = &next
			q.log.Debug().
				Str("event_id", id).
				Int("retry_count", p.RetryCount).
				Dur("retry_in", delay).
				Msg("event failed, retry scheduled")
		}

		_, err = tx.Exec(`
		UPDATE outbox SET status = ?, retry_count = ?, next_retry_at = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
			p.Status, p.RetryCount, p.NextRetryAt, p.ErrorMessage, now.UnixMilli(), id)
		return errors.Wrap(err, errors.ErrSaveFailed, "mark failed")
	})
}

// MarkCancelled moves a pending or processing row to the terminal
// cancelled state. Completed and failed rows are left alone.
func (q *Queue) MarkCancelled(id string) error {
	return q.store.WithTx(func(tx *sql.Tx) error {
		p, err := q.getForUpdate(tx, id)
		if err != nil {
			return err
		}
		if p.Terminal() {
			return errors.Newf(errors.ErrInvalidTransition, "cannot cancel %s row %s", p.Status, id)
		}
		_, err = tx.Exec(`
		UPDATE outbox SET status = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ?`, models.QueueStatusCancelled, time.Now().UnixMilli(), id)
		return errors.Wrap(err, errors.ErrSaveFailed, "mark cancelled")
	})
}

// ResetToPending explicitly revives a failed or cancelled row, clearing
// its retry state. This is the only path out of those terminal states.
func (q *Queue) ResetToPending(id string) error {
	return q.store.WithTx(func(tx *sql.Tx) error {
		p, err := q.getForUpdate(tx, id)
		if err != nil {
			return err
		}
		if p.Status != models.QueueStatusFailed && p.Status != models.QueueStatusCancelled {
			return errors.Newf(errors.ErrInvalidTransition, "cannot reset %s row %s", p.Status, id)
		}
		_, err = tx.Exec(`
		UPDATE outbox SET status = ?, retry_count = 0, next_retry_at = NULL,
			error_message = '', updated_at = ?
		WHERE id = ?`, models.QueueStatusPending, time.Now().UnixMilli(), id)
		return errors.Wrap(err, errors.ErrSaveFailed, "reset to pending")
	})
}

// CoalesceEvents merges runs of consecutive pending update events on one
// entity: later field values win on key collision, the merged payload
// lands on the last event of the run, and superseded rows are deleted.
// Purely an optimization; it is never applied implicitly before dequeue.
func (q *Queue) CoalesceEvents(entityID string) (int, error) {
	removed := 0
	err := q.store.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
		SELECT `+pendingColumns+` FROM outbox
		WHERE entity_id = ? AND status = ?
		ORDER BY sequence ASC`, entityID, models.QueueStatusPending)
		if err != nil {
			return errors.Wrap(err, errors.ErrFetchFailed, "select entity events")
		}
		defer rows.Close()

		var events []*models.PendingEvent
		for rows.Next() {
			p, err := scanPending(rows)
			if err != nil {
				return errors.Wrap(err, errors.ErrFetchFailed, "scan outbox row")
			}
			events = append(events, p)
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, errors.ErrFetchFailed, "iterate entity events")
		}

		for _, run := range updateRuns(events) {
			if len(run) < 2 {
				continue
			}
			merged, err := mergePayloads(run)
			if err != nil {
				return err
			}
			last := run[len(run)-1]
			if _, err := tx.Exec("UPDATE outbox SET payload = ?, updated_at = ? WHERE id = ?",
				string(merged), time.Now().UnixMilli(), last.ID); err != nil {
				return errors.Wrap(err, errors.ErrSaveFailed, "write merged payload")
			}
			for _, p := range run[:len(run)-1] {
				if _, err := tx.Exec("DELETE FROM outbox WHERE id = ?", p.ID); err != nil {
					return errors.Wrap(err, errors.ErrSaveFailed, "delete superseded event")
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		q.log.Info().Str("entity_id", entityID).Int("removed", removed).Msg("coalesced update events")
	}
	return removed, nil
}

// updateRuns slices events into maximal runs of consecutive update events.
func updateRuns(events []*models.PendingEvent) [][]*models.PendingEvent {
	var runs [][]*models.PendingEvent
	var current []*models.PendingEvent
	for _, p := range events {
		if p.EventType == string(event.TypeTaskUpdated) {
			current = append(current, p)
			continue
		}
		if len(current) > 0 {
			runs = append(runs, current)
			current = nil
		}
	}
	if len(current) > 0 {
		runs = append(runs, current)
	}
	return runs
}

// mergePayloads computes the field-wise union of update payloads, later
// events' values taking precedence.
func mergePayloads(run []*models.PendingEvent) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)
	for _, p := range run {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(p.Payload, &fields); err != nil {
			return nil, errors.Wrap(err, errors.ErrInvalidPayload, "coalesce: decode payload")
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInvalidPayload, "coalesce: encode payload")
	}
	return out, nil
}

// DeleteCompletedBefore bulk-deletes completed rows older than cutoff.
func (q *Queue) DeleteCompletedBefore(cutoff time.Time) (int64, error) {
	res, err := q.store.DB().Exec(
		"DELETE FROM outbox WHERE status = ? AND updated_at < ?",
		models.QueueStatusCompleted, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrSaveFailed, "delete completed")
	}
	return res.RowsAffected()
}

// PurgeTerminal bulk-deletes all completed and cancelled rows.
func (q *Queue) PurgeTerminal() (int64, error) {
	res, err := q.store.DB().Exec(
		"DELETE FROM outbox WHERE status IN (?, ?)",
		models.QueueStatusCompleted, models.QueueStatusCancelled)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrSaveFailed, "purge terminal")
	}
	return res.RowsAffected()
}

// PendingCount returns the number of rows not yet acknowledged or parked.
func (q *Queue) PendingCount() (int, error) {
	var n int
	err := q.store.DB().QueryRow(
		"SELECT COUNT(*) FROM outbox WHERE status IN (?, ?)",
		models.QueueStatusPending, models.QueueStatusProcessing).Scan(&n)
	return n, errors.Wrap(err, errors.ErrFetchFailed, "pending count")
}

// Stats returns per-status row counts.
func (q *Queue) Stats() (map[models.QueueStatus]int, error) {
	rows, err := q.store.DB().Query("SELECT status, COUNT(*) FROM outbox GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "outbox stats")
	}
	defer rows.Close()

	stats := map[models.QueueStatus]int{
		models.QueueStatusPending:    0,
		models.QueueStatusProcessing: 0,
		models.QueueStatusCompleted:  0,
		models.QueueStatusFailed:     0,
		models.QueueStatusCancelled:  0,
	}
	for rows.Next() {
		var status models.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, errors.ErrFetchFailed, "scan stats")
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// Get fetches a single outbox row by id.
func (q *Queue) Get(id string) (*models.PendingEvent, error) {
	p, err := scanPending(q.store.DB().QueryRow(
		"SELECT "+pendingColumns+" FROM outbox WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrQueueItemNotFound, "outbox row %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "get outbox row")
	}
	return p, nil
}

// List returns outbox rows in sequence order, optionally filtered by status.
func (q *Queue) List(status models.QueueStatus, limit int) ([]*models.PendingEvent, error) {
	query := "SELECT " + pendingColumns + " FROM outbox"
	var args []interface{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY sequence ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := q.store.DB().Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "list outbox")
	}
	defer rows.Close()

	var out []*models.PendingEvent
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrFetchFailed, "scan outbox row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q *Queue) getForUpdate(tx *sql.Tx, id string) (*models.PendingEvent, error) {
	p, err := scanPending(tx.QueryRow("SELECT "+pendingColumns+" FROM outbox WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrQueueItemNotFound, "outbox row %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "get outbox row")
	}
	return p, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
