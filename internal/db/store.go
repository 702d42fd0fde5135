package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/models"
)

// Queryer is the subset of database operations shared by *sql.DB and
// *sql.Tx, so every store method can run standalone or inside a
// projection transaction.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Store provides transactional CRUD on entity rows and sync state.
type Store struct {
	db *DB
}

// NewStore creates a Store over an opened database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for collaborators that manage their own
// SQL (the outbox queue).
func (s *Store) DB() *DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error. Partial writes are never observable.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "commit transaction")
	}
	return nil
}

// =====================================================
// Task operations
// =====================================================

const taskColumns = `id, list_id, parent_id, title, notes, status, priority, due_date,
	subtask_count, attachment_count, is_deleted, deleted_at, created_at, updated_at, version, content_hash`

func scanTask(row interface{ Scan(...interface{}) error }) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.ListID, &t.ParentID, &t.Title, &t.Notes, &t.Status, &t.Priority,
		&t.DueDate, &t.SubtaskCount, &t.AttachmentCount, &t.IsDeleted, &t.DeletedAt,
		&t.CreatedAt, &t.UpdatedAt, &t.Version, &t.ContentHash)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTask fetches a task by id, tombstoned rows included. Callers that
// care about liveness check IsDeleted themselves; the sync engine needs to
// see tombstones.
func (s *Store) GetTask(q Queryer, id string) (*models.Task, error) {
	row := q.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrEntityNotFound, "task %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "get task")
	}
	return t, nil
}

// InsertTask inserts a new task row.
func (s *Store) InsertTask(q Queryer, t *models.Task) error {
	_, err := q.Exec(`
	INSERT INTO tasks (`+taskColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ListID, t.ParentID, t.Title, t.Notes, t.Status, t.Priority, t.DueDate,
		t.SubtaskCount, t.AttachmentCount, t.IsDeleted, t.DeletedAt,
		t.CreatedAt, t.UpdatedAt, t.Version, t.ContentHash)
	return errors.Wrap(err, errors.ErrSaveFailed, "insert task")
}

// UpdateTask overwrites all mutable columns of an existing task row.
func (s *Store) UpdateTask(q Queryer, t *models.Task) error {
	res, err := q.Exec(`
	UPDATE tasks SET list_id = ?, parent_id = ?, title = ?, notes = ?, status = ?, priority = ?,
		due_date = ?, subtask_count = ?, attachment_count = ?, is_deleted = ?, deleted_at = ?,
		updated_at = ?, version = ?, content_hash = ?
	WHERE id = ?`,
		t.ListID, t.ParentID, t.Title, t.Notes, t.Status, t.Priority, t.DueDate,
		t.SubtaskCount, t.AttachmentCount, t.IsDeleted, t.DeletedAt,
		t.UpdatedAt, t.Version, t.ContentHash, t.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrSaveFailed, "update task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrEntityNotFound, "task %s", t.ID)
	}
	return nil
}

// TaskFilter narrows ListTasks. Zero values mean "no constraint".
type TaskFilter struct {
	ListID         string
	ParentID       string
	Status         models.TaskStatus
	IncludeDeleted bool
	OrderBy        string // column name, default updated_at
	Descending     bool
	Limit          int
	Offset         int
}

// ListTasks runs a predicate+sort+limit query over the task table.
func (s *Store) ListTasks(q Queryer, f TaskFilter) ([]*models.Task, error) {
	var (
		where []string
		args  []interface{}
	)
	if !f.IncludeDeleted {
		where = append(where, "is_deleted = 0")
	}
	if f.ListID != "" {
		where = append(where, "list_id = ?")
		args = append(args, f.ListID)
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, f.ParentID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	orderBy := f.OrderBy
	switch orderBy {
	case "", "updated_at", "created_at", "due_date", "priority", "title":
	default:
		return nil, errors.Newf(errors.ErrInvalid, "unsupported order column %q", orderBy)
	}
	if orderBy == "" {
		orderBy = "updated_at"
	}
	query += " ORDER BY " + orderBy
	if f.Descending {
		query += " DESC"
	}
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "list tasks")
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrFetchFailed, "scan task")
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasks returns the number of live task rows.
func (s *Store) CountTasks(q Queryer) (int, error) {
	var n int
	err := q.QueryRow("SELECT COUNT(*) FROM tasks WHERE is_deleted = 0").Scan(&n)
	return n, errors.Wrap(err, errors.ErrFetchFailed, "count tasks")
}

// =====================================================
// Tag operations
// =====================================================

// GetTag fetches a tag by id.
func (s *Store) GetTag(q Queryer, id string) (*models.Tag, error) {
	var t models.Tag
	err := q.QueryRow(`
	SELECT id, name, color, task_count, is_deleted, created_at, updated_at, version
	FROM tags WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Color, &t.TaskCount, &t.IsDeleted, &t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrEntityNotFound, "tag %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "get tag")
	}
	return &t, nil
}

// InsertTag inserts a new tag row.
func (s *Store) InsertTag(q Queryer, t *models.Tag) error {
	_, err := q.Exec(`
	INSERT INTO tags (id, name, color, task_count, is_deleted, created_at, updated_at, version)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Color, t.TaskCount, t.IsDeleted, t.CreatedAt, t.UpdatedAt, t.Version)
	return errors.Wrap(err, errors.ErrSaveFailed, "insert tag")
}

// UpdateTag overwrites mutable columns of an existing tag row.
func (s *Store) UpdateTag(q Queryer, t *models.Tag) error {
	_, err := q.Exec(`
	UPDATE tags SET name = ?, color = ?, task_count = ?, is_deleted = ?, updated_at = ?, version = ?
	WHERE id = ?`,
		t.Name, t.Color, t.TaskCount, t.IsDeleted, t.UpdatedAt, t.Version, t.ID)
	return errors.Wrap(err, errors.ErrSaveFailed, "update tag")
}

// HasTaskTag reports whether the join row exists.
func (s *Store) HasTaskTag(q Queryer, taskID, tagID string) (bool, error) {
	var one int
	err := q.QueryRow("SELECT 1 FROM task_tags WHERE task_id = ? AND tag_id = ?", taskID, tagID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrFetchFailed, "task_tags lookup")
	}
	return true, nil
}

// InsertTaskTag inserts the join row.
func (s *Store) InsertTaskTag(q Queryer, tt *models.TaskTag) error {
	_, err := q.Exec("INSERT INTO task_tags (task_id, tag_id, assigned_at) VALUES (?, ?, ?)",
		tt.TaskID, tt.TagID, tt.AssignedAt)
	return errors.Wrap(err, errors.ErrSaveFailed, "insert task_tag")
}

// DeleteTaskTag removes the join row, reporting whether it existed.
func (s *Store) DeleteTaskTag(q Queryer, taskID, tagID string) (bool, error) {
	res, err := q.Exec("DELETE FROM task_tags WHERE task_id = ? AND tag_id = ?", taskID, tagID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrSaveFailed, "delete task_tag")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// =====================================================
// Attachment operations
// =====================================================

// GetAttachment fetches an attachment by id.
func (s *Store) GetAttachment(q Queryer, id string) (*models.Attachment, error) {
	var a models.Attachment
	err := q.QueryRow(`
	SELECT id, task_id, file_name, mime_type, size, media_ref, is_deleted, created_at
	FROM attachments WHERE id = ?`, id).
		Scan(&a.ID, &a.TaskID, &a.FileName, &a.MimeType, &a.Size, &a.MediaRef, &a.IsDeleted, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrEntityNotFound, "attachment %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "get attachment")
	}
	return &a, nil
}

// InsertAttachment inserts a new attachment row.
func (s *Store) InsertAttachment(q Queryer, a *models.Attachment) error {
	_, err := q.Exec(`
	INSERT INTO attachments (id, task_id, file_name, mime_type, size, media_ref, is_deleted, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.FileName, a.MimeType, a.Size, a.MediaRef, a.IsDeleted, a.CreatedAt)
	return errors.Wrap(err, errors.ErrSaveFailed, "insert attachment")
}

// TombstoneAttachment soft-deletes an attachment, reporting whether the
// row was live before.
func (s *Store) TombstoneAttachment(q Queryer, id string) (bool, error) {
	res, err := q.Exec("UPDATE attachments SET is_deleted = 1 WHERE id = ? AND is_deleted = 0", id)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrSaveFailed, "tombstone attachment")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// =====================================================
// Per-field modification times (conflict detection input)
// =====================================================

// FieldTimes returns the per-field modification timestamps for an entity.
func (s *Store) FieldTimes(q Queryer, entityID string) (map[string]int64, error) {
	rows, err := q.Query("SELECT field, modified_at FROM field_times WHERE entity_id = ?", entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "field times")
	}
	defer rows.Close()

	times := make(map[string]int64)
	for rows.Next() {
		var field string
		var at int64
		if err := rows.Scan(&field, &at); err != nil {
			return nil, errors.Wrap(err, errors.ErrFetchFailed, "scan field time")
		}
		times[field] = at
	}
	return times, rows.Err()
}

// TouchFields stamps modification times for the given fields.
func (s *Store) TouchFields(q Queryer, entityID string, fields []string, at time.Time) error {
	ms := at.UnixMilli()
	for _, f := range fields {
		_, err := q.Exec(`
		INSERT INTO field_times (entity_id, field, modified_at) VALUES (?, ?, ?)
		ON CONFLICT(entity_id, field) DO UPDATE SET modified_at = excluded.modified_at`,
			entityID, f, ms)
		if err != nil {
			return errors.Wrap(err, errors.ErrSaveFailed, "touch field "+f)
		}
	}
	return nil
}

// =====================================================
// Sync state
// =====================================================

// GetSyncState fetches the state row for a stream key, creating it lazily
// on first access.
func (s *Store) GetSyncState(key string) (*models.SyncState, error) {
	st := &models.SyncState{Key: key}
	err := s.db.QueryRow(`
	SELECT key, cursor, server_version, last_sync_started, last_sync_completed,
		last_sync_error, full_sync_required, total_syncs, failed_syncs
	FROM sync_state WHERE key = ?`, key).
		Scan(&st.Key, &st.Cursor, &st.ServerVersion, &st.LastSyncStarted, &st.LastSyncCompleted,
			&st.LastSyncError, &st.FullSyncRequired, &st.TotalSyncs, &st.FailedSyncs)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec("INSERT INTO sync_state (key) VALUES (?)", key); err != nil {
			return nil, errors.Wrap(err, errors.ErrSaveFailed, "create sync state")
		}
		return &models.SyncState{Key: key}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrFetchFailed, "get sync state")
	}
	return st, nil
}

// SaveSyncState persists all mutable columns of a sync state row.
func (s *Store) SaveSyncState(st *models.SyncState) error {
	_, err := s.db.Exec(`
	UPDATE sync_state SET cursor = ?, server_version = ?, last_sync_started = ?,
		last_sync_completed = ?, last_sync_error = ?, full_sync_required = ?,
		total_syncs = ?, failed_syncs = ?
	WHERE key = ?`,
		st.Cursor, st.ServerVersion, st.LastSyncStarted, st.LastSyncCompleted,
		st.LastSyncError, st.FullSyncRequired, st.TotalSyncs, st.FailedSyncs, st.Key)
	return errors.Wrap(err, errors.ErrSaveFailed, "save sync state")
}
