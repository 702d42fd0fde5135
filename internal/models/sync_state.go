package models

import "time"

// SyncState tracks per-stream sync progress. One row per stream key,
// created lazily on first access and mutated at phase boundaries by the
// coordinator.
type SyncState struct {
	Key               string  `db:"key" json:"key"`
	Cursor            *string `db:"cursor" json:"cursor,omitempty"`
	ServerVersion     *string `db:"server_version" json:"server_version,omitempty"`
	LastSyncStarted   *int64  `db:"last_sync_started" json:"last_sync_started,omitempty"`     // unix ms
	LastSyncCompleted *int64  `db:"last_sync_completed" json:"last_sync_completed,omitempty"` // unix ms
	LastSyncError     string  `db:"last_sync_error" json:"last_sync_error,omitempty"`
	FullSyncRequired  bool    `db:"full_sync_required" json:"full_sync_required"`
	TotalSyncs        int64   `db:"total_syncs" json:"total_syncs"`
	FailedSyncs       int64   `db:"failed_syncs" json:"failed_syncs"`
}

// TableName returns the table name for SyncState.
func (SyncState) TableName() string {
	return "sync_state"
}

// LastSyncCompletedTime returns LastSyncCompleted as time.Time, or the zero
// time if the stream has never completed a sync.
func (s *SyncState) LastSyncCompletedTime() time.Time {
	if s.LastSyncCompleted == nil {
		return time.Time{}
	}
	return time.UnixMilli(*s.LastSyncCompleted)
}
