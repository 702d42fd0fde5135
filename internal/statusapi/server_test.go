package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/driftsync/internal/config"
	"github.com/kimhsiao/driftsync/internal/conflict"
	"github.com/kimhsiao/driftsync/internal/db"
	"github.com/kimhsiao/driftsync/internal/event"
	"github.com/kimhsiao/driftsync/internal/logging"
	"github.com/kimhsiao/driftsync/internal/outbox"
	"github.com/kimhsiao/driftsync/internal/projector"
	driftsync "github.com/kimhsiao/driftsync/internal/sync"
	"github.com/kimhsiao/driftsync/internal/uuid"
)

func newTestServer(t *testing.T) (*Server, *outbox.Queue) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Run())

	store := db.NewStore(database)
	queue, err := outbox.NewQueue(store, nil)
	require.NoError(t, err)

	cfg := &config.Config{
		PushBatchSize:    50,
		MaxRetryAttempts: 5,
		RetryBaseDelay:   time.Second,
		MaxRetryDelay:    time.Minute,
	}
	coord := driftsync.New(cfg, store, queue, projector.New(store),
		conflict.NewResolver(conflict.DefaultPolicy()), nil, nil, logging.With("sync"))

	return NewServer("localhost:0", coord), queue
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/sync/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status driftsync.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, driftsync.StateIdle, status.State)
	assert.Zero(t, status.PendingEvents)
}

func TestQueueEndpoint(t *testing.T) {
	s, queue := newTestServer(t)

	ev, err := event.New(event.Origin{UserID: "u", DeviceID: "d", AppID: "test"},
		event.TaskCreatedPayload{TaskID: uuid.New(), ListID: "l-1", Title: "t", Status: "open"}, time.Now())
	require.NoError(t, err)
	_, err = queue.Enqueue(ev)
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodGet, "/sync/queue")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stats   map[string]int    `json:"stats"`
		Pending []json.RawMessage `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Stats["pending"])
	assert.Len(t, body.Pending, 1)
}

func TestConflictsEndpointEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/sync/conflicts")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Conflicts []conflict.Record `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Conflicts)
}

func TestPauseResumeEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/sync/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	var status driftsync.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, driftsync.StatePaused, status.State)

	rec = doRequest(t, s, http.MethodPost, "/sync/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, driftsync.StateIdle, status.State)
}

func TestSyncNowIsAsync(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/sync/now")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}
