package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kimhsiao/driftsync/internal/config"
	"github.com/kimhsiao/driftsync/internal/conflict"
	"github.com/kimhsiao/driftsync/internal/db"
	"github.com/kimhsiao/driftsync/internal/errors"
	"github.com/kimhsiao/driftsync/internal/event"
	"github.com/kimhsiao/driftsync/internal/models"
	"github.com/kimhsiao/driftsync/internal/outbox"
	"github.com/kimhsiao/driftsync/internal/projector"
)

// StreamKey names the default remote change stream.
const StreamKey = "primary"

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateSyncing      State = "syncing"
	StatePaused       State = "paused"
	StateOffline      State = "offline"
	StateError        State = "error"
)

// Status is a snapshot of the coordinator observable by the status API.
type Status struct {
	State         State            `json:"state"`
	Progress      float64          `json:"progress"`
	ErrorKind     errors.ErrorCode `json:"error_kind,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	RetryAttempt  int              `json:"retry_attempt,omitempty"`
	LastSyncDate  *time.Time       `json:"last_sync_date,omitempty"`
	PendingEvents int              `json:"pending_events"`
}

// Notification kinds broadcast to subscribers.
const (
	NotifySyncStarted      = "sync.started"
	NotifySyncProgress     = "sync.progress"
	NotifySyncCompleted    = "sync.completed"
	NotifySyncFailed       = "sync.failed"
	NotifyConflictDetected = "sync.conflict_detected"
)

// Notification is one observable coordinator transition.
type Notification struct {
	Kind   string `json:"kind"`
	Status Status `json:"status"`
}

// Coordinator drives the multi-phase sync cycle: drain the outbox to the
// remote, pull and project remote changes, reconcile conflicts, advance
// the cursor. All collaborators are injected; the coordinator owns no
// global state.
type Coordinator struct {
	cfg       *config.Config
	store     *db.Store
	queue     *outbox.Queue
	projector *projector.Projector
	resolver  *conflict.Resolver
	remote    RemoteService
	network   Connectivity
	log       zerolog.Logger

	mu              stdsync.Mutex
	state           State
	progress        float64
	errorKind       errors.ErrorCode
	lastError       string
	attempt         int
	paused          bool
	lastSyncDate    *time.Time
	lastIncremental time.Time
	retryTimer      *time.Timer
	listeners       []chan Notification
}

// New wires a Coordinator. remote may be nil for a purely offline
// deployment; sync attempts then fail with NETWORK_UNAVAILABLE while
// local operation continues untouched.
func New(cfg *config.Config, store *db.Store, queue *outbox.Queue, proj *projector.Projector, resolver *conflict.Resolver, remote RemoteService, network Connectivity, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		queue:     queue,
		projector: proj,
		resolver:  resolver,
		remote:    remote,
		network:   network,
		log:       log,
		state:     StateIdle,
	}
}

// Resolver exposes the conflict resolver, for the status surface.
func (c *Coordinator) Resolver() *conflict.Resolver {
	return c.resolver
}

// Queue exposes the outbox queue, for the status surface.
func (c *Coordinator) Queue() *outbox.Queue {
	return c.queue
}

// Start launches the connectivity watcher and housekeeping loop. Both
// exit when ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	if c.network != nil {
		go c.watchConnectivity(ctx)
	}
	go c.housekeeping(ctx)
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	pending, err := c.queue.PendingCount()
	if err != nil {
		pending = -1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:         c.state,
		Progress:      c.progress,
		ErrorKind:     c.errorKind,
		LastError:     c.lastError,
		RetryAttempt:  c.attempt,
		LastSyncDate:  c.lastSyncDate,
		PendingEvents: pending,
	}
}

// Subscribe registers a bounded notification channel. Slow subscribers
// lose notifications rather than blocking the coordinator.
func (c *Coordinator) Subscribe() <-chan Notification {
	ch := make(chan Notification, 32)
	c.mu.Lock()
	c.listeners = append(c.listeners, ch)
	c.mu.Unlock()
	return ch
}

// PerformFullSync runs the full push, pull and reconcile cycle. On
// success lastSyncDate updates and the state returns to idle; on failure
// the state carries the error kind and a backoff retry is scheduled.
func (c *Coordinator) PerformFullSync(ctx context.Context) error {
	if err := c.admit(); err != nil {
		return err
	}
	c.notify(NotifySyncStarted)

	if err := c.runFullSync(ctx); err != nil {
		c.failSync(err)
		return err
	}
	c.completeSync()
	return nil
}

// PerformIncrementalSync pushes pending outbox rows without pulling.
// Calls within minSyncInterval of the previous incremental sync are
// no-ops.
func (c *Coordinator) PerformIncrementalSync(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastIncremental) < c.cfg.MinSyncInterval {
		c.mu.Unlock()
		c.log.Debug().Msg("incremental sync throttled")
		return nil
	}
	c.mu.Unlock()

	if err := c.admit(); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastIncremental = time.Now()
	c.state = StateSyncing
	c.mu.Unlock()
	c.notify(NotifySyncStarted)

	pushed, err := c.push(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.errorKind = errors.CodeOf(err)
		c.lastError = err.Error()
		c.progress = 0
		c.mu.Unlock()
		c.notify(NotifySyncFailed)
		return err
	}

	c.mu.Lock()
	c.state = StateIdle
	c.progress = 0
	c.errorKind = ""
	c.lastError = ""
	c.mu.Unlock()
	c.log.Info().Int("pushed", pushed).Msg("incremental sync completed")
	c.notify(NotifySyncCompleted)
	return nil
}

// Pause cancels any scheduled retry and blocks new sync attempts.
// In-flight operations are not aborted.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.state != StateSyncing && c.state != StateInitializing {
		c.state = StatePaused
	}
	c.log.Info().Msg("sync paused")
}

// Resume clears the pause and, if connected, triggers an incremental
// sync in the background.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	c.paused = false
	if c.state == StatePaused {
		c.state = StateIdle
	}
	c.mu.Unlock()
	c.log.Info().Msg("sync resumed")

	if c.remote != nil && c.connected() {
		go func() {
			if err := c.PerformIncrementalSync(context.Background()); err != nil {
				c.log.Warn().Err(err).Msg("post-resume sync failed")
			}
		}()
	}
}

// admit decides whether a new sync may start.
func (c *Coordinator) admit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return errors.New(errors.ErrSyncPaused, "sync is paused")
	}
	if c.state == StateSyncing || c.state == StateInitializing {
		return errors.New(errors.ErrInvalid, "sync already in progress")
	}
	if c.remote == nil || !c.connected() {
		c.state = StateOffline
		c.progress = 0
		return errors.New(errors.ErrNetworkUnavailable, "offline")
	}

	c.state = StateInitializing
	c.progress = 0
	c.errorKind = ""
	c.lastError = ""
	return nil
}

// beginSyncing moves an admitted cycle out of the initializing state.
func (c *Coordinator) beginSyncing() {
	c.mu.Lock()
	c.state = StateSyncing
	c.mu.Unlock()
}

// connected is safe to call with or without the lock held.
func (c *Coordinator) connected() bool {
	if c.network == nil {
		return true
	}
	return c.network.Current().Connected
}

func (c *Coordinator) runFullSync(ctx context.Context) error {
	st, err := c.store.GetSyncState(StreamKey)
	if err != nil {
		return err
	}
	started := time.Now().UnixMilli()
	st.LastSyncStarted = &started
	if err := c.store.SaveSyncState(st); err != nil {
		return err
	}

	c.beginSyncing()
	c.setProgress(0.1)
	pushed, err := c.push(ctx)
	if err != nil {
		return err
	}

	c.setProgress(0.5)
	pulled, conflicts, err := c.pull(ctx, st)
	if err != nil {
		return err
	}

	c.setProgress(0.9)
	c.reconcile(conflicts)

	c.log.Info().
		Int("pushed", pushed).
		Int("pulled", pulled).
		Int("conflicts", conflicts).
		Msg("full sync cycle finished")
	return nil
}

// push drains the outbox in batches. Rows are marked completed only
// after the remote acknowledges the batch; an unacknowledged batch is
// marked failed and retried later, giving at-least-once delivery.
func (c *Coordinator) push(ctx context.Context) (int, error) {
	pushed := 0
	for {
		if err := ctx.Err(); err != nil {
			return pushed, errors.Wrap(err, errors.ErrSyncTimeout, "push interrupted")
		}

		batch, err := c.queue.DequeueBatch(c.cfg.PushBatchSize)
		if err != nil {
			return pushed, err
		}
		if len(batch) == 0 {
			return pushed, nil
		}

		envelopes := make([]event.Envelope, len(batch))
		ids := make([]string, len(batch))
		for i, p := range batch {
			envelopes[i] = event.NewEnvelope(p)
			ids[i] = p.ID.String()
		}

		if err := c.remote.InsertBatch(ctx, envelopes); err != nil {
			for _, id := range ids {
				if markErr := c.queue.MarkFailed(id, err); markErr != nil {
					c.log.Error().Err(markErr).Str("id", id).Msg("failed to record push failure")
				}
			}
			return pushed, err
		}
		if err := c.queue.MarkCompleted(ids); err != nil {
			return pushed, err
		}
		pushed += len(batch)
	}
}

// pull pages through the remote change stream. The cursor advances only
// after a page's projection commits, so an interrupted sync resumes from
// the last committed page.
func (c *Coordinator) pull(ctx context.Context, st *models.SyncState) (int, int, error) {
	pulled, conflicts := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return pulled, conflicts, errors.Wrap(err, errors.ErrSyncTimeout, "pull interrupted")
		}

		cs, err := c.remote.QueryChanges(ctx, st.Cursor)
		if err != nil {
			return pulled, conflicts, err
		}

		if len(cs.Events) > 0 {
			events, pageConflicts := c.prepareRemoteEvents(cs.Events)
			conflicts += pageConflicts
			if len(events) > 0 {
				if _, err := c.projector.ProjectBatch(events); err != nil {
					return pulled, conflicts, err
				}
				pulled += len(events)
			}
		}

		if cs.NewCursor != nil {
			st.Cursor = cs.NewCursor
		}
		if cs.ServerVersion != "" {
			st.ServerVersion = &cs.ServerVersion
		}
		if err := c.store.SaveSyncState(st); err != nil {
			return pulled, conflicts, err
		}

		if len(cs.Events) == 0 {
			return pulled, conflicts, nil
		}
	}
}

// prepareRemoteEvents converts pulled envelopes into projectable events,
// routing updates and deletes through the conflict resolver. Events the
// local side wins entirely are dropped from the page.
func (c *Coordinator) prepareRemoteEvents(envs []event.Envelope) ([]*event.DomainEvent, int) {
	var out []*event.DomainEvent
	conflicts := 0
	for _, env := range envs {
		ev, err := env.ToDomainEvent()
		if err != nil {
			c.log.Warn().Err(err).Str("id", env.ID).Msg("skipping malformed remote envelope")
			continue
		}

		switch ev.EventType {
		case event.TypeTaskUpdated:
			keep, n := c.reconcileRemoteUpdate(ev)
			conflicts += n
			if keep != nil {
				out = append(out, keep)
			}
		case event.TypeTaskDeleted:
			keep, n := c.reconcileRemoteDelete(ev)
			conflicts += n
			if keep != nil {
				out = append(out, keep)
			}
		default:
			out = append(out, ev)
		}
	}
	return out, conflicts
}

// reconcileRemoteUpdate resolves a pulled update field by field against
// local state. Fields the local side wins are stripped from the patch;
// an empty remaining patch drops the event.
func (c *Coordinator) reconcileRemoteUpdate(ev *event.DomainEvent) (*event.DomainEvent, int) {
	var pl event.TaskUpdatedPayload
	if err := json.Unmarshal(ev.Payload, &pl); err != nil {
		c.log.Warn().Err(err).Str("id", ev.EventID).Msg("undecodable remote update")
		return nil, 0
	}

	task, err := c.store.GetTask(c.store.DB(), pl.TaskID)
	if err != nil {
		// Unknown entity: let projection report EntityNotFound per-event.
		return ev, 0
	}

	fieldTimes, err := c.store.FieldTimes(c.store.DB(), pl.TaskID)
	if err != nil {
		fieldTimes = nil
	}
	localVer := conflict.SyncVersion{ModifiedAt: task.UpdatedAt, FieldTimes: fieldTimes}

	conflicts := 0
	localWon := 0

	resolve := func(field string, localVal, remoteVal interface{}, drop func()) {
		lv, _ := json.Marshal(localVal)
		rv, _ := json.Marshal(remoteVal)
		if jsonValuesEqual(lv, rv) {
			return
		}
		conflicts++
		res := c.resolver.ResolveField(conflict.FieldConflict{
			EntityType:  event.EntityTask,
			EntityID:    pl.TaskID,
			Field:       field,
			LocalValue:  lv,
			ServerValue: rv,
			LocalTime:   localVer.EffectiveTime(field),
			ServerTime:  ev.Timestamp,
		})
		if res.Winner == conflict.SideClient {
			localWon++
			drop()
		}
	}

	if pl.Title != nil {
		resolve("title", task.Title, *pl.Title, func() { pl.Title = nil })
	}
	if pl.Notes != nil {
		resolve("notes", task.Notes, *pl.Notes, func() { pl.Notes = nil })
	}
	if pl.Status != nil {
		resolve("status", string(task.Status), *pl.Status, func() { pl.Status = nil })
	}
	if pl.Priority != nil {
		resolve("priority", task.Priority, *pl.Priority, func() { pl.Priority = nil })
	}
	if pl.DueDate != nil {
		resolve("due_date", task.DueDate, *pl.DueDate, func() { pl.DueDate = nil })
	}

	if pl.Title == nil && pl.Notes == nil && pl.Status == nil && pl.Priority == nil && pl.DueDate == nil {
		// Local wins every field; nothing remains to project.
		return nil, conflicts
	}
	if localWon > 0 {
		raw, err := json.Marshal(pl)
		if err != nil {
			c.log.Error().Err(err).Str("id", ev.EventID).Msg("re-encoding reconciled patch")
			return nil, conflicts
		}
		ev.Payload = raw
	}
	return ev, conflicts
}

// reconcileRemoteDelete handles delete-vs-modify: a pulled delete while
// the local copy was modified after the deletion timestamp.
func (c *Coordinator) reconcileRemoteDelete(ev *event.DomainEvent) (*event.DomainEvent, int) {
	var pl event.TaskDeletedPayload
	if err := json.Unmarshal(ev.Payload, &pl); err != nil {
		c.log.Warn().Err(err).Str("id", ev.EventID).Msg("undecodable remote delete")
		return nil, 0
	}

	task, err := c.store.GetTask(c.store.DB(), pl.TaskID)
	if err != nil || task.IsDeleted {
		return ev, 0
	}
	deletedAt := pl.DeletedAt
	if deletedAt == 0 {
		deletedAt = ev.Timestamp
	}
	if task.UpdatedAt <= deletedAt {
		// No concurrent modification; the delete simply applies.
		return ev, 0
	}

	outcome := c.resolver.ResolveDeleteModify(event.EntityTask, pl.TaskID, conflict.SideServer, deletedAt, task.UpdatedAt)
	if outcome == conflict.OutcomeAcceptDelete {
		return ev, 1
	}
	// keep_modified or manual review: the local copy stays alive.
	return nil, 1
}

// reconcile surfaces the cycle's conflicts to observers.
func (c *Coordinator) reconcile(conflicts int) {
	if conflicts == 0 {
		return
	}
	c.log.Warn().Int("conflicts", conflicts).Msg("conflicts resolved during pull")
	c.notify(NotifyConflictDetected)
}

func (c *Coordinator) completeSync() {
	now := time.Now()
	if st, err := c.store.GetSyncState(StreamKey); err == nil {
		ms := now.UnixMilli()
		st.LastSyncCompleted = &ms
		st.LastSyncError = ""
		st.FullSyncRequired = false
		st.TotalSyncs++
		if err := c.store.SaveSyncState(st); err != nil {
			c.log.Error().Err(err).Msg("persisting sync completion")
		}
	}

	c.mu.Lock()
	c.state = StateIdle
	c.progress = 0
	c.errorKind = ""
	c.lastError = ""
	c.attempt = 0
	c.lastSyncDate = &now
	c.mu.Unlock()
	c.notify(NotifySyncCompleted)
}

func (c *Coordinator) failSync(err error) {
	if st, stErr := c.store.GetSyncState(StreamKey); stErr == nil {
		st.LastSyncError = err.Error()
		st.FailedSyncs++
		if saveErr := c.store.SaveSyncState(st); saveErr != nil {
			c.log.Error().Err(saveErr).Msg("persisting sync failure")
		}
	}

	c.mu.Lock()
	c.state = StateError
	c.progress = 0
	c.errorKind = errors.CodeOf(err)
	c.lastError = err.Error()
	c.scheduleRetryLocked()
	c.mu.Unlock()

	c.log.Error().Err(err).Str("kind", string(errors.CodeOf(err))).Msg("sync cycle failed")
	c.notify(NotifySyncFailed)
}

// scheduleRetryLocked arms the backoff timer. Callers hold c.mu.
func (c *Coordinator) scheduleRetryLocked() {
	c.attempt++
	if c.attempt > c.cfg.MaxRetryAttempts {
		c.log.Error().Int("attempts", c.attempt-1).Msg("retry budget exhausted; sync halted until manual trigger")
		return
	}

	delay := RetryDelay(c.attempt, c.cfg.RetryBaseDelay, c.cfg.MaxRetryDelay)
	c.log.Info().Dur("delay", delay).Int("attempt", c.attempt).Msg("retry scheduled")
	c.retryTimer = time.AfterFunc(delay, func() {
		if !c.connected() {
			return
		}
		if err := c.PerformFullSync(context.Background()); err != nil {
			c.log.Warn().Err(err).Msg("scheduled retry failed")
		}
	})
}

// RetryDelay computes the backoff for the given attempt (1-based),
// capped at max.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Coordinator) watchConnectivity(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-c.network.Changes():
			if !ok {
				return
			}
			go c.handleConnectivity(state)
		}
	}
}

func (c *Coordinator) handleConnectivity(state NetState) {
	c.mu.Lock()
	wasOffline := c.state == StateOffline
	if !state.Connected {
		if c.state != StateSyncing && c.state != StateInitializing {
			c.state = StateOffline
			c.progress = 0
		}
		c.mu.Unlock()
		c.log.Info().Msg("connectivity lost")
		return
	}
	if wasOffline {
		c.state = StateIdle
	}
	paused := c.paused
	c.mu.Unlock()

	c.log.Info().Bool("expensive", state.Expensive).Msg("connectivity regained")
	if wasOffline && c.cfg.SyncOnReconnect && !paused {
		if err := c.PerformIncrementalSync(context.Background()); err != nil {
			c.log.Warn().Err(err).Msg("reconnect sync failed")
		}
	}
}

// housekeeping prunes acknowledged outbox rows past their retention.
func (c *Coordinator) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.cfg.CompletedRetention)
			n, err := c.queue.DeleteCompletedBefore(cutoff)
			if err != nil {
				c.log.Warn().Err(err).Msg("outbox housekeeping failed")
			} else if n > 0 {
				c.log.Info().Int64("deleted", n).Msg("pruned completed outbox rows")
			}
		}
	}
}

func (c *Coordinator) setProgress(p float64) {
	c.mu.Lock()
	c.progress = p
	c.mu.Unlock()
	c.notify(NotifySyncProgress)
}

// notify broadcasts to all subscribers; full channels drop.
func (c *Coordinator) notify(kind string) {
	status := c.Status()

	c.mu.Lock()
	listeners := make([]chan Notification, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	n := Notification{Kind: kind, Status: status}
	for _, ch := range listeners {
		select {
		case ch <- n:
		default:
		}
	}
}

// jsonValuesEqual compares two marshaled scalar values.
func jsonValuesEqual(a, b []byte) bool {
	return string(a) == string(b)
}
