package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/models"
	"github.com/kimhsiao/medcord/backend/internal/store"
	"github.com/kimhsiao/medcord/backend/internal/sync/conflict"
	"github.com/kimhsiao/medcord/backend/internal/sync/queue"
)

// Engine pushes locally authored work to a RemoteStore, pulls remote
// changes and merges them into the local store. At most one push or sync
// pass runs at a time; overlapping calls return a skipped result.
type Engine struct {
	store    store.RecordStore
	queue    *queue.PendingQueue
	remote   RemoteStore
	resolver *conflict.Resolver
	now      func() time.Time

	mu         sync.Mutex
	inProgress bool
	online     bool
	state      models.SyncState

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

var _ SyncEngineInterface = (*Engine)(nil)

// NewEngine creates an Engine. A nil resolver uses remote-wins merging.
// The engine starts online and idle.
func NewEngine(rs store.RecordStore, q *queue.PendingQueue, remote RemoteStore, resolver *conflict.Resolver) *Engine {
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.StrategyRemoteWins)
	}
	return &Engine{
		store:     rs,
		queue:     q,
		remote:    remote,
		resolver:  resolver,
		now:       time.Now,
		online:    true,
		state:     models.SyncState{Status: models.EngineIdle},
		listeners: make(map[int]Listener),
	}
}

// =====================================================
// State and Subscriptions
// =====================================================

// State returns a copy of the current state.
func (e *Engine) State() models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() models.SyncState {
	s := e.state
	if s.LastSyncTime != nil {
		t := *s.LastSyncTime
		s.LastSyncTime = &t
	}
	return s
}

// Subscribe registers l and immediately sends it the current state.
func (e *Engine) Subscribe(l Listener) func() {
	e.listenersMu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.listenersMu.Unlock()

	notify(l, e.State())

	return func() {
		e.listenersMu.Lock()
		delete(e.listeners, id)
		e.listenersMu.Unlock()
	}
}

// update mutates state under the lock and broadcasts the result.
func (e *Engine) update(fn func(s *models.SyncState)) {
	e.mu.Lock()
	fn(&e.state)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.broadcast(snap)
}

func (e *Engine) broadcast(s models.SyncState) {
	e.listenersMu.RLock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.listenersMu.RUnlock()

	for _, l := range listeners {
		notify(l, s)
	}
}

// notify calls l, recovering from panics in subscriber code.
func notify(l Listener, s models.SyncState) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("Sync state listener panicked", map[string]interface{}{
				"component": "sync",
				"panic":     fmt.Sprint(r),
			})
		}
	}()
	l(s)
}

// SetOnline records a connectivity change. Going offline sets status
// offline; coming back sets it idle (or syncing if a pass is running).
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	if e.online == online {
		e.mu.Unlock()
		return
	}
	e.online = online
	switch {
	case !online:
		e.state.Status = models.EngineOffline
	case e.inProgress:
		e.state.Status = models.EngineSyncing
	default:
		e.state.Status = models.EngineIdle
		e.state.Error = ""
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{
		"component": "sync",
		"online":    online,
	})
	e.broadcast(snap)
}

// IsOnline reports the last known connectivity.
func (e *Engine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// InProgress reports whether a push or sync pass is running.
func (e *Engine) InProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inProgress
}

// SetPendingCount publishes the pending message count.
func (e *Engine) SetPendingCount(n int) {
	e.update(func(s *models.SyncState) { s.PendingCount = n })
}

// LastSync returns the start time of the last successful SyncAll.
func (e *Engine) LastSync() *time.Time {
	return e.State().LastSyncTime
}

// RestoreLastSync seeds the last sync time, e.g. from the local store.
func (e *Engine) RestoreLastSync(t *time.Time) {
	e.update(func(s *models.SyncState) {
		if t == nil {
			s.LastSyncTime = nil
			return
		}
		v := *t
		s.LastSyncTime = &v
	})
}

// =====================================================
// Single-flight Guard
// =====================================================

// begin claims the guard. It returns false when a pass is already running.
// When online is false the guard is not taken.
func (e *Engine) begin() (acquired, online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inProgress {
		return false, e.online
	}
	if !e.online {
		return true, false
	}
	e.inProgress = true
	return true, true
}

func (e *Engine) end() {
	e.mu.Lock()
	e.inProgress = false
	e.mu.Unlock()
}

func (e *Engine) setSyncing() {
	e.update(func(s *models.SyncState) {
		s.Status = models.EngineSyncing
		s.Error = ""
	})
}

func (e *Engine) setError(err error) {
	e.update(func(s *models.SyncState) {
		s.Status = models.EngineError
		s.Error = err.Error()
	})
}

// settle ends a successful pass as idle, or offline if connectivity was
// lost while it ran.
func (e *Engine) settle(fn func(s *models.SyncState)) {
	e.update(func(s *models.SyncState) {
		if e.online {
			s.Status = models.EngineIdle
		} else {
			s.Status = models.EngineOffline
		}
		s.Error = ""
		if fn != nil {
			fn(s)
		}
	})
}

func (e *Engine) newResult() *SyncResult {
	return &SyncResult{StartTime: e.now()}
}

func (e *Engine) finish(r *SyncResult) *SyncResult {
	r.EndTime = e.now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	return r
}

// =====================================================
// Push
// =====================================================

// SyncPendingMessages pushes the pending messages found in cases,
// sequentially and in timestamp order within each case. The pass stops at
// the first failed push; messages pushed before it stay synced.
func (e *Engine) SyncPendingMessages(ctx context.Context, cases []*models.Case) (*SyncResult, error) {
	result := e.newResult()
	acquired, online := e.begin()
	if !acquired {
		result.Skipped = true
		return e.finish(result), nil
	}
	if !online {
		result.Offline = true
		result.Cases = cases
		return e.finish(result), nil
	}
	defer e.end()

	var pending []*models.Message
	for _, c := range cases {
		for _, m := range c.Messages {
			if m.SyncStatus == models.SyncStatusPending {
				pending = append(pending, m)
			}
		}
	}
	queue.SortForPush(pending)

	e.setSyncing()
	err := e.pushMessages(ctx, pending, result)
	result.Cases = cases
	if err != nil {
		e.setError(err)
		return e.finish(result), err
	}
	e.settle(func(s *models.SyncState) { s.PendingCount = e.countPending(ctx) })
	return e.finish(result), nil
}

// PushQueued pushes dirty cases, then every queued message.
func (e *Engine) PushQueued(ctx context.Context) (*SyncResult, error) {
	result := e.newResult()
	acquired, online := e.begin()
	if !acquired {
		result.Skipped = true
		return e.finish(result), nil
	}
	if !online {
		result.Offline = true
		return e.finish(result), nil
	}
	defer e.end()

	e.setSyncing()
	if err := e.push(ctx, result); err != nil {
		e.setError(err)
		return e.finish(result), err
	}
	e.settle(func(s *models.SyncState) { s.PendingCount = e.countPending(ctx) })
	return e.finish(result), nil
}

// push sends dirty cases, then queued messages. Messages parked as failed
// get a fresh round of attempts on every pass.
func (e *Engine) push(ctx context.Context, result *SyncResult) error {
	if _, err := e.queue.RetryFailed(ctx); err != nil {
		return err
	}
	if err := e.pushDirtyCases(ctx, result); err != nil {
		return err
	}
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return err
	}
	return e.pushMessages(ctx, pending, result)
}

func (e *Engine) pushDirtyCases(ctx context.Context, result *SyncResult) error {
	dirty, err := e.store.GetDirtyCases(ctx)
	if err != nil {
		return err
	}
	for _, rec := range dirty {
		if err := ctx.Err(); err != nil {
			return err
		}
		scalars := rec.Case.Clone()
		scalars.Messages = nil
		if err := e.remote.PushCase(ctx, scalars); err != nil {
			logging.Error("Case push failed", err, map[string]interface{}{
				"component": "sync",
				"case_id":   rec.Case.ID,
			})
			return apperrors.SyncError(fmt.Sprintf("push case %s", rec.Case.ID), err)
		}
		if err := e.store.SaveCase(ctx, &store.CaseRecord{Case: scalars, Dirty: false}); err != nil {
			return err
		}
		result.CasesPushed++
	}
	return nil
}

func (e *Engine) pushMessages(ctx context.Context, msgs []*models.Message, result *SyncResult) error {
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.remote.PushMessage(ctx, m.CaseID, m); err != nil {
			result.Failed++
			if _, nerr := e.queue.Nack(ctx, m, err); nerr != nil {
				logging.Error("Failed to record push attempt", nerr, map[string]interface{}{
					"component":  "sync",
					"message_id": m.ID,
				})
			}
			logging.Error("Message push failed", err, map[string]interface{}{
				"component":  "sync",
				"case_id":    m.CaseID,
				"message_id": m.ID,
				"pushed":     result.Pushed,
			})
			return apperrors.SyncError(fmt.Sprintf("push message %s", m.ID), err)
		}
		if err := e.queue.Ack(ctx, m); err != nil {
			// The remote has the message; a retry is deduplicated remotely.
			return err
		}
		result.Pushed++
	}
	return nil
}

func (e *Engine) countPending(ctx context.Context) int {
	n, err := e.queue.Count(ctx)
	if err != nil {
		logging.Warn("Failed to count pending messages", map[string]interface{}{
			"component": "sync",
			"error":     err.Error(),
		})
		return 0
	}
	return n
}

// =====================================================
// Pull and Merge
// =====================================================

// FetchRemoteDelta returns the participant's cases updated at or after
// since, with all their messages. A nil since fetches everything.
func (e *Engine) FetchRemoteDelta(ctx context.Context, participantID string, since *time.Time) ([]*models.Case, error) {
	var from time.Time
	if since != nil {
		from = *since
	}

	cases, err := e.remote.QueryCasesUpdatedSince(ctx, participantID, from)
	if err != nil {
		return nil, apperrors.SyncError("query remote cases", err)
	}
	if len(cases) == 0 {
		return []*models.Case{}, nil
	}

	ids := make([]string, 0, len(cases))
	byID := make(map[string]*models.Case, len(cases))
	for _, c := range cases {
		c = c.Clone()
		c.Messages = nil
		ids = append(ids, c.ID)
		byID[c.ID] = c
	}

	msgs, err := e.remote.QueryMessagesForCases(ctx, ids)
	if err != nil {
		return nil, apperrors.SyncError("query remote messages", err)
	}
	for _, m := range msgs {
		c, ok := byID[m.CaseID]
		if !ok {
			continue
		}
		m = m.Clone()
		m.SyncStatus = models.SyncStatusSynced
		c.Messages = append(c.Messages, m)
	}

	out := make([]*models.Case, 0, len(ids))
	for _, id := range ids {
		c := byID[id]
		models.SortMessages(c.Messages)
		out = append(out, c)
	}
	return out, nil
}

// MergeCases merges a remote snapshot into local cases.
func (e *Engine) MergeCases(local, remote []*models.Case) *conflict.MergeResult {
	return e.resolver.MergeCases(local, remote)
}

// SyncAll pushes, pulls and merges as one pass. On failure the state moves
// to error and the best-effort local state is returned with the error;
// a push failure skips the pull. Offline, it returns localCases unchanged
// without remote I/O.
func (e *Engine) SyncAll(ctx context.Context, participantID string, localCases []*models.Case) (*SyncResult, error) {
	result := e.newResult()
	acquired, online := e.begin()
	if !acquired {
		result.Skipped = true
		return e.finish(result), nil
	}
	if !online {
		e.update(func(s *models.SyncState) { s.Status = models.EngineOffline })
		result.Offline = true
		result.Cases = localCases
		return e.finish(result), nil
	}
	defer e.end()

	start := result.StartTime
	e.setSyncing()
	logging.Debug("Sync started", map[string]interface{}{
		"component":   "sync",
		"participant": participantID,
	})

	fail := func(err error) (*SyncResult, error) {
		result.Error = err.Error()
		if result.Cases == nil {
			result.Cases = localCases
		}
		e.setError(err)
		logging.ErrorWithCode("Sync failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"component":   "sync",
			"participant": participantID,
		})
		return e.finish(result), err
	}

	if err := e.push(ctx, result); err != nil {
		return fail(err)
	}

	since, err := e.store.GetLastSyncTime(ctx, participantID)
	if err != nil {
		return fail(err)
	}
	delta, err := e.FetchRemoteDelta(ctx, participantID, since)
	if err != nil {
		return fail(err)
	}
	result.Pulled = len(delta)

	current := e.reload(ctx, localCases)
	merged := e.MergeCases(current, delta)
	result.Adopted = len(merged.Adopted)
	result.Updated = len(merged.Updated)
	result.Conflicts = merged.Conflicts

	touched := make(map[string]bool, len(merged.Adopted)+len(merged.Updated))
	for _, id := range merged.Adopted {
		touched[id] = true
	}
	for _, id := range merged.Updated {
		touched[id] = true
	}
	for _, c := range merged.Cases {
		if !touched[c.ID] {
			continue
		}
		if err := e.store.SaveCase(ctx, &store.CaseRecord{Case: c}); err != nil {
			result.Cases = merged.Cases
			return fail(err)
		}
	}
	result.Cases = merged.Cases

	if err := e.store.SetLastSyncTime(ctx, participantID, start); err != nil {
		logging.Warn("Failed to persist last sync time", map[string]interface{}{
			"component": "sync",
			"error":     err.Error(),
		})
	}

	pending := e.countPending(ctx)
	e.settle(func(s *models.SyncState) {
		t := start
		s.LastSyncTime = &t
		s.PendingCount = pending
	})

	logging.Info("Sync completed", map[string]interface{}{
		"component":    "sync",
		"participant":  participantID,
		"cases_pushed": result.CasesPushed,
		"pushed":       result.Pushed,
		"pulled":       result.Pulled,
		"adopted":      result.Adopted,
		"conflicts":    len(result.Conflicts),
	})
	return e.finish(result), nil
}

// reload replaces each case with its current stored copy when available,
// so statuses acknowledged during the push are reflected.
func (e *Engine) reload(ctx context.Context, cases []*models.Case) []*models.Case {
	out := make([]*models.Case, 0, len(cases))
	for _, c := range cases {
		rec, err := e.store.GetCase(ctx, c.ID)
		if err != nil || rec == nil {
			out = append(out, c)
			continue
		}
		out = append(out, rec.Case)
	}
	return out
}
