// Package queue provides the pending-write queue: a derived view over the
// active record store of messages the remote hasn't acknowledged yet, plus
// per-message push attempt tracking.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/models"
	"github.com/kimhsiao/medcord/backend/internal/store"
)

// DefaultMaxAttempts is used when NewPendingQueue gets a non-positive limit.
const DefaultMaxAttempts = 5

// Ref is the true key of a message.
type Ref struct {
	CaseID    string
	MessageID string
}

// RefOf returns the key of msg.
func RefOf(msg *models.Message) Ref {
	return Ref{CaseID: msg.CaseID, MessageID: msg.ID}
}

// Attempt records failed pushes for one message.
type Attempt struct {
	Count       int
	LastError   string
	NextRetryAt time.Time
}

// Stats summarizes the queue.
type Stats struct {
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
	Retrying int `json:"retrying"`
}

// PendingQueue tracks messages awaiting remote acknowledgement. Message
// status lives in the record store; attempt counters live in memory and
// reset with the process.
type PendingQueue struct {
	store       store.RecordStore
	maxAttempts int

	mu       sync.RWMutex
	attempts map[Ref]*Attempt

	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time
}

// NewPendingQueue creates a queue over rs. A message is marked failed after
// maxAttempts consecutive push failures.
func NewPendingQueue(rs store.RecordStore, maxAttempts int) *PendingQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &PendingQueue{
		store:       rs,
		maxAttempts: maxAttempts,
		attempts:    make(map[Ref]*Attempt),
		now:         time.Now,
	}
}

// SetBackoff enables exponential backoff between push attempts of the same
// message. A zero base disables it.
func (q *PendingQueue) SetBackoff(base, max time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backoffBase = base
	q.backoffMax = max
}

// MaxAttempts returns the failure limit.
func (q *PendingQueue) MaxAttempts() int { return q.maxAttempts }

// calculateBackoff returns base * 2^(attempts-1), capped at max.
func calculateBackoff(attempts int, base, max time.Duration) time.Duration {
	if base <= 0 || attempts <= 0 {
		return 0
	}
	backoff := base << uint(attempts-1)
	if max > 0 && (backoff > max || backoff <= 0) {
		backoff = max
	}
	return backoff
}

// Pending returns pending messages ready to push, grouped by case and
// ascending by timestamp within a case. Messages still in backoff are
// left out.
func (q *PendingQueue) Pending(ctx context.Context) ([]*models.Message, error) {
	msgs, err := q.store.GetPendingMessages(ctx)
	if err != nil {
		return nil, err
	}

	q.mu.RLock()
	now := q.now()
	ready := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		if a, ok := q.attempts[RefOf(m)]; ok && now.Before(a.NextRetryAt) {
			continue
		}
		ready = append(ready, m)
	}
	q.mu.RUnlock()

	SortForPush(ready)
	return ready, nil
}

// SortForPush orders messages by case, then by timestamp.
func SortForPush(msgs []*models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CaseID != msgs[j].CaseID {
			return msgs[i].CaseID < msgs[j].CaseID
		}
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// Count returns the number of pending messages, backoff included.
func (q *PendingQueue) Count(ctx context.Context) (int, error) {
	msgs, err := q.store.GetPendingMessages(ctx)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// Ack marks msg synced and forgets its attempts.
func (q *PendingQueue) Ack(ctx context.Context, msg *models.Message) error {
	if err := q.store.UpdateMessageStatus(ctx, msg.CaseID, msg.ID, models.SyncStatusSynced); err != nil {
		return err
	}
	q.mu.Lock()
	delete(q.attempts, RefOf(msg))
	q.mu.Unlock()
	return nil
}

// Nack records a failed push. The message stays pending until maxAttempts
// failures, then becomes failed. It reports whether the message was marked
// failed.
func (q *PendingQueue) Nack(ctx context.Context, msg *models.Message, cause error) (bool, error) {
	ref := RefOf(msg)

	q.mu.Lock()
	a, ok := q.attempts[ref]
	if !ok {
		a = &Attempt{}
		q.attempts[ref] = a
	}
	a.Count++
	if cause != nil {
		a.LastError = cause.Error()
	}
	a.NextRetryAt = q.now().Add(calculateBackoff(a.Count, q.backoffBase, q.backoffMax))
	count := a.Count
	q.mu.Unlock()

	if count < q.maxAttempts {
		logging.Warn("Push failed, message stays pending", map[string]interface{}{
			"component":  "queue",
			"case_id":    msg.CaseID,
			"message_id": msg.ID,
			"attempt":    count,
			"max":        q.maxAttempts,
		})
		return false, nil
	}

	if err := q.store.UpdateMessageStatus(ctx, msg.CaseID, msg.ID, models.SyncStatusFailed); err != nil {
		return false, err
	}
	logging.Warn("Push failed permanently, message marked failed", map[string]interface{}{
		"component":  "queue",
		"case_id":    msg.CaseID,
		"message_id": msg.ID,
		"attempts":   count,
	})
	return true, nil
}

// RetryFailed moves every failed message back to pending and resets its
// attempt counter. It returns how many messages were reset.
func (q *PendingQueue) RetryFailed(ctx context.Context) (int, error) {
	failed, err := q.store.GetMessagesByStatus(ctx, models.SyncStatusFailed)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range failed {
		if err := q.store.UpdateMessageStatus(ctx, m.CaseID, m.ID, models.SyncStatusPending); err != nil {
			return count, err
		}
		q.mu.Lock()
		delete(q.attempts, RefOf(m))
		q.mu.Unlock()
		count++
	}

	if count > 0 {
		logging.Info("Reset failed messages for retry", map[string]interface{}{
			"component": "queue",
			"count":     count,
		})
	}
	return count, nil
}

// Attempts returns the failed push count for a message.
func (q *PendingQueue) Attempts(caseID, messageID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if a, ok := q.attempts[Ref{CaseID: caseID, MessageID: messageID}]; ok {
		return a.Count
	}
	return 0
}

// LastError returns the most recent push error for a message.
func (q *PendingQueue) LastError(caseID, messageID string) string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if a, ok := q.attempts[Ref{CaseID: caseID, MessageID: messageID}]; ok {
		return a.LastError
	}
	return ""
}

// Reset forgets all attempt counters.
func (q *PendingQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts = make(map[Ref]*Attempt)
}

// Stats returns queue statistics.
func (q *PendingQueue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.store.GetPendingMessages(ctx)
	if err != nil {
		return Stats{}, err
	}
	failed, err := q.store.GetMessagesByStatus(ctx, models.SyncStatusFailed)
	if err != nil {
		return Stats{}, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	stats := Stats{Pending: len(pending), Failed: len(failed)}
	for _, m := range pending {
		if a, ok := q.attempts[RefOf(m)]; ok && a.Count > 0 {
			stats.Retrying++
		}
	}
	return stats, nil
}
