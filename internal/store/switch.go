package store

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/models"
)

// Switch is a RecordStore that forwards to an active store and, on the
// first storage failure, fails over to a fallback for the rest of its life.
// The primary store is never re-probed after a failover.
type Switch struct {
	mu         sync.RWMutex
	active     RecordStore
	fallback   Opener
	failedOver bool

	// OnFailover, if set, is called after the active store changes.
	OnFailover func(from, to string, cause error)
}

// NewSwitch creates a Switch over primary. fallback may be nil, in which
// case storage failures are returned unchanged.
func NewSwitch(primary RecordStore, fallback Opener) *Switch {
	return &Switch{active: primary, fallback: fallback}
}

// Active returns the store currently serving requests.
func (s *Switch) Active() RecordStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// FailedOver reports whether the switch has moved to its fallback.
func (s *Switch) FailedOver() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failedOver
}

// do runs fn against the active store and retries once on the fallback
// when fn fails with a storage error.
func (s *Switch) do(ctx context.Context, fn func(RecordStore) error) error {
	current := s.Active()
	err := fn(current)
	if err == nil || !apperrors.IsStorageError(err) {
		return err
	}

	next, ferr := s.failover(ctx, current, err)
	if ferr != nil {
		return err
	}
	return fn(next)
}

func (s *Switch) failover(ctx context.Context, from RecordStore, cause error) (RecordStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller already switched.
	if s.active != from {
		return s.active, nil
	}
	if s.failedOver || s.fallback == nil {
		return nil, cause
	}

	next, err := s.fallback(ctx)
	if err != nil {
		logging.Error("Fallback store unavailable", err, map[string]interface{}{
			"component": "store",
			"from":      from.Name(),
		})
		return nil, err
	}

	s.active = next
	s.failedOver = true
	if cerr := from.Close(); cerr != nil {
		logging.Warn("Failed to close primary store after failover", map[string]interface{}{
			"component": "store",
			"error":     cerr.Error(),
		})
	}

	logging.ErrorWithCode("Local store failed, switched to fallback", string(apperrors.CodeOf(cause)), cause, map[string]interface{}{
		"component": "store",
		"from":      from.Name(),
		"to":        next.Name(),
	})
	if s.OnFailover != nil {
		s.OnFailover(from.Name(), next.Name(), cause)
	}
	return next, nil
}

func (s *Switch) Name() string {
	return s.Active().Name()
}

func (s *Switch) SaveMessage(ctx context.Context, msg *models.Message) error {
	return s.do(ctx, func(rs RecordStore) error { return rs.SaveMessage(ctx, msg) })
}

func (s *Switch) GetMessages(ctx context.Context, caseID string) ([]*models.Message, error) {
	var out []*models.Message
	err := s.do(ctx, func(rs RecordStore) (err error) {
		out, err = rs.GetMessages(ctx, caseID)
		return err
	})
	return out, err
}

func (s *Switch) GetPendingMessages(ctx context.Context) ([]*models.Message, error) {
	var out []*models.Message
	err := s.do(ctx, func(rs RecordStore) (err error) {
		out, err = rs.GetPendingMessages(ctx)
		return err
	})
	return out, err
}

func (s *Switch) GetMessagesByStatus(ctx context.Context, status models.SyncStatus) ([]*models.Message, error) {
	var out []*models.Message
	err := s.do(ctx, func(rs RecordStore) (err error) {
		out, err = rs.GetMessagesByStatus(ctx, status)
		return err
	})
	return out, err
}

func (s *Switch) UpdateMessageStatus(ctx context.Context, caseID, messageID string, status models.SyncStatus) error {
	return s.do(ctx, func(rs RecordStore) error {
		return rs.UpdateMessageStatus(ctx, caseID, messageID, status)
	})
}

func (s *Switch) SaveCase(ctx context.Context, rec *CaseRecord) error {
	return s.do(ctx, func(rs RecordStore) error { return rs.SaveCase(ctx, rec) })
}

func (s *Switch) GetCase(ctx context.Context, caseID string) (*CaseRecord, error) {
	var out *CaseRecord
	err := s.do(ctx, func(rs RecordStore) (err error) {
		out, err = rs.GetCase(ctx, caseID)
		return err
	})
	return out, err
}

func (s *Switch) GetCasesForParticipant(ctx context.Context, participantID string, role models.Role) ([]*CaseRecord, error) {
	var out []*CaseRecord
	err := s.do(ctx, func(rs RecordStore) (err error) {
		out, err = rs.GetCasesForParticipant(ctx, participantID, role)
		return err
	})
	return out, err
}

func (s *Switch) GetDirtyCases(ctx context.Context) ([]*CaseRecord, error) {
	var out []*CaseRecord
	err := s.do(ctx, func(rs RecordStore) (err error) {
		out, err = rs.GetDirtyCases(ctx)
		return err
	})
	return out, err
}

func (s *Switch) CleanupAged(ctx context.Context, retention time.Duration) (int, error) {
	var n int
	err := s.do(ctx, func(rs RecordStore) (err error) {
		n, err = rs.CleanupAged(ctx, retention)
		return err
	})
	return n, err
}

func (s *Switch) SetLastSyncTime(ctx context.Context, participantID string, t time.Time) error {
	return s.do(ctx, func(rs RecordStore) error { return rs.SetLastSyncTime(ctx, participantID, t) })
}

func (s *Switch) GetLastSyncTime(ctx context.Context, participantID string) (*time.Time, error) {
	var out *time.Time
	err := s.do(ctx, func(rs RecordStore) (err error) {
		out, err = rs.GetLastSyncTime(ctx, participantID)
		return err
	})
	return out, err
}

func (s *Switch) Usage(ctx context.Context) (int64, error) {
	var n int64
	err := s.do(ctx, func(rs RecordStore) (err error) {
		n, err = rs.Usage(ctx)
		return err
	})
	return n, err
}

func (s *Switch) ClearParticipant(ctx context.Context, participantID string) error {
	return s.do(ctx, func(rs RecordStore) error { return rs.ClearParticipant(ctx, participantID) })
}

// Close closes the active store.
func (s *Switch) Close() error {
	return s.Active().Close()
}
