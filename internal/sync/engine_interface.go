// Package sync reconciles the local record store with a remote case store.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/medcord/backend/internal/models"
	"github.com/kimhsiao/medcord/backend/internal/sync/conflict"
)

// RemoteStore is the shared case/message store other devices write to.
// Implementations must treat a repeated PushMessage of the same
// (caseID, message ID) as a no-op.
type RemoteStore interface {
	// PushMessage inserts a locally authored message.
	PushMessage(ctx context.Context, caseID string, msg *models.Message) error

	// PushCase upserts a case's scalar fields.
	PushCase(ctx context.Context, c *models.Case) error

	// QueryCasesUpdatedSince returns cases involving the participant with
	// UpdatedAt >= since. A zero since returns every such case.
	QueryCasesUpdatedSince(ctx context.Context, participantID string, since time.Time) ([]*models.Case, error)

	// QueryMessagesForCases returns every message of the given cases.
	QueryMessagesForCases(ctx context.Context, caseIDs []string) ([]*models.Message, error)

	// OnCaseMessageInserted calls fn for messages inserted into caseID until
	// the returned function is called.
	OnCaseMessageInserted(ctx context.Context, caseID string, fn func(*models.Message)) (func(), error)
}

// Listener receives sync state snapshots.
type Listener func(models.SyncState)

// SyncEngineInterface defines the sync engine operations the facade uses.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// SyncAll pushes pending work, pulls the remote delta since the last
	// successful sync and merges it into the local store.
	SyncAll(ctx context.Context, participantID string, localCases []*models.Case) (*SyncResult, error)

	// SyncPendingMessages pushes the pending messages of the given cases.
	SyncPendingMessages(ctx context.Context, cases []*models.Case) (*SyncResult, error)

	// PushQueued pushes dirty cases and every queued message.
	PushQueued(ctx context.Context) (*SyncResult, error)

	SetOnline(online bool)
	IsOnline() bool
	InProgress() bool

	// State returns the current sync state snapshot.
	State() models.SyncState

	// Subscribe registers a listener, calls it with the current state and
	// returns a function that removes it.
	Subscribe(l Listener) func()

	SetPendingCount(n int)
	LastSync() *time.Time
	RestoreLastSync(t *time.Time)
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	// Skipped is set when another sync was already in flight.
	Skipped bool `json:"skipped"`
	// Offline is set when no remote I/O was attempted for lack of connectivity.
	Offline bool `json:"offline"`

	CasesPushed int                 `json:"cases_pushed"`
	Pushed      int                 `json:"pushed"`
	Failed      int                 `json:"failed"`
	Pulled      int                 `json:"pulled"`
	Adopted     int                 `json:"adopted"`
	Updated     int                 `json:"updated"`
	Conflicts   []conflict.Conflict `json:"conflicts,omitempty"`

	// Cases is the best-effort local state after the operation.
	Cases []*models.Case `json:"-"`
	Error string         `json:"error,omitempty"`
}
