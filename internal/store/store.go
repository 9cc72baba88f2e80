// Package store defines the local record store strategy shared by the
// on-device SQLite store and the fallback key-value store.
package store

import (
	"context"
	"time"

	"github.com/kimhsiao/medcord/backend/internal/models"
)

// CaseRecord is a case as persisted locally, with store-only fields.
type CaseRecord struct {
	Case *models.Case

	// LastSyncedAt is stamped by SaveCase. It is distinct from Case.UpdatedAt.
	LastSyncedAt *time.Time

	// Dirty marks a locally created or modified case the remote hasn't seen.
	Dirty bool
}

// Cases strips store-only fields from a record list.
func Cases(records []*CaseRecord) []*models.Case {
	out := make([]*models.Case, 0, len(records))
	for _, r := range records {
		out = append(out, r.Case)
	}
	return out
}

// RecordStore is durable, indexed persistence of cases and messages.
//
// Every persistence failure is reported as a STORAGE_ERROR (or
// STORAGE_QUOTA_EXCEEDED) AppError so callers can fail over.
type RecordStore interface {
	// Name identifies the backing implementation, e.g. "sqlite" or "kv:file".
	Name() string

	// SaveMessage upserts a message by (CaseID, ID). A synced message never
	// regresses. The owning case's UpdatedAt is raised to the message timestamp.
	SaveMessage(ctx context.Context, msg *models.Message) error

	// GetMessages returns the case's messages ascending by timestamp.
	// An unknown case yields an empty slice.
	GetMessages(ctx context.Context, caseID string) ([]*models.Message, error)

	GetPendingMessages(ctx context.Context) ([]*models.Message, error)
	GetMessagesByStatus(ctx context.Context, status models.SyncStatus) ([]*models.Message, error)

	// UpdateMessageStatus applies a sync status transition. Unknown messages
	// are ignored. Illegal transitions return INVALID_TRANSITION.
	UpdateMessageStatus(ctx context.Context, caseID, messageID string, status models.SyncStatus) error

	// SaveCase upserts the case scalars and any messages it carries, and
	// stamps LastSyncedAt. Carried messages are filed under the case's ID
	// whatever their own CaseID says.
	SaveCase(ctx context.Context, rec *CaseRecord) error

	// GetCase returns the case with its messages, or nil when unknown.
	GetCase(ctx context.Context, caseID string) (*CaseRecord, error)

	// GetCasesForParticipant returns the participant's cases for the given
	// role, descending by UpdatedAt, messages included.
	GetCasesForParticipant(ctx context.Context, participantID string, role models.Role) ([]*CaseRecord, error)

	GetDirtyCases(ctx context.Context) ([]*CaseRecord, error)

	// CleanupAged deletes synced messages older than retention and returns
	// how many were removed. Pending and failed messages are never removed.
	CleanupAged(ctx context.Context, retention time.Duration) (int, error)

	SetLastSyncTime(ctx context.Context, participantID string, t time.Time) error
	GetLastSyncTime(ctx context.Context, participantID string) (*time.Time, error)

	// Usage reports the bytes currently held by the store.
	Usage(ctx context.Context) (int64, error)

	// ClearParticipant removes every case involving the participant, the
	// messages of those cases and the participant's sync marker.
	ClearParticipant(ctx context.Context, participantID string) error

	Close() error
}

// Opener lazily constructs a RecordStore.
type Opener func(ctx context.Context) (RecordStore, error)

// RetentionCutoff returns the instant before which synced messages are aged.
func RetentionCutoff(now time.Time, retention time.Duration) time.Time {
	return now.Add(-retention)
}
