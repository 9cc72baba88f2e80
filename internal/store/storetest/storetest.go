// Package storetest provides a contract suite every store.RecordStore
// implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/models"
	"github.com/kimhsiao/medcord/backend/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.RecordStore

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// NewCase builds a case between patient p1 and provider d1.
func NewCase(id string, updated time.Time) *models.Case {
	return &models.Case{
		ID:           id,
		PatientID:    "p1",
		PatientName:  "Pat",
		ProviderID:   "d1",
		ProviderName: "Dr. Dee",
		Status:       models.CaseStatusPending,
		Subject:      "Headache",
		Description:  "Three days",
		Urgency:      models.UrgencyMedium,
		CreatedAt:    base,
		UpdatedAt:    updated,
	}
}

// NewMessage builds a message in caseID authored by p1.
func NewMessage(caseID, id string, ts time.Time, status models.SyncStatus) *models.Message {
	return &models.Message{
		ID:         id,
		CaseID:     caseID,
		SenderID:   "p1",
		SenderName: "Pat",
		Content:    "content " + id,
		Timestamp:  ts,
		SyncStatus: status,
	}
}

// Run executes the contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	open := func(t *testing.T) store.RecordStore {
		s := newStore(t)
		t.Cleanup(func() { s.Close() })
		return s
	}

	t.Run("MessagesSortedByTimestamp", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 9; i >= 0; i-- {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				msg := NewMessage("c1", fmt.Sprintf("m%02d", i), base.Add(time.Duration(i)*time.Minute), models.SyncStatusPending)
				assert.NoError(t, s.SaveMessage(ctx, msg))
			}(i)
		}
		wg.Wait()

		msgs, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, msgs, 10)
		for i := 1; i < len(msgs); i++ {
			assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp), "messages out of order at %d", i)
		}
		assert.Equal(t, "m00", msgs[0].ID)
	})

	t.Run("UnknownCaseHasNoMessages", func(t *testing.T) {
		s := open(t)
		msgs, err := s.GetMessages(context.Background(), "missing")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("SaveMessageOverwritesInPlace", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "m1", base, models.SyncStatusPending)))
		edited := NewMessage("c1", "m1", base, models.SyncStatusPending)
		edited.Content = "edited"
		require.NoError(t, s.SaveMessage(ctx, edited))

		msgs, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "edited", msgs[0].Content)
		assert.True(t, msgs[0].Timestamp.Equal(base))
	})

	t.Run("SameIDInDifferentCases", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "m1", base, models.SyncStatusPending)))
		require.NoError(t, s.SaveMessage(ctx, NewMessage("c2", "m1", base, models.SyncStatusPending)))

		pending, err := s.GetPendingMessages(ctx)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
	})

	t.Run("SaveMessageBumpsCaseUpdatedAt", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: NewCase("c1", base)}))
		later := base.Add(time.Hour)
		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "m1", later, models.SyncStatusPending)))

		rec, err := s.GetCase(ctx, "c1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.True(t, rec.Case.UpdatedAt.Equal(later), "updated_at = %v", rec.Case.UpdatedAt)
		require.Len(t, rec.Case.Messages, 1)
	})

	t.Run("PendingAndStatusQueries", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "m1", base, models.SyncStatusPending)))
		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "m2", base.Add(time.Second), models.SyncStatusSynced)))
		require.NoError(t, s.SaveMessage(ctx, NewMessage("c2", "m3", base.Add(2*time.Second), models.SyncStatusFailed)))

		pending, err := s.GetPendingMessages(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "m1", pending[0].ID)

		failed, err := s.GetMessagesByStatus(ctx, models.SyncStatusFailed)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "c2", failed[0].CaseID)
	})

	t.Run("UpdateMessageStatus", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "m1", base, models.SyncStatusPending)))

		require.NoError(t, s.UpdateMessageStatus(ctx, "c1", "m1", models.SyncStatusFailed))
		require.NoError(t, s.UpdateMessageStatus(ctx, "c1", "m1", models.SyncStatusPending))
		require.NoError(t, s.UpdateMessageStatus(ctx, "c1", "m1", models.SyncStatusSynced))

		// Unknown message is a no-op.
		require.NoError(t, s.UpdateMessageStatus(ctx, "c1", "nope", models.SyncStatusSynced))
		require.NoError(t, s.UpdateMessageStatus(ctx, "nope", "m1", models.SyncStatusSynced))

		err := s.UpdateMessageStatus(ctx, "c1", "m1", models.SyncStatusPending)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))
		assert.False(t, apperrors.IsStorageError(err))

		msgs, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusSynced, msgs[0].SyncStatus)
	})

	t.Run("SyncedNeverRegresses", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "m1", base, models.SyncStatusSynced)))

		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "m1", base, models.SyncStatusPending)))

		c := NewCase("c1", base)
		c.Messages = []*models.Message{NewMessage("c1", "m1", base, models.SyncStatusFailed)}
		require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: c}))

		msgs, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, models.SyncStatusSynced, msgs[0].SyncStatus)

		pending, err := s.GetPendingMessages(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("SaveCaseAndGetCase", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		missing, err := s.GetCase(ctx, "c1")
		require.NoError(t, err)
		assert.Nil(t, missing)

		c := NewCase("c1", base.Add(time.Minute))
		c.Messages = []*models.Message{
			NewMessage("c1", "m2", base.Add(time.Minute), models.SyncStatusSynced),
			NewMessage("c1", "m1", base, models.SyncStatusSynced),
		}
		before := time.Now().Add(-time.Second)
		require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: c, Dirty: true}))

		rec, err := s.GetCase(ctx, "c1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "Headache", rec.Case.Subject)
		assert.Equal(t, models.UrgencyMedium, rec.Case.Urgency)
		assert.True(t, rec.Case.CreatedAt.Equal(base))
		assert.True(t, rec.Dirty)
		require.NotNil(t, rec.LastSyncedAt)
		assert.True(t, rec.LastSyncedAt.After(before))
		require.Len(t, rec.Case.Messages, 2)
		assert.Equal(t, "m1", rec.Case.Messages[0].ID)

		c.Status = models.CaseStatusReviewed
		c.Messages = nil
		require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: c}))
		rec, err = s.GetCase(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, models.CaseStatusReviewed, rec.Case.Status)
		assert.False(t, rec.Dirty)
		assert.Len(t, rec.Case.Messages, 2, "saving a case without messages keeps existing ones")
	})

	t.Run("WritesWithoutDeadline", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		done := make(chan error, 1)
		go func() {
			if err := s.SaveMessage(ctx, NewMessage("c1", "m1", base, models.SyncStatusPending)); err != nil {
				done <- err
				return
			}
			c := NewCase("c1", base.Add(time.Minute))
			c.Messages = []*models.Message{NewMessage("c1", "m2", base.Add(time.Minute), models.SyncStatusSynced)}
			done <- s.SaveCase(ctx, &store.CaseRecord{Case: c})
		}()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("writes on a fresh store did not return")
		}

		msgs, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("SaveCaseFilesMessagesUnderCase", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		c := NewCase("c1", base)
		c.Messages = []*models.Message{
			NewMessage("", "m1", base, models.SyncStatusPending),
			NewMessage("other", "m2", base.Add(time.Minute), models.SyncStatusPending),
		}
		require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: c}))

		msgs, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		pending, err := s.GetPendingMessages(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		for _, m := range pending {
			assert.Equal(t, "c1", m.CaseID, "message %s", m.ID)
		}
		other, err := s.GetMessages(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, other)
		assert.Empty(t, c.Messages[0].CaseID, "caller's case is not mutated")
	})

	t.Run("CasesForParticipant", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		older := NewCase("c-old", base)
		newer := NewCase("c-new", base.Add(time.Hour))
		other := NewCase("c-other", base.Add(2*time.Hour))
		other.PatientID = "p2"
		other.ProviderID = "d2"
		for _, c := range []*models.Case{older, newer, other} {
			require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: c}))
		}

		asPatient, err := s.GetCasesForParticipant(ctx, "p1", models.RolePatient)
		require.NoError(t, err)
		require.Len(t, asPatient, 2)
		assert.Equal(t, "c-new", asPatient[0].Case.ID)
		assert.Equal(t, "c-old", asPatient[1].Case.ID)

		asProvider, err := s.GetCasesForParticipant(ctx, "d1", models.RoleProvider)
		require.NoError(t, err)
		assert.Len(t, asProvider, 2)

		wrongRole, err := s.GetCasesForParticipant(ctx, "p1", models.RoleProvider)
		require.NoError(t, err)
		assert.Empty(t, wrongRole)

		// Changing the patient moves the case between index entries.
		older.PatientID = "p2"
		require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: older}))
		asPatient, err = s.GetCasesForParticipant(ctx, "p1", models.RolePatient)
		require.NoError(t, err)
		require.Len(t, asPatient, 1)
		assert.Equal(t, "c-new", asPatient[0].Case.ID)
	})

	t.Run("DirtyCases", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: NewCase("c1", base), Dirty: true}))
		require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: NewCase("c2", base)}))

		dirty, err := s.GetDirtyCases(ctx)
		require.NoError(t, err)
		require.Len(t, dirty, 1)
		assert.Equal(t, "c1", dirty[0].Case.ID)
	})

	t.Run("CleanupAgedKeepsUnsynced", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		old := time.Now().Add(-40 * 24 * time.Hour).Truncate(time.Millisecond).UTC()
		recent := time.Now().Add(-time.Hour).Truncate(time.Millisecond).UTC()

		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "old-synced", old, models.SyncStatusSynced)))
		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "old-pending", old, models.SyncStatusPending)))
		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "old-failed", old, models.SyncStatusFailed)))
		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "new-synced", recent, models.SyncStatusSynced)))

		removed, err := s.CleanupAged(ctx, 30*24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		msgs, err := s.GetMessages(ctx, "c1")
		require.NoError(t, err)
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		assert.ElementsMatch(t, []string{"old-pending", "old-failed", "new-synced"}, ids)
	})

	t.Run("LastSyncTime", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		got, err := s.GetLastSyncTime(ctx, "p1")
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, s.SetLastSyncTime(ctx, "p1", base))
		require.NoError(t, s.SetLastSyncTime(ctx, "d1", base.Add(time.Hour)))

		got, err = s.GetLastSyncTime(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Equal(base))
	})

	t.Run("Usage", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		require.NoError(t, s.SaveMessage(ctx, NewMessage("c1", "m1", base, models.SyncStatusPending)))

		used, err := s.Usage(ctx)
		require.NoError(t, err)
		assert.Greater(t, used, int64(0))
	})

	t.Run("ClearParticipant", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		mine := NewCase("c1", base)
		mine.Messages = []*models.Message{NewMessage("c1", "m1", base, models.SyncStatusPending)}
		theirs := NewCase("c2", base)
		theirs.PatientID = "p2"
		theirs.ProviderID = "d2"
		theirs.Messages = []*models.Message{NewMessage("c2", "m2", base, models.SyncStatusPending)}
		require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: mine}))
		require.NoError(t, s.SaveCase(ctx, &store.CaseRecord{Case: theirs}))
		require.NoError(t, s.SetLastSyncTime(ctx, "p1", base))

		require.NoError(t, s.ClearParticipant(ctx, "p1"))

		rec, err := s.GetCase(ctx, "c1")
		require.NoError(t, err)
		assert.Nil(t, rec)
		pending, err := s.GetPendingMessages(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "c2", pending[0].CaseID)
		last, err := s.GetLastSyncTime(ctx, "p1")
		require.NoError(t, err)
		assert.Nil(t, last)
	})
}
