package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/models"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testCase(id string, updated time.Time) *models.Case {
	return &models.Case{
		ID:         id,
		PatientID:  "p1",
		ProviderID: "d1",
		Status:     models.CaseStatusReviewed,
		Subject:    "Rash",
		Urgency:    models.UrgencyLow,
		CreatedAt:  t0,
		UpdatedAt:  updated,
	}
}

func testMessage(caseID, id string, ts time.Time) *models.Message {
	return &models.Message{
		ID:         id,
		CaseID:     caseID,
		SenderID:   "p1",
		Content:    "hello " + id,
		Timestamp:  ts,
		SyncStatus: models.SyncStatusPending,
	}
}

func newClockedStore() (*MemoryStore, *time.Time) {
	s := NewMemoryStore(nil)
	now := t0
	s.Now = func() time.Time { return now }
	return s, &now
}

// =====================================================
// PushMessage
// =====================================================

// TestMemoryStore_PushMessage_idempotent verifies a repeated push stores one row.
func TestMemoryStore_PushMessage_idempotent(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()
	s.Seed(testCase("c1", t0.Add(-time.Hour)))

	msg := testMessage("c1", "m1", t0.Add(-time.Minute))
	require.NoError(t, s.PushMessage(ctx, "c1", msg))
	require.NoError(t, s.PushMessage(ctx, "c1", msg))

	got := s.Messages("c1")
	require.Len(t, got, 1)
	assert.Equal(t, models.SyncStatusSynced, got[0].SyncStatus)
	assert.Equal(t, 2, s.PushCount())
	assert.Equal(t, models.SyncStatusPending, msg.SyncStatus, "caller's message must not be mutated")
}

// TestMemoryStore_PushMessage_touchesCase verifies the store clock bumps UpdatedAt.
func TestMemoryStore_PushMessage_touchesCase(t *testing.T) {
	s, now := newClockedStore()
	ctx := context.Background()
	s.Seed(testCase("c1", t0.Add(-time.Hour)))

	*now = t0.Add(time.Minute)
	require.NoError(t, s.PushMessage(ctx, "c1", testMessage("c1", "m1", t0.Add(-2*time.Hour))))
	assert.Equal(t, t0.Add(time.Minute), s.Case("c1").UpdatedAt)
}

// TestMemoryStore_PushMessage_unknownCase verifies messages are accepted before their case.
func TestMemoryStore_PushMessage_unknownCase(t *testing.T) {
	s, _ := newClockedStore()
	require.NoError(t, s.PushMessage(context.Background(), "ghost", testMessage("ghost", "m1", t0)))
	assert.Len(t, s.Messages("ghost"), 1)
	assert.Nil(t, s.Case("ghost"))
}

// TestMemoryStore_faults verifies injected failures and reachability.
func TestMemoryStore_faults(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()

	s.SetReachable(false)
	err := s.PushMessage(ctx, "c1", testMessage("c1", "m1", t0))
	assert.True(t, apperrors.Is(err, apperrors.ErrOffline))
	assert.ErrorIs(t, s.Ping(ctx), ErrUnreachable)
	_, err = s.QueryCasesUpdatedSince(ctx, "p1", time.Time{})
	assert.Error(t, err)
	assert.Error(t, s.PushCase(ctx, testCase("c1", t0)))

	s.SetReachable(true)
	assert.NoError(t, s.Ping(ctx))

	boom := errors.New("boom")
	s.FailPush = func(caseID string, msg *models.Message) error {
		if msg.ID == "m2" {
			return boom
		}
		return nil
	}
	assert.NoError(t, s.PushMessage(ctx, "c1", testMessage("c1", "m1", t0)))
	assert.ErrorIs(t, s.PushMessage(ctx, "c1", testMessage("c1", "m2", t0)), boom)

	s.FailQuery = boom
	_, err = s.QueryMessagesForCases(ctx, []string{"c1"})
	assert.ErrorIs(t, err, boom)
}

// =====================================================
// Queries
// =====================================================

// TestMemoryStore_QueryCasesUpdatedSince verifies the inclusive bound and participant filter.
func TestMemoryStore_QueryCasesUpdatedSince(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()

	s.Seed(testCase("old", t0.Add(-time.Hour)))
	s.Seed(testCase("edge", t0))
	s.Seed(testCase("new", t0.Add(time.Hour)))
	other := testCase("other", t0.Add(time.Hour))
	other.PatientID = "p2"
	s.Seed(other)

	got, err := s.QueryCasesUpdatedSince(ctx, "p1", t0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "edge", got[1].ID)

	byProvider, err := s.QueryCasesUpdatedSince(ctx, "d1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, byProvider, 4)
}

// TestMemoryStore_QueryMessagesForCases verifies seeded messages come back synced.
func TestMemoryStore_QueryMessagesForCases(t *testing.T) {
	s, _ := newClockedStore()
	c := testCase("c1", t0)
	c.Messages = []*models.Message{testMessage("c1", "m1", t0)}
	s.Seed(c)

	msgs, err := s.QueryMessagesForCases(context.Background(), []string{"c1", "missing"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SyncStatusSynced, msgs[0].SyncStatus)
}

// TestMemoryStore_PushCase verifies UpdatedAt never moves backwards.
func TestMemoryStore_PushCase(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()
	s.Seed(testCase("c1", t0.Add(time.Hour)))

	stale := testCase("c1", t0.Add(-time.Hour))
	stale.Status = models.CaseStatusResolved
	require.NoError(t, s.PushCase(ctx, stale))

	got := s.Case("c1")
	assert.Equal(t, models.CaseStatusResolved, got.Status)
	assert.Equal(t, t0.Add(time.Hour), got.UpdatedAt)
}

// =====================================================
// Live updates
// =====================================================

// TestMemoryStore_OnCaseMessageInserted verifies per-case delivery and unsubscribe.
func TestMemoryStore_OnCaseMessageInserted(t *testing.T) {
	s, _ := newClockedStore()
	ctx := context.Background()

	var got []string
	unsub, err := s.OnCaseMessageInserted(ctx, "c1", func(m *models.Message) { got = append(got, m.ID) })
	require.NoError(t, err)

	require.NoError(t, s.PushMessage(ctx, "c1", testMessage("c1", "m1", t0)))
	require.NoError(t, s.PushMessage(ctx, "c2", testMessage("c2", "x1", t0)))
	require.NoError(t, s.PushMessage(ctx, "c1", testMessage("c1", "m1", t0))) // duplicate, no event
	require.NoError(t, s.PushMessage(ctx, "c1", testMessage("c1", "m2", t0)))

	unsub()
	require.NoError(t, s.PushMessage(ctx, "c1", testMessage("c1", "m3", t0)))

	assert.Equal(t, []string{"m1", "m2"}, got)
}
