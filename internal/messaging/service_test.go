package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/models"
	"github.com/kimhsiao/medcord/backend/internal/remote"
	"github.com/kimhsiao/medcord/backend/internal/store"
	"github.com/kimhsiao/medcord/backend/internal/store/kvstore"
	"github.com/kimhsiao/medcord/backend/internal/store/sqlitestore"
)

var patient = models.Participant{ID: "p1", Role: models.RolePatient, DisplayName: "Pat"}

// =====================================================
// Test Helpers
// =====================================================

type fixture struct {
	svc    *Service
	remote *remote.MemoryStore
	local  *sqlitestore.Store
}

func memoryFallback() store.Opener {
	return kvstore.Opener(func(ctx context.Context) (kvstore.Backend, error) {
		return kvstore.NewMemoryBackend(0), nil
	})
}

// newFixture builds an initialized service over an in-memory SQLite store.
func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	local, err := sqlitestore.OpenMemory()
	require.NoError(t, err)

	f := &fixture{remote: remote.NewMemoryStore(nil), local: local}
	opts := Options{
		Primary:  func(ctx context.Context) (store.RecordStore, error) { return local, nil },
		Fallback: memoryFallback(),
		Remote:   f.remote,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.svc = NewService(opts)
	require.NoError(t, f.svc.Init(context.Background(), patient))
	t.Cleanup(func() { f.svc.Shutdown(context.Background()) })
	return f
}

func seedCase(id, patientID, providerID string) *models.Case {
	now := time.Now().UTC()
	return &models.Case{
		ID:         id,
		PatientID:  patientID,
		ProviderID: providerID,
		Status:     models.CaseStatusPending,
		Subject:    "Follow-up",
		Urgency:    models.UrgencyLow,
		CreatedAt:  now.Add(-time.Hour),
		UpdatedAt:  now,
	}
}

// =====================================================
// Lifecycle
// =====================================================

// TestService_notInitialized verifies calls before Init fail cleanly.
func TestService_notInitialized(t *testing.T) {
	svc := NewService(Options{})
	ctx := context.Background()

	_, err := svc.SendMessage(ctx, "c1", "hi")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotInitialized))
	_, err = svc.GetUserCases(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotInitialized))
	assert.True(t, svc.IsOffline())
	assert.Nil(t, svc.GetLastSyncTime())
	assert.NoError(t, svc.Shutdown(ctx))
}

// TestService_Init_validation verifies participant checks and double init.
func TestService_Init_validation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(Options{Fallback: memoryFallback()})

	assert.True(t, apperrors.Is(svc.Init(ctx, models.Participant{Role: models.RolePatient}), apperrors.ErrInvalid))
	assert.True(t, apperrors.Is(svc.Init(ctx, models.Participant{ID: "x", Role: "nurse"}), apperrors.ErrInvalid))

	require.NoError(t, svc.Init(ctx, models.Participant{ID: "d1", Role: "doctor"}))
	defer svc.Shutdown(ctx)
	p, err := svc.Participant()
	require.NoError(t, err)
	assert.Equal(t, models.RoleProvider, p.Role)

	assert.Error(t, svc.Init(ctx, patient))
}

// TestService_Init_primaryFails verifies a failing primary store falls back
// without surfacing an error.
func TestService_Init_primaryFails(t *testing.T) {
	ctx := context.Background()
	svc := NewService(Options{
		Primary: func(ctx context.Context) (store.RecordStore, error) {
			return nil, apperrors.QuotaError("quota exceeded")
		},
		Fallback: memoryFallback(),
	})
	require.NoError(t, svc.Init(ctx, patient))
	defer svc.Shutdown(ctx)
	require.NoError(t, svc.SetOnline(false))

	assert.Equal(t, "kv:memory", svc.ActiveStore())
	msg, err := svc.SendMessage(ctx, "c1", "still works")
	require.NoError(t, err)

	msgs, err := svc.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

// TestService_Init_allStoresFail verifies the in-memory last resort.
func TestService_Init_allStoresFail(t *testing.T) {
	ctx := context.Background()
	broken := func(ctx context.Context) (store.RecordStore, error) {
		return nil, apperrors.StorageError("disk gone", errors.New("EIO"))
	}
	svc := NewService(Options{Primary: broken, Fallback: broken})
	require.NoError(t, svc.Init(ctx, patient))
	defer svc.Shutdown(ctx)
	require.NoError(t, svc.SetOnline(false))

	_, err := svc.SendMessage(ctx, "c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "kv:memory", svc.ActiveStore())
}

// TestService_failoverMidSession verifies a storage failure after Init
// moves the session to the fallback store.
func TestService_failoverMidSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.SetOnline(false))
	assert.Equal(t, "sqlite", f.svc.ActiveStore())

	require.NoError(t, f.local.Close())

	_, err := f.svc.SendMessage(ctx, "c1", "after failure")
	require.NoError(t, err)
	assert.Equal(t, "kv:memory", f.svc.ActiveStore())

	n, err := f.svc.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// =====================================================
// Offline send and reconnect
// =====================================================

// TestService_sendOffline covers sending while offline and reconnecting.
func TestService_sendOffline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.SetOnline(false))
	assert.True(t, f.svc.IsOffline())

	msg, err := f.svc.SendMessage(ctx, "c1", "Hello")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, msg.SyncStatus)
	assert.Equal(t, "p1", msg.SenderID)
	assert.Equal(t, "Pat", msg.SenderName)

	pending, err := f.svc.GetPendingMessages(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Hello", pending[0].Content)
	assert.Equal(t, models.SyncStatusPending, pending[0].SyncStatus)

	state := f.svc.State()
	assert.Equal(t, models.EngineOffline, state.Status)
	assert.Equal(t, 1, state.PendingCount)
	assert.Equal(t, 0, f.remote.PushCount())

	// Reconnect triggers a sync.
	require.NoError(t, f.svc.SetOnline(true))
	f.svc.Wait()

	pending, err = f.svc.GetPendingMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	msgs, err := f.svc.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SyncStatusSynced, msgs[0].SyncStatus)
	assert.Len(t, f.remote.Messages("c1"), 1)

	state = f.svc.State()
	assert.Equal(t, models.EngineIdle, state.Status)
	assert.Equal(t, 0, state.PendingCount)
	assert.NotNil(t, f.svc.GetLastSyncTime())
}

// TestService_sendOnline verifies an online send is pushed in the background.
func TestService_sendOnline(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, "c1", "quick question")
	require.NoError(t, err)
	f.svc.Wait()

	assert.Len(t, f.remote.Messages("c1"), 1)
	n, err := f.svc.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestService_pushFailureKeepsMessage verifies a failed push never loses
// the local write.
func TestService_pushFailureKeepsMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.remote.FailPush = func(string, *models.Message) error { return errors.New("503") }

	msg, err := f.svc.SendMessage(ctx, "c1", "are you there")
	require.NoError(t, err)
	f.svc.Wait()

	pending, err := f.svc.GetPendingMessages(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msg.ID, pending[0].ID)
	assert.Equal(t, models.EngineError, f.svc.State().Status)
	assert.NotEmpty(t, f.svc.State().Error)
}

// TestService_RetryFailed verifies failed messages return to the queue.
func TestService_RetryFailed(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxPushAttempts = 1 })
	ctx := context.Background()
	f.remote.FailPush = func(string, *models.Message) error { return errors.New("503") }

	_, err := f.svc.SendMessage(ctx, "c1", "retry me")
	require.NoError(t, err)
	f.svc.Wait()

	msgs, err := f.svc.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SyncStatusFailed, msgs[0].SyncStatus)

	f.remote.FailPush = nil
	n, err := f.svc.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.svc.Wait()

	msgs, err = f.svc.GetMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, msgs[0].SyncStatus)
}

// TestService_SendMessage_validation verifies empty input is rejected.
func TestService_SendMessage_validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, "", "hi")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	_, err = f.svc.SendMessage(ctx, "c1", "   ")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// =====================================================
// Cases
// =====================================================

// TestService_CreateCase verifies a new case is stored and pushed.
func TestService_CreateCase(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateCase(ctx, CreateCaseInput{Subject: "Rash"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "provider is required")

	_, err = f.svc.CreateCase(ctx, CreateCaseInput{ProviderID: "d1", Subject: "Rash", Urgency: "critical"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	c, err := f.svc.CreateCase(ctx, CreateCaseInput{
		PatientID:  "someone-else",
		ProviderID: "d1",
		Subject:    "Rash",
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", c.PatientID, "local participant fills their own side")
	assert.Equal(t, models.CaseStatusPending, c.Status)
	assert.Equal(t, models.UrgencyMedium, c.Urgency)
	f.svc.Wait()

	require.NotNil(t, f.remote.Case(c.ID))

	cases, err := f.svc.GetUserCases(ctx)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, c.ID, cases[0].ID)

	dirty, err := f.local.GetDirtyCases(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

// TestService_UpdateCaseStatus verifies forward-only status changes.
func TestService_UpdateCaseStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.SetOnline(false))

	c, err := f.svc.CreateCase(ctx, CreateCaseInput{ProviderID: "d1", Subject: "Cough"})
	require.NoError(t, err)

	updated, err := f.svc.UpdateCaseStatus(ctx, c.ID, models.CaseStatusReviewed)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusReviewed, updated.Status)

	_, err = f.svc.UpdateCaseStatus(ctx, c.ID, models.CaseStatusPending)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

	_, err = f.svc.UpdateCaseStatus(ctx, c.ID, models.CaseStatusResolved)
	require.NoError(t, err)
	_, err = f.svc.UpdateCaseStatus(ctx, c.ID, models.CaseStatusReviewed)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition), "resolved is terminal")

	same, err := f.svc.UpdateCaseStatus(ctx, c.ID, models.CaseStatusResolved)
	require.NoError(t, err)
	assert.Equal(t, models.CaseStatusResolved, same.Status)

	_, err = f.svc.UpdateCaseStatus(ctx, "missing", models.CaseStatusReviewed)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

// TestService_SyncNow_adoptsRemoteCase verifies a pull brings in cases
// created on another device.
func TestService_SyncNow_adoptsRemoteCase(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c := seedCase("c9", "p1", "d1")
	c.Messages = []*models.Message{{ID: "r1", CaseID: "c9", SenderID: "d1", Content: "doctor's note", Timestamp: c.UpdatedAt}}
	f.remote.Seed(c)
	f.remote.Seed(seedCase("other", "p2", "d1"))

	result, err := f.svc.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Adopted)

	cases, err := f.svc.GetUserCases(ctx)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "c9", cases[0].ID)
	require.Len(t, cases[0].Messages, 1)
	assert.Equal(t, models.SyncStatusSynced, cases[0].Messages[0].SyncStatus)
}

// =====================================================
// Access control
// =====================================================

// TestService_accessControl verifies the opt-in participant check.
func TestService_accessControl(t *testing.T) {
	ctx := context.Background()
	foreign := seedCase("foreign", "p2", "d2")

	open := func(enforce bool) *fixture {
		return newFixture(t, func(o *Options) {
			o.EnforceParticipantAccess = enforce
			o.Primary = func(ctx context.Context) (store.RecordStore, error) {
				s, err := sqlitestore.OpenMemory()
				if err != nil {
					return nil, err
				}
				return s, s.SaveCase(ctx, &store.CaseRecord{Case: foreign.Clone()})
			}
		})
	}

	f := open(true)
	require.NoError(t, f.svc.SetOnline(false))
	_, err := f.svc.SendMessage(ctx, "foreign", "peek")
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))
	_, err = f.svc.GetMessages(ctx, "foreign")
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))
	_, err = f.svc.GetCase(ctx, "foreign")
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))
	_, err = f.svc.SendMessage(ctx, "unknown", "peek")
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))

	f = open(false)
	require.NoError(t, f.svc.SetOnline(false))
	_, err = f.svc.SendMessage(ctx, "foreign", "peek")
	assert.NoError(t, err)
}

// =====================================================
// Live updates
// =====================================================

// TestService_SubscribeToCase verifies live messages are stored as synced.
func TestService_SubscribeToCase(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var got []*models.Message
	unsub, err := f.svc.SubscribeToCase(ctx, "c1", func(m *models.Message) { got = append(got, m) })
	require.NoError(t, err)

	other := &models.Message{ID: "x1", CaseID: "c1", SenderID: "d1", Content: "from the clinic", Timestamp: time.Now().UTC(), SyncStatus: models.SyncStatusPending}
	require.NoError(t, f.remote.PushMessage(ctx, "c1", other))

	require.Len(t, got, 1)
	assert.Equal(t, models.SyncStatusSynced, got[0].SyncStatus)

	msgs, err := f.svc.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "from the clinic", msgs[0].Content)
	assert.Equal(t, models.SyncStatusSynced, msgs[0].SyncStatus)

	unsub()
	unsub()
	require.NoError(t, f.remote.PushMessage(ctx, "c1", &models.Message{ID: "x2", SenderID: "d1", Content: "later", Timestamp: time.Now().UTC()}))
	assert.Len(t, got, 1)
}

// TestService_Subscribe verifies sync-state listeners.
func TestService_Subscribe(t *testing.T) {
	f := newFixture(t, nil)

	var states []models.SyncState
	unsub, err := f.svc.Subscribe(func(s models.SyncState) { states = append(states, s) })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, f.svc.SetOnline(false))
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, models.EngineIdle, states[0].Status)
	assert.Equal(t, models.EngineOffline, states[len(states)-1].Status)
}

// =====================================================
// Storage
// =====================================================

// TestService_GetStorageInfo verifies usage reporting.
func TestService_GetStorageInfo(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Capacity = 1 << 30 })

	info, err := f.svc.GetStorageInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", info.Backend)
	assert.Equal(t, int64(1<<30), info.Available)
	assert.Greater(t, info.Used, int64(0))
	assert.GreaterOrEqual(t, info.Percentage, 0.0)
}

// TestService_Cleanup verifies retention removes only synced messages.
func TestService_Cleanup(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Retention = 24 * time.Hour })
	ctx := context.Background()
	require.NoError(t, f.svc.SetOnline(false))

	old := time.Now().UTC().Add(-48 * time.Hour)
	c := seedCase("c1", "p1", "d1")
	c.CreatedAt = old.Add(-time.Hour)
	c.Messages = []*models.Message{
		{ID: "old-synced", CaseID: "c1", SenderID: "d1", Content: "a", Timestamp: old, SyncStatus: models.SyncStatusSynced},
		{ID: "old-pending", CaseID: "c1", SenderID: "p1", Content: "b", Timestamp: old, SyncStatus: models.SyncStatusPending},
	}
	require.NoError(t, f.svc.SaveCase(ctx, c))

	removed, err := f.svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	msgs, err := f.svc.GetMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "old-pending", msgs[0].ID)
}

// TestService_ClearAllData verifies logout removes the participant's data.
func TestService_ClearAllData(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	c, err := f.svc.CreateCase(ctx, CreateCaseInput{ProviderID: "d1", Subject: "Checkup"})
	require.NoError(t, err)
	f.svc.Wait()
	_, err = f.svc.SyncNow(ctx)
	require.NoError(t, err)
	require.NoError(t, f.svc.SetOnline(false))
	_, err = f.svc.SendMessage(ctx, c.ID, "unsent")
	require.NoError(t, err)

	require.NoError(t, f.svc.ClearAllData(ctx))

	cases, err := f.svc.GetUserCases(ctx)
	require.NoError(t, err)
	assert.Empty(t, cases)
	n, err := f.svc.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Nil(t, f.svc.GetLastSyncTime())
}
