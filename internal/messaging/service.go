// Package messaging is the single entry point for UI-facing code: it picks
// the local store once per session, writes messages locally first and
// drives the sync engine.
package messaging

import (
	"context"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/ids"
	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/models"
	"github.com/kimhsiao/medcord/backend/internal/remote"
	"github.com/kimhsiao/medcord/backend/internal/store"
	"github.com/kimhsiao/medcord/backend/internal/store/kvstore"
	syncpkg "github.com/kimhsiao/medcord/backend/internal/sync"
	"github.com/kimhsiao/medcord/backend/internal/sync/conflict"
	"github.com/kimhsiao/medcord/backend/internal/sync/queue"
	"github.com/kimhsiao/medcord/backend/internal/sync/scheduler"
)

const (
	// DefaultCapacity is the assumed storage ceiling reported by GetStorageInfo.
	DefaultCapacity int64 = 10 << 20
	// DefaultRetention is how long synced messages are kept locally.
	DefaultRetention = 30 * 24 * time.Hour
)

// Options configures a Service.
type Options struct {
	// Primary opens the local record store. Fallback opens the store used
	// when Primary cannot be opened or fails later in the session.
	Primary  store.Opener
	Fallback store.Opener

	// Remote is the shared store. Nil uses an in-memory remote.
	Remote syncpkg.RemoteStore
	// Prober checks remote reachability. Nil uses Remote when it can Ping.
	Prober scheduler.Prober

	Capacity        int64
	Retention       time.Duration
	MaxPushAttempts int
	Strategy        conflict.ResolutionStrategy
	SyncInterval    time.Duration
	ProbeInterval   time.Duration

	// EnforceParticipantAccess rejects reads and writes on cases the
	// local participant does not take part in.
	EnforceParticipantAccess bool

	Now func() time.Time
}

// CreateCaseInput describes a new case. The local participant fills
// whichever side matches their role.
type CreateCaseInput struct {
	PatientID    string         `json:"patient_id"`
	PatientName  string         `json:"patient_name"`
	ProviderID   string         `json:"provider_id"`
	ProviderName string         `json:"provider_name"`
	Subject      string         `json:"subject"`
	Description  string         `json:"description"`
	Urgency      models.Urgency `json:"urgency"`
}

// session holds what Init decided. It never changes until Shutdown.
type session struct {
	participant models.Participant
	store       *store.Switch
	queue       *queue.PendingQueue
	engine      *syncpkg.Engine
	scheduler   *scheduler.Scheduler
}

// Service is the message service facade.
type Service struct {
	opts Options

	mu   sync.RWMutex
	sess *session

	bg sync.WaitGroup

	subsMu sync.Mutex
	subs   map[int]func()
	nextID int
}

// NewService creates an uninitialized Service.
func NewService(opts Options) *Service {
	if opts.Remote == nil {
		opts.Remote = remote.NewMemoryStore(nil)
	}
	if opts.Prober == nil {
		if p, ok := opts.Remote.(scheduler.Prober); ok {
			opts.Prober = p
		}
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxPushAttempts <= 0 {
		opts.MaxPushAttempts = queue.DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{opts: opts, subs: make(map[int]func())}
}

// =====================================================
// Lifecycle
// =====================================================

// Init opens the local store and wires the sync engine for participant.
// Storage failures never fail Init: the service falls back to the
// fallback store and, if that fails too, to an in-memory store.
func (s *Service) Init(ctx context.Context, participant models.Participant) error {
	if strings.TrimSpace(participant.ID) == "" {
		return apperrors.New(apperrors.ErrInvalid, "participant id is required")
	}
	role, ok := models.ParseRole(string(participant.Role))
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, "unknown participant role: "+string(participant.Role))
	}
	participant.Role = role

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return apperrors.New(apperrors.ErrInvalid, "service already initialized")
	}

	sw := s.openStore(ctx)
	sw.OnFailover = func(from, to string, cause error) {
		logging.Warn("Messages are now stored in the fallback store", map[string]interface{}{
			"component": "messaging",
			"from":      from,
			"to":        to,
		})
	}

	q := queue.NewPendingQueue(sw, s.opts.MaxPushAttempts)
	engine := syncpkg.NewEngine(sw, q, s.opts.Remote, conflict.NewResolver(s.opts.Strategy))

	if last, err := sw.GetLastSyncTime(ctx, participant.ID); err == nil {
		engine.RestoreLastSync(last)
	}
	if n, err := q.Count(ctx); err == nil {
		engine.SetPendingCount(n)
	}

	sched := scheduler.NewScheduler(s, s.opts.Prober, &scheduler.SchedulerConfig{
		SyncInterval:  s.opts.SyncInterval,
		ProbeInterval: s.opts.ProbeInterval,
	})
	sched.OnConnectivityChange = engine.SetOnline

	s.sess = &session{
		participant: participant,
		store:       sw,
		queue:       q,
		engine:      engine,
		scheduler:   sched,
	}

	if removed, err := sw.CleanupAged(ctx, s.opts.Retention); err != nil {
		logging.Warn("Retention sweep failed", map[string]interface{}{
			"component": "messaging",
			"error":     err.Error(),
		})
	} else if removed > 0 {
		logging.Info("Removed aged messages", map[string]interface{}{
			"component": "messaging",
			"removed":   removed,
		})
	}

	logging.Info("Message service initialized", map[string]interface{}{
		"component":   "messaging",
		"participant": participant.ID,
		"role":        string(participant.Role),
		"store":       sw.Name(),
	})
	return nil
}

// openStore opens the primary store, falling back as needed.
func (s *Service) openStore(ctx context.Context) *store.Switch {
	if s.opts.Primary != nil {
		primary, err := s.opts.Primary(ctx)
		if err == nil {
			return store.NewSwitch(primary, s.opts.Fallback)
		}
		logging.ErrorWithCode("Local record store unavailable, using fallback", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"component": "messaging"})
	}

	if s.opts.Fallback != nil {
		fallback, err := s.opts.Fallback(ctx)
		if err == nil {
			return store.NewSwitch(fallback, nil)
		}
		logging.ErrorWithCode("Fallback store unavailable, keeping messages in memory", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"component": "messaging"})
	}
	return store.NewSwitch(kvstore.New(kvstore.NewMemoryBackend(0)), nil)
}

// Start begins background sync.
func (s *Service) Start(ctx context.Context) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	sess.scheduler.Start(ctx)
	return nil
}

// Shutdown stops background work, drops live subscriptions and closes the
// local store. The service can be initialized again afterwards.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}

	sess.scheduler.Stop()

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("Shutdown timed out waiting for background pushes", map[string]interface{}{"component": "messaging"})
	}

	s.subsMu.Lock()
	subs := s.subs
	s.subs = make(map[int]func())
	s.subsMu.Unlock()
	for _, unsub := range subs {
		unsub()
	}

	if err := sess.store.Close(); err != nil {
		return apperrors.StorageError("failed to close local store", err)
	}
	logging.Info("Message service stopped", map[string]interface{}{"component": "messaging"})
	return nil
}

// Wait blocks until background pushes and triggered syncs finish.
func (s *Service) Wait() {
	if sess, err := s.session(); err == nil {
		sess.scheduler.Wait()
	}
	s.bg.Wait()
}

func (s *Service) session() (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sess == nil {
		return nil, apperrors.New(apperrors.ErrNotInitialized, "message service not initialized")
	}
	return s.sess, nil
}

// Participant returns the local participant.
func (s *Service) Participant() (models.Participant, error) {
	sess, err := s.session()
	if err != nil {
		return models.Participant{}, err
	}
	return sess.participant, nil
}

// ActiveStore returns the name of the store serving requests.
func (s *Service) ActiveStore() string {
	sess, err := s.session()
	if err != nil {
		return ""
	}
	return sess.store.Name()
}

// =====================================================
// Messages
// =====================================================

// SendMessage writes a new pending message to the local store and returns
// it. When online, a push pass starts in the background; its outcome is
// reported through the sync state, never through this call.
func (s *Service) SendMessage(ctx context.Context, caseID, content string) (*models.Message, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	if caseID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "case id is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "message content is empty")
	}
	if err := s.checkAccess(ctx, sess, caseID); err != nil {
		return nil, err
	}

	now := s.opts.Now().UTC()
	msg := &models.Message{
		ID:         ids.NewMessageID(now),
		CaseID:     caseID,
		SenderID:   sess.participant.ID,
		SenderName: sess.participant.DisplayName,
		Content:    content,
		Timestamp:  now,
		SyncStatus: models.SyncStatusPending,
	}
	if err := sess.store.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.refreshPending(ctx, sess)
	s.pushInBackground(sess)
	return msg.Clone(), nil
}

// GetMessages returns the case's messages in timestamp order.
func (s *Service) GetMessages(ctx context.Context, caseID string) ([]*models.Message, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	if err := s.checkAccess(ctx, sess, caseID); err != nil {
		return nil, err
	}
	return sess.store.GetMessages(ctx, caseID)
}

// GetPendingMessages returns every message awaiting push.
func (s *Service) GetPendingMessages(ctx context.Context) ([]*models.Message, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	return sess.store.GetPendingMessages(ctx)
}

// GetPendingCount returns the number of messages awaiting push.
func (s *Service) GetPendingCount(ctx context.Context) (int, error) {
	sess, err := s.session()
	if err != nil {
		return 0, err
	}
	return sess.queue.Count(ctx)
}

// SubscribeToCase calls fn for every message another device inserts into
// caseID. Each such message is stored locally as synced first.
func (s *Service) SubscribeToCase(ctx context.Context, caseID string, fn func(*models.Message)) (func(), error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	if err := s.checkAccess(ctx, sess, caseID); err != nil {
		return nil, err
	}

	unsub, err := s.opts.Remote.OnCaseMessageInserted(ctx, caseID, func(m *models.Message) {
		m = m.Clone()
		m.CaseID = caseID
		m.SyncStatus = models.SyncStatusSynced
		if err := sess.store.SaveMessage(context.Background(), m); err != nil {
			logging.Warn("Failed to store live message", map[string]interface{}{
				"component":  "messaging",
				"case_id":    caseID,
				"message_id": m.ID,
				"error":      err.Error(),
			})
		}
		if fn != nil {
			fn(m)
		}
	})
	if err != nil {
		return nil, apperrors.SyncError("failed to subscribe to case", err)
	}

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = unsub
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			_, ok := s.subs[id]
			delete(s.subs, id)
			s.subsMu.Unlock()
			if ok {
				unsub()
			}
		})
	}, nil
}

// =====================================================
// Cases
// =====================================================

// GetUserCases returns the local participant's cases, newest first.
func (s *Service) GetUserCases(ctx context.Context) ([]*models.Case, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	records, err := sess.store.GetCasesForParticipant(ctx, sess.participant.ID, sess.participant.Role)
	if err != nil {
		return nil, err
	}
	return store.Cases(records), nil
}

// GetCase returns one case with its messages.
func (s *Service) GetCase(ctx context.Context, caseID string) (*models.Case, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	rec, err := sess.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, "case not found: "+caseID)
	}
	if s.opts.EnforceParticipantAccess && !rec.Case.HasParticipant(sess.participant.ID) {
		return nil, apperrors.New(apperrors.ErrPermission, "not a participant of case "+caseID)
	}
	return rec.Case, nil
}

// CreateCase stores a new pending case authored by the local participant.
// It is pushed with the next push pass.
func (s *Service) CreateCase(ctx context.Context, in CreateCaseInput) (*models.Case, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}

	switch sess.participant.Role {
	case models.RolePatient:
		in.PatientID, in.PatientName = sess.participant.ID, sess.participant.DisplayName
	case models.RoleProvider:
		in.ProviderID, in.ProviderName = sess.participant.ID, sess.participant.DisplayName
	}
	if in.PatientID == "" || in.ProviderID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "case needs both a patient and a provider")
	}
	if strings.TrimSpace(in.Subject) == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "case subject is required")
	}
	if in.Urgency == "" {
		in.Urgency = models.UrgencyMedium
	}
	if !in.Urgency.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "unknown urgency: "+string(in.Urgency))
	}

	now := s.opts.Now().UTC()
	c := &models.Case{
		ID:           ids.NewCaseID(),
		PatientID:    in.PatientID,
		PatientName:  in.PatientName,
		ProviderID:   in.ProviderID,
		ProviderName: in.ProviderName,
		Status:       models.CaseStatusPending,
		Subject:      in.Subject,
		Description:  in.Description,
		Urgency:      in.Urgency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := sess.store.SaveCase(ctx, &store.CaseRecord{Case: c, Dirty: true}); err != nil {
		return nil, err
	}
	s.pushInBackground(sess)
	return c.Clone(), nil
}

// SaveCase stores c locally and marks it for push. Messages carried by c
// are merged into the case's stored messages.
func (s *Service) SaveCase(ctx context.Context, c *models.Case) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	if c == nil || c.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "case id is required")
	}
	if !c.Status.Valid() || !c.Urgency.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "case has an unknown status or urgency")
	}
	if s.opts.EnforceParticipantAccess && !c.HasParticipant(sess.participant.ID) {
		return apperrors.New(apperrors.ErrPermission, "not a participant of case "+c.ID)
	}
	if err := sess.store.SaveCase(ctx, &store.CaseRecord{Case: c.Clone(), Dirty: true}); err != nil {
		return err
	}
	s.refreshPending(ctx, sess)
	s.pushInBackground(sess)
	return nil
}

// UpdateCaseStatus moves a case forward. Resolved cases cannot change.
func (s *Service) UpdateCaseStatus(ctx context.Context, caseID string, status models.CaseStatus) (*models.Case, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status == status {
		return c, nil
	}
	if !models.CanTransitionCase(c.Status, status) {
		return nil, apperrors.New(apperrors.ErrInvalidTransition,
			"case status cannot move from "+string(c.Status)+" to "+string(status))
	}

	c.Status = status
	c.UpdatedAt = s.opts.Now().UTC()
	if err := sess.store.SaveCase(ctx, &store.CaseRecord{Case: c, Dirty: true}); err != nil {
		return nil, err
	}
	s.pushInBackground(sess)
	return c.Clone(), nil
}

func (s *Service) checkAccess(ctx context.Context, sess *session, caseID string) error {
	if !s.opts.EnforceParticipantAccess {
		return nil
	}
	rec, err := sess.store.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if rec == nil || !rec.Case.HasParticipant(sess.participant.ID) {
		return apperrors.New(apperrors.ErrPermission, "not a participant of case "+caseID)
	}
	return nil
}

// =====================================================
// Sync
// =====================================================

// SyncNow runs one full sync pass over the participant's cases.
func (s *Service) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	records, err := sess.store.GetCasesForParticipant(ctx, sess.participant.ID, sess.participant.Role)
	if err != nil {
		return nil, err
	}
	return sess.engine.SyncAll(ctx, sess.participant.ID, store.Cases(records))
}

// PushPending pushes dirty cases and queued messages without pulling.
func (s *Service) PushPending(ctx context.Context) (*syncpkg.SyncResult, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	return sess.engine.PushQueued(ctx)
}

// RetryFailed returns failed messages to pending and, when online, pushes
// them in the background.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	sess, err := s.session()
	if err != nil {
		return 0, err
	}
	n, err := sess.queue.RetryFailed(ctx)
	if err != nil {
		return n, err
	}
	s.refreshPending(ctx, sess)
	if n > 0 {
		s.pushInBackground(sess)
	}
	return n, nil
}

// SetOnline reports a connectivity change. Coming back online starts a
// sync immediately.
func (s *Service) SetOnline(online bool) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	sess.scheduler.SetOnlineStatus(online)
	return nil
}

// IsOffline reports whether the last known connectivity is offline.
func (s *Service) IsOffline() bool {
	sess, err := s.session()
	if err != nil {
		return true
	}
	return !sess.engine.IsOnline()
}

// State returns the current sync state.
func (s *Service) State() models.SyncState {
	sess, err := s.session()
	if err != nil {
		return models.SyncState{Status: models.EngineOffline}
	}
	return sess.engine.State()
}

// Subscribe registers l for sync-state changes. l receives the current
// state immediately.
func (s *Service) Subscribe(l syncpkg.Listener) (func(), error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	return sess.engine.Subscribe(l), nil
}

// GetLastSyncTime returns the start time of the last successful sync.
func (s *Service) GetLastSyncTime() *time.Time {
	sess, err := s.session()
	if err != nil {
		return nil
	}
	return sess.engine.LastSync()
}

// SchedulerStatus returns the background scheduler's status.
func (s *Service) SchedulerStatus() (scheduler.SchedulerStatus, error) {
	sess, err := s.session()
	if err != nil {
		return scheduler.SchedulerStatus{}, err
	}
	return sess.scheduler.GetStatus(), nil
}

func (s *Service) refreshPending(ctx context.Context, sess *session) {
	n, err := sess.queue.Count(ctx)
	if err != nil {
		return
	}
	sess.engine.SetPendingCount(n)
}

// pushInBackground starts a push pass when online. Failures show up in
// the sync state.
func (s *Service) pushInBackground(sess *session) {
	if !sess.engine.IsOnline() {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := sess.engine.PushQueued(context.Background()); err != nil {
			logging.Debug("Background push failed", map[string]interface{}{
				"component": "messaging",
				"error":     err.Error(),
			})
		}
	}()
}

// =====================================================
// Storage
// =====================================================

// GetStorageInfo reports local storage use against the configured capacity.
func (s *Service) GetStorageInfo(ctx context.Context) (models.StorageInfo, error) {
	sess, err := s.session()
	if err != nil {
		return models.StorageInfo{}, err
	}
	used, err := sess.store.Usage(ctx)
	if err != nil {
		return models.StorageInfo{}, err
	}
	return models.NewStorageInfo(sess.store.Name(), used, s.opts.Capacity), nil
}

// Cleanup removes synced messages older than the retention window and
// returns how many were removed.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	sess, err := s.session()
	if err != nil {
		return 0, err
	}
	return sess.store.CleanupAged(ctx, s.opts.Retention)
}

// ClearAllData removes the participant's local cases, messages and sync
// marker, e.g. on logout.
func (s *Service) ClearAllData(ctx context.Context) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	if err := sess.store.ClearParticipant(ctx, sess.participant.ID); err != nil {
		return err
	}
	sess.queue.Reset()
	sess.engine.RestoreLastSync(nil)
	s.refreshPending(ctx, sess)

	logging.Info("Cleared local data", map[string]interface{}{
		"component":   "messaging",
		"participant": sess.participant.ID,
	})
	return nil
}
