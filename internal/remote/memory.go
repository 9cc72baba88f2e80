package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/models"
)

// ErrUnreachable is returned by MemoryStore while it is marked unreachable.
var ErrUnreachable = apperrors.New(apperrors.ErrOffline, "remote store unreachable")

// MemoryStore is an in-process RemoteStore. It deduplicates pushes on
// (caseID, message ID) and stamps the case's UpdatedAt with its own clock
// on every write, the way a server-side trigger would.
type MemoryStore struct {
	mu        sync.Mutex
	cases     map[string]*models.Case
	messages  map[string][]*models.Message
	unreached bool
	pushes    int

	notifier Notifier

	// Now is the store's clock.
	Now func() time.Time

	// FailPush, if set, is consulted before every PushMessage.
	FailPush func(caseID string, msg *models.Message) error
	// FailQuery, if set, is returned by both query methods.
	FailQuery error
	// BeforePush, if set, runs before every PushMessage, outside the lock.
	BeforePush func(caseID string, msg *models.Message)
}

// NewMemoryStore creates an empty store publishing through notifier.
// A nil notifier uses a LocalNotifier.
func NewMemoryStore(notifier Notifier) *MemoryStore {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	return &MemoryStore{
		cases:    make(map[string]*models.Case),
		messages: make(map[string][]*models.Message),
		notifier: notifier,
		Now:      time.Now,
	}
}

// SetReachable toggles simulated connectivity.
func (s *MemoryStore) SetReachable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unreached = !ok
}

// Ping reports whether the store is reachable.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreached {
		return ErrUnreachable
	}
	return nil
}

// PushCount returns the number of PushMessage calls that reached the store.
func (s *MemoryStore) PushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes
}

// Seed stores c and its messages as if written by another device.
func (s *MemoryStore) Seed(c *models.Case) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c.Clone()
	s.messages[c.ID] = nil
	for _, m := range cp.Messages {
		m.SyncStatus = models.SyncStatusSynced
		s.messages[c.ID] = append(s.messages[c.ID], m)
	}
	cp.Messages = nil
	s.cases[c.ID] = cp
}

func (s *MemoryStore) touchLocked(caseID string) {
	if c, ok := s.cases[caseID]; ok {
		if now := s.Now(); now.After(c.UpdatedAt) {
			c.UpdatedAt = now
		}
	}
}

func (s *MemoryStore) PushMessage(ctx context.Context, caseID string, msg *models.Message) error {
	if s.BeforePush != nil {
		s.BeforePush(caseID, msg)
	}

	s.mu.Lock()
	s.pushes++
	if s.unreached {
		s.mu.Unlock()
		return ErrUnreachable
	}
	if s.FailPush != nil {
		if err := s.FailPush(caseID, msg); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	for _, m := range s.messages[caseID] {
		if m.ID == msg.ID {
			s.mu.Unlock()
			return nil
		}
	}
	stored := msg.Clone()
	stored.CaseID = caseID
	stored.SyncStatus = models.SyncStatusSynced
	s.messages[caseID] = append(s.messages[caseID], stored)
	s.touchLocked(caseID)
	s.mu.Unlock()

	return s.notifier.Publish(ctx, caseID, stored)
}

func (s *MemoryStore) PushCase(ctx context.Context, c *models.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreached {
		return ErrUnreachable
	}
	cp := c.Clone()
	cp.Messages = nil
	if prev, ok := s.cases[c.ID]; ok && prev.UpdatedAt.After(cp.UpdatedAt) {
		cp.UpdatedAt = prev.UpdatedAt
	}
	s.cases[c.ID] = cp
	s.touchLocked(c.ID)
	return nil
}

func (s *MemoryStore) QueryCasesUpdatedSince(ctx context.Context, participantID string, since time.Time) ([]*models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreached {
		return nil, ErrUnreachable
	}
	if s.FailQuery != nil {
		return nil, s.FailQuery
	}

	out := []*models.Case{}
	for _, c := range s.cases {
		if c.HasParticipant(participantID) && !c.UpdatedAt.Before(since) {
			out = append(out, c.Clone())
		}
	}
	models.SortCasesByUpdated(out)
	return out, nil
}

func (s *MemoryStore) QueryMessagesForCases(ctx context.Context, caseIDs []string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreached {
		return nil, ErrUnreachable
	}
	if s.FailQuery != nil {
		return nil, s.FailQuery
	}

	out := []*models.Message{}
	for _, id := range caseIDs {
		out = append(out, models.CloneMessages(s.messages[id])...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

func (s *MemoryStore) OnCaseMessageInserted(ctx context.Context, caseID string, fn func(*models.Message)) (func(), error) {
	return s.notifier.Subscribe(ctx, caseID, fn)
}

// Case returns the stored case with its messages, or nil.
func (s *MemoryStore) Case(caseID string) *models.Case {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil
	}
	cp := c.Clone()
	cp.Messages = models.CloneMessages(s.messages[caseID])
	models.SortMessages(cp.Messages)
	return cp
}

// Messages returns the stored messages of caseID in timestamp order.
func (s *MemoryStore) Messages(caseID string) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := models.CloneMessages(s.messages[caseID])
	models.SortMessages(out)
	return out
}
