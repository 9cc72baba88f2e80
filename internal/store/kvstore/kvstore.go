package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/models"
	"github.com/kimhsiao/medcord/backend/internal/store"
)

// Key layout.
const (
	casePrefix     = "case:"
	messagePrefix  = "msg:"
	lastSyncPrefix = "lastsync:"
	participantIdx = "idx:participants"
)

// caseDoc is the persisted shape of a case; messages live under msg:<id>.
type caseDoc struct {
	ID           string            `json:"id"`
	PatientID    string            `json:"patient_id"`
	PatientName  string            `json:"patient_name"`
	ProviderID   string            `json:"provider_id"`
	ProviderName string            `json:"provider_name"`
	Status       models.CaseStatus `json:"status"`
	Subject      string            `json:"subject"`
	Description  string            `json:"description"`
	Urgency      models.Urgency    `json:"urgency"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastSyncedAt *time.Time        `json:"last_synced_at,omitempty"`
	Dirty        bool              `json:"dirty"`
}

// participantIndex maps "<role>:<participantID>" to case IDs.
type participantIndex map[string][]string

func indexKey(role models.Role, participantID string) string {
	return string(role) + ":" + participantID
}

// Store is a store.RecordStore over a Backend. Secondary lookups by sync
// status and dirtiness scan every message list; the participant index is
// written in the same batch as the case.
type Store struct {
	mu      sync.Mutex
	backend Backend
}

var _ store.RecordStore = (*Store)(nil)

// New creates a store over backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) Name() string { return "kv:" + s.backend.Name() }

func (s *Store) Close() error { return s.backend.Close() }

func storageErr(op string, err error) error {
	if apperrors.IsStorageError(err) {
		return err
	}
	return apperrors.StorageError(op, err)
}

func (s *Store) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	raw, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("failed to read "+key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, apperrors.StorageError("corrupt value under "+key, err)
	}
	return true, nil
}

func encode(key string, v interface{}) (Write, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Write{}, apperrors.StorageError("failed to encode "+key, err)
	}
	return Set(key, raw), nil
}

func (s *Store) apply(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	if err := s.backend.Apply(ctx, writes); err != nil {
		return storageErr("failed to write batch", err)
	}
	return nil
}

// =====================================================
// Message Operations
// =====================================================

func (s *Store) loadMessages(ctx context.Context, caseID string) ([]*models.Message, error) {
	var msgs []*models.Message
	if _, err := s.getJSON(ctx, messagePrefix+caseID, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// mergeMessage upserts msg into msgs keeping timestamp order and sticky status.
func mergeMessage(msgs []*models.Message, msg *models.Message) []*models.Message {
	incoming := msg.Clone()
	for i, m := range msgs {
		if m.ID == incoming.ID {
			incoming.SyncStatus = models.StickyStatus(m.SyncStatus, incoming.SyncStatus)
			msgs[i] = incoming
			models.SortMessages(msgs)
			return msgs
		}
	}
	msgs = append(msgs, incoming)
	models.SortMessages(msgs)
	return msgs
}

func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.loadMessages(ctx, msg.CaseID)
	if err != nil {
		return err
	}
	msgs = mergeMessage(msgs, msg)
	w, err := encode(messagePrefix+msg.CaseID, msgs)
	if err != nil {
		return err
	}
	writes := []Write{w}

	var doc caseDoc
	found, err := s.getJSON(ctx, casePrefix+msg.CaseID, &doc)
	if err != nil {
		return err
	}
	if found && msg.Timestamp.After(doc.UpdatedAt) {
		doc.UpdatedAt = msg.Timestamp
		cw, err := encode(casePrefix+msg.CaseID, doc)
		if err != nil {
			return err
		}
		writes = append(writes, cw)
	}
	return s.apply(ctx, writes)
}

func (s *Store) GetMessages(ctx context.Context, caseID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.loadMessages(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	models.SortMessages(msgs)
	return msgs, nil
}

func (s *Store) GetPendingMessages(ctx context.Context) ([]*models.Message, error) {
	return s.GetMessagesByStatus(ctx, models.SyncStatusPending)
}

func (s *Store) GetMessagesByStatus(ctx context.Context, status models.SyncStatus) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.backend.Keys(ctx, messagePrefix)
	if err != nil {
		return nil, storageErr("failed to list message keys", err)
	}
	sort.Strings(keys)

	out := []*models.Message{}
	for _, key := range keys {
		msgs, err := s.loadMessages(ctx, strings.TrimPrefix(key, messagePrefix))
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.SyncStatus == status {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (s *Store) UpdateMessageStatus(ctx context.Context, caseID, messageID string, status models.SyncStatus) error {
	if !status.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown sync status %q", status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.loadMessages(ctx, caseID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ID != messageID {
			continue
		}
		if m.SyncStatus == status {
			return nil
		}
		if !models.CanTransition(m.SyncStatus, status) {
			return apperrors.New(apperrors.ErrInvalidTransition,
				fmt.Sprintf("message %s: cannot move from %s to %s", messageID, m.SyncStatus, status))
		}
		m.SyncStatus = status
		w, err := encode(messagePrefix+caseID, msgs)
		if err != nil {
			return err
		}
		return s.apply(ctx, []Write{w})
	}
	return nil
}

func (s *Store) CleanupAged(ctx context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := store.RetentionCutoff(time.Now(), retention)
	keys, err := s.backend.Keys(ctx, messagePrefix)
	if err != nil {
		return 0, storageErr("failed to list message keys", err)
	}

	removed := 0
	var writes []Write
	for _, key := range keys {
		msgs, err := s.loadMessages(ctx, strings.TrimPrefix(key, messagePrefix))
		if err != nil {
			return 0, err
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if m.SyncStatus == models.SyncStatusSynced && m.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == len(msgs) {
			continue
		}
		w, err := encode(key, kept)
		if err != nil {
			return 0, err
		}
		writes = append(writes, w)
	}
	if err := s.apply(ctx, writes); err != nil {
		return 0, err
	}
	return removed, nil
}

// =====================================================
// Case Operations
// =====================================================

func (s *Store) loadIndex(ctx context.Context) (participantIndex, error) {
	idx := participantIndex{}
	if _, err := s.getJSON(ctx, participantIdx, &idx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx participantIndex) add(key, caseID string) {
	for _, id := range idx[key] {
		if id == caseID {
			return
		}
	}
	idx[key] = append(idx[key], caseID)
}

func (idx participantIndex) remove(key, caseID string) {
	ids := idx[key]
	for i, id := range ids {
		if id == caseID {
			idx[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(idx[key]) == 0 {
		delete(idx, key)
	}
}

func (s *Store) SaveCase(ctx context.Context, rec *store.CaseRecord) error {
	if rec == nil || rec.Case == nil {
		return apperrors.New(apperrors.ErrInvalid, "case record is empty")
	}
	c := rec.Case.Clone()
	c.NormalizeUpdatedAt()
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev caseDoc
	existed, err := s.getJSON(ctx, casePrefix+c.ID, &prev)
	if err != nil {
		return err
	}
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	if existed {
		idx.remove(indexKey(models.RolePatient, prev.PatientID), c.ID)
		idx.remove(indexKey(models.RoleProvider, prev.ProviderID), c.ID)
	}
	idx.add(indexKey(models.RolePatient, c.PatientID), c.ID)
	idx.add(indexKey(models.RoleProvider, c.ProviderID), c.ID)

	doc := caseDoc{
		ID: c.ID, PatientID: c.PatientID, PatientName: c.PatientName,
		ProviderID: c.ProviderID, ProviderName: c.ProviderName,
		Status: c.Status, Subject: c.Subject, Description: c.Description, Urgency: c.Urgency,
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
		LastSyncedAt: &now, Dirty: rec.Dirty,
	}

	var writes []Write
	for _, pair := range []struct {
		key string
		v   interface{}
	}{{casePrefix + c.ID, doc}, {participantIdx, idx}} {
		w, err := encode(pair.key, pair.v)
		if err != nil {
			return err
		}
		writes = append(writes, w)
	}

	if len(c.Messages) > 0 {
		msgs, err := s.loadMessages(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, m := range c.Messages {
			m.CaseID = c.ID
			msgs = mergeMessage(msgs, m)
		}
		w, err := encode(messagePrefix+c.ID, msgs)
		if err != nil {
			return err
		}
		writes = append(writes, w)
	}

	if err := s.apply(ctx, writes); err != nil {
		return err
	}
	rec.LastSyncedAt = &now
	return nil
}

func (s *Store) loadCase(ctx context.Context, caseID string) (*store.CaseRecord, error) {
	var doc caseDoc
	found, err := s.getJSON(ctx, casePrefix+caseID, &doc)
	if err != nil || !found {
		return nil, err
	}
	msgs, err := s.loadMessages(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	models.SortMessages(msgs)
	return &store.CaseRecord{
		Case: &models.Case{
			ID: doc.ID, PatientID: doc.PatientID, PatientName: doc.PatientName,
			ProviderID: doc.ProviderID, ProviderName: doc.ProviderName,
			Status: doc.Status, Subject: doc.Subject, Description: doc.Description,
			Urgency: doc.Urgency, CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt,
			Messages: msgs,
		},
		LastSyncedAt: doc.LastSyncedAt,
		Dirty:        doc.Dirty,
	}, nil
}

func (s *Store) GetCase(ctx context.Context, caseID string) (*store.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCase(ctx, caseID)
}

func sortRecords(records []*store.CaseRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].Case, records[j].Case
		if a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.ID < b.ID
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
}

func (s *Store) GetCasesForParticipant(ctx context.Context, participantID string, role models.Role) ([]*store.CaseRecord, error) {
	if role != models.RolePatient && role != models.RoleProvider {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown role %q", role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	records := []*store.CaseRecord{}
	for _, id := range idx[indexKey(role, participantID)] {
		rec, err := s.loadCase(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	sortRecords(records)
	return records, nil
}

func (s *Store) GetDirtyCases(ctx context.Context) ([]*store.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.backend.Keys(ctx, casePrefix)
	if err != nil {
		return nil, storageErr("failed to list case keys", err)
	}
	records := []*store.CaseRecord{}
	for _, key := range keys {
		rec, err := s.loadCase(ctx, strings.TrimPrefix(key, casePrefix))
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Dirty {
			records = append(records, rec)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Case.UpdatedAt.Before(records[j].Case.UpdatedAt)
	})
	return records, nil
}

// =====================================================
// Sync Markers and Housekeeping
// =====================================================

func (s *Store) SetLastSyncTime(ctx context.Context, participantID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := encode(lastSyncPrefix+participantID, t.UTC())
	if err != nil {
		return err
	}
	return s.apply(ctx, []Write{w})
}

func (s *Store) GetLastSyncTime(ctx context.Context, participantID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t time.Time
	found, err := s.getJSON(ctx, lastSyncPrefix+participantID, &t)
	if err != nil || !found {
		return nil, err
	}
	return &t, nil
}

func (s *Store) Usage(ctx context.Context) (int64, error) {
	n, err := s.backend.Size(ctx)
	if err != nil {
		return 0, storageErr("failed to measure fallback size", err)
	}
	return n, nil
}

func (s *Store) ClearParticipant(ctx context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}

	caseIDs := map[string]bool{}
	for _, role := range []models.Role{models.RolePatient, models.RoleProvider} {
		for _, id := range idx[indexKey(role, participantID)] {
			caseIDs[id] = true
		}
	}

	var writes []Write
	for id := range caseIDs {
		var doc caseDoc
		found, err := s.getJSON(ctx, casePrefix+id, &doc)
		if err != nil {
			return err
		}
		if found {
			idx.remove(indexKey(models.RolePatient, doc.PatientID), id)
			idx.remove(indexKey(models.RoleProvider, doc.ProviderID), id)
		}
		writes = append(writes, Del(casePrefix+id), Del(messagePrefix+id))
	}
	iw, err := encode(participantIdx, idx)
	if err != nil {
		return err
	}
	writes = append(writes, iw, Del(lastSyncPrefix+participantID))
	return s.apply(ctx, writes)
}

// Opener returns a store.Opener that builds the backend on first use.
func Opener(newBackend func(ctx context.Context) (Backend, error)) store.Opener {
	return func(ctx context.Context) (store.RecordStore, error) {
		b, err := newBackend(ctx)
		if err != nil {
			return nil, storageErr("failed to open fallback backend", err)
		}
		return New(b), nil
	}
}
