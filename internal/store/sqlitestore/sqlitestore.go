// Package sqlitestore implements the on-device record store over SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/medcord/backend/internal/db"
	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/models"
	"github.com/kimhsiao/medcord/backend/internal/store"
)

// Name is reported by Store.Name.
const Name = "sqlite"

const (
	caseColumns = `id, patient_id, patient_name, provider_id, provider_name, status,
		subject, description, urgency, created_at, updated_at, last_synced_at, dirty`
	messageColumns = `case_id, id, sender_id, sender_name, content, timestamp, sync_status`
)

// Store is a store.RecordStore backed by a SQLite database.
type Store struct {
	db *db.DB

	// Prepared statements are created on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

var _ store.RecordStore = (*Store)(nil)

// New wraps an opened database.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Open opens (or creates) the database in dataDir.
func Open(dataDir string) (*Store, error) {
	database, err := db.Open(dataDir)
	if err != nil {
		return nil, apperrors.StorageError("failed to open local database", err)
	}
	return New(database), nil
}

// OpenMemory opens a private in-memory store.
func OpenMemory() (*Store, error) {
	database, err := db.OpenMemory()
	if err != nil {
		return nil, apperrors.StorageError("failed to open in-memory database", err)
	}
	return New(database), nil
}

// Opener returns a store.Opener for dataDir.
func Opener(dataDir string) store.Opener {
	return func(ctx context.Context) (store.RecordStore, error) {
		return Open(dataDir)
	}
}

func (s *Store) Name() string { return Name }

// prepare gets or creates a prepared statement from cache.
func (s *Store) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, use it and close ours.
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements and the database.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func wrap(op string, err error) error {
	return apperrors.StorageError(op, err)
}

// =====================================================
// Message Operations
// =====================================================

const upsertMessageSQL = `
	INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(case_id, id) DO UPDATE SET
		sender_id = excluded.sender_id,
		sender_name = excluded.sender_name,
		content = excluded.content,
		timestamp = excluded.timestamp,
		sync_status = CASE WHEN messages.sync_status = 'synced' THEN 'synced' ELSE excluded.sync_status END`

const bumpCaseSQL = `UPDATE cases SET updated_at = ? WHERE id = ? AND updated_at < ?`

func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := s.upsertMessage(ctx, tx, msg); err != nil {
		return err
	}
	ts := toMillis(msg.Timestamp)
	if _, err := tx.ExecContext(ctx, bumpCaseSQL, ts, msg.CaseID, ts); err != nil {
		return wrap("failed to bump case updated_at", err)
	}
	if err := tx.Commit(); err != nil {
		return wrap("failed to commit message", err)
	}
	return nil
}

// upsertMessage runs on tx alone. Preparing through s.db here would wait
// for a second connection while tx holds the only one.
func (s *Store) upsertMessage(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
	_, err := tx.ExecContext(ctx, upsertMessageSQL,
		msg.CaseID, msg.ID, msg.SenderID, msg.SenderName, msg.Content,
		toMillis(msg.Timestamp), string(msg.SyncStatus))
	if err != nil {
		return wrap("failed to save message", err)
	}
	return nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*models.Message, error) {
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return nil, wrap("failed to query messages", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, wrap("failed to query messages", err)
	}
	defer rows.Close()

	msgs := []*models.Message{}
	for rows.Next() {
		var m models.Message
		var ts int64
		var status string
		if err := rows.Scan(&m.CaseID, &m.ID, &m.SenderID, &m.SenderName, &m.Content, &ts, &status); err != nil {
			return nil, wrap("failed to scan message", err)
		}
		m.Timestamp = fromMillis(ts)
		m.SyncStatus = models.SyncStatus(status)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("failed to iterate messages", err)
	}
	return msgs, nil
}

func (s *Store) GetMessages(ctx context.Context, caseID string) ([]*models.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE case_id = ? ORDER BY timestamp ASC, id ASC`, caseID)
}

func (s *Store) GetPendingMessages(ctx context.Context) ([]*models.Message, error) {
	return s.GetMessagesByStatus(ctx, models.SyncStatusPending)
}

func (s *Store) GetMessagesByStatus(ctx context.Context, status models.SyncStatus) ([]*models.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sync_status = ? ORDER BY case_id ASC, timestamp ASC, id ASC`,
		string(status))
}

func (s *Store) UpdateMessageStatus(ctx context.Context, caseID, messageID string, status models.SyncStatus) error {
	if !status.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown sync status %q", status))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT sync_status FROM messages WHERE case_id = ? AND id = ?`, caseID, messageID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return wrap("failed to read message status", err)
	}

	from := models.SyncStatus(current)
	if from == status {
		return nil
	}
	if !models.CanTransition(from, status) {
		return apperrors.New(apperrors.ErrInvalidTransition,
			fmt.Sprintf("message %s: cannot move from %s to %s", messageID, from, status))
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET sync_status = ? WHERE case_id = ? AND id = ?`,
		string(status), caseID, messageID); err != nil {
		return wrap("failed to update message status", err)
	}
	if err := tx.Commit(); err != nil {
		return wrap("failed to commit status update", err)
	}
	return nil
}

func (s *Store) CleanupAged(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := store.RetentionCutoff(time.Now(), retention)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE sync_status = 'synced' AND timestamp < ?`, toMillis(cutoff))
	if err != nil {
		return 0, wrap("failed to clean up aged messages", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("failed to count removed messages", err)
	}
	return int(n), nil
}

// =====================================================
// Case Operations
// =====================================================

const upsertCaseSQL = `
	INSERT INTO cases (` + caseColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		patient_id = excluded.patient_id,
		patient_name = excluded.patient_name,
		provider_id = excluded.provider_id,
		provider_name = excluded.provider_name,
		status = excluded.status,
		subject = excluded.subject,
		description = excluded.description,
		urgency = excluded.urgency,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		last_synced_at = excluded.last_synced_at,
		dirty = excluded.dirty`

func (s *Store) SaveCase(ctx context.Context, rec *store.CaseRecord) error {
	if rec == nil || rec.Case == nil {
		return apperrors.New(apperrors.ErrInvalid, "case record is empty")
	}
	c := rec.Case.Clone()
	c.NormalizeUpdatedAt()
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("failed to begin transaction", err)
	}
	defer tx.Rollback()

	dirty := 0
	if rec.Dirty {
		dirty = 1
	}
	_, err = tx.ExecContext(ctx, upsertCaseSQL,
		c.ID, c.PatientID, c.PatientName, c.ProviderID, c.ProviderName, string(c.Status),
		c.Subject, c.Description, string(c.Urgency), toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
		toMillis(now), dirty)
	if err != nil {
		return wrap("failed to save case", err)
	}

	for _, m := range c.Messages {
		m.CaseID = c.ID
		if err := s.upsertMessage(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("failed to commit case", err)
	}
	stamped := fromMillis(toMillis(now))
	rec.LastSyncedAt = &stamped
	return nil
}

func (s *Store) queryCases(ctx context.Context, query string, args ...interface{}) ([]*store.CaseRecord, error) {
	stmt, err := s.prepare(ctx, query)
	if err != nil {
		return nil, wrap("failed to query cases", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, wrap("failed to query cases", err)
	}

	records := []*store.CaseRecord{}
	for rows.Next() {
		var c models.Case
		var status, urgency string
		var createdAt, updatedAt int64
		var lastSynced sql.NullInt64
		var dirty int
		err := rows.Scan(&c.ID, &c.PatientID, &c.PatientName, &c.ProviderID, &c.ProviderName,
			&status, &c.Subject, &c.Description, &urgency, &createdAt, &updatedAt, &lastSynced, &dirty)
		if err != nil {
			rows.Close()
			return nil, wrap("failed to scan case", err)
		}
		c.Status = models.CaseStatus(status)
		c.Urgency = models.Urgency(urgency)
		c.CreatedAt = fromMillis(createdAt)
		c.UpdatedAt = fromMillis(updatedAt)

		rec := &store.CaseRecord{Case: &c, Dirty: dirty == 1}
		if lastSynced.Valid {
			t := fromMillis(lastSynced.Int64)
			rec.LastSyncedAt = &t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrap("failed to iterate cases", err)
	}
	// Release the single connection before loading messages.
	rows.Close()

	for _, rec := range records {
		msgs, err := s.GetMessages(ctx, rec.Case.ID)
		if err != nil {
			return nil, err
		}
		rec.Case.Messages = msgs
	}
	return records, nil
}

func (s *Store) GetCase(ctx context.Context, caseID string) (*store.CaseRecord, error) {
	records, err := s.queryCases(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, caseID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (s *Store) GetCasesForParticipant(ctx context.Context, participantID string, role models.Role) ([]*store.CaseRecord, error) {
	var column string
	switch role {
	case models.RolePatient:
		column = "patient_id"
	case models.RoleProvider:
		column = "provider_id"
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown role %q", role))
	}
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE `+column+` = ? ORDER BY updated_at DESC, id ASC`,
		participantID)
}

func (s *Store) GetDirtyCases(ctx context.Context) ([]*store.CaseRecord, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE dirty = 1 ORDER BY updated_at ASC, id ASC`)
}

// =====================================================
// Sync Markers and Housekeeping
// =====================================================

func (s *Store) SetLastSyncTime(ctx context.Context, participantID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_markers (participant_id, last_sync_time) VALUES (?, ?)
		ON CONFLICT(participant_id) DO UPDATE SET last_sync_time = excluded.last_sync_time`,
		participantID, toMillis(t))
	if err != nil {
		return wrap("failed to save last sync time", err)
	}
	return nil
}

func (s *Store) GetLastSyncTime(ctx context.Context, participantID string) (*time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync_time FROM sync_markers WHERE participant_id = ?`, participantID).Scan(&ms)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("failed to read last sync time", err)
	}
	t := fromMillis(ms)
	return &t, nil
}

func (s *Store) Usage(ctx context.Context) (int64, error) {
	n, err := s.db.SizeBytes()
	if err != nil {
		return 0, wrap("failed to measure database size", err)
	}
	return n, nil
}

func (s *Store) ClearParticipant(ctx context.Context, participantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM messages WHERE case_id IN (SELECT id FROM cases WHERE patient_id = ? OR provider_id = ?)`,
		`DELETE FROM cases WHERE patient_id = ? OR provider_id = ?`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, participantID, participantID); err != nil {
			return wrap("failed to clear participant data", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_markers WHERE participant_id = ?`, participantID); err != nil {
		return wrap("failed to clear sync marker", err)
	}
	if err := tx.Commit(); err != nil {
		return wrap("failed to commit clear", err)
	}
	return nil
}
