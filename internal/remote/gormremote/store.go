package gormremote

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
	"github.com/kimhsiao/medcord/backend/internal/logging"
	"github.com/kimhsiao/medcord/backend/internal/models"
	"github.com/kimhsiao/medcord/backend/internal/remote"
)

// Store is a RemoteStore over gorm.
type Store struct {
	db       *gorm.DB
	notifier remote.Notifier
	now      func() time.Time
}

// Dialector returns the gorm dialector for driver. Supported drivers are
// "postgres" (alias "postgresql") and "mysql".
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	if dsn == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "remote dsn is required")
	}
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	}
	return nil, apperrors.New(apperrors.ErrInvalid, "unsupported remote driver: "+driver)
}

// Open connects to the database, migrates the schema and returns a Store.
// A nil notifier uses an in-process LocalNotifier.
func Open(ctx context.Context, driver, dsn string, notifier remote.Notifier) (*Store, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, apperrors.SyncError("failed to connect remote store", err)
	}

	s := New(db, notifier)
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}

	logging.Info("Remote store connected", map[string]interface{}{
		"component": "gormremote",
		"driver":    dialector.Name(),
	})
	return s, nil
}

// New wraps an open gorm handle.
func New(db *gorm.DB, notifier remote.Notifier) *Store {
	if notifier == nil {
		notifier = remote.NewLocalNotifier()
	}
	return &Store{db: db, notifier: notifier, now: time.Now}
}

// Migrate creates or updates the remote tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&caseRow{}, &messageRow{}); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to migrate remote schema", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrOffline, "remote store unavailable", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrOffline, "remote store unreachable", err)
	}
	return nil
}

// Close closes the connection pool and the notifier.
func (s *Store) Close() error {
	if err := s.notifier.Close(); err != nil {
		logging.Warn("Failed to close notifier", map[string]interface{}{
			"component": "gormremote",
			"error":     err.Error(),
		})
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PushMessage stores msg once per (caseID, msg.ID) and bumps the case's
// updated_at with server time. Subscribers are notified only for new rows.
func (s *Store) PushMessage(ctx context.Context, caseID string, msg *models.Message) error {
	row := toMessageRow(caseID, msg)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := messageExists(tx, caseID, msg.ID)
		if err != nil || exists {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return touchCase(tx, caseID, s.now().UTC())
	})
	if err != nil {
		// A concurrent push of the same message may have won the unique index.
		if exists, getErr := messageExists(s.db.WithContext(ctx), caseID, msg.ID); getErr == nil && exists {
			return nil
		}
		return apperrors.SyncError("failed to push message", err)
	}
	if row.ID == 0 {
		// already stored
		return nil
	}

	if err := s.notifier.Publish(ctx, caseID, row.toModel()); err != nil {
		logging.Warn("Failed to publish inserted message", map[string]interface{}{
			"component":  "gormremote",
			"case_id":    caseID,
			"message_id": msg.ID,
			"error":      err.Error(),
		})
	}
	return nil
}

func messageExists(tx *gorm.DB, caseID, messageID string) (bool, error) {
	var count int64
	err := tx.Model(&messageRow{}).
		Where("case_id = ? AND client_message_id = ?", caseID, messageID).
		Count(&count).Error
	return count > 0, err
}

// touchCase raises updated_at to now. Unknown cases are left alone.
func touchCase(tx *gorm.DB, caseID string, now time.Time) error {
	return tx.Model(&caseRow{}).
		Where("id = ? AND updated_at < ?", caseID, now).
		Update("updated_at", now).Error
}

// PushCase inserts or overwrites the case's scalar fields. updated_at never
// moves backwards.
func (s *Store) PushCase(ctx context.Context, c *models.Case) error {
	row := toCaseRow(c)
	now := s.now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev caseRow
		err := tx.Where("id = ?", c.ID).First(&prev).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if now.After(row.UpdatedAt) {
				row.UpdatedAt = now
			}
			return tx.Create(row).Error
		case err != nil:
			return err
		}

		updated := row.UpdatedAt
		for _, t := range []time.Time{prev.UpdatedAt, now} {
			if t.After(updated) {
				updated = t
			}
		}
		return tx.Model(&caseRow{}).Where("id = ?", c.ID).Updates(map[string]any{
			"patient_name":  row.PatientName,
			"provider_name": row.ProviderName,
			"status":        row.Status,
			"subject":       row.Subject,
			"description":   row.Description,
			"urgency":       row.Urgency,
			"updated_at":    updated,
		}).Error
	})
	if err != nil {
		return apperrors.SyncError("failed to push case", err)
	}
	return nil
}

// QueryCasesUpdatedSince returns the participant's cases with
// updated_at >= since, newest first.
func (s *Store) QueryCasesUpdatedSince(ctx context.Context, participantID string, since time.Time) ([]*models.Case, error) {
	var rows []caseRow
	err := s.db.WithContext(ctx).
		Where("(patient_id = ? OR provider_id = ?) AND updated_at >= ?", participantID, participantID, since.UTC()).
		Order("updated_at DESC").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.SyncError("failed to query cases", err)
	}

	out := make([]*models.Case, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// QueryMessagesForCases returns every message of the given cases.
func (s *Store) QueryMessagesForCases(ctx context.Context, caseIDs []string) ([]*models.Message, error) {
	if len(caseIDs) == 0 {
		return []*models.Message{}, nil
	}
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("case_id IN ?", caseIDs).
		Order("case_id").
		Order("timestamp").
		Order("client_message_id").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.SyncError("failed to query messages", err)
	}

	out := make([]*models.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

func (s *Store) OnCaseMessageInserted(ctx context.Context, caseID string, fn func(*models.Message)) (func(), error) {
	return s.notifier.Subscribe(ctx, caseID, fn)
}
