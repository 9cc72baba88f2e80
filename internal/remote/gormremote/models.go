// Package gormremote implements the remote store over a SQL database
// reached through gorm (postgres or mysql).
package gormremote

import (
	"time"

	"github.com/kimhsiao/medcord/backend/internal/models"
)

// caseRow is the shared, server-side copy of a case.
type caseRow struct {
	ID           string    `gorm:"type:varchar(64);primaryKey"`
	PatientID    string    `gorm:"type:varchar(64);index;not null"`
	PatientName  string    `gorm:"type:varchar(255)"`
	ProviderID   string    `gorm:"type:varchar(64);index;not null"`
	ProviderName string    `gorm:"type:varchar(255)"`
	Status       string    `gorm:"type:varchar(16);not null"`
	Subject      string    `gorm:"type:varchar(255)"`
	Description  string    `gorm:"type:text"`
	Urgency      string    `gorm:"type:varchar(16);not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"index;autoUpdateTime:false"`
}

func (caseRow) TableName() string { return "care_cases" }

// messageRow is one pushed message. (case_id, client_message_id) is unique,
// so a retried push never creates a second row.
type messageRow struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement"`
	CaseID          string    `gorm:"type:varchar(64);not null;index:uniq_case_msg,unique,priority:1;index:idx_case_msg_ts,priority:1"`
	ClientMessageID string    `gorm:"type:varchar(64);not null;index:uniq_case_msg,unique,priority:2"`
	SenderID        string    `gorm:"type:varchar(64);not null"`
	SenderName      string    `gorm:"type:varchar(255)"`
	Content         string    `gorm:"type:text;not null"`
	Timestamp       time.Time `gorm:"not null;index:idx_case_msg_ts,priority:2"`
	CreatedAt       time.Time
}

func (messageRow) TableName() string { return "case_messages" }

func toCaseRow(c *models.Case) *caseRow {
	return &caseRow{
		ID:           c.ID,
		PatientID:    c.PatientID,
		PatientName:  c.PatientName,
		ProviderID:   c.ProviderID,
		ProviderName: c.ProviderName,
		Status:       string(c.Status),
		Subject:      c.Subject,
		Description:  c.Description,
		Urgency:      string(c.Urgency),
		CreatedAt:    c.CreatedAt.UTC(),
		UpdatedAt:    c.UpdatedAt.UTC(),
	}
}

func (r *caseRow) toModel() *models.Case {
	return &models.Case{
		ID:           r.ID,
		PatientID:    r.PatientID,
		PatientName:  r.PatientName,
		ProviderID:   r.ProviderID,
		ProviderName: r.ProviderName,
		Status:       models.CaseStatus(r.Status),
		Subject:      r.Subject,
		Description:  r.Description,
		Urgency:      models.Urgency(r.Urgency),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func toMessageRow(caseID string, m *models.Message) *messageRow {
	return &messageRow{
		CaseID:          caseID,
		ClientMessageID: m.ID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		Content:         m.Content,
		Timestamp:       m.Timestamp.UTC(),
	}
}

// toModel returns the message as seen by clients: anything stored
// remotely is synced.
func (r *messageRow) toModel() *models.Message {
	return &models.Message{
		ID:         r.ClientMessageID,
		CaseID:     r.CaseID,
		SenderID:   r.SenderID,
		SenderName: r.SenderName,
		Content:    r.Content,
		Timestamp:  r.Timestamp.UTC(),
		SyncStatus: models.SyncStatusSynced,
	}
}
