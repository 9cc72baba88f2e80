package models

import (
	"sort"
	"strings"
	"time"
)

// CaseStatus is the lifecycle status of a consultation thread.
type CaseStatus string

const (
	CaseStatusPending  CaseStatus = "pending"
	CaseStatusReviewed CaseStatus = "reviewed"
	CaseStatusResolved CaseStatus = "resolved"
)

var caseStatusRank = map[CaseStatus]int{
	CaseStatusPending:  0,
	CaseStatusReviewed: 1,
	CaseStatusResolved: 2,
}

// Valid reports whether s is a known case status.
func (s CaseStatus) Valid() bool {
	_, ok := caseStatusRank[s]
	return ok
}

// CanTransitionCase reports whether a local status change is allowed.
// Status only moves forward, and resolved is terminal.
func CanTransitionCase(from, to CaseStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == CaseStatusResolved {
		return false
	}
	return caseStatusRank[to] > caseStatusRank[from]
}

// Urgency is the triage urgency of a case.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyEmergency Urgency = "emergency"
)

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyEmergency:
		return true
	}
	return false
}

// Role is the participant's side of a case.
type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
)

// ParseRole parses a role name. "doctor" is accepted as an alias for provider.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return RolePatient, true
	case "provider", "doctor":
		return RoleProvider, true
	}
	return "", false
}

// Participant identifies the local user of the sync core.
type Participant struct {
	ID          string `json:"id" toml:"id"`
	Role        Role   `json:"role" toml:"role"`
	DisplayName string `json:"display_name" toml:"display_name"`
}

// Case is a single patient–provider consultation thread.
type Case struct {
	ID           string     `json:"id"`
	PatientID    string     `json:"patient_id"`
	PatientName  string     `json:"patient_name"`
	ProviderID   string     `json:"provider_id"`
	ProviderName string     `json:"provider_name"`
	Status       CaseStatus `json:"status"`
	Subject      string     `json:"subject"`
	Description  string     `json:"description"`
	Urgency      Urgency    `json:"urgency"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Messages     []*Message `json:"messages"`
}

// Clone returns a deep copy of the case, messages included.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = CloneMessages(c.Messages)
	return &out
}

// HasParticipant reports whether id is the case's patient or provider.
func (c *Case) HasParticipant(id string) bool {
	return id != "" && (c.PatientID == id || c.ProviderID == id)
}

// InvolvesAs reports whether id takes part in the case with the given role.
func (c *Case) InvolvesAs(id string, role Role) bool {
	switch role {
	case RolePatient:
		return c.PatientID == id
	case RoleProvider:
		return c.ProviderID == id
	}
	return false
}

// NewestMessageTime returns the timestamp of the newest message, or zero.
func (c *Case) NewestMessageTime() time.Time {
	var newest time.Time
	for _, m := range c.Messages {
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	return newest
}

// NormalizeUpdatedAt raises UpdatedAt so that it is never before CreatedAt
// or the newest message.
func (c *Case) NormalizeUpdatedAt() {
	if c.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = c.CreatedAt
	}
	if newest := c.NewestMessageTime(); newest.After(c.UpdatedAt) {
		c.UpdatedAt = newest
	}
}

// SortCasesByUpdated sorts cases descending by UpdatedAt, ties by ID.
func SortCasesByUpdated(cases []*Case) {
	sort.SliceStable(cases, func(i, j int) bool {
		if cases[i].UpdatedAt.Equal(cases[j].UpdatedAt) {
			return cases[i].ID < cases[j].ID
		}
		return cases[i].UpdatedAt.After(cases[j].UpdatedAt)
	})
}
