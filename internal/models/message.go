// Package models provides data model definitions for the medcord sync core.
package models

import (
	"sort"
	"time"
)

// SyncStatus is the delivery state of a single message.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a message may move from one sync status to another.
// Allowed: pending→synced, pending→failed, failed→pending. Synced is terminal.
func CanTransition(from, to SyncStatus) bool {
	switch from {
	case SyncStatusPending:
		return to == SyncStatusSynced || to == SyncStatusFailed
	case SyncStatusFailed:
		return to == SyncStatusPending
	}
	return false
}

// StickyStatus returns the status an upsert should persist when a record
// with status old is overwritten by one with status incoming.
// A synced message never regresses.
func StickyStatus(old, incoming SyncStatus) SyncStatus {
	if old == SyncStatusSynced {
		return SyncStatusSynced
	}
	return incoming
}

// Message is one chat-style entry within a case.
// The true key of a message is (CaseID, ID).
type Message struct {
	ID         string     `json:"id"`
	CaseID     string     `json:"case_id"`
	SenderID   string     `json:"sender_id"`
	SenderName string     `json:"sender_name"`
	Content    string     `json:"content"`
	Timestamp  time.Time  `json:"timestamp"`
	SyncStatus SyncStatus `json:"sync_status"`
}

// Clone returns a copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// SortMessages sorts messages ascending by timestamp.
// Ties are broken by ID so the order is deterministic.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []*Message) []*Message {
	if msgs == nil {
		return nil
	}
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Clone())
	}
	return out
}
