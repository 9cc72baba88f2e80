package models

import (
	"math"
	"time"
)

// EngineStatus is the status the sync engine broadcasts to subscribers.
type EngineStatus string

const (
	EngineIdle    EngineStatus = "idle"
	EngineSyncing EngineStatus = "syncing"
	EngineError   EngineStatus = "error"
	EngineOffline EngineStatus = "offline"
)

// SyncState is a snapshot of the sync engine's observable state.
type SyncState struct {
	Status       EngineStatus `json:"status"`
	LastSyncTime *time.Time   `json:"last_sync_time"`
	PendingCount int          `json:"pending_count"`
	Error        string       `json:"error,omitempty"`
}

// StorageInfo reports local storage usage against an assumed ceiling.
// It is telemetry for UI warnings only; the ceiling is not enforced.
type StorageInfo struct {
	Backend    string  `json:"backend"`
	Used       int64   `json:"used"`
	Available  int64   `json:"available"`
	Percentage float64 `json:"percentage"`
}

// NewStorageInfo computes usage percentage rounded to two decimals.
func NewStorageInfo(backend string, used, available int64) StorageInfo {
	info := StorageInfo{Backend: backend, Used: used, Available: available}
	if available > 0 {
		pct := float64(used) / float64(available) * 100
		info.Percentage = math.Round(pct*100) / 100
	}
	return info
}
