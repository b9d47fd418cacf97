package models

import (
	"time"
)

// ActionType names the kind of deferred work an Action carries.
type ActionType string

const (
	ActionGenerateScenes ActionType = "GENERATE_SCENES"
	ActionGenerateImage  ActionType = "GENERATE_IMAGE"
	ActionGenerateVideo  ActionType = "GENERATE_VIDEO"
	ActionSyncProject    ActionType = "SYNC_PROJECT"
	ActionBackupData     ActionType = "BACKUP_DATA"
	ActionExportData     ActionType = "EXPORT_DATA"
)

// ActionTypes lists every known type in a stable order.
var ActionTypes = []ActionType{
	ActionGenerateScenes,
	ActionGenerateImage,
	ActionGenerateVideo,
	ActionSyncProject,
	ActionBackupData,
	ActionExportData,
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActionStatus enumerates lifecycle states persisted in the actions table.
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusProcessing ActionStatus = "processing"
	StatusCompleted  ActionStatus = "completed"
	StatusFailed     ActionStatus = "failed"
)

// Terminal reports whether no further automatic transition leaves s.
func (s ActionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s ActionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Action is a single deferred unit of work.
type Action struct {
	ID          string       `json:"id"`
	Type        ActionType   `json:"type"`
	Payload     Payload      `json:"payload"`
	Status      ActionStatus `json:"status"`
	RetryCount  int          `json:"retry_count"`
	LastError   string       `json:"last_error,omitempty"`
	Priority    int          `json:"priority"`
	Result      string       `json:"result,omitempty"`
	NextRunAt   time.Time    `json:"next_run_at"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

// Due reports whether the action may be attempted at now.
func (a Action) Due(now time.Time) bool {
	return !a.NextRunAt.After(now)
}
