// Package models defines the data types shared across the mirroring
// pipeline: authenticated sessions, registry entries, decoded change
// records, and the persistent audit rows written by the synchronizer.
package models

import (
	"time"
)

// OperationKind is the kind of change carried by a change event.
type OperationKind string

const (
	OperationCreate   OperationKind = "CREATE"
	OperationUpdate   OperationKind = "UPDATE"
	OperationDelete   OperationKind = "DELETE"
	OperationUndelete OperationKind = "UNDELETE"
)

// ParseOperationKind maps a raw operation string to an OperationKind.
// Unrecognized or empty values default to UPDATE, matching the most
// common change-event shape where the kind is omitted.
func ParseOperationKind(s string) OperationKind {
	switch OperationKind(s) {
	case OperationCreate, OperationUpdate, OperationDelete, OperationUndelete:
		return OperationKind(s)
	default:
		return OperationUpdate
	}
}

// Session is an authenticated session against one remote endpoint.
// Sessions are owned by the session cache and are immutable once
// issued; renewal replaces the whole value.
type Session struct {
	EndpointKey   string
	Token         string
	ServerBaseURL string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// ValidAt reports whether the session may still be handed out at the
// given instant. A session within safetyBuffer of its expiry is treated
// as already expired so callers never race the remote platform's clock.
func (s *Session) ValidAt(now time.Time, safetyBuffer time.Duration) bool {
	if s == nil || s.Token == "" {
		return false
	}
	return now.Before(s.ExpiresAt.Add(-safetyBuffer))
}

// SyncTarget is one object type opted into real-time mirroring. The
// set of targets lives in the sync_targets table and is loaded into
// the in-memory registry on refresh.
type SyncTarget struct {
	ObjectType        string `gorm:"primaryKey;column:object_type" json:"objectType"`
	DisplayLabel      string `gorm:"column:display_label" json:"displayLabel"`
	IsRealtimeEnabled bool   `gorm:"column:is_realtime_enabled" json:"isRealtimeEnabled"`
	IsCustomType      bool   `gorm:"column:is_custom_type" json:"isCustomType"`
}

// TableName returns the table name for sync targets.
func (SyncTarget) TableName() string {
	return "sync_targets"
}

// ChangeRecord is a single decoded change event. It is transient:
// created per received message, applied once, never persisted as-is.
type ChangeRecord struct {
	ObjectType      string
	RecordID        string
	Operation       OperationKind
	FieldValues     map[string]any
	SourceTimestamp time.Time
	AckHandle       string
}

// SyncStatus is the recorded outcome of processing one change record.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "SUCCESS"
	SyncStatusFailed  SyncStatus = "FAILED"
)

// SyncLogEntry is one append-only audit row per processed change
// record. Entries are immutable once written.
type SyncLogEntry struct {
	ID                 uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	ObjectType         string        `gorm:"not null;index:idx_sync_log_object" json:"objectType"`
	RecordID           string        `gorm:"not null;index:idx_sync_log_object" json:"recordId"`
	Operation          OperationKind `gorm:"not null" json:"operation"`
	Status             SyncStatus    `gorm:"not null" json:"status"`
	ErrorMessage       string        `gorm:"type:text" json:"errorMessage,omitempty"`
	SourceTimestamp    time.Time     `json:"sourceTimestamp"`
	ProcessedTimestamp time.Time     `gorm:"not null;index" json:"processedTimestamp"`
}

// TableName returns the table name for the realtime sync audit log.
func (SyncLogEntry) TableName() string {
	return "realtime_sync_log"
}

// APICallLog is a best-effort record of one rate-tracked call against
// the remote platform. Writing it must never block or fail the call
// path it describes.
type APICallLog struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	APICategory    string    `gorm:"not null;index" json:"apiCategory"`
	Operation      string    `gorm:"not null" json:"operation"`
	DurationMillis int64     `json:"durationMillis"`
	Status         string    `gorm:"not null" json:"status"`
	ErrorMessage   string    `gorm:"type:text" json:"errorMessage,omitempty"`
	CalledAt       time.Time `gorm:"not null;index" json:"calledAt"`
}

// TableName returns the table name for the API call log.
func (APICallLog) TableName() string {
	return "api_call_log"
}

// RateBudget is the tracked usage for one API category within one
// window. The in-memory counters are authoritative while the process
// runs; rows exist so hard quotas survive a restart mid-window.
type RateBudget struct {
	APICategory string    `gorm:"primaryKey;column:api_category" json:"apiCategory"`
	Window      string    `gorm:"primaryKey;column:window" json:"window"`
	WindowStart time.Time `gorm:"column:window_start" json:"windowStart"`
	Used        int64     `gorm:"column:used" json:"used"`
	Limit       int64     `gorm:"column:max_limit" json:"limit"`
}

// TableName returns the table name for persisted rate budgets.
func (RateBudget) TableName() string {
	return "rate_budgets"
}

// ObjectDetail describes one registered object in a statistics snapshot.
type ObjectDetail struct {
	ObjectType   string `json:"objectType"`
	DisplayLabel string `json:"displayLabel"`
	IsCustomType bool   `json:"isCustomType"`
}

// ObjectStats aggregates registry contents for a statistics snapshot.
type ObjectStats struct {
	TotalCount    int            `json:"totalCount"`
	StandardCount int            `json:"standardCount"`
	CustomCount   int            `json:"customCount"`
	Objects       []ObjectDetail `json:"objects"`
}

// SubscriptionStats reports change-event subscription connectivity.
type SubscriptionStats struct {
	IsSubscribed bool   `json:"isSubscribed"`
	State        string `json:"state"`
}

// StatsSnapshot is the JSON-serializable view of the mirroring service
// exposed to the admin layer. Building it never blocks the hot path.
type StatsSnapshot struct {
	IsRunning    bool              `json:"isRunning"`
	StartTime    *time.Time        `json:"startTime,omitempty"`
	Uptime       string            `json:"uptime,omitempty"`
	Objects      ObjectStats       `json:"objects"`
	Subscription SubscriptionStats `json:"subscription"`
}
