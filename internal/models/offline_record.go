package models

import "encoding/json"

// Sync status values reported by pages for queued attendance records.
const (
	SyncStatusPending = "pending"
	SyncStatusSynced  = "synced"
)

// OfflineRecord is a locally queued attendance event awaiting submission.
// The authoritative copy lives in the page's offline store; the worker only
// decodes snapshots from messenger replies and replays them upstream. The
// payload fields are kept as raw JSON so the replay body matches what the
// page captured.
type OfflineRecord struct {
	ID             string          `json:"id"`
	EmployeeID     string          `json:"employeeId"`
	OrganizationID string          `json:"organizationId"`
	Type           string          `json:"type"`
	Timestamp      string          `json:"timestamp"`
	BiometricData  json.RawMessage `json:"biometricData,omitempty"`
	LocationData   json.RawMessage `json:"locationData,omitempty"`
	DeviceID       string          `json:"deviceId"`
	AuthToken      string          `json:"authToken"`
	SyncStatus     string          `json:"syncStatus"`
	RetryCount     int             `json:"retryCount"`
}

// Pending reports whether the record still awaits a successful replay.
func (r OfflineRecord) Pending() bool {
	return r.SyncStatus != SyncStatusSynced
}
