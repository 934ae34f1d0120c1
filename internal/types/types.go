// Package types holds the domain model shared across the edge gateway:
// devices, mirrored sessions, offline batches, and weighing events.
package types

import "time"

// DeviceType enumerates the kinds of scale a device can be.
type DeviceType string

const (
	DeviceTypeDisassembly DeviceType = "disassembly"
	DeviceTypeRetail      DeviceType = "retail"
	DeviceTypeReceiving   DeviceType = "receiving"
)

// DeviceStatus enumerates the device-health state machine's states.
type DeviceStatus string

const (
	DeviceStatusOnline       DeviceStatus = "online"
	DeviceStatusIdle         DeviceStatus = "idle"
	DeviceStatusStale        DeviceStatus = "stale"
	DeviceStatusDisconnected DeviceStatus = "disconnected"
)

// Device is a weighing scale identified by a short local ID of form SCALE-NN.
type Device struct {
	LocalID        string // e.g. "SCALE-01"
	GlobalID       string // "<site>-<local>", set exactly once
	DisplayName    string
	Location       string
	Type           DeviceType
	Status         DeviceStatus
	LastHeartbeat  time.Time
	LastEvent      time.Time
	HeartbeatCount int64
	EventCount     int64
	ConnectedAt    time.Time
	SourceIP       string

	// SocketID is the in-memory-only back reference to the live TCP
	// connection; it is never persisted (Design Notes: ownership of live
	// sockets stays with the TCP front-end).
	SocketID string `json:"-"`
}

// SessionStatus enumerates the session-mirror's status values.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusPaused SessionStatus = "paused"
)

// SessionMirror is a read-only mirror of a cloud-owned weighing session.
type SessionMirror struct {
	ID             string // cloud-issued session ID
	DeviceID       string
	AnimalID       string
	AnimalTag      string
	AnimalSpecies  string
	OperatorID     string
	Status         SessionStatus
	CachedAt       time.Time
	LastUpdatedAt  time.Time
	ExpiresAt      time.Time
}

// BatchStatus enumerates an offline batch's reconciliation status.
type BatchStatus string

const (
	BatchStatusPending     BatchStatus = "pending"
	BatchStatusInProgress  BatchStatus = "in_progress"
	BatchStatusReconciled  BatchStatus = "reconciled"
	BatchStatusFailed      BatchStatus = "failed"
)

// OfflineBatch groups events captured while the cloud was unreachable.
type OfflineBatch struct {
	ID                string
	DeviceID          string
	StartedAt         time.Time
	EndedAt           *time.Time
	EventCount        int64
	TotalWeightGrams  int64
	Status            BatchStatus
	CloudSessionID    *string
	ReconciledAt      *time.Time
	ReconciliationMeta string
}

// SyncStatus enumerates a weighing event's cloud-sync state.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusStreaming SyncStatus = "streaming"
	SyncStatusSynced    SyncStatus = "synced"
	SyncStatusFailed    SyncStatus = "failed"
)

// WeighingEvent is a single captured weighing measurement.
type WeighingEvent struct {
	ID              string
	DeviceID        string
	SessionID       *string
	OfflineMode     bool
	OfflineBatchID  *string
	PLUCode         string
	ProductName     string
	NetWeightGrams  int64
	TareWeightGrams int64
	Barcode         string
	ScaleTimestamp  time.Time
	ReceivedAt      time.Time
	SourceIP        string
	RawLine         string
	SyncStatus      SyncStatus
	CloudEventID    *string
	SyncedAt        *time.Time
	SyncAttempts    int
	LastError       string
}

// EdgeConfig is the process-wide key/value identity record written on
// /register and read at startup.
type EdgeConfig struct {
	EdgeID   string
	SiteID   string
	SiteName string
}
