// Package store implements the durable relational store: an append-only
// event log plus mutable registries (devices, session mirror, offline
// batches), opened in WAL mode with forward-only migrations and a single
// writer goroutine serializing all mutations.
package store

import "github.com/cuemby/scale-edge/internal/types"

// Store is the interface every repository method is exposed through (one
// method group per entity) so call sites depend on a narrow contract
// rather than the SQLite implementation directly.
type Store interface {
	// Edge config
	SetEdgeConfig(cfg *types.EdgeConfig) error
	GetEdgeConfig() (*types.EdgeConfig, error)

	// Devices
	UpsertDevice(d *types.Device) error
	GetDevice(localID string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	MarkAllDevicesDisconnected() error

	// Session mirror
	UpsertSession(s *types.SessionMirror) error
	GetSession(id string) (*types.SessionMirror, error)
	GetActiveSessionForDevice(deviceID string) (*types.SessionMirror, error)
	ListSessions() ([]*types.SessionMirror, error)
	DeleteSession(id string) error
	DeleteExpiredSessions() ([]string, error)

	// Offline batches
	InsertBatch(b *types.OfflineBatch) error
	GetBatch(id string) (*types.OfflineBatch, error)
	GetOpenBatchForDevice(deviceID string) (*types.OfflineBatch, error)
	ListOpenBatches() ([]*types.OfflineBatch, error)
	ListPendingSyncBatches() ([]*types.OfflineBatch, error)
	EndBatch(id string) error
	IncrementBatchCounters(id string, weightGrams int64) error
	SetBatchStatus(id string, status types.BatchStatus, cloudSessionID *string) error

	// Events
	InsertEvent(e *types.WeighingEvent) error
	GetEvent(id string) (*types.WeighingEvent, error)
	ListPendingSyncEvents(limit int) ([]*types.WeighingEvent, error)
	MarkEventSynced(id string, cloudEventID string) error
	MarkEventFailed(id string, errMsg string) error
	UpdateEventSyncStatus(id string, status types.SyncStatus) error
	CountEventsForBatch(batchID string) (count int64, totalWeightGrams int64, err error)
	CountUnsyncedEventsForBatch(batchID string) (count int64, err error)

	// PLU cache (supplements the weight-decoding open question)
	UpsertPLUCache(pluCode, productName string, forceGrams bool) error
	GetPLUCache(pluCode string) (productName string, forceGrams bool, ok bool, err error)

	// Cloud connection log
	LogCloudTransition(online bool) error

	// Utility
	Close() error
}
