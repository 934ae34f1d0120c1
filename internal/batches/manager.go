// Package batches implements the offline-batch manager: it groups weighing
// events captured while the cloud is unreachable into a batch per device,
// and reconciles that batch once the backlog has synced.
package batches

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/scale-edge/internal/bus"
	"github.com/cuemby/scale-edge/internal/edgeerr"
	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/store"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager holds the current open batch per device: at most one batch may
// be open per device at a time.
type Manager struct {
	store  store.Store
	bus    *bus.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	current map[string]*types.OfflineBatch // device ID -> open batch
}

// New constructs a Manager and adopts every open batch found in the store
// (ended_at IS NULL), one per device, so a restart with multiple devices
// offline at once resumes all of them.
func New(st store.Store, b *bus.Bus) (*Manager, error) {
	m := &Manager{
		store:   st,
		bus:     b,
		logger:  log.WithComponent("batches"),
		current: make(map[string]*types.OfflineBatch),
	}

	open, err := st.ListOpenBatches()
	if err != nil {
		return nil, fmt.Errorf("batches: load open batches: %w", err)
	}
	for _, b := range open {
		m.current[b.DeviceID] = b
	}
	return m, nil
}

// StartBatch inserts a new batch for deviceID and makes it current.
func (m *Manager) StartBatch(deviceID string) (*types.OfflineBatch, error) {
	b := &types.OfflineBatch{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		StartedAt: time.Now(),
		Status:    types.BatchStatusPending,
	}
	if err := m.store.InsertBatch(b); err != nil {
		return nil, fmt.Errorf("batches: insert %s: %w", deviceID, err)
	}

	m.mu.Lock()
	m.current[deviceID] = b
	m.mu.Unlock()

	m.bus.Publish(bus.TopicBatchStarted, b)
	return b, nil
}

// CurrentOrNewBatch returns the open batch for deviceID, starting one if
// none is open.
func (m *Manager) CurrentOrNewBatch(deviceID string) (*types.OfflineBatch, error) {
	m.mu.Lock()
	b, ok := m.current[deviceID]
	m.mu.Unlock()
	if ok {
		return b, nil
	}
	return m.StartBatch(deviceID)
}

// EndBatch closes a batch (sets ended_at) and clears it as current if it
// still is.
func (m *Manager) EndBatch(batchID string) error {
	b, err := m.store.GetBatch(batchID)
	if err != nil {
		return fmt.Errorf("batches: get %s: %w", batchID, err)
	}
	if err := m.store.EndBatch(batchID); err != nil {
		return fmt.Errorf("batches: end %s: %w", batchID, err)
	}

	m.mu.Lock()
	if cur, ok := m.current[b.DeviceID]; ok && cur.ID == batchID {
		delete(m.current, b.DeviceID)
	}
	m.mu.Unlock()

	b, err = m.store.GetBatch(batchID)
	if err != nil {
		return fmt.Errorf("batches: reload %s: %w", batchID, err)
	}
	m.bus.Publish(bus.TopicBatchEnded, b)
	return nil
}

// EndAllOpenBatches closes every currently-open batch. Called on cloud
// reconnect.
func (m *Manager) EndAllOpenBatches() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.current))
	for _, b := range m.current {
		ids = append(ids, b.ID)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.EndBatch(id); err != nil {
			return err
		}
	}
	return nil
}

// IncrementEventCount atomically bumps a batch's event_count and
// total_weight_grams by one event's weight.
func (m *Manager) IncrementEventCount(batchID string, weightGrams int64) error {
	if err := m.store.IncrementBatchCounters(batchID, weightGrams); err != nil {
		return fmt.Errorf("batches: increment %s: %w", batchID, err)
	}
	return nil
}

// MarkBatchSyncing transitions a batch to in_progress.
func (m *Manager) MarkBatchSyncing(batchID string) error {
	if err := m.store.SetBatchStatus(batchID, types.BatchStatusInProgress, nil); err != nil {
		return fmt.Errorf("batches: mark syncing %s: %w", batchID, err)
	}
	return nil
}

// MarkBatchSynced transitions a batch to reconciled, recording the
// optional cloud session ID it reconciled to.
func (m *Manager) MarkBatchSynced(batchID string, cloudSessionID *string) error {
	if err := m.store.SetBatchStatus(batchID, types.BatchStatusReconciled, cloudSessionID); err != nil {
		return fmt.Errorf("batches: mark synced %s: %w", batchID, err)
	}
	b, err := m.store.GetBatch(batchID)
	if err != nil {
		return fmt.Errorf("batches: reload %s: %w", batchID, err)
	}
	m.bus.Publish(bus.TopicBatchSynced, b)
	return nil
}

// GetOpenBatchForDevice returns the device's current open batch, or
// edgeerr.ErrNoOpenBatch if none.
func (m *Manager) GetOpenBatchForDevice(deviceID string) (*types.OfflineBatch, error) {
	m.mu.Lock()
	b, ok := m.current[deviceID]
	m.mu.Unlock()
	if !ok {
		return nil, edgeerr.ErrNoOpenBatch
	}
	return b, nil
}

// GetBatch looks up a batch by ID.
func (m *Manager) GetBatch(batchID string) (*types.OfflineBatch, error) {
	return m.store.GetBatch(batchID)
}

// ListPendingSync returns every batch awaiting reconciliation.
func (m *Manager) ListPendingSync() ([]*types.OfflineBatch, error) {
	return m.store.ListPendingSyncBatches()
}
