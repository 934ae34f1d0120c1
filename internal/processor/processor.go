// Package processor implements the event processor: it turns
// a parsed weighing packet into exactly one persisted event, deduplicating
// near-simultaneous duplicate packets, tagging each event with the active
// session or offline batch, and driving the event's sync-state transitions.
package processor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/scale-edge/internal/bus"
	"github.com/cuemby/scale-edge/internal/edgeerr"
	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/scaleproto"
	"github.com/cuemby/scale-edge/internal/store"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReachabilityChecker is the narrow collaborator the processor needs from
// the cloud-sync client, kept local to avoid importing internal/cloudsync.
type ReachabilityChecker interface {
	IsOnline() bool
}

// SessionLookup is the narrow collaborator the processor needs from the
// session cache.
type SessionLookup interface {
	GetActiveSessionForDevice(deviceID string) *types.SessionMirror
}

// BatchAssigner is the narrow collaborator the processor needs from the
// offline-batch manager.
type BatchAssigner interface {
	CurrentOrNewBatch(deviceID string) (*types.OfflineBatch, error)
	IncrementEventCount(batchID string, weightGrams int64) error
}

// dedupKey is the deduplication signature: device, PLU, and net weight,
// intentionally excluding the scale timestamp.
type dedupKey struct {
	deviceID    string
	pluCode     string
	weightGrams int64
}

// DefaultDedupWindow is the default interval within which two packets
// sharing a signature are treated as the same logical measurement.
const DefaultDedupWindow = 5 * time.Second

// Processor turns parsed weighing packets into persisted events.
type Processor struct {
	store    store.Store
	bus      *bus.Bus
	cloud    ReachabilityChecker
	sessions SessionLookup
	batches  BatchAssigner
	logger   zerolog.Logger

	dedupWindow time.Duration

	mu    sync.Mutex
	dedup map[dedupKey]time.Time
}

// New constructs a Processor. cloud, sessions, and batches may be nil during
// early bring-up; a nil cloud checker is treated as "offline" and a nil
// sessions/batches collaborator simply skips that half of tagging.
func New(st store.Store, b *bus.Bus, cloud ReachabilityChecker, sessions SessionLookup, batches BatchAssigner, dedupWindow time.Duration) *Processor {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Processor{
		store:       st,
		bus:         b,
		cloud:       cloud,
		sessions:    sessions,
		batches:     batches,
		logger:      log.WithComponent("processor"),
		dedupWindow: dedupWindow,
		dedup:       make(map[dedupKey]time.Time),
	}
}

// Process normalizes a parsed weighing packet for deviceID into a persisted
// event. Returns (nil, nil) when the packet is a dedup hit or a harmless
// duplicate-constraint no-op; both are logged, not surfaced as errors.
func (p *Processor) Process(w *scaleproto.Weighing, deviceID, sourceIP string) (*types.WeighingEvent, error) {
	now := time.Now()
	key := dedupKey{deviceID: deviceID, pluCode: w.Barcode, weightGrams: w.NetWeightGrams}

	if p.seenRecently(key, now) {
		p.logger.Debug().Str("device_id", deviceID).Str("plu", w.Barcode).Msg("dropped duplicate weighing packet")
		return nil, nil
	}

	evt := &types.WeighingEvent{
		ID:              uuid.NewString(),
		DeviceID:        deviceID,
		PLUCode:         w.Barcode,
		ProductName:     w.ProductName,
		NetWeightGrams:  w.NetWeightGrams,
		TareWeightGrams: w.TareWeightGrams,
		Barcode:         w.Barcode,
		ScaleTimestamp:  w.ScaleTime,
		ReceivedAt:      now,
		SourceIP:        sourceIP,
		RawLine:         w.RawLine,
		SyncStatus:      types.SyncStatusPending,
	}

	if err := p.tag(evt); err != nil {
		return nil, fmt.Errorf("processor: tag %s: %w", deviceID, err)
	}

	if err := p.store.InsertEvent(evt); err != nil {
		if err == edgeerr.ErrDuplicateEvent {
			p.logger.Debug().Str("device_id", deviceID).Str("event_id", evt.ID).Msg("duplicate event rejected by store")
			return nil, nil
		}
		return nil, fmt.Errorf("processor: insert %s: %w", deviceID, err)
	}

	if evt.OfflineMode && evt.OfflineBatchID != nil {
		if err := p.batches.IncrementEventCount(*evt.OfflineBatchID, evt.NetWeightGrams); err != nil {
			p.logger.Warn().Err(err).Str("batch_id", *evt.OfflineBatchID).Msg("failed to increment batch counters")
		}
	}

	p.bus.Publish(bus.TopicEventCaptured, evt)
	return evt, nil
}

// tag marks evt as online/session-attached or offline/batch-attached.
func (p *Processor) tag(evt *types.WeighingEvent) error {
	online := p.cloud != nil && p.cloud.IsOnline()
	if online {
		evt.OfflineMode = false
		if p.sessions != nil {
			if sess := p.sessions.GetActiveSessionForDevice(evt.DeviceID); sess != nil {
				id := sess.ID
				evt.SessionID = &id
			}
		}
		return nil
	}

	evt.OfflineMode = true
	if p.batches == nil {
		return nil
	}
	batch, err := p.batches.CurrentOrNewBatch(evt.DeviceID)
	if err != nil {
		return fmt.Errorf("get current batch: %w", err)
	}
	evt.OfflineBatchID = &batch.ID
	return nil
}

// seenRecently reports whether key was recorded within the dedup window and
// records the new observation, pruning stale entries as it goes.
func (p *Processor) seenRecently(key dedupKey, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for k, ts := range p.dedup {
		if now.Sub(ts) >= p.dedupWindow {
			delete(p.dedup, k)
		}
	}

	if ts, ok := p.dedup[key]; ok && now.Sub(ts) < p.dedupWindow {
		p.dedup[key] = now
		return true
	}
	p.dedup[key] = now
	return false
}

// MarkEventSynced records a successful cloud sync and publishes event:synced.
func (p *Processor) MarkEventSynced(eventID, cloudEventID string) error {
	if err := p.store.MarkEventSynced(eventID, cloudEventID); err != nil {
		return fmt.Errorf("processor: mark synced %s: %w", eventID, err)
	}
	evt, err := p.store.GetEvent(eventID)
	if err != nil {
		return fmt.Errorf("processor: reload %s: %w", eventID, err)
	}
	p.bus.Publish(bus.TopicEventSynced, evt)
	return nil
}

// MarkEventFailed records a sync failure and publishes event:failed.
func (p *Processor) MarkEventFailed(eventID, reason string) error {
	if err := p.store.MarkEventFailed(eventID, reason); err != nil {
		return fmt.Errorf("processor: mark failed %s: %w", eventID, err)
	}
	evt, err := p.store.GetEvent(eventID)
	if err != nil {
		return fmt.Errorf("processor: reload %s: %w", eventID, err)
	}
	p.bus.Publish(bus.TopicEventFailed, evt)
	return nil
}

// UpdateSyncStatus sets an event's sync_status without touching attempt
// counters or timestamps (used for the pending -> streaming transition).
func (p *Processor) UpdateSyncStatus(eventID string, status types.SyncStatus) error {
	if err := p.store.UpdateEventSyncStatus(eventID, status); err != nil {
		return fmt.Errorf("processor: update sync status %s: %w", eventID, err)
	}
	return nil
}
