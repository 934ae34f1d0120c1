package cloudsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/scale-edge/internal/batches"
	"github.com/cuemby/scale-edge/internal/bus"
	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/metrics"
	"github.com/cuemby/scale-edge/internal/processor"
	"github.com/cuemby/scale-edge/internal/store"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/rs/zerolog"
)

// State is one of the sync service's three states.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// DeviceLookup is the narrow collaborator the sync service needs from the
// device registry: the global device ID each event payload carries.
type DeviceLookup interface {
	Get(deviceID string) (*types.Device, bool)
}

// Service is the cloud-sync state machine: it streams freshly-captured
// online events immediately, periodically drains the pending/failed
// backlog, and on reconnect closes every open offline batch before
// draining.
type Service struct {
	client  *Client
	retry   RetryPolicy
	reach   *reachability
	store   store.Store
	proc    *processor.Processor
	batches *batches.Manager
	devices DeviceLookup
	bus     *bus.Bus
	logger  zerolog.Logger

	batchSize     int
	batchInterval time.Duration

	mu    sync.Mutex
	state State

	sub      bus.Subscriber
	stopCh   chan struct{}
	pauseCh  chan bool
	drainNow chan struct{}
}

// NewService constructs a Service. failureThreshold is the number of
// consecutive failed calls after which the cloud is considered
// unreachable.
func NewService(
	client *Client,
	retry RetryPolicy,
	st store.Store,
	proc *processor.Processor,
	bm *batches.Manager,
	devices DeviceLookup,
	b *bus.Bus,
	batchSize int,
	batchInterval time.Duration,
	failureThreshold int,
) *Service {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Service{
		client:        client,
		retry:         retry,
		reach:         newReachability(b, failureThreshold),
		store:         st,
		proc:          proc,
		batches:       bm,
		devices:       devices,
		bus:           b,
		logger:        log.WithComponent("cloudsync"),
		batchSize:     batchSize,
		batchInterval: batchInterval,
		state:         StateStopped,
		stopCh:        make(chan struct{}),
		pauseCh:       make(chan bool, 1),
		drainNow:      make(chan struct{}, 1),
	}
}

// IsOnline reports whether the cloud is currently considered reachable.
// Satisfies processor.ReachabilityChecker.
func (s *Service) IsOnline() bool {
	return s.reach.IsOnline()
}

// Reachability returns the tracker backing IsOnline, so the transport client
// can report every call's outcome to the same instance.
func (s *Service) Reachability() *reachability {
	return s.reach
}

// Ping reports whether the cloud is currently reachable. Satisfies
// health.Pinger for the edge service's readiness endpoint.
func (s *Service) Ping(ctx context.Context) error {
	if !s.IsOnline() {
		return fmt.Errorf("cloud unreachable")
	}
	return nil
}

// SetProcessor installs the event processor after construction, breaking
// the construction cycle between the processor (which needs a
// ReachabilityChecker) and the sync service (which needs the processor to
// mark events synced/failed). Must be called before Start.
func (s *Service) SetProcessor(proc *processor.Processor) {
	s.proc = proc
}

// InstallEdgeID installs a previously-persisted edge identity without
// going through Register, used at startup when edge_config already holds
// one from a prior run.
func (s *Service) InstallEdgeID(id string) {
	s.client.SetEdgeID(id)
}

// EnsureIdentity registers with the cloud if no edge identity is yet
// established.
func (s *Service) EnsureIdentity(ctx context.Context) (*types.EdgeConfig, error) {
	if s.client.EdgeID() != "" {
		return nil, nil
	}
	return s.client.Register(ctx)
}

// Start begins the service's event-streaming and backlog-drain loops.
// Idempotent: calling Start while already running is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.sub = s.bus.Subscribe()
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop cancels both the streaming subscription and the drain ticker, and
// aborts any pending retries by way of ctx cancellation in the caller.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	sub := s.sub
	s.mu.Unlock()

	close(s.stopCh)
	if sub != nil {
		s.bus.Unsubscribe(sub)
	}
}

// Pause stops the backlog-drain timer only; streaming continues.
func (s *Service) Pause() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StatePaused
	s.mu.Unlock()
	s.pauseCh <- true
}

// Resume reinstalls the backlog-drain timer.
func (s *Service) Resume() {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.mu.Unlock()
	s.pauseCh <- false
}

func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()
	paused := false

	for {
		select {
		case evt := <-s.sub:
			if evt == nil {
				continue
			}
			s.handleBusEvent(ctx, evt)

		case <-ticker.C:
			if !paused {
				s.drainBacklog(ctx)
			}

		case <-s.drainNow:
			if !paused {
				s.drainBacklog(ctx)
			}

		case paused = <-s.pauseCh:

		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) handleBusEvent(ctx context.Context, evt *bus.Event) {
	switch evt.Topic {
	case bus.TopicEventCaptured:
		e, ok := evt.Payload.(*types.WeighingEvent)
		if !ok || e.OfflineMode {
			return
		}
		s.streamEvent(ctx, e)

	case bus.TopicCloudConnected:
		s.onReconnect()
	}
}

// streamEvent implements "per-event streaming": transition to streaming,
// then synced/failed based on the POST /events outcome.
func (s *Service) streamEvent(ctx context.Context, e *types.WeighingEvent) {
	if err := s.proc.UpdateSyncStatus(e.ID, types.SyncStatusStreaming); err != nil {
		s.logger.Warn().Err(err).Str("event_id", e.ID).Msg("failed to mark event streaming")
	}

	globalID := e.DeviceID
	if d, ok := s.devices.Get(e.DeviceID); ok {
		globalID = d.GlobalID
	}

	timer := metrics.NewTimer()
	var result EventResult
	retries, err := s.retry.Do(ctx, func() error {
		r, callErr := s.client.PostEvent(ctx, e, globalID)
		if callErr != nil {
			return callErr
		}
		result = r
		return nil
	})
	timer.ObserveDurationVec(metrics.CloudRequestDuration, "events")
	if retries > 0 {
		metrics.CloudRetriesTotal.Add(float64(retries))
	}

	if err != nil {
		metrics.EventsFailedTotal.Inc()
		if markErr := s.proc.MarkEventFailed(e.ID, err.Error()); markErr != nil {
			s.logger.Warn().Err(markErr).Str("event_id", e.ID).Msg("failed to record event failure")
		}
		return
	}

	metrics.EventsSyncedTotal.Inc()
	if markErr := s.proc.MarkEventSynced(e.ID, result.CloudEventID); markErr != nil {
		s.logger.Warn().Err(markErr).Str("event_id", e.ID).Msg("failed to record event sync")
	}
}

// onReconnect closes every still-open offline batch then triggers an
// immediate backlog drain.
func (s *Service) onReconnect() {
	if err := s.batches.EndAllOpenBatches(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close open batches on reconnect")
	}
	select {
	case s.drainNow <- struct{}{}:
	default:
	}
}

// drainBacklog fetches up to batchSize pending/failed events and posts them
// via the single-event or batch endpoint depending on the fetched count.
func (s *Service) drainBacklog(ctx context.Context) {
	events, err := s.store.ListPendingSyncEvents(s.batchSize)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list pending sync events")
		return
	}
	if len(events) == 0 {
		return
	}

	if len(events) == 1 {
		s.streamEvent(ctx, events[0])
		s.reconcileBatchesFor(events)
		return
	}

	globalID := events[0].DeviceID
	if d, ok := s.devices.Get(events[0].DeviceID); ok {
		globalID = d.GlobalID
	}

	timer := metrics.NewTimer()
	var results []EventResult
	retries, err := s.retry.Do(ctx, func() error {
		r, callErr := s.client.PostEventBatch(ctx, events, globalID)
		if callErr != nil {
			return callErr
		}
		results = r
		return nil
	})
	timer.ObserveDurationVec(metrics.CloudRequestDuration, "events.batch")
	if retries > 0 {
		metrics.CloudRetriesTotal.Add(float64(retries))
	}

	if err != nil {
		for _, e := range events {
			metrics.EventsFailedTotal.Inc()
			if markErr := s.proc.MarkEventFailed(e.ID, err.Error()); markErr != nil {
				s.logger.Warn().Err(markErr).Str("event_id", e.ID).Msg("failed to record batch failure")
			}
		}
		return
	}

	for _, r := range results {
		switch r.Status {
		case "accepted", "duplicate":
			metrics.EventsSyncedTotal.Inc()
			if markErr := s.proc.MarkEventSynced(r.LocalEventID, r.CloudEventID); markErr != nil {
				s.logger.Warn().Err(markErr).Str("event_id", r.LocalEventID).Msg("failed to record batch event sync")
			}
		default:
			metrics.EventsFailedTotal.Inc()
			if markErr := s.proc.MarkEventFailed(r.LocalEventID, r.Error); markErr != nil {
				s.logger.Warn().Err(markErr).Str("event_id", r.LocalEventID).Msg("failed to record batch event failure")
			}
		}
	}
	s.reconcileBatchesFor(events)
}

// reconcileBatchesFor marks every offline batch touched by events as synced
// once every one of its events has successfully synced.
func (s *Service) reconcileBatchesFor(events []*types.WeighingEvent) {
	seen := make(map[string]bool)
	for _, e := range events {
		if e.OfflineBatchID == nil || seen[*e.OfflineBatchID] {
			continue
		}
		seen[*e.OfflineBatchID] = true

		count, _, err := s.store.CountEventsForBatch(*e.OfflineBatchID)
		if err != nil {
			s.logger.Warn().Err(err).Str("batch_id", *e.OfflineBatchID).Msg("failed to count batch events")
			continue
		}
		outstanding, err := s.store.CountUnsyncedEventsForBatch(*e.OfflineBatchID)
		if err != nil {
			s.logger.Warn().Err(err).Str("batch_id", *e.OfflineBatchID).Msg("failed to count outstanding batch events")
			continue
		}
		if count > 0 && outstanding == 0 {
			if err := s.batches.MarkBatchSynced(*e.OfflineBatchID, nil); err != nil {
				s.logger.Warn().Err(err).Str("batch_id", *e.OfflineBatchID).Msg("failed to mark batch synced")
			}
		}
	}
}
