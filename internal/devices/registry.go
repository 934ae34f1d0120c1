// Package devices implements the device registry and its per-device state
// machine: in-memory maps backed by the durable store, with
// reconnect-as-registration semantics and state transitions driven by
// heartbeats, events, and socket closes.
package devices

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/scale-edge/internal/bus"
	"github.com/cuemby/scale-edge/internal/edgeerr"
	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/store"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/rs/zerolog"
)

// Registry maps device IDs to live device records and socket IDs to device
// IDs. The TCP front-end owns the socket's lifetime; the registry only ever
// holds a back-reference, never the socket handle itself.
type Registry struct {
	store  store.Store
	bus    *bus.Bus
	logger zerolog.Logger

	idleThreshold  time.Duration
	staleThreshold time.Duration

	mu             sync.RWMutex
	devicesByID    map[string]*types.Device
	deviceBySocket map[string]string
	siteID         string
}

// New loads every known device from the store, forcing each to
// disconnected, since every socket from a prior process is gone.
func New(st store.Store, b *bus.Bus, siteID string, idleThreshold, staleThreshold time.Duration) (*Registry, error) {
	if err := st.MarkAllDevicesDisconnected(); err != nil {
		return nil, fmt.Errorf("devices: mark disconnected at boot: %w", err)
	}
	all, err := st.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("devices: load devices: %w", err)
	}

	r := &Registry{
		store:          st,
		bus:            b,
		logger:         log.WithComponent("devices"),
		idleThreshold:  idleThreshold,
		staleThreshold: staleThreshold,
		devicesByID:    make(map[string]*types.Device),
		deviceBySocket: make(map[string]string),
		siteID:         siteID,
	}
	for _, d := range all {
		r.devicesByID[d.LocalID] = d
	}
	return r, nil
}

// RegisterDevice handles a SCALE-NN registration line. A first-ever
// registration creates the record with a globally-unique ID derived from
// the site identifier; a subsequent registration for a known local ID is
// treated as reconnection: the previous socket mapping is dropped, the new
// one installed, and the device transitions to online. Every registration,
// first or repeat, counts as one heartbeat.
func (r *Registry) RegisterDevice(socketID, localID, sourceIP string) (*types.Device, error) {
	r.mu.Lock()

	d, existed := r.devicesByID[localID]
	now := time.Now()
	if !existed {
		d = &types.Device{
			LocalID:        localID,
			GlobalID:       fmt.Sprintf("%s-%s", r.siteID, localID),
			Status:         types.DeviceStatusOnline,
			ConnectedAt:    now,
			SourceIP:       sourceIP,
			SocketID:       socketID,
			HeartbeatCount: 1,
		}
		r.devicesByID[localID] = d
	} else {
		if d.SocketID != "" {
			delete(r.deviceBySocket, d.SocketID)
		}
		d.SocketID = socketID
		d.Status = types.DeviceStatusOnline
		d.ConnectedAt = now
		d.SourceIP = sourceIP
		d.HeartbeatCount++
	}
	r.deviceBySocket[socketID] = localID
	snapshot := *d
	r.mu.Unlock()

	if err := r.store.UpsertDevice(&snapshot); err != nil {
		return nil, fmt.Errorf("devices: persist %s: %w", localID, err)
	}

	if !existed {
		r.bus.Publish(bus.TopicDeviceRegistered, &snapshot)
	}
	r.bus.Publish(bus.TopicDeviceConnected, &snapshot)
	r.bus.Publish(bus.TopicDeviceOnline, &snapshot)
	return &snapshot, nil
}

// OnHeartbeat updates last_heartbeat_at, transitions stale -> online, and
// applies the idle transition when the device has had no event activity
// for at least idleThreshold.
func (r *Registry) OnHeartbeat(socketID string) (*types.Device, error) {
	d, err := r.mutate(socketID, func(d *types.Device) (bus.Topic, bool) {
		now := time.Now()
		d.LastHeartbeat = now
		d.HeartbeatCount++

		switch {
		case d.Status == types.DeviceStatusStale:
			d.Status = types.DeviceStatusOnline
			return bus.TopicDeviceOnline, true
		case d.Status == types.DeviceStatusOnline && !d.LastEvent.IsZero() && now.Sub(d.LastEvent) >= r.idleThreshold:
			d.Status = types.DeviceStatusIdle
			return bus.TopicDeviceIdle, true
		}
		return bus.TopicDeviceUpdated, true
	})
	return d, err
}

// OnEvent updates last_event_at and transitions any active state to online.
func (r *Registry) OnEvent(socketID string) (*types.Device, error) {
	return r.mutate(socketID, func(d *types.Device) (bus.Topic, bool) {
		d.LastEvent = time.Now()
		d.EventCount++
		if d.Status != types.DeviceStatusOnline {
			d.Status = types.DeviceStatusOnline
			return bus.TopicDeviceOnline, true
		}
		return bus.TopicDeviceUpdated, true
	})
}

// MarkStale transitions a device to stale. Called by the Monitor when a
// heartbeat deadline has been missed by less than the full timeout.
func (r *Registry) MarkStale(deviceID string) error {
	r.mu.Lock()
	d, ok := r.devicesByID[deviceID]
	if !ok {
		r.mu.Unlock()
		return edgeerr.ErrNotFound
	}
	if d.Status == types.DeviceStatusStale || d.Status == types.DeviceStatusDisconnected {
		r.mu.Unlock()
		return nil
	}
	d.Status = types.DeviceStatusStale
	snapshot := *d
	r.mu.Unlock()

	if err := r.store.UpsertDevice(&snapshot); err != nil {
		return fmt.Errorf("devices: persist stale %s: %w", deviceID, err)
	}
	r.bus.Publish(bus.TopicDeviceStale, &snapshot)
	return nil
}

// DisconnectDevice clears the socket mapping and marks the device
// disconnected, regardless of whether the close was peer-, server-, or
// error-initiated.
func (r *Registry) DisconnectDevice(socketID, reason string) error {
	r.mu.Lock()
	deviceID, ok := r.deviceBySocket[socketID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.deviceBySocket, socketID)

	d, ok := r.devicesByID[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	d.SocketID = ""
	d.Status = types.DeviceStatusDisconnected
	snapshot := *d
	r.mu.Unlock()

	if err := r.store.UpsertDevice(&snapshot); err != nil {
		return fmt.Errorf("devices: persist disconnect %s: %w", deviceID, err)
	}
	r.logger.Info().Str("device_id", deviceID).Str("reason", reason).Msg("device disconnected")
	r.bus.Publish(bus.TopicDeviceDisconnected, &snapshot)
	return nil
}

// DeviceBySocket resolves the device ID mapped to socketID, if any.
func (r *Registry) DeviceBySocket(socketID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.deviceBySocket[socketID]
	return id, ok
}

// Get returns a copy of the device record by ID.
func (r *Registry) Get(deviceID string) (*types.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devicesByID[deviceID]
	if !ok {
		return nil, false
	}
	snapshot := *d
	return &snapshot, true
}

// List returns a snapshot of every known device.
func (r *Registry) List() []*types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Device, 0, len(r.devicesByID))
	for _, d := range r.devicesByID {
		snapshot := *d
		out = append(out, &snapshot)
	}
	return out
}

// mutate applies fn to the device mapped to socketID under the registry's
// lock, persists the result, and publishes the returned topic.
func (r *Registry) mutate(socketID string, fn func(d *types.Device) (bus.Topic, bool)) (*types.Device, error) {
	r.mu.Lock()
	deviceID, ok := r.deviceBySocket[socketID]
	if !ok {
		r.mu.Unlock()
		return nil, edgeerr.ErrNotFound
	}
	d, ok := r.devicesByID[deviceID]
	if !ok {
		r.mu.Unlock()
		return nil, edgeerr.ErrNotFound
	}
	topic, changed := fn(d)
	snapshot := *d
	r.mu.Unlock()

	if !changed {
		return &snapshot, nil
	}
	if err := r.store.UpsertDevice(&snapshot); err != nil {
		return nil, fmt.Errorf("devices: persist %s: %w", deviceID, err)
	}
	r.bus.Publish(topic, &snapshot)
	return &snapshot, nil
}
