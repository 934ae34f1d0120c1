package devices

import (
	"time"

	"github.com/cuemby/scale-edge/internal/types"
)

// Monitor wakes periodically and applies the stale/forced-disconnect
// transitions the registry itself cannot apply on its own, since those
// are triggered by the *absence* of activity rather than an incoming
// callback.
type Monitor struct {
	registry       *Registry
	heartbeatTimeout time.Duration
	tick           time.Duration

	// forceClose is invoked when a device's heartbeat deadline has fully
	// elapsed; the caller (the service container) wires this to the
	// scalewire.Server's Close so the monitor never imports the front-end
	// directly.
	forceClose func(socketID, reason string)

	stopCh chan struct{}
}

// NewMonitor creates a Monitor. tick defaults to heartbeatTimeout/2 when
// zero.
func NewMonitor(registry *Registry, heartbeatTimeout, tick time.Duration, forceClose func(socketID, reason string)) *Monitor {
	if tick <= 0 {
		tick = heartbeatTimeout / 2
	}
	return &Monitor{
		registry:         registry,
		heartbeatTimeout: heartbeatTimeout,
		tick:             tick,
		forceClose:       forceClose,
		stopCh:           make(chan struct{}),
	}
}

// Start begins the monitor loop in its own goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitor loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) sweep() {
	now := time.Now()
	for _, d := range m.registry.List() {
		if d.Status == types.DeviceStatusDisconnected {
			continue
		}
		if d.LastHeartbeat.IsZero() {
			continue
		}
		elapsed := now.Sub(d.LastHeartbeat)
		switch {
		case elapsed > m.heartbeatTimeout:
			if d.SocketID != "" && m.forceClose != nil {
				m.forceClose(d.SocketID, "heartbeat timeout")
			}
		case elapsed > m.heartbeatTimeout/2:
			_ = m.registry.MarkStale(d.LocalID)
		}
	}
}
