package devices

import (
	"testing"
	"time"

	"github.com/cuemby/scale-edge/internal/bus"
	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/store"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	st, err := store.Open(":memory:", log.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	b.Start()
	t.Cleanup(b.Stop)

	r, err := New(st, b, "site-1", 300*time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	return r, b
}

func TestRegisterDeviceFirstTimeAssignsGlobalID(t *testing.T) {
	r, b := newTestRegistry(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	d, err := r.RegisterDevice("sock-1", "SCALE-01", "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "site-1-SCALE-01", d.GlobalID)
	assert.Equal(t, types.DeviceStatusOnline, d.Status)

	seen := map[bus.Topic]bool{}
	for i := 0; i < 3; i++ {
		evt := <-sub
		seen[evt.Topic] = true
	}
	assert.True(t, seen[bus.TopicDeviceRegistered])
	assert.True(t, seen[bus.TopicDeviceOnline])
}

func TestRegisterDeviceReconnectionReplacesSocketMapping(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.RegisterDevice("sock-1", "SCALE-01", "10.0.0.5")
	require.NoError(t, err)

	d, err := r.RegisterDevice("sock-2", "SCALE-01", "10.0.0.6")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusOnline, d.Status)

	_, ok := r.DeviceBySocket("sock-1")
	assert.False(t, ok)
	id, ok := r.DeviceBySocket("sock-2")
	require.True(t, ok)
	assert.Equal(t, "SCALE-01", id)
}

func TestOnHeartbeatTransitionsStaleToOnline(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.RegisterDevice("sock-1", "SCALE-01", "10.0.0.5")
	require.NoError(t, err)
	require.NoError(t, r.MarkStale("SCALE-01"))

	d, err := r.OnHeartbeat("sock-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusOnline, d.Status)
}

func TestOnHeartbeatTransitionsOnlineToIdleAfterThreshold(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.RegisterDevice("sock-1", "SCALE-01", "10.0.0.5")
	require.NoError(t, err)

	_, err = r.OnEvent("sock-1")
	require.NoError(t, err)

	r.mu.Lock()
	r.devicesByID["SCALE-01"].LastEvent = time.Now().Add(-time.Second)
	r.mu.Unlock()

	d, err := r.OnHeartbeat("sock-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusIdle, d.Status)
}

func TestOnEventTransitionsIdleToOnline(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.RegisterDevice("sock-1", "SCALE-01", "10.0.0.5")
	require.NoError(t, err)

	r.mu.Lock()
	r.devicesByID["SCALE-01"].Status = types.DeviceStatusIdle
	r.mu.Unlock()

	d, err := r.OnEvent("sock-1")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusOnline, d.Status)
}

func TestDisconnectDeviceClearsMappingAndPersists(t *testing.T) {
	r, b := newTestRegistry(t)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	_, err := r.RegisterDevice("sock-1", "SCALE-01", "10.0.0.5")
	require.NoError(t, err)
	drainUntil(sub, bus.TopicDeviceOnline)

	require.NoError(t, r.DisconnectDevice("sock-1", "peer closed"))

	_, ok := r.DeviceBySocket("sock-1")
	assert.False(t, ok)

	d, ok := r.Get("SCALE-01")
	require.True(t, ok)
	assert.Equal(t, types.DeviceStatusDisconnected, d.Status)

	evt := <-sub
	assert.Equal(t, bus.TopicDeviceDisconnected, evt.Topic)
}

func drainUntil(sub bus.Subscriber, topic bus.Topic) {
	for {
		evt := <-sub
		if evt.Topic == topic {
			return
		}
	}
}
