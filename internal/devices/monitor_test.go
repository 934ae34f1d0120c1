package devices

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/scale-edge/internal/types"
	"github.com/stretchr/testify/require"
)

func TestMonitorMarksStaleThenForceCloses(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.RegisterDevice("sock-1", "SCALE-01", "10.0.0.5")
	require.NoError(t, err)

	r.mu.Lock()
	r.devicesByID["SCALE-01"].LastHeartbeat = time.Now().Add(-400 * time.Millisecond)
	r.mu.Unlock()

	var mu sync.Mutex
	var closedSocket string
	m := NewMonitor(r, 500*time.Millisecond, 50*time.Millisecond, func(socketID, reason string) {
		mu.Lock()
		closedSocket = socketID
		mu.Unlock()
	})
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		d, _ := r.Get("SCALE-01")
		return d.Status == types.DeviceStatusStale
	}, time.Second, 10*time.Millisecond)

	r.mu.Lock()
	r.devicesByID["SCALE-01"].LastHeartbeat = time.Now().Add(-600 * time.Millisecond)
	r.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return closedSocket == "sock-1"
	}, time.Second, 10*time.Millisecond)
}
