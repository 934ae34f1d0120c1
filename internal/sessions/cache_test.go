package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/store"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, expiry time.Duration) *Cache {
	t.Helper()
	st, err := store.Open(":memory:", log.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.UpsertDevice(&types.Device{LocalID: "SCALE-01"}))
	return New(st, expiry)
}

func TestHandleSessionStartThenGetActive(t *testing.T) {
	c := newTestCache(t, time.Hour)

	require.NoError(t, c.HandleSessionStart(&types.SessionMirror{
		ID: "sess-1", DeviceID: "SCALE-01", Status: types.SessionStatusActive, AnimalTag: "TAG-1",
	}))

	active := c.GetActiveSessionForDevice("SCALE-01")
	require.NotNil(t, active)
	assert.Equal(t, "sess-1", active.ID)
}

func TestGetActiveSessionForDeviceIgnoresExpired(t *testing.T) {
	c := newTestCache(t, -time.Minute)

	require.NoError(t, c.HandleSessionStart(&types.SessionMirror{
		ID: "sess-1", DeviceID: "SCALE-01", Status: types.SessionStatusActive,
	}))

	assert.Nil(t, c.GetActiveSessionForDevice("SCALE-01"))
}

func TestHandleSessionEndRemovesFromCache(t *testing.T) {
	c := newTestCache(t, time.Hour)
	require.NoError(t, c.HandleSessionStart(&types.SessionMirror{
		ID: "sess-1", DeviceID: "SCALE-01", Status: types.SessionStatusActive,
	}))

	require.NoError(t, c.HandleSessionEnd("sess-1"))
	assert.Nil(t, c.GetActiveSessionForDevice("SCALE-01"))
	assert.Empty(t, c.List())
}

func TestReconcileInsertsUpdatesAndDeletes(t *testing.T) {
	c := newTestCache(t, time.Hour)
	require.NoError(t, c.HandleSessionStart(&types.SessionMirror{
		ID: "sess-old", DeviceID: "SCALE-01", Status: types.SessionStatusActive,
	}))

	err := c.Reconcile([]string{"SCALE-01"}, []*types.SessionMirror{
		{ID: "sess-new", DeviceID: "SCALE-01", Status: types.SessionStatusActive, AnimalTag: "TAG-9"},
	})
	require.NoError(t, err)

	active := c.GetActiveSessionForDevice("SCALE-01")
	require.NotNil(t, active)
	assert.Equal(t, "sess-new", active.ID)

	_, err = c.store.GetSession("sess-old")
	assert.Error(t, err)
}

type fakeFetcher struct {
	sessions []*types.SessionMirror
}

func (f *fakeFetcher) GetSessions(ctx context.Context, deviceIDs []string) ([]*types.SessionMirror, error) {
	return f.sessions, nil
}

type fakeDeviceLister struct {
	devices []*types.Device
}

func (f *fakeDeviceLister) List() []*types.Device { return f.devices }

func TestPollerReconcilesOnTick(t *testing.T) {
	c := newTestCache(t, time.Hour)
	fetcher := &fakeFetcher{sessions: []*types.SessionMirror{
		{ID: "sess-1", DeviceID: "SCALE-01", Status: types.SessionStatusActive},
	}}
	lister := &fakeDeviceLister{devices: []*types.Device{{LocalID: "SCALE-01"}}}

	p := NewPoller(c, fetcher, lister, 20*time.Millisecond)
	require.NotNil(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		return c.GetActiveSessionForDevice("SCALE-01") != nil
	}, time.Second, 10*time.Millisecond)
}

func TestNewPollerReturnsNilWithoutCollaborators(t *testing.T) {
	c := newTestCache(t, time.Hour)
	assert.Nil(t, NewPoller(c, nil, nil, time.Second))
}

func TestSweeperDeletesExpired(t *testing.T) {
	c := newTestCache(t, time.Hour)
	require.NoError(t, c.store.UpsertSession(&types.SessionMirror{
		ID: "sess-1", DeviceID: "SCALE-01", Status: types.SessionStatusActive,
		CachedAt: time.Now().Add(-time.Hour), LastUpdatedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(-time.Minute),
	}))
	c.mu.Lock()
	c.sessionsByID["sess-1"] = &types.SessionMirror{ID: "sess-1", DeviceID: "SCALE-01"}
	c.sessionsByDevice["SCALE-01"] = []string{"sess-1"}
	c.mu.Unlock()

	sw := NewSweeper(c, time.Hour)
	sw.sweep()

	c.mu.RLock()
	_, ok := c.sessionsByID["sess-1"]
	c.mu.RUnlock()
	assert.False(t, ok)
}
