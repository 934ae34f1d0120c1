package processor

import (
	"testing"
	"time"

	"github.com/cuemby/scale-edge/internal/batches"
	"github.com/cuemby/scale-edge/internal/bus"
	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/scaleproto"
	"github.com/cuemby/scale-edge/internal/sessions"
	"github.com/cuemby/scale-edge/internal/store"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReachability struct{ online bool }

func (f *fakeReachability) IsOnline() bool { return f.online }

func weighing(plu string, grams int64) *scaleproto.Weighing {
	return &scaleproto.Weighing{
		Barcode:        plu,
		ProductName:    "Ribeye",
		NetWeightGrams: grams,
		ScaleTime:      time.Now(),
		RawLine:        "raw",
	}
}

func newHarness(t *testing.T, online bool) (*Processor, store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.Open(":memory:", log.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.UpsertDevice(&types.Device{LocalID: "SCALE-01"}))

	b := bus.New()
	b.Start()
	t.Cleanup(b.Stop)

	sc := sessions.New(st, time.Hour)
	bm, err := batches.New(st, b)
	require.NoError(t, err)

	p := New(st, b, &fakeReachability{online: online}, sc, bm, 5*time.Second)
	return p, st, b
}

func TestProcessPersistsEventAndPublishes(t *testing.T) {
	p, _, b := newHarness(t, true)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	evt, err := p.Process(weighing("4011", 2500), "SCALE-01", "10.0.0.5")
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.False(t, evt.OfflineMode)
	assert.Equal(t, types.SyncStatusPending, evt.SyncStatus)

	published := <-sub
	assert.Equal(t, bus.TopicEventCaptured, published.Topic)
}

func TestProcessDeduplicatesWithinWindow(t *testing.T) {
	p, st, _ := newHarness(t, true)

	evt1, err := p.Process(weighing("4011", 2500), "SCALE-01", "")
	require.NoError(t, err)
	require.NotNil(t, evt1)

	evt2, err := p.Process(weighing("4011", 2500), "SCALE-01", "")
	require.NoError(t, err)
	assert.Nil(t, evt2)

	pending, err := st.ListPendingSyncEvents(10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProcessTagsOfflineEventsWithBatch(t *testing.T) {
	p, _, _ := newHarness(t, false)

	evt, err := p.Process(weighing("4012", 1800), "SCALE-01", "")
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.True(t, evt.OfflineMode)
	require.NotNil(t, evt.OfflineBatchID)
}

func TestProcessAttachesActiveSessionWhenOnline(t *testing.T) {
	p, _, _ := newHarness(t, true)

	sc := sessions.New(p.store, time.Hour)
	require.NoError(t, sc.HandleSessionStart(&types.SessionMirror{
		ID: "sess-1", DeviceID: "SCALE-01", Status: types.SessionStatusActive,
	}))
	p.sessions = sc

	evt, err := p.Process(weighing("4013", 900), "SCALE-01", "")
	require.NoError(t, err)
	require.NotNil(t, evt)
	require.NotNil(t, evt.SessionID)
	assert.Equal(t, "sess-1", *evt.SessionID)
}

func TestMarkEventSyncedPublishesEventSynced(t *testing.T) {
	p, _, b := newHarness(t, true)
	evt, err := p.Process(weighing("4014", 1200), "SCALE-01", "")
	require.NoError(t, err)
	require.NotNil(t, evt)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	require.NoError(t, p.MarkEventSynced(evt.ID, "cloud-evt-1"))
	published := <-sub
	assert.Equal(t, bus.TopicEventSynced, published.Topic)

	synced := published.Payload.(*types.WeighingEvent)
	assert.Equal(t, types.SyncStatusSynced, synced.SyncStatus)
}

func TestMarkEventFailedIncrementsAttemptsAndPublishes(t *testing.T) {
	p, _, b := newHarness(t, true)
	evt, err := p.Process(weighing("4015", 1200), "SCALE-01", "")
	require.NoError(t, err)
	require.NotNil(t, evt)

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	require.NoError(t, p.MarkEventFailed(evt.ID, "timeout"))
	published := <-sub
	assert.Equal(t, bus.TopicEventFailed, published.Topic)

	failed := published.Payload.(*types.WeighingEvent)
	assert.Equal(t, types.SyncStatusFailed, failed.SyncStatus)
	assert.Equal(t, 1, failed.SyncAttempts)
	assert.Equal(t, "timeout", failed.LastError)
}
