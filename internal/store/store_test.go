package store

import (
	"testing"
	"time"

	"github.com/cuemby/scale-edge/internal/edgeerr"
	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(":memory:", log.Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSchemaVersionAfterOpen(t *testing.T) {
	s := newTestStore(t)
	version, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestEdgeConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetEdgeConfig()
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)

	cfg := &types.EdgeConfig{EdgeID: "edge-1", SiteID: "site-9", SiteName: "North Plant"}
	require.NoError(t, s.SetEdgeConfig(cfg))

	got, err := s.GetEdgeConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestUpsertDeviceThenMarkAllDisconnected(t *testing.T) {
	s := newTestStore(t)

	d := &types.Device{
		LocalID:     "SCALE-01",
		DisplayName: "Line 1",
		Type:        types.DeviceTypeDisassembly,
		Status:      types.DeviceStatusOnline,
		ConnectedAt: time.Now(),
	}
	require.NoError(t, s.UpsertDevice(d))

	got, err := s.GetDevice("SCALE-01")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusOnline, got.Status)

	d.GlobalID = "site-1-SCALE-01"
	d.HeartbeatCount = 5
	require.NoError(t, s.UpsertDevice(d))

	got, err = s.GetDevice("SCALE-01")
	require.NoError(t, err)
	assert.Equal(t, "site-1-SCALE-01", got.GlobalID)
	assert.EqualValues(t, 5, got.HeartbeatCount)

	require.NoError(t, s.MarkAllDevicesDisconnected())
	got, err = s.GetDevice("SCALE-01")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusDisconnected, got.Status)
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDevice("SCALE-99")
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)
}

func TestSessionMirrorLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDevice(&types.Device{LocalID: "SCALE-01"}))

	now := time.Now()
	sess := &types.SessionMirror{
		ID:            "sess-1",
		DeviceID:      "SCALE-01",
		AnimalTag:     "TAG-42",
		Status:        types.SessionStatusActive,
		CachedAt:      now,
		LastUpdatedAt: now,
		ExpiresAt:     now.Add(time.Hour),
	}
	require.NoError(t, s.UpsertSession(sess))

	active, err := s.GetActiveSessionForDevice("SCALE-01")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", active.ID)

	require.NoError(t, s.DeleteSession("sess-1"))
	_, err = s.GetSession("sess-1")
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDevice(&types.Device{LocalID: "SCALE-01"}))

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	require.NoError(t, s.UpsertSession(&types.SessionMirror{
		ID: "expired-1", DeviceID: "SCALE-01", Status: types.SessionStatusActive,
		CachedAt: past, LastUpdatedAt: past, ExpiresAt: past,
	}))
	require.NoError(t, s.UpsertSession(&types.SessionMirror{
		ID: "keep-1", DeviceID: "SCALE-01", Status: types.SessionStatusActive,
		CachedAt: past, LastUpdatedAt: past, ExpiresAt: future,
	}))

	ids, err := s.DeleteExpiredSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"expired-1"}, ids)

	remaining, err := s.ListSessions()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "keep-1", remaining[0].ID)
}

func TestOfflineBatchLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDevice(&types.Device{LocalID: "SCALE-01"}))

	b := &types.OfflineBatch{
		ID: "batch-1", DeviceID: "SCALE-01", StartedAt: time.Now(),
		Status: types.BatchStatusPending,
	}
	require.NoError(t, s.InsertBatch(b))

	open, err := s.GetOpenBatchForDevice("SCALE-01")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", open.ID)

	require.NoError(t, s.IncrementBatchCounters("batch-1", 1500))
	require.NoError(t, s.IncrementBatchCounters("batch-1", 2000))
	require.NoError(t, s.EndBatch("batch-1"))

	got, err := s.GetBatch("batch-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.EventCount)
	assert.EqualValues(t, 3500, got.TotalWeightGrams)
	assert.NotNil(t, got.EndedAt)

	pending, err := s.ListPendingSyncBatches()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	cloudSessionID := "cloud-sess-1"
	require.NoError(t, s.SetBatchStatus("batch-1", types.BatchStatusReconciled, &cloudSessionID))

	got, err = s.GetBatch("batch-1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusReconciled, got.Status)
	require.NotNil(t, got.CloudSessionID)
	assert.Equal(t, cloudSessionID, *got.CloudSessionID)
	assert.NotNil(t, got.ReconciledAt)

	_, err = s.GetOpenBatchForDevice("SCALE-01")
	assert.ErrorIs(t, err, edgeerr.ErrNotFound)
}

func TestEventDedupReturnsDuplicateError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDevice(&types.Device{LocalID: "SCALE-01"}))

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &types.WeighingEvent{
		ID: "evt-1", DeviceID: "SCALE-01", PLUCode: "1025", NetWeightGrams: 37500,
		ScaleTimestamp: ts, ReceivedAt: time.Now(), SyncStatus: types.SyncStatusPending,
	}
	require.NoError(t, s.InsertEvent(e))

	dup := *e
	dup.ID = "evt-2"
	err := s.InsertEvent(&dup)
	assert.ErrorIs(t, err, edgeerr.ErrDuplicateEvent)
}

func TestEventSyncStateTransitions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDevice(&types.Device{LocalID: "SCALE-01"}))

	e := &types.WeighingEvent{
		ID: "evt-1", DeviceID: "SCALE-01", PLUCode: "1025", NetWeightGrams: 37500,
		ScaleTimestamp: time.Now(), ReceivedAt: time.Now(), SyncStatus: types.SyncStatusPending,
	}
	require.NoError(t, s.InsertEvent(e))

	pending, err := s.ListPendingSyncEvents(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkEventFailed("evt-1", "connection reset"))
	got, err := s.GetEvent("evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusFailed, got.SyncStatus)
	assert.Equal(t, 1, got.SyncAttempts)
	assert.Equal(t, "connection reset", got.LastError)

	require.NoError(t, s.MarkEventSynced("evt-1", "cloud-evt-9"))
	got, err = s.GetEvent("evt-1")
	require.NoError(t, err)
	assert.Equal(t, types.SyncStatusSynced, got.SyncStatus)
	require.NotNil(t, got.CloudEventID)
	assert.Equal(t, "cloud-evt-9", *got.CloudEventID)

	pending, err = s.ListPendingSyncEvents(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCountEventsForBatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertDevice(&types.Device{LocalID: "SCALE-01"}))
	batchID := "batch-1"
	require.NoError(t, s.InsertBatch(&types.OfflineBatch{ID: batchID, DeviceID: "SCALE-01", StartedAt: time.Now(), Status: types.BatchStatusPending}))

	ids := []string{"evt-a", "evt-b", "evt-c"}
	for i, weight := range []int64{1000, 2000, 3000} {
		require.NoError(t, s.InsertEvent(&types.WeighingEvent{
			ID:             ids[i],
			DeviceID:       "SCALE-01",
			OfflineMode:    true,
			OfflineBatchID: &batchID,
			PLUCode:        "1025",
			NetWeightGrams: weight,
			ScaleTimestamp: time.Now().Add(time.Duration(i) * time.Minute),
			ReceivedAt:     time.Now(),
			SyncStatus:     types.SyncStatusPending,
		}))
	}

	count, totalWeight, err := s.CountEventsForBatch(batchID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
	assert.EqualValues(t, 6000, totalWeight)

	unsynced, err := s.CountUnsyncedEventsForBatch(batchID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, unsynced)

	require.NoError(t, s.MarkEventSynced("evt-a", "cloud-evt-a"))
	require.NoError(t, s.MarkEventSynced("evt-b", "cloud-evt-b"))
	unsynced, err = s.CountUnsyncedEventsForBatch(batchID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, unsynced)

	require.NoError(t, s.MarkEventSynced("evt-c", "cloud-evt-c"))
	unsynced, err = s.CountUnsyncedEventsForBatch(batchID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, unsynced)
}

func TestPLUCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, _, ok, err := s.GetPLUCache("1025")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpsertPLUCache("1025", "Ground Beef", false))
	name, forceGrams, ok, err := s.GetPLUCache("1025")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ground Beef", name)
	assert.False(t, forceGrams)

	require.NoError(t, s.UpsertPLUCache("1025", "Ground Beef", true))
	_, forceGrams, _, err = s.GetPLUCache("1025")
	require.NoError(t, err)
	assert.True(t, forceGrams)
}

func TestLogCloudTransition(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.LogCloudTransition(false))
	require.NoError(t, s.LogCloudTransition(true))
}
