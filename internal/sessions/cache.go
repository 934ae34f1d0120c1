// Package sessions mirrors cloud-owned weighing sessions locally. The edge
// never creates or ends a session — it only ever reflects what the cloud
// reports, through push handlers or a poller.
package sessions

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/store"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/rs/zerolog"
)

// Cache holds the in-memory mirror plus a secondary device-ID index for
// GetActiveSessionForDevice lookups, backed by internal/store for
// durability across restarts.
type Cache struct {
	store  store.Store
	logger zerolog.Logger
	expiry time.Duration

	mu               sync.RWMutex
	sessionsByID     map[string]*types.SessionMirror
	sessionsByDevice map[string][]string
}

// New constructs an empty Cache. expiry is the TTL refreshed on every
// write (default 4h).
func New(st store.Store, expiry time.Duration) *Cache {
	return &Cache{
		store:            st,
		logger:           log.WithComponent("sessions"),
		expiry:           expiry,
		sessionsByID:     make(map[string]*types.SessionMirror),
		sessionsByDevice: make(map[string][]string),
	}
}

// HandleSessionStart inserts or refreshes a session pushed by the cloud.
func (c *Cache) HandleSessionStart(sess *types.SessionMirror) error {
	return c.upsert(sess)
}

// HandleSessionUpdate applies a cloud-pushed update to an existing mirror.
func (c *Cache) HandleSessionUpdate(sess *types.SessionMirror) error {
	return c.upsert(sess)
}

// HandleSessionEnd removes a session the cloud reports as ended.
func (c *Cache) HandleSessionEnd(sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessionsByID[sessionID]
	if ok {
		delete(c.sessionsByID, sessionID)
		c.removeFromDeviceIndex(sess.DeviceID, sessionID)
	}
	c.mu.Unlock()

	if err := c.store.DeleteSession(sessionID); err != nil {
		return fmt.Errorf("sessions: delete %s: %w", sessionID, err)
	}
	return nil
}

func (c *Cache) upsert(sess *types.SessionMirror) error {
	now := time.Now()
	sess.CachedAt = now
	sess.LastUpdatedAt = now
	sess.ExpiresAt = now.Add(c.expiry)

	c.mu.Lock()
	if _, existed := c.sessionsByID[sess.ID]; !existed {
		c.sessionsByDevice[sess.DeviceID] = append(c.sessionsByDevice[sess.DeviceID], sess.ID)
	}
	snapshot := *sess
	c.sessionsByID[sess.ID] = &snapshot
	c.mu.Unlock()

	if err := c.store.UpsertSession(&snapshot); err != nil {
		return fmt.Errorf("sessions: persist %s: %w", sess.ID, err)
	}
	return nil
}

func (c *Cache) removeFromDeviceIndex(deviceID, sessionID string) {
	ids := c.sessionsByDevice[deviceID]
	for i, id := range ids {
		if id == sessionID {
			c.sessionsByDevice[deviceID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// GetActiveSessionForDevice returns the most-recently-cached active
// session for deviceID whose expiry has not yet passed, or nil.
func (c *Cache) GetActiveSessionForDevice(deviceID string) *types.SessionMirror {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *types.SessionMirror
	now := time.Now()
	for _, id := range c.sessionsByDevice[deviceID] {
		sess, ok := c.sessionsByID[id]
		if !ok || sess.Status != types.SessionStatusActive || !sess.ExpiresAt.After(now) {
			continue
		}
		if best == nil || sess.CachedAt.After(best.CachedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil
	}
	snapshot := *best
	return &snapshot
}

// Reconcile applies a polled snapshot of sessions for a set of device IDs:
// inserting the new, updating the changed, and deleting any cached session
// for those devices that is no longer present in the response.
func (c *Cache) Reconcile(deviceIDs []string, fetched []*types.SessionMirror) error {
	want := make(map[string]*types.SessionMirror, len(fetched))
	for _, sess := range fetched {
		want[sess.ID] = sess
	}

	c.mu.RLock()
	var toDelete []string
	for _, deviceID := range deviceIDs {
		for _, id := range c.sessionsByDevice[deviceID] {
			if _, keep := want[id]; !keep {
				toDelete = append(toDelete, id)
			}
		}
	}
	c.mu.RUnlock()

	for _, id := range toDelete {
		if err := c.HandleSessionEnd(id); err != nil {
			return err
		}
	}
	for _, sess := range fetched {
		if err := c.upsert(sess); err != nil {
			return err
		}
	}
	return nil
}

// List returns a snapshot of every cached session.
func (c *Cache) List() []*types.SessionMirror {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.SessionMirror, 0, len(c.sessionsByID))
	for _, sess := range c.sessionsByID {
		snapshot := *sess
		out = append(out, &snapshot)
	}
	return out
}
