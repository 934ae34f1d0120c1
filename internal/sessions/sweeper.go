package sessions

import (
	"time"

	"github.com/cuemby/scale-edge/internal/log"
	"github.com/rs/zerolog"
)

const minSweepInterval = 30 * time.Second

// Sweeper deletes expired mirrored sessions on a fixed tick, first nulling
// the session ID on referencing events (handled inside the store's
// DeleteExpiredSessions).
type Sweeper struct {
	cache  *Cache
	logger zerolog.Logger
	tick   time.Duration
	stopCh chan struct{}
}

// NewSweeper constructs a Sweeper. tick is expiry/8 floored at
// minSweepInterval.
func NewSweeper(cache *Cache, expiry time.Duration) *Sweeper {
	tick := expiry / 8
	if tick < minSweepInterval {
		tick = minSweepInterval
	}
	return &Sweeper{
		cache:  cache,
		logger: log.WithComponent("sessions.sweeper"),
		tick:   tick,
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ids, err := s.cache.store.DeleteExpiredSessions()
	if err != nil {
		s.logger.Warn().Err(err).Msg("session sweep failed")
		return
	}
	if len(ids) == 0 {
		return
	}
	s.cache.mu.Lock()
	for _, id := range ids {
		if sess, ok := s.cache.sessionsByID[id]; ok {
			delete(s.cache.sessionsByID, id)
			s.cache.removeFromDeviceIndex(sess.DeviceID, id)
		}
	}
	s.cache.mu.Unlock()
	s.logger.Info().Int("count", len(ids)).Msg("swept expired sessions")
}
