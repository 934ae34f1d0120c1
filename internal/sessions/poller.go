package sessions

import (
	"context"
	"time"

	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/rs/zerolog"
)

// SessionFetcher is the narrow collaborator the Poller needs from the
// cloud-sync client, kept as a local interface so this package does not
// import internal/cloudsync.
type SessionFetcher interface {
	GetSessions(ctx context.Context, deviceIDs []string) ([]*types.SessionMirror, error)
}

// DeviceLister is the narrow collaborator the Poller needs from the device
// registry.
type DeviceLister interface {
	List() []*types.Device
}

// Poller periodically fetches the live session set for every known device
// and reconciles it into the Cache. It is only constructed when both a
// cloud client and the device registry are supplied.
type Poller struct {
	cache    *Cache
	fetcher  SessionFetcher
	devices  DeviceLister
	logger   zerolog.Logger
	interval time.Duration

	stopCh chan struct{}
}

// NewPoller constructs a Poller. Returns nil if fetcher or devices is nil.
func NewPoller(cache *Cache, fetcher SessionFetcher, devices DeviceLister, interval time.Duration) *Poller {
	if fetcher == nil || devices == nil {
		return nil
	}
	return &Poller{
		cache:    cache,
		fetcher:  fetcher,
		devices:  devices,
		logger:   log.WithComponent("sessions.poller"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the poll loop in its own goroutine.
func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop stops the poll loop.
func (p *Poller) Stop() {
	close(p.stopCh)
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	devices := p.devices.List()
	if len(devices) == 0 {
		return
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.LocalID
	}

	fetched, err := p.fetcher.GetSessions(ctx, ids)
	if err != nil {
		p.logger.Warn().Err(err).Msg("session poll failed")
		return
	}
	if err := p.cache.Reconcile(ids, fetched); err != nil {
		p.logger.Warn().Err(err).Msg("session reconcile failed")
	}
}
