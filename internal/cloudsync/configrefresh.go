package cloudsync

import (
	"context"
	"time"

	"github.com/cuemby/scale-edge/internal/log"
	"github.com/rs/zerolog"
)

// ConfigRefresher periodically pulls GET /config and logs any operator
// advisory the cloud attached, the same ticker-driven background-loop shape
// as sessions.Poller.
type ConfigRefresher struct {
	client   *Client
	logger   zerolog.Logger
	interval time.Duration

	stopCh chan struct{}
}

// NewConfigRefresher constructs a ConfigRefresher.
func NewConfigRefresher(client *Client, interval time.Duration) *ConfigRefresher {
	return &ConfigRefresher{
		client:   client,
		logger:   log.WithComponent("cloudsync.configrefresh"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop in its own goroutine.
func (r *ConfigRefresher) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop stops the refresh loop.
func (r *ConfigRefresher) Stop() {
	close(r.stopCh)
}

func (r *ConfigRefresher) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refresh(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *ConfigRefresher) refresh(ctx context.Context) {
	cfg, err := r.client.GetConfig(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("remote config refresh failed")
		return
	}

	extended, err := cfg.DecodeExtended()
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to decode extended remote config")
		return
	}
	if extended != nil {
		r.logger.Info().Interface("extended", extended).Msg("received operator advisory from cloud")
	}
}
