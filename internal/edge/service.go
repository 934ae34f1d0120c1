// Package edge is the service container: it constructs every core
// component from a single *config.Config, starts them in dependency
// order, and stops them in the order documented on Service.Stop.
package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/cuemby/scale-edge/internal/batches"
	"github.com/cuemby/scale-edge/internal/bus"
	"github.com/cuemby/scale-edge/internal/cloudsync"
	"github.com/cuemby/scale-edge/internal/config"
	"github.com/cuemby/scale-edge/internal/devices"
	"github.com/cuemby/scale-edge/internal/edgeerr"
	"github.com/cuemby/scale-edge/internal/health"
	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/metrics"
	"github.com/cuemby/scale-edge/internal/processor"
	"github.com/cuemby/scale-edge/internal/scaleproto"
	"github.com/cuemby/scale-edge/internal/scalewire"
	"github.com/cuemby/scale-edge/internal/sessions"
	"github.com/cuemby/scale-edge/internal/store"
	"github.com/rs/zerolog"
)

// Service wires together the store, device registry, session cache, batch
// manager, event processor, cloud-sync service, and TCP front-end into one
// runnable process.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     *store.SQLStore
	bus       *bus.Bus
	parser    *scaleproto.Parser
	devices   *devices.Registry
	monitor   *devices.Monitor
	sessions  *sessions.Cache
	poller    *sessions.Poller
	sweeper   *sessions.Sweeper
	configRef *cloudsync.ConfigRefresher
	batches   *batches.Manager
	processor *processor.Processor
	cloud     *cloudsync.Service
	tcp       *scalewire.Server
	admin     *http.Server

	mu          sync.Mutex
	remoteAddrs map[string]string
}

// New builds every component but starts none of them.
func New(cfg *config.Config) (*Service, error) {
	logger := log.WithComponent("edge")

	st, err := store.Open(cfg.DBPath, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("edge: open store: %w", err)
	}

	b := bus.New()

	registry, err := devices.New(st, b, cfg.SiteID, cfg.ActivityIdle, cfg.ActivityStale)
	if err != nil {
		return nil, fmt.Errorf("edge: build device registry: %w", err)
	}

	sessionCache := sessions.New(st, cfg.SessionCacheExpiry)
	sweeper := sessions.NewSweeper(sessionCache, cfg.SessionCacheExpiry)

	bm, err := batches.New(st, b)
	if err != nil {
		return nil, fmt.Errorf("edge: build batch manager: %w", err)
	}

	client := cloudsync.NewClient(cfg.CloudAPIURL, cfg.SiteID, cfg.SiteName, cfg.EdgeName, cfg.RegistrationToken, cfg.EventSendTimeout)
	retry := cloudsync.RetryPolicy{
		MaxRetries:   cfg.RESTMaxRetries,
		InitialDelay: cfg.RESTRetryDelay,
		Multiplier:   cfg.RESTBackoffMultiplier,
		MaxDelay:     cfg.RESTMaxRetryDelay,
	}
	cloud := cloudsync.NewService(client, retry, st, nil, bm, registry, b, cfg.CloudBatchSize, cfg.BatchInterval, 3)
	client.SetReachability(cloud.Reachability())

	proc := processor.New(st, b, cloud, sessionCache, bm, processor.DefaultDedupWindow)
	cloud.SetProcessor(proc)

	poller := sessions.NewPoller(sessionCache, client, registry, cfg.SessionPollInterval)
	configRefresher := cloudsync.NewConfigRefresher(client, cfg.SessionPollInterval)

	tcp := scalewire.NewServer(fmt.Sprintf("%s:%d", cfg.TCPHost, cfg.TCPPort), log.Logger)
	parser := scaleproto.NewParser()

	healthReg := health.NewRegistry(
		health.NewPingChecker("store", st),
		health.NewPingChecker("cloud", cloud),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", healthReg.Handler())
	admin := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Handler: mux,
	}

	svc := &Service{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		bus:         b,
		parser:      parser,
		devices:     registry,
		sessions:    sessionCache,
		poller:      poller,
		sweeper:     sweeper,
		configRef:   configRefresher,
		batches:     bm,
		processor:   proc,
		cloud:       cloud,
		tcp:         tcp,
		admin:       admin,
		remoteAddrs: make(map[string]string),
	}

	tcp.OnConnect = svc.onConnect
	tcp.OnData = svc.onData
	tcp.OnClose = svc.onClose
	tcp.OnError = svc.onError

	svc.monitor = devices.NewMonitor(registry, cfg.HeartbeatTimeout, 0, tcp.Close)

	return svc, nil
}

// Start brings up every component in dependency order: store is already
// open; device registry is already loaded; so Start establishes the cloud
// identity, then starts the bus distribution loop (so every publisher from
// here on has a live subscriber), then the session poller and sweeper, the
// device monitor, the config refresher, and the cloud-sync service, then
// finally the TCP front-end, which blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.ensureIdentity(ctx); err != nil {
		return fmt.Errorf("edge: ensure cloud identity: %w", err)
	}

	s.bus.Start()

	if s.poller != nil {
		s.poller.Start(ctx)
	}
	s.sweeper.Start()
	s.monitor.Start()
	s.configRef.Start(ctx)
	s.cloud.Start(ctx)

	go func() {
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Warn().Err(err).Msg("admin http server exited")
		}
	}()

	s.logger.Info().
		Str("tcp_addr", fmt.Sprintf("%s:%d", s.cfg.TCPHost, s.cfg.TCPPort)).
		Str("site_id", s.cfg.SiteID).
		Msg("edge service starting")

	return s.tcp.Start(ctx)
}

// Stop shuts components down in this order: cloud sync -> session poller
// and sweeper -> device monitor -> config refresher -> bus -> admin HTTP
// server -> store, then sends the TCP front-end a drain notice. The
// processor, session cache, batch manager and device registry own no
// background goroutines and have no stop step. Drain only logs: the TCP
// listener closes when the context passed to Start is cancelled, and Stop
// does not close live scale sockets.
func (s *Service) Stop() {
	s.cloud.Stop()

	if s.poller != nil {
		s.poller.Stop()
	}
	s.sweeper.Stop()
	s.monitor.Stop()
	s.configRef.Stop()
	s.bus.Stop()

	if err := s.admin.Close(); err != nil && err != http.ErrServerClosed {
		s.logger.Warn().Err(err).Msg("error closing admin http server")
	}

	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("error closing store")
	}

	s.tcp.Drain("shutdown")
	s.logger.Info().Msg("edge service stopped")
}

func (s *Service) ensureIdentity(ctx context.Context) error {
	existing, err := s.store.GetEdgeConfig()
	if err == nil {
		s.cloud.InstallEdgeID(existing.EdgeID)
		return nil
	}
	if !errors.Is(err, edgeerr.ErrNotFound) {
		return err
	}

	cfg, regErr := s.cloud.EnsureIdentity(ctx)
	if regErr != nil {
		return regErr
	}
	if cfg == nil {
		return nil
	}
	return s.store.SetEdgeConfig(cfg)
}

func (s *Service) onConnect(socketID, remoteAddr string) {
	s.mu.Lock()
	s.remoteAddrs[socketID] = remoteAddr
	s.mu.Unlock()
	s.logger.Debug().Str("socket_id", socketID).Str("remote_addr", remoteAddr).Msg("scale connected")
}

func (s *Service) remoteAddrFor(socketID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddrs[socketID]
}

func (s *Service) onData(socketID string, chunk []byte) {
	deviceID, _ := s.devices.DeviceBySocket(socketID)
	forceGrams := deviceID != "" && s.cfg.ForceGramsDevices[deviceID]

	packets, parseErrs := s.parser.Parse(socketID, chunk, forceGrams)
	for _, pe := range parseErrs {
		s.logger.Warn().Str("socket_id", socketID).Str("reason", pe.Reason).Msg("scale parse error")
	}

	for _, pkt := range packets {
		switch pkt.Kind {
		case scaleproto.KindRegistration:
			d, err := s.devices.RegisterDevice(socketID, "SCALE-"+pkt.ScaleNumber, s.remoteAddrFor(socketID))
			if err != nil {
				s.logger.Warn().Err(err).Msg("device registration failed")
				continue
			}
			deviceID = d.LocalID

		case scaleproto.KindHeartbeat:
			if _, err := s.devices.OnHeartbeat(socketID); err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat for unregistered socket")
			}

		case scaleproto.KindAckRequest:
			s.tcp.Send(socketID, []byte("OK\n"))

		case scaleproto.KindWeighing:
			if deviceID == "" {
				s.logger.Warn().Str("socket_id", socketID).Msg("weighing from unregistered socket, dropped")
				continue
			}
			if _, err := s.devices.OnEvent(socketID); err != nil {
				s.logger.Warn().Err(err).Msg("event activity update failed")
			}
			if _, err := s.processor.Process(pkt.Weighing, deviceID, s.remoteAddrFor(socketID)); err != nil {
				s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("failed to process weighing")
			}
			s.tcp.Send(socketID, []byte("OK\n"))

		case scaleproto.KindUnknown:
			s.logger.Debug().Str("socket_id", socketID).Str("reason", pkt.UnknownReason).Msg("unrecognized line")
		}
	}
}

func (s *Service) onClose(socketID, reason string) {
	s.parser.Release(socketID)
	s.mu.Lock()
	delete(s.remoteAddrs, socketID)
	s.mu.Unlock()
	if err := s.devices.DisconnectDevice(socketID, reason); err != nil {
		s.logger.Warn().Err(err).Msg("disconnect bookkeeping failed")
	}
}

func (s *Service) onError(socketID string, err error) {
	s.logger.Warn().Str("socket_id", socketID).Err(err).Msg("socket error")
}
