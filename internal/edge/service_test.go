package edge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/scale-edge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())
	return "127.0.0.1", addr.Port
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, time.Second, 10*time.Millisecond)
}

func newTestConfig(t *testing.T, cloudURL string) *config.Config {
	t.Helper()
	host, port := freeAddr(t)
	return &config.Config{
		EdgeName:          "edge-test",
		SiteID:            "site-1",
		RegistrationToken: "tok",
		TCPHost:           host,
		TCPPort:           port,
		DBPath:            ":memory:",
		CloudAPIURL:       cloudURL,
		SessionPollInterval:   time.Hour,
		EventSendTimeout:      time.Second,
		RESTMaxRetries:        1,
		RESTRetryDelay:        time.Millisecond,
		RESTBackoffMultiplier: 2,
		RESTMaxRetryDelay:     10 * time.Millisecond,
		CloudBatchSize:        50,
		BatchInterval:         20 * time.Millisecond,
		HeartbeatTimeout:      time.Minute,
		ActivityIdle:          time.Minute,
		ActivityStale:         time.Minute,
		SessionCacheExpiry:    time.Hour,
		ForceGramsDevices:     map[string]bool{},
	}
}

func TestServiceAcceptsScaleAndPersistsWeighing(t *testing.T) {
	var registered bool
	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/edge/register":
			registered = true
			_ = json.NewEncoder(w).Encode(map[string]any{"edgeId": "edge-123", "siteId": "site-1", "siteName": "edge-test"})
		case "/edge/events":
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "accepted", "cloudEventId": "cloud-1"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"sessions": []any{}})
		}
	}))
	defer cloud.Close()

	cfg := newTestConfig(t, cloud.URL+"/edge")
	svc, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		svc.Stop()
	})

	addr := net.JoinHostPort(cfg.TCPHost, strconv.Itoa(cfg.TCPPort))
	waitForListener(t, addr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("SCALE-01\n"))
	require.NoError(t, err)

	line := "1234,12:00:00,01.01.2024,Beef Tenderloin,40133,JD,OP1,001500,000500,001000\n"
	_, err = conn.Write([]byte(line))
	require.NoError(t, err)

	buf := make([]byte, 64)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "OK")

	require.Eventually(t, func() bool {
		devs := svc.devices.List()
		return len(devs) == 1 && devs[0].EventCount >= 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, registered)
}
