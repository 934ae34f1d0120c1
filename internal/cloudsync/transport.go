// Package cloudsync implements the cloud HTTP client, retry policy, backlog
// drain, and reachability tracking.
package cloudsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/scale-edge/internal/edgeerr"
	"github.com/cuemby/scale-edge/internal/log"
	"github.com/cuemby/scale-edge/internal/types"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Client is the thin HTTP wrapper over the cloud's edge API. All endpoints
// live under baseURL + "/edge" (the base URL must never itself end in /edge).
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     zerolog.Logger

	edgeID            string
	registrationToken string
	siteID            string
	siteName          string
	edgeName          string

	reach *reachability
}

// NewClient constructs a Client. timeout is applied per call
// (EVENT_SEND_TIMEOUT_MS).
func NewClient(baseURL, siteID, siteName, edgeName, registrationToken string, timeout time.Duration) *Client {
	return &Client{
		httpClient:        &http.Client{Timeout: timeout},
		baseURL:           strings.TrimSuffix(baseURL, "/edge"),
		logger:            log.WithComponent("cloudsync.transport"),
		registrationToken: registrationToken,
		siteID:            siteID,
		siteName:          siteName,
		edgeName:          edgeName,
	}
}

// EdgeID returns the currently-established edge identity, or "" if
// registration has not yet succeeded.
func (c *Client) EdgeID() string {
	return c.edgeID
}

// SetEdgeID installs a previously-persisted edge identity (loaded from the
// edge_config table at startup), so a restart does not need to re-register.
func (c *Client) SetEdgeID(id string) {
	c.edgeID = id
}

// SetReachability installs the reachability tracker every transport call
// reports its outcome to. Must be called before Start; a nil reach is a
// no-op for recording purposes.
func (c *Client) SetReachability(reach *reachability) {
	c.reach = reach
}

func (c *Client) recordSuccess() {
	if c.reach != nil {
		c.reach.RecordSuccess()
	}
}

func (c *Client) recordFailure() {
	if c.reach != nil {
		c.reach.RecordFailure()
	}
}

type registerRequest struct {
	EdgeID            *string  `json:"edgeId"`
	SiteID            string   `json:"siteId"`
	SiteName          string   `json:"siteName"`
	RegistrationToken string   `json:"registrationToken"`
	Version           string   `json:"version"`
	Capabilities      []string `json:"capabilities"`
}

type registerResponse struct {
	EdgeID   string          `json:"edgeId"`
	SiteID   string          `json:"siteId"`
	SiteName string          `json:"siteName"`
	Config   json.RawMessage `json:"config"`
}

// Register performs POST /register, establishing (or refreshing) the edge
// identity. Capabilities is a fixed, small announcement of what this build
// supports.
func (c *Client) Register(ctx context.Context) (*types.EdgeConfig, error) {
	var edgeIDPtr *string
	if c.edgeID != "" {
		id := c.edgeID
		edgeIDPtr = &id
	}
	body := registerRequest{
		EdgeID:            edgeIDPtr,
		SiteID:            c.siteID,
		SiteName:          c.siteName,
		RegistrationToken: c.registrationToken,
		Version:           "1",
		Capabilities:      []string{"weighing", "offline-batching"},
	}

	var resp registerResponse
	if err := c.do(ctx, http.MethodPost, "/register", body, &resp, false); err != nil {
		return nil, fmt.Errorf("cloudsync: register: %w", err)
	}
	c.edgeID = resp.EdgeID
	return &types.EdgeConfig{EdgeID: resp.EdgeID, SiteID: resp.SiteID, SiteName: resp.SiteName}, nil
}

type sessionsResponse struct {
	Sessions []cloudSession `json:"sessions"`
}

type cloudSession struct {
	CloudSessionID string `json:"cloudSessionId"`
	DeviceID       string `json:"deviceId"`
	AnimalID       string `json:"animalId"`
	AnimalTag      string `json:"animalTag"`
	AnimalSpecies  string `json:"animalSpecies"`
	OperatorID     string `json:"operatorId"`
	Status         string `json:"status"`
}

// GetSessions performs GET /sessions?device_ids=CSV.
func (c *Client) GetSessions(ctx context.Context, deviceIDs []string) ([]*types.SessionMirror, error) {
	path := "/sessions?device_ids=" + strings.Join(deviceIDs, ",")

	var resp sessionsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("cloudsync: get sessions: %w", err)
	}

	out := make([]*types.SessionMirror, 0, len(resp.Sessions))
	for _, s := range resp.Sessions {
		out = append(out, &types.SessionMirror{
			ID:            s.CloudSessionID,
			DeviceID:      s.DeviceID,
			AnimalID:      s.AnimalID,
			AnimalTag:     s.AnimalTag,
			AnimalSpecies: s.AnimalSpecies,
			OperatorID:    s.OperatorID,
			Status:        types.SessionStatus(s.Status),
		})
	}
	return out, nil
}

type eventPayload struct {
	LocalEventID   string  `json:"localEventId"`
	DeviceID       string  `json:"deviceId"`
	GlobalDeviceID string  `json:"globalDeviceId"`
	CloudSessionID *string `json:"cloudSessionId,omitempty"`
	OfflineMode    bool    `json:"offlineMode"`
	OfflineBatchID *string `json:"offlineBatchId,omitempty"`
	PLUCode        string  `json:"pluCode"`
	ProductName    string  `json:"productName"`
	WeightGrams    int64   `json:"weightGrams"`
	Barcode        string  `json:"barcode"`
	ScaleTimestamp string  `json:"scaleTimestamp"`
	ReceivedAt     string  `json:"receivedAt"`
}

func toEventPayload(e *types.WeighingEvent, globalDeviceID string) eventPayload {
	return eventPayload{
		LocalEventID:   e.ID,
		DeviceID:       e.DeviceID,
		GlobalDeviceID: globalDeviceID,
		CloudSessionID: e.SessionID,
		OfflineMode:    e.OfflineMode,
		OfflineBatchID: e.OfflineBatchID,
		PLUCode:        e.PLUCode,
		ProductName:    e.ProductName,
		WeightGrams:    e.NetWeightGrams,
		Barcode:        e.Barcode,
		ScaleTimestamp: e.ScaleTimestamp.UTC().Format(time.RFC3339),
		ReceivedAt:     e.ReceivedAt.UTC().Format(time.RFC3339),
	}
}

// EventResult is the outcome of posting a single event, either through
// PostEvent or as one element of PostEventBatch's results.
type EventResult struct {
	LocalEventID string
	CloudEventID string
	Status       string // "accepted" | "duplicate" | "failed"
	Error        string
}

type singleEventResponse struct {
	CloudEventID string `json:"cloudEventId"`
	Status       string `json:"status"`
}

// PostEvent performs POST /events for a single event.
func (c *Client) PostEvent(ctx context.Context, e *types.WeighingEvent, globalDeviceID string) (EventResult, error) {
	var resp singleEventResponse
	err := c.do(ctx, http.MethodPost, "/events", toEventPayload(e, globalDeviceID), &resp, true)
	if err != nil {
		return EventResult{}, err
	}
	return EventResult{LocalEventID: e.ID, CloudEventID: resp.CloudEventID, Status: resp.Status}, nil
}

type batchEventRequest struct {
	Events []eventPayload `json:"events"`
}

type batchEventResult struct {
	LocalEventID string `json:"localEventId"`
	CloudEventID string `json:"cloudEventId"`
	Status       string `json:"status"`
	Error        string `json:"error"`
}

type batchEventResponse struct {
	Results []batchEventResult `json:"results"`
}

// PostEventBatch performs POST /events/batch for two or more events.
func (c *Client) PostEventBatch(ctx context.Context, events []*types.WeighingEvent, globalDeviceID string) ([]EventResult, error) {
	req := batchEventRequest{Events: make([]eventPayload, len(events))}
	for i, e := range events {
		req.Events[i] = toEventPayload(e, globalDeviceID)
	}

	var resp batchEventResponse
	if err := c.do(ctx, http.MethodPost, "/events/batch", req, &resp, true); err != nil {
		return nil, err
	}

	out := make([]EventResult, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = EventResult{LocalEventID: r.LocalEventID, CloudEventID: r.CloudEventID, Status: r.Status, Error: r.Error}
	}
	return out, nil
}

// RemoteConfig holds the cloud-pushed operational overrides from GET /config.
// Extended is a free-form, YAML-formatted blob the cloud may attach for
// forward-compatible operator notices (maintenance windows, site-specific
// advisories) that this build doesn't have a typed field for yet; it is
// decoded on demand via DecodeExtended and logged, never acted on.
type RemoteConfig struct {
	SessionPollIntervalMs int    `json:"sessionPollIntervalMs"`
	HeartbeatIntervalMs   int    `json:"heartbeatIntervalMs"`
	Extended              string `json:"extended,omitempty"`
}

// DecodeExtended parses Extended as YAML into a generic map. Returns nil,
// nil if Extended is empty.
func (rc *RemoteConfig) DecodeExtended() (map[string]any, error) {
	if rc.Extended == "" {
		return nil, nil
	}
	var out map[string]any
	if err := yaml.Unmarshal([]byte(rc.Extended), &out); err != nil {
		return nil, fmt.Errorf("cloudsync: decode extended config: %w", err)
	}
	return out, nil
}

// GetConfig performs GET /config.
func (c *Client) GetConfig(ctx context.Context) (*RemoteConfig, error) {
	var resp RemoteConfig
	if err := c.do(ctx, http.MethodGet, "/config", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("cloudsync: get config: %w", err)
	}
	return &resp, nil
}

type deviceStatusRequest struct {
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
	HeartbeatCount int64  `json:"heartbeatCount"`
	EventCount     int64  `json:"eventCount"`
}

// PostDeviceStatus performs POST /devices/status.
func (c *Client) PostDeviceStatus(ctx context.Context, d *types.Device) error {
	req := deviceStatusRequest{
		DeviceID:       d.GlobalID,
		Status:         string(d.Status),
		HeartbeatCount: d.HeartbeatCount,
		EventCount:     d.EventCount,
	}
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, http.MethodPost, "/devices/status", req, &resp, true); err != nil {
		return fmt.Errorf("cloudsync: post device status: %w", err)
	}
	return nil
}

// do issues one HTTP call against baseURL+"/edge"+path. When authed is true
// and the edge identity is not yet established, it returns an error without
// attempting the call; on a 401 it re-registers once and retries the call
// exactly once with the refreshed identity. A round trip that gets an HTTP
// response with a status below 500 records reachability success; a 5xx
// response or a transport-level failure (no response at all) records a
// failure.
func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	raw, status, err := c.doOnce(ctx, method, path, body, authed)
	if err != nil {
		c.recordFailure()
		return err
	}
	if status >= 500 {
		c.recordFailure()
	} else {
		c.recordSuccess()
	}
	if status == http.StatusUnauthorized && authed && strings.Contains(string(raw), "invalid edge") {
		c.logger.Warn().Msg("edge identity rejected, re-registering")
		if _, regErr := c.Register(ctx); regErr != nil {
			return fmt.Errorf("re-register after 401: %w", regErr)
		}
		raw, status, err = c.doOnce(ctx, method, path, body, authed)
		if err != nil {
			c.recordFailure()
			return err
		}
		if status >= 500 {
			c.recordFailure()
		} else {
			c.recordSuccess()
		}
	}

	if status == http.StatusBadRequest {
		return &edgeerr.CloudValidationError{Status: status, Body: string(raw)}
	}
	if status == http.StatusUnauthorized {
		return &edgeerr.CloudAuthError{Body: string(raw)}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("cloudsync: %s %s: unexpected status %d: %s", method, path, status, string(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("cloudsync: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, authed bool) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("cloudsync: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/edge"+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("cloudsync: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed && c.edgeID != "" {
		req.Header.Set("X-Edge-Id", c.edgeID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("cloudsync: read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}
