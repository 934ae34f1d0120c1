// Package config loads the process configuration from the environment. It
// is deliberately thin: cmd/edge just needs something to pass to the core
// components.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved process configuration.
type Config struct {
	EdgeName         string
	SiteID           string
	SiteName         string
	RegistrationToken string

	TCPHost string
	TCPPort int

	HTTPHost string
	HTTPPort int

	DBPath string

	CloudAPIURL string

	SessionPollInterval  time.Duration
	EventSendTimeout     time.Duration
	RESTMaxRetries       int
	RESTRetryDelay       time.Duration
	RESTBackoffMultiplier float64
	RESTMaxRetryDelay    time.Duration
	CloudBatchSize       int
	BatchInterval        time.Duration

	HeartbeatTimeout time.Duration
	ActivityIdle     time.Duration
	ActivityStale    time.Duration

	SessionCacheExpiry time.Duration

	OfflineTriggerDelay      time.Duration
	OfflineMaxEventsPerBatch int
	OfflineBatchRetentionDays int

	WorkHoursStart string
	WorkHoursEnd   string
	Timezone       string

	// ForceGramsDevices lists device local IDs (e.g. "SCALE-01") whose
	// net/tare weight fields are already in grams and must bypass the
	// <1000 => deci-kilograms decoding rule (the Design Note's per-device
	// override for the weight-decoding open question).
	ForceGramsDevices map[string]bool
}

// Load reads Config from the environment, applying sane defaults, and fails
// if a required field is missing.
func Load() (*Config, error) {
	cfg := &Config{
		EdgeName:          os.Getenv("EDGE_NAME"),
		SiteID:            os.Getenv("SITE_ID"),
		SiteName:          getString("SITE_NAME", os.Getenv("EDGE_NAME")),
		RegistrationToken: os.Getenv("REGISTRATION_TOKEN"),

		TCPHost: getString("TCP_HOST", "0.0.0.0"),
		TCPPort: getInt("TCP_PORT", 8899),

		HTTPHost: getString("HTTP_HOST", "0.0.0.0"),
		HTTPPort: getInt("HTTP_PORT", 3000),

		DBPath: getString("DB_PATH", "data/edge.db"),

		CloudAPIURL: os.Getenv("CLOUD_API_URL"),

		SessionPollInterval:   getMillis("SESSION_POLL_INTERVAL_MS", 5000),
		EventSendTimeout:      getMillis("EVENT_SEND_TIMEOUT_MS", 10000),
		RESTMaxRetries:        getInt("REST_MAX_RETRIES", 3),
		RESTRetryDelay:        getMillis("REST_RETRY_DELAY_MS", 1000),
		RESTBackoffMultiplier: getFloat("REST_BACKOFF_MULTIPLIER", 2),
		RESTMaxRetryDelay:     getMillis("REST_MAX_RETRY_DELAY_MS", 30000),
		CloudBatchSize:        getInt("CLOUD_BATCH_SIZE", 50),
		BatchInterval:         getMillis("BATCH_INTERVAL_MS", 5000),

		HeartbeatTimeout: getMillis("HEARTBEAT_TIMEOUT_MS", 60000),
		ActivityIdle:     getMillis("ACTIVITY_IDLE_MS", 300000),
		ActivityStale:    getMillis("ACTIVITY_STALE_MS", 1800000),

		SessionCacheExpiry: getMillis("SESSION_CACHE_EXPIRY_MS", 14400000),

		OfflineTriggerDelay:       getMillis("OFFLINE_TRIGGER_DELAY_MS", 5000),
		OfflineMaxEventsPerBatch:  getInt("OFFLINE_MAX_EVENTS_PER_BATCH", 1000),
		OfflineBatchRetentionDays: getInt("OFFLINE_BATCH_RETENTION_DAYS", 30),

		WorkHoursStart: os.Getenv("WORK_HOURS_START"),
		WorkHoursEnd:   os.Getenv("WORK_HOURS_END"),
		Timezone:       getString("TIMEZONE", "UTC"),

		ForceGramsDevices: parseDeviceSet(os.Getenv("WEIGHT_OVERRIDE_DEVICES")),
	}

	if cfg.SiteID == "" {
		return nil, fmt.Errorf("config: SITE_ID is required")
	}
	if cfg.RegistrationToken == "" {
		return nil, fmt.Errorf("config: REGISTRATION_TOKEN is required")
	}

	return cfg, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getMillis(key string, defMillis int) time.Duration {
	return time.Duration(getInt(key, defMillis)) * time.Millisecond
}

func parseDeviceSet(csv string) map[string]bool {
	set := make(map[string]bool)
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			set[part] = true
		}
	}
	return set
}
