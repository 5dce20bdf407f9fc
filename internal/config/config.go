package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config lists the tunable parameters for the location agent.
type Config struct {
	Endpoint         string
	APIKey           string
	APIKeyHeader     string
	DatabasePath     string
	LogLevel         string
	LogFile          string
	HTTPPort         int
	MetricsPort      int
	MQTTBroker       string
	MQTTTopicPrefix  string
	DeviceUUID       string
	RealtimeInterval time.Duration
	SyncInterval     time.Duration
	UploadTimeout    time.Duration
	AdvertiseMDNS    bool
}

const (
	defaultAPIKeyHeader     = "X-Api-Key"
	defaultDatabasePath     = "data/gpsrecorder.db"
	defaultLogLevel         = "info"
	defaultLogFile          = "debug.log"
	defaultHTTPPort         = 8080
	defaultMetricsPort      = 9090
	defaultMQTTTopicPrefix  = "gpsrecorder"
	defaultRealtimeInterval = 15 * time.Second
	defaultSyncInterval     = 600 * time.Second
	defaultUploadTimeout    = 5 * time.Second
)

var (
	ErrMissingEndpoint = errors.New("GPSRECORDER_ENDPOINT is required")
	ErrMissingAPIKey   = errors.New("GPSRECORDER_API_KEY is required")
)

// Load derives configuration values from environment variables, falling back to defaults.
// The upload endpoint and API key have no defaults and must be present.
func Load() (Config, error) {
	cfg := Config{
		APIKeyHeader:     defaultAPIKeyHeader,
		DatabasePath:     defaultDatabasePath,
		LogLevel:         defaultLogLevel,
		LogFile:          defaultLogFile,
		HTTPPort:         defaultHTTPPort,
		MetricsPort:      defaultMetricsPort,
		MQTTTopicPrefix:  defaultMQTTTopicPrefix,
		RealtimeInterval: defaultRealtimeInterval,
		SyncInterval:     defaultSyncInterval,
		UploadTimeout:    defaultUploadTimeout,
		AdvertiseMDNS:    true,
	}

	cfg.Endpoint = strings.TrimSpace(os.Getenv("GPSRECORDER_ENDPOINT"))
	if cfg.Endpoint == "" {
		return Config{}, ErrMissingEndpoint
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("invalid GPSRECORDER_ENDPOINT %q", cfg.Endpoint)
	}

	cfg.APIKey = strings.TrimSpace(os.Getenv("GPSRECORDER_API_KEY"))
	if cfg.APIKey == "" {
		return Config{}, ErrMissingAPIKey
	}

	if v := os.Getenv("GPSRECORDER_API_KEY_HEADER"); v != "" {
		cfg.APIKeyHeader = v
	}

	if v := os.Getenv("GPSRECORDER_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("GPSRECORDER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v, ok := os.LookupEnv("GPSRECORDER_LOG_FILE"); ok {
		cfg.LogFile = strings.TrimSpace(v)
	}

	if v := os.Getenv("GPSRECORDER_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GPSRECORDER_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("GPSRECORDER_METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GPSRECORDER_METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = port
	}

	if v := os.Getenv("GPSRECORDER_MQTT_BROKER"); v != "" {
		cfg.MQTTBroker = strings.TrimSpace(v)
	}

	if v := os.Getenv("GPSRECORDER_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTTTopicPrefix = strings.Trim(v, "/ ")
	}

	if v := os.Getenv("GPSRECORDER_DEVICE_UUID"); v != "" {
		cfg.DeviceUUID = strings.TrimSpace(v)
	}

	if cfg.RealtimeInterval, err = durationEnv("GPSRECORDER_REALTIME_INTERVAL", cfg.RealtimeInterval); err != nil {
		return Config{}, err
	}
	if cfg.SyncInterval, err = durationEnv("GPSRECORDER_SYNC_INTERVAL", cfg.SyncInterval); err != nil {
		return Config{}, err
	}
	if cfg.UploadTimeout, err = durationEnv("GPSRECORDER_UPLOAD_TIMEOUT", cfg.UploadTimeout); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("GPSRECORDER_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GPSRECORDER_MDNS: %w", err)
		}
		cfg.AdvertiseMDNS = enabled
	}

	return cfg, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
