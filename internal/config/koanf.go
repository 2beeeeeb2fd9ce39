// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/canopy/config.yaml",
	"/etc/canopy/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// sliceConfigPaths accept comma-separated strings from the environment.
var sliceConfigPaths = []string{
	"security.cors_origins",
	"simulation.streams",
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    4 << 20,
			MaxBatchSize:    5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Admission: AdmissionConfig{
			Enabled:      true,
			Window:       time.Second,
			Segments:     10,
			PermitLimit:  200,
			WindowQueue:  50,
			Capacity:     100,
			RefillTokens: 50,
			RefillPeriod: time.Second,
			BucketQueue:  50,
			MaxQueueWait: 2 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Backend:   "badger",
			Retention: 24 * time.Hour,
			MaxKeys:   1_000_000,
			Path:      "/data/canopy/idempotency",
		},
		Normalization: NormalizationConfig{
			AutoCreateStreams: true,
			SkewTolerance:     2 * time.Minute,
			MaxAge:            30 * 24 * time.Hour,
		},
		Store: StoreConfig{
			Driver:      "badger",
			BadgerPath:  "/data/canopy/store",
			SlotName:    "canopy_readings",
			Publication: "canopy_readings",
		},
		ChangeFeed: ChangeFeedConfig{
			BatchSize:      256,
			PollInterval:   250 * time.Millisecond,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
			StatusInterval: 10 * time.Second,
		},
		Alerting: AlertingConfig{
			Enabled:          true,
			DefaultSustained: 5 * time.Minute,
			WebhookTimeout:   10 * time.Second,
			WebhookPerMinute: 30,
		},
		Lifecycle: LifecycleConfig{
			SessionCleanupInterval: time.Minute,
			StaleSessionAge:        15 * time.Minute,
			SnapshotInterval:       30 * time.Second,
			FreshnessInterval:      time.Minute,
			FreshnessThreshold:     15 * time.Minute,
			MaintenanceInterval:    5 * time.Minute,
		},
		Broker: BrokerConfig{
			Enabled:       false,
			Host:          "127.0.0.1",
			Port:          4222,
			StoreDir:      "/data/canopy/nats",
			MaxMemory:     256 << 20,
			MaxStore:      4 << 30,
			MQTTPort:      1883,
			TopicPattern:  "canopy/ingest/+/+",
			IngestStream:  "CANOPY_INGEST",
			DurableName:   "canopy-ingest",
			RelayEnabled:  false,
			RelaySubject:  "canopy.readings",
			RelayStream:   "CANOPY_READINGS",
			MaxDeliveries: 20,
		},
		Simulation: SimulationConfig{
			Enabled:     false,
			SiteID:      "sim-site",
			EquipmentID: "sim-gateway",
			Tick:        10 * time.Second,
			Streams:     []string{"temperature", "humidity", "co2", "ppfd"},
			Seed:        1,
		},
		WebSocket: WebSocketConfig{
			SendBuffer:     256,
			MaxMessageSize: 4096,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Security: SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   600,
			RateLimitWindow: time.Minute,
		},
	}
}

// Load builds the configuration: struct defaults, then the config file if
// one is found, then environment variables. The result is validated.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variable names (lower-cased) to koanf paths.
// Unmapped variables are ignored.
var envMappings = map[string]string{
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_read_timeout":     "server.read_timeout",
	"http_write_timeout":    "server.write_timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"ingest_max_body_bytes": "server.max_body_bytes",
	"ingest_max_batch_size": "server.max_batch_size",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"admission_enabled":        "admission.enabled",
	"admission_window":         "admission.window",
	"admission_segments":       "admission.segments",
	"admission_permit_limit":   "admission.permit_limit",
	"admission_window_queue":   "admission.window_queue",
	"admission_capacity":       "admission.capacity",
	"admission_refill_tokens":  "admission.refill_tokens",
	"admission_refill_period":  "admission.refill_period",
	"admission_bucket_queue":   "admission.bucket_queue",
	"admission_max_queue_wait": "admission.max_queue_wait",

	"idempotency_backend":   "idempotency.backend",
	"idempotency_retention": "idempotency.retention",
	"idempotency_max_keys":  "idempotency.max_keys",
	"idempotency_path":      "idempotency.path",

	"normalize_auto_create":    "normalization.auto_create_streams",
	"normalize_skew_tolerance": "normalization.skew_tolerance",
	"normalize_max_age":        "normalization.max_age",

	"store_driver":       "store.driver",
	"store_badger_path":  "store.badger_path",
	"store_in_memory":    "store.in_memory",
	"database_url":       "store.postgres_dsn",
	"store_slot_name":    "store.slot_name",
	"store_publication":  "store.publication",
	"changefeed_batch":   "changefeed.batch_size",
	"changefeed_poll":    "changefeed.poll_interval",
	"changefeed_backoff": "changefeed.backoff_initial",

	"alerting_enabled":           "alerting.enabled",
	"alerting_default_sustained": "alerting.default_sustained",
	"alerting_webhook_url":       "alerting.webhook_url",

	"lifecycle_stale_session_age":   "lifecycle.stale_session_age",
	"lifecycle_freshness_threshold": "lifecycle.freshness_threshold",

	"broker_enabled":       "broker.enabled",
	"broker_host":          "broker.host",
	"broker_port":          "broker.port",
	"broker_store_dir":     "broker.store_dir",
	"mqtt_port":            "broker.mqtt_port",
	"mqtt_topic_pattern":   "broker.topic_pattern",
	"broker_relay_enabled": "broker.relay_enabled",

	"simulation_enabled":   "simulation.enabled",
	"simulation_site":      "simulation.site_id",
	"simulation_equipment": "simulation.equipment_id",
	"simulation_tick":      "simulation.tick",
	"simulation_streams":   "simulation.streams",

	"cors_origins":        "security.cors_origins",
	"rate_limit_requests": "security.rate_limit_reqs",
	"rate_limit_window":   "security.rate_limit_window",
	"disable_rate_limit":  "security.rate_limit_disabled",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
