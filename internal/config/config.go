// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package config loads Canopy configuration from defaults, an optional YAML
// file and environment variables (highest priority), in that order.
package config

import "time"

// Config is the root configuration tree.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Admission     AdmissionConfig     `koanf:"admission"`
	Idempotency   IdempotencyConfig   `koanf:"idempotency"`
	Normalization NormalizationConfig `koanf:"normalization"`
	Store         StoreConfig         `koanf:"store"`
	ChangeFeed    ChangeFeedConfig    `koanf:"changefeed"`
	Alerting      AlertingConfig      `koanf:"alerting"`
	Lifecycle     LifecycleConfig     `koanf:"lifecycle"`
	Broker        BrokerConfig        `koanf:"broker"`
	Simulation    SimulationConfig    `koanf:"simulation"`
	WebSocket     WebSocketConfig     `koanf:"websocket"`
	Supervisor    SupervisorConfig    `koanf:"supervisor"`
	Security      SecurityConfig      `koanf:"security"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	MaxBatchSize    int           `koanf:"max_batch_size"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// AdmissionConfig sizes the two limiters that gate every adapter.
type AdmissionConfig struct {
	Enabled bool `koanf:"enabled"`

	// Sliding window: Window is split into Segments; PermitLimit is the
	// admitted total across the trailing segments.
	Window      time.Duration `koanf:"window"`
	Segments    int           `koanf:"segments"`
	PermitLimit int           `koanf:"permit_limit"`
	WindowQueue int           `koanf:"window_queue"`

	// Token bucket: Capacity tokens, refilled RefillTokens every RefillPeriod.
	Capacity     int           `koanf:"capacity"`
	RefillTokens int           `koanf:"refill_tokens"`
	RefillPeriod time.Duration `koanf:"refill_period"`
	BucketQueue  int           `koanf:"bucket_queue"`

	// MaxQueueWait bounds how long a queued request waits before it is
	// rejected with a retry hint.
	MaxQueueWait time.Duration `koanf:"max_queue_wait"`
}

// IdempotencyConfig controls key reservation. Retention is how long a key
// is remembered; replays after that are treated as new data.
type IdempotencyConfig struct {
	Backend   string        `koanf:"backend"` // memory | badger
	Retention time.Duration `koanf:"retention"`
	MaxKeys   int           `koanf:"max_keys"`
	Path      string        `koanf:"path"`
}

type NormalizationConfig struct {
	AutoCreateStreams bool          `koanf:"auto_create_streams"`
	SkewTolerance     time.Duration `koanf:"skew_tolerance"`
	MaxAge            time.Duration `koanf:"max_age"`
}

// StoreConfig selects the reading store. The badger driver keeps its own
// ordered commit log; the postgres driver reads a logical replication slot.
type StoreConfig struct {
	Driver      string `koanf:"driver"` // badger | postgres
	BadgerPath  string `koanf:"badger_path"`
	InMemory    bool   `koanf:"in_memory"`
	PostgresDSN string `koanf:"postgres_dsn"`
	SlotName    string `koanf:"slot_name"`
	Publication string `koanf:"publication"`
}

type ChangeFeedConfig struct {
	BatchSize      int           `koanf:"batch_size"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	BackoffInitial time.Duration `koanf:"backoff_initial"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
	StatusInterval time.Duration `koanf:"status_interval"`
}

// AlertRuleConfig is one alert rule as declared in the YAML file.
type AlertRuleConfig struct {
	ID         string        `koanf:"id"`
	SiteID     string        `koanf:"site_id"`
	StreamType string        `koanf:"stream_type"`
	StreamID   string        `koanf:"stream_id"`
	Comparator string        `koanf:"comparator"`
	Threshold  float64       `koanf:"threshold"`
	Unit       string        `koanf:"unit"`
	Sustained  time.Duration `koanf:"sustained"`
	Severity   string        `koanf:"severity"`
}

type AlertingConfig struct {
	Enabled          bool              `koanf:"enabled"`
	DefaultSustained time.Duration     `koanf:"default_sustained"`
	Rules            []AlertRuleConfig `koanf:"rules"`
	WebhookURL       string            `koanf:"webhook_url"`
	WebhookTimeout   time.Duration     `koanf:"webhook_timeout"`
	WebhookPerMinute int               `koanf:"webhook_per_minute"`
}

type LifecycleConfig struct {
	SessionCleanupInterval time.Duration `koanf:"session_cleanup_interval"`
	StaleSessionAge        time.Duration `koanf:"stale_session_age"`
	SnapshotInterval       time.Duration `koanf:"snapshot_interval"`
	FreshnessInterval      time.Duration `koanf:"freshness_interval"`
	FreshnessThreshold     time.Duration `koanf:"freshness_threshold"`
	MaintenanceInterval    time.Duration `koanf:"maintenance_interval"`
}

// BrokerConfig drives the embedded NATS server, its MQTT listener, and the
// JetStream relay of committed readings.
type BrokerConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Host          string `koanf:"host"`
	Port          int    `koanf:"port"`
	StoreDir      string `koanf:"store_dir"`
	MaxMemory     int64  `koanf:"max_memory"`
	MaxStore      int64  `koanf:"max_store"`
	MQTTPort      int    `koanf:"mqtt_port"`
	TopicPattern  string `koanf:"topic_pattern"`
	IngestStream  string `koanf:"ingest_stream"`
	DurableName   string `koanf:"durable_name"`
	RelayEnabled  bool   `koanf:"relay_enabled"`
	RelaySubject  string `koanf:"relay_subject"`
	RelayStream   string `koanf:"relay_stream"`
	MaxDeliveries int    `koanf:"max_deliveries"`
}

// SimulationConfig drives the built-in synthetic data generator. Streams
// are stream keys ("temperature", "humidity:2").
type SimulationConfig struct {
	Enabled     bool          `koanf:"enabled"`
	SiteID      string        `koanf:"site_id"`
	EquipmentID string        `koanf:"equipment_id"`
	Tick        time.Duration `koanf:"tick"`
	Streams     []string      `koanf:"streams"`
	Seed        int64         `koanf:"seed"`
}

type WebSocketConfig struct {
	SendBuffer     int           `koanf:"send_buffer"`
	MaxMessageSize int64         `koanf:"max_message_size"`
	PongWait       time.Duration `koanf:"pong_wait"`
	WriteWait      time.Duration `koanf:"write_wait"`
}

type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// SecurityConfig covers the HTTP guard rails that run before admission control.
type SecurityConfig struct {
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return joinHostPort(s.Host, s.Port)
}
