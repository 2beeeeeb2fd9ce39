// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ConfigError reports one invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

func fieldError(field, format string, args ...any) error {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the whole tree. Any error here is fatal at startup.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateServer,
		c.validateLogging,
		c.validateAdmission,
		c.validateIdempotency,
		c.validateNormalization,
		c.validateStore,
		c.validateChangeFeed,
		c.validateAlerting,
		c.validateLifecycle,
		c.validateBroker,
		c.validateSimulation,
		c.validateWebSocket,
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fieldError("server.port", "must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxBatchSize < 1 {
		return fieldError("server.max_batch_size", "must be positive")
	}
	if c.Server.MaxBodyBytes < 1024 {
		return fieldError("server.max_body_bytes", "must be at least 1024")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled", "off":
	default:
		return fieldError("logging.level", "unknown level %q", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fieldError("logging.format", "must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateAdmission() error {
	a := c.Admission
	if !a.Enabled {
		return nil
	}
	switch {
	case a.Window <= 0:
		return fieldError("admission.window", "must be positive")
	case a.Segments < 1:
		return fieldError("admission.segments", "must be at least 1")
	case a.Window/time.Duration(a.Segments) <= 0:
		return fieldError("admission.segments", "window %s cannot be split into %d segments", a.Window, a.Segments)
	case a.PermitLimit < 1:
		return fieldError("admission.permit_limit", "must be at least 1")
	case a.WindowQueue < 0 || a.BucketQueue < 0:
		return fieldError("admission.queue", "queue limits cannot be negative")
	case a.Capacity < 1:
		return fieldError("admission.capacity", "must be at least 1")
	case a.RefillTokens < 1:
		return fieldError("admission.refill_tokens", "must be at least 1")
	case a.RefillPeriod <= 0:
		return fieldError("admission.refill_period", "must be positive")
	}
	return nil
}

func (c *Config) validateIdempotency() error {
	switch c.Idempotency.Backend {
	case "memory", "badger":
	default:
		return fieldError("idempotency.backend", "must be memory or badger, got %q", c.Idempotency.Backend)
	}
	if c.Idempotency.Retention <= 0 {
		return fieldError("idempotency.retention", "must be positive")
	}
	if c.Idempotency.Backend == "memory" && c.Idempotency.MaxKeys < 1 {
		return fieldError("idempotency.max_keys", "must be positive for the memory backend")
	}
	if c.Idempotency.Backend == "badger" && c.Idempotency.Path == "" && !c.Store.InMemory {
		return fieldError("idempotency.path", "required for the badger backend")
	}
	return nil
}

func (c *Config) validateNormalization() error {
	if c.Normalization.SkewTolerance < 0 {
		return fieldError("normalization.skew_tolerance", "cannot be negative")
	}
	if c.Normalization.MaxAge <= 0 {
		return fieldError("normalization.max_age", "must be positive")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "badger":
		if c.Store.BadgerPath == "" && !c.Store.InMemory {
			return fieldError("store.badger_path", "required unless store.in_memory is set")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fieldError("store.postgres_dsn", "required for the postgres driver")
		}
		if c.Store.SlotName == "" || c.Store.Publication == "" {
			return fieldError("store.slot_name", "slot and publication names are required for the postgres driver")
		}
	default:
		return fieldError("store.driver", "must be badger or postgres, got %q", c.Store.Driver)
	}
	return nil
}

func (c *Config) validateChangeFeed() error {
	f := c.ChangeFeed
	if f.BatchSize < 1 {
		return fieldError("changefeed.batch_size", "must be at least 1")
	}
	if f.PollInterval <= 0 {
		return fieldError("changefeed.poll_interval", "must be positive")
	}
	if f.BackoffInitial <= 0 || f.BackoffMax < f.BackoffInitial {
		return fieldError("changefeed.backoff_max", "must be >= backoff_initial > 0")
	}
	return nil
}

func (c *Config) validateAlerting() error {
	if !c.Alerting.Enabled {
		return nil
	}
	if c.Alerting.DefaultSustained < 0 {
		return fieldError("alerting.default_sustained", "cannot be negative")
	}
	seen := make(map[string]struct{}, len(c.Alerting.Rules))
	for i, r := range c.Alerting.Rules {
		field := fmt.Sprintf("alerting.rules[%d]", i)
		if r.ID == "" {
			return fieldError(field, "id is required")
		}
		if _, dup := seen[r.ID]; dup {
			return fieldError(field, "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.StreamType == "" && r.StreamID == "" {
			return fieldError(field, "one of stream_type or stream_id is required")
		}
		switch r.Comparator {
		case ">", ">=", "<", "<=":
		default:
			return fieldError(field, "comparator must be one of > >= < <=, got %q", r.Comparator)
		}
		if r.Sustained < 0 {
			return fieldError(field, "sustained cannot be negative")
		}
	}
	if c.Alerting.WebhookURL != "" {
		u, err := url.Parse(c.Alerting.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fieldError("alerting.webhook_url", "must be an absolute http(s) URL")
		}
	}
	return nil
}

func (c *Config) validateLifecycle() error {
	l := c.Lifecycle
	if l.SessionCleanupInterval <= 0 || l.SnapshotInterval <= 0 || l.FreshnessInterval <= 0 || l.MaintenanceInterval <= 0 {
		return fieldError("lifecycle", "worker intervals must be positive")
	}
	if l.StaleSessionAge <= 0 {
		return fieldError("lifecycle.stale_session_age", "must be positive")
	}
	if l.FreshnessThreshold <= 0 {
		return fieldError("lifecycle.freshness_threshold", "must be positive")
	}
	return nil
}

func (c *Config) validateBroker() error {
	b := c.Broker
	if !b.Enabled {
		if b.RelayEnabled {
			return fieldError("broker.relay_enabled", "requires broker.enabled")
		}
		return nil
	}
	if b.Port < 1 || b.Port > 65535 {
		return fieldError("broker.port", "must be between 1 and 65535")
	}
	if b.MQTTPort < 0 || b.MQTTPort > 65535 {
		return fieldError("broker.mqtt_port", "must be between 0 and 65535")
	}
	if b.TopicPattern == "" || b.IngestStream == "" || b.DurableName == "" {
		return fieldError("broker.topic_pattern", "topic pattern, ingest stream and durable name are required")
	}
	if strings.Contains(b.TopicPattern, "#") && !strings.HasSuffix(b.TopicPattern, "#") {
		return fieldError("broker.topic_pattern", "# wildcard is only allowed as the last level")
	}
	return nil
}

func (c *Config) validateSimulation() error {
	s := c.Simulation
	if !s.Enabled {
		return nil
	}
	if s.SiteID == "" || s.EquipmentID == "" {
		return fieldError("simulation.site_id", "site and equipment are required when simulation is enabled")
	}
	if s.Tick < time.Second {
		return fieldError("simulation.tick", "must be at least 1s, got %s", s.Tick)
	}
	if len(s.Streams) == 0 {
		return fieldError("simulation.streams", "at least one stream key is required")
	}
	return nil
}

func (c *Config) validateWebSocket() error {
	if c.WebSocket.SendBuffer < 1 {
		return fieldError("websocket.send_buffer", "must be at least 1")
	}
	if c.WebSocket.PongWait <= c.WebSocket.WriteWait {
		return fieldError("websocket.pong_wait", "must exceed write_wait")
	}
	return nil
}
