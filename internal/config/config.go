// Package config loads and watches the daemon's configuration file.
//
// JSON is the native format; YAML files are coerced to JSON so both share
// one strict decoder. Duration fields are Go duration strings ("5s",
// "2m"). Unknown keys are rejected.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Bridge   BridgeConfig   `json:"bridge"`
	Session  SessionConfig  `json:"session,omitempty"`
	Delivery DeliveryConfig `json:"delivery,omitempty"`
	Reminder ReminderConfig `json:"reminder"`
	Storage  StorageConfig  `json:"storage"`
}

type ServerConfig struct {
	// Addr is the HTTP API bind address, e.g. "127.0.0.1:8080".
	Addr string `json:"addr"`
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// BridgeConfig points at the external WhatsApp web-bridge process.
type BridgeConfig struct {
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key,omitempty"`
	HTTPTimeout string `json:"http_timeout,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// SessionConfig tunes the connection state machine. Zero values fall back
// to the built-in defaults (120s watchdog, 3 attempts, 5s/10s delays).
type SessionConfig struct {
	AutoInitialize bool `json:"auto_initialize"`

	MaxBringUpAttempts int    `json:"max_bring_up_attempts,omitempty"`
	BringUpWatchdog    string `json:"bring_up_watchdog,omitempty"`
	InitRetryDelay     string `json:"init_retry_delay,omitempty"`
	TimeoutRetryDelay  string `json:"timeout_retry_delay,omitempty"`
	ReconnectDelay     string `json:"reconnect_delay,omitempty"`
	RestartSettle      string `json:"restart_settle,omitempty"`
}

// DeliveryConfig tunes per-message retries and the broadcast throttle.
type DeliveryConfig struct {
	MessageInterval string `json:"message_interval,omitempty"`
}

type ReminderConfig struct {
	Enabled          bool   `json:"enabled"`
	Timezone         string `json:"timezone,omitempty"`
	FeeCron          string `json:"fee_cron,omitempty"`
	ExpiryCron       string `json:"expiry_cron,omitempty"`
	ExpiryWindowDays int    `json:"expiry_window_days,omitempty"`
	GymName          string `json:"gym_name,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// Validate checks the fields that have no safe fallback.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if strings.TrimSpace(c.Bridge.BaseURL) == "" {
		return errors.New("bridge.base_url is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	for _, d := range []struct{ path, raw string }{
		{"bridge.http_timeout", c.Bridge.HTTPTimeout},
		{"bridge.poll_timeout", c.Bridge.PollTimeout},
		{"session.bring_up_watchdog", c.Session.BringUpWatchdog},
		{"session.init_retry_delay", c.Session.InitRetryDelay},
		{"session.timeout_retry_delay", c.Session.TimeoutRetryDelay},
		{"session.reconnect_delay", c.Session.ReconnectDelay},
		{"session.restart_settle", c.Session.RestartSettle},
		{"delivery.message_interval", c.Delivery.MessageInterval},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseFile reads and strictly decodes a config file.
func ParseFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, _, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated JSON documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
