// Package config loads the daemon configuration from a YAML or JSON
// file with strict decoding, and watches it for changes.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the daemon configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Settings stored in the database (timezone, api-key, telephone) are
// runtime-mutable through the control API; the values here are only
// the initial defaults for a fresh database.
type Config struct {
	Log       LogConfig       `json:"log"`
	Storage   StorageConfig   `json:"storage"`
	API       APIConfig       `json:"api"`
	Telnyx    TelnyxConfig    `json:"telnyx,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
}

type LogConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"` // nil means true
	File    string `json:"file,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type APIConfig struct {
	// Addr is the websocket listen address, e.g. "0.0.0.0:8585".
	Addr string `json:"addr,omitempty"`
}

type TelnyxConfig struct {
	APIKey     string `json:"api_key,omitempty"`
	FromNumber string `json:"from_number,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone is the initial IANA zone for schedule timestamps; the
	// database setting wins once present.
	Timezone string `json:"timezone,omitempty"`
	// ReapInterval is how often finished rule tasks are swept.
	ReapInterval string `json:"reap_interval,omitempty"`
}

const defaultAPIAddr = "0.0.0.0:8585"

// Normalize applies defaults and validates durations.
func (c *Config) Normalize() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	if strings.TrimSpace(c.API.Addr) == "" {
		c.API.Addr = defaultAPIAddr
	}
	for _, f := range []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"telnyx.timeout", c.Telnyx.Timeout},
		{"scheduler.reap_interval", c.Scheduler.ReapInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) ConsoleLog() bool {
	return c.Log.Console == nil || *c.Log.Console
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
