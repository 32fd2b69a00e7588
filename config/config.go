// Package config loads daemon settings from an optional YAML file and
// FHEMSYNC_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/internal/logger"
)

const envPrefix = "FHEMSYNC"

// Config is the daemon configuration. Durations use Go syntax ("30s", "15m").
type Config struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Stream     StreamConfig     `yaml:"stream"`
	Supervisor SupervisorConfig `yaml:"supervisor"`

	Toast    int           `yaml:"toast"`
	Log      logger.Config `yaml:"log"`
	Readings []string      `yaml:"readings"`
	Listen   string        `yaml:"listen"`
}

type SnapshotConfig struct {
	Interval           time.Duration `yaml:"interval"`
	IntervalWithStream time.Duration `yaml:"interval_with_stream"`
	InitialDelay       time.Duration `yaml:"initial_delay"`
	OnlineDelay        time.Duration `yaml:"online_delay"`
	Filter             string        `yaml:"filter"`
}

type StreamConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Filter         string        `yaml:"filter"`
	MaxAge         time.Duration `yaml:"max_age"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type SupervisorConfig struct {
	HealthPeriod      time.Duration `yaml:"health_period"`
	OnlineMinInterval time.Duration `yaml:"online_min_interval"`
	VisibilitySettle  time.Duration `yaml:"visibility_settle"`
}

// Default mirrors fhemsync.DefaultOptions.
func Default() *Config {
	o := fhemsync.DefaultOptions()
	return &Config{
		URL: o.BaseURL,
		Snapshot: SnapshotConfig{
			Interval:           o.Snapshot.Interval,
			IntervalWithStream: o.Snapshot.IntervalWithStream,
			InitialDelay:       o.Snapshot.InitialDelay,
			OnlineDelay:        o.Snapshot.OnlineDelay,
		},
		Stream: StreamConfig{
			Enabled:        o.Stream.Enabled,
			MaxAge:         o.Stream.MaxAge,
			ReconnectDelay: o.Stream.ReconnectDelay,
		},
		Supervisor: SupervisorConfig{
			HealthPeriod:      o.Supervisor.HealthPeriod,
			OnlineMinInterval: o.Supervisor.OnlineMinInterval,
			VisibilitySettle:  o.Supervisor.VisibilitySettle,
		},
		Toast:  o.Toast,
		Log:    logger.DefaultConfig(),
		Listen: ":8090",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"_URL":             &c.URL,
		"_USERNAME":        &c.Username,
		"_PASSWORD":        &c.Password,
		"_SNAPSHOT_FILTER": &c.Snapshot.Filter,
		"_STREAM_FILTER":   &c.Stream.Filter,
		"_LISTEN":          &c.Listen,
	}
	for suffix, dst := range strs {
		if val := os.Getenv(envPrefix + suffix); val != "" {
			*dst = val
		}
	}

	durations := map[string]*time.Duration{
		"_SNAPSHOT_INTERVAL":             &c.Snapshot.Interval,
		"_SNAPSHOT_INTERVAL_WITH_STREAM": &c.Snapshot.IntervalWithStream,
		"_SNAPSHOT_INITIAL_DELAY":        &c.Snapshot.InitialDelay,
		"_SNAPSHOT_ONLINE_DELAY":         &c.Snapshot.OnlineDelay,
		"_STREAM_MAX_AGE":                &c.Stream.MaxAge,
		"_STREAM_RECONNECT_DELAY":        &c.Stream.ReconnectDelay,
		"_HEALTH_PERIOD":                 &c.Supervisor.HealthPeriod,
		"_ONLINE_MIN_INTERVAL":           &c.Supervisor.OnlineMinInterval,
		"_VISIBILITY_SETTLE":             &c.Supervisor.VisibilitySettle,
	}
	for suffix, dst := range durations {
		val := os.Getenv(envPrefix + suffix)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, suffix, err)
		}
		*dst = d
	}

	if val := os.Getenv(envPrefix + "_STREAM"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s_STREAM: %w", envPrefix, err)
		}
		c.Stream.Enabled = b
	}
	if val := os.Getenv(envPrefix + "_TOAST"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_TOAST: %w", envPrefix, err)
		}
		c.Toast = n
	}
	if val := os.Getenv(envPrefix + "_READINGS"); val != "" {
		c.Readings = c.Readings[:0]
		for _, r := range strings.Split(val, ",") {
			if r = strings.TrimSpace(r); r != "" {
				c.Readings = append(c.Readings, r)
			}
		}
	}
	return nil
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url: scheme must be http or https, got %q", u.Scheme)
	}
	if c.Snapshot.Interval <= 0 {
		return errors.New("snapshot.interval must be positive")
	}
	if c.Stream.MaxAge < 0 {
		return errors.New("stream.max_age must not be negative")
	}
	if c.Toast < 0 {
		return errors.New("toast must not be negative")
	}
	return nil
}

// Options converts the configuration for session.New.
func (c *Config) Options() fhemsync.Options {
	o := fhemsync.Options{
		BaseURL: c.URL,
		Snapshot: fhemsync.SnapshotConfig{
			Interval:           c.Snapshot.Interval,
			IntervalWithStream: c.Snapshot.IntervalWithStream,
			InitialDelay:       c.Snapshot.InitialDelay,
			OnlineDelay:        c.Snapshot.OnlineDelay,
			Filter:             c.Snapshot.Filter,
		},
		Stream: fhemsync.StreamConfig{
			Enabled:        c.Stream.Enabled,
			Filter:         c.Stream.Filter,
			MaxAge:         c.Stream.MaxAge,
			ReconnectDelay: c.Stream.ReconnectDelay,
		},
		Supervisor: fhemsync.SupervisorConfig{
			HealthPeriod:      c.Supervisor.HealthPeriod,
			OnlineMinInterval: c.Supervisor.OnlineMinInterval,
			VisibilitySettle:  c.Supervisor.VisibilitySettle,
		},
		Toast: c.Toast,
	}
	if c.Username != "" {
		o.Auth = fhemsync.BasicAuth{Username: c.Username, Password: c.Password}
	}
	return o
}
