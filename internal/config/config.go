// Package config loads fleetwatch settings from an optional YAML file and
// the environment. Environment variables win over the file.
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
)

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

// Registry says where the fleet registry lives. SRV, when set, is resolved
// at startup and takes precedence over URL.
type Registry struct {
	URL     string   `yaml:"url"`
	SRV     string   `yaml:"srv"`
	Scheme  string   `yaml:"scheme"`
	Timeout Duration `yaml:"timeout"`
}

type Discovery struct {
	Server  string   `yaml:"server"`
	Timeout Duration `yaml:"timeout"`
}

type Tracking struct {
	PollInterval      Duration `yaml:"poll_interval"`
	AlertPollInterval Duration `yaml:"alert_poll_interval"`
	SearchQuietPeriod Duration `yaml:"search_quiet_period"`
	Backoff           bool     `yaml:"backoff"`
	MaxBackoff        Duration `yaml:"max_backoff"`
	NotificationCap   int      `yaml:"notification_cap"`
}

type Events struct {
	NATSURL string `yaml:"nats_url"`
}

type Config struct {
	LogLevel  string    `yaml:"log_level"`
	LogFormat string    `yaml:"log_format"`
	HTTP      HTTP      `yaml:"http"`
	Registry  Registry  `yaml:"registry"`
	Discovery Discovery `yaml:"discovery"`
	Tracking  Tracking  `yaml:"tracking"`
	Events    Events    `yaml:"events"`
}

func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		HTTP:      HTTP{Addr: ":8081"},
		Registry: Registry{
			URL:     "http://localhost:8000",
			Scheme:  "http",
			Timeout: Duration(10 * time.Second),
		},
		Discovery: Discovery{Timeout: Duration(2 * time.Second)},
		Tracking: Tracking{
			PollInterval:      Duration(10 * time.Second),
			AlertPollInterval: Duration(30 * time.Second),
			SearchQuietPeriod: Duration(300 * time.Millisecond),
			MaxBackoff:        Duration(5 * time.Minute),
			NotificationCap:   100,
		},
	}
}

// Load reads path (if not empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("FLEET_API_URL"); v != "" {
		cfg.Registry.URL = v
	}
	if v := getenv("FLEET_API_SRV"); v != "" {
		cfg.Registry.SRV = v
	}
	if v := getenv("FLEET_POLL_INTERVAL"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("FLEET_POLL_INTERVAL: %w", err)
		}
		cfg.Tracking.PollInterval = Duration(d)
	}
	if v := getenv("NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	return nil
}

// parseSeconds accepts a duration string or a bare number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		problems = append(problems, "http.addr is required")
	}
	if c.Registry.SRV == "" {
		u, err := url.Parse(c.Registry.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, "registry.url must be an absolute http(s) url")
		}
	}
	if s := c.Registry.Scheme; s != "" && s != "http" && s != "https" {
		problems = append(problems, "registry.scheme must be http or https")
	}
	if c.Registry.Timeout.Std() <= 0 {
		problems = append(problems, "registry.timeout must be positive")
	}
	if c.Tracking.PollInterval.Std() <= 0 {
		problems = append(problems, "tracking.poll_interval must be positive")
	}
	if c.Tracking.AlertPollInterval.Std() <= 0 {
		problems = append(problems, "tracking.alert_poll_interval must be positive")
	}
	if c.Tracking.SearchQuietPeriod.Std() < 0 {
		problems = append(problems, "tracking.search_quiet_period must not be negative")
	}
	if c.Tracking.NotificationCap < 0 {
		problems = append(problems, "tracking.notification_cap must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
