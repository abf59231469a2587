package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DriverSpeedtest = "speedtest"
	DriverScripted  = "scripted"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	Metadata  MetadataConfig  `json:"metadata"`
	Client    ClientConfig    `json:"client"`
	HTTP      HTTPConfig      `json:"http"`
	Metrics   MetricsConfig   `json:"metrics"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig selects the measurement engine. Changes apply to the next run.
type EngineConfig struct {
	Driver    string          `json:"driver"`
	Speedtest SpeedtestConfig `json:"speedtest"`
	Scripted  ScriptedConfig  `json:"scripted"`
}

type SpeedtestConfig struct {
	ServerCount     int  `json:"server_count,omitempty"`
	MaxConnections  int  `json:"max_connections,omitempty"`
	SavingMode      bool `json:"saving_mode,omitempty"`
	PingConcurrency int  `json:"ping_concurrency,omitempty"`
	// TransferTimeout is a Go duration string (e.g. "4s").
	TransferTimeout string `json:"transfer_timeout,omitempty"`
}

type ScriptedConfig struct {
	// Script is a JSON or YAML file; empty means a built-in ramp.
	Script    string `json:"script,omitempty"`
	StepDelay string `json:"step_delay,omitempty"`
}

type MetadataConfig struct {
	Enabled   bool   `json:"enabled"`
	URL       string `json:"url,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type ClientConfig struct {
	// Identity is recorded in every report; defaults to the user agent.
	Identity string `json:"identity,omitempty"`
}

// HTTPConfig controls the local control API.
//
// Prefer binding to localhost: the API can start and stop runs.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig triggers recurring runs in serve mode.
//
// Spec accepts standard cron (optional seconds field) and descriptors such
// as "@hourly" or "@every 30m".
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Engine: EngineConfig{
			Driver: DriverSpeedtest,
			Speedtest: SpeedtestConfig{
				ServerCount:     5,
				MaxConnections:  4,
				PingConcurrency: 4,
				TransferTimeout: "4s",
			},
			Scripted: ScriptedConfig{StepDelay: "200ms"},
		},
		Metadata: MetadataConfig{
			Enabled:   true,
			URL:       "https://speed.cloudflare.com/meta",
			Timeout:   "5s",
			UserAgent: "netgauge/1",
		},
		HTTP:      HTTPConfig{Enabled: true, Addr: "127.0.0.1:8765"},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		Scheduler: SchedulerConfig{Spec: "@every 1h"},
	}
}

// ClientIdentity is the identity recorded in reports.
func (c *Config) ClientIdentity() string {
	if s := strings.TrimSpace(c.Client.Identity); s != "" {
		return s
	}
	return strings.TrimSpace(c.Metadata.UserAgent)
}

// cronParser accepts an optional seconds field and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a scheduler spec.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(strings.TrimSpace(spec))
}

// Validate checks every field that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	switch strings.TrimSpace(c.Engine.Driver) {
	case "", DriverSpeedtest, DriverScripted:
	default:
		return fmt.Errorf("engine.driver: unknown driver %q", c.Engine.Driver)
	}
	durations := map[string]string{
		"engine.speedtest.transfer_timeout": c.Engine.Speedtest.TransferTimeout,
		"engine.scripted.step_delay":        c.Engine.Scripted.StepDelay,
		"metadata.timeout":                  c.Metadata.Timeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Scheduler.Enabled {
		if strings.TrimSpace(c.Scheduler.Spec) == "" {
			return fmt.Errorf("scheduler.spec: required when scheduler is enabled")
		}
		if _, err := ParseSchedule(c.Scheduler.Spec); err != nil {
			return fmt.Errorf("scheduler.spec: %w", err)
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if p := strings.TrimSpace(c.Metrics.Path); p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("metrics.path: must start with /")
	}
	return nil
}

// Location resolves scheduler.timezone, defaulting to local time.
func (s SchedulerConfig) Location() *time.Location {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
