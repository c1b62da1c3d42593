/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: config.go
Description: Configuration structures for the fault injection monitor. Loaded from CLI
flags via cobra/viper in cmd/faultmonitor, with sensible defaults for everything a flag
doesn't override.
*/
package config

import (
	"fmt"
	"syscall"
	"time"

	"github.com/kleascm/faultmonitor/internal/inject"
	"github.com/kleascm/faultmonitor/internal/monitorcore"
)

// glibcSIGRTMIN is the first application-usable real-time signal on
// Linux; glibc reserves 32-33 for its own use, so SIGRTMIN is 34.
// golang.org/x/sys/unix does not export this as a constant.
const glibcSIGRTMIN = 34

// MonitorConfig holds every knob the Invocation Contract exposes: the
// target PID, worker count, injection parameters, and mode-specific
// timing. It is the CLI/viper-facing counterpart of monitorcore.Config.
type MonitorConfig struct {
	PID     int    `mapstructure:"pid"`
	Workers int    `mapstructure:"workers"`
	Mode    string `mapstructure:"mode"` // "periodic" or "command"

	InjectMode     string  `mapstructure:"inject_mode"` // "bit-flip", "stuck-at-zero", "stuck-at-one"
	PointerRate    float64 `mapstructure:"pointer_rate"`
	NonPointerRate float64 `mapstructure:"non_pointer_rate"`
	ErrorLimit     int     `mapstructure:"error_limit"`
	Seed           int64   `mapstructure:"seed"`

	HeapQuota   int `mapstructure:"heap_quota"`
	StackQuota  int `mapstructure:"stack_quota"`
	StaticQuota int `mapstructure:"static_quota"`
	OtherQuota  int `mapstructure:"other_quota"`
	WildQuota   int `mapstructure:"wildcard_quota"`

	InitialDelay string `mapstructure:"initial_delay"` // periodic mode only
	Interval     string `mapstructure:"interval"`      // periodic mode only
	IterationCap int    `mapstructure:"iteration_cap"` // periodic mode only, 0 = unbounded

	RequestSignal  int `mapstructure:"request_signal"`  // offset from SIGRTMIN, command mode only
	ResponseSignal int `mapstructure:"response_signal"` // offset from SIGRTMIN, command mode only
	DiagFD         int `mapstructure:"diag_fd"`         // -1 disables the write-on-signal diagnostic

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogDir    string `mapstructure:"log_dir"`
	JSONLogs  bool   `mapstructure:"json_logs"`

	MetricsDir string `mapstructure:"metrics_dir"` // empty disables the final stats snapshot
}

// DefaultMonitorConfig returns a config with every field set to a
// working default, matching the conventions the periodic mode and
// bit-flip injection use throughout the tests.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Workers:        4,
		Mode:           "periodic",
		InjectMode:     "bit-flip",
		PointerRate:    0.0,
		NonPointerRate: 0.01,
		ErrorLimit:     64,
		Seed:           0,
		HeapQuota:      16,
		StackQuota:     0,
		StaticQuota:    0,
		OtherQuota:     0,
		WildQuota:      16,
		InitialDelay:   "0s",
		Interval:       "1s",
		IterationCap:   0,
		RequestSignal:  0,
		ResponseSignal: 1,
		DiagFD:         -1,
		LogLevel:       "info",
		LogFormat:      "custom",
		LogDir:         "./logs",
		JSONLogs:       false,
	}
}

// Validate checks the config for out-of-range or contradictory values
// before any process is attached.
func (c *MonitorConfig) Validate() error {
	if c.PID <= 0 {
		return fmt.Errorf("config: pid must be positive, got %d", c.PID)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.Mode != "periodic" && c.Mode != "command" {
		return fmt.Errorf("config: mode must be \"periodic\" or \"command\", got %q", c.Mode)
	}
	if _, err := inject.ParseMode(c.InjectMode); err != nil {
		return err
	}
	if _, err := time.ParseDuration(c.InitialDelay); err != nil {
		return fmt.Errorf("config: invalid initial_delay: %w", err)
	}
	if _, err := time.ParseDuration(c.Interval); err != nil {
		return fmt.Errorf("config: invalid interval: %w", err)
	}
	if c.RequestSignal == c.ResponseSignal {
		return fmt.Errorf("config: request_signal and response_signal must differ")
	}
	return nil
}

// ParseInitialDelay parses InitialDelay, falling back to zero on error.
func (c *MonitorConfig) ParseInitialDelay() time.Duration {
	d, err := time.ParseDuration(c.InitialDelay)
	if err != nil {
		return 0
	}
	return d
}

// ParseInterval parses Interval, falling back to one second on error.
func (c *MonitorConfig) ParseInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return time.Second
	}
	return d
}

// ToMonitorConfig converts the CLI-facing config into monitorcore.Config.
// It assumes Validate has already succeeded.
func (c *MonitorConfig) ToMonitorConfig() monitorcore.Config {
	mode, _ := inject.ParseMode(c.InjectMode)

	monMode := monitorcore.Periodic
	if c.Mode == "command" {
		monMode = monitorcore.CommandDriven
	}

	return monitorcore.Config{
		PID:     c.PID,
		Workers: c.Workers,
		Inject: inject.Config{
			Mode:           mode,
			PointerRate:    c.PointerRate,
			NonPointerRate: c.NonPointerRate,
			ErrorLimit:     c.ErrorLimit,
			Seed:           c.Seed,
			ClassQuotas:    inject.ClassQuotas{c.OtherQuota, c.HeapQuota, c.StackQuota, c.StaticQuota},
			WildcardQuota:  c.WildQuota,
		},
		Mode:           monMode,
		InitialDelay:   c.ParseInitialDelay(),
		Interval:       c.ParseInterval(),
		IterationCap:   c.IterationCap,
		RequestSignal:  syscall.Signal(glibcSIGRTMIN + c.RequestSignal),
		ResponseSignal: syscall.Signal(glibcSIGRTMIN + c.ResponseSignal),
		DiagFD:         c.DiagFD,
	}
}
