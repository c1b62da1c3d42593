/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Shared configuration loading and logging setup for the fault injection
monitor's subcommands.
*/

package commands

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/kleascm/faultmonitor/pkg/config"
	"github.com/kleascm/faultmonitor/pkg/logging"
)

const (
	defaultMaxLogFiles = 10
	defaultMaxLogSize  = int64(100 * 1024 * 1024)
)

// LoadConfig reads an optional config file and environment overrides,
// then builds a MonitorConfig from viper's merged view of flags/file/env.
func LoadConfig() (*config.MonitorConfig, error) {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.SetEnvPrefix("FAULTMONITOR")
	viper.AutomaticEnv()

	cfg := config.DefaultMonitorConfig()
	cfg.PID = viper.GetInt("pid")
	cfg.Workers = viper.GetInt("workers")
	cfg.Mode = viper.GetString("mode")
	cfg.InjectMode = viper.GetString("inject_mode")
	cfg.PointerRate = viper.GetFloat64("pointer_rate")
	cfg.NonPointerRate = viper.GetFloat64("non_pointer_rate")
	cfg.ErrorLimit = viper.GetInt("error_limit")
	cfg.Seed = viper.GetInt64("seed")
	cfg.HeapQuota = viper.GetInt("heap_quota")
	cfg.StackQuota = viper.GetInt("stack_quota")
	cfg.StaticQuota = viper.GetInt("static_quota")
	cfg.OtherQuota = viper.GetInt("other_quota")
	cfg.WildQuota = viper.GetInt("wildcard_quota")
	cfg.InitialDelay = viper.GetString("initial_delay")
	cfg.Interval = viper.GetString("interval")
	cfg.IterationCap = viper.GetInt("iteration_cap")
	cfg.RequestSignal = viper.GetInt("request_signal")
	cfg.ResponseSignal = viper.GetInt("response_signal")
	cfg.DiagFD = viper.GetInt("diag_fd")
	cfg.LogLevel = viper.GetString("log_level")
	cfg.LogFormat = viper.GetString("log_format")
	cfg.LogDir = viper.GetString("log_dir")
	cfg.JSONLogs = viper.GetBool("json_logs")
	cfg.MetricsDir = viper.GetString("metrics_dir")

	return cfg, nil
}

// SetupLogging builds a logging.Logger from cfg's log fields.
func SetupLogging(cfg *config.MonitorConfig) (*logging.Logger, error) {
	format := logging.LogFormat(cfg.LogFormat)
	if cfg.JSONLogs {
		format = logging.LogFormatJSON
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.LogLevel(cfg.LogLevel),
		Format:    format,
		OutputDir: cfg.LogDir,
		MaxFiles:  defaultMaxLogFiles,
		MaxSize:   defaultMaxLogSize,
		Timestamp: true,
		Caller:    false,
		Colors:    true,
		Compress:  true,
	})
}
