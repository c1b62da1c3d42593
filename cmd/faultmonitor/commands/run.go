/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: run.go
Description: The "run" subcommand: attaches to the target PID and drives whichever mode
controller the configuration selects until the target exits or the process receives an
interrupt.
*/

package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kleascm/faultmonitor/internal/monitorcore"
	"github.com/kleascm/faultmonitor/pkg/metrics"
)

// RunMonitor implements `faultmonitor run`.
func RunMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := SetupLogging(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer log.Close()

	monConfig := cfg.ToMonitorConfig()
	monConfig.Logger = log

	mon, err := monitorcore.New(monConfig)
	if err != nil {
		return fmt.Errorf("failed to build monitor: %w", err)
	}

	if err := mon.Start(); err != nil {
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- mon.Wait() }()

	var runErr error
	select {
	case <-sigCh:
		log.Info("received interrupt, stopping monitor", nil)
		runErr = mon.Stop()
	case runErr = <-done:
	}

	stats := mon.GetStats()
	log.LogStats(stats.Scans, int64(stats.Faults), int64(stats.Faults), nil)

	if cfg.MetricsDir != "" {
		path, err := metrics.WriteStatsSnapshot(cfg.MetricsDir, cfg.PID, stats)
		if err != nil {
			log.Warning("failed to write statistics snapshot", map[string]interface{}{"error": err.Error()})
		} else {
			log.Info("statistics snapshot written", map[string]interface{}{"path": path})
		}
	}

	return runErr
}
