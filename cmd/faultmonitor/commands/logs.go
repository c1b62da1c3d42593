/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logs.go
Description: The "logs" subcommand family: inspect and maintain the on-disk log directory
without attaching to any target. "logs analyze" reports level and event counts recovered
from every log file under the configured log directory; "logs rotate" rotates oversized
files and prunes old ones using the same size and retention limits SetupLogging applies to
a running monitor's own logger.
*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kleascm/faultmonitor/pkg/logging"
)

// RunLogsAnalyze implements `faultmonitor logs analyze`.
func RunLogsAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	analysis, err := logging.NewLogAnalyzer(cfg.LogDir).AnalyzeLogs()
	if err != nil {
		return fmt.Errorf("failed to analyze logs: %w", err)
	}

	fmt.Println(analysis.GetLogSummary())
	return nil
}

// RunLogsRotate implements `faultmonitor logs rotate`.
func RunLogsRotate(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	lm := logging.NewLogManager(cfg.LogDir, defaultMaxLogFiles, defaultMaxLogSize, true)
	if err := lm.RotateLogs(); err != nil {
		return fmt.Errorf("failed to rotate logs: %w", err)
	}
	if err := lm.CleanupOldLogs(); err != nil {
		return fmt.Errorf("failed to clean up old logs: %w", err)
	}

	stats, err := lm.GetLogStats()
	if err != nil {
		return fmt.Errorf("failed to collect log stats: %w", err)
	}
	fmt.Printf("logs rotated: %d files, %d bytes, %d compressed\n", stats.TotalFiles, stats.TotalSize, stats.CompressedFiles)
	return nil
}
