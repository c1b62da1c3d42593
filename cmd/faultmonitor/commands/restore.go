/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: restore.go
Description: The "restore" subcommand: restores the target's most recent checkpoint
without starting a mode controller.
*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kleascm/faultmonitor/internal/monitorcore"
)

// RunRestore implements `faultmonitor restore`.
func RunRestore(cmd *cobra.Command, args []string) error {
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

	if err := mon.Restore(); err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	fmt.Printf("checkpoint restored for pid %d\n", cfg.PID)
	return nil
}
