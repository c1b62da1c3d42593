/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: checkpoint.go
Description: The "checkpoint" subcommand: snapshots the target's writable memory without
starting a mode controller. Checkpointing goes through process_vm_readv and never requires
a ptrace attach, so this is safe to run against a target another faultmonitor instance is
already attached to.
*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kleascm/faultmonitor/internal/monitorcore"
)

// RunCheckpoint implements `faultmonitor checkpoint`.
func RunCheckpoint(cmd *cobra.Command, args []string) error {
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

	if err := mon.Checkpoint(); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}

	fmt.Printf("checkpoint recorded for pid %d\n", cfg.PID)
	return nil
}
