/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main.go
Description: Main command-line interface for the fault injection monitor. Provides the
run, checkpoint, and restore subcommands, configuration loading, and logging setup.
*/

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kleascm/faultmonitor/cmd/faultmonitor/commands"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	logDir     string
	jsonLogs   bool

	pid     int
	workers int
	mode    string

	injectMode     string
	pointerRate    float64
	nonPointerRate float64
	errorLimit     int
	seed           int64

	heapQuota   int
	stackQuota  int
	staticQuota int
	otherQuota  int
	wildQuota   int

	initialDelay string
	interval     string
	iterationCap int

	requestSignal  int
	responseSignal int
	diagFD         int

	metricsDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "faultmonitor",
		Short:   "External memory fault-injection monitor for a traced child process",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "custom", "Log format (text, json, custom)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "./logs", "Log output directory")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Use JSON log format")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log_dir", rootCmd.PersistentFlags().Lookup("log-dir"))
	viper.BindPFlag("json_logs", rootCmd.PersistentFlags().Lookup("json-logs"))

	rootCmd.PersistentFlags().IntVar(&pid, "pid", 0, "Target process ID (required)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 4, "Number of parallel scan workers")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "periodic", "Mode controller: periodic or command")

	rootCmd.PersistentFlags().StringVar(&injectMode, "inject-mode", "bit-flip", "Fault mode: bit-flip, stuck-at-zero, stuck-at-one")
	rootCmd.PersistentFlags().Float64Var(&pointerRate, "pointer-rate", 0.0, "Bernoulli rate applied to classified pointers")
	rootCmd.PersistentFlags().Float64Var(&nonPointerRate, "non-pointer-rate", 0.01, "Bernoulli rate applied to non-pointers")
	rootCmd.PersistentFlags().IntVar(&errorLimit, "error-limit", 64, "Maximum distinct injected faults")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "RNG seed (0 = seed from wall clock)")

	rootCmd.PersistentFlags().IntVar(&heapQuota, "heap-quota", 16, "Fault quota for heap-classified words")
	rootCmd.PersistentFlags().IntVar(&stackQuota, "stack-quota", 0, "Fault quota for stack-classified words")
	rootCmd.PersistentFlags().IntVar(&staticQuota, "static-quota", 0, "Fault quota for statically-mapped words")
	rootCmd.PersistentFlags().IntVar(&otherQuota, "other-quota", 0, "Fault quota for unclassified-region words")
	rootCmd.PersistentFlags().IntVar(&wildQuota, "wildcard-quota", 16, "Fault quota shared across all classes")

	rootCmd.PersistentFlags().StringVar(&initialDelay, "initial-delay", "0s", "Delay before the first scan (periodic mode)")
	rootCmd.PersistentFlags().StringVar(&interval, "interval", "1s", "Interval between scans (periodic mode)")
	rootCmd.PersistentFlags().IntVar(&iterationCap, "iteration-cap", 0, "Maximum scan iterations, 0 = unbounded (periodic mode)")

	rootCmd.PersistentFlags().IntVar(&requestSignal, "request-signal", 0, "Request signal offset from SIGRTMIN (command mode)")
	rootCmd.PersistentFlags().IntVar(&responseSignal, "response-signal", 1, "Response signal offset from SIGRTMIN (command mode)")
	rootCmd.PersistentFlags().IntVar(&diagFD, "diag-fd", -1, "File descriptor for the write-on-signal diagnostic, -1 disables it")

	rootCmd.PersistentFlags().StringVar(&metricsDir, "metrics-dir", "", "Directory to write a final statistics snapshot to on exit, empty disables it")
	viper.BindPFlag("metrics_dir", rootCmd.PersistentFlags().Lookup("metrics-dir"))

	for _, flagPair := range [][2]string{
		{"pid", "pid"}, {"workers", "workers"}, {"mode", "mode"},
		{"inject_mode", "inject-mode"}, {"pointer_rate", "pointer-rate"}, {"non_pointer_rate", "non-pointer-rate"},
		{"error_limit", "error-limit"}, {"seed", "seed"},
		{"heap_quota", "heap-quota"}, {"stack_quota", "stack-quota"}, {"static_quota", "static-quota"},
		{"other_quota", "other-quota"}, {"wildcard_quota", "wildcard-quota"},
		{"initial_delay", "initial-delay"}, {"interval", "interval"}, {"iteration_cap", "iteration-cap"},
		{"request_signal", "request-signal"}, {"response_signal", "response-signal"}, {"diag_fd", "diag-fd"},
	} {
		viper.BindPFlag(flagPair[0], rootCmd.PersistentFlags().Lookup(flagPair[1]))
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Attach to the target and start the mode controller",
		RunE:  commands.RunMonitor,
	}

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Take a checkpoint of the target's writable memory and exit",
		RunE:  commands.RunCheckpoint,
	}

	restoreCmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the target's most recent checkpoint and exit",
		RunE:  commands.RunRestore,
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect or maintain the log directory without attaching to a target",
	}
	logsCmd.AddCommand(
		&cobra.Command{
			Use:   "analyze",
			Short: "Summarize level and event counts across the log directory",
			RunE:  commands.RunLogsAnalyze,
		},
		&cobra.Command{
			Use:   "rotate",
			Short: "Rotate oversized log files and prune old ones",
			RunE:  commands.RunLogsRotate,
		},
	)

	rootCmd.AddCommand(runCmd, checkpointCmd, restoreCmd, logsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
