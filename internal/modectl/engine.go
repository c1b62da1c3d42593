/*
Package modectl implements the two mode-controller drivers: a periodic
driver that scans on a fixed cadence, and a command driver that
dispatches control-channel requests. Both share one Engine, which owns
the process controller, scanner, injection strategy, and checkpoint
store for a single traced PID.
*/
package modectl

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kleascm/faultmonitor/internal/checkpoint"
	"github.com/kleascm/faultmonitor/internal/inject"
	"github.com/kleascm/faultmonitor/internal/procctl"
	"github.com/kleascm/faultmonitor/internal/region"
	"github.com/kleascm/faultmonitor/internal/scanner"
)

// MapsReader loads the current region table for a PID. Production code
// uses ProcMaps; tests substitute a fixed table so iterations don't
// depend on a real /proc filesystem.
type MapsReader func(pid int) (*region.Table, error)

// ProcMaps is the default MapsReader: it reads and parses
// /proc/<pid>/maps.
func ProcMaps(pid int) (*region.Table, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("modectl: open maps pid=%d: %w", pid, err)
	}
	defer f.Close()
	return region.ParseMaps(f, nil)
}

// Engine wires the scanner, injection strategy, checkpoint store, and
// process controller together behind the periodic and command drivers.
type Engine struct {
	CTL     *procctl.Controller
	Scanner *scanner.Scanner
	Strat   inject.Strategy
	Store   *checkpoint.Store
	Workers int

	// Maps overrides how the current region table is loaded; nil means
	// ProcMaps.
	Maps   MapsReader
	Logger logrus.FieldLogger

	// OnScan, OnCheckpoint, and OnRestore, if set, are called after each
	// successful operation so a caller (monitorcore.Monitor) can
	// accumulate cumulative statistics without the drivers themselves
	// needing to know about it.
	OnScan       func(scanner.Stats)
	OnCheckpoint func()
	OnRestore    func()
}

func (e *Engine) maps() MapsReader {
	if e.Maps != nil {
		return e.Maps
	}
	return ProcMaps
}

func (e *Engine) logger() logrus.FieldLogger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger()
}

// alive reports whether the target PID still corresponds to a live
// process, matching the /proc existence check procctl.Attach itself
// performs before requesting a ptrace attach.
func (e *Engine) alive() bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", e.CTL.PID()))
	return err == nil
}

// runScan acquires a scoped attach (reusing an existing one if the
// caller already holds it), loads the current region table, and runs
// one scan pass. It is shared by the periodic driver's Scanning state
// and the command driver's Scan/InjectErrors dispatch.
func (e *Engine) runScan() (scanner.Stats, error) {
	guard, err := procctl.Acquire(e.CTL)
	if err != nil || !guard.Ok() {
		return scanner.Stats{}, fmt.Errorf("modectl: acquire attach: %w", err)
	}
	defer guard.Release()

	table, err := e.maps()(e.CTL.PID())
	if err != nil {
		return scanner.Stats{}, err
	}

	stats, err := e.Scanner.Scan(table, e.Strat, e.Workers)
	if err != nil {
		return scanner.Stats{}, err
	}

	e.logger().WithFields(logrus.Fields{
		"regions":  stats.RegionsScanned,
		"scanned":  stats.BytesScanned,
		"skipped":  stats.BytesSkipped,
		"pointers": stats.PointersFound,
	}).Info("modectl: scan complete")

	if e.OnScan != nil {
		e.OnScan(stats)
	}
	return stats, nil
}

// CheckpointNow runs doCheckpoint for callers outside the two mode
// drivers, such as a CLI subcommand that checkpoints without starting
// a periodic or command-driven loop.
func (e *Engine) CheckpointNow() error {
	return e.doCheckpoint()
}

// RestoreNow runs doRestore for callers outside the two mode drivers.
func (e *Engine) RestoreNow() error {
	return e.doRestore()
}

// doCheckpoint detaches if currently attached (the snapshot mechanism
// owns the child during its transaction), snapshots the current region
// layout, and reattaches if it had been attached.
func (e *Engine) doCheckpoint() error {
	wasAttached := e.CTL.IsAttached()
	if wasAttached {
		if err := e.CTL.Detach(); err != nil {
			return fmt.Errorf("modectl: detach for checkpoint: %w", err)
		}
	}

	table, err := e.maps()(e.CTL.PID())
	if err != nil {
		return err
	}
	if _, err := e.Store.Snapshot(e.CTL.PID(), table); err != nil {
		return err
	}

	if wasAttached {
		if err := e.CTL.Attach(); err != nil {
			return err
		}
	}
	if e.OnCheckpoint != nil {
		e.OnCheckpoint()
	}
	return nil
}

// doRestore mirrors doCheckpoint: detach, restore, reattach. A layout
// mismatch fails without touching memory; the reattach still happens so
// the caller's attachment invariant is preserved either way.
func (e *Engine) doRestore() error {
	wasAttached := e.CTL.IsAttached()
	if wasAttached {
		if err := e.CTL.Detach(); err != nil {
			return fmt.Errorf("modectl: detach for restore: %w", err)
		}
	}

	table, mapsErr := e.maps()(e.CTL.PID())
	var restoreErr error
	if mapsErr == nil {
		restoreErr = e.Store.Restore(e.CTL.PID(), table)
	}

	if wasAttached {
		if err := e.CTL.Attach(); err != nil && mapsErr == nil && restoreErr == nil {
			return err
		}
	}
	if mapsErr != nil {
		return mapsErr
	}
	if restoreErr == nil && e.OnRestore != nil {
		e.OnRestore()
	}
	return restoreErr
}
