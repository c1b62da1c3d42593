/*
Package monitorcore assembles the process controller, scanner,
injection strategy, checkpoint store, and control channel behind a
single Monitor type, and drives whichever mode controller
(internal/modectl) the configuration selects. It plays the role the
top-level engine plays in a fuzzer: everything else is a component,
this is the thing that owns their lifecycle.
*/
package monitorcore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kleascm/faultmonitor/internal/checkpoint"
	"github.com/kleascm/faultmonitor/internal/control"
	"github.com/kleascm/faultmonitor/internal/inject"
	"github.com/kleascm/faultmonitor/internal/modectl"
	"github.com/kleascm/faultmonitor/internal/procctl"
	"github.com/kleascm/faultmonitor/internal/remoteio"
	"github.com/kleascm/faultmonitor/internal/scanner"
	"github.com/kleascm/faultmonitor/pkg/logging"
)

// Mode selects which modectl driver Run uses.
type Mode string

const (
	// Periodic scans on a fixed cadence: attach, sleep, scan, repeat.
	Periodic Mode = "periodic"
	// CommandDriven waits for a signaled command, dispatches it, and
	// responds.
	CommandDriven Mode = "command"
)

// Config configures a Monitor: the target PID, worker count, injection
// parameters, and mode-specific timing knobs.
type Config struct {
	PID     int
	Workers int

	Inject inject.Config

	Mode         Mode
	InitialDelay time.Duration
	Interval     time.Duration
	IterationCap int // 0 = unbounded, periodic mode only

	RequestSignal  syscall.Signal
	ResponseSignal syscall.Signal
	DiagFD         int // -1 disables the diagnostic write-on-signal

	Logger *logging.Logger
}

// Stats snapshots cumulative counters since the monitor started.
type Stats struct {
	Scans       int64
	RegionsSeen int64
	BytesRead   uint64
	Pointers    uint64
	Faults      uint64
	Checkpoints int64
	Restores    int64
}

// Monitor owns one traced target's full lifecycle: attach, mode
// controller, and control channel, if command-driven.
type Monitor struct {
	config Config
	logger *logrus.Logger
	events *logging.Logger

	ctl     *procctl.Controller
	strat   *inject.FaultStrategy
	engine  *modectl.Engine
	monitor *control.MonitorSide

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
	stats   Stats
	runErr  error
}

// New builds a Monitor from cfg. It does not attach to the target or
// start any goroutines; call Start for that.
func New(cfg Config) (*Monitor, error) {
	if cfg.PID <= 0 {
		return nil, fmt.Errorf("monitorcore: invalid pid %d", cfg.PID)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RequestSignal == 0 {
		cfg.RequestSignal = control.DefaultRequestSignal
	}
	if cfg.ResponseSignal == 0 {
		cfg.ResponseSignal = control.DefaultResponseSignal
	}
	if cfg.DiagFD == 0 {
		cfg.DiagFD = -1
	}
	if cfg.Mode == "" {
		cfg.Mode = Periodic
	}

	events := cfg.Logger
	if events == nil {
		var err error
		events, err = logging.NewLogger(&logging.LoggerConfig{
			Level:  logging.LogLevelInfo,
			Format: logging.LogFormatText,
		})
		if err != nil {
			return nil, fmt.Errorf("monitorcore: build default logger: %w", err)
		}
	}
	logger := events.GetLogger()

	ctl, err := procctl.New(cfg.PID, logger)
	if err != nil {
		return nil, fmt.Errorf("monitorcore: build controller: %w", err)
	}
	ctl.Events = events

	strat, err := inject.New(cfg.Inject, logger)
	if err != nil {
		return nil, fmt.Errorf("monitorcore: build injection strategy: %w", err)
	}
	strat.Events = events

	mem := remoteio.New(ctl, logger)
	sc := scanner.New(mem, ctl, os.Getpagesize(), logger)
	store := checkpoint.NewStore(logger)
	store.Events = events

	engine := &modectl.Engine{
		CTL:     ctl,
		Scanner: sc,
		Strat:   strat,
		Store:   store,
		Workers: cfg.Workers,
		Logger:  logger,
	}

	m := &Monitor{
		config: cfg,
		logger: logger,
		events: events,
		ctl:    ctl,
		strat:  strat,
		engine: engine,
	}

	engine.OnScan = m.recordScan
	engine.OnCheckpoint = m.recordCheckpoint
	engine.OnRestore = m.recordRestore

	return m, nil
}

func (m *Monitor) recordScan(stats scanner.Stats) {
	m.mu.Lock()
	m.stats.Scans++
	m.stats.RegionsSeen += int64(stats.RegionsScanned)
	m.stats.BytesRead += stats.BytesScanned
	m.stats.Pointers += stats.PointersFound
	m.stats.Faults = uint64(len(m.strat.Changes()))
	m.mu.Unlock()

	m.events.LogScan(int(stats.RegionsScanned), stats.BytesScanned, stats.PointersFound, stats.ScanDuration, nil)
}

func (m *Monitor) recordCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Checkpoints++
}

func (m *Monitor) recordRestore() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Restores++
}

// GetStats returns a snapshot of cumulative counters.
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Start attaches to the target and launches the configured mode
// controller in a background goroutine. It returns once the initial
// attach succeeds; call Wait or Stop to observe completion.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitorcore: already running")
	}

	if err := m.ctl.Attach(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("monitorcore: initial attach: %w", err)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	m.mu.Unlock()

	if m.config.Mode == CommandDriven {
		mon, err := control.NewMonitorSide(m.config.PID, m.config.RequestSignal, m.config.ResponseSignal, m.config.DiagFD, m.logger)
		if err != nil {
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			_ = m.ctl.Detach()
			return fmt.Errorf("monitorcore: open control channel: %w", err)
		}
		m.mu.Lock()
		m.monitor = mon
		m.mu.Unlock()
	}

	m.wg.Add(1)
	go m.run()
	return nil
}

// run invokes the selected modectl driver and records its terminal
// error, then detaches and releases the control channel.
func (m *Monitor) run() {
	defer m.wg.Done()

	var err error
	switch m.config.Mode {
	case CommandDriven:
		err = m.engine.RunCommand(m.ctx, m.monitor)
	default:
		err = m.engine.RunPeriodic(m.ctx, modectl.PeriodicParams{
			InitialDelay: m.config.InitialDelay,
			Interval:     m.config.Interval,
			IterationCap: m.config.IterationCap,
		})
	}

	m.mu.Lock()
	m.running = false
	m.runErr = err
	m.mu.Unlock()

	if m.monitor != nil {
		if cerr := m.monitor.Close(); cerr != nil {
			m.logger.WithError(cerr).Warn("monitorcore: control channel close failed")
		}
	}
	if m.ctl.IsAttached() {
		if derr := m.ctl.Detach(); derr != nil {
			m.logger.WithError(derr).Warn("monitorcore: final detach failed")
		}
	}
}

// Stop cancels the running mode controller and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.RLock()
	running := m.running
	cancel := m.cancel
	m.mu.RUnlock()
	if !running {
		return fmt.Errorf("monitorcore: not running")
	}
	cancel()
	m.wg.Wait()
	return m.Err()
}

// Wait blocks until the mode controller exits on its own (target
// process gone) and returns its terminal error.
func (m *Monitor) Wait() error {
	m.wg.Wait()
	return m.Err()
}

// Err returns the mode controller's terminal error, if any.
func (m *Monitor) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.runErr == context.Canceled {
		return nil
	}
	return m.runErr
}

// Checkpoint takes an out-of-band snapshot without going through the
// control channel, useful for CLI subcommands that don't run a mode
// controller at all.
func (m *Monitor) Checkpoint() error {
	return m.engine.CheckpointNow()
}

// Restore restores the most recent out-of-band checkpoint.
func (m *Monitor) Restore() error {
	return m.engine.RestoreNow()
}
