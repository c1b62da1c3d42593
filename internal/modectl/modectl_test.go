//go:build linux

package modectl_test

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kleascm/faultmonitor/internal/control"
	"github.com/kleascm/faultmonitor/internal/inject"
	"github.com/kleascm/faultmonitor/internal/modectl"
	"github.com/kleascm/faultmonitor/internal/procctl"
	"github.com/kleascm/faultmonitor/internal/region"
	"github.com/kleascm/faultmonitor/internal/remoteio"
	"github.com/kleascm/faultmonitor/internal/scanner"
)

// spawnSleeper starts a real child process and, if the sandbox permits
// ptrace, confirms attach/detach works before handing the (currently
// unattached) controller back to the caller.
func spawnSleeper(t *testing.T) (ctl *procctl.Controller, cleanup func()) {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	time.Sleep(50 * time.Millisecond)

	c, err := procctl.New(cmd.Process.Pid, nil)
	require.NoError(t, err)
	if err := c.Attach(); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		t.Skipf("ptrace attach unavailable in this sandbox: %v", err)
	}
	require.NoError(t, c.Detach())

	return c, func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
}

func newHarmlessStrategy(t *testing.T) inject.Strategy {
	t.Helper()
	strat, err := inject.New(inject.Config{
		Mode:           inject.BitFlip,
		PointerRate:    0,
		NonPointerRate: 0,
		ErrorLimit:     1,
		Seed:           1,
		ClassQuotas:    inject.ClassQuotas{0, 0, 0, 0},
		WildcardQuota:  0,
	}, nil)
	require.NoError(t, err)
	return strat
}

// countingMaps wraps modectl.ProcMaps and counts how many times the
// region table was reloaded, so RunPeriodic's iteration cap can be
// verified from outside the state machine.
func countingMaps(count *int) modectl.MapsReader {
	return func(pid int) (*region.Table, error) {
		*count++
		return modectl.ProcMaps(pid)
	}
}

func TestRunPeriodicRespectsIterationCap(t *testing.T) {
	ctl, cleanup := spawnSleeper(t)
	defer cleanup()

	sc := scanner.New(remoteio.New(ctl, nil), ctl, os.Getpagesize(), nil)
	strat := newHarmlessStrategy(t)

	var iterations int
	engine := &modectl.Engine{
		CTL:     ctl,
		Scanner: sc,
		Strat:   strat,
		Workers: 2,
		Maps:    countingMaps(&iterations),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := engine.RunPeriodic(ctx, modectl.PeriodicParams{
		InitialDelay: 0,
		Interval:     5 * time.Millisecond,
		IterationCap: 3,
	})
	require.NoError(t, err)
	require.Equal(t, 3, iterations)
	require.False(t, ctl.IsAttached())
}

func TestRunCommandScanRPC(t *testing.T) {
	ctl, cleanup := spawnSleeper(t)
	defer cleanup()

	sc := scanner.New(remoteio.New(ctl, nil), ctl, os.Getpagesize(), nil)
	strat := newHarmlessStrategy(t)
	engine := &modectl.Engine{CTL: ctl, Scanner: sc, Strat: strat, Workers: 2}

	// The control channel's PID identity is this test process itself:
	// modectl doesn't care who the signal-sending peer is, only that a
	// MonitorSide hands it decoded commands. The ptrace target (the
	// spawned sleeper above) is a separate PID entirely.
	selfPID := os.Getpid()
	reqSig, respSig := control.DefaultRequestSignal, control.DefaultResponseSignal

	mon, err := control.NewMonitorSide(selfPID, reqSig, respSig, -1, nil)
	if err != nil {
		t.Skipf("shared control block unavailable in this sandbox: %v", err)
	}
	defer mon.Close()

	child, err := control.NewChildSide(selfPID, reqSig, respSig, nil)
	require.NoError(t, err)
	defer child.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- engine.RunCommand(ctx, mon) }()

	ok := child.SendCommand(control.Scan, 0, 0)
	require.True(t, ok)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunCommand did not exit after cancellation")
	}

	require.False(t, ctl.IsAttached())
}
