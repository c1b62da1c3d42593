package modectl

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// PeriodicParams configures the periodic mode state machine: an initial
// delay before the first scan, the interval between subsequent scans,
// and an optional cap on the number of scans performed.
type PeriodicParams struct {
	InitialDelay time.Duration
	Interval     time.Duration
	// IterationCap caps the number of scans performed; zero means
	// unbounded.
	IterationCap int
}

// RunPeriodic drives Idle -> Sleeping(initial) -> Scanning ->
// Sleeping(interval) -> Scanning -> ... until the iteration cap is
// reached, the target process exits, or ctx is canceled.
func (e *Engine) RunPeriodic(ctx context.Context, p PeriodicParams) error {
	if p.InitialDelay > 0 {
		select {
		case <-time.After(p.InitialDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	iterations := 0
	for {
		if !e.alive() {
			e.logger().Info("modectl: target process exited, stopping periodic mode")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		stats, err := e.runScan()
		if err != nil {
			e.logger().WithError(err).WithField("iteration", iterations).Warn("modectl: periodic scan iteration failed")
		} else {
			e.logger().WithFields(logrus.Fields{
				"iteration": iterations,
				"regions":   stats.RegionsScanned,
				"pointers":  stats.PointersFound,
			}).Debug("modectl: periodic iteration complete")
		}

		iterations++
		if p.IterationCap > 0 && iterations >= p.IterationCap {
			return nil
		}

		select {
		case <-time.After(p.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
