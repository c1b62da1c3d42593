package modectl

import (
	"context"
	"fmt"
	"time"

	"github.com/kleascm/faultmonitor/internal/control"
	"github.com/kleascm/faultmonitor/internal/procctl"
)

// commandPollInterval is the sleep between pending-command checks when
// none is waiting.
const commandPollInterval = 10 * time.Millisecond

// RunCommand drives the signal-pending loop: check whether the child is
// still alive, and if a command is pending, clear the flag, attach
// (scoped), dispatch, send the response, and release the attach;
// otherwise sleep commandPollInterval and repeat. It returns when the
// target exits or ctx is canceled.
func (e *Engine) RunCommand(ctx context.Context, mon *control.MonitorSide) error {
	for {
		if !e.alive() {
			e.logger().Info("modectl: target process exited, stopping command mode")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		kind, p1, p2, ok := mon.TakeCommand()
		if !ok {
			select {
			case <-time.After(commandPollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		e.dispatchAndRespond(kind, p1, p2, mon)
	}
}

// dispatchAndRespond wraps one command's dispatch in a scoped attach
// guard so a premature exit mid-dispatch still detaches, then always
// sends the response signal regardless of dispatch outcome.
func (e *Engine) dispatchAndRespond(kind control.Kind, p1, p2 uint32, mon *control.MonitorSide) {
	guard, err := procctl.Acquire(e.CTL)
	if err != nil || !guard.Ok() {
		e.logger().WithError(err).WithField("command", kind.String()).Warn("modectl: command dispatch: attach failed")
	} else {
		if derr := e.dispatch(kind, p1, p2); derr != nil {
			e.logger().WithError(derr).WithField("command", kind.String()).Warn("modectl: command dispatch failed")
		}
		guard.Release()
	}

	if err := mon.SendResponse(); err != nil {
		e.logger().WithError(err).Warn("modectl: failed to send command response")
	}
}

// dispatch runs the command named by kind. p1 and p2 are the packed
// command's parameters; none of the five kinds currently interpret
// them, but they are threaded through for future commands that would.
func (e *Engine) dispatch(kind control.Kind, p1, p2 uint32) error {
	switch kind {
	case control.NoOp:
		return nil
	case control.Checkpoint:
		return e.doCheckpoint()
	case control.Restore:
		return e.doRestore()
	case control.InjectErrors:
		_, err := e.runScan()
		return err
	case control.Scan:
		_, err := e.runScan()
		return err
	default:
		return fmt.Errorf("modectl: unrecognized command kind %d", kind)
	}
}
