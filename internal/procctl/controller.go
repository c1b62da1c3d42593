/*
Package procctl owns the attach/detach lifecycle of the traced child
process: requesting a ptrace attach, absorbing the post-attach trap, and
guaranteeing a symmetric detach. IsAttached is the single source of
truth for whether the controller currently holds the child stopped.
*/
package procctl

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kleascm/faultmonitor/pkg/logging"
)

var (
	// ErrInvalidPID is returned when constructing a Controller for a
	// nonpositive PID.
	ErrInvalidPID = errors.New("procctl: pid must be positive")
	// ErrAlreadyAttached is returned by Attach when the controller
	// already holds an attachment.
	ErrAlreadyAttached = errors.New("procctl: already attached")
	// ErrNotAttached is returned by any operation that requires an
	// active attachment when none is held.
	ErrNotAttached = errors.New("procctl: not attached")
	// ErrProcessGone is returned when the target PID does not
	// correspond to a live process at attach time.
	ErrProcessGone = errors.New("procctl: target process does not exist")
	// ErrUnexpectedStop is returned when the child stops on a signal
	// other than the one the controller is prepared to consume.
	ErrUnexpectedStop = errors.New("procctl: unexpected stop signal")
)

// Controller manages the attach/detach lifecycle for a single traced
// PID. It is safe for concurrent use by a single caller at a time; it is
// not designed to be attached/detached concurrently from multiple
// goroutines.
type Controller struct {
	pid    int
	logger logrus.FieldLogger

	// Events, if set, receives structured attach/detach events instead
	// of the generic field logger above.
	Events *logging.Logger

	mu       sync.Mutex
	attached bool
}

// New constructs a Controller for pid. It does not attach; call Attach
// explicitly, or wrap the Controller in a ScopedAttach.
func New(pid int, logger logrus.FieldLogger) (*Controller, error) {
	if pid <= 0 {
		return nil, ErrInvalidPID
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Controller{pid: pid, logger: logger}, nil
}

// PID returns the target process ID.
func (c *Controller) PID() int {
	return c.pid
}

// IsAttached reports whether the controller currently holds the child
// attached and stopped.
func (c *Controller) IsAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// processAlive checks /proc/<pid> for existence before attempting an
// attach, so a stale PID fails fast with ErrProcessGone rather than a
// bare ptrace errno.
func processAlive(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// Attach requests a ptrace attach, waits for the resulting stop, and
// absorbs an optional SIGTRAP arising from the child's own image load
// by continuing once and re-awaiting a stop. Only unix.SIGSTOP is
// accepted as the terminal stop signal; anything else is
// ErrUnexpectedStop.
func (c *Controller) Attach() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attached {
		return ErrAlreadyAttached
	}
	if !processAlive(c.pid) {
		return ErrProcessGone
	}

	if err := unix.PtraceAttach(c.pid); err != nil {
		return fmt.Errorf("procctl: PTRACE_ATTACH pid=%d: %w", c.pid, err)
	}

	sig, err := waitForStop(c.pid)
	if err != nil {
		return err
	}

	if sig == unix.SIGTRAP {
		c.logger.WithField("pid", c.pid).Debug("procctl: absorbing post-attach SIGTRAP")
		if err := unix.PtraceCont(c.pid, 0); err != nil {
			return fmt.Errorf("procctl: continuing past attach trap pid=%d: %w", c.pid, err)
		}
		sig, err = waitForStop(c.pid)
		if err != nil {
			return err
		}
	}

	if sig != unix.SIGSTOP {
		return fmt.Errorf("%w: pid=%d got signal %v", ErrUnexpectedStop, c.pid, sig)
	}

	c.attached = true
	if c.Events != nil {
		c.Events.LogAttach(c.pid, true, nil)
	} else {
		c.logger.WithField("pid", c.pid).Info("procctl: attached")
	}
	return nil
}

// waitForStop blocks until pid reports a stop and returns the stop
// signal.
func waitForStop(pid int) (unix.Signal, error) {
	var status unix.WaitStatus
	_, err := unix.Wait4(pid, &status, 0, nil)
	if err != nil {
		return 0, fmt.Errorf("procctl: wait4 pid=%d: %w", pid, err)
	}
	if !status.Stopped() {
		return 0, fmt.Errorf("procctl: pid=%d did not stop (status=%v)", pid, status)
	}
	return status.StopSignal(), nil
}

// Detach reverses Attach, releasing the ptrace hold on the child. It is
// an error to call Detach without a prior successful Attach.
func (c *Controller) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attached {
		return ErrNotAttached
	}

	if err := unix.PtraceDetach(c.pid); err != nil {
		return fmt.Errorf("procctl: PTRACE_DETACH pid=%d: %w", c.pid, err)
	}

	c.attached = false
	if c.Events != nil {
		c.Events.LogAttach(c.pid, false, nil)
	} else {
		c.logger.WithField("pid", c.pid).Info("procctl: detached")
	}
	return nil
}

// Close forces a detach if the controller is still attached. It is the
// Go stand-in for the original's "destruction forces detach": Go has no
// deterministic destructors, so callers should defer Close explicitly
// after any successful Attach that is not already scoped via
// ScopedAttach.
func (c *Controller) Close() error {
	if c.IsAttached() {
		return c.Detach()
	}
	return nil
}

// PeekWord reads one 64-bit word from the child's address space via
// PTRACE_PEEKDATA. It requires an active attachment.
func (c *Controller) PeekWord(addr uintptr) (uint64, error) {
	if !c.IsAttached() {
		return 0, ErrNotAttached
	}
	buf := make([]byte, 8)
	n, err := unix.PtracePeekData(c.pid, addr, buf)
	if err != nil {
		return 0, fmt.Errorf("procctl: PEEKDATA pid=%d addr=0x%x: %w", c.pid, addr, err)
	}
	if n != 8 {
		return 0, fmt.Errorf("procctl: PEEKDATA pid=%d addr=0x%x: short read (%d bytes)", c.pid, addr, n)
	}
	return leUint64(buf), nil
}

// PokeWord writes one 64-bit word into the child's address space via
// PTRACE_POKEDATA. It requires an active attachment.
func (c *Controller) PokeWord(addr uintptr, word uint64) error {
	if !c.IsAttached() {
		return ErrNotAttached
	}
	buf := putLeUint64(word)
	n, err := unix.PtracePokeData(c.pid, addr, buf)
	if err != nil {
		return fmt.Errorf("procctl: POKEDATA pid=%d addr=0x%x: %w", c.pid, addr, err)
	}
	if n != 8 {
		return fmt.Errorf("procctl: POKEDATA pid=%d addr=0x%x: short write (%d bytes)", c.pid, addr, n)
	}
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
