package control

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kleascm/faultmonitor/pkg/logging"
)

const (
	// DefaultResponseTimeout bounds how long SendCommand waits for the
	// monitor to answer before giving up.
	DefaultResponseTimeout = 5 * time.Second
	// DefaultPollInterval is the busy-poll period SendCommand uses
	// while waiting on the response atomic.
	DefaultPollInterval = time.Millisecond
)

// ChildSide is the traced-process half of the control channel: it
// queues a packed command into the shared control block, raises the
// request signal, and blocks until the response atomic flips or a
// timeout elapses.
type ChildSide struct {
	monitorPID int
	reqSig     syscall.Signal
	respSig    syscall.Signal

	shared *sharedBlock

	// ResponseTimeout and PollInterval default to DefaultResponseTimeout
	// and DefaultPollInterval; tests shrink both to keep the timeout
	// scenario fast.
	ResponseTimeout time.Duration
	PollInterval    time.Duration

	sigCh   chan os.Signal
	stopped atomic.Bool
	logger  logrus.FieldLogger

	// Events, if set, receives a structured event when SendCommand times
	// out waiting for a response.
	Events *logging.Logger
}

// NewChildSide opens the control block the monitor created for its own
// PID (os.Getpid()) and starts listening for respSig.
func NewChildSide(monitorPID int, reqSig, respSig syscall.Signal, logger logrus.FieldLogger) (*ChildSide, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	shared, err := openShared(os.Getpid(), false)
	if err != nil {
		return nil, err
	}
	c := &ChildSide{
		monitorPID:      monitorPID,
		reqSig:          reqSig,
		respSig:         respSig,
		shared:          shared,
		ResponseTimeout: DefaultResponseTimeout,
		PollInterval:    DefaultPollInterval,
		sigCh:           make(chan os.Signal, 8),
		logger:          logger,
	}
	signal.Notify(c.sigCh, respSig)
	return c, nil
}

// SendCommand clears the response-received atomic, queues the packed
// command, and raises the request signal, then waits up to
// ResponseTimeout (polling every PollInterval) for the response atomic
// to flip. It returns false on timeout or if the signal could not be
// delivered.
func (c *ChildSide) SendCommand(kind Kind, p1, p2 uint32) bool {
	c.shared.store(responseOff, 0)
	c.shared.store(commandOff, Pack(kind, p1, p2))

	if err := unix.Kill(c.monitorPID, c.reqSig); err != nil {
		c.logger.WithError(err).WithField("monitor_pid", c.monitorPID).Warn("control: failed to signal monitor")
		return false
	}

	deadline := time.Now().Add(c.ResponseTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-c.sigCh:
		default:
		}
		if c.shared.load(responseOff) == 1 {
			return true
		}
		time.Sleep(c.PollInterval)
	}

	if c.Events != nil {
		c.Events.LogControlTimeout(kind.String(), nil)
	} else {
		c.logger.WithField("command", kind.String()).Warn("control: command timed out waiting for response")
	}
	return false
}

// Close stops listening for the response signal and unmaps the shared
// control block without deleting it; the monitor owns removal.
func (c *ChildSide) Close() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}
	signal.Stop(c.sigCh)
	return c.shared.close()
}
