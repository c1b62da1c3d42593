package control

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Linux reserves SIGRTMIN..SIGRTMAX (glibc typically exposes 34-64) for
// application-defined real-time signals. glibcSIGRTMIN (34) already
// accounts for the handful glibc itself reserves; golang.org/x/sys/unix
// does not export this as a constant, so it is spelled out here.
const glibcSIGRTMIN = 34

var (
	DefaultRequestSignal  = syscall.Signal(glibcSIGRTMIN + 0)
	DefaultResponseSignal = syscall.Signal(glibcSIGRTMIN + 1)
)

// MonitorSide is the monitor-half of the control channel: it owns the
// shared control block, waits for the child's request signal, and
// answers with a response signal once the mode controller has drained
// and dispatched the command.
//
// Async-signal-safety discipline: the OS delivers reqSig into a
// runtime-buffered channel (Go's os/signal never runs user code inside
// the actual signal handler), so run's select loop is the only place
// that touches shared state, and it only ever does an atomic store or,
// if diagFD is enabled, a single raw write. No allocation, formatting,
// or logging happens on that path.
type MonitorSide struct {
	childPID int
	reqSig   syscall.Signal
	respSig  syscall.Signal

	shared *sharedBlock
	diagFD int

	sigCh   chan os.Signal
	stopCh  chan struct{}
	stopped atomic.Bool
	logger  logrus.FieldLogger
}

// NewMonitorSide creates the shared control block for childPID and
// starts listening for reqSig. diagFD, if >= 0, receives one fixed
// diagnostic line per request signal; this is opt-in and disabled by
// default (diagFD < 0).
func NewMonitorSide(childPID int, reqSig, respSig syscall.Signal, diagFD int, logger logrus.FieldLogger) (*MonitorSide, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	shared, err := openShared(childPID, true)
	if err != nil {
		return nil, err
	}
	m := &MonitorSide{
		childPID: childPID,
		reqSig:   reqSig,
		respSig:  respSig,
		shared:   shared,
		diagFD:   diagFD,
		sigCh:    make(chan os.Signal, 8),
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
	signal.Notify(m.sigCh, reqSig)
	go m.run()
	return m, nil
}

func (m *MonitorSide) run() {
	for {
		select {
		case <-m.sigCh:
			m.shared.store(pendingOff, 1)
			if m.diagFD >= 0 {
				unix.Write(m.diagFD, diagLine)
			}
		case <-m.stopCh:
			return
		}
	}
}

var diagLine = []byte("faultmonitor: control request signal received\n")

// TakeCommand atomically claims a pending command, if any, and returns
// its decoded kind and parameters. ok is false when nothing is
// pending; the pending flag and the underlying word are otherwise left
// untouched for the next poll.
func (m *MonitorSide) TakeCommand() (kind Kind, p1, p2 uint32, ok bool) {
	if !m.shared.cas(pendingOff, 1, 0) {
		return 0, 0, 0, false
	}
	raw := m.shared.load(commandOff)
	kind, p1, p2 = Unpack(raw)
	return kind, p1, p2, true
}

// SendResponse marks the response atomic and signals the child that a
// command it queued has been handled.
func (m *MonitorSide) SendResponse() error {
	m.shared.store(responseOff, 1)
	if err := unix.Kill(m.childPID, m.respSig); err != nil {
		return fmt.Errorf("control: signal child pid=%d: %w", m.childPID, err)
	}
	return nil
}

// Close stops listening for the request signal and removes the shared
// control block. The monitor owns the block's lifetime.
func (m *MonitorSide) Close() error {
	if !m.stopped.CompareAndSwap(false, true) {
		return nil
	}
	signal.Stop(m.sigCh)
	close(m.stopCh)
	return m.shared.closeAndRemove()
}
