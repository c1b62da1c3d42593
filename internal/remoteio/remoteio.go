/*
Package remoteio implements remote memory access into the traced
child's address space. Reads and writes try a scatter-gather
cross-address-space copy first (process_vm_readv/process_vm_writev);
on failure or a short transfer they fall back to word-at-a-time
peek/poke through the attach facility. Mem's Read and Write require an
active attachment; the raw ScatterGatherRead/ScatterGatherWrite helpers
do not.
*/
package remoteio

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kleascm/faultmonitor/internal/procctl"
)

// ErrNotAttached mirrors procctl.ErrNotAttached; remote I/O requires an
// active attachment regardless of which transport ends up serving it.
var ErrNotAttached = procctl.ErrNotAttached

const wordSize = 8

// Mem is the remote-memory transport for one traced process. It holds
// no state of its own beyond the controller and logger; every call is
// independently attach-checked.
type Mem struct {
	ctl    *procctl.Controller
	logger logrus.FieldLogger
}

// New builds a Mem transport backed by ctl.
func New(ctl *procctl.Controller, logger logrus.FieldLogger) *Mem {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Mem{ctl: ctl, logger: logger}
}

// Read copies length bytes from the child's address space starting at
// addr.
func (m *Mem) Read(addr uint64, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	if !m.ctl.IsAttached() {
		return nil, ErrNotAttached
	}

	buf := make([]byte, length)
	n, err := scatterGatherRead(m.ctl.PID(), addr, buf)
	if err == nil && n == length {
		return buf, nil
	}
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"addr": fmt.Sprintf("0x%x", addr),
			"len":  length,
		}).Debugf("remoteio: scatter-gather read failed, falling back: %v", err)
	}

	return m.readWordAtATime(addr, length)
}

// Write copies data into the child's address space starting at addr.
func (m *Mem) Write(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if !m.ctl.IsAttached() {
		return ErrNotAttached
	}

	n, err := scatterGatherWrite(m.ctl.PID(), addr, data)
	if err == nil && n == len(data) {
		return nil
	}
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"addr": fmt.Sprintf("0x%x", addr),
			"len":  len(data),
		}).Debugf("remoteio: scatter-gather write failed, falling back: %v", err)
	}

	return m.writeWordAtATime(addr, data)
}

// ScatterGatherRead performs a raw process_vm_readv copy out of pid's
// address space without requiring (or checking) a ptrace attachment;
// process_vm_readv only needs CAP_SYS_PTRACE or matching UID, not a
// stopped tracee. checkpoint.Store uses this directly so snapshots can
// run while the controller is detached.
func ScatterGatherRead(pid int, addr uint64, length int) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := scatterGatherRead(pid, addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ScatterGatherWrite performs a raw process_vm_writev copy into pid's
// address space without requiring a ptrace attachment. See
// ScatterGatherRead.
func ScatterGatherWrite(pid int, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	_, err := scatterGatherWrite(pid, addr, data)
	return err
}

// scatterGatherRead performs one process_vm_readv call. A short
// transfer (n != len(buf)) is returned as an error even though the
// syscall itself did not error.
func scatterGatherRead(pid int, addr uint64, buf []byte) (int, error) {
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return n, fmt.Errorf("process_vm_readv pid=%d addr=0x%x len=%d: %w", pid, addr, len(buf), err)
	}
	if n != len(buf) {
		return n, fmt.Errorf("process_vm_readv pid=%d addr=0x%x: short transfer %d/%d", pid, addr, n, len(buf))
	}
	return n, nil
}

// scatterGatherWrite performs one process_vm_writev call.
func scatterGatherWrite(pid int, addr uint64, data []byte) (int, error) {
	local := []unix.Iovec{{Base: &data[0], Len: uint64(len(data))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}
	n, err := unix.ProcessVMWritev(pid, local, remote, 0)
	if err != nil {
		return n, fmt.Errorf("process_vm_writev pid=%d addr=0x%x len=%d: %w", pid, addr, len(data), err)
	}
	if n != len(data) {
		return n, fmt.Errorf("process_vm_writev pid=%d addr=0x%x: short transfer %d/%d", pid, addr, n, len(data))
	}
	return n, nil
}

// readWordAtATime reads length bytes starting at addr using
// PTRACE_PEEKDATA one word at a time, including a partial trailing
// word.
func (m *Mem) readWordAtATime(addr uint64, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	cur := addr
	remaining := length

	for remaining > 0 {
		word, err := m.ctl.PeekWord(uintptr(cur))
		if err != nil {
			return nil, fmt.Errorf("remoteio: word fallback read addr=0x%x: %w", cur, err)
		}
		wb := leBytes(word)
		n := wordSize
		if remaining < n {
			n = remaining
		}
		out = append(out, wb[:n]...)
		cur += wordSize
		remaining -= n
	}

	return out, nil
}

// writeWordAtATime writes data starting at addr using PTRACE_POKEDATA
// one word at a time. A trailing sub-word tail is handled by reading
// the destination word, patching its low bytes, and writing the whole
// word back so bytes past the tail are left untouched.
func (m *Mem) writeWordAtATime(addr uint64, data []byte) error {
	cur := addr
	remaining := len(data)
	off := 0

	for remaining > 0 {
		if remaining >= wordSize {
			word := beUint64FromLE(data[off : off+wordSize])
			if err := m.ctl.PokeWord(uintptr(cur), word); err != nil {
				return fmt.Errorf("remoteio: word fallback write addr=0x%x: %w", cur, err)
			}
			cur += wordSize
			off += wordSize
			remaining -= wordSize
			continue
		}

		existing, err := m.ctl.PeekWord(uintptr(cur))
		if err != nil {
			return fmt.Errorf("remoteio: word fallback tail read addr=0x%x: %w", cur, err)
		}
		wb := leBytes(existing)
		copy(wb[:remaining], data[off:off+remaining])
		if err := m.ctl.PokeWord(uintptr(cur), leUint64(wb)); err != nil {
			return fmt.Errorf("remoteio: word fallback tail write addr=0x%x: %w", cur, err)
		}
		remaining = 0
	}

	return nil
}

func leBytes(v uint64) []byte {
	b := make([]byte, wordSize)
	for i := 0; i < wordSize; i++ {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := wordSize - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// beUint64FromLE reads exactly wordSize little-endian bytes into a
// uint64. Named for symmetry with leUint64; both interpret the byte
// slice the same (little-endian) way.
func beUint64FromLE(b []byte) uint64 {
	return leUint64(b)
}
