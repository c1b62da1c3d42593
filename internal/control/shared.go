package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Layout of the mmap'd control block: three 8-byte, naturally aligned
// words. commandOff holds the packed command; pendingOff and
// responseOff are 0/1 flags read and written with sync/atomic, giving
// acquire/release ordering over the shared control-plane state without
// any lock.
const (
	commandOff  = 0
	pendingOff  = 8
	responseOff = 16
	ctlSize     = 24
)

// SharedPath returns the well-known path both sides mmap to exchange a
// child's control block, mirroring the /tmp/checkpoint_<pid> naming
// convention the snapshot mechanism uses.
func SharedPath(childPID int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("faultmonitor_ctl_%d", childPID))
}

// sharedBlock is a POSIX shared memory mapping backing the control
// words two processes exchange. It is the payload transport standing
// in for a signal's queued value; see command.go's package doc.
type sharedBlock struct {
	file *os.File
	mem  []byte
}

func openShared(childPID int, create bool) (*sharedBlock, error) {
	path := SharedPath(childPID)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("control: open shared block %s: %w", path, err)
	}
	if create {
		if err := f.Truncate(ctlSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("control: size shared block %s: %w", path, err)
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, ctlSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("control: mmap shared block %s: %w", path, err)
	}
	return &sharedBlock{file: f, mem: mem}, nil
}

// closeAndRemove unmaps and closes the block, then deletes the backing
// file. Only the side that created the block (the monitor) should call
// this; the child side uses close.
func (s *sharedBlock) closeAndRemove() error {
	path := s.file.Name()
	if err := s.close(); err != nil {
		return err
	}
	return os.Remove(path)
}

func (s *sharedBlock) close() error {
	if err := unix.Munmap(s.mem); err != nil {
		s.file.Close()
		return fmt.Errorf("control: munmap: %w", err)
	}
	return s.file.Close()
}

func (s *sharedBlock) word(offset int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[offset]))
}

func (s *sharedBlock) load(offset int) uint64 {
	return atomic.LoadUint64(s.word(offset))
}

func (s *sharedBlock) store(offset int, v uint64) {
	atomic.StoreUint64(s.word(offset), v)
}

func (s *sharedBlock) cas(offset int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(s.word(offset), old, new)
}
