/*
Package checkpoint implements snapshot/restore of the traced child's
writable memory. A Checkpoint is overwritten by the next Snapshot call;
Restore refuses to run if the current region layout no longer matches
the one recorded at snapshot time.

Snapshot and Restore read and write memory via
internal/remoteio's raw scatter-gather helpers directly (bypassing
internal/procctl's attachment check), because process_vm_readv/writev
do not require the target to be ptrace-stopped. The mode drivers detach
before a checkpoint transaction precisely so the child can keep running
while a (potentially large) snapshot is captured.

Every Snapshot is also written to a per-PID working directory under
os.TempDir() ("checkpoint_<pid>") so a Store built in a separate process
invocation (the standalone checkpoint/restore subcommands each start
their own Store) can still find it: Restore only consults the in-memory
current field first and falls back to loading that directory. Nothing
reads the directory automatically on startup, so a fresh monitor run
never silently inherits a stale snapshot from an earlier session; it
takes an explicit Restore call to load one.
*/
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kleascm/faultmonitor/internal/region"
	"github.com/kleascm/faultmonitor/internal/remoteio"
	"github.com/kleascm/faultmonitor/pkg/logging"
)

// DefaultChunkSize bounds a single scatter-gather transfer during
// snapshot/restore so peak memory for very large regions stays bounded.
const DefaultChunkSize = 1 << 20 // 1 MiB

var (
	// ErrNoCheckpoint is returned by Restore when no checkpoint has
	// been taken yet.
	ErrNoCheckpoint = errors.New("checkpoint: no checkpoint recorded")
	// ErrRegionMismatch is returned by Restore when the current region
	// layout does not match the checkpoint's recorded layout.
	ErrRegionMismatch = errors.New("checkpoint: region layout changed since snapshot")
)

// RegionDescriptor is the (start, end, writable) triple recorded per
// region at snapshot time, plus the label used only when StrictLabels
// is enabled.
type RegionDescriptor struct {
	Start    uint64
	End      uint64
	Writable bool
	Label    string
}

// Checkpoint is an ordered list of region descriptors plus, for every
// writable region, the byte buffer captured at snapshot time.
type Checkpoint struct {
	ID        uuid.UUID
	Regions   []RegionDescriptor
	Chunks    map[uint64][]byte // keyed by RegionDescriptor.Start
	CreatedAt time.Time
}

// Store owns the single most recent Checkpoint for a target PID. A new
// Snapshot call overwrites whatever was recorded before.
type Store struct {
	// StrictLabels additionally requires identical mapping labels for
	// Restore to accept the current layout. Defaults to false
	// (start/end/writable only).
	StrictLabels bool

	// Events, if set, receives structured checkpoint/restore events
	// instead of the generic field logger below.
	Events *logging.Logger

	chunkSize int
	logger    logrus.FieldLogger
	current   *Checkpoint
}

// NewStore builds a Store with DefaultChunkSize.
func NewStore(logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{chunkSize: DefaultChunkSize, logger: logger}
}

// Current returns the most recently recorded checkpoint, or nil if none
// exists yet.
func (s *Store) Current() *Checkpoint {
	return s.current
}

// Snapshot captures every writable region in table by reading it in
// DefaultChunkSize-bounded pieces, and records the full region layout
// for later Restore comparison. It overwrites any prior checkpoint.
func (s *Store) Snapshot(pid int, table *region.Table) (*Checkpoint, error) {
	all := table.All()
	descs := make([]RegionDescriptor, 0, len(all))
	chunks := make(map[uint64][]byte)

	for _, r := range all {
		descs = append(descs, RegionDescriptor{Start: r.Start, End: r.End, Writable: r.Writable, Label: r.Label})
		if !r.Writable {
			continue
		}
		data, err := readChunked(pid, r.Start, r.Len(), s.chunkSize)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: snapshotting region 0x%x-0x%x: %w", r.Start, r.End, err)
		}
		chunks[r.Start] = data
	}

	cp := &Checkpoint{
		ID:        uuid.New(),
		Regions:   descs,
		Chunks:    chunks,
		CreatedAt: time.Now(),
	}
	s.current = cp

	if err := s.persist(pid, cp); err != nil {
		return nil, fmt.Errorf("checkpoint: persisting snapshot: %w", err)
	}

	if s.Events != nil {
		s.Events.LogCheckpoint(cp.ID.String(), false, len(descs), nil)
	} else {
		s.logger.WithFields(logrus.Fields{
			"checkpoint_id": cp.ID,
			"regions":       len(descs),
			"writable":      len(chunks),
		}).Info("checkpoint: snapshot recorded")
	}

	return cp, nil
}

// Restore requires a prior checkpoint whose region layout still matches
// table exactly (equal Start, End, and Writable for every region, in
// order; Label too when StrictLabels is set). On any mismatch it fails
// without writing anything. On a match, every writable region's bytes
// are written back.
func (s *Store) Restore(pid int, table *region.Table) error {
	cp := s.current
	if cp == nil {
		loaded, err := s.load(pid)
		if err != nil {
			return ErrNoCheckpoint
		}
		cp = loaded
		s.current = cp
	}

	current := table.All()
	if len(current) != len(cp.Regions) {
		return ErrRegionMismatch
	}
	for i, d := range cp.Regions {
		r := current[i]
		if r.Start != d.Start || r.End != d.End || r.Writable != d.Writable {
			return ErrRegionMismatch
		}
		if s.StrictLabels && r.Label != d.Label {
			return ErrRegionMismatch
		}
	}

	for _, d := range cp.Regions {
		if !d.Writable {
			continue
		}
		data := cp.Chunks[d.Start]
		if err := writeChunked(pid, d.Start, data, s.chunkSize); err != nil {
			return fmt.Errorf("checkpoint: restoring region 0x%x-0x%x: %w", d.Start, d.End, err)
		}
	}

	if s.Events != nil {
		s.Events.LogCheckpoint(cp.ID.String(), true, len(cp.Regions), nil)
	} else {
		s.logger.WithFields(logrus.Fields{
			"checkpoint_id": cp.ID,
		}).Info("checkpoint: restore complete")
	}

	return nil
}

// checkpointDir returns the per-PID working directory a Store uses to
// back its most recent Checkpoint on disk, so a Store built in a
// separate process can still find it.
func checkpointDir(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("checkpoint_%d", pid))
}

// persist writes cp to pid's working directory, overwriting whatever
// was recorded there before.
func (s *Store) persist(pid int, cp *Checkpoint) error {
	dir := checkpointDir(pid)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating working directory %s: %w", dir, err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cp); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	path := filepath.Join(dir, "snapshot.gob")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// load reads back the Checkpoint persist wrote for pid, if any.
func (s *Store) load(pid int) (*Checkpoint, error) {
	path := filepath.Join(checkpointDir(pid), "snapshot.gob")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cp Checkpoint
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decoding %s: %w", path, err)
	}
	return &cp, nil
}

func readChunked(pid int, start uint64, length uint64, chunkSize int) ([]byte, error) {
	out := make([]byte, 0, length)
	addr := start
	remaining := length

	for remaining > 0 {
		n := uint64(chunkSize)
		if n > remaining {
			n = remaining
		}
		data, err := remoteio.ScatterGatherRead(pid, addr, int(n))
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		addr += n
		remaining -= n
	}

	return out, nil
}

func writeChunked(pid int, start uint64, data []byte, chunkSize int) error {
	addr := start
	off := 0

	for off < len(data) {
		n := chunkSize
		if off+n > len(data) {
			n = len(data) - off
		}
		if err := remoteio.ScatterGatherWrite(pid, addr, data[off:off+n]); err != nil {
			return err
		}
		addr += uint64(n)
		off += n
	}

	return nil
}
