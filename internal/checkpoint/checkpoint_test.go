//go:build linux

package checkpoint_test

import (
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/kleascm/faultmonitor/internal/checkpoint"
	"github.com/kleascm/faultmonitor/internal/procctl"
	"github.com/kleascm/faultmonitor/internal/region"
	"github.com/kleascm/faultmonitor/internal/remoteio"
	"github.com/stretchr/testify/require"
)

func attachToSleeper(t *testing.T) (pid int, table *region.Table, cleanup func()) {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	time.Sleep(50 * time.Millisecond)

	pid = cmd.Process.Pid
	ctl, err := procctl.New(pid, nil)
	require.NoError(t, err)
	if err := ctl.Attach(); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		t.Skipf("ptrace attach unavailable in this sandbox: %v", err)
	}

	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	require.NoError(t, err)
	table, err = region.ParseMaps(f, nil)
	f.Close()
	require.NoError(t, err)

	// Snapshot/restore go through raw process_vm_* calls, so release
	// the ptrace hold immediately as the real orchestration would.
	require.NoError(t, ctl.Detach())

	cleanup = func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return pid, table, cleanup
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	pid, table, cleanup := attachToSleeper(t)
	defer cleanup()

	var target region.Region
	found := false
	for _, r := range table.All() {
		if r.Writable && r.Len() >= 64 {
			target = r
			found = true
			break
		}
	}
	if !found {
		t.Skip("no writable region large enough found in child maps")
	}

	require.NoError(t, remoteio.ScatterGatherWrite(pid, target.Start, []byte{0xAB}))

	store := checkpoint.NewStore(nil)
	_, err := store.Snapshot(pid, table)
	require.NoError(t, err)

	require.NoError(t, remoteio.ScatterGatherWrite(pid, target.Start, []byte{0xCD}))

	overwritten, err := remoteio.ScatterGatherRead(pid, target.Start, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xCD), overwritten[0])

	require.NoError(t, store.Restore(pid, table))

	restored, err := remoteio.ScatterGatherRead(pid, target.Start, 1)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), restored[0])
}

func TestRestoreWithoutCheckpointFails(t *testing.T) {
	store := checkpoint.NewStore(nil)
	err := store.Restore(1, region.NewTable(nil))
	require.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
}

func TestRestoreRejectsLayoutMismatch(t *testing.T) {
	store := checkpoint.NewStore(nil)
	// Non-writable so Snapshot never has to actually read memory for a
	// fake PID; only the recorded layout matters for this test.
	original := region.NewTable([]region.Region{
		{Start: 0x1000, End: 0x2000, Writable: false, Label: "[heap]"},
	})

	_, err := store.Snapshot(0, original)
	require.NoError(t, err)

	changed := region.NewTable([]region.Region{
		{Start: 0x1000, End: 0x3000, Writable: false, Label: "[heap]"},
	})
	err = store.Restore(0, changed)
	require.ErrorIs(t, err, checkpoint.ErrRegionMismatch)
}
