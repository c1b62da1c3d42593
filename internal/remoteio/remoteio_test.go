//go:build linux

package remoteio_test

import (
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/kleascm/faultmonitor/internal/procctl"
	"github.com/kleascm/faultmonitor/internal/region"
	"github.com/kleascm/faultmonitor/internal/remoteio"
	"github.com/stretchr/testify/require"
)

// TestReadWriteRoundTrip attaches to a real child, finds its first
// writable region of at least 4096 bytes from /proc/<pid>/maps, and
// round-trips a write/read through
// remoteio.Mem. It is skipped whenever the sandbox denies ptrace.
func TestReadWriteRoundTrip(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()
	time.Sleep(50 * time.Millisecond)

	pid := cmd.Process.Pid
	ctl, err := procctl.New(pid, nil)
	require.NoError(t, err)
	if err := ctl.Attach(); err != nil {
		t.Skipf("ptrace attach unavailable in this sandbox: %v", err)
	}
	defer ctl.Detach()

	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	require.NoError(t, err)
	defer f.Close()

	table, err := region.ParseMaps(f, nil)
	require.NoError(t, err)

	var target region.Region
	found := false
	for _, r := range table.All() {
		if r.Writable && r.Len() >= 4096 {
			target = r
			found = true
			break
		}
	}
	if !found {
		t.Skip("no writable region large enough found in child maps")
	}

	mem := remoteio.New(ctl, nil)

	original, err := mem.Read(target.Start, 16)
	require.NoError(t, err)
	require.Len(t, original, 16)

	payload := []byte{0xAB, 0xCD, 0xEF, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	require.NoError(t, mem.Write(target.Start, payload))

	readBack, err := mem.Read(target.Start, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, readBack)

	// Restore original bytes so we leave the child's memory as found.
	require.NoError(t, mem.Write(target.Start, original))
}

func TestReadRequiresAttachment(t *testing.T) {
	ctl, err := procctl.New(os.Getpid(), nil)
	require.NoError(t, err)
	mem := remoteio.New(ctl, nil)

	_, err = mem.Read(0x1000, 8)
	require.ErrorIs(t, err, remoteio.ErrNotAttached)

	err = mem.Write(0x1000, []byte{1, 2, 3})
	require.ErrorIs(t, err, remoteio.ErrNotAttached)
}
