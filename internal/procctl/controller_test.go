//go:build linux

package procctl_test

import (
	"os/exec"
	"testing"
	"time"

	"github.com/kleascm/faultmonitor/internal/procctl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidPID(t *testing.T) {
	_, err := procctl.New(0, nil)
	assert.ErrorIs(t, err, procctl.ErrInvalidPID)

	_, err = procctl.New(-5, nil)
	assert.ErrorIs(t, err, procctl.ErrInvalidPID)
}

func TestAttachRejectsGoneProcess(t *testing.T) {
	// PID 1 always exists in a container but we don't have permission or
	// desire to attach to it; instead use a PID guaranteed not to exist.
	const improbablePID = 1 << 30
	ctl, err := procctl.New(improbablePID, nil)
	require.NoError(t, err)

	err = ctl.Attach()
	assert.Error(t, err)
}

// TestAttachDetachLifecycle exercises a real attach/detach cycle against
// a spawned sleep(1) child. It is skipped when the sandbox denies
// CAP_SYS_PTRACE, which is common in restricted CI/containers.
func TestAttachDetachLifecycle(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	// Give the child a moment to reach a stable sleeping state before
	// attaching.
	time.Sleep(50 * time.Millisecond)

	ctl, err := procctl.New(cmd.Process.Pid, nil)
	require.NoError(t, err)

	if err := ctl.Attach(); err != nil {
		t.Skipf("ptrace attach unavailable in this sandbox: %v", err)
	}
	assert.True(t, ctl.IsAttached())

	assert.ErrorIs(t, ctl.Attach(), procctl.ErrAlreadyAttached)

	require.NoError(t, ctl.Detach())
	assert.False(t, ctl.IsAttached())
	assert.ErrorIs(t, ctl.Detach(), procctl.ErrNotAttached)
}

func TestScopedAttachReleasesOnlyOwnAttach(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()
	time.Sleep(50 * time.Millisecond)

	ctl, err := procctl.New(cmd.Process.Pid, nil)
	require.NoError(t, err)

	outer, err := procctl.Acquire(ctl)
	if err != nil {
		t.Skipf("ptrace attach unavailable in this sandbox: %v", err)
	}
	require.True(t, outer.Ok())
	require.True(t, ctl.IsAttached())

	inner, err := procctl.Acquire(ctl)
	require.NoError(t, err)
	require.True(t, inner.Ok())

	// Inner guard did not create the attachment, so releasing it must not
	// detach.
	require.NoError(t, inner.Release())
	assert.True(t, ctl.IsAttached())

	require.NoError(t, outer.Release())
	assert.False(t, ctl.IsAttached())
}
