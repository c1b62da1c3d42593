package control_test

import (
	"testing"

	"github.com/kleascm/faultmonitor/internal/control"
	"github.com/stretchr/testify/assert"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	kinds := []control.Kind{control.NoOp, control.Checkpoint, control.Restore, control.InjectErrors, control.Scan}
	params := []uint32{0, 1, 42, control.MaxParam / 2, control.MaxParam}

	for _, kind := range kinds {
		for _, p1 := range params {
			for _, p2 := range params {
				packed := control.Pack(kind, p1, p2)
				gotKind, gotP1, gotP2 := control.Unpack(packed)
				assert.Equal(t, kind, gotKind)
				assert.Equal(t, p1, gotP1)
				assert.Equal(t, p2, gotP2)
			}
		}
	}
}

func TestPackTruncatesOversizedParams(t *testing.T) {
	packed := control.Pack(control.Scan, control.MaxParam+1, control.MaxParam+5)
	kind, p1, p2 := control.Unpack(packed)
	assert.Equal(t, control.Scan, kind)
	assert.EqualValues(t, 0, p1)
	assert.EqualValues(t, 4, p2)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "checkpoint", control.Checkpoint.String())
	assert.Equal(t, "unknown", control.Kind(255).String())
	assert.True(t, control.Scan.IsValid())
	assert.False(t, control.Kind(5).IsValid())
}
