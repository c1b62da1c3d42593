package classify_test

import (
	"testing"

	"github.com/kleascm/faultmonitor/internal/classify"
	"github.com/kleascm/faultmonitor/internal/region"
	"github.com/stretchr/testify/assert"
)

func testTable() *region.Table {
	return region.NewTable([]region.Region{
		{Start: 0x7f0000000000, End: 0x7f0000001000, Readable: true, Writable: true, Label: "[heap]"},
	})
}

func TestIsLikelyPointerRejectsZero(t *testing.T) {
	assert.False(t, classify.IsLikelyPointer(0, testTable()))
}

func TestIsLikelyPointerRejectsOdd(t *testing.T) {
	assert.False(t, classify.IsLikelyPointer(0x7f0000000001, testTable()))
}

func TestIsLikelyPointerRejectsNonCanonical(t *testing.T) {
	// Top 16 bits neither all-zero nor all-one.
	assert.False(t, classify.IsLikelyPointer(0x1234000000000000, testTable()))
}

func TestIsLikelyPointerRejectsOutOfRange(t *testing.T) {
	assert.False(t, classify.IsLikelyPointer(0x7f0000005000, testTable()))
}

func TestIsLikelyPointerAcceptsCanonicalUpperHalfInRange(t *testing.T) {
	table := region.NewTable([]region.Region{
		{Start: 0xffff800000000000, End: 0xffff800000001000, Readable: true},
	})
	assert.True(t, classify.IsLikelyPointer(0xffff800000000008, table))
}

func TestIsLikelyPointerAcceptsHeapMember(t *testing.T) {
	assert.True(t, classify.IsLikelyPointer(0x7f0000000000, testTable()))
	assert.True(t, classify.IsLikelyPointer(0x7f0000000008, testTable()))
}

func TestScenarioSinglePageHeapScanValues(t *testing.T) {
	// Mirrors spec scenario 1: {0, 1, 0x7f0000000000, 0xffff800000000000,
	// 0x7f0000000008} against a single [heap] region at 0x7f0000000000.
	table := testTable()
	values := []uint64{0, 1, 0x7f0000000000, 0xffff800000000000, 0x7f0000000008}
	want := []bool{false, false, true, false, true}
	for i, v := range values {
		assert.Equalf(t, want[i], classify.IsLikelyPointer(v, table), "value 0x%x", v)
	}
}
