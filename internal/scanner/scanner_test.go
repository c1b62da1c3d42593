package scanner_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kleascm/faultmonitor/internal/inject"
	"github.com/kleascm/faultmonitor/internal/region"
	"github.com/kleascm/faultmonitor/internal/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysAttached struct{}

func (alwaysAttached) IsAttached() bool { return true }

type notAttached struct{}

func (notAttached) IsAttached() bool { return false }

// fakeMem serves reads/writes from an in-memory byte buffer keyed by
// the region's start address, and can simulate a page read failure for
// a given address.
type fakeMem struct {
	base     uint64
	data     []byte
	failAddr map[uint64]bool
	writes   map[uint64][]byte
}

func newFakeMem(base uint64, data []byte) *fakeMem {
	return &fakeMem{base: base, data: data, failAddr: map[uint64]bool{}, writes: map[uint64][]byte{}}
}

func (m *fakeMem) Read(addr uint64, length int) ([]byte, error) {
	if m.failAddr[addr] {
		return nil, errors.New("simulated read failure")
	}
	off := int(addr - m.base)
	if off < 0 || off+length > len(m.data) {
		return nil, errors.New("out of range")
	}
	out := make([]byte, length)
	copy(out, m.data[off:off+length])
	return out, nil
}

func (m *fakeMem) Write(addr uint64, data []byte) error {
	m.writes[addr] = append([]byte(nil), data...)
	off := int(addr - m.base)
	copy(m.data[off:off+len(data)], data)
	return nil
}

func le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestScenarioSinglePageHeapScan(t *testing.T) {
	base := uint64(0x7f0000000000)
	values := []uint64{0, 1, 0x7f0000000000, 0xffff800000000000, 0x7f0000000008}
	var buf []byte
	for _, v := range values {
		buf = append(buf, le(v)...)
	}

	mem := newFakeMem(base, buf)
	table := region.NewTable([]region.Region{
		{Start: base, End: base + uint64(len(buf)), Readable: true, Writable: true, Label: "[heap]"},
	})

	sc := scanner.New(mem, alwaysAttached{}, len(buf), nil)
	strat, err := inject.New(inject.Config{
		Mode:           inject.BitFlip,
		PointerRate:    0.0,
		NonPointerRate: 0.0,
		ErrorLimit:     10,
		Seed:           1,
		ClassQuotas:    inject.ClassQuotas{10, 10, 10, 10},
		WildcardQuota:  10,
	}, nil)
	require.NoError(t, err)

	stats, err := sc.Scan(table, strat, 1)
	require.NoError(t, err)

	assert.EqualValues(t, 2, stats.PointersFound)
	assert.EqualValues(t, 40, stats.BytesScanned)
	assert.Empty(t, strat.Changes())
}

func TestScanRequiresAttachment(t *testing.T) {
	mem := newFakeMem(0, make([]byte, 8))
	sc := scanner.New(mem, notAttached{}, 8, nil)
	strat, err := inject.New(inject.Config{PointerRate: 0, NonPointerRate: 0, ErrorLimit: 1, Seed: 1, ClassQuotas: inject.ClassQuotas{1, 1, 1, 1}}, nil)
	require.NoError(t, err)

	_, err = sc.Scan(region.NewTable(nil), strat, 1)
	assert.ErrorIs(t, err, scanner.ErrNotAttached)
}

func TestScanRejectsInvalidWorkerCount(t *testing.T) {
	mem := newFakeMem(0, make([]byte, 8))
	sc := scanner.New(mem, alwaysAttached{}, 8, nil)
	strat, err := inject.New(inject.Config{PointerRate: 0, NonPointerRate: 0, ErrorLimit: 1, Seed: 1, ClassQuotas: inject.ClassQuotas{1, 1, 1, 1}}, nil)
	require.NoError(t, err)

	_, err = sc.Scan(region.NewTable(nil), strat, 0)
	assert.ErrorIs(t, err, scanner.ErrInvalidWorkerCount)

	_, err = sc.Scan(region.NewTable(nil), strat, 257)
	assert.ErrorIs(t, err, scanner.ErrInvalidWorkerCount)
}

// stubStrategy lets a test force PreRunner to fail.
type stubStrategy struct {
	pre bool
}

func (s stubStrategy) PreRunner() bool { return s.pre }
func (s stubStrategy) HandlePointer(addr uint64, word *uint64, writable bool, r region.Region) bool {
	return false
}
func (s stubStrategy) HandleNonPointer(addr uint64, word *uint64, writable bool, r region.Region) bool {
	return false
}
func (s stubStrategy) PostRunner() {}

func TestScanAbortsWhenPreRunnerDeclines(t *testing.T) {
	mem := newFakeMem(0, make([]byte, 8))
	sc := scanner.New(mem, alwaysAttached{}, 8, nil)

	_, err := sc.Scan(region.NewTable(nil), stubStrategy{pre: false}, 1)
	assert.ErrorIs(t, err, scanner.ErrPreRunnerAborted)
}

func TestScanSkipsUnreadablePage(t *testing.T) {
	base := uint64(0x1000)
	mem := newFakeMem(base, make([]byte, 16))
	mem.failAddr[base] = true

	table := region.NewTable([]region.Region{
		{Start: base, End: base + 16, Readable: true, Writable: true, Label: "[heap]"},
	})
	sc := scanner.New(mem, alwaysAttached{}, 16, nil)
	strat, err := inject.New(inject.Config{PointerRate: 0, NonPointerRate: 0, ErrorLimit: 1, Seed: 1, ClassQuotas: inject.ClassQuotas{1, 1, 1, 1}}, nil)
	require.NoError(t, err)

	stats, err := sc.Scan(table, strat, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 16, stats.BytesSkipped)
	assert.EqualValues(t, 1, stats.RegionsScanned)
}

func TestScanShardsRoundRobinAcrossWorkers(t *testing.T) {
	// Four one-page regions across two workers: each worker gets two
	// regions, and RegionsScanned sums to 4 regardless of assignment.
	base := uint64(0x10000)
	pageSize := 16
	total := 4 * pageSize
	mem := newFakeMem(base, make([]byte, total))

	var regions []region.Region
	for i := 0; i < 4; i++ {
		start := base + uint64(i*pageSize)
		regions = append(regions, region.Region{Start: start, End: start + uint64(pageSize), Readable: true, Writable: true, Label: "[heap]"})
	}
	table := region.NewTable(regions)

	sc := scanner.New(mem, alwaysAttached{}, pageSize, nil)
	strat, err := inject.New(inject.Config{PointerRate: 0, NonPointerRate: 0, ErrorLimit: 1, Seed: 1, ClassQuotas: inject.ClassQuotas{1, 1, 1, 1}}, nil)
	require.NoError(t, err)

	stats, err := sc.Scan(table, strat, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.RegionsScanned)
	assert.EqualValues(t, total, stats.BytesScanned)
}
