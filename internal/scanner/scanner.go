/*
Package scanner implements the parallel pointer-classification scanner:
it shards a region table's readable regions across N workers, walks each
worker's regions page by page, classifies every 8-byte aligned word, and
drives an inject.Strategy over the result. Per-worker statistics are
merged sequentially after all workers join.
*/
package scanner

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kleascm/faultmonitor/internal/classify"
	"github.com/kleascm/faultmonitor/internal/inject"
	"github.com/kleascm/faultmonitor/internal/region"
)

var (
	// ErrNotAttached is returned by Scan when invoked while the target
	// is not attached.
	ErrNotAttached = errors.New("scanner: not attached")
	// ErrInvalidWorkerCount is returned by Scan for a worker count outside [1,256].
	ErrInvalidWorkerCount = errors.New("scanner: worker count must be in [1,256]")
	// ErrPreRunnerAborted is returned when the strategy's PreRunner
	// declines to run the scan.
	ErrPreRunnerAborted = errors.New("scanner: strategy pre-runner aborted scan")
)

// MaxWorkers bounds the worker count a caller may request.
const MaxWorkers = 256

// MemReader is the read half of the remote memory transport the
// scanner depends on.
type MemReader interface {
	Read(addr uint64, length int) ([]byte, error)
}

// MemWriter is the write half of the remote memory transport the
// scanner depends on.
type MemWriter interface {
	Write(addr uint64, data []byte) error
}

// MemReadWriter is the full transport the scanner needs.
type MemReadWriter interface {
	MemReader
	MemWriter
}

// AttachChecker reports whether the target is currently attached. It is
// satisfied by *procctl.Controller; scanner depends only on this
// narrow interface so it can be exercised with a fake in unit tests.
type AttachChecker interface {
	IsAttached() bool
}

// Stats accumulates per-scan counters. Every counter is additive and
// merged across worker shards by summation; ScanDuration is not merged
// but set once for the whole scan.
type Stats struct {
	RegionsScanned  int
	BytesScanned    uint64
	BytesReadable   uint64
	BytesWritable   uint64
	BytesExecutable uint64
	BytesSkipped    uint64
	PointersFound   uint64
	ScanDuration    time.Duration
}

func (s *Stats) merge(o Stats) {
	s.RegionsScanned += o.RegionsScanned
	s.BytesScanned += o.BytesScanned
	s.BytesReadable += o.BytesReadable
	s.BytesWritable += o.BytesWritable
	s.BytesExecutable += o.BytesExecutable
	s.BytesSkipped += o.BytesSkipped
	s.PointersFound += o.PointersFound
}

// Scanner drives one parallel scan pass over a region table.
type Scanner struct {
	mem      MemReadWriter
	attached AttachChecker
	pageSize int
	logger   logrus.FieldLogger
}

// New builds a Scanner. pageSize should normally come from
// os.Getpagesize(); it is a parameter so tests can use small pages.
func New(mem MemReadWriter, attached AttachChecker, pageSize int, logger logrus.FieldLogger) *Scanner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pageSize <= 0 {
		pageSize = 4096
	}
	return &Scanner{mem: mem, attached: attached, pageSize: pageSize, logger: logger}
}

// Scan shards table's readable regions across workers goroutines,
// round-robin by index, and runs strat over every 8-byte aligned word.
// It fails immediately if not attached, if workers is out of range, or
// if the strategy's PreRunner declines the scan.
func (sc *Scanner) Scan(table *region.Table, strat inject.Strategy, workers int) (Stats, error) {
	if !sc.attached.IsAttached() {
		return Stats{}, ErrNotAttached
	}
	if workers < 1 || workers > MaxWorkers {
		return Stats{}, ErrInvalidWorkerCount
	}
	if !strat.PreRunner() {
		return Stats{}, ErrPreRunnerAborted
	}

	start := time.Now()

	readable := table.Readable()
	shards := make([][]region.Region, workers)
	for i, r := range readable {
		shards[i%workers] = append(shards[i%workers], r)
	}

	results := make([]Stats, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = sc.scanShard(shards[idx], table, strat)
		}(w)
	}
	wg.Wait()

	strat.PostRunner()

	var total Stats
	for _, r := range results {
		total.merge(r)
	}
	total.ScanDuration = time.Since(start)
	return total, nil
}

// scanShard walks one worker's assigned regions to completion. A page
// that fails to read is counted as skipped and the walk advances past
// it; the region is still counted as scanned once its last page is
// handled.
func (sc *Scanner) scanShard(regions []region.Region, table *region.Table, strat inject.Strategy) Stats {
	var st Stats

	for _, r := range regions {
		for addr := r.Start; addr < r.End; addr += uint64(sc.pageSize) {
			pageLen := sc.pageSize
			if remaining := r.End - addr; remaining < uint64(pageLen) {
				pageLen = int(remaining)
			}

			data, err := sc.mem.Read(addr, pageLen)
			if err != nil {
				st.BytesSkipped += uint64(pageLen)
				sc.logger.WithFields(logrus.Fields{
					"addr": fmt.Sprintf("0x%x", addr),
					"len":  pageLen,
				}).Debugf("scanner: page read failed, skipping: %v", err)
				continue
			}

			dirty := sc.scanPage(addr, data, r, table, strat, &st)

			st.BytesScanned += uint64(pageLen)
			if r.Readable {
				st.BytesReadable += uint64(pageLen)
			}
			if r.Writable {
				st.BytesWritable += uint64(pageLen)
			}
			if r.Executable {
				st.BytesExecutable += uint64(pageLen)
			}

			if dirty && r.Writable {
				if err := sc.mem.Write(addr, data); err != nil {
					sc.logger.WithFields(logrus.Fields{
						"addr": fmt.Sprintf("0x%x", addr),
						"len":  len(data),
					}).Warnf("scanner: page write-back failed: %v", err)
				}
			}
		}
		st.RegionsScanned++
	}

	return st
}

// scanPage iterates strictly ascending 8-byte aligned offsets in data,
// classifies each word, and invokes the appropriate strategy handler.
// It returns whether any word in the page was mutated.
func (sc *Scanner) scanPage(baseAddr uint64, data []byte, r region.Region, table *region.Table, strat inject.Strategy, st *Stats) bool {
	dirty := false
	for off := 0; off+8 <= len(data); off += 8 {
		word := leUint64(data[off : off+8])
		wordAddr := baseAddr + uint64(off)

		var mutated bool
		if classify.IsLikelyPointer(word, table) {
			st.PointersFound++
			mutated = strat.HandlePointer(wordAddr, &word, r.Writable, r)
		} else {
			mutated = strat.HandleNonPointer(wordAddr, &word, r.Writable, r)
		}

		if mutated {
			dirty = true
			putLE(data[off:off+8], word)
		}
	}
	return dirty
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLE(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v)
		v >>= 8
	}
}
