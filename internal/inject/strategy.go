/*
Package inject implements the error-injection strategy: classification-
aware quotas, a deterministic dual-RNG stream, and the change-record
bookkeeping the scanner consults. Strategy is the interface the scanner
depends on (see internal/scanner); FaultStrategy is the concrete
bit-level fault injector: BitFlip, StuckAtZero, or StuckAtOne applied
to a Bernoulli-selected fraction of scanned words.
*/
package inject

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kleascm/faultmonitor/internal/region"
	"github.com/kleascm/faultmonitor/pkg/logging"
)

// Mode selects the bit-level transformation applied to a mutated word.
type Mode int

const (
	BitFlip Mode = iota
	StuckAtZero
	StuckAtOne
)

func (m Mode) String() string {
	switch m {
	case BitFlip:
		return "bit-flip"
	case StuckAtZero:
		return "stuck-at-zero"
	case StuckAtOne:
		return "stuck-at-one"
	default:
		return "unknown"
	}
}

// ParseMode maps a CLI/config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "bit-flip", "bitflip":
		return BitFlip, nil
	case "stuck-at-zero", "stuck-at-0":
		return StuckAtZero, nil
	case "stuck-at-one", "stuck-at-1":
		return StuckAtOne, nil
	default:
		return 0, fmt.Errorf("inject: unrecognized mode %q", s)
	}
}

// ClassQuotas holds per-class fault budgets, indexed by region.Class
// (Unknown, Heap, Stack, Static).
type ClassQuotas [4]int

// Config configures a FaultStrategy.
type Config struct {
	Mode             Mode
	PointerRate      float64 // Bernoulli rate applied to classified pointers, [0,1]
	NonPointerRate   float64 // Bernoulli rate applied to non-pointers, [0,1]
	ErrorLimit       int     // max distinct change-map entries since construction or the last Reset
	Seed             int64   // 0 means "seed from wall clock"
	ClassQuotas      ClassQuotas
	WildcardQuota    int
}

// Validate checks Config for out-of-range values.
func (c Config) Validate() error {
	if c.PointerRate < 0 || c.PointerRate > 1 {
		return fmt.Errorf("inject: pointer rate %f out of [0,1]", c.PointerRate)
	}
	if c.NonPointerRate < 0 || c.NonPointerRate > 1 {
		return fmt.Errorf("inject: non-pointer rate %f out of [0,1]", c.NonPointerRate)
	}
	if c.ErrorLimit <= 0 {
		return errors.New("inject: error limit must be positive")
	}
	return nil
}

// ChangeRecord describes one injected fault, keyed by absolute child
// address in the owning strategy's ChangeMap.
type ChangeRecord struct {
	Original  uint64
	Modified  uint64
	Class     region.Class
	Label     string
	Timestamp time.Time
}

// Strategy is the interface the parallel scanner depends on. Region
// context is passed on every call rather than through a separate
// setter, because a single Strategy instance is shared and invoked
// concurrently by every scan worker; a stateful "current region"
// setter would race across workers scanning different regions at once.
type Strategy interface {
	// PreRunner may abort a scan cleanly by returning false.
	PreRunner() bool
	// HandlePointer is invoked for a word classified as a likely
	// pointer. It may mutate *word in place and returns true if it did.
	HandlePointer(addr uint64, word *uint64, writable bool, r region.Region) bool
	// HandleNonPointer is invoked for a word that failed pointer
	// classification. It may mutate *word in place and returns true if
	// it did.
	HandleNonPointer(addr uint64, word *uint64, writable bool, r region.Region) bool
	// PostRunner is invoked once after all workers join.
	PostRunner()
}

// FaultStrategy is the concrete bit-level fault injector: it applies
// Config.Mode to a fraction of candidate words, gated by a Bernoulli
// draw and per-class/wildcard quotas, and records every mutation in an
// address-keyed change map.
type FaultStrategy struct {
	cfg    Config
	logger logrus.FieldLogger

	// Events, if set, receives structured injection events instead of
	// the generic field logger above.
	Events *logging.Logger

	mu              sync.Mutex
	gateRNG         *rand.Rand
	bitRNG          *rand.Rand
	classCounters   [4]int
	wildcardCounter int
	changes         map[uint64]ChangeRecord
	limitLogged     bool
}

// New constructs a FaultStrategy. If cfg.Seed is zero, both RNG streams
// are seeded from the wall clock; any other seed value makes the run
// reproducible.
func New(cfg Config, logger logrus.FieldLogger) (*FaultStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &FaultStrategy{
		cfg:     cfg,
		logger:  logger,
		gateRNG: rand.New(rand.NewSource(seed)),
		bitRNG:  rand.New(rand.NewSource(seed)),
		changes: make(map[uint64]ChangeRecord),
	}, nil
}

// PreRunner always allows the scan to proceed; FaultStrategy has no
// precondition of its own beyond what the scanner already checks
// (attachment state).
func (s *FaultStrategy) PreRunner() bool { return true }

// PostRunner is a no-op for FaultStrategy; nothing needs to happen
// after workers join beyond what the scanner already aggregates.
func (s *FaultStrategy) PostRunner() {}

// HandlePointer implements Strategy.
func (s *FaultStrategy) HandlePointer(addr uint64, word *uint64, writable bool, r region.Region) bool {
	return s.handle(addr, word, writable, r, true)
}

// HandleNonPointer implements Strategy.
func (s *FaultStrategy) HandleNonPointer(addr uint64, word *uint64, writable bool, r region.Region) bool {
	return s.handle(addr, word, writable, r, false)
}

func (s *FaultStrategy) handle(addr uint64, word *uint64, writable bool, r region.Region, isPointer bool) bool {
	if !writable {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	class := r.Class()
	idx := int(class)

	hasClassBudget := s.classCounters[idx] < s.cfg.ClassQuotas[idx]
	hasWildcard := s.wildcardCounter < s.cfg.WildcardQuota
	if !hasClassBudget && !hasWildcard {
		return false
	}

	if _, exists := s.changes[addr]; !exists && len(s.changes) >= s.cfg.ErrorLimit {
		if !s.limitLogged {
			s.limitLogged = true
			s.logger.Warn("inject: error budget exhausted, no further new addresses will be injected")
		}
		return false
	}

	rate := s.cfg.NonPointerRate
	if isPointer {
		rate = s.cfg.PointerRate
	}
	if s.gateRNG.Float64() >= rate {
		return false
	}

	b := s.bitRNG.Intn(64)
	original := *word
	var modified uint64
	switch s.cfg.Mode {
	case BitFlip:
		modified = original ^ (uint64(1) << uint(b))
	case StuckAtZero:
		bPrime := s.bitRNG.Intn(64)
		modified = original &^ (uint64(1) << uint(bPrime))
	case StuckAtOne:
		bPrime := s.bitRNG.Intn(64)
		modified = original | (uint64(1) << uint(bPrime))
	default:
		return false
	}

	*word = modified
	s.changes[addr] = ChangeRecord{
		Original:  original,
		Modified:  modified,
		Class:     class,
		Label:     r.Label,
		Timestamp: time.Now(),
	}

	if hasClassBudget {
		s.classCounters[idx]++
	} else {
		s.wildcardCounter++
	}

	if s.Events != nil {
		s.Events.LogInjection(addr, class.String(), s.cfg.Mode.String(), nil)
	} else {
		s.logger.WithFields(logrus.Fields{
			"addr":  fmt.Sprintf("0x%x", addr),
			"class": class.String(),
			"mode":  s.cfg.Mode.String(),
		}).Debug("inject: fault injected")
	}

	return true
}

// Changes returns a snapshot copy of the current change map. Mutating
// the returned map does not affect the strategy's internal state.
func (s *FaultStrategy) Changes() map[uint64]ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uint64]ChangeRecord, len(s.changes))
	for k, v := range s.changes {
		out[k] = v
	}
	return out
}

// Reset clears the change map, quota counters, and the "limit reached"
// log latch. The RNG streams are left running: quotas reset, but the
// random sequence is never rewound.
func (s *FaultStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.changes = make(map[uint64]ChangeRecord)
	s.classCounters = [4]int{}
	s.wildcardCounter = 0
	s.limitLogged = false
}
