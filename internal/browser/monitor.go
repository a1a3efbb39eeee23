package browser

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// Decision is the pool-sizing verdict for one memory sample.
type Decision int

// Sizing verdicts.
const (
	Hold Decision = iota
	Shrink
	Grow
)

func (d Decision) String() string {
	switch d {
	case Shrink:
		return "shrink"
	case Grow:
		return "grow"
	default:
		return "hold"
	}
}

// shrinkAfter is how many consecutive over-threshold samples trigger a
// shrink. Growth requires dropping below growFraction of the threshold;
// the gap between the two bounds is the hysteresis that stops the pool
// from oscillating.
const (
	shrinkAfter      = 3
	growNumerator    = 7
	growDenominator  = 10
	bytesPerMegabyte = 1 << 20
)

// MemoryMonitor turns a stream of memory samples into pool-sizing
// decisions. The threshold scales with configured capacity so a larger
// pool is allowed a proportionally larger footprint.
type MemoryMonitor struct {
	thresholdBytes uint64
	consecOver     int
}

// NewMemoryMonitor derives the memory threshold from the configured pool
// capacity: base plus a per-page budget for every configured page.
func NewMemoryMonitor(baseMB, perPageMB, maxPages int) *MemoryMonitor {
	if baseMB <= 0 {
		baseMB = 512
	}
	if perPageMB <= 0 {
		perPageMB = 150
	}
	if maxPages <= 0 {
		maxPages = 1
	}
	return &MemoryMonitor{
		thresholdBytes: uint64(baseMB+perPageMB*maxPages) * bytesPerMegabyte,
	}
}

// Threshold returns the derived threshold in bytes.
func (m *MemoryMonitor) Threshold() uint64 {
	return m.thresholdBytes
}

// Observe folds one sample into the hysteresis state and returns the
// sizing decision for it.
func (m *MemoryMonitor) Observe(usedBytes uint64) Decision {
	if usedBytes > m.thresholdBytes {
		m.consecOver++
		if m.consecOver >= shrinkAfter {
			m.consecOver = 0
			return Shrink
		}
		return Hold
	}
	m.consecOver = 0
	if usedBytes*growDenominator < m.thresholdBytes*growNumerator {
		return Grow
	}
	return Hold
}

// MemorySampler reports current memory usage in bytes.
type MemorySampler func() (uint64, error)

// SystemSampler samples process-visible system memory via gopsutil.
func SystemSampler() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("sample virtual memory: %w", err)
	}
	return vm.Used, nil
}
