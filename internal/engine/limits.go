package engine

import (
	"fmt"
	"time"
)

// Limits are the hard ceilings enforced on one execution. Network is fully
// blocked regardless of MaxNetworkRequests; the counter only bounds how many
// blocked attempts are tolerated before an alert escalates.
type Limits struct {
	MaxMemoryMB        int64 `json:"max_memory_mb"`
	MaxCPUTimeMs       int64 `json:"max_cpu_time_ms"`
	MaxWallClockMs     int64 `json:"max_wall_clock_ms"`
	MaxOutputBytes     int64 `json:"max_output_bytes"`
	MaxNetworkRequests int   `json:"max_network_requests"`
	MaxDomMutations    int   `json:"max_dom_mutations"`
	MaxRecursionDepth  int   `json:"max_recursion_depth"`
}

// DefaultLimits returns the shipped ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryMB:        32,
		MaxCPUTimeMs:       5000,
		MaxWallClockMs:     10000,
		MaxOutputBytes:     10 << 20, // 10MB
		MaxNetworkRequests: 10,
		MaxDomMutations:    100,
		MaxRecursionDepth:  1000,
	}
}

// Validate checks that the limits are inside acceptable ranges.
func (l Limits) Validate() error {
	if l.MaxMemoryMB < 16 || l.MaxMemoryMB > 2048 {
		return fmt.Errorf("%w: max_memory_mb must be 16-2048, got %d", ErrInvalidRequest, l.MaxMemoryMB)
	}
	if l.MaxCPUTimeMs < 100 || l.MaxCPUTimeMs > 60000 {
		return fmt.Errorf("%w: max_cpu_time_ms must be 100-60000, got %d", ErrInvalidRequest, l.MaxCPUTimeMs)
	}
	if l.MaxWallClockMs < l.MaxCPUTimeMs {
		return fmt.Errorf("%w: max_wall_clock_ms (%d) must be >= max_cpu_time_ms (%d)",
			ErrInvalidRequest, l.MaxWallClockMs, l.MaxCPUTimeMs)
	}
	if l.MaxWallClockMs > 120000 {
		return fmt.Errorf("%w: max_wall_clock_ms must be <= 120000, got %d", ErrInvalidRequest, l.MaxWallClockMs)
	}
	if l.MaxOutputBytes < 1024 || l.MaxOutputBytes > 100<<20 {
		return fmt.Errorf("%w: max_output_bytes must be 1KB-100MB, got %d", ErrInvalidRequest, l.MaxOutputBytes)
	}
	if l.MaxRecursionDepth < 16 || l.MaxRecursionDepth > 100000 {
		return fmt.Errorf("%w: max_recursion_depth must be 16-100000, got %d", ErrInvalidRequest, l.MaxRecursionDepth)
	}
	if l.MaxNetworkRequests < 0 || l.MaxDomMutations < 0 {
		return fmt.Errorf("%w: counters must be non-negative", ErrInvalidRequest)
	}
	return nil
}

// WallClock returns the wall-clock budget as a duration.
func (l Limits) WallClock() time.Duration {
	return time.Duration(l.MaxWallClockMs) * time.Millisecond
}

// CPUSeconds returns the CPU budget rounded up to whole seconds, the
// granularity of RLIMIT_CPU.
func (l Limits) CPUSeconds() int64 {
	return (l.MaxCPUTimeMs + 999) / 1000
}
