package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout        = errors.New("execution time limit exceeded")
	ErrCPULimit       = errors.New("cpu time limit exceeded")
	ErrMemoryLimit    = errors.New("memory limit exceeded")
	ErrRecursionLimit = errors.New("maximum recursion depth exceeded")
	ErrOutputLimit    = errors.New("output limit exceeded")
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrNotAvailable   = errors.New("interpreter not available")
)

// Fault messages surfaced in Result.Error so UIs can tell resource faults
// from logic faults.
const (
	msgTimeout   = "Execution time limit exceeded"
	msgCPU       = "CPU time limit exceeded"
	msgMemory    = "Memory limit exceeded"
	msgRecursion = "Maximum recursion depth exceeded"
)

// ExecError wraps engine errors with execution context.
type ExecError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsResourceFault reports whether err is any of the resource-ceiling
// sentinels (timeout, CPU, memory, recursion, output).
func IsResourceFault(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCPULimit) ||
		errors.Is(err, ErrMemoryLimit) ||
		errors.Is(err, ErrRecursionLimit) ||
		errors.Is(err, ErrOutputLimit)
}
